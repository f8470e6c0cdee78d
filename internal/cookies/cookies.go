// Package cookies persists per-domain browser cookie sessions between scrape
// attempts so that a target sees a returning visitor.
package cookies

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultTTL is how long a saved session stays loadable.
const DefaultTTL = 24 * time.Hour

// ErrInvalidURL is returned when no domain can be derived from a URL.
var ErrInvalidURL = errors.New("cannot derive cookie domain from url")

// Cookie is a browser cookie in a storage-neutral form.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires"`
	HTTPOnly bool      `json:"httpOnly"`
	Secure   bool      `json:"secure"`
	SameSite string    `json:"sameSite,omitempty"`
}

// Session is the cookie state saved for one domain.
type Session struct {
	Domain    string    `json:"domain"`
	Cookies   []Cookie  `json:"cookies"`
	UserAgent string    `json:"userAgent"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Session) clone() *Session {
	c := *s
	c.Cookies = append([]Cookie(nil), s.Cookies...)
	return &c
}

// Jar stores sessions keyed by domain. Load returns (nil, nil) when there is
// no live session for the URL's domain.
type Jar interface {
	Load(ctx context.Context, rawURL string) (*Session, error)
	Save(ctx context.Context, rawURL string, cookies []Cookie, userAgent string) error
	Delete(ctx context.Context, rawURL string) error
	Cleanup(ctx context.Context) (int, error)
	Close() error
}

// DomainKey returns the lowercased host of rawURL without a leading "www.".
// A URL without a scheme is read as https.
func DomainKey(rawURL string) (string, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" || strings.ContainsAny(host, `/\`) || strings.Trim(host, ".") == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	return host, nil
}
