package proxy

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint is a parsed proxy address.
type Endpoint struct {
	Scheme   string // http, https or socks5
	Host     string // host:port
	Username string
	Password string
}

// Server returns the address without credentials, as browsers expect it
// on the command line.
func (e Endpoint) Server() string {
	return e.Scheme + "://" + e.Host
}

// URL returns the address with credentials.
func (e Endpoint) URL() *url.URL {
	u := &url.URL{Scheme: e.Scheme, Host: e.Host}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// Parse accepts "scheme://[user:pass@]host:port" or a bare "host:port",
// which is taken as http.
func Parse(address string) (Endpoint, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid proxy address: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https", "socks5":
	case "socks5h":
		scheme = "socks5"
	default:
		return Endpoint{}, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" || u.Port() == "" {
		return Endpoint{}, fmt.Errorf("proxy address %q needs host:port", u.Redacted())
	}

	e := Endpoint{Scheme: scheme, Host: u.Host}
	if u.User != nil {
		e.Username = u.User.Username()
		e.Password, _ = u.User.Password()
	}
	return e, nil
}

// Redact strips credentials from address for logs and API output.
func Redact(address string) string {
	if address == "" {
		return ""
	}
	e, err := Parse(address)
	if err != nil {
		return "invalid"
	}
	return e.Server()
}
