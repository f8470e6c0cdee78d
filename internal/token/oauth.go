package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jmylchreest/acquire/internal/version"
)

// Grant is a freshly minted access token.
type Grant struct {
	AccessToken string
	TokenType   string
	ExpiresIn   time.Duration
}

// Minter issues new access tokens.
type Minter interface {
	Mint(ctx context.Context) (Grant, error)
}

// OAuthConfig holds client-credentials settings.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scope        string
}

// OAuthMinter mints tokens with the OAuth2 client-credentials grant.
type OAuthMinter struct {
	cfg    OAuthConfig
	client *resty.Client
}

type oauthReply struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type oauthErrorReply struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// NewOAuthMinter creates a minter for cfg.
func NewOAuthMinter(cfg OAuthConfig, timeout time.Duration) *OAuthMinter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("User-Agent", version.UserAgent())
	return &OAuthMinter{cfg: cfg, client: client}
}

// Mint posts the client-credentials form to the token endpoint.
func (m *OAuthMinter) Mint(ctx context.Context) (Grant, error) {
	if m.cfg.ClientID == "" || m.cfg.ClientSecret == "" {
		return Grant{}, ErrInvalidCredentials
	}

	form := map[string]string{"grant_type": "client_credentials"}
	if m.cfg.Scope != "" {
		form["scope"] = m.cfg.Scope
	}

	var reply oauthReply
	var failure oauthErrorReply
	resp, err := m.client.R().
		SetContext(ctx).
		SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret).
		SetFormData(form).
		SetResult(&reply).
		SetError(&failure).
		Post(m.cfg.TokenURL)
	if err != nil {
		return Grant{}, fmt.Errorf("token request: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized,
		failure.Error == "invalid_client":
		return Grant{}, ErrInvalidCredentials
	case resp.IsError():
		if failure.Error != "" {
			return Grant{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode(), failure.Error)
		}
		return Grant{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode())
	}

	if reply.AccessToken == "" {
		return Grant{}, errors.New("no access token in response")
	}
	g := Grant{
		AccessToken: reply.AccessToken,
		TokenType:   reply.TokenType,
		ExpiresIn:   time.Duration(reply.ExpiresIn) * time.Second,
	}
	if g.TokenType == "" {
		g.TokenType = "Bearer"
	}
	if g.ExpiresIn <= 0 {
		g.ExpiresIn = 7200 * time.Second
	}
	return g, nil
}
