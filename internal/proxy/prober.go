package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// HTTPProber fetches TestURL through the proxy and reports the round trip.
type HTTPProber struct {
	TestURL string
	Timeout time.Duration
}

// NewHTTPProber creates a prober. An empty testURL uses http://httpbin.org/ip.
func NewHTTPProber(testURL string, timeout time.Duration) *HTTPProber {
	if testURL == "" {
		testURL = "http://httpbin.org/ip"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{TestURL: testURL, Timeout: timeout}
}

// Probe returns the latency of a successful request through address.
func (p *HTTPProber) Probe(ctx context.Context, address string) (time.Duration, error) {
	ep, err := Parse(address)
	if err != nil {
		return 0, err
	}

	transport, err := p.transport(ep)
	if err != nil {
		return 0, err
	}
	defer transport.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.TestURL, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := (&http.Client{Transport: transport, Timeout: p.Timeout}).Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

func (p *HTTPProber) transport(ep Endpoint) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: p.Timeout}

	if ep.Scheme != "socks5" {
		return &http.Transport{
			Proxy:               http.ProxyURL(ep.URL()),
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: p.Timeout / 2,
		}, nil
	}

	var auth *xproxy.Auth
	if ep.Username != "" {
		auth = &xproxy.Auth{User: ep.Username, Password: ep.Password}
	}
	socks, err := xproxy.SOCKS5("tcp", ep.Host, auth, dialer)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := socks.(xproxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}
	return &http.Transport{
		DialContext:         cd.DialContext,
		TLSHandshakeTimeout: p.Timeout / 2,
	}, nil
}
