package models

import "time"

// ScrapeResult is the data extracted from a page.
type ScrapeResult struct {
	URL        string    `json:"url"`
	Price      string    `json:"price"`      // normalized decimal string
	PriceValue float64   `json:"priceValue"` // the same price as a number
	Title      string    `json:"title"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	HTML       string    `json:"html,omitempty"`
	Proxy      string    `json:"proxy,omitempty"` // redacted
	UserAgent  string    `json:"userAgent"`
	ScrapedAt  time.Time `json:"scrapedAt"`
	Attempts   int       `json:"attempts"`
	Captcha    bool      `json:"captcha"` // a challenge was met and cleared
}

// ScrapeFailure describes why a scrape gave up.
type ScrapeFailure struct {
	Kind     string `json:"kind"`
	Reason   string `json:"reason,omitempty"` // kind of the last attempt
	Selector string `json:"selector,omitempty"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
}

// ScrapeResponse is returned by the scrape endpoint.
type ScrapeResponse struct {
	Status         string         `json:"status"` // "ok" | "error"
	Result         *ScrapeResult  `json:"result,omitempty"`
	Failure        *ScrapeFailure `json:"failure,omitempty"`
	StartTimestamp int64          `json:"startTimestamp"` // Unix timestamp ms
	EndTimestamp   int64          `json:"endTimestamp"`   // Unix timestamp ms
	Version        string         `json:"version"`
	RequestID      string         `json:"requestId,omitempty"`
}

// TokenResponse carries a third-party bearer token.
type TokenResponse struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
	ExpiresIn   int64     `json:"expiresIn"` // seconds
}

// LimitResponse is the caller's window after a limit check.
type LimitResponse struct {
	Resource  string    `json:"resource"`
	Identity  string    `json:"identity"`
	Class     string    `json:"class"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// QuotaResponse is the third-party call budget.
type QuotaResponse struct {
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Degraded  bool      `json:"degraded,omitempty"`
}

// ProxyInfo describes one proxy of the pool.
type ProxyInfo struct {
	Address    string     `json:"address"` // redacted
	Enabled    bool       `json:"enabled"`
	Failures   int        `json:"failures"`
	Successes  int64      `json:"successes"`
	LatencyMS  int64      `json:"latencyMs"`
	LastUsed   *time.Time `json:"lastUsed,omitempty"`
	LastFailed *time.Time `json:"lastFailed,omitempty"`
}

// ProxiesResponse is the proxy pool snapshot.
type ProxiesResponse struct {
	Total   int         `json:"total"`
	Enabled int         `json:"enabled"`
	Proxies []ProxyInfo `json:"proxies"`
}

// ProxyCheckResponse reports a health check pass.
type ProxyCheckResponse struct {
	Reenabled int `json:"reenabled"`
	Total     int `json:"total"`
	Enabled   int `json:"enabled"`
}

// BrowserStats is browser pool occupancy.
type BrowserStats struct {
	Active  int  `json:"active"`
	MaxSize int  `json:"maxSize"`
	Waiting int  `json:"waiting"`
	Ready   bool `json:"ready"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status         string        `json:"status"` // "healthy" | "degraded"
	Version        string        `json:"version"`
	Store          string        `json:"store"` // "ok" or the ping error
	ProxiesTotal   int           `json:"proxiesTotal"`
	ProxiesEnabled int           `json:"proxiesEnabled"`
	Browsers       *BrowserStats `json:"browsers,omitempty"`
	Uptime         int64         `json:"uptimeSeconds"`
}

// NewErrorResponse creates a failed scrape response.
func NewErrorResponse(failure *ScrapeFailure, startTime, endTime int64, version, requestID string) *ScrapeResponse {
	return &ScrapeResponse{
		Status:         "error",
		Failure:        failure,
		StartTimestamp: startTime,
		EndTimestamp:   endTime,
		Version:        version,
		RequestID:      requestID,
	}
}

// NewSuccessResponse creates a successful scrape response.
func NewSuccessResponse(result *ScrapeResult, startTime, endTime int64, version, requestID string) *ScrapeResponse {
	return &ScrapeResponse{
		Status:         "ok",
		Result:         result,
		StartTimestamp: startTime,
		EndTimestamp:   endTime,
		Version:        version,
		RequestID:      requestID,
	}
}
