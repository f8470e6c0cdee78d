package handlers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/acquire/internal/logging"
	"github.com/jmylchreest/acquire/internal/models"
	"github.com/jmylchreest/acquire/internal/token"
)

// TokenSource serves third-party bearer tokens.
type TokenSource interface {
	Record(ctx context.Context) (*token.Record, error)
}

// TokenHandler hands out the shared third-party token.
type TokenHandler struct {
	tokens TokenSource
	logger *slog.Logger
	now    func() time.Time
}

// NewTokenHandler creates a new token handler.
func NewTokenHandler(tokens TokenSource, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, logger: logger, now: time.Now}
}

// TokenOutput is the output for token requests.
type TokenOutput struct {
	CacheControl string `header:"Cache-Control"`
	Body         models.TokenResponse
}

// Handle returns the cached token or refreshes it.
func (h *TokenHandler) Handle(ctx context.Context, _ *struct{}) (*TokenOutput, error) {
	logger := logging.FromContext(ctx, h.logger)

	rec, err := h.tokens.Record(ctx)
	if err != nil {
		if wait, ok := token.RetryAfter(err); ok {
			logger.Warn("token not available yet", "error", err, "retry_after", wait)
			return nil, retryable(huma.Error503ServiceUnavailable(err.Error()), wait)
		}
		if errors.Is(err, token.ErrInvalidCredentials) {
			logger.Error("token credentials rejected", "error", err)
			return nil, huma.Error503ServiceUnavailable("token credentials are not configured or were rejected")
		}
		logger.Error("token refresh failed", "error", err)
		return nil, huma.Error503ServiceUnavailable("token service unavailable")
	}

	return &TokenOutput{
		CacheControl: "no-store",
		Body: models.TokenResponse{
			AccessToken: rec.AccessToken,
			TokenType:   rec.TokenType,
			ExpiresAt:   rec.ExpiresAt,
			ExpiresIn:   int64(rec.ExpiresAt.Sub(h.now()).Seconds()),
		},
	}, nil
}
