// Package handlers provides HTTP handlers for the acquisition service API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmylchreest/acquire/internal/http/mw"
	"github.com/jmylchreest/acquire/internal/logging"
	"github.com/jmylchreest/acquire/internal/models"
	"github.com/jmylchreest/acquire/internal/scrape"
	"github.com/jmylchreest/acquire/internal/version"
)

// Scraper runs one scrape.
type Scraper interface {
	Scrape(ctx context.Context, d scrape.Descriptor) (*scrape.Outcome, error)
}

// ScrapeHandler handles scrape requests.
type ScrapeHandler struct {
	scraper Scraper
	logger  *slog.Logger
}

// NewScrapeHandler creates a new scrape handler.
func NewScrapeHandler(scraper Scraper, logger *slog.Logger) *ScrapeHandler {
	return &ScrapeHandler{scraper: scraper, logger: logger}
}

// ScrapeInput is the input for scrape requests.
type ScrapeInput struct {
	Body models.ScrapeRequest
}

// ScrapeOutput is the output for scrape requests. Status is 200 on success,
// 422 when the page no longer matches its selectors and 503 when every
// attempt failed in transport.
type ScrapeOutput struct {
	Status int
	Body   models.ScrapeResponse
}

// Handle processes a scrape request.
func (h *ScrapeHandler) Handle(ctx context.Context, input *ScrapeInput) (*ScrapeOutput, error) {
	startTime := time.Now().UnixMilli()
	ver := version.Get().Version
	requestID := middleware.GetReqID(ctx)

	req := input.Body
	d := scrape.Descriptor{
		Name: req.Name,
		URL:  req.URL,
		Selectors: scrape.Selectors{
			Price: req.Selectors.Price,
			Title: req.Selectors.Title,
			Image: req.Selectors.Image,
		},
		MaxRetries: req.MaxRetries,
		Target:     req.Target,
	}
	if err := d.Validate(); err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	ctx = logging.WithTarget(ctx, d.URL)
	logger := logging.FromContext(ctx, h.logger)

	callerID := ""
	if c := mw.GetCaller(ctx); c != nil {
		callerID = string(c.Identity())
	}
	logger.Info("scrape request received",
		"caller", callerID,
		"name", d.Name,
		"max_retries", d.MaxRetries,
	)

	out, err := h.scraper.Scrape(ctx, d)
	if err != nil {
		failure, status := scrapeFailure(err)
		logger.Warn("scrape failed",
			"kind", failure.Kind,
			"reason", failure.Reason,
			"attempts", failure.Attempts,
			"status", status,
		)
		return &ScrapeOutput{
			Status: status,
			Body:   *models.NewErrorResponse(failure, startTime, time.Now().UnixMilli(), ver, requestID),
		}, nil
	}

	result := &models.ScrapeResult{
		URL:        out.URL,
		Price:      out.Price,
		PriceValue: out.PriceValue,
		Title:      out.Title,
		ImageURL:   out.ImageURL,
		Proxy:      out.Proxy,
		UserAgent:  out.UserAgent,
		ScrapedAt:  out.ScrapedAt,
		Attempts:   out.Attempts,
		Captcha:    out.Captcha,
	}
	if req.IncludeHTML {
		result.HTML = out.RawHTML
	}

	logger.Info("scrape completed",
		"attempts", out.Attempts,
		"captcha", out.Captcha,
		"duration_ms", time.Now().UnixMilli()-startTime,
	)
	return &ScrapeOutput{
		Status: http.StatusOK,
		Body:   *models.NewSuccessResponse(result, startTime, time.Now().UnixMilli(), ver, requestID),
	}, nil
}

// scrapeFailure maps a scrape error to its API shape and status.
func scrapeFailure(err error) (*models.ScrapeFailure, int) {
	var se *scrape.Error
	if !errors.As(err, &se) {
		status := http.StatusInternalServerError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		return &models.ScrapeFailure{Kind: "internal", Message: err.Error()}, status
	}

	failure := &models.ScrapeFailure{
		Kind:     string(se.Kind),
		Reason:   string(se.Reason),
		Selector: se.Selector,
		Message:  se.Error(),
		Attempts: len(se.Attempts),
	}

	// the last attempt decides: a page that loads but no longer matches
	// needs its descriptor fixed, anything else may pass on a later call
	reason := se.Reason
	if se.Kind != scrape.KindRetriesExhausted {
		reason = se.Kind
	}
	if last := lastAttempt(se); last != nil && failure.Selector == "" {
		failure.Selector = last.Selector
	}
	switch reason {
	case scrape.KindSelectorChanged, scrape.KindDataMissing:
		return failure, http.StatusUnprocessableEntity
	default:
		return failure, http.StatusServiceUnavailable
	}
}

func lastAttempt(se *scrape.Error) *scrape.Error {
	if len(se.Attempts) == 0 {
		return nil
	}
	var last *scrape.Error
	if errors.As(se.Attempts[len(se.Attempts)-1], &last) {
		return last
	}
	return nil
}
