package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/acquire/internal/ratelimit"
)

// retryable wraps err with a Retry-After header rounded up to whole seconds.
func retryable(err error, wait time.Duration) error {
	h := http.Header{}
	h.Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(wait)))
	return huma.ErrorWithHeaders(err, h)
}

// throttled is the 429 answer for a full window.
func throttled(e *ratelimit.ThrottledError) error {
	h := http.Header{}
	ratelimit.SetHeaders(h, e.Result)
	h.Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(e.RetryAfter())))
	return huma.ErrorWithHeaders(huma.Error429TooManyRequests("rate limit exceeded"), h)
}
