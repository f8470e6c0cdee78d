package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/acquire/internal/http/mw"
	"github.com/jmylchreest/acquire/internal/models"
	"github.com/jmylchreest/acquire/internal/ratelimit"
)

// LimitsHandler lets callers check a window before an outbound call.
type LimitsHandler struct {
	limiter *ratelimit.Limiter
	quota   *ratelimit.Quota
}

// NewLimitsHandler creates a new limits handler. quota may be nil.
func NewLimitsHandler(limiter *ratelimit.Limiter, quota *ratelimit.Quota) *LimitsHandler {
	return &LimitsHandler{limiter: limiter, quota: quota}
}

// LimitInput names the resource to count against.
type LimitInput struct {
	Resource string `path:"resource" minLength:"1" maxLength:"64" pattern:"^[a-zA-Z0-9_.-]+$" doc:"Resource name, e.g. the upstream host"`
	Wait     bool   `query:"wait" doc:"Block until the window opens (bounded by the server's max wait)"`
}

// LimitOutput is the window after the check.
type LimitOutput struct {
	Limit     string `header:"X-RateLimit-Limit"`
	Remaining string `header:"X-RateLimit-Remaining"`
	Reset     string `header:"X-RateLimit-Reset"`
	Body      models.LimitResponse
}

// Check records one request by the caller against the resource.
func (h *LimitsHandler) Check(ctx context.Context, input *LimitInput) (*LimitOutput, error) {
	caller := mw.GetCaller(ctx)
	if caller == nil {
		return nil, huma.Error401Unauthorized("unauthorized")
	}
	id, class := caller.Identity(), caller.Class()

	var opts []ratelimit.Option
	if input.Wait {
		opts = append(opts, ratelimit.WithBlock(0))
	}
	res, err := h.limiter.Limit(ctx, id, input.Resource, class, opts...)
	var te *ratelimit.ThrottledError
	if errors.As(err, &te) {
		return nil, throttled(te)
	}
	if err != nil {
		return nil, huma.Error503ServiceUnavailable("rate limit check interrupted")
	}

	return &LimitOutput{
		Limit:     strconv.Itoa(res.Limit),
		Remaining: strconv.Itoa(res.Remaining),
		Reset:     strconv.FormatInt(res.Reset.Unix(), 10),
		Body: models.LimitResponse{
			Resource:  input.Resource,
			Identity:  string(id),
			Class:     string(class),
			Limit:     res.Limit,
			Remaining: res.Remaining,
			Reset:     res.Reset,
		},
	}, nil
}

// QuotaInput spends one unit of the third-party budget.
type QuotaInput struct {
	Body models.QuotaRequest
}

// QuotaOutput is the budget.
type QuotaOutput struct {
	Body models.QuotaResponse
}

// Acquire spends one unit of the third-party call budget.
func (h *LimitsHandler) Acquire(ctx context.Context, input *QuotaInput) (*QuotaOutput, error) {
	if h.quota == nil {
		return nil, huma.Error404NotFound("no quota configured")
	}

	acquire := h.quota.Acquire
	if input.Body.Wait {
		acquire = h.quota.Wait
	}
	st, err := acquire(ctx)
	var qe *ratelimit.QuotaExceededError
	if errors.As(err, &qe) {
		return nil, retryable(huma.Error429TooManyRequests(qe.Error()), qe.RetryAfter())
	}
	if err != nil {
		return nil, huma.Error503ServiceUnavailable("quota check interrupted")
	}
	return &QuotaOutput{Body: quotaResponse(st)}, nil
}

// Quota reports the budget without spending it.
func (h *LimitsHandler) Quota(ctx context.Context, _ *struct{}) (*QuotaOutput, error) {
	if h.quota == nil {
		return nil, huma.Error404NotFound("no quota configured")
	}
	st, err := h.quota.Status(ctx)
	if err != nil {
		return nil, huma.Error503ServiceUnavailable("quota unavailable")
	}
	return &QuotaOutput{Body: quotaResponse(st)}, nil
}

func quotaResponse(st ratelimit.QuotaStatus) models.QuotaResponse {
	return models.QuotaResponse{
		Limit:     st.Limit,
		Used:      st.Used,
		Remaining: st.Remaining,
		ResetAt:   st.ResetAt,
		Degraded:  st.Degraded,
	}
}
