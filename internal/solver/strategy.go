package solver

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/acquire/internal/browser"
	"github.com/jmylchreest/acquire/internal/challenge"
	"github.com/jmylchreest/acquire/internal/proxy"
)

// Target is the page a strategy works on.
type Target struct {
	Page browser.Page
	// Proxy is the browser's egress proxy address, empty for direct.
	Proxy string
}

// Strategy is one way of getting past a challenge. Attempt reports whether
// the page is clear of challenges afterwards.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, t Target) (bool, error)
}

// sleepFunc pauses for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cleared reports whether the page no longer looks like a challenge.
func cleared(ctx context.Context, page browser.Page) (bool, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return false, err
	}
	return !challenge.Detect(html), nil
}

// injectTokenJS writes a solved token into every response field the widgets
// use and fires the page's callback when one is registered.
const injectTokenJS = `(kind, token) => {
	const fields = {
		turnstile: ['cf-turnstile-response', 'g-recaptcha-response'],
		hcaptcha: ['h-captcha-response', 'g-recaptcha-response'],
		recaptcha: ['g-recaptcha-response'],
	}[kind] || [];
	for (const name of fields) {
		document.querySelectorAll('[name="' + name + '"]').forEach((el) => { el.value = token; });
	}
	const callback = {
		turnstile: window.turnstileCallback,
		hcaptcha: window.hcaptchaCallback,
		recaptcha: window.grecaptchaCallback,
	}[kind];
	if (typeof callback === 'function') {
		callback(token);
		return 'callback';
	}
	return 'field';
}`

func widgetKind(t challenge.Type) string {
	switch t {
	case challenge.TypeCloudflareTurnstile:
		return "turnstile"
	case challenge.TypeHCaptcha:
		return "hcaptcha"
	case challenge.TypeReCaptchaV2, challenge.TypeReCaptchaV3:
		return "recaptcha"
	default:
		return ""
	}
}

// ExternalStrategy sends token challenges to a solving service and injects
// the returned token.
type ExternalStrategy struct {
	solver   Solver
	detector *challenge.Detector
	timeout  time.Duration
	settle   time.Duration
	sleep    sleepFunc
	logger   *slog.Logger
}

// NewExternalStrategy creates the strategy. timeout bounds one solve.
func NewExternalStrategy(s Solver, detector *challenge.Detector, timeout time.Duration, logger *slog.Logger) *ExternalStrategy {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ExternalStrategy{
		solver:   s,
		detector: detector,
		timeout:  timeout,
		settle:   3 * time.Second,
		sleep:    sleepCtx,
		logger:   logger,
	}
}

func (e *ExternalStrategy) Name() string { return "external" }

func (e *ExternalStrategy) Attempt(ctx context.Context, t Target) (bool, error) {
	det, err := e.detector.Inspect(ctx, t.Page)
	if err != nil {
		return false, err
	}
	if !det.Found() {
		return true, nil
	}
	if det.SiteKey == "" || !e.solver.CanSolve(det.Type) {
		return false, nil
	}

	params := SolveParams{
		Type:    det.Type,
		SiteKey: det.SiteKey,
		PageURL: det.PageURL,
		Action:  det.Action,
		CData:   det.CData,
	}
	if t.Proxy != "" {
		if ep, err := proxy.Parse(t.Proxy); err == nil {
			params.Proxy = &ep
		}
	}

	solveCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	result, err := e.solver.Solve(solveCtx, params)
	if err != nil {
		return false, err
	}
	e.logger.Info("external solver returned token",
		"solver", result.SolverName,
		"type", det.Type,
		"cost", result.Cost,
		"duration", time.Since(start),
	)

	if _, err := t.Page.Eval(ctx, injectTokenJS, widgetKind(det.Type), result.Token); err != nil {
		return false, err
	}
	if err := e.sleep(ctx, e.settle); err != nil {
		return false, err
	}
	return cleared(ctx, t.Page)
}

// RefreshStrategy reloads the page.
type RefreshStrategy struct{}

func (RefreshStrategy) Name() string { return "refresh" }

func (RefreshStrategy) Attempt(ctx context.Context, t Target) (bool, error) {
	if err := t.Page.Reload(ctx); err != nil {
		return false, err
	}
	return cleared(ctx, t.Page)
}

// WaitStrategy waits for challenges that clear by themselves.
type WaitStrategy struct {
	detector *challenge.Detector
	wait     time.Duration
	interval time.Duration
}

// NewWaitStrategy creates the strategy.
func NewWaitStrategy(detector *challenge.Detector, wait time.Duration) *WaitStrategy {
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &WaitStrategy{detector: detector, wait: wait, interval: 500 * time.Millisecond}
}

func (w *WaitStrategy) Name() string { return "wait" }

func (w *WaitStrategy) Attempt(ctx context.Context, t Target) (bool, error) {
	det, err := w.detector.WaitForClear(ctx, t.Page, w.wait, w.interval)
	if err != nil {
		return false, err
	}
	if det.Found() {
		return false, nil
	}
	return cleared(ctx, t.Page)
}

// HumanInputStrategy clicks into the page and tabs to the submit control.
type HumanInputStrategy struct {
	sleep sleepFunc
}

func NewHumanInputStrategy() *HumanInputStrategy {
	return &HumanInputStrategy{sleep: sleepCtx}
}

func (h *HumanInputStrategy) Name() string { return "human_input" }

func (h *HumanInputStrategy) Attempt(ctx context.Context, t Target) (bool, error) {
	p := t.Page
	steps := []func() error{
		func() error { return p.MoveMouse(ctx, 100, 100) },
		func() error { return h.sleep(ctx, time.Second) },
		func() error { return p.MouseDown(ctx) },
		func() error { return h.sleep(ctx, 200*time.Millisecond) },
		func() error { return p.MouseUp(ctx) },
		func() error { return h.sleep(ctx, 500*time.Millisecond) },
		func() error { return p.Press(ctx, browser.KeyTab) },
		func() error { return h.sleep(ctx, 500*time.Millisecond) },
		func() error { return p.Press(ctx, browser.KeyTab) },
		func() error { return h.sleep(ctx, 500*time.Millisecond) },
		func() error { return p.Press(ctx, browser.KeyEnter) },
		func() error { return h.sleep(ctx, 3*time.Second) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return false, err
		}
	}
	return cleared(ctx, p)
}
