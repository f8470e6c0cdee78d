// Package scrape drives headless browser scrapes of bot-protected product
// pages: fingerprinting, proxy rotation, cookie reuse, human simulation,
// captcha handling, extraction and retries.
package scrape

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/acquire/internal/browser"
	"github.com/jmylchreest/acquire/internal/challenge"
	"github.com/jmylchreest/acquire/internal/cookies"
	"github.com/jmylchreest/acquire/internal/proxy"
)

// ProxyPool is the part of proxy.Manager the engine uses.
type ProxyPool interface {
	ForTarget(target string) (string, bool)
	Release(target string)
	MarkFailed(address string)
	MarkSuccess(address string, latency time.Duration)
}

// CaptchaResolver clears challenge pages. solver.Resolver implements it.
type CaptchaResolver interface {
	SolveThrough(ctx context.Context, page browser.Page, proxyAddr string) bool
}

// ConsentDismisser clicks cookie banners away. consent.Dismisser implements it.
type ConsentDismisser interface {
	Dismiss(ctx context.Context, page browser.Page) bool
}

// Outcome is a successful scrape.
type Outcome struct {
	URL        string    `json:"url"`
	Price      string    `json:"price"`
	PriceValue float64   `json:"priceValue"`
	Title      string    `json:"title"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	RawHTML    string    `json:"rawHtml,omitempty"`
	Proxy      string    `json:"proxy,omitempty"`
	UserAgent  string    `json:"userAgent"`
	ScrapedAt  time.Time `json:"scrapedAt"`
	Attempts   int       `json:"attempts"`
	Captcha    bool      `json:"captcha"`
}

// Options configures an Engine.
type Options struct {
	MaxRetries        int           // default 3
	NavigationTimeout time.Duration // default 20s
	ExtractTimeout    time.Duration // default 10s
	BackoffCap        time.Duration // default 60s
	// SkipHumanSimulation disables pointer, scroll and key simulation.
	SkipHumanSimulation bool
}

// Engine runs scrapes. Every dependency except the launcher is optional.
type Engine struct {
	launcher  browser.Launcher
	proxies   ProxyPool
	jar       cookies.Jar
	resolver  CaptchaResolver
	dismisser ConsentDismisser
	opts      Options
	logger    *slog.Logger

	now    func() time.Time
	random func() float64
	intn   func(n int) int
	// pause serves human simulation, sleep serves retry backoff.
	pause func(ctx context.Context, d time.Duration) error
	sleep func(ctx context.Context, d time.Duration) error
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Launcher  browser.Launcher
	Proxies   ProxyPool
	Jar       cookies.Jar
	Resolver  CaptchaResolver
	Dismisser ConsentDismisser
}

// NewEngine creates an engine.
func NewEngine(deps Deps, opts Options, logger *slog.Logger) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 20 * time.Second
	}
	if opts.ExtractTimeout <= 0 {
		opts.ExtractTimeout = 10 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 60 * time.Second
	}
	return &Engine{
		launcher:  deps.Launcher,
		proxies:   deps.Proxies,
		jar:       deps.Jar,
		resolver:  deps.Resolver,
		dismisser: deps.Dismisser,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		random:    rand.Float64,
		intn:      rand.IntN,
		pause:     sleepCtx,
		sleep:     sleepCtx,
	}
}

// Scrape fetches and extracts d, retrying with exponential backoff. After
// the last failed attempt it returns one *Error of KindRetriesExhausted.
func (e *Engine) Scrape(ctx context.Context, d Descriptor) (*Outcome, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	maxRetries := d.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.opts.MaxRetries
	}

	logger := e.logger.With("target", d.URL)
	var attempts []error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		start := e.now()
		out, proxyAddr, err := e.attempt(ctx, d, logger)
		elapsed := e.now().Sub(start)

		if err == nil {
			if proxyAddr != "" && e.proxies != nil {
				e.proxies.MarkSuccess(proxyAddr, elapsed)
			}
			out.Attempts = attempt
			logger.Info("scrape finished",
				"attempt", attempt,
				"duration", elapsed,
				"proxy", out.Proxy,
			)
			return out, nil
		}

		var se *Error
		if !errors.As(err, &se) {
			se = failure(KindNavigation, "", "", err)
		}
		se.URL = d.URL
		attempts = append(attempts, se)

		logger.Warn("scrape attempt failed",
			"attempt", attempt,
			"max_attempts", maxRetries,
			"kind", se.Kind,
			"proxy", proxy.Redact(proxyAddr),
			"error", err,
		)
		if e.proxies != nil {
			if proxyAddr != "" {
				e.proxies.MarkFailed(proxyAddr)
			}
			e.proxies.Release(d.target())
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < maxRetries {
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}

	last := attempts[len(attempts)-1].(*Error)
	logger.Error("all scrape attempts failed", "attempts", len(attempts), "last_kind", last.Kind)
	return nil, &Error{
		Kind:     KindRetriesExhausted,
		Reason:   last.Kind,
		URL:      d.URL,
		Attempts: attempts,
	}
}

// backoff is uniform(2^a, 2^(a+1)) seconds for the 1-based attempt a,
// capped at BackoffCap.
func (e *Engine) backoff(attempt int) time.Duration {
	base := math.Pow(2, float64(attempt))
	d := time.Duration((base + base*e.random()) * float64(time.Second))
	if d > e.opts.BackoffCap {
		d = e.opts.BackoffCap
	}
	return d
}

// attempt runs one scrape in a fresh browser session. It returns the proxy
// used so the caller can score it.
func (e *Engine) attempt(ctx context.Context, d Descriptor, logger *slog.Logger) (*Outcome, string, error) {
	fp := browser.NewFingerprint(e.intn)

	var proxyAddr string
	if e.proxies != nil {
		proxyAddr, _ = e.proxies.ForTarget(d.target())
	}

	sess, err := e.launcher.Launch(ctx, browser.Options{Proxy: proxyAddr, Fingerprint: fp})
	if err != nil {
		kind := KindNavigation
		if proxyAddr != "" {
			kind = KindProxy
		}
		return nil, proxyAddr, failure(kind, "", "browser launch failed", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("failed to close browser session", "error", err)
		}
	}()
	page := sess.Page()

	e.restoreCookies(ctx, page, d.URL, logger)

	navCtx, cancel := context.WithTimeout(ctx, e.opts.NavigationTimeout)
	err = page.Navigate(navCtx, d.URL)
	cancel()
	if err != nil {
		return nil, proxyAddr, failure(KindNavigation, "", "navigation failed", err)
	}

	if e.dismisser != nil {
		e.dismisser.Dismiss(ctx, page)
	}
	if err := e.simulateHuman(ctx, page); err != nil {
		return nil, proxyAddr, failure(KindNavigation, "", "interaction failed", err)
	}

	captcha, err := e.handleChallenge(ctx, page, d, proxyAddr, logger)
	if err != nil {
		return nil, proxyAddr, err
	}

	extractCtx, cancel := context.WithTimeout(ctx, e.opts.ExtractTimeout)
	out, err := e.extract(extractCtx, page, d.Selectors)
	cancel()
	if err != nil {
		return nil, proxyAddr, err
	}

	out.URL = d.URL
	out.Proxy = proxy.Redact(proxyAddr)
	out.UserAgent = fp.UserAgent
	out.ScrapedAt = e.now().UTC()
	out.Captcha = captcha
	if html, err := page.HTML(ctx); err == nil {
		out.RawHTML = html
	}
	if out.ImageURL != "" {
		out.ImageURL = resolveURL(d.URL, out.ImageURL)
	}

	e.persistCookies(ctx, page, d.URL, fp.UserAgent, logger)
	return out, proxyAddr, nil
}

// handleChallenge resolves a challenge page, reloads it and simulates the
// visitor again. It reports whether a challenge was seen.
func (e *Engine) handleChallenge(ctx context.Context, page browser.Page, d Descriptor, proxyAddr string, logger *slog.Logger) (bool, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return false, failure(KindNavigation, "", "read page", err)
	}
	if !challenge.Detect(html) {
		return false, nil
	}

	logger.Warn("captcha detected", "proxy", proxy.Redact(proxyAddr))
	if e.resolver == nil || !e.resolver.SolveThrough(ctx, page, proxyAddr) {
		return true, failure(KindCaptcha, "", "challenge not cleared", nil)
	}

	navCtx, cancel := context.WithTimeout(ctx, e.opts.NavigationTimeout)
	err = page.Reload(navCtx)
	cancel()
	if err != nil {
		return true, failure(KindNavigation, "", "reload after captcha failed", err)
	}
	if err := e.simulateHuman(ctx, page); err != nil {
		return true, failure(KindNavigation, "", "interaction failed", err)
	}

	if html, err := page.HTML(ctx); err == nil && challenge.Detect(html) {
		return true, failure(KindCaptcha, "", "challenge returned after reload", nil)
	}
	return true, nil
}

func (e *Engine) restoreCookies(ctx context.Context, page browser.Page, rawURL string, logger *slog.Logger) {
	if e.jar == nil {
		return
	}
	sess, err := e.jar.Load(ctx, rawURL)
	if err != nil {
		logger.Warn("failed to load cookies", "error", err)
		return
	}
	if sess == nil || len(sess.Cookies) == 0 {
		return
	}
	if err := page.SetCookies(ctx, sess.Cookies); err != nil {
		logger.Warn("failed to restore cookies", "error", err)
		return
	}
	logger.Debug("restored cookies", "count", len(sess.Cookies), "domain", sess.Domain)
}

func (e *Engine) persistCookies(ctx context.Context, page browser.Page, rawURL, userAgent string, logger *slog.Logger) {
	if e.jar == nil {
		return
	}
	cs, err := page.Cookies(ctx)
	if err != nil {
		logger.Warn("failed to read cookies", "error", err)
		return
	}
	if len(cs) == 0 {
		return
	}
	if err := e.jar.Save(ctx, rawURL, cs, userAgent); err != nil {
		logger.Warn("failed to save cookies", "error", err)
	}
}

// simulateHuman pauses, moves and maybe clicks the pointer, scrolls and
// presses ArrowDown a few times.
func (e *Engine) simulateHuman(ctx context.Context, page browser.Page) error {
	if e.opts.SkipHumanSimulation {
		return nil
	}
	if err := e.pause(ctx, e.between(time.Second, 2*time.Second)); err != nil {
		return err
	}
	if err := page.MoveMouse(ctx, e.coord(), e.coord()); err != nil {
		return err
	}
	if e.random() < 0.3 {
		if err := page.MoveMouse(ctx, e.coord(), e.coord()); err != nil {
			return err
		}
		if err := page.MouseDown(ctx); err != nil {
			return err
		}
		if err := page.MouseUp(ctx); err != nil {
			return err
		}
	}
	if err := page.Scroll(ctx, float64(100+e.intn(901))); err != nil {
		return err
	}
	if err := e.pause(ctx, e.between(500*time.Millisecond, 1500*time.Millisecond)); err != nil {
		return err
	}
	for i := 1 + e.intn(3); i > 0; i-- {
		if err := page.Press(ctx, browser.KeyArrowDown); err != nil {
			return err
		}
		if err := e.pause(ctx, e.between(200*time.Millisecond, 500*time.Millisecond)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) between(lo, hi time.Duration) time.Duration {
	return lo + time.Duration(e.random()*float64(hi-lo))
}

func (e *Engine) coord() float64 {
	return float64(100 + e.intn(401))
}

// extract reads the descriptor fields. Missing elements mean the markup
// changed; hidden or zero-area title and image elements are honeypots.
func (e *Engine) extract(ctx context.Context, page browser.Page, sel Selectors) (*Outcome, error) {
	priceEl, err := lookup(ctx, page, sel.Price)
	if err != nil {
		return nil, err
	}
	titleEl, err := lookup(ctx, page, sel.Title)
	if err != nil {
		return nil, err
	}
	imageEl, err := lookup(ctx, page, sel.Image)
	if err != nil {
		return nil, err
	}

	priceRaw, err := priceEl.Text(ctx)
	if err != nil {
		return nil, failure(KindSelectorChanged, sel.Price, "read text", err)
	}
	title, err := titleEl.Text(ctx)
	if err != nil {
		return nil, failure(KindSelectorChanged, sel.Title, "read text", err)
	}
	src, _, err := imageEl.Attribute(ctx, "src")
	if err != nil {
		return nil, failure(KindSelectorChanged, sel.Image, "read src", err)
	}

	price, value, err := NormalizePrice(priceRaw)
	if err != nil {
		return nil, failure(KindDataMissing, sel.Price, "could not normalize price "+strconv.Quote(priceRaw), err)
	}

	for _, c := range []struct {
		selector string
		el       browser.Element
	}{{sel.Title, titleEl}, {sel.Image, imageEl}} {
		if err := checkVisible(ctx, c.selector, c.el); err != nil {
			return nil, err
		}
	}

	return &Outcome{
		Price:      price,
		PriceValue: value,
		Title:      strings.TrimSpace(title),
		ImageURL:   strings.TrimSpace(src),
	}, nil
}

func lookup(ctx context.Context, page browser.Page, selector string) (browser.Element, error) {
	el, err := page.Element(ctx, selector)
	if err != nil {
		return nil, failure(KindSelectorChanged, selector, "element not found", err)
	}
	return el, nil
}

func checkVisible(ctx context.Context, selector string, el browser.Element) error {
	visible, err := el.Visible(ctx)
	if err != nil {
		return failure(KindDataMissing, selector, "visibility check failed", err)
	}
	if !visible {
		return failure(KindDataMissing, selector, "element is hidden (honeypot?)", nil)
	}
	w, h, err := el.Size(ctx)
	if err != nil {
		return failure(KindDataMissing, selector, "size check failed", err)
	}
	if w == 0 || h == 0 {
		return failure(KindDataMissing, selector, "element has zero area (honeypot?)", nil)
	}
	return nil
}

var errNoDigits = errors.New("no digits")

// NormalizePrice reduces a displayed price to a decimal string. The last
// '.' or ',' is the decimal point when one or two digits follow it; every
// other separator groups thousands.
func NormalizePrice(raw string) (string, float64, error) {
	var num []byte
	for i := 0; i < len(raw); i++ {
		switch c := raw[i]; {
		case c >= '0' && c <= '9':
			num = append(num, c)
		case (c == '.' || c == ',') && len(num) > 0:
			num = append(num, c)
		}
	}
	trimmed := strings.TrimRight(string(num), ".,")
	if trimmed == "" {
		return "", 0, errNoDigits
	}

	whole, frac := trimmed, ""
	if i := strings.LastIndexAny(trimmed, ".,"); i >= 0 && len(trimmed)-i-1 <= 2 {
		whole, frac = trimmed[:i], trimmed[i+1:]
	}
	s := strings.NewReplacer(".", "", ",", "").Replace(whole)
	if frac != "" {
		s += "." + frac
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", 0, err
	}
	return s, v, nil
}

func resolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
