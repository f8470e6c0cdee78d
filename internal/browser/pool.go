package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/acquire/internal/proxy"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	ChromePath     string
	Headless       bool
	MaxBrowsers    int
	DisableStealth bool
}

// Pool launches one Chrome process per session and bounds how many run at
// once. Sessions are never reused: each attempt gets a fresh profile,
// proxy and fingerprint.
type Pool struct {
	cfg    PoolConfig
	slots  chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	active  map[string]*rodSession
	waiting int
	closed  bool

	readyChan chan struct{}
	readyOnce sync.Once
}

// NewPool creates a pool. MaxBrowsers below 1 is treated as 1.
func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.MaxBrowsers < 1 {
		cfg.MaxBrowsers = 1
	}
	return &Pool{
		cfg:       cfg,
		slots:     make(chan struct{}, cfg.MaxBrowsers),
		logger:    logger,
		active:    make(map[string]*rodSession),
		readyChan: make(chan struct{}),
	}
}

// Ready returns true once Warmup has completed.
func (p *Pool) Ready() bool {
	select {
	case <-p.readyChan:
		return true
	default:
		return false
	}
}

// Warmup makes sure a Chrome binary is available so the first scrape does
// not pay for the download.
func (p *Pool) Warmup(ctx context.Context) error {
	if p.cfg.ChromePath != "" {
		p.logger.Info("using custom Chrome path", "path", p.cfg.ChromePath)
	} else {
		p.logger.Info("ensuring Chromium is available...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return fmt.Errorf("failed to fetch chromium: %w", err)
		}
		p.logger.Info("Chromium ready", "path", path)
	}
	p.readyOnce.Do(func() { close(p.readyChan) })
	return nil
}

// Launch waits for a free slot and starts a browser routed through
// opts.Proxy with opts.Fingerprint applied to its page.
func (p *Pool) Launch(ctx context.Context, opts Options) (Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrLauncherClosed
	}
	p.waiting++
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
		return nil, ctx.Err()
	}

	p.mu.Lock()
	p.waiting--
	p.mu.Unlock()

	s, err := p.launch(ctx, opts)
	if err != nil {
		<-p.slots
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.Close()
		return nil, ErrLauncherClosed
	}
	p.active[s.id] = s
	p.mu.Unlock()
	return s, nil
}

func (p *Pool) launch(ctx context.Context, opts Options) (*rodSession, error) {
	l := launcher.New().Context(ctx)
	if p.cfg.ChromePath != "" {
		l = l.Bin(p.cfg.ChromePath)
	}

	var ep proxy.Endpoint
	if opts.Proxy != "" {
		var err error
		if ep, err = proxy.Parse(opts.Proxy); err != nil {
			return nil, err
		}
		l = l.Proxy(ep.Server())
	}

	fp := opts.Fingerprint
	l = l.
		Headless(p.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-sandbox").
		Set("disable-infobars").
		Set("disable-extensions").
		Set("disable-background-networking").
		Set("window-size", fmt.Sprintf("%d,%d", fp.Viewport.Width, fp.Viewport.Height)).
		Set("lang", fp.Locale)

	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	s := &rodSession{
		id:       ulid.Make().String(),
		pool:     p,
		browser:  b,
		launcher: l,
	}

	if ep.Username != "" {
		if err := handleProxyAuth(b, ep.Username, ep.Password); err != nil {
			s.teardown()
			return nil, fmt.Errorf("failed to enable proxy auth: %w", err)
		}
	}

	page, err := p.newPage(b)
	if err != nil {
		s.teardown()
		return nil, err
	}
	s.page = &rodPage{page: page, viewport: fp.Viewport}
	if err := applyFingerprint(page, fp); err != nil {
		s.teardown()
		return nil, fmt.Errorf("failed to apply fingerprint: %w", err)
	}

	p.logger.Debug("browser launched", "id", s.id, "proxy", ep.Host, "viewport", fp.Viewport)
	return s, nil
}

func (p *Pool) newPage(b *rod.Browser) (*rod.Page, error) {
	if p.cfg.DisableStealth {
		return b.Page(proto.TargetCreateTarget{})
	}
	// go-rod/stealth embeds the puppeteer-extra-plugin-stealth evasions
	return stealth.Page(b)
}

// handleProxyAuth intercepts requests at the browser level, lets them
// through and answers every proxy credential challenge until the browser
// goes away.
func handleProxyAuth(b *rod.Browser, user, pass string) error {
	if err := (proto.FetchEnable{HandleAuthRequests: true}).Call(b); err != nil {
		return err
	}
	wait := b.EachEvent(
		func(e *proto.FetchRequestPaused) {
			go func() { _ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(b) }()
		},
		func(e *proto.FetchAuthRequired) {
			go func() {
				_ = proto.FetchContinueWithAuth{
					RequestID: e.RequestID,
					AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
						Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
						Username: user,
						Password: pass,
					},
				}.Call(b)
			}()
		},
	)
	go wait()
	return nil
}

func applyFingerprint(page *rod.Page, fp Fingerprint) error {
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      fp.UserAgent,
		AcceptLanguage: fp.AcceptLanguage(),
		Platform:       fp.Platform,
	}); err != nil {
		return err
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             fp.Viewport.Width,
		Height:            fp.Viewport.Height,
		DeviceScaleFactor: fp.DeviceScaleFactor,
	}); err != nil {
		return err
	}
	if err := (proto.EmulationSetLocaleOverride{Locale: fp.ICULocale()}).Call(page); err != nil {
		return err
	}
	_, err := page.EvalOnNewDocument(fp.overrideScript())
	return err
}

// PoolStats describes pool occupancy.
type PoolStats struct {
	Active  int  `json:"active"`
	MaxSize int  `json:"maxSize"`
	Waiting int  `json:"waiting"`
	Ready   bool `json:"ready"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Active:  len(p.active),
		MaxSize: p.cfg.MaxBrowsers,
		Waiting: p.waiting,
		Ready:   p.Ready(),
	}
}

// Close terminates every running session. Later Launch calls fail.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := make([]*rodSession, 0, len(p.active))
	for _, s := range p.active {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

type rodSession struct {
	id       string
	pool     *Pool
	browser  *rod.Browser
	launcher *launcher.Launcher
	page     *rodPage

	closeOnce sync.Once
}

func (s *rodSession) Page() Page { return s.page }

// teardown stops the page, the browser process and its profile directory.
func (s *rodSession) teardown() error {
	if s.page != nil {
		_ = s.page.page.Close()
	}
	err := s.browser.Close()
	s.launcher.Kill()
	s.launcher.Cleanup()
	return err
}

// Close tears the session down and frees its pool slot.
func (s *rodSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		start := time.Now()
		err = s.teardown()

		p := s.pool
		p.mu.Lock()
		_, tracked := p.active[s.id]
		delete(p.active, s.id)
		p.mu.Unlock()
		<-p.slots

		p.logger.Debug("browser closed", "id", s.id, "tracked", tracked, "took", time.Since(start))
	})
	return err
}
