// Package browsertest provides in-memory browser fakes for tests.
package browsertest

import (
	"context"
	"sync"

	"github.com/jmylchreest/acquire/internal/browser"
	"github.com/jmylchreest/acquire/internal/cookies"
)

// Element is a fake browser.Element. A zero Element is visible with a
// 100x20 box unless Width and Height are set.
type Element struct {
	TextValue string
	Attrs     map[string]string
	Hidden    bool
	Width     float64
	Height    float64
	ZeroSize  bool

	mu     sync.Mutex
	clicks int
}

func (e *Element) Text(context.Context) (string, error) { return e.TextValue, nil }

func (e *Element) Attribute(_ context.Context, name string) (string, bool, error) {
	v, ok := e.Attrs[name]
	return v, ok, nil
}

func (e *Element) Visible(context.Context) (bool, error) { return !e.Hidden, nil }

func (e *Element) Size(context.Context) (float64, float64, error) {
	if e.ZeroSize {
		return 0, 0, nil
	}
	w, h := e.Width, e.Height
	if w == 0 && h == 0 {
		w, h = 100, 20
	}
	return w, h, nil
}

func (e *Element) Click(context.Context) error {
	e.mu.Lock()
	e.clicks++
	e.mu.Unlock()
	return nil
}

// Clicks returns how often the element was clicked.
func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// Page is a scriptable browser.Page that records interactions.
type Page struct {
	mu sync.Mutex

	TitleValue string
	HTMLValue  string
	Elements   map[string]*Element

	// OnNavigate, when set, runs for every Navigate and may mutate the page.
	OnNavigate func(p *Page, url string) error
	// OnReload, when set, runs for every Reload.
	OnReload func(p *Page) error
	// OnEval, when set, answers Eval.
	OnEval func(js string, args ...any) (string, error)

	Jar []cookies.Cookie

	Navigations []string
	Reloads     int
	Evals       []string
	Keys        []browser.Key
	Moves       int
	Downs       int
	Ups         int
	Scrolls     []float64
	currentURL  string
}

// NewPage creates an empty page.
func NewPage() *Page {
	return &Page{Elements: make(map[string]*Element)}
}

// SetElement adds or replaces the element matched by selector.
func (p *Page) SetElement(selector string, el *Element) {
	p.mu.Lock()
	p.Elements[selector] = el
	p.mu.Unlock()
}

// SetTitle replaces the page title.
func (p *Page) SetTitle(title string) {
	p.mu.Lock()
	p.TitleValue = title
	p.mu.Unlock()
}

// SetHTML replaces the page content.
func (p *Page) SetHTML(html string) {
	p.mu.Lock()
	p.HTMLValue = html
	p.mu.Unlock()
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.Navigations = append(p.Navigations, url)
	p.currentURL = url
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		return hook(p, url)
	}
	return nil
}

func (p *Page) Reload(context.Context) error {
	p.mu.Lock()
	p.Reloads++
	hook := p.OnReload
	p.mu.Unlock()
	if hook != nil {
		return hook(p)
	}
	return nil
}

func (p *Page) Title(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TitleValue, nil
}

func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentURL, nil
}

func (p *Page) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HTMLValue, nil
}

func (p *Page) Element(_ context.Context, selector string) (browser.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.Elements[selector]
	if !ok {
		return nil, browser.ErrElementNotFound
	}
	return el, nil
}

func (p *Page) Eval(_ context.Context, js string, args ...any) (string, error) {
	p.mu.Lock()
	p.Evals = append(p.Evals, js)
	hook := p.OnEval
	p.mu.Unlock()
	if hook != nil {
		return hook(js, args...)
	}
	return "", nil
}

func (p *Page) Viewport() (int, int) { return 1280, 800 }

func (p *Page) MoveMouse(context.Context, float64, float64) error {
	p.mu.Lock()
	p.Moves++
	p.mu.Unlock()
	return nil
}

func (p *Page) MouseDown(context.Context) error {
	p.mu.Lock()
	p.Downs++
	p.mu.Unlock()
	return nil
}

func (p *Page) MouseUp(context.Context) error {
	p.mu.Lock()
	p.Ups++
	p.mu.Unlock()
	return nil
}

func (p *Page) Scroll(_ context.Context, dy float64) error {
	p.mu.Lock()
	p.Scrolls = append(p.Scrolls, dy)
	p.mu.Unlock()
	return nil
}

func (p *Page) Press(_ context.Context, key browser.Key) error {
	p.mu.Lock()
	p.Keys = append(p.Keys, key)
	p.mu.Unlock()
	return nil
}

func (p *Page) Cookies(context.Context) ([]cookies.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cookies.Cookie(nil), p.Jar...), nil
}

func (p *Page) SetCookies(_ context.Context, cs []cookies.Cookie) error {
	p.mu.Lock()
	p.Jar = append(p.Jar, cs...)
	p.mu.Unlock()
	return nil
}

// Session wraps a Page.
type Session struct {
	page   *Page
	mu     sync.Mutex
	closed bool
}

func (s *Session) Page() browser.Page { return s.page }

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Launcher hands out sessions built by NewPage and records every launch.
type Launcher struct {
	NewPage func(attempt int, opts browser.Options) *Page
	Err     error

	mu       sync.Mutex
	launches []browser.Options
	sessions []*Session
}

func (l *Launcher) Launch(ctx context.Context, opts browser.Options) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	l.launches = append(l.launches, opts)
	page := l.NewPage(len(l.launches), opts)
	s := &Session{page: page}
	l.sessions = append(l.sessions, s)
	return s, nil
}

// Launches returns the options of every launch so far.
func (l *Launcher) Launches() []browser.Options {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.Options(nil), l.launches...)
}

// Sessions returns every session handed out.
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}
