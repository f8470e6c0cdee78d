// Package browser drives headless Chrome for scraping. The Page and Element
// interfaces are the narrow surface the scrape engine and captcha solvers
// use; the rod-backed Launcher implements them.
package browser

import (
	"context"
	"errors"

	"github.com/jmylchreest/acquire/internal/cookies"
)

var (
	// ErrElementNotFound is returned by Page.Element when the selector did
	// not match before the context deadline.
	ErrElementNotFound = errors.New("element not found")
	// ErrLauncherClosed is returned by Launch after Close.
	ErrLauncherClosed = errors.New("browser launcher is closed")
)

// Key is a keyboard key the page can press.
type Key int

const (
	KeyArrowDown Key = iota
	KeyTab
	KeyEnter
)

// Page is one browser tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	// Element waits for selector until ctx is done.
	Element(ctx context.Context, selector string) (Element, error)
	Eval(ctx context.Context, js string, args ...any) (string, error)

	Viewport() (width, height int)
	MoveMouse(ctx context.Context, x, y float64) error
	MouseDown(ctx context.Context) error
	MouseUp(ctx context.Context) error
	Scroll(ctx context.Context, dy float64) error
	Press(ctx context.Context, key Key) error

	Cookies(ctx context.Context) ([]cookies.Cookie, error)
	SetCookies(ctx context.Context, cs []cookies.Cookie) error
}

// Element is a node on a Page.
type Element interface {
	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (value string, ok bool, err error)
	Visible(ctx context.Context) (bool, error)
	// Size is the rendered bounding box.
	Size(ctx context.Context) (width, height float64, err error)
	Click(ctx context.Context) error
}

// Session owns a browser process and its single page.
type Session interface {
	Page() Page
	Close() error
}

// Options configures a launched session.
type Options struct {
	Proxy       string // proxy address as held by the proxy pool, empty for direct
	Fingerprint Fingerprint
}

// Launcher starts isolated browser sessions.
type Launcher interface {
	Launch(ctx context.Context, opts Options) (Session, error)
}
