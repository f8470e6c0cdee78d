package scrape

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jmylchreest/acquire/internal/browser"
	"github.com/jmylchreest/acquire/internal/browser/browsertest"
	"github.com/jmylchreest/acquire/internal/cookies"
	"github.com/jmylchreest/acquire/internal/proxy"
)

const productHTML = `<html><head><title>Widget</title></head><body>
<h1>Widget</h1><span class="price">€ 19,99</span><img class="main" src="/img/w.jpg">
</body></html>`

const challengeHTML = `<html><body><div class="g-recaptcha" data-sitekey="6Lc"></div></body></html>`

var widget = Descriptor{
	Name: "widget",
	URL:  "https://www.shop.example/widget",
	Selectors: Selectors{
		Price: ".price",
		Title: "h1",
		Image: "img.main",
	},
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func productPage() *browsertest.Page {
	p := browsertest.NewPage()
	p.SetHTML(productHTML)
	p.SetElement(".price", &browsertest.Element{TextValue: "€ 19,99"})
	p.SetElement("h1", &browsertest.Element{TextValue: "  Widget \n"})
	p.SetElement("img.main", &browsertest.Element{Attrs: map[string]string{"src": "/img/w.jpg"}})
	return p
}

// pageLauncher returns a launcher serving pages from build and the list the
// pages are recorded in.
func pageLauncher(build func(attempt int) *browsertest.Page) (*browsertest.Launcher, *[]*browsertest.Page) {
	var (
		mu    sync.Mutex
		pages []*browsertest.Page
	)
	l := &browsertest.Launcher{NewPage: func(attempt int, _ browser.Options) *browsertest.Page {
		p := build(attempt)
		mu.Lock()
		pages = append(pages, p)
		mu.Unlock()
		return p
	}}
	return l, &pages
}

type recorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestEngine(deps Deps, opts Options) (*Engine, *recorder) {
	e := NewEngine(deps, opts, discardLogger())
	rec := &recorder{}
	e.sleep = rec.sleep
	e.pause = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	e.random = func() float64 { return 0.5 }
	e.intn = func(int) int { return 0 }
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, rec
}

func TestScrapeSuccess(t *testing.T) {
	launcher, pages := pageLauncher(func(int) *browsertest.Page {
		p := productPage()
		p.Jar = []cookies.Cookie{{Name: "session-id", Value: "abc", Domain: ".shop.example", Path: "/"}}
		return p
	})
	pool := proxy.NewManager([]string{"http://user:pw@p1:8080"}, proxy.Options{}, discardLogger())
	jar, err := cookies.NewFileJar(t.TempDir(), time.Hour, discardLogger())
	if err != nil {
		t.Fatalf("NewFileJar() error = %v", err)
	}

	e, rec := newTestEngine(Deps{Launcher: launcher, Proxies: pool, Jar: jar}, Options{})
	out, err := e.Scrape(context.Background(), widget)
	if err != nil {
		t.Fatalf("Scrape() error = %v", err)
	}

	want := &Outcome{
		URL:        widget.URL,
		Price:      "19.99",
		PriceValue: 19.99,
		Title:      "Widget",
		ImageURL:   "https://www.shop.example/img/w.jpg",
		RawHTML:    productHTML,
		Proxy:      "http://p1:8080",
		UserAgent:  browser.NewFingerprint(func(int) int { return 0 }).UserAgent,
		ScrapedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Attempts:   1,
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("Scrape() mismatch (-want +got):\n%s", diff)
	}
	if len(rec.delays) != 0 {
		t.Errorf("backoff sleeps = %v, want none", rec.delays)
	}

	stats := pool.Stats()
	if stats[0].Successes != 1 || stats[0].Failures != 0 {
		t.Errorf("proxy stats = %+v, want 1 success", stats[0])
	}

	page := (*pages)[0]
	if got := page.Navigations; len(got) != 1 || got[0] != widget.URL {
		t.Errorf("navigations = %v, want [%s]", got, widget.URL)
	}
	if page.Moves == 0 || len(page.Scrolls) != 1 || len(page.Keys) == 0 {
		t.Errorf("human simulation missing: moves=%d scrolls=%v keys=%v", page.Moves, page.Scrolls, page.Keys)
	}
	if !launcher.Sessions()[0].Closed() {
		t.Error("browser session left open")
	}
	if opts := launcher.Launches()[0]; opts.Proxy != "http://user:pw@p1:8080" {
		t.Errorf("launch proxy = %q", opts.Proxy)
	}
}

func TestScrapeRestoresCookies(t *testing.T) {
	saved := []cookies.Cookie{{Name: "session-id", Value: "abc", Domain: ".shop.example", Path: "/", Secure: true}}
	launcher, pages := pageLauncher(func(attempt int) *browsertest.Page {
		p := productPage()
		if attempt == 1 {
			p.Jar = saved
		}
		return p
	})
	jar, err := cookies.NewFileJar(t.TempDir(), time.Hour, discardLogger())
	if err != nil {
		t.Fatalf("NewFileJar() error = %v", err)
	}

	e, _ := newTestEngine(Deps{Launcher: launcher, Jar: jar}, Options{})
	for i := 0; i < 2; i++ {
		if _, err := e.Scrape(context.Background(), widget); err != nil {
			t.Fatalf("Scrape() #%d error = %v", i+1, err)
		}
	}

	if diff := cmp.Diff(saved, (*pages)[1].Jar); diff != "" {
		t.Errorf("restored cookies mismatch (-want +got):\n%s", diff)
	}

	other := widget
	other.URL = "https://other.example/widget"
	if _, err := e.Scrape(context.Background(), other); err != nil {
		t.Fatalf("Scrape(other) error = %v", err)
	}
	if got := (*pages)[2].Jar; len(got) != 0 {
		t.Errorf("other domain received cookies %v", got)
	}
}

func TestScrapeZeroAreaTitle(t *testing.T) {
	launcher, _ := pageLauncher(func(int) *browsertest.Page {
		p := productPage()
		p.SetElement("h1", &browsertest.Element{TextValue: "Decoy", ZeroSize: true})
		return p
	})

	e, _ := newTestEngine(Deps{Launcher: launcher}, Options{})
	d := widget
	d.MaxRetries = 1

	out, err := e.Scrape(context.Background(), d)
	if out != nil {
		t.Fatalf("Scrape() = %+v, want no outcome", out)
	}
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("Scrape() error = %v, want *Error", err)
	}
	if se.Kind != KindRetriesExhausted || se.Reason != KindDataMissing {
		t.Errorf("Scrape() error kind = %s/%s, want %s/%s", se.Kind, se.Reason, KindRetriesExhausted, KindDataMissing)
	}
	if inner := se.Attempts[0].(*Error); inner.Selector != "h1" {
		t.Errorf("honeypot selector = %q, want h1", inner.Selector)
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(p *browsertest.Page)
		wantKind Kind
	}{
		{
			name:   "ok",
			mutate: func(*browsertest.Page) {},
		},
		{
			name: "hidden image",
			mutate: func(p *browsertest.Page) {
				p.SetElement("img.main", &browsertest.Element{Hidden: true})
			},
			wantKind: KindDataMissing,
		},
		{
			name: "zero height title",
			mutate: func(p *browsertest.Page) {
				p.SetElement("h1", &browsertest.Element{TextValue: "x", Width: 200, Height: 0})
			},
			wantKind: KindDataMissing,
		},
		{
			name: "price without digits",
			mutate: func(p *browsertest.Page) {
				p.SetElement(".price", &browsertest.Element{TextValue: "Out of stock"})
			},
			wantKind: KindDataMissing,
		},
		{
			name: "missing price",
			mutate: func(p *browsertest.Page) {
				delete(p.Elements, ".price")
			},
			wantKind: KindSelectorChanged,
		},
	}

	e, _ := newTestEngine(Deps{}, Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := productPage()
			tt.mutate(p)
			_, err := e.extract(context.Background(), p, widget.Selectors)
			if got := KindOf(err); got != tt.wantKind {
				t.Errorf("extract() kind = %q, want %q (err %v)", got, tt.wantKind, err)
			}
		})
	}
}

func TestScrapeRetriesExhausted(t *testing.T) {
	launcher, _ := pageLauncher(func(int) *browsertest.Page {
		p := productPage()
		delete(p.Elements, ".price")
		return p
	})
	pool := proxy.NewManager([]string{"http://p1:8080", "http://p2:8080"}, proxy.Options{}, discardLogger())

	e, rec := newTestEngine(Deps{Launcher: launcher, Proxies: pool}, Options{MaxRetries: 3, SkipHumanSimulation: true})
	// the top of the first range and the bottom of the second still increase
	randoms := []float64{0.99, 0}
	e.random = func() float64 {
		v := randoms[0]
		randoms = randoms[1:]
		return v
	}

	_, err := e.Scrape(context.Background(), widget)

	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("Scrape() error = %v, want *Error", err)
	}
	if se.Kind != KindRetriesExhausted || se.Reason != KindSelectorChanged {
		t.Errorf("Scrape() error kind = %s/%s, want %s/%s", se.Kind, se.Reason, KindRetriesExhausted, KindSelectorChanged)
	}
	if !se.Terminal() {
		t.Error("Terminal() = false for exhausted retries")
	}
	if len(se.Attempts) != 3 {
		t.Errorf("attempt errors = %d, want 3", len(se.Attempts))
	}
	if n := len(launcher.Launches()); n != 3 {
		t.Errorf("launches = %d, want 3", n)
	}

	if len(rec.delays) != 2 {
		t.Fatalf("backoff sleeps = %v, want 2", rec.delays)
	}
	for i := 1; i < len(rec.delays); i++ {
		if rec.delays[i] <= rec.delays[i-1] {
			t.Errorf("delays %v not strictly increasing", rec.delays)
		}
	}

	launches := launcher.Launches()
	for i := 1; i < len(launches); i++ {
		if launches[i].Proxy == launches[i-1].Proxy {
			t.Errorf("attempt %d reused proxy %s after a failure", i+1, launches[i].Proxy)
		}
	}
	var failures int
	for _, s := range pool.Stats() {
		failures += s.Failures
	}
	if failures != 3 {
		t.Errorf("proxy failures = %d, want 3", failures)
	}
}

func TestScrapeCaptcha(t *testing.T) {
	tests := []struct {
		name    string
		solves  bool
		wantErr Kind
	}{
		{name: "solved", solves: true},
		{name: "unsolved", solves: false, wantErr: KindCaptcha},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launcher, pages := pageLauncher(func(int) *browsertest.Page {
				p := productPage()
				p.SetHTML(challengeHTML)
				return p
			})
			resolver := &fakeResolver{solves: tt.solves}

			e, _ := newTestEngine(Deps{Launcher: launcher, Resolver: resolver}, Options{MaxRetries: 1})
			out, err := e.Scrape(context.Background(), widget)

			if tt.wantErr != "" {
				var se *Error
				if !errors.As(err, &se) || se.Reason != tt.wantErr {
					t.Fatalf("Scrape() error = %v, want reason %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Scrape() error = %v", err)
			}
			if !out.Captcha {
				t.Error("Outcome.Captcha = false, want true")
			}
			if (*pages)[0].Reloads != 1 {
				t.Errorf("reloads = %d, want 1", (*pages)[0].Reloads)
			}
			if resolver.calls != 1 {
				t.Errorf("resolver calls = %d, want 1", resolver.calls)
			}
		})
	}
}

type fakeResolver struct {
	solves bool
	calls  int
}

func (f *fakeResolver) SolveThrough(_ context.Context, page browser.Page, _ string) bool {
	f.calls++
	if f.solves {
		page.(*browsertest.Page).SetHTML(productHTML)
	}
	return f.solves
}

func TestScrapeCancelledDuringBackoff(t *testing.T) {
	launcher, _ := pageLauncher(func(int) *browsertest.Page {
		p := productPage()
		delete(p.Elements, "h1")
		return p
	})
	ctx, cancel := context.WithCancel(context.Background())

	e, _ := newTestEngine(Deps{Launcher: launcher}, Options{SkipHumanSimulation: true})
	e.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := e.Scrape(ctx, widget)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Scrape() error = %v, want %v", err, context.Canceled)
	}
	if n := len(launcher.Launches()); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
}

func TestBackoff(t *testing.T) {
	e, _ := newTestEngine(Deps{}, Options{BackoffCap: 20 * time.Second})

	tests := []struct {
		attempt int
		random  float64
		want    time.Duration
	}{
		{1, 0, 2 * time.Second},
		{1, 0.5, 3 * time.Second},
		{2, 0.5, 6 * time.Second},
		{3, 0.25, 10 * time.Second},
		{4, 0.5, 20 * time.Second},
		{6, 0, 20 * time.Second},
	}
	for _, tt := range tests {
		e.random = func() float64 { return tt.random }
		if got := e.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) at %v = %v, want %v", tt.attempt, tt.random, got, tt.want)
		}
	}
}

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		value   float64
		wantErr bool
	}{
		{raw: "$19.99", want: "19.99", value: 19.99},
		{raw: "€ 19,99", want: "19.99", value: 19.99},
		{raw: "Rs. 250", want: "250", value: 250},
		{raw: "1299", want: "1299", value: 1299},
		{raw: "$1,299.99", want: "1299.99", value: 1299.99},
		{raw: "1.299,99 €", want: "1299.99", value: 1299.99},
		{raw: "1,299", want: "1299", value: 1299},
		{raw: "£1,234,567.5", want: "1234567.5", value: 1234567.5},
		{raw: "19.99.", want: "19.99", value: 19.99},
		{raw: "Currently unavailable", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, value, err := NormalizePrice(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizePrice(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want || value != tt.value {
				t.Errorf("NormalizePrice(%q) = %q, %v, want %q, %v", tt.raw, got, value, tt.want, tt.value)
			}
		})
	}
}

func TestScrapeAll(t *testing.T) {
	launcher, _ := pageLauncher(func(int) *browsertest.Page { return productPage() })
	e, _ := newTestEngine(Deps{Launcher: launcher}, Options{SkipHumanSimulation: true})

	broken := widget
	broken.URL = "https://shop.example/broken"
	broken.Selectors.Price = ".gone"
	broken.MaxRetries = 1

	second := widget
	second.URL = "https://shop.example/second"

	results := e.ScrapeAll(context.Background(), []Descriptor{widget, broken, second}, 2)
	if len(results) != 3 {
		t.Fatalf("ScrapeAll() returned %d results, want 3", len(results))
	}
	for i, want := range []string{widget.URL, broken.URL, second.URL} {
		if results[i].Descriptor.URL != want {
			t.Errorf("results[%d].URL = %s, want %s", i, results[i].Descriptor.URL, want)
		}
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("healthy targets failed: %v, %v", results[0].Err, results[2].Err)
	}
	if KindOf(results[1].Err) != KindRetriesExhausted {
		t.Errorf("broken target error = %v, want %s", results[1].Err, KindRetriesExhausted)
	}
}

func TestLoadDescriptors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	content := `defaults:
  max_retries: 5
targets:
  - name: widget
    url: https://shop.example/widget
    selectors:
      price: .price
      title: h1
      image: img.main
  - name: gadget
    url: https://shop.example/gadget
    max_retries: 2
    selectors: {price: "#price", title: "#title", image: "#img"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadDescriptors(path)
	if err != nil {
		t.Fatalf("LoadDescriptors() error = %v", err)
	}
	want := []Descriptor{
		{Name: "widget", URL: "https://shop.example/widget", MaxRetries: 5, Selectors: Selectors{Price: ".price", Title: "h1", Image: "img.main"}},
		{Name: "gadget", URL: "https://shop.example/gadget", MaxRetries: 2, Selectors: Selectors{Price: "#price", Title: "#title", Image: "#img"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadDescriptors() mismatch (-want +got):\n%s", diff)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("targets:\n  - url: ftp://x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDescriptors(bad); err == nil {
		t.Error("LoadDescriptors() accepted an invalid target")
	}
}
