package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/acquire/internal/coord"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeMinter struct {
	mu        sync.Mutex
	calls     int
	expiresIn time.Duration
	delay     time.Duration
	err       error
}

func (f *fakeMinter) Mint(ctx context.Context) (Grant, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Grant{}, f.err
	}
	return Grant{AccessToken: fmt.Sprintf("tok-%d", f.calls), ExpiresIn: f.expiresIn}, nil
}

func (f *fakeMinter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestManager(store coord.Store, m Minter, c *clock, opts Options) *Manager {
	opts.Now = c.Now
	return NewManager(store, m, opts, discardLogger())
}

func TestManagerCachesToken(t *testing.T) {
	c := newClock()
	minter := &fakeMinter{expiresIn: 2 * time.Hour}
	m := newTestManager(coord.NewMemoryStore().WithClock(c.Now), minter, c, Options{})
	ctx := context.Background()

	rec, err := m.Record(ctx)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", rec.TokenType)
	}
	if want := c.Now().Add(2*time.Hour - 5*time.Minute); !rec.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", rec.ExpiresAt, want)
	}

	tests := []struct {
		name    string
		advance time.Duration
		want    string
	}{
		{"cached", time.Hour, "tok-1"},
		{"just outside buffer", 53 * time.Minute, "tok-1"},
		{"inside buffer", time.Minute, "tok-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.Advance(tt.advance)
			got, err := m.Token(ctx)
			if err != nil {
				t.Fatalf("Token() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Token() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestManagerConcurrentRefreshMintsOnce(t *testing.T) {
	c := newClock()
	minter := &fakeMinter{expiresIn: 2 * time.Hour, delay: 20 * time.Millisecond}
	m := newTestManager(coord.NewMemoryStore().WithClock(c.Now), minter, c, Options{})

	var wg sync.WaitGroup
	tokens := make([]string, 20)
	errs := make([]error, 20)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.Token(context.Background())
		}(i)
	}
	wg.Wait()

	if got := minter.Calls(); got != 1 {
		t.Fatalf("mint calls = %d, want 1", got)
	}
	for i := range tokens {
		if errs[i] != nil {
			t.Errorf("caller %d: Token() error = %v", i, errs[i])
		}
		if tokens[i] != "tok-1" {
			t.Errorf("caller %d: Token() = %q, want tok-1", i, tokens[i])
		}
	}
}

func TestManagerRefreshInProgressElsewhere(t *testing.T) {
	c := newClock()
	store := coord.NewMemoryStore().WithClock(c.Now)
	minter := &fakeMinter{expiresIn: 2 * time.Hour}
	m := newTestManager(store, minter, c, Options{})
	ctx := context.Background()

	// another process holds the lock
	if ok, _ := store.SetNX(ctx, "third_party:token:lock", "other", time.Minute); !ok {
		t.Fatal("SetNX() = false")
	}

	_, err := m.Token(ctx)
	if !errors.Is(err, ErrRefreshInProgress) {
		t.Fatalf("Token() error = %v, want ErrRefreshInProgress", err)
	}
	if d, ok := RetryAfter(err); !ok || d <= 0 {
		t.Errorf("RetryAfter() = %v, %v, want positive hint", d, ok)
	}
	if minter.Calls() != 0 {
		t.Errorf("mint calls = %d, want 0", minter.Calls())
	}

	// the lock expires with its owner
	c.Advance(61 * time.Second)
	if _, err := m.Token(ctx); err != nil {
		t.Errorf("Token() after lock expiry error = %v", err)
	}
}

func TestManagerSharesCacheAcrossInstances(t *testing.T) {
	c := newClock()
	store := coord.NewMemoryStore().WithClock(c.Now)
	minter := &fakeMinter{expiresIn: 2 * time.Hour}
	a := newTestManager(store, minter, c, Options{})
	b := newTestManager(store, minter, c, Options{})
	ctx := context.Background()

	ta, err := a.Token(ctx)
	if err != nil {
		t.Fatal(err)
	}
	tb, err := b.Token(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ta != tb || minter.Calls() != 1 {
		t.Errorf("tokens %q/%q after %d mints, want one shared token", ta, tb, minter.Calls())
	}
}

func TestManagerMintFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantIs    error
		wantNotIs error
	}{
		{"invalid credentials", ErrInvalidCredentials, ErrInvalidCredentials, ErrUnavailable},
		{"transport", errors.New("connection refused"), ErrUnavailable, ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClock()
			store := coord.NewMemoryStore().WithClock(c.Now)
			m := newTestManager(store, &fakeMinter{err: tt.err}, c, Options{})
			ctx := context.Background()

			_, err := m.Token(ctx)
			if !errors.Is(err, tt.wantIs) {
				t.Errorf("Token() error = %v, want %v", err, tt.wantIs)
			}
			if errors.Is(err, tt.wantNotIs) {
				t.Errorf("Token() error = %v, must not match %v", err, tt.wantNotIs)
			}
			if _, err := store.Get(ctx, "third_party:token:lock"); !errors.Is(err, coord.ErrNotFound) {
				t.Errorf("lock still held after failed mint: %v", err)
			}
		})
	}
}

func TestManagerShortLivedToken(t *testing.T) {
	c := newClock()
	minter := &fakeMinter{expiresIn: 5 * time.Minute}
	m := newTestManager(coord.NewMemoryStore().WithClock(c.Now), minter, c, Options{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := m.Token(ctx); err != nil {
			t.Fatalf("call %d: Token() error = %v", i, err)
		}
	}
	if got := minter.Calls(); got != 1 {
		t.Fatalf("mint calls = %d, want 1", got)
	}

	rec, err := m.Record(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := c.Now().Add(5*time.Minute - 75*time.Second); !rec.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", rec.ExpiresAt, want)
	}

	c.Advance(2*time.Minute + 44*time.Second)
	if got, _ := m.Token(ctx); got != "tok-1" {
		t.Errorf("Token() before buffer = %q, want tok-1", got)
	}
	c.Advance(2 * time.Second)
	if got, _ := m.Token(ctx); got != "tok-2" {
		t.Errorf("Token() inside buffer = %q, want tok-2", got)
	}
}

func TestManagerMintCap(t *testing.T) {
	c := newClock()
	start := c.Now()
	minter := &fakeMinter{expiresIn: 2 * time.Hour}
	m := newTestManager(coord.NewMemoryStore().WithClock(c.Now), minter, c, Options{MintCap: 3})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec, err := m.Record(ctx)
		if err != nil {
			t.Fatalf("mint %d: Record() error = %v", i, err)
		}
		if rec.MintCount != i {
			t.Errorf("mint %d: MintCount = %d", i, rec.MintCount)
		}
		// a cached token does not count against the cap
		if _, err := m.Token(ctx); err != nil {
			t.Fatalf("mint %d: cached Token() error = %v", i, err)
		}
		c.Advance(2 * time.Hour)
	}

	_, err := m.Token(ctx)
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("Token() over cap error = %v, want *QuotaError", err)
	}
	if want := start.Add(24 * time.Hour); !qe.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", qe.ResetAt, want)
	}
	if qe.RetryAfter() != 18*time.Hour {
		t.Errorf("RetryAfter() = %v, want 18h", qe.RetryAfter())
	}
	if minter.Calls() != 3 {
		t.Errorf("mint calls = %d, want 3", minter.Calls())
	}

	c.Advance(24 * time.Hour)
	rec, err := m.Record(ctx)
	if err != nil {
		t.Fatalf("Record() after window error = %v", err)
	}
	if rec.MintCount != 1 {
		t.Errorf("MintCount after window = %d, want 1", rec.MintCount)
	}
}

func TestManagerDegraded(t *testing.T) {
	c := newClock()
	store := coord.NewMemoryStore()
	store.Close()
	minter := &fakeMinter{expiresIn: 2 * time.Hour, delay: 10 * time.Millisecond}
	m := newTestManager(store, minter, c, Options{MintCap: 2})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Token(context.Background()); err != nil {
				t.Errorf("Token() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if minter.Calls() != 1 {
		t.Fatalf("mint calls = %d, want 1", minter.Calls())
	}

	ctx := context.Background()
	c.Advance(2 * time.Hour)
	if _, err := m.Token(ctx); err != nil {
		t.Fatalf("Token() second mint error = %v", err)
	}
	c.Advance(2 * time.Hour)
	var qe *QuotaError
	if _, err := m.Token(ctx); !errors.As(err, &qe) {
		t.Errorf("Token() over local cap error = %v, want *QuotaError", err)
	}
}
