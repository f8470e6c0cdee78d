package solver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/acquire/internal/challenge"
	"github.com/jmylchreest/acquire/internal/proxy"
)

type fakeTwoCaptcha struct {
	mu        sync.Mutex
	submitted url.Values
	polls     int
	notReady  int
	submit    string
	result    string
}

func (f *fakeTwoCaptcha) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := r.URL.Query()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/in.php":
		f.submitted = q
		_, _ = w.Write([]byte(f.submit))
	case r.URL.Path == "/res.php" && q.Get("action") == "getbalance":
		_, _ = w.Write([]byte(`{"status":1,"request":"3.75"}`))
	case r.URL.Path == "/res.php" && q.Get("action") == "get":
		f.polls++
		if f.polls <= f.notReady {
			_, _ = w.Write([]byte(`{"status":0,"request":"CAPCHA_NOT_READY"}`))
			return
		}
		_, _ = w.Write([]byte(f.result))
	default:
		http.NotFound(w, r)
	}
}

func TestTwoCaptchaSolve(t *testing.T) {
	fake := &fakeTwoCaptcha{
		submit:   `{"status":1,"request":"4711"}`,
		result:   `{"status":1,"request":"TOKEN-abc"}`,
		notReady: 2,
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	tc := newTwoCaptcha("key-1", srv.URL, time.Millisecond)
	ep, err := proxy.Parse("http://user:pw@10.0.0.1:8080")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	result, err := tc.Solve(context.Background(), SolveParams{
		Type:    challenge.TypeCloudflareTurnstile,
		SiteKey: "0xSITE",
		PageURL: "https://shop.example/item",
		Action:  "managed",
		Proxy:   &ep,
	})
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if result.Token != "TOKEN-abc" {
		t.Errorf("Solve().Token = %q, want %q", result.Token, "TOKEN-abc")
	}
	if result.Cost != twoCaptchaTurnstilePrice {
		t.Errorf("Solve().Cost = %v, want %v", result.Cost, twoCaptchaTurnstilePrice)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.polls != 3 {
		t.Errorf("polls = %d, want 3", fake.polls)
	}

	want := map[string]string{
		"key":       "key-1",
		"method":    "turnstile",
		"sitekey":   "0xSITE",
		"pageurl":   "https://shop.example/item",
		"action":    "managed",
		"proxy":     "user:pw@10.0.0.1:8080",
		"proxytype": "HTTP",
		"json":      "1",
	}
	for k, v := range want {
		if got := fake.submitted.Get(k); got != v {
			t.Errorf("in.php %s = %q, want %q", k, got, v)
		}
	}
}

func TestTwoCaptchaErrors(t *testing.T) {
	tests := []struct {
		name    string
		submit  string
		result  string
		wantErr error
		wantMsg string
	}{
		{
			name:    "zero balance",
			submit:  `{"status":0,"request":"ERROR_ZERO_BALANCE"}`,
			wantErr: ErrInsufficientFunds,
		},
		{
			name:    "submit rejected",
			submit:  `{"status":0,"request":"ERROR_WRONG_GOOGLEKEY"}`,
			wantMsg: "2captcha error: ERROR_WRONG_GOOGLEKEY",
		},
		{
			name:    "unsolvable",
			submit:  `{"status":1,"request":"1"}`,
			result:  `{"status":0,"request":"ERROR_CAPTCHA_UNSOLVABLE"}`,
			wantMsg: "CAPTCHA is unsolvable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(&fakeTwoCaptcha{submit: tt.submit, result: tt.result})
			defer srv.Close()

			tc := newTwoCaptcha("key", srv.URL, time.Millisecond)
			_, err := tc.Solve(context.Background(), SolveParams{
				Type:    challenge.TypeHCaptcha,
				SiteKey: "site",
				PageURL: "https://shop.example",
			})
			if err == nil {
				t.Fatal("Solve() error = nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Solve() error = %v, want %v", err, tt.wantErr)
			}
			var se *SolverError
			if !errors.As(err, &se) {
				t.Fatalf("Solve() error type = %T, want *SolverError", err)
			}
			if tt.wantMsg != "" && se.Message != tt.wantMsg {
				t.Errorf("SolverError.Message = %q, want %q", se.Message, tt.wantMsg)
			}
		})
	}
}

func TestTwoCaptchaTimeout(t *testing.T) {
	srv := httptest.NewServer(&fakeTwoCaptcha{submit: `{"status":1,"request":"1"}`, notReady: 1000})
	defer srv.Close()

	tc := newTwoCaptcha("key", srv.URL, time.Millisecond)
	tc.maxPolls = 3

	_, err := tc.Solve(context.Background(), SolveParams{Type: challenge.TypeReCaptchaV2, SiteKey: "s"})
	if !errors.Is(err, ErrSolverTimeout) {
		t.Errorf("Solve() error = %v, want %v", err, ErrSolverTimeout)
	}
}

func TestTwoCaptchaBalance(t *testing.T) {
	srv := httptest.NewServer(&fakeTwoCaptcha{})
	defer srv.Close()

	balance, err := newTwoCaptcha("key", srv.URL, time.Millisecond).Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance != 3.75 {
		t.Errorf("Balance() = %v, want 3.75", balance)
	}
}

func TestTwoCaptchaCanSolve(t *testing.T) {
	tc := NewTwoCaptcha("key")
	tests := []struct {
		typ  challenge.Type
		want bool
	}{
		{challenge.TypeCloudflareTurnstile, true},
		{challenge.TypeHCaptcha, true},
		{challenge.TypeReCaptchaV2, true},
		{challenge.TypeReCaptchaV3, true},
		{challenge.TypeCloudflareJS, false},
		{challenge.TypeUnknown, false},
	}
	for _, tt := range tests {
		if got := tc.CanSolve(tt.typ); got != tt.want {
			t.Errorf("CanSolve(%s) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}
