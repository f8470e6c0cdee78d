package challenge

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/acquire/internal/browser/browsertest"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		html string
		want bool
	}{
		{
			name: "product page",
			html: `<html><head><title>Widget - Shop</title>
				<script src="https://cdnjs.cloudflare.com/ajax/libs/x.js"></script>
				<meta name="robots" content="index"></head>
				<body><h1 id="productTitle">Widget</h1><span class="price">19,99</span></body></html>`,
			want: false,
		},
		{
			name: "amazon style text challenge",
			html: `<html><body><p>Enter the characters you see below</p><img src="/captcha.jpg"></body></html>`,
			want: true,
		},
		{
			name: "recaptcha widget",
			html: `<html><body><div class="g-recaptcha" data-sitekey="6Lc"></div></body></html>`,
			want: true,
		},
		{
			name: "captcha iframe",
			html: `<html><body><iframe src="https://example.com/captcha/frame"></iframe></body></html>`,
			want: true,
		},
		{
			name: "distil block",
			html: `<html><body><div id="distil_r_blocked">blocked</div></body></html>`,
			want: true,
		},
		{
			name: "cloudflare block text",
			html: `<html><head><title>Attention</title></head><body>Performance &amp; security by Cloudflare</body></html>`,
			want: true,
		},
		{
			name: "keyword in script only",
			html: `<html><body><script>var captchaEnabled = false;</script><p>Welcome</p></body></html>`,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.html); got != tt.want {
				t.Errorf("Detect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAnalyze(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		name        string
		title       string
		html        string
		wantType    Type
		wantSiteKey string
		wantAuto    bool
	}{
		{
			name:     "cloudflare js",
			title:    "Just a moment...",
			html:     `<html><body></body></html>`,
			wantType: TypeCloudflareJS,
			wantAuto: true,
		},
		{
			name:     "cloudflare interstitial",
			html:     `<html><body><div id="cf-browser-verification"></div></body></html>`,
			wantType: TypeCloudflareInterstitial,
			wantAuto: true,
		},
		{
			name:        "turnstile",
			html:        `<html><body><div class="cf-turnstile" data-sitekey="0x4AAA" data-action="login"></div></body></html>`,
			wantType:    TypeCloudflareTurnstile,
			wantSiteKey: "0x4AAA",
		},
		{
			name:        "hcaptcha",
			html:        `<html><body><div class="h-captcha" data-sitekey="hc-key"></div></body></html>`,
			wantType:    TypeHCaptcha,
			wantSiteKey: "hc-key",
		},
		{
			name:        "recaptcha v2",
			html:        `<html><body><div class="g-recaptcha" data-sitekey="6Lc-v2"></div></body></html>`,
			wantType:    TypeReCaptchaV2,
			wantSiteKey: "6Lc-v2",
		},
		{
			name:        "recaptcha v3",
			html:        `<html><head><script src="https://www.google.com/recaptcha/api.js?render=6Lc-v3"></script></head><body></body></html>`,
			wantType:    TypeReCaptchaV3,
			wantSiteKey: "6Lc-v3",
		},
		{
			name:     "ddos guard",
			title:    "DDoS-Guard",
			html:     `<html><body></body></html>`,
			wantType: TypeDDoSGuard,
			wantAuto: true,
		},
		{
			name:     "keyword only",
			html:     `<html><body>Are you a robot?</body></html>`,
			wantType: TypeUnknown,
		},
		{
			name:     "clean",
			title:    "Widget",
			html:     `<html><body><h1>Widget</h1></body></html>`,
			wantType: TypeNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Analyze(tt.title, tt.html, "https://shop.example/p")
			if got.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", got.Type, tt.wantType)
			}
			if got.SiteKey != tt.wantSiteKey {
				t.Errorf("SiteKey = %q, want %q", got.SiteKey, tt.wantSiteKey)
			}
			if got.CanAuto != tt.wantAuto {
				t.Errorf("CanAuto = %v, want %v", got.CanAuto, tt.wantAuto)
			}
			if got.PageURL != "https://shop.example/p" {
				t.Errorf("PageURL = %q", got.PageURL)
			}
		})
	}
}

func TestWaitForClear(t *testing.T) {
	page := browsertest.NewPage()
	page.TitleValue = "Just a moment..."
	page.SetHTML(`<html><body></body></html>`)

	d := NewDetector()

	go func() {
		time.Sleep(30 * time.Millisecond)
		page.SetHTML(`<html><body><h1>Widget</h1></body></html>`)
		page.SetTitle("Widget")
	}()

	det, err := d.WaitForClear(context.Background(), page, 2*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForClear() error = %v", err)
	}
	if det.Found() {
		t.Errorf("WaitForClear() = %+v, want cleared", det)
	}

	// a captcha that needs solving returns immediately
	page.SetHTML(`<html><body><div class="h-captcha" data-sitekey="k"></div></body></html>`)
	start := time.Now()
	det, err = d.WaitForClear(context.Background(), page, time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForClear() error = %v", err)
	}
	if det.Type != TypeHCaptcha || time.Since(start) > 500*time.Millisecond {
		t.Errorf("WaitForClear() = %+v after %v, want immediate hcaptcha", det, time.Since(start))
	}
}
