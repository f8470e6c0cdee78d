// Package challenge recognizes bot-detection interstitials and captcha
// widgets in fetched pages.
package challenge

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jmylchreest/acquire/internal/browser"
)

// Type is the kind of challenge on a page.
type Type string

const (
	TypeNone                   Type = "none"
	TypeCloudflareJS           Type = "cloudflare_js"
	TypeCloudflareTurnstile    Type = "cloudflare_turnstile"
	TypeCloudflareInterstitial Type = "cloudflare_interstitial"
	TypeDDoSGuard              Type = "ddosguard"
	TypeHCaptcha               Type = "hcaptcha"
	TypeReCaptchaV2            Type = "recaptcha_v2"
	TypeReCaptchaV3            Type = "recaptcha_v3"
	// TypeUnknown is a page that trips the keyword heuristics without a
	// recognizable widget.
	TypeUnknown Type = "unknown"
)

// Detection describes a challenge found on a page.
type Detection struct {
	Type    Type   `json:"type"`
	SiteKey string `json:"siteKey,omitempty"`
	Action  string `json:"action,omitempty"` // Turnstile
	CData   string `json:"cdata,omitempty"`  // Turnstile
	PageURL string `json:"pageUrl"`
	Title   string `json:"title"`
	CanAuto bool   `json:"canAuto"` // clears by itself if the browser waits
}

// Found reports whether any challenge was detected.
func (d *Detection) Found() bool {
	return d != nil && d.Type != TypeNone
}

var keywords = []string{
	"captcha",
	"g-recaptcha",
	"hcaptcha",
	"recaptcha",
	"robot",
	"verification",
	"challenge",
	"enter the characters you see",
	"prove you are human",
	"are you a robot",
	"cloudflare",
	"distil_r_block",
}

var selectors = []string{
	"iframe[src*='captcha']",
	"#captcha",
	".g-recaptcha",
	".h-captcha",
	".cf-turnstile",
	"[id^='distil_r_block']",
}

// Detect reports whether html looks like a captcha or block page. Keywords
// are matched against the title and visible text; script and style bodies
// are ignored so that ordinary pages loading a CDN script do not trip it.
func Detect(html string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	return detectDoc(doc)
}

func detectDoc(doc *goquery.Document) bool {
	for _, sel := range selectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}

	text := strings.ToLower(visibleText(doc))
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func visibleText(doc *goquery.Document) string {
	clone := doc.Clone()
	clone.Find("script, style, noscript, template").Remove()
	title := clone.Find("title").Text()
	return title + " " + clone.Find("body").Text()
}

var cloudflareTitles = []string{
	"just a moment",
	"checking your browser",
	"please wait",
	"attention required",
	"one more step",
	"verify you are human",
}

var recaptchaRender = regexp.MustCompile(`render=([^&"']+)`)

// Detector classifies challenges and extracts what an external solver needs.
type Detector struct{}

// NewDetector creates a detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Analyze classifies the page. It never returns nil.
func (d *Detector) Analyze(title, html, pageURL string) *Detection {
	det := &Detection{Type: TypeNone, PageURL: pageURL, Title: title}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return det
	}

	lowerTitle := strings.ToLower(title)
	for _, p := range cloudflareTitles {
		if strings.Contains(lowerTitle, p) {
			det.Type, det.CanAuto = TypeCloudflareJS, true
			return det
		}
	}

	if doc.Find("#cf-browser-verification, .challenge-running, #cf-challenge-running").Length() > 0 {
		det.Type, det.CanAuto = TypeCloudflareInterstitial, true
		return det
	}

	if doc.Find(`iframe[src*="challenges.cloudflare.com"], .cf-turnstile`).Length() > 0 {
		det.Type = TypeCloudflareTurnstile
		el := doc.Find(".cf-turnstile[data-sitekey]").First()
		if el.Length() == 0 {
			el = doc.Find("[data-sitekey]").First()
		}
		det.SiteKey = el.AttrOr("data-sitekey", "")
		det.Action = el.AttrOr("data-action", "")
		det.CData = el.AttrOr("data-cdata", "")
		return det
	}

	if doc.Find(`iframe[src*="hcaptcha.com"], .h-captcha`).Length() > 0 {
		det.Type = TypeHCaptcha
		el := doc.Find(".h-captcha[data-sitekey]").First()
		if el.Length() == 0 {
			el = doc.Find("[data-sitekey]").First()
		}
		det.SiteKey = el.AttrOr("data-sitekey", "")
		return det
	}

	if el := doc.Find(".g-recaptcha").First(); el.Length() > 0 {
		det.Type = TypeReCaptchaV2
		det.SiteKey = el.AttrOr("data-sitekey", "")
		return det
	}

	var v3Key string
	doc.Find(`script[src*="recaptcha"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if m := recaptchaRender.FindStringSubmatch(s.AttrOr("src", "")); m != nil && m[1] != "explicit" {
			v3Key = m[1]
			return false
		}
		return true
	})
	if v3Key != "" {
		det.Type = TypeReCaptchaV3
		det.SiteKey = v3Key
		return det
	}

	if strings.Contains(lowerTitle, "ddos-guard") ||
		doc.Find(`meta[name="generator"][content*="DDoS-GUARD"]`).Length() > 0 ||
		strings.Contains(doc.Find("body").Text(), "DDoS-GUARD") {
		det.Type, det.CanAuto = TypeDDoSGuard, true
		return det
	}

	if detectDoc(doc) {
		det.Type = TypeUnknown
	}
	return det
}

// Inspect reads the current page state and analyzes it.
func (d *Detector) Inspect(ctx context.Context, page browser.Page) (*Detection, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	title, err := page.Title(ctx)
	if err != nil {
		return nil, err
	}
	pageURL, err := page.URL(ctx)
	if err != nil {
		return nil, err
	}
	return d.Analyze(title, html, pageURL), nil
}

// WaitForClear polls the page until no challenge remains, a challenge that
// cannot clear by itself appears, or timeout passes. It returns the last
// detection.
func (d *Detector) WaitForClear(ctx context.Context, page browser.Page, timeout, interval time.Duration) (*Detection, error) {
	deadline := time.Now().Add(timeout)
	for {
		det, err := d.Inspect(ctx, page)
		if err != nil {
			return nil, err
		}
		if !det.Found() || !det.CanAuto || !time.Now().Before(deadline) {
			return det, nil
		}

		select {
		case <-ctx.Done():
			return det, ctx.Err()
		case <-time.After(interval):
		}
	}
}
