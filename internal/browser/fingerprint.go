package browser

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
)

// Viewport is a window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Fingerprint is the browser identity presented for one attempt.
type Fingerprint struct {
	UserAgent         string   `json:"userAgent"`
	Viewport          Viewport `json:"viewport"`
	Locale            string   `json:"locale"`
	Platform          string   `json:"platform"`
	Vendor            string   `json:"vendor"`
	DeviceScaleFactor float64  `json:"deviceScaleFactor"`
}

var (
	userAgents = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	}
	viewports = []Viewport{
		{1280, 800},
		{1440, 900},
		{1920, 1080},
		{1366, 768},
		{1536, 864},
	}
	locales      = []string{"en-US", "fr-FR", "de-DE"}
	vendors      = []string{"Google Inc.", "Apple Computer, Inc.", "Mozilla Foundation"}
	platforms    = []string{"Win32", "MacIntel", "Linux x86_64"}
	scaleFactors = []float64{1, 1.25, 1.5, 2}
)

// RandomFingerprint picks every attribute independently.
func RandomFingerprint() Fingerprint {
	return NewFingerprint(rand.IntN)
}

// NewFingerprint picks attributes with intn, which returns a value in [0, n).
func NewFingerprint(intn func(n int) int) Fingerprint {
	return Fingerprint{
		UserAgent:         userAgents[intn(len(userAgents))],
		Viewport:          viewports[intn(len(viewports))],
		Locale:            locales[intn(len(locales))],
		Vendor:            vendors[intn(len(vendors))],
		Platform:          platforms[intn(len(platforms))],
		DeviceScaleFactor: scaleFactors[intn(len(scaleFactors))],
	}
}

// AcceptLanguage returns the Accept-Language header for the locale.
func (f Fingerprint) AcceptLanguage() string {
	lang, _, _ := strings.Cut(f.Locale, "-")
	if lang == f.Locale {
		return f.Locale
	}
	return fmt.Sprintf("%s,%s;q=0.9", f.Locale, lang)
}

// ICULocale returns the locale in the form the emulation domain expects.
func (f Fingerprint) ICULocale() string {
	return strings.ReplaceAll(f.Locale, "-", "_")
}

// overrideScript patches the navigator properties the user agent override
// does not reach.
func (f Fingerprint) overrideScript() string {
	lang, _, _ := strings.Cut(f.Locale, "-")
	languages := []string{f.Locale}
	if lang != f.Locale {
		languages = append(languages, lang)
	}

	quote := func(v any) string {
		b, _ := json.Marshal(v)
		return string(b)
	}

	return fmt.Sprintf(`(() => {
  const define = (name, value) => {
    try {
      Object.defineProperty(Navigator.prototype, name, { get: () => value, configurable: true });
    } catch (e) {}
  };
  define('vendor', %s);
  define('platform', %s);
  define('languages', Object.freeze(%s));
  define('language', %s);
})();`, quote(f.Vendor), quote(f.Platform), quote(languages), quote(f.Locale))
}
