package browser

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/jmylchreest/acquire/internal/cookies"
)

func TestNewFingerprint(t *testing.T) {
	first := func(int) int { return 0 }
	last := func(n int) int { return n - 1 }

	fp := NewFingerprint(first)
	if fp.UserAgent != userAgents[0] || fp.Viewport != (Viewport{1280, 800}) || fp.Locale != "en-US" {
		t.Errorf("NewFingerprint(first) = %+v", fp)
	}

	fp = NewFingerprint(last)
	if fp.Platform != "Linux x86_64" || fp.Vendor != "Mozilla Foundation" || fp.DeviceScaleFactor != 2 {
		t.Errorf("NewFingerprint(last) = %+v", fp)
	}
}

func TestRandomFingerprintDrawsFromPools(t *testing.T) {
	for i := 0; i < 50; i++ {
		fp := RandomFingerprint()
		if !contains(userAgents, fp.UserAgent) {
			t.Fatalf("UserAgent %q not in pool", fp.UserAgent)
		}
		if !contains(locales, fp.Locale) || !contains(vendors, fp.Vendor) || !contains(platforms, fp.Platform) {
			t.Fatalf("RandomFingerprint() = %+v, attribute outside pools", fp)
		}
		if fp.Viewport.Width == 0 || fp.DeviceScaleFactor == 0 {
			t.Fatalf("RandomFingerprint() = %+v, zero viewport or scale", fp)
		}
	}
}

func contains(pool []string, v string) bool {
	for _, p := range pool {
		if p == v {
			return true
		}
	}
	return false
}

func TestFingerprintLocaleForms(t *testing.T) {
	fp := Fingerprint{Locale: "fr-FR"}
	if got := fp.AcceptLanguage(); got != "fr-FR,fr;q=0.9" {
		t.Errorf("AcceptLanguage() = %q, want fr-FR,fr;q=0.9", got)
	}
	if got := fp.ICULocale(); got != "fr_FR" {
		t.Errorf("ICULocale() = %q, want fr_FR", got)
	}
}

func TestOverrideScriptQuotesValues(t *testing.T) {
	fp := Fingerprint{Vendor: `Apple Computer, Inc.`, Platform: "MacIntel", Locale: "de-DE"}
	script := fp.overrideScript()

	vendor, _ := json.Marshal(fp.Vendor)
	for _, want := range []string{string(vendor), `"MacIntel"`, `["de-DE","de"]`} {
		if !strings.Contains(script, want) {
			t.Errorf("overrideScript() missing %s", want)
		}
	}
}

func TestCookieConversion(t *testing.T) {
	expires := time.Date(2027, 3, 4, 5, 6, 7, 0, time.UTC)
	in := []cookies.Cookie{
		{Name: "sid", Value: "abc", Domain: ".shop.example", Path: "/", Expires: expires, Secure: true, HTTPOnly: true, SameSite: "Lax"},
		{Name: "pref", Value: "1", Domain: "shop.example", Path: "/"},
	}

	params := toProtoCookies(in)
	if len(params) != 2 {
		t.Fatalf("toProtoCookies() len = %d, want 2", len(params))
	}
	if params[0].SameSite != proto.NetworkCookieSameSiteLax {
		t.Errorf("SameSite = %q, want Lax", params[0].SameSite)
	}
	if float64(params[0].Expires) != float64(expires.Unix()) {
		t.Errorf("Expires = %v, want %d", params[0].Expires, expires.Unix())
	}
	if params[1].Expires != 0 {
		t.Errorf("session cookie Expires = %v, want 0", params[1].Expires)
	}

	raw := []*proto.NetworkCookie{
		{Name: "sid", Value: "abc", Domain: ".shop.example", Path: "/", Expires: proto.TimeSinceEpoch(expires.Unix()), Secure: true, HTTPOnly: true, SameSite: proto.NetworkCookieSameSiteLax},
		{Name: "pref", Value: "1", Domain: "shop.example", Path: "/", Expires: -1, Session: true},
	}
	out := fromProtoCookies(raw)
	if !out[0].Expires.Equal(expires) || out[0].SameSite != "Lax" {
		t.Errorf("fromProtoCookies()[0] = %+v", out[0])
	}
	if !out[1].Expires.IsZero() {
		t.Errorf("session cookie Expires = %v, want zero", out[1].Expires)
	}
}
