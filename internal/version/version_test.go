package version

import "testing"

func TestInfoString(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{"no commit", Info{Version: "1.2.0", Commit: "unknown"}, "1.2.0"},
		{"empty commit", Info{Version: "1.2.0"}, "1.2.0"},
		{"short commit", Info{Version: "1.2.0", Commit: "abc12"}, "1.2.0 (abc12)"},
		{"long commit", Info{Version: "1.2.0", Commit: "abcdef0123456789"}, "1.2.0 (abcdef0)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserAgent(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()

	Version = "0.3.1"
	if got := UserAgent(); got != "acquire/0.3.1" {
		t.Errorf("UserAgent() = %q, want %q", got, "acquire/0.3.1")
	}
}
