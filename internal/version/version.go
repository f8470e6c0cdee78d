// Package version exposes build metadata set through ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/jmylchreest/acquire/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	Date      = "unknown"
	GoVersion = runtime.Version()
)

// Info is the build metadata reported by /health and the CLI.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"goVersion"`
}

// Get returns the current build metadata.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
	}
}

// String renders the version with a short commit suffix when known.
func (i Info) String() string {
	if i.Commit == "" || i.Commit == "unknown" {
		return i.Version
	}
	commit := i.Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("%s (%s)", i.Version, commit)
}

// UserAgent is the identifier sent by outbound API clients (OAuth, captcha provider).
func UserAgent() string {
	return "acquire/" + Version
}
