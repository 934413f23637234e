// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// These variables are set at build time via -ldflags. When they are
// left unset, Get falls back to the VCS stamp the go command embeds.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// startTime records when the process started.
var startTime = time.Now()

// Build is what GET /v1/version and "placefinder version" report.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	Modified  bool   `json:"modified,omitempty"` // built from a dirty tree
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Uptime    string `json:"uptime"`
}

// Get returns the build metadata of the running binary.
func Get() Build {
	b := Build{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		applyVCS(&b, bi.Settings)
	}
	return b
}

// applyVCS fills fields ldflags left at their defaults from the
// vcs.* build settings.
func applyVCS(b *Build, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if b.GitCommit == "unknown" && s.Value != "" {
				b.GitCommit = shortCommit(s.Value)
			}
		case "vcs.time":
			if b.BuildTime == "unknown" && s.Value != "" {
				b.BuildTime = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
}

func shortCommit(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func (b Build) String() string {
	commit := b.GitCommit
	if b.Modified {
		commit += "+dirty"
	}
	return fmt.Sprintf("placefinder %s (%s) built %s", b.Version, commit, b.BuildTime)
}

// UserAgent is the User-Agent sent on outbound HTTP requests.
func UserAgent() string {
	return "placefinder/" + Version
}
