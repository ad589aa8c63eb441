// Package buildinfo holds application metadata set at build time:
//
//	go build -ldflags "\
//	  -X github.com/dotside-studios/davi-emv-agent/buildinfo.Version=1.0.0 \
//	  -X github.com/dotside-studios/davi-emv-agent/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/dotside-studios/davi-emv-agent/buildinfo.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package buildinfo

import (
	"fmt"
	"runtime"
	"strings"
)

// Application metadata, overridable via ldflags
var (
	// Name is the technical application name
	Name = "davi-emv-agent"

	// DisplayName is the user-facing name (tray, mDNS)
	DisplayName = "Davi EMV Agent"

	// Description is a short description of the application
	Description = "Card-present EMV and swipe transaction agent"

	// Version is the semantic version
	Version = "dev"

	// Commit is the git commit hash
	Commit = ""

	// BuildTime is the build timestamp
	BuildTime = ""
)

// FullVersion returns the version with the commit, if known, e.g.
// "1.0.0 (abc1234)".
func FullVersion() string {
	if Commit != "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return Version
}

// UserAgent returns the User-Agent sent to remote services, e.g.
// "davi-emv-agent/1.0.0".
func UserAgent() string {
	return fmt.Sprintf("%s/%s", Name, Version)
}

// BuildInfo returns a multi-line description of the build.
func BuildInfo() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", Name, FullVersion())
	fmt.Fprintf(&sb, "  %s\n", Description)
	fmt.Fprintf(&sb, "  Go: %s\n", runtime.Version())
	fmt.Fprintf(&sb, "  OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		fmt.Fprintf(&sb, "\n  Built: %s", BuildTime)
	}
	return sb.String()
}

// IsDev reports whether this is a development build.
func IsDev() bool {
	return Version == "dev"
}
