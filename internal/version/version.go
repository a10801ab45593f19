// Package version reports the cadence build version.
package version

import (
	"runtime/debug"
	"strings"
)

// version is set at build time with
// -ldflags "-X github.com/ShayCichocki/cadence/internal/version.version=v1.2.3".
var version = ""

// Get returns the current version, with whitespace trimmed. Builds without
// an injected version fall back to the module version, then "dev".
func Get() string {
	if v := strings.TrimSpace(version); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
