// Package version exposes the build identity, set at build time via
// ldflags.
package version

import "fmt"

var (
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String returns the human version line.
func String() string {
	return fmt.Sprintf("fleet dev (commit: %s, built: %s)", Revision(), BuildTime)
}

// Revision returns the short commit hash, used by the monitor's
// stale-version detection.
func Revision() string {
	if len(Commit) > 7 {
		return Commit[:7]
	}
	return Commit
}
