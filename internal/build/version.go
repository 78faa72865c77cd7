package build

import "fmt"

// Set at link time, e.g.
// -ldflags "-X github.com/rohmanhakim/offline-agent/internal/build.Version=1.0.0"
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// FullVersion returns the version string with commit hash appended.
// Format: "Version+Commit" (e.g., "1.0.0+abc123")
func FullVersion() string {
	return Version + "+" + Commit
}

// Summary is the one-line description printed by the version command.
func Summary() string {
	return fmt.Sprintf("offline-agent %s (built %s)", FullVersion(), BuildTime)
}
