package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// String renders build info for the version command and startup log.
func String() string {
	return fmt.Sprintf("coinwatch %s (commit %s, built %s, %s)", Version, Commit, BuildDate, runtime.Version())
}
