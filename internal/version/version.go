// Package version holds the build-time version variables for the srl binary.
// The zero values ("dev", "none", "unknown") are used for local builds.
// GoReleaser injects the real values via -ldflags at release time.
package version

import (
	"fmt"
	"runtime"
)

// These variables are overridden by GoReleaser ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns the formatted version string printed by srl version.
func Info() string {
	return fmt.Sprintf(
		"srl version %s\ncommit: %s\nbuilt: %s\ngo: %s\n",
		Version,
		Commit,
		Date,
		runtime.Version(),
	)
}

// UserAgent is sent on outbound webhook and ARM requests.
func UserAgent() string {
	return "serverless-rate-limiter/" + Version
}
