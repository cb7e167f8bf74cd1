// Package version holds build metadata for the pen-locker binary, stamped at
// link time:
//
//	go build -ldflags "-X github.com/doughall/pen-locker/internal/version.Version=1.0.0 \
//	                   -X github.com/doughall/pen-locker/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/doughall/pen-locker/internal/version.BuildTime=$(date -u +%FT%TZ)"
package version

import "fmt"

// Unstamped builds report "dev" and "unknown".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is the line printed by `pen-locker --version`.
func Info() string {
	return fmt.Sprintf("pen-locker %s (commit: %s, built: %s)", Version, Commit, BuildTime)
}
