// Package version holds build information injected at link time:
//
//	go build -ldflags "-X tokenmeter/internal/version.Version=v0.3.0 \
//	  -X tokenmeter/internal/version.Commit=$(git rev-parse --short HEAD) \
//	  -X tokenmeter/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line description of the build.
func Info() string {
	return fmt.Sprintf("tokenmeter %s (commit %s, built %s)", Version, Commit, Date)
}
