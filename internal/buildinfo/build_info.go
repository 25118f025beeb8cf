// Package buildinfo carries the version information stamped into the binary at link time.
package buildinfo

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X github.com/l7mp/amnesia/internal/buildinfo.version=...".
var (
	version    = "dev"
	commitHash = "unknown"
	buildDate  = "unknown"
)

// BuildInfo describes the build of the running executable.
type BuildInfo struct {
	Version    string
	CommitHash string
	BuildDate  string
	GoVersion  string
}

// Get returns the build information of the running executable.
func Get() BuildInfo {
	return BuildInfo{Version: version, CommitHash: commitHash, BuildDate: buildDate, GoVersion: runtime.Version()}
}

// String returns the build info as a string.
func (i BuildInfo) String() string {
	return fmt.Sprintf("amnesia %s (%s) built on %s with %s", i.Version, i.CommitHash, i.BuildDate, i.GoVersion)
}
