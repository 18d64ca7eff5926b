// Package version provides build version information for the node.
package version

import (
	"fmt"
	"runtime"
)

// Protocol-visible version, reported to peers and in node events.
const (
	Major = 1
	Minor = 8
	Patch = 0
)

// Build-time variables injected via ldflags.
var (
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String returns the protocol version.
func String() string {
	return fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)
}

// Full returns version info with commit, build time, and Go toolchain.
func Full() string {
	return fmt.Sprintf("ztnode %s (%s) built %s - Go %s %s/%s",
		String(), GitCommit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
