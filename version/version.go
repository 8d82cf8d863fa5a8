// Package version holds build metadata injected at link time via
// -ldflags.
package version

import "runtime"

var (
	// GitRelease is the release tag (e.g. v0.3.1) or "dev".
	GitRelease = "dev"

	// GitCommit is the commit hash the binary was built from.
	GitCommit = "unknown"

	// GitCommitDate is the commit date of the build.
	GitCommitDate = "unknown"

	// GoInfo is the Go toolchain used for the build.
	GoInfo = runtime.Version()
)
