// Package version holds the build identifier reported over /health and
// logged at daemon startup.
package version

// Version is the current release tag. Overridden at build time with
// -ldflags "-X github.com/normanking/pulse/internal/version.Version=...".
var Version = "0.1.0-dev"
