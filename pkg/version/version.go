// Package version holds the daemon's build-time version stamp, overridden
// by the release process via -ldflags "-X .../pkg/version.Version=...".
package version

// Version is the daemon's build version. It defaults to "dev" for a
// locally built binary.
var Version = "dev"
