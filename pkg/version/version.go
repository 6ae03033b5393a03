// Package version carries build metadata stamped at link time via
// -ldflags "-X .../pkg/version.Version=... -X .../pkg/version.Commit=...".
package version

var (
	Version = "dev"
	Commit  = "unknown"
)
