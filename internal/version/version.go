// Package version exposes build metadata stamped at link time.
package version

import "runtime/debug"

// Overridable via -ldflags "-X github.com/replygrid/replygrid/internal/version.Version=...".
var (
	Version    = "dev"
	CommitHash = ""
)

// String returns "version (commit)" with the commit resolved from build
// info when ldflags did not set it.
func String() string {
	commit := CommitHash
	if commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					commit = setting.Value
					break
				}
			}
		}
	}
	if len(commit) > 8 {
		commit = commit[:8]
	}
	if commit == "" {
		return Version
	}
	return Version + " (" + commit + ")"
}
