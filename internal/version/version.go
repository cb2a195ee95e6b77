// Package version provides build-time version information.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/rickgao/tripsync/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/tripsync/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

import "runtime/debug"

// Build-time variables (set via ldflags)
var (
	// Version is the semantic version (e.g., "1.0.0")
	Version = "dev"

	// Commit is the git commit hash (short form)
	Commit = "unknown"
)

// Info is the version block reported by the health endpoint.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
}

// Get returns the build info. When Commit was not injected it falls back
// to the VCS revision recorded by the toolchain.
func Get() Info {
	info := Info{Version: Version, Commit: Commit, GoVersion: "unknown"}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = bi.GoVersion
	if info.Commit != "unknown" {
		return info
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			info.Commit = s.Value[:7]
		}
	}
	return info
}

// String returns a formatted version string.
func String() string {
	i := Get()
	return i.Version + " (" + i.Commit + ", " + i.GoVersion + ")"
}
