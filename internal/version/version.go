// Package version exposes build metadata stamped at link time.
//
// Release builds inject the values via ldflags:
//
//	go build -ldflags "-X github.com/proposalforge/collabd/internal/version.Version=1.0.0 \
//	                   -X github.com/proposalforge/collabd/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/proposalforge/collabd/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

var (
	// Version is the semantic version of the binary.
	Version = "dev"

	// Commit is the short git commit hash.
	Commit = "unknown"

	// BuildTime is the UTC build timestamp in ISO 8601.
	BuildTime = "unknown"
)

// String renders the version, commit, and build time on one line.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}
