// Package version holds the single version definition of the binary.
package version

const (
	Major = 0
	Minor = 4
	Patch = 2

	// Version full version without prefix
	Version = "0.4.2"
	// VersionWithPrefix version with the v prefix
	VersionWithPrefix = "v0.4.2"
)

// Build information, set through -ldflags
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GetVersion version without prefix
func GetVersion() string {
	return Version
}

// GetVersionWithPrefix version with the v prefix
func GetVersionWithPrefix() string {
	return VersionWithPrefix
}

// SetBuildInfo overrides build information
func SetBuildInfo(buildTime, gitCommit string) {
	BuildTime = buildTime
	GitCommit = gitCommit
}

// GetFullVersionInfo version, build time and commit on one line
func GetFullVersionInfo() string {
	return VersionWithPrefix + " (built at " + BuildTime + ", commit " + GitCommit + ")"
}
