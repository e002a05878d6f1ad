package version

import "fmt"

// Set through -ldflags at build time.
var (
	version   string
	commit    string
	buildTime string
)

// Version returns the release version, "dev" for local builds.
func Version() string {
	if version == "" {
		version = "dev"
	}

	return version
}

// Commit returns the git commit the binary was built from.
func Commit() string {
	return commit
}

// BuildTime returns the build timestamp.
func BuildTime() string {
	return buildTime
}

func String() string {
	return fmt.Sprintf("version: %s, commit: %s, built: %s", Version(), commit, buildTime)
}
