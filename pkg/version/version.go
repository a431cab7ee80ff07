// Package version holds build information, set with -ldflags at build time.
package version

import "fmt"

var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Name identifies this engine in archive manifests
const Name = "SiteGuard"

type VersionInfo struct {
	Version   string
	GitCommit string
	BuildTime string
}

// Current returns the running build's information
func Current() VersionInfo {
	return VersionInfo{Version: Version, GitCommit: GitCommit, BuildTime: BuildTime}
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("Version: %s\nGitCommit: %s\nBuildTime: %s",
		v.Version, v.GitCommit, v.BuildTime)
}
