package version

import (
	"fmt"
	"runtime"
)

// Set with -ldflags -X at release time.
var (
	version   = "v0.1.0-dev"
	gitCommit = "none"
)

func GetVersion() string {
	return version
}

// BuildInfo describes the compiled time information.
type BuildInfo struct {
	Version   string `json:"version,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("superimage %s (%s, %s)", b.Version, b.GitCommit, b.GoVersion)
}

// Get returns build info
func Get() BuildInfo {
	return BuildInfo{
		Version:   GetVersion(),
		GitCommit: gitCommit,
		GoVersion: runtime.Version(),
	}
}
