// Package version carries build metadata injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set at build time:
//
//	-ldflags "-X github.com/skobkin/gpu-monitor/internal/version.version=v1.2.3
//	          -X github.com/skobkin/gpu-monitor/internal/version.commit=abc123
//	          -X github.com/skobkin/gpu-monitor/internal/version.buildTime=2024-01-01T00:00:00Z"
var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// String renders a one-line summary for the version command.
func (i Info) String() string {
	commit := i.Commit
	if commit == "" {
		commit = "unknown"
	}
	return fmt.Sprintf("%s (commit %s, built %s, %s)", i.Version, commit, orUnknown(i.BuildTime), i.GoVersion)
}

var (
	info     Info
	infoOnce sync.Once
	infoMu   sync.RWMutex
)

// Set overrides the build metadata. Intended for tests and embedding.
func Set(v Info) {
	infoOnce.Do(func() {})
	if v.Version == "" {
		v.Version = "dev"
	}
	if v.GoVersion == "" {
		v.GoVersion = runtime.Version()
	}
	infoMu.Lock()
	info = v
	infoMu.Unlock()
}

// Current returns the build metadata, falling back to the VCS stamp the Go
// toolchain embeds when no commit was injected.
func Current() Info {
	infoOnce.Do(func() {
		v := Info{Version: version, Commit: commit, BuildTime: buildTime, GoVersion: runtime.Version()}
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					if v.Commit == "" {
						v.Commit = s.Value
					}
				case "vcs.time":
					if v.BuildTime == "" {
						v.BuildTime = s.Value
					}
				}
			}
		}
		infoMu.Lock()
		info = v
		infoMu.Unlock()
	})
	infoMu.RLock()
	defer infoMu.RUnlock()
	return info
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
