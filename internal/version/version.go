package version

import (
	"runtime/debug"
)

// Version is set with -ldflags "-X meshgraph/internal/version.Version=...".
var Version = ""

// Value returns the injected version, else the module version, else the VCS
// tag or revision recorded by the toolchain, else "dev".
func Value() string {
	if Version != "" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	settings := map[string]string{}
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	for _, key := range []string{"vcs.tag", "vcs.revision"} {
		if v := settings[key]; v != "" {
			return v
		}
	}
	return "dev"
}

// UserAgent is sent on every backend request.
func UserAgent() string {
	return "meshgraph/" + Value()
}
