// Package version reports build metadata embedded by the Go toolchain.
package version

import (
	"runtime/debug"
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get reads the binary's build info. Version is the module version for
// released builds or "dev" when built from a working tree; the commit
// hash comes from the VCS stamp when available.
func Get() Info {
	info := Info{Version: "dev", GoVersion: "unknown"}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = bi.GoVersion
	if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		}
	}
	return info
}

// String renders the info as a single human-readable line.
func (i Info) String() string {
	s := i.Version
	if i.Commit != "" {
		rev := i.Commit
		if len(rev) > 12 {
			rev = rev[:12]
		}
		s += " (" + rev
		if i.Dirty {
			s += "-dirty"
		}
		s += ")"
	}
	return s + " " + i.GoVersion
}
