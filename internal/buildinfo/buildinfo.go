// Package buildinfo reports the version stamped at link time, falling back
// to the VCS data the Go toolchain records.
package buildinfo

import "runtime/debug"

// Set with -ldflags "-X hookrelay/internal/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	out := map[string]string{
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out["go"] = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if out["commit"] == "" {
					out["commit"] = s.Value
				}
			case "vcs.time":
				if out["builtAt"] == "" {
					out["builtAt"] = s.Value
				}
			case "vcs.modified":
				out["dirty"] = s.Value
			}
		}
	}
	return out
}
