package core

import (
	"runtime/debug"
	"strings"
)

// Version is the module version for tagged builds, or devel-<rev>[-dirty] for local builds
var Version = detectVersion()

func detectVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}

	// Local builds since Go 1.24 carry pseudo-versions; prefer VCS info for those
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		return v
	}

	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}

	revision := settings["vcs.revision"]
	if revision == "" {
		return "devel"
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}

	version := "devel-" + revision
	if settings["vcs.modified"] == "true" {
		version += "-dirty"
	}
	return version
}

// FormatVersion strips the "v" prefix of tagged releases; devel versions pass through
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// isPseudoVersion reports whether v ends in the 12-character commit hash of a
// Go module pseudo-version, e.g. v0.0.0-20260217105831-82903d1d8810.
func isPseudoVersion(v string) bool {
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	i := strings.LastIndexByte(v, '-')
	if i < 0 || len(v)-i-1 != 12 {
		return false
	}
	return strings.Trim(v[i+1:], "0123456789abcdef") == ""
}
