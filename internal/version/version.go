package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/mgdocker"

// buildVersion is set via -ldflags "-X pkt.systems/mgdocker/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Module    string `json:"module"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get collects version details from the linker flag and build info.
func Get() Info {
	return Info{
		Version:   CurrentWithDirty(),
		Module:    Module(),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Current returns the best available version string (without dirty suffix).
func Current() string {
	return fromBuild(false)
}

// CurrentWithDirty returns the best available version string (including dirty suffix when available).
func CurrentWithDirty() string {
	return fromBuild(true)
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

func fromBuild(includeDirty bool) string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return trimDirty(v, includeDirty)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return trimDirty(v, includeDirty)
		}
		if v := pseudoVersion(info, includeDirty); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

func trimDirty(v string, includeDirty bool) string {
	if includeDirty {
		return v
	}
	return strings.TrimSuffix(v, "+dirty")
}

// pseudoVersion derives a Go style pseudo version from VCS stamps.
func pseudoVersion(info *debug.BuildInfo, includeDirty bool) string {
	if info == nil {
		return ""
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	revision, stamp := settings["vcs.revision"], settings["vcs.time"]
	if revision == "" || stamp == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if includeDirty && settings["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
