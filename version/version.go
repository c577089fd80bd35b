// Package version provides utilities for extracting build information.
package version

import (
	"runtime/debug"
)

// Info contains build-time information reported by the health endpoint
// and startup log.
type Info struct {
	GoVersion string `json:"goVersion"`
	Module    string `json:"module"`
	Version   string `json:"version"`
}

// Get extracts build information embedded in the current binary.
func Get() *Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &Info{GoVersion: "unknown", Module: "flowmatic.io", Version: "unknown"}
	}
	v := info.Main.Version
	if v == "" || v == "(devel)" {
		v = "dev"
	}
	return &Info{
		GoVersion: info.GoVersion,
		Module:    info.Path,
		Version:   v,
	}
}
