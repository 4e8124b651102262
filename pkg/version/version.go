// Package version records the tool's release version and build metadata.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version identifies a cfidump release.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// CfidumpVersion is the current version of cfidump.
var CfidumpVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s\nGo: %s", ver, v.Build, runtime.Version())
}

func fixBuild(v *Version) {
	// A Build value other than the unexpanded ident keyword was set at
	// link time and wins.
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			v.Build = setting.Value
			return
		}
	}
}
