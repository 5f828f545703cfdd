// Package version carries build metadata set via -ldflags and filled in
// from the embedded module build info when possible.
package version

import (
	"fmt"
	"runtime/debug"
)

const AppName = "viewerboot"

var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildID    string
	GoVersion  string
	VCSDirty   *bool
)

// stubbed in tests
var readBuildInfo = debug.ReadBuildInfo

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildID    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildID:    BuildID,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}

	bi, ok := readBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" && s.Value != "" {
				out.BuildDate = s.Value
			}
			out.CommitDate = s.Value
		case "vcs.modified":
			switch s.Value {
			case "true":
				t := true
				out.VCSDirty = &t
			case "false":
				f := false
				out.VCSDirty = &f
			}
		}
	}
	return out
}

// String is the one-line form printed by -V.
func (i Info) String() string {
	dirty := ""
	if i.VCSDirty != nil && *i.VCSDirty {
		dirty = " (dirty)"
	}
	return fmt.Sprintf("%s %s commit=%s%s built=%s %s", AppName, i.Version, i.Commit, dirty, i.BuildDate, i.GoVersion)
}
