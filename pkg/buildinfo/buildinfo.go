// Package buildinfo reports the version of the shardmerge binary.
// Release builds inject version, commit and date with -ldflags, dev
// builds fall back to the VCS settings embedded by the Go toolchain.
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// Info holds the resolved build metadata.
type Info struct {
	Version  string
	Commit   string
	Date     string
	Modified bool
	GoVer    string
}

// Resolve merges the -ldflags values with the embedded build info. Empty
// arguments are taken from the build info.
func Resolve(version, commit, date string) Info {
	bi, _ := debug.ReadBuildInfo()
	return resolve(bi, version, commit, date)
}

func resolve(bi *debug.BuildInfo, version, commit, date string) Info {
	info := Info{Version: "dev", Commit: "unknown", Date: "unknown"}
	if bi != nil {
		info.GoVer = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Commit = s.Value
			case "vcs.time":
				info.Date = s.Value
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			info.Version = v
		}
	}
	if version != "" {
		info.Version = version
	}
	if commit != "" {
		info.Commit = commit
	}
	if date != "" {
		info.Date = date
	}
	return info
}

func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if i.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("shardmerge %s (commit %s, built %s, %s)", i.Version, commit, i.Date, i.GoVer)
}
