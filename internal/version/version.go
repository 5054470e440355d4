// Package version reports which lowvideo build is running. Version, Commit
// and Date are set with -ldflags "-X ...". Builds without them, such as go
// install, fall back to the VCS stamp the Go toolchain embeds.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
)

// ApplicationName is the binary and API name.
const ApplicationName = "lowvideo"

// Set at link time.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Info is the build description printed by `lowvideo version --json`.
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

var readBuildInfo = debug.ReadBuildInfo

// GetInfo returns the build description.
func GetInfo() Info {
	info := Info{
		Name:      ApplicationName,
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.Commit != "" {
		return info
	}
	bi, ok := readBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

func (i Info) shortCommit() string {
	if len(i.Commit) > 8 {
		return i.Commit[:8]
	}
	return i.Commit
}

// String is the `lowvideo version` line.
func String() string {
	info := GetInfo()
	s := fmt.Sprintf("%s %s", info.Name, info.Version)
	if c := info.shortCommit(); c != "" {
		s += " commit " + c
		if info.Modified {
			s += "+dirty"
		}
	}
	if info.Date != "" {
		s += " built " + info.Date
	}
	return s + fmt.Sprintf(" (%s, %s)", info.GoVersion, info.Platform)
}

// Short names the build in the API description and the health endpoint.
func Short() string {
	info := GetInfo()
	if c := info.shortCommit(); c != "" {
		return fmt.Sprintf("%s %s (%s)", info.Name, info.Version, c)
	}
	return info.Name + " " + info.Version
}

// UserAgent is the Server header value of API responses.
func UserAgent() string {
	return ApplicationName + "/" + Version
}

// JSON returns GetInfo as indented JSON.
func JSON() string {
	data, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
