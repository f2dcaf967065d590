package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"
)

func stubBuildInfo(t *testing.T, settings ...debug.BuildSetting) {
	t.Helper()
	old := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Settings: settings}, true
	}
	t.Cleanup(func() { readBuildInfo = old })
}

func TestGet(t *testing.T) {
	stubBuildInfo(t)
	info := Get()
	if info.Name != "vcapd" {
		t.Errorf("Name = %q, want vcapd", info.Name)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", info.GoVersion, runtime.Version())
	}
	if !strings.Contains(info.Platform, "/") {
		t.Errorf("Platform = %q, want os/arch", info.Platform)
	}
}

func TestGetFallsBackToVCSStamp(t *testing.T) {
	stubBuildInfo(t,
		debug.BuildSetting{Key: "vcs.revision", Value: "0123456789abcdef"},
		debug.BuildSetting{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
		debug.BuildSetting{Key: "vcs.modified", Value: "true"},
	)
	info := Get()
	if info.GitCommit != "0123456789abcdef-dirty" {
		t.Errorf("GitCommit = %q", info.GitCommit)
	}
	if info.BuildDate != "2026-10-01T12:00:00Z" {
		t.Errorf("BuildDate = %q", info.BuildDate)
	}
}

func TestLinkerValuesWinOverVCSStamp(t *testing.T) {
	stubBuildInfo(t, debug.BuildSetting{Key: "vcs.revision", Value: "fromvcs"})
	old := GitCommit
	GitCommit = "fromldflags"
	defer func() { GitCommit = old }()

	if got := Get().GitCommit; got != "fromldflags" {
		t.Errorf("GitCommit = %q, want fromldflags", got)
	}
}

func TestString(t *testing.T) {
	stubBuildInfo(t, debug.BuildSetting{Key: "vcs.revision", Value: "0123456789abcdef"})
	old := Version
	Version = "1.2.3"
	defer func() { Version = old }()

	if got := String(); got != "vcapd 1.2.3 (0123456789ab)" {
		t.Errorf("String() = %q", got)
	}
}
