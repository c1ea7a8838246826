// Package buildinfo derives the running version of the updater itself from
// the release tag injected at build time and the VCS metadata Go embeds in
// the binary.
package buildinfo

import (
	"runtime/debug"
	"sync"

	"golang.org/x/mod/semver"
)

var (
	buildInfo      *debug.BuildInfo
	buildInfoValid bool
	readBuildInfo  sync.Once

	version     string
	readVersion sync.Once

	// Injected with ldflags at build!
	tag string
)

// Version returns the semantic version of the build.
// Use golang.org/x/mod/semver to compare versions.
func Version() string {
	readVersion.Do(func() {
		revision, valid := revision()
		if valid {
			revision = "+" + revision[:7]
		}
		if tag == "" {
			version = "v0.0.0-devel" + revision
			return
		}
		if semver.Build(tag) == "" {
			tag += revision
		}
		version = "v" + tag
	})
	return version
}

// revision returns the Git hash of the build.
func revision() (string, bool) {
	return find("vcs.revision")
}

func find(key string) (string, bool) {
	readBuildInfo.Do(func() {
		buildInfo, buildInfoValid = debug.ReadBuildInfo()
	})
	if !buildInfoValid {
		return "", false
	}
	for _, setting := range buildInfo.Settings {
		if setting.Key != key {
			continue
		}
		return setting.Value, true
	}
	return "", false
}
