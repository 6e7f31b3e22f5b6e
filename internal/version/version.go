package version

import (
	"fmt"
	"runtime/debug"
)

// ビルド時に -ldflags "-X github.com/ichi0g0y/goose-taps/internal/version.Version=..." で上書きする
var (
	Version = "dev"
	Commit  = ""
)

// String は "v<version> (<commit>)" を返す。Commit が未設定ならVCS情報から補う
func String() string {
	commit := Commit
	if commit == "" {
		commit = vcsRevision()
	}
	if commit == "" {
		return fmt.Sprintf("v%s", Version)
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return fmt.Sprintf("v%s (%s)", Version, commit)
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
