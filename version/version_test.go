package version

import (
	"strings"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	info := Get()
	if info.Version != "dev" {
		t.Errorf("Version = %q, want dev", info.Version)
	}
}

func TestShortIncludesCommit(t *testing.T) {
	oldCommit := GitCommit
	GitCommit = "abcdef1"
	defer func() { GitCommit = oldCommit }()

	s := Short()
	if !strings.HasPrefix(s, "dev-abcdef1") {
		t.Errorf("Short() = %q, want dev-abcdef1 prefix", s)
	}
}

func TestShortWithoutCommit(t *testing.T) {
	// Under `go test` there may or may not be VCS metadata; Short must
	// at least carry the version.
	if s := Short(); !strings.HasPrefix(s, "dev") {
		t.Errorf("Short() = %q, want dev prefix", s)
	}
}
