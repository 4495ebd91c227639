package version_test

import (
	"testing"

	"github.com/tempohq/tempo/internal/version"
)

func TestGet_StampedValuesWin(t *testing.T) {
	oldV, oldC := version.Version, version.Commit
	t.Cleanup(func() { version.Version, version.Commit = oldV, oldC })

	version.Version = "1.4.0"
	version.Commit = "abc123"

	info := version.Get()
	if info.AppName != "tempo" {
		t.Fatalf("AppName = %q", info.AppName)
	}
	if info.Version != "1.4.0" || info.Commit != "abc123" {
		t.Fatalf("got %+v", info)
	}
}
