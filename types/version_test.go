package types //nolint:revive // types is a valid package name

import (
	"fmt"
	"regexp"
	"testing"
)

func TestVersion_Format(t *testing.T) {
	semverRegex := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	if !semverRegex.MatchString(Version) {
		t.Errorf("Version %q is not a valid semver", Version)
	}
}

func TestVersion_MatchesComponents(t *testing.T) {
	want := fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
	if Version != want {
		t.Errorf("Version %q != components %q", Version, want)
	}
}

func TestClientVersion_Supported(t *testing.T) {
	tests := []struct {
		v    ClientVersion
		want bool
	}{
		{ClientVersion{Major: ClientMajor}, true},
		{ClientVersion{Major: ClientMajor, Minor: 9, Patch: 1}, true},
		{ClientVersion{Major: 2}, false},
		{ClientVersion{Major: ClientMajor + 1}, false},
	}
	for _, tt := range tests {
		if got := tt.v.Supported(); got != tt.want {
			t.Errorf("%+v.Supported() = %v, want %v", tt.v, got, tt.want)
		}
	}
}
