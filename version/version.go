package version

import (
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// version is injected at build time via -ldflags.
var version = "development"

const (
	// CoreVersion is the version of the core orchestration layer.
	CoreVersion = "0.9.0"
	// UIVersion is the version of the bundled renderer.
	UIVersion = "0.9.0"
	// IPCContractVersion is bumped whenever the renderer/main IPC surface
	// changes incompatibly.
	IPCContractVersion = "3"
	// UserDataSchemaVersion is the schema version this build reads and
	// writes. The migration runner brings older user-data directories up
	// to this version at boot.
	UserDataSchemaVersion = 3
)

// AppVersion returns the application version set at build time.
func AppVersion() string {
	if version == "" {
		return "development"
	}
	return version
}

// Parse parses a semver string, tolerating a leading "v".
func Parse(s string) (*goversion.Version, error) {
	return goversion.NewSemver(strings.TrimPrefix(strings.TrimSpace(s), "v"))
}

// IsNewer reports whether candidate is strictly newer than current under
// semver ordering: the numeric triple compares first, a release sorts above
// any prerelease of the same triple, and prerelease identifiers compare
// segment by segment with numeric segments ordered below alphanumeric ones.
// Unparseable input never counts as newer.
func IsNewer(candidate, current string) bool {
	cand, err := Parse(candidate)
	if err != nil {
		return false
	}
	cur, err := Parse(current)
	if err != nil {
		return false
	}
	return cand.GreaterThan(cur)
}

// IsPrerelease reports whether the version string carries a prerelease tag.
func IsPrerelease(s string) bool {
	v, err := Parse(s)
	if err != nil {
		return false
	}
	return v.Prerelease() != ""
}
