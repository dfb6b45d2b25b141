package retention

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// CIMarker identifies versions published by CI builds.
const CIMarker = "-ci."

const ciTimestampLayout = "20060102150405"

var ciTimestampRe = regexp.MustCompile(`-(\d{14})$`)

// CIVersion is a CI-built version together with the build time embedded in its name.
type CIVersion struct {
	Version string
	Time    time.Time
	// Release is MAJOR.MINOR.PATCH when Version is valid semver, empty otherwise.
	Release string
}

func IsCIVersion(version string) bool {
	return strings.Contains(version, CIMarker)
}

// ParseCIVersionTime extracts the trailing -YYYYMMDDHHMMSS timestamp as UTC.
func ParseCIVersionTime(version string) (time.Time, bool) {
	m := ciTimestampRe.FindStringSubmatch(version)
	if m == nil {
		return time.Time{}, false
	}

	// Example: 1.2.3-ci.4a5b6c7-20260218120000
	t, err := time.ParseInLocation(ciTimestampLayout, m[1], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Classify returns the CIVersion for version. ok is false when version is not
// a CI version or its timestamp cannot be parsed; err is set only in the latter case.
func Classify(version string) (v CIVersion, ok bool, err error) {
	if !IsCIVersion(version) {
		return CIVersion{}, false, nil
	}
	t, parsed := ParseCIVersionTime(version)
	if !parsed {
		return CIVersion{}, false, fmt.Errorf("could not parse date from CI version: %s", version)
	}
	return CIVersion{Version: version, Time: t, Release: releaseLine(version)}, true, nil
}

func releaseLine(version string) string {
	sv, err := semver.StrictNewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", sv.Major(), sv.Minor(), sv.Patch())
}
