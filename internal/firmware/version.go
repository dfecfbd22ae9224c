// Package firmware compares module firmware against the update service and
// decides when an upgrade should be offered.
package firmware

import (
	"strconv"
	"strings"
)

// versionParts is how many dot-separated components are compared.
const versionParts = 3

// Version is a dot-separated version string broken into its first three
// numeric components. A component that is missing or does not start with a
// number is absent and never compares greater or smaller than anything.
type Version struct {
	raw   string
	parts [versionParts]int
	ok    [versionParts]bool
}

// ParseVersion never fails; unusable components are simply absent.
func ParseVersion(s string) Version {
	v := Version{raw: strings.TrimSpace(s)}
	fields := strings.Split(v.raw, ".")
	for i := 0; i < versionParts && i < len(fields); i++ {
		v.parts[i], v.ok[i] = leadingInt(fields[i])
	}
	return v
}

// leadingInt parses an optional sign followed by the longest run of digits,
// ignoring anything after it ("3rc1" is 3).
func leadingInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

func (v Version) String() string { return v.raw }

// Component returns the i-th component and whether it is present.
func (v Version) Component(i int) (int, bool) {
	if i < 0 || i >= versionParts {
		return 0, false
	}
	return v.parts[i], v.ok[i]
}

// Newer reports whether remote should replace installed: at the first
// component where both are present and differ, remote must be greater.
// Absent components are skipped.
func Newer(installed, remote Version) bool {
	for i := 0; i < versionParts; i++ {
		if !installed.ok[i] || !remote.ok[i] {
			continue
		}
		if remote.parts[i] != installed.parts[i] {
			return remote.parts[i] > installed.parts[i]
		}
	}
	return false
}

// UpgradeAvailable is Newer on raw version strings.
func UpgradeAvailable(installed, remote string) bool {
	return Newer(ParseVersion(installed), ParseVersion(remote))
}
