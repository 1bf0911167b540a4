// Package version compares release versions and reads the running release.
package version

import (
	"strings"

	"github.com/blang/semver/v4"
)

// Parse parses a semantic version, tolerating a leading "v".
func Parse(v string) (semver.Version, error) {
	return semver.Parse(strings.TrimPrefix(strings.TrimSpace(v), "v"))
}

// IsNewer returns true if candidate is strictly greater than current.
//
// Both strings are compared as semantic versions when they parse. If either
// fails to parse, a plain string comparison is used instead.
func IsNewer(candidate string, current string) bool {
	candidateVer, errCandidate := Parse(candidate)
	currentVer, errCurrent := Parse(current)

	if errCandidate != nil || errCurrent != nil {
		return candidate > current
	}

	return candidateVer.GT(currentVer)
}

// Compare returns -1, 0 or 1 following the same rules as IsNewer.
func Compare(a string, b string) int {
	aVer, errA := Parse(a)
	bVer, errB := Parse(b)

	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}

	return aVer.Compare(bVer)
}

// InWindow returns whether current falls inside [minVersion, maxVersion).
// Empty bounds are open. With strict set, a version that fails to parse
// puts current outside of the window, otherwise that check is skipped.
func InWindow(current string, minVersion string, maxVersion string, strict bool) bool {
	if minVersion == "" && maxVersion == "" {
		return true
	}

	currentVer, err := Parse(current)
	if err != nil {
		return !strict
	}

	if minVersion != "" {
		minVer, err := Parse(minVersion)
		if err != nil {
			if strict {
				return false
			}
		} else if currentVer.LT(minVer) {
			return false
		}
	}

	if maxVersion != "" {
		maxVer, err := Parse(maxVersion)
		if err != nil {
			if strict {
				return false
			}
		} else if currentVer.GTE(maxVer) {
			return false
		}
	}

	return true
}
