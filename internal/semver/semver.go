// Package semver implements the major.minor.patch identifiers assigned to
// registered model versions.
package semver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/inferloop/modelops/pkg/errors"
)

// IncrementKind selects which component Increment bumps
type IncrementKind string

const (
	Major IncrementKind = "major"
	Minor IncrementKind = "minor"
	Patch IncrementKind = "patch"
)

// ParseIncrementKind validates a user-supplied kind; empty means patch
func ParseIncrementKind(s string) (IncrementKind, error) {
	switch IncrementKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", Patch:
		return Patch, nil
	case Minor:
		return Minor, nil
	case Major:
		return Major, nil
	}
	return "", errors.NewValidationError(errors.CodeInvalidIncrement,
		fmt.Sprintf("unknown increment kind %q", s)).WithContext("allowed", []string{"major", "minor", "patch"})
}

// Parse returns the numeric triple. Missing trailing components default to 0;
// any malformed input yields 0.0.0.
func Parse(s string) (major, minor, patch int) {
	nums, ok := parse(s)
	if !ok {
		return 0, 0, 0
	}
	return nums[0], nums[1], nums[2]
}

// Valid reports whether s is a well-formed identifier
func Valid(s string) bool {
	_, ok := parse(s)
	return ok
}

func parse(s string) ([3]int, bool) {
	var nums [3]int
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return nums, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return nums, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return [3]int{}, false
		}
		nums[i] = n
	}
	return nums, true
}

// Format renders a triple
func Format(major, minor, patch int) string {
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

// Increment bumps the selected component and resets the lower ones
func Increment(current string, kind IncrementKind) (string, error) {
	major, minor, patch := Parse(current)
	switch kind {
	case Major:
		return Format(major+1, 0, 0), nil
	case Minor:
		return Format(major, minor+1, 0), nil
	case Patch, "":
		return Format(major, minor, patch+1), nil
	}
	return "", errors.NewValidationError(errors.CodeInvalidIncrement,
		fmt.Sprintf("unknown increment kind %q", kind))
}

// Compare orders two versions lexicographically over the triple
func Compare(a, b string) int {
	aMaj, aMin, aPat := Parse(a)
	bMaj, bMin, bPat := Parse(b)
	for _, d := range [3]int{aMaj - bMaj, aMin - bMin, aPat - bPat} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

// IsCompatible reports whether two versions share a major component
func IsCompatible(a, b string) bool {
	aMaj, _, _ := Parse(a)
	bMaj, _, _ := Parse(b)
	return aMaj == bMaj
}
