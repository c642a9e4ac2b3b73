package policy

import "strings"

// MatchPattern checks a value against a destination pattern.
// Pattern: *x* for contains, *.ext for suffix, prefix* for prefix, exact otherwise.
// "*" and "" match anything. Matching is case-insensitive.
func MatchPattern(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	lowerValue := strings.ToLower(value)
	lowerPattern := strings.ToLower(pattern)

	// *x*: contains
	if strings.HasPrefix(lowerPattern, "*") && strings.HasSuffix(lowerPattern, "*") {
		inner := lowerPattern[1 : len(lowerPattern)-1]
		return strings.Contains(lowerValue, inner)
	}

	// *.ext: suffix
	if strings.HasPrefix(lowerPattern, "*") {
		return strings.HasSuffix(lowerValue, lowerPattern[1:])
	}

	// prefix*: prefix
	if strings.HasSuffix(lowerPattern, "*") {
		return strings.HasPrefix(lowerValue, lowerPattern[:len(lowerPattern)-1])
	}

	return lowerValue == lowerPattern
}

func matchAny(patterns []string, value string) (string, bool) {
	for _, p := range patterns {
		if MatchPattern(p, value) {
			return p, true
		}
	}
	return "", false
}
