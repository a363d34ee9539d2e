package mint

import "math"

// overflowAddUint64 adds a and b, saturating at math.MaxUint64 and
// reporting whether the true sum overflowed.
func overflowAddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return math.MaxUint64, true
	}
	return sum, false
}

// underflowSubUint64 subtracts b from a, saturating at 0 and reporting
// whether the true difference underflowed.
func underflowSubUint64(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, true
	}
	return a - b, false
}

// equalStringSlices reports whether a and b hold the same strings in
// the same order.
func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
