package store

import (
	"strconv"
	"strings"
)

// CompareVersions orders version labels segment by segment on ".".
// Numeric segments compare as numbers so "1.10" sorts after "1.9";
// anything else compares lexically. A label that is a prefix of
// another sorts first.
func CompareVersions(a, b string) int {
	if a == b {
		return 0
	}
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareSegment(as[i], bs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return strings.Compare(a, b)
}

func compareSegment(a, b string) int {
	an, aerr := strconv.ParseUint(a, 10, 64)
	bn, berr := strconv.ParseUint(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
		// "01" and "1" are equal numerically; fall back to text so the order stays total
		return strings.Compare(a, b)
	case aerr == nil:
		return -1 // numbers before words
	case berr == nil:
		return 1
	}
	return strings.Compare(a, b)
}
