package binary

import (
	"strconv"
	"strings"
)

// CompareVersions orders two version tags by their numeric segments:
// split on ".", strip non-digits per segment, missing or unparseable
// segments count as 0. Returns -1, 0 or 1. "v1.9" < "v1.10" and
// "v2" == "v2.0.0", unlike a lexical comparison.
func CompareVersions(a, b string) int {
	as := versionSegments(a)
	bs := versionSegments(b)

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}

func versionSegments(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ".")
	segments := make([]int, len(parts))
	for i, part := range parts {
		var digits strings.Builder
		for _, r := range part {
			if r >= '0' && r <= '9' {
				digits.WriteRune(r)
			}
		}
		n, err := strconv.Atoi(digits.String())
		if err != nil {
			n = 0
		}
		segments[i] = n
	}
	return segments
}
