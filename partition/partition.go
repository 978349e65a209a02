// Package partition groups dataset file paths into aggregation candidates
// by masking the date components of their directory structure.
package partition

import (
	"path"
	"strings"
)

// Partition groups file paths by their directory pattern: every path
// segment consisting only of digits (years, months, days) is masked with
// 'x' characters of the same length. Segments with any non-digit character,
// such as version directories like "v1" or "1.0", are kept verbatim, so
// files that differ only by version stay in separate groups.
//
// The returned map is keyed by masked pattern; each group keeps its members
// in input order.
func Partition(paths []string) map[string][]string {
	groups := make(map[string][]string)
	for _, p := range paths {
		key := mask(path.Dir(p))
		groups[key] = append(groups[key], p)
	}
	return groups
}

// mask replaces all-digit segments of a path with x's of the same length.
func mask(dir string) string {
	segments := strings.Split(dir, "/")
	for i, segment := range segments {
		if allDigits(segment) {
			segments[i] = strings.Repeat("x", len(segment))
		}
	}
	return strings.Join(segments, "/")
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
