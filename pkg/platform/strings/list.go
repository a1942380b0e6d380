// Package strings parses comma-separated lists from the environment and
// query strings.
package strings

import (
	"strings"
)

// SplitList splits each value on commas, trims the parts and drops empty
// entries and repeats. Order of first appearance is kept.
//
//	SplitList("a, b", "b,,c") // []string{"a", "b", "c"}
func SplitList(values ...string) []string {
	return split(values, func(s string) string { return s })
}

// SplitListLower is SplitList with case folded to lower.
func SplitListLower(values ...string) []string {
	return split(values, strings.ToLower)
}

func split(values []string, norm func(string) string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = norm(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}
