package util

import "sort"

func StringInSlice(s []string, e string) bool {
	for _, v := range s {
		if v == e {
			return true
		}
	}
	return false
}

// UniqueSortedStrings returns the sorted set of the non empty strings in s
func UniqueSortedStrings(s []string) []string {
	set := make(map[string]struct{}, len(s))
	for _, v := range s {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
