package speedfile

import (
	"strings"
)

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

func StringUpTo(delim, base string) string {
	end := strings.Index(base, delim)
	if end >= 0 {
		return base[:end]
	}
	return base
}

// A very slow and memory ineficient way to get the distinct
// set of items from a slice. Order is preserved (first one wins)
func sliceDistinct[T comparable](slice []T) []T {
	set := make(map[T]bool)
	result := make([]T, 0, len(slice))
	for _, item := range slice {
		if !set[item] {
			set[item] = true
			result = append(result, item)
		}
	}
	return result
}
