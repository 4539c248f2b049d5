package helpers

import "unicode/utf8"

// Truncate returns s cut to at most limit runes. When s is cut, marker is
// appended after the kept prefix. A non-positive limit returns s unchanged.
func Truncate(s string, limit int, marker string) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + marker
		}
		n++
	}
	return s
}

// Excerpt is Truncate without a marker.
func Excerpt(s string, limit int) string {
	return Truncate(s, limit, "")
}
