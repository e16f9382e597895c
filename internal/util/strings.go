package util

import "strings"

// SafeTruncate returns at most the first maxLen bytes of s. Log lines use it
// to show a short prefix of a code or token hash instead of the full value.
// A negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	switch {
	case maxLen <= 0:
		return ""
	case len(s) > maxLen:
		return s[:maxLen]
	}
	return s
}

// NormalizeURL strips trailing slashes so endpoint URLs built as
// issuer+path never contain "//".
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
