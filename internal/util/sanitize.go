package util

import (
	"regexp"
	"strings"
)

var controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]+`)

// SanitizeForLog removes control characters and newlines from user content before logging.
func SanitizeForLog(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	return controlChars.ReplaceAllString(s, " ")
}

// Excerpt sanitizes s and cuts it to at most n bytes, marking the cut with "...".
func Excerpt(s string, n int) string {
	s = SanitizeForLog(s)
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
