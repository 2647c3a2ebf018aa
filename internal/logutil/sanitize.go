// Package logutil holds helpers for putting file- and user-provided text into
// log lines.
package logutil

import "strings"

// abbrevLimit is the longest string Abbrev returns unchanged.
const abbrevLimit = 48

// SanitizeForLog flattens newlines and tabs to spaces and drops any other
// control characters, so that text read from authorized_keys, known_hosts or
// a request body cannot forge extra log entries.
func SanitizeForLog(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case r < 32 || r == 127:
			return -1
		}
		return r
	}, s)
}

// Abbrev sanitizes s and shortens it to its head and tail when it is longer
// than abbrevLimit. Base64 key blobs are the usual input.
func Abbrev(s string) string {
	s = SanitizeForLog(s)
	if len(s) <= abbrevLimit {
		return s
	}
	half := abbrevLimit/2 - 2
	return s[:half] + "..." + s[len(s)-half:]
}
