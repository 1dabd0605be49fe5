package util

import (
	"regexp"
	"strings"
)

var controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]+`)

// maxLogField bounds device-supplied identifiers written to logs.
const maxLogField = 128

// SanitizeForLog removes control characters and newlines from device or
// user supplied content before it is logged.
func SanitizeForLog(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return controlChars.ReplaceAllString(s, " ")
}

// LogField sanitizes s and truncates it so a hostile device_id cannot flood
// log lines.
func LogField(s string) string {
	s = SanitizeForLog(s)
	if len(s) > maxLogField {
		return s[:maxLogField] + "..."
	}
	return s
}
