package utils

import (
	"regexp"
	"strings"
)

var unsafeRef = regexp.MustCompile(`[^a-zA-Z0-9._/-]+`)

// SanitizeIdentifier makes an identifier safe for filesystem paths.
func SanitizeIdentifier(id string) string {
	sanitized := strings.ReplaceAll(id, ":", "-")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")
	return sanitized
}

// SanitizeBranchName turns free text into a valid git branch name fragment.
func SanitizeBranchName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = unsafeRef.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-./")
	for strings.Contains(name, "--") {
		name = strings.ReplaceAll(name, "--", "-")
	}
	if len(name) > 60 {
		name = strings.TrimRight(name[:60], "-./")
	}
	return name
}
