// Package platform reads facts about the installed site platform.
package platform

import (
	"os"
	"regexp"
)

var versionPattern = regexp.MustCompile(`\$wp_version\s*=\s*['"]([^'"]+)['"]\s*;`)

// DetectVersion reads the platform version from the version file at path.
// It returns fallback when the file is missing or has no version assignment.
func DetectVersion(path, fallback string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	m := versionPattern.FindSubmatch(data)
	if m == nil {
		return fallback
	}
	return string(m[1])
}
