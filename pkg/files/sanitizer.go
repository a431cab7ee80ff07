package files

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// RedactionMarker replaces every guarded secret value
const RedactionMarker = "***REMOVED***"

// SecretKeys are the config constants whose values never leave the host
var SecretKeys = []string{
	"DB_PASSWORD",
	"AUTH_KEY",
	"SECURE_AUTH_KEY",
	"LOGGED_IN_KEY",
	"NONCE_KEY",
	"AUTH_SALT",
	"SECURE_AUTH_SALT",
	"LOGGED_IN_SALT",
	"NONCE_SALT",
}

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

// Sanitizer writes a redacted copy of the site bootstrap config
type Sanitizer struct {
	Now        func() time.Time
	redactions []redaction
}

// NewSanitizer compiles the redaction list
func NewSanitizer() *Sanitizer {
	s := &Sanitizer{Now: time.Now}
	for _, key := range SecretKeys {
		s.redactions = append(s.redactions, redaction{
			pattern: regexp.MustCompile(
				`define\s*\(\s*['"]` + key + `['"]\s*,\s*(?:'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*")\s*\)\s*;`),
			replacement: fmt.Sprintf("define('%s', '%s');", key, RedactionMarker),
		})
	}
	return s
}

// Redact applies every substitution in order and inserts the provenance notice
func (s *Sanitizer) Redact(content string) string {
	for _, r := range s.redactions {
		content = r.pattern.ReplaceAllLiteralString(content, r.replacement)
	}

	notice := "// This is a sanitized backup of wp-config.php\n" +
		"// Sensitive information has been removed for security\n" +
		"// Generated on: " + s.Now().Format("2006-01-02 15:04:05") + "\n"

	if idx := strings.Index(content, "<?php"); idx >= 0 {
		head := content[:idx+len("<?php")]
		return head + "\n" + notice + "\n" + strings.TrimLeft(content[idx+len("<?php"):], "\n")
	}
	return "<?php\n" + notice + "?>\n" + content
}

// Sanitize writes a redacted copy of src to dst. It reports false with no
// error when src does not exist.
func (s *Sanitizer) Sanitize(src, dst string) (bool, error) {
	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to read site config")
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, errors.Wrap(err, "failed to create config backup directory")
	}
	if err := os.WriteFile(dst, []byte(s.Redact(string(data))), 0600); err != nil {
		return false, errors.Wrap(err, "failed to write sanitized config")
	}
	return true, nil
}
