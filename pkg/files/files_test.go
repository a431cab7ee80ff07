package files

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", size)), 0644))
}

func TestCopyTreeFilters(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")

	writeFile(t, filepath.Join(src, "theme", "style.css"), 10)
	writeFile(t, filepath.Join(src, "theme", "debug.LOG"), 10)
	writeFile(t, filepath.Join(src, "cache", "page.cache"), 10)
	writeFile(t, filepath.Join(src, "big.zip"), 101)
	writeFile(t, filepath.Join(src, "exact.bin"), 100)
	require.NoError(t, os.MkdirAll(filepath.Join(src, "empty"), 0755))

	c := NewCopier(100, DefaultSkipExtensions)
	n, err := c.CopyTree(src, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(110), n)

	assert.FileExists(t, filepath.Join(dst, "theme", "style.css"))
	assert.FileExists(t, filepath.Join(dst, "exact.bin"))
	assert.DirExists(t, filepath.Join(dst, "empty"))
	assert.DirExists(t, filepath.Join(dst, "cache"))
	assert.NoFileExists(t, filepath.Join(dst, "theme", "debug.LOG"))
	assert.NoFileExists(t, filepath.Join(dst, "cache", "page.cache"))
	assert.NoFileExists(t, filepath.Join(dst, "big.zip"))
}

func TestCopyTreeIdempotent(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "a"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "f.txt"), []byte("hello"), 0644))

	c := NewCopier(0, nil)
	first, err := c.CopyTree(src, dst)
	require.NoError(t, err)
	second, err := c.CopyTree(src, dst)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	data, err := os.ReadFile(filepath.Join(dst, "a", "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestCopyTreeOverwritesLongerFile(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f.txt"), []byte("new"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "f.txt"), []byte("much older content"), 0644))

	_, err := NewCopier(0, nil).CopyTree(src, dst)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dst, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestCopyTreeExcept(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")

	writeFile(t, filepath.Join(src, "2024", "05", "a.jpg"), 4)
	writeFile(t, filepath.Join(src, "sites", "3", "b.jpg"), 4)
	writeFile(t, filepath.Join(src, "2024", "sites", "c.jpg"), 4)

	n, err := NewCopier(0, nil).CopyTreeExcept(src, dst, "sites")
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	assert.FileExists(t, filepath.Join(dst, "2024", "05", "a.jpg"))
	assert.FileExists(t, filepath.Join(dst, "2024", "sites", "c.jpg"))
	assert.NoDirExists(t, filepath.Join(dst, "sites"))
}

func TestCopyTreeMissingSource(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "never")
	n, err := NewCopier(0, nil).CopyTree(filepath.Join(t.TempDir(), "missing"), dst)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoDirExists(t, dst)
}

func TestCopyTreeSkipsSymlinks(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "real.txt"), []byte("data"), 0644))
	if err := os.Symlink(filepath.Join(src, "real.txt"), filepath.Join(src, "link.txt")); err != nil {
		t.Skip("symlinks not supported")
	}

	n, err := NewCopier(0, nil).CopyTree(src, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoFileExists(t, filepath.Join(dst, "link.txt"))
}

const sampleConfig = `<?php
define( 'DB_NAME', 'network' );
define( 'DB_PASSWORD', 's3cr3t-pa55' );
define("AUTH_KEY", "k3y with \"quote\" inside");
define('SECURE_AUTH_KEY',  'v2');
define('LOGGED_IN_KEY', 'v3');
define('NONCE_KEY', 'v4');
define('AUTH_SALT', 'v5\'s');
define('SECURE_AUTH_SALT', 'v6');
define('LOGGED_IN_SALT', 'v7');
define('NONCE_SALT', 'v8');
define('MULTISITE', true);
$table_prefix = 'wp_';
`

func TestSanitize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "wp-config.php")
	dst := filepath.Join(dir, "staging", "files", "wp-config-backup.php")
	require.NoError(t, os.WriteFile(src, []byte(sampleConfig), 0644))

	s := NewSanitizer()
	s.Now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }

	ok, err := s.Sanitize(src, dst)
	require.NoError(t, err)
	require.True(t, ok)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	out := string(data)

	for _, secret := range []string{"s3cr3t-pa55", "k3y with", "'v2'", "'v3'", "'v4'", "v5", "'v6'", "'v7'", "'v8'"} {
		assert.NotContains(t, out, secret)
	}
	for _, key := range SecretKeys {
		assert.Contains(t, out, "define('"+key+"', '***REMOVED***');")
	}
	assert.True(t, strings.HasPrefix(out, "<?php\n// This is a sanitized backup of wp-config.php\n"))
	assert.Contains(t, out, "// Generated on: 2024-05-01 09:30:00")
	assert.Contains(t, out, "define( 'DB_NAME', 'network' );")
	assert.Contains(t, out, "define('MULTISITE', true);")
	assert.Equal(t, 1, strings.Count(out, "<?php"))
}

func TestSanitizeWithoutOpenTag(t *testing.T) {
	s := NewSanitizer()
	out := s.Redact("define('DB_PASSWORD', 'x');\n")
	assert.True(t, strings.HasPrefix(out, "<?php\n// This is a sanitized backup"))
	assert.Contains(t, out, "?>\ndefine('DB_PASSWORD', '***REMOVED***');")
}

func TestSanitizeMissingSource(t *testing.T) {
	dir := t.TempDir()
	ok, err := NewSanitizer().Sanitize(filepath.Join(dir, "nope.php"), filepath.Join(dir, "out.php"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(dir, "out.php"))
}
