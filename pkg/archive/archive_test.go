package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/SiteGuard/pkg/apperrors"
	"github.com/supporttools/SiteGuard/pkg/upload"
)

func put(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

// writeZip writes entries (name -> content) directly, "" content with a
// trailing slash name meaning a directory
func writeRawZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte(entries[n]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func entryNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names
}

func TestBuildAndInspect(t *testing.T) {
	staging := t.TempDir()
	put(t, staging, "database/main_site.sql", "SELECT 1;")
	put(t, staging, "database/site_3.sql", "SELECT 3;")
	put(t, staging, "database/users.sql", "SELECT 0;")
	put(t, staging, "files/wp-content/themes/twenty/style.css", "body{}")
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "files", "wp-content", "plugins"), 0755))
	require.NoError(t, WriteManifest(staging, &Manifest{
		BackupDate:      "2024-05-01 12:00:00",
		PlatformVersion: "6.4.3",
		SitesIncluded:   SiteIDs{1, 3},
		SitesCount:      2,
		BackupType:      "full",
		FormatVersion:   FormatVersion,
	}))

	out := filepath.Join(t.TempDir(), "backup_full.zip")
	require.NoError(t, os.WriteFile(out, []byte("stale"), 0644))
	require.NoError(t, Build(staging, out))

	names := entryNames(t, out)
	assert.Contains(t, names, "database/")
	assert.Contains(t, names, "database/site_3.sql")
	assert.Contains(t, names, "files/wp-content/plugins/")
	assert.Contains(t, names, "files/wp-content/themes/twenty/style.css")
	assert.Contains(t, names, "manifest.json")

	res, err := NewScanner(t.TempDir(), "6.4.3").Inspect(out, "backup_full.zip", 42)
	require.NoError(t, err)
	assert.True(t, res.FormatValid)
	assert.True(t, res.HasManifest)
	assert.Equal(t, "full", res.BackupType)
	assert.Equal(t, 2, res.SitesCount)
	assert.Equal(t, "2024-05-01 12:00:00", res.BackupDate)
	assert.Equal(t, []string{"main_site.sql", "site_3.sql", "users.sql"}, res.DatabaseFiles)
	assert.Equal(t, []string{
		"Database (3 SQL files: main_site, site_3, users)",
		"Files (themes, plugins, uploads)",
	}, res.Components)
	assert.Empty(t, res.Warnings)
	assert.Empty(t, res.Errors)
}

func TestInspectFilesOnlyWithoutManifest(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.zip")
	writeRawZip(t, p, map[string]string{
		"files/wp-content/uploads/2024/05/a.jpg": "jpg",
	})

	res, err := NewScanner(t.TempDir(), "").Inspect(p, "a.zip", 3)
	require.NoError(t, err)
	assert.True(t, res.FormatValid)
	assert.Equal(t, "files", res.BackupType)
	assert.False(t, res.HasManifest)
	assert.Contains(t, res.Warnings, "No database backup found - site content and settings will not be restored")
	assert.Contains(t, res.Warnings, "Backup metadata not found - this may not be a backup created by this engine")
}

func TestInspectDatabaseOnlyInferred(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.zip")
	writeRawZip(t, p, map[string]string{
		"database/main_site.sql": "x",
		"database/site_5.sql":    "x",
		"database/users.sql":     "x",
		"database/readme.txt":    "x",
	})

	res, err := NewScanner(t.TempDir(), "").Inspect(p, "a.zip", 1)
	require.NoError(t, err)
	assert.Equal(t, "database", res.BackupType)
	assert.Equal(t, 2, res.SitesCount)
	assert.Contains(t, res.Warnings, "No files backup found - themes, plugins, and media will not be restored")
}

func TestInspectUnrecognized(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.zip")
	writeRawZip(t, p, map[string]string{"readme.txt": "hello", "database/": ""})

	res, err := NewScanner(t.TempDir(), "").Inspect(p, "a.zip", 5)
	require.NoError(t, err)
	assert.False(t, res.FormatValid)
	assert.Equal(t, "unknown", res.BackupType)
	assert.NotEmpty(t, res.Errors)
}

func TestInspectLegacyManifest(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.zip")
	writeRawZip(t, p, map[string]string{
		"backup_info.json": `{"backup_date":"2024-01-02 03:04:05","wordpress_version":"6.5.0",` +
			`"sites_included":["1","4"],"backup_type":"database","format_version":"1.0"}`,
		"database/main_site.sql": "x",
	})

	res, err := NewScanner(t.TempDir(), "6.4.3").Inspect(p, "a.zip", 1)
	require.NoError(t, err)
	assert.True(t, res.FormatValid)
	assert.True(t, res.HasManifest)
	assert.Equal(t, "database", res.BackupType)
	assert.Equal(t, "6.5.0", res.PlatformVersion)
	assert.Equal(t, 2, res.SitesCount)
	assert.Contains(t, res.Warnings, "Backup was created with a newer platform version (6.5.0) than current (6.4.3)")
}

func TestInspectNotAZip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.zip")
	require.NoError(t, os.WriteFile(p, []byte("not a zip"), 0644))

	_, err := NewScanner(t.TempDir(), "").Inspect(p, "a.zip", 9)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.Archive))
}

func TestScanRemovesScratchCopy(t *testing.T) {
	work := t.TempDir()
	tmp := filepath.Join(t.TempDir(), "php123")
	writeRawZip(t, tmp, map[string]string{"files/x.txt": "x"})

	res, err := NewScanner(work, "").Scan(upload.File{TempPath: tmp, Name: "backup.zip", Size: 10})
	require.NoError(t, err)
	assert.Equal(t, "files", res.BackupType)
	assert.Equal(t, "backup.zip", res.Filename)

	leftovers, err := os.ReadDir(filepath.Join(work, "scans"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
	assert.NoFileExists(t, tmp)
}

func TestScanRejectsInvalidUploads(t *testing.T) {
	s := NewScanner(t.TempDir(), "")

	_, err := s.Scan(upload.File{TempPath: "/tmp/x", Name: "backup.tar.gz"})
	assert.True(t, apperrors.Is(err, apperrors.Validation))
	assert.Equal(t, "Invalid file type. Please upload a ZIP file.", apperrors.Message(err))

	_, err = s.Scan(upload.File{TempPath: "/tmp/x", Name: "backup.zip", Status: 4})
	assert.True(t, apperrors.Is(err, apperrors.Validation))
}

func TestExtract(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.zip")
	writeRawZip(t, p, map[string]string{
		"database/":              "",
		"database/main_site.sql": "SELECT 1;",
		"files/wp-content/uploads/sites/3/a.txt": "a",
	})

	dest := filepath.Join(t.TempDir(), "extract")
	n, err := Extract(p, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.FileExists(t, filepath.Join(dest, "database", "main_site.sql"))
	assert.FileExists(t, filepath.Join(dest, "files", "wp-content", "uploads", "sites", "3", "a.txt"))
}

func TestExtractRejectsTraversal(t *testing.T) {
	p := filepath.Join(t.TempDir(), "evil.zip")
	writeRawZip(t, p, map[string]string{"../../escape.txt": "x"})

	dest := filepath.Join(t.TempDir(), "extract")
	_, err := Extract(p, dest)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.Archive))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(filepath.Dir(dest)), "escape.txt"))
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("database")
	assert.True(t, ok)
	assert.True(t, k.IncludesDatabase())
	assert.False(t, k.IncludesFiles())

	_, ok = ParseKind("everything")
	assert.False(t, ok)
}

func TestReadArchiveManifest(t *testing.T) {
	dir := t.TempDir()

	both := filepath.Join(dir, "both.zip")
	writeRawZip(t, both, map[string]string{
		"backup_info.json": `{"backup_type":"files"}`,
		"manifest.json":    `{"backup_type":"full","sites_included":[1,2]}`,
	})
	m, err := ReadArchiveManifest(both)
	require.NoError(t, err)
	assert.Equal(t, "full", m.BackupType)
	assert.Equal(t, SiteIDs{1, 2}, m.SitesIncluded)

	legacy := filepath.Join(dir, "legacy.zip")
	writeRawZip(t, legacy, map[string]string{"backup_info.json": `{"backup_type":"files"}`})
	m, err = ReadArchiveManifest(legacy)
	require.NoError(t, err)
	assert.Equal(t, "files", m.BackupType)

	none := filepath.Join(dir, "none.zip")
	writeRawZip(t, none, map[string]string{"database/main_site.sql": "x"})
	_, err = ReadArchiveManifest(none)
	assert.True(t, apperrors.Is(err, apperrors.Format))
}
