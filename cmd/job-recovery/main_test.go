package main

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/SiteGuard/pkg/logging"
	"github.com/supporttools/SiteGuard/pkg/metadata"
	"github.com/supporttools/SiteGuard/pkg/metadata/types"
)

type fakeS3 struct {
	s3iface.S3API
	objects map[string][]byte
}

func (f *fakeS3) ListObjectsV2Pages(in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool) error {
	page := &s3.ListObjectsV2Output{}
	for key, body := range f.objects {
		page.Contents = append(page.Contents, &s3.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(body))),
			LastModified: aws.Time(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
		})
	}
	fn(page, true)
	return nil
}

func (f *fakeS3) GetObject(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.objects[aws.StringValue(in.Key)]))}, nil
}

func archiveBytes(t *testing.T, manifest string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("manifest.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(manifest))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestParseArchiveName(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		shouldMatch bool
		kind        string
	}{
		{name: "Full backup", filename: "backup_full_2024-05-01_12-30-00.zip", shouldMatch: true, kind: "full"},
		{name: "Database backup", filename: "backup_database_2024-05-01_12-30-00.zip", shouldMatch: true, kind: "database"},
		{name: "Files backup", filename: "backup_files_2024-05-01_12-30-00.zip", shouldMatch: true, kind: "files"},
		{name: "Suffixed archive", filename: "backup_full_2024-05-01_12-30-00_0a1b2c3d.zip", shouldMatch: true, kind: "full"},
		{name: "Malformed suffix", filename: "backup_full_2024-05-01_12-30-00_copy.zip", shouldMatch: false},
		{name: "Unknown kind", filename: "backup_users_2024-05-01_12-30-00.zip", shouldMatch: false},
		{name: "Wrong extension", filename: "backup_full_2024-05-01_12-30-00.tar", shouldMatch: false},
		{name: "Wrong timestamp", filename: "backup_full_20240501.zip", shouldMatch: false},
		{name: "Job file", filename: "jobs.json", shouldMatch: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, at, ok := parseArchiveName(tt.filename)
			assert.Equal(t, tt.shouldMatch, ok)
			if tt.shouldMatch {
				assert.Equal(t, tt.kind, kind)
				assert.Equal(t, 12, at.Hour())
				assert.Equal(t, 30, at.Minute())
			}
		})
	}
}

func TestScanLocalStorage(t *testing.T) {
	dir := t.TempDir()
	name := "backup_database_2024-05-01_12-30-00.zip"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name),
		archiveBytes(t, `{"backup_type":"database","sites_included":[1,3]}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jobs.json"), []byte("{}"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "backup_full_2024-05-01_12-30-00.zip"), 0755))

	found, err := scanLocalStorage(dir, logging.Discard())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, name, found[0].Filename)
	assert.Equal(t, "recovered_backup_database_2024-05-01_12-30-00", found[0].ID())
	require.NotNil(t, found[0].Manifest)
	assert.Equal(t, []int64{1, 3}, []int64(found[0].Manifest.SitesIncluded))
}

func TestScanS3Storage(t *testing.T) {
	svc := &fakeS3{objects: map[string][]byte{
		"sites/backup_full_2024-05-01_12-30-00.zip": archiveBytes(t, `{"backup_type":"full","sites_included":[1]}`),
		"sites/notes.txt": []byte("x"),
	}}

	found, err := scanS3Storage(svc, "bucket", "sites", t.TempDir(), logging.Discard())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "sites/backup_full_2024-05-01_12-30-00.zip", found[0].S3Key)
	assert.Equal(t, "", found[0].Path)
	require.NotNil(t, found[0].Manifest)
	assert.Equal(t, "full", found[0].Manifest.BackupType)
}

func TestScanLocalStorageKeepsSameSecondArchives(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"backup_full_2024-05-01_12-30-00_0a1b2c3d.zip",
		"backup_full_2024-05-01_12-30-00_9f8e7d6c.zip",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name),
			archiveBytes(t, `{"backup_type":"full","sites_included":[1]}`), 0644))
	}

	found, err := scanLocalStorage(dir, logging.Discard())
	require.NoError(t, err)
	merged := reconcileArchives(found)
	require.Len(t, merged, 2)
	assert.NotEqual(t, merged[0].ID(), merged[1].ID())
}

func TestReconcileArchives(t *testing.T) {
	stamp := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	name := "backup_full_2024-05-01_12-30-00.zip"
	merged := reconcileArchives([]RecoveredArchive{
		{Filename: name, S3Key: "sites/" + name, Stamp: stamp, Size: 10},
		{Filename: name, Path: "/backups/" + name, Stamp: stamp, Size: 12},
		{Filename: "backup_files_2024-04-01_00-00-00.zip", Path: "/backups/old.zip", Stamp: stamp.AddDate(0, -1, 0)},
	})

	require.Len(t, merged, 2)
	assert.Equal(t, "backup_files_2024-04-01_00-00-00.zip", merged[0].Filename)
	assert.Equal(t, "/backups/"+name, merged[1].Path)
	assert.Equal(t, "sites/"+name, merged[1].S3Key)
	assert.Equal(t, int64(12), merged[1].Size)
}

func TestToJobS3Only(t *testing.T) {
	job := toJob(RecoveredArchive{
		Filename: "backup_files_2024-05-01_12-30-00.zip",
		S3Key:    "k",
		Kind:     "files",
		Stamp:    time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
	})
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.True(t, job.LocalDeleted)
	assert.Equal(t, types.UploadSuccess, job.S3UploadStatus)
	assert.Equal(t, "files", job.Kind)
}

func TestRecoverJobsIsIdempotent(t *testing.T) {
	store, err := metadata.NewStore(filepath.Join(t.TempDir(), metadata.FileName))
	require.NoError(t, err)

	found := []RecoveredArchive{{
		Filename: "backup_full_2024-05-01_12-30-00.zip",
		Path:     "/backups/backup_full_2024-05-01_12-30-00.zip",
		Kind:     "full",
		Size:     2048,
		Stamp:    time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
	}}

	added, skipped, _, err := recoverJobs(store, found, true, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Zero(t, skipped)
	assert.Empty(t, store.GetBackupJobs())

	added, _, size, err := recoverJobs(store, found, false, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, int64(2048), size)

	added, skipped, _, err = recoverJobs(store, found, false, logging.Discard())
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, 1, skipped)

	job, ok := store.GetBackupJob("recovered_backup_full_2024-05-01_12-30-00")
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, job.Status)
}
