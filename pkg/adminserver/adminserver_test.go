package adminserver

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/SiteGuard/pkg/apperrors"
	"github.com/supporttools/SiteGuard/pkg/archive"
	"github.com/supporttools/SiteGuard/pkg/backup"
	"github.com/supporttools/SiteGuard/pkg/logging"
	"github.com/supporttools/SiteGuard/pkg/metadata"
	"github.com/supporttools/SiteGuard/pkg/metadata/types"
	"github.com/supporttools/SiteGuard/pkg/restore"
	"github.com/supporttools/SiteGuard/pkg/tasklock"
	"github.com/supporttools/SiteGuard/pkg/tenant"
	"github.com/supporttools/SiteGuard/pkg/upload"
)

type fakeBackups struct {
	sites []int64
	kind  string
	err   error
}

func (f *fakeBackups) CreateBackup(_ context.Context, sites []int64, kind string) (*backup.Outcome, error) {
	f.sites, f.kind = sites, kind
	if f.err != nil {
		return &backup.Outcome{Message: apperrors.Message(f.err)}, f.err
	}
	return &backup.Outcome{Success: true, Message: "Backup created successfully!"}, nil
}

type fakeImports struct {
	file    upload.File
	mode    string
	targets []int64
	body    []byte
}

func (f *fakeImports) Import(_ context.Context, file upload.File, mode string, targets []int64) (*restore.Result, error) {
	f.file, f.mode, f.targets = file, mode, targets
	f.body, _ = os.ReadFile(file.TempPath)
	return &restore.Result{Success: true, Message: "Backup imported successfully!"}, nil
}

type fakePresigner struct{ key string }

func (f *fakePresigner) PresignDownload(_ context.Context, key string, _ time.Duration) (string, error) {
	f.key = key
	return "https://bucket.example.com/" + key + "?sig=1", nil
}

type fixture struct {
	server  *Server
	backups *fakeBackups
	imports *fakeImports
	jobs    *metadata.Store
	lock    *tasklock.Lock
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	jobs, err := metadata.NewStore(filepath.Join(t.TempDir(), metadata.FileName))
	require.NoError(t, err)

	sites := tenant.StaticDirectory{
		{ID: 1, Domain: "example.com", Path: "/"},
		{ID: 2, Domain: "example.com", Path: "/two/"},
	}
	fx := &fixture{
		backups: &fakeBackups{},
		imports: &fakeImports{},
		jobs:    jobs,
		lock:    &tasklock.Lock{},
	}
	fx.server = NewServer(fx.backups, fx.imports,
		archive.NewScanner(t.TempDir(), "6.4.3"),
		tenant.New(sites, tenant.Layout{ContentDir: t.TempDir()}, "wp_"),
		jobs, fx.lock, Options{Token: token, Presigner: &fakePresigner{}}, logging.Discard())
	return fx
}

func (fx *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func multipartRequest(t *testing.T, target string, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		part, err := mw.CreateFormFile("backup_file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestRunBackupHandler(t *testing.T) {
	fx := newFixture(t, "")
	form := url.Values{"sites": {"1,2", "5"}, "type": {"database"}}
	req := httptest.NewRequest(http.MethodPost, "/api/backups/run", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := fx.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])
	assert.Equal(t, []int64{1, 2, 5}, fx.backups.sites)
	assert.Equal(t, "database", fx.backups.kind)
	assert.Equal(t, "", fx.lock.Running())
}

func TestRunBackupHandler_Validation(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		query          string
		err            error
		expectedStatus int
	}{
		{name: "Invalid method", method: http.MethodGet, query: "?type=full", expectedStatus: http.StatusMethodNotAllowed},
		{name: "Invalid site ID", method: http.MethodPost, query: "?sites=abc&type=full", expectedStatus: http.StatusBadRequest},
		{
			name:           "Rejected by manager",
			method:         http.MethodPost,
			query:          "?type=full",
			err:            apperrors.New(apperrors.Validation, "Please select at least one site to backup."),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Job failure",
			method:         http.MethodPost,
			query:          "?sites=1&type=full",
			err:            apperrors.New(apperrors.IO, "Database export failed"),
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, "")
			fx.backups.err = tt.err
			rec := fx.do(httptest.NewRequest(tt.method, "/api/backups/run"+tt.query, nil))
			assert.Equal(t, tt.expectedStatus, rec.Code)
		})
	}
}

func TestRunBackupHandlerConflict(t *testing.T) {
	fx := newFixture(t, "")
	fx.lock.TryLock("import")

	rec := fx.do(httptest.NewRequest(http.MethodPost, "/api/backups/run?sites=1&type=full", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Another task is already running: import", decode(t, rec)["message"])
	assert.Nil(t, fx.backups.sites)
}

func TestAuthorization(t *testing.T) {
	fx := newFixture(t, "s3cret")

	rec := fx.do(httptest.NewRequest(http.MethodPost, "/api/backups/run?sites=1&type=full", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Nil(t, fx.backups.sites)

	req := httptest.NewRequest(http.MethodGet, "/api/sites", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusForbidden, fx.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sites", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, fx.do(req).Code)

	assert.Equal(t, http.StatusOK, fx.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}

func TestListSitesExcludesPrimary(t *testing.T) {
	fx := newFixture(t, "")
	rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/sites", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, float64(1), body["count"])
	site := body["sites"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, float64(2), site["id"])
}

func TestListBackupsAndImports(t *testing.T) {
	fx := newFixture(t, "")
	_, err := fx.jobs.CreateBackupJob([]int64{1}, "full", "backup_full.zip")
	require.NoError(t, err)

	rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/backups", nil))
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = fx.do(httptest.NewRequest(http.MethodGet, "/api/imports", nil))
	assert.Equal(t, float64(0), decode(t, rec)["count"])
}

func TestScanHandler(t *testing.T) {
	fx := newFixture(t, "")
	content := zipBytes(t, map[string]string{
		"manifest.json":          `{"backup_type":"database","sites_count":1,"platform_version":"6.4.3"}`,
		"database/main_site.sql": "SELECT 1;",
	})

	rec := fx.do(multipartRequest(t, "/api/backups/scan", nil, "backup.zip", content))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["format_valid"])
	assert.Equal(t, "database", body["backup_type"])
	assert.Equal(t, "backup.zip", body["filename"])
}

func TestScanHandlerRejectsNonZip(t *testing.T) {
	fx := newFixture(t, "")
	rec := fx.do(multipartRequest(t, "/api/backups/scan", nil, "backup.tar", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid file type. Please upload a ZIP file.", decode(t, rec)["message"])

	rec = fx.do(multipartRequest(t, "/api/backups/scan", nil, "", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunImportHandler(t *testing.T) {
	fx := newFixture(t, "")
	fields := map[string]string{
		"import_mode":  "replace",
		"target_sites": `[2, {"id": 3}]`,
	}
	rec := fx.do(multipartRequest(t, "/api/imports/run", fields, "backup_full.zip", []byte("PK")))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "replace", fx.imports.mode)
	assert.Equal(t, []int64{2, 3}, fx.imports.targets)
	assert.Equal(t, "backup_full.zip", fx.imports.file.Name)
	assert.Equal(t, int64(2), fx.imports.file.Size)
	assert.Equal(t, []byte("PK"), fx.imports.body)
	assert.NoFileExists(t, fx.imports.file.TempPath)
}

func TestRunImportHandlerBadTargets(t *testing.T) {
	fx := newFixture(t, "")
	fields := map[string]string{"import_mode": "merge", "target_sites": `[{"name":"x"}]`}
	rec := fx.do(multipartRequest(t, "/api/imports/run", fields, "backup.zip", []byte("PK")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, fx.imports.targets)
}

func TestParseTargetSites(t *testing.T) {
	ids, err := parseTargetSites("")
	require.NoError(t, err)
	assert.Nil(t, ids)

	ids, err = parseTargetSites(`[4,{"id":5,"name":"five"}]`)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, ids)

	_, err = parseTargetSites(`{"id":5}`)
	assert.True(t, apperrors.Is(err, apperrors.Validation))
}

func TestDownloadHandler(t *testing.T) {
	fx := newFixture(t, "")

	archivePath := filepath.Join(t.TempDir(), "backup_full.zip")
	require.NoError(t, os.WriteFile(archivePath, []byte("zipdata"), 0644))
	local, err := fx.jobs.CreateBackupJob([]int64{1}, "full", "backup_full.zip")
	require.NoError(t, err)
	require.NoError(t, fx.jobs.CompleteBackupJob(local.ID, 7, archivePath))

	rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/backups/download?id="+local.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "zipdata", rec.Body.String())

	remote, err := fx.jobs.CreateBackupJob([]int64{1}, "full", "backup_remote.zip")
	require.NoError(t, err)
	require.NoError(t, fx.jobs.CompleteBackupJob(remote.ID, 7, filepath.Join(t.TempDir(), "gone.zip")))
	require.NoError(t, fx.jobs.UpdateS3UploadStatus(remote.ID, types.UploadSuccess, "sites/backup_remote.zip", ""))

	rec = fx.do(httptest.NewRequest(http.MethodGet, "/api/backups/download?id="+remote.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec)["url"], "sites/backup_remote.zip")

	rec = fx.do(httptest.NewRequest(http.MethodGet, "/api/backups/download?id=missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(apperrors.New(apperrors.Format, "x")))
	assert.Equal(t, http.StatusForbidden, statusFor(apperrors.New(apperrors.Permission, "x")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(apperrors.New(apperrors.Archive, "x")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(os.ErrNotExist))
}
