// Package adminserver provides the HTTP admin API for SiteGuard.
package adminserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/SiteGuard/pkg/apperrors"
	"github.com/supporttools/SiteGuard/pkg/archive"
	"github.com/supporttools/SiteGuard/pkg/backup"
	"github.com/supporttools/SiteGuard/pkg/metadata/types"
	"github.com/supporttools/SiteGuard/pkg/restore"
	"github.com/supporttools/SiteGuard/pkg/tasklock"
	"github.com/supporttools/SiteGuard/pkg/tenant"
	"github.com/supporttools/SiteGuard/pkg/upload"
)

const (
	maxMemory      = 32 << 20
	downloadExpiry = 15 * time.Minute
)

// BackupRunner creates backups
type BackupRunner interface {
	CreateBackup(ctx context.Context, sites []int64, kind string) (*backup.Outcome, error)
}

// Importer restores uploaded archives
type Importer interface {
	Import(ctx context.Context, f upload.File, mode string, targets []int64) (*restore.Result, error)
}

// Presigner issues temporary download links for off-site archives
type Presigner interface {
	PresignDownload(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// Options configure a Server
type Options struct {
	Port  string
	Token string
	// Presigner is optional
	Presigner Presigner
}

// Server represents the admin HTTP server
type Server struct {
	httpServer *http.Server
	backups    BackupRunner
	imports    Importer
	scanner    *archive.Scanner
	tenants    *tenant.Context
	jobs       types.JobStore
	lock       *tasklock.Lock
	opts       Options
	log        logrus.FieldLogger
}

// NewServer creates a new admin server instance
func NewServer(backups BackupRunner, imports Importer, scanner *archive.Scanner, tenants *tenant.Context,
	jobs types.JobStore, lock *tasklock.Lock, opts Options, log logrus.FieldLogger) *Server {
	return &Server{
		backups: backups,
		imports: imports,
		scanner: scanner,
		tenants: tenants,
		jobs:    jobs,
		lock:    lock,
		opts:    opts,
		log:     log,
	}
}

// Start starts the admin HTTP server
func (s *Server) Start() *http.Server {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		s.log.WithField("port", s.opts.Port).Info("Admin server running")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	return s.httpServer
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthCheckHandler)

	mux.HandleFunc("/api/sites", s.authorized(s.listSitesHandler))
	mux.HandleFunc("/api/backups", s.authorized(s.listBackupsHandler))
	mux.HandleFunc("/api/backups/run", s.authorized(s.runBackupHandler))
	mux.HandleFunc("/api/backups/scan", s.authorized(s.scanHandler))
	mux.HandleFunc("/api/backups/download", s.authorized(s.downloadHandler))
	mux.HandleFunc("/api/imports", s.authorized(s.listImportsHandler))
	mux.HandleFunc("/api/imports/run", s.authorized(s.runImportHandler))

	return s.logRequestMiddleware(mux)
}

// healthCheckHandler returns a simple health status
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) listSitesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sites, err := s.tenants.ImportTargets(r.Context())
	if err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.IO, err, "Failed to list sites"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sites": sites,
		"count": len(sites),
	})
}

func (s *Server) listBackupsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	backups := s.jobs.GetBackupJobs()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"backups": backups,
		"count":   len(backups),
	})
}

func (s *Server) listImportsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	imports := s.jobs.GetImportJobs()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"imports": imports,
		"count":   len(imports),
	})
}

// runBackupHandler runs a backup and reports its outcome
func (s *Server) runBackupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.Validation, err, "Invalid request"))
		return
	}

	sites, err := parseSiteList(r.Form["sites"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	if running, ok := s.lock.TryLock("backup"); !ok {
		s.writeBusy(w, running)
		return
	}
	defer s.lock.Unlock()

	outcome, err := s.backups.CreateBackup(r.Context(), sites, r.Form.Get("type"))
	if err != nil {
		s.writeJSON(w, statusFor(err), outcome)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

// scanHandler inspects an uploaded archive without restoring it
func (s *Server) scanHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f, cleanup, err := s.receiveUpload(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cleanup()

	result, err := s.scanner.Scan(f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// runImportHandler restores an uploaded archive into the chosen sites
func (s *Server) runImportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f, cleanup, err := s.receiveUpload(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cleanup()

	targets, err := parseTargetSites(r.FormValue("target_sites"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if running, ok := s.lock.TryLock("import"); !ok {
		s.writeBusy(w, running)
		return
	}
	defer s.lock.Unlock()

	result, err := s.imports.Import(r.Context(), f, r.FormValue("import_mode"), targets)
	if err != nil {
		s.writeJSON(w, statusFor(err), result)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// downloadHandler serves a local archive or redirects to a presigned S3 link
func (s *Server) downloadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	job, ok := s.jobs.GetBackupJob(id)
	if id == "" || !ok {
		http.Error(w, "Backup not found", http.StatusNotFound)
		return
	}

	if !job.LocalDeleted && job.Path != "" {
		if _, err := os.Stat(job.Path); err == nil {
			w.Header().Set("Content-Type", "application/zip")
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.Filename))
			http.ServeFile(w, r, job.Path)
			return
		}
	}

	if job.S3Key != "" && s.opts.Presigner != nil {
		url, err := s.opts.Presigner.PresignDownload(r.Context(), job.S3Key, downloadExpiry)
		if err != nil {
			s.log.WithError(err).WithField("key", job.S3Key).Error("Failed to presign download")
			http.Error(w, "Failed to generate download link", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{
			"url":        url,
			"expires_in": downloadExpiry.String(),
			"filename":   job.Filename,
		})
		return
	}

	http.Error(w, "Backup archive is no longer available", http.StatusGone)
}

// receiveUpload stores the backup_file part in a temporary file. The cleanup
// func removes it unless it was moved away.
func (s *Server) receiveUpload(r *http.Request) (upload.File, func(), error) {
	noop := func() {}
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return upload.File{}, noop, apperrors.Wrap(apperrors.Validation, err, "No backup file uploaded or upload error occurred.")
	}
	part, header, err := r.FormFile("backup_file")
	if err != nil {
		return upload.File{}, noop, apperrors.Wrap(apperrors.Validation, err, "No backup file uploaded or upload error occurred.")
	}
	defer part.Close()

	tmp, err := os.CreateTemp("", "siteguard-upload-*")
	if err != nil {
		return upload.File{}, noop, apperrors.Wrap(apperrors.IO, err, "Failed to store uploaded file")
	}
	cleanup := func() {
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).Warn("Failed to remove temporary upload")
		}
	}
	n, err := io.Copy(tmp, part)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return upload.File{}, noop, apperrors.Wrap(apperrors.IO, err, "Failed to store uploaded file")
	}

	return upload.File{TempPath: tmp.Name(), Name: header.Filename, Size: n, Status: upload.StatusOK}, cleanup, nil
}

// parseSiteList accepts repeated values and comma-separated lists
func parseSiteList(values []string) ([]int64, error) {
	var ids []int64
	for _, v := range values {
		for _, field := range strings.Split(v, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			id, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return nil, apperrors.New(apperrors.Validation, fmt.Sprintf("Invalid site ID: %s", field))
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// parseTargetSites decodes a JSON array whose items are site IDs or objects
// carrying an id field
func parseTargetSites(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	invalid := apperrors.New(apperrors.Validation, "Invalid target sites.")

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, invalid
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		var id int64
		if err := json.Unmarshal(item, &id); err == nil {
			ids = append(ids, id)
			continue
		}
		var obj struct {
			ID *int64 `json:"id"`
		}
		if err := json.Unmarshal(item, &obj); err != nil || obj.ID == nil {
			return nil, invalid
		}
		ids = append(ids, *obj.ID)
	}
	return ids, nil
}

// authorized rejects requests without the admin token when one is configured
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Token)) != 1 {
				s.writeError(w, apperrors.New(apperrors.Permission, "You do not have permission to perform this action."))
				return
			}
		}
		next(w, r)
	}
}

// statusFor maps an error kind to an HTTP status
func statusFor(err error) int {
	kind, _ := apperrors.KindOf(err)
	switch kind {
	case apperrors.Validation, apperrors.Format:
		return http.StatusBadRequest
	case apperrors.Permission:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), map[string]interface{}{
		"success": false,
		"message": apperrors.Message(err),
	})
}

func (s *Server) writeBusy(w http.ResponseWriter, running string) {
	s.writeJSON(w, http.StatusConflict, map[string]interface{}{
		"success": false,
		"message": fmt.Sprintf("Another task is already running: %s", running),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("Error encoding response")
	}
}

// logRequestMiddleware logs HTTP requests
func (s *Server) logRequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
		}).Debug("HTTP request")
		next.ServeHTTP(w, r)
	})
}
