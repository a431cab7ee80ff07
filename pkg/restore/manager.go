package restore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/SiteGuard/pkg/apperrors"
	"github.com/supporttools/SiteGuard/pkg/archive"
	"github.com/supporttools/SiteGuard/pkg/config"
	"github.com/supporttools/SiteGuard/pkg/files"
	"github.com/supporttools/SiteGuard/pkg/metadata/types"
	"github.com/supporttools/SiteGuard/pkg/metrics"
	"github.com/supporttools/SiteGuard/pkg/platform"
	"github.com/supporttools/SiteGuard/pkg/saga"
	"github.com/supporttools/SiteGuard/pkg/tenant"
	"github.com/supporttools/SiteGuard/pkg/upload"
)

// ErrNotSupported is returned by restore steps that are declared but inert
var ErrNotSupported = errors.New("not supported")

// Result is the operator-facing result of an import
type Result struct {
	Success     bool     `json:"success"`
	Message     string   `json:"message"`
	JobID       string   `json:"job_id,omitempty"`
	Statements  int      `json:"statements"`
	BytesCopied int64    `json:"bytes_copied"`
	Unsupported []string `json:"unsupported,omitempty"`
}

// Manager restores uploaded archives
type Manager struct {
	tenants  *tenant.Context
	jobs     types.JobStore
	restorer *DatabaseRestorer
	copier   *files.Copier
	scanner  *archive.Scanner
	workDir  string
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewManager creates a restore manager from configuration
func NewManager(cfg *config.AppConfig, tenants *tenant.Context, jobs types.JobStore, db *sql.DB, log logrus.FieldLogger) *Manager {
	running := platform.DetectVersion(cfg.Site.VersionFile, cfg.Site.Version)
	return &Manager{
		tenants:  tenants,
		jobs:     jobs,
		restorer: NewDatabaseRestorer(db, log),
		copier:   files.NewCopier(cfg.Copy.MaxFileSize, cfg.Copy.SkipExtensions),
		scanner:  archive.NewScanner(cfg.Local.WorkDirectory, running),
		workDir:  cfg.Local.WorkDirectory,
		log:      log,
		now:      time.Now,
	}
}

// Scanner returns the scanner used for pre-flight checks
func (m *Manager) Scanner() *archive.Scanner {
	return m.scanner
}

// ResolveTargets validates the requested target sites. An empty list means
// the primary site when the network has no other sites.
func (m *Manager) ResolveTargets(ctx context.Context, targets []int64) ([]tenant.Tenant, error) {
	if len(targets) == 0 {
		others, err := m.tenants.ImportTargets(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.IO, err, "Failed to list sites")
		}
		if len(others) > 0 {
			return nil, apperrors.New(apperrors.Validation, "Please select at least one target site for import.")
		}
		targets = []int64{tenant.PrimaryID}
	}

	resolved, err := m.tenants.Resolve(ctx, targets)
	if err != nil {
		var unknown tenant.ErrUnknownTenant
		if errors.As(err, &unknown) {
			return nil, apperrors.New(apperrors.Validation, fmt.Sprintf("Site %d does not exist.", unknown.ID))
		}
		return nil, apperrors.Wrap(apperrors.IO, err, "Failed to list sites")
	}
	return resolved, nil
}

// Import restores an uploaded archive. The result is always set. The error
// carries the classified cause.
func (m *Manager) Import(ctx context.Context, f upload.File, modeName string, targets []int64) (*Result, error) {
	if err := f.Validate(); err != nil {
		return &Result{Message: apperrors.Message(err)}, err
	}
	mode, ok := ParseMode(modeName)
	if !ok {
		err := apperrors.New(apperrors.Validation, "Invalid import mode. Choose merge or replace.")
		return &Result{Message: apperrors.Message(err)}, err
	}
	sites, err := m.ResolveTargets(ctx, targets)
	if err != nil {
		return &Result{Message: apperrors.Message(err)}, err
	}
	ids := make([]int64, len(sites))
	for i, s := range sites {
		ids[i] = s.ID
	}

	stamp := fmt.Sprintf("%s_%s", m.now().Format("2006-01-02_15-04-05"), uuid.NewString()[:8])
	importDir := filepath.Join(m.workDir, "imports")
	importPath := filepath.Join(importDir, "import_"+stamp+".zip")
	extractDir := filepath.Join(importDir, "extract_"+stamp)
	log := m.log.WithFields(logrus.Fields{"file": f.Name, "mode": mode, "targets": ids})

	result := &Result{}
	var job *types.ImportJob
	defer func() {
		if err := os.RemoveAll(extractDir); err != nil {
			log.WithError(err).Warn("Failed to remove extraction directory")
		}
	}()

	s := saga.New(log)
	s.Add(saga.Step{
		Name: "move upload",
		Run: func(context.Context) error {
			if err := f.MoveTo(importPath); err != nil {
				return apperrors.Wrap(apperrors.IO, err, "Failed to move uploaded file")
			}
			return nil
		},
		Compensate: func(context.Context, error) error {
			return removeIfExists(importPath)
		},
	})
	s.Add(saga.Step{
		Name: "scan archive",
		Run: func(context.Context) error {
			scan, err := m.scanner.Inspect(importPath, f.Name, f.Size)
			if err != nil {
				return err
			}
			if !scan.FormatValid {
				return apperrors.New(apperrors.Format, "The uploaded file is not a recognized backup archive.")
			}
			return nil
		},
	})
	s.Add(saga.Step{
		Name: "create job",
		Run: func(context.Context) error {
			j, err := m.jobs.CreateImportJob(f.Name, string(mode), ids)
			if err != nil {
				return apperrors.Wrap(apperrors.IO, err, "Failed to record import job")
			}
			job = j
			result.JobID = j.ID
			return nil
		},
		Compensate: func(_ context.Context, cause error) error {
			return m.jobs.FailImportJob(job.ID, apperrors.Message(cause))
		},
	})
	s.Add(saga.Step{
		Name: "extract archive",
		Run: func(context.Context) error {
			n, err := archive.Extract(importPath, extractDir)
			if err != nil {
				return err
			}
			log.WithField("files", n).Debug("Extracted archive")
			return nil
		},
	})
	s.Add(saga.Step{
		Name: "import database",
		Run: func(ctx context.Context) error {
			n, err := m.importDatabase(ctx, extractDir, mode)
			result.Statements = n
			return err
		},
	})
	s.Add(saga.Step{
		Name: "import files",
		Run: func(context.Context) error {
			n, err := m.importFiles(extractDir)
			result.BytesCopied = n
			if err != nil {
				return apperrors.Wrap(apperrors.IO, err, "Failed to copy site files")
			}
			return nil
		},
	})
	s.Add(saga.Step{
		Name: "import users and settings",
		Run: func(ctx context.Context) error {
			for name, step := range map[string]func(context.Context, string, Mode) error{
				"users":    importUsers,
				"settings": importSettings,
			} {
				if err := step(ctx, extractDir, mode); err != nil {
					if errors.Is(err, ErrNotSupported) {
						result.Unsupported = append(result.Unsupported, name)
						continue
					}
					return err
				}
			}
			sort.Strings(result.Unsupported)
			return nil
		},
	})
	s.Add(saga.Step{
		Name: "complete job",
		Run: func(context.Context) error {
			if err := removeIfExists(importPath); err != nil {
				return apperrors.Wrap(apperrors.IO, err, "Failed to remove uploaded file")
			}
			if err := m.jobs.CompleteImportJob(job.ID, result.Unsupported); err != nil {
				return apperrors.Wrap(apperrors.IO, err, "Failed to record import job")
			}
			return nil
		},
	})

	if err := s.Run(ctx); err != nil {
		metrics.ImportCount.WithLabelValues(string(mode), "error").Inc()
		log.WithError(err).Error("Import failed")
		result.Message = "Import failed: " + apperrors.Message(err)
		return result, err
	}

	metrics.ImportCount.WithLabelValues(string(mode), "success").Inc()
	log.WithFields(logrus.Fields{
		"statements": result.Statements,
		"copied":     humanize.Bytes(uint64(result.BytesCopied)),
	}).Info("Import completed")

	result.Success = true
	result.Message = fmt.Sprintf("Backup imported successfully! Database and files have been imported to %d site(s).", len(ids))
	if len(result.Unsupported) > 0 {
		result.Message += fmt.Sprintf(" Not restored (unsupported): %s.", strings.Join(result.Unsupported, ", "))
	}
	return result, nil
}

// importDatabase replays every database/*.sql file in name order
func (m *Manager) importDatabase(ctx context.Context, extractDir string, mode Mode) (int, error) {
	sqlFiles, err := filepath.Glob(filepath.Join(extractDir, "database", "*.sql"))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.IO, err, "Failed to list SQL files")
	}
	sort.Strings(sqlFiles)

	total := 0
	for _, p := range sqlFiles {
		n, err := m.replayFile(ctx, p, mode)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (m *Manager) replayFile(ctx context.Context, p string, mode Mode) (int, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.IO, err, "Failed to read SQL file")
	}
	defer f.Close()

	n, err := m.restorer.Replay(ctx, f, mode)
	if err != nil {
		return n, apperrors.Wrap(apperrors.IO, err,
			fmt.Sprintf("%s (%s)", apperrors.Message(err), filepath.Base(p)))
	}
	m.log.WithFields(logrus.Fields{"file": filepath.Base(p), "statements": n}).Debug("Replayed SQL file")
	return n, nil
}

// importFiles copies themes, plugins and uploads back into the live roots.
// Uploads of non-primary sites go to their own upload directory.
func (m *Manager) importFiles(extractDir string) (int64, error) {
	content := filepath.Join(extractDir, "files", "wp-content")
	if _, err := os.Stat(content); os.IsNotExist(err) {
		return 0, nil
	}
	layout := m.tenants.Layout()

	var total int64
	for _, tree := range []struct{ src, dst string }{
		{filepath.Join(content, "themes"), layout.ThemeRoot()},
		{filepath.Join(content, "plugins"), layout.PluginRoot()},
	} {
		n, err := m.copier.CopyTree(tree.src, tree.dst)
		total += n
		if err != nil {
			return total, err
		}
	}

	uploads := filepath.Join(content, "uploads")
	n, err := m.copier.CopyTreeExcept(uploads, layout.UploadDir(tenant.PrimaryID), "sites")
	total += n
	if err != nil {
		return total, err
	}

	siteDirs, err := os.ReadDir(filepath.Join(uploads, "sites"))
	if err != nil && !os.IsNotExist(err) {
		return total, err
	}
	for _, d := range siteDirs {
		id, err := strconv.ParseInt(d.Name(), 10, 64)
		if !d.IsDir() || err != nil {
			continue
		}
		n, err := m.copier.CopyTree(filepath.Join(uploads, "sites", d.Name()), layout.UploadDir(id))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func importUsers(context.Context, string, Mode) error {
	return ErrNotSupported
}

func importSettings(context.Context, string, Mode) error {
	return ErrNotSupported
}

func removeIfExists(p string) error {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
