// Package backup builds backup archives of selected sites.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/SiteGuard/pkg/apperrors"
	"github.com/supporttools/SiteGuard/pkg/archive"
	"github.com/supporttools/SiteGuard/pkg/backup/database/mysql"
	"github.com/supporttools/SiteGuard/pkg/config"
	"github.com/supporttools/SiteGuard/pkg/files"
	"github.com/supporttools/SiteGuard/pkg/metadata/types"
	"github.com/supporttools/SiteGuard/pkg/metrics"
	"github.com/supporttools/SiteGuard/pkg/platform"
	"github.com/supporttools/SiteGuard/pkg/saga"
	"github.com/supporttools/SiteGuard/pkg/sitedb"
	"github.com/supporttools/SiteGuard/pkg/storage/local"
	"github.com/supporttools/SiteGuard/pkg/storage/s3"
	"github.com/supporttools/SiteGuard/pkg/tenant"
	"github.com/supporttools/SiteGuard/pkg/version"
)

// ConfigBackupName is the redacted site config inside files/
const ConfigBackupName = "wp-config-backup.php"

// DatabaseExporter writes the database/ part of a staging directory
type DatabaseExporter interface {
	Export(ctx context.Context, ids []int64, stagingDir string) (int64, error)
}

// Uploader copies a finished archive off-site
type Uploader interface {
	UploadArchive(ctx context.Context, archivePath, kind string) (string, error)
}

// Outcome is the operator-facing result of a backup
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
	Path    string `json:"path,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

// Options locate the inputs and outputs of a backup
type Options struct {
	BackupDir       string
	WorkDir         string
	ConfigFile      string
	VersionFile     string
	FallbackVersion string
}

// Manager handles backup operations
type Manager struct {
	tenants       *tenant.Context
	jobs          types.JobStore
	database      DatabaseExporter
	copier        *files.Copier
	sanitizer     *files.Sanitizer
	uploader      Uploader
	localStore    *local.Client
	serverVersion func(ctx context.Context) string
	opts          Options
	log           logrus.FieldLogger
	now           func() time.Time
	suffix        func() string
}

// NewManager creates a backup manager from configuration
func NewManager(cfg *config.AppConfig, tenants *tenant.Context, jobs types.JobStore, db *sql.DB, log logrus.FieldLogger) *Manager {
	m := &Manager{
		tenants:    tenants,
		jobs:       jobs,
		database:   mysql.NewEngine(db, tenants, log),
		copier:     files.NewCopier(cfg.Copy.MaxFileSize, cfg.Copy.SkipExtensions),
		sanitizer:  files.NewSanitizer(),
		localStore: local.NewClient(cfg.Local),
		serverVersion: func(ctx context.Context) string {
			return sitedb.ServerVersion(ctx, db)
		},
		opts: Options{
			BackupDir:       cfg.Local.BackupDirectory,
			WorkDir:         cfg.Local.WorkDirectory,
			ConfigFile:      cfg.Site.ConfigFile,
			VersionFile:     cfg.Site.VersionFile,
			FallbackVersion: cfg.Site.Version,
		},
		log:    log,
		now:    time.Now,
		suffix: archiveSuffix,
	}

	if cfg.S3.Enabled {
		s3Client, err := s3.NewClient(cfg.S3, cfg.Debug)
		if err != nil {
			log.WithError(err).Warn("Failed to initialize S3 storage, archives will stay local")
		} else {
			m.uploader = s3Client
		}
	}
	return m
}

// archiveSuffix keeps archives started within the same second apart
func archiveSuffix() string {
	return uuid.NewString()[:8]
}

// PlatformVersion returns the installed platform version
func (m *Manager) PlatformVersion() string {
	return platform.DetectVersion(m.opts.VersionFile, m.opts.FallbackVersion)
}

// CreateBackup exports the given sites into a new archive. The outcome is
// always set. The error carries the classified cause for callers that map
// it to a status.
func (m *Manager) CreateBackup(ctx context.Context, sites []int64, kindName string) (*Outcome, error) {
	kind, ids, err := m.validate(ctx, sites, kindName)
	if err != nil {
		return &Outcome{Message: apperrors.Message(err)}, err
	}

	start := m.now()
	filename := fmt.Sprintf("backup_%s_%s_%s.zip", kind, start.Format("2006-01-02_15-04-05"), m.suffix())
	output := filepath.Join(m.opts.BackupDir, filename)
	log := m.log.WithFields(logrus.Fields{"kind": kind, "sites": ids})

	var (
		job     *types.BackupJob
		staging string
		size    int64
	)
	defer func() {
		if staging != "" {
			if err := os.RemoveAll(staging); err != nil {
				log.WithError(err).Warn("Failed to remove staging directory")
			}
		}
	}()

	s := saga.New(log)
	s.Add(saga.Step{
		Name: "create job",
		Run: func(context.Context) error {
			j, err := m.jobs.CreateBackupJob(ids, string(kind), filename)
			if err != nil {
				return apperrors.Wrap(apperrors.IO, err, "Failed to record backup job")
			}
			job = j
			return nil
		},
		Compensate: func(_ context.Context, cause error) error {
			return m.jobs.FailBackupJob(job.ID, apperrors.Message(cause))
		},
	})
	s.Add(saga.Step{
		Name: "create staging directory",
		Run: func(context.Context) error {
			dir := filepath.Join(m.opts.WorkDir, "temp_"+job.ID)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return apperrors.Wrap(apperrors.IO, err, "Failed to create temporary directory")
			}
			staging = dir
			return nil
		},
	})
	if kind.IncludesDatabase() {
		s.Add(saga.Step{
			Name: "export database",
			Run: func(ctx context.Context) error {
				n, err := m.database.Export(ctx, ids, staging)
				if err != nil {
					return apperrors.Wrap(apperrors.IO, err, "Database export failed")
				}
				size += n
				return m.jobs.UpdateBackupEstimate(job.ID, size)
			},
		})
	}
	if kind.IncludesFiles() {
		s.Add(saga.Step{
			Name: "copy files",
			Run: func(context.Context) error {
				n, err := m.copyFiles(ids, staging)
				if err != nil {
					return apperrors.Wrap(apperrors.IO, err, "Failed to copy site files")
				}
				size += n
				return m.jobs.UpdateBackupEstimate(job.ID, size)
			},
		})
	}
	s.Add(saga.Step{
		Name: "write manifest",
		Run: func(ctx context.Context) error {
			if err := archive.WriteManifest(staging, m.manifest(ctx, ids, kind, start)); err != nil {
				return apperrors.Wrap(apperrors.IO, err, "Failed to write backup manifest")
			}
			return nil
		},
	})
	s.Add(saga.Step{
		Name: "build archive",
		Run: func(context.Context) error {
			return archive.Build(staging, output)
		},
		Compensate: func(context.Context, error) error {
			if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		},
	})
	s.Add(saga.Step{
		Name: "complete job",
		Run: func(context.Context) error {
			info, err := os.Stat(output)
			if err != nil {
				return apperrors.Wrap(apperrors.IO, err, "Failed to read archive size")
			}
			size = info.Size()
			if err := m.jobs.CompleteBackupJob(job.ID, size, output); err != nil {
				return apperrors.Wrap(apperrors.IO, err, "Failed to record backup job")
			}
			return nil
		},
	})

	if err := s.Run(ctx); err != nil {
		metrics.BackupCount.WithLabelValues(string(kind), "error").Inc()
		log.WithError(err).Error("Backup failed")
		outcome := &Outcome{Message: "Backup creation failed: " + apperrors.Message(err)}
		if job != nil {
			outcome.JobID = job.ID
		}
		return outcome, err
	}

	m.upload(ctx, job.ID, output, kind)

	duration := m.now().Sub(start)
	metrics.BackupCount.WithLabelValues(string(kind), "success").Inc()
	metrics.BackupDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
	metrics.LastBackupTimestamp.WithLabelValues(string(kind)).Set(float64(m.now().Unix()))
	if m.localStore != nil {
		if err := m.localStore.RecordBackupMetrics(output, string(kind)); err != nil {
			log.WithError(err).Warn("Failed to record archive metrics")
		}
	}

	log.WithFields(logrus.Fields{
		"archive":  output,
		"size":     humanize.Bytes(uint64(size)),
		"duration": duration.Round(time.Millisecond),
	}).Info("Backup completed")

	return &Outcome{
		Success: true,
		Message: fmt.Sprintf("Backup created successfully! %d sites backed up. Size: %s", len(ids), humanize.Bytes(uint64(size))),
		JobID:   job.ID,
		Path:    output,
		Size:    size,
	}, nil
}

// validate checks the request and returns the sites primary first, without
// duplicates
func (m *Manager) validate(ctx context.Context, sites []int64, kindName string) (archive.Kind, []int64, error) {
	if len(sites) == 0 {
		return "", nil, apperrors.New(apperrors.Validation, "Please select at least one site to backup.")
	}
	kind, ok := archive.ParseKind(kindName)
	if !ok {
		return "", nil, apperrors.New(apperrors.Validation, fmt.Sprintf("Invalid backup type: %s", kindName))
	}

	ids := orderSites(sites)
	if _, err := m.tenants.Resolve(ctx, ids); err != nil {
		var unknown tenant.ErrUnknownTenant
		if errors.As(err, &unknown) {
			return "", nil, apperrors.New(apperrors.Validation, fmt.Sprintf("Site %d does not exist.", unknown.ID))
		}
		return "", nil, apperrors.Wrap(apperrors.IO, err, "Failed to list sites")
	}
	return kind, ids, nil
}

func orderSites(sites []int64) []int64 {
	seen := make(map[int64]bool, len(sites))
	ids := make([]int64, 0, len(sites))
	for _, id := range sites {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return ids[i] == tenant.PrimaryID && ids[j] != tenant.PrimaryID
	})
	return ids
}

// copyFiles stages shared themes and plugins, each site's uploads and the
// redacted site config under files/
func (m *Manager) copyFiles(ids []int64, staging string) (int64, error) {
	layout := m.tenants.Layout()
	content := filepath.Join(staging, "files", "wp-content")
	if err := os.MkdirAll(content, 0755); err != nil {
		return 0, err
	}

	var total int64
	for _, tree := range []struct{ src, dst string }{
		{layout.ThemeRoot(), filepath.Join(content, "themes")},
		{layout.PluginRoot(), filepath.Join(content, "plugins")},
	} {
		n, err := m.copier.CopyTree(tree.src, tree.dst)
		if err != nil {
			return total, err
		}
		total += n
	}

	uploads := filepath.Join(content, "uploads")
	for _, id := range ids {
		var (
			n   int64
			err error
		)
		if id == tenant.PrimaryID {
			n, err = m.copier.CopyTreeExcept(layout.UploadDir(id), uploads, "sites")
		} else {
			n, err = m.copier.CopyTree(layout.UploadDir(id), filepath.Join(uploads, "sites", fmt.Sprint(id)))
		}
		if err != nil {
			return total, err
		}
		total += n
	}

	if m.opts.ConfigFile != "" {
		dst := filepath.Join(staging, "files", ConfigBackupName)
		written, err := m.sanitizer.Sanitize(m.opts.ConfigFile, dst)
		if err != nil {
			return total, err
		}
		if written {
			if info, err := os.Stat(dst); err == nil {
				total += info.Size()
			}
		}
	}
	return total, nil
}

func (m *Manager) manifest(ctx context.Context, ids []int64, kind archive.Kind, at time.Time) *archive.Manifest {
	mf := &archive.Manifest{
		BackupDate:      at.Format("2006-01-02 15:04:05"),
		BackupTimestamp: at.Unix(),
		PlatformVersion: m.PlatformVersion(),
		SitesIncluded:   archive.SiteIDs(ids),
		SitesCount:      len(ids),
		DatabasePrefix:  m.tenants.BasePrefix(),
		Multisite:       true,
		BackupType:      string(kind),
		PluginVersion:   version.Version,
		CreatedBy:       version.Name,
		FormatVersion:   archive.FormatVersion,
		GoVersion:       runtime.Version(),
	}
	if kind.IncludesDatabase() && m.serverVersion != nil {
		mf.MySQLVersion = m.serverVersion(ctx)
	}
	return mf
}

// upload copies the archive off-site. Failures are recorded on the job and
// never fail the backup.
func (m *Manager) upload(ctx context.Context, jobID, output string, kind archive.Kind) {
	if m.uploader == nil {
		return
	}
	if err := m.jobs.UpdateS3UploadStatus(jobID, types.UploadPending, "", ""); err != nil {
		m.log.WithError(err).Warn("Failed to record upload status")
	}

	key, err := m.uploader.UploadArchive(ctx, output, string(kind))
	status, errMsg := types.UploadSuccess, ""
	if err != nil {
		m.log.WithError(err).WithField("job", jobID).Error("S3 upload failed")
		status, errMsg = types.UploadError, err.Error()
	}
	if err := m.jobs.UpdateS3UploadStatus(jobID, status, key, errMsg); err != nil {
		m.log.WithError(err).Warn("Failed to record upload status")
	}
}
