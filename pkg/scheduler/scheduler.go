// Package scheduler runs scheduled backups, retention and work directory sweeps.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/SiteGuard/pkg/backup"
	"github.com/supporttools/SiteGuard/pkg/config"
	"github.com/supporttools/SiteGuard/pkg/metadata/types"
	"github.com/supporttools/SiteGuard/pkg/metrics"
	"github.com/supporttools/SiteGuard/pkg/tasklock"
	"github.com/supporttools/SiteGuard/pkg/tenant"
)

const (
	jobBackup    = "backup"
	jobRetention = "retention"
	jobSweep     = "sweep"

	retentionSchedule = "15 * * * *"
)

// stalePatterns are the leftovers of interrupted jobs, relative to the work
// directory
var stalePatterns = []string{
	"temp_*",
	filepath.Join("imports", "extract_*"),
	filepath.Join("imports", "import_*.zip"),
	filepath.Join("scans", "scan_*.zip"),
}

// Backupper creates backups
type Backupper interface {
	CreateBackup(ctx context.Context, sites []int64, kind string) (*backup.Outcome, error)
}

// LocalRetention removes expired local archives
type LocalRetention interface {
	EnforceRetention(store types.JobStore) (int, error)
}

// RemoteRetention removes expired off-site archives
type RemoteRetention interface {
	EnforceRetention(ctx context.Context, store types.JobStore) (int, error)
}

// Scheduler handles cron scheduling for backups and housekeeping
type Scheduler struct {
	cronScheduler *cron.Cron
	backups       Backupper
	tenants       *tenant.Context
	jobs          types.JobStore
	lock          *tasklock.Lock
	local         LocalRetention
	remote        RemoteRetention
	cfg           config.ScheduleConfig
	workDir       string
	log           logrus.FieldLogger
	jobIDs        map[string]cron.EntryID
	now           func() time.Time
}

// NewScheduler creates a scheduler. remote may be nil.
func NewScheduler(cfg config.ScheduleConfig, workDir string, backups Backupper, tenants *tenant.Context,
	jobs types.JobStore, lock *tasklock.Lock, local LocalRetention, remote RemoteRetention, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		cronScheduler: cron.New(),
		backups:       backups,
		tenants:       tenants,
		jobs:          jobs,
		lock:          lock,
		local:         local,
		remote:        remote,
		cfg:           cfg,
		workDir:       workDir,
		log:           log,
		jobIDs:        make(map[string]cron.EntryID),
		now:           time.Now,
	}
}

// SetupJobs configures all scheduled jobs
func (s *Scheduler) SetupJobs() error {
	if s.cfg.Backup != "" {
		id, err := s.cronScheduler.AddFunc(s.cfg.Backup, func() {
			if _, err := s.RunBackupOnce(context.Background()); err != nil {
				s.log.WithError(err).Error("Scheduled backup failed")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule backup with cron expression '%s': %w", s.cfg.Backup, err)
		}
		s.jobIDs[jobBackup] = id
		s.log.WithFields(logrus.Fields{"schedule": s.cfg.Backup, "kind": s.cfg.BackupKind}).Info("Scheduled backup")
	} else {
		s.log.Info("No backup schedule configured")
	}

	id, err := s.cronScheduler.AddFunc(retentionSchedule, func() {
		s.RunRetentionOnce(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention policy enforcement: %w", err)
	}
	s.jobIDs[jobRetention] = id

	if s.cfg.Sweep != "" {
		id, err := s.cronScheduler.AddFunc(s.cfg.Sweep, func() {
			if _, err := s.Sweep(); err != nil {
				s.log.WithError(err).Error("Work directory sweep failed")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule sweep with cron expression '%s': %w", s.cfg.Sweep, err)
		}
		s.jobIDs[jobSweep] = id
	}
	return nil
}

// Start begins the scheduled jobs
func (s *Scheduler) Start() {
	s.cronScheduler.Start()
	s.log.Info("Scheduler started")
}

// Stop halts all scheduled jobs and waits for running ones
func (s *Scheduler) Stop() {
	ctx := s.cronScheduler.Stop()
	<-ctx.Done()
	s.log.Info("Scheduler stopped")
}

// RunBackupOnce backs up every site with the configured kind. It fails
// without side effects when another job holds the task lock.
func (s *Scheduler) RunBackupOnce(ctx context.Context) (*backup.Outcome, error) {
	if running, ok := s.lock.TryLock("scheduled backup"); !ok {
		return nil, fmt.Errorf("skipping scheduled backup, %s is running", running)
	}
	defer s.lock.Unlock()

	sites, err := s.tenants.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	ids := make([]int64, len(sites))
	for i, t := range sites {
		ids[i] = t.ID
	}

	s.log.WithFields(logrus.Fields{"sites": len(ids), "kind": s.cfg.BackupKind}).Info("Starting scheduled backup")
	outcome, err := s.backups.CreateBackup(ctx, ids, s.cfg.BackupKind)
	if err != nil {
		return outcome, err
	}
	s.log.Info(outcome.Message)
	return outcome, nil
}

// RunRetentionOnce enforces local and remote retention
func (s *Scheduler) RunRetentionOnce(ctx context.Context) {
	if s.local != nil {
		n, err := s.local.EnforceRetention(s.jobs)
		if err != nil {
			s.log.WithError(err).Error("Local retention failed")
		} else if n > 0 {
			s.log.WithField("removed", n).Info("Local retention removed expired archives")
		}
	}
	if s.remote != nil {
		n, err := s.remote.EnforceRetention(ctx, s.jobs)
		if err != nil {
			s.log.WithError(err).Error("S3 retention failed")
		} else if n > 0 {
			s.log.WithField("removed", n).Info("S3 retention removed expired archives")
		}
	}
}

// Sweep removes work directory leftovers older than the stale threshold and
// returns how many entries were removed. It does nothing while a job runs.
func (s *Scheduler) Sweep() (int, error) {
	staleAfter, err := time.ParseDuration(s.cfg.StaleAfter)
	if err != nil {
		return 0, fmt.Errorf("invalid stale threshold %q: %w", s.cfg.StaleAfter, err)
	}
	if running, ok := s.lock.TryLock("sweep"); !ok {
		s.log.WithField("running", running).Debug("Skipping sweep while a job runs")
		return 0, nil
	}
	defer s.lock.Unlock()

	cutoff := s.now().Add(-staleAfter)
	removed := 0
	for _, pattern := range stalePatterns {
		matches, err := filepath.Glob(filepath.Join(s.workDir, pattern))
		if err != nil {
			return removed, err
		}
		for _, p := range matches {
			info, err := os.Stat(p)
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.RemoveAll(p); err != nil {
				s.log.WithError(err).WithField("path", p).Warn("Failed to remove stale entry")
				continue
			}
			removed++
			metrics.SweepRemovals.Inc()
			s.log.WithField("path", p).Info("Removed stale work entry")
		}
	}
	return removed, nil
}

// NextRun returns the next run time of a scheduled job
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	id, ok := s.jobIDs[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cronScheduler.Entry(id).Next, true
}
