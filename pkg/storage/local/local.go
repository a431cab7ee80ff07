// Package local enforces retention on archives kept in the backup directory.
package local

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/supporttools/SiteGuard/pkg/config"
	"github.com/supporttools/SiteGuard/pkg/metadata/types"
	"github.com/supporttools/SiteGuard/pkg/metrics"
)

// ArchivePattern matches archives written by the backup manager
const ArchivePattern = "backup_*.zip"

// Client represents the local archive directory
type Client struct {
	dir       string
	retention string
	now       func() time.Time
}

// NewClient creates a local storage client
func NewClient(cfg config.LocalConfig) *Client {
	return &Client{dir: cfg.BackupDirectory, retention: cfg.Retention, now: time.Now}
}

// Archives returns the archive paths in the backup directory
func (c *Client) Archives() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(c.dir, ArchivePattern))
	if err != nil {
		return nil, fmt.Errorf("error finding archives: %w", err)
	}
	return files, nil
}

// RecordBackupMetrics records the size of a local archive
func (c *Client) RecordBackupMetrics(archivePath, kind string) error {
	fileInfo, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	metrics.BackupSize.WithLabelValues(kind, "local").Set(float64(fileInfo.Size()))
	return nil
}

// EnforceRetention removes archives older than the retention period and
// returns how many were removed. An empty retention keeps everything.
func (c *Client) EnforceRetention(store types.JobStore) (int, error) {
	duration, err := config.RetentionDuration(c.retention)
	if err != nil {
		return 0, err
	}
	if duration == 0 {
		return 0, nil
	}

	files, err := c.Archives()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, file := range files {
		fileInfo, err := os.Stat(file)
		if err != nil {
			continue
		}
		if c.now().Sub(fileInfo.ModTime()) <= duration {
			continue
		}

		if err := os.Remove(file); err != nil {
			log.Printf("Failed to remove expired archive %s: %v", file, err)
			continue
		}
		removed++
		metrics.RetentionDeletes.WithLabelValues("local").Inc()
		log.Printf("Removed expired local archive: %s", file)

		if store != nil {
			markDeleted(store, file)
		}
	}
	return removed, nil
}

func markDeleted(store types.JobStore, file string) {
	baseName := filepath.Base(file)
	for _, job := range store.GetBackupJobs() {
		if job.Path == file || job.Filename == baseName {
			if err := store.MarkLocalDeleted(job.ID); err != nil {
				log.Printf("Warning: Failed to mark backup %s as deleted: %v", job.ID, err)
			}
			return
		}
	}
}
