// Package metrics provides Prometheus metrics for backup and import jobs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	// BackupCount tracks the total number of backups performed
	BackupCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteguard_backup_total",
		Help: "The total number of site backups performed",
	}, []string{"kind", "status"})

	// BackupDuration measures time taken to build a backup archive
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "siteguard_backup_duration_seconds",
		Help:    "Time taken to build a backup archive",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"kind"})

	// BackupSize tracks size of the last archive in bytes
	BackupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "siteguard_backup_size_bytes",
		Help: "Size of the last backup archive in bytes",
	}, []string{"kind", "storage"})

	// LastBackupTimestamp records timestamp of the last successful backup
	LastBackupTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "siteguard_backup_last_timestamp",
		Help: "Timestamp of the last successful backup",
	}, []string{"kind"})

	// ImportCount tracks the total number of imports performed
	ImportCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteguard_import_total",
		Help: "The total number of backup imports performed",
	}, []string{"mode", "status"})

	// StatementsReplayed counts SQL statements executed during imports
	StatementsReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteguard_import_statements_total",
		Help: "The total number of SQL statements replayed by imports",
	}, []string{"mode"})

	// RetentionDeletes counts archives deleted by retention policy
	RetentionDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteguard_backup_deletions_total",
		Help: "The total number of archives deleted by retention policy",
	}, []string{"storage"})

	// S3UploadCount tracks the total number of S3 uploads performed
	S3UploadCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteguard_s3_upload_total",
		Help: "The total number of S3 uploads performed",
	}, []string{"kind", "status"})

	// S3UploadDuration measures time taken to upload an archive to S3
	S3UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "siteguard_s3_upload_duration_seconds",
		Help:    "Time taken to upload an archive to S3",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// SweepRemovals counts stale work directories removed by the sweep
	SweepRemovals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siteguard_sweep_removed_total",
		Help: "The total number of stale work directories removed",
	})
)
