// Package types defines job records and the job store interface
package types

import (
	"errors"
	"time"
)

// JobStatus is the lifecycle state of a backup or import job
type JobStatus string

const (
	// StatusInProgress is the only state a job is created in
	StatusInProgress JobStatus = "in-progress"
	// StatusCompleted is terminal
	StatusCompleted JobStatus = "completed"
	// StatusFailed is terminal
	StatusFailed JobStatus = "failed"
)

// UploadStatus tracks the optional off-site copy of an archive
type UploadStatus string

const (
	UploadSkipped UploadStatus = ""
	UploadPending UploadStatus = "pending"
	UploadSuccess UploadStatus = "success"
	UploadError   UploadStatus = "error"
)

var (
	// ErrJobNotFound is returned for an unknown job ID
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a finished job is modified
	ErrInvalidTransition = errors.New("job is not in progress")
)

// BackupJob is one backup invocation
type BackupJob struct {
	ID             string       `json:"id"`
	Sites          []int64      `json:"sites"`
	Kind           string       `json:"kind"`
	CreatedAt      time.Time    `json:"createdAt"`
	Filename       string       `json:"filename"`
	Status         JobStatus    `json:"status"`
	Size           int64        `json:"size"`
	Path           string       `json:"path"`
	ErrorMessage   string       `json:"errorMessage,omitempty"`
	CompletedAt    time.Time    `json:"completedAt,omitempty"`
	S3Key          string       `json:"s3Key,omitempty"`
	S3UploadStatus UploadStatus `json:"s3UploadStatus,omitempty"`
	S3UploadError  string       `json:"s3UploadError,omitempty"`
	LocalDeleted   bool         `json:"localDeleted,omitempty"`
}

// ImportJob is one restore invocation
type ImportJob struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	Mode         string    `json:"mode"`
	TargetSites  []int64   `json:"targetSites"`
	CreatedAt    time.Time `json:"createdAt"`
	Status       JobStatus `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CompletedAt  time.Time `json:"completedAt,omitempty"`
	Unsupported  []string  `json:"unsupported,omitempty"`
}

// JobStore persists job records keyed by ID. Status changes are only
// accepted while a job is in progress.
type JobStore interface {
	CreateBackupJob(sites []int64, kind, filename string) (*BackupJob, error)
	// UpdateBackupEstimate records the bytes exported before packaging
	UpdateBackupEstimate(id string, size int64) error
	CompleteBackupJob(id string, size int64, path string) error
	FailBackupJob(id string, errorMsg string) error
	UpdateS3UploadStatus(id string, status UploadStatus, key, errorMsg string) error
	MarkLocalDeleted(id string) error
	// RecordBackupJob inserts a finished job rebuilt from an archive. It
	// returns false when the ID is already known.
	RecordBackupJob(job BackupJob) (bool, error)
	GetBackupJob(id string) (BackupJob, bool)
	GetBackupJobs() []BackupJob

	CreateImportJob(filename, mode string, targets []int64) (*ImportJob, error)
	CompleteImportJob(id string, unsupported []string) error
	FailImportJob(id string, errorMsg string) error
	GetImportJob(id string) (ImportJob, bool)
	GetImportJobs() []ImportJob
}
