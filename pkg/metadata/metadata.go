// Package metadata tracks backup and import jobs.
package metadata

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/supporttools/SiteGuard/pkg/config"
	"github.com/supporttools/SiteGuard/pkg/metadata/types"
)

// Re-export types from the types package
type (
	BackupJob    = types.BackupJob
	ImportJob    = types.ImportJob
	JobStatus    = types.JobStatus
	UploadStatus = types.UploadStatus
	JobStore     = types.JobStore
)

const (
	StatusInProgress = types.StatusInProgress
	StatusCompleted  = types.StatusCompleted
	StatusFailed     = types.StatusFailed
)

// FileName is the job file inside the backup directory
const FileName = "jobs.json"

// JobFile is the on-disk layout of the file store
type JobFile struct {
	BackupJobs  map[string]types.BackupJob `json:"backupJobs"`
	ImportJobs  map[string]types.ImportJob `json:"importJobs"`
	LastUpdated time.Time                  `json:"lastUpdated"`
	Version     string                     `json:"version"`
}

// Store is the JSON file job store
type Store struct {
	jobs     JobFile
	mutex    sync.RWMutex
	filepath string
	now      func() time.Time
}

// DefaultStore is the process-wide job store
var DefaultStore types.JobStore

// NewJobID returns "<unix seconds>_<random suffix>"
func NewJobID(now time.Time) string {
	return fmt.Sprintf("%d_%s", now.Unix(), uuid.NewString()[:8])
}

// NewStore creates a file store at path and loads any existing records
func NewStore(path string) (*Store, error) {
	s := &Store{
		filepath: path,
		now:      time.Now,
		jobs:     emptyJobFile(),
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func emptyJobFile() JobFile {
	return JobFile{
		BackupJobs: make(map[string]types.BackupJob),
		ImportJobs: make(map[string]types.ImportJob),
		Version:    "1.0",
	}
}

// Initialize sets DefaultStore from configuration, preferring the metadata
// database when it is enabled and reachable
func Initialize() error {
	if DefaultStore != nil {
		return nil
	}

	if config.CFG.MetadataDB.Enabled {
		store, err := InitializeMetadataDatabase()
		if err == nil {
			DefaultStore = store
			log.Println("Using MySQL-backed job store")
			return nil
		}
		log.Printf("Failed to initialize metadata database, falling back to file-based job store: %v", err)
	}

	store, err := NewStore(filepath.Join(config.CFG.Local.BackupDirectory, FileName))
	if err != nil {
		return err
	}
	DefaultStore = store
	return nil
}

// Load reads the job file, creating it when absent
func (s *Store) Load() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := os.ReadFile(s.filepath)
	if os.IsNotExist(err) {
		log.Printf("Job file does not exist at %s, will create new", s.filepath)
		return s.save()
	}
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}

	jobs := emptyJobFile()
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to unmarshal job file: %w", err)
	}
	if jobs.BackupJobs == nil {
		jobs.BackupJobs = make(map[string]types.BackupJob)
	}
	if jobs.ImportJobs == nil {
		jobs.ImportJobs = make(map[string]types.ImportJob)
	}
	s.jobs = jobs
	return nil
}

// save writes the job file. Callers hold the lock.
func (s *Store) save() error {
	s.jobs.LastUpdated = s.now()

	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.filepath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for job file: %w", err)
	}

	tmp := s.filepath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write job file: %w", err)
	}
	if err := os.Rename(tmp, s.filepath); err != nil {
		return fmt.Errorf("failed to replace job file: %w", err)
	}
	return nil
}

// CreateBackupJob records a new in-progress backup
func (s *Store) CreateBackupJob(sites []int64, kind, filename string) (*types.BackupJob, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	job := types.BackupJob{
		ID:        NewJobID(now),
		Sites:     append([]int64(nil), sites...),
		Kind:      kind,
		CreatedAt: now,
		Filename:  filename,
		Status:    types.StatusInProgress,
	}
	s.jobs.BackupJobs[job.ID] = job
	if err := s.save(); err != nil {
		delete(s.jobs.BackupJobs, job.ID)
		return nil, err
	}
	return &job, nil
}

// updateBackup applies fn to an existing job and saves. With requireActive
// the job must still be in progress.
func (s *Store) updateBackup(id string, requireActive bool, fn func(j *types.BackupJob)) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, ok := s.jobs.BackupJobs[id]
	if !ok {
		return fmt.Errorf("backup %s: %w", id, types.ErrJobNotFound)
	}
	if requireActive && job.Status != types.StatusInProgress {
		return fmt.Errorf("backup %s is %s: %w", id, job.Status, types.ErrInvalidTransition)
	}
	prev := job
	fn(&job)
	s.jobs.BackupJobs[id] = job
	if err := s.save(); err != nil {
		s.jobs.BackupJobs[id] = prev
		return err
	}
	return nil
}

// UpdateBackupEstimate records the exported byte count of a running job
func (s *Store) UpdateBackupEstimate(id string, size int64) error {
	return s.updateBackup(id, true, func(j *types.BackupJob) {
		j.Size = size
	})
}

// CompleteBackupJob marks a running job completed
func (s *Store) CompleteBackupJob(id string, size int64, path string) error {
	return s.updateBackup(id, true, func(j *types.BackupJob) {
		j.Status = types.StatusCompleted
		j.Size = size
		j.Path = path
		j.CompletedAt = s.now()
	})
}

// FailBackupJob marks a running job failed
func (s *Store) FailBackupJob(id string, errorMsg string) error {
	return s.updateBackup(id, true, func(j *types.BackupJob) {
		j.Status = types.StatusFailed
		j.ErrorMessage = errorMsg
		j.CompletedAt = s.now()
	})
}

// UpdateS3UploadStatus records the off-site copy of a job's archive
func (s *Store) UpdateS3UploadStatus(id string, status types.UploadStatus, key, errorMsg string) error {
	return s.updateBackup(id, false, func(j *types.BackupJob) {
		j.S3UploadStatus = status
		j.S3Key = key
		j.S3UploadError = errorMsg
	})
}

// MarkLocalDeleted records that retention removed the local archive
func (s *Store) MarkLocalDeleted(id string) error {
	return s.updateBackup(id, false, func(j *types.BackupJob) {
		j.LocalDeleted = true
	})
}

// RecordBackupJob inserts a rebuilt job unless its ID is known
func (s *Store) RecordBackupJob(job types.BackupJob) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.jobs.BackupJobs[job.ID]; ok {
		return false, nil
	}
	s.jobs.BackupJobs[job.ID] = job
	if err := s.save(); err != nil {
		delete(s.jobs.BackupJobs, job.ID)
		return false, err
	}
	return true, nil
}

// GetBackupJob returns one backup job
func (s *Store) GetBackupJob(id string) (types.BackupJob, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	job, ok := s.jobs.BackupJobs[id]
	return job, ok
}

// GetBackupJobs returns every backup job, newest first
func (s *Store) GetBackupJobs() []types.BackupJob {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]types.BackupJob, 0, len(s.jobs.BackupJobs))
	for _, j := range s.jobs.BackupJobs {
		result = append(result, j)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// CreateImportJob records a new in-progress import
func (s *Store) CreateImportJob(filename, mode string, targets []int64) (*types.ImportJob, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	job := types.ImportJob{
		ID:          NewJobID(now),
		Filename:    filename,
		Mode:        mode,
		TargetSites: append([]int64(nil), targets...),
		CreatedAt:   now,
		Status:      types.StatusInProgress,
	}
	s.jobs.ImportJobs[job.ID] = job
	if err := s.save(); err != nil {
		delete(s.jobs.ImportJobs, job.ID)
		return nil, err
	}
	return &job, nil
}

func (s *Store) finishImport(id string, fn func(j *types.ImportJob)) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, ok := s.jobs.ImportJobs[id]
	if !ok {
		return fmt.Errorf("import %s: %w", id, types.ErrJobNotFound)
	}
	if job.Status != types.StatusInProgress {
		return fmt.Errorf("import %s is %s: %w", id, job.Status, types.ErrInvalidTransition)
	}
	prev := job
	fn(&job)
	job.CompletedAt = s.now()
	s.jobs.ImportJobs[id] = job
	if err := s.save(); err != nil {
		s.jobs.ImportJobs[id] = prev
		return err
	}
	return nil
}

// CompleteImportJob marks a running import completed
func (s *Store) CompleteImportJob(id string, unsupported []string) error {
	return s.finishImport(id, func(j *types.ImportJob) {
		j.Status = types.StatusCompleted
		j.Unsupported = append([]string(nil), unsupported...)
	})
}

// FailImportJob marks a running import failed
func (s *Store) FailImportJob(id string, errorMsg string) error {
	return s.finishImport(id, func(j *types.ImportJob) {
		j.Status = types.StatusFailed
		j.ErrorMessage = errorMsg
	})
}

// GetImportJob returns one import job
func (s *Store) GetImportJob(id string) (types.ImportJob, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	job, ok := s.jobs.ImportJobs[id]
	return job, ok
}

// GetImportJobs returns every import job, newest first
func (s *Store) GetImportJobs() []types.ImportJob {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]types.ImportJob, 0, len(s.jobs.ImportJobs))
	for _, j := range s.jobs.ImportJobs {
		result = append(result, j)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}
