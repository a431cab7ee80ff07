package metadata

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	drivermysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/supporttools/SiteGuard/pkg/config"
	"github.com/supporttools/SiteGuard/pkg/metadata/types"
)

// BackupJobRecord is the backup_jobs row
type BackupJobRecord struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)"`
	Sites          string    `gorm:"type:text;not null"`
	Kind           string    `gorm:"type:varchar(20);not null;index"`
	CreatedAt      time.Time `gorm:"not null;index"`
	Filename       string    `gorm:"type:varchar(255)"`
	Status         string    `gorm:"type:varchar(20);not null;index"`
	Size           int64
	Path           string `gorm:"type:varchar(1024)"`
	ErrorMessage   string `gorm:"type:text"`
	CompletedAt    *time.Time
	S3Key          string `gorm:"column:s3_key;type:varchar(1024)"`
	S3UploadStatus string `gorm:"column:s3_upload_status;type:varchar(20)"`
	S3UploadError  string `gorm:"column:s3_upload_error;type:text"`
	LocalDeleted   bool   `gorm:"not null;default:false"`
}

// TableName specifies the table name for BackupJobRecord
func (BackupJobRecord) TableName() string {
	return "backup_jobs"
}

// ImportJobRecord is the import_jobs row
type ImportJobRecord struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)"`
	Filename     string    `gorm:"type:varchar(255)"`
	Mode         string    `gorm:"type:varchar(20);not null"`
	TargetSites  string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"not null;index"`
	Status       string    `gorm:"type:varchar(20);not null;index"`
	ErrorMessage string    `gorm:"type:text"`
	CompletedAt  *time.Time
	Unsupported  string `gorm:"type:varchar(255)"`
}

// TableName specifies the table name for ImportJobRecord
func (ImportJobRecord) TableName() string {
	return "import_jobs"
}

// DBStore is the MySQL job store
type DBStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDBStore wraps an open gorm connection
func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db, now: time.Now}
}

// InitializeMetadataDatabase connects to the metadata database and migrates
// the job tables when configured to
func InitializeMetadataDatabase() (*DBStore, error) {
	db, err := connect()
	if err != nil {
		return nil, err
	}

	if config.CFG.MetadataDB.AutoMigrate {
		log.Println("Running database migrations for job tables")
		if err := db.AutoMigrate(&BackupJobRecord{}, &ImportJobRecord{}); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return NewDBStore(db), nil
}

func connect() (*gorm.DB, error) {
	cfg := config.CFG.MetadataDB
	dsn := metadataDSN(cfg)

	logLevel := logger.Silent
	if config.CFG.Debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime != "" {
		duration, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			log.Printf("Warning: Invalid connection max lifetime '%s', using default 5m: %v", cfg.ConnMaxLifetime, err)
			duration = 5 * time.Minute
		}
		sqlDB.SetConnMaxLifetime(duration)
	}
	return db, nil
}

// metadataDSN builds the job database DSN. Affected rows count matched rows
// so rewriting a column with its current value is not mistaken for a miss.
func metadataDSN(cfg config.MetadataDBConfig) string {
	dc := drivermysql.NewConfig()
	dc.User = cfg.Username
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dc.DBName = cfg.Database
	dc.ParseTime = true
	dc.Loc = time.Local
	dc.ClientFoundRows = true
	dc.Params = map[string]string{"charset": "utf8mb4"}
	return dc.FormatDSN()
}

func encodeIDs(ids []int64) string {
	data, _ := json.Marshal(ids)
	return string(data)
}

func decodeIDs(s string) []int64 {
	var ids []int64
	if s == "" {
		return ids
	}
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		log.Printf("Warning: invalid site list %q: %v", s, err)
	}
	return ids
}

func optionalTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (r BackupJobRecord) toJob() types.BackupJob {
	return types.BackupJob{
		ID:             r.ID,
		Sites:          decodeIDs(r.Sites),
		Kind:           r.Kind,
		CreatedAt:      r.CreatedAt,
		Filename:       r.Filename,
		Status:         types.JobStatus(r.Status),
		Size:           r.Size,
		Path:           r.Path,
		ErrorMessage:   r.ErrorMessage,
		CompletedAt:    optionalTime(r.CompletedAt),
		S3Key:          r.S3Key,
		S3UploadStatus: types.UploadStatus(r.S3UploadStatus),
		S3UploadError:  r.S3UploadError,
		LocalDeleted:   r.LocalDeleted,
	}
}

func (r ImportJobRecord) toJob() types.ImportJob {
	var unsupported []string
	if r.Unsupported != "" {
		unsupported = strings.Split(r.Unsupported, ",")
	}
	return types.ImportJob{
		ID:           r.ID,
		Filename:     r.Filename,
		Mode:         r.Mode,
		TargetSites:  decodeIDs(r.TargetSites),
		CreatedAt:    r.CreatedAt,
		Status:       types.JobStatus(r.Status),
		ErrorMessage: r.ErrorMessage,
		CompletedAt:  optionalTime(r.CompletedAt),
		Unsupported:  unsupported,
	}
}

// CreateBackupJob inserts a new in-progress backup
func (s *DBStore) CreateBackupJob(sites []int64, kind, filename string) (*types.BackupJob, error) {
	now := s.now()
	rec := BackupJobRecord{
		ID:        NewJobID(now),
		Sites:     encodeIDs(sites),
		Kind:      kind,
		CreatedAt: now,
		Filename:  filename,
		Status:    string(types.StatusInProgress),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to create backup job: %w", err)
	}
	job := rec.toJob()
	return &job, nil
}

// transition updates a row only while it is in progress
func (s *DBStore) transition(model interface{}, kind, id string, updates map[string]interface{}) error {
	res := s.db.Model(model).
		Where("id = ? AND status = ?", id, string(types.StatusInProgress)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update %s %s: %w", kind, id, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to look up %s %s: %w", kind, id, err)
		}
		if count == 0 {
			return fmt.Errorf("%s %s: %w", kind, id, types.ErrJobNotFound)
		}
		return fmt.Errorf("%s %s: %w", kind, id, types.ErrInvalidTransition)
	}
	return nil
}

func (s *DBStore) update(model interface{}, kind, id string, updates map[string]interface{}) error {
	res := s.db.Model(model).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update %s %s: %w", kind, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, types.ErrJobNotFound)
	}
	return nil
}

// UpdateBackupEstimate records the exported byte count of a running job
func (s *DBStore) UpdateBackupEstimate(id string, size int64) error {
	return s.transition(&BackupJobRecord{}, "backup", id, map[string]interface{}{
		"size": size,
	})
}

// CompleteBackupJob marks a running job completed
func (s *DBStore) CompleteBackupJob(id string, size int64, path string) error {
	return s.transition(&BackupJobRecord{}, "backup", id, map[string]interface{}{
		"status":       string(types.StatusCompleted),
		"size":         size,
		"path":         path,
		"completed_at": s.now(),
	})
}

// FailBackupJob marks a running job failed
func (s *DBStore) FailBackupJob(id string, errorMsg string) error {
	return s.transition(&BackupJobRecord{}, "backup", id, map[string]interface{}{
		"status":        string(types.StatusFailed),
		"error_message": errorMsg,
		"completed_at":  s.now(),
	})
}

// UpdateS3UploadStatus records the off-site copy of a job's archive
func (s *DBStore) UpdateS3UploadStatus(id string, status types.UploadStatus, key, errorMsg string) error {
	return s.update(&BackupJobRecord{}, "backup", id, map[string]interface{}{
		"s3_upload_status": string(status),
		"s3_key":           key,
		"s3_upload_error":  errorMsg,
	})
}

// MarkLocalDeleted records that retention removed the local archive
func (s *DBStore) MarkLocalDeleted(id string) error {
	return s.update(&BackupJobRecord{}, "backup", id, map[string]interface{}{
		"local_deleted": true,
	})
}

// RecordBackupJob inserts a rebuilt job unless its ID is known
func (s *DBStore) RecordBackupJob(job types.BackupJob) (bool, error) {
	var count int64
	if err := s.db.Model(&BackupJobRecord{}).Where("id = ?", job.ID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up backup %s: %w", job.ID, err)
	}
	if count > 0 {
		return false, nil
	}

	rec := BackupJobRecord{
		ID:             job.ID,
		Sites:          encodeIDs(job.Sites),
		Kind:           job.Kind,
		CreatedAt:      job.CreatedAt,
		Filename:       job.Filename,
		Status:         string(job.Status),
		Size:           job.Size,
		Path:           job.Path,
		ErrorMessage:   job.ErrorMessage,
		S3Key:          job.S3Key,
		S3UploadStatus: string(job.S3UploadStatus),
	}
	if !job.CompletedAt.IsZero() {
		completed := job.CompletedAt
		rec.CompletedAt = &completed
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return false, fmt.Errorf("failed to record backup %s: %w", job.ID, err)
	}
	return true, nil
}

// GetBackupJob returns one backup job
func (s *DBStore) GetBackupJob(id string) (types.BackupJob, bool) {
	var rec BackupJobRecord
	if err := s.db.Where("id = ?", id).First(&rec).Error; err != nil {
		return types.BackupJob{}, false
	}
	return rec.toJob(), true
}

// GetBackupJobs returns every backup job, newest first
func (s *DBStore) GetBackupJobs() []types.BackupJob {
	var recs []BackupJobRecord
	if err := s.db.Order("created_at DESC").Find(&recs).Error; err != nil {
		log.Printf("Error listing backup jobs: %v", err)
		return nil
	}
	jobs := make([]types.BackupJob, len(recs))
	for i, r := range recs {
		jobs[i] = r.toJob()
	}
	return jobs
}

// CreateImportJob inserts a new in-progress import
func (s *DBStore) CreateImportJob(filename, mode string, targets []int64) (*types.ImportJob, error) {
	now := s.now()
	rec := ImportJobRecord{
		ID:          NewJobID(now),
		Filename:    filename,
		Mode:        mode,
		TargetSites: encodeIDs(targets),
		CreatedAt:   now,
		Status:      string(types.StatusInProgress),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to create import job: %w", err)
	}
	job := rec.toJob()
	return &job, nil
}

// CompleteImportJob marks a running import completed
func (s *DBStore) CompleteImportJob(id string, unsupported []string) error {
	return s.transition(&ImportJobRecord{}, "import", id, map[string]interface{}{
		"status":       string(types.StatusCompleted),
		"unsupported":  strings.Join(unsupported, ","),
		"completed_at": s.now(),
	})
}

// FailImportJob marks a running import failed
func (s *DBStore) FailImportJob(id string, errorMsg string) error {
	return s.transition(&ImportJobRecord{}, "import", id, map[string]interface{}{
		"status":        string(types.StatusFailed),
		"error_message": errorMsg,
		"completed_at":  s.now(),
	})
}

// GetImportJob returns one import job
func (s *DBStore) GetImportJob(id string) (types.ImportJob, bool) {
	var rec ImportJobRecord
	if err := s.db.Where("id = ?", id).First(&rec).Error; err != nil {
		return types.ImportJob{}, false
	}
	return rec.toJob(), true
}

// GetImportJobs returns every import job, newest first
func (s *DBStore) GetImportJobs() []types.ImportJob {
	var recs []ImportJobRecord
	if err := s.db.Order("created_at DESC").Find(&recs).Error; err != nil {
		log.Printf("Error listing import jobs: %v", err)
		return nil
	}
	jobs := make([]types.ImportJob, len(recs))
	for i, r := range recs {
		jobs[i] = r.toJob()
	}
	return jobs
}
