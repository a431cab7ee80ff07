// job-recovery rebuilds missing SiteGuard backup job records from the archives
// found in local storage and S3
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/SiteGuard/pkg/archive"
	"github.com/supporttools/SiteGuard/pkg/config"
	"github.com/supporttools/SiteGuard/pkg/logging"
	"github.com/supporttools/SiteGuard/pkg/metadata"
	"github.com/supporttools/SiteGuard/pkg/metadata/types"
)

var (
	dryRun    = flag.Bool("dry-run", false, "Report what would be recovered without writing job records")
	verbose   = flag.Bool("verbose", false, "Enable verbose logging")
	scanLocal = flag.Bool("local", true, "Scan the local backup directory")
	scanS3    = flag.Bool("s3", true, "Scan the S3 bucket")

	// backup_{kind}_{2006-01-02_15-04-05}[_{suffix}].zip
	archiveNamePattern = regexp.MustCompile(`^backup_(full|database|files)_(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})(?:_[0-9a-f]{8})?\.zip$`)
)

const stampLayout = "2006-01-02_15-04-05"

// RecoveredArchive is an archive found during recovery
type RecoveredArchive struct {
	Filename string
	Path     string
	S3Key    string
	Size     int64
	ModTime  time.Time
	Kind     string
	Stamp    time.Time
	Manifest *archive.Manifest
}

// ID is stable across runs so re-running recovery never duplicates a job
func (r RecoveredArchive) ID() string {
	return "recovered_" + strings.TrimSuffix(r.Filename, ".zip")
}

func main() {
	flag.Parse()

	config.LoadConfiguration()
	log := logging.New(config.CFG.Debug || *verbose)

	if err := metadata.Initialize(); err != nil {
		log.WithError(err).Fatal("Failed to initialize job store")
	}

	var found []RecoveredArchive
	if *scanLocal {
		local, err := scanLocalStorage(config.CFG.Local.BackupDirectory, log)
		if err != nil {
			log.WithError(err).Error("Failed to scan local storage")
		}
		log.Infof("Found %d archives in local storage", len(local))
		found = append(found, local...)
	}

	if *scanS3 && config.CFG.S3.Enabled {
		svc, err := newS3Client(config.CFG.S3)
		if err != nil {
			log.WithError(err).Fatal("Failed to create S3 session")
		}
		remote, err := scanS3Storage(svc, config.CFG.S3.Bucket, config.CFG.S3.Prefix, config.CFG.Local.WorkDirectory, log)
		if err != nil {
			log.WithError(err).Error("Failed to scan S3 storage")
		}
		log.Infof("Found %d archives in S3 storage", len(remote))
		found = append(found, remote...)
	}

	found = reconcileArchives(found)
	added, skipped, size, err := recoverJobs(metadata.DefaultStore, found, *dryRun, log)
	if err != nil {
		log.WithError(err).Fatal("Recovery failed")
	}

	log.Info("Recovery summary:")
	log.Infof("- Archives found: %d", len(found))
	log.Infof("- Jobs recovered: %d", added)
	log.Infof("- Already known: %d", skipped)
	log.Infof("- Total recovered size: %s", humanize.Bytes(uint64(size)))
	if *dryRun {
		log.Info("Dry run completed - no changes were saved")
	}
}

// parseArchiveName extracts the kind and creation time from an archive name
func parseArchiveName(name string) (string, time.Time, bool) {
	m := archiveNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, false
	}
	at, err := time.ParseInLocation(stampLayout, m[2], time.Local)
	if err != nil {
		return "", time.Time{}, false
	}
	return m[1], at, true
}

// scanLocalStorage lists archives in the backup directory
func scanLocalStorage(dir string, log logrus.FieldLogger) ([]RecoveredArchive, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var found []RecoveredArchive
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		kind, stamp, ok := parseArchiveName(e.Name())
		if !ok {
			log.WithField("file", e.Name()).Debug("Skipping file with non-standard name")
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		p := filepath.Join(dir, e.Name())
		manifest, err := archive.ReadArchiveManifest(p)
		if err != nil {
			log.WithError(err).WithField("file", e.Name()).Debug("Archive has no readable manifest")
		}
		found = append(found, RecoveredArchive{
			Filename: e.Name(),
			Path:     p,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Kind:     kind,
			Stamp:    stamp,
			Manifest: manifest,
		})
	}
	return found, nil
}

func newS3Client(cfg config.S3Config) (s3iface.S3API, error) {
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle),
		DisableSSL:       aws.Bool(!cfg.UseSSL),
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}

// scanS3Storage lists archives under the prefix and reads each manifest from
// a temporary download
func scanS3Storage(svc s3iface.S3API, bucket, prefix, workDir string, log logrus.FieldLogger) ([]RecoveredArchive, error) {
	var found []RecoveredArchive
	params := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}

	err := svc.ListObjectsV2Pages(params, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			name := filepath.Base(key)
			kind, stamp, ok := parseArchiveName(name)
			if !ok {
				log.WithField("key", key).Debug("Skipping S3 object with non-standard name")
				continue
			}
			manifest, err := fetchManifest(svc, bucket, key, workDir)
			if err != nil {
				log.WithError(err).WithField("key", key).Debug("Could not read manifest from S3 object")
			}
			found = append(found, RecoveredArchive{
				Filename: name,
				S3Key:    key,
				Size:     aws.Int64Value(obj.Size),
				ModTime:  aws.TimeValue(obj.LastModified),
				Kind:     kind,
				Stamp:    stamp,
				Manifest: manifest,
			})
		}
		return true
	})
	return found, err
}

// fetchManifest downloads an object to a temporary file and reads its manifest
func fetchManifest(svc s3iface.S3API, bucket, key, workDir string) (*archive.Manifest, error) {
	out, err := svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(workDir, "recovery_*.zip")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, out.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return archive.ReadArchiveManifest(tmp.Name())
}

// reconcileArchives merges local and S3 copies of the same archive
func reconcileArchives(found []RecoveredArchive) []RecoveredArchive {
	byID := make(map[string]RecoveredArchive)
	for _, r := range found {
		merged, ok := byID[r.ID()]
		if !ok {
			byID[r.ID()] = r
			continue
		}
		if r.Path != "" {
			merged.Path = r.Path
			merged.Size = r.Size
		}
		if r.S3Key != "" {
			merged.S3Key = r.S3Key
		}
		if merged.Manifest == nil {
			merged.Manifest = r.Manifest
		}
		byID[r.ID()] = merged
	}

	out := make([]RecoveredArchive, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp.Before(out[j].Stamp) })
	return out
}

// toJob rebuilds the job record of a recovered archive
func toJob(r RecoveredArchive) types.BackupJob {
	created := r.Stamp
	if r.Manifest != nil && r.Manifest.BackupTimestamp > 0 {
		created = time.Unix(r.Manifest.BackupTimestamp, 0)
	}
	if created.IsZero() {
		created = r.ModTime
	}

	job := types.BackupJob{
		ID:          r.ID(),
		Kind:        r.Kind,
		CreatedAt:   created,
		CompletedAt: created,
		Filename:    r.Filename,
		Status:      types.StatusCompleted,
		Size:        r.Size,
		Path:        r.Path,
	}
	if r.Manifest != nil {
		job.Sites = []int64(r.Manifest.SitesIncluded)
		if _, ok := archive.ParseKind(r.Manifest.BackupType); ok {
			job.Kind = r.Manifest.BackupType
		}
	}
	if r.Path == "" {
		job.LocalDeleted = true
	}
	if r.S3Key != "" {
		job.S3Key = r.S3Key
		job.S3UploadStatus = types.UploadSuccess
	}
	return job
}

// recoverJobs records every archive whose job is unknown to the store
func recoverJobs(store types.JobStore, found []RecoveredArchive, dryRun bool, log logrus.FieldLogger) (added, skipped int, size int64, err error) {
	for _, r := range found {
		job := toJob(r)
		if _, known := store.GetBackupJob(job.ID); known {
			skipped++
			continue
		}
		if dryRun {
			log.WithField("id", job.ID).Info("Would recover backup job")
			added++
			size += job.Size
			continue
		}
		ok, err := store.RecordBackupJob(job)
		if err != nil {
			return added, skipped, size, fmt.Errorf("failed to record job %s: %w", job.ID, err)
		}
		if !ok {
			skipped++
			continue
		}
		log.WithField("id", job.ID).Debug("Recovered backup job")
		added++
		size += job.Size
	}
	return added, skipped, size, nil
}
