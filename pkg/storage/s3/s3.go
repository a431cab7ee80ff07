// Package s3 copies backup archives to S3-compatible object storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"

	"github.com/supporttools/SiteGuard/pkg/config"
	"github.com/supporttools/SiteGuard/pkg/metadata/types"
	"github.com/supporttools/SiteGuard/pkg/metrics"
)

// ObjectAPI is the subset of the S3 client used here
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Client uploads archives and enforces remote retention
type Client struct {
	api       ObjectAPI
	presigner *s3.PresignClient
	cfg       config.S3Config
	debug     bool
	now       func() time.Time
}

// NewClient creates an S3 client from configuration
func NewClient(cfg config.S3Config, debug bool) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("S3 storage is not enabled in configuration")
	}

	s3Client, err := getS3Client(cfg, debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	c := NewWithAPI(s3Client, cfg)
	c.presigner = s3.NewPresignClient(s3Client)
	c.debug = debug
	return c, nil
}

// NewWithAPI wraps an existing object API
func NewWithAPI(api ObjectAPI, cfg config.S3Config) *Client {
	return &Client{api: api, cfg: cfg, now: time.Now}
}

func getS3Client(cfg config.S3Config, debug bool) (*s3.Client, error) {
	ctx := context.Background()

	sdkOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
		awsconfig.WithRegion(cfg.Region),
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, sdkOptions...)
	if err != nil {
		return nil, fmt.Errorf("AWS SDK config initialization error: %w", err)
	}

	s3Options := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = cfg.PathStyle
		},
	}

	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "https"
			if !cfg.UseSSL {
				scheme = "http"
			}
			endpoint = scheme + "://" + endpoint
		}
		if debug {
			log.Printf("S3 Debug: using endpoint %s (path style %v)", endpoint, cfg.PathStyle)
		}
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return s3.NewFromConfig(awsCfg, s3Options...), nil
}

// ObjectKey returns the key an archive file name is stored under
func (c *Client) ObjectKey(fileName string) string {
	prefix := strings.Trim(c.cfg.Prefix, "/")
	if prefix == "" {
		return fileName
	}
	return prefix + "/" + fileName
}

func (c *Client) listPrefix() string {
	prefix := strings.Trim(c.cfg.Prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// UploadArchive uploads the archive at archivePath and returns its key
func (c *Client) UploadArchive(ctx context.Context, archivePath, kind string) (string, error) {
	startTime := time.Now()
	objectKey := c.ObjectKey(path.Base(archivePath))

	file, err := os.Open(archivePath)
	if err != nil {
		metrics.S3UploadCount.WithLabelValues(kind, "error").Inc()
		return "", fmt.Errorf("failed to open archive for S3 upload: %w", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err == nil && c.debug {
		log.Printf("S3 Debug: Uploading %s (%s) to bucket=%s key=%s",
			archivePath, humanize.Bytes(uint64(fileInfo.Size())), c.cfg.Bucket, objectKey)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(objectKey),
		Body:        file,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		metrics.S3UploadCount.WithLabelValues(kind, "error").Inc()

		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			log.Printf("S3 upload URL error: %v, URL: %v, Op: %v", urlErr.Err, urlErr.URL, urlErr.Op)
		}
		return "", fmt.Errorf("failed to upload archive to S3: %w", err)
	}

	metrics.S3UploadDuration.WithLabelValues(kind).Observe(time.Since(startTime).Seconds())
	metrics.S3UploadCount.WithLabelValues(kind, "success").Inc()
	if fileInfo != nil {
		metrics.BackupSize.WithLabelValues(kind, "s3").Set(float64(fileInfo.Size()))
	}

	log.Printf("Successfully uploaded archive to S3: s3://%s/%s", c.cfg.Bucket, objectKey)
	return objectKey, nil
}

// EnforceRetention deletes archives older than the configured retention and
// returns how many were removed. An empty retention keeps everything.
func (c *Client) EnforceRetention(ctx context.Context, store types.JobStore) (int, error) {
	retention, err := config.RetentionDuration(c.cfg.Retention)
	if err != nil {
		return 0, err
	}
	if retention == 0 {
		return 0, nil
	}

	expirationTime := c.now().Add(-retention)
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.cfg.Bucket),
		Prefix: aws.String(c.listPrefix()),
	})

	removed := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return removed, fmt.Errorf("failed to list S3 objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !isArchiveKey(key) || obj.LastModified == nil || !obj.LastModified.Before(expirationTime) {
				continue
			}
			if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(c.cfg.Bucket),
				Key:    obj.Key,
			}); err != nil {
				log.Printf("Failed to delete expired S3 archive %s: %v", key, err)
				continue
			}

			removed++
			metrics.RetentionDeletes.WithLabelValues("s3").Inc()
			log.Printf("Removed expired S3 archive: %s", key)
			if store != nil {
				markRemoteDeleted(store, key)
			}
		}
	}
	return removed, nil
}

func isArchiveKey(key string) bool {
	name := path.Base(key)
	return strings.HasPrefix(name, "backup_") && strings.HasSuffix(name, ".zip")
}

func markRemoteDeleted(store types.JobStore, key string) {
	for _, job := range store.GetBackupJobs() {
		if job.S3Key != key {
			continue
		}
		if err := store.UpdateS3UploadStatus(job.ID, types.UploadSkipped, "", "expired by retention"); err != nil {
			log.Printf("Warning: Failed to clear S3 key of backup %s: %v", job.ID, err)
		}
		return
	}
}
