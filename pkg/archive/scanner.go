package archive

import (
	"archive/zip"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/supporttools/SiteGuard/pkg/apperrors"
	"github.com/supporttools/SiteGuard/pkg/upload"
)

// ScanResult is the outcome of inspecting an uploaded archive
type ScanResult struct {
	Success         bool     `json:"success"`
	Filename        string   `json:"filename"`
	Size            int64    `json:"size"`
	FormatValid     bool     `json:"format_valid"`
	BackupType      string   `json:"backup_type"`
	Components      []string `json:"components"`
	SitesCount      int      `json:"sites_count"`
	BackupDate      string   `json:"backup_date,omitempty"`
	PlatformVersion string   `json:"platform_version,omitempty"`
	DatabaseFiles   []string `json:"database_files"`
	HasManifest     bool     `json:"has_manifest"`
	Warnings        []string `json:"warnings"`
	Errors          []string `json:"errors"`
}

// Scanner classifies archives without extracting them
type Scanner struct {
	// WorkDir holds the private scratch copies, under scans/
	WorkDir string
	// RunningVersion is compared against the archive's platform version
	RunningVersion string
}

// NewScanner creates a scanner
func NewScanner(workDir, runningVersion string) *Scanner {
	return &Scanner{WorkDir: workDir, RunningVersion: runningVersion}
}

// Scan moves the upload to a scratch path, inspects it and always removes
// the scratch copy
func (s *Scanner) Scan(f upload.File) (*ScanResult, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	scratch := filepath.Join(s.WorkDir, "scans",
		fmt.Sprintf("scan_%s_%s.zip", time.Now().Format("2006-01-02_15-04-05"), uuid.NewString()[:8]))
	if err := f.MoveTo(scratch); err != nil {
		return nil, apperrors.Wrap(apperrors.IO, err, "Failed to move uploaded file for scanning")
	}
	defer os.Remove(scratch)

	return s.Inspect(scratch, f.Name, f.Size)
}

// Inspect reads the central directory of the archive at p once
func (s *Scanner) Inspect(p, originalName string, size int64) (*ScanResult, error) {
	r, err := zip.OpenReader(p)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Archive, err, "Failed to open ZIP file")
	}
	defer r.Close()

	result := &ScanResult{
		Success:       true,
		Filename:      originalName,
		Size:          size,
		BackupType:    "unknown",
		Components:    []string{},
		DatabaseFiles: []string{},
		Warnings:      []string{},
		Errors:        []string{},
	}

	var manifest *Manifest
	hasDatabase, hasFiles := false, false

	for _, f := range r.File {
		name := strings.TrimPrefix(f.Name, "./")
		if strings.HasSuffix(name, "/") {
			continue
		}

		switch {
		case name == ManifestName || (name == LegacyManifestName && manifest == nil):
			if m, err := readZipManifest(f); err == nil {
				manifest = m
			}
		case strings.HasPrefix(name, "database/") && path.Ext(name) == ".sql":
			hasDatabase = true
			result.DatabaseFiles = append(result.DatabaseFiles, path.Base(name))
		case strings.HasPrefix(name, "files/"):
			hasFiles = true
		}
	}

	if manifest != nil {
		result.HasManifest = true
	}

	if kind, ok := manifestKind(manifest); ok {
		result.BackupType = string(kind)
		result.FormatValid = true
	} else {
		switch {
		case hasDatabase && hasFiles:
			result.BackupType = string(KindFull)
			result.FormatValid = true
		case hasDatabase:
			result.BackupType = string(KindDatabase)
			result.FormatValid = true
		case hasFiles:
			result.BackupType = string(KindFiles)
			result.FormatValid = true
		default:
			result.Errors = append(result.Errors, "Invalid backup format: No recognizable backup structure found")
		}
	}

	if manifest != nil {
		result.BackupDate = manifest.BackupDate
		result.PlatformVersion = manifest.Version()
		result.SitesCount = len(manifest.SitesIncluded)
		if newerThan(result.PlatformVersion, s.RunningVersion) {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"Backup was created with a newer platform version (%s) than current (%s)",
				result.PlatformVersion, s.RunningVersion))
		}
	} else {
		for _, f := range result.DatabaseFiles {
			if f != "users.sql" {
				result.SitesCount++
			}
		}
	}

	if hasDatabase {
		labels := make([]string, len(result.DatabaseFiles))
		for i, f := range result.DatabaseFiles {
			labels[i] = strings.TrimSuffix(f, ".sql")
		}
		result.Components = append(result.Components,
			fmt.Sprintf("Database (%d SQL files: %s)", len(labels), strings.Join(labels, ", ")))
	}
	if hasFiles {
		result.Components = append(result.Components, "Files (themes, plugins, uploads)")
	}

	if !hasDatabase {
		result.Warnings = append(result.Warnings, "No database backup found - site content and settings will not be restored")
	}
	if !hasFiles {
		result.Warnings = append(result.Warnings, "No files backup found - themes, plugins, and media will not be restored")
	}
	if manifest == nil {
		result.Warnings = append(result.Warnings, "Backup metadata not found - this may not be a backup created by this engine")
	}

	return result, nil
}

// ReadArchiveManifest returns the manifest stored in the archive at p,
// preferring manifest.json over the legacy name
func ReadArchiveManifest(p string) (*Manifest, error) {
	r, err := zip.OpenReader(p)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Archive, err, "Failed to open ZIP file")
	}
	defer r.Close()

	var legacy *zip.File
	for _, f := range r.File {
		switch strings.TrimPrefix(f.Name, "./") {
		case ManifestName:
			return readZipManifest(f)
		case LegacyManifestName:
			legacy = f
		}
	}
	if legacy != nil {
		return readZipManifest(legacy)
	}
	return nil, apperrors.New(apperrors.Format, "Archive has no manifest")
}

func readZipManifest(f *zip.File) (*Manifest, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ReadManifest(rc)
}

func manifestKind(m *Manifest) (Kind, bool) {
	if m == nil {
		return "", false
	}
	return ParseKind(m.BackupType)
}

// newerThan reports whether archive is a strictly newer version than running.
// Versions that are not dotted numbers never warn.
func newerThan(archive, running string) bool {
	if archive == "" || running == "" {
		return false
	}
	a, b := "v"+strings.TrimPrefix(archive, "v"), "v"+strings.TrimPrefix(running, "v")
	if !semver.IsValid(a) || !semver.IsValid(b) {
		return false
	}
	return semver.Compare(a, b) > 0
}
