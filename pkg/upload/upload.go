// Package upload models an archive handed over by the admin surface.
package upload

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/supporttools/SiteGuard/pkg/apperrors"
)

// StatusOK is the status code of a complete upload
const StatusOK = 0

// File is an uploaded file waiting in a temporary location
type File struct {
	TempPath string
	Name     string
	Size     int64
	Status   int
}

// Validate rejects failed uploads and non-ZIP names
func (f File) Validate() error {
	if f.Status != StatusOK || f.TempPath == "" {
		return apperrors.New(apperrors.Validation, "No backup file uploaded or upload error occurred.")
	}
	if !strings.EqualFold(filepath.Ext(f.Name), ".zip") {
		return apperrors.New(apperrors.Validation, "Invalid file type. Please upload a ZIP file.")
	}
	return nil
}

// MoveTo moves the upload to dst, copying when a rename crosses devices
func (f File) MoveTo(dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.Wrap(err, "failed to create destination directory")
	}
	if err := os.Rename(f.TempPath, dst); err == nil {
		return nil
	}

	in, err := os.Open(f.TempPath)
	if err != nil {
		return errors.Wrap(err, "failed to open upload")
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		in.Close()
		return errors.Wrap(err, "failed to create destination file")
	}
	_, err = io.Copy(out, in)
	in.Close()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return errors.Wrap(err, "failed to copy upload")
	}
	return os.Remove(f.TempPath)
}
