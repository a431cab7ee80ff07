package archive

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/supporttools/SiteGuard/pkg/apperrors"
)

// Build packages stagingDir into output, replacing any existing file.
// Directories become "name/" entries and files are deflated at their path
// relative to stagingDir.
func Build(stagingDir, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return apperrors.Wrap(apperrors.Archive, err, "Failed to create ZIP archive")
	}

	if err := writeZip(stagingDir, output); err != nil {
		os.Remove(output)
		return apperrors.Wrap(apperrors.Archive, err, "Failed to create ZIP archive")
	}

	if _, err := os.Stat(output); err != nil {
		return apperrors.Wrap(apperrors.Archive, err, "Failed to create ZIP archive")
	}
	return nil
}

func writeZip(stagingDir, output string) (err error) {
	f, err := os.Create(output)
	if err != nil {
		return errors.Wrap(err, "failed to create archive file")
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "failed to close archive file")
		}
	}()

	zw := zip.NewWriter(f)
	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			hdr := &zip.FileHeader{Name: name + "/", Method: zip.Store, Modified: info.ModTime()}
			hdr.SetMode(info.Mode())
			_, err := zw.CreateHeader(hdr)
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Method = zip.Deflate

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, in)
		in.Close()
		return err
	})
	if walkErr != nil {
		zw.Close()
		return errors.Wrap(walkErr, "failed to add staging entries")
	}
	return errors.Wrap(zw.Close(), "failed to finalize archive")
}
