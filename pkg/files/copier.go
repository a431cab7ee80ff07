// Package files copies site content trees and redacts the site bootstrap config.
package files

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DefaultMaxFileSize is the largest file copied into a backup
const DefaultMaxFileSize int64 = 100 * 1024 * 1024

// DefaultSkipExtensions are transient files never copied
var DefaultSkipExtensions = []string{"log", "tmp", "cache", "lock"}

// Copier copies directory trees with a size ceiling and an extension skip-set
type Copier struct {
	MaxFileSize int64
	skip        map[string]bool
}

// NewCopier creates a copier. A non-positive maxSize means DefaultMaxFileSize.
func NewCopier(maxSize int64, skipExtensions []string) *Copier {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	skip := make(map[string]bool, len(skipExtensions))
	for _, ext := range skipExtensions {
		skip[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return &Copier{MaxFileSize: maxSize, skip: skip}
}

// Accepts reports whether a file of this name and size is copied
func (c *Copier) Accepts(name string, size int64) bool {
	if size > c.MaxFileSize {
		return false
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	return !c.skip[ext]
}

// CopyTree copies src into dst and returns the bytes copied. A missing src
// copies nothing. Existing destination files are overwritten.
func (c *Copier) CopyTree(src, dst string) (int64, error) {
	return c.CopyTreeExcept(src, dst)
}

// CopyTreeExcept is CopyTree without the named top-level directories of src
func (c *Copier) CopyTreeExcept(src, dst string, exclude ...string) (int64, error) {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return 0, nil
	}
	skipDirs := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skipDirs[name] = true
	}

	var total int64
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			if skipDirs[rel] {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !c.Accepts(d.Name(), info.Size()) {
			return nil
		}

		n, err := copyFile(path, target, info.Mode().Perm())
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	if err != nil {
		return total, errors.Wrapf(err, "failed to copy %s", src)
	}
	return total, nil
}

func copyFile(src, dst string, perm os.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0200)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
