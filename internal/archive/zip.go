// Package archive writes project files as zip archives.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/thebtf/cohive/internal/envelope"
)

// ErrNotFound is returned when the directory to archive does not exist.
var ErrNotFound = errors.New("directory not found")

// SkipDirs are never included when archiving a workspace.
var SkipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
}

func newWriter(w io.Writer) *zip.Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	return zw
}

// WriteTree writes every file of the tree into a zip archive.
func WriteTree(w io.Writer, tree envelope.FileTree) error {
	zw := newWriter(w)
	now := time.Now()
	for _, f := range tree.Files() {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.Path,
			Method:   zip.Deflate,
			Modified: now,
		})
		if err != nil {
			return fmt.Errorf("add %s: %w", f.Path, err)
		}
		if _, err := io.WriteString(fw, f.Contents); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

// WriteDir writes the regular files below root into a zip archive with
// paths relative to root. Symlinks are skipped.
func WriteDir(w io.Writer, root string) error {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotFound, root)
	}

	zw := newWriter(w)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && SkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate

		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(fw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", root, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

// FileName returns a safe attachment name ending in .zip.
func FileName(name, fallback string) string {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".zip")
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	if strings.Trim(name, "._") == "" {
		name = fallback
	}
	return name + ".zip"
}
