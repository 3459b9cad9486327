// Package archive bundles a task's working directory for download.
package archive

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrAssembly indicates bundling failed. Packaging failure is
// independent of the task's primary artifact: a task whose index.html
// exists stays completed even when its bundle could not be written.
var ErrAssembly = errors.New("artifact assembly failed")

// BundleMetadata describes one bundle, stored inside it as
// metadata.json.
type BundleMetadata struct {
	TaskID    string    `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
	FileCount int       `json:"file_count"`
	TotalSize int64     `json:"total_size"`
}

// WriteBundle streams a zip of srcDir to w. Hidden files and the
// runtime's own state directories are skipped.
func WriteBundle(w io.Writer, srcDir, taskID string) (*BundleMetadata, error) {
	zw := zip.NewWriter(w)

	meta := &BundleMetadata{TaskID: taskID, CreatedAt: time.Now().UTC()}

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if skipEntry(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		f, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()

		n, err := io.Copy(f, src)
		if err != nil {
			return err
		}
		meta.FileCount++
		meta.TotalSize += n
		return nil
	})
	if err != nil {
		zw.Close()
		return nil, fmt.Errorf("%w: %v", ErrAssembly, err)
	}

	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	mf, err := zw.Create("metadata.json")
	if err == nil {
		mf.Write(metaJSON)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssembly, err)
	}
	return meta, nil
}

// Bundle writes a zip of srcDir to outPath via a temp file and rename,
// so a half-written bundle is never left at the final path.
func Bundle(srcDir, outPath, taskID string) (*BundleMetadata, error) {
	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".bundle-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssembly, err)
	}
	defer os.Remove(tmp.Name())

	meta, err := WriteBundle(tmp, srcDir, taskID)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: %v", ErrAssembly, cerr)
	}
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), outPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssembly, err)
	}
	return meta, nil
}

func skipEntry(rel string, d fs.DirEntry) bool {
	base := filepath.Base(rel)
	if strings.HasPrefix(base, ".") {
		return true
	}
	if d.IsDir() && (base == "node_modules" || base == "__pycache__") {
		return true
	}
	return false
}

// HasIndexHTML reports whether the primary artifact exists anywhere
// under dir.
func HasIndexHTML(dir string) bool {
	found := false
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && filepath.Base(path) == "index.html" {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}
