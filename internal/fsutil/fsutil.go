package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
	".png":  {},
	".jpg":  {},
	".jpeg": {},
}

// ListImages returns the image files directly inside dir, sorted by name.
// Sorted order is stack order.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if IsImageFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// EnsureDirs creates every directory in dirs. Existing directories are fine.
func EnsureDirs(dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// LinkMethod records how LinkOrCopy realized a destination.
type LinkMethod string

const (
	Linked  LinkMethod = "symlink"
	Copied  LinkMethod = "copy"
	Present LinkMethod = "present"
)

// SameFile reports whether a and b resolve to the same file on disk.
func SameFile(a, b string) bool {
	sa, err := os.Stat(a)
	if err != nil {
		return false
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(sa, sb)
}

// LinkOrCopy makes src available at dst: a symlink when possible, a byte
// copy otherwise. A stale dst is replaced; a dst that already resolves to
// src is left alone.
func LinkOrCopy(src, dst string) (LinkMethod, error) {
	abs, err := filepath.Abs(src)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	if _, err := os.Lstat(dst); err == nil {
		if SameFile(abs, dst) {
			return Present, nil
		}
		if err := os.Remove(dst); err != nil {
			return "", fmt.Errorf("remove stale %s: %w", dst, err)
		}
	}

	linkErr := os.Symlink(abs, dst)
	if linkErr == nil {
		return Linked, nil
	}
	if err := CopyFile(abs, dst); err != nil {
		return "", errors.Join(fmt.Errorf("symlink: %w", linkErr), fmt.Errorf("copy: %w", err))
	}
	return Copied, nil
}

// CopyFile copies src to dst through a temp file in dst's directory.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
