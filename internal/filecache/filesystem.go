package filecache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"fpsync/internal/fp"
)

// FileSystemCache is a filesystem-based implementation of the fp.FileCache
// interface. Bytes live in one directory per content id:
//
//	<root>/
//	  <ocID>/
//	    <fileName>
type FileSystemCache struct {
	root string
}

// NewFileSystemCache creates a cache rooted at root, creating it if needed.
func NewFileSystemCache(root string) (*FileSystemCache, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}
	return &FileSystemCache{root: root}, nil
}

// NewFactory returns a CacheFactory placing each account's cache under its
// domain root beneath baseDir.
func NewFactory(baseDir string) fp.CacheFactory {
	return func(account fp.Account) (fp.FileCache, error) {
		root, err := fp.DomainRoot(baseDir, account)
		if err != nil {
			return nil, err
		}
		return NewFileSystemCache(root)
	}
}

func (c *FileSystemCache) Root() string { return c.root }

func (c *FileSystemCache) slot(ocID string) string {
	return filepath.Join(c.root, ocID)
}

func (c *FileSystemCache) Path(ocID, fileName string) string {
	return filepath.Join(c.slot(ocID), fileName)
}

// OcIDForPath returns the slot name of a path inside the cache.
func (c *FileSystemCache) OcIDForPath(p string) (string, error) {
	rel, err := filepath.Rel(c.root, filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("resolving cache path: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path outside cache: %s", fp.ErrNotFound, p)
	}
	ocID, _, _ := strings.Cut(rel, string(filepath.Separator))
	return ocID, nil
}

func (c *FileSystemCache) Exists(ocID, fileName string) bool {
	info, err := os.Stat(c.Path(ocID, fileName))
	return err == nil && info.Mode().IsRegular()
}

func (c *FileSystemCache) Import(srcPath, ocID, fileName string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open import source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat import source: %w", err)
	}
	if err := os.MkdirAll(c.slot(ocID), 0755); err != nil {
		return 0, fmt.Errorf("failed to create cache slot: %w", err)
	}
	if err := writeFile(c.Path(ocID, fileName), src, info.Size()); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (c *FileSystemCache) Move(fromOcID, toOcID, fileName string) error {
	from := c.slot(fromOcID)
	entries, err := os.ReadDir(from)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache slot: %w", err)
	}

	to := c.slot(toOcID)
	if err := os.RemoveAll(to); err != nil {
		return fmt.Errorf("failed to clear cache slot: %w", err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("failed to move cache slot: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name() == fileName {
			continue
		}
		if err := os.Rename(filepath.Join(to, e.Name()), filepath.Join(to, fileName)); err != nil {
			return fmt.Errorf("failed to rename cached file: %w", err)
		}
		break
	}
	return nil
}

func (c *FileSystemCache) Rename(ocID, oldFileName, newFileName string) error {
	if oldFileName == newFileName {
		return nil
	}
	err := os.Rename(c.Path(ocID, oldFileName), c.Path(ocID, newFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to rename cached file: %w", err)
	}
	return nil
}

func (c *FileSystemCache) Delete(ocID string) error {
	if ocID == "" {
		return nil
	}
	if err := os.RemoveAll(c.slot(ocID)); err != nil {
		return fmt.Errorf("failed to delete cache slot: %w", err)
	}
	return nil
}

// ValidateSetup verifies that the cache root is an accessible directory.
func (c *FileSystemCache) ValidateSetup() error {
	info, err := os.Stat(c.root)
	if err != nil {
		return fmt.Errorf("cache root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cache root is not a directory: %s", c.root)
	}
	return nil
}

// writeFile writes data from r to destPath using atomic write (temp file + rename).
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ fp.FileCache = (*FileSystemCache)(nil)
