package filesystem

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vertextoedge/offline-media-cache/internal/port"
)

// Manager handles local filesystem operations
type Manager struct {
	rootDir    string
	bufferSize int
}

// Ensure Manager implements port.FileSystem
var _ port.FileSystem = (*Manager)(nil)

// NewManager creates a new filesystem manager
func NewManager(rootDir string) (*Manager, error) {
	return NewManagerWithBufferSize(rootDir, 1024*1024) // 1MB default
}

// NewManagerWithBufferSize creates a new filesystem manager with custom buffer size
func NewManagerWithBufferSize(rootDir string, bufferSize int) (*Manager, error) {
	// Ensure root directory exists
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root dir: %w", err)
	}

	if bufferSize <= 0 {
		bufferSize = 1024 * 1024
	}

	return &Manager{
		rootDir:    rootDir,
		bufferSize: bufferSize,
	}, nil
}

// RootDir returns the storage root directory
func (m *Manager) RootDir() string {
	return m.rootDir
}

// CreateDirectory creates dir and any missing parents
func (m *Manager) CreateDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create dir: %w", err)
	}
	return nil
}

// WriteAtomic writes data to path via a temp file and rename
func (m *Manager) WriteAtomic(path string, data []byte) error {
	tempPath, err := m.WriteTemp(path, data)
	if err != nil {
		return err
	}
	return m.Commit(tempPath, path)
}

// WriteTemp writes data to a fresh temp file next to finalPath
func (m *Manager) WriteTemp(finalPath string, data []byte) (string, error) {
	if err := m.CreateDirectory(filepath.Dir(finalPath)); err != nil {
		return "", err
	}

	tempPath := finalPath + "." + uuid.NewString() + port.TempSuffix
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to sync file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to close file: %w", err)
	}

	return tempPath, nil
}

// AppendTemp copies r into tempPath, appending when resume is set
func (m *Manager) AppendTemp(tempPath string, r io.Reader, resume bool) (int64, error) {
	if err := m.CreateDirectory(filepath.Dir(tempPath)); err != nil {
		return 0, err
	}

	var f *os.File
	var existingSize int64
	var err error

	if resume {
		if info, statErr := os.Stat(tempPath); statErr == nil {
			existingSize = info.Size()
		}
		f, err = os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return 0, fmt.Errorf("failed to open temp file for resume: %w", err)
		}
	} else {
		f, err = os.Create(tempPath)
		if err != nil {
			return 0, fmt.Errorf("failed to create temp file: %w", err)
		}
	}

	buf := make([]byte, m.bufferSize)
	written, err := io.CopyBuffer(f, r, buf)
	total := existingSize + written
	if err != nil {
		f.Close()
		return total, fmt.Errorf("failed to write file: %w", err)
	}

	if err := f.Close(); err != nil {
		return total, fmt.Errorf("failed to close file: %w", err)
	}

	return total, nil
}

// Commit renames tempPath to finalPath
func (m *Manager) Commit(tempPath, finalPath string) error {
	if err := m.CreateDirectory(filepath.Dir(finalPath)); err != nil {
		return err
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ReadAll reads the whole file
func (m *Manager) ReadAll(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Remove deletes a file
func (m *Manager) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// ListDirectory returns the regular files under dir, recursively
func (m *Manager) ListDirectory(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return fs.SkipAll
			}
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// FileSize returns the size of a file
func (m *Manager) FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// FileExists checks if a file exists
func (m *Manager) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// TempFileInfo returns size and modification time of a temp file
// Returns error if file does not exist
func (m *Manager) TempFileInfo(tempPath string) (int64, time.Time, error) {
	info, err := os.Stat(tempPath)
	if err != nil {
		return 0, time.Time{}, err
	}
	return info.Size(), info.ModTime(), nil
}

// CleanOldTempFiles removes temp files under dir older than the specified duration
func (m *Manager) CleanOldTempFiles(dir string, olderThan time.Duration) (int, error) {
	count := 0
	threshold := time.Now().Add(-olderThan)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipDir
			}
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, port.TempSuffix) {
			if info.ModTime().Before(threshold) {
				if removeErr := os.Remove(path); removeErr == nil {
					count++
				}
			}
		}
		return nil
	})
	return count, err
}

// CleanEmptyDirs removes empty directories below dir, deepest first, so a
// fan-out directory emptied by eviction goes away together with any parent
// it leaves empty. dir itself is kept. Returns the number removed.
func (m *Manager) CleanEmptyDirs(dir string) (int, error) {
	var dirs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() && path != dir {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for i := len(dirs) - 1; i >= 0; i-- {
		// Only succeeds when empty
		if os.Remove(dirs[i]) == nil {
			count++
		}
	}
	return count, nil
}
