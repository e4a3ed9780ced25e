package port

import (
	"io"
	"time"
)

// DiskUsage represents disk usage statistics
type DiskUsage struct {
	Total   uint64  // Total disk space in bytes
	Used    uint64  // Used disk space in bytes
	Free    uint64  // Free disk space in bytes
	UsedPct float64 // Used percentage (0-100)
}

// TempSuffix marks partially written files. Anything carrying it is
// invisible to lookups and safe to delete once stale.
const TempSuffix = ".downloading"

// FileSystem defines the interface for storage directory operations.
// All paths are absolute.
type FileSystem interface {
	// RootDir returns the storage root directory
	RootDir() string

	// CreateDirectory creates dir and any missing parents
	CreateDirectory(dir string) error

	// WriteAtomic writes data to path via a temp file and rename.
	// On error nothing is visible at path.
	WriteAtomic(path string, data []byte) error

	// WriteTemp writes data to a fresh temp file next to finalPath and
	// returns the temp path. Commit moves it into place.
	WriteTemp(finalPath string, data []byte) (string, error)

	// AppendTemp copies r into tempPath. With resume it appends to the
	// existing file, otherwise the file is truncated first.
	// Returns the total size of tempPath afterwards.
	AppendTemp(tempPath string, r io.Reader, resume bool) (int64, error)

	// Commit renames tempPath to finalPath
	Commit(tempPath, finalPath string) error

	// ReadAll reads the whole file
	ReadAll(path string) ([]byte, error)

	// Remove deletes a file. Removing a missing file is not an error.
	Remove(path string) error

	// ListDirectory returns the regular files under dir, recursively
	ListDirectory(dir string) ([]string, error)

	// FileSize returns the size of a file
	FileSize(path string) (int64, error)

	// FileExists checks if a file exists
	FileExists(path string) bool

	// TempFileInfo returns size and modification time of a temp file
	TempFileInfo(tempPath string) (int64, time.Time, error)

	// AvailableSpace returns the bytes available to unprivileged writers
	// on the volume holding path
	AvailableSpace(path string) (int64, error)

	// DiskUsage returns disk usage statistics for the root volume
	DiskUsage() (*DiskUsage, error)

	// CleanOldTempFiles removes temp files under dir older than the
	// specified duration. Returns the number of files deleted.
	CleanOldTempFiles(dir string, olderThan time.Duration) (int, error)

	// CleanEmptyDirs removes empty directories below dir.
	// Returns the number of directories deleted.
	CleanEmptyDirs(dir string) (int, error)
}
