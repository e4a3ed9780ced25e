package offline

import (
	"github.com/vertextoedge/offline-media-cache/internal/port"
)

// SpaceCheck is the outcome of a free space check
type SpaceCheck struct {
	HasSpace       bool
	AvailableBytes int64
	RequiredBytes  int64 // file size plus the safety margin
	SafetyMargin   int64
}

// Shortfall returns how many bytes are missing, zero when there is space
func (c *SpaceCheck) Shortfall() int64 {
	if c.HasSpace {
		return 0
	}
	return c.RequiredBytes - c.AvailableBytes
}

// SpaceManager checks free space on the volume holding the offline directory
type SpaceManager struct {
	fs           port.FileSystem
	dir          string
	safetyMargin int64
}

// NewSpaceManager creates a new SpaceManager
func NewSpaceManager(fs port.FileSystem, dir string, safetyMargin int64) *SpaceManager {
	if safetyMargin < 0 {
		safetyMargin = 0
	}
	return &SpaceManager{
		fs:           fs,
		dir:          dir,
		safetyMargin: safetyMargin,
	}
}

// CheckSpace checks if there's enough space for a file of the given size.
// The volume must keep the safety margin free after the file is written.
func (sm *SpaceManager) CheckSpace(fileSize int64) (*SpaceCheck, error) {
	if fileSize < 0 {
		fileSize = 0
	}

	available, err := sm.fs.AvailableSpace(sm.dir)
	if err != nil {
		return nil, err
	}

	result := &SpaceCheck{
		AvailableBytes: available,
		RequiredBytes:  fileSize + sm.safetyMargin,
		SafetyMargin:   sm.safetyMargin,
	}
	result.HasSpace = available >= result.RequiredBytes
	return result, nil
}
