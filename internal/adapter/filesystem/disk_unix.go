//go:build !windows
// +build !windows

package filesystem

import (
	"fmt"
	"syscall"

	"github.com/vertextoedge/offline-media-cache/internal/port"
)

// DiskUsage returns disk usage for the storage root
func (m *Manager) DiskUsage() (*port.DiskUsage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.rootDir, &stat); err != nil {
		return nil, fmt.Errorf("failed to get disk stats: %w", err)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	used := total - free

	usage := &port.DiskUsage{
		Total: total,
		Used:  used,
		Free:  free,
	}
	if total > 0 {
		usage.UsedPct = float64(used) / float64(total) * 100
	}
	return usage, nil
}

// AvailableSpace returns the bytes available on the volume holding path
func (m *Manager) AvailableSpace(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("failed to get disk stats: %w", err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
