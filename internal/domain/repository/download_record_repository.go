package repository

import (
	"github.com/vertextoedge/offline-media-cache/internal/domain"
)

// DownloadRecordRepository persists offline download records
type DownloadRecordRepository interface {
	// LoadAll returns every persisted record.
	// Undecodable rows are skipped and reported in the second return.
	LoadAll() ([]*domain.DownloadRecord, []error, error)

	// Save inserts or replaces a record
	Save(record *domain.DownloadRecord) error

	// Delete removes a record by id. Deleting a missing record is not an error.
	Delete(id string) error

	// DeleteAll removes every record
	DeleteAll() error

	// Close closes the underlying store
	Close() error
}
