package repository

import (
	"github.com/vertextoedge/offline-media-cache/internal/domain"
)

// CacheEntryRepository persists media cache metadata.
// The cache holds every entry in memory and uses the repository only to
// survive restarts.
type CacheEntryRepository interface {
	// LoadAll returns every persisted entry.
	// Rows that cannot be decoded are skipped and reported as
	// domain.SkippableError values in the second return.
	LoadAll() ([]*domain.CacheEntry, []error, error)

	// Upsert inserts or replaces an entry
	Upsert(entry *domain.CacheEntry) error

	// UpsertAll inserts or replaces entries in a single transaction
	UpsertAll(entries []*domain.CacheEntry) error

	// Delete removes an entry. Deleting a missing entry is not an error.
	Delete(id domain.EntryID) error

	// DeleteAll removes all entries, or all entries of mediaType when set
	DeleteAll(mediaType domain.MediaType) error

	// Close closes the underlying store
	Close() error
}
