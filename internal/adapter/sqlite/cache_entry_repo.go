package sqlite

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
	"github.com/vertextoedge/offline-media-cache/internal/port"
)

const upsertEntryQuery = `
	INSERT INTO cache_entries (
		media_type, key, storage_path, source_url, size_bytes,
		created_at, last_accessed_at, seq
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(media_type, key) DO UPDATE SET
		storage_path = excluded.storage_path,
		source_url = excluded.source_url,
		size_bytes = excluded.size_bytes,
		created_at = excluded.created_at,
		last_accessed_at = excluded.last_accessed_at,
		seq = excluded.seq
`

// CacheEntryRepo stores media cache metadata
type CacheEntryRepo struct {
	*Store
}

// Ensure CacheEntryRepo implements port.CacheEntryRepository
var _ port.CacheEntryRepository = (*CacheEntryRepo)(nil)

// OpenCacheEntryRepo opens the cache metadata file at dbPath,
// resetting it if it is corrupt
func OpenCacheEntryRepo(dbPath string, logger *zap.Logger) (*CacheEntryRepo, error) {
	store, err := OpenOrReset(dbPath, logger)
	if err != nil {
		return nil, err
	}
	return &CacheEntryRepo{Store: store}, nil
}

// LoadAll returns every persisted cache entry
func (r *CacheEntryRepo) LoadAll() ([]*domain.CacheEntry, []error, error) {
	rows, err := r.db.Query(`
		SELECT media_type, key, storage_path, source_url, size_bytes,
			   created_at, last_accessed_at, seq
		FROM cache_entries
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var entries []*domain.CacheEntry
	var skipped []error
	for rows.Next() {
		var (
			mediaType           string
			createdAt, accessAt int64
			entry               domain.CacheEntry
		)
		if err := rows.Scan(
			&mediaType, &entry.Key, &entry.StoragePath, &entry.SourceURL, &entry.SizeBytes,
			&createdAt, &accessAt, &entry.Seq,
		); err != nil {
			skipped = append(skipped, domain.NewSkippableError(err, "scan cache entry"))
			continue
		}

		mt, err := domain.ParseMediaType(mediaType)
		if err != nil {
			skipped = append(skipped, domain.NewSkippableError(err, "cache entry "+entry.Key))
			continue
		}
		if entry.SizeBytes < 0 || entry.StoragePath == "" {
			skipped = append(skipped, domain.NewSkippableError(
				fmt.Errorf("%w: size %d path %q", domain.ErrInvalidInput, entry.SizeBytes, entry.StoragePath),
				"cache entry "+entry.Key))
			continue
		}

		entry.MediaType = mt
		entry.CreatedAt = fromNanos(createdAt)
		entry.LastAccessedAt = fromNanos(accessAt)
		entries = append(entries, &entry)
	}

	return entries, skipped, rows.Err()
}

// Upsert inserts or replaces an entry
func (r *CacheEntryRepo) Upsert(entry *domain.CacheEntry) error {
	_, err := r.db.Exec(upsertEntryQuery, entryArgs(entry)...)
	return err
}

// UpsertAll inserts or replaces entries in a single transaction
func (r *CacheEntryRepo) UpsertAll(entries []*domain.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(upsertEntryQuery)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, entry := range entries {
		if _, err := stmt.Exec(entryArgs(entry)...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Delete removes an entry
func (r *CacheEntryRepo) Delete(id domain.EntryID) error {
	_, err := r.db.Exec(`DELETE FROM cache_entries WHERE media_type = ? AND key = ?`,
		string(id.MediaType), id.Key)
	return err
}

// DeleteAll removes all entries, or all entries of mediaType when set
func (r *CacheEntryRepo) DeleteAll(mediaType domain.MediaType) error {
	var err error
	if mediaType == "" {
		_, err = r.db.Exec(`DELETE FROM cache_entries`)
	} else {
		_, err = r.db.Exec(`DELETE FROM cache_entries WHERE media_type = ?`, string(mediaType))
	}
	return err
}

func entryArgs(e *domain.CacheEntry) []any {
	return []any{
		string(e.MediaType), e.Key, e.StoragePath, e.SourceURL, e.SizeBytes,
		toNanos(e.CreatedAt), toNanos(e.LastAccessedAt), e.Seq,
	}
}
