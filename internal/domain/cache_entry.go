package domain

import "time"

// CacheEntry is one cached media blob.
// The pair (MediaType, Key) identifies an entry.
type CacheEntry struct {
	Key         string
	MediaType   MediaType
	StoragePath string
	SourceURL   string
	SizeBytes   int64

	CreatedAt      time.Time
	LastAccessedAt time.Time

	// Seq is the insertion order, used to break ties between entries
	// with equal LastAccessedAt.
	Seq int64
}

// EntryID is the identity of a cache entry.
type EntryID struct {
	MediaType MediaType
	Key       string
}

// ID returns the entry identity
func (e *CacheEntry) ID() EntryID {
	return EntryID{MediaType: e.MediaType, Key: e.Key}
}

// IsExpired returns true if the entry is older than maxAge at now.
// A non-positive maxAge disables expiry.
func (e *CacheEntry) IsExpired(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > maxAge
}

// Touch records an access at now. Access times never move backwards.
func (e *CacheEntry) Touch(now time.Time) {
	if now.After(e.LastAccessedAt) {
		e.LastAccessedAt = now
	}
}

// OlderThan reports whether e is less recently used than other.
func (e *CacheEntry) OlderThan(other *CacheEntry) bool {
	if e.LastAccessedAt.Equal(other.LastAccessedAt) {
		return e.Seq < other.Seq
	}
	return e.LastAccessedAt.Before(other.LastAccessedAt)
}

// Clone returns a copy safe to hand out to callers
func (e *CacheEntry) Clone() *CacheEntry {
	c := *e
	return &c
}

// CacheStats is an aggregate view over the current entries.
type CacheStats struct {
	TotalSize     int64
	TotalCount    int
	PerTypeCounts map[MediaType]int
	PerTypeSizes  map[MediaType]int64
	Oldest        time.Time
	Newest        time.Time
}
