package port

import (
	"github.com/vertextoedge/offline-media-cache/internal/domain/repository"
)

// CacheEntryRepository is an alias to domain repository interface
type CacheEntryRepository = repository.CacheEntryRepository

// DownloadRecordRepository is an alias to domain repository interface
type DownloadRecordRepository = repository.DownloadRecordRepository
