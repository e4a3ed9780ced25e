package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
)

// CacheHandler serves media cache statistics
type CacheHandler struct {
	cache  CacheInspector
	logger *zap.Logger
}

// NewCacheHandler creates a new CacheHandler
func NewCacheHandler(cache CacheInspector, logger *zap.Logger) *CacheHandler {
	return &CacheHandler{
		cache:  cache,
		logger: logger,
	}
}

type typeUsage struct {
	Count      int    `json:"count"`
	Bytes      int64  `json:"bytes"`
	LimitBytes int64  `json:"limit_bytes"`
	Human      string `json:"human"`
}

type cacheStatsResponse struct {
	TotalBytes int64                `json:"total_bytes"`
	TotalCount int                  `json:"total_count"`
	LimitBytes int64                `json:"limit_bytes"`
	Human      string               `json:"human"`
	Oldest     *time.Time           `json:"oldest,omitempty"`
	Newest     *time.Time           `json:"newest,omitempty"`
	Types      map[string]typeUsage `json:"types"`
}

// HandleStats handles cache statistics requests
func (h *CacheHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.cache.Statistics()
	total, perType := h.cache.Limits()

	resp := cacheStatsResponse{
		TotalBytes: stats.TotalSize,
		TotalCount: stats.TotalCount,
		LimitBytes: total,
		Human:      humanize.IBytes(uint64(stats.TotalSize)) + " / " + humanize.IBytes(uint64(total)),
		Types:      make(map[string]typeUsage, len(domain.MediaTypes)),
	}
	if !stats.Oldest.IsZero() {
		resp.Oldest = &stats.Oldest
		resp.Newest = &stats.Newest
	}
	for _, mt := range domain.MediaTypes {
		size := stats.PerTypeSizes[mt]
		resp.Types[mt.String()] = typeUsage{
			Count:      stats.PerTypeCounts[mt],
			Bytes:      size,
			LimitBytes: perType[mt],
			Human:      humanize.IBytes(uint64(size)),
		}
	}

	writeJSON(w, http.StatusOK, resp, h.logger)
}

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response", zap.Error(err))
	}
}
