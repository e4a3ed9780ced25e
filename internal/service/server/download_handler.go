package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
)

// DownloadHandler serves offline download state
type DownloadHandler struct {
	downloads DownloadInspector
	logger    *zap.Logger
}

// NewDownloadHandler creates a new DownloadHandler
func NewDownloadHandler(downloads DownloadInspector, logger *zap.Logger) *DownloadHandler {
	return &DownloadHandler{
		downloads: downloads,
		logger:    logger,
	}
}

type downloadView struct {
	ID            string     `json:"id"`
	Title         string     `json:"title,omitempty"`
	URL           string     `json:"url"`
	State         string     `json:"state"`
	Priority      string     `json:"priority"`
	Progress      float64    `json:"progress"`
	BytesWritten  int64      `json:"bytes_written"`
	BytesExpected int64      `json:"bytes_expected,omitempty"`
	SizeBytes     int64      `json:"size_bytes,omitempty"`
	LocalPath     string     `json:"local_path,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type downloadListResponse struct {
	Stats     domain.QueueStats `json:"stats"`
	Downloads []downloadView    `json:"downloads"`
}

// HandleList lists every download with queue statistics
func (h *DownloadHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	records := h.downloads.List()
	resp := downloadListResponse{
		Stats:     h.downloads.Stats(),
		Downloads: make([]downloadView, 0, len(records)),
	}
	for _, rec := range records {
		resp.Downloads = append(resp.Downloads, h.view(rec))
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}

// HandleGet returns a single download
func (h *DownloadHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.downloads.Record(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(rec), h.logger)
}

// HandleDelete cancels a download or removes its content
func (h *DownloadHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.downloads.DeleteContent(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("offline content deleted via admin API", zap.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadHandler) view(rec *domain.DownloadRecord) downloadView {
	progress, err := h.downloads.Progress(rec.ID)
	if err != nil {
		progress = rec.Progress()
	}
	return downloadView{
		ID:            rec.ID,
		Title:         rec.Title,
		URL:           rec.RemoteURL,
		State:         string(rec.State),
		Priority:      rec.Priority.String(),
		Progress:      progress,
		BytesWritten:  rec.BytesWritten,
		BytesExpected: rec.BytesExpected,
		SizeBytes:     rec.ActualSizeBytes,
		LocalPath:     rec.LocalPath,
		LastError:     rec.LastError,
		CreatedAt:     rec.CreatedAt,
		CompletedAt:   rec.CompletedAt,
	}
}

func (h *DownloadHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "Download not found", http.StatusNotFound)
	default:
		h.logger.Error("download request failed", zap.Error(err))
		http.Error(w, "Offline store unavailable", http.StatusServiceUnavailable)
	}
}
