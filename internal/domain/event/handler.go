package event

import (
	"go.uber.org/zap"
)

// LoggingHandler logs all events
type LoggingHandler struct {
	logger *zap.Logger
}

// NewLoggingHandler creates a new LoggingHandler
func NewLoggingHandler(logger *zap.Logger) *LoggingHandler {
	return &LoggingHandler{logger: logger}
}

// Handle logs the event
func (h *LoggingHandler) Handle(event DomainEvent) error {
	switch e := event.(type) {
	case EntryStored:
		h.logger.Debug("cache entry stored",
			zap.String("key", e.Key),
			zap.String("media_type", e.MediaType),
			zap.Int64("size", e.Size),
		)
	case EntryEvicted:
		h.logger.Debug("cache entry evicted",
			zap.String("key", e.Key),
			zap.String("media_type", e.MediaType),
			zap.Int64("size", e.Size),
			zap.String("reason", e.Reason),
		)
	case DownloadQueued:
		h.logger.Debug("download queued",
			zap.String("id", e.ID),
			zap.String("url", e.URL),
			zap.Int64("estimated_size", e.EstimatedSize),
			zap.String("priority", e.Priority),
		)
	case DownloadCompleted:
		h.logger.Info("download completed",
			zap.String("id", e.ID),
			zap.Int64("size", e.Size),
			zap.Bool("resumed", e.Resumed),
			zap.Duration("duration", e.Duration),
		)
	case DownloadFailed:
		h.logger.Warn("download failed",
			zap.String("id", e.ID),
			zap.String("error", e.Error),
			zap.String("kind", e.Kind),
		)
	case DownloadPaused:
		h.logger.Info("download paused",
			zap.String("id", e.ID),
			zap.Int64("bytes_written", e.BytesWritten),
			zap.String("reason", e.Reason),
		)
	case ConnectivityChanged:
		h.logger.Info("connectivity changed",
			zap.Bool("satisfied", e.Satisfied),
			zap.String("interface", e.Interface),
			zap.Bool("downloads_allowed", e.Allowed),
		)
	default:
		h.logger.Debug("domain event",
			zap.String("event", event.EventName()),
			zap.Time("occurred_at", event.OccurredAt()),
		)
	}
	return nil
}

// HandledEvents returns the events this handler handles
func (h *LoggingHandler) HandledEvents() []string {
	return []string{"*"} // Handle all events
}
