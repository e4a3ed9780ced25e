package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vertextoedge/offline-media-cache/internal/domain/event"
)

// Metrics holds the prometheus collectors shared by the cache, the offline
// store and the transport. A nil *Metrics records nothing.
type Metrics struct {
	TransportAttempts *prometheus.CounterVec
	TransportRetries  *prometheus.CounterVec
	TransportOutcomes *prometheus.CounterVec

	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheStored    *prometheus.CounterVec
	CacheBytes     *prometheus.GaugeVec
	CacheItems     *prometheus.GaugeVec

	Downloads       *prometheus.CounterVec
	DownloadedBytes prometheus.Counter
	ActiveDownloads prometheus.Gauge
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransportAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omc_transport_attempts_total",
			Help: "HTTP attempts issued by the resilient transport.",
		}, []string{"host"}),
		TransportRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omc_transport_retries_total",
			Help: "Retries scheduled by the resilient transport.",
		}, []string{"reason"}),
		TransportOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omc_transport_outcomes_total",
			Help: "Final outcome of logical transport calls.",
		}, []string{"outcome"}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omc_cache_hits_total",
			Help: "Media cache hits.",
		}, []string{"media_type"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omc_cache_misses_total",
			Help: "Media cache misses, including expired entries.",
		}, []string{"media_type"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omc_cache_evictions_total",
			Help: "Entries removed from the media cache.",
		}, []string{"media_type", "reason"}),
		CacheStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omc_cache_stored_total",
			Help: "Entries written into the media cache.",
		}, []string{"media_type"}),
		CacheBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omc_cache_bytes",
			Help: "Bytes held by the media cache.",
		}, []string{"media_type"}),
		CacheItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omc_cache_items",
			Help: "Entries held by the media cache.",
		}, []string{"media_type"}),

		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omc_downloads_total",
			Help: "Offline downloads by outcome.",
		}, []string{"outcome"}),
		DownloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omc_downloaded_bytes_total",
			Help: "Bytes of completed offline downloads.",
		}),
		ActiveDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omc_active_downloads",
			Help: "Offline downloads currently transferring.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TransportAttempts, m.TransportRetries, m.TransportOutcomes,
			m.CacheHits, m.CacheMisses, m.CacheEvictions, m.CacheStored, m.CacheBytes, m.CacheItems,
			m.Downloads, m.DownloadedBytes, m.ActiveDownloads,
		)
	}
	return m
}

// Attempt records one HTTP attempt
func (m *Metrics) Attempt(host string) {
	if m == nil {
		return
	}
	m.TransportAttempts.WithLabelValues(host).Inc()
}

// Retry records a scheduled retry
func (m *Metrics) Retry(reason string) {
	if m == nil {
		return
	}
	m.TransportRetries.WithLabelValues(reason).Inc()
}

// Outcome records the result of a logical call
func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.TransportOutcomes.WithLabelValues(outcome).Inc()
}

// Hit records a cache hit
func (m *Metrics) Hit(mediaType string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(mediaType).Inc()
}

// Miss records a cache miss
func (m *Metrics) Miss(mediaType string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(mediaType).Inc()
}

// CacheUsage sets the per-type usage gauges
func (m *Metrics) CacheUsage(mediaType string, bytes int64, items int) {
	if m == nil {
		return
	}
	m.CacheBytes.WithLabelValues(mediaType).Set(float64(bytes))
	m.CacheItems.WithLabelValues(mediaType).Set(float64(items))
}

// DownloadStarted increments the active download gauge
func (m *Metrics) DownloadStarted() {
	if m == nil {
		return
	}
	m.ActiveDownloads.Inc()
}

// DownloadStopped decrements the active download gauge
func (m *Metrics) DownloadStopped() {
	if m == nil {
		return
	}
	m.ActiveDownloads.Dec()
}

// EventHandler turns domain events into metric updates
type EventHandler struct {
	metrics *Metrics
}

// NewEventHandler creates a handler feeding m
func NewEventHandler(m *Metrics) *EventHandler {
	return &EventHandler{metrics: m}
}

// Handle updates counters for the event
func (h *EventHandler) Handle(e event.DomainEvent) error {
	m := h.metrics
	if m == nil {
		return nil
	}

	switch ev := e.(type) {
	case event.EntryStored:
		m.CacheStored.WithLabelValues(ev.MediaType).Inc()
	case event.EntryEvicted:
		m.CacheEvictions.WithLabelValues(ev.MediaType, ev.Reason).Inc()
	case event.DownloadQueued:
		m.Downloads.WithLabelValues("queued").Inc()
	case event.DownloadCompleted:
		m.Downloads.WithLabelValues("completed").Inc()
		m.DownloadedBytes.Add(float64(ev.Size))
	case event.DownloadFailed:
		m.Downloads.WithLabelValues("failed").Inc()
	case event.DownloadCancelled:
		m.Downloads.WithLabelValues("cancelled").Inc()
	case event.DownloadPaused:
		m.Downloads.WithLabelValues("paused").Inc()
	}
	return nil
}

// HandledEvents returns the events this handler handles
func (h *EventHandler) HandledEvents() []string {
	return []string{
		event.NameEntryStored,
		event.NameEntryEvicted,
		event.NameDownloadQueued,
		event.NameDownloadCompleted,
		event.NameDownloadFailed,
		event.NameDownloadCancelled,
		event.NameDownloadPaused,
	}
}
