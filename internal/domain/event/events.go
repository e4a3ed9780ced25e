package event

import (
	"time"
)

// DomainEvent is the interface for all domain events
type DomainEvent interface {
	// EventName returns the name of the event
	EventName() string
	// OccurredAt returns when the event occurred
	OccurredAt() time.Time
}

// BaseEvent provides common fields for all events
type BaseEvent struct {
	Timestamp time.Time
}

// OccurredAt returns when the event occurred
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// Event names
const (
	NameEntryStored         = "cache.entry_stored"
	NameEntryEvicted        = "cache.entry_evicted"
	NameDownloadQueued      = "download.queued"
	NameDownloadCompleted   = "download.completed"
	NameDownloadFailed      = "download.failed"
	NameDownloadCancelled   = "download.cancelled"
	NameDownloadPaused      = "download.paused"
	NameConnectivityChanged = "network.connectivity_changed"
)

// Eviction reasons
const (
	ReasonCapacity = "capacity"
	ReasonExpired  = "expired"
	ReasonMissing  = "missing"
	ReasonRemoved  = "removed"
	ReasonCleared  = "cleared"
)

// EntryStored is raised when a blob is written into the media cache
type EntryStored struct {
	BaseEvent
	Key       string
	MediaType string
	Size      int64
}

// EventName returns the event name
func (e EntryStored) EventName() string {
	return NameEntryStored
}

// NewEntryStored creates a new EntryStored event
func NewEntryStored(key, mediaType string, size int64) EntryStored {
	return EntryStored{
		BaseEvent: BaseEvent{Timestamp: time.Now()},
		Key:       key,
		MediaType: mediaType,
		Size:      size,
	}
}

// EntryEvicted is raised when an entry leaves the media cache
type EntryEvicted struct {
	BaseEvent
	Key       string
	MediaType string
	Size      int64
	Reason    string
}

// EventName returns the event name
func (e EntryEvicted) EventName() string {
	return NameEntryEvicted
}

// NewEntryEvicted creates a new EntryEvicted event
func NewEntryEvicted(key, mediaType string, size int64, reason string) EntryEvicted {
	return EntryEvicted{
		BaseEvent: BaseEvent{Timestamp: time.Now()},
		Key:       key,
		MediaType: mediaType,
		Size:      size,
		Reason:    reason,
	}
}

// DownloadQueued is raised when an offline download is accepted
type DownloadQueued struct {
	BaseEvent
	ID            string
	URL           string
	EstimatedSize int64
	Priority      string
}

// EventName returns the event name
func (e DownloadQueued) EventName() string {
	return NameDownloadQueued
}

// NewDownloadQueued creates a new DownloadQueued event
func NewDownloadQueued(id, url string, estimatedSize int64, priority string) DownloadQueued {
	return DownloadQueued{
		BaseEvent:     BaseEvent{Timestamp: time.Now()},
		ID:            id,
		URL:           url,
		EstimatedSize: estimatedSize,
		Priority:      priority,
	}
}

// DownloadCompleted is raised when a download is verified and moved into place
type DownloadCompleted struct {
	BaseEvent
	ID       string
	Size     int64
	Resumed  bool
	Duration time.Duration
}

// EventName returns the event name
func (e DownloadCompleted) EventName() string {
	return NameDownloadCompleted
}

// NewDownloadCompleted creates a new DownloadCompleted event
func NewDownloadCompleted(id string, size int64, resumed bool, duration time.Duration) DownloadCompleted {
	return DownloadCompleted{
		BaseEvent: BaseEvent{Timestamp: time.Now()},
		ID:        id,
		Size:      size,
		Resumed:   resumed,
		Duration:  duration,
	}
}

// DownloadFailed is raised when a download ends in the failed state
type DownloadFailed struct {
	BaseEvent
	ID    string
	Error string
	Kind  string
}

// EventName returns the event name
func (e DownloadFailed) EventName() string {
	return NameDownloadFailed
}

// NewDownloadFailed creates a new DownloadFailed event
func NewDownloadFailed(id, errMsg, kind string) DownloadFailed {
	return DownloadFailed{
		BaseEvent: BaseEvent{Timestamp: time.Now()},
		ID:        id,
		Error:     errMsg,
		Kind:      kind,
	}
}

// DownloadCancelled is raised when a download is cancelled and its record removed
type DownloadCancelled struct {
	BaseEvent
	ID string
}

// EventName returns the event name
func (e DownloadCancelled) EventName() string {
	return NameDownloadCancelled
}

// NewDownloadCancelled creates a new DownloadCancelled event
func NewDownloadCancelled(id string) DownloadCancelled {
	return DownloadCancelled{
		BaseEvent: BaseEvent{Timestamp: time.Now()},
		ID:        id,
	}
}

// DownloadPaused is raised when an in-flight download is suspended
type DownloadPaused struct {
	BaseEvent
	ID           string
	BytesWritten int64
	Reason       string
}

// EventName returns the event name
func (e DownloadPaused) EventName() string {
	return NameDownloadPaused
}

// NewDownloadPaused creates a new DownloadPaused event
func NewDownloadPaused(id string, bytesWritten int64, reason string) DownloadPaused {
	return DownloadPaused{
		BaseEvent:    BaseEvent{Timestamp: time.Now()},
		ID:           id,
		BytesWritten: bytesWritten,
		Reason:       reason,
	}
}

// ConnectivityChanged is raised when the download policy sees a new network path
type ConnectivityChanged struct {
	BaseEvent
	Satisfied bool
	Interface string
	Allowed   bool
}

// EventName returns the event name
func (e ConnectivityChanged) EventName() string {
	return NameConnectivityChanged
}

// NewConnectivityChanged creates a new ConnectivityChanged event
func NewConnectivityChanged(satisfied bool, iface string, allowed bool) ConnectivityChanged {
	return ConnectivityChanged{
		BaseEvent: BaseEvent{Timestamp: time.Now()},
		Satisfied: satisfied,
		Interface: iface,
		Allowed:   allowed,
	}
}
