package domain

import (
	"fmt"
	"time"
)

// DownloadState is the lifecycle state of an offline download.
//
//	queued -> downloading -> completed | failed
//	downloading -> paused -> queued -> downloading
//
// A paused download resumes through queued so that it competes for a worker
// by priority like any other. Start also accepts paused directly.
type DownloadState string

// Download state constants
const (
	StateQueued      DownloadState = "queued"
	StateDownloading DownloadState = "downloading"
	StatePaused      DownloadState = "paused"
	StateCompleted   DownloadState = "completed"
	StateFailed      DownloadState = "failed"
)

// DownloadRecord represents one user-requested offline download
type DownloadRecord struct {
	ID        string
	Title     string
	RemoteURL string
	LocalPath string
	Priority  Priority

	EstimatedSizeBytes int64
	ActualSizeBytes    int64

	State DownloadState

	// Resume support
	TempFilePath  string
	BytesWritten  int64
	BytesExpected int64

	LastError string

	// Timestamps
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// IsActive returns true while the record occupies its id in the queue
func (r *DownloadRecord) IsActive() bool {
	switch r.State {
	case StateQueued, StateDownloading, StatePaused:
		return true
	}
	return false
}

// Start moves a queued or paused record into downloading
func (r *DownloadRecord) Start(now time.Time) error {
	if r.State != StateQueued && r.State != StatePaused {
		return r.transitionError(StateDownloading)
	}
	r.State = StateDownloading
	r.UpdatedAt = now
	return nil
}

// Pause suspends an in-flight download, keeping its partial bytes
func (r *DownloadRecord) Pause(now time.Time) error {
	if r.State != StateDownloading {
		return r.transitionError(StatePaused)
	}
	r.State = StatePaused
	r.UpdatedAt = now
	return nil
}

// Complete marks the record as fully downloaded and verified
func (r *DownloadRecord) Complete(localPath string, size int64, now time.Time) error {
	if r.State != StateDownloading {
		return r.transitionError(StateCompleted)
	}
	r.State = StateCompleted
	r.LocalPath = localPath
	r.ActualSizeBytes = size
	r.BytesWritten = size
	r.TempFilePath = ""
	r.LastError = ""
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

// Fail marks the record as failed. Partial progress is discarded.
func (r *DownloadRecord) Fail(err error, now time.Time) error {
	if r.State != StateDownloading && r.State != StateQueued {
		return r.transitionError(StateFailed)
	}
	r.State = StateFailed
	if err != nil {
		r.LastError = err.Error()
	}
	r.TempFilePath = ""
	r.BytesWritten = 0
	r.UpdatedAt = now
	return nil
}

// Requeue puts an interrupted download back in the queue, keeping its
// partial bytes. Resume after a pause goes through here, as do records
// persisted mid-download and found at start-up.
func (r *DownloadRecord) Requeue(now time.Time) {
	r.State = StateQueued
	r.UpdatedAt = now
}

// UpdateProgress records bytes written so far. Progress never decreases
// within one attempt.
func (r *DownloadRecord) UpdateProgress(bytesWritten, bytesExpected int64) {
	if bytesWritten > r.BytesWritten {
		r.BytesWritten = bytesWritten
	}
	if bytesExpected > 0 {
		r.BytesExpected = bytesExpected
	}
}

// Progress returns the completed fraction in [0,1]
func (r *DownloadRecord) Progress() float64 {
	if r.State == StateCompleted {
		return 1
	}
	expected := r.BytesExpected
	if expected <= 0 {
		expected = r.EstimatedSizeBytes
	}
	if expected <= 0 {
		return 0
	}
	p := float64(r.BytesWritten) / float64(expected)
	if p > 1 {
		p = 1
	}
	return p
}

// Clone returns a copy safe to hand out to callers
func (r *DownloadRecord) Clone() *DownloadRecord {
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (r *DownloadRecord) transitionError(to DownloadState) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, r.State, to)
}

// QueueStats represents download queue statistics
type QueueStats struct {
	QueuedCount      int
	DownloadingCount int
	PausedCount      int
	CompletedCount   int
	FailedCount      int
	CompletedBytes   int64
}
