package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
	"github.com/vertextoedge/offline-media-cache/internal/domain/event"
	"github.com/vertextoedge/offline-media-cache/internal/port"
)

type stopReason int

const (
	stopNone stopReason = iota
	stopCancel
	stopPause
	stopShutdown
)

// attempt is one worker's run of a record. Fields other than token and
// cancel are guarded by Store.mu.
type attempt struct {
	token   string
	cancel  context.CancelFunc
	stop    stopReason
	reason  string
	started time.Time
	resumed bool
}

// worker claims queued records until ctx is cancelled or the store closes
func (s *Store) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	workerName := fmt.Sprintf("worker-%d", workerID)
	s.logger.Debug("offline worker started", zap.String("worker", workerName))

	for {
		s.mu.Lock()
		rec, a, attemptCtx := s.claimLocked(ctx)
		changed := s.changed
		closed := s.closed
		s.mu.Unlock()

		if rec == nil {
			if closed {
				s.logger.Debug("offline worker stopped", zap.String("worker", workerName))
				return
			}
			select {
			case <-ctx.Done():
				s.logger.Debug("offline worker stopped", zap.String("worker", workerName))
				return
			case <-changed:
			}
			continue
		}

		s.logger.Info("claimed download",
			zap.String("worker", workerName),
			zap.String("id", rec.ID),
			zap.String("priority", rec.Priority.String()),
			zap.Int64("bytes_written", rec.BytesWritten))

		s.process(attemptCtx, rec, a)
	}
}

// claimLocked starts the most urgent queued record: higher priority first,
// then the oldest request. Caller holds mu.
func (s *Store) claimLocked(ctx context.Context) (*domain.DownloadRecord, *attempt, context.Context) {
	if !s.canRunLocked() || ctx.Err() != nil {
		return nil, nil, nil
	}

	var next *domain.DownloadRecord
	for _, rec := range s.records {
		if rec.State != domain.StateQueued {
			continue
		}
		if next == nil || claimsBefore(rec, next) {
			next = rec
		}
	}
	if next == nil {
		return nil, nil, nil
	}

	now := s.now()
	if err := next.Start(now); err != nil {
		s.logger.Error("failed to start download", zap.String("id", next.ID), zap.Error(err))
		return nil, nil, nil
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	a := &attempt{
		token:   uuid.NewString(),
		cancel:  cancel,
		started: now,
	}
	s.active[next.ID] = a
	s.persistSave(next)
	return next.Clone(), a, attemptCtx
}

func claimsBefore(a, b *domain.DownloadRecord) bool {
	if a.Priority != b.Priority {
		return a.Priority.HigherThan(b.Priority)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) process(ctx context.Context, rec *domain.DownloadRecord, a *attempt) {
	s.metrics.DownloadStarted()
	defer s.metrics.DownloadStopped()
	defer a.cancel()

	size, err := s.transfer(ctx, rec, a)
	s.finish(rec, a, size, err)
}

// transfer streams rec into its temp file, resuming from the bytes already
// there when the server honours the range, then verifies the length and
// moves the file into place. Returns the bytes in the file.
func (s *Store) transfer(ctx context.Context, rec *domain.DownloadRecord, a *attempt) (int64, error) {
	temp := rec.TempFilePath
	final := finalPath(temp)

	var offset int64
	if size, _, err := s.fs.TempFileInfo(temp); err == nil {
		offset = size
	}

	stream, err := s.transport.Open(ctx, &port.Request{
		Method:     http.MethodGet,
		URL:        rec.RemoteURL,
		RangeStart: offset,
	})
	if err != nil {
		return offset, err
	}
	defer stream.Body.Close()

	resume := offset > 0 && stream.StatusCode == http.StatusPartialContent && stream.Offset == offset
	if offset > 0 && !resume {
		s.logger.Info("range not honoured, restarting download",
			zap.String("id", rec.ID),
			zap.Int64("had_bytes", offset),
			zap.Int("status", stream.StatusCode))
		offset = 0
	} else if resume {
		s.logger.Info("resuming download",
			zap.String("id", rec.ID),
			zap.Int64("from_byte", offset))
	}

	expected := int64(-1)
	if stream.ContentLength >= 0 {
		expected = offset + stream.ContentLength
	}
	s.begin(rec.ID, a, offset, expected, resume)

	reader := &progressReader{
		reader:  stream.Body,
		written: offset,
		report:  func(n int64) { s.progress(rec.ID, a, n) },
	}
	total, err := s.fs.AppendTemp(temp, reader, resume)
	if err != nil {
		if reader.err != nil {
			return total, fmt.Errorf("%w: reading body: %w", domain.ErrNoConnection, reader.err)
		}
		return total, domain.NewStorageError("write download", temp, err)
	}

	if expected >= 0 && total != expected {
		return total, fmt.Errorf("%w: received %d of %d bytes", ErrIncomplete, total, expected)
	}

	if err := s.fs.Commit(temp, final); err != nil {
		return total, domain.NewStorageError("commit download", final, err)
	}
	return total, nil
}

// begin records where the transfer starts. Caller must not hold mu.
func (s *Store) begin(id string, a *attempt, offset, expected int64, resume bool) {
	s.mu.Lock()
	if s.active[id] != a {
		s.mu.Unlock()
		return
	}
	a.resumed = resume
	rec := s.records[id]
	rec.BytesWritten = offset
	if expected >= 0 {
		rec.BytesExpected = expected
	} else if !resume {
		rec.BytesExpected = 0
	}
	p := rec.Progress()
	h := s.handles[id]
	s.persistSave(rec)
	s.mu.Unlock()

	if h != nil {
		h.report(p)
	}
}

// progress records bytes written so far. Persisting is rate limited per id.
func (s *Store) progress(id string, a *attempt, written int64) {
	s.mu.Lock()
	if s.active[id] != a {
		s.mu.Unlock()
		return
	}
	rec := s.records[id]
	rec.UpdateProgress(written, 0)
	p := rec.Progress()
	h := s.handles[id]
	if ok, _ := s.persists.Allow(id); ok {
		s.persistSave(rec)
	}
	s.mu.Unlock()

	if h != nil {
		h.report(p)
	}
}

// finish applies the outcome of an attempt. Results of attempts that were
// cancelled meanwhile only clean up their own files.
func (s *Store) finish(snapshot *domain.DownloadRecord, a *attempt, total int64, err error) {
	id := snapshot.ID
	temp := snapshot.TempFilePath
	final := finalPath(temp)

	s.mu.Lock()
	if s.active[id] != a {
		s.mu.Unlock()
		if err == nil {
			s.removeFile(final)
		} else {
			s.removeFile(temp)
		}
		s.logger.Debug("discarded result of cancelled download", zap.String("id", id))
		return
	}
	delete(s.active, id)
	rec := s.records[id]
	h := s.handles[id]
	now := s.now()

	if err == nil {
		if cerr := rec.Complete(final, total, now); cerr != nil {
			s.logger.Error("failed to complete download record", zap.String("id", id), zap.Error(cerr))
		}
		delete(s.handles, id)
		s.persists.Forget(id)
		s.persistSave(rec)
		s.mu.Unlock()

		if h != nil {
			h.report(1)
			h.finish(nil)
		}
		s.dispatcher.Dispatch(event.NewDownloadCompleted(id, total, a.resumed, now.Sub(a.started)))
		s.logger.Info("download completed",
			zap.String("id", id),
			zap.String("size", formatBytes(total)),
			zap.Bool("resumed", a.resumed))
		return
	}

	stop, reason := a.stop, a.reason
	if stop == stopNone && errors.Is(err, context.Canceled) {
		// Start's context ended without Close
		stop = stopShutdown
	}
	var lostPath *port.PathStatus
	if stop == stopNone && s.offlineLocked(err) {
		stop, reason = stopPause, "connectivity"
		// The watcher may only ever see the recovery, so record the loss here
		current := s.reach.Current()
		if s.setPathLocked(current) {
			lostPath = &current
		}
	}

	switch stop {
	case stopShutdown:
		rec.BytesWritten = total
		rec.Requeue(now)
		s.persistSave(rec)
		s.mu.Unlock()
		return

	case stopPause:
		rec.BytesWritten = total
		if s.canRunLocked() && a.stop == stopPause {
			rec.Requeue(now)
			s.notifyLocked()
		} else if perr := rec.Pause(now); perr != nil {
			s.logger.Error("failed to pause download record", zap.String("id", id), zap.Error(perr))
		}
		paused := rec.State == domain.StatePaused
		allowed := s.allowed
		s.persistSave(rec)
		s.mu.Unlock()

		if lostPath != nil {
			s.dispatcher.Dispatch(event.NewConnectivityChanged(lostPath.Satisfied, string(lostPath.Interface), allowed))
		}
		if paused {
			s.dispatcher.Dispatch(event.NewDownloadPaused(id, total, reason))
		}
		return
	}

	if ferr := rec.Fail(err, now); ferr != nil {
		s.logger.Error("failed to fail download record", zap.String("id", id), zap.Error(ferr))
	}
	delete(s.handles, id)
	s.persists.Forget(id)
	s.persistSave(rec)
	s.mu.Unlock()

	s.removeFile(temp)
	if h != nil {
		h.finish(err)
	}
	s.emitError(DownloadError{ID: id, Err: err})
	s.dispatcher.Dispatch(event.NewDownloadFailed(id, err.Error(), string(domain.Kind(err))))
	s.logger.Warn("download failed",
		zap.String("id", id),
		zap.String("url", snapshot.RemoteURL),
		zap.String("kind", string(domain.Kind(err))),
		zap.Error(err))
}

// offlineLocked reports whether err came from losing the network. Such
// failures pause the download instead of failing it. Caller holds mu.
func (s *Store) offlineLocked(err error) bool {
	if domain.Kind(err) != domain.KindConnectivity || s.reach == nil {
		return false
	}
	return !s.reach.Current().Satisfied
}

func (s *Store) emitError(e DownloadError) {
	select {
	case s.errs <- e:
	default:
		s.logger.Warn("download error channel full, dropping error",
			zap.String("id", e.ID),
			zap.Error(e.Err))
	}
}

// progressReader wraps a reader to report download progress
type progressReader struct {
	reader  io.Reader
	written int64
	report  func(written int64)
	err     error
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.written += int64(n)
		r.report(r.written)
	}
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}
