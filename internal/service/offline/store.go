package offline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
	"github.com/vertextoedge/offline-media-cache/internal/domain/event"
	"github.com/vertextoedge/offline-media-cache/internal/domain/repository"
	"github.com/vertextoedge/offline-media-cache/internal/domain/vo"
	"github.com/vertextoedge/offline-media-cache/internal/metrics"
	"github.com/vertextoedge/offline-media-cache/internal/port"
	"github.com/vertextoedge/offline-media-cache/internal/util/ratelimiter"
	"github.com/vertextoedge/offline-media-cache/internal/util/writebehind"
)

// ErrClosed is returned by operations on a closed Store
var ErrClosed = errors.New("offline store closed")

// ErrIncomplete reports a body whose length differs from its Content-Length
var ErrIncomplete = fmt.Errorf("%w: incomplete download", domain.ErrServer)

// Config contains offline store configuration
type Config struct {
	// Dir holds downloaded files
	Dir string

	ConcurrentDownloads int

	// SafetyMargin must stay free on the volume after a download
	SafetyMargin vo.ByteSize

	AllowCellular bool

	// ProgressPersistInterval limits how often in-flight progress is saved
	ProgressPersistInterval time.Duration

	// ErrorBuffer is the capacity of the Errors channel
	ErrorBuffer int
}

// DefaultConfig returns default offline store configuration
func DefaultConfig() *Config {
	return &Config{
		ConcurrentDownloads:     2,
		SafetyMargin:            vo.MustByteSize(100 * vo.MB),
		ProgressPersistInterval: 5 * time.Second,
		ErrorBuffer:             64,
	}
}

// Request describes a download to keep offline
type Request struct {
	ID            string
	URL           string
	Title         string
	EstimatedSize int64
	Priority      domain.Priority // zero means normal
}

func (r Request) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: empty download id", domain.ErrInvalidInput)
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: invalid download url %q", domain.ErrInvalidInput, r.URL)
	}
	if r.EstimatedSize < 0 {
		return fmt.Errorf("%w: negative estimated size", domain.ErrInvalidInput)
	}
	if r.Priority != 0 && !r.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %d", domain.ErrInvalidInput, r.Priority)
	}
	return nil
}

// DownloadError reports a download that ended in the failed state
type DownloadError struct {
	ID  string
	Err error
}

// Error returns the error message
func (e DownloadError) Error() string {
	return "download " + e.ID + ": " + e.Err.Error()
}

// Unwrap returns the underlying error
func (e DownloadError) Unwrap() error {
	return e.Err
}

// Option customizes a Store
type Option func(*Store)

// WithDispatcher publishes download events to d
func WithDispatcher(d event.EventDispatcher) Option {
	return func(s *Store) { s.dispatcher = d }
}

// WithMetrics records active downloads into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store keeps user-requested downloads until they are deleted.
//
// Records live in memory behind mu and are persisted through a
// write-behind queue. Downloads run on ConcurrentDownloads worker
// goroutines; each running download is tracked by an attempt whose token
// lets late results from a cancelled run be recognised and discarded.
type Store struct {
	config     *Config
	fs         port.FileSystem
	repo       repository.DownloadRecordRepository
	transport  port.Transport
	reach      port.Reachability
	space      *SpaceManager
	dispatcher event.EventDispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	records   map[string]*domain.DownloadRecord
	active    map[string]*attempt
	handles   map[string]*Handle
	reserving map[string]struct{}
	changed   chan struct{}

	path          port.PathStatus
	allowed       bool
	allowCellular bool
	userPaused    bool
	running       bool
	closed        bool

	errs     chan DownloadError
	journal  *writebehind.Queue
	persists *ratelimiter.Limiter
	halt     context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Store and loads persisted records. Downloads start once
// Start is called. reach may be nil, in which case the network is assumed
// usable.
func New(
	cfg *Config,
	filesystem port.FileSystem,
	repo repository.DownloadRecordRepository,
	transport port.Transport,
	reach port.Reachability,
	logger *zap.Logger,
	opts ...Option,
) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(filesystem.RootDir(), "offline")
	}
	cfg.Dir = filepath.Clean(cfg.Dir)
	if cfg.ConcurrentDownloads <= 0 {
		cfg.ConcurrentDownloads = 2
	}
	if cfg.ProgressPersistInterval <= 0 {
		cfg.ProgressPersistInterval = 5 * time.Second
	}
	if cfg.ErrorBuffer <= 0 {
		cfg.ErrorBuffer = 64
	}

	if err := filesystem.CreateDirectory(cfg.Dir); err != nil {
		return nil, domain.NewStorageError("create offline directory", cfg.Dir, err)
	}

	s := &Store{
		config:        cfg,
		fs:            filesystem,
		repo:          repo,
		transport:     transport,
		reach:         reach,
		space:         NewSpaceManager(filesystem, cfg.Dir, cfg.SafetyMargin.Bytes()),
		dispatcher:    event.NewNullDispatcher(),
		logger:        logger,
		now:           time.Now,
		records:       make(map[string]*domain.DownloadRecord),
		active:        make(map[string]*attempt),
		handles:       make(map[string]*Handle),
		reserving:     make(map[string]struct{}),
		changed:       make(chan struct{}),
		allowCellular: cfg.AllowCellular,
		errs:          make(chan DownloadError, cfg.ErrorBuffer),
		journal:       writebehind.New(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.persists = ratelimiter.NewWithClock(cfg.ProgressPersistInterval, s.now)

	s.path = port.PathStatus{Satisfied: true, Interface: port.InterfaceOther}
	if reach != nil {
		s.path = reach.Current()
	}
	s.allowed = s.policy(s.path)

	s.load()
	return s, nil
}

// load restores persisted records. Interrupted downloads are queued again,
// completed records whose file vanished are dropped and files no record
// refers to are deleted.
func (s *Store) load() {
	records, skipped, err := s.repo.LoadAll()
	if err != nil {
		s.logger.Warn("discarding unreadable offline metadata", zap.Error(err))
		s.persistDeleteAll()
		records = nil
	}
	for _, sk := range skipped {
		s.logger.Warn("skipped offline metadata row", zap.Error(sk))
	}

	now := s.now()
	referenced := make(map[string]struct{}, len(records))
	for _, rec := range records {
		switch rec.State {
		case domain.StateDownloading:
			rec.Requeue(now)
			s.persistSave(rec)
		case domain.StateCompleted:
			if !s.fs.FileExists(rec.LocalPath) {
				s.logger.Warn("dropping download whose file is missing",
					zap.String("id", rec.ID),
					zap.String("path", rec.LocalPath))
				s.persistDelete(rec.ID)
				continue
			}
		}

		s.records[rec.ID] = rec
		for _, p := range []string{rec.LocalPath, rec.TempFilePath} {
			if p != "" {
				referenced[p] = struct{}{}
			}
		}
		if rec.IsActive() {
			h := newHandle(rec.ID, s.cancelHandle)
			h.report(rec.Progress())
			s.handles[rec.ID] = h
		}
	}

	files, err := s.fs.ListDirectory(s.config.Dir)
	if err != nil {
		s.logger.Warn("failed to list offline directory", zap.String("dir", s.config.Dir), zap.Error(err))
		return
	}
	orphans := 0
	for _, f := range files {
		if _, ok := referenced[f]; ok {
			continue
		}
		s.removeFile(f)
		orphans++
	}

	s.logger.Info("offline store loaded",
		zap.Int("records", len(s.records)),
		zap.Int("orphans_removed", orphans))
}

// Start launches the download workers and the connectivity watcher.
// They run until ctx is cancelled or Close is called.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("offline store already running")
	}
	s.running = true
	ctx, s.halt = context.WithCancel(ctx)
	s.mu.Unlock()

	if s.reach != nil {
		updates, unsubscribe := s.reach.Subscribe()
		s.wg.Add(1)
		go s.watch(ctx, updates, unsubscribe)
		s.setPath(s.reach.Current())
	}

	for i := 0; i < s.config.ConcurrentDownloads; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.logger.Info("offline store started",
		zap.Int("workers", s.config.ConcurrentDownloads),
		zap.Bool("network_allowed", s.networkAllowed()))
	return nil
}

// Close stops the workers. Running downloads keep their partial files
// and are queued again, so they resume on the next start.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, a := range s.active {
		a.stop = stopShutdown
		a.cancel()
	}
	halt := s.halt
	s.notifyLocked()
	s.mu.Unlock()

	if halt != nil {
		halt()
	}
	s.wg.Wait()

	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()
	for _, h := range handles {
		h.finish(ErrClosed)
	}

	s.journal.Close()
	close(s.errs)
	s.logger.Info("offline store stopped")
	return nil
}

// RequestDownload queues a download. It fails with ErrAlreadyDownloaded
// when the content is on disk, ErrAlreadyInProgress while a download for
// the id is queued, running or paused, and ErrInsufficientStorage when the
// volume cannot hold the estimated size plus the safety margin. A failed
// record for the id is replaced.
func (s *Store) RequestDownload(req Request) (*Handle, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Priority == 0 {
		req.Priority = domain.PriorityNormal
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := s.reserving[req.ID]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", domain.ErrAlreadyInProgress, req.ID)
	}
	var completedPath string
	if rec, ok := s.records[req.ID]; ok {
		if rec.IsActive() {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", domain.ErrAlreadyInProgress, req.ID)
		}
		if rec.State == domain.StateCompleted {
			completedPath = rec.LocalPath
		}
	}
	s.reserving[req.ID] = struct{}{}
	s.mu.Unlock()

	h, err := s.admit(req, completedPath)
	if err != nil {
		s.mu.Lock()
		delete(s.reserving, req.ID)
		s.mu.Unlock()
		return nil, err
	}
	return h, nil
}

// admit runs the disk checks for a reserved id and queues the record
func (s *Store) admit(req Request, completedPath string) (*Handle, error) {
	if completedPath != "" && s.fs.FileExists(completedPath) {
		return nil, fmt.Errorf("%w: %q", domain.ErrAlreadyDownloaded, req.ID)
	}

	check, err := s.space.CheckSpace(req.EstimatedSize)
	if err != nil {
		return nil, domain.NewStorageError("check available space", s.config.Dir, err)
	}
	if !check.HasSpace {
		s.logger.Warn("not enough space for download",
			zap.String("id", req.ID),
			zap.String("required", formatBytes(check.RequiredBytes)),
			zap.String("available", formatBytes(check.AvailableBytes)))
		return nil, fmt.Errorf("%w: need %s including safety margin, %s available, %s short",
			domain.ErrInsufficientStorage, formatBytes(check.RequiredBytes), formatBytes(check.AvailableBytes),
			formatBytes(check.Shortfall()))
	}

	now := s.now()
	rec := &domain.DownloadRecord{
		ID:                 req.ID,
		Title:              req.Title,
		RemoteURL:          req.URL,
		Priority:           req.Priority,
		EstimatedSizeBytes: req.EstimatedSize,
		State:              domain.StateQueued,
		TempFilePath:       s.pathFor(req.ID, req.URL) + port.TempSuffix,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	s.mu.Lock()
	delete(s.reserving, req.ID)
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.records[req.ID] = rec
	h := newHandle(req.ID, s.cancelHandle)
	s.handles[req.ID] = h
	s.persistSave(rec)
	s.notifyLocked()
	s.mu.Unlock()

	h.report(0)
	s.dispatcher.Dispatch(event.NewDownloadQueued(req.ID, req.URL, req.EstimatedSize, req.Priority.String()))
	s.logger.Debug("download queued",
		zap.String("id", req.ID),
		zap.String("priority", req.Priority.String()))
	return h, nil
}

// CancelDownload stops and forgets a queued, running or paused download,
// including its partial file. Unknown ids and finished downloads are
// ignored.
func (s *Store) CancelDownload(id string) {
	s.abort(id, nil)
}

func (s *Store) cancelHandle(h *Handle) {
	s.abort(h.id, h)
}

// abort cancels id. When only is set, id is cancelled only while only is
// still its current handle.
func (s *Store) abort(id string, only *Handle) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if s.closed || !ok || !rec.IsActive() || (only != nil && s.handles[id] != only) {
		s.mu.Unlock()
		return
	}
	h := s.handles[id]
	temp := s.detachLocked(id)
	s.persistDelete(id)
	s.mu.Unlock()

	if temp != "" {
		s.removeFile(temp)
	}
	if h != nil {
		h.finish(domain.ErrCancelled)
	}
	s.dispatcher.Dispatch(event.NewDownloadCancelled(id))
	s.logger.Info("download cancelled", zap.String("id", id))
}

// DeleteContent removes a download's file and record. A download still in
// progress is cancelled.
func (s *Store) DeleteContent(id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: download %q", domain.ErrNotFound, id)
	}
	wasActive := rec.IsActive()
	h := s.handles[id]
	temp := s.detachLocked(id)
	s.persistDelete(id)
	s.mu.Unlock()

	for _, p := range []string{temp, rec.LocalPath} {
		if p != "" {
			s.removeFile(p)
		}
	}
	if h != nil {
		h.finish(domain.ErrCancelled)
	}
	if wasActive {
		s.dispatcher.Dispatch(event.NewDownloadCancelled(id))
	}
	s.logger.Info("offline content deleted", zap.String("id", id))
	return nil
}

// ClearAll cancels every download and deletes all offline content
func (s *Store) ClearAll() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var files []string
	var handles []*Handle
	var cancelled []string
	for id, rec := range s.records {
		if h := s.handles[id]; h != nil {
			handles = append(handles, h)
		}
		if rec.IsActive() {
			cancelled = append(cancelled, id)
		}
		if temp := s.detachLocked(id); temp != "" {
			files = append(files, temp)
		}
		if rec.LocalPath != "" {
			files = append(files, rec.LocalPath)
		}
	}
	s.persistDeleteAll()
	s.mu.Unlock()

	for _, f := range files {
		s.removeFile(f)
	}
	for _, h := range handles {
		h.finish(domain.ErrCancelled)
	}
	for _, id := range cancelled {
		s.dispatcher.Dispatch(event.NewDownloadCancelled(id))
	}
	s.logger.Info("offline content cleared", zap.Int("files", len(files)))
	return nil
}

// PruneFailed forgets failed downloads last updated more than olderThan ago
func (s *Store) PruneFailed(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	threshold := s.now().Add(-olderThan)
	pruned := 0
	for id, rec := range s.records {
		if rec.State != domain.StateFailed || !rec.UpdatedAt.Before(threshold) {
			continue
		}
		s.detachLocked(id)
		s.persistDelete(id)
		pruned++
	}
	return pruned
}

// detachLocked forgets id. A running attempt is cancelled and cleans up
// after itself; otherwise the partial file path is returned for removal.
// Caller holds mu.
func (s *Store) detachLocked(id string) string {
	rec := s.records[id]
	delete(s.records, id)
	delete(s.handles, id)
	s.persists.Forget(id)

	if a, running := s.active[id]; running {
		a.stop = stopCancel
		a.cancel()
		delete(s.active, id)
		return ""
	}
	if rec == nil {
		return ""
	}
	return rec.TempFilePath
}

// PauseAll suspends running downloads and defers queued ones until
// ResumeAll
func (s *Store) PauseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.canRunLocked()
	s.userPaused = true
	s.transitionLocked(prev, "user")
}

// ResumeAll lifts PauseAll. Paused downloads are queued again when the
// network policy allows downloading.
func (s *Store) ResumeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userPaused = false
	if s.canRunLocked() {
		s.requeuePausedLocked()
		s.notifyLocked()
	}
}

// SetAllowCellular changes whether downloads may use a cellular path
func (s *Store) SetAllowCellular(allow bool) {
	s.mu.Lock()
	prev := s.canRunLocked()
	s.allowCellular = allow
	s.allowed = s.policy(s.path)
	s.transitionLocked(prev, "cellular policy")
	s.mu.Unlock()

	s.logger.Info("cellular downloads setting changed", zap.Bool("allow_cellular", allow))
}

func (s *Store) watch(ctx context.Context, updates <-chan port.PathStatus, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-updates:
			if !ok {
				return
			}
			s.setPath(status)
		}
	}
}

func (s *Store) setPath(status port.PathStatus) {
	s.mu.Lock()
	changed := s.setPathLocked(status)
	allowed := s.allowed
	s.mu.Unlock()

	if changed {
		s.dispatcher.Dispatch(event.NewConnectivityChanged(status.Satisfied, string(status.Interface), allowed))
	}
}

// setPathLocked records status and applies the resulting transition.
// Returns false when status is already the recorded one. Caller holds mu.
func (s *Store) setPathLocked(status port.PathStatus) bool {
	if status == s.path {
		return false
	}
	prev := s.canRunLocked()
	s.path = status
	s.allowed = s.policy(status)
	s.transitionLocked(prev, "connectivity")
	return true
}

// policy reports whether status permits downloading. Caller holds mu.
func (s *Store) policy(status port.PathStatus) bool {
	if !status.Satisfied {
		return false
	}
	return status.Interface != port.InterfaceCellular || s.allowCellular
}

func (s *Store) canRunLocked() bool {
	return s.allowed && !s.userPaused && !s.closed
}

func (s *Store) networkAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowed
}

// transitionLocked pauses running downloads when downloading stops being
// allowed and queues paused ones again when it starts being allowed.
// Caller holds mu.
func (s *Store) transitionLocked(prev bool, reason string) {
	now := s.canRunLocked()
	switch {
	case prev && !now:
		for _, a := range s.active {
			a.stop = stopPause
			a.reason = reason
			a.cancel()
		}
	case !prev && now:
		s.requeuePausedLocked()
		s.notifyLocked()
	}
}

func (s *Store) requeuePausedLocked() {
	now := s.now()
	for _, rec := range s.records {
		if rec.State != domain.StatePaused {
			continue
		}
		rec.Requeue(now)
		s.persistSave(rec)
	}
}

// notifyLocked wakes every waiting worker. Caller holds mu.
func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// IsAvailableOffline reports whether id is completed and its file exists
func (s *Store) IsAvailableOffline(id string) bool {
	s.mu.Lock()
	var local string
	if rec, ok := s.records[id]; ok && rec.State == domain.StateCompleted {
		local = rec.LocalPath
	}
	s.mu.Unlock()

	return local != "" && s.fs.FileExists(local)
}

// ListDownloaded returns completed downloads, oldest completion first
func (s *Store) ListDownloaded() []*domain.DownloadRecord {
	s.mu.Lock()
	var out []*domain.DownloadRecord
	for _, rec := range s.records {
		if rec.State == domain.StateCompleted {
			out = append(out, rec.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := completedAt(out[i]), completedAt(out[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// List returns every record, oldest request first
func (s *Store) List() []*domain.DownloadRecord {
	s.mu.Lock()
	out := make([]*domain.DownloadRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Record returns a copy of the record for id
func (s *Store) Record(id string) (*domain.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: download %q", domain.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// Progress returns the completed fraction of id. It never decreases while
// the download stays requested.
func (s *Store) Progress(id string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return 0, fmt.Errorf("%w: download %q", domain.ErrNotFound, id)
	}
	p := rec.Progress()
	if h := s.handles[id]; h != nil {
		if last := h.Last(); last > p {
			p = last
		}
	}
	return p, nil
}

// Handle returns the handle of a download that has not finished yet
func (s *Store) Handle(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// Errors delivers failed downloads. The channel is closed by Close.
func (s *Store) Errors() <-chan DownloadError {
	return s.errs
}

// TotalDownloadedSize returns the bytes held by completed downloads
func (s *Store) TotalDownloadedSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, rec := range s.records {
		if rec.State == domain.StateCompleted {
			total += rec.ActualSizeBytes
		}
	}
	return total
}

// Stats returns record counts by state
func (s *Store) Stats() domain.QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats domain.QueueStats
	for _, rec := range s.records {
		switch rec.State {
		case domain.StateQueued:
			stats.QueuedCount++
		case domain.StateDownloading:
			stats.DownloadingCount++
		case domain.StatePaused:
			stats.PausedCount++
		case domain.StateCompleted:
			stats.CompletedCount++
			stats.CompletedBytes += rec.ActualSizeBytes
		case domain.StateFailed:
			stats.FailedCount++
		}
	}
	return stats
}

// Dir returns the directory holding downloaded files
func (s *Store) Dir() string {
	return s.config.Dir
}

// Sync waits until every metadata change made so far is persisted
func (s *Store) Sync() {
	s.journal.Sync()
}

func (s *Store) persistSave(rec *domain.DownloadRecord) {
	snapshot := rec.Clone()
	s.journal.Record("save download record", func() error { return s.repo.Save(snapshot) })
}

func (s *Store) persistDelete(id string) {
	s.journal.Record("delete download record", func() error { return s.repo.Delete(id) })
}

func (s *Store) persistDeleteAll() {
	s.journal.Record("clear download records", func() error { return s.repo.DeleteAll() })
}

func (s *Store) removeFile(path string) {
	if err := s.fs.Remove(path); err != nil {
		s.logger.Warn("failed to remove offline file", zap.String("path", path), zap.Error(err))
	}
}

// pathFor returns a fresh final path for id. Every request gets its own
// path, so files of a cancelled attempt never collide with a new one.
func (s *Store) pathFor(id, rawURL string) string {
	sum := blake3.Sum256([]byte(id))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(s.config.Dir, name[:2], name+"."+uuid.NewString()[:8]+extensionOf(rawURL))
}

// extensionOf returns the lower-cased file extension of the URL path, if
// it looks like one
func extensionOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := path.Ext(u.Path)
	if len(ext) < 2 || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9') {
			return ""
		}
	}
	return strings.ToLower(ext)
}

func completedAt(rec *domain.DownloadRecord) time.Time {
	if rec.CompletedAt == nil {
		return rec.UpdatedAt
	}
	return *rec.CompletedAt
}

func finalPath(tempPath string) string {
	return strings.TrimSuffix(tempPath, port.TempSuffix)
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
