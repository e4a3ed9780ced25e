package offline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/adapter/filesystem"
	"github.com/vertextoedge/offline-media-cache/internal/adapter/reachability"
	"github.com/vertextoedge/offline-media-cache/internal/adapter/sqlite"
	"github.com/vertextoedge/offline-media-cache/internal/domain"
	"github.com/vertextoedge/offline-media-cache/internal/domain/event"
	"github.com/vertextoedge/offline-media-cache/internal/domain/vo"
	"github.com/vertextoedge/offline-media-cache/internal/port"
	"github.com/vertextoedge/offline-media-cache/internal/transport"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// spaceFS reports a fixed amount of free space
type spaceFS struct {
	*filesystem.Manager
	available atomic.Int64
}

func (f *spaceFS) AvailableSpace(string) (int64, error) {
	return f.available.Load(), nil
}

// stubTransport serves streams from a function and records opened URLs
type stubTransport struct {
	mu     sync.Mutex
	opened []string
	open   func(req *port.Request) (*port.Stream, error)
}

func (t *stubTransport) Execute(context.Context, *port.Request) (*port.Response, error) {
	return nil, errors.New("not supported")
}

func (t *stubTransport) Open(_ context.Context, req *port.Request) (*port.Stream, error) {
	t.mu.Lock()
	t.opened = append(t.opened, req.URL)
	open := t.open
	t.mu.Unlock()

	if open != nil {
		return open(req)
	}
	body := "payload:" + req.URL
	return &port.Stream{
		Body:          io.NopCloser(strings.NewReader(body)),
		StatusCode:    http.StatusOK,
		ContentLength: int64(len(body)),
	}, nil
}

func (t *stubTransport) calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.opened...)
}

// mediaServer serves content with range support. While hold is set, full
// responses stall after holdAfter bytes until hold is closed.
type mediaServer struct {
	*httptest.Server
	content []byte

	mu          sync.Mutex
	hold        chan struct{}
	holdAfter   int
	ignoreRange bool
	ranges      []string
}

func newMediaServer(t *testing.T, content []byte) *mediaServer {
	t.Helper()
	s := &mediaServer{content: content}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *mediaServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/missing" {
		http.NotFound(w, r)
		return
	}

	rng := r.Header.Get("Range")
	s.mu.Lock()
	s.ranges = append(s.ranges, rng)
	hold, holdAfter, ignore := s.hold, s.holdAfter, s.ignoreRange
	s.mu.Unlock()

	if rng != "" && !ignore {
		http.ServeContent(w, r, "media.bin", time.Time{}, bytes.NewReader(s.content))
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(s.content)))
	if hold == nil {
		w.Write(s.content)
		return
	}
	w.Write(s.content[:holdAfter])
	w.(http.Flusher).Flush()
	select {
	case <-hold:
		w.Write(s.content[holdAfter:])
	case <-r.Context().Done():
	}
}

func (s *mediaServer) stallAfter(n int) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = make(chan struct{})
	s.holdAfter = n
	return s.hold
}

func (s *mediaServer) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold != nil {
		close(s.hold)
		s.hold = nil
	}
}

func (s *mediaServer) rangeHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

// recordingHandler collects dispatched events
type recordingHandler struct {
	mu     sync.Mutex
	events []event.DomainEvent
}

func (h *recordingHandler) Handle(e event.DomainEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

func (h *recordingHandler) HandledEvents() []string { return []string{"*"} }

func (h *recordingHandler) named(name string) []event.DomainEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []event.DomainEvent
	for _, e := range h.events {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	dir       string
	fs        *spaceFS
	repo      *sqlite.DownloadRecordRepo
	transport port.Transport
	reach     port.Reachability
	events    *recordingHandler
	store     *Store
}

func newHarness(t *testing.T, tr port.Transport, reach port.Reachability, mutate ...func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()

	manager, err := filesystem.NewManager(dir)
	require.NoError(t, err)
	h := &harness{
		dir:       dir,
		fs:        &spaceFS{Manager: manager},
		transport: tr,
		reach:     reach,
	}
	h.fs.available.Store(100 * vo.GB)

	h.open(t, mutate...)
	return h
}

func (h *harness) open(t *testing.T, mutate ...func(*Config)) {
	t.Helper()
	var err error
	h.repo, err = sqlite.OpenDownloadRecordRepo(filepath.Join(h.dir, sqlite.OfflineMetadataFile), zap.NewNop())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Dir = filepath.Join(h.dir, "offline")
	cfg.ProgressPersistInterval = time.Millisecond
	for _, m := range mutate {
		m(cfg)
	}

	h.events = &recordingHandler{}
	dispatcher := event.NewInMemoryDispatcher(zap.NewNop())
	dispatcher.Subscribe(h.events)

	h.store, err = New(cfg, h.fs, h.repo, h.transport, h.reach, zap.NewNop(), WithDispatcher(dispatcher))
	require.NoError(t, err)

	store, repo := h.store, h.repo
	t.Cleanup(func() {
		store.Close()
		repo.Close()
	})
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.store.Start(context.Background()))
}

func (h *harness) files(t *testing.T) []string {
	t.Helper()
	files, err := h.fs.ListDirectory(h.store.Dir())
	require.NoError(t, err)
	return files
}

func (h *harness) waitState(t *testing.T, id string, want domain.DownloadState) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := h.store.Record(id)
		return err == nil && rec.State == want
	}, waitFor, tick, "download %s never reached %s", id, want)
}

func realTransport() *transport.Resilient {
	return transport.New(transport.Config{MaxRetries: 0, BaseDelay: time.Millisecond}, nil, nil, zap.NewNop())
}

func request(id, url string) Request {
	return Request{ID: id, URL: url, Title: "title " + id}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatalf("handle %s never finished", h.ID())
	}
}

func TestRequestDownload_CompletesAndVerifies(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 1000)
	srv := newMediaServer(t, content)
	h := newHarness(t, realTransport(), nil)
	h.start(t)

	handle, err := h.store.RequestDownload(request("lesson-1", srv.URL+"/lesson.mp4"))
	require.NoError(t, err)
	waitDone(t, handle)
	require.NoError(t, handle.Err())

	assert.True(t, h.store.IsAvailableOffline("lesson-1"))
	rec, err := h.store.Record("lesson-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, rec.State)
	assert.Equal(t, int64(len(content)), rec.ActualSizeBytes)
	assert.Equal(t, "title lesson-1", rec.Title)
	assert.Empty(t, rec.TempFilePath)
	assert.True(t, strings.HasSuffix(rec.LocalPath, ".mp4"))

	got, err := os.ReadFile(rec.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.Equal(t, []string{rec.LocalPath}, h.files(t))
	assert.Equal(t, int64(len(content)), h.store.TotalDownloadedSize())
	assert.Len(t, h.store.ListDownloaded(), 1)
	assert.Len(t, h.events.named(event.NameDownloadCompleted), 1)

	p, err := h.store.Progress("lesson-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, p)
}

func TestRequestDownload_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t, &stubTransport{}, nil)

	tests := []struct {
		name string
		req  Request
	}{
		{"empty id", Request{URL: "https://example.com/a"}},
		{"relative url", Request{ID: "a", URL: "/a"}},
		{"unsupported scheme", Request{ID: "a", URL: "ftp://example.com/a"}},
		{"negative size", Request{ID: "a", URL: "https://example.com/a", EstimatedSize: -1}},
		{"unknown priority", Request{ID: "a", URL: "https://example.com/a", Priority: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.store.RequestDownload(tt.req)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestRequestDownload_InsufficientStorage(t *testing.T) {
	tr := &stubTransport{}
	h := newHarness(t, tr, nil)
	h.start(t)
	h.fs.available.Store(40 * vo.MB)

	req := request("big", "https://example.com/big.mp4")
	req.EstimatedSize = 50 * vo.MB
	_, err := h.store.RequestDownload(req)

	require.ErrorIs(t, err, domain.ErrInsufficientStorage)
	assert.Equal(t, domain.KindStorage, domain.Kind(err))
	assert.Empty(t, tr.calls())
	_, err = h.store.Record("big")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// The safety margin counts as well
	h.fs.available.Store(50*vo.MB + 100*vo.MB - 1)
	_, err = h.store.RequestDownload(req)
	assert.ErrorIs(t, err, domain.ErrInsufficientStorage)

	h.fs.available.Store(50*vo.MB + 100*vo.MB)
	_, err = h.store.RequestDownload(req)
	assert.NoError(t, err)
}

func TestRequestDownload_AlreadyInProgress(t *testing.T) {
	h := newHarness(t, &stubTransport{}, nil)

	_, err := h.store.RequestDownload(request("a", "https://example.com/a"))
	require.NoError(t, err)

	_, err = h.store.RequestDownload(request("a", "https://example.com/a"))
	assert.ErrorIs(t, err, domain.ErrAlreadyInProgress)
	assert.Equal(t, domain.KindLogical, domain.Kind(err))
}

func TestRequestDownload_AlreadyDownloaded(t *testing.T) {
	h := newHarness(t, &stubTransport{}, nil)
	h.start(t)

	handle, err := h.store.RequestDownload(request("a", "https://example.com/a"))
	require.NoError(t, err)
	waitDone(t, handle)

	_, err = h.store.RequestDownload(request("a", "https://example.com/a"))
	assert.ErrorIs(t, err, domain.ErrAlreadyDownloaded)

	// A completed record whose file vanished is downloaded again
	rec, err := h.store.Record("a")
	require.NoError(t, err)
	require.NoError(t, os.Remove(rec.LocalPath))
	assert.False(t, h.store.IsAvailableOffline("a"))

	handle, err = h.store.RequestDownload(request("a", "https://example.com/a"))
	require.NoError(t, err)
	waitDone(t, handle)
	assert.True(t, h.store.IsAvailableOffline("a"))
}

func TestCancelDownload_ThenRequestAgain(t *testing.T) {
	// Not started, so the request stays queued
	h := newHarness(t, &stubTransport{}, nil)

	first, err := h.store.RequestDownload(request("x", "https://example.com/x"))
	require.NoError(t, err)

	h.store.CancelDownload("x")
	waitDone(t, first)
	assert.ErrorIs(t, first.Err(), domain.ErrCancelled)

	_, err = h.store.Record("x")
	assert.ErrorIs(t, err, domain.ErrNotFound, "cancelled record must be removed, not failed")

	// Idempotent
	h.store.CancelDownload("x")
	h.store.CancelDownload("never-requested")

	second, err := h.store.RequestDownload(request("x", "https://example.com/x"))
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	// A stale handle does not cancel the new request
	first.Cancel()
	rec, err := h.store.Record("x")
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, rec.State)

	assert.Len(t, h.events.named(event.NameDownloadCancelled), 1)
}

func TestCancelDownload_StopsRunningTransfer(t *testing.T) {
	content := bytes.Repeat([]byte("a"), 4000)
	srv := newMediaServer(t, content)
	srv.stallAfter(1000)
	h := newHarness(t, realTransport(), nil)
	h.start(t)

	handle, err := h.store.RequestDownload(request("x", srv.URL+"/x.bin"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, _ := h.store.Progress("x")
		return p >= 0.25
	}, waitFor, tick)

	handle.Cancel()
	waitDone(t, handle)
	assert.ErrorIs(t, handle.Err(), domain.ErrCancelled)

	require.Eventually(t, func() bool { return len(h.files(t)) == 0 }, waitFor, tick,
		"partial file of a cancelled download must be removed")
	_, err = h.store.Record("x")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	srv.release()
	handle, err = h.store.RequestDownload(request("x", srv.URL+"/x.bin"))
	require.NoError(t, err)
	waitDone(t, handle)
	assert.NoError(t, handle.Err())
	assert.True(t, h.store.IsAvailableOffline("x"))
}

func TestDeleteContent(t *testing.T) {
	h := newHarness(t, &stubTransport{}, nil)
	h.start(t)

	err := h.store.DeleteContent("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	handle, err := h.store.RequestDownload(request("a", "https://example.com/a"))
	require.NoError(t, err)
	waitDone(t, handle)
	rec, err := h.store.Record("a")
	require.NoError(t, err)

	require.NoError(t, h.store.DeleteContent("a"))
	assert.False(t, h.store.IsAvailableOffline("a"))
	assert.NoFileExists(t, rec.LocalPath)
	_, err = h.store.Record("a")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = h.store.DeleteContent("a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDownload_FailureSurfacesOnErrorChannel(t *testing.T) {
	srv := newMediaServer(t, []byte("content"))
	h := newHarness(t, realTransport(), nil)
	h.start(t)

	handle, err := h.store.RequestDownload(request("gone", srv.URL+"/missing"))
	require.NoError(t, err)

	select {
	case de := <-h.store.Errors():
		assert.Equal(t, "gone", de.ID)
		assert.ErrorIs(t, de, domain.ErrServer)
	case <-time.After(waitFor):
		t.Fatal("no download error delivered")
	}

	waitDone(t, handle)
	assert.ErrorIs(t, handle.Err(), domain.ErrServer)

	rec, err := h.store.Record("gone")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, rec.State)
	assert.NotEmpty(t, rec.LastError)
	assert.Empty(t, h.files(t))
	_, ok := h.store.Handle("gone")
	assert.False(t, ok)

	// A failed download can be requested again
	_, err = h.store.RequestDownload(request("gone", srv.URL+"/missing"))
	assert.NoError(t, err)
}

func TestDownload_LengthMismatchFails(t *testing.T) {
	tr := &stubTransport{open: func(*port.Request) (*port.Stream, error) {
		return &port.Stream{
			Body:          io.NopCloser(strings.NewReader("short")),
			StatusCode:    http.StatusOK,
			ContentLength: 100,
		}, nil
	}}
	h := newHarness(t, tr, nil)
	h.start(t)

	handle, err := h.store.RequestDownload(request("a", "https://example.com/a"))
	require.NoError(t, err)
	waitDone(t, handle)

	assert.ErrorIs(t, handle.Err(), ErrIncomplete)
	assert.False(t, h.store.IsAvailableOffline("a"))
	assert.Empty(t, h.files(t), "no partial file may be left behind")
}

func TestDownload_ProgressIsMonotonic(t *testing.T) {
	content := bytes.Repeat([]byte("z"), 512*1024)
	srv := newMediaServer(t, content)
	h := newHarness(t, realTransport(), nil)

	handle, err := h.store.RequestDownload(request("p", srv.URL+"/p"))
	require.NoError(t, err)

	var seen []float64
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for p := range handle.Progress() {
			seen = append(seen, p)
		}
	}()

	h.start(t)
	waitDone(t, handle)
	<-collected

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.Equal(t, 1.0, seen[len(seen)-1])
	for _, p := range seen {
		assert.True(t, p >= 0 && p <= 1, "progress %v out of range", p)
	}
}

func TestDownload_PriorityOrder(t *testing.T) {
	tr := &stubTransport{}
	h := newHarness(t, tr, nil, func(c *Config) { c.ConcurrentDownloads = 1 })

	reqs := []Request{
		{ID: "low", URL: "https://example.com/low", Priority: domain.PriorityLow},
		{ID: "normal-1", URL: "https://example.com/normal-1"},
		{ID: "urgent", URL: "https://example.com/urgent", Priority: domain.PriorityUrgent},
		{ID: "normal-2", URL: "https://example.com/normal-2", Priority: domain.PriorityNormal},
	}
	var handles []*Handle
	for _, r := range reqs {
		handle, err := h.store.RequestDownload(r)
		require.NoError(t, err)
		handles = append(handles, handle)
		time.Sleep(2 * time.Millisecond)
	}

	h.start(t)
	for _, handle := range handles {
		waitDone(t, handle)
	}

	assert.Equal(t, []string{
		"https://example.com/urgent",
		"https://example.com/normal-1",
		"https://example.com/normal-2",
		"https://example.com/low",
	}, tr.calls())
}

func TestPauseAll_ResumesWithRange(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 250)
	srv := newMediaServer(t, content)
	srv.stallAfter(1000)
	h := newHarness(t, realTransport(), nil)
	h.start(t)

	handle, err := h.store.RequestDownload(request("r", srv.URL+"/r.bin"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, _ := h.store.Progress("r")
		return p >= 0.25
	}, waitFor, tick)

	h.store.PauseAll()
	h.waitState(t, "r", domain.StatePaused)

	rec, err := h.store.Record("r")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rec.BytesWritten)
	assert.FileExists(t, rec.TempFilePath)
	assert.Len(t, h.events.named(event.NameDownloadPaused), 1)

	// Queued requests wait while paused
	queued, err := h.store.RequestDownload(request("q", srv.URL+"/q.bin"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	rec, err = h.store.Record("q")
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, rec.State)

	p, err := h.store.Progress("r")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, p, 0.25)

	srv.release()
	h.store.ResumeAll()
	waitDone(t, handle)
	waitDone(t, queued)
	require.NoError(t, handle.Err())

	rec, err = h.store.Record("r")
	require.NoError(t, err)
	got, err := os.ReadFile(rec.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Contains(t, srv.rangeHeaders(), "bytes=1000-")

	completed := h.events.named(event.NameDownloadCompleted)
	require.NotEmpty(t, completed)
	var resumed bool
	for _, e := range completed {
		if c := e.(event.DownloadCompleted); c.ID == "r" {
			resumed = c.Resumed
		}
	}
	assert.True(t, resumed)
}

func TestResume_RestartsWhenRangeIgnored(t *testing.T) {
	content := bytes.Repeat([]byte("q"), 3000)
	srv := newMediaServer(t, content)
	srv.stallAfter(1000)
	h := newHarness(t, realTransport(), nil)
	h.start(t)

	handle, err := h.store.RequestDownload(request("r", srv.URL+"/r.bin"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, _ := h.store.Progress("r")
		return p >= 0.3
	}, waitFor, tick)
	h.store.PauseAll()
	h.waitState(t, "r", domain.StatePaused)

	srv.mu.Lock()
	srv.ignoreRange = true
	srv.mu.Unlock()
	srv.release()
	h.store.ResumeAll()
	waitDone(t, handle)
	require.NoError(t, handle.Err())

	rec, err := h.store.Record("r")
	require.NoError(t, err)
	got, err := os.ReadFile(rec.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, content, got, "a 200 answer to a range request must restart, not append")
}

func TestConnectivity_PausesAndResumes(t *testing.T) {
	content := bytes.Repeat([]byte("c"), 4000)
	srv := newMediaServer(t, content)
	srv.stallAfter(1000)
	reach := reachability.NewManual(port.PathStatus{Satisfied: true, Interface: port.InterfaceWiFi})
	h := newHarness(t, realTransport(), reach)
	h.start(t)

	handle, err := h.store.RequestDownload(request("c", srv.URL+"/c.bin"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, _ := h.store.Progress("c")
		return p >= 0.25
	}, waitFor, tick)

	reach.Set(port.PathStatus{Satisfied: false, Interface: port.InterfaceWiFi})
	h.waitState(t, "c", domain.StatePaused)

	srv.release()
	reach.Set(port.PathStatus{Satisfied: true, Interface: port.InterfaceWiFi})
	waitDone(t, handle)
	require.NoError(t, handle.Err())
	assert.True(t, h.store.IsAvailableOffline("c"))
	assert.NotEmpty(t, h.events.named(event.NameConnectivityChanged))
}

// lateReach reports status changes through Current before it delivers
// them to subscribers, and only delivers what the test pushes
type lateReach struct {
	mu      sync.Mutex
	current port.PathStatus
	updates chan port.PathStatus
}

func (r *lateReach) Current() port.PathStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *lateReach) set(status port.PathStatus) {
	r.mu.Lock()
	r.current = status
	r.mu.Unlock()
}

func (r *lateReach) Subscribe() (<-chan port.PathStatus, func()) {
	return r.updates, func() {}
}

func TestConnectivity_ResumesWhenLossIsNeverDelivered(t *testing.T) {
	online := port.PathStatus{Satisfied: true, Interface: port.InterfaceWiFi}
	reach := &lateReach{current: online, updates: make(chan port.PathStatus, 1)}

	var failed atomic.Bool
	tr := &stubTransport{}
	tr.open = func(req *port.Request) (*port.Stream, error) {
		if failed.CompareAndSwap(false, true) {
			reach.set(port.PathStatus{Satisfied: false, Interface: port.InterfaceWiFi})
			return nil, &domain.RequestError{Kind: domain.ErrNoConnection, Attempts: 1, Err: domain.ErrNoConnection}
		}
		body := "payload:" + req.URL
		return &port.Stream{
			Body:          io.NopCloser(strings.NewReader(body)),
			StatusCode:    http.StatusOK,
			ContentLength: int64(len(body)),
		}, nil
	}

	h := newHarness(t, tr, reach)
	h.start(t)

	handle, err := h.store.RequestDownload(request("late", "https://example.com/late"))
	require.NoError(t, err)
	h.waitState(t, "late", domain.StatePaused)

	// Only the recovery reaches the subscriber
	reach.set(online)
	reach.updates <- online

	waitDone(t, handle)
	require.NoError(t, handle.Err())
	assert.True(t, h.store.IsAvailableOffline("late"))
	assert.Len(t, tr.calls(), 2)
}

func TestConnectivity_CellularNeedsPermission(t *testing.T) {
	tr := &stubTransport{}
	reach := reachability.NewManual(port.PathStatus{Satisfied: true, Interface: port.InterfaceCellular})
	h := newHarness(t, tr, reach)
	h.start(t)

	handle, err := h.store.RequestDownload(request("m", "https://example.com/m"))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, tr.calls(), "cellular downloads are off by default")
	rec, err := h.store.Record("m")
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, rec.State)

	h.store.SetAllowCellular(true)
	waitDone(t, handle)
	assert.NoError(t, handle.Err())
	assert.Len(t, tr.calls(), 1)
}

func TestNew_RestoresRecords(t *testing.T) {
	h := newHarness(t, &stubTransport{}, nil)
	require.NoError(t, h.store.Close())
	require.NoError(t, h.repo.Close())

	dir := filepath.Join(h.dir, "offline")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ab"), 0755))

	partial := filepath.Join(dir, "ab", "partial.bin"+port.TempSuffix)
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0644))
	kept := filepath.Join(dir, "ab", "kept.bin")
	require.NoError(t, os.WriteFile(kept, []byte("done"), 0644))
	orphan := filepath.Join(dir, "ab", "orphan.bin")
	require.NoError(t, os.WriteFile(orphan, []byte("?"), 0644))

	repo, err := sqlite.OpenDownloadRecordRepo(filepath.Join(h.dir, sqlite.OfflineMetadataFile), zap.NewNop())
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, repo.Save(&domain.DownloadRecord{
		ID: "interrupted", RemoteURL: "https://example.com/i", Priority: domain.PriorityNormal,
		State: domain.StateDownloading, TempFilePath: partial, BytesWritten: 4,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, repo.Save(&domain.DownloadRecord{
		ID: "kept", RemoteURL: "https://example.com/k", Priority: domain.PriorityNormal,
		State: domain.StateCompleted, LocalPath: kept, ActualSizeBytes: 4,
		CreatedAt: now, UpdatedAt: now, CompletedAt: &now,
	}))
	require.NoError(t, repo.Save(&domain.DownloadRecord{
		ID: "vanished", RemoteURL: "https://example.com/v", Priority: domain.PriorityNormal,
		State: domain.StateCompleted, LocalPath: filepath.Join(dir, "ab", "vanished.bin"),
		CreatedAt: now, UpdatedAt: now, CompletedAt: &now,
	}))
	require.NoError(t, repo.Close())

	h.open(t)

	rec, err := h.store.Record("interrupted")
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, rec.State)
	assert.Equal(t, int64(4), rec.BytesWritten)
	_, ok := h.store.Handle("interrupted")
	assert.True(t, ok)

	assert.True(t, h.store.IsAvailableOffline("kept"))
	_, err = h.store.Record("vanished")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.FileExists(t, partial)
	assert.NoFileExists(t, orphan)

	stats := h.store.Stats()
	assert.Equal(t, 1, stats.QueuedCount)
	assert.Equal(t, 1, stats.CompletedCount)
	assert.Equal(t, int64(4), stats.CompletedBytes)
}

func TestClose_RequeuesRunningDownloads(t *testing.T) {
	content := bytes.Repeat([]byte("s"), 4000)
	srv := newMediaServer(t, content)
	srv.stallAfter(2000)
	h := newHarness(t, realTransport(), nil)
	h.start(t)

	handle, err := h.store.RequestDownload(request("s", srv.URL+"/s.bin"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, _ := h.store.Progress("s")
		return p >= 0.5
	}, waitFor, tick)

	require.NoError(t, h.store.Close())
	waitDone(t, handle)
	assert.ErrorIs(t, handle.Err(), ErrClosed)

	_, err = h.store.RequestDownload(request("t", srv.URL+"/t.bin"))
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, h.repo.Close())
	srv.release()
	h.open(t)

	rec, err := h.store.Record("s")
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, rec.State)
	assert.Equal(t, int64(2000), rec.BytesWritten)

	h.start(t)
	h.waitState(t, "s", domain.StateCompleted)
	assert.Contains(t, srv.rangeHeaders(), "bytes=2000-")
}

func TestClearAll(t *testing.T) {
	h := newHarness(t, &stubTransport{}, nil)
	h.start(t)

	done, err := h.store.RequestDownload(request("a", "https://example.com/a"))
	require.NoError(t, err)
	waitDone(t, done)

	h.store.PauseAll()
	pending, err := h.store.RequestDownload(request("b", "https://example.com/b"))
	require.NoError(t, err)

	require.NoError(t, h.store.ClearAll())
	waitDone(t, pending)
	assert.Empty(t, h.store.List())
	assert.Empty(t, h.files(t))
	assert.Zero(t, h.store.TotalDownloadedSize())
}

func TestPruneFailed(t *testing.T) {
	srv := newMediaServer(t, []byte("content"))
	h := newHarness(t, realTransport(), nil)
	h.start(t)

	failed, err := h.store.RequestDownload(request("gone", srv.URL+"/missing"))
	require.NoError(t, err)
	waitDone(t, failed)
	ok, err := h.store.RequestDownload(request("ok", srv.URL+"/ok.bin"))
	require.NoError(t, err)
	waitDone(t, ok)

	assert.Zero(t, h.store.PruneFailed(time.Hour))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.store.PruneFailed(10*time.Millisecond))

	_, err = h.store.Record("gone")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, h.store.IsAvailableOffline("ok"))
}
