package maintenance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/adapter/filesystem"
	"github.com/vertextoedge/offline-media-cache/internal/port"
)

// mockSweeper counts expiry sweeps
type mockSweeper struct {
	mu      sync.Mutex
	removed int
	called  int
}

func (m *mockSweeper) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.called++
	return m.removed
}

func (m *mockSweeper) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.called
}

// mockPruner records prune requests
type mockPruner struct {
	mu        sync.Mutex
	cleared   int
	called    int
	olderThan time.Duration
}

func (m *mockPruner) PruneFailed(olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.called++
	m.olderThan = olderThan
	return m.cleared
}

func (m *mockPruner) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.called
}

// mockFileSystem counts temp file cleanups per directory
type mockFileSystem struct {
	port.FileSystem

	mu      sync.Mutex
	dirs    []string
	emptied []string
	err     error
	called  int
}

func (m *mockFileSystem) CleanOldTempFiles(dir string, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.called++
	m.dirs = append(m.dirs, dir)
	return 1, m.err
}

func (m *mockFileSystem) CleanEmptyDirs(dir string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emptied = append(m.emptied, dir)
	return 0, nil
}

func (m *mockFileSystem) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.called
}

func TestService_New(t *testing.T) {
	logger := zap.NewNop()

	// Test with nil config (should use defaults)
	s := New(nil, nil, nil, &mockFileSystem{}, logger)
	if s == nil {
		t.Fatal("New() returned nil")
	}
	if s.config.SweepInterval != time.Hour {
		t.Errorf("SweepInterval = %v, want %v", s.config.SweepInterval, time.Hour)
	}
	if s.config.TempFileMaxAge != 24*time.Hour {
		t.Errorf("TempFileMaxAge = %v, want %v", s.config.TempFileMaxAge, 24*time.Hour)
	}

	// Zero fields are defaulted individually
	s = New(&Config{CleanupInterval: 30 * time.Minute}, nil, nil, &mockFileSystem{}, logger)
	if s.config.CleanupInterval != 30*time.Minute {
		t.Errorf("CleanupInterval = %v, want %v", s.config.CleanupInterval, 30*time.Minute)
	}
	if s.config.FailedRecordMaxAge != 24*time.Hour {
		t.Errorf("FailedRecordMaxAge = %v, want %v", s.config.FailedRecordMaxAge, 24*time.Hour)
	}
}

func TestService_StartStop(t *testing.T) {
	cache := &mockSweeper{removed: 2}
	downloads := &mockPruner{cleared: 1}
	fs := &mockFileSystem{}

	cfg := &Config{
		SweepInterval:      10 * time.Millisecond,
		CleanupInterval:    10 * time.Millisecond,
		FailedRecordMaxAge: time.Hour,
		TempFileMaxAge:     time.Hour,
		TempDirs:           []string{"/data/cache", "/data/offline"},
	}
	s := New(cfg, cache, downloads, fs, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Start(ctx)
	}()

	deadline := time.Now().Add(time.Second)
	for cache.calls() == 0 || downloads.calls() == 0 || fs.calls() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("maintenance tasks did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start() did not return after Stop()")
	}

	downloads.mu.Lock()
	olderThan := downloads.olderThan
	downloads.mu.Unlock()
	if olderThan != time.Hour {
		t.Errorf("PruneFailed olderThan = %v, want %v", olderThan, time.Hour)
	}
}

func TestService_DoubleStart(t *testing.T) {
	s := New(nil, nil, nil, &mockFileSystem{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Start(ctx)
	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("service did not start")
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.Start(ctx); err == nil {
		t.Error("second Start() error = nil, want error")
	}
	s.Stop()
}

func TestService_RunOnce_CleansEveryDirectory(t *testing.T) {
	fs := &mockFileSystem{err: errors.New("walk failed")}
	cfg := &Config{TempDirs: []string{"/a", "/b"}}
	s := New(cfg, nil, nil, fs, zap.NewNop())

	// A failing directory does not stop the others
	s.RunOnce()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.dirs) != 2 || fs.dirs[0] != "/a" || fs.dirs[1] != "/b" {
		t.Errorf("cleaned dirs = %v, want [/a /b]", fs.dirs)
	}
	if len(fs.emptied) != 2 || fs.emptied[0] != "/a" || fs.emptied[1] != "/b" {
		t.Errorf("emptied dirs = %v, want [/a /b]", fs.emptied)
	}
}

func TestService_RunOnce_RemovesStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	fs, err := filesystem.NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	stale := filepath.Join(dir, "offline", "ab", "x.bin"+port.TempSuffix)
	fresh := filepath.Join(dir, "cache", "image", "cd", "y.1"+port.TempSuffix)
	kept := filepath.Join(dir, "offline", "ab", "z.bin")
	for _, p := range []string{stale, fresh, kept} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(kept, old, old); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{TempDirs: []string{filepath.Join(dir, "offline"), filepath.Join(dir, "cache")}}
	New(cfg, nil, nil, fs, zap.NewNop()).RunOnce()

	if fs.FileExists(stale) {
		t.Error("stale temp file was not removed")
	}
	if !fs.FileExists(fresh) {
		t.Error("fresh temp file was removed")
	}
	if !fs.FileExists(kept) {
		t.Error("completed file was removed")
	}
}

func TestService_RunOnce_RemovesEmptyFanOutDirs(t *testing.T) {
	dir := t.TempDir()
	fs, err := filesystem.NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	cacheDir := filepath.Join(dir, "cache")
	emptied := filepath.Join(cacheDir, "image", "ab")
	stillUsed := filepath.Join(cacheDir, "video", "cd")
	for _, d := range []string{emptied, stillUsed} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	blob := filepath.Join(stillUsed, "blob.1")
	if err := os.WriteFile(blob, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	New(&Config{TempDirs: []string{cacheDir}}, nil, nil, fs, zap.NewNop()).RunOnce()

	if _, err := os.Stat(filepath.Join(cacheDir, "image")); !os.IsNotExist(err) {
		t.Errorf("empty fan-out tree still present, stat error = %v", err)
	}
	if !fs.FileExists(blob) {
		t.Error("blob in a used directory was removed")
	}
	if _, err := os.Stat(cacheDir); err != nil {
		t.Errorf("storage directory itself was removed: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.SweepInterval != time.Hour {
		t.Errorf("SweepInterval = %v, want %v", cfg.SweepInterval, time.Hour)
	}
	if cfg.CleanupInterval != time.Hour {
		t.Errorf("CleanupInterval = %v, want %v", cfg.CleanupInterval, time.Hour)
	}
	if cfg.FailedRecordMaxAge != 24*time.Hour {
		t.Errorf("FailedRecordMaxAge = %v, want %v", cfg.FailedRecordMaxAge, 24*time.Hour)
	}
	if cfg.TempFileMaxAge != 24*time.Hour {
		t.Errorf("TempFileMaxAge = %v, want %v", cfg.TempFileMaxAge, 24*time.Hour)
	}
}
