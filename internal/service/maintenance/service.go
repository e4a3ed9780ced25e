package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/port"
)

// ExpirySweeper drops expired cache entries
type ExpirySweeper interface {
	SweepExpired() int
}

// FailedPruner forgets failed downloads
type FailedPruner interface {
	PruneFailed(olderThan time.Duration) int
}

// Config contains maintenance service configuration
type Config struct {
	// SweepInterval is how often expired cache entries are removed
	SweepInterval time.Duration

	// CleanupInterval is how often to run cleanup tasks
	CleanupInterval time.Duration

	// FailedRecordMaxAge is the maximum age of failed downloads before cleanup
	FailedRecordMaxAge time.Duration

	// TempFileMaxAge is the maximum age of temp files before cleanup
	TempFileMaxAge time.Duration

	// TempDirs are scanned for stale temp files
	TempDirs []string
}

// DefaultConfig returns default maintenance configuration
func DefaultConfig() *Config {
	return &Config{
		SweepInterval:      time.Hour,
		CleanupInterval:    time.Hour,
		FailedRecordMaxAge: 24 * time.Hour,
		TempFileMaxAge:     24 * time.Hour,
	}
}

// Service handles periodic maintenance tasks
type Service struct {
	config    *Config
	cache     ExpirySweeper
	downloads FailedPruner
	fs        port.FileSystem
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new maintenance Service. cache and downloads may be nil.
func New(cfg *Config, cache ExpirySweeper, downloads FailedPruner, fs port.FileSystem, logger *zap.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.FailedRecordMaxAge == 0 {
		cfg.FailedRecordMaxAge = 24 * time.Hour
	}
	if cfg.TempFileMaxAge == 0 {
		cfg.TempFileMaxAge = 24 * time.Hour
	}

	return &Service{
		config:    cfg,
		cache:     cache,
		downloads: downloads,
		fs:        fs,
		logger:    logger,
	}
}

// Start runs maintenance until ctx is cancelled or Stop is called
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("maintenance service already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("maintenance service started",
		zap.Duration("sweep_interval", s.config.SweepInterval),
		zap.Duration("cleanup_interval", s.config.CleanupInterval))

	s.wg.Add(1)
	go s.maintenanceLoop(ctx)

	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("maintenance service stopped")
	return nil
}

// Stop stops the maintenance service
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.running = false
}

// RunOnce performs every maintenance task immediately
func (s *Service) RunOnce() {
	s.sweepExpired()
	s.cleanupFailedRecords()
	s.cleanupTempFiles()
}

// maintenanceLoop handles periodic maintenance tasks
func (s *Service) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	sweepTicker := time.NewTicker(s.config.SweepInterval)
	defer sweepTicker.Stop()

	cleanupTicker := time.NewTicker(s.config.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			s.sweepExpired()
		case <-cleanupTicker.C:
			s.cleanupFailedRecords()
			s.cleanupTempFiles()
		}
	}
}

// sweepExpired removes cache entries past their maximum age
func (s *Service) sweepExpired() {
	if s.cache == nil {
		return
	}
	if removed := s.cache.SweepExpired(); removed > 0 {
		s.logger.Info("removed expired cache entries", zap.Int("count", removed))
	}
}

// cleanupFailedRecords forgets old failed downloads
func (s *Service) cleanupFailedRecords() {
	if s.downloads == nil {
		return
	}
	if cleared := s.downloads.PruneFailed(s.config.FailedRecordMaxAge); cleared > 0 {
		s.logger.Info("cleaned up old failed downloads", zap.Int("count", cleared))
	}
}

// cleanupTempFiles removes old temporary files and emptied fan-out
// directories from the storage directories
func (s *Service) cleanupTempFiles() {
	for _, dir := range s.config.TempDirs {
		fileCount, err := s.fs.CleanOldTempFiles(dir, s.config.TempFileMaxAge)
		if err != nil {
			s.logger.Error("failed to cleanup old temp files", zap.String("dir", dir), zap.Error(err))
		} else if fileCount > 0 {
			s.logger.Info("cleaned up old temp files", zap.String("dir", dir), zap.Int("count", fileCount))
		}

		dirCount, err := s.fs.CleanEmptyDirs(dir)
		if err != nil {
			s.logger.Error("failed to cleanup empty directories", zap.String("dir", dir), zap.Error(err))
		} else if dirCount > 0 {
			s.logger.Debug("cleaned up empty directories", zap.String("dir", dir), zap.Int("count", dirCount))
		}
	}
}
