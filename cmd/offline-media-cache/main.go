package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/config"
	"github.com/vertextoedge/offline-media-cache/internal/domain"
	"github.com/vertextoedge/offline-media-cache/internal/logger"
	"github.com/vertextoedge/offline-media-cache/internal/service/maintenance"
	"github.com/vertextoedge/offline-media-cache/internal/service/offline"
	"github.com/vertextoedge/offline-media-cache/internal/service/server"
)

const version = "0.1.0"

// globals are shared by every command
type globals struct {
	Config string `help:"Path to configuration file." default:"config.yaml" type:"path"`
}

type cli struct {
	globals

	Run      runCmd      `cmd:"" default:"1" help:"Run the cache, offline downloads and the admin HTTP server."`
	Stats    statsCmd    `cmd:"" help:"Print cache and offline download statistics."`
	Fetch    fetchCmd    `cmd:"" help:"Fetch a media item through the cache."`
	Download downloadCmd `cmd:"" help:"Download content for offline use and wait for it."`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("offline-media-cache"),
		kong.Description("Bounded media cache and offline content store."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(&c.globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration, initializes logging and wires the components
func setup(g *globals) (*app, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zapLogger := logger.GetZapLogger()
	zapLogger.Info("starting offline-media-cache",
		zap.String("version", version),
		zap.String("config", g.Config),
	)
	return newApp(cfg, zapLogger)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type runCmd struct{}

func (r *runCmd) Run(g *globals) error {
	a, err := setup(g)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer a.Close()
	cfg, zapLogger := a.cfg, a.logger

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.start(ctx); err != nil {
		return fmt.Errorf("failed to start offline store: %w", err)
	}

	// Surface download failures
	go func() {
		for de := range a.offline.Errors() {
			zapLogger.Warn("offline download failed",
				zap.String("id", de.ID),
				zap.String("kind", string(domain.Kind(de.Err))),
				zap.Error(de.Err))
		}
	}()

	// Hot-reload the cache budget and the cellular policy
	if err := config.Watch(g.Config, 500*time.Millisecond, func(next *config.Config) {
		a.cache.SetSizeLimit(next.Cache.GetMaxSize())
		a.offline.SetAllowCellular(next.Offline.AllowCellular)
		a.link.SetInterface(next.Network.GetInterface())
	}, zapLogger); err != nil {
		zapLogger.Warn("config watch disabled", zap.Error(err))
	}

	maintenanceService := maintenance.New(&maintenance.Config{
		SweepInterval:      cfg.Cache.GetSweepInterval(),
		CleanupInterval:    time.Hour,
		FailedRecordMaxAge: cfg.Offline.GetFailedRecordMaxAge(),
		TempFileMaxAge:     cfg.Offline.GetTempFileMaxAge(),
		TempDirs:           []string{a.offline.Dir(), a.cache.Dir()},
	}, a.cache, a.offline, a.fs, zapLogger)
	go func() {
		if err := maintenanceService.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zapLogger.Error("maintenance service stopped with error", zap.Error(err))
		}
	}()

	httpServer := server.New(&server.Config{
		BindAddr:      cfg.HTTP.BindAddr,
		AdminUsername: cfg.HTTP.AdminUsername,
		AdminPassword: cfg.HTTP.AdminPassword,
		ReadTimeout:   cfg.HTTP.GetReadTimeout(),
		WriteTimeout:  cfg.HTTP.GetWriteTimeout(),
		IdleTimeout:   cfg.HTTP.GetIdleTimeout(),
	}, a.cache, a.offline, a.registry, zapLogger, a.cacheRepo, a.downRepo)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	zapLogger.Info("application started successfully",
		zap.String("http_addr", cfg.HTTP.BindAddr),
		zap.String("root_dir", cfg.Storage.RootDir),
	)

	select {
	case <-ctx.Done():
		zapLogger.Info("shutdown signal received, stopping services...")
	case err := <-errCh:
		if err != nil {
			zapLogger.Error("HTTP server failed", zap.Error(err))
		}
	}

	maintenanceService.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		zapLogger.Error("failed to stop HTTP server gracefully", zap.Error(err))
	}

	zapLogger.Info("application stopped successfully")
	return nil
}

type statsCmd struct{}

func (s *statsCmd) Run(g *globals) error {
	a, err := setup(g)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer a.Close()

	stats := a.cache.Statistics()
	total, perType := a.cache.Limits()
	fmt.Printf("cache: %d items, %s of %s\n",
		stats.TotalCount, humanize.IBytes(uint64(stats.TotalSize)), humanize.IBytes(uint64(total)))
	for _, mt := range domain.MediaTypes {
		fmt.Printf("  %-6s %4d items  %10s of %s\n", mt,
			stats.PerTypeCounts[mt],
			humanize.IBytes(uint64(stats.PerTypeSizes[mt])),
			humanize.IBytes(uint64(perType[mt])))
	}

	q := a.offline.Stats()
	fmt.Printf("offline: %d completed (%s), %d queued, %d paused, %d failed\n",
		q.CompletedCount, humanize.IBytes(uint64(q.CompletedBytes)),
		q.QueuedCount, q.PausedCount, q.FailedCount)
	for _, rec := range a.offline.ListDownloaded() {
		fmt.Printf("  %-24s %10s  %s\n", rec.ID, humanize.IBytes(uint64(rec.ActualSizeBytes)), rec.Title)
	}
	return nil
}

type fetchCmd struct {
	Type string `arg:"" help:"Media type (image, video, audio)."`
	Key  string `arg:"" help:"Cache key."`
	URL  string `arg:"" help:"Source URL fetched on a miss."`
	Out  string `help:"Write the content to this file." type:"path"`
}

func (f *fetchCmd) Run(g *globals) error {
	mediaType, err := domain.ParseMediaType(f.Type)
	if err != nil {
		return err
	}

	a, err := setup(g)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if err := a.start(ctx); err != nil {
		return err
	}

	start := time.Now()
	data, err := a.cache.Fetch(ctx, f.Key, mediaType, f.URL)
	if err != nil {
		return fmt.Errorf("fetch %s/%s: %w", mediaType, f.Key, err)
	}
	fmt.Printf("%s/%s: %s in %s\n", mediaType, f.Key, humanize.IBytes(uint64(len(data))), time.Since(start).Round(time.Millisecond))

	if f.Out != "" {
		if err := os.WriteFile(f.Out, data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", f.Out, err)
		}
	}
	return nil
}

type downloadCmd struct {
	ID       string `arg:"" help:"Content identifier."`
	URL      string `arg:"" help:"Remote URL."`
	Title    string `help:"Display title."`
	Size     string `help:"Estimated size, e.g. 700MB."`
	Priority string `help:"Priority (urgent, high, normal, low)." default:"normal"`
}

func (d *downloadCmd) Run(g *globals) error {
	priority, err := domain.ParsePriority(d.Priority)
	if err != nil {
		return err
	}
	var estimated int64
	if d.Size != "" {
		n, err := humanize.ParseBytes(d.Size)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", d.Size, err)
		}
		estimated = int64(n)
	}

	a, err := setup(g)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if err := a.start(ctx); err != nil {
		return err
	}

	h, err := a.offline.RequestDownload(offline.Request{
		ID:            d.ID,
		URL:           d.URL,
		Title:         d.Title,
		EstimatedSize: estimated,
		Priority:      priority,
	})
	if errors.Is(err, domain.ErrAlreadyDownloaded) {
		fmt.Printf("%s is already available offline\n", d.ID)
		return nil
	}
	if err != nil {
		return err
	}

	for {
		select {
		case p, ok := <-h.Progress():
			if ok {
				fmt.Printf("\r%s: %5.1f%%", d.ID, p*100)
			}
		case <-h.Done():
			fmt.Println()
			if err := h.Err(); err != nil {
				return fmt.Errorf("download %s: %w", d.ID, err)
			}
			rec, err := a.offline.Record(d.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s saved to %s (%s)\n", d.ID, rec.LocalPath, humanize.IBytes(uint64(rec.ActualSizeBytes)))
			return nil
		case <-ctx.Done():
			fmt.Println()
			fmt.Printf("%s interrupted, it resumes on the next run\n", d.ID)
			return nil
		}
	}
}
