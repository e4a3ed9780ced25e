package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/adapter/credentials"
	"github.com/vertextoedge/offline-media-cache/internal/adapter/filesystem"
	"github.com/vertextoedge/offline-media-cache/internal/adapter/reachability"
	"github.com/vertextoedge/offline-media-cache/internal/adapter/sqlite"
	"github.com/vertextoedge/offline-media-cache/internal/config"
	"github.com/vertextoedge/offline-media-cache/internal/domain/event"
	"github.com/vertextoedge/offline-media-cache/internal/metrics"
	"github.com/vertextoedge/offline-media-cache/internal/port"
	"github.com/vertextoedge/offline-media-cache/internal/service/mediacache"
	"github.com/vertextoedge/offline-media-cache/internal/service/offline"
	"github.com/vertextoedge/offline-media-cache/internal/transport"
)

// app holds the wired components shared by every command
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	fs         *filesystem.Manager
	cacheRepo  *sqlite.CacheEntryRepo
	downRepo   *sqlite.DownloadRecordRepo
	reach      port.Reachability
	link       *reachability.Manual
	prober     *reachability.Prober
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	transport  *transport.Resilient
	dispatcher *event.InMemoryDispatcher
	cache      *mediacache.Cache
	offline    *offline.Store
	socket     *transport.Socket
}

// newApp opens both metadata stores and builds the cache and offline store
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	fsManager, err := filesystem.NewManager(cfg.Storage.RootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem manager: %w", err)
	}
	a.fs = fsManager

	// Metadata lives next to, not inside, the blob directories
	a.cacheRepo, err = sqlite.OpenCacheEntryRepo(filepath.Join(cfg.Storage.RootDir, sqlite.CacheMetadataFile), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache metadata: %w", err)
	}
	a.downRepo, err = sqlite.OpenDownloadRecordRepo(filepath.Join(cfg.Storage.RootDir, sqlite.OfflineMetadataFile), logger)
	if err != nil {
		a.cacheRepo.Close()
		return nil, fmt.Errorf("failed to open offline metadata: %w", err)
	}

	if cfg.Network.ProbeAddress != "" {
		a.prober = reachability.NewProber(reachability.ProberConfig{
			Address:   cfg.Network.ProbeAddress,
			Interval:  cfg.Network.GetProbeInterval(),
			Interface: cfg.Network.GetInterface(),
		}, logger)
		a.reach = a.prober
		a.link = a.prober.Manual
	} else {
		a.link = reachability.NewManual(port.PathStatus{Satisfied: true, Interface: cfg.Network.GetInterface()})
		a.reach = a.link
	}

	var creds port.CredentialsProvider
	if cfg.Auth.RefreshURL != "" {
		creds = credentials.NewRefresher(credentials.RefresherConfig{
			RefreshURL:   cfg.Auth.RefreshURL,
			RefreshToken: cfg.Auth.RefreshToken,
			AccessToken:  cfg.Auth.Token,
		}, logger)
	} else if cfg.Auth.Token != "" {
		creds = credentials.NewStatic(cfg.Auth.Token)
	}

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)
	a.dispatcher = event.NewInMemoryDispatcher(logger)
	a.dispatcher.Subscribe(event.NewLoggingHandler(logger))
	a.dispatcher.Subscribe(metrics.NewEventHandler(a.metrics))

	a.transport = transport.New(transport.Config{
		MaxRetries:       cfg.Transport.MaxRetries,
		BaseDelay:        cfg.Transport.GetBaseDelay(),
		RequestTimeout:   cfg.Transport.GetRequestTimeout(),
		ResourceTimeout:  cfg.Transport.GetResourceTimeout(),
		BreakerThreshold: cfg.Transport.BreakerThreshold,
		UserAgent:        cfg.Transport.UserAgent,
	}, a.reach, creds, logger, transport.WithMetrics(a.metrics))

	if cfg.Transport.SocketURL != "" {
		a.socket = transport.NewSocket(transport.SocketConfig{
			URL:       cfg.Transport.SocketURL,
			BaseDelay: cfg.Transport.GetBaseDelay(),
		}, a.reach, creds, logger)
	}

	a.cache, err = mediacache.New(&mediacache.Config{
		Dir:          filepath.Join(cfg.Storage.RootDir, "cache"),
		MaxSize:      cfg.Cache.GetMaxSize(),
		Fractions:    cfg.Cache.GetFractions(),
		Policies:     cfg.Cache.GetPolicies(),
		MaxItemAge:   cfg.Cache.GetMaxItemAge(),
		FetchWorkers: cfg.Cache.FetchWorkers,
		NegativeTTL:  cfg.Cache.GetNegativeTTL(),
		FetchTimeout: cfg.Transport.GetResourceTimeout(),
	}, fsManager, a.cacheRepo, a.transport, logger,
		mediacache.WithDispatcher(a.dispatcher), mediacache.WithMetrics(a.metrics))
	if err != nil {
		a.closeRepos()
		return nil, fmt.Errorf("failed to create media cache: %w", err)
	}

	offlineCfg := offline.DefaultConfig()
	offlineCfg.Dir = filepath.Join(cfg.Storage.RootDir, "offline")
	offlineCfg.ConcurrentDownloads = cfg.Offline.ConcurrentDownloads
	offlineCfg.SafetyMargin = cfg.Offline.GetSafetyMargin()
	offlineCfg.AllowCellular = cfg.Offline.AllowCellular
	offlineCfg.ProgressPersistInterval = cfg.Offline.GetProgressPersistInterval()

	a.offline, err = offline.New(offlineCfg, fsManager, a.downRepo, a.transport, a.reach, logger,
		offline.WithDispatcher(a.dispatcher), offline.WithMetrics(a.metrics))
	if err != nil {
		a.cache.Close()
		a.closeRepos()
		return nil, fmt.Errorf("failed to create offline store: %w", err)
	}

	return a, nil
}

// start begins connectivity probing, the invalidation channel and offline
// downloads
func (a *app) start(ctx context.Context) error {
	if a.prober != nil {
		a.prober.Start(ctx)
	}
	if a.socket != nil {
		a.socket.Start(ctx)
		go a.cache.ConsumeInvalidations(ctx, a.socket.Messages())
	}
	return a.offline.Start(ctx)
}

// Close stops every component and flushes pending metadata
func (a *app) Close() {
	if a.socket != nil {
		a.socket.Close()
	}
	if a.prober != nil {
		a.prober.Stop()
	}
	if err := a.offline.Close(); err != nil {
		a.logger.Error("failed to close offline store", zap.Error(err))
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Error("failed to close media cache", zap.Error(err))
	}
	a.closeRepos()
}

func (a *app) closeRepos() {
	if err := a.cacheRepo.Close(); err != nil {
		a.logger.Error("failed to close cache metadata", zap.Error(err))
	}
	if err := a.downRepo.Close(); err != nil {
		a.logger.Error("failed to close offline metadata", zap.Error(err))
	}
}
