package mediacache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jeffail/tunny"
	"github.com/bep/debounce"
	gocache "github.com/patrickmn/go-cache"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
	"github.com/vertextoedge/offline-media-cache/internal/domain/event"
	"github.com/vertextoedge/offline-media-cache/internal/domain/repository"
	"github.com/vertextoedge/offline-media-cache/internal/domain/service"
	"github.com/vertextoedge/offline-media-cache/internal/domain/vo"
	"github.com/vertextoedge/offline-media-cache/internal/metrics"
	"github.com/vertextoedge/offline-media-cache/internal/port"
	"github.com/vertextoedge/offline-media-cache/internal/util/writebehind"
)

// Config contains media cache configuration
type Config struct {
	// Dir holds the cached blobs
	Dir string

	MaxSize   vo.ByteSize
	Fractions service.Fractions
	Policies  map[domain.MediaType]service.PolicyOptions

	// MaxItemAge expires entries by creation time. Zero disables expiry.
	MaxItemAge time.Duration

	// AccessFlushDelay batches lastAccessedAt persistence
	AccessFlushDelay time.Duration

	// AccessFlushMaxWait caps how long a pending lastAccessedAt update can
	// be pushed back by further reads. Defaults to 5 * AccessFlushDelay.
	AccessFlushMaxWait time.Duration

	FetchWorkers int
	NegativeTTL  time.Duration

	// FetchTimeout bounds a shared fetch, which outlives any single caller
	FetchTimeout time.Duration
}

// DefaultConfig returns default media cache configuration
func DefaultConfig() *Config {
	return &Config{
		MaxSize:          vo.MustByteSize(2 * vo.GB),
		Fractions:        service.DefaultFractions(),
		MaxItemAge:       7 * 24 * time.Hour,
		AccessFlushDelay: 2 * time.Second,
		FetchWorkers:     4,
		NegativeTTL:      30 * time.Second,
		FetchTimeout:     5 * time.Minute,
	}
}

// Option customizes a Cache
type Option func(*Cache)

// WithDispatcher publishes cache events to d
func WithDispatcher(d event.EventDispatcher) Option {
	return func(c *Cache) { c.dispatcher = d }
}

// WithMetrics records hits, misses and usage into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is a size-bounded media store with per-type budgets and
// least-recently-used eviction.
//
// Metadata lives in memory behind mu and is persisted through a
// write-behind queue fed in the same order as the in-memory changes.
// File I/O never happens while mu is held: every stored version gets its
// own path, so files can be written before and removed after the index
// changes.
type Cache struct {
	config     *Config
	fs         port.FileSystem
	transport  port.Transport
	dispatcher event.EventDispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	mu         sync.Mutex
	plan       *service.QuotaPlan
	items      map[domain.EntryID]*lruItem
	lru        *lru
	totalSize  int64
	typeSize   map[domain.MediaType]int64
	typeCount  map[domain.MediaType]int
	dirty      map[domain.EntryID]struct{}
	dirtySince time.Time // when dirty last became non-empty
	closed     bool

	seq     atomic.Int64
	repo    repository.CacheEntryRepository
	journal *writebehind.Queue
	flush   func(f func())
	wg      sync.WaitGroup

	pool     *tunny.Pool
	inflight singleflight.Group
	failures *gocache.Cache
}

type eviction struct {
	entry  *domain.CacheEntry
	reason string
}

// New creates a Cache, loading and reconciling persisted metadata.
// transport may be nil, in which case Fetch is unavailable.
func New(
	cfg *Config,
	filesystem port.FileSystem,
	repo repository.CacheEntryRepository,
	transport port.Transport,
	logger *zap.Logger,
	opts ...Option,
) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(filesystem.RootDir(), "cache")
	}
	if cfg.AccessFlushDelay <= 0 {
		cfg.AccessFlushDelay = 2 * time.Second
	}
	if cfg.AccessFlushMaxWait <= 0 {
		cfg.AccessFlushMaxWait = 5 * cfg.AccessFlushDelay
	}
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = 4
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 30 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Minute
	}

	plan, err := service.NewQuotaPlan(cfg.MaxSize, cfg.Fractions, cfg.Policies)
	if err != nil {
		return nil, fmt.Errorf("invalid cache budget: %w", err)
	}
	if err := filesystem.CreateDirectory(cfg.Dir); err != nil {
		return nil, domain.NewStorageError("create cache directory", cfg.Dir, err)
	}

	c := &Cache{
		config:     cfg,
		fs:         filesystem,
		transport:  transport,
		dispatcher: event.NewNullDispatcher(),
		logger:     logger,
		now:        time.Now,
		plan:       plan,
		items:      make(map[domain.EntryID]*lruItem),
		lru:        newLRU(),
		typeSize:   make(map[domain.MediaType]int64),
		typeCount:  make(map[domain.MediaType]int),
		dirty:      make(map[domain.EntryID]struct{}),
		repo:       repo,
		journal:    writebehind.New(logger),
		flush:      debounce.New(cfg.AccessFlushDelay),
		failures:   gocache.New(cfg.NegativeTTL, 2*cfg.NegativeTTL),
	}
	for _, opt := range opts {
		opt(c)
	}

	if transport != nil {
		c.pool = tunny.NewFunc(cfg.FetchWorkers, c.fetchWork)
	}

	c.load()
	return c, nil
}

// load rebuilds the index from repo. Rows whose file vanished are dropped,
// files no row refers to are deleted.
func (c *Cache) load() {
	entries, skipped, err := c.repo.LoadAll()
	if err != nil {
		c.logger.Warn("discarding unreadable cache metadata", zap.Error(err))
		c.persistDeleteAll("")
		entries = nil
	}
	for _, s := range skipped {
		c.logger.Warn("skipped cache metadata row", zap.Error(s))
	}

	referenced := make(map[string]struct{}, len(entries))
	var maxSeq int64
	dropped := 0

	c.mu.Lock()
	for _, e := range entries {
		if !c.fs.FileExists(e.StoragePath) {
			c.persistDelete(e.ID())
			dropped++
			continue
		}
		if _, dup := c.items[e.ID()]; dup {
			continue
		}
		c.attach(e)
		referenced[filepath.Clean(e.StoragePath)] = struct{}{}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	c.seq.Store(maxSeq)
	victims := c.shrink()
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Warn("dropped cache entries with missing files", zap.Int("count", dropped))
	}
	c.discard(victims)

	files, err := c.fs.ListDirectory(c.config.Dir)
	if err != nil {
		c.logger.Warn("failed to list cache directory", zap.Error(err))
		return
	}
	orphans := 0
	for _, f := range files {
		if _, ok := referenced[filepath.Clean(f)]; ok {
			continue
		}
		if err := c.fs.Remove(f); err != nil {
			c.logger.Warn("failed to remove orphan cache file", zap.String("path", f), zap.Error(err))
			continue
		}
		orphans++
	}

	stats := c.Statistics()
	c.logger.Info("media cache loaded",
		zap.Int("entries", stats.TotalCount),
		zap.String("size", vo.MustByteSize(stats.TotalSize).String()),
		zap.Int("orphans_removed", orphans))
	c.reportUsage()
}

// Put stores data under (mediaType, key), replacing any previous version.
// Least recently used entries are evicted until the new entry fits both its
// type's budget and the global budget.
func (c *Cache) Put(key string, data []byte, mediaType domain.MediaType, sourceURL string) (*domain.CacheEntry, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", domain.ErrInvalidInput)
	}
	if !mediaType.Valid() {
		return nil, fmt.Errorf("%w: unknown media type %q", domain.ErrInvalidInput, mediaType)
	}

	size := int64(len(data))

	c.mu.Lock()
	plan := c.plan
	c.mu.Unlock()

	if ext, ok := plan.Policy(mediaType).AllowsFormat(data); !ok {
		return nil, fmt.Errorf("%w: %s payload detected as %q", domain.ErrFormatNotAllowed, mediaType, ext)
	}
	if err := plan.CheckItem(mediaType, size); err != nil {
		return nil, err
	}

	seq := c.seq.Add(1)
	path := c.pathFor(mediaType, key, seq)
	if err := c.fs.CreateDirectory(filepath.Dir(path)); err != nil {
		return nil, domain.NewStorageError("create directory", filepath.Dir(path), err)
	}
	if err := c.fs.WriteAtomic(path, data); err != nil {
		return nil, domain.NewStorageError("write", path, err)
	}

	now := c.now()
	entry := &domain.CacheEntry{
		Key:            key,
		MediaType:      mediaType,
		StoragePath:    path,
		SourceURL:      sourceURL,
		SizeBytes:      size,
		CreatedAt:      now,
		LastAccessedAt: now,
		Seq:            seq,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.removeFile(path)
		return nil, fmt.Errorf("%w: cache closed", domain.ErrStorage)
	}
	// The budget may have shrunk while the file was being written
	if err := c.plan.CheckItem(mediaType, size); err != nil {
		c.mu.Unlock()
		c.removeFile(path)
		return nil, err
	}

	var victims []eviction
	if old, ok := c.items[entry.ID()]; ok {
		c.detach(old)
		victims = append(victims, eviction{entry: old.entry})
	}
	victims = append(victims, c.makeRoom(mediaType, size)...)
	c.attach(entry)
	c.persistUpsert(entry.Clone())
	stored := entry.Clone()
	c.mu.Unlock()

	c.discard(victims)
	c.dispatcher.Dispatch(event.NewEntryStored(key, string(mediaType), size))
	c.reportUsage()

	c.logger.Debug("cache entry stored",
		zap.String("key", key),
		zap.String("media_type", string(mediaType)),
		zap.Int64("size", size),
		zap.Int("evicted", len(victims)))
	return stored, nil
}

// Get returns the bytes stored under key in any media type.
// Returns domain.ErrNotFound on a miss or an expired entry.
func (c *Cache) Get(key string) ([]byte, error) {
	for _, mt := range domain.MediaTypes {
		data, err := c.get(domain.EntryID{MediaType: mt, Key: key})
		if !errors.Is(err, domain.ErrNotFound) {
			if err == nil {
				c.metrics.Hit(string(mt))
			}
			return data, err
		}
	}
	c.metrics.Miss("any")
	return nil, domain.ErrNotFound
}

// GetTyped returns the bytes stored under (mediaType, key)
func (c *Cache) GetTyped(mediaType domain.MediaType, key string) ([]byte, error) {
	data, err := c.get(domain.EntryID{MediaType: mediaType, Key: key})
	switch {
	case err == nil:
		c.metrics.Hit(string(mediaType))
	case errors.Is(err, domain.ErrNotFound):
		c.metrics.Miss(string(mediaType))
	}
	return data, err
}

func (c *Cache) get(id domain.EntryID) ([]byte, error) {
	c.mu.Lock()
	item, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return nil, domain.ErrNotFound
	}

	now := c.now()
	if item.entry.IsExpired(now, c.config.MaxItemAge) {
		c.detach(item)
		c.persistDelete(id)
		expired := item.entry
		c.mu.Unlock()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.discard([]eviction{{entry: expired, reason: event.ReasonExpired}})
			c.reportUsage()
		}()
		return nil, domain.ErrNotFound
	}

	item.entry.Touch(now)
	c.lru.fix(item)
	if len(c.dirty) == 0 {
		c.dirtySince = time.Now()
	}
	c.dirty[id] = struct{}{}
	overdue := time.Since(c.dirtySince) >= c.config.AccessFlushMaxWait
	path := item.entry.StoragePath
	seq := item.entry.Seq
	c.mu.Unlock()

	if overdue {
		c.FlushAccess()
	} else {
		c.flush(c.FlushAccess)
	}

	data, err := c.fs.ReadAll(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.dropMissing(id, seq)
			return nil, domain.ErrNotFound
		}
		return nil, domain.NewStorageError("read", path, err)
	}
	return data, nil
}

// dropMissing forgets an entry whose file disappeared underneath it,
// unless it has been replaced meanwhile
func (c *Cache) dropMissing(id domain.EntryID, seq int64) {
	c.mu.Lock()
	item, ok := c.items[id]
	if !ok || item.entry.Seq != seq {
		c.mu.Unlock()
		return
	}
	c.detach(item)
	c.persistDelete(id)
	c.mu.Unlock()

	c.logger.Warn("cache file missing, entry dropped",
		zap.String("key", id.Key),
		zap.String("media_type", string(id.MediaType)))
	c.dispatcher.Dispatch(event.NewEntryEvicted(id.Key, string(id.MediaType), item.entry.SizeBytes, event.ReasonMissing))
	c.reportUsage()
}

// Contains reports whether a live entry exists, without touching it
func (c *Cache) Contains(mediaType domain.MediaType, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[domain.EntryID{MediaType: mediaType, Key: key}]
	return ok && !item.entry.IsExpired(c.now(), c.config.MaxItemAge)
}

// Entry returns a copy of an entry's metadata, without touching it
func (c *Cache) Entry(mediaType domain.MediaType, key string) (*domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[domain.EntryID{MediaType: mediaType, Key: key}]
	if !ok {
		return nil, false
	}
	return item.entry.Clone(), true
}

// Remove deletes key in every media type. Removing a missing key is a no-op.
func (c *Cache) Remove(key string) {
	for _, mt := range domain.MediaTypes {
		c.RemoveTyped(mt, key)
	}
}

// RemoveTyped deletes (mediaType, key). Removing a missing entry is a no-op.
func (c *Cache) RemoveTyped(mediaType domain.MediaType, key string) {
	id := domain.EntryID{MediaType: mediaType, Key: key}

	c.mu.Lock()
	item, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.detach(item)
	c.persistDelete(id)
	c.mu.Unlock()

	c.discard([]eviction{{entry: item.entry, reason: event.ReasonRemoved}})
	c.reportUsage()
}

// Clear removes every entry of mediaType, or every entry when mediaType is empty
func (c *Cache) Clear(mediaType domain.MediaType) {
	c.mu.Lock()
	var victims []eviction
	for id, item := range c.items {
		if mediaType != "" && id.MediaType != mediaType {
			continue
		}
		victims = append(victims, eviction{entry: item.entry, reason: event.ReasonCleared})
		delete(c.items, id)
		delete(c.dirty, id)
	}
	for _, mt := range domain.MediaTypes {
		if mediaType != "" && mt != mediaType {
			continue
		}
		c.totalSize -= c.typeSize[mt]
		c.typeSize[mt] = 0
		c.typeCount[mt] = 0
		c.lru.reset(mt)
	}
	c.persistDeleteAll(mediaType)
	c.mu.Unlock()

	c.discard(victims)
	c.reportUsage()

	c.logger.Info("media cache cleared",
		zap.String("media_type", string(mediaType)),
		zap.Int("entries", len(victims)))
}

// SweepExpired removes every entry older than MaxItemAge.
// Returns the number of entries removed.
func (c *Cache) SweepExpired() int {
	if c.config.MaxItemAge <= 0 {
		return 0
	}

	c.mu.Lock()
	now := c.now()
	var victims []eviction
	for id, item := range c.items {
		if !item.entry.IsExpired(now, c.config.MaxItemAge) {
			continue
		}
		c.detach(item)
		c.persistDelete(id)
		victims = append(victims, eviction{entry: item.entry, reason: event.ReasonExpired})
	}
	c.mu.Unlock()

	c.discard(victims)
	c.reportUsage()
	return len(victims)
}

// SetSizeLimit re-partitions the budget over total and evicts until every
// type and the whole cache fit again
func (c *Cache) SetSizeLimit(total vo.ByteSize) {
	c.mu.Lock()
	c.plan = c.plan.Resize(total)
	victims := c.shrink()
	c.mu.Unlock()

	c.discard(victims)
	c.reportUsage()

	c.logger.Info("media cache limit changed",
		zap.String("limit", total.String()),
		zap.Int("evicted", len(victims)))
}

// Limits returns the global budget and the per-type budgets in bytes
func (c *Cache) Limits() (int64, map[domain.MediaType]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	perType := make(map[domain.MediaType]int64, len(domain.MediaTypes))
	for _, mt := range domain.MediaTypes {
		perType[mt] = c.plan.TypeLimit(mt)
	}
	return c.plan.TotalLimit(), perType
}

// Statistics aggregates the current entries
func (c *Cache) Statistics() domain.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := domain.CacheStats{
		PerTypeCounts: make(map[domain.MediaType]int, len(domain.MediaTypes)),
		PerTypeSizes:  make(map[domain.MediaType]int64, len(domain.MediaTypes)),
	}
	for _, item := range c.items {
		e := item.entry
		stats.TotalSize += e.SizeBytes
		stats.TotalCount++
		stats.PerTypeCounts[e.MediaType]++
		stats.PerTypeSizes[e.MediaType] += e.SizeBytes
		if stats.Oldest.IsZero() || e.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = e.CreatedAt
		}
		if e.CreatedAt.After(stats.Newest) {
			stats.Newest = e.CreatedAt
		}
	}
	return stats
}

// FlushAccess persists pending lastAccessedAt updates
func (c *Cache) FlushAccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.dirty) == 0 {
		return
	}
	batch := make([]*domain.CacheEntry, 0, len(c.dirty))
	for id := range c.dirty {
		if item, ok := c.items[id]; ok {
			batch = append(batch, item.entry.Clone())
		}
	}
	c.dirty = make(map[domain.EntryID]struct{})
	c.persistUpsert(batch...)
}

// Dir returns the blob directory
func (c *Cache) Dir() string {
	return c.config.Dir
}

// Sync waits until all metadata changes made so far are persisted
func (c *Cache) Sync() {
	c.FlushAccess()
	c.journal.Sync()
}

// Close persists pending metadata and stops the fetch pool.
// The repository is left open for its owner to close.
func (c *Cache) Close() error {
	c.FlushAccess()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()
	c.journal.Close()
	if c.pool != nil {
		c.pool.Close()
	}
	c.failures.Flush()
	return nil
}

// makeRoom evicts same-type entries until size fits the type budget, then
// any entries until it fits the global budget. Caller holds mu.
func (c *Cache) makeRoom(mt domain.MediaType, size int64) []eviction {
	var victims []eviction
	for c.typeSize[mt]+size > c.plan.TypeLimit(mt) {
		item := c.lru.oldest(mt)
		if item == nil {
			break
		}
		victims = append(victims, c.evict(item))
	}
	for c.totalSize+size > c.plan.TotalLimit() {
		item := c.lru.globalOldest()
		if item == nil {
			break
		}
		victims = append(victims, c.evict(item))
	}
	return victims
}

// shrink evicts until current usage fits the plan. Caller holds mu.
func (c *Cache) shrink() []eviction {
	var victims []eviction
	for _, mt := range domain.MediaTypes {
		victims = append(victims, c.makeRoom(mt, 0)...)
	}
	return victims
}

func (c *Cache) evict(item *lruItem) eviction {
	c.detach(item)
	c.persistDelete(item.entry.ID())
	return eviction{entry: item.entry, reason: event.ReasonCapacity}
}

func (c *Cache) attach(e *domain.CacheEntry) {
	item := &lruItem{entry: e}
	c.items[e.ID()] = item
	c.lru.push(item)
	c.totalSize += e.SizeBytes
	c.typeSize[e.MediaType] += e.SizeBytes
	c.typeCount[e.MediaType]++
}

func (c *Cache) detach(item *lruItem) {
	id := item.entry.ID()
	delete(c.items, id)
	delete(c.dirty, id)
	c.lru.remove(item)
	c.totalSize -= item.entry.SizeBytes
	c.typeSize[item.entry.MediaType] -= item.entry.SizeBytes
	c.typeCount[item.entry.MediaType]--
}

// discard removes the files of detached entries and reports evictions.
// Entries without a reason were replaced and are not reported.
func (c *Cache) discard(victims []eviction) {
	for _, v := range victims {
		c.removeFile(v.entry.StoragePath)
		if v.reason == "" {
			continue
		}
		c.logger.Debug("cache entry evicted",
			zap.String("key", v.entry.Key),
			zap.String("media_type", string(v.entry.MediaType)),
			zap.Int64("size", v.entry.SizeBytes),
			zap.String("reason", v.reason))
		c.dispatcher.Dispatch(event.NewEntryEvicted(v.entry.Key, string(v.entry.MediaType), v.entry.SizeBytes, v.reason))
	}
}

func (c *Cache) persistUpsert(entries ...*domain.CacheEntry) {
	if len(entries) == 0 {
		return
	}
	c.journal.Record("upsert cache entries", func() error { return c.repo.UpsertAll(entries) })
}

func (c *Cache) persistDelete(id domain.EntryID) {
	c.journal.Record("delete cache entry", func() error { return c.repo.Delete(id) })
}

func (c *Cache) persistDeleteAll(mt domain.MediaType) {
	c.journal.Record("clear cache entries", func() error { return c.repo.DeleteAll(mt) })
}

func (c *Cache) removeFile(path string) {
	if err := c.fs.Remove(path); err != nil {
		c.logger.Warn("failed to remove cache file", zap.String("path", path), zap.Error(err))
	}
}

func (c *Cache) reportUsage() {
	if c.metrics == nil {
		return
	}
	c.mu.Lock()
	sizes := make(map[domain.MediaType]int64, len(domain.MediaTypes))
	counts := make(map[domain.MediaType]int, len(domain.MediaTypes))
	for _, mt := range domain.MediaTypes {
		sizes[mt] = c.typeSize[mt]
		counts[mt] = c.typeCount[mt]
	}
	c.mu.Unlock()

	for _, mt := range domain.MediaTypes {
		c.metrics.CacheUsage(string(mt), sizes[mt], counts[mt])
	}
}

// pathFor returns dir/<type>/<hh>/<blake3(type/key)>.<seq>.
// Each stored version gets its own file.
func (c *Cache) pathFor(mt domain.MediaType, key string, seq int64) string {
	sum := blake3.Sum256([]byte(string(mt) + "/" + key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(c.config.Dir, string(mt), name[:2], name+"."+strconv.FormatInt(seq, 10))
}
