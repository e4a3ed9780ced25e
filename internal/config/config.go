package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
	"github.com/vertextoedge/offline-media-cache/internal/domain/service"
	"github.com/vertextoedge/offline-media-cache/internal/domain/vo"
	"github.com/vertextoedge/offline-media-cache/internal/port"
)

// Config represents the entire application configuration
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Offline   OfflineConfig   `mapstructure:"offline"`
	Transport TransportConfig `mapstructure:"transport"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Network   NetworkConfig   `mapstructure:"network"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StorageConfig contains storage location settings
type StorageConfig struct {
	RootDir string `mapstructure:"root_dir"`
}

// CacheConfig contains media cache settings
type CacheConfig struct {
	MaxSize            string              `mapstructure:"max_size"`
	ImageFraction      float64             `mapstructure:"image_fraction"`
	VideoFraction      float64             `mapstructure:"video_fraction"`
	AudioFraction      float64             `mapstructure:"audio_fraction"`
	MaxItemAge         string              `mapstructure:"max_item_age"`
	SweepInterval      string              `mapstructure:"sweep_interval"`
	CompressionQuality float64             `mapstructure:"compression_quality"`
	AllowedFormats     map[string][]string `mapstructure:"allowed_formats"` // MIME types per media type
	FetchWorkers       int                 `mapstructure:"fetch_workers"`
	NegativeTTL        string              `mapstructure:"negative_ttl"`
}

// OfflineConfig contains offline download settings
type OfflineConfig struct {
	ConcurrentDownloads     int    `mapstructure:"concurrent_downloads"`
	SafetyMargin            string `mapstructure:"safety_margin"`
	AllowCellular           bool   `mapstructure:"allow_cellular"`
	ProgressPersistInterval string `mapstructure:"progress_persist_interval"`
	TempFileMaxAge          string `mapstructure:"temp_file_max_age"`
	FailedRecordMaxAge      string `mapstructure:"failed_record_max_age"`
}

// TransportConfig contains HTTP retry settings
type TransportConfig struct {
	MaxRetries       int    `mapstructure:"max_retries"`
	BaseDelay        string `mapstructure:"base_delay"`
	RequestTimeout   string `mapstructure:"request_timeout"`
	ResourceTimeout  string `mapstructure:"resource_timeout"`
	BreakerThreshold int64  `mapstructure:"breaker_threshold"`
	UserAgent        string `mapstructure:"user_agent"`

	// SocketURL enables the push channel for cache invalidations
	SocketURL string `mapstructure:"socket_url"`
}

// AuthConfig contains credential settings
type AuthConfig struct {
	Token        string `mapstructure:"token"`
	RefreshURL   string `mapstructure:"refresh_url"`
	RefreshToken string `mapstructure:"refresh_token"`
}

// NetworkConfig contains reachability probe settings
type NetworkConfig struct {
	ProbeAddress  string `mapstructure:"probe_address"`
	ProbeInterval string `mapstructure:"probe_interval"`
	Interface     string `mapstructure:"interface"`
}

// HTTPConfig contains admin HTTP server configuration
type HTTPConfig struct {
	BindAddr      string `mapstructure:"bind_addr"`
	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`
	ReadTimeout   string `mapstructure:"read_timeout"`
	WriteTimeout  string `mapstructure:"write_timeout"`
	IdleTimeout   string `mapstructure:"idle_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from the specified file path
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

// Watch calls onChange with the reloaded configuration whenever the file at
// configPath changes. Bursts of writes within delay collapse into one reload.
// Invalid edits are logged and skipped.
func Watch(configPath string, delay time.Duration, onChange func(*Config), logger *zap.Logger) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	debounced := debounce.New(delay)
	v.OnConfigChange(func(e fsnotify.Event) {
		debounced(func() {
			cfg, err := Load(configPath)
			if err != nil {
				logger.Warn("ignoring invalid config change", zap.String("path", configPath), zap.Error(err))
				return
			}
			logger.Info("config reloaded", zap.String("path", configPath))
			onChange(cfg)
		})
	})
	v.WatchConfig()
	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Set defaults
	v.SetDefault("storage.root_dir", "/var/lib/offline-media-cache")
	v.SetDefault("cache.max_size", "2GiB")
	v.SetDefault("cache.image_fraction", 0.25)
	v.SetDefault("cache.video_fraction", 0.50)
	v.SetDefault("cache.audio_fraction", 0.25)
	v.SetDefault("cache.max_item_age", "168h")
	v.SetDefault("cache.sweep_interval", "1h")
	v.SetDefault("cache.compression_quality", 0.8)
	v.SetDefault("cache.fetch_workers", 4)
	v.SetDefault("cache.negative_ttl", "30s")
	v.SetDefault("offline.concurrent_downloads", 2)
	v.SetDefault("offline.safety_margin", "100MiB")
	v.SetDefault("offline.allow_cellular", false)
	v.SetDefault("offline.progress_persist_interval", "5s")
	v.SetDefault("offline.temp_file_max_age", "24h")
	v.SetDefault("offline.failed_record_max_age", "24h")
	v.SetDefault("transport.max_retries", 3)
	v.SetDefault("transport.base_delay", "1s")
	v.SetDefault("transport.request_timeout", "30s")
	v.SetDefault("transport.resource_timeout", "60s")
	v.SetDefault("transport.breaker_threshold", 0)
	v.SetDefault("transport.user_agent", "offline-media-cache")
	v.SetDefault("transport.socket_url", "")
	v.SetDefault("network.probe_address", "")
	v.SetDefault("network.probe_interval", "10s")
	v.SetDefault("network.interface", "other")
	v.SetDefault("http.bind_addr", "127.0.0.1:8080")
	v.SetDefault("http.admin_username", "")
	v.SetDefault("http.admin_password", "")
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.RootDir == "" {
		return fmt.Errorf("storage.root_dir is required")
	}

	// Validate cache config
	if _, err := vo.ParseByteSize(c.Cache.MaxSize); err != nil {
		return fmt.Errorf("invalid cache.max_size: %w", err)
	}
	if err := c.Cache.GetFractions().Validate(); err != nil {
		return fmt.Errorf("invalid cache fractions: %w", err)
	}
	if c.Cache.CompressionQuality < 0 || c.Cache.CompressionQuality > 1 {
		return fmt.Errorf("cache.compression_quality must be between 0 and 1")
	}
	for name := range c.Cache.AllowedFormats {
		if _, err := domain.ParseMediaType(name); err != nil {
			return fmt.Errorf("invalid cache.allowed_formats: %w", err)
		}
	}
	if c.Cache.FetchWorkers < 1 {
		return fmt.Errorf("cache.fetch_workers must be positive")
	}

	// Validate offline config
	if c.Offline.ConcurrentDownloads < 1 || c.Offline.ConcurrentDownloads > 10 {
		return fmt.Errorf("offline.concurrent_downloads must be between 1 and 10")
	}
	if _, err := vo.ParseByteSize(c.Offline.SafetyMargin); err != nil {
		return fmt.Errorf("invalid offline.safety_margin: %w", err)
	}

	// Validate transport config
	if c.Transport.MaxRetries < 0 {
		return fmt.Errorf("transport.max_retries cannot be negative")
	}
	if c.Transport.BreakerThreshold < 0 {
		return fmt.Errorf("transport.breaker_threshold cannot be negative")
	}
	if u := c.Transport.SocketURL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return fmt.Errorf("transport.socket_url must be a ws:// or wss:// URL: %s", u)
	}

	// Validate durations
	durations := []struct {
		key   string
		value string
	}{
		{"cache.max_item_age", c.Cache.MaxItemAge},
		{"cache.sweep_interval", c.Cache.SweepInterval},
		{"cache.negative_ttl", c.Cache.NegativeTTL},
		{"offline.progress_persist_interval", c.Offline.ProgressPersistInterval},
		{"offline.temp_file_max_age", c.Offline.TempFileMaxAge},
		{"offline.failed_record_max_age", c.Offline.FailedRecordMaxAge},
		{"transport.base_delay", c.Transport.BaseDelay},
		{"transport.request_timeout", c.Transport.RequestTimeout},
		{"transport.resource_timeout", c.Transport.ResourceTimeout},
		{"network.probe_interval", c.Network.ProbeInterval},
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	switch port.InterfaceType(c.Network.Interface) {
	case port.InterfaceWiFi, port.InterfaceCellular, port.InterfaceOther:
		// Valid interfaces
	default:
		return fmt.Errorf("invalid network.interface: %s", c.Network.Interface)
	}

	if c.Auth.RefreshURL != "" && c.Auth.RefreshToken == "" {
		return fmt.Errorf("auth.refresh_token is required with auth.refresh_url")
	}

	// Validate logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
		// Valid formats
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

// durationOr parses s, falling back to def when s is empty or invalid
func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// GetMaxSize returns the total cache budget
func (c *CacheConfig) GetMaxSize() vo.ByteSize {
	size, err := vo.ParseByteSize(c.MaxSize)
	if err != nil {
		return vo.MustByteSize(2 * vo.GB)
	}
	return size
}

// GetFractions returns the per-type budget split
func (c *CacheConfig) GetFractions() service.Fractions {
	return service.Fractions{
		domain.MediaImage: c.ImageFraction,
		domain.MediaVideo: c.VideoFraction,
		domain.MediaAudio: c.AudioFraction,
	}
}

// GetPolicies returns the per-type cache policies
func (c *CacheConfig) GetPolicies() map[domain.MediaType]service.PolicyOptions {
	policies := make(map[domain.MediaType]service.PolicyOptions, len(domain.MediaTypes))
	for _, mt := range domain.MediaTypes {
		opts := service.PolicyOptions{CompressionQuality: c.CompressionQuality}
		for name, formats := range c.AllowedFormats {
			if strings.EqualFold(name, mt.String()) {
				opts.AllowedFormats = formats
			}
		}
		policies[mt] = opts
	}
	return policies
}

// GetMaxItemAge returns the entry expiry age as time.Duration
func (c *CacheConfig) GetMaxItemAge() time.Duration {
	return durationOr(c.MaxItemAge, 7*24*time.Hour)
}

// GetSweepInterval returns the expiry sweep interval as time.Duration
func (c *CacheConfig) GetSweepInterval() time.Duration {
	return durationOr(c.SweepInterval, time.Hour)
}

// GetNegativeTTL returns how long failed fetches are remembered
func (c *CacheConfig) GetNegativeTTL() time.Duration {
	return durationOr(c.NegativeTTL, 30*time.Second)
}

// GetSafetyMargin returns the free space kept in reserve
func (c *OfflineConfig) GetSafetyMargin() vo.ByteSize {
	size, err := vo.ParseByteSize(c.SafetyMargin)
	if err != nil {
		return vo.MustByteSize(100 * vo.MB)
	}
	return size
}

// GetProgressPersistInterval returns the progress persistence interval as time.Duration
func (c *OfflineConfig) GetProgressPersistInterval() time.Duration {
	return durationOr(c.ProgressPersistInterval, 5*time.Second)
}

// GetTempFileMaxAge returns the maximum temp file age as time.Duration
func (c *OfflineConfig) GetTempFileMaxAge() time.Duration {
	return durationOr(c.TempFileMaxAge, 24*time.Hour)
}

// GetFailedRecordMaxAge returns how long failed downloads are kept
func (c *OfflineConfig) GetFailedRecordMaxAge() time.Duration {
	return durationOr(c.FailedRecordMaxAge, 24*time.Hour)
}

// GetBaseDelay returns the first retry delay as time.Duration
func (c *TransportConfig) GetBaseDelay() time.Duration {
	return durationOr(c.BaseDelay, time.Second)
}

// GetRequestTimeout returns the per-attempt timeout as time.Duration
func (c *TransportConfig) GetRequestTimeout() time.Duration {
	return durationOr(c.RequestTimeout, 30*time.Second)
}

// GetResourceTimeout returns the whole-call timeout as time.Duration
func (c *TransportConfig) GetResourceTimeout() time.Duration {
	return durationOr(c.ResourceTimeout, 60*time.Second)
}

// GetProbeInterval returns the reachability probe interval as time.Duration
func (c *NetworkConfig) GetProbeInterval() time.Duration {
	return durationOr(c.ProbeInterval, 10*time.Second)
}

// GetInterface returns the configured interface hint
func (c *NetworkConfig) GetInterface() port.InterfaceType {
	if c.Interface == "" {
		return port.InterfaceOther
	}
	return port.InterfaceType(c.Interface)
}

// GetReadTimeout returns the read timeout as time.Duration
func (c *HTTPConfig) GetReadTimeout() time.Duration {
	return durationOr(c.ReadTimeout, 30*time.Second)
}

// GetWriteTimeout returns the write timeout as time.Duration
func (c *HTTPConfig) GetWriteTimeout() time.Duration {
	return durationOr(c.WriteTimeout, 30*time.Second)
}

// GetIdleTimeout returns the idle timeout as time.Duration
func (c *HTTPConfig) GetIdleTimeout() time.Duration {
	return durationOr(c.IdleTimeout, 60*time.Second)
}
