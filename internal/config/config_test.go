package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
	"github.com/vertextoedge/offline-media-cache/internal/domain/vo"
	"github.com/vertextoedge/offline-media-cache/internal/port"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "storage:\n  root_dir: /tmp/omc\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/omc", cfg.Storage.RootDir)
	assert.Equal(t, 2*vo.GB, cfg.Cache.GetMaxSize().Bytes())
	assert.InDelta(t, 0.5, cfg.Cache.GetFractions()[domain.MediaVideo], 1e-9)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.GetMaxItemAge())
	assert.Equal(t, 2, cfg.Offline.ConcurrentDownloads)
	assert.Equal(t, 100*vo.MB, cfg.Offline.GetSafetyMargin().Bytes())
	assert.False(t, cfg.Offline.AllowCellular)
	assert.Equal(t, 3, cfg.Transport.MaxRetries)
	assert.Equal(t, time.Second, cfg.Transport.GetBaseDelay())
	assert.Equal(t, port.InterfaceOther, cfg.Network.GetInterface())
	assert.Equal(t, 60*time.Second, cfg.HTTP.GetIdleTimeout())
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
storage:
  root_dir: /data
cache:
  max_size: 500MB
  image_fraction: 0.5
  video_fraction: 0.3
  audio_fraction: 0.2
  allowed_formats:
    image: [image/png, image/jpeg]
offline:
  safety_margin: 1GiB
  allow_cellular: true
network:
  interface: cellular
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(500_000_000), cfg.Cache.GetMaxSize().Bytes())
	assert.Equal(t, vo.GB, cfg.Offline.GetSafetyMargin().Bytes())
	assert.True(t, cfg.Offline.AllowCellular)
	assert.Equal(t, port.InterfaceCellular, cfg.Network.GetInterface())

	policies := cfg.Cache.GetPolicies()
	assert.Equal(t, []string{"image/png", "image/jpeg"}, policies[domain.MediaImage].AllowedFormats)
	assert.Empty(t, policies[domain.MediaVideo].AllowedFormats)
	assert.InDelta(t, 0.8, policies[domain.MediaAudio].CompressionQuality, 1e-9)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad size", "cache:\n  max_size: lots\n"},
		{"fractions over one", "cache:\n  image_fraction: 0.6\n  video_fraction: 0.6\n"},
		{"unknown media type", "cache:\n  allowed_formats:\n    text: [text/plain]\n"},
		{"too many downloads", "offline:\n  concurrent_downloads: 50\n"},
		{"negative retries", "transport:\n  max_retries: -1\n"},
		{"bad duration", "transport:\n  base_delay: soon\n"},
		{"socket url not websocket", "transport:\n  socket_url: https://push.example.com\n"},
		{"bad interface", "network:\n  interface: ethernet\n"},
		{"refresh without token", "auth:\n  refresh_url: https://auth.example.com\n"},
		{"bad level", "logging:\n  level: trace\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "offline:\n  allow_cellular: false\n")

	var latest atomic.Pointer[Config]
	require.NoError(t, Watch(path, 10*time.Millisecond, func(cfg *Config) {
		latest.Store(cfg)
	}, zap.NewNop()))

	// Invalid edits are skipped
	require.NoError(t, os.WriteFile(path, []byte("offline:\n  concurrent_downloads: 0\n"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Nil(t, latest.Load())

	require.NoError(t, os.WriteFile(path, []byte("offline:\n  allow_cellular: true\n"), 0644))
	require.Eventually(t, func() bool {
		cfg := latest.Load()
		return cfg != nil && cfg.Offline.AllowCellular
	}, 5*time.Second, 20*time.Millisecond)
}
