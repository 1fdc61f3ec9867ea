package docindex

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docindex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
online: false
max_doc_count: 10
dedup_mode: deferred
compression: zstd
dump_retry_interval: 250ms
keep_version_count: 5
log_level: debug
`), 0o600))
	t.Setenv("DOCINDEX_MAX_DOC_COUNT", "42")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.Online)
	assert.Equal(t, 42, cfg.MaxDocCount)
	assert.Equal(t, "deferred", cfg.DedupMode)
	assert.Equal(t, "zstd", cfg.Compression)
	assert.Equal(t, 250*time.Millisecond, cfg.DumpRetryInterval)
	assert.Equal(t, 5, cfg.KeepVersionCount)
	// Unset keys keep their defaults.
	assert.Equal(t, DefaultConfig().DeployParallelism, cfg.DeployParallelism)

	opts, err := cfg.Options()
	require.NoError(t, err)
	o := applyOptions(opts)
	assert.False(t, o.engine.Writer.Online)
	assert.Equal(t, 42, o.engine.Writer.MaxDocCount)
	assert.Equal(t, DedupDeferred, o.engine.Writer.DedupMode)
	assert.Equal(t, CompressionZSTD, o.engine.Writer.Compression)
	assert.Equal(t, 5, o.engine.KeepVersionCount)
}

func TestLoadConfigEnvironmentOnly(t *testing.T) {
	t.Setenv("DOCINDEX_ONLINE", "false")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.False(t, cfg.Online)
	assert.Equal(t, "info", cfg.LogLevel)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigOptionsValidation(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"compression": func(c *Config) { c.Compression = "snappy" },
		"dedup mode":  func(c *Config) { c.DedupMode = "latest" },
		"log level":   func(c *Config) { c.LogLevel = "loud" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			_, err := cfg.Options()
			assert.Error(t, err)
		})
	}
}

func TestDefaultConfigMatchesDefaults(t *testing.T) {
	opts, err := DefaultConfig().Options()
	require.NoError(t, err)

	got := applyOptions(opts).engine
	want := applyOptions(nil).engine
	assert.Equal(t, want.Writer.Online, got.Writer.Online)
	assert.Equal(t, want.Writer.OfflineDumpRatio, got.Writer.OfflineDumpRatio)
	assert.Equal(t, want.CacheBytes, got.CacheBytes)
	assert.Equal(t, want.Retry, got.Retry)
	assert.Equal(t, want.RetryOnIOError, got.RetryOnIOError)
}
