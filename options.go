package docindex

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hupe1980/docindex/catalog"
	"github.com/hupe1980/docindex/internal/engine"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/segment"
	"github.com/hupe1980/docindex/internal/writer"
	"github.com/spf13/viper"
)

type options struct {
	engine engine.Options
	logger *Logger
}

// Option configures Open.
type Option func(*options)

// DedupMode selects when duplicate primary keys inside the building
// segment are resolved.
type DedupMode = writer.DedupMode

const (
	DedupInOrder  = writer.DedupInOrder
	DedupDeferred = writer.DedupDeferred
)

// Compression selects the document store compression of new segments.
type Compression = segment.Compression

const (
	CompressionNone = segment.CompressionNone
	CompressionLZ4  = segment.CompressionLZ4
	CompressionZSTD = segment.CompressionZSTD
)

// WithOnline selects online mode: documents go to realtime segments on
// top of incremental versions deployed from the secondary store. Offline
// partitions build incremental versions themselves.
func WithOnline(online bool) Option {
	return func(o *options) {
		o.engine.Writer.Online = online
	}
}

// WithMaxDocCount forces a dump once the building segment holds n
// documents.
func WithMaxDocCount(n int) Option {
	return func(o *options) {
		o.engine.Writer.MaxDocCount = n
	}
}

// WithDedupMode configures duplicate key handling.
func WithDedupMode(m DedupMode) Option {
	return func(o *options) {
		o.engine.Writer.DedupMode = m
	}
}

// WithRewriteAddToUpdate turns an ADD of an existing key into an UPDATE.
func WithRewriteAddToUpdate(enabled bool) Option {
	return func(o *options) {
		o.engine.Writer.RewriteAddToUpdate = enabled
	}
}

// WithAsyncDump dumps sealed segments on a background worker. UPDATE
// operations are rejected in this mode.
func WithAsyncDump(enabled bool) Option {
	return func(o *options) {
		o.engine.Writer.AsyncDump = enabled
	}
}

// WithFlushRealtimeOnDisk marks realtime segments as flushed to disk.
// UPDATE operations are rejected in this mode.
func WithFlushRealtimeOnDisk(enabled bool) Option {
	return func(o *options) {
		o.engine.Writer.FlushRealtimeOnDisk = enabled
	}
}

// WithDumpThreadCount bounds the indexers of a segment dumped in
// parallel.
func WithDumpThreadCount(n int) Option {
	return func(o *options) {
		o.engine.Writer.DumpThreadCount = n
	}
}

// WithOfflineDumpRatio sets the share of the quota an offline building
// segment may use before it is dumped.
func WithOfflineDumpRatio(ratio float64) Option {
	return func(o *options) {
		o.engine.Writer.OfflineDumpRatio = ratio
	}
}

// WithCompression sets the document store compression.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.engine.Writer.Compression = c
	}
}

// WithMaxPKs forces a dump once the primary key index holds n keys.
func WithMaxPKs(n int) Option {
	return func(o *options) {
		o.engine.Writer.MaxPKs = n
	}
}

// WithDumpRetry bounds the retries of a failed background dump.
func WithDumpRetry(interval time.Duration, maxRetries uint64) Option {
	return func(o *options) {
		o.engine.Writer.DumpRetryInterval = interval
		o.engine.Writer.DumpMaxRetries = maxRetries
	}
}

// WithMemoryLimits sets the build and resource memory quotas. 0 leaves a
// quota unlimited.
func WithMemoryLimits(buildBytes, resourceBytes int64) Option {
	return func(o *options) {
		o.engine.Resources.BuildMemoryBytes = buildBytes
		o.engine.Resources.ResourceMemoryBytes = resourceBytes
	}
}

// WithBlockSize sets the granularity in which consumers borrow quota.
func WithBlockSize(n int64) Option {
	return func(o *options) {
		o.engine.Resources.BlockSize = n
	}
}

// WithBackgroundWorkers bounds the concurrent background dumps.
func WithBackgroundWorkers(n int64) Option {
	return func(o *options) {
		o.engine.Resources.MaxBackgroundWorkers = n
	}
}

// WithIOLimit throttles deploy and dump IO to bytesPerSec.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.engine.Resources.IOLimitBytesPerSec = bytesPerSec
	}
}

// WithCacheBytes sets the block cache capacity. 0 disables the cache.
func WithCacheBytes(n int64) Option {
	return func(o *options) {
		o.engine.CacheBytes = n
	}
}

// WithSecondaryCache serves secondary store reads through the block cache
// in blocks of blockSize bytes. It has no effect with a zero cache size.
func WithSecondaryCache(blockSize int64) Option {
	return func(o *options) {
		o.engine.SecondaryBlockSize = blockSize
	}
}

// WithKeepVersionCount sets the number of newest versions per chain that
// CleanUnreferenced keeps.
func WithKeepVersionCount(n int) Option {
	return func(o *options) {
		o.engine.KeepVersionCount = n
	}
}

// WithDeployParallelism bounds the files copied concurrently from the
// secondary store.
func WithDeployParallelism(n int) Option {
	return func(o *options) {
		o.engine.DeployParallelism = n
	}
}

// WithIORetry sets the retries of transient IO failures and the fixed
// sleep between them.
func WithIORetry(maxRetries uint64, interval time.Duration) Option {
	return func(o *options) {
		o.engine.Retry = fs.RetryPolicy{MaxRetries: maxRetries, Interval: interval}
	}
}

// WithRetryOnIOError reports IO failures of a reopen as retryable.
func WithRetryOnIOError(enabled bool) Option {
	return func(o *options) {
		o.engine.RetryOnIOError = enabled
	}
}

// WithCatalog publishes the versions of an offline partition.
func WithCatalog(c catalog.Catalog) Option {
	return func(o *options) {
		o.engine.Catalog = c
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetrics configures the metrics observer.
func WithMetrics(m MetricsObserver) Option {
	return func(o *options) {
		o.engine.Metrics = m
	}
}

func withFS(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.engine.FS = fsys
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		engine: engine.DefaultOptions(),
		logger: NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	o.engine.Logger = o.logger.Logger
	return o
}

// Config is the file and environment form of the options. Keys use the
// mapstructure names; environment variables use the DOCINDEX_ prefix and
// upper case keys, for example DOCINDEX_MAX_DOC_COUNT.
type Config struct {
	Online              bool          `mapstructure:"online"`
	MaxDocCount         int           `mapstructure:"max_doc_count"`
	DedupMode           string        `mapstructure:"dedup_mode"`
	RewriteAddToUpdate  bool          `mapstructure:"rewrite_add_to_update"`
	AsyncDump           bool          `mapstructure:"async_dump"`
	FlushRealtimeOnDisk bool          `mapstructure:"flush_realtime_on_disk"`
	DumpThreadCount     int           `mapstructure:"dump_thread_count"`
	OfflineDumpRatio    float64       `mapstructure:"offline_dump_ratio"`
	Compression         string        `mapstructure:"compression"`
	MaxPKs              int           `mapstructure:"max_pks"`
	DumpRetryInterval   time.Duration `mapstructure:"dump_retry_interval"`
	DumpMaxRetries      uint64        `mapstructure:"dump_max_retries"`

	BuildMemoryBytes     int64 `mapstructure:"build_memory_bytes"`
	ResourceMemoryBytes  int64 `mapstructure:"resource_memory_bytes"`
	BlockSize            int64 `mapstructure:"block_size"`
	MaxBackgroundWorkers int64 `mapstructure:"max_background_workers"`
	IOLimitBytesPerSec   int64 `mapstructure:"io_limit_bytes_per_sec"`

	CacheBytes         int64         `mapstructure:"cache_bytes"`
	SecondaryBlockSize int64         `mapstructure:"secondary_block_size"`
	KeepVersionCount   int           `mapstructure:"keep_version_count"`
	DeployParallelism  int           `mapstructure:"deploy_parallelism"`
	IORetries          uint64        `mapstructure:"io_retries"`
	IORetryInterval    time.Duration `mapstructure:"io_retry_interval"`
	RetryOnIOError     bool          `mapstructure:"retry_on_io_error"`

	LogLevel string `mapstructure:"log_level"`
}

// DefaultConfig returns the configuration matching Open's defaults.
func DefaultConfig() *Config {
	d := engine.DefaultOptions()
	return &Config{
		Online:            d.Writer.Online,
		DedupMode:         d.Writer.DedupMode.String(),
		DumpThreadCount:   d.Writer.DumpThreadCount,
		OfflineDumpRatio:  d.Writer.OfflineDumpRatio,
		Compression:       string(d.Writer.Compression),
		DumpRetryInterval: d.Writer.DumpRetryInterval,
		DumpMaxRetries:    d.Writer.DumpMaxRetries,
		CacheBytes:        d.CacheBytes,
		KeepVersionCount:  d.KeepVersionCount,
		DeployParallelism: d.DeployParallelism,
		IORetries:         d.Retry.MaxRetries,
		IORetryInterval:   d.Retry.Interval,
		RetryOnIOError:    d.RetryOnIOError,
		LogLevel:          "info",
	}
}

// LoadConfig reads a YAML, JSON or TOML file and applies DOCINDEX_
// environment overrides on top of DefaultConfig. An empty path reads the
// environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOCINDEX")
	v.AutomaticEnv()

	// Every key needs a default for AutomaticEnv to reach Unmarshal.
	for k, val := range configKeys(DefaultConfig()) {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func configKeys(cfg *Config) map[string]any {
	return map[string]any{
		"online":                 cfg.Online,
		"max_doc_count":          cfg.MaxDocCount,
		"dedup_mode":             cfg.DedupMode,
		"rewrite_add_to_update":  cfg.RewriteAddToUpdate,
		"async_dump":             cfg.AsyncDump,
		"flush_realtime_on_disk": cfg.FlushRealtimeOnDisk,
		"dump_thread_count":      cfg.DumpThreadCount,
		"offline_dump_ratio":     cfg.OfflineDumpRatio,
		"compression":            cfg.Compression,
		"max_pks":                cfg.MaxPKs,
		"dump_retry_interval":    cfg.DumpRetryInterval,
		"dump_max_retries":       cfg.DumpMaxRetries,
		"build_memory_bytes":     cfg.BuildMemoryBytes,
		"resource_memory_bytes":  cfg.ResourceMemoryBytes,
		"block_size":             cfg.BlockSize,
		"max_background_workers": cfg.MaxBackgroundWorkers,
		"io_limit_bytes_per_sec": cfg.IOLimitBytesPerSec,
		"cache_bytes":            cfg.CacheBytes,
		"secondary_block_size":   cfg.SecondaryBlockSize,
		"keep_version_count":     cfg.KeepVersionCount,
		"deploy_parallelism":     cfg.DeployParallelism,
		"io_retries":             cfg.IORetries,
		"io_retry_interval":      cfg.IORetryInterval,
		"retry_on_io_error":      cfg.RetryOnIOError,
		"log_level":              cfg.LogLevel,
	}
}

// Options converts the configuration into Open options.
func (c *Config) Options() ([]Option, error) {
	var dedup DedupMode
	switch strings.ToLower(c.DedupMode) {
	case "", DedupInOrder.String():
		dedup = DedupInOrder
	case DedupDeferred.String():
		dedup = DedupDeferred
	default:
		return nil, fmt.Errorf("unknown dedup mode %q", c.DedupMode)
	}
	compression, err := segment.ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}

	return []Option{
		WithOnline(c.Online),
		WithMaxDocCount(c.MaxDocCount),
		WithDedupMode(dedup),
		WithRewriteAddToUpdate(c.RewriteAddToUpdate),
		WithAsyncDump(c.AsyncDump),
		WithFlushRealtimeOnDisk(c.FlushRealtimeOnDisk),
		WithDumpThreadCount(c.DumpThreadCount),
		WithOfflineDumpRatio(c.OfflineDumpRatio),
		WithCompression(compression),
		WithMaxPKs(c.MaxPKs),
		WithDumpRetry(c.DumpRetryInterval, c.DumpMaxRetries),
		WithMemoryLimits(c.BuildMemoryBytes, c.ResourceMemoryBytes),
		WithBlockSize(c.BlockSize),
		WithBackgroundWorkers(c.MaxBackgroundWorkers),
		WithIOLimit(c.IOLimitBytesPerSec),
		WithCacheBytes(c.CacheBytes),
		WithSecondaryCache(c.SecondaryBlockSize),
		WithKeepVersionCount(c.KeepVersionCount),
		WithDeployParallelism(c.DeployParallelism),
		WithIORetry(c.IORetries, c.IORetryInterval),
		WithRetryOnIOError(c.RetryOnIOError),
		WithLogLevel(level),
	}, nil
}
