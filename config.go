package fieldsync

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration.
type Config struct {
	// DataDir is the directory holding the queue and cache databases.
	// Required unless both Store.Path and Cache.Path are set explicitly.
	DataDir string

	// Store holds action-store settings.
	Store StoreConfig

	// Cache holds cache-store settings.
	Cache CacheConfig

	// Sync holds sync-pass settings.
	Sync SyncConfig

	// Retention configures the periodic maintenance purges.
	Retention RetentionConfig

	// Encryption configures payload encryption at rest. A key or key
	// password is required; payloads are never persisted in plaintext.
	Encryption EncryptionConfig

	// Stream configures the sync event stream.
	Stream StreamConfig

	// Remote configures the built-in HTTP remote executor and reference
	// downloader. Ignored when the host injects its own implementations.
	Remote *RemoteConfig

	// Media configures S3-compatible blob storage for upload-media
	// payloads. If nil, media actions go through the default executor
	// unchanged.
	Media *MediaConfig
}

// StoreConfig groups action-store settings.
type StoreConfig struct {
	// Path is the queue database file. Default: <DataDir>/queue.db.
	Path string

	// BusyTimeout is the SQLite busy timeout. Default: 5s.
	BusyTimeout time.Duration

	// CacheSizeKB is the SQLite page cache size in KB. Default: 2000.
	CacheSizeKB int
}

// CacheConfig groups cache-store settings.
type CacheConfig struct {
	// Path is the cache database file. Default: <DataDir>/cache.db.
	Path string

	// DefaultTTL applies to categories without an explicit configuration.
	// Default: 15 minutes.
	DefaultTTL time.Duration

	// DefaultMaxEntries applies to categories without an explicit
	// configuration. Default: 200.
	DefaultMaxEntries int

	// SweepInterval is how often expired entries are swept. The sweep runs
	// inside the coordinator's maintenance worker. Default: 1 minute.
	SweepInterval time.Duration

	// Categories fixes TTL, entry bound, and refresh strategy per category.
	Categories map[string]CategoryConfig
}

// CategoryConfig fixes the cache policy for one category.
type CategoryConfig struct {
	TTL        time.Duration
	MaxEntries int
	Strategy   SyncStrategy
}

// SyncConfig groups sync-pass settings.
type SyncConfig struct {
	// BatchSize is the number of actions replayed per batch. Default: 10.
	BatchSize int

	// Interval is how often a full pass runs while online. Default: 1 minute.
	Interval time.Duration

	// RetryBackoff is the base delay before re-attempting a transiently
	// failed action; the applied delay is RetryBackoff * 2^retryCount.
	// Default: 30 seconds.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the applied delay. Default: 30 minutes.
	MaxRetryBackoff time.Duration

	// PassTimeout bounds one full sync pass. Default: 5 minutes.
	PassTimeout time.Duration
}

// RetentionConfig groups maintenance-purge settings.
type RetentionConfig struct {
	// SyncedActionWindow is how long synced actions are kept.
	// Default: 30 days.
	SyncedActionWindow time.Duration

	// ResolvedConflictWindow is how long resolved conflicts are kept.
	// Default: 7 days.
	ResolvedConflictWindow time.Duration

	// Interval is how often the maintenance pass runs. Default: 1 hour.
	Interval time.Duration
}

// DefaultConfig returns a configuration with sensible defaults rooted at
// dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir: dataDir,
		Store: StoreConfig{
			Path:        filepath.Join(dataDir, "queue.db"),
			BusyTimeout: 5 * time.Second,
			CacheSizeKB: 2000,
		},
		Cache: CacheConfig{
			Path:              filepath.Join(dataDir, "cache.db"),
			DefaultTTL:        15 * time.Minute,
			DefaultMaxEntries: 200,
			SweepInterval:     time.Minute,
		},
		Sync: SyncConfig{
			BatchSize:       10,
			Interval:        time.Minute,
			RetryBackoff:    30 * time.Second,
			MaxRetryBackoff: 30 * time.Minute,
			PassTimeout:     5 * time.Minute,
		},
		Retention: RetentionConfig{
			SyncedActionWindow:     30 * 24 * time.Hour,
			ResolvedConflictWindow: 7 * 24 * time.Hour,
			Interval:               time.Hour,
		},
		Stream: StreamConfig{
			BufferSize: 64,
		},
	}
}

// withDefaults fills zero-valued fields so constructors never see them.
func (c Config) withDefaults() Config {
	def := DefaultConfig(c.DataDir)
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Store.BusyTimeout <= 0 {
		c.Store.BusyTimeout = def.Store.BusyTimeout
	}
	if c.Store.CacheSizeKB <= 0 {
		c.Store.CacheSizeKB = def.Store.CacheSizeKB
	}
	if c.Cache.Path == "" {
		c.Cache.Path = def.Cache.Path
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = def.Cache.DefaultTTL
	}
	if c.Cache.DefaultMaxEntries <= 0 {
		c.Cache.DefaultMaxEntries = def.Cache.DefaultMaxEntries
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = def.Cache.SweepInterval
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = def.Sync.BatchSize
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = def.Sync.Interval
	}
	if c.Sync.RetryBackoff <= 0 {
		c.Sync.RetryBackoff = def.Sync.RetryBackoff
	}
	if c.Sync.MaxRetryBackoff <= 0 {
		c.Sync.MaxRetryBackoff = def.Sync.MaxRetryBackoff
	}
	if c.Sync.PassTimeout <= 0 {
		c.Sync.PassTimeout = def.Sync.PassTimeout
	}
	if c.Retention.SyncedActionWindow <= 0 {
		c.Retention.SyncedActionWindow = def.Retention.SyncedActionWindow
	}
	if c.Retention.ResolvedConflictWindow <= 0 {
		c.Retention.ResolvedConflictWindow = def.Retention.ResolvedConflictWindow
	}
	if c.Retention.Interval <= 0 {
		c.Retention.Interval = def.Retention.Interval
	}
	if c.Stream.BufferSize <= 0 {
		c.Stream.BufferSize = def.Stream.BufferSize
	}
	return c
}

// Validate checks the configuration for unusable combinations.
func (c Config) Validate() error {
	if c.DataDir == "" && (c.Store.Path == "" || c.Cache.Path == "") {
		return fmt.Errorf("config: DataDir is required when store or cache paths are unset")
	}
	if c.Encryption.KeyPassword == "" && len(c.Encryption.Key) == 0 {
		return fmt.Errorf("config: an encryption key or key password is required")
	}
	if len(c.Encryption.Key) > 0 && len(c.Encryption.Key) != EncryptionKeySize {
		return fmt.Errorf("config: encryption key must be %d bytes, got %d", EncryptionKeySize, len(c.Encryption.Key))
	}
	for name, cat := range c.Cache.Categories {
		if cat.MaxEntries < 0 {
			return fmt.Errorf("config: cache category %q has negative maxEntries", name)
		}
	}
	return nil
}

// configFile mirrors Config for YAML parsing; duration fields are strings
// in "30s" / "15m" form.
type configFile struct {
	DataDir string `yaml:"data_dir"`

	Store struct {
		Path        string `yaml:"path"`
		BusyTimeout string `yaml:"busy_timeout"`
		CacheSizeKB int    `yaml:"cache_size_kb"`
	} `yaml:"store"`

	Cache struct {
		Path              string `yaml:"path"`
		DefaultTTL        string `yaml:"default_ttl"`
		DefaultMaxEntries int    `yaml:"default_max_entries"`
		SweepInterval     string `yaml:"sweep_interval"`
		Categories        map[string]struct {
			TTL        string `yaml:"ttl"`
			MaxEntries int    `yaml:"max_entries"`
			Strategy   string `yaml:"strategy"`
		} `yaml:"categories"`
	} `yaml:"cache"`

	Sync struct {
		BatchSize       int    `yaml:"batch_size"`
		Interval        string `yaml:"interval"`
		RetryBackoff    string `yaml:"retry_backoff"`
		MaxRetryBackoff string `yaml:"max_retry_backoff"`
		PassTimeout     string `yaml:"pass_timeout"`
	} `yaml:"sync"`

	Retention struct {
		SyncedActionWindow     string `yaml:"synced_action_window"`
		ResolvedConflictWindow string `yaml:"resolved_conflict_window"`
		Interval               string `yaml:"interval"`
	} `yaml:"retention"`

	Encryption struct {
		KeyPassword string `yaml:"key_password"`
	} `yaml:"encryption"`

	Stream struct {
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"stream"`

	Remote *struct {
		Endpoint string `yaml:"endpoint"`
		AuthType string `yaml:"auth_type"`
		APIKey   string `yaml:"api_key"`
		Token    string `yaml:"token"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"remote"`

	Media *struct {
		Bucket          string `yaml:"bucket"`
		Region          string `yaml:"region"`
		Endpoint        string `yaml:"endpoint"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
		Prefix          string `yaml:"prefix"`
		UsePathStyle    bool   `yaml:"use_path_style"`
		MaxRetries      int    `yaml:"max_retries"`
	} `yaml:"media"`
}

// LoadConfig reads a YAML configuration file and overlays it on the
// defaults for its data directory.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if f.DataDir == "" {
		return Config{}, fmt.Errorf("parse config: data_dir is required")
	}

	cfg := DefaultConfig(f.DataDir)

	if f.Store.Path != "" {
		cfg.Store.Path = f.Store.Path
	}
	if err := overlayDuration(&cfg.Store.BusyTimeout, f.Store.BusyTimeout, "store.busy_timeout"); err != nil {
		return Config{}, err
	}
	if f.Store.CacheSizeKB > 0 {
		cfg.Store.CacheSizeKB = f.Store.CacheSizeKB
	}

	if f.Cache.Path != "" {
		cfg.Cache.Path = f.Cache.Path
	}
	if err := overlayDuration(&cfg.Cache.DefaultTTL, f.Cache.DefaultTTL, "cache.default_ttl"); err != nil {
		return Config{}, err
	}
	if f.Cache.DefaultMaxEntries > 0 {
		cfg.Cache.DefaultMaxEntries = f.Cache.DefaultMaxEntries
	}
	if err := overlayDuration(&cfg.Cache.SweepInterval, f.Cache.SweepInterval, "cache.sweep_interval"); err != nil {
		return Config{}, err
	}
	if len(f.Cache.Categories) > 0 {
		cfg.Cache.Categories = make(map[string]CategoryConfig, len(f.Cache.Categories))
		for name, cat := range f.Cache.Categories {
			cc := CategoryConfig{
				MaxEntries: cat.MaxEntries,
				Strategy:   SyncStrategy(cat.Strategy),
			}
			if err := overlayDuration(&cc.TTL, cat.TTL, "cache.categories."+name+".ttl"); err != nil {
				return Config{}, err
			}
			cfg.Cache.Categories[name] = cc
		}
	}

	if f.Sync.BatchSize > 0 {
		cfg.Sync.BatchSize = f.Sync.BatchSize
	}
	if err := overlayDuration(&cfg.Sync.Interval, f.Sync.Interval, "sync.interval"); err != nil {
		return Config{}, err
	}
	if err := overlayDuration(&cfg.Sync.RetryBackoff, f.Sync.RetryBackoff, "sync.retry_backoff"); err != nil {
		return Config{}, err
	}
	if err := overlayDuration(&cfg.Sync.MaxRetryBackoff, f.Sync.MaxRetryBackoff, "sync.max_retry_backoff"); err != nil {
		return Config{}, err
	}
	if err := overlayDuration(&cfg.Sync.PassTimeout, f.Sync.PassTimeout, "sync.pass_timeout"); err != nil {
		return Config{}, err
	}

	if err := overlayDuration(&cfg.Retention.SyncedActionWindow, f.Retention.SyncedActionWindow, "retention.synced_action_window"); err != nil {
		return Config{}, err
	}
	if err := overlayDuration(&cfg.Retention.ResolvedConflictWindow, f.Retention.ResolvedConflictWindow, "retention.resolved_conflict_window"); err != nil {
		return Config{}, err
	}
	if err := overlayDuration(&cfg.Retention.Interval, f.Retention.Interval, "retention.interval"); err != nil {
		return Config{}, err
	}

	cfg.Encryption.KeyPassword = f.Encryption.KeyPassword

	if f.Stream.BufferSize > 0 {
		cfg.Stream.BufferSize = f.Stream.BufferSize
	}

	if f.Remote != nil {
		rc := &RemoteConfig{
			Endpoint: f.Remote.Endpoint,
			AuthType: f.Remote.AuthType,
			APIKey:   f.Remote.APIKey,
			Token:    f.Remote.Token,
			Username: f.Remote.Username,
			Password: f.Remote.Password,
		}
		if err := overlayDuration(&rc.Timeout, f.Remote.Timeout, "remote.timeout"); err != nil {
			return Config{}, err
		}
		cfg.Remote = rc
	}

	if f.Media != nil {
		cfg.Media = &MediaConfig{
			Bucket:          f.Media.Bucket,
			Region:          f.Media.Region,
			Endpoint:        f.Media.Endpoint,
			AccessKeyID:     f.Media.AccessKeyID,
			SecretAccessKey: f.Media.SecretAccessKey,
			Prefix:          f.Media.Prefix,
			UsePathStyle:    f.Media.UsePathStyle,
			MaxRetries:      f.Media.MaxRetries,
		}
	}

	return cfg, nil
}

func overlayDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse config: %s: %w", field, err)
	}
	*dst = d
	return nil
}
