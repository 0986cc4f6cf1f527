// Package config locates the cloudcache configuration directory and loads
// settings.yaml.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"gopkg.in/yaml.v3"

	"cloudcache/internal/artifacts"
	"cloudcache/internal/cache"
	"cloudcache/internal/common"
	"cloudcache/internal/provider"
	"cloudcache/internal/provider/local"
	"cloudcache/internal/provider/s3"
	"cloudcache/internal/storage"
)

const (
	// EnvConfigDir overrides the config directory. Tests use it for isolation.
	EnvConfigDir = "CLOUDCACHE_CONFIG_DIR"
	// EnvLogPath overrides the log file location.
	EnvLogPath = "CLOUDCACHE_LOG"
)

// Provider types accepted in settings.yaml.
const (
	TypeLocal = "local"
	TypeS3    = "s3"
)

// Dir returns the config directory path.
// Uses CLOUDCACHE_CONFIG_DIR if set, otherwise ~/.cloudcache.
// Computed on every call so tests can switch directories.
func Dir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cloudcache")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(Dir(), "settings.yaml")
}

// DatabasePath returns the default SQLite database path.
func DatabasePath() string {
	return filepath.Join(Dir(), "cache.db")
}

// FallbackDir returns the default directory of the flat key-value store.
func FallbackDir() string {
	return filepath.Join(Dir(), "kv")
}

// LogPath returns the log file path.
// Uses CLOUDCACHE_LOG if set, otherwise config_dir/cloudcache.log.
func LogPath() string {
	if envPath := os.Getenv(EnvLogPath); envPath != "" {
		return envPath
	}
	return filepath.Join(Dir(), "cloudcache.log")
}

// EnsureDir creates the config directory if it doesn't exist
func EnsureDir() error {
	return os.MkdirAll(Dir(), 0700)
}

// Init creates the config directory and writes the default settings file
// unless one already exists.
func Init() error {
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	path := SettingsPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// CacheSettings are the cache tunables.
type CacheSettings struct {
	TTLMeta             time.Duration `yaml:"ttl_meta"`
	TTLQuota            time.Duration `yaml:"ttl_quota"`
	ContentByteBudget   int64         `yaml:"content_byte_budget"`
	EvictionTargetRatio float64       `yaml:"eviction_target_ratio"`
	MemoryMaxEntries    int           `yaml:"memory_max_entries"`
	CompressContent     *bool         `yaml:"compress_content"` // default: true
}

// SyncSettings control offline replay.
type SyncSettings struct {
	MaxRetryCount       *int          `yaml:"max_retry_count"` // default: 3, 0 is allowed
	ReplayBackoff       time.Duration `yaml:"replay_backoff"`  // 0 = replay on every pass
	OnlineCheckInterval time.Duration `yaml:"online_check_interval"`
	PrefetchConcurrency int           `yaml:"prefetch_concurrency"`
}

// StorageSettings locate the persistent tier. Empty paths resolve inside Dir().
type StorageSettings struct {
	Path        string `yaml:"path"`
	FallbackDir string `yaml:"fallback_dir"`
	BusyTimeout int    `yaml:"busy_timeout"` // ms, 0 = default
}

// ProviderSettings describe one remote.
type ProviderSettings struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // local | s3

	// local
	Root        string   `yaml:"root,omitempty"`
	Capacity    int64    `yaml:"capacity,omitempty"`
	IgnoreFiles *bool    `yaml:"ignore_files,omitempty"` // default: true
	Includes    []string `yaml:"includes,omitempty"`
	Excludes    []string `yaml:"excludes,omitempty"`

	// s3
	S3 s3.Options `yaml:"s3,omitempty"`
}

// IgnoreEnabled reports whether .cloudcacheignore files are honoured (defaults to true).
func (p ProviderSettings) IgnoreEnabled() bool {
	if p.IgnoreFiles == nil {
		return true
	}
	return *p.IgnoreFiles
}

// Settings is the content of settings.yaml.
type Settings struct {
	LogLevel       string             `yaml:"log_level"` // trace, debug, info, warn, off
	Offline        bool               `yaml:"offline"`
	Cache          CacheSettings      `yaml:"cache"`
	Sync           SyncSettings       `yaml:"sync"`
	Storage        StorageSettings    `yaml:"storage"`
	ActiveProvider string             `yaml:"active_provider,omitempty"`
	Providers      []ProviderSettings `yaml:"providers"`
}

// ApplyDefaults fills zero-value fields with their defaults.
func (s *Settings) ApplyDefaults() {
	def := cache.DefaultConfig()
	if s.Cache.TTLMeta == 0 {
		s.Cache.TTLMeta = def.TTLMeta
	}
	if s.Cache.TTLQuota == 0 {
		s.Cache.TTLQuota = def.TTLQuota
	}
	if s.Cache.ContentByteBudget == 0 {
		s.Cache.ContentByteBudget = def.ContentByteBudget
	}
	if s.Cache.EvictionTargetRatio == 0 {
		s.Cache.EvictionTargetRatio = def.EvictionTargetRatio
	}
	if s.Cache.MemoryMaxEntries == 0 {
		s.Cache.MemoryMaxEntries = def.MemoryMaxEntries
	}
	if s.Cache.CompressContent == nil {
		t := true
		s.Cache.CompressContent = &t
	}
	if s.Sync.MaxRetryCount == nil {
		n := def.MaxRetryCount
		s.Sync.MaxRetryCount = &n
	}
	if s.Sync.OnlineCheckInterval == 0 {
		s.Sync.OnlineCheckInterval = 30 * time.Second
	}
	if s.Sync.PrefetchConcurrency == 0 {
		s.Sync.PrefetchConcurrency = 4
	}
	if s.Storage.Path == "" {
		s.Storage.Path = DatabasePath()
	}
	if s.Storage.FallbackDir == "" {
		s.Storage.FallbackDir = FallbackDir()
	}
	if s.ActiveProvider == "" && len(s.Providers) > 0 {
		s.ActiveProvider = s.Providers[0].Name
	}
}

// Validate checks the settings after ApplyDefaults.
func (s *Settings) Validate() error {
	if err := s.CacheConfig().Validate(); err != nil {
		return err
	}
	switch strings.ToLower(s.LogLevel) {
	case "", "off", "none", "trace", "debug", "info", "warn":
	default:
		return fmt.Errorf("%w: unknown log_level %q", common.ErrInvalidConfig, s.LogLevel)
	}
	if s.Sync.ReplayBackoff < 0 || s.Sync.OnlineCheckInterval < 0 {
		return fmt.Errorf("%w: sync intervals must not be negative", common.ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(s.Providers))
	for _, p := range s.Providers {
		if p.Name == "" {
			return fmt.Errorf("%w: provider without a name", common.ErrInvalidConfig)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate provider %q", common.ErrInvalidConfig, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case TypeLocal:
			if p.Root == "" {
				return fmt.Errorf("%w: provider %q needs a root", common.ErrInvalidConfig, p.Name)
			}
		case TypeS3:
			if p.S3.Bucket == "" {
				return fmt.Errorf("%w: provider %q needs a bucket", common.ErrInvalidConfig, p.Name)
			}
		default:
			return fmt.Errorf("%w: provider %q has unknown type %q", common.ErrInvalidConfig, p.Name, p.Type)
		}
	}
	if s.ActiveProvider != "" && !seen[s.ActiveProvider] {
		return fmt.Errorf("%w: active_provider %q is not configured", common.ErrInvalidConfig, s.ActiveProvider)
	}
	return nil
}

// CacheConfig returns the cache tunables.
func (s *Settings) CacheConfig() cache.Config {
	cfg := cache.Config{
		TTLMeta:             s.Cache.TTLMeta,
		TTLQuota:            s.Cache.TTLQuota,
		ContentByteBudget:   s.Cache.ContentByteBudget,
		EvictionTargetRatio: s.Cache.EvictionTargetRatio,
		MemoryMaxEntries:    s.Cache.MemoryMaxEntries,
	}
	if s.Sync.MaxRetryCount != nil {
		cfg.MaxRetryCount = *s.Sync.MaxRetryCount
	}
	return cfg
}

// StorageOptions returns the options of storage.Open.
func (s *Settings) StorageOptions() storage.Options {
	return storage.Options{
		Path:        expandHome(s.Storage.Path),
		FallbackDir: expandHome(s.Storage.FallbackDir),
		BusyTimeout: s.Storage.BusyTimeout,
		Compress:    s.Cache.CompressContent == nil || *s.Cache.CompressContent,
	}
}

// Provider returns the settings of the named provider.
func (s *Settings) Provider(name string) (ProviderSettings, bool) {
	for _, p := range s.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderSettings{}, false
}

// Open builds the provider described by p.
func (p ProviderSettings) Open(ctx context.Context) (provider.Provider, error) {
	switch p.Type {
	case TypeLocal:
		root := expandHome(p.Root)
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		return local.New(osfs.New(root), local.Options{
			Capacity:      p.Capacity,
			IgnoreEnabled: p.IgnoreEnabled(),
			Includes:      p.Includes,
			Excludes:      p.Excludes,
		}), nil
	case TypeS3:
		return s3.New(ctx, p.S3)
	default:
		return nil, fmt.Errorf("%w: unknown provider type %q", common.ErrInvalidConfig, p.Type)
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// Default parses the embedded default settings.
func Default() Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return settings
}

// Load reads SettingsPath(). Falls back to the embedded defaults if the
// file doesn't exist. Defaults are applied and the result validated.
func Load() (*Settings, error) {
	return LoadFrom(SettingsPath())
}

// LoadFrom reads settings from path; see Load.
func LoadFrom(path string) (*Settings, error) {
	var settings Settings
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		settings = Default()
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", common.ErrInvalidConfig, path, err)
		}
	}
	settings.ApplyDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// Save writes settings to SettingsPath().
func Save(settings *Settings) error {
	if err := EnsureDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# cloudcache settings\n# See: cloudcache --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}
