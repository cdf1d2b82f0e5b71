// Package config provides layered configuration for the telemetry core:
// built-in defaults, the user's config.yaml, then environment variables,
// each overriding the last. There is no bundled config file layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/blueplane/telemetry-core/internal/errkind"
)

// Config holds the fully resolved application configuration.
type Config struct {
	Paths      PathsConfig      `mapstructure:"paths"`
	MQ         MQConfig         `mapstructure:"mq"`
	Store      StoreConfig      `mapstructure:"store"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Session    SessionConfig    `mapstructure:"session"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Features   FeaturesConfig   `mapstructure:"features"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type PathsConfig struct {
	DataDir string       `mapstructure:"data_dir"`
	Cursor  CursorPaths  `mapstructure:"cursor"`
	Claude  ClaudePaths  `mapstructure:"claude"`
}

type CursorPaths struct {
	GlobalDB        string `mapstructure:"global_db"`
	WorkspaceDir    string `mapstructure:"workspace_storage"`
}

type ClaudePaths struct {
	ProjectsDir string `mapstructure:"projects_dir"`
}

type MQConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	DB             int    `mapstructure:"db"`
	Password       string `mapstructure:"password"`
	StreamMaxLen   int64  `mapstructure:"stream_max_len"`
	MaxRetries     int    `mapstructure:"max_retries"`
	ClaimMinIdleMs int64  `mapstructure:"claim_min_idle_ms"`
}

type StoreConfig struct {
	CompressionLevel int  `mapstructure:"compression_level"`
	WAL              bool `mapstructure:"wal"`
	BusyTimeoutMs    int  `mapstructure:"busy_timeout_ms"`
}

type MonitoringConfig struct {
	Cursor MonitoringCursorConfig `mapstructure:"cursor"`
	Claude MonitoringClaudeConfig `mapstructure:"claude"`
}

type MonitoringCursorConfig struct {
	PollIntervalS float64 `mapstructure:"poll_interval_s"`
	DebounceS     float64 `mapstructure:"debounce_s"`
	QueryTimeoutS float64 `mapstructure:"query_timeout_s"`
}

type MonitoringClaudeConfig struct {
	PollIntervalS float64 `mapstructure:"poll_interval_s"`
}

type SessionConfig struct {
	TimeoutHours         float64 `mapstructure:"timeout_hours"`
	TimeoutSweepInterval int     `mapstructure:"timeout_sweep_interval_s"`
}

type DedupConfig struct {
	WindowHours float64 `mapstructure:"window_hours"`
}

type FeaturesConfig struct {
	Claude        bool `mapstructure:"claude"`
	Cursor        bool `mapstructure:"cursor"`
	Metrics       bool `mapstructure:"metrics"`
	Conversations bool `mapstructure:"conversations"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the default data directory (~/.blueplane), overridable
// via Paths.DataDir once loaded.
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".blueplane")
}

// DBPath returns the embedded store's path inside the given data dir.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "telemetry.db")
}

// ConfigPath returns the user config file path inside the given data dir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// WorkspaceCachePath returns the persistent workspace-mapping cache path.
func WorkspaceCachePath(dataDir string) string {
	return filepath.Join(dataDir, "workspace_db_cache.json")
}

// EnsureDataDir creates the data directory (owner-only permissions) if
// it doesn't exist.
func EnsureDataDir(dataDir string) error {
	return os.MkdirAll(dataDir, 0o700)
}

// Default returns a Config populated with the hardcoded defaults named in
// the external-interfaces contract (SPEC_FULL.md / spec.md §6).
func Default() *Config {
	dataDir := DataDir()
	home, _ := os.UserHomeDir()
	return &Config{
		Paths: PathsConfig{
			DataDir: dataDir,
			Cursor: CursorPaths{
				GlobalDB:     filepath.Join(home, "Library", "Application Support", "Cursor", "User", "globalStorage", "state.vscdb"),
				WorkspaceDir: filepath.Join(home, "Library", "Application Support", "Cursor", "User", "workspaceStorage"),
			},
			Claude: ClaudePaths{
				ProjectsDir: filepath.Join(home, ".claude", "projects"),
			},
		},
		MQ: MQConfig{
			Host:           "127.0.0.1",
			Port:           6379,
			DB:             0,
			StreamMaxLen:   10_000,
			MaxRetries:     3,
			ClaimMinIdleMs: 60_000,
		},
		Store: StoreConfig{
			CompressionLevel: 6,
			WAL:              true,
			BusyTimeoutMs:    5_000,
		},
		Monitoring: MonitoringConfig{
			Cursor: MonitoringCursorConfig{
				PollIntervalS: 60,
				DebounceS:     10,
				QueryTimeoutS: 1.5,
			},
			Claude: MonitoringClaudeConfig{
				PollIntervalS: 5,
			},
		},
		Session: SessionConfig{
			TimeoutHours:         24,
			TimeoutSweepInterval: 3_600,
		},
		Dedup: DedupConfig{
			WindowHours: 24,
		},
		Features: FeaturesConfig{
			Claude:        true,
			Cursor:        true,
			Metrics:       true,
			Conversations: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load resolves layered configuration: defaults -> user config.yaml ->
// BP_-prefixed environment variables; no bundled config file is read
// between the defaults and the user file. dataDir overrides the
// location config.yaml is read from; pass "" to use the OS default.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaultsFromStruct(v, cfg)

	v.SetEnvPrefix("BP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile := ConfigPath(cfg.Paths.DataDir)
	if _, err := os.Stat(configFile); err == nil {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w: %w", configFile, errkind.Config, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w: %w", errkind.Config, err)
	}

	return cfg, nil
}

// setDefaultsFromStruct seeds viper's default layer from the zero-arg
// Default() config so env/file overrides only need to name what they
// change.
func setDefaultsFromStruct(v *viper.Viper, cfg *Config) {
	v.SetDefault("paths.data_dir", cfg.Paths.DataDir)
	v.SetDefault("paths.cursor.global_db", cfg.Paths.Cursor.GlobalDB)
	v.SetDefault("paths.cursor.workspace_storage", cfg.Paths.Cursor.WorkspaceDir)
	v.SetDefault("paths.claude.projects_dir", cfg.Paths.Claude.ProjectsDir)
	v.SetDefault("mq.host", cfg.MQ.Host)
	v.SetDefault("mq.port", cfg.MQ.Port)
	v.SetDefault("mq.db", cfg.MQ.DB)
	v.SetDefault("mq.password", cfg.MQ.Password)
	v.SetDefault("mq.stream_max_len", cfg.MQ.StreamMaxLen)
	v.SetDefault("mq.max_retries", cfg.MQ.MaxRetries)
	v.SetDefault("mq.claim_min_idle_ms", cfg.MQ.ClaimMinIdleMs)
	v.SetDefault("store.compression_level", cfg.Store.CompressionLevel)
	v.SetDefault("store.wal", cfg.Store.WAL)
	v.SetDefault("store.busy_timeout_ms", cfg.Store.BusyTimeoutMs)
	v.SetDefault("monitoring.cursor.poll_interval_s", cfg.Monitoring.Cursor.PollIntervalS)
	v.SetDefault("monitoring.cursor.debounce_s", cfg.Monitoring.Cursor.DebounceS)
	v.SetDefault("monitoring.cursor.query_timeout_s", cfg.Monitoring.Cursor.QueryTimeoutS)
	v.SetDefault("monitoring.claude.poll_interval_s", cfg.Monitoring.Claude.PollIntervalS)
	v.SetDefault("session.timeout_hours", cfg.Session.TimeoutHours)
	v.SetDefault("session.timeout_sweep_interval_s", cfg.Session.TimeoutSweepInterval)
	v.SetDefault("dedup.window_hours", cfg.Dedup.WindowHours)
	v.SetDefault("features.claude", cfg.Features.Claude)
	v.SetDefault("features.cursor", cfg.Features.Cursor)
	v.SetDefault("features.metrics", cfg.Features.Metrics)
	v.SetDefault("features.conversations", cfg.Features.Conversations)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
}

// Get returns the process-wide configuration, loading it from the default
// data directory on first call. There is exactly one Config per process
// (SPEC_FULL.md / spec.md §9's "no hidden singletons" note refers to
// passing this by reference through constructors, not to avoiding a single
// load).
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load("")
		if err != nil {
			cfg = Default()
		}
		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// SessionTimeout returns the configured session timeout as a Duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutHours * float64(time.Hour))
}

// DedupWindow returns the configured dedup window as a Duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Dedup.WindowHours * float64(time.Hour))
}

// CursorQueryTimeout returns the configured Cursor SQLite query timeout.
func (c *Config) CursorQueryTimeout() time.Duration {
	return time.Duration(c.Monitoring.Cursor.QueryTimeoutS * float64(time.Second))
}

// CursorDebounce returns the configured filesystem-event debounce window.
func (c *Config) CursorDebounce() time.Duration {
	return time.Duration(c.Monitoring.Cursor.DebounceS * float64(time.Second))
}

// ClaudePollInterval returns the configured Claude JSONL poll interval.
func (c *Config) ClaudePollInterval() time.Duration {
	return time.Duration(c.Monitoring.Claude.PollIntervalS * float64(time.Second))
}

// CursorPollInterval returns the configured Cursor polling-fallback interval.
func (c *Config) CursorPollInterval() time.Duration {
	return time.Duration(c.Monitoring.Cursor.PollIntervalS * float64(time.Second))
}
