package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// BackendConfig describes the event-coordination REST backend.
type BackendConfig struct {
	// BaseURL is the backend root, e.g. "https://api.example.com/api".
	BaseURL string `yaml:"base_url" json:"base_url" validate:"required,url"`
	// Token, if set, is sent as a bearer token.
	Token string `yaml:"token,omitempty" json:"-"`
	// ParticipationsPath is appended to BaseURL; "{userID}" is replaced
	// with the escaped user id.
	ParticipationsPath string `yaml:"participations_path" json:"participations_path" validate:"required,startswith=/"`
	// TimeoutSeconds bounds a single backend request.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds" validate:"min=1,max=300"`
	// CacheDir holds ETag/Last-Modified metadata and last good bodies.
	// Empty disables the disk cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
}

// ReportConfig tunes report generation.
type ReportConfig struct {
	// CacheTTLSeconds is how long a built report is served from cache.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds" validate:"min=0"`
	// MaxOccurrences caps expanded occurrences per participation.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences" validate:"min=1"`
}

// RedisConfig enables a shared report cache. Leaving Addr empty keeps
// reports in process memory.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr" validate:"omitempty,hostname_port"`
	Password  string `yaml:"password,omitempty" json:"-"`
	DB        int    `yaml:"db" json:"db" validate:"min=0"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" validate:"required,hostname_port"`

	// Timezone is the IANA timezone in which calendar days are counted.
	Timezone string `yaml:"timezone" json:"timezone" validate:"required"`

	// WeekStart controls which weekday starts a calendar week when
	// counting weekly repeats. Supported values:
	//   - "sunday" (default)
	//   - "monday"
	WeekStart string `yaml:"week_start" json:"week_start" validate:"oneof=monday sunday"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// for rebuilding reports of PrewarmUsers.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error"`

	Backend BackendConfig `yaml:"backend" json:"backend"`
	Report  ReportConfig  `yaml:"report" json:"report"`
	Redis   RedisConfig   `yaml:"redis" json:"redis"`

	// PrewarmUsers are user ids whose reports the scheduler keeps warm.
	PrewarmUsers []string `yaml:"prewarm_users" json:"prewarm_users" validate:"dive,required"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health and /metrics.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen             = "127.0.0.1:8080"
	defaultTimezone           = "UTC"
	defaultWeekStart          = "sunday"
	defaultRefreshCron        = "*/15 * * * *"
	defaultBaseURL            = "http://127.0.0.1:3000/api"
	defaultParticipationsPath = "/users/{userID}/event-participations"
	defaultTimeoutSeconds     = 15
	defaultCacheTTLSeconds    = 300
	defaultMaxOccurrences     = 10000
	defaultRedisKeyPrefix     = "carbontrail:"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      defaultListen,
		Timezone:    defaultTimezone,
		WeekStart:   defaultWeekStart,
		RefreshCron: defaultRefreshCron,
		LogLevel:    "info",
		Backend: BackendConfig{
			BaseURL:            defaultBaseURL,
			ParticipationsPath: defaultParticipationsPath,
			TimeoutSeconds:     defaultTimeoutSeconds,
			CacheDir:           "./var/backend-cache",
		},
		Report: ReportConfig{
			CacheTTLSeconds: defaultCacheTTLSeconds,
			MaxOccurrences:  defaultMaxOccurrences,
		},
		Redis:        RedisConfig{KeyPrefix: defaultRedisKeyPrefix},
		PrewarmUsers: []string{},
		BasicAuth:    nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	switch c.WeekStart {
	case "monday", "sunday":
	default:
		// Unknown value; fall back to sunday.
		c.WeekStart = defaultWeekStart
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = defaultBaseURL
	}
	if c.Backend.ParticipationsPath == "" {
		c.Backend.ParticipationsPath = defaultParticipationsPath
	}
	if c.Backend.TimeoutSeconds <= 0 {
		c.Backend.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.Report.CacheTTLSeconds < 0 {
		c.Report.CacheTTLSeconds = 0
	}
	if c.Report.MaxOccurrences <= 0 {
		c.Report.MaxOccurrences = defaultMaxOccurrences
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = defaultRedisKeyPrefix
	}
	if c.PrewarmUsers == nil {
		c.PrewarmUsers = []string{}
	}
}

// Validate checks field constraints, the timezone and the refresh schedule.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone %q: %w", c.Timezone, err)
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("invalid config: refresh %q: %w", c.RefreshCron, err)
	}
	return nil
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WeekStartDay maps WeekStart to a time.Weekday.
func (c *Config) WeekStartDay() time.Weekday {
	if c.WeekStart == "monday" {
		return time.Monday
	}
	return time.Sunday
}

// BackendTimeout returns the per-request backend timeout.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// ReportCacheTTL returns how long built reports stay cached.
func (c *Config) ReportCacheTTL() time.Duration {
	return time.Duration(c.Report.CacheTTLSeconds) * time.Second
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - unmarshal YAML on top of DefaultConfig
//   - normalize remaining invalid values
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Keys missing from the file keep their defaults; explicit zero
	// values (e.g. cache_ttl_seconds: 0) still override them.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".carbontrail-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
