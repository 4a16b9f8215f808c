package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// CheckInConfig is the grace window around an occurrence during which
// check-in is accepted: [start - OpensBefore, end + ClosesAfter].
type CheckInConfig struct {
	OpensBeforeMinutes int `yaml:"opens_before_minutes" env:"ROLLCALL_CHECKIN_OPENS_BEFORE_MINUTES"`
	ClosesAfterMinutes int `yaml:"closes_after_minutes" env:"ROLLCALL_CHECKIN_CLOSES_AFTER_MINUTES"`
}

func (c CheckInConfig) OpensBefore() time.Duration {
	return time.Duration(c.OpensBeforeMinutes) * time.Minute
}

func (c CheckInConfig) ClosesAfter() time.Duration {
	return time.Duration(c.ClosesAfterMinutes) * time.Minute
}

// SafetyCodeConfig shapes the one-time codes handed out for minors.
type SafetyCodeConfig struct {
	Length        int    `yaml:"length" env:"ROLLCALL_SAFETY_CODE_LENGTH"`
	Alphabet      string `yaml:"alphabet" env:"ROLLCALL_SAFETY_CODE_ALPHABET"`
	CaseSensitive bool   `yaml:"case_sensitive" env:"ROLLCALL_SAFETY_CODE_CASE_SENSITIVE"`
	// HashCost is the bcrypt cost factor.
	HashCost int `yaml:"hash_cost" env:"ROLLCALL_SAFETY_CODE_HASH_COST"`
}

// SchedulerConfig controls the optional background jobs of the binary.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled" env:"ROLLCALL_SCHEDULER_ENABLED"`
	// Generate is the cron spec for rolling occurrence generation.
	Generate string `yaml:"generate" env:"ROLLCALL_SCHEDULER_GENERATE"`
	// Complete is the cron spec for marking ended occurrences completed.
	Complete string `yaml:"complete" env:"ROLLCALL_SCHEDULER_COMPLETE"`
	// HorizonDays is how far ahead recurring events are materialized.
	HorizonDays int `yaml:"horizon_days" env:"ROLLCALL_SCHEDULER_HORIZON_DAYS"`
	// Concurrency bounds how many events are generated in parallel.
	Concurrency int `yaml:"concurrency" env:"ROLLCALL_SCHEDULER_CONCURRENCY"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the feed server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the calendar feed server.
	Listen string `yaml:"listen" env:"ROLLCALL_LISTEN"`

	// Timezone is the IANA zone assigned to events created without one.
	Timezone string `yaml:"timezone" env:"ROLLCALL_TIMEZONE"`

	// DatabasePath is the SQLite file holding all engine state.
	DatabasePath string `yaml:"database_path" env:"ROLLCALL_DATABASE_PATH"`

	LogLevel string `yaml:"log_level" env:"ROLLCALL_LOG_LEVEL"`

	// StorageTimeout bounds each engine operation's persistence work.
	StorageTimeout time.Duration `yaml:"storage_timeout" env:"ROLLCALL_STORAGE_TIMEOUT"`

	// MinorAge is the age of majority; younger participants are minors.
	MinorAge int `yaml:"minor_age" env:"ROLLCALL_MINOR_AGE"`

	// MaxOccurrences caps a single expansion of one event.
	MaxOccurrences int `yaml:"max_occurrences" env:"ROLLCALL_MAX_OCCURRENCES"`

	CheckIn    CheckInConfig    `yaml:"checkin"`
	SafetyCode SafetyCodeConfig `yaml:"safety_code"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty"`
}

const (
	defaultListen         = "127.0.0.1:8080"
	defaultTimezone       = "UTC"
	defaultDatabasePath   = "/var/lib/rollcall/rollcall.db"
	defaultLogLevel       = "info"
	defaultStorageTimeout = 5 * time.Second
	defaultMinorAge       = 18
	defaultMaxOccurrences = 5000

	defaultOpensBeforeMinutes = 30
	defaultCodeLength         = 6
	// DefaultAlphabet leaves out characters easily confused on paper (0/O, 1/I).
	DefaultAlphabet     = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	defaultCodeHashCost = 10

	defaultGenerateCron = "0 3 * * *"
	defaultCompleteCron = "*/15 * * * *"
	defaultHorizonDays  = 60
	defaultConcurrency  = 4
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         defaultListen,
		Timezone:       defaultTimezone,
		DatabasePath:   defaultDatabasePath,
		LogLevel:       defaultLogLevel,
		StorageTimeout: defaultStorageTimeout,
		MinorAge:       defaultMinorAge,
		MaxOccurrences: defaultMaxOccurrences,
		CheckIn: CheckInConfig{
			OpensBeforeMinutes: defaultOpensBeforeMinutes,
			ClosesAfterMinutes: 0,
		},
		SafetyCode: SafetyCodeConfig{
			Length:        defaultCodeLength,
			Alphabet:      DefaultAlphabet,
			CaseSensitive: false,
			HashCost:      defaultCodeHashCost,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			Generate:    defaultGenerateCron,
			Complete:    defaultCompleteCron,
			HorizonDays: defaultHorizonDays,
			Concurrency: defaultConcurrency,
		},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.DatabasePath == "" {
		c.DatabasePath = defaultDatabasePath
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = defaultStorageTimeout
	}
	if c.MinorAge <= 0 {
		c.MinorAge = defaultMinorAge
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = defaultMaxOccurrences
	}

	// Negative grace values make no sense; zero is a valid "no grace".
	if c.CheckIn.OpensBeforeMinutes < 0 {
		c.CheckIn.OpensBeforeMinutes = 0
	}
	if c.CheckIn.ClosesAfterMinutes < 0 {
		c.CheckIn.ClosesAfterMinutes = 0
	}

	if c.SafetyCode.Length <= 0 {
		c.SafetyCode.Length = defaultCodeLength
	}
	if c.SafetyCode.Alphabet == "" {
		c.SafetyCode.Alphabet = DefaultAlphabet
	}
	if c.SafetyCode.HashCost <= 0 {
		c.SafetyCode.HashCost = defaultCodeHashCost
	}

	if c.Scheduler.Generate == "" {
		c.Scheduler.Generate = defaultGenerateCron
	}
	if c.Scheduler.Complete == "" {
		c.Scheduler.Complete = defaultCompleteCron
	}
	if c.Scheduler.HorizonDays <= 0 {
		c.Scheduler.HorizonDays = defaultHorizonDays
	}
	if c.Scheduler.Concurrency <= 0 {
		c.Scheduler.Concurrency = defaultConcurrency
	}
}

// Location returns the configured zone, or UTC when it cannot be loaded.
// Calendar dates that do not belong to an event are taken in this zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate reports settings that cannot be repaired by Normalize.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if c.SafetyCode.Length < 4 {
		return fmt.Errorf("safety_code.length must be at least 4, got %d", c.SafetyCode.Length)
	}
	return nil
}

// Load loads configuration from the given YAML path, then applies
// ROLLCALL_* environment overrides.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		// First run: create default config file.
		cfg := DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
		return cfg, applyEnv(cfg)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	cfg.Normalize()
	return nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
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

	tmp, err := os.CreateTemp(dir, ".rollcall-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
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
