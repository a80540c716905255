package warden

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/aadithya-v/warden/store"
)

// FlushMode controls when session changes reach the backend.
type FlushMode int

const (
	// FlushOnSave batches changes until Repository.Save.
	FlushOnSave FlushMode = iota

	// FlushImmediate writes every mutation through as it happens, using
	// the context the session was created or loaded with. Save is then a
	// no-op.
	FlushImmediate
)

// String returns the mode name.
func (m FlushMode) String() string {
	switch m {
	case FlushOnSave:
		return "on_save"
	case FlushImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("FlushMode(%d)", int(m))
	}
}

// UnmarshalText parses "on_save" or "immediate".
func (m *FlushMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.ReplaceAll(string(text), "-", "_")) {
	case "on_save", "":
		*m = FlushOnSave
	case "immediate":
		*m = FlushImmediate
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFlushMode, text)
	}
	return nil
}

// Config contains configuration options for a Repository.
type Config struct {
	// DefaultMaxInactiveInterval is given to new sessions.
	// A negative value creates sessions that never expire.
	// Default: 30 minutes.
	DefaultMaxInactiveInterval time.Duration

	// FlushMode selects when changes are written.
	// Default: FlushOnSave.
	FlushMode FlushMode

	// CleanupInterval is how often the reaper sweeps expired sessions.
	// Default: 1 minute.
	CleanupInterval time.Duration

	// CleanupBatchSize is how many expired sessions the reaper loads per query.
	// Default: 500.
	CleanupBatchSize int

	// Clock supplies the current time.
	// Default: SystemClock.
	Clock Clock

	// Codec serializes attribute values.
	// Default: NewCodec().
	Codec *Codec

	// Indexer derives secondary index values from attributes.
	// Default: a PrincipalIndexer using Codec.
	Indexer store.Indexer

	// Events receives lifecycle events.
	// Default: LogEventSink on Logger.
	Events EventSink

	// Logger is used for operational logging.
	// Default: slog.Default().
	Logger *slog.Logger

	// NewID generates session ids.
	// Default: random UUIDs.
	NewID func() string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxInactiveInterval: 30 * time.Minute,
		FlushMode:                  FlushOnSave,
		CleanupInterval:            time.Minute,
		CleanupBatchSize:           500,
	}
}

// applyDefaults fills in default values for zero-value fields.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.DefaultMaxInactiveInterval == 0 {
		c.DefaultMaxInactiveInterval = defaults.DefaultMaxInactiveInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaults.CleanupInterval
	}
	if c.CleanupBatchSize <= 0 {
		c.CleanupBatchSize = defaults.CleanupBatchSize
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Codec == nil {
		c.Codec = NewCodec()
	}
	if c.Indexer == nil {
		c.Indexer = NewPrincipalIndexer(c.Codec)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Events == nil {
		c.Events = LogEventSink{Logger: c.Logger}
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
}

// EnvConfig is the environment form of the configuration. Variables are
// read with the WARDEN_ prefix, e.g. WARDEN_STORE=redis.
type EnvConfig struct {
	MaxInactiveInterval time.Duration `env:"MAX_INACTIVE_INTERVAL" envDefault:"30m"`
	FlushMode           FlushMode     `env:"FLUSH_MODE" envDefault:"on_save"`
	CleanupInterval     time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1m"`
	CleanupBatchSize    int           `env:"CLEANUP_BATCH_SIZE" envDefault:"500"`
	LogLevel            slog.Level    `env:"LOG_LEVEL" envDefault:"info"`

	// GeoIPDatabasePath is the path to a MaxMind GeoLite2-City.mmdb file.
	GeoIPDatabasePath string `env:"GEOIP_DATABASE"`

	Store store.Settings
}

// EnvPrefix is prepended to every variable LoadEnv reads.
const EnvPrefix = "WARDEN_"

// LoadEnv reads EnvConfig from the environment, after loading a .env file
// from the working directory if one exists.
func LoadEnv() (EnvConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return EnvConfig{}, fmt.Errorf("warden: failed to load .env: %w", err)
	}

	var cfg EnvConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return EnvConfig{}, fmt.Errorf("warden: failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Config converts the environment settings into a repository Config.
// Hooks that cannot come from the environment are left at their defaults.
func (e EnvConfig) Config() Config {
	return Config{
		DefaultMaxInactiveInterval: e.MaxInactiveInterval,
		FlushMode:                  e.FlushMode,
		CleanupInterval:            e.CleanupInterval,
		CleanupBatchSize:           e.CleanupBatchSize,
	}
}
