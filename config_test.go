package warden

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadithya-v/warden/store"
)

func TestFlushModeUnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    FlushMode
		wantErr bool
	}{
		{"on_save", FlushOnSave, false},
		{"ON-SAVE", FlushOnSave, false},
		{"", FlushOnSave, false},
		{"immediate", FlushImmediate, false},
		{"Immediate", FlushImmediate, false},
		{"eventually", FlushOnSave, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var m FlushMode
			err := m.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFlushMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m)
		})
	}

	assert.Equal(t, "on_save", FlushOnSave.String())
	assert.Equal(t, "immediate", FlushImmediate.String())
	assert.Equal(t, "FlushMode(7)", FlushMode(7).String())
}

func TestConfigApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	assert.Equal(t, 30*time.Minute, cfg.DefaultMaxInactiveInterval)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
	assert.Equal(t, 500, cfg.CleanupBatchSize)
	assert.NotNil(t, cfg.Clock)
	assert.NotNil(t, cfg.Codec)
	assert.NotNil(t, cfg.Indexer)
	assert.NotNil(t, cfg.Events)
	assert.NotNil(t, cfg.Logger)
	require.NotNil(t, cfg.NewID)
	assert.NotEqual(t, cfg.NewID(), cfg.NewID())

	cfg = Config{DefaultMaxInactiveInterval: -1, CleanupBatchSize: 7}
	cfg.applyDefaults()
	assert.Equal(t, time.Duration(-1), cfg.DefaultMaxInactiveInterval)
	assert.Equal(t, 7, cfg.CleanupBatchSize)
}

func TestLoadEnvDefaults(t *testing.T) {
	cfg, err := LoadEnv()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.MaxInactiveInterval)
	assert.Equal(t, FlushOnSave, cfg.FlushMode)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
	assert.Equal(t, 500, cfg.CleanupBatchSize)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.GeoIPDatabasePath)
	assert.Equal(t, store.KindSQLite, cfg.Store.Kind)
	assert.Equal(t, "warden.db", cfg.Store.DSN)
	assert.Equal(t, []string{PrincipalNameIndex}, cfg.Store.MongoIndexes)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("WARDEN_MAX_INACTIVE_INTERVAL", "1h")
	t.Setenv("WARDEN_FLUSH_MODE", "immediate")
	t.Setenv("WARDEN_CLEANUP_INTERVAL", "30s")
	t.Setenv("WARDEN_CLEANUP_BATCH_SIZE", "50")
	t.Setenv("WARDEN_LOG_LEVEL", "debug")
	t.Setenv("WARDEN_GEOIP_DATABASE", "/data/GeoLite2-City.mmdb")
	t.Setenv("WARDEN_STORE", "redis")
	t.Setenv("WARDEN_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("WARDEN_REDIS_KEY_PREFIX", "app:")
	t.Setenv("WARDEN_MONGO_INDEXES", "PRINCIPAL_NAME,TENANT")

	cfg, err := LoadEnv()
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.MaxInactiveInterval)
	assert.Equal(t, FlushImmediate, cfg.FlushMode)
	assert.Equal(t, 30*time.Second, cfg.CleanupInterval)
	assert.Equal(t, 50, cfg.CleanupBatchSize)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "/data/GeoLite2-City.mmdb", cfg.GeoIPDatabasePath)
	assert.Equal(t, store.KindRedis, cfg.Store.Kind)
	assert.Equal(t, "redis://cache:6379/2", cfg.Store.RedisURL)
	assert.Equal(t, "app:", cfg.Store.RedisKeyPrefix)
	assert.Equal(t, []string{"PRINCIPAL_NAME", "TENANT"}, cfg.Store.MongoIndexes)

	rc := cfg.Config()
	assert.Equal(t, time.Hour, rc.DefaultMaxInactiveInterval)
	assert.Equal(t, FlushImmediate, rc.FlushMode)
	assert.Equal(t, 30*time.Second, rc.CleanupInterval)
	assert.Equal(t, 50, rc.CleanupBatchSize)
}

func TestLoadEnvInvalid(t *testing.T) {
	t.Setenv("WARDEN_FLUSH_MODE", "sometimes")

	_, err := LoadEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid flush mode")
}
