package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "s3cret")

	cfg, err := Load(false)
	require.NoError(t, err)
	assert.Equal(t, DriverBbolt, cfg.StoreDriver)
	assert.Equal(t, "chatwave.db", cfg.DBFile)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, "localhost:8081", cfg.AdminAddr)
	assert.Equal(t, "uploads", cfg.UploadsPath)
	assert.Equal(t, 168*time.Hour, cfg.TokenExpiry)
	assert.Equal(t, time.Minute, cfg.ProfileCacheTTL)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadSize)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.VAPIDPublicKey)
	assert.Equal(t, "mailto:admin@localhost", cfg.VAPIDSubject)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("AUTH_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "Mongo")
	t.Setenv("MONGO_URI", "mongodb://db:27017")
	t.Setenv("TOKEN_EXPIRY", "2h")
	t.Setenv("PROFILE_CACHE_TTL", "30s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("VAPID_PUBLIC_KEY", "pub")
	t.Setenv("VAPID_PRIVATE_KEY", "priv")
	t.Setenv("VAPID_SUBJECT", "https://chat.example.com")

	cfg, err := Load(false)
	require.NoError(t, err)
	assert.Equal(t, DriverMongo, cfg.StoreDriver)
	assert.Equal(t, "mongodb://db:27017", cfg.MongoURI)
	assert.Equal(t, 2*time.Hour, cfg.TokenExpiry)
	assert.Equal(t, 30*time.Second, cfg.ProfileCacheTTL)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "pub", cfg.VAPIDPublicKey)
	assert.Equal(t, "priv", cfg.VAPIDPrivateKey)
	assert.Equal(t, "https://chat.example.com", cfg.VAPIDSubject)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"Missing secret", map[string]string{}},
		{"Bad expiry", map[string]string{"AUTH_SECRET": "s", "TOKEN_EXPIRY": "soon"}},
		{"Negative expiry", map[string]string{"AUTH_SECRET": "s", "TOKEN_EXPIRY": "-1h"}},
		{"Bad level", map[string]string{"AUTH_SECRET": "s", "LOG_LEVEL": "loud"}},
		{"Unknown driver", map[string]string{"AUTH_SECRET": "s", "STORE_DRIVER": "postgres"}},
		{"Bad upload size", map[string]string{"AUTH_SECRET": "s", "MAX_UPLOAD_SIZE": "0"}},
		{"Half a VAPID pair", map[string]string{"AUTH_SECRET": "s", "VAPID_PUBLIC_KEY": "pub"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AUTH_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(false)
			assert.Error(t, err)
		})
	}
}

func TestLoad_CLIMode(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	_, err := Load(true)
	require.NoError(t, err)
}
