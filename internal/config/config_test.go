package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TMY_DATABASE_PASSWORD", "")
	path := writeConfig(t, `
jwt:
  secret: test-secret
database:
  host: localhost
  user: tmy
  dbname: theymissyou
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "disk", cfg.Media.Driver)
	assert.Equal(t, 80, cfg.Media.Quality)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 30*24*time.Hour, cfg.JWT.TokenTTL)
	assert.False(t, cfg.APNS.Enabled())
	assert.Equal(t, "host=localhost port=5432 user=tmy password= dbname=theymissyou sslmode=disable", cfg.Database.DSN())
}

func TestLoad_Values(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9000
store:
  driver: memory
jwt:
  secret: test-secret
  token_ttl: 2h
media:
  driver: s3
  quality: 70
aws:
  region: eu-central-1
  s3_bucket: tmy-media
apns:
  topic: com.example.theymissyou
  key_path: /etc/tmy/AuthKey.p8
websocket:
  ping_interval: 10s
  pong_timeout: 25s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 2*time.Hour, cfg.JWT.TokenTTL)
	assert.Equal(t, "s3", cfg.Media.Driver)
	assert.Equal(t, 70, cfg.Media.Quality)
	assert.Equal(t, "tmy-media", cfg.AWS.S3Bucket)
	assert.True(t, cfg.APNS.Enabled())
	assert.Equal(t, 10*time.Second, cfg.WebSocket.PingInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TMY_JWT_SECRET", "from-env")
	t.Setenv("TMY_DATABASE_PASSWORD", "hunter2")

	cfg, err := Load(writeConfig(t, "jwt:\n  secret: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, "hunter2", cfg.Database.Password)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"missing secret", "store:\n  driver: memory\n", "jwt.secret is required"},
		{"unknown store", "jwt:\n  secret: s\nstore:\n  driver: redis\n", `unknown store driver "redis"`},
		{"unknown media", "jwt:\n  secret: s\nmedia:\n  driver: ftp\n", `unknown media driver "ftp"`},
		{"s3 without bucket", "jwt:\n  secret: s\nmedia:\n  driver: s3\n", "aws.s3_bucket is required"},
		{"bad quality", "jwt:\n  secret: s\nmedia:\n  quality: 120\n", "media.quality"},
		{"ping after timeout", "jwt:\n  secret: s\nwebsocket:\n  ping_interval: 1m\n  pong_timeout: 30s\n", "websocket.pong_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TMY_JWT_SECRET", "")
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
