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
	path := filepath.Join(t.TempDir(), "trove.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestLoadConfigFromFile_UnknownKeys tests that unknown keys produce warnings but don't fail
func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[database]
user = "postgres"
name = "trove_mail"
typo_setting = 123

[servers.imap]
start = true
addr = ":1143"
another_unknown = "value"
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	assert.Equal(t, "trove_mail", cfg.Database.Name)
	assert.Equal(t, ":1143", cfg.Servers.IMAP.Addr)
}

func TestLoadConfigFromFile_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[delivery]
local_domains = [" Example.COM ", "example.org"]
max_message_size = "10mb"

[auth]
lockout_threshold = 5

[[auth.users]]
identity = "alice@example.com"
password_hash = "$2a$10$abcdefghijklmnopqrstuv"

[relay.queue]
retry_backoff = ["30s", "2m"]
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))

	assert.Equal(t, []string{"example.com", "example.org"}, cfg.Delivery.LocalDomains)
	size, err := cfg.Delivery.GetMaxMessageSize()
	require.NoError(t, err)
	assert.Equal(t, int64(10<<20), size)
	assert.Equal(t, 5, cfg.Auth.GetLockoutThreshold())
	require.Len(t, cfg.Auth.Users, 1)
	assert.Equal(t, "alice@example.com", cfg.Auth.Users[0].Identity)

	backoff, err := cfg.Relay.Queue.GetRetryBackoff()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Second, 2 * time.Minute}, backoff)

	// Untouched sections keep their defaults.
	assert.Equal(t, ":2525", cfg.Servers.SMTP.Addr)
}

func TestLoadConfigFromFile_MissingFile(t *testing.T) {
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.toml"), &cfg)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "mysql" }, wantErr: true},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Storage.BlobBackend = "s3" }, wantErr: true},
		{
			name: "s3 complete",
			mutate: func(c *Config) {
				c.Storage.BlobBackend = "s3"
				c.Storage.S3.Endpoint = "s3.example.com"
				c.Storage.S3.Bucket = "mail"
			},
		},
		{name: "database auth needs postgres", mutate: func(c *Config) { c.Auth.Source = "database" }, wantErr: true},
		{name: "bad message size", mutate: func(c *Config) { c.Delivery.MaxMessageSize = "huge" }, wantErr: true},
		{name: "bad backoff", mutate: func(c *Config) { c.Relay.Queue.RetryBackoff = []string{"soon"} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultGetters(t *testing.T) {
	var cfg Config

	idle, err := cfg.Servers.IMAP.GetIdleTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, idle)

	literal, err := cfg.Servers.IMAP.GetLiteralTimeout()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, literal)

	assert.Equal(t, 3, cfg.Auth.GetLockoutThreshold())
	assert.Equal(t, 100, cfg.Delivery.GetMaxRecipients())
	assert.Equal(t, "25", cfg.Relay.GetPort())
	assert.Equal(t, 5, cfg.Relay.Queue.GetConcurrency())

	cfg.Database = DatabaseConfig{Host: "db", User: "u", Password: "p w", Name: "trove", TLSMode: true}
	assert.Equal(t, "postgres://u:p%20w@db:5432/trove?sslmode=require", cfg.Database.ConnString())
}
