package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/trove/helpers"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output    string `toml:"output"`     // "stderr", "stdout", "syslog", or a file path
	Format    string `toml:"format"`     // "json" or "console"
	Level     string `toml:"level"`      // "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"` // Tag used when output is "syslog"
}

// DatabaseConfig holds Postgres connection settings for the persistent store backend.
type DatabaseConfig struct {
	Host         string `toml:"host"`
	Port         string `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Name         string `toml:"name"`
	TLSMode      bool   `toml:"tls"`
	MaxConns     int    `toml:"max_conns"`
	MinConns     int    `toml:"min_conns"`
	Migrate      bool   `toml:"migrate"`       // Run embedded migrations at startup
	QueryTimeout string `toml:"query_timeout"` // Per-query timeout (default: "30s")
	LogQueries   bool   `toml:"log_queries"`
}

// ConnString builds a postgres:// URL from the individual settings.
func (d *DatabaseConfig) ConnString() string {
	sslMode := "disable"
	if d.TLSMode {
		sslMode = "require"
	}
	port := d.Port
	if port == "" {
		port = "5432"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + port,
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}

// GetQueryTimeout parses the query timeout.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// S3Config holds S3 configuration.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Debug         bool   `toml:"debug"`
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"`
}

// StorageConfig selects the metadata backend and the blob backend.
type StorageConfig struct {
	Backend        string   `toml:"backend"`          // "memory" or "postgres"
	BlobBackend    string   `toml:"blob_backend"`     // "memory", "local" or "s3"
	LocalPath      string   `toml:"local_path"`       // Directory for the local blob store / S3 read cache
	CacheCapacity  string   `toml:"cache_capacity"`   // Size of the local cache (e.g. "1gb")
	MaxObjectSize  string   `toml:"max_object_size"`  // Largest object kept in the local cache
	PurgeInterval  string   `toml:"purge_interval"`   // How often the local cache is trimmed
	DefaultQuotaMB int64    `toml:"default_quota_mb"` // Per-account quota, 0 disables
	S3             S3Config `toml:"s3"`
}

// GetCacheCapacity parses the local cache capacity.
func (s *StorageConfig) GetCacheCapacity() (int64, error) {
	if s.CacheCapacity == "" {
		return 1 << 30, nil
	}
	return helpers.ParseSize(s.CacheCapacity)
}

// GetMaxObjectSize parses the per-object cache limit.
func (s *StorageConfig) GetMaxObjectSize() (int64, error) {
	if s.MaxObjectSize == "" {
		return 50 << 20, nil
	}
	return helpers.ParseSize(s.MaxObjectSize)
}

// GetPurgeInterval parses the cache purge interval.
func (s *StorageConfig) GetPurgeInterval() (time.Duration, error) {
	if s.PurgeInterval == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(s.PurgeInterval)
}

// StaticUser is a locally configured account.
type StaticUser struct {
	Identity     string `toml:"identity"`      // Login name, usually the primary address
	PasswordHash string `toml:"password_hash"` // bcrypt hash
}

// AuthConfig configures the auth bridge.
type AuthConfig struct {
	Source              string       `toml:"source"`                // "static" or "database"
	LockoutThreshold    int          `toml:"lockout_threshold"`     // Failed attempts per session before disconnect
	ThrottleMaxFailures int          `toml:"throttle_max_failures"` // Failures per remote IP before blocking
	ThrottleWindow      string       `toml:"throttle_window"`       // Window in which failures are counted
	ThrottleBlock       string       `toml:"throttle_block"`        // How long an IP stays blocked
	FailureDelay        string       `toml:"failure_delay"`         // Delay applied after each failed attempt
	JWTSecret           string       `toml:"jwt_secret"`            // HS256 secret for bearer tokens, empty disables tokens
	JWTIssuer           string       `toml:"jwt_issuer"`            // Expected "iss" claim, optional
	Users               []StaticUser `toml:"users"`
}

// GetLockoutThreshold returns the per-session lockout threshold.
func (a *AuthConfig) GetLockoutThreshold() int {
	if a.LockoutThreshold <= 0 {
		return 3
	}
	return a.LockoutThreshold
}

// GetThrottleWindow parses the throttle window.
func (a *AuthConfig) GetThrottleWindow() (time.Duration, error) {
	if a.ThrottleWindow == "" {
		return 15 * time.Minute, nil
	}
	return helpers.ParseDuration(a.ThrottleWindow)
}

// GetThrottleBlock parses the block duration.
func (a *AuthConfig) GetThrottleBlock() (time.Duration, error) {
	if a.ThrottleBlock == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(a.ThrottleBlock)
}

// GetFailureDelay parses the delay applied after a failed attempt.
func (a *AuthConfig) GetFailureDelay() (time.Duration, error) {
	if a.FailureDelay == "" {
		return time.Second, nil
	}
	return helpers.ParseDuration(a.FailureDelay)
}

// DKIMConfig configures outbound DKIM signing.
type DKIMConfig struct {
	Domain         string `toml:"domain"`
	Selector       string `toml:"selector"`
	PrivateKeyFile string `toml:"private_key_file"` // PEM encoded RSA or Ed25519 key
}

// Enabled reports whether signing is configured.
func (d *DKIMConfig) Enabled() bool {
	return d.Domain != "" && d.PrivateKeyFile != ""
}

// DeliveryConfig configures recipient resolution and local delivery.
type DeliveryConfig struct {
	Hostname       string     `toml:"hostname"`         // Used in greetings and Received headers
	LocalDomains   []string   `toml:"local_domains"`    // Domains delivered into the local store
	MaxMessageSize string     `toml:"max_message_size"` // Announced in EHLO SIZE and enforced on DATA/APPEND
	MaxRecipients  int        `toml:"max_recipients"`   // Per transaction
	RelayPolicy    string     `toml:"relay_policy"`     // "authenticated" (default) or "none"
	SieveScript    string     `toml:"sieve_script"`     // Optional Sieve script applied to local deliveries
	DKIM           DKIMConfig `toml:"dkim"`
}

// GetMaxMessageSize parses the maximum message size.
func (d *DeliveryConfig) GetMaxMessageSize() (int64, error) {
	if d.MaxMessageSize == "" {
		return 50 << 20, nil
	}
	return helpers.ParseSize(d.MaxMessageSize)
}

// GetMaxRecipients returns the recipient limit with its default.
func (d *DeliveryConfig) GetMaxRecipients() int {
	if d.MaxRecipients <= 0 {
		return 100
	}
	return d.MaxRecipients
}

// SMTPServerConfig configures the SMTP listener and sessions.
type SMTPServerConfig struct {
	Start             bool   `toml:"start"`
	Addr              string `toml:"addr"`
	TLSAddr           string `toml:"tls_addr"` // Implicit TLS listener (submissions)
	RequireAuth       bool   `toml:"require_auth"`
	RequireTLSForAuth bool   `toml:"require_tls_for_auth"`
	IdleTimeout       string `toml:"idle_timeout"`
	MaxLineLength     int    `toml:"max_line_length"`
	MaxErrors         int    `toml:"max_errors"`
	MaxConnections    int    `toml:"max_connections"`
}

// GetIdleTimeout parses the command idle timeout.
func (s *SMTPServerConfig) GetIdleTimeout() (time.Duration, error) {
	if s.IdleTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(s.IdleTimeout)
}

// IMAPServerConfig configures the IMAP listener and sessions.
type IMAPServerConfig struct {
	Start             bool   `toml:"start"`
	Addr              string `toml:"addr"`
	TLSAddr           string `toml:"tls_addr"`
	RequireTLSForAuth bool   `toml:"require_tls_for_auth"` // LOGINDISABLED until STARTTLS
	IdleTimeout       string `toml:"idle_timeout"`
	LiteralTimeout    string `toml:"literal_timeout"` // Deadline for the bytes of a declared literal
	MaxLiteralSize    string `toml:"max_literal_size"`
	MaxConnections    int    `toml:"max_connections"`
}

// GetIdleTimeout parses the idle timeout.
func (s *IMAPServerConfig) GetIdleTimeout() (time.Duration, error) {
	if s.IdleTimeout == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(s.IdleTimeout)
}

// GetLiteralTimeout parses the literal deadline.
func (s *IMAPServerConfig) GetLiteralTimeout() (time.Duration, error) {
	if s.LiteralTimeout == "" {
		return 60 * time.Second, nil
	}
	return helpers.ParseDuration(s.LiteralTimeout)
}

// GetMaxLiteralSize parses the literal size limit.
func (s *IMAPServerConfig) GetMaxLiteralSize() (int64, error) {
	if s.MaxLiteralSize == "" {
		return 50 << 20, nil
	}
	return helpers.ParseSize(s.MaxLiteralSize)
}

// POP3ServerConfig configures the POP3 listener and sessions.
type POP3ServerConfig struct {
	Start             bool   `toml:"start"`
	Addr              string `toml:"addr"`
	TLSAddr           string `toml:"tls_addr"`
	RequireTLSForAuth bool   `toml:"require_tls_for_auth"`
	IdleTimeout       string `toml:"idle_timeout"`
	MaxErrors         int    `toml:"max_errors"`
	MaxConnections    int    `toml:"max_connections"`
}

// GetIdleTimeout parses the idle timeout.
func (s *POP3ServerConfig) GetIdleTimeout() (time.Duration, error) {
	if s.IdleTimeout == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(s.IdleTimeout)
}

// ServersConfig groups the protocol listeners.
type ServersConfig struct {
	SMTP SMTPServerConfig `toml:"smtp"`
	IMAP IMAPServerConfig `toml:"imap"`
	POP3 POP3ServerConfig `toml:"pop3"`
}

// TLSConfig points at the certificate shared by all listeners.
type TLSConfig struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// Enabled reports whether a certificate is configured.
func (t *TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// HTTPConfig configures the health and metrics endpoint.
type HTTPConfig struct {
	Addr   string `toml:"addr"`    // Empty disables the endpoint
	APIKey string `toml:"api_key"` // Bearer key for /relay/stats and /connections, empty leaves them open
}

// Config is the top-level configuration.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	Storage  StorageConfig  `toml:"storage"`
	Auth     AuthConfig     `toml:"auth"`
	Delivery DeliveryConfig `toml:"delivery"`
	Relay    RelayConfig    `toml:"relay"`
	Servers  ServersConfig  `toml:"servers"`
	TLS      TLSConfig      `toml:"tls"`
	HTTP     HTTPConfig     `toml:"http"`
}

// NewDefaultConfig returns a configuration that starts all three
// protocols on their standard unprivileged ports with in-memory storage.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         "5432",
			User:         "postgres",
			Name:         "trove",
			MaxConns:     20,
			MinConns:     2,
			Migrate:      true,
			QueryTimeout: "30s",
		},
		Storage: StorageConfig{
			Backend:       "memory",
			BlobBackend:   "memory",
			LocalPath:     "/var/lib/trove/blobs",
			CacheCapacity: "1gb",
			MaxObjectSize: "50mb",
			PurgeInterval: "10m",
		},
		Auth: AuthConfig{
			Source:              "static",
			LockoutThreshold:    3,
			ThrottleMaxFailures: 10,
			ThrottleWindow:      "15m",
			ThrottleBlock:       "5m",
			FailureDelay:        "1s",
		},
		Delivery: DeliveryConfig{
			Hostname:       "localhost",
			LocalDomains:   []string{"localhost"},
			MaxMessageSize: "50mb",
			MaxRecipients:  100,
			RelayPolicy:    "authenticated",
		},
		Relay: RelayConfig{
			UseMX:       true,
			DialTimeout: "30s",
			Queue: RelayQueueConfig{
				Path:           "/var/spool/trove/relay",
				WorkerInterval: "1m",
				BatchSize:      50,
				Concurrency:    5,
				MaxAttempts:    10,
			},
		},
		Servers: ServersConfig{
			SMTP: SMTPServerConfig{
				Start:          true,
				Addr:           ":2525",
				IdleTimeout:    "5m",
				MaxLineLength:  4096,
				MaxErrors:      10,
				MaxConnections: 1000,
			},
			IMAP: IMAPServerConfig{
				Start:          true,
				Addr:           ":1143",
				IdleTimeout:    "30m",
				LiteralTimeout: "60s",
				MaxLiteralSize: "50mb",
				MaxConnections: 1000,
			},
			POP3: POP3ServerConfig{
				Start:          true,
				Addr:           ":1110",
				IdleTimeout:    "10m",
				MaxErrors:      3,
				MaxConnections: 1000,
			},
		},
	}
}

// LoadConfigFromFile decodes a TOML file over cfg. Keys missing from the
// file keep the values already present in cfg.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config file '%s': %w", configPath, err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}
	return cfg.Validate()
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.backend must be \"memory\" or \"postgres\", got %q", c.Storage.Backend)
	}
	switch c.Storage.BlobBackend {
	case "memory", "local":
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.endpoint and storage.s3.bucket are required for the s3 blob backend")
		}
	default:
		return fmt.Errorf("storage.blob_backend must be \"memory\", \"local\" or \"s3\", got %q", c.Storage.BlobBackend)
	}
	switch c.Auth.Source {
	case "static", "database":
	default:
		return fmt.Errorf("auth.source must be \"static\" or \"database\", got %q", c.Auth.Source)
	}
	if c.Auth.Source == "database" && c.Storage.Backend != "postgres" {
		return fmt.Errorf("auth.source = \"database\" requires storage.backend = \"postgres\"")
	}
	for i, d := range c.Delivery.LocalDomains {
		c.Delivery.LocalDomains[i] = strings.ToLower(strings.TrimSpace(d))
	}
	if _, err := c.Delivery.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("delivery.max_message_size: %w", err)
	}
	if _, err := c.Relay.Queue.GetRetryBackoff(); err != nil {
		return fmt.Errorf("relay.queue.retry_backoff: %w", err)
	}
	return nil
}
