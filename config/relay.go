package config

import (
	"time"

	"github.com/migadu/trove/helpers"
)

// RelayConfig defines how messages for foreign domains leave the system.
type RelayConfig struct {
	// Smarthost, when set, receives all outbound mail ("smtp.example.com:587").
	// Otherwise the worker resolves MX records for each recipient domain.
	Smarthost         string   `toml:"smarthost"`
	SmarthostImplicit bool     `toml:"smarthost_implicit_tls"` // Dial the smarthost with TLS instead of STARTTLS
	SmarthostUser     string   `toml:"smarthost_user"`
	SmarthostPassword string   `toml:"smarthost_password"`
	UseMX             bool     `toml:"use_mx"`
	Nameservers       []string `toml:"nameservers"` // "host:port"; empty uses /etc/resolv.conf
	Port              string   `toml:"port"`        // Remote SMTP port for MX delivery (default "25")
	DialTimeout       string   `toml:"dial_timeout"`
	TLSVerify         bool     `toml:"tls_verify"`

	// Queue configuration (nested under [relay.queue] in TOML)
	Queue RelayQueueConfig `toml:"queue"`
}

// RelayQueueConfig holds relay queue configuration for the disk-based retry queue.
type RelayQueueConfig struct {
	Path                      string   `toml:"path"`                         // Base path for queue storage
	WorkerInterval            string   `toml:"worker_interval"`              // How often the worker scans the queue
	BatchSize                 int      `toml:"batch_size"`                   // Messages per worker cycle
	Concurrency               int      `toml:"concurrency"`                  // Concurrent deliveries
	MaxAttempts               int      `toml:"max_attempts"`                 // Attempts before the message bounces
	RetryBackoff              []string `toml:"retry_backoff"`                // e.g. ["1m", "5m", "15m", "1h", "6h", "24h"]
	CircuitBreakerThreshold   int      `toml:"circuit_breaker_threshold"`    // Consecutive failures before opening
	CircuitBreakerTimeout     string   `toml:"circuit_breaker_timeout"`      // Open state duration
	CircuitBreakerMaxRequests int      `toml:"circuit_breaker_max_requests"` // Requests allowed half-open
}

// IsSmarthost reports whether all relay traffic goes through one host.
func (r *RelayConfig) IsSmarthost() bool {
	return r.Smarthost != ""
}

// GetPort returns the remote port used for MX delivery.
func (r *RelayConfig) GetPort() string {
	if r.Port == "" {
		return "25"
	}
	return r.Port
}

// GetDialTimeout parses the dial timeout.
func (r *RelayConfig) GetDialTimeout() (time.Duration, error) {
	if r.DialTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.DialTimeout)
}

// GetQueuePath returns the queue path with default if not set.
func (r *RelayConfig) GetQueuePath() string {
	if r.Queue.Path != "" {
		return r.Queue.Path
	}
	return "/var/spool/trove/relay"
}

// GetWorkerInterval parses the worker interval duration.
func (q *RelayQueueConfig) GetWorkerInterval() (time.Duration, error) {
	if q.WorkerInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(q.WorkerInterval)
}

// GetBatchSize returns the batch size with default.
func (q *RelayQueueConfig) GetBatchSize() int {
	if q.BatchSize <= 0 {
		return 50
	}
	return q.BatchSize
}

// GetConcurrency returns the worker concurrency with default.
func (q *RelayQueueConfig) GetConcurrency() int {
	if q.Concurrency <= 0 {
		return 5
	}
	return q.Concurrency
}

// GetMaxAttempts returns the number of attempts before a message bounces.
func (q *RelayQueueConfig) GetMaxAttempts() int {
	if q.MaxAttempts <= 0 {
		return 10
	}
	return q.MaxAttempts
}

// GetRetryBackoff parses the retry backoff durations.
func (q *RelayQueueConfig) GetRetryBackoff() ([]time.Duration, error) {
	if len(q.RetryBackoff) == 0 {
		return []time.Duration{
			1 * time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			1 * time.Hour,
			6 * time.Hour,
			24 * time.Hour,
		}, nil
	}

	backoff := make([]time.Duration, 0, len(q.RetryBackoff))
	for _, b := range q.RetryBackoff {
		d, err := helpers.ParseDuration(b)
		if err != nil {
			return nil, err
		}
		backoff = append(backoff, d)
	}
	return backoff, nil
}

// GetCircuitBreakerThreshold returns the failure threshold with default.
func (q *RelayQueueConfig) GetCircuitBreakerThreshold() int {
	if q.CircuitBreakerThreshold <= 0 {
		return 5
	}
	return q.CircuitBreakerThreshold
}

// GetCircuitBreakerTimeout returns the open-state duration with default.
func (q *RelayQueueConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	if q.CircuitBreakerTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(q.CircuitBreakerTimeout)
}

// GetCircuitBreakerMaxRequests returns the half-open request limit with default.
func (q *RelayQueueConfig) GetCircuitBreakerMaxRequests() int {
	if q.CircuitBreakerMaxRequests <= 0 {
		return 3
	}
	return q.CircuitBreakerMaxRequests
}
