package relayqueue

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/pkg/circuitbreaker"
	"github.com/migadu/trove/pkg/retry"
	"github.com/migadu/trove/server"
	"github.com/migadu/trove/server/delivery"
)

// Sender hands one message to the next hop.
type Sender interface {
	Send(ctx context.Context, from, to string, body []byte) error
}

// SMTPSenderConfig configures outbound SMTP.
type SMTPSenderConfig struct {
	Hostname    string // EHLO name
	Port        string // Port appended to MX hosts
	Smarthost   string // "host:port"; empty means MX delivery
	ImplicitTLS bool   // Dial the smarthost with TLS instead of STARTTLS
	Username    string
	Password    string
	TLSVerify   bool
	DialTimeout time.Duration

	// Breaker settings, one breaker per smarthost or destination domain.
	BreakerThreshold   uint32
	BreakerTimeout     time.Duration
	BreakerMaxRequests uint32

	Retry retry.BackoffConfig
}

// SMTPSender delivers with the go-smtp client, either to a smarthost or to
// the recipient domain's exchangers.
type SMTPSender struct {
	cfg      SMTPSenderConfig
	resolver Resolver
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

func NewSMTPSender(cfg SMTPSenderConfig, resolver Resolver) *SMTPSender {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "25"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry = retry.DefaultBackoffConfig()
	}
	if cfg.Smarthost != "" {
		resolver = StaticResolver{cfg.Smarthost}
	}
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	return &SMTPSender{
		cfg:      cfg,
		resolver: resolver,
		dial:     dialer.DialContext,
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

// Send resolves the next hop and delivers, retrying transient failures a
// few times before giving the message back to the queue. Permanent
// failures are returned as *delivery.RelayError with Permanent set.
func (s *SMTPSender) Send(ctx context.Context, from, to string, body []byte) error {
	addr, err := server.ParseAddress(to)
	if err != nil {
		return &delivery.RelayError{Err: err, Permanent: true}
	}
	domain := addr.Domain()

	key := domain
	if s.cfg.Smarthost != "" {
		key = s.cfg.Smarthost
	}
	cb := s.breaker(key)

	return cb.ExecuteContext(ctx, func(ctx context.Context) error {
		return retry.WithRetry(ctx, func() error {
			hosts, err := s.resolver.LookupMX(ctx, domain)
			if err != nil {
				if delivery.IsPermanentError(err) {
					return retry.Stop(err)
				}
				return err
			}
			err = s.tryHosts(ctx, hosts, from, addr.FullAddress(), body)
			if delivery.IsPermanentError(err) {
				return retry.Stop(err)
			}
			return err
		}, s.cfg.Retry)
	})
}

// Breaker exposes the breaker for key, mostly for tests and stats.
func (s *SMTPSender) Breaker(key string) *circuitbreaker.CircuitBreaker {
	return s.breaker(key)
}

func (s *SMTPSender) breaker(key string) *circuitbreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	threshold := s.cfg.BreakerThreshold
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "relay_" + key,
		MaxRequests: s.cfg.BreakerMaxRequests,
		Interval:    10 * time.Second,
		Timeout:     s.cfg.BreakerTimeout,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A rejected recipient says nothing about the health of the peer.
		IsFailure: func(err error) bool {
			return err != nil && !delivery.IsPermanentError(err)
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("Relay: circuit breaker changed state", "name", name, "from", from, "to", to)
		},
	})
	s.breakers[key] = cb
	return cb
}

// tryHosts walks the exchangers in order. A permanent reply from any of
// them is final; transient failures move on to the next host.
func (s *SMTPSender) tryHosts(ctx context.Context, hosts []string, from, to string, body []byte) error {
	var lastErr error
	for _, host := range hosts {
		addr := host
		if _, _, err := net.SplitHostPort(host); err != nil {
			addr = net.JoinHostPort(host, s.cfg.Port)
		}
		err := s.deliver(ctx, addr, from, to, body)
		if err == nil {
			logger.Info("Relay: delivered", "host", addr, "to", to)
			return nil
		}
		if delivery.IsPermanentError(err) {
			return err
		}
		logger.Warn("Relay: host failed, trying next", "host", addr, "error", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &delivery.RelayError{Err: fmt.Errorf("no hosts to deliver to")}
	}
	return lastErr
}

func (s *SMTPSender) deliver(ctx context.Context, addr, from, to string, body []byte) error {
	host, _, _ := net.SplitHostPort(addr)
	tlsConfig := &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !s.cfg.TLSVerify,
	}

	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return &delivery.RelayError{Err: fmt.Errorf("connect %s: %w", addr, err)}
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Minute)
	}
	conn.SetDeadline(deadline)

	implicit := s.cfg.Smarthost != "" && s.cfg.ImplicitTLS
	if implicit {
		conn = tls.Client(conn, tlsConfig)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(s.cfg.Hostname); err != nil {
		return classify("EHLO", err)
	}
	if !implicit {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return &delivery.RelayError{Err: fmt.Errorf("STARTTLS with %s: %w", addr, err)}
			}
		} else if s.cfg.Username != "" {
			return &delivery.RelayError{Err: fmt.Errorf("%s does not offer STARTTLS, refusing to send credentials", addr)}
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return classify("AUTH", err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return classify("MAIL FROM", err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return classify("RCPT TO", err)
	}
	wc, err := c.Data()
	if err != nil {
		return classify("DATA", err)
	}
	if _, err := wc.Write(body); err != nil {
		_ = wc.Close()
		return &delivery.RelayError{Err: fmt.Errorf("write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return classify("end of DATA", err)
	}
	if err := c.Quit(); err != nil {
		logger.Debug("Relay: QUIT failed after accepted message", "host", addr, "error", err)
	}
	return nil
}

// classify wraps an SMTP reply error; 5xx replies are permanent.
func classify(step string, err error) error {
	return &delivery.RelayError{
		Err:       fmt.Errorf("%s: %w", step, err),
		Permanent: delivery.IsPermanentError(err),
	}
}
