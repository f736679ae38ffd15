package auth

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/pkg/metrics"
)

// Lockout counts invalid-credential failures within one session.
// Unavailability never counts.
type Lockout struct {
	threshold int
	failures  int
}

func NewLockout(threshold int) *Lockout {
	return &Lockout{threshold: threshold}
}

// Record updates the counter for the outcome of one attempt and returns
// ErrLockedOut once the threshold is reached.
func (l *Lockout) Record(err error) error {
	if l == nil {
		return nil
	}
	switch {
	case err == nil:
		l.failures = 0
		return nil
	case errors.Is(err, ErrInvalidCredentials):
		l.failures++
		if l.threshold > 0 && l.failures >= l.threshold {
			return ErrLockedOut
		}
	}
	return nil
}

func (l *Lockout) Failures() int { return l.failures }

// Throttle tracks failures per remote IP across sessions. After
// maxFailures within window the IP is blocked for blockFor; every failure
// also earns a fixed delay before the session may answer.
type Throttle struct {
	maxFailures int
	window      time.Duration
	blockFor    time.Duration
	delay       time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*throttleEntry
}

type throttleEntry struct {
	failures     int
	firstFailure time.Time
	blockedUntil time.Time
}

func NewThrottle(maxFailures int, window, blockFor, delay time.Duration) *Throttle {
	return &Throttle{
		maxFailures: maxFailures,
		window:      window,
		blockFor:    blockFor,
		delay:       delay,
		now:         time.Now,
		entries:     make(map[string]*throttleEntry),
	}
}

// Blocked reports whether addr may not attempt authentication right now.
func (t *Throttle) Blocked(addr net.Addr) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ipOf(addr)]
	return ok && t.now().Before(e.blockedUntil)
}

// Fail records a failed attempt from addr and returns the delay to apply.
func (t *Throttle) Fail(addr net.Addr) time.Duration {
	if t == nil {
		return 0
	}
	ip := ipOf(addr)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	if !ok || now.Sub(e.firstFailure) > t.window {
		e = &throttleEntry{firstFailure: now}
		t.entries[ip] = e
	}
	e.failures++
	if t.maxFailures > 0 && e.failures >= t.maxFailures && now.After(e.blockedUntil) {
		e.blockedUntil = now.Add(t.blockFor)
		logger.Warn("Auth: blocking address after repeated failures", "ip", ip, "failures", e.failures, "duration", t.blockFor)
	}
	return t.delay
}

// Succeed clears the failure history of addr.
func (t *Throttle) Succeed(addr net.Addr) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, ipOf(addr))
}

// Cleanup drops entries whose window and block have both passed.
func (t *Throttle) Cleanup() {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, e := range t.entries {
		if now.Sub(e.firstFailure) > t.window && now.After(e.blockedUntil) {
			delete(t.entries, ip)
		}
	}
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (t *Throttle) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Cleanup()
			}
		}
	}()
}

func ipOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

// Guard bundles what a session needs to authenticate: the verifier, its own
// lockout and the shared throttle.
type Guard struct {
	Verifier Verifier
	Lockout  *Lockout
	Throttle *Throttle
	Protocol string
	Remote   net.Addr
}

// Authenticate runs one attempt through fn and applies lockout, throttling
// and metrics. A returned ErrLockedOut means the session must close.
func (g *Guard) Authenticate(ctx context.Context, fn func(context.Context, Verifier) (Principal, error)) (Principal, error) {
	if g.Throttle.Blocked(g.Remote) {
		metrics.AuthenticationAttempts.WithLabelValues(g.Protocol, "locked").Inc()
		return Principal{}, ErrLockedOut
	}

	p, err := fn(ctx, g.Verifier)
	switch {
	case err == nil:
		metrics.AuthenticationAttempts.WithLabelValues(g.Protocol, "success").Inc()
		g.Throttle.Succeed(g.Remote)
	case errors.Is(err, ErrInvalidCredentials):
		metrics.AuthenticationAttempts.WithLabelValues(g.Protocol, "invalid").Inc()
		if d := g.Throttle.Fail(g.Remote); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		}
	default:
		metrics.AuthenticationAttempts.WithLabelValues(g.Protocol, "unavailable").Inc()
	}

	if lerr := g.Lockout.Record(err); lerr != nil {
		metrics.AuthenticationAttempts.WithLabelValues(g.Protocol, "locked").Inc()
		return Principal{}, lerr
	}
	return p, err
}
