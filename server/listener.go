package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/pkg/metrics"
)

// Handler runs one session over conn. It must return when ctx is done or
// the connection fails; the listener closes conn afterwards.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn)
}

type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) { f(ctx, conn) }

type ListenerConfig struct {
	Protocol        string      // "smtp", "imap", "pop3"
	Addr            string      // Listen address
	TLS             *tls.Config // Non-nil for implicit TLS
	MaxConnections  int         // 0 is unlimited
	ShutdownTimeout time.Duration
}

// Listener is the accept loop for one (protocol, address, TLS mode).
type Listener struct {
	cfg     ListenerConfig
	handler Handler

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closing  atomic.Bool
	sessions sync.WaitGroup
	cancel   context.CancelFunc
	active   atomic.Int64
}

func NewListener(cfg ListenerConfig, handler Handler) *Listener {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Listener{cfg: cfg, handler: handler, conns: make(map[net.Conn]struct{})}
}

// Listen binds the socket. Failing to bind is fatal for the process, so it
// is separate from Serve.
func (l *Listener) Listen() error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%s: listen on %s: %w", l.cfg.Protocol, l.cfg.Addr, err)
	}
	if l.cfg.TLS != nil {
		ln = tls.NewListener(ln, l.cfg.TLS)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections until ctx is done or Close is called. Each
// connection runs in its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	if l.ln == nil {
		l.mu.Unlock()
		if err := l.Listen(); err != nil {
			return err
		}
		l.mu.Lock()
	}
	ln := l.ln
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()

	go func() {
		<-ctx.Done()
		l.closing.Store(true)
		ln.Close()
	}()

	mode := "plain"
	if l.cfg.TLS != nil {
		mode = "tls"
	}
	logger.Info("Listener: serving", "protocol", l.cfg.Protocol, "addr", ln.Addr().String(), "mode", mode)

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				logger.Warn("Listener: accept error, retrying", "protocol", l.cfg.Protocol, "error", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("%s: accept: %w", l.cfg.Protocol, err)
		}
		tempDelay = 0

		if max := l.cfg.MaxConnections; max > 0 && l.active.Load() >= int64(max) {
			metrics.ConnectionsRejected.WithLabelValues(l.cfg.Protocol).Inc()
			logger.Warn("Listener: connection limit reached", "protocol", l.cfg.Protocol, "remote", conn.RemoteAddr().String(), "max", max)
			conn.Close()
			continue
		}
		l.track(conn, true)
		l.sessions.Add(1)
		go l.serveConn(ctx, conn)
	}
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	start := time.Now()
	metrics.ConnectionsTotal.WithLabelValues(l.cfg.Protocol).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(l.cfg.Protocol).Inc()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Listener: session panic", "protocol", l.cfg.Protocol, "remote", conn.RemoteAddr().String(), "panic", r)
		}
		conn.Close()
		l.track(conn, false)
		metrics.ConnectionsCurrent.WithLabelValues(l.cfg.Protocol).Dec()
		metrics.ConnectionDuration.WithLabelValues(l.cfg.Protocol).Observe(time.Since(start).Seconds())
		l.sessions.Done()
	}()
	l.handler.Handle(ctx, conn)
}

func (l *Listener) track(conn net.Conn, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if add {
		l.conns[conn] = struct{}{}
		l.active.Add(1)
	} else {
		delete(l.conns, conn)
		l.active.Add(-1)
	}
}

// Active returns the number of open sessions.
func (l *Listener) Active() int64 {
	return l.active.Load()
}

// Close stops accepting, cancels session contexts and waits up to the
// shutdown timeout for sessions to finish. Connections still open after
// that are closed forcibly.
func (l *Listener) Close() error {
	l.closing.Store(true)
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	var err error
	if l.ln != nil {
		err = l.ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.cfg.ShutdownTimeout):
		l.mu.Lock()
		logger.Warn("Listener: forcing open sessions closed", "protocol", l.cfg.Protocol, "count", len(l.conns))
		for c := range l.conns {
			c.Close()
		}
		l.mu.Unlock()
		<-done
	}
	return err
}

// LoadTLSConfig builds a server TLS configuration (TLS 1.2 or later) from a
// PEM certificate chain and key.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
