// Package smtp implements the SMTP submission and inbound server. Sessions
// resolve recipients and hand accepted messages to the delivery pipeline.
package smtp

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/migadu/trove/auth"
	"github.com/migadu/trove/server/delivery"
)

const (
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultDataTimeout    = 10 * time.Minute
	DefaultMaxLineLength  = 4096
	DefaultMaxErrors      = 10
	DefaultMaxMessageSize = 50 << 20
	DefaultMaxRecipients  = 100
)

// Pipeline is the part of the delivery pipeline a session drives.
type Pipeline interface {
	Resolve(ctx context.Context, rc delivery.RelayContext, addr string) (*delivery.Recipient, error)
	Deliver(ctx context.Context, env *delivery.Envelope) map[string]delivery.Result
	ReportDisposition(ctx context.Context, report delivery.DispositionReport)
}

type Options struct {
	Hostname          string
	TLSConfig         *tls.Config // Enables STARTTLS
	ImplicitTLS       bool
	RequireAuth       bool // MAIL requires an authenticated session
	RequireTLSForAuth bool
	IdleTimeout       time.Duration
	DataTimeout       time.Duration
	MaxLineLength     int
	MaxErrors         int
	MaxMessageSize    int64
	MaxRecipients     int
	LockoutThreshold  int
	Throttle          *auth.Throttle
	Tokens            bool // Offer OAUTHBEARER
}

type Server struct {
	name     string
	pipeline Pipeline
	verifier auth.Verifier
	opts     Options

	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64
}

func New(name string, pipeline Pipeline, verifier auth.Verifier, opts Options) *Server {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.DataTimeout <= 0 {
		opts.DataTimeout = DefaultDataTimeout
	}
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = DefaultMaxLineLength
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = DefaultMaxErrors
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.MaxRecipients <= 0 {
		opts.MaxRecipients = DefaultMaxRecipients
	}
	return &Server{name: name, pipeline: pipeline, verifier: verifier, opts: opts}
}

// Handle runs one SMTP session. It implements server.Handler.
func (s *Server) Handle(ctx context.Context, conn net.Conn) {
	sess := newSession(s, conn)
	total := s.totalConnections.Add(1)
	sess.Log("connected (connections: total=%d, authenticated=%d)", total, s.authenticatedConnections.Load())
	defer func() {
		if sess.authenticated {
			s.authenticatedConnections.Add(-1)
		}
		total := s.totalConnections.Add(-1)
		sess.Log("closed (connections: total=%d, authenticated=%d)", total, s.authenticatedConnections.Load())
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sess.serve(ctx)
}

func (s *Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

func (s *Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}
