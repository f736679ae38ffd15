// Package imap implements an IMAP4rev1 server on top of the mailbox store.
//
// Sessions move through the Not Authenticated, Authenticated and Selected
// states. Commands are dispatched through a table keyed by state and
// command name, so a command issued in the wrong state is refused with BAD
// and the session stays where it was.
//
// While a mailbox is selected the session holds a subscription on it.
// Before the tagged reply of every command, queued change events cause the
// session to recompute its view from a fresh snapshot and report EXISTS,
// RECENT, FETCH (FLAGS) and, where the command allows it, EXPUNGE.
package imap

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/migadu/trove/auth"
	"github.com/migadu/trove/store"
)

const (
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultLiteralTimeout = time.Minute
	DefaultMaxLiteralSize = 50 << 20

	maxLineLength = 64 * 1024
)

type Options struct {
	Hostname          string
	TLSConfig         *tls.Config // Enables STARTTLS
	ImplicitTLS       bool
	RequireTLSForAuth bool // Advertise LOGINDISABLED until TLS is active
	IdleTimeout       time.Duration
	LiteralTimeout    time.Duration
	MaxLiteralSize    int64
	LockoutThreshold  int
	Throttle          *auth.Throttle
	Tokens            bool // Offer AUTH=OAUTHBEARER
}

type Server struct {
	name     string
	store    *store.Store
	verifier auth.Verifier
	opts     Options

	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64
}

func New(name string, st *store.Store, verifier auth.Verifier, opts Options) *Server {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.LiteralTimeout <= 0 {
		opts.LiteralTimeout = DefaultLiteralTimeout
	}
	if opts.MaxLiteralSize <= 0 {
		opts.MaxLiteralSize = DefaultMaxLiteralSize
	}
	return &Server{name: name, store: st, verifier: verifier, opts: opts}
}

// Handle runs one IMAP session. It implements server.Handler.
func (s *Server) Handle(ctx context.Context, conn net.Conn) {
	sess := newSession(s, conn)
	total := s.totalConnections.Add(1)
	sess.Log("connected (connections: total=%d, authenticated=%d)", total, s.authenticatedConnections.Load())
	defer func() {
		sess.deselect()
		if sess.owner != "" {
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
