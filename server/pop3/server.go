package pop3

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/trove/auth"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/store"
)

const (
	DefaultIdleTimeout = 10 * time.Minute
	DefaultMaxErrors   = 3
	DefaultErrorDelay  = 3 * time.Second
	maxLineLength      = 1024
)

type Options struct {
	Hostname          string
	TLSConfig         *tls.Config // Enables STLS; nil when no certificate is configured
	ImplicitTLS       bool        // Connections arrive already encrypted
	RequireTLSForAuth bool
	IdleTimeout       time.Duration
	MaxErrors         int           // Client errors tolerated before the connection is closed
	ErrorDelay        time.Duration // Multiplied by the error count before each error reply
	LockoutThreshold  int
	Throttle          *auth.Throttle
	Tokens            bool // Offer OAUTHBEARER
}

// Server serves POP3 sessions for the INBOX of each account. Only one
// session per account may be in the TRANSACTION state at a time.
type Server struct {
	name     string
	store    *store.Store
	verifier auth.Verifier
	opts     Options

	mu    sync.Mutex
	inUse map[string]struct{}

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
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = DefaultMaxErrors
	}
	if opts.ErrorDelay < 0 {
		opts.ErrorDelay = 0
	}
	return &Server{
		name:     name,
		store:    st,
		verifier: verifier,
		opts:     opts,
		inUse:    make(map[string]struct{}),
	}
}

// Handle runs one POP3 session. It implements server.Handler.
func (s *Server) Handle(ctx context.Context, conn net.Conn) {
	sess := newSession(s, conn)
	total := s.totalConnections.Add(1)
	sess.Log("connected (connections: total=%d, authenticated=%d)", total, s.authenticatedConnections.Load())
	defer func() {
		sess.release()
		total := s.totalConnections.Add(-1)
		sess.Log("closed (connections: total=%d, authenticated=%d)", total, s.authenticatedConnections.Load())
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sess.serve(ctx)
}

// lock claims exclusive access to owner's maildrop.
func (s *Server) lock(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inUse[owner]; busy {
		return false
	}
	s.inUse[owner] = struct{}{}
	return true
}

func (s *Server) unlock(owner string) {
	s.mu.Lock()
	delete(s.inUse, owner)
	s.mu.Unlock()
}

// openMaildrop returns the account's INBOX, creating the default mailboxes
// for an account that has never received mail.
func (s *Server) openMaildrop(ctx context.Context, owner string) (*store.Mailbox, error) {
	mbox, err := s.store.GetMailbox(ctx, owner, consts.MailboxInbox)
	if err == nil {
		return mbox, nil
	}
	if err := s.store.EnsureDefaults(ctx, owner); err != nil {
		logger.Warn("POP3: could not create default mailboxes", "owner", owner, "error", err)
		return nil, err
	}
	return s.store.GetMailbox(ctx, owner, consts.MailboxInbox)
}

func (s *Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

func (s *Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}
