package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/trove/auth"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/helpers"
	"github.com/migadu/trove/pkg/metrics"
	"github.com/migadu/trove/server"
	"github.com/migadu/trove/store"
)

type state int

const (
	stateAuthorization state = iota
	stateTransaction
	stateUpdate
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateAuthorization:
		return "AUTHORIZATION"
	case stateTransaction:
		return "TRANSACTION"
	case stateUpdate:
		return "UPDATE"
	default:
		return "CLOSED"
	}
}

// errCloseSession ends the session after the reply has been written.
var errCloseSession = errors.New("close session")

type command struct {
	name string
	args []string
	rest string // Raw argument text, for PASS
}

type handlerFunc func(s *session, ctx context.Context, cmd command) error

// commands is the dispatch table keyed by (state, command).
var commands = map[state]map[string]handlerFunc{
	stateAuthorization: {
		"CAPA": (*session).handleCapa,
		"USER": (*session).handleUser,
		"PASS": (*session).handlePass,
		"AUTH": (*session).handleAuth,
		"STLS": (*session).handleStls,
		"QUIT": (*session).handleQuit,
	},
	stateTransaction: {
		"CAPA": (*session).handleCapa,
		"STAT": (*session).handleStat,
		"LIST": (*session).handleList,
		"RETR": (*session).handleRetr,
		"TOP":  (*session).handleTop,
		"DELE": (*session).handleDele,
		"RSET": (*session).handleRset,
		"NOOP": (*session).handleNoop,
		"UIDL": (*session).handleUidl,
		"QUIT": (*session).handleQuit,
	},
}

// knownCommands is every verb the server implements in some state.
var knownCommands = func() map[string]bool {
	known := make(map[string]bool)
	for _, table := range commands {
		for name := range table {
			known[name] = true
		}
	}
	return known
}()

type session struct {
	server.Session
	srv    *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	tls    bool

	state       state
	errorsCount int
	failed      bool // The current command replied -ERR

	guard    *auth.Guard
	username string // From USER

	owner       string
	mailbox     *store.Mailbox
	uidValidity uint32
	messages    []store.Message
	deleted     map[int]bool
}

func newSession(srv *Server, conn net.Conn) *session {
	_, isTLS := conn.(*tls.Conn)
	s := &session{
		Session: server.NewSession(consts.ProtocolPOP3, srv.name, conn),
		srv:     srv,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		tls:     isTLS || srv.opts.ImplicitTLS,
		deleted: make(map[int]bool),
	}
	s.guard = &auth.Guard{
		Verifier: srv.verifier,
		Lockout:  auth.NewLockout(srv.opts.LockoutThreshold),
		Throttle: srv.opts.Throttle,
		Protocol: consts.ProtocolPOP3,
		Remote:   conn.RemoteAddr(),
	}
	return s
}

func (s *session) serve(ctx context.Context) {
	s.ok("%s POP3 server ready", s.srv.opts.Hostname)
	s.writer.Flush()

	for s.state != stateClosed {
		if ctx.Err() != nil {
			return
		}
		server.SetIdleDeadline(s.conn, s.srv.opts.IdleTimeout)
		line, err := server.ReadLine(s.reader, maxLineLength)
		if err != nil {
			if errors.Is(err, server.ErrLineTooLong) {
				if s.clientError(ctx, "Line too long") {
					return
				}
				continue
			}
			switch {
			case ctx.Err() != nil:
				s.Log("closing on shutdown")
			case server.IsTimeout(err):
				s.err("Connection timed out due to inactivity")
				s.writer.Flush()
				s.Log("timed out")
			case server.IsConnectionError(err):
				s.Log("client dropped connection")
			default:
				s.Log("read error: %v", err)
			}
			if s.state == stateTransaction && len(s.deleted) > 0 {
				s.Log("discarding %d pending deletions", len(s.deleted))
			}
			return
		}

		name, args, perr := server.ParseLine(line)
		s.DebugLog("C: %s", helpers.MaskSensitive(line, name, "PASS", "AUTH"))
		if name == "" {
			if s.clientError(ctx, "Empty command") {
				return
			}
			continue
		}
		if perr != nil {
			if s.clientError(ctx, perr.Error()) {
				return
			}
			continue
		}
		_, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
		cmd := command{name: name, args: args, rest: rest}

		if err := s.dispatch(ctx, cmd); err != nil {
			s.writer.Flush()
			if !errors.Is(err, errCloseSession) {
				s.Log("%s failed: %v", name, err)
			}
			return
		}
		if err := s.writer.Flush(); err != nil {
			s.Log("write error: %v", err)
			return
		}
	}
}

func (s *session) dispatch(ctx context.Context, cmd command) error {
	handler, ok := commands[s.state][cmd.name]
	if !ok {
		if knownCommands[cmd.name] {
			return s.clientErrorClose(ctx, fmt.Sprintf("%s not valid in the %s state", cmd.name, s.state))
		}
		s.Log("unknown command: %s", cmd.name)
		return s.clientErrorClose(ctx, fmt.Sprintf("Unknown command: %s", cmd.name))
	}

	start := time.Now()
	s.failed = false
	err := handler(s, ctx, cmd)
	status := "success"
	if s.failed || (err != nil && !errors.Is(err, errCloseSession)) {
		status = "failure"
	}
	metrics.CommandsTotal.WithLabelValues(consts.ProtocolPOP3, cmd.name, status).Inc()
	metrics.CommandDuration.WithLabelValues(consts.ProtocolPOP3, cmd.name).Observe(time.Since(start).Seconds())
	return err
}

func (s *session) ok(format string, args ...any) {
	s.writer.WriteString("+OK")
	if format != "" {
		s.writer.WriteString(" ")
		fmt.Fprintf(s.writer, format, args...)
	}
	s.writer.WriteString("\r\n")
}

func (s *session) err(format string, args ...any) {
	s.failed = true
	s.writer.WriteString("-ERR ")
	fmt.Fprintf(s.writer, format, args...)
	s.writer.WriteString("\r\n")
}

// clientError answers a client mistake after a growing delay and reports
// whether the connection must be closed because too many errors occurred.
func (s *session) clientError(ctx context.Context, msg string) bool {
	s.errorsCount++
	if s.errorsCount > s.srv.opts.MaxErrors {
		s.err("Too many errors, closing connection")
		s.writer.Flush()
		s.Log("too many errors, closing")
		return true
	}
	if d := time.Duration(s.errorsCount) * s.srv.opts.ErrorDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}
	s.err("%s", msg)
	s.writer.Flush()
	return false
}

func (s *session) clientErrorClose(ctx context.Context, msg string) error {
	if s.clientError(ctx, msg) {
		return errCloseSession
	}
	return nil
}

// release drops the maildrop lock. Pending deletions are not applied.
func (s *session) release() {
	if s.owner == "" {
		return
	}
	s.srv.unlock(s.owner)
	s.srv.authenticatedConnections.Add(-1)
	s.owner = ""
	s.mailbox = nil
	s.messages = nil
	s.deleted = nil
}

// message resolves a message number argument, rejecting deleted messages.
func (s *session) message(arg string) (int, store.Message, string) {
	n, err := strconv.Atoi(arg)
	if err != nil || strings.HasPrefix(arg, "+") {
		return 0, store.Message{}, "Invalid message number"
	}
	if n < 1 || n > len(s.messages) {
		return 0, store.Message{}, "No such message"
	}
	if s.deleted[n-1] {
		return 0, store.Message{}, "Message already deleted"
	}
	return n, s.messages[n-1], ""
}
