package imap

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
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
	stateNotAuthenticated state = iota
	stateAuthenticated
	stateSelected
	stateLogout
)

func (s state) String() string {
	switch s {
	case stateNotAuthenticated:
		return "Not Authenticated"
	case stateAuthenticated:
		return "Authenticated"
	case stateSelected:
		return "Selected"
	default:
		return "Logout"
	}
}

// errCloseSession ends the session after the tagged reply has been written.
var errCloseSession = errors.New("close session")

// reply is the tagged completion of a command. A zero reply means the
// handler already wrote it.
type reply struct {
	status string // OK, NO or BAD
	code   string // Response code without brackets
	text   string
}

func okReply(code, format string, args ...any) reply {
	return reply{status: "OK", code: code, text: fmt.Sprintf(format, args...)}
}

func noReply(code, format string, args ...any) reply {
	return reply{status: "NO", code: code, text: fmt.Sprintf(format, args...)}
}

func badReply(format string, args ...any) reply {
	return reply{status: "BAD", text: fmt.Sprintf(format, args...)}
}

type handlerFunc func(s *session, ctx context.Context, cmd *command) (reply, error)

var anyState = map[string]handlerFunc{
	"CAPABILITY": (*session).handleCapability,
	"NOOP":       (*session).handleNoop,
	"LOGOUT":     (*session).handleLogout,
}

var authenticatedCommands = map[string]handlerFunc{
	"SELECT":      (*session).handleSelect,
	"EXAMINE":     (*session).handleSelect,
	"CREATE":      (*session).handleCreate,
	"DELETE":      (*session).handleDelete,
	"RENAME":      (*session).handleRename,
	"SUBSCRIBE":   (*session).handleSubscribe,
	"UNSUBSCRIBE": (*session).handleSubscribe,
	"LIST":        (*session).handleList,
	"LSUB":        (*session).handleList,
	"STATUS":      (*session).handleStatus,
	"APPEND":      (*session).handleAppend,
}

var selectedCommands = map[string]handlerFunc{
	"CHECK":       (*session).handleCheck,
	"CLOSE":       (*session).handleClose,
	"UNSELECT":    (*session).handleUnselect,
	"EXPUNGE":     (*session).handleExpunge,
	"UID EXPUNGE": (*session).handleExpunge,
	"SEARCH":      (*session).handleSearch,
	"UID SEARCH":  (*session).handleSearch,
	"FETCH":       (*session).handleFetch,
	"UID FETCH":   (*session).handleFetch,
	"STORE":       (*session).handleStore,
	"UID STORE":   (*session).handleStore,
	"COPY":        (*session).handleCopy,
	"UID COPY":    (*session).handleCopy,
}

// commands is the dispatch table keyed by (state, command), on top of
// anyState.
var commands = map[state]map[string]handlerFunc{
	stateNotAuthenticated: {
		"STARTTLS":     (*session).handleStartTLS,
		"LOGIN":        (*session).handleLogin,
		"AUTHENTICATE": (*session).handleAuthenticate,
	},
	stateAuthenticated: authenticatedCommands,
	stateSelected:      merge(authenticatedCommands, selectedCommands),
}

func merge(tables ...map[string]handlerFunc) map[string]handlerFunc {
	out := make(map[string]handlerFunc)
	for _, t := range tables {
		for k, v := range t {
			out[k] = v
		}
	}
	return out
}

var knownCommands = func() map[string]bool {
	known := make(map[string]bool)
	for name := range anyState {
		known[name] = true
	}
	for _, table := range commands {
		for name := range table {
			known[name] = true
		}
	}
	return known
}()

func lookup(st state, name string) (handlerFunc, bool) {
	if h, ok := anyState[name]; ok {
		return h, true
	}
	h, ok := commands[st][name]
	return h, ok
}

// expungeAllowed reports whether EXPUNGE responses may precede the tagged
// reply of name. During FETCH, STORE and SEARCH they would shift the
// sequence numbers the client is using.
func expungeAllowed(name string) bool {
	switch name {
	case "FETCH", "STORE", "SEARCH":
		return false
	}
	return true
}

type session struct {
	server.Session
	srv    *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	tls    bool

	state state
	guard *auth.Guard
	owner string
	sel   *selection
}

func newSession(srv *Server, conn net.Conn) *session {
	_, isTLS := conn.(*tls.Conn)
	s := &session{
		Session: server.NewSession(consts.ProtocolIMAP, srv.name, conn),
		srv:     srv,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		tls:     isTLS || srv.opts.ImplicitTLS,
	}
	s.guard = &auth.Guard{
		Verifier: srv.verifier,
		Lockout:  auth.NewLockout(srv.opts.LockoutThreshold),
		Throttle: srv.opts.Throttle,
		Protocol: consts.ProtocolIMAP,
		Remote:   conn.RemoteAddr(),
	}
	return s
}

func (s *session) serve(ctx context.Context) {
	s.untagged("OK [CAPABILITY %s] %s IMAP4rev1 trove ready", strings.Join(s.capabilities(), " "), s.srv.opts.Hostname)
	s.writer.Flush()

	for s.state != stateLogout {
		if ctx.Err() != nil {
			return
		}
		cmd, err := s.readCommand()
		if err != nil {
			var pe *protocolError
			var tb *tooBigError
			switch {
			case errors.As(err, &pe):
				s.DebugLog("protocol error: %s", pe.text)
				s.tagged(pe.tag, badReply("%s", pe.text))
			case errors.As(err, &tb):
				s.Log("rejected literal of %d bytes", tb.size)
				s.tagged(tb.tag, noReply("TOOBIG", "Literal exceeds %d bytes", s.srv.opts.MaxLiteralSize))
			case errors.Is(err, server.ErrLineTooLong):
				s.untagged("BAD Command line too long")
			default:
				switch {
				case ctx.Err() != nil:
					s.untagged("BYE Server shutting down")
					s.writer.Flush()
					s.Log("closing on shutdown")
				case server.IsTimeout(err):
					s.untagged("BYE Idle timeout, closing connection")
					s.writer.Flush()
					s.Log("timed out")
				case server.IsConnectionError(err):
					s.Log("client dropped connection")
				default:
					s.Log("read error: %v", err)
				}
				return
			}
			if err := s.writer.Flush(); err != nil {
				return
			}
			continue
		}

		if err := s.dispatch(ctx, cmd); err != nil {
			s.writer.Flush()
			if !errors.Is(err, errCloseSession) {
				s.Log("%s failed: %v", cmd.name, err)
			}
			return
		}
		if err := s.writer.Flush(); err != nil {
			s.Log("write error: %v", err)
			return
		}
	}
}

func (s *session) dispatch(ctx context.Context, cmd *command) error {
	s.DebugLog("C: %s", helpers.MaskSensitive(cmd.summary(), cmd.name, "LOGIN", "AUTHENTICATE"))
	handler, ok := lookup(s.state, cmd.name)
	if !ok {
		if knownCommands[cmd.name] {
			s.DebugLog("%s not allowed in state %s", cmd.name, s.state)
			s.tagged(cmd.tag, badReply("%s not allowed in the %s state", cmd.name, s.state))
			return nil
		}
		s.Log("unknown command: %s", cmd.name)
		s.tagged(cmd.tag, badReply("Unknown command %s", cmd.name))
		return nil
	}

	start := time.Now()
	rep, err := handler(s, ctx, cmd)
	if err != nil && !errors.Is(err, errCloseSession) {
		metrics.CommandsTotal.WithLabelValues(consts.ProtocolIMAP, cmd.name, "failure").Inc()
		return err
	}
	if s.sel != nil && err == nil {
		if perr := s.poll(expungeAllowed(cmd.name)); perr != nil {
			return perr
		}
	}
	if rep.status != "" {
		s.tagged(cmd.tag, rep)
	}

	status := "success"
	if rep.status == "NO" || rep.status == "BAD" {
		status = "failure"
	}
	metrics.CommandsTotal.WithLabelValues(consts.ProtocolIMAP, cmd.name, status).Inc()
	metrics.CommandDuration.WithLabelValues(consts.ProtocolIMAP, cmd.name).Observe(time.Since(start).Seconds())
	return err
}

func (s *session) untagged(format string, args ...any) {
	s.writer.WriteString("* ")
	fmt.Fprintf(s.writer, format, args...)
	s.writer.WriteString("\r\n")
}

func (s *session) tagged(tag string, r reply) {
	s.writer.WriteString(tag)
	s.writer.WriteString(" ")
	s.writer.WriteString(r.status)
	if r.code != "" {
		s.writer.WriteString(" [" + r.code + "]")
	}
	if r.text != "" {
		s.writer.WriteString(" " + r.text)
	}
	s.writer.WriteString("\r\n")
}

func (s *session) capabilities() []string {
	caps := []string{"IMAP4rev1", "LITERAL+", "UIDPLUS", "UNSELECT", "SASL-IR"}
	if s.state == stateNotAuthenticated {
		if s.srv.opts.TLSConfig != nil && !s.tls {
			caps = append(caps, "STARTTLS")
		}
		if s.authAllowed() {
			for _, mech := range auth.Mechanisms(s.srv.opts.Tokens) {
				caps = append(caps, "AUTH="+mech)
			}
		} else {
			caps = append(caps, "LOGINDISABLED")
		}
	}
	return caps
}

func (s *session) authAllowed() bool {
	return s.tls || !s.srv.opts.RequireTLSForAuth
}

// storeError maps a store failure to a NO reply.
func (s *session) storeError(op string, err error) reply {
	switch {
	case errors.Is(err, consts.ErrMailboxNotFound):
		return noReply("NONEXISTENT", "Mailbox does not exist")
	case errors.Is(err, consts.ErrMailboxAlreadyExists):
		return noReply("ALREADYEXISTS", "Mailbox already exists")
	case errors.Is(err, consts.ErrMailboxInvalidName):
		return noReply("CANNOT", "Invalid mailbox name")
	case errors.Is(err, consts.ErrCannotDeleteInbox):
		return noReply("CANNOT", "INBOX cannot be deleted")
	case errors.Is(err, consts.ErrQuotaExceeded):
		return noReply("OVERQUOTA", "Quota exceeded")
	case errors.Is(err, consts.ErrMessageTooLarge):
		return noReply("TOOBIG", "Message too large")
	case errors.Is(err, consts.ErrInvalidFlag):
		return badReply("Invalid flag")
	case errors.Is(err, consts.ErrNotPermitted):
		return noReply("NOPERM", "Operation not permitted")
	case store.IsTransient(err):
		s.WarnLog("%s: storage unavailable: %v", op, err)
		return noReply("UNAVAILABLE", "Storage temporarily unavailable, try again later")
	default:
		s.WarnLog("%s failed: %v", op, err)
		return noReply("SERVERBUG", "Internal error")
	}
}

func (s *session) handleCapability(ctx context.Context, cmd *command) (reply, error) {
	s.untagged("CAPABILITY %s", strings.Join(s.capabilities(), " "))
	return okReply("", "CAPABILITY completed"), nil
}

func (s *session) handleNoop(ctx context.Context, cmd *command) (reply, error) {
	return okReply("", "NOOP completed"), nil
}

func (s *session) handleCheck(ctx context.Context, cmd *command) (reply, error) {
	return okReply("", "CHECK completed"), nil
}

func (s *session) handleLogout(ctx context.Context, cmd *command) (reply, error) {
	s.untagged("BYE %s logging out", s.srv.opts.Hostname)
	s.deselect()
	s.state = stateLogout
	return okReply("", "LOGOUT completed"), errCloseSession
}
