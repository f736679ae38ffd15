package smtp

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
	"github.com/migadu/trove/server/delivery"
)

type state int

const (
	stateConnected state = iota // No EHLO/HELO yet
	stateGreeted
	stateMail // MAIL accepted, no recipient yet
	stateRcpt // At least one recipient accepted
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateGreeted:
		return "greeted"
	case stateMail:
		return "mail"
	case stateRcpt:
		return "rcpt"
	default:
		return "closed"
	}
}

// errCloseSession ends the session after the reply has been written.
var errCloseSession = errors.New("close session")

type handlerFunc func(s *session, ctx context.Context, arg string) error

// Verbs accepted in every state.
var anyState = map[string]handlerFunc{
	"EHLO": (*session).handleEhlo,
	"HELO": (*session).handleHelo,
	"RSET": (*session).handleRset,
	"NOOP": (*session).handleNoop,
	"VRFY": (*session).handleVrfy,
	"HELP": (*session).handleHelp,
	"QUIT": (*session).handleQuit,
}

// commands is the dispatch table keyed by (state, verb), on top of anyState.
var commands = map[state]map[string]handlerFunc{
	stateConnected: {},
	stateGreeted: {
		"STARTTLS": (*session).handleStartTLS,
		"AUTH":     (*session).handleAuth,
		"MAIL":     (*session).handleMail,
	},
	stateMail: {
		"RCPT": (*session).handleRcpt,
	},
	stateRcpt: {
		"RCPT": (*session).handleRcpt,
		"DATA": (*session).handleData,
	},
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

func lookup(st state, verb string) (handlerFunc, bool) {
	if h, ok := anyState[verb]; ok {
		return h, true
	}
	h, ok := commands[st][verb]
	return h, ok
}

type session struct {
	server.Session
	srv    *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	tls    bool

	state       state
	errorsCount int
	lastCode    int

	helo          string
	guard         *auth.Guard
	authenticated bool
	principal     auth.Principal

	env *delivery.Envelope
}

func newSession(srv *Server, conn net.Conn) *session {
	_, isTLS := conn.(*tls.Conn)
	s := &session{
		Session: server.NewSession(consts.ProtocolSMTP, srv.name, conn),
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
		Protocol: consts.ProtocolSMTP,
		Remote:   conn.RemoteAddr(),
	}
	return s
}

func (s *session) serve(ctx context.Context) {
	s.reply(220, "", "%s ESMTP trove ready", s.srv.opts.Hostname)
	s.writer.Flush()

	for s.state != stateClosed {
		if ctx.Err() != nil {
			return
		}
		server.SetIdleDeadline(s.conn, s.srv.opts.IdleTimeout)
		line, err := server.ReadLine(s.reader, s.srv.opts.MaxLineLength)
		if err != nil {
			if errors.Is(err, server.ErrLineTooLong) {
				if s.clientError(500, "5.5.6", "Line too long") {
					return
				}
				continue
			}
			switch {
			case ctx.Err() != nil:
				s.Log("closing on shutdown")
			case server.IsTimeout(err):
				s.reply(421, "4.4.2", "%s Idle timeout, closing connection", s.srv.opts.Hostname)
				s.writer.Flush()
				s.Log("timed out")
			case server.IsConnectionError(err):
				s.Log("client dropped connection")
			default:
				s.Log("read error: %v", err)
			}
			if s.env != nil {
				s.Log("discarding unfinished transaction %s", s.env.ID)
			}
			return
		}

		verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		verb = strings.ToUpper(verb)
		s.DebugLog("C: %s", helpers.MaskSensitive(line, verb, "AUTH"))
		if verb == "" {
			if s.clientError(500, "5.5.2", "Syntax error, command unrecognized") {
				return
			}
			continue
		}

		if err := s.dispatch(ctx, verb, strings.TrimSpace(arg)); err != nil {
			s.writer.Flush()
			if !errors.Is(err, errCloseSession) {
				s.Log("%s failed: %v", verb, err)
			}
			return
		}
		if err := s.writer.Flush(); err != nil {
			s.Log("write error: %v", err)
			return
		}
	}
}

func (s *session) dispatch(ctx context.Context, verb, arg string) error {
	handler, ok := lookup(s.state, verb)
	if !ok {
		if knownCommands[verb] {
			s.DebugLog("%s out of sequence in state %s", verb, s.state)
			return s.clientErrorClose(503, "5.5.1", "Bad sequence of commands")
		}
		s.Log("unknown command: %s", verb)
		return s.clientErrorClose(500, "5.5.2", "Syntax error, command unrecognized")
	}

	start := time.Now()
	s.lastCode = 0
	err := handler(s, ctx, arg)
	status := "success"
	if s.lastCode >= 400 || (err != nil && !errors.Is(err, errCloseSession)) {
		status = "failure"
	}
	metrics.CommandsTotal.WithLabelValues(consts.ProtocolSMTP, verb, status).Inc()
	metrics.CommandDuration.WithLabelValues(consts.ProtocolSMTP, verb).Observe(time.Since(start).Seconds())
	return err
}

// reply writes a single-line reply. enhanced may be empty.
func (s *session) reply(code int, enhanced, format string, args ...any) {
	s.lastCode = code
	text := fmt.Sprintf(format, args...)
	if enhanced != "" {
		text = enhanced + " " + text
	}
	fmt.Fprintf(s.writer, "%d %s\r\n", code, text)
}

// replyLines writes a multi-line reply.
func (s *session) replyLines(code int, lines []string) {
	s.lastCode = code
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(s.writer, "%d%s%s\r\n", code, sep, l)
	}
}

func (s *session) replyWith(r delivery.Reply) {
	s.reply(r.Code, r.Enhanced, "%s", r.Text)
}

// clientError replies to a client mistake and reports whether the
// connection must be closed because too many errors occurred.
func (s *session) clientError(code int, enhanced, text string) bool {
	s.errorsCount++
	if s.errorsCount > s.srv.opts.MaxErrors {
		s.reply(421, "4.7.0", "Too many errors, closing connection")
		s.writer.Flush()
		s.Log("too many errors, closing")
		return true
	}
	s.reply(code, enhanced, "%s", text)
	s.writer.Flush()
	return false
}

func (s *session) clientErrorClose(code int, enhanced, text string) error {
	if s.clientError(code, enhanced, text) {
		return errCloseSession
	}
	return nil
}

// resetTransaction drops the envelope in progress.
func (s *session) resetTransaction() {
	s.env = nil
	if s.state == stateMail || s.state == stateRcpt {
		s.state = stateGreeted
	}
}

func (s *session) relayContext() delivery.RelayContext {
	rc := delivery.RelayContext{Authenticated: s.authenticated, RemoteIP: s.RemoteIP}
	if s.authenticated {
		rc.Principal = s.principal.Address
	}
	return rc
}

func (s *session) authAllowed() bool {
	return s.tls || !s.srv.opts.RequireTLSForAuth
}
