package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"slices"
	"strings"
	"time"

	"github.com/migadu/trove/auth"
	"github.com/migadu/trove/server"
	"github.com/migadu/trove/server/delivery"
)

func (s *session) handleEhlo(ctx context.Context, arg string) error {
	if arg == "" {
		return s.clientErrorClose(501, "5.5.4", "EHLO requires a domain or address literal")
	}
	s.greet(arg)

	lines := []string{
		fmt.Sprintf("%s greets %s", s.srv.opts.Hostname, arg),
		fmt.Sprintf("SIZE %d", s.srv.opts.MaxMessageSize),
		"8BITMIME",
		"ENHANCEDSTATUSCODES",
	}
	if s.srv.opts.TLSConfig != nil && !s.tls {
		lines = append(lines, "STARTTLS")
	}
	if s.authAllowed() && !s.authenticated {
		lines = append(lines, "AUTH "+strings.Join(auth.Mechanisms(s.srv.opts.Tokens), " "))
	}
	lines = append(lines, "HELP")
	s.replyLines(250, lines)
	return nil
}

func (s *session) handleHelo(ctx context.Context, arg string) error {
	if arg == "" {
		return s.clientErrorClose(501, "5.5.4", "HELO requires a domain")
	}
	s.greet(arg)
	s.reply(250, "", "%s", s.srv.opts.Hostname)
	return nil
}

// greet records the client name and aborts any transaction in progress.
func (s *session) greet(name string) {
	s.helo = name
	s.env = nil
	s.state = stateGreeted
}

func (s *session) handleStartTLS(ctx context.Context, arg string) error {
	if s.srv.opts.TLSConfig == nil {
		s.reply(454, "4.7.0", "TLS not available")
		return nil
	}
	if s.tls {
		return s.clientErrorClose(503, "5.5.1", "TLS already active")
	}
	if arg != "" {
		return s.clientErrorClose(501, "5.5.4", "STARTTLS takes no parameters")
	}
	s.reply(220, "2.0.0", "Ready to start TLS")
	if err := s.writer.Flush(); err != nil {
		return err
	}

	tlsConn := tls.Server(s.conn, s.srv.opts.TLSConfig)
	s.conn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.Log("TLS handshake failed: %v", err)
		return errCloseSession
	}
	s.conn.SetDeadline(time.Time{})

	// RFC 3207: the client must start over with EHLO.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tls = true
	s.state = stateConnected
	s.helo = ""
	s.env = nil
	s.Log("TLS established")
	return nil
}

func (s *session) handleAuth(ctx context.Context, arg string) error {
	if s.authenticated {
		return s.clientErrorClose(503, "5.5.1", "Already authenticated")
	}
	if !s.authAllowed() {
		s.reply(538, "5.7.11", "Encryption required for requested authentication mechanism")
		return nil
	}
	args := strings.Fields(arg)
	if len(args) == 0 || len(args) > 2 {
		return s.clientErrorClose(501, "5.5.4", "Syntax: AUTH mechanism [initial-response]")
	}
	mech := strings.ToUpper(args[0])
	if mech == auth.MechanismOAuthBearer && !s.srv.opts.Tokens {
		return s.clientErrorClose(504, "5.5.4", "Unrecognized authentication type")
	}
	sasl, res, err := auth.NewSASLServer(ctx, mech, s.guard)
	if err != nil {
		return s.clientErrorClose(504, "5.5.4", "Unrecognized authentication type")
	}

	var response []byte
	if len(args) == 2 {
		if args[1] == "=" {
			response = []byte{}
		} else if response, err = base64.StdEncoding.DecodeString(args[1]); err != nil {
			return s.clientErrorClose(501, "5.5.2", "Invalid base64 in initial response")
		}
	}

	for {
		challenge, done, nerr := sasl.Next(response)
		if res.Attempted && res.Err != nil && (done || nerr != nil) {
			return s.authFailed(res.Err)
		}
		if nerr != nil {
			if res.Attempted {
				return s.authFailed(nerr)
			}
			return s.clientErrorClose(501, "5.5.2", "Malformed authentication response")
		}
		if done {
			s.login(res.Principal)
			return nil
		}

		s.reply(334, "", "%s", base64.StdEncoding.EncodeToString(challenge))
		if err := s.writer.Flush(); err != nil {
			return err
		}
		server.SetIdleDeadline(s.conn, s.srv.opts.IdleTimeout)
		line, err := server.ReadLine(s.reader, s.srv.opts.MaxLineLength)
		if err != nil {
			return err
		}
		if line == "*" {
			return s.clientErrorClose(501, "5.0.0", "Authentication cancelled")
		}
		if response, err = base64.StdEncoding.DecodeString(line); err != nil {
			return s.clientErrorClose(501, "5.5.2", "Invalid base64 in authentication response")
		}
	}
}

func (s *session) authFailed(err error) error {
	switch {
	case errors.Is(err, auth.ErrLockedOut):
		s.reply(421, "4.7.0", "Too many failed authentication attempts, closing connection")
		s.Log("locked out")
		return errCloseSession
	case errors.Is(err, auth.ErrUnavailable):
		s.WarnLog("authentication backend unavailable: %v", err)
		s.reply(454, "4.7.0", "Temporary authentication failure")
		return nil
	default:
		s.Log("authentication failed: %v", err)
		s.reply(535, "5.7.8", "Authentication credentials invalid")
		return nil
	}
}

func (s *session) login(p auth.Principal) {
	s.authenticated = true
	s.principal = p
	s.User = p.Address
	count := s.srv.authenticatedConnections.Add(1)
	s.Log("authenticated (method=%s, authenticated=%d)", p.Method, count)
	s.reply(235, "2.7.0", "Authentication successful")
}

func (s *session) handleMail(ctx context.Context, arg string) error {
	from, params, err := parsePath(arg, "FROM:")
	if err != nil {
		return s.clientErrorClose(501, "5.5.4", "Syntax: MAIL FROM:<address>")
	}
	mp, err := parseMailParams(params)
	if errors.Is(err, errUnknownParam) {
		return s.clientErrorClose(555, "5.5.4", "Unsupported MAIL parameter")
	} else if err != nil {
		return s.clientErrorClose(501, "5.5.4", "Invalid MAIL parameter")
	}
	if s.srv.opts.RequireAuth && !s.authenticated {
		s.reply(530, "5.7.0", "Authentication required")
		return nil
	}
	if from != "" {
		if _, err := server.ParseAddress(from); err != nil {
			return s.clientErrorClose(501, "5.1.7", "Bad sender address syntax")
		}
	}
	if mp.size > s.srv.opts.MaxMessageSize {
		s.reply(552, "5.3.4", "Message size exceeds fixed maximum message size")
		return nil
	}

	env := delivery.NewEnvelope(from)
	env.Authenticated = s.authenticated
	if s.authenticated {
		env.Principal = s.principal.Address
	}
	env.RemoteIP = s.RemoteIP
	env.Helo = s.helo
	s.env = env
	s.state = stateMail
	s.DebugLog("transaction %s from <%s>", env.ID, env.From)
	s.reply(250, "2.1.0", "Sender OK")
	return nil
}

func (s *session) handleRcpt(ctx context.Context, arg string) error {
	to, params, err := parsePath(arg, "TO:")
	if err != nil || to == "" {
		return s.clientErrorClose(501, "5.5.4", "Syntax: RCPT TO:<address>")
	}
	if len(params) > 0 {
		return s.clientErrorClose(555, "5.5.4", "Unsupported RCPT parameter")
	}
	if len(s.env.Accepted()) >= s.srv.opts.MaxRecipients {
		s.reply(452, "4.5.3", "Too many recipients")
		return nil
	}

	rcpt, err := s.srv.pipeline.Resolve(ctx, s.relayContext(), to)
	if err != nil {
		return s.clientErrorClose(501, "5.1.3", "Bad recipient address syntax")
	}
	// Refused recipients stay on the envelope with their refusal. A later
	// attempt for the same address replaces them.
	idx := slices.IndexFunc(s.env.Recipients, func(r *delivery.Recipient) bool { return r.Address == rcpt.Address })
	switch {
	case idx < 0:
		s.env.Recipients = append(s.env.Recipients, rcpt)
	case s.env.Recipients[idx].Disposition == delivery.DispositionPending:
		s.replyWith(s.env.Recipients[idx].Reply)
		return nil
	default:
		s.env.Recipients[idx] = rcpt
	}
	if rcpt.Disposition != delivery.DispositionPending {
		s.Log("recipient <%s> refused: %s", rcpt.Address, rcpt.Reply)
		s.replyWith(rcpt.Reply)
		return nil
	}
	s.state = stateRcpt
	s.replyWith(rcpt.Reply)
	return nil
}

func (s *session) handleData(ctx context.Context, arg string) error {
	if arg != "" {
		return s.clientErrorClose(501, "5.5.4", "DATA takes no parameters")
	}
	s.reply(354, "", "Start mail input; end with <CRLF>.<CRLF>")
	if err := s.writer.Flush(); err != nil {
		return err
	}

	limit := s.srv.opts.MaxMessageSize
	s.conn.SetReadDeadline(time.Now().Add(s.srv.opts.DataTimeout))
	dr := textproto.NewReader(s.reader).DotReader()
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(dr, limit+1))
	if err == nil && n > limit {
		_, err = io.Copy(io.Discard, dr)
		if err == nil {
			s.Log("message of transaction %s exceeds %d bytes", s.env.ID, limit)
			s.resetTransaction()
			s.reply(552, "5.3.4", "Message size exceeds fixed maximum message size")
			return nil
		}
	}
	if err != nil {
		// Connection lost or timed out mid-DATA: nothing is delivered.
		s.Log("DATA aborted, discarding transaction %s: %v", s.env.ID, err)
		s.env = nil
		if server.IsTimeout(err) {
			s.reply(421, "4.4.2", "%s Timeout waiting for data, closing connection", s.srv.opts.Hostname)
		}
		return errCloseSession
	}

	env := s.env
	env.Body = normalizeLineEndings(buf.Bytes())
	s.resetTransaction()

	accepted := env.Accepted()
	results := s.srv.pipeline.Deliver(ctx, env)
	s.finishData(ctx, env, accepted, results)
	return nil
}

// finishData turns per-recipient results into the single DATA reply.
// Only recipients accepted at RCPT time count. Those that fail after a
// positive reply are bounced.
func (s *session) finishData(ctx context.Context, env *delivery.Envelope, accepted []*delivery.Recipient, results map[string]delivery.Result) {
	var failed []*delivery.Recipient
	transient := false
	for _, rcpt := range accepted {
		res, ok := results[rcpt.Address]
		if !ok {
			res = delivery.Result{Disposition: rcpt.Disposition, Reply: rcpt.Reply}
		}
		if res.Disposition.Accepted() {
			continue
		}
		if res.Reply.Transient() {
			transient = true
		}
		rcpt.Disposition, rcpt.Reply = res.Disposition, res.Reply
		failed = append(failed, rcpt)
	}

	total := len(accepted)
	switch {
	case len(failed) == 0:
		s.Log("transaction %s accepted for %d recipients", env.ID, total)
		s.reply(250, "2.0.0", "Message accepted for delivery, queued as %s", env.ID)
	case len(failed) == total && total == 1:
		s.replyWith(failed[0].Reply)
	case len(failed) == total && transient:
		s.reply(451, "4.3.0", "Delivery failed for all recipients, try again later")
	case len(failed) == total:
		s.reply(554, "5.0.0", "Delivery failed for all recipients")
	default:
		parts := make([]string, 0, len(failed))
		for _, rcpt := range failed {
			parts = append(parts, fmt.Sprintf("<%s> %d %s", rcpt.Address, rcpt.Reply.Code, rcpt.Reply.Enhanced))
			s.srv.pipeline.ReportDisposition(ctx, delivery.DispositionReport{
				QueueID:     env.ID,
				From:        env.From,
				To:          rcpt.Address,
				Kind:        delivery.KindRelay,
				Disposition: delivery.DispositionBounced,
				Detail:      rcpt.Reply.String(),
				Original:    env.Body,
			})
		}
		s.Log("transaction %s partially accepted: %d of %d recipients failed", env.ID, len(failed), total)
		s.reply(250, "2.0.0", "Message accepted for %d of %d recipients, queued as %s; failed: %s",
			total-len(failed), total, env.ID, strings.Join(parts, ", "))
	}
}

// normalizeLineEndings restores CRLF after the dot reader turned it into LF.
// Bare LF in the input is converted too.
func normalizeLineEndings(b []byte) []byte {
	return bytes.ReplaceAll(b, []byte("\n"), []byte("\r\n"))
}

func (s *session) handleRset(ctx context.Context, arg string) error {
	s.resetTransaction()
	s.reply(250, "2.0.0", "Reset OK")
	return nil
}

func (s *session) handleNoop(ctx context.Context, arg string) error {
	s.reply(250, "2.0.0", "OK")
	return nil
}

func (s *session) handleVrfy(ctx context.Context, arg string) error {
	s.reply(252, "2.5.0", "Cannot VRFY user, but will accept message and attempt delivery")
	return nil
}

func (s *session) handleHelp(ctx context.Context, arg string) error {
	s.reply(214, "2.0.0", "Supported: HELO EHLO STARTTLS AUTH MAIL RCPT DATA RSET NOOP VRFY HELP QUIT")
	return nil
}

func (s *session) handleQuit(ctx context.Context, arg string) error {
	s.reply(221, "2.0.0", "%s closing connection", s.srv.opts.Hostname)
	s.state = stateClosed
	return errCloseSession
}
