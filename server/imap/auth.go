package imap

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/migadu/trove/auth"
	"github.com/migadu/trove/server"
)

func (s *session) handleStartTLS(ctx context.Context, cmd *command) (reply, error) {
	if s.srv.opts.TLSConfig == nil {
		return noReply("", "STARTTLS not available"), nil
	}
	if s.tls {
		return badReply("TLS already active"), nil
	}
	s.tagged(cmd.tag, okReply("", "Begin TLS negotiation now"))
	if err := s.writer.Flush(); err != nil {
		return reply{}, err
	}

	tlsConn := tls.Server(s.conn, s.srv.opts.TLSConfig)
	s.conn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.Log("TLS handshake failed: %v", err)
		return reply{}, errCloseSession
	}
	s.conn.SetDeadline(time.Time{})

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tls = true
	s.Log("TLS established")
	return reply{}, nil
}

func (s *session) handleLogin(ctx context.Context, cmd *command) (reply, error) {
	if !s.authAllowed() {
		return noReply("PRIVACYREQUIRED", "LOGIN disabled until TLS is active"), nil
	}
	if len(cmd.args) != 2 {
		return badReply("LOGIN expects a user name and a password"), nil
	}
	identity, ok1 := cmd.args[0].astring()
	secret, ok2 := cmd.args[1].astring()
	if !ok1 || !ok2 {
		return badReply("LOGIN expects a user name and a password"), nil
	}

	principal, err := s.guard.Authenticate(ctx, func(ctx context.Context, v auth.Verifier) (auth.Principal, error) {
		return v.VerifyPassword(ctx, identity, secret)
	})
	if err != nil {
		return s.authFailed(err)
	}
	return s.login(ctx, principal), nil
}

func (s *session) handleAuthenticate(ctx context.Context, cmd *command) (reply, error) {
	if !s.authAllowed() {
		return noReply("PRIVACYREQUIRED", "Authentication disabled until TLS is active"), nil
	}
	if len(cmd.args) == 0 || len(cmd.args) > 2 || cmd.args[0].kind != tokAtom {
		return badReply("AUTHENTICATE expects a mechanism"), nil
	}
	mech := strings.ToUpper(cmd.args[0].text)
	if mech == auth.MechanismOAuthBearer && !s.srv.opts.Tokens {
		return noReply("CANNOT", "Unsupported authentication mechanism"), nil
	}
	sasl, res, err := auth.NewSASLServer(ctx, mech, s.guard)
	if err != nil {
		return noReply("CANNOT", "Unsupported authentication mechanism"), nil
	}

	var response []byte
	if len(cmd.args) == 2 {
		ir, _ := cmd.args[1].astring()
		if ir == "=" {
			response = []byte{}
		} else if response, err = base64.StdEncoding.DecodeString(ir); err != nil {
			return badReply("Invalid base64 in initial response"), nil
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
			return badReply("Malformed SASL response"), nil
		}
		if done {
			return s.login(ctx, res.Principal), nil
		}

		s.writer.WriteString("+ " + base64.StdEncoding.EncodeToString(challenge) + "\r\n")
		if err := s.writer.Flush(); err != nil {
			return reply{}, err
		}
		server.SetIdleDeadline(s.conn, s.srv.opts.IdleTimeout)
		line, err := server.ReadLine(s.reader, maxLineLength)
		if err != nil {
			return reply{}, err
		}
		if line == "*" {
			return badReply("Authentication cancelled"), nil
		}
		if response, err = base64.StdEncoding.DecodeString(line); err != nil {
			return badReply("Invalid base64 in SASL response"), nil
		}
	}
}

// authFailed maps an authentication error to a reply. ErrLockedOut closes
// the connection.
func (s *session) authFailed(err error) (reply, error) {
	switch {
	case errors.Is(err, auth.ErrLockedOut):
		s.Log("locked out")
		s.untagged("BYE Too many failed attempts")
		s.state = stateLogout
		return noReply("AUTHENTICATIONFAILED", "Too many failed attempts"), errCloseSession
	case errors.Is(err, auth.ErrUnavailable):
		s.WarnLog("authentication backend unavailable: %v", err)
		return noReply("UNAVAILABLE", "Authentication temporarily unavailable"), nil
	default:
		s.Log("authentication failed: %v", err)
		return noReply("AUTHENTICATIONFAILED", "Invalid credentials"), nil
	}
}

func (s *session) login(ctx context.Context, p auth.Principal) reply {
	s.owner = p.Address
	s.User = p.Address
	s.state = stateAuthenticated
	if err := s.srv.store.EnsureDefaults(ctx, s.owner); err != nil {
		s.WarnLog("cannot create default mailboxes for %s: %v", s.owner, err)
	}
	authCount := s.srv.authenticatedConnections.Add(1)
	s.Log("authenticated (method=%s, authenticated=%d)", p.Method, authCount)
	return okReply("CAPABILITY "+strings.Join(s.capabilities(), " "), "Logged in")
}
