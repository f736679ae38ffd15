package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/trove/auth"
	"github.com/migadu/trove/server"
	"github.com/migadu/trove/store"
)

func (s *session) authAllowed() bool {
	return s.tls || !s.srv.opts.RequireTLSForAuth
}

func (s *session) handleCapa(ctx context.Context, cmd command) error {
	lines := []string{"TOP", "UIDL", "RESP-CODES", "AUTH-RESP-CODE"}
	if s.state == stateAuthorization {
		if s.authAllowed() {
			lines = append(lines, "USER", "SASL "+strings.Join(auth.Mechanisms(s.srv.opts.Tokens), " "))
		}
		if s.srv.opts.TLSConfig != nil && !s.tls {
			lines = append(lines, "STLS")
		}
	}
	lines = append(lines, "IMPLEMENTATION trove")
	s.ok("Capability list follows")
	return writeLines(s.writer, lines)
}

func (s *session) handleUser(ctx context.Context, cmd command) error {
	if !s.authAllowed() {
		s.err("[AUTH] Authentication requires TLS, use STLS first")
		return nil
	}
	if len(cmd.args) != 1 {
		return s.clientErrorClose(ctx, "USER requires exactly one argument")
	}
	s.username = server.UnquoteString(cmd.args[0])
	s.ok("User accepted")
	return nil
}

func (s *session) handlePass(ctx context.Context, cmd command) error {
	if !s.authAllowed() {
		s.err("[AUTH] Authentication requires TLS, use STLS first")
		return nil
	}
	if s.username == "" {
		return s.clientErrorClose(ctx, "Must provide USER first")
	}
	if cmd.rest == "" {
		return s.clientErrorClose(ctx, "PASS requires a password")
	}
	username := s.username
	s.username = ""
	password := server.UnquoteString(cmd.rest)

	s.Log("authentication attempt for %s", username)
	p, err := s.guard.Authenticate(ctx, func(ctx context.Context, v auth.Verifier) (auth.Principal, error) {
		return v.VerifyPassword(ctx, username, password)
	})
	if err != nil {
		return s.authFailed(ctx, err)
	}
	return s.login(ctx, p)
}

// handleAuth implements RFC 5034 SASL authentication.
func (s *session) handleAuth(ctx context.Context, cmd command) error {
	if !s.authAllowed() {
		s.err("[AUTH] Authentication requires TLS, use STLS first")
		return nil
	}
	if len(cmd.args) == 0 {
		s.ok("")
		return writeLines(s.writer, auth.Mechanisms(s.srv.opts.Tokens))
	}
	if len(cmd.args) > 2 {
		return s.clientErrorClose(ctx, "Invalid AUTH arguments")
	}
	mech := strings.ToUpper(cmd.args[0])
	if mech == auth.MechanismOAuthBearer && !s.srv.opts.Tokens {
		return s.clientErrorClose(ctx, "Unsupported authentication mechanism")
	}
	sasl, res, err := auth.NewSASLServer(ctx, mech, s.guard)
	if err != nil {
		return s.clientErrorClose(ctx, "Unsupported authentication mechanism")
	}

	var response []byte
	if len(cmd.args) == 2 {
		if cmd.args[1] == "=" {
			response = []byte{}
		} else if response, err = base64.StdEncoding.DecodeString(cmd.args[1]); err != nil {
			return s.clientErrorClose(ctx, "Invalid base64 in initial response")
		}
	}

	for {
		challenge, done, nerr := sasl.Next(response)
		if res.Attempted && res.Err != nil && (done || nerr != nil) {
			return s.authFailed(ctx, res.Err)
		}
		if nerr != nil {
			if res.Attempted {
				return s.authFailed(ctx, nerr)
			}
			return s.clientErrorClose(ctx, "Malformed SASL response")
		}
		if done {
			return s.login(ctx, res.Principal)
		}

		s.writer.WriteString("+ " + base64.StdEncoding.EncodeToString(challenge) + "\r\n")
		if err := s.writer.Flush(); err != nil {
			return err
		}
		server.SetIdleDeadline(s.conn, s.srv.opts.IdleTimeout)
		line, err := server.ReadLine(s.reader, maxLineLength)
		if err != nil {
			return err
		}
		if line == "*" {
			return s.clientErrorClose(ctx, "Authentication cancelled")
		}
		if response, err = base64.StdEncoding.DecodeString(line); err != nil {
			return s.clientErrorClose(ctx, "Invalid base64 in SASL response")
		}
	}
}

// authFailed maps an authentication error to a reply. ErrLockedOut closes
// the connection.
func (s *session) authFailed(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, auth.ErrLockedOut):
		s.err("[AUTH] Too many failed attempts")
		s.Log("locked out")
		return errCloseSession
	case errors.Is(err, auth.ErrUnavailable):
		s.WarnLog("authentication backend unavailable: %v", err)
		s.err("[SYS/TEMP] Authentication temporarily unavailable")
		return nil
	default:
		s.Log("authentication failed: %v", err)
		s.err("[AUTH] Authentication failed")
		return nil
	}
}

// login enters the TRANSACTION state: it locks the maildrop and takes the
// snapshot that fixes message numbers for the rest of the session.
func (s *session) login(ctx context.Context, p auth.Principal) error {
	owner := p.Address
	if !s.srv.lock(owner) {
		s.Log("maildrop of %s already in use", owner)
		s.err("[IN-USE] Maildrop already locked by another session")
		return nil
	}

	mbox, err := s.srv.openMaildrop(ctx, owner)
	if err != nil {
		s.srv.unlock(owner)
		s.WarnLog("cannot open maildrop of %s: %v", owner, err)
		s.err("[SYS/TEMP] Unable to open maildrop")
		return nil
	}
	snap, err := mbox.Snapshot()
	if err != nil {
		s.srv.unlock(owner)
		s.WarnLog("cannot snapshot maildrop of %s: %v", owner, err)
		s.err("[SYS/TEMP] Unable to open maildrop")
		return nil
	}

	s.owner = owner
	s.mailbox = mbox
	s.uidValidity = snap.UIDValidity
	s.messages = snap.Messages
	s.deleted = make(map[int]bool)
	s.User = owner
	s.state = stateTransaction

	authCount := s.srv.authenticatedConnections.Add(1)
	s.Log("authenticated (method=%s, messages=%d, authenticated=%d)", p.Method, len(s.messages), authCount)

	count, size := visibleStats(s.messages, s.deleted)
	s.ok("Maildrop has %d messages (%d octets)", count, size)
	return nil
}

// handleStls upgrades the connection (RFC 2595). Any USER given before is
// forgotten.
func (s *session) handleStls(ctx context.Context, cmd command) error {
	if s.srv.opts.TLSConfig == nil {
		s.err("STLS not available")
		return nil
	}
	if s.tls {
		s.err("Already using TLS")
		return nil
	}
	s.ok("Begin TLS negotiation")
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

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tls = true
	s.username = ""
	s.Log("TLS established")
	return nil
}

func (s *session) handleQuit(ctx context.Context, cmd command) error {
	if s.state != stateTransaction {
		s.ok("%s POP3 server signing off", s.srv.opts.Hostname)
		s.state = stateClosed
		return errCloseSession
	}

	s.state = stateUpdate
	var uids []imap.UID
	for i := range s.messages {
		if s.deleted[i] {
			uids = append(uids, s.messages[i].UID)
		}
	}
	if len(uids) > 0 {
		removed, err := s.mailbox.ExpungeUIDs(ctx, uids)
		if err != nil {
			s.WarnLog("UPDATE failed, no messages removed: %v", err)
			s.err("[SYS/TEMP] Some deleted messages not removed")
			s.state = stateClosed
			return errCloseSession
		}
		s.Log("removed %d messages", len(removed))
	}

	s.state = stateClosed
	count, _ := visibleStats(s.messages, s.deleted)
	s.ok("%s POP3 server signing off (%d messages left)", s.srv.opts.Hostname, count)
	return errCloseSession
}

func (s *session) handleStat(ctx context.Context, cmd command) error {
	count, size := visibleStats(s.messages, s.deleted)
	s.ok("%d %d", count, size)
	return nil
}

func (s *session) handleList(ctx context.Context, cmd command) error {
	if len(cmd.args) > 0 {
		n, msg, problem := s.message(cmd.args[0])
		if problem != "" {
			return s.clientErrorClose(ctx, problem)
		}
		s.ok("%d %d", n, msg.Size)
		return nil
	}
	count, size := visibleStats(s.messages, s.deleted)
	s.ok("%d messages (%d octets)", count, size)
	return writeLines(s.writer, buildListResponseLines(s.messages, s.deleted))
}

func (s *session) handleUidl(ctx context.Context, cmd command) error {
	if len(cmd.args) > 0 {
		n, msg, problem := s.message(cmd.args[0])
		if problem != "" {
			return s.clientErrorClose(ctx, problem)
		}
		s.ok("%d %s", n, uniqueID(s.uidValidity, msg))
		return nil
	}
	s.ok("Unique-ID listing follows")
	return writeLines(s.writer, buildUIDLResponseLines(s.messages, s.deleted, s.uidValidity))
}

func (s *session) content(ctx context.Context, msg store.Message) ([]byte, bool) {
	data, err := s.srv.store.Content(ctx, s.owner, msg)
	if err != nil {
		s.WarnLog("cannot read message UID %d: %v", msg.UID, err)
		s.err("[SYS/TEMP] Message not available")
		return nil, false
	}
	return data, true
}

func (s *session) handleRetr(ctx context.Context, cmd command) error {
	if len(cmd.args) != 1 {
		return s.clientErrorClose(ctx, "RETR requires a message number")
	}
	_, msg, problem := s.message(cmd.args[0])
	if problem != "" {
		return s.clientErrorClose(ctx, problem)
	}
	data, ok := s.content(ctx, msg)
	if !ok {
		return nil
	}

	s.ok("%d octets", msg.Size)
	if err := writeMultiline(s.writer, data); err != nil {
		return err
	}
	if !msg.HasFlag(imap.FlagSeen) {
		if _, err := s.mailbox.UpdateFlags(ctx, msg.UID, imap.StoreFlagsAdd, []imap.Flag{imap.FlagSeen}); err != nil {
			s.WarnLog("could not mark UID %d seen: %v", msg.UID, err)
		}
	}
	s.DebugLog("retrieved message UID %d", msg.UID)
	return nil
}

func (s *session) handleTop(ctx context.Context, cmd command) error {
	if len(cmd.args) != 2 {
		return s.clientErrorClose(ctx, "TOP requires a message number and a line count")
	}
	_, msg, problem := s.message(cmd.args[0])
	if problem != "" {
		return s.clientErrorClose(ctx, problem)
	}
	lines, err := strconv.Atoi(cmd.args[1])
	if err != nil || lines < 0 {
		return s.clientErrorClose(ctx, "Invalid line count")
	}
	data, ok := s.content(ctx, msg)
	if !ok {
		return nil
	}
	s.ok("Top of message follows")
	return writeMultiline(s.writer, topOfMessage(data, lines))
}

func (s *session) handleDele(ctx context.Context, cmd command) error {
	if len(cmd.args) != 1 {
		return s.clientErrorClose(ctx, "DELE requires a message number")
	}
	n, msg, problem := s.message(cmd.args[0])
	if problem != "" {
		return s.clientErrorClose(ctx, problem)
	}
	s.deleted[n-1] = true
	s.DebugLog("marked UID %d for deletion", msg.UID)
	s.ok("Message %d deleted", n)
	return nil
}

func (s *session) handleRset(ctx context.Context, cmd command) error {
	s.deleted = make(map[int]bool)
	count, size := visibleStats(s.messages, s.deleted)
	s.ok("Maildrop has %d messages (%d octets)", count, size)
	return nil
}

func (s *session) handleNoop(ctx context.Context, cmd command) error {
	s.ok("")
	return nil
}
