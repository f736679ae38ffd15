package pop3

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/trove/auth"
	"github.com/migadu/trove/config"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testUser = "alice@example.com"

type testEnv struct {
	store   *store.Store
	backend *store.MemoryBackend
	srv     *Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	src := auth.NewStaticSource([]config.StaticUser{
		{Identity: testUser, PasswordHash: string(hash)},
		{Identity: "bob@example.com", PasswordHash: string(hash)},
	})

	backend := store.NewMemoryBackend()
	st := store.New(backend, store.NewMemoryBlobStore(), store.Options{})
	if opts.Hostname == "" {
		opts.Hostname = "pop.example.com"
	}
	if opts.LockoutThreshold == 0 {
		opts.LockoutThreshold = 3
	}
	return &testEnv{store: st, backend: backend, srv: New("test", st, auth.NewBridge(src, nil), opts)}
}

func (e *testEnv) deliver(t *testing.T, owner, raw string) imap.UID {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.EnsureDefaults(ctx, owner))
	mbox, err := e.store.GetMailbox(ctx, owner, consts.MailboxInbox)
	require.NoError(t, err)
	uid, err := mbox.Append(ctx, []byte(raw), nil, time.Now())
	require.NoError(t, err)
	return uid
}

// dial starts a session over net.Pipe and returns the client side after
// consuming the greeting. done is closed when the session ends.
func (e *testEnv) dial(t *testing.T) (c *textproto.Conn, done chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done = make(chan struct{})
	go func() {
		defer close(done)
		e.srv.Handle(ctx, server)
		server.Close()
	}()
	t.Cleanup(func() {
		cancel()
		client.Close()
		<-done
	})

	c = textproto.NewConn(client)
	greeting, err := c.ReadLine()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(greeting, "+OK pop.example.com"), greeting)
	return c, done
}

func cmd(t *testing.T, c *textproto.Conn, format string, args ...any) string {
	t.Helper()
	require.NoError(t, c.PrintfLine(format, args...))
	line, err := c.ReadLine()
	require.NoError(t, err)
	return line
}

func multi(t *testing.T, c *textproto.Conn, format string, args ...any) (string, []string) {
	t.Helper()
	status := cmd(t, c, format, args...)
	require.True(t, strings.HasPrefix(status, "+OK"), status)
	lines, err := c.ReadDotLines()
	require.NoError(t, err)
	return status, lines
}

func login(t *testing.T, c *textproto.Conn, user string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(cmd(t, c, "USER %s", user), "+OK"))
	return cmd(t, c, "PASS secret")
}

const (
	msg1 = "Subject: one\r\n\r\nfirst body\r\n"
	msg2 = "Subject: two\r\n\r\n.hidden line\r\nsecond body\r\n"
	msg3 = "Subject: three\r\n\r\nthird\r\nbody\r\nlines\r\n"
)

func TestAuthorizationState(t *testing.T) {
	env := newTestEnv(t, Options{})
	c, _ := env.dial(t)

	_, capa := multi(t, c, "CAPA")
	assert.Contains(t, capa, "USER")
	assert.Contains(t, capa, "SASL PLAIN LOGIN")
	assert.NotContains(t, capa, "STLS", "no certificate configured")

	assert.True(t, strings.HasPrefix(cmd(t, c, "STAT"), "-ERR STAT not valid in the AUTHORIZATION state"))
	assert.True(t, strings.HasPrefix(cmd(t, c, "PASS secret"), "-ERR Must provide USER first"))
	assert.True(t, strings.HasPrefix(cmd(t, c, "QUIT"), "+OK"))
}

func TestTransaction(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.deliver(t, testUser, msg1)
	uid2 := env.deliver(t, testUser, msg2)
	env.deliver(t, testUser, msg3)
	c, done := env.dial(t)

	assert.Equal(t, "+OK Maildrop has 3 messages (109 octets)", login(t, c, testUser))
	assert.Equal(t, "+OK 3 109", cmd(t, c, "STAT"))

	_, list := multi(t, c, "LIST")
	assert.Equal(t, []string{"1 28", "2 43", "3 38"}, list)
	assert.Equal(t, "+OK 2 43", cmd(t, c, "LIST 2"))

	_, uidl := multi(t, c, "UIDL")
	require.Len(t, uidl, 3)
	assert.True(t, strings.HasPrefix(uidl[1], "2 "))

	status, body := multi(t, c, "RETR 2")
	assert.Equal(t, "+OK 43 octets", status)
	assert.Equal(t, []string{"Subject: two", "", ".hidden line", "second body"}, body, "dot-stuffing round-trips")

	_, top := multi(t, c, "TOP 3 1")
	assert.Equal(t, []string{"Subject: three", "", "third"}, top)

	assert.Equal(t, "+OK Message 2 deleted", cmd(t, c, "DELE 2"))
	assert.True(t, strings.HasPrefix(cmd(t, c, "RETR 2"), "-ERR Message already deleted"))
	assert.True(t, strings.HasPrefix(cmd(t, c, "DELE 2"), "-ERR"))
	assert.Equal(t, "+OK 2 66", cmd(t, c, "STAT"))
	_, list = multi(t, c, "LIST")
	assert.Len(t, list, 2)
	assert.True(t, strings.HasPrefix(list[1], "3 "), "numbers are stable after DELE")

	assert.True(t, strings.HasPrefix(cmd(t, c, "RSET"), "+OK Maildrop has 3 messages"))
	assert.True(t, strings.HasPrefix(cmd(t, c, "DELE 1"), "+OK"))
	assert.True(t, strings.HasPrefix(cmd(t, c, "RETR 9"), "-ERR No such message"))

	assert.True(t, strings.HasPrefix(cmd(t, c, "QUIT"), "+OK"))
	<-done

	mbox, err := env.store.GetMailbox(context.Background(), testUser, consts.MailboxInbox)
	require.NoError(t, err)
	snap, err := mbox.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 2, snap.Len(), "UPDATE removed message 1")
	assert.Equal(t, uid2, snap.Messages[0].UID)
	assert.True(t, snap.Messages[0].HasFlag(imap.FlagSeen), "RETR marks \\Seen")
	assert.False(t, snap.Messages[1].HasFlag(imap.FlagSeen), "TOP does not")
}

func TestDisconnectDiscardsDeletions(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.deliver(t, testUser, msg1)
	c, done := env.dial(t)

	require.True(t, strings.HasPrefix(login(t, c, testUser), "+OK"))
	require.True(t, strings.HasPrefix(cmd(t, c, "DELE 1"), "+OK"))
	c.Close()
	<-done

	mbox, err := env.store.GetMailbox(context.Background(), testUser, consts.MailboxInbox)
	require.NoError(t, err)
	st, err := mbox.Status()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), st.Messages)

	// The maildrop lock is released with the session.
	c2, _ := env.dial(t)
	assert.True(t, strings.HasPrefix(login(t, c2, testUser), "+OK"))
}

func TestUpdateFailureKeepsMessages(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.deliver(t, testUser, msg1)
	env.deliver(t, testUser, msg2)
	env.deliver(t, testUser, msg3)
	c, done := env.dial(t)

	require.True(t, strings.HasPrefix(login(t, c, testUser), "+OK"))
	require.True(t, strings.HasPrefix(cmd(t, c, "DELE 1"), "+OK"))
	require.True(t, strings.HasPrefix(cmd(t, c, "DELE 2"), "+OK"))
	env.backend.FailNext(errors.New("connection refused"))
	assert.True(t, strings.HasPrefix(cmd(t, c, "QUIT"), "-ERR [SYS/TEMP]"))
	<-done

	c2, _ := env.dial(t)
	require.True(t, strings.HasPrefix(login(t, c2, testUser), "+OK"))
	assert.True(t, strings.HasPrefix(cmd(t, c2, "STAT"), "+OK 3 "))
	_, lines := multi(t, c2, "RETR 1")
	assert.Equal(t, []string{"Subject: one", "", "first body"}, lines)
}

func TestMaildropInUse(t *testing.T) {
	env := newTestEnv(t, Options{})
	first, _ := env.dial(t)
	require.True(t, strings.HasPrefix(login(t, first, testUser), "+OK"))

	second, _ := env.dial(t)
	assert.True(t, strings.HasPrefix(login(t, second, testUser), "-ERR [IN-USE]"))
	assert.True(t, strings.HasPrefix(login(t, second, "bob@example.com"), "+OK"), "other accounts are not affected")
}

func TestMessagesArrivingLaterAreNotVisible(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.deliver(t, testUser, msg1)
	c, _ := env.dial(t)
	require.True(t, strings.HasPrefix(login(t, c, testUser), "+OK"))

	env.deliver(t, testUser, msg2)
	assert.Equal(t, "+OK 1 28", cmd(t, c, "STAT"))
}

func TestInvalidPasswordAndLockout(t *testing.T) {
	env := newTestEnv(t, Options{LockoutThreshold: 2, MaxErrors: 10})
	c, done := env.dial(t)

	require.True(t, strings.HasPrefix(cmd(t, c, "USER %s", testUser), "+OK"))
	assert.Equal(t, "-ERR [AUTH] Authentication failed", cmd(t, c, "PASS wrong"))

	require.True(t, strings.HasPrefix(cmd(t, c, "USER %s", testUser), "+OK"))
	assert.Equal(t, "-ERR [AUTH] Too many failed attempts", cmd(t, c, "PASS wrong"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed after lockout")
	}
}

func TestAuthPlain(t *testing.T) {
	env := newTestEnv(t, Options{})
	ir := base64.StdEncoding.EncodeToString([]byte("\x00" + testUser + "\x00secret"))

	c, _ := env.dial(t)
	assert.True(t, strings.HasPrefix(cmd(t, c, "AUTH PLAIN %s", ir), "+OK Maildrop"))

	c2, _ := env.dial(t)
	assert.Equal(t, "+ ", cmd(t, c2, "AUTH PLAIN"))
	assert.True(t, strings.HasPrefix(cmd(t, c2, "%s", base64.StdEncoding.EncodeToString([]byte("\x00bob@example.com\x00secret"))), "+OK"))

	c3, _ := env.dial(t)
	assert.Equal(t, "+ ", cmd(t, c3, "AUTH PLAIN"))
	assert.True(t, strings.HasPrefix(cmd(t, c3, "*"), "-ERR Authentication cancelled"))
	assert.True(t, strings.HasPrefix(cmd(t, c3, "AUTH CRAM-MD5"), "-ERR Unsupported"))
}

func TestAuthLogin(t *testing.T) {
	env := newTestEnv(t, Options{})
	c, _ := env.dial(t)

	assert.Equal(t, "+ "+base64.StdEncoding.EncodeToString([]byte("Username:")), cmd(t, c, "AUTH LOGIN"))
	assert.Equal(t, "+ "+base64.StdEncoding.EncodeToString([]byte("Password:")),
		cmd(t, c, "%s", base64.StdEncoding.EncodeToString([]byte(testUser))))
	assert.True(t, strings.HasPrefix(cmd(t, c, "%s", base64.StdEncoding.EncodeToString([]byte("secret"))), "+OK"))
}

func TestTooManyErrors(t *testing.T) {
	env := newTestEnv(t, Options{MaxErrors: 2})
	c, done := env.dial(t)

	assert.True(t, strings.HasPrefix(cmd(t, c, "BOGUS"), "-ERR Unknown command"))
	assert.True(t, strings.HasPrefix(cmd(t, c, "BOGUS"), "-ERR Unknown command"))
	assert.Equal(t, "-ERR Too many errors, closing connection", cmd(t, c, "BOGUS"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed")
	}
}

func TestRequireTLSForAuth(t *testing.T) {
	env := newTestEnv(t, Options{RequireTLSForAuth: true})
	c, _ := env.dial(t)

	_, capa := multi(t, c, "CAPA")
	assert.NotContains(t, capa, "USER")
	assert.True(t, strings.HasPrefix(cmd(t, c, "USER %s", testUser), "-ERR [AUTH]"))
	assert.True(t, strings.HasPrefix(cmd(t, c, "STLS"), "-ERR STLS not available"))
}

func TestIdleTimeout(t *testing.T) {
	env := newTestEnv(t, Options{IdleTimeout: 50 * time.Millisecond})
	c, done := env.dial(t)

	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "-ERR Connection timed out due to inactivity", line)
	<-done
}
