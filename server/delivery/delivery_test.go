package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	users map[string]bool
	err   error
}

func (d *fakeDirectory) UserExists(_ context.Context, address string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	return d.users[address], nil
}

type queued struct {
	from, to, kind string
	body           []byte
}

type fakeQueue struct {
	mu    sync.Mutex
	items []queued
	err   error
}

func (q *fakeQueue) Enqueue(from, to, kind string, body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.items = append(q.items, queued{from, to, kind, body})
	return "q" + string(rune('0'+len(q.items))), nil
}

const testMessage = "From: Sender <sender@remote.test>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: hello\r\n" +
	"Message-ID: <m1@remote.test>\r\n" +
	"\r\n" +
	"Hi there.\r\n"

func newTestPipeline(t *testing.T, opts Options) (*Pipeline, *store.Store, *fakeDirectory, *fakeQueue) {
	t.Helper()
	st := store.New(store.NewMemoryBackend(), store.NewMemoryBlobStore(), store.Options{})
	dir := &fakeDirectory{users: map[string]bool{"alice@example.com": true, "bob@example.com": true}}
	q := &fakeQueue{}
	if opts.LocalDomains == nil {
		opts.LocalDomains = []string{"example.com"}
	}
	opts.Hostname = "mx.example.com"
	opts.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return NewPipeline(st, dir, q, opts), st, dir, q
}

func inbox(t *testing.T, st *store.Store, owner string) *store.Snapshot {
	t.Helper()
	mbox, err := st.GetMailbox(context.Background(), owner, consts.MailboxInbox)
	require.NoError(t, err)
	snap, err := mbox.Snapshot()
	require.NoError(t, err)
	return snap
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	p, _, dir, _ := newTestPipeline(t, Options{})
	anon := RelayContext{}
	authed := RelayContext{Authenticated: true, Principal: "alice@example.com"}

	tests := []struct {
		name        string
		rc          RelayContext
		addr        string
		disposition Disposition
		code        int
	}{
		{"local user", anon, "alice@example.com", DispositionPending, 250},
		{"local user with detail", anon, "Alice+news@Example.COM", DispositionPending, 250},
		{"unknown local user", anon, "nobody@example.com", DispositionRejected, 550},
		{"foreign unauthenticated", anon, "carol@remote.test", DispositionRejected, 554},
		{"foreign anonymous", RelayContext{Authenticated: true, Principal: "anonymous"}, "carol@remote.test", DispositionRejected, 554},
		{"foreign authenticated", authed, "carol@remote.test", DispositionPending, 250},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rcpt, err := p.Resolve(ctx, tt.rc, tt.addr)
			require.NoError(t, err)
			assert.Equal(t, tt.disposition, rcpt.Disposition)
			assert.Equal(t, tt.code, rcpt.Reply.Code)
		})
	}

	t.Run("detail address maps to owner", func(t *testing.T) {
		rcpt, err := p.Resolve(ctx, anon, "Alice+news@Example.COM")
		require.NoError(t, err)
		assert.True(t, rcpt.Local)
		assert.Equal(t, "alice@example.com", rcpt.Owner)
		assert.Equal(t, "alice+news@example.com", rcpt.Address)
	})

	t.Run("bad syntax", func(t *testing.T) {
		_, err := p.Resolve(ctx, anon, "not an address")
		assert.ErrorIs(t, err, ErrBadAddress)
	})

	t.Run("directory outage defers", func(t *testing.T) {
		dir.err = errors.New("connection refused")
		defer func() { dir.err = nil }()
		rcpt, err := p.Resolve(ctx, anon, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, DispositionDeferred, rcpt.Disposition)
		assert.Equal(t, "451 4.3.0 Recipient lookup temporarily unavailable", rcpt.Reply.String())
	})
}

func TestRelayPolicyByName(t *testing.T) {
	p, err := PolicyByName("authenticated")
	require.NoError(t, err)
	assert.True(t, p(RelayContext{Authenticated: true, Principal: "a@b.c"}, "x@y.z"))

	p, err = PolicyByName("none")
	require.NoError(t, err)
	assert.False(t, p(RelayContext{Authenticated: true, Principal: "a@b.c"}, "x@y.z"))

	_, err = PolicyByName("open")
	assert.Error(t, err)
}

func TestDeliverPerRecipient(t *testing.T) {
	ctx := context.Background()
	p, st, _, q := newTestPipeline(t, Options{})
	rc := RelayContext{Authenticated: true, Principal: "alice@example.com"}

	env := NewEnvelope("Sender@Remote.test")
	env.Body = []byte(testMessage)
	env.RemoteIP = "192.0.2.1"
	env.Helo = "client.remote.test"
	for _, addr := range []string{"alice@example.com", "nobody@example.com", "carol@remote.test"} {
		rcpt, err := p.Resolve(ctx, rc, addr)
		require.NoError(t, err)
		env.Recipients = append(env.Recipients, rcpt)
	}

	results := p.Deliver(ctx, env)
	require.Len(t, results, 3)

	assert.Equal(t, DispositionDelivered, results["alice@example.com"].Disposition)
	assert.Equal(t, consts.MailboxInbox, results["alice@example.com"].Mailbox)
	assert.Equal(t, DispositionRejected, results["nobody@example.com"].Disposition)
	assert.Equal(t, DispositionRelayQueued, results["carol@remote.test"].Disposition)
	assert.NotEmpty(t, results["carol@remote.test"].QueueID)

	snap := inbox(t, st, "alice@example.com")
	require.Equal(t, 1, snap.Len())
	raw, err := st.Content(ctx, "alice@example.com", snap.Messages[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "Received: from client.remote.test (192.0.2.1)\r\n\tby mx.example.com with ESMTP id "))
	assert.True(t, strings.HasSuffix(string(raw), testMessage), "original content follows the trace header")

	require.Len(t, q.items, 1)
	assert.Equal(t, "sender@remote.test", q.items[0].from)
	assert.Equal(t, "carol@remote.test", q.items[0].to)
	assert.Equal(t, KindRelay, q.items[0].kind)
}

func TestDeliverSkipsRefusedRecipients(t *testing.T) {
	ctx := context.Background()
	p, st, _, q := newTestPipeline(t, Options{})

	env := NewEnvelope("sender@remote.test")
	env.Body = []byte(testMessage)
	for _, addr := range []string{"nobody@example.com", "carol@remote.test", "alice@example.com"} {
		rcpt, err := p.Resolve(ctx, RelayContext{}, addr)
		require.NoError(t, err)
		env.Recipients = append(env.Recipients, rcpt)
	}
	require.Len(t, env.Accepted(), 1)

	results := p.Deliver(ctx, env)
	assert.Equal(t, DispositionRejected, env.Recipients[0].Disposition)
	assert.Equal(t, 550, results["nobody@example.com"].Reply.Code)
	assert.Equal(t, DispositionRejected, env.Recipients[1].Disposition)
	assert.Equal(t, 554, results["carol@remote.test"].Reply.Code)
	assert.Equal(t, DispositionDelivered, env.Recipients[2].Disposition)
	assert.Empty(t, q.items, "refused foreign recipient is never queued")

	snap := inbox(t, st, "alice@example.com")
	require.Equal(t, 1, snap.Len())
	raw, err := st.Content(ctx, "alice@example.com", snap.Messages[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\tfor <alice@example.com>;")
}

func TestDeliverOneCopyPerOwner(t *testing.T) {
	ctx := context.Background()
	p, st, _, _ := newTestPipeline(t, Options{})

	env := NewEnvelope("sender@remote.test")
	env.Body = []byte(testMessage)
	for _, addr := range []string{"alice@example.com", "alice+lists@example.com"} {
		rcpt, err := p.Resolve(ctx, RelayContext{}, addr)
		require.NoError(t, err)
		env.Recipients = append(env.Recipients, rcpt)
	}

	results := p.Deliver(ctx, env)
	assert.Equal(t, DispositionDelivered, results["alice@example.com"].Disposition)
	assert.Equal(t, DispositionDelivered, results["alice+lists@example.com"].Disposition)
	assert.Equal(t, 1, inbox(t, st, "alice@example.com").Len())
}

func TestDeliverQuotaDefers(t *testing.T) {
	ctx := context.Background()
	st := store.New(store.NewMemoryBackend(), store.NewMemoryBlobStore(), store.Options{QuotaBytes: 64})
	dir := &fakeDirectory{users: map[string]bool{"alice@example.com": true, "bob@example.com": true}}
	p := NewPipeline(st, dir, nil, Options{LocalDomains: []string{"example.com"}})
	require.NoError(t, st.EnsureDefaults(ctx, "bob@example.com"))

	env := NewEnvelope("sender@remote.test")
	env.Body = []byte(testMessage)
	for _, addr := range []string{"alice@example.com", "bob@example.com"} {
		rcpt, err := p.Resolve(ctx, RelayContext{}, addr)
		require.NoError(t, err)
		env.Recipients = append(env.Recipients, rcpt)
	}

	results := p.Deliver(ctx, env)
	for _, addr := range []string{"alice@example.com", "bob@example.com"} {
		assert.Equal(t, DispositionDeferred, results[addr].Disposition)
		assert.Equal(t, 452, results[addr].Reply.Code)
	}
	assert.Equal(t, 0, inbox(t, st, "alice@example.com").Len())
}

func TestDeliverQueueFailureDefers(t *testing.T) {
	ctx := context.Background()
	p, _, _, q := newTestPipeline(t, Options{})
	q.err = errors.New("disk full")

	env := NewEnvelope("alice@example.com")
	env.Body = []byte(testMessage)
	rcpt, err := p.Resolve(ctx, RelayContext{Authenticated: true, Principal: "alice@example.com"}, "carol@remote.test")
	require.NoError(t, err)
	env.Recipients = append(env.Recipients, rcpt)

	results := p.Deliver(ctx, env)
	assert.Equal(t, DispositionDeferred, results["carol@remote.test"].Disposition)
	assert.Equal(t, DispositionDeferred, rcpt.Disposition)
}

func TestForeignRecipientRefusedWithoutQueue(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), store.NewMemoryBlobStore(), store.Options{})
	p := NewPipeline(st, &fakeDirectory{}, nil, Options{LocalDomains: []string{"example.com"}})
	rcpt, err := p.Resolve(context.Background(), RelayContext{Authenticated: true, Principal: "a@example.com"}, "carol@remote.test")
	require.NoError(t, err)
	assert.Equal(t, DispositionRejected, rcpt.Disposition)
}

func TestSieveFileinto(t *testing.T) {
	ctx := context.Background()
	filter, err := LoadSieveFilter(strings.NewReader(`require ["fileinto"];
if header :contains "Subject" "archive me" {
	fileinto "Archive";
} elsif header :contains "Subject" "lists" {
	fileinto "Lists";
}
`))
	require.NoError(t, err)
	p, st, _, _ := newTestPipeline(t, Options{Sieve: filter})

	deliver := func(subject string) Result {
		env := NewEnvelope("sender@remote.test")
		env.Body = []byte(strings.Replace(testMessage, "Subject: hello", "Subject: "+subject, 1))
		rcpt, err := p.Resolve(ctx, RelayContext{}, "alice@example.com")
		require.NoError(t, err)
		env.Recipients = []*Recipient{rcpt}
		return p.Deliver(ctx, env)["alice@example.com"]
	}

	res := deliver("please archive me")
	assert.Equal(t, DispositionDelivered, res.Disposition)
	assert.Equal(t, consts.MailboxArchive, res.Mailbox)

	res = deliver("mailing lists digest")
	assert.Equal(t, DispositionDelivered, res.Disposition)
	assert.Equal(t, consts.MailboxInbox, res.Mailbox, "missing fileinto target falls back to INBOX")

	res = deliver("plain")
	assert.Equal(t, consts.MailboxInbox, res.Mailbox)

	assert.Equal(t, 2, inbox(t, st, "alice@example.com").Len())
}

func TestSieveDiscard(t *testing.T) {
	ctx := context.Background()
	filter, err := LoadSieveFilter(strings.NewReader(`if header :contains "Subject" "spam" { discard; }`))
	require.NoError(t, err)
	p, st, _, _ := newTestPipeline(t, Options{Sieve: filter})

	env := NewEnvelope("sender@remote.test")
	env.Body = []byte(strings.Replace(testMessage, "Subject: hello", "Subject: spam spam", 1))
	rcpt, err := p.Resolve(ctx, RelayContext{}, "alice@example.com")
	require.NoError(t, err)
	env.Recipients = []*Recipient{rcpt}

	res := p.Deliver(ctx, env)["alice@example.com"]
	assert.Equal(t, DispositionDelivered, res.Disposition)
	assert.Equal(t, 0, inbox(t, st, "alice@example.com").Len())
}

func TestSieveRedirect(t *testing.T) {
	ctx := context.Background()
	filter, err := LoadSieveFilter(strings.NewReader(`redirect "bob@example.com";`))
	require.NoError(t, err)
	p, st, _, _ := newTestPipeline(t, Options{Sieve: filter})

	env := NewEnvelope("sender@remote.test")
	env.Body = []byte(testMessage)
	rcpt, err := p.Resolve(ctx, RelayContext{}, "alice@example.com")
	require.NoError(t, err)
	env.Recipients = []*Recipient{rcpt}

	res := p.Deliver(ctx, env)["alice@example.com"]
	assert.Equal(t, DispositionDelivered, res.Disposition)
	assert.Equal(t, 0, inbox(t, st, "alice@example.com").Len(), "redirect without :copy cancels keep")
	assert.Equal(t, 1, inbox(t, st, "bob@example.com").Len())
}

func TestReportDispositionBounces(t *testing.T) {
	ctx := context.Background()
	p, st, _, q := newTestPipeline(t, Options{})

	t.Run("local sender gets bounce in INBOX", func(t *testing.T) {
		p.ReportDisposition(ctx, DispositionReport{
			QueueID:     "abc",
			From:        "alice@example.com",
			To:          "carol@remote.test",
			Kind:        KindRelay,
			Disposition: DispositionBounced,
			Detail:      "550 5.1.1 mailbox unavailable",
			Original:    []byte(testMessage),
		})
		snap := inbox(t, st, "alice@example.com")
		require.Equal(t, 1, snap.Len())
		raw, err := st.Content(ctx, "alice@example.com", snap.Messages[0])
		require.NoError(t, err)
		assert.Contains(t, string(raw), bounceSubject)
		assert.Contains(t, string(raw), "Status: 5.1.1")
		assert.Contains(t, string(raw), "Message-ID: <m1@remote.test>")
	})

	t.Run("foreign sender gets bounce with null sender", func(t *testing.T) {
		p.ReportDisposition(ctx, DispositionReport{
			QueueID:     "def",
			From:        "sender@remote.test",
			To:          "carol@remote.test",
			Kind:        KindRelay,
			Disposition: DispositionBounced,
			Detail:      "timeout",
		})
		require.Len(t, q.items, 1)
		assert.Equal(t, "", q.items[0].from)
		assert.Equal(t, KindBounce, q.items[0].kind)
	})

	t.Run("no bounce for bounces or deliveries", func(t *testing.T) {
		p.ReportDisposition(ctx, DispositionReport{QueueID: "x", From: "", To: "a@remote.test", Kind: KindBounce, Disposition: DispositionBounced})
		p.ReportDisposition(ctx, DispositionReport{QueueID: "y", From: "alice@example.com", To: "a@remote.test", Kind: KindRelay, Disposition: DispositionDelivered})
		assert.Len(t, q.items, 1)
		assert.Equal(t, 1, inbox(t, st, "alice@example.com").Len())
	})
}

func TestBounceStatus(t *testing.T) {
	assert.Equal(t, "5.1.1", bounceStatus("550 5.1.1 no such user"))
	assert.Equal(t, "5.7.1", bounceStatus("permanent failure: 554 5.7.1: relay denied"))
	assert.Equal(t, "5.0.0", bounceStatus("connection refused"))
}

func TestDispositionString(t *testing.T) {
	assert.Equal(t, "relay-queued", DispositionRelayQueued.String())
	assert.Equal(t, "bounced", DispositionBounced.String())
	assert.True(t, DispositionDelivered.Accepted())
	assert.False(t, DispositionDeferred.Accepted())
}
