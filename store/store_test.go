package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/trove/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "alice@example.com"

func newTestStore(t *testing.T, opts Options) (*Store, *MemoryBackend, *MemoryBlobStore) {
	t.Helper()
	backend := NewMemoryBackend()
	blobs := NewMemoryBlobStore()
	s := New(backend, blobs, opts)
	require.NoError(t, s.EnsureDefaults(context.Background(), owner))
	return s, backend, blobs
}

func inbox(t *testing.T, s *Store) *Mailbox {
	t.Helper()
	mb, err := s.GetMailbox(context.Background(), owner, "inbox")
	require.NoError(t, err)
	return mb
}

func testMessage(n int) []byte {
	return []byte(fmt.Sprintf("From: bob@example.org\r\nSubject: message %d\r\n\r\nbody %d\r\n", n, n))
}

func appendN(t *testing.T, mb *Mailbox, n int) []imap.UID {
	t.Helper()
	uids := make([]imap.UID, n)
	for i := range n {
		uid, err := mb.Append(context.Background(), testMessage(i+1), nil, time.Time{})
		require.NoError(t, err)
		uids[i] = uid
	}
	return uids
}

func TestEnsureDefaults(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	list, err := s.ListMailboxes(context.Background(), owner)
	require.NoError(t, err)

	var names []string
	for _, info := range list {
		names = append(names, info.Name)
		assert.True(t, info.Subscribed)
	}
	assert.Equal(t, []string{"INBOX", "Archive", "Drafts", "Junk", "Sent", "Trash"}, names)
	assert.Equal(t, `\Sent`, list[4].SpecialUse)

	// Idempotent.
	require.NoError(t, s.EnsureDefaults(context.Background(), owner))
}

func TestAppendAssignsIncreasingUIDs(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	mb := inbox(t, s)

	uids := appendN(t, mb, 5)
	for i := 1; i < len(uids); i++ {
		assert.Greater(t, uids[i], uids[i-1])
	}

	_, err := mb.UpdateFlags(context.Background(), uids[4], imap.StoreFlagsAdd, []imap.Flag{imap.FlagDeleted})
	require.NoError(t, err)
	_, err = mb.Expunge(context.Background())
	require.NoError(t, err)

	next, err := mb.Append(context.Background(), testMessage(9), nil, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, uids[4]+1, next, "expunged UIDs are never reused")
}

func TestAppendThenFetchIsIdentical(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	mb := inbox(t, s)
	ctx := context.Background()

	raw := []byte("Subject: binary\r\n\r\n\x00\x01\xff trailing spaces   \r\n.\r\n")
	date := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	uid, err := mb.Append(ctx, raw, []imap.Flag{imap.FlagSeen, "$Label1", imap.FlagFlagged}, date)
	require.NoError(t, err)

	msg, err := mb.Message(uid)
	require.NoError(t, err)
	assert.Equal(t, []imap.Flag{"$Label1", imap.FlagFlagged, imap.FlagSeen}, msg.Flags)
	assert.Equal(t, date, msg.InternalDate)
	assert.Equal(t, int64(len(raw)), msg.Size)
	assert.True(t, msg.Recent)

	content, err := s.Content(ctx, owner, msg)
	require.NoError(t, err)
	assert.Equal(t, raw, content)
}

func TestAppendFailureConsumesNoUID(t *testing.T) {
	s, backend, blobs := newTestStore(t, Options{})
	mb := inbox(t, s)
	ctx := context.Background()

	first, err := mb.Append(ctx, testMessage(1), nil, time.Time{})
	require.NoError(t, err)

	backend.FailNext(errors.New("connection reset"))
	_, err = mb.Append(ctx, testMessage(2), nil, time.Time{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	snap, err := mb.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len(), "failed append is not visible")
	assert.Equal(t, first+1, snap.UIDNext)
	assert.Equal(t, 1, blobs.Len(), "content of the failed append is released")

	second, err := mb.Append(ctx, testMessage(2), nil, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
}

func TestAppendCancelledContext(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	mb := inbox(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mb.Append(ctx, testMessage(1), nil, time.Time{})
	require.Error(t, err)

	st, err := mb.Status()
	require.NoError(t, err)
	assert.Zero(t, st.Messages)
	assert.Equal(t, imap.UID(1), st.UIDNext)
}

func TestAppendLimits(t *testing.T) {
	s, _, _ := newTestStore(t, Options{QuotaBytes: 100, MaxMessageSize: 80})
	mb := inbox(t, s)
	ctx := context.Background()

	_, err := mb.Append(ctx, make([]byte, 81), nil, time.Time{})
	assert.ErrorIs(t, err, consts.ErrMessageTooLarge)

	_, err = mb.Append(ctx, make([]byte, 60), nil, time.Time{})
	require.NoError(t, err)
	_, err = mb.Append(ctx, make([]byte, 50), nil, time.Time{})
	assert.ErrorIs(t, err, consts.ErrQuotaExceeded)
	assert.False(t, IsTransient(err))

	used, err := s.Usage(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(60), used)
}

func TestAppendRejectsInvalidFlags(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	mb := inbox(t, s)
	for _, flag := range []imap.Flag{`\Bogus`, "NIL", "has space", "paren("} {
		_, err := mb.Append(context.Background(), testMessage(1), []imap.Flag{flag}, time.Time{})
		assert.ErrorIs(t, err, consts.ErrInvalidFlag, string(flag))
	}
}

func TestExpungeReportsSequenceAtRemoval(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	mb := inbox(t, s)
	ctx := context.Background()
	uids := appendN(t, mb, 5)

	for _, i := range []int{1, 2, 4} {
		_, err := mb.UpdateFlags(ctx, uids[i], imap.StoreFlagsAdd, []imap.Flag{imap.FlagDeleted})
		require.NoError(t, err)
	}

	removals, err := mb.Expunge(ctx)
	require.NoError(t, err)
	require.Len(t, removals, 3)
	assert.Equal(t, []uint32{2, 2, 3}, []uint32{removals[0].SeqNum, removals[1].SeqNum, removals[2].SeqNum})
	assert.Equal(t, []imap.UID{uids[1], uids[2], uids[4]}, []imap.UID{removals[0].UID, removals[1].UID, removals[2].UID})

	snap, err := mb.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{uids[0], uids[3]}, snap.UIDs())
	assert.Equal(t, uint32(2), snap.SeqNum(uids[3]), "survivors are densely renumbered")

	_, err = mb.Message(uids[1])
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)
}

func TestExpungeBackendFailureLeavesMailboxUnchanged(t *testing.T) {
	s, backend, _ := newTestStore(t, Options{})
	mb := inbox(t, s)
	ctx := context.Background()
	uids := appendN(t, mb, 3)

	backend.FailNext(errors.New("disk full"))
	_, err := mb.ExpungeUIDs(ctx, []imap.UID{uids[0], uids[2]})
	require.Error(t, err)

	snap, err := mb.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uids, snap.UIDs())

	removals, err := mb.ExpungeUIDs(ctx, []imap.UID{uids[0], uids[2], 999})
	require.NoError(t, err)
	assert.Len(t, removals, 2)
}

// gatedBlobStore holds Delete calls until release is closed.
type gatedBlobStore struct {
	*MemoryBlobStore
	deleting chan struct{}
	release  chan struct{}
}

func (g *gatedBlobStore) Delete(ctx context.Context, key string) error {
	close(g.deleting)
	<-g.release
	return g.MemoryBlobStore.Delete(ctx, key)
}

func TestAppendDuringBlobDeleteKeepsContent(t *testing.T) {
	blobs := &gatedBlobStore{
		MemoryBlobStore: NewMemoryBlobStore(),
		deleting:        make(chan struct{}),
		release:         make(chan struct{}),
	}
	s := New(NewMemoryBackend(), blobs, Options{})
	ctx := context.Background()
	require.NoError(t, s.EnsureDefaults(ctx, owner))
	mb := inbox(t, s)

	raw := testMessage(1)
	first, err := mb.Append(ctx, raw, []imap.Flag{imap.FlagDeleted}, time.Time{})
	require.NoError(t, err)

	expunged := make(chan error, 1)
	go func() {
		_, err := mb.Expunge(ctx)
		expunged <- err
	}()
	<-blobs.deleting

	type appendResult struct {
		uid imap.UID
		err error
	}
	appended := make(chan appendResult, 1)
	go func() {
		uid, err := mb.Append(ctx, raw, nil, time.Time{})
		appended <- appendResult{uid, err}
	}()

	select {
	case <-appended:
		t.Fatal("append of the same content finished while its blob was being deleted")
	case <-time.After(50 * time.Millisecond):
	}

	close(blobs.release)
	require.NoError(t, <-expunged)
	res := <-appended
	require.NoError(t, res.err)
	assert.Greater(t, res.uid, first)

	msg, err := mb.Message(res.uid)
	require.NoError(t, err)
	content, err := s.Content(ctx, owner, msg)
	require.NoError(t, err)
	assert.Equal(t, raw, content)
}

func TestExpungeDeletedUIDsOnlyRemovesDeleted(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	mb := inbox(t, s)
	ctx := context.Background()
	uids := appendN(t, mb, 3)

	for _, uid := range uids {
		_, err := mb.UpdateFlags(ctx, uid, imap.StoreFlagsAdd, []imap.Flag{imap.FlagDeleted})
		require.NoError(t, err)
	}
	removals, err := mb.ExpungeDeletedUIDs(ctx, []imap.UID{uids[1]})
	require.NoError(t, err)
	require.Len(t, removals, 1)
	assert.Equal(t, uids[1], removals[0].UID)
}

func TestConcurrentFlagUpdatesMerge(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	mb := inbox(t, s)
	ctx := context.Background()
	uid := appendN(t, mb, 1)[0]

	flags := []imap.Flag{imap.FlagSeen, imap.FlagFlagged, imap.FlagAnswered, "$Work", "$Todo", "$Later"}
	var wg sync.WaitGroup
	for _, f := range flags {
		wg.Add(1)
		go func(f imap.Flag) {
			defer wg.Done()
			_, err := mb.UpdateFlags(ctx, uid, imap.StoreFlagsAdd, []imap.Flag{f})
			assert.NoError(t, err)
		}(f)
	}
	wg.Wait()

	msg, err := mb.Message(uid)
	require.NoError(t, err)
	for _, f := range flags {
		assert.True(t, msg.HasFlag(f), "flag %s lost", f)
	}
}

func TestUpdateFlagsModes(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	mb := inbox(t, s)
	ctx := context.Background()
	uid, err := mb.Append(ctx, testMessage(1), []imap.Flag{imap.FlagSeen}, time.Time{})
	require.NoError(t, err)

	got, err := mb.UpdateFlags(ctx, uid, imap.StoreFlagsAdd, []imap.Flag{`\flagged`})
	require.NoError(t, err)
	assert.Equal(t, []imap.Flag{imap.FlagFlagged, imap.FlagSeen}, got)

	got, err = mb.UpdateFlags(ctx, uid, imap.StoreFlagsDel, []imap.Flag{imap.FlagSeen})
	require.NoError(t, err)
	assert.Equal(t, []imap.Flag{imap.FlagFlagged}, got)

	got, err = mb.UpdateFlags(ctx, uid, imap.StoreFlagsSet, []imap.Flag{imap.FlagDraft, consts.FlagRecent})
	require.NoError(t, err)
	assert.Equal(t, []imap.Flag{imap.FlagDraft}, got, `\Recent cannot be set by clients`)

	_, err = mb.UpdateFlags(ctx, 42, imap.StoreFlagsAdd, []imap.Flag{imap.FlagSeen})
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)
}

func TestUpdateFlagsBackendFailure(t *testing.T) {
	s, backend, _ := newTestStore(t, Options{})
	mb := inbox(t, s)
	uid := appendN(t, mb, 1)[0]

	backend.FailNext(errors.New("timeout"))
	_, err := mb.UpdateFlags(context.Background(), uid, imap.StoreFlagsAdd, []imap.Flag{imap.FlagSeen})
	require.Error(t, err)

	msg, err := mb.Message(uid)
	require.NoError(t, err)
	assert.Empty(t, msg.Flags)
}

func TestClaimRecent(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	mb := inbox(t, s)
	uids := appendN(t, mb, 2)

	st, err := mb.Status()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), st.Recent)
	assert.Equal(t, uint32(2), st.Unseen)
	assert.Equal(t, uint32(1), st.FirstUnseen)

	assert.Equal(t, uids, mb.ClaimRecent())
	assert.Empty(t, mb.ClaimRecent())
}

func TestMailboxLifecycle(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.CreateMailbox(ctx, owner, "Projects/2024/Q1"))
	assert.ErrorIs(t, s.CreateMailbox(ctx, owner, "Projects"), consts.ErrMailboxAlreadyExists)
	assert.ErrorIs(t, s.CreateMailbox(ctx, owner, "bad//name"), consts.ErrMailboxInvalidName)

	mb, err := s.GetMailbox(ctx, owner, "Projects/2024")
	require.NoError(t, err)
	validity := mb.UIDValidity()
	appendN(t, mb, 2)

	require.NoError(t, s.RenameMailbox(ctx, owner, "Projects/2024", "Archive/2024"))
	assert.Equal(t, "Archive/2024", mb.Name(), "handles follow renames")
	_, err = s.GetMailbox(ctx, owner, "Archive/2024/Q1")
	require.NoError(t, err)
	_, err = s.GetMailbox(ctx, owner, "Projects/2024/Q1")
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)

	require.NoError(t, s.DeleteMailbox(ctx, owner, "Archive/2024"))
	assert.False(t, mb.Exists())
	_, err = mb.Snapshot()
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
	_, err = s.GetMailbox(ctx, owner, "Archive/2024/Q1")
	require.NoError(t, err, "children survive deletion")

	require.NoError(t, s.CreateMailbox(ctx, owner, "Archive/2024"))
	recreated, err := s.GetMailbox(ctx, owner, "Archive/2024")
	require.NoError(t, err)
	assert.NotEqual(t, validity, recreated.UIDValidity())
	st, err := recreated.Status()
	require.NoError(t, err)
	assert.Equal(t, imap.UID(1), st.UIDNext)

	assert.ErrorIs(t, s.DeleteMailbox(ctx, owner, "INBOX"), consts.ErrCannotDeleteInbox)
}

func TestRenameInboxMovesMessages(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	ctx := context.Background()
	mb := inbox(t, s)
	uids := appendN(t, mb, 3)

	sub, cancel := mb.Subscribe()
	defer cancel()

	require.NoError(t, s.RenameMailbox(ctx, owner, "INBOX", "Old"))

	old, err := s.GetMailbox(ctx, owner, "Old")
	require.NoError(t, err)
	snap, err := old.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uids, snap.UIDs())

	snap, err = mb.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, snap.Len())
	assert.Equal(t, "INBOX", mb.Name())

	events, _ := sub.Drain()
	assert.Len(t, events, 3)

	next, err := mb.Append(ctx, testMessage(4), nil, time.Time{})
	require.NoError(t, err)
	assert.Greater(t, next, uids[2])
}

func TestCopy(t *testing.T) {
	s, backend, _ := newTestStore(t, Options{})
	ctx := context.Background()
	src := inbox(t, s)
	dst, err := s.GetMailbox(ctx, owner, "Archive")
	require.NoError(t, err)

	uids := appendN(t, src, 3)
	_, err = src.UpdateFlags(ctx, uids[1], imap.StoreFlagsAdd, []imap.Flag{imap.FlagFlagged})
	require.NoError(t, err)

	results, err := src.Copy(ctx, []imap.UID{uids[2], uids[1], 777}, dst)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uids[1], results[0].SourceUID)
	assert.Equal(t, imap.UID(1), results[0].DestUID)

	copied, err := dst.Message(results[0].DestUID)
	require.NoError(t, err)
	assert.Equal(t, []imap.Flag{imap.FlagFlagged}, copied.Flags)
	assert.True(t, copied.Recent)

	// Expunging the source keeps the shared content for the copy.
	_, err = src.ExpungeUIDs(ctx, uids)
	require.NoError(t, err)
	content, err := s.Content(ctx, owner, copied)
	require.NoError(t, err)
	assert.Equal(t, testMessage(2), content)

	backend.FailNext(errors.New("boom"))
	_, err = dst.Copy(ctx, []imap.UID{1, 2}, src)
	require.Error(t, err)
	snap, err := src.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, snap.Len())
}

func TestSubscriptionEvents(t *testing.T) {
	s, _, _ := newTestStore(t, Options{SubscriptionBuffer: 2})
	mb := inbox(t, s)
	ctx := context.Background()

	sub, cancel := mb.Subscribe()
	uid := appendN(t, mb, 1)[0]
	_, err := mb.UpdateFlags(ctx, uid, imap.StoreFlagsAdd, []imap.Flag{imap.FlagSeen})
	require.NoError(t, err)

	events, lost := sub.Drain()
	assert.False(t, lost)
	require.Len(t, events, 2)
	assert.Equal(t, EventExists, events[0].Kind)
	assert.Equal(t, EventFlags, events[1].Kind)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, events[1].Flags)

	appendN(t, mb, 3)
	events, lost = sub.Drain()
	assert.Len(t, events, 2)
	assert.True(t, lost, "publishers never block on a full subscriber")

	assert.Equal(t, 1, mb.Subscribers())
	cancel()
	assert.Zero(t, mb.Subscribers())
}

func TestReloadFromBackend(t *testing.T) {
	backend := NewMemoryBackend()
	blobs := NewMemoryBlobStore()
	ctx := context.Background()

	s1 := New(backend, blobs, Options{})
	require.NoError(t, s1.EnsureDefaults(ctx, owner))
	mb, err := s1.GetMailbox(ctx, owner, "INBOX")
	require.NoError(t, err)
	uid, err := mb.Append(ctx, testMessage(1), []imap.Flag{imap.FlagAnswered}, time.Time{})
	require.NoError(t, err)

	s2 := New(backend, blobs, Options{})
	reloaded, err := s2.GetMailbox(ctx, owner, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, mb.UIDValidity(), reloaded.UIDValidity())
	msg, err := reloaded.Message(uid)
	require.NoError(t, err)
	assert.Equal(t, []imap.Flag{imap.FlagAnswered}, msg.Flags)
	assert.False(t, msg.Recent)

	next, err := reloaded.Append(ctx, testMessage(2), nil, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, uid+1, next)
}

func TestCanonicalName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"inbox", "INBOX", false},
		{"InBoX", "INBOX", false},
		{"Work/", "Work", false},
		{"Work/Reports", "Work/Reports", false},
		{"", "", true},
		{"/Work", "", true},
		{"a//b", "", true},
		{"a*", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalName(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
