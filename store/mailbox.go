package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/helpers"
	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/pkg/metrics"
)

// Mailbox is a handle on one mailbox of one account. Handles stay valid
// across renames; after deletion every operation fails with
// consts.ErrMailboxNotFound.
type Mailbox struct {
	store *Store
	acct  *account

	// mu serialises structural changes (append, expunge, rename, delete)
	// and guards the index. Flag updates take the read lock plus the
	// message's own lock.
	mu          sync.RWMutex
	name        string
	uidValidity uint32
	uidNext     imap.UID
	subscribed  bool
	entries     []*entry // ascending UID
	byUID       map[imap.UID]*entry
	size        int64
	destroyed   bool

	hub hub
}

type entry struct {
	uid          imap.UID
	hash         string
	size         int64
	internalDate time.Time

	mu     sync.Mutex
	flags  []imap.Flag
	recent bool
}

func newMailbox(s *Store, acct *account, rec MailboxRecord) *Mailbox {
	uidNext := rec.UIDNext
	if uidNext == 0 {
		uidNext = 1
	}
	return &Mailbox{
		store:       s,
		acct:        acct,
		name:        rec.Name,
		uidValidity: rec.UIDValidity,
		uidNext:     uidNext,
		subscribed:  rec.Subscribed,
		byUID:       make(map[imap.UID]*entry),
	}
}

func (e *entry) message() Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Message{
		UID:          e.uid,
		Hash:         e.hash,
		Size:         e.size,
		InternalDate: e.internalDate,
		Flags:        slices.Clone(e.flags),
		Recent:       e.recent,
	}
}

func (m *Mailbox) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

func (m *Mailbox) Owner() string {
	return m.acct.owner
}

func (m *Mailbox) UIDValidity() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uidValidity
}

// Exists reports whether the mailbox has not been deleted.
func (m *Mailbox) Exists() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.destroyed
}

// Subscribe registers for change events. The returned function
// unsubscribes and must be called when the holder deselects.
func (m *Mailbox) Subscribe() (*Subscription, func()) {
	sub := m.hub.subscribe(m.store.opts.SubscriptionBuffer)
	return sub, func() { m.hub.unsubscribe(sub) }
}

// Snapshot returns the currently visible messages in ascending UID order.
func (m *Mailbox) Snapshot() (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.destroyed {
		return nil, consts.ErrMailboxNotFound
	}
	snap := &Snapshot{
		UIDValidity: m.uidValidity,
		UIDNext:     m.uidNext,
		Messages:    make([]Message, len(m.entries)),
	}
	for i, e := range m.entries {
		snap.Messages[i] = e.message()
	}
	return snap, nil
}

// Status computes counters without copying messages.
func (m *Mailbox) Status() (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.destroyed {
		return Status{}, consts.ErrMailboxNotFound
	}
	st := Status{
		Messages:    uint32(len(m.entries)),
		UIDNext:     m.uidNext,
		UIDValidity: m.uidValidity,
		Size:        m.size,
	}
	for i, e := range m.entries {
		e.mu.Lock()
		if e.recent {
			st.Recent++
		}
		if !hasFlag(e.flags, imap.FlagSeen) {
			st.Unseen++
			if st.FirstUnseen == 0 {
				st.FirstUnseen = uint32(i + 1)
			}
		}
		e.mu.Unlock()
	}
	return st, nil
}

// Message returns the message with the given UID.
func (m *Mailbox) Message(uid imap.UID) (Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.destroyed {
		return Message{}, consts.ErrMailboxNotFound
	}
	e, ok := m.byUID[uid]
	if !ok {
		return Message{}, consts.ErrMessageNotFound
	}
	return e.message(), nil
}

// ClaimRecent clears \Recent on all messages and returns the UIDs that had
// it. Only the first session to select a mailbox after delivery sees the
// messages as recent.
func (m *Mailbox) ClaimRecent() []imap.UID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var uids []imap.UID
	for _, e := range m.entries {
		e.mu.Lock()
		if e.recent {
			uids = append(uids, e.uid)
			e.recent = false
		}
		e.mu.Unlock()
	}
	return uids
}

// Append stores raw as a new message. The UID is assigned and the message
// becomes visible only after the backend commits; on any failure no UID is
// consumed and nothing is visible.
func (m *Mailbox) Append(ctx context.Context, raw []byte, flags []imap.Flag, date time.Time) (uid imap.UID, err error) {
	start := time.Now()
	defer func() {
		observe("append", err)
		if err == nil {
			metrics.MessageSizeBytes.WithLabelValues("store").Observe(float64(len(raw)))
			logger.Debug("Store: message appended", "owner", m.acct.owner, "uid", uid, "size", len(raw), "duration", time.Since(start))
		}
	}()

	s := m.store
	if s.opts.MaxMessageSize > 0 && int64(len(raw)) > s.opts.MaxMessageSize {
		return 0, consts.ErrMessageTooLarge
	}
	flags, err = normalizeFlags(flags)
	if err != nil {
		return 0, err
	}
	if date.IsZero() {
		date = s.now()
	}

	size := int64(len(raw))
	if err := m.acct.reserve(size, s.opts.QuotaBytes); err != nil {
		return 0, err
	}

	hash := helpers.HashContent(raw)
	m.acct.addRef(hash)
	committed := false
	defer func() {
		if !committed {
			m.acct.used.Add(-size)
			s.releaseBlobs(ctx, m.acct, []string{hash})
		}
	}()

	blobStart := time.Now()
	if err := s.blobs.Put(ctx, BlobKey(m.acct.owner, hash), raw); err != nil {
		return 0, backendError("store content", err)
	}
	metrics.BlobOperationDuration.WithLabelValues("store", "put").Observe(time.Since(blobStart).Seconds())

	uid, err = m.insert(ctx, MessageRecord{Hash: hash, Size: size, InternalDate: date.UTC(), Flags: flags})
	if err != nil {
		return 0, err
	}
	committed = true
	return uid, nil
}

// insert assigns the next UID and commits rec. Content must already be
// stored and referenced.
func (m *Mailbox) insert(ctx context.Context, rec MessageRecord) (imap.UID, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return 0, consts.ErrMailboxNotFound
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	rec.UID = m.uidNext
	if err := m.store.backend.InsertMessage(ctx, m.acct.owner, m.name, rec, rec.UID+1); err != nil {
		m.mu.Unlock()
		return 0, backendError("insert message", err)
	}
	e := &entry{
		uid:          rec.UID,
		hash:         rec.Hash,
		size:         rec.Size,
		internalDate: rec.InternalDate,
		flags:        rec.Flags,
		recent:       true,
	}
	m.entries = append(m.entries, e)
	m.byUID[rec.UID] = e
	m.uidNext = rec.UID + 1
	m.size += rec.Size
	m.mu.Unlock()

	m.hub.publish(Event{Kind: EventExists, UID: rec.UID})
	return rec.UID, nil
}

// UpdateFlags applies op to one message as an atomic read-modify-write and
// returns the resulting flags.
func (m *Mailbox) UpdateFlags(ctx context.Context, uid imap.UID, op imap.StoreFlagsOp, flags []imap.Flag) (result []imap.Flag, err error) {
	defer func() { observe("update_flags", err) }()

	flags, err = normalizeFlags(flags)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	if m.destroyed {
		m.mu.RUnlock()
		return nil, consts.ErrMailboxNotFound
	}
	e, ok := m.byUID[uid]
	if !ok {
		m.mu.RUnlock()
		return nil, consts.ErrMessageNotFound
	}

	e.mu.Lock()
	updated := applyFlagOp(e.flags, op, flags)
	if slices.Equal(updated, e.flags) {
		e.mu.Unlock()
		m.mu.RUnlock()
		return updated, nil
	}
	if err := m.store.backend.UpdateFlags(ctx, m.acct.owner, m.name, uid, updated); err != nil {
		e.mu.Unlock()
		m.mu.RUnlock()
		return nil, backendError("update flags", err)
	}
	e.flags = updated
	e.mu.Unlock()
	m.mu.RUnlock()

	m.hub.publish(Event{Kind: EventFlags, UID: uid, Flags: slices.Clone(updated)})
	return slices.Clone(updated), nil
}

// Expunge removes every \Deleted message.
func (m *Mailbox) Expunge(ctx context.Context) ([]Removal, error) {
	return m.expunge(ctx, "expunge", func(e *entry) bool {
		return hasFlag(e.flags, imap.FlagDeleted)
	})
}

// ExpungeDeletedUIDs removes the \Deleted messages among uids.
func (m *Mailbox) ExpungeDeletedUIDs(ctx context.Context, uids []imap.UID) ([]Removal, error) {
	return m.expunge(ctx, "expunge", func(e *entry) bool {
		return slices.Contains(uids, e.uid) && hasFlag(e.flags, imap.FlagDeleted)
	})
}

// ExpungeUIDs removes exactly the listed messages regardless of flags. UIDs
// already gone are ignored.
func (m *Mailbox) ExpungeUIDs(ctx context.Context, uids []imap.UID) ([]Removal, error) {
	return m.expunge(ctx, "expunge_uids", func(e *entry) bool {
		return slices.Contains(uids, e.uid)
	})
}

// expunge deletes the selected messages in one backend transaction and
// returns them in ascending UID order with the sequence number each had at
// the moment it was removed: removing 2, 3 and 5 of five yields 2, 2, 3.
func (m *Mailbox) expunge(ctx context.Context, op string, selected func(*entry) bool) (removals []Removal, err error) {
	defer func() { observe(op, err) }()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil, consts.ErrMailboxNotFound
	}

	var uids []imap.UID
	var indexes []int
	for i, e := range m.entries {
		if selected(e) {
			uids = append(uids, e.uid)
			indexes = append(indexes, i)
		}
	}
	if len(uids) == 0 {
		m.mu.Unlock()
		return nil, nil
	}

	if err := m.store.backend.DeleteMessages(ctx, m.acct.owner, m.name, uids); err != nil {
		m.mu.Unlock()
		return nil, backendError("delete messages", err)
	}

	removals = make([]Removal, len(uids))
	hashes := make([]string, len(uids))
	var freed int64
	for k, i := range indexes {
		e := m.entries[i]
		removals[k] = Removal{UID: e.uid, SeqNum: uint32(i + 1 - k)}
		hashes[k] = e.hash
		freed += e.size
		delete(m.byUID, e.uid)
	}
	m.entries = slices.DeleteFunc(m.entries, func(e *entry) bool {
		_, kept := m.byUID[e.uid]
		return !kept
	})
	m.size -= freed
	m.mu.Unlock()

	m.acct.used.Add(-freed)
	events := make([]Event, len(removals))
	for i, r := range removals {
		events[i] = Event{Kind: EventExpunge, UID: r.UID}
	}
	m.hub.publish(events...)
	metrics.MessagesExpunged.Add(float64(len(removals)))
	m.store.releaseBlobs(ctx, m.acct, hashes)
	return removals, nil
}

// dropAllLocked empties the index and returns the hashes of the removed
// messages. m.mu must be held for writing.
func (m *Mailbox) dropAllLocked() []string {
	hashes := make([]string, len(m.entries))
	for i, e := range m.entries {
		hashes[i] = e.hash
	}
	m.acct.used.Add(-m.size)
	m.entries = nil
	m.byUID = make(map[imap.UID]*entry)
	m.size = 0
	return hashes
}

// Copy appends copies of uids to dest, preserving flags and internal date.
// Either all copies are committed or none remain.
func (m *Mailbox) Copy(ctx context.Context, uids []imap.UID, dest *Mailbox) (results []CopyResult, err error) {
	defer func() { observe("copy", err) }()

	if dest.acct != m.acct {
		return nil, consts.ErrNotPermitted
	}

	sorted := slices.Clone(uids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var sources []Message
	for _, uid := range sorted {
		msg, err := m.Message(uid)
		if err != nil {
			if errors.Is(err, consts.ErrMessageNotFound) {
				continue
			}
			return nil, err
		}
		sources = append(sources, msg)
	}

	s := m.store
	var copied []imap.UID
	rollback := func() {
		if len(copied) > 0 {
			if _, rbErr := dest.ExpungeUIDs(context.WithoutCancel(ctx), copied); rbErr != nil {
				logger.Error("Store: failed to roll back partial copy", "owner", m.acct.owner, "error", rbErr)
			}
		}
	}

	for _, msg := range sources {
		if err := m.acct.reserve(msg.Size, s.opts.QuotaBytes); err != nil {
			rollback()
			return nil, err
		}
		if m.acct.addRef(msg.Hash) {
			// The source was expunged meanwhile and its content released.
			m.acct.used.Add(-msg.Size)
			s.releaseBlobs(ctx, m.acct, []string{msg.Hash})
			continue
		}
		uid, err := dest.insert(ctx, MessageRecord{
			Hash:         msg.Hash,
			Size:         msg.Size,
			InternalDate: msg.InternalDate,
			Flags:        msg.Flags,
		})
		if err != nil {
			m.acct.used.Add(-msg.Size)
			s.releaseBlobs(ctx, m.acct, []string{msg.Hash})
			rollback()
			return nil, fmt.Errorf("copy uid %d: %w", msg.UID, err)
		}
		copied = append(copied, uid)
		results = append(results, CopyResult{SourceUID: msg.UID, DestUID: uid})
	}
	return results, nil
}

// Subscribers reports how many sessions are watching the mailbox.
func (m *Mailbox) Subscribers() int {
	return m.hub.subscribers()
}
