// Package store is the authoritative mailbox store shared by the SMTP, IMAP
// and POP3 sessions.
//
// Each account is loaded from the Backend on first use and then served from
// an in-memory index. Mutations are written through to the Backend first and
// only become visible once the Backend commits, so a failed or interrupted
// operation never leaves a partial message or a consumed UID behind.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/pkg/metrics"
)

type Options struct {
	// QuotaBytes limits the total message size per account; 0 disables.
	QuotaBytes int64
	// MaxMessageSize rejects larger appends; 0 disables.
	MaxMessageSize int64
	// SubscriptionBuffer is the per-subscriber event buffer.
	SubscriptionBuffer int
	Now                func() time.Time
}

type Store struct {
	backend Backend
	blobs   BlobStore
	opts    Options

	mu           sync.Mutex
	accounts     map[string]*account
	lastValidity uint32
}

type account struct {
	owner string

	loadMu sync.Mutex
	loaded atomic.Bool

	mu        sync.RWMutex
	mailboxes map[string]*Mailbox

	used atomic.Int64

	refsMu   sync.Mutex
	refs     map[string]int           // content hash -> referencing messages
	deleting map[string]chan struct{} // closed once the blob delete returns
}

func New(backend Backend, blobs BlobStore, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		backend:  backend,
		blobs:    blobs,
		opts:     opts,
		accounts: make(map[string]*account),
	}
}

// IsTransient reports whether err is a temporary storage failure that the
// caller may retry.
func IsTransient(err error) bool {
	return errors.Is(err, consts.ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// backendError keeps known sentinels and marks everything else transient.
func backendError(op string, err error) error {
	for _, known := range []error{
		consts.ErrMailboxNotFound,
		consts.ErrMailboxAlreadyExists,
		consts.ErrMessageNotFound,
		consts.ErrQuotaExceeded,
		consts.ErrStorageUnavailable,
		consts.ErrDBUniqueViolation,
		consts.ErrInternalError,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, consts.ErrStorageUnavailable, err)
}

func observe(op string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.StoreOperations.WithLabelValues(op, status).Inc()
}

func (s *Store) now() time.Time {
	return s.opts.Now().UTC().Truncate(time.Second)
}

// nextUIDValidity returns a value never handed out before by this process
// and larger than any loaded from the backend.
func (s *Store) nextUIDValidity() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := uint32(s.opts.Now().Unix())
	if v <= s.lastValidity {
		v = s.lastValidity + 1
	}
	s.lastValidity = v
	return v
}

func (s *Store) observeUIDValidity(v uint32) {
	s.mu.Lock()
	if v > s.lastValidity {
		s.lastValidity = v
	}
	s.mu.Unlock()
}

// CanonicalName validates a mailbox name and normalises INBOX.
func CanonicalName(name string) (string, error) {
	name = strings.TrimSuffix(name, string(consts.MailboxDelimiter))
	if name == "" || strings.HasPrefix(name, string(consts.MailboxDelimiter)) {
		return "", consts.ErrMailboxInvalidName
	}
	if strings.ContainsAny(name, "*%") {
		return "", consts.ErrMailboxInvalidName
	}
	for _, part := range strings.Split(name, string(consts.MailboxDelimiter)) {
		if part == "" {
			return "", consts.ErrMailboxInvalidName
		}
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", consts.ErrMailboxInvalidName
		}
	}
	if strings.EqualFold(name, consts.MailboxInbox) {
		return consts.MailboxInbox, nil
	}
	return name, nil
}

func (s *Store) account(ctx context.Context, owner string) (*account, error) {
	s.mu.Lock()
	acct, ok := s.accounts[owner]
	if !ok {
		acct = &account{
			owner:     owner,
			mailboxes: make(map[string]*Mailbox),
			refs:      make(map[string]int),
			deleting:  make(map[string]chan struct{}),
		}
		s.accounts[owner] = acct
	}
	s.mu.Unlock()

	if acct.loaded.Load() {
		return acct, nil
	}

	acct.loadMu.Lock()
	defer acct.loadMu.Unlock()
	if acct.loaded.Load() {
		return acct, nil
	}
	if err := s.load(ctx, acct); err != nil {
		return nil, err
	}
	acct.loaded.Store(true)
	return acct, nil
}

func (s *Store) load(ctx context.Context, acct *account) error {
	start := time.Now()
	records, err := s.backend.LoadMailboxes(ctx, acct.owner)
	if err != nil {
		return backendError("load mailboxes", err)
	}

	mailboxes := make(map[string]*Mailbox, len(records))
	refs := make(map[string]int)
	var used int64
	for _, rec := range records {
		msgs, err := s.backend.LoadMessages(ctx, acct.owner, rec.Name)
		if err != nil {
			return backendError("load messages", err)
		}
		mb := newMailbox(s, acct, rec)
		for _, m := range msgs {
			flags, err := normalizeFlags(m.Flags)
			if err != nil {
				logger.Warn("Store: dropping invalid stored flags", "owner", acct.owner, "mailbox", rec.Name, "uid", m.UID, "error", err)
				flags = nil
			}
			e := &entry{uid: m.UID, hash: m.Hash, size: m.Size, internalDate: m.InternalDate, flags: flags}
			mb.entries = append(mb.entries, e)
			mb.byUID[m.UID] = e
			mb.size += m.Size
			if m.UID >= mb.uidNext {
				mb.uidNext = m.UID + 1
			}
			refs[m.Hash]++
		}
		slices.SortFunc(mb.entries, func(a, b *entry) int { return int(a.uid) - int(b.uid) })
		used += mb.size
		mailboxes[rec.Name] = mb
		s.observeUIDValidity(rec.UIDValidity)
	}

	acct.mu.Lock()
	acct.mailboxes = mailboxes
	acct.mu.Unlock()
	acct.refsMu.Lock()
	acct.refs = refs
	acct.refsMu.Unlock()
	acct.used.Store(used)

	logger.Debug("Store: account loaded", "owner", acct.owner, "mailboxes", len(mailboxes), "bytes", used, "duration", time.Since(start))
	return nil
}

// addRef takes a reference on hash. A delete of the same content that is
// still in flight completes first, so a following Put is never undone by it.
// addRef reports whether hash had no references before.
func (a *account) addRef(hash string) bool {
	a.refsMu.Lock()
	defer a.refsMu.Unlock()
	for {
		done, pending := a.deleting[hash]
		if !pending {
			break
		}
		a.refsMu.Unlock()
		<-done
		a.refsMu.Lock()
	}
	a.refs[hash]++
	return a.refs[hash] == 1
}

// dropRef releases one reference and reports whether it was the last. The
// last release marks hash as being deleted until finishDelete.
func (a *account) dropRef(hash string) bool {
	a.refsMu.Lock()
	defer a.refsMu.Unlock()
	a.refs[hash]--
	if a.refs[hash] > 0 {
		return false
	}
	delete(a.refs, hash)
	if _, pending := a.deleting[hash]; !pending {
		a.deleting[hash] = make(chan struct{})
	}
	return true
}

func (a *account) finishDelete(hash string) {
	a.refsMu.Lock()
	defer a.refsMu.Unlock()
	if done, pending := a.deleting[hash]; pending {
		delete(a.deleting, hash)
		close(done)
	}
}

func (a *account) reserve(size, quota int64) error {
	if a.used.Add(size) > quota && quota > 0 {
		a.used.Add(-size)
		return consts.ErrQuotaExceeded
	}
	return nil
}

// releaseBlobs drops references to removed content and deletes blobs that
// are no longer referenced. Failures only leak storage.
func (s *Store) releaseBlobs(ctx context.Context, acct *account, hashes []string) {
	for _, hash := range hashes {
		if !acct.dropRef(hash) {
			continue
		}
		err := s.blobs.Delete(context.WithoutCancel(ctx), BlobKey(acct.owner, hash))
		acct.finishDelete(hash)
		if err != nil && !errors.Is(err, consts.ErrBlobNotFound) {
			logger.Warn("Store: failed to delete blob", "owner", acct.owner, "hash", hash, "error", err)
		}
	}
}

// CreateMailbox creates name and any missing parents.
func (s *Store) CreateMailbox(ctx context.Context, owner, name string) error {
	err := s.createMailbox(ctx, owner, name, false)
	observe("create_mailbox", err)
	return err
}

func (s *Store) createMailbox(ctx context.Context, owner, name string, subscribed bool) error {
	name, err := CanonicalName(name)
	if err != nil {
		return err
	}
	acct, err := s.account(ctx, owner)
	if err != nil {
		return err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	if _, exists := acct.mailboxes[name]; exists {
		return consts.ErrMailboxAlreadyExists
	}
	return s.createLocked(ctx, acct, name, subscribed)
}

// createLocked creates name and missing parents. acct.mu must be held.
func (s *Store) createLocked(ctx context.Context, acct *account, name string, subscribed bool) error {
	parts := strings.Split(name, string(consts.MailboxDelimiter))
	for i := range parts {
		path := strings.Join(parts[:i+1], string(consts.MailboxDelimiter))
		if _, exists := acct.mailboxes[path]; exists {
			continue
		}
		rec := MailboxRecord{
			Owner:       acct.owner,
			Name:        path,
			UIDValidity: s.nextUIDValidity(),
			UIDNext:     1,
			Subscribed:  subscribed,
		}
		if err := s.backend.CreateMailbox(ctx, rec); err != nil {
			return backendError("create mailbox", err)
		}
		acct.mailboxes[path] = newMailbox(s, acct, rec)
	}
	return nil
}

// EnsureDefaults creates the default mailbox set for owner where missing.
func (s *Store) EnsureDefaults(ctx context.Context, owner string) error {
	acct, err := s.account(ctx, owner)
	if err != nil {
		return err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	for _, name := range consts.DefaultMailboxes {
		if _, exists := acct.mailboxes[name]; exists {
			continue
		}
		if err := s.createLocked(ctx, acct, name, true); err != nil {
			return err
		}
	}
	return nil
}

// GetMailbox returns the handle for an existing mailbox.
func (s *Store) GetMailbox(ctx context.Context, owner, name string) (*Mailbox, error) {
	name, err := CanonicalName(name)
	if err != nil {
		return nil, err
	}
	acct, err := s.account(ctx, owner)
	if err != nil {
		return nil, err
	}
	acct.mu.RLock()
	defer acct.mu.RUnlock()
	mb, ok := acct.mailboxes[name]
	if !ok {
		return nil, consts.ErrMailboxNotFound
	}
	return mb, nil
}

// ListMailboxes returns all mailboxes of owner, INBOX first and the rest
// sorted by name.
func (s *Store) ListMailboxes(ctx context.Context, owner string) ([]MailboxInfo, error) {
	acct, err := s.account(ctx, owner)
	if err != nil {
		return nil, err
	}
	acct.mu.RLock()
	defer acct.mu.RUnlock()

	names := make([]string, 0, len(acct.mailboxes))
	for name := range acct.mailboxes {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		switch {
		case a == consts.MailboxInbox:
			return -1
		case b == consts.MailboxInbox:
			return 1
		}
		return strings.Compare(a, b)
	})

	out := make([]MailboxInfo, 0, len(names))
	for _, name := range names {
		mb := acct.mailboxes[name]
		mb.mu.RLock()
		info := MailboxInfo{Name: name, Subscribed: mb.subscribed, SpecialUse: consts.SpecialUse[name]}
		mb.mu.RUnlock()
		prefix := name + string(consts.MailboxDelimiter)
		for _, other := range names {
			if strings.HasPrefix(other, prefix) {
				info.HasChildren = true
				break
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// DeleteMailbox removes name and its messages. Child mailboxes survive.
func (s *Store) DeleteMailbox(ctx context.Context, owner, name string) (err error) {
	defer func() { observe("delete_mailbox", err) }()

	name, err = CanonicalName(name)
	if err != nil {
		return err
	}
	if name == consts.MailboxInbox {
		return consts.ErrCannotDeleteInbox
	}
	acct, err := s.account(ctx, owner)
	if err != nil {
		return err
	}

	acct.mu.Lock()
	mb, ok := acct.mailboxes[name]
	if !ok {
		acct.mu.Unlock()
		return consts.ErrMailboxNotFound
	}
	mb.mu.Lock()
	if err := s.backend.DeleteMailbox(ctx, owner, name); err != nil {
		mb.mu.Unlock()
		acct.mu.Unlock()
		return backendError("delete mailbox", err)
	}
	delete(acct.mailboxes, name)
	hashes := mb.dropAllLocked()
	mb.destroyed = true
	mb.mu.Unlock()
	acct.mu.Unlock()

	mb.hub.publish(Event{Kind: EventDestroyed})
	s.releaseBlobs(ctx, acct, hashes)
	logger.Info("Store: mailbox deleted", "owner", owner, "mailbox", name, "messages", len(hashes))
	return nil
}

// RenameMailbox renames from (and its children) to to. Renaming INBOX moves
// its messages into a new mailbox and leaves INBOX empty.
func (s *Store) RenameMailbox(ctx context.Context, owner, from, to string) (err error) {
	defer func() { observe("rename_mailbox", err) }()

	if from, err = CanonicalName(from); err != nil {
		return err
	}
	if to, err = CanonicalName(to); err != nil {
		return err
	}
	if to == consts.MailboxInbox || strings.HasPrefix(to, from+string(consts.MailboxDelimiter)) {
		return consts.ErrMailboxInvalidName
	}
	acct, err := s.account(ctx, owner)
	if err != nil {
		return err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	src, ok := acct.mailboxes[from]
	if !ok {
		return consts.ErrMailboxNotFound
	}
	if _, exists := acct.mailboxes[to]; exists {
		return consts.ErrMailboxAlreadyExists
	}

	if from == consts.MailboxInbox {
		return s.renameInboxLocked(ctx, acct, src, to)
	}

	prefix := from + string(consts.MailboxDelimiter)
	var moving []*Mailbox
	for name, mb := range acct.mailboxes {
		if name == from || strings.HasPrefix(name, prefix) {
			if _, clash := acct.mailboxes[to+strings.TrimPrefix(name, from)]; clash {
				return consts.ErrMailboxAlreadyExists
			}
			moving = append(moving, mb)
		}
	}
	for _, mb := range moving {
		mb.mu.Lock()
		defer mb.mu.Unlock()
	}

	if err := s.backend.RenameMailbox(ctx, owner, from, to, 0); err != nil {
		return backendError("rename mailbox", err)
	}
	for _, mb := range moving {
		delete(acct.mailboxes, mb.name)
	}
	for _, mb := range moving {
		mb.name = to + strings.TrimPrefix(mb.name, from)
		acct.mailboxes[mb.name] = mb
	}

	if parent, _, ok := cutLast(to); ok {
		if err := s.createLocked(ctx, acct, parent, false); err != nil {
			logger.Warn("Store: failed to create parent after rename", "owner", owner, "mailbox", parent, "error", err)
		}
	}
	return nil
}

func (s *Store) renameInboxLocked(ctx context.Context, acct *account, inbox *Mailbox, to string) error {
	validity := s.nextUIDValidity()

	inbox.mu.Lock()
	if err := s.backend.RenameMailbox(ctx, acct.owner, consts.MailboxInbox, to, validity); err != nil {
		inbox.mu.Unlock()
		return backendError("rename mailbox", err)
	}
	moved := newMailbox(s, acct, MailboxRecord{Owner: acct.owner, Name: to, UIDValidity: validity, UIDNext: inbox.uidNext})
	moved.entries = inbox.entries
	moved.byUID = inbox.byUID
	moved.size = inbox.size
	events := make([]Event, 0, len(inbox.entries))
	for _, e := range inbox.entries {
		events = append(events, Event{Kind: EventExpunge, UID: e.uid})
	}
	inbox.entries = nil
	inbox.byUID = make(map[imap.UID]*entry)
	inbox.size = 0
	inbox.mu.Unlock()

	acct.mailboxes[to] = moved
	inbox.hub.publish(events...)

	if parent, _, ok := cutLast(to); ok {
		if err := s.createLocked(ctx, acct, parent, false); err != nil {
			logger.Warn("Store: failed to create parent after rename", "owner", acct.owner, "mailbox", parent, "error", err)
		}
	}
	return nil
}

func cutLast(name string) (parent, leaf string, ok bool) {
	i := strings.LastIndexByte(name, consts.MailboxDelimiter)
	if i < 0 {
		return "", name, false
	}
	return name[:i], name[i+1:], true
}

// SetSubscribed records the subscription state used by LSUB.
func (s *Store) SetSubscribed(ctx context.Context, owner, name string, subscribed bool) error {
	mb, err := s.GetMailbox(ctx, owner, name)
	if err != nil {
		return err
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.destroyed {
		return consts.ErrMailboxNotFound
	}
	if err := s.backend.SetSubscribed(ctx, owner, mb.name, subscribed); err != nil {
		return backendError("subscribe", err)
	}
	mb.subscribed = subscribed
	return nil
}

// Content returns the raw bytes of msg, byte-identical to what was appended.
func (s *Store) Content(ctx context.Context, owner string, msg Message) ([]byte, error) {
	start := time.Now()
	data, err := s.blobs.Get(ctx, BlobKey(owner, msg.Hash))
	metrics.BlobOperationDuration.WithLabelValues("store", "get").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, consts.ErrBlobNotFound) {
			return nil, fmt.Errorf("content of uid %d: %w", msg.UID, consts.ErrMessageNotFound)
		}
		return nil, backendError("read content", err)
	}
	return data, nil
}

// Usage returns the bytes stored for owner.
func (s *Store) Usage(ctx context.Context, owner string) (int64, error) {
	acct, err := s.account(ctx, owner)
	if err != nil {
		return 0, err
	}
	return acct.used.Load(), nil
}

// Quota returns the configured per-account limit (0 is unlimited).
func (s *Store) Quota() int64 {
	return s.opts.QuotaBytes
}
