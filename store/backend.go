package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/trove/consts"
)

// Backend persists mailboxes and message metadata. Every method is a single
// transaction: it either commits entirely or leaves no trace.
type Backend interface {
	LoadMailboxes(ctx context.Context, owner string) ([]MailboxRecord, error)
	LoadMessages(ctx context.Context, owner, mailbox string) ([]MessageRecord, error)
	CreateMailbox(ctx context.Context, rec MailboxRecord) error
	// DeleteMailbox removes the mailbox and its messages. Children are kept.
	DeleteMailbox(ctx context.Context, owner, name string) error
	// RenameMailbox renames from and its children to to. Renaming INBOX
	// instead moves its messages into a new mailbox to, created with
	// uidValidity, and leaves INBOX empty.
	RenameMailbox(ctx context.Context, owner, from, to string, uidValidity uint32) error
	SetSubscribed(ctx context.Context, owner, name string, subscribed bool) error
	// InsertMessage stores rec and advances the mailbox UID counter to
	// uidNext in the same transaction.
	InsertMessage(ctx context.Context, owner, mailbox string, rec MessageRecord, uidNext imap.UID) error
	UpdateFlags(ctx context.Context, owner, mailbox string, uid imap.UID, flags []imap.Flag) error
	DeleteMessages(ctx context.Context, owner, mailbox string, uids []imap.UID) error
}

// BlobStore holds raw message content.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// BlobKey scopes content hashes per account so that removing one account's
// last reference never affects another account.
func BlobKey(owner, hash string) string {
	local, domain, found := strings.Cut(owner, "@")
	if !found {
		return fmt.Sprintf("%s/%s", owner, hash)
	}
	return fmt.Sprintf("%s/%s/%s", domain, local, hash)
}

type memMailbox struct {
	rec      MailboxRecord
	messages map[imap.UID]MessageRecord
}

// MemoryBackend is a non-durable Backend. FailNext lets tests inject a
// failure into the next mutating call.
type MemoryBackend struct {
	mu        sync.Mutex
	mailboxes map[string]map[string]*memMailbox // owner -> name -> mailbox
	failNext  error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{mailboxes: make(map[string]map[string]*memMailbox)}
}

// FailNext makes the next mutating call return err without changing state.
func (b *MemoryBackend) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

func (b *MemoryBackend) takeFailure() error {
	err := b.failNext
	b.failNext = nil
	return err
}

func (b *MemoryBackend) LoadMailboxes(_ context.Context, owner string) ([]MailboxRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []MailboxRecord
	for _, mb := range b.mailboxes[owner] {
		out = append(out, mb.rec)
	}
	slices.SortFunc(out, func(a, b MailboxRecord) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (b *MemoryBackend) LoadMessages(_ context.Context, owner, mailbox string) ([]MessageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.mailboxes[owner][mailbox]
	if !ok {
		return nil, consts.ErrMailboxNotFound
	}
	out := make([]MessageRecord, 0, len(mb.messages))
	for _, m := range mb.messages {
		m.Flags = slices.Clone(m.Flags)
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b MessageRecord) int { return int(a.UID) - int(b.UID) })
	return out, nil
}

func (b *MemoryBackend) CreateMailbox(_ context.Context, rec MailboxRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return err
	}
	boxes, ok := b.mailboxes[rec.Owner]
	if !ok {
		boxes = make(map[string]*memMailbox)
		b.mailboxes[rec.Owner] = boxes
	}
	if _, exists := boxes[rec.Name]; exists {
		return consts.ErrMailboxAlreadyExists
	}
	boxes[rec.Name] = &memMailbox{rec: rec, messages: make(map[imap.UID]MessageRecord)}
	return nil
}

func (b *MemoryBackend) DeleteMailbox(_ context.Context, owner, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return err
	}
	if _, ok := b.mailboxes[owner][name]; !ok {
		return consts.ErrMailboxNotFound
	}
	delete(b.mailboxes[owner], name)
	return nil
}

func (b *MemoryBackend) RenameMailbox(_ context.Context, owner, from, to string, uidValidity uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return err
	}
	boxes := b.mailboxes[owner]
	src, ok := boxes[from]
	if !ok {
		return consts.ErrMailboxNotFound
	}
	if _, exists := boxes[to]; exists {
		return consts.ErrMailboxAlreadyExists
	}

	if from == consts.MailboxInbox {
		boxes[to] = &memMailbox{
			rec:      MailboxRecord{Owner: owner, Name: to, UIDValidity: uidValidity, UIDNext: src.rec.UIDNext},
			messages: src.messages,
		}
		src.messages = make(map[imap.UID]MessageRecord)
		return nil
	}

	prefix := from + string(consts.MailboxDelimiter)
	var moving []*memMailbox
	for name, mb := range boxes {
		if name == from || strings.HasPrefix(name, prefix) {
			moving = append(moving, mb)
		}
	}
	for _, mb := range moving {
		delete(boxes, mb.rec.Name)
	}
	for _, mb := range moving {
		mb.rec.Name = to + strings.TrimPrefix(mb.rec.Name, from)
		boxes[mb.rec.Name] = mb
	}
	return nil
}

func (b *MemoryBackend) SetSubscribed(_ context.Context, owner, name string, subscribed bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return err
	}
	mb, ok := b.mailboxes[owner][name]
	if !ok {
		return consts.ErrMailboxNotFound
	}
	mb.rec.Subscribed = subscribed
	return nil
}

func (b *MemoryBackend) InsertMessage(_ context.Context, owner, mailbox string, rec MessageRecord, uidNext imap.UID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return err
	}
	mb, ok := b.mailboxes[owner][mailbox]
	if !ok {
		return consts.ErrMailboxNotFound
	}
	if _, dup := mb.messages[rec.UID]; dup {
		return consts.ErrDBUniqueViolation
	}
	rec.Flags = slices.Clone(rec.Flags)
	mb.messages[rec.UID] = rec
	mb.rec.UIDNext = uidNext
	return nil
}

func (b *MemoryBackend) UpdateFlags(_ context.Context, owner, mailbox string, uid imap.UID, flags []imap.Flag) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return err
	}
	mb, ok := b.mailboxes[owner][mailbox]
	if !ok {
		return consts.ErrMailboxNotFound
	}
	rec, ok := mb.messages[uid]
	if !ok {
		return consts.ErrMessageNotFound
	}
	rec.Flags = slices.Clone(flags)
	mb.messages[uid] = rec
	return nil
}

func (b *MemoryBackend) DeleteMessages(_ context.Context, owner, mailbox string, uids []imap.UID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return err
	}
	mb, ok := b.mailboxes[owner][mailbox]
	if !ok {
		return consts.ErrMailboxNotFound
	}
	for _, uid := range uids {
		delete(mb.messages, uid)
	}
	return nil
}

// MemoryBlobStore keeps content in a map.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = slices.Clone(data)
	return nil
}

func (m *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, consts.ErrBlobNotFound
	}
	return slices.Clone(data), nil
}

func (m *MemoryBlobStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

// Len reports the number of stored blobs.
func (m *MemoryBlobStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
