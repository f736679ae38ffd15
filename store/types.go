package store

import (
	"slices"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
)

// MailboxRecord is the persisted form of a mailbox.
type MailboxRecord struct {
	Owner       string
	Name        string
	UIDValidity uint32
	UIDNext     imap.UID
	Subscribed  bool
}

// MessageRecord is the persisted form of a message. Content lives in the
// BlobStore under BlobKey(owner, Hash).
type MessageRecord struct {
	UID          imap.UID
	Hash         string
	Size         int64
	InternalDate time.Time
	Flags        []imap.Flag
}

// Message is an immutable view of a stored message.
type Message struct {
	UID          imap.UID
	Hash         string
	Size         int64
	InternalDate time.Time
	Flags        []imap.Flag // sorted; never contains \Recent
	Recent       bool
}

func (m Message) HasFlag(flag imap.Flag) bool {
	return hasFlag(m.Flags, flag)
}

// Snapshot is the ascending-UID view of a mailbox at one instant. The
// sequence number of a message is its 1-based position in Messages.
type Snapshot struct {
	UIDValidity uint32
	UIDNext     imap.UID
	Messages    []Message
}

func (s *Snapshot) Len() int {
	return len(s.Messages)
}

// SeqNum returns the sequence number of uid, or 0 if it is not visible.
func (s *Snapshot) SeqNum(uid imap.UID) uint32 {
	i := sort.Search(len(s.Messages), func(i int) bool { return s.Messages[i].UID >= uid })
	if i < len(s.Messages) && s.Messages[i].UID == uid {
		return uint32(i + 1)
	}
	return 0
}

// BySeqNum returns the message at sequence number seq.
func (s *Snapshot) BySeqNum(seq uint32) (Message, bool) {
	if seq == 0 || int(seq) > len(s.Messages) {
		return Message{}, false
	}
	return s.Messages[seq-1], true
}

func (s *Snapshot) ByUID(uid imap.UID) (Message, bool) {
	if seq := s.SeqNum(uid); seq > 0 {
		return s.Messages[seq-1], true
	}
	return Message{}, false
}

func (s *Snapshot) UIDs() []imap.UID {
	uids := make([]imap.UID, len(s.Messages))
	for i, m := range s.Messages {
		uids[i] = m.UID
	}
	return uids
}

// MaxUID is the highest visible UID, or 0 for an empty mailbox.
func (s *Snapshot) MaxUID() imap.UID {
	if len(s.Messages) == 0 {
		return 0
	}
	return s.Messages[len(s.Messages)-1].UID
}

// Status summarises a mailbox for IMAP STATUS/SELECT and POP3 STAT.
type Status struct {
	Messages    uint32
	Recent      uint32
	Unseen      uint32
	UIDNext     imap.UID
	UIDValidity uint32
	Size        int64
	// FirstUnseen is the sequence number of the first message without
	// \Seen, or 0.
	FirstUnseen uint32
}

// Removal reports one expunged message. SeqNum is its sequence number at
// the moment of removal, after earlier removals in the same batch.
type Removal struct {
	UID    imap.UID
	SeqNum uint32
}

// CopyResult pairs a source UID with the UID assigned in the destination.
type CopyResult struct {
	SourceUID imap.UID
	DestUID   imap.UID
}

// MailboxInfo is a listing entry.
type MailboxInfo struct {
	Name        string
	Subscribed  bool
	HasChildren bool
	SpecialUse  string
}

func hasFlag(flags []imap.Flag, flag imap.Flag) bool {
	return slices.ContainsFunc(flags, func(f imap.Flag) bool { return flagEqual(f, flag) })
}
