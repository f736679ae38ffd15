package store

import (
	"sync"

	"github.com/emersion/go-imap/v2"
)

type EventKind int

const (
	EventExists EventKind = iota
	EventExpunge
	EventFlags
	// EventDestroyed means the mailbox was deleted or its messages moved
	// away by renaming INBOX.
	EventDestroyed
)

func (k EventKind) String() string {
	switch k {
	case EventExists:
		return "exists"
	case EventExpunge:
		return "expunge"
	case EventFlags:
		return "flags"
	case EventDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event describes a committed change to a mailbox.
type Event struct {
	Kind  EventKind
	UID   imap.UID
	Flags []imap.Flag
}

const defaultSubscriptionBuffer = 64

// Subscription receives the events of one mailbox. Publishers never block:
// when the buffer is full further events are dropped and the subscription
// is marked overflowed, telling the holder to resynchronise from a fresh
// snapshot.
type Subscription struct {
	ch       chan Event
	mu       sync.Mutex
	overflow bool
}

// Events is signalled whenever an event is queued.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Drain returns all queued events without blocking, and whether any were
// lost since the previous Drain.
func (s *Subscription) Drain() ([]Event, bool) {
	var events []Event
	for {
		select {
		case ev := <-s.ch:
			events = append(events, ev)
		default:
			s.mu.Lock()
			lost := s.overflow
			s.overflow = false
			s.mu.Unlock()
			return events, lost
		}
	}
}

func (s *Subscription) deliver(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.mu.Lock()
		s.overflow = true
		s.mu.Unlock()
	}
}

type hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func (h *hub) subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	sub := &Subscription{ch: make(chan Event, buffer)}
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[*Subscription]struct{})
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *hub) publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		for _, ev := range events {
			sub.deliver(ev)
		}
	}
}

func (h *hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
