package delivery

import (
	"fmt"
	"strings"

	"github.com/migadu/trove/server/idgen"
)

// Disposition is the per-recipient outcome of a delivery.
type Disposition int

const (
	DispositionPending Disposition = iota
	DispositionDelivered
	DispositionRelayQueued
	DispositionRejected
	DispositionDeferred
	DispositionBounced
)

func (d Disposition) String() string {
	switch d {
	case DispositionPending:
		return "pending"
	case DispositionDelivered:
		return "delivered"
	case DispositionRelayQueued:
		return "relay-queued"
	case DispositionRejected:
		return "rejected"
	case DispositionDeferred:
		return "deferred"
	case DispositionBounced:
		return "bounced"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Accepted reports whether the recipient was taken responsibility for.
func (d Disposition) Accepted() bool {
	return d == DispositionDelivered || d == DispositionRelayQueued
}

// Reply is an SMTP reply with an RFC 3463 enhanced status code.
type Reply struct {
	Code     int
	Enhanced string
	Text     string
}

func (r Reply) String() string {
	if r.Enhanced == "" {
		return fmt.Sprintf("%d %s", r.Code, r.Text)
	}
	return fmt.Sprintf("%d %s %s", r.Code, r.Enhanced, r.Text)
}

func (r Reply) Permanent() bool  { return r.Code >= 500 }
func (r Reply) Transient() bool  { return r.Code >= 400 && r.Code < 500 }
func (r Reply) IsPositive() bool { return r.Code >= 200 && r.Code < 400 }

var (
	replyOK            = Reply{250, "2.1.5", "Recipient OK"}
	replyRelayOK       = Reply{250, "2.1.5", "Recipient OK, will relay"}
	replyNoSuchUser    = Reply{550, "5.1.1", "No such user here"}
	replyRelayDenied   = Reply{554, "5.7.1", "Relay access denied"}
	replyBadAddress    = Reply{501, "5.1.3", "Bad recipient address syntax"}
	replyDirectoryDown = Reply{451, "4.3.0", "Recipient lookup temporarily unavailable"}
)

// Recipient is one RCPT TO entry of an envelope.
type Recipient struct {
	Address     string // lowercased address as given
	Owner       string // mailbox owner for local recipients
	Local       bool
	Disposition Disposition
	Reply       Reply
	QueueID     string // set when queued for relay
}

// Envelope is the unit handed from an SMTP session to the pipeline.
type Envelope struct {
	ID            string
	From          string // empty for the null reverse-path
	Recipients    []*Recipient
	Body          []byte
	Authenticated bool
	Principal     string
	RemoteIP      string
	Helo          string
}

func NewEnvelope(from string) *Envelope {
	return &Envelope{
		ID:   idgen.New(),
		From: strings.ToLower(from),
	}
}

// Accepted returns the recipients still eligible for delivery.
func (e *Envelope) Accepted() []*Recipient {
	var out []*Recipient
	for _, r := range e.Recipients {
		if r.Disposition == DispositionPending {
			out = append(out, r)
		}
	}
	return out
}

// Result is the delivery outcome for one recipient.
type Result struct {
	Disposition Disposition
	Reply       Reply
	Mailbox     string
	UID         uint32
	QueueID     string
}
