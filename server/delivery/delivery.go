// Package delivery resolves SMTP recipients and commits accepted messages
// into the mailbox store or the outbound relay queue.
//
// Every recipient is handled independently: one failing recipient never
// fails the envelope, and Deliver returns a result per recipient so the
// SMTP session can compose an accurate reply.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/textproto"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/helpers"
	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/pkg/metrics"
	"github.com/migadu/trove/server"
	"github.com/migadu/trove/store"
)

// ErrBadAddress is returned by Resolve for syntactically invalid addresses.
var ErrBadAddress = errors.New("invalid address")

// Queue kinds recorded with outbound messages.
const (
	KindRelay    = "relay"
	KindRedirect = "redirect"
	KindVacation = "vacation"
	KindBounce   = "bounce"
)

// Directory answers whether a local mailbox owner exists.
type Directory interface {
	UserExists(ctx context.Context, address string) (bool, error)
}

// Queue accepts messages for outbound delivery and returns a queue ID.
type Queue interface {
	Enqueue(from, to, kind string, body []byte) (string, error)
}

// RelayContext describes the SMTP session asking to relay.
type RelayContext struct {
	Authenticated bool
	Principal     string
	RemoteIP      string
}

// RelayPolicy decides whether a session may send to a foreign recipient.
type RelayPolicy func(rc RelayContext, recipient string) bool

// AuthenticatedRelay allows relaying for authenticated, non-anonymous
// sessions.
func AuthenticatedRelay(rc RelayContext, _ string) bool {
	return rc.Authenticated && rc.Principal != "" && !strings.EqualFold(rc.Principal, "anonymous")
}

// DenyRelay refuses every foreign recipient.
func DenyRelay(RelayContext, string) bool { return false }

// PolicyByName maps the delivery.relay_policy setting to a predicate.
func PolicyByName(name string) (RelayPolicy, error) {
	switch strings.ToLower(name) {
	case "", "authenticated":
		return AuthenticatedRelay, nil
	case "none":
		return DenyRelay, nil
	default:
		return nil, fmt.Errorf("unknown relay policy %q", name)
	}
}

type Options struct {
	Hostname     string
	LocalDomains []string
	RelayPolicy  RelayPolicy
	Sieve        *SieveFilter
	DKIM         *DKIMSigner
	// Notify wakes the relay worker after an enqueue.
	Notify func()
	Now    func() time.Time
}

type Pipeline struct {
	store  *store.Store
	dir    Directory
	queue  Queue
	opts   Options
	locals map[string]bool
}

// NewPipeline wires the pipeline. queue may be nil, in which case foreign
// recipients are refused.
func NewPipeline(st *store.Store, dir Directory, queue Queue, opts Options) *Pipeline {
	if opts.RelayPolicy == nil {
		opts.RelayPolicy = AuthenticatedRelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	locals := make(map[string]bool, len(opts.LocalDomains))
	for _, d := range opts.LocalDomains {
		locals[strings.ToLower(strings.TrimSuffix(d, "."))] = true
	}
	return &Pipeline{store: st, dir: dir, queue: queue, opts: opts, locals: locals}
}

func (p *Pipeline) Hostname() string {
	return p.opts.Hostname
}

// IsLocal reports whether domain is delivered into the local store.
func (p *Pipeline) IsLocal(domain string) bool {
	return p.locals[strings.ToLower(domain)]
}

// Resolve classifies one RCPT TO address. The returned recipient carries
// the reply to send; it is pending when accepted, rejected or deferred
// otherwise. An error is returned only for invalid syntax.
func (p *Pipeline) Resolve(ctx context.Context, rc RelayContext, addr string) (*Recipient, error) {
	parsed, err := server.ParseAddress(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadAddress, err)
	}
	rcpt := &Recipient{Address: parsed.FullAddress()}

	if p.IsLocal(parsed.Domain()) {
		rcpt.Local = true
		rcpt.Owner = parsed.BaseAddress()
		exists, err := p.dir.UserExists(ctx, rcpt.Owner)
		switch {
		case err != nil:
			logger.Warn("Delivery: recipient lookup failed", "recipient", rcpt.Address, "error", err)
			rcpt.Disposition, rcpt.Reply = DispositionDeferred, replyDirectoryDown
		case !exists:
			rcpt.Disposition, rcpt.Reply = DispositionRejected, replyNoSuchUser
		default:
			rcpt.Disposition, rcpt.Reply = DispositionPending, replyOK
		}
		return rcpt, nil
	}

	if p.queue == nil || !p.opts.RelayPolicy(rc, rcpt.Address) {
		rcpt.Disposition, rcpt.Reply = DispositionRejected, replyRelayDenied
		return rcpt, nil
	}
	rcpt.Disposition, rcpt.Reply = DispositionPending, replyRelayOK
	return rcpt, nil
}

// Deliver commits env to every pending recipient. The result map is keyed
// by recipient address; recipients are updated in place as well.
func (p *Pipeline) Deliver(ctx context.Context, env *Envelope) map[string]Result {
	results := make(map[string]Result, len(env.Recipients))
	raw := p.withReceived(env)

	var signed []byte
	// Detail addresses of one owner share a single stored copy.
	byOwner := make(map[string]Result)
	for _, rcpt := range env.Recipients {
		if rcpt.Disposition != DispositionPending {
			results[rcpt.Address] = Result{Disposition: rcpt.Disposition, Reply: rcpt.Reply}
			continue
		}

		var res Result
		if rcpt.Local {
			if prev, ok := byOwner[rcpt.Owner]; ok {
				res = prev
			} else {
				res = p.deliverLocal(ctx, env, rcpt, raw)
				byOwner[rcpt.Owner] = res
			}
		} else {
			if signed == nil {
				signed = p.sign(env, raw)
			}
			res = p.enqueue(env.From, rcpt.Address, KindRelay, signed)
		}

		rcpt.Disposition, rcpt.Reply, rcpt.QueueID = res.Disposition, res.Reply, res.QueueID
		results[rcpt.Address] = res
		metrics.RecipientDispositions.WithLabelValues(res.Disposition.String()).Inc()
		logger.Info("Delivery: recipient processed", "envelope", env.ID, "from", env.From,
			"to", rcpt.Address, "disposition", res.Disposition.String(), "reply", res.Reply.String())
	}
	return results
}

func (p *Pipeline) deliverLocal(ctx context.Context, env *Envelope, rcpt *Recipient, raw []byte) Result {
	if err := p.store.EnsureDefaults(ctx, rcpt.Owner); err != nil {
		return failure(err)
	}

	plan := SieveResult{Mailboxes: []string{consts.MailboxInbox}}
	header := helpers.ReadHeader(raw)
	if p.opts.Sieve != nil {
		res, err := p.opts.Sieve.Evaluate(ctx, SieveInput{
			EnvelopeFrom: env.From,
			EnvelopeTo:   rcpt.Owner,
			AuthUsername: env.Principal,
			Header:       header,
			Size:         len(raw),
		})
		if err != nil {
			logger.Warn("Delivery: sieve failed, keeping message", "to", rcpt.Address, "error", err)
		} else {
			plan = res
		}
	}

	for _, addr := range plan.Redirects {
		p.redirect(ctx, env, rcpt, addr, raw)
	}
	if plan.Vacation != nil && shouldAutoReply(env.From, header) {
		p.sendVacation(ctx, rcpt, plan.Vacation, header)
	}
	if plan.Discarded() {
		logger.Info("Delivery: message discarded by sieve", "envelope", env.ID, "to", rcpt.Address)
		return Result{Disposition: DispositionDelivered, Reply: Reply{250, "2.0.0", "Message accepted"}}
	}
	if len(plan.Mailboxes) == 0 {
		return Result{Disposition: DispositionDelivered, Reply: Reply{250, "2.0.0", "Message forwarded"}}
	}

	flags := make([]imap.Flag, 0, len(plan.Flags))
	for _, f := range plan.Flags {
		flags = append(flags, imap.Flag(f))
	}

	var first Result
	var delivered bool
	for i, name := range plan.Mailboxes {
		res := p.appendTo(ctx, rcpt.Owner, name, raw, flags)
		if i == 0 || (!delivered && res.Disposition == DispositionDelivered) {
			first = res
		}
		if res.Disposition == DispositionDelivered {
			delivered = true
		}
	}
	return first
}

// appendTo stores raw in the named mailbox, falling back to INBOX when the
// mailbox does not exist.
func (p *Pipeline) appendTo(ctx context.Context, owner, name string, raw []byte, flags []imap.Flag) Result {
	mbox, err := p.store.GetMailbox(ctx, owner, name)
	if errors.Is(err, consts.ErrMailboxNotFound) || errors.Is(err, consts.ErrMailboxInvalidName) {
		logger.Info("Delivery: target mailbox missing, using INBOX", "owner", owner, "mailbox", name)
		name = consts.MailboxInbox
		mbox, err = p.store.GetMailbox(ctx, owner, name)
	}
	if err != nil {
		return failure(err)
	}

	uid, err := mbox.Append(ctx, raw, flags, time.Time{})
	if errors.Is(err, consts.ErrInvalidFlag) {
		uid, err = mbox.Append(ctx, raw, nil, time.Time{})
	}
	if err != nil {
		return failure(err)
	}
	return Result{
		Disposition: DispositionDelivered,
		Reply:       Reply{250, "2.0.0", "Message delivered"},
		Mailbox:     mbox.Name(),
		UID:         uint32(uid),
	}
}

// failure maps a store error to a recipient outcome.
func failure(err error) Result {
	switch {
	case errors.Is(err, consts.ErrQuotaExceeded):
		return Result{Disposition: DispositionDeferred, Reply: Reply{452, "4.2.2", "Mailbox full"}}
	case errors.Is(err, consts.ErrMessageTooLarge):
		return Result{Disposition: DispositionRejected, Reply: Reply{552, "5.3.4", "Message too big for mailbox"}}
	case errors.Is(err, consts.ErrMalformedMessage):
		return Result{Disposition: DispositionRejected, Reply: Reply{554, "5.6.0", "Malformed message"}}
	case errors.Is(err, consts.ErrMailboxNotFound):
		return Result{Disposition: DispositionDeferred, Reply: Reply{450, "4.2.0", "Mailbox unavailable"}}
	default:
		logger.Error("Delivery: storage failure", "error", err)
		return Result{Disposition: DispositionDeferred, Reply: Reply{451, "4.3.0", "Temporary storage failure"}}
	}
}

func (p *Pipeline) enqueue(from, to, kind string, body []byte) Result {
	if p.queue == nil {
		return Result{Disposition: DispositionRejected, Reply: replyRelayDenied}
	}
	id, err := p.queue.Enqueue(from, to, kind, body)
	if err != nil {
		logger.Error("Delivery: enqueue failed", "to", to, "kind", kind, "error", err)
		return Result{Disposition: DispositionDeferred, Reply: Reply{451, "4.3.0", "Queue temporarily unavailable"}}
	}
	if p.opts.Notify != nil {
		p.opts.Notify()
	}
	return Result{
		Disposition: DispositionRelayQueued,
		Reply:       Reply{250, "2.0.0", "Queued as " + id},
		QueueID:     id,
	}
}

// route sends a message produced by the pipeline itself (redirects,
// auto-replies, bounces): local targets are stored directly in INBOX
// without running Sieve again, everything else goes to the relay queue.
func (p *Pipeline) route(ctx context.Context, from, to, kind string, body []byte) Result {
	parsed, err := server.ParseAddress(to)
	if err != nil {
		return Result{Disposition: DispositionRejected, Reply: replyBadAddress}
	}
	if !p.IsLocal(parsed.Domain()) {
		return p.enqueue(from, parsed.FullAddress(), kind, body)
	}
	owner := parsed.BaseAddress()
	exists, err := p.dir.UserExists(ctx, owner)
	if err != nil {
		return Result{Disposition: DispositionDeferred, Reply: replyDirectoryDown}
	}
	if !exists {
		return Result{Disposition: DispositionRejected, Reply: replyNoSuchUser}
	}
	if err := p.store.EnsureDefaults(ctx, owner); err != nil {
		return failure(err)
	}
	return p.appendTo(ctx, owner, consts.MailboxInbox, body, nil)
}

func (p *Pipeline) redirect(ctx context.Context, env *Envelope, rcpt *Recipient, addr string, raw []byte) {
	res := p.route(ctx, env.From, addr, KindRedirect, raw)
	logger.Info("Delivery: sieve redirect", "envelope", env.ID, "owner", rcpt.Owner, "to", addr,
		"disposition", res.Disposition.String())
}

func (p *Pipeline) sendVacation(ctx context.Context, rcpt *Recipient, reply *VacationReply, original textproto.Header) {
	body, err := buildVacation(reply, rcpt.Owner, p.opts.Hostname, original, p.opts.Now())
	if err != nil {
		logger.Warn("Delivery: cannot build vacation reply", "owner", rcpt.Owner, "error", err)
		return
	}
	// Auto-replies use the null reverse-path so they cannot loop.
	res := p.route(ctx, "", reply.To, KindVacation, body)
	logger.Info("Delivery: vacation reply", "owner", rcpt.Owner, "to", reply.To, "disposition", res.Disposition.String())
}

// DispositionReport is sent by the relay worker when a queued message
// reaches a final state.
type DispositionReport struct {
	QueueID     string
	From        string
	To          string
	Kind        string
	Disposition Disposition
	Detail      string
	Original    []byte
}

// ReportDisposition records the final outcome of a relayed message. A
// bounce is returned to the sender unless the failed message was itself
// sent with the null reverse-path.
func (p *Pipeline) ReportDisposition(ctx context.Context, report DispositionReport) {
	metrics.RecipientDispositions.WithLabelValues(report.Disposition.String()).Inc()
	logger.Info("Delivery: relay disposition", "queue_id", report.QueueID, "kind", report.Kind,
		"from", report.From, "to", report.To, "disposition", report.Disposition.String(), "detail", report.Detail)

	if report.Disposition != DispositionBounced || report.From == "" {
		return
	}
	if report.Kind == KindBounce || report.Kind == KindVacation {
		return
	}
	bounce, err := buildBounce(p.opts.Hostname, report, p.opts.Now())
	if err != nil {
		logger.Error("Delivery: cannot build bounce", "queue_id", report.QueueID, "error", err)
		return
	}
	res := p.route(ctx, "", report.From, KindBounce, bounce)
	logger.Info("Delivery: bounce sent", "queue_id", report.QueueID, "to", report.From, "disposition", res.Disposition.String())
}

// sign applies DKIM when the sender belongs to a local domain.
func (p *Pipeline) sign(env *Envelope, raw []byte) []byte {
	if p.opts.DKIM == nil || env.From == "" {
		return raw
	}
	if at := strings.LastIndex(env.From, "@"); at < 0 || !p.IsLocal(env.From[at+1:]) {
		return raw
	}
	signed, err := p.opts.DKIM.Sign(raw)
	if err != nil {
		logger.Warn("Delivery: DKIM signing failed, sending unsigned", "envelope", env.ID, "error", err)
		return raw
	}
	return signed
}

// withReceived prepends the trace header for this hop.
func (p *Pipeline) withReceived(env *Envelope) []byte {
	proto := "ESMTP"
	if env.Authenticated {
		proto = "ESMTPA"
	}
	helo := env.Helo
	if helo == "" {
		helo = "unknown"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "Received: from %s (%s)\r\n\tby %s with %s id %s", helo, env.RemoteIP, p.opts.Hostname, proto, env.ID)
	if accepted := env.Accepted(); len(accepted) == 1 {
		fmt.Fprintf(&b, "\r\n\tfor <%s>", accepted[0].Address)
	}
	fmt.Fprintf(&b, ";\r\n\t%s\r\n", p.opts.Now().Format(time.RFC1123Z))
	b.Write(env.Body)
	return b.Bytes()
}
