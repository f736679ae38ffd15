package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/pkg/metrics"
)

// SieveInput is what a script sees of one local delivery.
type SieveInput struct {
	EnvelopeFrom string
	EnvelopeTo   string
	AuthUsername string
	Header       textproto.Header
	Size         int
}

// SieveResult is the outcome of running a script. An empty Mailboxes and
// Redirects means the message is discarded.
type SieveResult struct {
	Mailboxes []string // INBOX appears here for keep and implicit keep
	Redirects []string
	Flags     []string
	Vacation  *VacationReply
}

// Discarded reports whether the script dropped the message.
func (r SieveResult) Discarded() bool {
	return len(r.Mailboxes) == 0 && len(r.Redirects) == 0
}

// SieveFilter runs one compiled script for every local delivery. A loaded
// script is safe for concurrent use; each evaluation gets its own runtime
// data and policy.
type SieveFilter struct {
	script   *sieve.Script
	vacation *vacationTracker
}

// SieveExtensions are the extensions a delivery script may require.
var SieveExtensions = []string{
	"envelope", "fileinto", "redirect", "encoded-character", "imap4flags",
	"variables", "relational", "vacation", "copy", "regex",
}

func LoadSieveFilter(r io.Reader) (*SieveFilter, error) {
	options := sieve.DefaultOptions()
	options.EnabledExtensions = SieveExtensions
	script, err := sieve.Load(r, options)
	if err != nil {
		return nil, fmt.Errorf("sieve: %w", err)
	}
	return &SieveFilter{
		script:   script,
		vacation: newVacationTracker(time.Now),
	}, nil
}

func LoadSieveFile(path string) (*SieveFilter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sieve: %w", err)
	}
	defer f.Close()
	return LoadSieveFilter(f)
}

// Evaluate runs the script. On error the caller falls back to keep.
func (f *SieveFilter) Evaluate(ctx context.Context, in SieveInput) (SieveResult, error) {
	policy := &sievePolicy{owner: in.EnvelopeTo}
	envelope := &sieveEnvelope{from: in.EnvelopeFrom, to: in.EnvelopeTo, auth: in.AuthUsername}
	msg := &sieveMessage{header: in.Header, size: in.Size}

	data := sieve.NewRuntimeData(f.script, policy, envelope, msg)
	if err := f.script.Execute(ctx, data); err != nil {
		metrics.SieveExecutions.WithLabelValues("error").Inc()
		return SieveResult{Mailboxes: []string{consts.MailboxInbox}}, err
	}
	metrics.SieveExecutions.WithLabelValues("success").Inc()

	var res SieveResult
	for _, mbox := range data.Mailboxes {
		if !slices.Contains(res.Mailboxes, mbox) {
			res.Mailboxes = append(res.Mailboxes, mbox)
		}
	}
	// fileinto and redirect cancel the implicit keep unless :copy was given
	// or keep was explicit.
	if (data.Keep || data.ImplicitKeep) && !slices.Contains(res.Mailboxes, consts.MailboxInbox) {
		res.Mailboxes = append([]string{consts.MailboxInbox}, res.Mailboxes...)
	}
	res.Redirects = append(res.Redirects, data.RedirectAddr...)
	res.Flags = append(res.Flags, data.Flags...)

	for sender, v := range data.VacationResponses {
		interval := time.Duration(v.Days) * 24 * time.Hour
		if !f.vacation.allow(in.EnvelopeTo, sender, v.Handle, interval) {
			continue
		}
		res.Vacation = &VacationReply{
			From:    v.From,
			To:      sender,
			Subject: v.Subject,
			Body:    v.Body,
			IsMime:  v.IsMime,
		}
		break
	}
	return res, nil
}

// sievePolicy implements interp.PolicyReader for one evaluation. Vacation
// rate limiting happens after execution against the filter's tracker.
type sievePolicy struct {
	owner string
}

func (p *sievePolicy) RedirectAllowed(ctx context.Context, d *interp.RuntimeData, addr string) (bool, error) {
	return !strings.EqualFold(addr, p.owner), nil
}

func (p *sievePolicy) VacationResponseAllowed(ctx context.Context, d *interp.RuntimeData,
	originalSender, handle string, duration time.Duration) (bool, error) {
	return true, nil
}

func (p *sievePolicy) SendVacationResponse(ctx context.Context, d *interp.RuntimeData,
	recipient, from, subject, body string, isMime bool) error {
	return nil
}

type sieveEnvelope struct {
	from, to, auth string
}

func (e *sieveEnvelope) EnvelopeFrom() string { return e.from }
func (e *sieveEnvelope) EnvelopeTo() string   { return e.to }
func (e *sieveEnvelope) AuthUsername() string { return e.auth }

type sieveMessage struct {
	header textproto.Header
	size   int
}

func (m *sieveMessage) HeaderGet(key string) ([]string, error) {
	return m.header.Values(key), nil
}

func (m *sieveMessage) MessageSize() int {
	return m.size
}

// vacationTracker remembers when a vacation reply was last sent.
type vacationTracker struct {
	now  func() time.Time
	mu   sync.Mutex
	sent map[string]time.Time
}

func newVacationTracker(now func() time.Time) *vacationTracker {
	return &vacationTracker{now: now, sent: make(map[string]time.Time)}
}

const maxVacationInterval = 90 * 24 * time.Hour

func (t *vacationTracker) allow(owner, sender, handle string, interval time.Duration) bool {
	interval = min(interval, maxVacationInterval)
	key := strings.ToLower(owner) + "\x00" + strings.ToLower(sender) + "\x00" + handle
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.sent[key]; ok && now.Sub(last) < interval {
		return false
	}
	t.sent[key] = now
	for k, last := range t.sent {
		if now.Sub(last) > maxVacationInterval {
			delete(t.sent, k)
		}
	}
	return true
}
