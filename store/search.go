package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/helpers"
)

// Search evaluates criteria against snap and returns the matching messages
// in ascending UID order. Sequence-number criteria refer to positions in
// snap; '*' must already be resolved by the caller. Text matching is a
// case-insensitive substring test, with HTML parts converted to text.
func (m *Mailbox) Search(ctx context.Context, snap *Snapshot, criteria *imap.SearchCriteria) (matched []Message, err error) {
	defer func() { observe("search", err) }()

	for i, msg := range snap.Messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mc := &matchContext{ctx: ctx, store: m.store, owner: m.acct.owner, msg: msg, seq: uint32(i + 1)}
		ok, err := mc.match(criteria)
		if err != nil {
			if errors.Is(err, consts.ErrMessageNotFound) {
				continue
			}
			return nil, err
		}
		if ok {
			matched = append(matched, msg)
		}
	}
	return matched, nil
}

type matchContext struct {
	ctx   context.Context
	store *Store
	owner string
	msg   Message
	seq   uint32

	raw    []byte
	header *mail.Header
	text   *string
}

func (mc *matchContext) content() ([]byte, error) {
	if mc.raw == nil {
		raw, err := mc.store.Content(mc.ctx, mc.owner, mc.msg)
		if err != nil {
			return nil, err
		}
		mc.raw = raw
	}
	return mc.raw, nil
}

func (mc *matchContext) mailHeader() (*mail.Header, error) {
	if mc.header == nil {
		raw, err := mc.content()
		if err != nil {
			return nil, err
		}
		h := helpers.ReadHeader(raw)
		mc.header = &mail.Header{Header: message.Header{Header: h}}
	}
	return mc.header, nil
}

func (mc *matchContext) bodyText() (string, error) {
	if mc.text == nil {
		raw, err := mc.content()
		if err != nil {
			return "", err
		}
		t := strings.ToLower(helpers.ExtractText(raw))
		mc.text = &t
	}
	return *mc.text, nil
}

func (mc *matchContext) match(c *imap.SearchCriteria) (bool, error) {
	msg := mc.msg

	for _, set := range c.SeqNum {
		if !set.Contains(mc.seq) {
			return false, nil
		}
	}
	for _, set := range c.UID {
		if !set.Contains(msg.UID) {
			return false, nil
		}
	}

	for _, f := range c.Flag {
		if !mc.hasFlag(f) {
			return false, nil
		}
	}
	for _, f := range c.NotFlag {
		if mc.hasFlag(f) {
			return false, nil
		}
	}

	if c.Larger > 0 && msg.Size <= c.Larger {
		return false, nil
	}
	if c.Smaller > 0 && msg.Size >= c.Smaller {
		return false, nil
	}

	if !c.Since.IsZero() && dateOf(msg.InternalDate).Before(dateOf(c.Since)) {
		return false, nil
	}
	if !c.Before.IsZero() && !dateOf(msg.InternalDate).Before(dateOf(c.Before)) {
		return false, nil
	}

	if !c.SentSince.IsZero() || !c.SentBefore.IsZero() {
		h, err := mc.mailHeader()
		if err != nil {
			return false, err
		}
		sent, err := h.Date()
		if err != nil || sent.IsZero() {
			return false, nil
		}
		if !c.SentSince.IsZero() && dateOf(sent).Before(dateOf(c.SentSince)) {
			return false, nil
		}
		if !c.SentBefore.IsZero() && !dateOf(sent).Before(dateOf(c.SentBefore)) {
			return false, nil
		}
	}

	for _, field := range c.Header {
		h, err := mc.mailHeader()
		if err != nil {
			return false, err
		}
		if !h.Has(field.Key) {
			return false, nil
		}
		value, err := h.Text(field.Key)
		if err != nil {
			value = h.Get(field.Key)
		}
		if !containsFold(value, field.Value) {
			return false, nil
		}
	}

	for _, needle := range c.Body {
		text, err := mc.bodyText()
		if err != nil {
			return false, err
		}
		if !strings.Contains(text, strings.ToLower(needle)) {
			return false, nil
		}
	}
	for _, needle := range c.Text {
		raw, err := mc.content()
		if err != nil {
			return false, err
		}
		header, _ := helpers.SplitMessage(raw)
		if containsFold(string(header), needle) {
			continue
		}
		text, err := mc.bodyText()
		if err != nil {
			return false, err
		}
		if !strings.Contains(text, strings.ToLower(needle)) {
			return false, nil
		}
	}

	for i := range c.Not {
		ok, err := mc.match(&c.Not[i])
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	for i := range c.Or {
		left, err := mc.match(&c.Or[i][0])
		if err != nil {
			return false, err
		}
		if left {
			continue
		}
		right, err := mc.match(&c.Or[i][1])
		if err != nil {
			return false, err
		}
		if !right {
			return false, nil
		}
	}
	return true, nil
}

func (mc *matchContext) hasFlag(f imap.Flag) bool {
	if flagEqual(f, consts.FlagRecent) {
		return mc.msg.Recent
	}
	return mc.msg.HasFlag(f)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
