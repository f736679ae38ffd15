package imap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/trove/store"
)

const searchDateLayout = "_2-Jan-2006"

var errBadCharset = errors.New("unsupported charset")

// searchParser turns search keys into criteria. Sequence numbers and the
// session-scoped RECENT state are resolved against the view and expressed
// as UID sets.
type searchParser struct {
	sel  *selection
	args []token
	pos  int
}

func (p *searchParser) next() (token, error) {
	if p.pos >= len(p.args) {
		return token{}, errors.New("Missing search argument")
	}
	t := p.args[p.pos]
	p.pos++
	return t, nil
}

func (p *searchParser) str() (string, error) {
	t, err := p.next()
	if err != nil {
		return "", err
	}
	s, ok := t.astring()
	if !ok {
		return "", errors.New("Expected a string")
	}
	return s, nil
}

func (p *searchParser) date() (time.Time, error) {
	s, err := p.str()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(searchDateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("Invalid date %q", s)
	}
	return t, nil
}

func (p *searchParser) number() (int64, error) {
	s, err := p.str()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("Invalid number %q", s)
	}
	return int64(n), nil
}

// parse reads all remaining keys, which are ANDed.
func (p *searchParser) parse() (*imap.SearchCriteria, error) {
	c := &imap.SearchCriteria{}
	if p.pos < len(p.args) && strings.EqualFold(p.args[p.pos].text, "CHARSET") && p.args[p.pos].kind == tokAtom {
		p.pos++
		cs, err := p.str()
		if err != nil {
			return nil, err
		}
		switch strings.ToUpper(cs) {
		case "UTF-8", "US-ASCII":
		default:
			return nil, errBadCharset
		}
	}
	if p.pos >= len(p.args) {
		return nil, errors.New("Missing search criteria")
	}
	for p.pos < len(p.args) {
		if err := p.key(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (p *searchParser) key(c *imap.SearchCriteria) error {
	t, err := p.next()
	if err != nil {
		return err
	}
	if t.kind == tokList {
		sub := &searchParser{sel: p.sel, args: t.list}
		if len(t.list) == 0 {
			return errors.New("Empty search list")
		}
		for sub.pos < len(sub.args) {
			if err := sub.key(c); err != nil {
				return err
			}
		}
		return nil
	}
	if t.kind != tokAtom {
		return errors.New("Expected a search key")
	}

	switch name := strings.ToUpper(t.text); name {
	case "ALL":
	case "ANSWERED":
		c.Flag = append(c.Flag, imap.FlagAnswered)
	case "DELETED":
		c.Flag = append(c.Flag, imap.FlagDeleted)
	case "DRAFT":
		c.Flag = append(c.Flag, imap.FlagDraft)
	case "FLAGGED":
		c.Flag = append(c.Flag, imap.FlagFlagged)
	case "SEEN":
		c.Flag = append(c.Flag, imap.FlagSeen)
	case "UNANSWERED":
		c.NotFlag = append(c.NotFlag, imap.FlagAnswered)
	case "UNDELETED":
		c.NotFlag = append(c.NotFlag, imap.FlagDeleted)
	case "UNDRAFT":
		c.NotFlag = append(c.NotFlag, imap.FlagDraft)
	case "UNFLAGGED":
		c.NotFlag = append(c.NotFlag, imap.FlagFlagged)
	case "UNSEEN":
		c.NotFlag = append(c.NotFlag, imap.FlagSeen)
	case "KEYWORD", "UNKEYWORD":
		kw, err := p.str()
		if err != nil {
			return err
		}
		if name == "KEYWORD" {
			c.Flag = append(c.Flag, imap.Flag(kw))
		} else {
			c.NotFlag = append(c.NotFlag, imap.Flag(kw))
		}
	case "RECENT":
		c.UID = append(c.UID, p.recentSet())
	case "NEW":
		c.UID = append(c.UID, p.recentSet())
		c.NotFlag = append(c.NotFlag, imap.FlagSeen)
	case "OLD":
		c.Not = append(c.Not, imap.SearchCriteria{UID: []imap.UIDSet{p.recentSet()}})
	case "BCC", "CC", "FROM", "SUBJECT", "TO":
		v, err := p.str()
		if err != nil {
			return err
		}
		c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: headerKey(name), Value: v})
	case "HEADER":
		field, err := p.str()
		if err != nil {
			return err
		}
		v, err := p.str()
		if err != nil {
			return err
		}
		c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: field, Value: v})
	case "BODY":
		v, err := p.str()
		if err != nil {
			return err
		}
		c.Body = append(c.Body, v)
	case "TEXT":
		v, err := p.str()
		if err != nil {
			return err
		}
		c.Text = append(c.Text, v)
	case "BEFORE", "ON", "SINCE", "SENTBEFORE", "SENTON", "SENTSINCE":
		d, err := p.date()
		if err != nil {
			return err
		}
		applyDate(c, name, d)
	case "LARGER":
		n, err := p.number()
		if err != nil {
			return err
		}
		if n > c.Larger {
			c.Larger = n
		}
	case "SMALLER":
		n, err := p.number()
		if err != nil {
			return err
		}
		if c.Smaller == 0 || n < c.Smaller {
			c.Smaller = n
		}
	case "UID":
		arg, err := p.next()
		if err != nil {
			return err
		}
		targets, err := p.sel.targets(arg, true)
		if err != nil {
			return err
		}
		c.UID = append(c.UID, uidSetOf(uidsOf(targets)))
	case "NOT":
		var sub imap.SearchCriteria
		if err := p.key(&sub); err != nil {
			return err
		}
		c.Not = append(c.Not, sub)
	case "OR":
		var left, right imap.SearchCriteria
		if err := p.key(&left); err != nil {
			return err
		}
		if err := p.key(&right); err != nil {
			return err
		}
		c.Or = append(c.Or, [2]imap.SearchCriteria{left, right})
	default:
		set, err := parseNumSet(t.text, uint32(len(p.sel.uids)))
		if err != nil {
			return fmt.Errorf("Unknown search key %s", t.text)
		}
		var uids []imap.UID
		for i, uid := range p.sel.uids {
			if set.contains(uint32(i + 1)) {
				uids = append(uids, uid)
			}
		}
		c.UID = append(c.UID, uidSetOf(uids))
	}
	return nil
}

func (p *searchParser) recentSet() imap.UIDSet {
	var uids []imap.UID
	for _, uid := range p.sel.uids {
		if p.sel.recent[uid] {
			uids = append(uids, uid)
		}
	}
	return uidSetOf(uids)
}

func headerKey(key string) string {
	switch key {
	case "BCC":
		return "Bcc"
	case "CC":
		return "Cc"
	case "FROM":
		return "From"
	case "TO":
		return "To"
	default:
		return "Subject"
	}
}

// applyDate narrows the date window. ON d is SINCE d and BEFORE d+1.
func applyDate(c *imap.SearchCriteria, key string, d time.Time) {
	since := func(t *time.Time, v time.Time) {
		if t.IsZero() || v.After(*t) {
			*t = v
		}
	}
	before := func(t *time.Time, v time.Time) {
		if t.IsZero() || v.Before(*t) {
			*t = v
		}
	}
	switch key {
	case "SINCE":
		since(&c.Since, d)
	case "BEFORE":
		before(&c.Before, d)
	case "ON":
		since(&c.Since, d)
		before(&c.Before, d.AddDate(0, 0, 1))
	case "SENTSINCE":
		since(&c.SentSince, d)
	case "SENTBEFORE":
		before(&c.SentBefore, d)
	case "SENTON":
		since(&c.SentSince, d)
		before(&c.SentBefore, d.AddDate(0, 0, 1))
	}
}

func (s *session) handleSearch(ctx context.Context, cmd *command) (reply, error) {
	sel := s.sel
	byUID := cmd.name == "UID SEARCH"

	p := &searchParser{sel: sel, args: cmd.args}
	criteria, err := p.parse()
	if errors.Is(err, errBadCharset) {
		return noReply("BADCHARSET (UTF-8 US-ASCII)", "Unsupported charset"), nil
	}
	if err != nil {
		return badReply("%v", err), nil
	}

	full, err := sel.mailbox.Snapshot()
	if err != nil {
		return s.storeError(cmd.name, err), nil
	}
	// Search what the client can see: no unreported arrivals, no ghosts.
	inView := make(map[imap.UID]bool, len(sel.uids))
	for _, uid := range sel.uids {
		inView[uid] = true
	}
	snap := &store.Snapshot{UIDValidity: full.UIDValidity, UIDNext: full.UIDNext}
	for _, msg := range full.Messages {
		if inView[msg.UID] {
			msg.Recent = sel.recent[msg.UID]
			snap.Messages = append(snap.Messages, msg)
		}
	}

	matched, err := sel.mailbox.Search(ctx, snap, criteria)
	if err != nil {
		if ctx.Err() != nil {
			return reply{}, err
		}
		return s.storeError(cmd.name, err), nil
	}

	nums := make([]string, 0, len(matched))
	for _, msg := range matched {
		if byUID {
			nums = append(nums, strconv.FormatUint(uint64(msg.UID), 10))
		} else if seq := sel.seqOf(msg.UID); seq > 0 {
			nums = append(nums, strconv.FormatUint(uint64(seq), 10))
		}
	}
	if len(nums) == 0 {
		s.untagged("SEARCH")
	} else {
		s.untagged("SEARCH %s", strings.Join(nums, " "))
	}
	return okReply("", "%s completed", cmd.name), nil
}
