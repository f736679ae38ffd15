package imap

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/store"
)

// selection is the session's view of the selected mailbox. Sequence
// numbers are positions in uids; it only changes when the session reports
// the change to the client.
type selection struct {
	mailbox     *store.Mailbox
	name        string
	readOnly    bool
	uidValidity uint32
	sub         *store.Subscription
	unsubscribe func()

	uids   []imap.UID
	flags  map[imap.UID][]imap.Flag
	recent map[imap.UID]bool

	// pending is set when the view is known to be stale, for example after
	// an expunge that could not be reported yet.
	pending bool
}

// open subscribes before taking the snapshot so no change is missed.
// SELECT claims \Recent; EXAMINE only observes it.
func (s *session) open(mbox *store.Mailbox, readOnly bool) (*selection, error) {
	sub, unsubscribe := mbox.Subscribe()
	var claimed []imap.UID
	if !readOnly {
		claimed = mbox.ClaimRecent()
	}
	snap, err := mbox.Snapshot()
	if err != nil {
		unsubscribe()
		return nil, err
	}

	sel := &selection{
		mailbox:     mbox,
		name:        mbox.Name(),
		readOnly:    readOnly,
		uidValidity: snap.UIDValidity,
		sub:         sub,
		unsubscribe: unsubscribe,
		uids:        snap.UIDs(),
		flags:       make(map[imap.UID][]imap.Flag, len(snap.Messages)),
		recent:      make(map[imap.UID]bool),
	}
	for _, msg := range snap.Messages {
		sel.flags[msg.UID] = msg.Flags
		if readOnly && msg.Recent {
			sel.recent[msg.UID] = true
		}
	}
	for _, uid := range claimed {
		if _, ok := sel.flags[uid]; ok {
			sel.recent[uid] = true
		}
	}
	return sel, nil
}

func (s *session) deselect() {
	if s.sel == nil {
		return
	}
	s.sel.unsubscribe()
	s.sel = nil
	if s.state == stateSelected {
		s.state = stateAuthenticated
	}
}

func (sel *selection) firstUnseen() uint32 {
	for i, uid := range sel.uids {
		if !slices.Contains(sel.flags[uid], imap.FlagSeen) {
			return uint32(i + 1)
		}
	}
	return 0
}

func (sel *selection) seqOf(uid imap.UID) uint32 {
	i, ok := slices.BinarySearch(sel.uids, uid)
	if !ok {
		return 0
	}
	return uint32(i + 1)
}

// flagsOf returns the flags to report for uid, with \Recent added for
// messages that are recent in this session.
func (sel *selection) flagsOf(uid imap.UID) []imap.Flag {
	flags := sel.flags[uid]
	if sel.recent[uid] {
		flags = append(slices.Clone(flags), consts.FlagRecent)
	}
	return flags
}

// remove drops uid from the view and returns the sequence number it had.
func (sel *selection) remove(uid imap.UID) uint32 {
	i, ok := slices.BinarySearch(sel.uids, uid)
	if !ok {
		return 0
	}
	sel.uids = slices.Delete(sel.uids, i, i+1)
	delete(sel.flags, uid)
	delete(sel.recent, uid)
	return uint32(i + 1)
}

// poll reports changes made to the selected mailbox since the last poll.
// Expunges are only reported when allowExpunge is set; until then the
// expunged messages stay in the view so sequence numbers do not move.
func (s *session) poll(allowExpunge bool) error {
	sel := s.sel
	events, lost := sel.sub.Drain()
	if len(events) == 0 && !lost && !sel.pending {
		return nil
	}
	for _, ev := range events {
		if ev.Kind == store.EventDestroyed {
			return s.mailboxGone()
		}
	}

	snap, err := sel.mailbox.Snapshot()
	if errors.Is(err, consts.ErrMailboxNotFound) {
		return s.mailboxGone()
	}
	if err != nil {
		s.WarnLog("cannot refresh %s: %v", sel.name, err)
		sel.pending = true
		return nil
	}
	sel.pending = false

	present := make(map[imap.UID]store.Message, len(snap.Messages))
	for _, msg := range snap.Messages {
		present[msg.UID] = msg
	}

	var gone []imap.UID
	for _, uid := range sel.uids {
		if _, ok := present[uid]; !ok {
			gone = append(gone, uid)
		}
	}
	if len(gone) > 0 {
		if allowExpunge {
			// Each number is relative to the view after the previous one.
			for _, uid := range gone {
				s.untagged("%d EXPUNGE", sel.remove(uid))
			}
		} else {
			sel.pending = true
		}
	}

	for i, uid := range sel.uids {
		msg, ok := present[uid]
		if !ok || slices.Equal(msg.Flags, sel.flags[uid]) {
			continue
		}
		sel.flags[uid] = msg.Flags
		s.untagged("%d FETCH (FLAGS %s)", i+1, formatFlags(sel.flagsOf(uid)))
	}

	var last imap.UID
	if n := len(sel.uids); n > 0 {
		last = sel.uids[n-1]
	}
	added := false
	for _, msg := range snap.Messages {
		if msg.UID <= last {
			continue
		}
		sel.uids = append(sel.uids, msg.UID)
		sel.flags[msg.UID] = msg.Flags
		if sel.readOnly && msg.Recent {
			sel.recent[msg.UID] = true
		}
		added = true
	}
	if added {
		if !sel.readOnly {
			for _, uid := range sel.mailbox.ClaimRecent() {
				if _, ok := sel.flags[uid]; ok {
					sel.recent[uid] = true
				}
			}
		}
		s.untagged("%d EXISTS", len(sel.uids))
		s.untagged("%d RECENT", len(sel.recent))
	}
	return nil
}

func (s *session) mailboxGone() error {
	s.Log("selected mailbox %s was deleted", s.sel.name)
	s.untagged("BYE Selected mailbox no longer exists")
	s.deselect()
	s.state = stateLogout
	return errCloseSession
}

// target is a message addressed by a command, in view order.
type target struct {
	seq uint32
	uid imap.UID
}

// targets resolves a sequence or UID set against the view. Sequence numbers
// beyond the view are an error; unknown UIDs are ignored.
func (sel *selection) targets(arg token, byUID bool) ([]target, error) {
	if arg.kind != tokAtom {
		return nil, errBadNumSet
	}
	var out []target
	if !byUID {
		set, err := parseNumSet(arg.text, uint32(len(sel.uids)))
		if err != nil {
			return nil, err
		}
		for _, r := range set {
			if r.stop > uint32(len(sel.uids)) {
				return nil, errors.New("Invalid sequence number")
			}
		}
		for i, uid := range sel.uids {
			if set.contains(uint32(i + 1)) {
				out = append(out, target{seq: uint32(i + 1), uid: uid})
			}
		}
		return out, nil
	}

	var max uint32
	if n := len(sel.uids); n > 0 {
		max = uint32(sel.uids[n-1])
	}
	set, err := parseNumSet(arg.text, max)
	if err != nil {
		return nil, err
	}
	for i, uid := range sel.uids {
		if set.contains(uint32(uid)) {
			out = append(out, target{seq: uint32(i + 1), uid: uid})
		}
	}
	return out, nil
}

func uidsOf(targets []target) []imap.UID {
	uids := make([]imap.UID, len(targets))
	for i, t := range targets {
		uids[i] = t.uid
	}
	return uids
}

func (s *session) handleClose(ctx context.Context, cmd *command) (reply, error) {
	sel := s.sel
	if !sel.readOnly {
		if _, err := sel.mailbox.Expunge(ctx); err != nil {
			if errors.Is(err, consts.ErrMailboxNotFound) {
				s.deselect()
			}
			return s.storeError("CLOSE", err), nil
		}
	}
	s.deselect()
	return okReply("", "CLOSE completed"), nil
}

func (s *session) handleUnselect(ctx context.Context, cmd *command) (reply, error) {
	s.deselect()
	return okReply("", "UNSELECT completed"), nil
}

func (s *session) handleExpunge(ctx context.Context, cmd *command) (reply, error) {
	sel := s.sel
	if sel.readOnly {
		return noReply("READ-ONLY", "Mailbox is read-only"), nil
	}
	byUID := cmd.name == "UID EXPUNGE"
	if byUID && len(cmd.args) != 1 {
		return badReply("UID EXPUNGE expects a UID set"), nil
	}

	// Bring the view up to date so the sequence numbers below are right.
	if err := s.poll(true); err != nil {
		return reply{}, err
	}

	var removals []store.Removal
	var err error
	if byUID {
		targets, terr := sel.targets(cmd.args[0], true)
		if terr != nil {
			return badReply("%v", terr), nil
		}
		if len(targets) == 0 {
			return okReply("", "UID EXPUNGE completed"), nil
		}
		removals, err = sel.mailbox.ExpungeDeletedUIDs(ctx, uidsOf(targets))
	} else {
		removals, err = sel.mailbox.Expunge(ctx)
	}
	if err != nil {
		return s.storeError(cmd.name, err), nil
	}

	uids := make([]imap.UID, len(removals))
	for i, r := range removals {
		uids[i] = r.UID
	}
	slices.Sort(uids)
	for _, uid := range uids {
		if seq := sel.remove(uid); seq > 0 {
			s.untagged("%d EXPUNGE", seq)
		}
	}
	return okReply("", "%s completed", cmd.name), nil
}

func (s *session) handleStore(ctx context.Context, cmd *command) (reply, error) {
	sel := s.sel
	byUID := cmd.name == "UID STORE"
	if len(cmd.args) < 3 || cmd.args[1].kind != tokAtom {
		return badReply("STORE expects a set, an item and flags"), nil
	}

	item := strings.ToUpper(cmd.args[1].text)
	silent := strings.HasSuffix(item, ".SILENT")
	item = strings.TrimSuffix(item, ".SILENT")
	var op imap.StoreFlagsOp
	switch item {
	case "FLAGS":
		op = imap.StoreFlagsSet
	case "+FLAGS":
		op = imap.StoreFlagsAdd
	case "-FLAGS":
		op = imap.StoreFlagsDel
	default:
		return badReply("Unknown STORE item %s", cmd.args[1].text), nil
	}

	flagArgs := cmd.args[2:]
	if len(flagArgs) == 1 && flagArgs[0].kind == tokList {
		flagArgs = flagArgs[0].list
	}
	flags := make([]imap.Flag, 0, len(flagArgs))
	for _, f := range flagArgs {
		if f.kind != tokAtom {
			return badReply("Invalid flag"), nil
		}
		if strings.EqualFold(f.text, string(consts.FlagRecent)) {
			continue
		}
		flags = append(flags, imap.Flag(f.text))
	}

	if sel.readOnly {
		return noReply("READ-ONLY", "Mailbox is read-only"), nil
	}
	targets, err := sel.targets(cmd.args[0], byUID)
	if err != nil {
		return badReply("%v", err), nil
	}

	for _, t := range targets {
		result, err := sel.mailbox.UpdateFlags(ctx, t.uid, op, flags)
		if errors.Is(err, consts.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return s.storeError(cmd.name, err), nil
		}
		sel.flags[t.uid] = result
		if silent {
			continue
		}
		if byUID {
			s.untagged("%d FETCH (FLAGS %s UID %d)", t.seq, formatFlags(sel.flagsOf(t.uid)), t.uid)
		} else {
			s.untagged("%d FETCH (FLAGS %s)", t.seq, formatFlags(sel.flagsOf(t.uid)))
		}
	}
	return okReply("", "%s completed", cmd.name), nil
}

func (s *session) handleCopy(ctx context.Context, cmd *command) (reply, error) {
	sel := s.sel
	if len(cmd.args) != 2 {
		return badReply("COPY expects a set and a mailbox name"), nil
	}
	name, ok := cmd.args[1].astring()
	if !ok {
		return badReply("COPY expects a mailbox name"), nil
	}
	targets, err := sel.targets(cmd.args[0], cmd.name == "UID COPY")
	if err != nil {
		return badReply("%v", err), nil
	}

	dest, err := s.srv.store.GetMailbox(ctx, s.owner, name)
	if err != nil {
		if errors.Is(err, consts.ErrMailboxNotFound) {
			return noReply("TRYCREATE", "Destination mailbox does not exist"), nil
		}
		return s.storeError(cmd.name, err), nil
	}
	if len(targets) == 0 {
		return okReply("", "%s completed", cmd.name), nil
	}

	results, err := sel.mailbox.Copy(ctx, uidsOf(targets), dest)
	if err != nil {
		return s.storeError(cmd.name, err), nil
	}
	if len(results) == 0 {
		return okReply("", "%s completed", cmd.name), nil
	}
	src := make([]imap.UID, len(results))
	dst := make([]imap.UID, len(results))
	for i, r := range results {
		src[i] = r.SourceUID
		dst[i] = r.DestUID
	}
	code := fmt.Sprintf("COPYUID %d %s %s", dest.UIDValidity(), compactUIDs(src), compactUIDs(dst))
	return okReply(code, "%s completed", cmd.name), nil
}
