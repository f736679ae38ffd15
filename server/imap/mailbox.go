package imap

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/store"
)

const dateTimeLayout = "_2-Jan-2006 15:04:05 -0700"

func (s *session) handleSelect(ctx context.Context, cmd *command) (reply, error) {
	readOnly := cmd.name == "EXAMINE"
	if len(cmd.args) != 1 {
		return badReply("%s expects a mailbox name", cmd.name), nil
	}
	name, ok := cmd.args[0].astring()
	if !ok {
		return badReply("%s expects a mailbox name", cmd.name), nil
	}

	// A failed SELECT leaves no mailbox selected.
	s.deselect()
	s.state = stateAuthenticated

	mbox, err := s.srv.store.GetMailbox(ctx, s.owner, name)
	if err != nil {
		return s.storeError(cmd.name, err), nil
	}
	sel, err := s.open(mbox, readOnly)
	if err != nil {
		return s.storeError(cmd.name, err), nil
	}
	s.sel = sel
	s.state = stateSelected

	st, err := mbox.Status()
	if err != nil {
		s.deselect()
		s.state = stateAuthenticated
		return s.storeError(cmd.name, err), nil
	}

	keywords := map[imap.Flag]bool{}
	for _, uid := range sel.uids {
		for _, f := range store.Keywords(sel.flags[uid]) {
			keywords[f] = true
		}
	}
	flags := slices.Clone(permanentSystemFlags)
	for _, f := range slices.Sorted(maps.Keys(keywords)) {
		flags = append(flags, f)
	}

	s.untagged("FLAGS %s", formatFlags(flags))
	if readOnly {
		s.untagged("OK [PERMANENTFLAGS ()] Read-only mailbox")
	} else {
		s.untagged(`OK [PERMANENTFLAGS %s] Flags permitted`, formatFlags(append(flags, `\*`)))
	}
	s.untagged("%d EXISTS", len(sel.uids))
	s.untagged("%d RECENT", len(sel.recent))
	if first := sel.firstUnseen(); first > 0 {
		s.untagged("OK [UNSEEN %d] First unseen", first)
	}
	s.untagged("OK [UIDVALIDITY %d] UIDs valid", sel.uidValidity)
	s.untagged("OK [UIDNEXT %d] Predicted next UID", st.UIDNext)

	s.Log("selected %s (messages=%d, read-only=%v)", sel.name, len(sel.uids), readOnly)
	if readOnly {
		return okReply("READ-ONLY", "EXAMINE completed"), nil
	}
	return okReply("READ-WRITE", "SELECT completed"), nil
}

var permanentSystemFlags = []imap.Flag{imap.FlagAnswered, imap.FlagFlagged, imap.FlagDeleted, imap.FlagSeen, imap.FlagDraft}

func (s *session) handleCreate(ctx context.Context, cmd *command) (reply, error) {
	name, r, ok := s.mailboxArg(cmd)
	if !ok {
		return r, nil
	}
	if err := s.srv.store.CreateMailbox(ctx, s.owner, name); err != nil {
		return s.storeError("CREATE", err), nil
	}
	return okReply("", "CREATE completed"), nil
}

func (s *session) handleDelete(ctx context.Context, cmd *command) (reply, error) {
	name, r, ok := s.mailboxArg(cmd)
	if !ok {
		return r, nil
	}
	if err := s.srv.store.DeleteMailbox(ctx, s.owner, name); err != nil {
		return s.storeError("DELETE", err), nil
	}
	// Deleting the selected mailbox leaves the session authenticated.
	if s.sel != nil && !s.sel.mailbox.Exists() {
		s.deselect()
	}
	return okReply("", "DELETE completed"), nil
}

func (s *session) handleRename(ctx context.Context, cmd *command) (reply, error) {
	if len(cmd.args) != 2 {
		return badReply("RENAME expects two mailbox names"), nil
	}
	from, ok1 := cmd.args[0].astring()
	to, ok2 := cmd.args[1].astring()
	if !ok1 || !ok2 {
		return badReply("RENAME expects two mailbox names"), nil
	}
	if err := s.srv.store.RenameMailbox(ctx, s.owner, from, to); err != nil {
		return s.storeError("RENAME", err), nil
	}
	return okReply("", "RENAME completed"), nil
}

func (s *session) handleSubscribe(ctx context.Context, cmd *command) (reply, error) {
	name, r, ok := s.mailboxArg(cmd)
	if !ok {
		return r, nil
	}
	if err := s.srv.store.SetSubscribed(ctx, s.owner, name, cmd.name == "SUBSCRIBE"); err != nil {
		return s.storeError(cmd.name, err), nil
	}
	return okReply("", "%s completed", cmd.name), nil
}

func (s *session) mailboxArg(cmd *command) (string, reply, bool) {
	if len(cmd.args) != 1 {
		return "", badReply("%s expects a mailbox name", cmd.name), false
	}
	name, ok := cmd.args[0].astring()
	if !ok {
		return "", badReply("%s expects a mailbox name", cmd.name), false
	}
	return name, reply{}, true
}

func (s *session) handleList(ctx context.Context, cmd *command) (reply, error) {
	if len(cmd.args) != 2 {
		return badReply("%s expects a reference and a pattern", cmd.name), nil
	}
	ref, ok1 := cmd.args[0].astring()
	pattern, ok2 := cmd.args[1].astring()
	if !ok1 || !ok2 {
		return badReply("%s expects a reference and a pattern", cmd.name), nil
	}
	delim := quote(string(consts.MailboxDelimiter))

	if pattern == "" {
		if cmd.name == "LIST" {
			s.untagged(`LIST (\Noselect) %s ""`, delim)
		}
		return okReply("", "%s completed", cmd.name), nil
	}

	infos, err := s.srv.store.ListMailboxes(ctx, s.owner)
	if err != nil {
		return s.storeError(cmd.name, err), nil
	}
	for _, info := range infos {
		if cmd.name == "LSUB" && !info.Subscribed {
			continue
		}
		if !matchMailbox(info.Name, ref, pattern) {
			continue
		}
		var attrs []string
		if cmd.name == "LIST" {
			if info.HasChildren {
				attrs = append(attrs, `\HasChildren`)
			} else {
				attrs = append(attrs, `\HasNoChildren`)
			}
			if info.SpecialUse != "" {
				attrs = append(attrs, info.SpecialUse)
			}
		}
		s.untagged("%s (%s) %s %s", cmd.name, strings.Join(attrs, " "), delim, mailboxName(info.Name))
	}
	return okReply("", "%s completed", cmd.name), nil
}

// matchMailbox applies a LIST pattern. INBOX matches case-insensitively.
func matchMailbox(name, ref, pattern string) bool {
	if imapserver.MatchList(name, consts.MailboxDelimiter, ref, pattern) {
		return true
	}
	if name == consts.MailboxInbox {
		return imapserver.MatchList(name, consts.MailboxDelimiter, strings.ToUpper(ref), strings.ToUpper(pattern))
	}
	return false
}

func (s *session) handleStatus(ctx context.Context, cmd *command) (reply, error) {
	if len(cmd.args) != 2 || cmd.args[1].kind != tokList {
		return badReply("STATUS expects a mailbox name and a list of items"), nil
	}
	name, ok := cmd.args[0].astring()
	if !ok {
		return badReply("STATUS expects a mailbox name"), nil
	}
	mbox, err := s.srv.store.GetMailbox(ctx, s.owner, name)
	if err != nil {
		return s.storeError("STATUS", err), nil
	}
	st, err := mbox.Status()
	if err != nil {
		return s.storeError("STATUS", err), nil
	}

	var items []string
	for _, item := range cmd.args[1].list {
		var v uint64
		switch strings.ToUpper(item.text) {
		case "MESSAGES":
			v = uint64(st.Messages)
		case "RECENT":
			v = uint64(st.Recent)
		case "UIDNEXT":
			v = uint64(st.UIDNext)
		case "UIDVALIDITY":
			v = uint64(st.UIDValidity)
		case "UNSEEN":
			v = uint64(st.Unseen)
		default:
			return badReply("Unknown STATUS item %s", item.text), nil
		}
		items = append(items, fmt.Sprintf("%s %d", strings.ToUpper(item.text), v))
	}
	s.untagged("STATUS %s (%s)", mailboxName(mbox.Name()), strings.Join(items, " "))
	return okReply("", "STATUS completed"), nil
}

func (s *session) handleAppend(ctx context.Context, cmd *command) (reply, error) {
	if len(cmd.args) < 2 || len(cmd.args) > 4 {
		return badReply("APPEND expects a mailbox name and a message"), nil
	}
	name, ok := cmd.args[0].astring()
	if !ok {
		return badReply("APPEND expects a mailbox name"), nil
	}
	msgArg := cmd.args[len(cmd.args)-1]
	if msgArg.kind != tokString {
		return badReply("APPEND expects the message as a literal"), nil
	}

	var flags []imap.Flag
	var date time.Time
	for _, arg := range cmd.args[1 : len(cmd.args)-1] {
		switch {
		case arg.kind == tokList && flags == nil:
			flags = make([]imap.Flag, 0, len(arg.list))
			for _, f := range arg.list {
				if f.kind != tokAtom {
					return badReply("Invalid flag list"), nil
				}
				flags = append(flags, imap.Flag(f.text))
			}
		case arg.kind == tokString && !arg.literal && date.IsZero():
			t, err := time.Parse(dateTimeLayout, arg.text)
			if err != nil {
				return badReply("Invalid date-time"), nil
			}
			date = t
		default:
			return badReply("Invalid APPEND arguments"), nil
		}
	}

	mbox, err := s.srv.store.GetMailbox(ctx, s.owner, name)
	if err != nil {
		if errors.Is(err, consts.ErrMailboxNotFound) {
			return noReply("TRYCREATE", "Mailbox does not exist"), nil
		}
		return s.storeError("APPEND", err), nil
	}
	uid, err := mbox.Append(ctx, []byte(msgArg.text), flags, date)
	if err != nil {
		return s.storeError("APPEND", err), nil
	}
	return okReply(fmt.Sprintf("APPENDUID %d %d", mbox.UIDValidity(), uid), "APPEND completed"), nil
}
