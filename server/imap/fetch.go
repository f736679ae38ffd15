package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/store"
)

const internalDateLayout = "02-Jan-2006 15:04:05 -0700"

type fetchItem struct {
	name    string // Uppercased item name; "BODY[]" for sections
	section *imap.FetchItemBodySection
	label   string // Response name of a section, e.g. "BODY[HEADER]<0>"
	offset  int64
	count   int64
	partial bool
}

// setsSeen reports whether fetching the item implicitly sets \Seen.
func (it fetchItem) setsSeen() bool {
	switch it.name {
	case "RFC822", "RFC822.TEXT":
		return true
	case "BODY[]":
		return !it.section.Peek
	}
	return false
}

func (it fetchItem) needsContent() bool {
	switch it.name {
	case "UID", "FLAGS", "INTERNALDATE", "RFC822.SIZE":
		return false
	}
	return true
}

var fetchMacros = map[string][]string{
	"ALL":  {"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"},
	"FAST": {"FLAGS", "INTERNALDATE", "RFC822.SIZE"},
	"FULL": {"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY"},
}

func parseFetchItems(arg token) ([]fetchItem, error) {
	var names []string
	switch arg.kind {
	case tokAtom:
		if macro, ok := fetchMacros[strings.ToUpper(arg.text)]; ok {
			names = macro
		} else {
			names = []string{arg.text}
		}
	case tokList:
		if len(arg.list) == 0 {
			return nil, errors.New("Empty fetch item list")
		}
		for _, t := range arg.list {
			if t.kind != tokAtom {
				return nil, errors.New("Invalid fetch item")
			}
			names = append(names, t.text)
		}
	default:
		return nil, errors.New("Invalid fetch item")
	}

	items := make([]fetchItem, 0, len(names))
	for _, name := range names {
		upper := strings.ToUpper(name)
		switch upper {
		case "UID", "FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY", "BODYSTRUCTURE", "RFC822", "RFC822.HEADER", "RFC822.TEXT":
			items = append(items, fetchItem{name: upper})
			continue
		}
		it, err := parseSectionItem(name)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// parseSectionItem parses BODY[<section>]<<partial>> and BODY.PEEK[...].
func parseSectionItem(name string) (fetchItem, error) {
	upper := strings.ToUpper(name)
	section := &imap.FetchItemBodySection{}
	var rest string
	switch {
	case strings.HasPrefix(upper, "BODY.PEEK["):
		section.Peek = true
		rest = upper[len("BODY.PEEK["):]
	case strings.HasPrefix(upper, "BODY["):
		rest = upper[len("BODY["):]
	default:
		return fetchItem{}, fmt.Errorf("Unknown fetch item %s", name)
	}
	closing := strings.IndexByte(rest, ']')
	if closing < 0 {
		return fetchItem{}, errors.New("Unterminated section")
	}
	spec, tail := rest[:closing], rest[closing+1:]

	// Leading part numbers: "1.2." followed by an optional specifier.
	remainder := spec
	for remainder != "" {
		end := 0
		for end < len(remainder) && remainder[end] >= '0' && remainder[end] <= '9' {
			end++
		}
		if end == 0 {
			break
		}
		n, err := strconv.Atoi(remainder[:end])
		if err != nil || n == 0 {
			return fetchItem{}, errors.New("Invalid section part")
		}
		section.Part = append(section.Part, n)
		remainder = remainder[end:]
		if remainder == "" {
			break
		}
		if remainder[0] != '.' {
			return fetchItem{}, errors.New("Invalid section part")
		}
		remainder = remainder[1:]
	}

	switch {
	case remainder == "":
	case remainder == "HEADER":
		section.Specifier = imap.PartSpecifierHeader
	case remainder == "TEXT":
		section.Specifier = imap.PartSpecifierText
	case remainder == "MIME" && len(section.Part) > 0:
		section.Specifier = imap.PartSpecifierMIME
	case strings.HasPrefix(remainder, "HEADER.FIELDS.NOT"):
		fields, err := headerFieldList(remainder[len("HEADER.FIELDS.NOT"):])
		if err != nil {
			return fetchItem{}, err
		}
		section.Specifier = imap.PartSpecifierHeader
		section.HeaderFieldsNot = fields
	case strings.HasPrefix(remainder, "HEADER.FIELDS"):
		fields, err := headerFieldList(remainder[len("HEADER.FIELDS"):])
		if err != nil {
			return fetchItem{}, err
		}
		section.Specifier = imap.PartSpecifierHeader
		section.HeaderFields = fields
	default:
		return fetchItem{}, fmt.Errorf("Invalid section %s", spec)
	}

	it := fetchItem{name: "BODY[]", section: section, label: "BODY[" + spec + "]"}
	if tail != "" {
		if !strings.HasPrefix(tail, "<") || !strings.HasSuffix(tail, ">") {
			return fetchItem{}, errors.New("Invalid partial")
		}
		off, cnt, ok := strings.Cut(tail[1:len(tail)-1], ".")
		if !ok {
			return fetchItem{}, errors.New("Invalid partial")
		}
		o, err1 := strconv.ParseInt(off, 10, 64)
		c, err2 := strconv.ParseInt(cnt, 10, 64)
		if err1 != nil || err2 != nil || o < 0 || c <= 0 {
			return fetchItem{}, errors.New("Invalid partial")
		}
		it.partial, it.offset, it.count = true, o, c
		it.label += "<" + off + ">"
	}
	return it, nil
}

func headerFieldList(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, errors.New("Invalid header field list")
	}
	fields := strings.Fields(s[1 : len(s)-1])
	if len(fields) == 0 {
		return nil, errors.New("Empty header field list")
	}
	for i, f := range fields {
		fields[i] = strings.Trim(f, `"`)
	}
	return fields, nil
}

func (s *session) handleFetch(ctx context.Context, cmd *command) (reply, error) {
	sel := s.sel
	byUID := cmd.name == "UID FETCH"
	if len(cmd.args) != 2 {
		return badReply("FETCH expects a set and data items"), nil
	}
	items, err := parseFetchItems(cmd.args[1])
	if err != nil {
		return badReply("%v", err), nil
	}
	targets, err := sel.targets(cmd.args[0], byUID)
	if err != nil {
		return badReply("%v", err), nil
	}

	setSeen := false
	for _, it := range items {
		if it.setsSeen() {
			setSeen = true
		}
	}

	snap, err := sel.mailbox.Snapshot()
	if err != nil {
		return s.storeError(cmd.name, err), nil
	}

	for _, t := range targets {
		msg, ok := snap.ByUID(t.uid)
		if !ok {
			// Expunged but not yet reported.
			continue
		}
		flagsChanged := false
		if setSeen && !sel.readOnly && !msg.HasFlag(imap.FlagSeen) {
			flags, err := sel.mailbox.UpdateFlags(ctx, t.uid, imap.StoreFlagsAdd, []imap.Flag{imap.FlagSeen})
			if err != nil && !errors.Is(err, consts.ErrMessageNotFound) {
				return s.storeError(cmd.name, err), nil
			}
			if err == nil {
				sel.flags[t.uid] = flags
				flagsChanged = true
			}
		}

		line, err := s.fetchLine(ctx, msg, t, items, byUID, flagsChanged)
		if errors.Is(err, consts.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return s.storeError(cmd.name, err), nil
		}
		s.writer.WriteString(line)
	}
	return okReply("", "%s completed", cmd.name), nil
}

func (s *session) fetchLine(ctx context.Context, msg store.Message, t target, items []fetchItem, byUID, flagsChanged bool) (string, error) {
	sel := s.sel
	var raw []byte
	for _, it := range items {
		if it.needsContent() {
			content, err := s.srv.store.Content(ctx, s.owner, msg)
			if err != nil {
				return "", err
			}
			raw = content
			break
		}
	}

	var parts []string
	wroteUID, wroteFlags := false, false
	for _, it := range items {
		var sb strings.Builder
		switch it.name {
		case "UID":
			if wroteUID {
				continue
			}
			wroteUID = true
			fmt.Fprintf(&sb, "UID %d", t.uid)
		case "FLAGS":
			if wroteFlags {
				continue
			}
			wroteFlags = true
			sb.WriteString("FLAGS " + formatFlags(sel.flagsOf(t.uid)))
		case "INTERNALDATE":
			sb.WriteString("INTERNALDATE " + quote(msg.InternalDate.Format(internalDateLayout)))
		case "RFC822.SIZE":
			fmt.Fprintf(&sb, "RFC822.SIZE %d", msg.Size)
		case "ENVELOPE":
			sb.WriteString("ENVELOPE ")
			writeEnvelope(&sb, envelopeOf(raw))
		case "BODY", "BODYSTRUCTURE":
			sb.WriteString(it.name + " ")
			writeBodyStructure(&sb, bodyStructureOf(raw), it.name == "BODYSTRUCTURE")
		case "RFC822":
			sb.WriteString("RFC822 " + literal(raw))
		case "RFC822.HEADER":
			data := imapserver.ExtractBodySection(bytes.NewReader(raw), &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader})
			sb.WriteString("RFC822.HEADER " + literal(data))
		case "RFC822.TEXT":
			data := imapserver.ExtractBodySection(bytes.NewReader(raw), &imap.FetchItemBodySection{Specifier: imap.PartSpecifierText})
			sb.WriteString("RFC822.TEXT " + literal(data))
		case "BODY[]":
			data := imapserver.ExtractBodySection(bytes.NewReader(raw), it.section)
			if it.partial {
				data = partialOf(data, it.offset, it.count)
			}
			sb.WriteString(it.label + " " + literal(data))
		}
		parts = append(parts, sb.String())
	}
	if byUID && !wroteUID {
		parts = append([]string{fmt.Sprintf("UID %d", t.uid)}, parts...)
	}
	if flagsChanged && !wroteFlags {
		parts = append(parts, "FLAGS "+formatFlags(sel.flagsOf(t.uid)))
	}
	return fmt.Sprintf("* %d FETCH (%s)\r\n", t.seq, strings.Join(parts, " ")), nil
}

func partialOf(data []byte, offset, count int64) []byte {
	if offset >= int64(len(data)) {
		return nil
	}
	end := offset + count
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end]
}
