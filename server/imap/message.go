package imap

import (
	"bytes"
	"slices"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/migadu/trove/helpers"

	_ "github.com/emersion/go-message/charset"
)

const envelopeDateLayout = "Mon, 02 Jan 2006 15:04:05 -0700"

// envelopeOf builds the ENVELOPE of a message from its header. Sender and
// Reply-To default to From.
func envelopeOf(raw []byte) *imap.Envelope {
	h := mail.Header{Header: message.Header{Header: helpers.ReadHeader(raw)}}

	env := &imap.Envelope{
		Subject: h.Get("Subject"),
		From:    addressList(h, "From"),
		Sender:  addressList(h, "Sender"),
		ReplyTo: addressList(h, "Reply-To"),
		To:      addressList(h, "To"),
		Cc:      addressList(h, "Cc"),
		Bcc:     addressList(h, "Bcc"),
	}
	if d, err := h.Date(); err == nil {
		env.Date = d
	}
	if id, err := h.MessageID(); err == nil {
		env.MessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil {
		env.InReplyTo = ids
	}
	if len(env.Sender) == 0 {
		env.Sender = env.From
	}
	if len(env.ReplyTo) == 0 {
		env.ReplyTo = env.From
	}
	return env
}

func addressList(h mail.Header, key string) []imap.Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]imap.Address, 0, len(list))
	for _, a := range list {
		local, domain, _ := strings.Cut(a.Address, "@")
		out = append(out, imap.Address{Name: a.Name, Mailbox: local, Host: domain})
	}
	return out
}

func writeEnvelope(sb *strings.Builder, env *imap.Envelope) {
	sb.WriteByte('(')
	if env.Date.IsZero() {
		sb.WriteString("NIL")
	} else {
		sb.WriteString(quote(env.Date.Format(envelopeDateLayout)))
	}
	sb.WriteByte(' ')
	sb.WriteString(nstring(env.Subject))
	for _, list := range [][]imap.Address{env.From, env.Sender, env.ReplyTo, env.To, env.Cc, env.Bcc} {
		sb.WriteByte(' ')
		writeAddressList(sb, list)
	}
	sb.WriteByte(' ')
	if len(env.InReplyTo) == 0 {
		sb.WriteString("NIL")
	} else {
		ids := make([]string, len(env.InReplyTo))
		for i, id := range env.InReplyTo {
			ids[i] = "<" + id + ">"
		}
		sb.WriteString(quote(strings.Join(ids, " ")))
	}
	sb.WriteByte(' ')
	if env.MessageID == "" {
		sb.WriteString("NIL")
	} else {
		sb.WriteString(quote("<" + env.MessageID + ">"))
	}
	sb.WriteByte(')')
}

func writeAddressList(sb *strings.Builder, list []imap.Address) {
	if len(list) == 0 {
		sb.WriteString("NIL")
		return
	}
	sb.WriteByte('(')
	for _, a := range list {
		sb.WriteString("(" + nstring(a.Name) + " NIL " + nstring(a.Mailbox) + " " + nstring(a.Host) + ")")
	}
	sb.WriteByte(')')
}

// bodyStructureOf parses the MIME structure of raw.
func bodyStructureOf(raw []byte) imap.BodyStructure {
	return imapserver.ExtractBodyStructure(bytes.NewReader(raw))
}

// writeBodyStructure renders BODY (extended false) or BODYSTRUCTURE.
func writeBodyStructure(sb *strings.Builder, bs imap.BodyStructure, extended bool) {
	switch bs := bs.(type) {
	case *imap.BodyStructureMultiPart:
		sb.WriteByte('(')
		for _, child := range bs.Children {
			writeBodyStructure(sb, child, extended)
		}
		sb.WriteByte(' ')
		sb.WriteString(quote(strings.ToUpper(bs.Subtype)))
		if extended && bs.Extended != nil {
			sb.WriteByte(' ')
			writeParams(sb, bs.Extended.Params)
			sb.WriteByte(' ')
			writeDisposition(sb, bs.Extended.Disposition)
			sb.WriteByte(' ')
			writeLanguage(sb, bs.Extended.Language)
			sb.WriteByte(' ')
			sb.WriteString(nstring(bs.Extended.Location))
		}
		sb.WriteByte(')')
	case *imap.BodyStructureSinglePart:
		sb.WriteByte('(')
		sb.WriteString(quote(strings.ToUpper(bs.Type)))
		sb.WriteByte(' ')
		sb.WriteString(quote(strings.ToUpper(bs.Subtype)))
		sb.WriteByte(' ')
		writeParams(sb, bs.Params)
		sb.WriteByte(' ')
		sb.WriteString(nstring(bs.ID))
		sb.WriteByte(' ')
		sb.WriteString(nstring(bs.Description))
		sb.WriteByte(' ')
		encoding := bs.Encoding
		if encoding == "" {
			encoding = "7BIT"
		}
		sb.WriteString(quote(strings.ToUpper(encoding)))
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatUint(uint64(bs.Size), 10))
		if msg := bs.MessageRFC822; msg != nil {
			sb.WriteByte(' ')
			env := msg.Envelope
			if env == nil {
				env = &imap.Envelope{}
			}
			writeEnvelope(sb, env)
			sb.WriteByte(' ')
			writeBodyStructure(sb, msg.BodyStructure, extended)
			sb.WriteByte(' ')
			sb.WriteString(strconv.FormatInt(msg.NumLines, 10))
		} else if bs.Text != nil {
			sb.WriteByte(' ')
			sb.WriteString(strconv.FormatInt(bs.Text.NumLines, 10))
		}
		if extended && bs.Extended != nil {
			sb.WriteString(" NIL ")
			writeDisposition(sb, bs.Extended.Disposition)
			sb.WriteByte(' ')
			writeLanguage(sb, bs.Extended.Language)
			sb.WriteByte(' ')
			sb.WriteString(nstring(bs.Extended.Location))
		}
		sb.WriteByte(')')
	default:
		sb.WriteString(`("TEXT" "PLAIN" NIL NIL NIL "7BIT" 0 0)`)
	}
}

func writeParams(sb *strings.Builder, params map[string]string) {
	if len(params) == 0 {
		sb.WriteString("NIL")
		return
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	sb.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(quote(strings.ToUpper(k)) + " " + quote(params[k]))
	}
	sb.WriteByte(')')
}

func writeDisposition(sb *strings.Builder, d *imap.BodyStructureDisposition) {
	if d == nil || d.Value == "" {
		sb.WriteString("NIL")
		return
	}
	sb.WriteString("(" + quote(strings.ToUpper(d.Value)) + " ")
	writeParams(sb, d.Params)
	sb.WriteByte(')')
}

func writeLanguage(sb *strings.Builder, langs []string) {
	var nonEmpty []string
	for _, l := range langs {
		if l = strings.TrimSpace(l); l != "" {
			nonEmpty = append(nonEmpty, quote(l))
		}
	}
	if len(nonEmpty) == 0 {
		sb.WriteString("NIL")
		return
	}
	sb.WriteString("(" + strings.Join(nonEmpty, " ") + ")")
}
