package delivery

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/migadu/trove/server/idgen"
)

// VacationReply is an auto-response requested by a Sieve vacation action.
type VacationReply struct {
	From    string
	To      string
	Subject string
	Body    string
	IsMime  bool
}

// shouldAutoReply follows RFC 3834: never answer the null sender, other
// auto-generated mail or list traffic.
func shouldAutoReply(envelopeFrom string, h textproto.Header) bool {
	if envelopeFrom == "" {
		return false
	}
	local := strings.ToLower(envelopeFrom)
	if at := strings.LastIndex(local, "@"); at >= 0 {
		local = local[:at]
	}
	if local == "mailer-daemon" || local == "postmaster" || strings.HasPrefix(local, "owner-") ||
		strings.HasSuffix(local, "-request") {
		return false
	}
	if v := strings.ToLower(strings.TrimSpace(h.Get("Auto-Submitted"))); v != "" && v != "no" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(h.Get("Precedence"))) {
	case "bulk", "list", "junk":
		return false
	}
	return h.Get("List-Id") == ""
}

// buildVacation renders reply as a message answering the original header.
func buildVacation(reply *VacationReply, owner, hostname string, original textproto.Header, now time.Time) ([]byte, error) {
	from := owner
	if reply.From != "" {
		from = reply.From
	}
	subject := reply.Subject
	if subject == "" {
		subject = "Auto: " + original.Get("Subject")
	}

	var h message.Header
	h.Set("From", from)
	h.Set("To", reply.To)
	h.Set("Subject", subject)
	h.Set("Date", now.Format(time.RFC1123Z))
	h.Set("Message-ID", fmt.Sprintf("<%s.vacation@%s>", idgen.New(), hostname))
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("X-Auto-Response-Suppress", "All")

	originalHeader := mail.Header{Header: message.Header{Header: original}}
	if id, _ := originalHeader.MessageID(); id != "" {
		h.Set("In-Reply-To", "<"+id+">")
		h.Set("References", "<"+id+">")
	}

	var buf bytes.Buffer
	if reply.IsMime {
		// The script supplied a complete MIME entity: headers, blank line, body.
		h.Set("MIME-Version", "1.0")
		if err := textproto.WriteHeader(&buf, h.Header); err != nil {
			return nil, err
		}
		buf.Truncate(buf.Len() - 2)
		buf.WriteString(strings.ReplaceAll(strings.ReplaceAll(reply.Body, "\r\n", "\n"), "\n", "\r\n"))
		return buf.Bytes(), nil
	}

	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(reply.Body)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
