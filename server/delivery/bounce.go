package delivery

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/trove/helpers"
	"github.com/wneessen/go-mail"
)

const bounceSubject = "Undelivered Mail Returned to Sender"

// buildBounce renders a delivery status notification for a relay failure.
// The original header block is quoted so the sender can identify the
// message without the body being resent.
func buildBounce(hostname string, report DispositionReport, now time.Time) ([]byte, error) {
	m := mail.NewMsg(mail.WithEncoding(mail.NoEncoding))
	if err := m.From(fmt.Sprintf("Mail Delivery System <MAILER-DAEMON@%s>", hostname)); err != nil {
		return nil, fmt.Errorf("bounce from: %w", err)
	}
	if err := m.To(report.From); err != nil {
		return nil, fmt.Errorf("bounce to: %w", err)
	}
	m.Subject(bounceSubject)
	m.SetDateWithValue(now)
	m.SetMessageIDWithValue(fmt.Sprintf("%s.bounce@%s", report.QueueID, hostname))
	m.SetGenHeader(mail.Header("Auto-Submitted"), "auto-replied")

	var body strings.Builder
	fmt.Fprintf(&body, "This is the mail system at host %s.\r\n\r\n", hostname)
	body.WriteString("Your message could not be delivered to one or more recipients.\r\n")
	body.WriteString("It has been returned and will not be retried.\r\n\r\n")
	fmt.Fprintf(&body, "Final-Recipient: rfc822; %s\r\n", report.To)
	body.WriteString("Action: failed\r\n")
	fmt.Fprintf(&body, "Status: %s\r\n", bounceStatus(report.Detail))
	fmt.Fprintf(&body, "Diagnostic-Code: smtp; %s\r\n", report.Detail)

	if len(report.Original) > 0 {
		header, _ := helpers.SplitMessage(report.Original)
		body.WriteString("\r\n----- Original message headers -----\r\n\r\n")
		body.Write(bytes.TrimRight(header, "\r\n"))
		body.WriteString("\r\n")
	}
	m.SetBodyString(mail.TypeTextPlain, body.String())

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render bounce: %w", err)
	}
	return buf.Bytes(), nil
}

// bounceStatus pulls an enhanced status code out of a remote reply, or
// returns the generic permanent failure code.
func bounceStatus(detail string) string {
	for _, field := range strings.Fields(detail) {
		if len(field) >= 5 && field[0] == '5' && field[1] == '.' && strings.Count(field, ".") == 2 {
			return strings.TrimRight(field, ",;:")
		}
	}
	return "5.0.0"
}
