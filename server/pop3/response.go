package pop3

import (
	"bufio"
	"bytes"
	"fmt"
	"net/textproto"

	"github.com/migadu/trove/store"
)

// Message numbers are fixed for the session (RFC 1939 §5): deleted messages
// are skipped but the remaining ones keep their original numbers.

func buildListResponseLines(messages []store.Message, deleted map[int]bool) []string {
	var lines []string
	for i, msg := range messages {
		if !deleted[i] {
			lines = append(lines, fmt.Sprintf("%d %d", i+1, msg.Size))
		}
	}
	return lines
}

func buildUIDLResponseLines(messages []store.Message, deleted map[int]bool, uidValidity uint32) []string {
	var lines []string
	for i, msg := range messages {
		if !deleted[i] {
			lines = append(lines, fmt.Sprintf("%d %s", i+1, uniqueID(uidValidity, msg)))
		}
	}
	return lines
}

// uniqueID is stable across sessions as long as the mailbox is not
// recreated, which changes its UIDVALIDITY.
func uniqueID(uidValidity uint32, msg store.Message) string {
	return fmt.Sprintf("%d.%d", uidValidity, msg.UID)
}

// visibleStats returns the count and total size of messages not marked for
// deletion.
func visibleStats(messages []store.Message, deleted map[int]bool) (count int, size int64) {
	for i, msg := range messages {
		if !deleted[i] {
			count++
			size += msg.Size
		}
	}
	return count, size
}

// topOfMessage returns the header, the blank separator line and the first
// n lines of the body.
func topOfMessage(raw []byte, n int) []byte {
	sep := []byte("\r\n\r\n")
	end := bytes.Index(raw, sep)
	if end < 0 {
		sep = []byte("\n\n")
		end = bytes.Index(raw, sep)
	}
	if end < 0 {
		return raw
	}
	head := raw[:end+len(sep)]
	body := raw[end+len(sep):]

	out := append([]byte(nil), head...)
	for i := 0; i < n && len(body) > 0; i++ {
		nl := bytes.IndexByte(body, '\n')
		if nl < 0 {
			out = append(out, body...)
			break
		}
		out = append(out, body[:nl+1]...)
		body = body[nl+1:]
	}
	return out
}

// writeMultiline writes a dot-stuffed multi-line body followed by the
// terminating ".".
func writeMultiline(w *bufio.Writer, body []byte) error {
	if len(body) == 0 {
		_, err := w.WriteString(".\r\n")
		return err
	}
	dw := textproto.NewWriter(w).DotWriter()
	if _, err := dw.Write(body); err != nil {
		dw.Close()
		return err
	}
	return dw.Close()
}

func writeLines(w *bufio.Writer, lines []string) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteString("\r\n")
	}
	return writeMultiline(w, buf.Bytes())
}
