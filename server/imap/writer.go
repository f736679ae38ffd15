package imap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// quote renders s as an IMAP quoted string, or as a literal when it
// cannot be quoted.
func quote(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c == '\r' || c == '\n' || c == 0 || c >= 0x80 {
			return literal([]byte(s))
		}
	}
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	sb.WriteByte('"')
	return sb.String()
}

func literal(b []byte) string {
	return "{" + strconv.Itoa(len(b)) + "}\r\n" + string(b)
}

// nstring renders an empty string as NIL.
func nstring(s string) string {
	if s == "" {
		return "NIL"
	}
	return quote(s)
}

// mailboxName renders a mailbox name, as an atom where possible.
func mailboxName(name string) string {
	if name == "" || strings.ContainsAny(name, " (){%*\"\\]") {
		return quote(name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x21 || name[i] >= 0x7f {
			return quote(name)
		}
	}
	return name
}

func formatFlags(flags []imap.Flag) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return "(" + strings.Join(parts, " ") + ")"
}

func joinNums[T ~uint32](nums []T) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.FormatUint(uint64(n), 10)
	}
	return strings.Join(parts, " ")
}

// compactUIDs renders uids (ascending) as a UID set such as "1:3,7".
func compactUIDs(uids []imap.UID) string {
	var sb strings.Builder
	for i := 0; i < len(uids); {
		j := i
		for j+1 < len(uids) && uids[j+1] == uids[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if i == j {
			fmt.Fprintf(&sb, "%d", uids[i])
		} else {
			fmt.Fprintf(&sb, "%d:%d", uids[i], uids[j])
		}
		i = j + 1
	}
	return sb.String()
}
