package server

import (
	"fmt"
	"strings"
)

// ParseLine splits a line-based protocol command into an upper-cased verb
// and its arguments. Arguments are atoms or double-quoted strings; quoted
// arguments are returned with their quotes, see UnquoteString.
func ParseLine(line string) (command string, args []string, err error) {
	rem := strings.TrimSpace(line)
	if rem == "" {
		return "", nil, nil
	}

	verb, rest, _ := strings.Cut(rem, " ")
	command = strings.ToUpper(verb)
	rem = strings.TrimSpace(rest)

	for rem != "" {
		var arg string
		if rem[0] == '"' {
			end := closingQuote(rem)
			if end < 0 {
				return command, nil, fmt.Errorf("unclosed quote in command arguments")
			}
			arg, rem = rem[:end+1], rem[end+1:]
		} else if sp := strings.IndexByte(rem, ' '); sp >= 0 {
			arg, rem = rem[:sp], rem[sp:]
		} else {
			arg, rem = rem, ""
		}
		args = append(args, arg)
		rem = strings.TrimLeft(rem, " ")
	}
	return command, args, nil
}

// closingQuote returns the index of the quote ending the quoted string at
// the start of s, honouring backslash escapes, or -1.
func closingQuote(s string) int {
	escaped := false
	for i := 1; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '"':
			return i
		}
	}
	return -1
}

// UnquoteString removes surrounding double quotes and resolves the \" and
// \\ escapes. Strings that are not quoted are returned unchanged.
func UnquoteString(str string) string {
	if len(str) < 2 || str[0] != '"' || str[len(str)-1] != '"' {
		return str
	}
	inner := str[1 : len(str)-1]

	var result strings.Builder
	result.Grow(len(inner))
	escaped := false
	for i := 0; i < len(inner); i++ {
		if !escaped && inner[i] == '\\' {
			escaped = true
			continue
		}
		result.WriteByte(inner[i])
		escaped = false
	}
	return result.String()
}
