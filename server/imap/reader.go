package imap

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/trove/server"
)

type tokenKind int

const (
	tokAtom tokenKind = iota
	tokString
	tokList
)

// token is one argument of a command. Quoted strings and literals are
// both tokString; atoms keep bracketed sections ("BODY[HEADER]<0.10>")
// in one piece.
type token struct {
	kind    tokenKind
	text    string
	list    []token
	literal bool
}

func (t token) isNil() bool {
	return t.kind == tokAtom && strings.EqualFold(t.text, "NIL")
}

// astring returns the value of an atom or string argument.
func (t token) astring() (string, bool) {
	if t.kind == tokList {
		return "", false
	}
	return t.text, true
}

type command struct {
	tag  string
	name string // Uppercased; "UID FETCH" for UID commands
	args []token
}

// summary renders the command for debug logs with literals shown by size.
func (c *command) summary() string {
	var sb strings.Builder
	sb.WriteString(c.tag + " " + c.name)
	for _, t := range c.args {
		sb.WriteByte(' ')
		writeSummary(&sb, t)
	}
	return sb.String()
}

func writeSummary(sb *strings.Builder, t token) {
	switch {
	case t.kind == tokList:
		sb.WriteByte('(')
		for i, item := range t.list {
			if i > 0 {
				sb.WriteByte(' ')
			}
			writeSummary(sb, item)
		}
		sb.WriteByte(')')
	case t.literal:
		fmt.Fprintf(sb, "{%d}", len(t.text))
	default:
		sb.WriteString(t.text)
	}
}

// protocolError is a malformed command. The session answers BAD and
// carries on.
type protocolError struct {
	tag  string
	text string
}

func (e *protocolError) Error() string { return e.text }

// tooBigError is a literal over the configured limit.
type tooBigError struct {
	tag  string
	size int64
}

func (e *tooBigError) Error() string { return fmt.Sprintf("literal of %d bytes too big", e.size) }

type segment struct {
	text    string
	data    []byte
	literal bool
}

// literalMarker reports whether line ends with "{n}" or "{n+}".
func literalMarker(line string) (prefix string, size int64, sync bool, ok bool) {
	if !strings.HasSuffix(line, "}") {
		return "", 0, false, false
	}
	open := strings.LastIndexByte(line, '{')
	if open < 0 {
		return "", 0, false, false
	}
	inner := line[open+1 : len(line)-1]
	sync = true
	if strings.HasSuffix(inner, "+") {
		inner = strings.TrimSuffix(inner, "+")
		sync = false
	}
	if inner == "" {
		return "", 0, false, false
	}
	n, err := strconv.ParseInt(inner, 10, 64)
	if err != nil || n < 0 {
		return "", 0, false, false
	}
	return line[:open], n, sync, true
}

func tagOf(line string) string {
	tag, _, _ := strings.Cut(line, " ")
	if tag == "" || strings.ContainsAny(tag, "(){%*\"\\]+") {
		return "*"
	}
	return tag
}

// readCommand reads one command, including any literals it announces.
// Synchronising literals are acknowledged with a continuation request; the
// literal bytes and the rest of the command must arrive within the literal
// timeout.
func (s *session) readCommand() (*command, error) {
	server.SetIdleDeadline(s.conn, s.srv.opts.IdleTimeout)
	line, err := server.ReadLine(s.reader, maxLineLength)
	if err != nil {
		return nil, err
	}
	tag := tagOf(line)

	var segs []segment
	for {
		prefix, size, sync, ok := literalMarker(line)
		if !ok {
			segs = append(segs, segment{text: line})
			break
		}
		segs = append(segs, segment{text: prefix})

		if size > s.srv.opts.MaxLiteralSize {
			if !sync {
				// The client sends the bytes regardless; skip them.
				s.conn.SetReadDeadline(time.Now().Add(s.srv.opts.LiteralTimeout))
				if _, err := io.CopyN(io.Discard, s.reader, size); err != nil {
					return nil, err
				}
				if _, err := server.ReadLine(s.reader, maxLineLength); err != nil {
					return nil, err
				}
			}
			return nil, &tooBigError{tag: tag, size: size}
		}
		if sync {
			s.writer.WriteString("+ Ready for literal data\r\n")
			if err := s.writer.Flush(); err != nil {
				return nil, err
			}
		}

		s.conn.SetReadDeadline(time.Now().Add(s.srv.opts.LiteralTimeout))
		data := make([]byte, size)
		if _, err := io.ReadFull(s.reader, data); err != nil {
			if server.IsTimeout(err) {
				return nil, &protocolError{tag: tag, text: "Literal not received in time"}
			}
			return nil, err
		}
		segs = append(segs, segment{data: data, literal: true})

		line, err = server.ReadLine(s.reader, maxLineLength)
		if err != nil {
			if server.IsTimeout(err) {
				return nil, &protocolError{tag: tag, text: "Command not completed in time"}
			}
			if errors.Is(err, server.ErrLineTooLong) {
				return nil, &protocolError{tag: tag, text: "Command line too long"}
			}
			return nil, err
		}
	}

	return parseCommand(tag, segs)
}

func parseCommand(tag string, segs []segment) (*command, error) {
	lx := &lexer{segs: segs}
	tokens, err := lx.tokens(false)
	if err != nil {
		return nil, &protocolError{tag: tag, text: err.Error()}
	}
	if len(tokens) < 2 || tokens[0].kind != tokAtom || tokens[1].kind != tokAtom {
		return nil, &protocolError{tag: tag, text: "Missing command"}
	}
	cmd := &command{tag: tokens[0].text, name: strings.ToUpper(tokens[1].text), args: tokens[2:]}
	if cmd.name == "UID" {
		if len(cmd.args) == 0 || cmd.args[0].kind != tokAtom {
			return nil, &protocolError{tag: tag, text: "Missing UID command"}
		}
		cmd.name = "UID " + strings.ToUpper(cmd.args[0].text)
		cmd.args = cmd.args[1:]
	}
	return cmd, nil
}

// lexer walks text segments with literals in between, as they arrived on
// the wire.
type lexer struct {
	segs []segment
	i    int
	pos  int
}

// normalize skips exhausted text segments.
func (l *lexer) normalize() {
	for l.i < len(l.segs) && !l.segs[l.i].literal && l.pos >= len(l.segs[l.i].text) {
		l.i++
		l.pos = 0
	}
}

func (l *lexer) atEnd() bool {
	l.normalize()
	return l.i >= len(l.segs)
}

func (l *lexer) atLiteral() bool {
	l.normalize()
	return l.i < len(l.segs) && l.segs[l.i].literal
}

func (l *lexer) cur() byte {
	return l.segs[l.i].text[l.pos]
}

func (l *lexer) skipSpaces() {
	for !l.atEnd() && !l.atLiteral() && l.cur() == ' ' {
		l.pos++
	}
}

func (l *lexer) tokens(inList bool) ([]token, error) {
	var out []token
	for {
		l.skipSpaces()
		if l.atEnd() {
			if inList {
				return nil, errors.New("Unterminated list")
			}
			return out, nil
		}
		if l.atLiteral() {
			out = append(out, token{kind: tokString, text: string(l.segs[l.i].data), literal: true})
			l.i++
			l.pos = 0
			continue
		}

		switch c := l.cur(); c {
		case '(':
			l.pos++
			list, err := l.tokens(true)
			if err != nil {
				return nil, err
			}
			out = append(out, token{kind: tokList, list: list})
		case ')':
			if !inList {
				return nil, errors.New("Unexpected ')'")
			}
			l.pos++
			return out, nil
		case '"':
			s, err := l.quoted()
			if err != nil {
				return nil, err
			}
			out = append(out, token{kind: tokString, text: s})
		default:
			out = append(out, token{kind: tokAtom, text: l.atom()})
		}
	}
}

func (l *lexer) quoted() (string, error) {
	text := l.segs[l.i].text
	l.pos++
	var sb strings.Builder
	for l.pos < len(text) {
		c := text[l.pos]
		l.pos++
		switch c {
		case '\\':
			if l.pos >= len(text) {
				return "", errors.New("Unterminated quoted string")
			}
			sb.WriteByte(text[l.pos])
			l.pos++
		case '"':
			return sb.String(), nil
		default:
			sb.WriteByte(c)
		}
	}
	return "", errors.New("Unterminated quoted string")
}

// atom reads up to the next delimiter. Brackets are kept whole so that
// section specifications may contain spaces and parentheses.
func (l *lexer) atom() string {
	text := l.segs[l.i].text
	start := l.pos
	depth := 0
	for l.pos < len(text) {
		c := text[l.pos]
		if depth > 0 {
			if c == ']' {
				depth--
			}
			l.pos++
			continue
		}
		if c == ' ' || c == '(' || c == ')' || c == '"' {
			break
		}
		if c == '[' {
			depth++
		}
		l.pos++
	}
	return text[start:l.pos]
}
