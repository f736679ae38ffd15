package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"
)

var ErrLineTooLong = errors.New("line too long")

// ReadLine reads one CRLF- or LF-terminated line without the terminator.
// A line longer than max is consumed up to its end and reported as
// ErrLineTooLong so that the session stays in sync with the client.
func ReadLine(r *bufio.Reader, max int) (string, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if max > 0 && len(line) > max+2 {
				tooLong = true
				line = nil
			}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err == io.EOF && len(line) > 0 && !tooLong {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	if tooLong {
		return "", ErrLineTooLong
	}
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
	}
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return string(line[:n]), nil
}

// SetIdleDeadline arms the read deadline for the next command. A zero
// timeout clears it.
func SetIdleDeadline(conn net.Conn, timeout time.Duration) {
	if timeout <= 0 {
		conn.SetReadDeadline(time.Time{})
		return
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
}

// IsTimeout reports whether err is a network deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
