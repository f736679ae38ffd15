package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsConnectionError(t *testing.T) {
	reset := &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("reading command: %w", io.EOF), true},
		{"closed", net.ErrClosed, true},
		{"reset", reset, true},
		{"broken pipe", os.NewSyscallError("write", syscall.EPIPE), true},
		{"timeout", os.ErrDeadlineExceeded, true},
		{"other", errors.New("disk full"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}
}

func TestHostPort(t *testing.T) {
	host, port := HostPort(&net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 143})
	assert.Equal(t, "192.0.2.7", host)
	assert.Equal(t, 143, port)

	host, port = HostPort(pipeAddr{})
	assert.Equal(t, "pipe", host)
	assert.Zero(t, port)

	host, _ = HostPort(nil)
	assert.Empty(t, host)
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
