package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startListener(t *testing.T, cfg ListenerConfig, h Handler) *Listener {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	l := NewListener(cfg, h)
	require.NoError(t, l.Listen())
	go l.Serve(context.Background())
	t.Cleanup(func() { l.Close() })
	return l
}

func echoHandler(ctx context.Context, conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := ReadLine(r, 100)
		if err != nil {
			return
		}
		conn.Write([]byte(strings.ToUpper(line) + "\r\n"))
	}
}

func TestListenerServesConnections(t *testing.T) {
	l := startListener(t, ListenerConfig{Protocol: "test"}, HandlerFunc(echoHandler))

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\r\n"))
	require.NoError(t, err)
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HELLO\r\n", reply)
}

func TestListenerConnectionLimit(t *testing.T) {
	block := make(chan struct{})
	l := startListener(t, ListenerConfig{Protocol: "test", MaxConnections: 1}, HandlerFunc(func(ctx context.Context, conn net.Conn) {
		conn.Write([]byte("hi\r\n"))
		select {
		case <-block:
		case <-ctx.Done():
		}
	}))
	defer close(block)

	first, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	_, err = bufio.NewReader(first).ReadString('\n')
	require.NoError(t, err)

	second, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = bufio.NewReader(second).ReadString('\n')
	assert.Error(t, err, "over-limit connection is closed without a greeting")
}

func TestListenerCloseWaitsForSessions(t *testing.T) {
	finished := make(chan struct{})
	started := make(chan struct{})
	l := NewListener(ListenerConfig{Protocol: "test", Addr: "127.0.0.1:0", ShutdownTimeout: 5 * time.Second},
		HandlerFunc(func(ctx context.Context, conn net.Conn) {
			close(started)
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			close(finished)
		}))
	require.NoError(t, l.Listen())
	go l.Serve(context.Background())

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	<-started

	require.NoError(t, l.Close())
	select {
	case <-finished:
	default:
		t.Fatal("Close returned before the session finished")
	}
	assert.Zero(t, l.Active())
}

func TestListenerForcesStuckSessions(t *testing.T) {
	started := make(chan struct{})
	l := NewListener(ListenerConfig{Protocol: "test", Addr: "127.0.0.1:0", ShutdownTimeout: 50 * time.Millisecond},
		HandlerFunc(func(ctx context.Context, conn net.Conn) {
			close(started)
			buf := make([]byte, 1)
			conn.Read(buf) // ignores ctx; unblocked only by the forced close
		}))
	require.NoError(t, l.Listen())
	go l.Serve(context.Background())

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	<-started

	done := make(chan struct{})
	go func() {
		l.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not force the stuck session")
	}
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("short\r\n"+strings.Repeat("x", 50)+"\r\nnext\nlast"), 16)
	line, err := ReadLine(r, 20)
	require.NoError(t, err)
	assert.Equal(t, "short", line)

	_, err = ReadLine(r, 20)
	assert.ErrorIs(t, err, ErrLineTooLong)

	line, err = ReadLine(r, 20)
	require.NoError(t, err)
	assert.Equal(t, "next", line, "stream stays in sync after an overlong line")

	_, err = ReadLine(r, 20)
	assert.Error(t, err, "unterminated final line")
}
