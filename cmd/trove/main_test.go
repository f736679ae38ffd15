package main

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/migadu/trove/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Relay.Queue.Path = filepath.Join(t.TempDir(), "relay")
	cfg.Servers.SMTP.Addr = "127.0.0.1:0"
	cfg.Servers.IMAP.Addr = "127.0.0.1:0"
	cfg.Servers.POP3.Addr = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestInitializeServicesMemory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := initializeServices(ctx, testConfig(t))
	require.NoError(t, err)
	defer deps.close()

	assert.NotNil(t, deps.store)
	assert.NotNil(t, deps.pipeline)
	assert.NotNil(t, deps.worker)
	assert.Nil(t, deps.database)
	assert.Nil(t, deps.http, "http is off without an address")

	listeners, err := deps.buildListeners()
	require.NoError(t, err)
	require.Len(t, listeners, 3)
	defer closeAll(listeners)

	for _, l := range listeners {
		go l.Serve(ctx)
	}

	greetings := map[string]string{}
	for i, proto := range []string{"smtp", "imap", "pop3"} {
		conn, err := net.DialTimeout("tcp", listeners[i].Addr().String(), time.Second)
		require.NoError(t, err)
		conn.SetDeadline(time.Now().Add(2 * time.Second))
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		greetings[proto] = line
		conn.Close()
	}
	assert.True(t, strings.HasPrefix(greetings["smtp"], "220 "), greetings["smtp"])
	assert.True(t, strings.HasPrefix(greetings["imap"], "* OK "), greetings["imap"])
	assert.True(t, strings.HasPrefix(greetings["pop3"], "+OK"), greetings["pop3"])
}

func TestTLSAddrRequiresCertificate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Servers.IMAP.TLSAddr = "127.0.0.1:0"

	deps, err := initializeServices(context.Background(), cfg)
	require.NoError(t, err)
	defer deps.close()

	_, err = deps.buildListeners()
	assert.ErrorContains(t, err, "requires [tls]")
}

func TestLoadConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"), &cfg)
	assert.Error(t, err, "an explicit path must exist")

	path := filepath.Join(t.TempDir(), "trove.toml")
	require.NoError(t, os.WriteFile(path, []byte("[delivery]\nhostname = \"mx.example.com\"\nlocal_domains = [\"Example.COM\"]\n"), 0o600))
	cfg = config.NewDefaultConfig()
	require.NoError(t, loadConfig(path, &cfg))
	assert.Equal(t, "mx.example.com", cfg.Delivery.Hostname)
	assert.Equal(t, []string{"example.com"}, cfg.Delivery.LocalDomains)
}
