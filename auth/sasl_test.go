package auth

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/migadu/trove/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGuard(t *testing.T, tokens TokenVerifier) *Guard {
	t.Helper()
	src := NewStaticSource([]config.StaticUser{{Identity: "alice@example.com", PasswordHash: hash(t, "secret")}})
	return &Guard{
		Verifier: NewBridge(src, tokens),
		Lockout:  NewLockout(3),
		Protocol: "test",
		Remote:   &net.TCPAddr{IP: net.ParseIP("192.0.2.9"), Port: 1},
	}
}

func TestSASLPlain(t *testing.T) {
	ctx := context.Background()

	srv, res, err := NewSASLServer(ctx, "plain", testGuard(t, nil))
	require.NoError(t, err)
	_, done, err := srv.Next([]byte("\x00alice@example.com\x00secret"))
	require.NoError(t, err)
	assert.True(t, done)
	require.NoError(t, res.Err)
	assert.Equal(t, "alice@example.com", res.Principal.Address)

	srv, res, err = NewSASLServer(ctx, MechanismPlain, testGuard(t, nil))
	require.NoError(t, err)
	_, _, err = srv.Next([]byte("\x00alice@example.com\x00wrong"))
	require.Error(t, err)
	assert.True(t, res.Attempted)
	assert.ErrorIs(t, res.Err, ErrInvalidCredentials)

	srv, res, err = NewSASLServer(ctx, MechanismPlain, testGuard(t, nil))
	require.NoError(t, err)
	_, _, err = srv.Next([]byte("bob@example.com\x00alice@example.com\x00secret"))
	require.Error(t, err)
	assert.ErrorIs(t, res.Err, ErrInvalidCredentials, "authorization identity must match")
}

func TestSASLLogin(t *testing.T) {
	srv, res, err := NewSASLServer(context.Background(), MechanismLogin, testGuard(t, nil))
	require.NoError(t, err)

	challenge, done, err := srv.Next(nil)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "Username:", string(challenge))

	challenge, done, err = srv.Next([]byte("alice@example.com"))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "Password:", string(challenge))

	_, done, err = srv.Next([]byte("secret"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "alice@example.com", res.Principal.Address)

	_, _, err = srv.Next([]byte("extra"))
	assert.Error(t, err)
}

func TestSASLLoginInitialResponse(t *testing.T) {
	srv, res, err := NewSASLServer(context.Background(), MechanismLogin, testGuard(t, nil))
	require.NoError(t, err)

	challenge, _, err := srv.Next([]byte("alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "Password:", string(challenge))

	_, done, err := srv.Next([]byte("wrong"))
	assert.True(t, done)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.ErrorIs(t, res.Err, ErrInvalidCredentials)
}

func TestSASLOAuthBearer(t *testing.T) {
	v := NewJWTVerifier("test-secret", "trove")
	token, err := v.Issue("alice", "alice@example.com", time.Hour)
	require.NoError(t, err)

	initial := func(username string) []byte {
		_, ir, err := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{Username: username, Token: token}).Start()
		require.NoError(t, err)
		return ir
	}

	srv, res, err := NewSASLServer(context.Background(), MechanismOAuthBearer, testGuard(t, v))
	require.NoError(t, err)
	_, done, err := srv.Next(initial("alice@example.com"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, MethodToken, res.Principal.Method)

	srv, res, err = NewSASLServer(context.Background(), MechanismOAuthBearer, testGuard(t, v))
	require.NoError(t, err)
	_, _, _ = srv.Next(initial("mallory@example.com"))
	assert.ErrorIs(t, res.Err, ErrInvalidCredentials)
}

func TestSASLUnsupported(t *testing.T) {
	_, _, err := NewSASLServer(context.Background(), "CRAM-MD5", testGuard(t, nil))
	assert.ErrorIs(t, err, ErrUnsupportedMechanism)
	assert.Equal(t, []string{"PLAIN", "LOGIN"}, Mechanisms(false))
	assert.Equal(t, []string{"PLAIN", "LOGIN", "OAUTHBEARER"}, Mechanisms(true))
}
