package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/migadu/trove/config"
	"github.com/migadu/trove/consts"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEnableEncryption(t *testing.T) {
	s := &S3Storage{}
	assert.Error(t, s.EnableEncryption(""))
	assert.Error(t, s.EnableEncryption("zz"))
	assert.Error(t, s.EnableEncryption("0011"), "short key")
	require.NoError(t, s.EnableEncryption(testKey))
	assert.True(t, s.Encrypt)
	assert.Len(t, s.EncryptionKey, 32)
}

func TestEncryptRoundTrip(t *testing.T) {
	s := &S3Storage{}
	require.NoError(t, s.EnableEncryption(testKey))

	plain := []byte("Subject: secret\r\n\r\nbody\r\n")
	sealed, err := s.encryptData(plain)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "secret")

	again, err := s.encryptData(plain)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per object")

	opened, err := s.decryptData(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)

	sealed[len(sealed)-1] ^= 0xff
	_, err = s.decryptData(sealed)
	assert.Error(t, err, "tampered ciphertext")

	_, err = s.decryptData([]byte("short"))
	assert.Error(t, err)
}

func TestMapError(t *testing.T) {
	notFound := minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchKey", Key: "a/b/c"}
	assert.ErrorIs(t, mapError(notFound), consts.ErrBlobNotFound)

	unavailable := minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable, Code: "SlowDown"}
	assert.ErrorIs(t, mapError(unavailable), consts.ErrStorageUnavailable)

	denied := minio.ErrorResponse{StatusCode: http.StatusForbidden, Code: "AccessDenied"}
	assert.False(t, errors.Is(mapError(denied), consts.ErrStorageUnavailable))
	assert.True(t, permanent(mapError(denied)))

	assert.ErrorIs(t, mapError(errors.New("dial tcp: connection refused")), consts.ErrStorageUnavailable)
	assert.NoError(t, mapError(nil))
}

func TestClassifyS3Error(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: x", consts.ErrBlobNotFound), "not_found"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("AccessDenied: nope"), "access_denied"},
		{errors.New("SlowDown"), "throttled"},
		{errors.New("dial tcp: connection refused"), "network_error"},
		{errors.New("weird"), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyS3Error(tt.err), tt.err.Error())
	}
}

// TestS3Integration runs against a real bucket described by
// TROVE_TEST_S3_* variables.
func TestS3Integration(t *testing.T) {
	endpoint := os.Getenv("TROVE_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("TROVE_TEST_S3_ENDPOINT not set")
	}
	s, err := New(config.S3Config{
		Endpoint:      endpoint,
		DisableTLS:    strings.HasPrefix(endpoint, "localhost") || strings.HasPrefix(endpoint, "127."),
		AccessKey:     os.Getenv("TROVE_TEST_S3_ACCESS_KEY"),
		SecretKey:     os.Getenv("TROVE_TEST_S3_SECRET_KEY"),
		Bucket:        os.Getenv("TROVE_TEST_S3_BUCKET"),
		Encrypt:       true,
		EncryptionKey: testKey,
	})
	require.NoError(t, err)

	ctx := context.Background()
	key := "example.com/test/" + testKey
	require.NoError(t, s.Put(ctx, key, []byte("hello")))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, consts.ErrBlobNotFound)
}
