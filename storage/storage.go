// Package storage keeps raw message content in S3-compatible object
// storage.
//
// Objects are addressed by store.BlobKey ("domain/local/hash"), so the same
// content delivered twice to one account is stored once. When encryption is
// enabled, objects are sealed client-side with AES-256-GCM before upload;
// the nonce is prepended to the ciphertext.
//
// Every call goes through a circuit breaker so that an unreachable bucket
// fails fast with consts.ErrStorageUnavailable instead of stalling
// deliveries.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/migadu/trove/config"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/pkg/circuitbreaker"
	"github.com/migadu/trove/pkg/metrics"
	"github.com/migadu/trove/pkg/retry"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte

	breaker *circuitbreaker.CircuitBreaker
	backoff retry.BackoffConfig
}

// New builds an S3 client from configuration. Encryption is enabled when
// cfg.Encrypt is set.
func New(cfg config.S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("Storage: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if cfg.Debug {
		client.TraceOn(os.Stdout)
	}

	s := &S3Storage{
		Client:     client,
		BucketName: cfg.Bucket,
		breaker:    circuitbreaker.NewCircuitBreaker(breakerSettings()),
		backoff:    retry.DefaultBackoffConfig(),
	}
	if cfg.Encrypt {
		if err := s.EnableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func breakerSettings() circuitbreaker.Settings {
	st := circuitbreaker.DefaultSettings("s3", 5, 30*time.Second, 3)
	// A missing object says nothing about the health of the bucket.
	st.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, consts.ErrBlobNotFound) && !errors.Is(err, context.Canceled)
	}
	return st
}

// EnableEncryption turns on client-side encryption with a hex-encoded
// 32-byte key.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}
	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}
	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("Storage: client-side encryption enabled")
	return nil
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte) error {
	return s.do(ctx, "PUT", func(ctx context.Context) error {
		payload := data
		if s.Encrypt {
			sealed, err := s.encryptData(data)
			if err != nil {
				return retry.Stop(fmt.Errorf("failed to encrypt data: %w", err))
			}
			payload = sealed
		}
		_, err := s.Client.PutObject(ctx, s.BucketName, key, bytes.NewReader(payload), int64(len(payload)),
			minio.PutObjectOptions{SendContentMd5: true})
		return err
	})
}

func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.do(ctx, "GET", func(ctx context.Context) error {
		object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		defer object.Close()
		data, err := io.ReadAll(object)
		if err != nil {
			return err
		}
		if s.Encrypt {
			data, err = s.decryptData(data)
			if err != nil {
				return retry.Stop(fmt.Errorf("failed to decrypt %s: %w", key, err))
			}
		}
		out = data
		return nil
	})
	return out, err
}

// Delete is idempotent: a missing object counts as deleted.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	err := s.do(ctx, "DELETE", func(ctx context.Context) error {
		return s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	})
	if errors.Is(err, consts.ErrBlobNotFound) {
		return nil
	}
	return err
}

// Exists reports whether key is present in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	err := s.do(ctx, "STAT", func(ctx context.Context) error {
		_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
		return err
	})
	if errors.Is(err, consts.ErrBlobNotFound) {
		return false, nil
	}
	return err == nil, err
}

// do runs one S3 call under the breaker with retries, records metrics and
// maps the outcome onto the store's error vocabulary.
func (s *S3Storage) do(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := s.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		return retry.WithRetry(ctx, func() error {
			err := mapError(fn(ctx))
			if err != nil && (errors.Is(err, consts.ErrBlobNotFound) || permanent(err)) {
				return retry.Stop(err)
			}
			return err
		}, s.backoff)
	})
	status := "success"
	if err != nil {
		status = classifyS3Error(err)
		if circuitbreaker.IsRejection(err) {
			err = fmt.Errorf("%w: %w", consts.ErrStorageUnavailable, err)
		}
	}
	metrics.BlobOperationsTotal.WithLabelValues("s3", op, status).Inc()
	metrics.BlobOperationDuration.WithLabelValues("s3", op).Observe(time.Since(start).Seconds())
	return err
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
			return fmt.Errorf("%w: %s", consts.ErrBlobNotFound, resp.Key)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %w", consts.ErrStorageUnavailable, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", consts.ErrStorageUnavailable, err)
}

// permanent reports errors that a retry cannot fix: access problems and
// anything the server rejected with a 4xx.
func permanent(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (s *S3Storage) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// classifyS3Error buckets errors for metrics labels.
func classifyS3Error(err error) string {
	errStr := err.Error()
	switch {
	case errors.Is(err, consts.ErrBlobNotFound):
		return "not_found"
	case circuitbreaker.IsRejection(err):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
