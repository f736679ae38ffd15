// Package auth verifies passwords and bearer tokens for all protocol
// sessions.
//
// The Bridge separates three outcomes that sessions treat differently:
// ErrInvalidCredentials counts toward the per-session Lockout,
// ErrUnavailable is a transient backend failure that never does, and
// ErrLockedOut ends the session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/migadu/trove/consts"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnavailable        = errors.New("authentication temporarily unavailable")
	ErrLockedOut          = errors.New("too many authentication failures")
)

// Method records how a principal authenticated.
type Method string

const (
	MethodPassword Method = "password"
	MethodToken    Method = "token"
)

type Principal struct {
	Identity string // Login name as presented
	Address  string // Mailbox owner; the lowercased identity unless a token names one
	Method   Method
}

// Verifier is what sessions authenticate against.
type Verifier interface {
	VerifyPassword(ctx context.Context, identity, secret string) (Principal, error)
	VerifyToken(ctx context.Context, token string) (Principal, error)
}

// CredentialSource returns the bcrypt hash stored for an identity, or
// consts.ErrUserNotFound. Any other error is treated as unavailability.
type CredentialSource interface {
	LookupCredential(ctx context.Context, identity string) (string, error)
}

// TokenVerifier validates a bearer token and returns its principal.
type TokenVerifier interface {
	Verify(token string) (Principal, error)
}

// Bridge implements Verifier on top of a credential source and an optional
// token verifier.
type Bridge struct {
	source CredentialSource
	tokens TokenVerifier
}

func NewBridge(source CredentialSource, tokens TokenVerifier) *Bridge {
	return &Bridge{source: source, tokens: tokens}
}

func (b *Bridge) VerifyPassword(ctx context.Context, identity, secret string) (Principal, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" || secret == "" {
		return Principal{}, ErrInvalidCredentials
	}

	hash, err := b.source.LookupCredential(ctx, identity)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			return Principal{}, ErrInvalidCredentials
		}
		return Principal{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := VerifyPassword(hash, secret); err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{
		Identity: identity,
		Address:  strings.ToLower(identity),
		Method:   MethodPassword,
	}, nil
}

func (b *Bridge) VerifyToken(_ context.Context, token string) (Principal, error) {
	if b.tokens == nil || token == "" {
		return Principal{}, ErrInvalidCredentials
	}
	return b.tokens.Verify(token)
}

// VerifyPassword compares a bcrypt hash with a plaintext password.
func VerifyPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// HashPassword returns a bcrypt hash at the default cost.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

var _ Verifier = (*Bridge)(nil)
