package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/migadu/trove/config"
	"github.com/migadu/trove/consts"
)

// StaticSource serves credentials from configuration. Identities are
// case-insensitive.
type StaticSource struct {
	mu    sync.RWMutex
	users map[string]string
}

func NewStaticSource(users []config.StaticUser) *StaticSource {
	s := &StaticSource{users: make(map[string]string, len(users))}
	for _, u := range users {
		s.users[strings.ToLower(u.Identity)] = u.PasswordHash
	}
	return s
}

// Set adds or replaces a user.
func (s *StaticSource) Set(identity, passwordHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(identity)] = passwordHash
}

func (s *StaticSource) LookupCredential(_ context.Context, identity string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.users[strings.ToLower(identity)]
	if !ok {
		return "", consts.ErrUserNotFound
	}
	return hash, nil
}

// UserExists lets the static source double as the delivery directory.
func (s *StaticSource) UserExists(_ context.Context, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[strings.ToLower(address)]
	return ok, nil
}
