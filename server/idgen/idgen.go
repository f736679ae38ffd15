// Package idgen produces short, sortable identifiers for sessions and
// queued messages.
package idgen

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a lowercase ULID. IDs generated by one process are strictly
// increasing, even within the same millisecond.
func New() string {
	return strings.ToLower(NewULID().String())
}

// NewULID returns the next monotonic ULID.
func NewULID() ulid.ULID {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// Time extracts the creation time of an id produced by New.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(strings.ToUpper(id))
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
