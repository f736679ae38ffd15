package relayqueue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T, maxAttempts int, backoff []time.Duration) (*DiskQueue, *testClock) {
	t.Helper()
	q, err := NewDiskQueue(t.TempDir(), maxAttempts, backoff)
	require.NoError(t, err)
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q.now = clock.now
	return q, clock
}

func TestNewDiskQueue(t *testing.T) {
	_, err := NewDiskQueue("", 0, nil)
	assert.Error(t, err)

	q, err := NewDiskQueue(t.TempDir(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, q.maxAttempts)
	assert.Equal(t, defaultRetryBackoff, q.retryBackoff)
	for _, dir := range []string{q.pendingDir, q.processingDir, q.failedDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestEnqueueAcquire(t *testing.T) {
	q, clock := newTestQueue(t, 3, nil)

	id1, err := q.Enqueue("alice@example.com", "bob@remote.test", "relay", []byte("first"))
	require.NoError(t, err)
	clock.advance(time.Second)
	id2, err := q.Enqueue("", "carol@remote.test", "bounce", []byte("second"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 2}, stats)

	msg, body, err := q.AcquireNext()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id1, msg.ID, "oldest first")
	assert.Equal(t, "alice@example.com", msg.From)
	assert.Equal(t, "bob@remote.test", msg.To)
	assert.Equal(t, "relay", msg.Kind)
	assert.Equal(t, "first", string(body))

	msg, body, err = q.AcquireNext()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id2, msg.ID)
	assert.Equal(t, "", msg.From)
	assert.Equal(t, "second", string(body))

	msg, _, err = q.AcquireNext()
	require.NoError(t, err)
	assert.Nil(t, msg)

	stats, err = q.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Processing: 2}, stats)

	require.NoError(t, q.MarkSuccess(id1))
	_, err = os.Stat(filepath.Join(q.processingDir, id1+".msg"))
	assert.True(t, os.IsNotExist(err))
}

func TestMarkFailureBackoff(t *testing.T) {
	q, clock := newTestQueue(t, 3, []time.Duration{time.Minute, 10 * time.Minute})

	id, err := q.Enqueue("a@example.com", "b@remote.test", "relay", []byte("body"))
	require.NoError(t, err)

	msg, _, err := q.AcquireNext()
	require.NoError(t, err)
	require.NotNil(t, msg)

	exhausted, err := q.MarkFailure(id, "451 try later")
	require.NoError(t, err)
	assert.False(t, exhausted)

	msg, _, err = q.AcquireNext()
	require.NoError(t, err)
	assert.Nil(t, msg, "not due before the first backoff step")

	clock.advance(time.Minute)
	msg, _, err = q.AcquireNext()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 1, msg.Attempts)
	assert.Len(t, msg.Errors, 1)
	assert.Contains(t, msg.Errors[0], "451 try later")

	exhausted, err = q.MarkFailure(id, "connection refused")
	require.NoError(t, err)
	assert.False(t, exhausted)

	clock.advance(9 * time.Minute)
	msg, _, err = q.AcquireNext()
	require.NoError(t, err)
	assert.Nil(t, msg)

	clock.advance(time.Minute)
	msg, _, err = q.AcquireNext()
	require.NoError(t, err)
	require.NotNil(t, msg)

	exhausted, err = q.MarkFailure(id, "still down")
	require.NoError(t, err)
	assert.True(t, exhausted)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats)

	var failed QueuedMessage
	require.NoError(t, readMetadata(filepath.Join(q.failedDir, id+".json"), &failed))
	assert.Equal(t, 3, failed.Attempts)
	assert.Len(t, failed.Errors, 3)
}

func TestBackoffClampsToLastStep(t *testing.T) {
	q, clock := newTestQueue(t, 10, []time.Duration{time.Minute})

	id, err := q.Enqueue("a@example.com", "b@remote.test", "relay", []byte("body"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		msg, _, err := q.AcquireNext()
		require.NoError(t, err)
		require.NotNil(t, msg, "attempt %d", i+1)
		_, err = q.MarkFailure(id, "down")
		require.NoError(t, err)
		clock.advance(time.Minute)
	}
}

func TestMarkPermanentFailure(t *testing.T) {
	q, _ := newTestQueue(t, 10, nil)

	id, err := q.Enqueue("a@example.com", "nobody@remote.test", "relay", []byte("body"))
	require.NoError(t, err)
	_, _, err = q.AcquireNext()
	require.NoError(t, err)

	require.NoError(t, q.MarkPermanentFailure(id, "550 5.1.1 no such user"))

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats)
	body, err := os.ReadFile(filepath.Join(q.failedDir, id+".msg"))
	require.NoError(t, err)
	assert.Equal(t, "body", string(body))
}

func TestReleaseKeepsAttempts(t *testing.T) {
	q, _ := newTestQueue(t, 10, nil)

	id, err := q.Enqueue("a@example.com", "b@remote.test", "relay", []byte("body"))
	require.NoError(t, err)
	_, _, err = q.AcquireNext()
	require.NoError(t, err)

	require.NoError(t, q.Release(id))
	msg, _, err := q.AcquireNext()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 0, msg.Attempts)
}

func TestRecoverProcessing(t *testing.T) {
	dir := t.TempDir()
	q, err := NewDiskQueue(dir, 10, nil)
	require.NoError(t, err)

	_, err = q.Enqueue("a@example.com", "b@remote.test", "relay", []byte("one"))
	require.NoError(t, err)
	_, err = q.Enqueue("a@example.com", "c@remote.test", "relay", []byte("two"))
	require.NoError(t, err)
	_, _, err = q.AcquireNext()
	require.NoError(t, err)
	_, _, err = q.AcquireNext()
	require.NoError(t, err)

	// A new process finds both entries stranded in processing.
	restarted, err := NewDiskQueue(dir, 10, nil)
	require.NoError(t, err)
	n, err := restarted.RecoverProcessing()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := restarted.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 2}, stats)
}

func TestAcquireSkipsCorruptMetadata(t *testing.T) {
	q, _ := newTestQueue(t, 10, nil)

	require.NoError(t, os.WriteFile(filepath.Join(q.pendingDir, "broken.json"), []byte("{"), 0644))
	id, err := q.Enqueue("a@example.com", "b@remote.test", "relay", []byte("body"))
	require.NoError(t, err)

	msg, _, err := q.AcquireNext()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
}
