package relayqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/pkg/metrics"
)

// QueuedMessage is the metadata stored next to each queued body.
type QueuedMessage struct {
	ID          string    `json:"id"`
	From        string    `json:"from"` // Envelope sender, empty for bounces and vacation replies
	To          string    `json:"to"`
	Kind        string    `json:"kind"` // delivery.KindRelay, KindRedirect, ...
	QueuedAt    time.Time `json:"queued_at"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
	NextRetry   time.Time `json:"next_retry"`
	Errors      []string  `json:"errors"`
}

// Stats are the entry counts per queue directory.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

// DiskQueue is a durable relay queue. Each entry is a pair of files,
// <id>.json and <id>.msg, that moves between the pending, processing and
// failed directories by rename.
type DiskQueue struct {
	basePath      string
	pendingDir    string
	processingDir string
	failedDir     string
	maxAttempts   int
	retryBackoff  []time.Duration
	now           func() time.Time
	mu            sync.Mutex
}

var defaultRetryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

func NewDiskQueue(basePath string, maxAttempts int, retryBackoff []time.Duration) (*DiskQueue, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if len(retryBackoff) == 0 {
		retryBackoff = defaultRetryBackoff
	}

	q := &DiskQueue{
		basePath:      basePath,
		pendingDir:    filepath.Join(basePath, "pending"),
		processingDir: filepath.Join(basePath, "processing"),
		failedDir:     filepath.Join(basePath, "failed"),
		maxAttempts:   maxAttempts,
		retryBackoff:  retryBackoff,
		now:           time.Now,
	}

	for _, dir := range []string{q.pendingDir, q.processingDir, q.failedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return q, nil
}

// Enqueue stores a message for relay and returns its queue ID. The body is
// written before the metadata so AcquireNext never sees an entry without
// content.
func (q *DiskQueue) Enqueue(from, to, kind string, body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.New().String()
	now := q.now()
	entry := QueuedMessage{
		ID:        id,
		From:      from,
		To:        to,
		Kind:      kind,
		QueuedAt:  now,
		NextRetry: now,
		Errors:    []string{},
	}

	messagePath := filepath.Join(q.pendingDir, id+".msg")
	if err := writeDataAtomic(messagePath, body); err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(q.pendingDir, id+".json"), entry); err != nil {
		os.Remove(messagePath)
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	logger.Info("RelayQueue: enqueued message", "id", id, "kind", kind, "from", from, "to", to, "size", len(body))
	return id, nil
}

// AcquireNext moves the oldest due entry to processing and returns it. It
// returns nil when nothing is due.
func (q *DiskQueue) AcquireNext() (*QueuedMessage, []byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.readEntries(q.pendingDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read pending directory: %w", err)
	}

	now := q.now()
	for _, entry := range entries {
		if now.Before(entry.NextRetry) {
			continue
		}

		body, err := os.ReadFile(filepath.Join(q.pendingDir, entry.ID+".msg"))
		if err != nil {
			logger.Error("RelayQueue: failed to read message body", "id", entry.ID, "error", err)
			continue
		}
		if err := q.move(entry.ID, q.pendingDir, q.processingDir); err != nil {
			logger.Error("RelayQueue: failed to move message to processing", "id", entry.ID, "error", err)
			continue
		}
		return entry, body, nil
	}
	return nil, nil, nil
}

// MarkSuccess removes a delivered entry.
func (q *DiskQueue) MarkSuccess(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ext := range []string{".json", ".msg"} {
		if err := os.Remove(filepath.Join(q.processingDir, id+ext)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", ext, err)
		}
	}
	return nil
}

// MarkFailure records a transient failure. The entry returns to pending with
// the next backoff step, or moves to failed once maxAttempts is reached, in
// which case exhausted is true.
func (q *DiskQueue) MarkFailure(id, errMsg string) (exhausted bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	metadataPath := filepath.Join(q.processingDir, id+".json")
	var entry QueuedMessage
	if err := readMetadata(metadataPath, &entry); err != nil {
		return false, fmt.Errorf("failed to read metadata: %w", err)
	}

	now := q.now()
	entry.Attempts++
	entry.LastAttempt = now
	entry.Errors = append(entry.Errors, fmt.Sprintf("[%s] %s", now.Format(time.RFC3339), errMsg))

	if entry.Attempts >= q.maxAttempts {
		logger.Warn("RelayQueue: message exceeded max attempts", "id", id, "attempts", entry.Attempts)
		if err := q.retire(&entry, q.failedDir); err != nil {
			return false, err
		}
		return true, nil
	}

	step := entry.Attempts - 1
	if step >= len(q.retryBackoff) {
		step = len(q.retryBackoff) - 1
	}
	entry.NextRetry = now.Add(q.retryBackoff[step])
	logger.Info("RelayQueue: delivery deferred", "id", id, "attempt", entry.Attempts,
		"max_attempts", q.maxAttempts, "retry_at", entry.NextRetry.Format(time.RFC3339), "error", errMsg)

	return false, q.retire(&entry, q.pendingDir)
}

// MarkPermanentFailure moves the entry straight to failed.
func (q *DiskQueue) MarkPermanentFailure(id, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var entry QueuedMessage
	if err := readMetadata(filepath.Join(q.processingDir, id+".json"), &entry); err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	now := q.now()
	entry.Attempts++
	entry.LastAttempt = now
	entry.Errors = append(entry.Errors, fmt.Sprintf("[%s] permanent: %s", now.Format(time.RFC3339), errMsg))
	return q.retire(&entry, q.failedDir)
}

// Release puts an entry back to pending without counting an attempt. Used
// when delivery was never tried, e.g. an open circuit breaker.
func (q *DiskQueue) Release(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.move(id, q.processingDir, q.pendingDir)
}

// RecoverProcessing returns entries left in processing by a crash to
// pending. Call it once before the worker starts.
func (q *DiskQueue) RecoverProcessing() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.readEntries(q.processingDir)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, entry := range entries {
		if err := q.move(entry.ID, q.processingDir, q.pendingDir); err != nil {
			logger.Error("RelayQueue: failed to recover message", "id", entry.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		logger.Info("RelayQueue: recovered in-flight messages", "count", recovered)
	}
	return recovered, nil
}

// Stats counts entries and publishes them as queue depth gauges.
func (q *DiskQueue) Stats() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	var err error
	if s.Pending, err = countDir(q.pendingDir); err != nil {
		return Stats{}, err
	}
	if s.Processing, err = countDir(q.processingDir); err != nil {
		return Stats{}, err
	}
	if s.Failed, err = countDir(q.failedDir); err != nil {
		return Stats{}, err
	}

	metrics.RelayQueueDepth.WithLabelValues("pending").Set(float64(s.Pending))
	metrics.RelayQueueDepth.WithLabelValues("processing").Set(float64(s.Processing))
	metrics.RelayQueueDepth.WithLabelValues("failed").Set(float64(s.Failed))
	return s, nil
}

// retire writes updated metadata into dir and moves the body out of
// processing. Callers hold q.mu.
func (q *DiskQueue) retire(entry *QueuedMessage, dir string) error {
	if err := writeFileAtomic(filepath.Join(dir, entry.ID+".json"), entry); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(filepath.Join(q.processingDir, entry.ID+".msg"), filepath.Join(dir, entry.ID+".msg")); err != nil {
		os.Remove(filepath.Join(dir, entry.ID+".json"))
		return fmt.Errorf("failed to move message: %w", err)
	}
	os.Remove(filepath.Join(q.processingDir, entry.ID+".json"))
	return nil
}

// move renames both files of an entry. Callers hold q.mu.
func (q *DiskQueue) move(id, from, to string) error {
	if err := os.Rename(filepath.Join(from, id+".msg"), filepath.Join(to, id+".msg")); err != nil {
		return err
	}
	if err := os.Rename(filepath.Join(from, id+".json"), filepath.Join(to, id+".json")); err != nil {
		os.Rename(filepath.Join(to, id+".msg"), filepath.Join(from, id+".msg"))
		return err
	}
	return nil
}

// readEntries loads every metadata file in dir, oldest first.
func (q *DiskQueue) readEntries(dir string) ([]*QueuedMessage, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var entries []*QueuedMessage
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		var entry QueuedMessage
		if err := readMetadata(filepath.Join(dir, f.Name()), &entry); err != nil {
			logger.Error("RelayQueue: failed to read metadata", "file", f.Name(), "error", err)
			continue
		}
		entries = append(entries, &entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
	return entries, nil
}

func writeFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeDataAtomic(path, data)
}

// writeDataAtomic writes to a temporary file in the same directory and
// renames it into place.
func writeDataAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func readMetadata(path string, entry *QueuedMessage) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, entry)
}

func countDir(dir string) (int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		if !f.IsDir() && filepath.Ext(f.Name()) == ".json" {
			n++
		}
	}
	return n, nil
}
