// Package cache stores message blobs on local disk with a SQLite index.
//
// A Cache serves either as the primary blob store (capacity 0, never
// purged) or, wrapped in a ReadThrough, as a bounded LRU cache in front of
// S3. The index records size and last access per key; purging removes the
// least recently used files until the total fits the capacity again.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/helpers"
	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/pkg/metrics"
	_ "modernc.org/sqlite"
)

const DataDir = "data"
const IndexDB = "cache_index.db"

var ErrObjectTooLarge = errors.New("object exceeds cache object size limit")

type Cache struct {
	basePath      string
	capacity      int64 // 0 disables purging
	maxObjectSize int64 // 0 disables the limit
	purgeInterval time.Duration
	db            *sql.DB
	mu            sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
}

type Stats struct {
	ObjectCount int64
	TotalSize   int64
	Hits        int64
	Misses      int64
}

func New(basePath string, capacity, maxObjectSize int64, purgeInterval time.Duration) (*Cache, error) {
	basePath = filepath.Clean(strings.TrimSpace(basePath))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path %s: %w", dataDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, IndexDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index DB: %w", err)
	}
	// A single connection serialises writers; SQLite would otherwise return
	// SQLITE_BUSY under concurrent deliveries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Cache: failed to enable WAL", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		key TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		accessed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_accessed_at ON cache_index(accessed_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache DB ping failed: %w", err)
	}

	return &Cache{
		basePath:      basePath,
		capacity:      capacity,
		maxObjectSize: maxObjectSize,
		purgeInterval: purgeInterval,
		db:            db,
	}, nil
}

func (c *Cache) Close() error {
	if c.db != nil {
		logger.Debug("Cache: closing index database")
		return c.db.Close()
	}
	return nil
}

// PathFor maps a blob key onto a file. Keys embed user-supplied address
// parts, so the file name is a hash of the key rather than the key itself.
func (c *Cache) PathFor(key string) string {
	h := helpers.HashContent([]byte(key))
	return filepath.Join(c.basePath, DataDir, h[:2], h[2:4], h[4:])
}

func (c *Cache) Get(ctx context.Context, key string) (data []byte, err error) {
	defer c.observe("GET", time.Now(), &err)

	path := c.PathFor(key)
	data, err = os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.misses.Add(1)
			c.forget(ctx, key)
			return nil, fmt.Errorf("%w: %s", consts.ErrBlobNotFound, key)
		}
		return nil, fmt.Errorf("%w: read %s: %w", consts.ErrStorageUnavailable, path, err)
	}
	c.hits.Add(1)

	c.mu.Lock()
	_, err = c.db.ExecContext(ctx, `UPDATE cache_index SET accessed_at = ? WHERE key = ?`, time.Now().UnixNano(), key)
	c.mu.Unlock()
	if err != nil {
		logger.Warn("Cache: failed to touch index entry", "key", key, "error", err)
	}
	return data, nil
}

// Put writes through a temporary file and renames it into place, so a
// reader never observes a partial object.
func (c *Cache) Put(ctx context.Context, key string, data []byte) (err error) {
	defer c.observe("PUT", time.Now(), &err)

	if c.maxObjectSize > 0 && int64(len(data)) > c.maxObjectSize {
		return fmt.Errorf("%w: %d > %d", ErrObjectTooLarge, len(data), c.maxObjectSize)
	}

	path := c.PathFor(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create cache directory: %w", consts.ErrStorageUnavailable, err)
	}
	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temporary cache file: %w", consts.ErrStorageUnavailable, err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("%w: write temporary cache file: %w", consts.ErrStorageUnavailable, err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("%w: sync temporary cache file: %w", consts.ErrStorageUnavailable, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("%w: close temporary cache file: %w", consts.ErrStorageUnavailable, err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("%w: move %s into place: %w", consts.ErrStorageUnavailable, path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_index (key, path, size, accessed_at) VALUES (?, ?, ?, ?)`,
		key, path, len(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to track cache file %s: %w", path, err)
	}
	return nil
}

// Delete is idempotent.
func (c *Cache) Delete(ctx context.Context, key string) (err error) {
	defer c.observe("DELETE", time.Now(), &err)

	path := c.PathFor(key)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file %s: %w", path, err)
	}
	removeEmptyParents(path, filepath.Join(c.basePath, DataDir))

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_index WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove index entry for %s: %w", key, err)
	}
	return nil
}

func (c *Cache) forget(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_index WHERE key = ?`, key); err != nil {
		logger.Warn("Cache: failed to drop stale index entry", "key", key, "error", err)
	}
}

func (c *Cache) observe(op string, start time.Time, errp *error) {
	status := "success"
	if *errp != nil {
		status = "error"
		if errors.Is(*errp, consts.ErrBlobNotFound) {
			status = "not_found"
		}
	}
	metrics.BlobOperationsTotal.WithLabelValues("local", op, status).Inc()
	metrics.BlobOperationDuration.WithLabelValues("local", op).Observe(time.Since(start).Seconds())
}

// StartPurgeLoop trims the cache every purge interval until ctx is done.
// It does nothing for an unbounded cache.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	if c.capacity <= 0 || c.purgeInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()
		for {
			if err := c.PurgeIfNeeded(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Cache: purge failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// PurgeIfNeeded removes least recently used objects until the total size
// is within capacity.
func (c *Cache) PurgeIfNeeded(ctx context.Context) error {
	if c.capacity <= 0 {
		return nil
	}
	victims, err := c.purgeCandidates(ctx)
	if err != nil {
		return fmt.Errorf("failed to get purge candidates: %w", err)
	}
	if len(victims) == 0 {
		return nil
	}

	dataDir := filepath.Join(c.basePath, DataDir)
	removed := make([]string, 0, len(victims))
	for _, v := range victims {
		if err := os.Remove(v.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Cache: failed to remove file during purge", "path", v.path, "error", err)
			continue
		}
		removeEmptyParents(v.path, dataDir)
		removed = append(removed, v.key)
	}
	if len(removed) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index removal: %w", err)
	}
	defer tx.Rollback()

	query := `DELETE FROM cache_index WHERE key IN (?` + strings.Repeat(",?", len(removed)-1) + `)`
	args := make([]any, len(removed))
	for i, k := range removed {
		args[i] = k
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to batch delete from index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index deletions: %w", err)
	}
	logger.Info("Cache: purged objects", "count", len(removed))
	return nil
}

type victim struct {
	key  string
	path string
}

func (c *Cache) purgeCandidates(ctx context.Context) ([]victim, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to get total cache size: %w", err)
	}
	if total <= c.capacity {
		return nil, nil
	}
	toFree := total - c.capacity

	rows, err := c.db.QueryContext(ctx, `SELECT key, path, size FROM cache_index ORDER BY accessed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query purge candidates: %w", err)
	}
	defer rows.Close()

	var out []victim
	var freed int64
	for rows.Next() && freed < toFree {
		var v victim
		var size int64
		if err := rows.Scan(&v.key, &v.path, &size); err != nil {
			return nil, err
		}
		out = append(out, v)
		freed += size
	}
	return out, rows.Err()
}

func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	row := c.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_index`)
	if err := row.Scan(&st.ObjectCount, &st.TotalSize); err != nil {
		return nil, fmt.Errorf("failed to query cache statistics: %w", err)
	}
	return st, nil
}

func removeEmptyParents(path string, stopAt string) {
	for {
		dir := filepath.Dir(path)
		if dir == stopAt || dir == "." || dir == "/" {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		path = dir
	}
}
