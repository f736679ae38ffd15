package cache

import (
	"context"
	"errors"

	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/pkg/metrics"
	"github.com/migadu/trove/store"
)

// ReadThrough puts a local Cache in front of a remote blob store. Writes go
// to the origin first; the local copy is best effort.
type ReadThrough struct {
	local  *Cache
	origin store.BlobStore
}

func NewReadThrough(local *Cache, origin store.BlobStore) *ReadThrough {
	return &ReadThrough{local: local, origin: origin}
}

func (r *ReadThrough) Put(ctx context.Context, key string, data []byte) error {
	if err := r.origin.Put(ctx, key, data); err != nil {
		return err
	}
	r.fill(ctx, key, data)
	return nil
}

func (r *ReadThrough) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.local.Get(ctx, key)
	if err == nil {
		metrics.CacheRequests.WithLabelValues("hit").Inc()
		return data, nil
	}
	if !errors.Is(err, consts.ErrBlobNotFound) {
		logger.Warn("Cache: local read failed, using origin", "key", key, "error", err)
	}
	metrics.CacheRequests.WithLabelValues("miss").Inc()

	data, err = r.origin.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	r.fill(ctx, key, data)
	return data, nil
}

func (r *ReadThrough) Delete(ctx context.Context, key string) error {
	if err := r.origin.Delete(ctx, key); err != nil {
		return err
	}
	if err := r.local.Delete(ctx, key); err != nil {
		logger.Warn("Cache: failed to drop local copy", "key", key, "error", err)
	}
	return nil
}

func (r *ReadThrough) fill(ctx context.Context, key string, data []byte) {
	if err := r.local.Put(ctx, key, data); err != nil && !errors.Is(err, ErrObjectTooLarge) {
		logger.Warn("Cache: failed to store local copy", "key", key, "error", err)
	}
}

var (
	_ store.BlobStore = (*Cache)(nil)
	_ store.BlobStore = (*ReadThrough)(nil)
)
