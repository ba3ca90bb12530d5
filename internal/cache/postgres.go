package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sag/internal/network"
	"github.com/xkilldash9x/sag/internal/store"
)

// Postgres keeps entries in the sag_cache table. Usage is computed by the
// database, so several processes may share one cache.
type Postgres struct {
	budget
	store  *store.Store
	logger *zap.Logger
}

// NewPostgres wraps an initialized store. The schema is created if needed.
func NewPostgres(ctx context.Context, s *store.Store, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return &Postgres{
		budget: budget{maxSize: DefaultMaxSize},
		store:  s,
		logger: logger.Named("postgres_cache"),
	}, nil
}

// Get implements Cache.
func (p *Postgres) Get(ctx context.Context, url string) (*Entry, error) {
	row, err := p.store.Fetch(ctx, MakeKey(url))
	if err != nil || row == nil {
		return nil, err
	}
	return decodeEntry(row.Snapshot)
}

// Set implements Cache.
func (p *Postgres) Set(ctx context.Context, url string, resp *network.Response) (*Entry, bool, error) {
	if err := validateURL(url); err != nil {
		return nil, false, err
	}
	if !mayCache(resp) {
		return nil, false, nil
	}

	entry := newEntry(url, resp)
	b, err := encodeEntry(entry)
	if err != nil {
		return nil, false, err
	}
	maxSize, _ := p.MaxSize()
	if entry.Size > maxSize {
		p.logger.Debug("Response larger than the cache", zap.String("url", url), zap.Int64("size", entry.Size))
		return nil, false, nil
	}

	old, err := p.store.Put(ctx, &store.Row{
		Key:      entry.Key,
		URL:      url,
		Snapshot: b,
		Size:     entry.Size,
		StoredAt: entry.StoredAt,
	}, maxSize)
	if err != nil {
		return nil, false, fmt.Errorf("failed to cache %s: %w", url, err)
	}
	if old == nil {
		return nil, true, nil
	}
	prev, err := decodeEntry(old.Snapshot)
	if err != nil {
		p.logger.Warn("Discarding unreadable cache entry", zap.String("url", url), zap.Error(err))
		return nil, true, nil
	}
	return prev, true, nil
}

// Remove implements Cache.
func (p *Postgres) Remove(ctx context.Context, url string) (bool, error) {
	if err := p.store.Delete(ctx, MakeKey(url)); err != nil {
		return false, err
	}
	return true, nil
}

// Clear implements Cache.
func (p *Postgres) Clear(ctx context.Context) (bool, error) {
	n, err := p.store.DeleteAll(ctx)
	if err != nil {
		return false, err
	}
	p.logger.Debug("Cleared cache", zap.Int64("entries", n))
	return true, nil
}

// Usage implements Cache.
func (p *Postgres) Usage(ctx context.Context) (int64, error) {
	return p.store.TotalSize(ctx)
}
