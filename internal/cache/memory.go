package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sag/internal/network"
)

// Memory keeps serialized entries in a map for the life of the process. It
// does not account for size.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
	logger  *zap.Logger
}

// NewMemory returns an empty in-memory cache.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		entries: make(map[string][]byte),
		logger:  logger.Named("memory_cache"),
	}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, url string) (*Entry, error) {
	m.mu.RLock()
	b, ok := m.entries[MakeKey(url)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeEntry(b)
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, url string, resp *network.Response) (*Entry, bool, error) {
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

	m.mu.Lock()
	old, had := m.entries[entry.Key]
	m.entries[entry.Key] = b
	m.mu.Unlock()

	m.logger.Debug("Stored response", zap.String("url", url), zap.String("etag", entry.ETag()))
	if !had {
		return nil, true, nil
	}
	prev, err := decodeEntry(old)
	if err != nil {
		// The replacement is stored; an unreadable predecessor is just dropped.
		m.logger.Warn("Discarding unreadable cache entry", zap.String("url", url), zap.Error(err))
		return nil, true, nil
	}
	return prev, true, nil
}

// Remove implements Cache.
func (m *Memory) Remove(_ context.Context, url string) (bool, error) {
	m.mu.Lock()
	delete(m.entries, MakeKey(url))
	m.mu.Unlock()
	return true, nil
}

// Clear implements Cache.
func (m *Memory) Clear(_ context.Context) (bool, error) {
	m.mu.Lock()
	clear(m.entries)
	m.mu.Unlock()
	return true, nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Usage implements Cache and always fails.
func (m *Memory) Usage(context.Context) (int64, error) { return 0, ErrSizeUnsupported }

// MaxSize implements Cache and always fails.
func (m *Memory) MaxSize() (int64, error) { return 0, ErrSizeUnsupported }

// SetMaxSize implements Cache and always fails.
func (m *Memory) SetMaxSize(int64) error { return ErrSizeUnsupported }
