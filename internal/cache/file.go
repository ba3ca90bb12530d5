package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sag/internal/network"
)

// fileExt is the suffix of every cache file.
const fileExt = ".sag"

// File stores one JSON snapshot per URL in a directory, named
// <sha1(url)>.sag. When a new entry does not fit in the size budget the oldest
// files, by modification time, are removed first.
type File struct {
	budget
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	usage int64
}

// NewFile opens a cache rooted at dir, which must be an existing directory
// the process can read and write. A leading ~ is expanded. The current usage
// is recomputed from the .sag files already present.
func NewFile(dir string, logger *zap.Logger) (*File, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, network.NewConfigError("cannot expand cache directory %q: %v", dir, err)
	}

	info, err := os.Stat(expanded)
	if err != nil {
		return nil, network.NewConfigError("cache directory %q is not accessible: %v", expanded, err)
	}
	if !info.IsDir() {
		return nil, network.NewConfigError("cache location %q is not a directory", expanded)
	}
	if _, err := os.ReadDir(expanded); err != nil {
		return nil, network.NewConfigError("cache directory %q is not readable: %v", expanded, err)
	}
	probe, err := os.CreateTemp(expanded, ".probe-*")
	if err != nil {
		return nil, network.NewConfigError("cache directory %q is not writable: %v", expanded, err)
	}
	probe.Close()
	_ = os.Remove(probe.Name())

	f := &File{
		budget: budget{maxSize: DefaultMaxSize},
		dir:    expanded,
		logger: logger.Named("file_cache"),
	}
	files, err := f.scan()
	if err != nil {
		return nil, err
	}
	for _, fi := range files {
		f.usage += fi.size
	}
	f.logger.Debug("Opened file cache",
		zap.String("dir", expanded),
		zap.Int("entries", len(files)),
		zap.Int64("usage", f.usage),
	)
	return f, nil
}

// Dir returns the expanded cache directory.
func (f *File) Dir() string { return f.dir }

func (f *File) path(key string) string {
	return filepath.Join(f.dir, key+fileExt)
}

// Get implements Cache.
func (f *File) Get(_ context.Context, url string) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(MakeKey(url))
}

func (f *File) read(key string) (*Entry, error) {
	b, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeEntry(b)
}

// Set implements Cache.
func (f *File) Set(_ context.Context, url string, resp *network.Response) (*Entry, bool, error) {
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
	maxSize, _ := f.MaxSize()
	if entry.Size > maxSize {
		f.logger.Debug("Response larger than the cache", zap.String("url", url), zap.Int64("size", entry.Size))
		return nil, false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prev, err := f.read(entry.Key)
	if err != nil {
		f.logger.Warn("Discarding unreadable cache entry", zap.String("url", url), zap.Error(err))
		prev = nil
	}
	if err := f.removeLocked(entry.Key); err != nil {
		return nil, false, err
	}
	if err := f.evictLocked(entry.Size, maxSize); err != nil {
		return nil, false, err
	}
	if err := f.writeLocked(entry.Key, b); err != nil {
		return nil, false, err
	}
	f.usage += entry.Size
	return prev, true, nil
}

// writeLocked writes through a temporary file so readers never see a partial
// snapshot.
func (f *File) writeLocked(key string, b []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".tmp-"+key+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path(key))
}

// evictLocked removes the oldest files until size more bytes fit in maxSize.
func (f *File) evictLocked(size, maxSize int64) error {
	if f.usage+size <= maxSize {
		return nil
	}
	files, err := f.scan()
	if err != nil {
		return err
	}
	slices.SortFunc(files, func(a, b cachedFile) int {
		return a.modTime.Compare(b.modTime)
	})
	for _, fi := range files {
		if f.usage+size <= maxSize {
			break
		}
		if err := f.removeLocked(fi.key); err != nil {
			return err
		}
		f.logger.Debug("Evicted cache entry", zap.String("key", fi.key), zap.Int64("size", fi.size))
	}
	return nil
}

// Remove implements Cache.
func (f *File) Remove(_ context.Context, url string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeLocked(MakeKey(url)); err != nil {
		return false, err
	}
	return true, nil
}

func (f *File) removeLocked(key string) error {
	p := f.path(key)
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	f.usage -= info.Size()
	if f.usage < 0 {
		f.usage = 0
	}
	return nil
}

// Clear implements Cache. It keeps going after a failed removal and reports
// false if any file could not be removed.
func (f *File) Clear(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	files, err := f.scan()
	if err != nil {
		return false, err
	}
	complete := true
	for _, fi := range files {
		if err := f.removeLocked(fi.key); err != nil {
			f.logger.Warn("Failed to remove cache file", zap.String("key", fi.key), zap.Error(err))
			complete = false
		}
	}
	return complete, nil
}

// Usage implements Cache.
func (f *File) Usage(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage, nil
}

type cachedFile struct {
	key     string
	size    int64
	modTime time.Time
}

func (f *File) scan() ([]cachedFile, error) {
	dirEntries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	files := make([]cachedFile, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		info, err := de.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		files = append(files, cachedFile{
			key:     strings.TrimSuffix(name, fileExt),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return files, nil
}
