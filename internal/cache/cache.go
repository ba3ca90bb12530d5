// Package cache stores CouchDB responses keyed by request URL so the client
// can revalidate them with If-None-Match instead of fetching them again.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/sag/internal/network"
)

// DefaultMaxSize is the size budget, in bytes, of caches that enforce one.
const DefaultMaxSize int64 = 1000000

// ErrSizeUnsupported is returned by the size operations of caches that do not
// account for size.
var ErrSizeUnsupported = errors.New("cache sizes are not supported by this cache")

// Cache is the contract shared by every response cache.
//
// Keys are request URLs; implementations store them under MakeKey(url).
type Cache interface {
	// Get returns the entry stored for url, or nil when there is none. It
	// never evicts.
	Get(ctx context.Context, url string) (*Entry, error)

	// Set stores resp under url. It refuses (stored == false) responses that
	// lack an ETag or whose body is not a JSON object. When an entry was
	// replaced, it is returned as prev.
	Set(ctx context.Context, url string, resp *network.Response) (prev *Entry, stored bool, err error)

	// Remove deletes the entry for url. Removing an absent entry succeeds.
	Remove(ctx context.Context, url string) (bool, error)

	// Clear removes every entry. It reports true only when all removals
	// succeeded.
	Clear(ctx context.Context) (bool, error)

	// Usage returns the bytes currently accounted to the cache.
	Usage(ctx context.Context) (int64, error)

	// MaxSize returns the size budget in bytes.
	MaxSize() (int64, error)

	// SetMaxSize changes the size budget. It must be positive.
	SetMaxSize(bytes int64) error
}

// MakeKey returns the lowercase hex SHA-1 of url.
func MakeKey(url string) string {
	sum := sha1.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// mayCache reports whether resp is eligible for caching: a non-empty ETag and
// a body that is a JSON object.
func mayCache(resp *network.Response) bool {
	return resp != nil && resp.ETag() != "" && resp.IsJSONObject()
}

// Entry is a stored response snapshot.
type Entry struct {
	Key      string            `json:"key"`
	URL      string            `json:"url"`
	Status   int               `json:"status"`
	Proto    string            `json:"proto,omitempty"`
	Header   http.Header       `json:"headers"`
	Cookies  map[string]string `json:"cookies,omitempty"`
	// Body holds the raw body bytes, base64 encoded in the snapshot.
	Body     []byte            `json:"body"`
	StoredAt time.Time         `json:"stored_at"`

	// Size is the length of the serialized snapshot.
	Size int64 `json:"-"`
}

// ETag returns the stored ETag header.
func (e *Entry) ETag() string {
	return e.Header.Get("Etag")
}

// Response rebuilds a response from the snapshot. When decode is true the
// body is decoded as it would be for a fresh response.
func (e *Entry) Response(decode bool) *network.Response {
	resp := &network.Response{
		Status:     e.Status,
		Proto:      e.Proto,
		StatusLine: "HTTP/" + e.Proto + " " + http.StatusText(e.Status),
		Header:     e.Header.Clone(),
		Cookies:    make(map[string]string, len(e.Cookies)),
		Raw:        append([]byte(nil), e.Body...),
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	for k, v := range e.Cookies {
		resp.Cookies[k] = v
	}
	if decode {
		var body any
		if err := json.Unmarshal(resp.Raw, &body); err == nil {
			resp.Body = body
		}
	}
	return resp
}

func newEntry(url string, resp *network.Response) *Entry {
	return &Entry{
		Key:      MakeKey(url),
		URL:      url,
		Status:   resp.Status,
		Proto:    resp.Proto,
		Header:   resp.Header.Clone(),
		Cookies:  resp.Cookies,
		Body:     append([]byte(nil), resp.Raw...),
		StoredAt: time.Now().UTC(),
	}
}

func encodeEntry(e *Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	e.Size = int64(len(b))
	return b, nil
}

func decodeEntry(b []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	e.Size = int64(len(b))
	return &e, nil
}

func validateURL(url string) error {
	if url == "" {
		return network.NewConfigError("a URL is required to cache a response")
	}
	return nil
}

// budget is the size accounting shared by the caches that enforce a limit.
type budget struct {
	mu      sync.Mutex
	maxSize int64
}

func (b *budget) MaxSize() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxSize, nil
}

func (b *budget) SetMaxSize(bytes int64) error {
	if bytes <= 0 {
		return network.NewConfigError("the cache size must be a positive number of bytes, got %d", bytes)
	}
	b.mu.Lock()
	b.maxSize = bytes
	b.mu.Unlock()
	return nil
}

// Stats summarizes a cache for reporting.
type Stats struct {
	Type    string `json:"type"`
	Usage   int64  `json:"usage_bytes"`
	MaxSize int64  `json:"max_size_bytes"`
}

// Describe gathers Stats for c. Size fields stay zero for caches without size
// accounting.
func Describe(ctx context.Context, c Cache) (Stats, error) {
	var s Stats
	switch c.(type) {
	case *Memory:
		s.Type = "memory"
	case *File:
		s.Type = "file"
	case *Postgres:
		s.Type = "postgres"
	}

	usage, err := c.Usage(ctx)
	if errors.Is(err, ErrSizeUnsupported) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	s.Usage = usage
	s.MaxSize, err = c.MaxSize()
	return s, err
}
