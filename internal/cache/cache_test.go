package cache

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sag/internal/network"
)

func jsonResponse(etag, body string) *network.Response {
	h := http.Header{"Content-Type": {"application/json"}}
	if etag != "" {
		h.Set("Etag", etag)
	}
	return &network.Response{
		Status:     200,
		Proto:      "1.1",
		StatusLine: "HTTP/1.1 200 OK",
		Header:     h,
		Cookies:    map[string]string{},
		Raw:        []byte(body),
	}
}

// contractCaches returns one fresh instance of every cache that runs without
// external services.
func contractCaches(t *testing.T) map[string]Cache {
	t.Helper()
	fc, err := NewFile(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return map[string]Cache{
		"memory": NewMemory(zaptest.NewLogger(t)),
		"file":   fc,
	}
}

func TestMakeKey(t *testing.T) {
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", MakeKey(""))
	assert.Equal(t, MakeKey("/db/doc"), MakeKey("/db/doc"))
	assert.NotEqual(t, MakeKey("/db/doc"), MakeKey("/db/doc2"))
	assert.Len(t, MakeKey("/db/doc"), 40)
}

func TestCache_Contract(t *testing.T) {
	ctx := context.Background()

	for name, c := range contractCaches(t) {
		t.Run(name, func(t *testing.T) {
			entry, err := c.Get(ctx, "/db/doc")
			require.NoError(t, err)
			assert.Nil(t, entry, "empty cache has no entry")

			prev, stored, err := c.Set(ctx, "/db/doc", jsonResponse(`"1-a"`, `{"_id":"doc","_rev":"1-a"}`))
			require.NoError(t, err)
			assert.True(t, stored)
			assert.Nil(t, prev)

			entry, err = c.Get(ctx, "/db/doc")
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, MakeKey("/db/doc"), entry.Key)
			assert.Equal(t, `"1-a"`, entry.ETag())

			resp := entry.Response(true)
			assert.Equal(t, 200, resp.Status)
			want := map[string]any{"_id": "doc", "_rev": "1-a"}
			if diff := cmp.Diff(want, resp.Body); diff != "" {
				t.Errorf("decoded body mismatch (-want +got):\n%s", diff)
			}

			prev, stored, err = c.Set(ctx, "/db/doc", jsonResponse(`"2-b"`, `{"_id":"doc","_rev":"2-b"}`))
			require.NoError(t, err)
			assert.True(t, stored)
			require.NotNil(t, prev, "replacing an entry returns the previous one")
			assert.Equal(t, `"1-a"`, prev.ETag())

			ok, err := c.Remove(ctx, "/db/doc")
			require.NoError(t, err)
			assert.True(t, ok)
			entry, err = c.Get(ctx, "/db/doc")
			require.NoError(t, err)
			assert.Nil(t, entry)

			ok, err = c.Remove(ctx, "/db/never-stored")
			require.NoError(t, err)
			assert.True(t, ok, "removing an absent entry succeeds")
		})
	}
}

func TestCache_PreservesBodyBytes(t *testing.T) {
	ctx := context.Background()
	body := "{\"a\":\"\xff\xfe\"}"

	for name, c := range contractCaches(t) {
		t.Run(name, func(t *testing.T) {
			_, stored, err := c.Set(ctx, "/db/bytes", jsonResponse(`"1-a"`, body))
			require.NoError(t, err)
			require.True(t, stored)

			entry, err := c.Get(ctx, "/db/bytes")
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, []byte(body), entry.Body)
			assert.Equal(t, []byte(body), entry.Response(false).Raw)
		})
	}
}

func TestCache_RefusesIneligibleResponses(t *testing.T) {
	ctx := context.Background()
	tests := map[string]*network.Response{
		"no etag":      jsonResponse("", `{"a":1}`),
		"array body":   jsonResponse(`"1"`, `[1,2,3]`),
		"invalid json": jsonResponse(`"1"`, `{"a":`),
		"nil response": nil,
	}

	for name, c := range contractCaches(t) {
		for label, resp := range tests {
			t.Run(name+"/"+label, func(t *testing.T) {
				prev, stored, err := c.Set(ctx, "/db/x", resp)
				require.NoError(t, err)
				assert.False(t, stored)
				assert.Nil(t, prev)
			})
		}
	}
}

func TestCache_EmptyURLIsConfigError(t *testing.T) {
	for name, c := range contractCaches(t) {
		t.Run(name, func(t *testing.T) {
			_, _, err := c.Set(context.Background(), "", jsonResponse(`"1"`, `{}`))
			assert.True(t, network.IsConfigError(err))
		})
	}
}

func TestCache_Clear(t *testing.T) {
	ctx := context.Background()
	for name, c := range contractCaches(t) {
		t.Run(name, func(t *testing.T) {
			for _, u := range []string{"/db/a", "/db/b", "/db/c"} {
				_, stored, err := c.Set(ctx, u, jsonResponse(`"1"`, `{"u":"`+u+`"}`))
				require.NoError(t, err)
				require.True(t, stored)
			}
			ok, err := c.Clear(ctx)
			require.NoError(t, err)
			assert.True(t, ok)

			for _, u := range []string{"/db/a", "/db/b", "/db/c"} {
				e, err := c.Get(ctx, u)
				require.NoError(t, err)
				assert.Nil(t, e)
			}
		})
	}
}

func TestEntry_ResponseWithoutDecode(t *testing.T) {
	e := newEntry("/db/doc", jsonResponse(`"1"`, `{"a":1}`))
	resp := e.Response(false)
	assert.Nil(t, resp.Body)
	assert.Equal(t, `{"a":1}`, string(resp.Raw))
	assert.False(t, resp.FromCache)
}

func TestMemory_SizeOperationsUnsupported(t *testing.T) {
	m := NewMemory(nil)
	_, err := m.Usage(context.Background())
	assert.ErrorIs(t, err, ErrSizeUnsupported)
	_, err = m.MaxSize()
	assert.ErrorIs(t, err, ErrSizeUnsupported)
	assert.ErrorIs(t, m.SetMaxSize(10), ErrSizeUnsupported)

	stats, err := Describe(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, Stats{Type: "memory"}, stats)
}
