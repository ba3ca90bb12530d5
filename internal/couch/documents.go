package couch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sag/internal/network"
)

// Get fetches path within the current database. With a cache attached, a
// cached entry is revalidated with If-None-Match; a 304 returns the cached
// response marked FromCache.
func (c *Client) Get(ctx context.Context, path string) (*network.Response, error) {
	db, err := c.requireDB()
	if err != nil {
		return nil, err
	}
	target := "/" + db + withLeadingSlash(path)
	if c.stale() {
		target = setURLParameter(target, "stale", "ok")
	}

	if c.cache != nil {
		prev, err := c.cache.Get(ctx, target)
		if err != nil {
			c.logger.Warn("Failed to read cached response", zap.String("url", target), zap.Error(err))
			prev = nil
		}
		if prev != nil {
			resp, err := c.do(ctx, http.MethodGet, target, nil, http.Header{"If-None-Match": {prev.ETag()}})
			if err != nil {
				// A server answer other than 304 still invalidates the entry.
				var ce *CouchError
				if errors.As(err, &ce) {
					c.dropFromCache(ctx, target)
				}
				return nil, err
			}
			if resp.Status == http.StatusNotModified {
				c.logger.Debug("Cache hit", zap.String("url", target), zap.String("etag", prev.ETag()))
				cached := prev.Response(c.decoding())
				cached.FromCache = true
				return cached, nil
			}
			c.logger.Debug("Cached response is stale", zap.String("url", target))
			c.dropFromCache(ctx, target)
			c.storeInCache(ctx, target, resp)
			return resp, nil
		}
	}

	resp, err := c.do(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		return nil, err
	}
	c.storeInCache(ctx, target, resp)
	return resp, nil
}

// Head issues a HEAD for path within the current database. A status of 400 or
// more is returned as a *CouchError without a message.
func (c *Client) Head(ctx context.Context, path string) (*network.Response, error) {
	db, err := c.requireDB()
	if err != nil {
		return nil, err
	}
	target := withLeadingSlash(path)
	if c.stale() {
		target = setURLParameter(target, "stale", "ok")
	}
	return c.do(ctx, http.MethodHead, "/"+db+target, nil, nil)
}

// Put stores data as document id. data may be []byte, string or
// json.RawMessage (sent as is) or any other value (JSON encoded). On success
// the cache, if any, is primed with data plus the new _rev.
func (c *Client) Put(ctx context.Context, id string, data any) (*network.Response, error) {
	db, err := c.requireDB()
	if err != nil {
		return nil, err
	}
	if err := validID("document id", id); err != nil {
		return nil, err
	}
	body, err := encodeBody(data)
	if err != nil {
		return nil, err
	}

	target := "/" + db + "/" + id
	resp, err := c.do(ctx, http.MethodPut, target, body, nil)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if toCache := cachedPut(resp, body); toCache != nil {
			c.storeInCache(ctx, target, toCache)
		}
	}
	return resp, nil
}

// cachedPut builds the response snapshot stored after a successful PUT: the
// sent document with _rev set to the new revision. It returns nil when the
// write did not succeed or the document is not a JSON object.
func cachedPut(resp *network.Response, sent []byte) *network.Response {
	var result struct {
		OK  bool   `json:"ok"`
		Rev string `json:"rev"`
	}
	if err := json.Unmarshal(resp.Raw, &result); err != nil || !result.OK {
		return nil
	}

	var doc map[string]any
	if err := json.Unmarshal(sent, &doc); err != nil || doc == nil {
		return nil
	}
	doc["_rev"] = result.Rev
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}

	toCache := resp.Clone()
	toCache.Raw = raw
	if resp.Body != nil {
		toCache.Body = doc
	}
	toCache.Header.Set("Content-Type", "application/json")
	toCache.Header.Set("Content-Length", strconv.Itoa(len(raw)))
	if toCache.ETag() == "" && result.Rev != "" {
		toCache.Header.Set("Etag", strconv.Quote(result.Rev))
	}
	return toCache
}

// Post sends data to the current database, or to path within it when path is
// not empty.
func (c *Client) Post(ctx context.Context, data any, path string) (*network.Response, error) {
	db, err := c.requireDB()
	if err != nil {
		return nil, err
	}
	body, err := encodeBody(data)
	if err != nil {
		return nil, err
	}
	if path != "" {
		path = withLeadingSlash(path)
	}
	return c.do(ctx, http.MethodPost, "/"+db+path, body, nil)
}

// Delete removes revision rev of document id and drops it from the cache.
func (c *Client) Delete(ctx context.Context, id, rev string) (*network.Response, error) {
	db, err := c.requireDB()
	if err != nil {
		return nil, err
	}
	if err := validID("document id", id); err != nil {
		return nil, err
	}
	if err := validID("revision", rev); err != nil {
		return nil, err
	}

	target := "/" + db + "/" + id
	c.dropFromCache(ctx, target)
	return c.do(ctx, http.MethodDelete, target+"?rev="+url.QueryEscape(rev), nil, nil)
}

// Copy copies document srcID to dstID. dstRev is required when dstID already
// exists.
func (c *Client) Copy(ctx context.Context, srcID, dstID, dstRev string) (*network.Response, error) {
	db, err := c.requireDB()
	if err != nil {
		return nil, err
	}
	if err := validID("source id", srcID); err != nil {
		return nil, err
	}
	if err := validID("destination id", dstID); err != nil {
		return nil, err
	}

	dest := dstID
	if dstRev != "" {
		dest += "?rev=" + url.QueryEscape(dstRev)
	}
	return c.do(ctx, "COPY", "/"+db+"/"+srcID, nil, http.Header{"Destination": {dest}})
}

// Bulk posts docs to _bulk_docs. all_or_nothing is only sent when set.
func (c *Client) Bulk(ctx context.Context, docs []any, allOrNothing bool) (*network.Response, error) {
	db, err := c.requireDB()
	if err != nil {
		return nil, err
	}
	if docs == nil {
		return nil, network.NewConfigError("bulk requires a list of documents")
	}

	payload := struct {
		AllOrNothing bool  `json:"all_or_nothing,omitempty"`
		Docs         []any `json:"docs"`
	}{allOrNothing, docs}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, network.NewConfigError("cannot encode documents: %v", err)
	}
	return c.do(ctx, http.MethodPost, "/"+db+"/_bulk_docs", body, nil)
}

// AllDocsOptions are the _all_docs query parameters. Zero values are left out.
type AllDocsOptions struct {
	IncludeDocs bool
	// Limit caps the number of rows. Zero means no limit.
	Limit      int
	StartKey   string
	EndKey     string
	Descending bool
	// Keys switches the request to a POST with a keys body.
	Keys []string
}

// AllDocs queries _all_docs of the current database.
func (c *Client) AllDocs(ctx context.Context, opts AllDocsOptions) (*network.Response, error) {
	db, err := c.requireDB()
	if err != nil {
		return nil, err
	}
	if opts.Limit < 0 {
		return nil, network.NewConfigError("limit must not be negative, got %d", opts.Limit)
	}

	var q query
	if opts.IncludeDocs {
		q.add("include_docs", "true")
	}
	if opts.StartKey != "" {
		q.add("startkey", opts.StartKey)
	}
	if opts.EndKey != "" {
		q.add("endkey", opts.EndKey)
	}
	if opts.Limit > 0 {
		q.add("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Descending {
		q.add("descending", "true")
	}

	target := "/" + db + "/_all_docs" + q.String()
	if opts.Keys != nil {
		body, err := json.Marshal(map[string][]string{"keys": opts.Keys})
		if err != nil {
			return nil, err
		}
		return c.do(ctx, http.MethodPost, target, body, nil)
	}
	return c.do(ctx, http.MethodGet, target, nil, nil)
}

// SetAttachment uploads data as attachment name of document docID with the
// given content type.
func (c *Client) SetAttachment(ctx context.Context, name string, data []byte, contentType, docID, rev string) (*network.Response, error) {
	db, err := c.requireDB()
	if err != nil {
		return nil, err
	}
	if err := validID("document id", docID); err != nil {
		return nil, err
	}
	if err := validID("attachment name", name); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, network.NewConfigError("attachment data must not be empty")
	}
	if contentType == "" {
		return nil, network.NewConfigError("attachment content type must not be empty")
	}

	target := "/" + db + "/" + docID + "/" + name
	if rev != "" {
		target += "?rev=" + url.QueryEscape(rev)
	}
	return c.do(ctx, http.MethodPut, target, data, http.Header{"Content-Type": {contentType}})
}

// encodeBody turns a document argument into request bytes.
func encodeBody(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, network.NewConfigError("document data is required")
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, network.NewConfigError("cannot encode document: %v", err)
	}
	return b, nil
}
