package couch

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/sag/internal/network"
)

// SetDatabase selects the database used by document operations. The name is
// path-escaped. With createIfNotFound the database is created when a HEAD
// reports 404; any other failure is returned.
func (c *Client) SetDatabase(ctx context.Context, name string, createIfNotFound bool) error {
	if name == "" {
		return network.NewConfigError("database name must not be empty")
	}
	escaped := escapeDatabase(name)

	if createIfNotFound {
		if _, err := c.do(ctx, http.MethodHead, "/"+escaped, nil, nil); err != nil {
			if !IsNotFound(err) {
				return err
			}
			if _, err := c.createDatabase(ctx, escaped); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	c.db = escaped
	c.mu.Unlock()
	return nil
}

func escapeDatabase(name string) string {
	return url.PathEscape(name)
}

// AllDatabases lists every database on the server.
func (c *Client) AllDatabases(ctx context.Context) (*network.Response, error) {
	return c.do(ctx, http.MethodGet, "/_all_dbs", nil, nil)
}

// GenerateIDs asks the server for n UUIDs.
func (c *Client) GenerateIDs(ctx context.Context, n int) (*network.Response, error) {
	if n < 0 {
		return nil, network.NewConfigError("the number of ids must not be negative, got %d", n)
	}
	return c.do(ctx, http.MethodGet, "/_uuids?count="+strconv.Itoa(n), nil, nil)
}

// CreateDatabase creates the database name.
func (c *Client) CreateDatabase(ctx context.Context, name string) (*network.Response, error) {
	if err := validDatabase(name); err != nil {
		return nil, err
	}
	return c.createDatabase(ctx, escapeDatabase(name))
}

func (c *Client) createDatabase(ctx context.Context, escaped string) (*network.Response, error) {
	return c.do(ctx, http.MethodPut, "/"+escaped, nil, nil)
}

// DeleteDatabase deletes the database name.
func (c *Client) DeleteDatabase(ctx context.Context, name string) (*network.Response, error) {
	if err := validDatabase(name); err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodDelete, "/"+escapeDatabase(name), nil, nil)
}

func validDatabase(name string) error {
	if strings.TrimSpace(name) == "" {
		return network.NewConfigError("database name must not be empty")
	}
	return nil
}

// ReplicateOptions describes a _replicate request.
type ReplicateOptions struct {
	Source       string
	Target       string
	Continuous   bool
	CreateTarget bool
	// Filter names a design document filter function, "ddoc/filter".
	Filter      string
	QueryParams map[string]any
}

// Replicate starts a replication from opts.Source to opts.Target.
func (c *Client) Replicate(ctx context.Context, opts ReplicateOptions) (*network.Response, error) {
	if opts.Source == "" {
		return nil, network.NewConfigError("replication requires a source")
	}
	if opts.Target == "" {
		return nil, network.NewConfigError("replication requires a target")
	}
	if opts.QueryParams != nil && opts.Filter == "" {
		return nil, network.NewConfigError("replication query params require a filter")
	}

	payload := struct {
		Source       string         `json:"source"`
		Target       string         `json:"target"`
		Continuous   bool           `json:"continuous,omitempty"`
		CreateTarget bool           `json:"create_target,omitempty"`
		Filter       string         `json:"filter,omitempty"`
		QueryParams  map[string]any `json:"query_params,omitempty"`
	}{opts.Source, opts.Target, opts.Continuous, opts.CreateTarget, opts.Filter, opts.QueryParams}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, network.NewConfigError("cannot encode replication request: %v", err)
	}
	return c.do(ctx, http.MethodPost, "/_replicate", body, nil)
}

// Compact compacts the current database, or one design document's views when
// view is set.
func (c *Client) Compact(ctx context.Context, view string) (*network.Response, error) {
	db, err := c.requireDB()
	if err != nil {
		return nil, err
	}
	target := "/" + db + "/_compact"
	if view != "" {
		target += "/" + view
	}
	return c.do(ctx, http.MethodPost, target, nil, nil)
}

// Stats returns the server statistics.
func (c *Client) Stats(ctx context.Context) (*network.Response, error) {
	return c.do(ctx, http.MethodGet, "/_stats", nil, nil)
}
