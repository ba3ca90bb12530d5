package couch

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/sag/internal/network"
	"github.com/xkilldash9x/sag/internal/testing/couchtest"
)

func TestSetDatabase(t *testing.T) {
	srv := couchtest.NewServer(t, nil)
	client := newTestClient(t, srv, nil, nil)
	ctx := context.Background()

	require.Error(t, client.SetDatabase(ctx, "", false))

	require.NoError(t, client.SetDatabase(ctx, "plain", false))
	assert.Equal(t, "plain", client.CurrentDatabase())
	assert.Empty(t, srv.Requests(), "selecting without create sends nothing")

	require.NoError(t, client.SetDatabase(ctx, "a/b", false))
	assert.Equal(t, "a%2Fb", client.CurrentDatabase())
}

func TestSetDatabase_CreatesMissing(t *testing.T) {
	srv := couchtest.NewServer(t, nil)
	client := newTestClient(t, srv, nil, nil)
	ctx := context.Background()

	require.NoError(t, client.SetDatabase(ctx, "fresh", true))
	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodHead, reqs[0].Method)
	assert.Equal(t, http.MethodPut, reqs[1].Method)
	assert.Equal(t, "/fresh", reqs[1].URI)

	// An existing database is only probed.
	require.NoError(t, client.SetDatabase(ctx, "fresh", true))
	assert.Len(t, srv.Requests(), 3)
}

func TestSetDatabase_OtherFailuresPropagate(t *testing.T) {
	srv := couchtest.NewServer(t, nil)
	srv.RequireAuth = true
	client := newTestClient(t, srv, nil, nil)

	err := client.SetDatabase(context.Background(), "locked", true)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	assert.Empty(t, client.CurrentDatabase())
}

func TestDatabaseLifecycle(t *testing.T) {
	srv := couchtest.NewServer(t, nil)
	client := newTestClient(t, srv, nil, nil)
	ctx := context.Background()

	_, err := client.CreateDatabase(ctx, "one")
	require.NoError(t, err)
	_, err = client.CreateDatabase(ctx, "one")
	assert.Equal(t, http.StatusPreconditionFailed, StatusCode(err))

	resp, err := client.AllDatabases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"one"}, resp.Body)

	_, err = client.DeleteDatabase(ctx, "one")
	require.NoError(t, err)
	_, err = client.DeleteDatabase(ctx, "one")
	assert.True(t, IsNotFound(err))

	_, err = client.CreateDatabase(ctx, " ")
	assert.True(t, network.IsConfigError(err))
}

func TestGenerateIDs(t *testing.T) {
	srv := couchtest.NewServer(t, nil)
	client := newTestClient(t, srv, nil, nil)
	ctx := context.Background()

	resp, err := client.GenerateIDs(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "/_uuids?count=3", srv.LastRequest().URI)
	assert.Len(t, resp.Body.(map[string]any)["uuids"], 3)

	_, err = client.GenerateIDs(ctx, -1)
	assert.True(t, network.IsConfigError(err))
}

func TestReplicate(t *testing.T) {
	srv := couchtest.NewServer(t, nil)
	client := newTestClient(t, srv, nil, nil)
	ctx := context.Background()

	_, err := client.Replicate(ctx, ReplicateOptions{
		Source:       "src",
		Target:       "dst",
		CreateTarget: true,
		Filter:       "app/by_type",
		QueryParams:  map[string]any{"type": "post"},
	})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"source":"src","target":"dst","create_target":true,"filter":"app/by_type","query_params":{"type":"post"}}`,
		string(srv.LastRequest().Body))

	invalid := []ReplicateOptions{
		{Target: "dst"},
		{Source: "src"},
		{Source: "src", Target: "dst", QueryParams: map[string]any{"a": 1}},
	}
	for _, opts := range invalid {
		_, err := client.Replicate(ctx, opts)
		assert.True(t, network.IsConfigError(err), "%+v", opts)
	}
}

func TestCompactAndStats(t *testing.T) {
	srv := couchtest.NewServer(t, nil)
	srv.CreateDatabase("db")
	client := newTestClient(t, srv, nil, func(cfg *Config) { cfg.Database = "db" })
	ctx := context.Background()

	resp, err := client.Compact(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, "/db/_compact", srv.LastRequest().URI)

	_, err = client.Compact(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, "/db/_compact/app", srv.LastRequest().URI)

	resp, err = client.Stats(ctx)
	require.NoError(t, err)
	assert.Contains(t, resp.Body.(map[string]any), "couchdb")
}
