// File: cmd/documents_test.go
package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/sag/internal/couch"
	"github.com/xkilldash9x/sag/internal/testing/couchtest"
)

func TestDocumentCommands(t *testing.T) {
	srv := couchtest.NewServer(t, nil)
	srv.CreateDatabase("db")
	base := serverArgs(srv, "db")

	out, err := runCLI(t, "", append(base, "put", "doc", `{"a":1}`)...)
	require.NoError(t, err)
	put := decodeOutput(t, out)
	assert.Equal(t, true, put["ok"])
	rev := put["rev"].(string)

	out, err = runCLI(t, "", append(base, "get", "doc")...)
	require.NoError(t, err)
	got := decodeOutput(t, out)
	assert.EqualValues(t, 1, got["a"])
	assert.Equal(t, rev, got["_rev"])

	out, err = runCLI(t, "", append(base, "head", "doc")...)
	require.NoError(t, err)
	head := decodeOutput(t, out)
	assert.EqualValues(t, http.StatusOK, head["status"])
	assert.Equal(t, `"`+rev+`"`, head["etag"])

	_, err = runCLI(t, "", append(base, "copy", "doc", "clone")...)
	require.NoError(t, err)
	assert.Equal(t, "clone", srv.LastRequest().Header.Get("Destination"))

	_, err = runCLI(t, "", append(base, "delete", "doc", rev)...)
	require.NoError(t, err)
	assert.Nil(t, srv.Document("db", "doc"))

	_, err = runCLI(t, "", append(base, "get", "doc")...)
	require.Error(t, err)
	assert.True(t, couch.IsNotFound(err))
}

func TestGetCmd_StaleAndRaw(t *testing.T) {
	srv := couchtest.NewServer(t, nil)
	srv.CreateDatabase("db")
	base := serverArgs(srv, "db")

	_, err := runCLI(t, "", append(base, "put", "doc", `{"k":"v"}`)...)
	require.NoError(t, err)

	out, err := runCLI(t, "", append(base, "--no-decode", "get", "--stale", "doc")...)
	require.NoError(t, err)
	assert.Equal(t, "/db/doc?stale=ok", srv.LastRequest().URI)
	assert.JSONEq(t, fmt.Sprintf(`{"_id":"doc","_rev":%q,"k":"v"}`, srv.Document("db", "doc")["_rev"]), out)
}

func TestPutCmd_FromStdinAndPost(t *testing.T) {
	srv := couchtest.NewServer(t, nil)
	srv.CreateDatabase("db")
	base := serverArgs(srv, "db")

	_, err := runCLI(t, `{"from":"stdin"}`, append(base, "put", "piped", "-")...)
	require.NoError(t, err)
	assert.Equal(t, "stdin", srv.Document("db", "piped")["from"])

	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"_id":"posted"}`), 0o600))
	_, err = runCLI(t, "", append(base, "post", "@"+path)...)
	require.NoError(t, err)
	assert.NotNil(t, srv.Document("db", "posted"))
}

func TestPutCmd_RejectsInvalidJSON(t *testing.T) {
	srv := couchtest.NewServer(t, nil)
	_, err := runCLI(t, "", append(serverArgs(srv, "db"), "put", "doc", "{oops")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
	assert.Empty(t, srv.Requests())
}

func TestDocumentCommands_RequireDatabase(t *testing.T) {
	srv := couchtest.NewServer(t, nil)
	host, port := srv.HostPort()

	_, err := runCLI(t, "", "--host", host, "--port", port, "get", "doc")
	require.ErrorIs(t, err, couch.ErrNoDatabase)
}

func TestServerCommands(t *testing.T) {
	srv := couchtest.NewServer(t, nil)
	srv.CreateDatabase("alpha")
	srv.CreateDatabase("beta")
	base := serverArgs(srv, "")

	out, err := runCLI(t, "", append(base, "dbs")...)
	require.NoError(t, err)
	assert.JSONEq(t, `["alpha","beta"]`, out)

	out, err = runCLI(t, "", append(base, "uuids", "-n", "4")...)
	require.NoError(t, err)
	assert.Len(t, decodeOutput(t, out)["uuids"], 4)
}
