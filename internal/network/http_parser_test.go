package network

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func parseRaw(t *testing.T, raw, method string) (*Response, error) {
	t.Helper()
	parser := NewHTTPParser(zaptest.NewLogger(t))
	return parser.ReadResponse(bufio.NewReader(strings.NewReader(raw)), method)
}

func TestReadResponse_ContentLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: application/json\r\n" +
		"Content-Length: 11\r\n" +
		"Etag: \"1-abc\"\r\n" +
		"\r\n" +
		`{"ok":true}`

	resp, err := parseRaw(t, raw, "GET")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "1.1", resp.Proto)
	assert.Equal(t, "HTTP/1.1 200 OK", resp.StatusLine)
	assert.Equal(t, `{"ok":true}`, string(resp.Raw))
	assert.Equal(t, `"1-abc"`, resp.ETag())
	assert.Equal(t, "application/json", resp.Header.Get("content-type"), "header lookup is case-insensitive")
	assert.True(t, resp.KeepAlive())
}

func TestReadResponse_HeadIgnoresBodyHeaders(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 1234\r\nTransfer-Encoding: chunked\r\n\r\n"

	resp, err := parseRaw(t, raw, "HEAD")
	require.NoError(t, err)
	assert.Nil(t, resp.Raw)
	assert.Equal(t, "1234", resp.Header.Get("Content-Length"))
}

func TestReadResponse_Chunked(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"4\r\nWiki\r\n" +
		"5;name=value\r\npedia\r\n" +
		"E\r\n in\r\n\r\nchunks.\r\n" +
		"0\r\n" +
		"\r\n"

	resp, err := parseRaw(t, raw, "GET")
	require.NoError(t, err)
	assert.Equal(t, "Wikipedia in\r\n\r\nchunks.", string(resp.Raw))
}

func TestReadResponse_ChunkedStopsAtZeroChunk(t *testing.T) {
	// Two responses back to back on one connection. The first must end exactly
	// after its zero-size chunk for the second to parse.
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"3\r\nabc\r\n0\r\nX-Trailer: yes\r\n\r\n" +
		"HTTP/1.1 201 Created\r\nContent-Length: 2\r\n\r\nok"

	parser := NewHTTPParser(zaptest.NewLogger(t))
	r := bufio.NewReader(strings.NewReader(raw))

	first, err := parser.ReadResponse(r, "GET")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(first.Raw))

	second, err := parser.ReadResponse(r, "GET")
	require.NoError(t, err)
	assert.Equal(t, 201, second.Status)
	assert.Equal(t, "ok", string(second.Raw))
}

func TestReadResponse_ChunkedSpansReads(t *testing.T) {
	// A chunk far larger than the reader's buffer arrives in many reads.
	payload := strings.Repeat("x", 100000)
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		strconv.FormatInt(int64(len(payload)), 16) + "\r\n" + payload + "\r\n0\r\n\r\n"

	parser := NewHTTPParser(zaptest.NewLogger(t))
	resp, err := parser.ReadResponse(bufio.NewReaderSize(strings.NewReader(raw), 16), "GET")
	require.NoError(t, err)
	assert.Equal(t, payload, string(resp.Raw))
}

func TestReadResponse_ChunkedErrors(t *testing.T) {
	head := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"
	tests := []struct {
		name string
		body string
		msg  string
	}{
		{name: "non-hex size", body: "zz\r\nabc\r\n0\r\n\r\n", msg: "invalid chunk size"},
		{name: "signed size", body: "-1\r\n", msg: "invalid chunk size"},
		{name: "data shorter than size", body: "a\r\nabc", msg: "unexpected empty line"},
		{name: "data longer than size", body: "3\r\nabcd\r\n0\r\n\r\n", msg: "unexpectedly large chunk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRaw(t, head+tt.body, "GET")
			require.Error(t, err)
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Contains(t, pe.Error(), tt.msg)
		})
	}
}

func TestReadResponse_LengthMismatch(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"

	_, err := parseRaw(t, raw, "GET")
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
	assert.Contains(t, err.Error(), "content-length is 10")
}

func TestReadResponse_HugeContentLengthIsProtocolError(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 9223372036854775807\r\n\r\n{}"

	var err error
	require.NotPanics(t, func() { _, err = parseRaw(t, raw, "GET") })
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
	assert.Contains(t, err.Error(), "body is 2 bytes")
}

func TestReadResponse_InvalidContentLength(t *testing.T) {
	_, err := parseRaw(t, "HTTP/1.1 200 OK\r\nContent-Length: ten\r\n\r\n", "GET")
	assert.True(t, IsProtocolError(err))
}

func TestReadResponse_ReadToEOF(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\nall of it\nuntil close"

	resp, err := parseRaw(t, raw, "GET")
	require.NoError(t, err)
	assert.Equal(t, "all of it\nuntil close", string(resp.Raw))
	assert.False(t, resp.KeepAlive(), "a close-delimited body leaves nothing to reuse")
}

func TestReadResponse_BodilessStatuses(t *testing.T) {
	for _, status := range []string{"204 No Content", "304 Not Modified"} {
		t.Run(status, func(t *testing.T) {
			raw := "HTTP/1.1 " + status + "\r\nEtag: \"x\"\r\n\r\n"
			resp, err := parseRaw(t, raw, "GET")
			require.NoError(t, err)
			assert.Empty(t, resp.Raw)
		})
	}
}

func TestReadResponse_SkipsInterimResponses(t *testing.T) {
	raw := "HTTP/1.1 100 Continue\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"

	resp, err := parseRaw(t, raw, "PUT")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "hi", string(resp.Raw))
}

func TestReadResponse_MalformedStatusLine(t *testing.T) {
	for _, line := range []string{"HTTP/1.1\r\n", "ICY 200 OK\r\n", "HTTP/x 200 OK\r\n", "garbage"} {
		_, err := parseRaw(t, line+"\r\n", "GET")
		assert.True(t, IsProtocolError(err), "status line %q", line)
	}
}

func TestReadResponse_MalformedHeader(t *testing.T) {
	_, err := parseRaw(t, "HTTP/1.1 200 OK\r\nno colon here\r\n\r\n", "GET")
	assert.True(t, IsProtocolError(err))
}

func TestReadResponse_EOFHandling(t *testing.T) {
	t.Run("nothing read", func(t *testing.T) {
		_, err := parseRaw(t, "", "GET")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.True(t, IsTransportError(err))
	})

	t.Run("headers cut short", func(t *testing.T) {
		_, err := parseRaw(t, "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n", "GET")
		require.Error(t, err)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.True(t, IsTransportError(err))
		assert.False(t, IsProtocolError(err))
	})
}

func TestReadResponse_TimeoutIsDistinctFromEOF(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial"))
	}()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(100*time.Millisecond)))

	parser := NewHTTPParser(zaptest.NewLogger(t))
	_, err := parser.ReadResponse(bufio.NewReader(client), "GET")
	require.Error(t, err)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Msg, "timed out")

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Timeout())
	assert.False(t, errors.Is(err, io.EOF))
}

func TestReadResponse_Cookies(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Set-Cookie: AuthSession=abc123; Version=1; Path=/; HttpOnly\r\n" +
		"Set-Cookie: other=1\r\n" +
		"Content-Length: 0\r\n\r\n"

	resp, err := parseRaw(t, raw, "POST")
	require.NoError(t, err)
	assert.Equal(t, "abc123", resp.Cookies["AuthSession"])
	assert.Equal(t, "1", resp.Cookies["other"])
	assert.Len(t, resp.Header.Values("Set-Cookie"), 2)
}

func TestReadResponse_GzipBody(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`{"compressed":true}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	raw := "HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\nContent-Type: application/json\r\n" +
		"Content-Length: " + strconv.Itoa(buf.Len()) + "\r\n\r\n" + buf.String()

	resp, err := parseRaw(t, raw, "GET")
	require.NoError(t, err)
	assert.Equal(t, `{"compressed":true}`, string(resp.Raw))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "19", resp.Header.Get("Content-Length"))
}

func TestFinishResponse(t *testing.T) {
	jsonResp := func(status int, body string) *Response {
		resp := &Response{Status: status, Header: make(map[string][]string), Raw: []byte(body)}
		resp.Header.Set("Content-Type", "application/json; charset=utf-8")
		return resp
	}

	t.Run("decodes when enabled", func(t *testing.T) {
		resp := jsonResp(200, `{"_id":"doc1","n":1}`)
		require.NoError(t, FinishResponse(resp, "GET", true))
		body, ok := resp.Body.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "doc1", body["_id"])
	})

	t.Run("leaves raw when disabled", func(t *testing.T) {
		resp := jsonResp(200, `{"_id":"doc1"}`)
		require.NoError(t, FinishResponse(resp, "GET", false))
		assert.Nil(t, resp.Body)
		assert.Equal(t, `{"_id":"doc1"}`, string(resp.Raw))
	})

	t.Run("server error surfaces regardless of decode", func(t *testing.T) {
		for _, decode := range []bool{true, false} {
			err := FinishResponse(jsonResp(404, `{"error":"not_found","reason":"missing"}`), "GET", decode)
			var re *RemoteError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, 404, re.Code)
			assert.Equal(t, "not_found", re.Name)
			assert.Equal(t, "missing", re.Reason)
			assert.Equal(t, "CouchDB Error: not_found (missing)", re.Error())
		}
	})

	t.Run("head error has no message body", func(t *testing.T) {
		resp := &Response{Status: 404, Header: make(map[string][]string)}
		err := FinishResponse(resp, "HEAD", true)
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, 404, re.Code)
		assert.Contains(t, re.Error(), "without message body")
	})

	t.Run("non-json is left alone", func(t *testing.T) {
		resp := &Response{Status: 500, Header: make(map[string][]string), Raw: []byte(`{"error":"x"}`)}
		resp.Header.Set("Content-Type", "text/plain")
		require.NoError(t, FinishResponse(resp, "GET", true))
		assert.Nil(t, resp.Body)
	})

	t.Run("invalid json is left raw", func(t *testing.T) {
		resp := jsonResp(200, `{"broken"`)
		require.NoError(t, FinishResponse(resp, "GET", true))
		assert.Nil(t, resp.Body)
	})

	t.Run("arrays decode", func(t *testing.T) {
		resp := jsonResp(200, `["_users","db"]`)
		require.NoError(t, FinishResponse(resp, "GET", true))
		assert.Equal(t, []any{"_users", "db"}, resp.Body)
	})
}
