// internal/network/packet.go
package network

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// DefaultUserAgent is sent when the caller does not override User-Agent.
const DefaultUserAgent = "Sag/0.9.0"

// HeaderOptions carries the client-wide settings that end up in every packet.
type HeaderOptions struct {
	UserAgent string

	// Basic auth credentials. Used only when no AuthSession is set. Either
	// value may be empty; both are sent once BasicAuth is true.
	BasicAuth bool
	User      string
	Pass      string

	// AuthSession is the CouchDB cookie-auth session token.
	AuthSession string

	// BearerToken, when set, is sent as "Authorization: Bearer <token>".
	BearerToken string

	// Cookies are client-wide cookies merged into the Cookie header. They
	// override session cookies with the same name.
	Cookies map[string]string

	// AcceptCompression advertises gzip, deflate and brotli.
	AcceptCompression bool
}

// ApplyDefaultHeaders fills in the mandatory request headers unless the caller
// set them already: Host, User-Agent, Accept, Content-Type, Content-Length and
// Expect, then the auth and cookie headers. It fails with a ConfigError when
// the caller asks for "Expect: 100-continue" or sets a header that cannot be
// put on the wire.
func ApplyDefaultHeaders(req *Request, opts HeaderOptions) error {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	h := req.Header

	if strings.EqualFold(strings.TrimSpace(h.Get("Expect")), "100-continue") {
		return NewConfigError("HTTP/1.1 Continue (Expect: 100-continue) is not supported")
	}
	if _, ok := h["Expect"]; !ok {
		// An empty Expect keeps intermediaries from adding 100-continue.
		h.Set("Expect", "")
	}

	h.Set("Host", req.HostHeader())
	if h.Get("User-Agent") == "" {
		ua := opts.UserAgent
		if ua == "" {
			ua = DefaultUserAgent
		}
		h.Set("User-Agent", ua)
	}
	h.Set("Accept", "application/json")
	if opts.AcceptCompression && h.Get("Accept-Encoding") == "" {
		h.Set("Accept-Encoding", AcceptEncoding)
	}

	cookies := make(map[string]string)
	switch {
	case opts.AuthSession != "":
		cookies["AuthSession"] = opts.AuthSession
		h.Set("X-CouchDB-WWW-Authenticate", "Cookie")
	case opts.BearerToken != "":
		h.Set("Authorization", "Bearer "+opts.BearerToken)
	case opts.BasicAuth:
		creds := base64.StdEncoding.EncodeToString([]byte(opts.User + ":" + opts.Pass))
		h.Set("Authorization", "Basic "+creds)
	}
	for k, v := range opts.Cookies {
		cookies[k] = v
	}
	if len(cookies) > 0 {
		h.Set("Cookie", formatCookies(cookies))
	}

	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	if len(req.Body) > 0 {
		h.Set("Content-Length", strconv.Itoa(len(req.Body)))
	} else {
		h.Del("Content-Length")
	}

	return validateHeaders(h)
}

// formatCookies renders a cookie map in a stable order.
func formatCookies(cookies map[string]string) string {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+cookies[name])
	}
	return strings.Join(pairs, "; ")
}

func validateHeaders(h http.Header) error {
	for k, vv := range h {
		if !httpguts.ValidHeaderFieldName(k) {
			return NewConfigError("invalid header name %q", k)
		}
		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return NewConfigError("invalid value for header %q", k)
			}
		}
	}
	return nil
}

// SerializeRequest converts a Request into its HTTP/1.1 wire format: the
// request line, the headers and, after a blank line, the body.
func SerializeRequest(req *Request) ([]byte, error) {
	if req == nil {
		return nil, NewConfigError("request is nil")
	}
	if req.Method == "" {
		return nil, NewConfigError("request method is empty")
	}
	if !strings.HasPrefix(req.Path, "/") {
		return nil, NewConfigError("request path %q must start with /", req.Path)
	}

	var buf bytes.Buffer
	buf.Grow(256 + len(req.Body))
	buf.WriteString(req.Method)
	buf.WriteByte(' ')
	buf.WriteString(escapePath(req.Path))
	buf.WriteString(" HTTP/1.1\r\n")

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range req.Header[k] {
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	buf.Write(req.Body)
	return buf.Bytes(), nil
}

var pathEscaper = strings.NewReplacer(" ", "%20", `"`, "%22")

// escapePath escapes the characters CouchDB paths commonly carry unescaped.
func escapePath(p string) string {
	return pathEscaper.Replace(p)
}
