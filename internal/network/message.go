// internal/network/message.go
package network

import (
	"bytes"
	"net"
	"net/http"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"
)

// Request is a single HTTP/1.1 request as the client sees it before it is
// serialized. Header keys are case-insensitive through http.Header.
type Request struct {
	Method string
	// Path is the request target, always starting with "/". It may carry a
	// query string.
	Path   string
	Header http.Header
	Body   []byte

	// Scheme, Host and Port identify the target connection.
	Scheme string
	Host   string
	Port   string
}

// Address returns the host:port pair of the request target.
func (r *Request) Address() string {
	return net.JoinHostPort(r.Host, r.Port)
}

// HostHeader returns the value for the Host header ("host:port", with IPv6
// literals bracketed).
func (r *Request) HostHeader() string {
	return net.JoinHostPort(r.Host, r.Port)
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Response is a parsed HTTP/1.1 response.
type Response struct {
	Status int
	// Proto is the protocol version from the status line, e.g. "1.1".
	Proto      string
	StatusLine string
	Header     http.Header
	// Cookies holds the name/value pairs from Set-Cookie headers.
	Cookies map[string]string
	// Raw is the body exactly as it was framed on the wire (after transfer and
	// content decoding).
	Raw []byte
	// Body is the decoded JSON body. It is only set when decoding is enabled
	// and the response is application/json.
	Body any
	// FromCache is set when the response was served from a response cache
	// after a successful revalidation.
	FromCache bool

	// closeDelimited is set when the body was framed by the peer closing the
	// connection.
	closeDelimited bool
}

// ETag returns the ETag header value.
func (r *Response) ETag() string {
	return r.Header.Get("Etag")
}

// IsJSON reports whether the response declares an application/json body.
func (r *Response) IsJSON() bool {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.EqualFold(strings.TrimSpace(ct), "application/json")
}

// IsJSONObject reports whether the body is a JSON object.
func (r *Response) IsJSONObject() bool {
	if r.Body != nil {
		_, ok := r.Body.(map[string]any)
		return ok
	}
	trimmed := bytes.TrimSpace(r.Raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// Decode unmarshals the raw body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}

// Clone returns a deep copy of the response. The decoded body is copied by
// re-decoding the raw bytes when it is present.
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	if r.Cookies != nil {
		c.Cookies = make(map[string]string, len(r.Cookies))
		for k, v := range r.Cookies {
			c.Cookies[k] = v
		}
	}
	c.Raw = append([]byte(nil), r.Raw...)
	if r.Body != nil {
		var body any
		if err := json.Unmarshal(c.Raw, &body); err == nil {
			c.Body = body
		}
	}
	return &c
}

// contentLength returns the declared Content-Length, or -1 when absent.
func (r *Response) contentLength() (int64, error) {
	v := r.Header.Get("Content-Length")
	if v == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1, newProtocolError("invalid content-length %q", v)
	}
	return n, nil
}

// isChunked reports whether the response uses chunked transfer coding.
func (r *Response) isChunked() bool {
	for _, v := range r.Header.Values("Transfer-Encoding") {
		for _, coding := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(coding), "chunked") {
				return true
			}
		}
	}
	return false
}

// wantsClose reports whether the server asked for the connection to be closed.
func (r *Response) wantsClose() bool {
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "close") {
				return true
			}
		}
	}
	return false
}

// KeepAlive reports whether the connection that carried this response may be
// reused. An explicit "Connection: close" prevents reuse, as does a body
// that ran until the peer closed the connection.
func (r *Response) KeepAlive() bool {
	return !r.wantsClose() && !r.closeDelimited
}

// ParseCookieString turns a Set-Cookie (or Cookie) header value into a map of
// cookie names to values. Attributes such as Path or HttpOnly are kept as
// entries as well, matching a plain "; " split.
func ParseCookieString(s string) map[string]string {
	cookies := make(map[string]string)
	for _, part := range strings.Split(s, "; ") {
		name, value, _ := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		cookies[name] = strings.TrimSpace(value)
	}
	return cookies
}
