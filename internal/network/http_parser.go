// internal/network/http_parser.go
package network

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	// maxLineBytes bounds a single status or header line.
	maxLineBytes = 64 * 1024
	// maxHeaderBytes bounds the whole header section of one response.
	maxHeaderBytes = 1 << 20
)

var statusLineRE = regexp.MustCompile(`^HTTP/(\d+\.\d+)\s+(\d{3})(?:\s+(.*))?$`)

// HTTPParser reads HTTP/1.1 responses off a buffered connection.
type HTTPParser struct {
	logger *zap.Logger
}

// NewHTTPParser creates a new HTTPParser instance.
func NewHTTPParser(logger *zap.Logger) *HTTPParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPParser{
		logger: logger.Named("http_parser"),
	}
}

// ReadResponse parses one response to a request made with method. The body is
// framed by, in order of precedence: the method (HEAD has none), bodiless
// statuses (1xx, 204, 304), chunked transfer coding, Content-Length, and
// finally the peer closing the connection.
//
// Interim 1xx responses other than 101 are skipped. The returned response has
// its Raw body set; JSON decoding and error surfacing are left to FinishResponse.
func (p *HTTPParser) ReadResponse(r *bufio.Reader, method string) (*Response, error) {
	var resp *Response
	for {
		var err error
		resp, err = p.readHead(r)
		if err != nil {
			return nil, err
		}
		if resp.Status >= 200 || resp.Status == http.StatusSwitchingProtocols {
			break
		}
		p.logger.Debug("Skipping interim response", zap.Int("status", resp.Status))
	}

	declared, err := resp.contentLength()
	if err != nil {
		return nil, err
	}

	switch {
	case strings.EqualFold(method, http.MethodHead), !bodyAllowed(resp.Status):
		resp.Raw = nil
		return resp, nil

	case resp.isChunked():
		body, err := p.readChunkedBody(r)
		if err != nil {
			return nil, err
		}
		resp.Raw = body

	case declared >= 0:
		// The buffer grows with the bytes actually received, never with the
		// declared length.
		var body bytes.Buffer
		if _, err := io.CopyN(&body, r, declared); err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, readFailure("reading body", err)
			}
		}
		resp.Raw = body.Bytes()

	default:
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, readFailure("reading body", err)
		}
		resp.Raw = body
		resp.closeDelimited = true
	}

	if declared >= 0 && int64(len(resp.Raw)) != declared {
		return nil, newProtocolError("unexpected end of packet: body is %d bytes, content-length is %d", len(resp.Raw), declared)
	}

	if err := decodeContent(resp); err != nil {
		return nil, err
	}

	p.logger.Debug("Parsed response",
		zap.Int("status", resp.Status),
		zap.Int("body_bytes", len(resp.Raw)),
		zap.Bool("keep_alive", resp.KeepAlive()),
	)
	return resp, nil
}

// readHead reads the status line and header section of one response.
func (p *HTTPParser) readHead(r *bufio.Reader) (*Response, error) {
	resp := &Response{
		Header:  make(http.Header),
		Cookies: make(map[string]string),
	}

	// Leading blank lines are tolerated before the status line.
	for {
		line, err := p.readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &TransportError{Op: "read", Err: ErrConnectionClosed}
			}
			return nil, readFailure("reading status line", err)
		}
		if line == "" {
			continue
		}
		m := statusLineRE.FindStringSubmatch(line)
		if m == nil {
			return nil, newProtocolError("malformed status line %q", truncate(line, 64))
		}
		resp.Proto = m[1]
		resp.Status, _ = strconv.Atoi(m[2])
		resp.StatusLine = line
		break
	}

	total := 0
	for {
		line, err := p.readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, readFailure("reading headers", err)
		}
		if line == "" {
			return resp, nil
		}
		total += len(line)
		if total > maxHeaderBytes {
			return nil, newProtocolError("response headers exceed %d bytes", maxHeaderBytes)
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, newProtocolError("malformed header line %q", truncate(line, 64))
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		resp.Header.Add(name, value)

		if strings.EqualFold(name, "Set-Cookie") {
			for k, v := range ParseCookieString(value) {
				resp.Cookies[k] = v
			}
		}
	}
}

// readLine returns the next line without its line terminator. io.EOF is only
// returned when no byte was read; a line cut short by EOF yields
// io.ErrUnexpectedEOF.
func (p *HTTPParser) readLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		frag, err := r.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > maxLineBytes {
			return "", newProtocolError("line exceeds %d bytes", maxLineBytes)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(bytes.TrimRight(line, "\r\n")), nil
}

// bodyAllowed reports whether a response with the given status may carry a body.
func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// readFailure classifies a read error. A timeout is a protocol error for the
// request (wrapping the transport error, so both checks succeed); anything
// else is a transport error.
func readFailure(stage string, err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	te := &TransportError{Op: "read", Err: err}
	if isTimeout(err) {
		return &ProtocolError{Msg: "connection timed out while " + stage, Err: te}
	}
	return te
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// FinishResponse applies the CouchDB result rules to a parsed response:
//   - a HEAD response with status >= 400 is a RemoteError without message;
//   - a JSON body carrying an "error" member is a RemoteError with the HTTP
//     status as code, whatever the decode setting;
//   - otherwise, when decode is true, Body is set to the decoded JSON.
//
// A JSON body that does not parse is left raw.
func FinishResponse(resp *Response, method string, decode bool) error {
	if strings.EqualFold(method, http.MethodHead) {
		if resp.Status >= 400 {
			return &RemoteError{Code: resp.Status}
		}
		return nil
	}

	if !resp.IsJSON() || len(bytes.TrimSpace(resp.Raw)) == 0 {
		return nil
	}

	var parsed any
	if err := json.Unmarshal(resp.Raw, &parsed); err != nil {
		return nil
	}

	if obj, ok := parsed.(map[string]any); ok {
		if name, ok := obj["error"]; ok && name != nil {
			return &RemoteError{
				Code:   resp.Status,
				Name:   stringify(name),
				Reason: stringify(obj["reason"]),
			}
		}
	}

	if decode {
		resp.Body = parsed
	}
	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
