// internal/network/errors.go
package network

import (
	"errors"
	"fmt"
	"net"
)

// This file holds the typed errors of the wire layer. Callers classify failures
// with errors.As instead of matching strings: configuration problems fail before
// any I/O, transport problems come from the socket, protocol problems come from
// a peer that does not speak HTTP/1.1 the way we expect, and remote errors are
// what the server itself reported.

// ErrConnectionClosed is returned when the peer closed the connection before a
// complete status line was received.
var ErrConnectionClosed = errors.New("connection closed by peer")

// ConfigError reports invalid input detected before any network activity.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "sag: " + e.Msg
}

// NewConfigError creates a ConfigError with a formatted message.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// TransportError wraps a failure of the underlying byte stream (dial, write,
// read). It is never retried by the client.
type TransportError struct {
	Op   string // "dial", "write", "read"
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap provides the underlying error for use with errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline expiry.
func (e *TransportError) Timeout() bool {
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// ProtocolError reports a response (or request) that violates the HTTP/1.1
// framing rules this client relies on. The connection that produced it must be
// discarded.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Msg, e.Err)
	}
	return "protocol error: " + e.Msg
}

// Unwrap provides the underlying error for use with errors.Is/As.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func newProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// RemoteError is an error reported by the server, either as a JSON body with
// error/reason members or as a status >= 400 on a bodiless HEAD response.
type RemoteError struct {
	// Code is the HTTP status code of the response.
	Code int
	// Name is the value of the "error" member, empty for HEAD responses.
	Name string
	// Reason is the value of the "reason" member.
	Reason string
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("CouchDB Error: HTTP/CouchDB error without message body (%d)", e.Code)
	}
	return fmt.Sprintf("CouchDB Error: %s (%s)", e.Name, e.Reason)
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
