package couch

import (
	"errors"

	"github.com/xkilldash9x/sag/internal/network"
)

// CouchError is an error reported by the CouchDB server. Code carries the
// HTTP status.
type CouchError = network.RemoteError

// ErrNoDatabase is returned by database-scoped operations when no database
// has been selected with SetDatabase.
var ErrNoDatabase = network.NewConfigError("no database specified")

// IsCouchError reports whether err is (or wraps) a server-reported error.
func IsCouchError(err error) bool {
	var ce *CouchError
	return errors.As(err, &ce)
}

// StatusCode returns the HTTP status carried by a server-reported error, or
// zero when err is not one.
func StatusCode(err error) int {
	var ce *CouchError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	return StatusCode(err) == 404
}
