package customhttp

import (
	"crypto/tls"
	"time"

	"github.com/xkilldash9x/sag/internal/network"
)

// Transport kinds accepted by New.
const (
	KindNative = "native"
	KindStdlib = "stdlib"
)

// DefaultMaxRedirects is the redirect hop limit used when ClientConfig leaves
// MaxRedirects at zero.
const DefaultMaxRedirects = 10

// ClientConfig holds the connection settings shared by every transport.
type ClientConfig struct {
	// DialerConfig is the configuration for low-level TCP connections. Its
	// Timeout is overridden by OpenTimeout when that is set.
	DialerConfig *network.DialerConfig

	// TLSConfig is used for https targets. Nil means system roots.
	TLSConfig *tls.Config

	// OpenTimeout bounds connection establishment. Zero means no limit.
	OpenTimeout time.Duration

	// ReadWriteTimeout bounds one request/response cycle on a connection,
	// applied as a socket deadline. Zero means no limit.
	ReadWriteTimeout time.Duration

	// IdleConnTimeout is how long a pooled connection may sit idle before the
	// evictor closes it. Zero disables eviction.
	IdleConnTimeout time.Duration

	// MaxIdlePerHost bounds the idle connections kept per host. Zero means
	// unbounded.
	MaxIdlePerHost int

	// MaxRedirects is the number of redirects followed for one request.
	// Exceeding it is a protocol error. Zero selects DefaultMaxRedirects. A
	// negative value disables following and the 3xx response is returned.
	MaxRedirects int
}

// NewDefaultClientConfig returns the defaults: no open or read/write timeout,
// four idle connections per host evicted after 90 seconds, and ten redirects.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		DialerConfig:    network.NewDialerConfig(),
		IdleConnTimeout: 90 * time.Second,
		MaxIdlePerHost:  4,
		MaxRedirects:    DefaultMaxRedirects,
	}
}

// dialerConfig returns a copy of the dialer config with OpenTimeout applied.
func (c *ClientConfig) dialerConfig() *network.DialerConfig {
	d := c.DialerConfig
	if d == nil {
		d = network.NewDialerConfig()
	}
	d = d.Clone()
	d.TLSConfig = nil
	if c.OpenTimeout > 0 {
		d.Timeout = c.OpenTimeout
	} else {
		d.Timeout = 0
	}
	return d
}

// maxRedirects resolves the zero default. Negative values pass through and
// tell the resolver not to follow at all.
func (c *ClientConfig) maxRedirects() int {
	if c.MaxRedirects == 0 {
		return DefaultMaxRedirects
	}
	return c.MaxRedirects
}
