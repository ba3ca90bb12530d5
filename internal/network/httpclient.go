// File: internal/network/httpclient.go
package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sag/internal/observability"
)

// Constants for default net/http client settings.
const (
	DefaultDialTimeout           = 5 * time.Second
	DefaultKeepAliveInterval     = 15 * time.Second
	DefaultTLSHandshakeTimeout   = 5 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second

	DefaultMaxIdleConnsPerHost = 4
	DefaultIdleConnTimeout     = 90 * time.Second
)

// ClientConfig holds the configuration of a net/http based client.
type ClientConfig struct {
	TLSConfig *tls.Config

	// RequestTimeout bounds a whole request/response cycle. Zero means none.
	RequestTimeout        time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	DialerConfig *DialerConfig

	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	Logger *zap.Logger
}

// NewDefaultClientConfig returns the defaults used when no config is supplied.
func NewDefaultClientConfig() *ClientConfig {
	dialerCfg := NewDialerConfig()
	dialerCfg.Timeout = DefaultDialTimeout
	dialerCfg.KeepAlive = DefaultKeepAliveInterval

	return &ClientConfig{
		DialerConfig:          dialerCfg,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		Logger:                observability.GetLogger().Named("httpclient"),
	}
}

// NewHTTPTransport creates an HTTP/1.1-only http.Transport. Compression is
// disabled in the transport: callers that want it send Accept-Encoding
// themselves and decode with the same code as the native reader.
func NewHTTPTransport(config *ClientConfig) *http.Transport {
	if config == nil {
		config = NewDefaultClientConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.DialerConfig == nil {
		config.DialerConfig = NewDefaultClientConfig().DialerConfig
	}

	// TLS is handled by the http.Transport, not the TCP dialer.
	dialerCfg := config.DialerConfig.Clone()
	dialerCfg.TLSConfig = nil

	tlsConfig := configureTLS(config)

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return DialContext(ctx, network, addr, dialerCfg)
		},
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		DisableCompression:    true,
		ForceAttemptHTTP2:     false,
		// A non-nil empty map disables HTTP/2 upgrades.
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
}

// NewClient creates an http.Client that never follows redirects on its own.
func NewClient(config *ClientConfig) *http.Client {
	if config == nil {
		config = NewDefaultClientConfig()
	}
	return &http.Client{
		Transport: NewHTTPTransport(config),
		Timeout:   config.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// configureTLS clones the configured TLS settings or falls back to defaults.
func configureTLS(config *ClientConfig) *tls.Config {
	var tlsConfig *tls.Config
	if config.TLSConfig != nil {
		tlsConfig = config.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(64),
		}
	}
	tlsConfig.NextProtos = []string{"http/1.1"}
	return tlsConfig
}

// NewHTTPRequest converts a Request into a net/http request against its
// Scheme, Host and Port.
func NewHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	scheme := req.Scheme
	if scheme == "" {
		scheme = "http"
	}
	target := scheme + "://" + req.Address() + escapePath(req.Path)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, NewConfigError("invalid request: %v", err)
	}
	hr.Header = req.Header.Clone()
	if hr.Header == nil {
		hr.Header = make(http.Header)
	}
	if host := hr.Header.Get("Host"); host != "" {
		hr.Host = host
	}
	hr.ContentLength = int64(len(req.Body))
	return hr, nil
}

// ResponseFromHTTP reads hr fully and converts it into a Response, applying
// the same length check and content decoding as the native reader. The body
// is always closed.
func ResponseFromHTTP(hr *http.Response, method string) (*Response, error) {
	defer hr.Body.Close()

	resp := &Response{
		Status:     hr.StatusCode,
		Proto:      strings.TrimPrefix(hr.Proto, "HTTP/"),
		StatusLine: hr.Proto + " " + hr.Status,
		Header:     hr.Header.Clone(),
		Cookies:    make(map[string]string),
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	for _, v := range resp.Header.Values("Set-Cookie") {
		for k, val := range ParseCookieString(v) {
			resp.Cookies[k] = val
		}
	}

	if strings.EqualFold(method, http.MethodHead) {
		return resp, nil
	}

	body, err := io.ReadAll(hr.Body)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, newProtocolError("unexpected end of packet: %v", err)
		}
		return nil, readFailure("reading body", err)
	}
	resp.Raw = body

	if declared, err := resp.contentLength(); err != nil {
		return nil, err
	} else if declared >= 0 && bodyAllowed(resp.Status) && int64(len(body)) != declared {
		return nil, newProtocolError("unexpected end of packet: body is %d bytes, content-length is %d", len(body), declared)
	}

	if err := decodeContent(resp); err != nil {
		return nil, err
	}
	return resp, nil
}
