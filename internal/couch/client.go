// Package couch is a CouchDB client built on the sag HTTP/1.1 transports. A
// Client owns one transport, an optional response cache and the settings that
// shape every request: selected database, credentials, cookies and decoding.
package couch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/sag/internal/cache"
	"github.com/xkilldash9x/sag/internal/customhttp"
	"github.com/xkilldash9x/sag/internal/network"
	"github.com/xkilldash9x/sag/internal/observability"
)

// Default connection target.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = "5984"
)

// Config is the construction-time configuration of a Client.
type Config struct {
	Host string
	Port string

	// SSL switches the scheme to https. SSLCert optionally names a PEM CA
	// bundle used to verify the server.
	SSL     bool
	SSLCert string

	// Transport selects the HTTP implementation: customhttp.KindNative or
	// customhttp.KindStdlib.
	Transport string
	HTTP      *customhttp.ClientConfig

	// Decode controls whether JSON bodies are decoded into Response.Body.
	Decode bool

	// RateLimit caps outgoing requests per second. Zero disables limiting.
	RateLimit float64
	RateBurst int

	UserAgent         string
	AcceptCompression bool

	// JWTSecret signs the HS256 tokens used by AuthJWT. JWTTTL is the token
	// lifetime.
	JWTSecret string
	JWTTTL    time.Duration

	Database     string
	PathPrefix   string
	StaleDefault bool
}

// NewDefaultConfig returns a configuration for a local CouchDB over the native
// transport, decoding responses.
func NewDefaultConfig() *Config {
	return &Config{
		Host:      DefaultHost,
		Port:      DefaultPort,
		Transport: customhttp.KindNative,
		HTTP:      customhttp.NewDefaultClientConfig(),
		Decode:    true,
		JWTTTL:    time.Hour,
	}
}

// Client talks to one CouchDB server. It is safe for concurrent use.
type Client struct {
	host      string
	port      string
	scheme    string
	transport customhttp.Transport
	cache     cache.Cache
	limiter   *rate.Limiter
	userAgent string
	compress  bool
	jwtSecret []byte
	jwtTTL    time.Duration
	logger    *zap.Logger

	mu           sync.RWMutex
	db           string
	pathPrefix   string
	decode       bool
	staleDefault bool
	auth         authState
	cookies      map[string]string
}

// New creates a client from cfg. The cache may be nil. A nil logger falls
// back to the global logger.
func New(cfg *Config, c cache.Cache, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger = logger.Named("couch")

	host, port := cfg.Host, cfg.Port
	if host == "" {
		host = DefaultHost
	}
	if port == "" {
		port = DefaultPort
	}

	httpCfg := cfg.HTTP
	if httpCfg == nil {
		httpCfg = customhttp.NewDefaultClientConfig()
	}
	scheme := "http"
	if cfg.SSL {
		scheme = "https"
		if cfg.SSLCert != "" || httpCfg.TLSConfig == nil {
			tlsCfg, err := network.NewTLSConfig(cfg.SSLCert, false)
			if err != nil {
				return nil, err
			}
			clone := *httpCfg
			clone.TLSConfig = tlsCfg
			httpCfg = &clone
		}
	}

	transport, err := customhttp.New(cfg.Transport, httpCfg, logger)
	if err != nil {
		return nil, err
	}

	client := &Client{
		host:         host,
		port:         port,
		scheme:       scheme,
		transport:    transport,
		cache:        c,
		userAgent:    cfg.UserAgent,
		compress:     cfg.AcceptCompression,
		jwtSecret:    []byte(cfg.JWTSecret),
		jwtTTL:       cfg.JWTTTL,
		logger:       logger,
		decode:       cfg.Decode,
		staleDefault: cfg.StaleDefault,
		pathPrefix:   cfg.PathPrefix,
		cookies:      make(map[string]string),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.Database != "" {
		client.db = escapeDatabase(cfg.Database)
	}
	return client, nil
}

// Close releases the transport's connections.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Cache returns the attached response cache, or nil.
func (c *Client) Cache() cache.Cache {
	return c.cache
}

// Decode sets whether JSON response bodies are decoded.
func (c *Client) Decode(decode bool) *Client {
	c.mu.Lock()
	c.decode = decode
	c.mu.Unlock()
	return c
}

// SetStaleDefault adds stale=ok to every GET and HEAD when enabled.
func (c *Client) SetStaleDefault(stale bool) *Client {
	c.mu.Lock()
	c.staleDefault = stale
	c.mu.Unlock()
	return c
}

// SetPathPrefix sets a prefix prepended to every request path, for servers
// behind a reverse proxy.
func (c *Client) SetPathPrefix(prefix string) *Client {
	c.mu.Lock()
	c.pathPrefix = prefix
	c.mu.Unlock()
	return c
}

// PathPrefix returns the current path prefix.
func (c *Client) PathPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pathPrefix
}

// CurrentDatabase returns the selected (escaped) database name.
func (c *Client) CurrentDatabase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// SetCookie sets a cookie sent with every request. An empty value deletes it.
// Client cookies win over the session cookie of the same name.
func (c *Client) SetCookie(key, value string) error {
	if key == "" {
		return network.NewConfigError("cookie name must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == "" {
		delete(c.cookies, key)
		return nil
	}
	c.cookies[key] = value
	return nil
}

// Cookie returns the value of a client cookie, or "".
func (c *Client) Cookie(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cookies[key]
}

// requireDB returns the selected database or ErrNoDatabase.
func (c *Client) requireDB() (string, error) {
	db := c.CurrentDatabase()
	if db == "" {
		return "", ErrNoDatabase
	}
	return db, nil
}

func (c *Client) decoding() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.decode
}

func (c *Client) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staleDefault
}

func (c *Client) headerOptions() network.HeaderOptions {
	c.mu.RLock()
	defer c.mu.RUnlock()

	opts := network.HeaderOptions{
		UserAgent:         c.userAgent,
		AcceptCompression: c.compress,
	}
	switch c.auth.kind {
	case AuthBasic:
		opts.BasicAuth = true
		opts.User, opts.Pass = c.auth.user, c.auth.pass
	case AuthCookie:
		opts.AuthSession = c.auth.session
	case AuthJWT:
		opts.BearerToken = c.auth.token
	}
	if len(c.cookies) > 0 {
		opts.Cookies = make(map[string]string, len(c.cookies))
		for k, v := range c.cookies {
			opts.Cookies[k] = v
		}
	}
	return opts
}

// do sends one request and decodes the response. Server-reported errors come
// back as *CouchError.
func (c *Client) do(ctx context.Context, method, path string, body []byte, header http.Header) (*network.Response, error) {
	c.mu.RLock()
	prefix := c.pathPrefix
	decode := c.decode
	c.mu.RUnlock()

	req := &network.Request{
		Method: method,
		Path:   prefix + path,
		Header: header.Clone(),
		Body:   body,
		Scheme: c.scheme,
		Host:   c.host,
		Port:   c.port,
	}
	if err := network.ApplyDefaultHeaders(req, c.headerOptions()); err != nil {
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &network.TransportError{Op: "ratelimit", Err: err}
		}
	}

	requestID := uuid.NewString()
	logger := c.logger.With(zap.String("request_id", requestID))
	start := time.Now()
	logger.Debug("Sending request", zap.String("method", method), zap.String("path", req.Path))

	resp, err := c.transport.RoundTrip(ctx, req)
	if err != nil {
		logger.Debug("Request failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}
	logger.Debug("Received response",
		zap.Int("status", resp.Status),
		zap.Int("bytes", len(resp.Raw)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if err := network.FinishResponse(resp, method, decode); err != nil {
		return nil, err
	}
	return resp, nil
}

// storeInCache populates the cache. Failures are logged and otherwise
// ignored.
func (c *Client) storeInCache(ctx context.Context, url string, resp *network.Response) {
	if c.cache == nil {
		return
	}
	if _, stored, err := c.cache.Set(ctx, url, resp); err != nil {
		c.logger.Warn("Failed to cache response", zap.String("url", url), zap.Error(err))
	} else if stored {
		c.logger.Debug("Cached response", zap.String("url", url), zap.String("etag", resp.ETag()))
	}
}

func (c *Client) dropFromCache(ctx context.Context, url string) {
	if c.cache == nil {
		return
	}
	if _, err := c.cache.Remove(ctx, url); err != nil {
		c.logger.Warn("Failed to remove cached response", zap.String("url", url), zap.Error(err))
	}
}

// validID rejects ids that are empty or would break out of the document path.
func validID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return network.NewConfigError("%s must not be empty", kind)
	}
	if strings.ContainsAny(id, "?#") {
		return network.NewConfigError("%s %q must not contain '?' or '#'", kind, id)
	}
	return nil
}
