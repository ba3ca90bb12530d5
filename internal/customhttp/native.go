package customhttp

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sag/internal/network"
)

// NativeTransport speaks HTTP/1.1 directly over pooled sockets. Requests are
// serialized by the packet builder, responses are read by network.HTTPParser,
// and connections go back to the pool unless the server asked to close them.
type NativeTransport struct {
	cfg       *ClientConfig
	pool      *network.ConnPool
	parser    *network.HTTPParser
	redirects *RedirectResolver
	logger    *zap.Logger
}

// NewNativeTransport creates a socket transport with its own connection pool.
func NewNativeTransport(cfg *ClientConfig, logger *zap.Logger) *NativeTransport {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("native_transport")

	pool := network.NewConnPool(network.PoolConfig{
		Dialer:         cfg.dialerConfig(),
		TLSConfig:      cfg.TLSConfig,
		MaxIdlePerHost: cfg.MaxIdlePerHost,
		IdleTimeout:    cfg.IdleConnTimeout,
	}, logger)

	return &NativeTransport{
		cfg:       cfg,
		pool:      pool,
		parser:    network.NewHTTPParser(logger),
		redirects: NewRedirectResolver(cfg.maxRedirects(), logger),
		logger:    logger,
	}
}

// RoundTrip implements Transport.
func (t *NativeTransport) RoundTrip(ctx context.Context, req *network.Request) (*network.Response, error) {
	return t.redirects.Do(ctx, req, t.roundTripOnce)
}

// roundTripOnce runs exactly one request/response cycle on one connection.
func (t *NativeTransport) roundTripOnce(ctx context.Context, req *network.Request) (*network.Response, error) {
	wire, err := network.SerializeRequest(req)
	if err != nil {
		return nil, err
	}

	scheme := req.Scheme
	if scheme == "" {
		scheme = "http"
	}
	conn, err := t.pool.Acquire(ctx, scheme, req.Host, req.Port)
	if err != nil {
		return nil, err
	}

	if deadline, ok := t.deadline(ctx); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			t.pool.Release(conn, false)
			return nil, &network.TransportError{Op: "write", Addr: req.Address(), Err: err}
		}
	}
	// A cancelled context unblocks any pending read or write.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	release := func(reusable bool) {
		// A connection whose deadline was forced into the past is not reusable.
		if !stop() {
			reusable = false
		}
		t.pool.Release(conn, reusable)
	}

	if _, err := conn.Write(wire); err != nil {
		release(false)
		return nil, t.wrapCtx(ctx, &network.TransportError{Op: "write", Addr: req.Address(), Err: err})
	}

	resp, err := t.parser.ReadResponse(conn.Reader, req.Method)
	if err != nil {
		release(false)
		t.logger.Debug("Discarding connection after failed read",
			zap.String("key", conn.Key()),
			zap.Bool("reused", conn.Reused()),
			zap.Error(err),
		)
		return nil, t.wrapCtx(ctx, err)
	}

	release(resp.KeepAlive())
	return resp, nil
}

// deadline returns the earlier of the read/write timeout and the context
// deadline.
func (t *NativeTransport) deadline(ctx context.Context) (time.Time, bool) {
	var deadline time.Time
	if t.cfg.ReadWriteTimeout > 0 {
		deadline = time.Now().Add(t.cfg.ReadWriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline, !deadline.IsZero()
}

// wrapCtx reports context cancellation in preference to the socket error it caused.
func (t *NativeTransport) wrapCtx(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &network.TransportError{Op: "roundtrip", Err: ctxErr}
	}
	// The socket deadline can fire just before the context's own timer.
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return &network.TransportError{Op: "roundtrip", Err: context.DeadlineExceeded}
	}
	return err
}

// IdleConnections returns the number of pooled idle connections to host:port.
func (t *NativeTransport) IdleConnections(scheme, host, port string) int {
	return t.pool.IdleCount(scheme, host, port)
}

// Close implements Transport.
func (t *NativeTransport) Close() error {
	return t.pool.Close()
}
