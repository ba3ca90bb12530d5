package customhttp

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sag/internal/network"
)

// StdlibTransport delegates the wire protocol to net/http. Redirects are
// still followed by RedirectResolver so both transports share one policy.
type StdlibTransport struct {
	client    *http.Client
	redirects *RedirectResolver
	logger    *zap.Logger
}

// NewStdlibTransport creates a transport backed by an HTTP/1.1 http.Client.
func NewStdlibTransport(cfg *ClientConfig, logger *zap.Logger) *StdlibTransport {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("stdlib_transport")

	clientCfg := &network.ClientConfig{
		TLSConfig:             cfg.TLSConfig,
		RequestTimeout:        cfg.ReadWriteTimeout,
		TLSHandshakeTimeout:   cfg.OpenTimeout,
		ResponseHeaderTimeout: cfg.ReadWriteTimeout,
		DialerConfig:          cfg.dialerConfig(),
		MaxIdleConnsPerHost:   cfg.MaxIdlePerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		Logger:                logger,
	}

	return &StdlibTransport{
		client:    network.NewClient(clientCfg),
		redirects: NewRedirectResolver(cfg.maxRedirects(), logger),
		logger:    logger,
	}
}

// RoundTrip implements Transport.
func (t *StdlibTransport) RoundTrip(ctx context.Context, req *network.Request) (*network.Response, error) {
	return t.redirects.Do(ctx, req, t.roundTripOnce)
}

func (t *StdlibTransport) roundTripOnce(ctx context.Context, req *network.Request) (*network.Response, error) {
	hr, err := network.NewHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	raw, err := t.client.Do(hr)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, &network.TransportError{Op: "roundtrip", Addr: req.Address(), Err: err}
	}
	return network.ResponseFromHTTP(raw, req.Method)
}

// Close implements Transport.
func (t *StdlibTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
