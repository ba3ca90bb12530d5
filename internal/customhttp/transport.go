package customhttp

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sag/internal/network"
	"github.com/xkilldash9x/sag/internal/observability"
)

// Transport carries one request to the server and returns the parsed
// response, following redirects. The returned response has Raw set; JSON
// decoding and server error surfacing are left to the caller.
//
// Implementations are safe for concurrent use.
type Transport interface {
	RoundTrip(ctx context.Context, req *network.Request) (*network.Response, error)
	// Close releases pooled connections and background goroutines.
	Close() error
}

// New returns the transport of the given kind ("native" or "stdlib"; empty
// selects native). An unknown kind is a configuration error.
func New(kind string, cfg *ClientConfig, logger *zap.Logger) (Transport, error) {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	if logger == nil {
		logger = observability.GetLogger()
	}

	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindNative:
		return NewNativeTransport(cfg, logger), nil
	case KindStdlib:
		return NewStdlibTransport(cfg, logger), nil
	default:
		return nil, network.NewConfigError("unknown transport %q (want %q or %q)", kind, KindNative, KindStdlib)
	}
}
