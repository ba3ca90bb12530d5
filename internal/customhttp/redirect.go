package customhttp

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sag/internal/network"
)

// sendFunc performs a single request/response cycle without following redirects.
type sendFunc func(ctx context.Context, req *network.Request) (*network.Response, error)

// RedirectResolver follows 3xx responses that carry a Location header by
// re-issuing the same method, body and headers against the new target. Only
// the Host header changes between hops.
type RedirectResolver struct {
	// MaxRedirects is the hop limit. Once it is reached a further redirect is
	// a protocol error. A negative limit returns redirects unfollowed.
	MaxRedirects int
	logger       *zap.Logger
}

// NewRedirectResolver creates a resolver that follows at most maxRedirects hops.
func NewRedirectResolver(maxRedirects int, logger *zap.Logger) *RedirectResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedirectResolver{
		MaxRedirects: maxRedirects,
		logger:       logger.Named("redirect"),
	}
}

// isRedirect reports whether resp asks to be followed. 304 is a cache
// validation answer, never a redirect.
func isRedirect(resp *network.Response) bool {
	if resp.Status < 300 || resp.Status >= 400 || resp.Status == 304 {
		return false
	}
	return resp.Header.Get("Location") != ""
}

// Do sends req through send and follows redirects until a non-redirect
// response arrives or the hop limit is exceeded.
func (r *RedirectResolver) Do(ctx context.Context, req *network.Request, send sendFunc) (*network.Response, error) {
	current := req
	for hops := 0; ; hops++ {
		resp, err := send(ctx, current)
		if err != nil {
			return nil, err
		}
		if r.MaxRedirects < 0 || !isRedirect(resp) {
			return resp, nil
		}
		if hops >= r.MaxRedirects {
			return nil, &network.ProtocolError{Msg: fmt.Sprintf("maximum redirects (%d) followed", r.MaxRedirects)}
		}

		next, err := nextRequest(current, resp.Header.Get("Location"))
		if err != nil {
			return nil, err
		}
		r.logger.Debug("Following redirect",
			zap.Int("status", resp.Status),
			zap.String("from", current.Address()+current.Path),
			zap.String("to", next.Address()+next.Path),
			zap.Int("hop", hops+1),
		)
		current = next
	}
}

// nextRequest builds the request for a Location target. Relative locations
// resolve against the current request.
func nextRequest(req *network.Request, location string) (*network.Request, error) {
	scheme := req.Scheme
	if scheme == "" {
		scheme = "http"
	}
	base := &url.URL{Scheme: scheme, Host: req.Address()}
	if p, err := url.Parse(req.Path); err == nil {
		base.Path, base.RawPath, base.RawQuery = p.Path, p.RawPath, p.RawQuery
	}

	target, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return nil, &network.ProtocolError{Msg: "invalid redirect location " + location, Err: err}
	}
	target = base.ResolveReference(target)

	switch strings.ToLower(target.Scheme) {
	case "http", "https":
	default:
		return nil, &network.ProtocolError{Msg: "unsupported redirect scheme " + target.Scheme}
	}

	next := req.Clone()
	next.Scheme = strings.ToLower(target.Scheme)
	next.Host = target.Hostname()
	next.Port = target.Port()
	if next.Port == "" {
		next.Port = defaultPort(next.Scheme)
	}
	next.Path = target.RequestURI()
	next.Header.Set("Host", next.HostHeader())
	return next, nil
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}
