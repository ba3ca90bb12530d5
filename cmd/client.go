// File: cmd/client.go
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sag/internal/cache"
	"github.com/xkilldash9x/sag/internal/config"
	"github.com/xkilldash9x/sag/internal/couch"
	"github.com/xkilldash9x/sag/internal/customhttp"
	"github.com/xkilldash9x/sag/internal/observability"
	"github.com/xkilldash9x/sag/internal/store"
)

// clientProvider builds the CouchDB client a command talks through. Tests
// substitute their own to point commands at a fake server.
type clientProvider interface {
	// Create returns a logged-in client, a cleanup function releasing the
	// client and its cache, and an error if any step fails.
	Create(ctx context.Context, cfg *config.Config) (*couch.Client, func(), error)
}

type defaultClientProvider struct{}

// NewClientProvider returns the provider used in production.
func NewClientProvider() clientProvider {
	return &defaultClientProvider{}
}

func (p *defaultClientProvider) Create(ctx context.Context, cfg *config.Config) (*couch.Client, func(), error) {
	logger := observability.GetLogger()

	c, closeCache, err := openCache(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, nil, err
	}

	client, err := couch.New(clientConfig(cfg), c, logger)
	if err != nil {
		closeCache()
		return nil, nil, fmt.Errorf("failed to create client: %w", err)
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Debug("Error closing client", zap.Error(err))
		}
		closeCache()
	}

	if err := login(ctx, client, cfg.Auth); err != nil {
		cleanup()
		return nil, nil, err
	}
	return client, cleanup, nil
}

// clientConfig maps the client section of the file configuration onto the
// couch package's construction options.
func clientConfig(cfg *config.Config) *couch.Config {
	cc := cfg.Client
	httpCfg := customhttp.NewDefaultClientConfig()
	httpCfg.OpenTimeout = cc.OpenTimeout
	httpCfg.ReadWriteTimeout = cc.RWTimeout
	httpCfg.IdleConnTimeout = cc.IdleConnTimeout
	httpCfg.MaxIdlePerHost = cc.MaxIdlePerHost
	httpCfg.MaxRedirects = cc.MaxRedirects

	return &couch.Config{
		Host:              cc.Host,
		Port:              cc.Port,
		SSL:               cc.SSL,
		SSLCert:           cc.SSLCert,
		Transport:         cc.Transport,
		HTTP:              httpCfg,
		Decode:            cc.Decode,
		RateLimit:         cc.RateLimit,
		RateBurst:         cc.RateBurst,
		UserAgent:         cc.UserAgent,
		AcceptCompression: cc.AcceptCompression,
		JWTSecret:         cfg.Auth.JWTSecret,
		JWTTTL:            cfg.Auth.JWTTTL,
		Database:          cc.Database,
		PathPrefix:        cc.PathPrefix,
		StaleDefault:      cc.StaleDefault,
	}
}

// openCache creates the configured response cache. A nil cache means caching
// is off.
func openCache(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (cache.Cache, func(), error) {
	noop := func() {}
	switch cfg.Type {
	case "", "none":
		return nil, noop, nil

	case "memory":
		return cache.NewMemory(logger), noop, nil

	case "file":
		f, err := cache.NewFile(cfg.Dir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open file cache: %w", err)
		}
		if err := f.SetMaxSize(cfg.MaxSize); err != nil {
			return nil, nil, err
		}
		return f, noop, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s, err := store.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		pg, err := cache.NewPostgres(ctx, s, logger)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to initialize postgres cache: %w", err)
		}
		if err := pg.SetMaxSize(cfg.MaxSize); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup := func() {
			pool.Close()
			logger.Debug("Database connection pool closed.")
		}
		return pg, cleanup, nil
	}
	return nil, nil, fmt.Errorf("unknown cache type %q", cfg.Type)
}

func login(ctx context.Context, client *couch.Client, auth config.AuthConfig) error {
	switch auth.Type {
	case "", "none":
		return nil
	}
	if _, err := client.Login(ctx, auth.User, auth.Password, couch.AuthType(auth.Type)); err != nil {
		return fmt.Errorf("login as %q failed: %w", auth.User, err)
	}
	return nil
}
