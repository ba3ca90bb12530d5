// internal/network/pool.go
package network

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// staleProbeWindow is how long Acquire waits on an idle connection to find out
// whether the peer has closed it.
const staleProbeWindow = time.Millisecond

// PooledConn is a connection owned by a ConnPool. While idle it belongs to the
// pool; between Acquire and Release it belongs to the in-flight request.
type PooledConn struct {
	net.Conn
	Reader *bufio.Reader

	key       string
	idleSince time.Time
	reused    bool
}

// Key returns the scheme://host:port key the connection is pooled under.
func (c *PooledConn) Key() string { return c.key }

// Reused reports whether the connection came out of the idle list.
func (c *PooledConn) Reused() bool { return c.reused }

// PoolConfig configures a ConnPool.
type PoolConfig struct {
	// Dialer is used for every new connection. Its TLSConfig is only applied
	// to https targets.
	Dialer *DialerConfig
	// TLSConfig is applied to https targets.
	TLSConfig *tls.Config
	// MaxIdlePerHost bounds the idle list per key. Zero means unbounded.
	MaxIdlePerHost int
	// IdleTimeout closes connections idle for longer than this. Zero disables
	// the background evictor.
	IdleTimeout time.Duration
}

// ConnPool keeps idle keep-alive connections keyed by scheme, host and port.
// It is safe for concurrent use.
type ConnPool struct {
	cfg    PoolConfig
	logger *zap.Logger

	mu     sync.Mutex
	idle   map[string][]*PooledConn
	closed bool

	closeChan chan struct{}
	evictorWG sync.WaitGroup
}

// NewConnPool creates a pool. When cfg.IdleTimeout is positive a background
// goroutine evicts idle connections until Close is called.
func NewConnPool(cfg PoolConfig, logger *zap.Logger) *ConnPool {
	if cfg.Dialer == nil {
		cfg.Dialer = NewDialerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &ConnPool{
		cfg:       cfg,
		logger:    logger.Named("conn_pool"),
		idle:      make(map[string][]*PooledConn),
		closeChan: make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		p.evictorWG.Add(1)
		go p.connectionEvictor()
	}
	return p
}

func poolKey(scheme, host, port string) string {
	return strings.ToLower(scheme) + "://" + net.JoinHostPort(host, port)
}

// Acquire returns a usable connection to host:port. Idle connections are tried
// first, most recently released first; any that turn out to be closed or
// timed out are discarded. When none is left a new connection is dialed.
func (p *ConnPool) Acquire(ctx context.Context, scheme, host, port string) (*PooledConn, error) {
	key := poolKey(scheme, host, port)

	for {
		c := p.popIdle(key)
		if c == nil {
			break
		}
		if isUsable(c) {
			c.reused = true
			p.logger.Debug("Reusing pooled connection", zap.String("key", key))
			return c, nil
		}
		p.logger.Debug("Discarding stale pooled connection", zap.String("key", key))
		c.Conn.Close()
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errors.New("connection pool is closed")
	}

	dialCfg := p.cfg.Dialer.Clone()
	dialCfg.TLSConfig = nil
	if strings.EqualFold(scheme, "https") {
		if p.cfg.TLSConfig != nil {
			dialCfg.TLSConfig = p.cfg.TLSConfig.Clone()
		} else {
			dialCfg.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, NextProtos: []string{"http/1.1"}}
		}
	}

	conn, err := DialContext(ctx, "tcp", net.JoinHostPort(host, port), dialCfg)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Opened new connection", zap.String("key", key))
	return &PooledConn{Conn: conn, Reader: bufio.NewReader(conn), key: key}, nil
}

func (p *ConnPool) popIdle(key string) *PooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.idle[key]
	if len(list) == 0 {
		return nil
	}
	c := list[len(list)-1]
	list[len(list)-1] = nil
	if len(list) == 1 {
		delete(p.idle, key)
	} else {
		p.idle[key] = list[:len(list)-1]
	}
	return c
}

// Release hands a connection back after one response cycle. It is kept only
// when reusable is true (the response did not say "Connection: close" and was
// parsed cleanly); otherwise it is closed.
func (p *ConnPool) Release(c *PooledConn, reusable bool) {
	if c == nil {
		return
	}
	if !reusable {
		c.Conn.Close()
		return
	}
	// Clear any per-request deadline before the connection sits idle.
	_ = c.Conn.SetDeadline(time.Time{})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Conn.Close()
		return
	}
	c.idleSince = time.Now()
	list := append(p.idle[c.key], c)
	var overflow *PooledConn
	if p.cfg.MaxIdlePerHost > 0 && len(list) > p.cfg.MaxIdlePerHost {
		overflow = list[0]
		list = list[1:]
	}
	p.idle[c.key] = list
	p.mu.Unlock()

	if overflow != nil {
		overflow.Conn.Close()
	}
}

// IdleCount returns the number of idle connections for host:port.
func (p *ConnPool) IdleCount(scheme, host, port string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[poolKey(scheme, host, port)])
}

// isUsable probes an idle connection. A connection is unusable when the peer
// closed it, when the read fails for any reason other than our own short
// deadline, or when unsolicited bytes are waiting to be read.
func isUsable(c *PooledConn) bool {
	if c.Reader.Buffered() > 0 {
		return false
	}
	if err := c.Conn.SetReadDeadline(time.Now().Add(staleProbeWindow)); err != nil {
		return false
	}
	_, err := c.Reader.Peek(1)
	if resetErr := c.Conn.SetReadDeadline(time.Time{}); resetErr != nil {
		return false
	}
	if err == nil {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// connectionEvictor runs in the background and periodically closes idle connections.
func (p *ConnPool) connectionEvictor() {
	defer p.evictorWG.Done()

	checkInterval := p.cfg.IdleTimeout / 2
	if checkInterval < 10*time.Millisecond {
		checkInterval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeChan:
			return
		case <-ticker.C:
			p.evictIdle(p.cfg.IdleTimeout)
		}
	}
}

func (p *ConnPool) evictIdle(timeout time.Duration) {
	var toClose []*PooledConn
	cutoff := time.Now().Add(-timeout)

	p.mu.Lock()
	for key, list := range p.idle {
		kept := list[:0]
		for _, c := range list {
			if c.idleSince.Before(cutoff) {
				toClose = append(toClose, c)
			} else {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
	p.mu.Unlock()

	if len(toClose) > 0 {
		p.logger.Debug("Evicting idle connections", zap.Int("count", len(toClose)))
		for _, c := range toClose {
			c.Conn.Close()
		}
	}
}

// Close stops the evictor and closes every idle connection. Connections that
// are checked out are closed when they are released.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = make(map[string][]*PooledConn)
	p.mu.Unlock()

	close(p.closeChan)
	p.evictorWG.Wait()

	for _, list := range idle {
		for _, c := range list {
			c.Conn.Close()
		}
	}
	return nil
}
