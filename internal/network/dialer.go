// internal/network/dialer.go
package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"
)

// DialerConfig holds configuration for the low-level dialer.
type DialerConfig struct {
	// Timeout bounds connection establishment, including the TLS handshake.
	// Zero means no timeout.
	Timeout   time.Duration
	KeepAlive time.Duration
	// TLSConfig enables TLS on top of the TCP connection when set.
	TLSConfig *tls.Config
	NoDelay   bool
}

// NewDialerConfig creates a default configuration for plain TCP dialing.
func NewDialerConfig() *DialerConfig {
	return &DialerConfig{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		NoDelay:   true,
	}
}

// Clone returns a copy of the config with a cloned TLS config.
func (c *DialerConfig) Clone() *DialerConfig {
	clone := *c
	if c.TLSConfig != nil {
		clone.TLSConfig = c.TLSConfig.Clone()
	}
	return &clone
}

// NewTLSConfig creates a TLS configuration with sane defaults. When caFile is
// not empty, the PEM bundle it points to replaces the system roots. A missing
// or unreadable file is a configuration error.
func NewTLSConfig(caFile string, insecureSkipVerify bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"http/1.1"},
		InsecureSkipVerify: insecureSkipVerify,
		ClientSessionCache: tls.NewLRUClientSessionCache(64),
	}
	if caFile == "" {
		return cfg, nil
	}

	info, err := os.Stat(caFile)
	if err != nil {
		return nil, NewConfigError("ssl certificate %q: %v", caFile, err)
	}
	if info.IsDir() {
		return nil, NewConfigError("ssl certificate path %q does not point to a file", caFile)
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, NewConfigError("ssl certificate %q is not readable: %v", caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, NewConfigError("ssl certificate %q contains no PEM certificates", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// DialContext opens a TCP connection to address and, when a TLS config is
// present, performs the client handshake.
func DialContext(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	if config == nil {
		config = NewDialerConfig()
	}

	dialer := &net.Dialer{
		Timeout:   config.Timeout,
		KeepAlive: config.KeepAlive,
	}

	rawConn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: address, Err: err}
	}

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		if err := configureTCP(tcpConn, config); err != nil {
			tcpConn.Close()
			return nil, &TransportError{Op: "dial", Addr: address, Err: err}
		}
	}

	if config.TLSConfig != nil {
		return wrapTLS(ctx, rawConn, address, config)
	}
	return rawConn, nil
}

func configureTCP(conn *net.TCPConn, config *DialerConfig) error {
	if config.KeepAlive > 0 {
		if err := conn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable TCP keep-alive: %w", err)
		}
		if err := conn.SetKeepAlivePeriod(config.KeepAlive); err != nil {
			return fmt.Errorf("failed to set keep-alive period: %w", err)
		}
	}
	if config.NoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP NoDelay: %w", err)
		}
	}
	return nil
}

// wrapTLS handles the TLS client handshake.
func wrapTLS(ctx context.Context, conn net.Conn, address string, config *DialerConfig) (net.Conn, error) {
	tlsConfig := config.TLSConfig.Clone()
	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		tlsConfig.ServerName = host
	}

	tlsConn := tls.Client(conn, tlsConfig)

	handshakeCtx := ctx
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		conn.Close()
		return nil, &TransportError{Op: "dial", Addr: address, Err: fmt.Errorf("tls handshake failed: %w", err)}
	}
	return tlsConn, nil
}
