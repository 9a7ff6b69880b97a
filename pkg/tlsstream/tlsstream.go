// Package tlsstream layers a TLS client over a Tor stream,
// the way HTTPS tunneling is driven end-to-end through a circuit. Go's
// crypto/tls.Client drives its own handshake state machine given anything
// satisfying net.Conn, so rather than manually pumping wants_read/
// wants_write like a bare TLS record engine would, this package adapts a
// circuit-multiplexed stream to net.Conn and lets the stdlib do the rest —
// the same crypto/tls usage pkg/connection already relies on, just fed
// from a circuit stream instead of a raw TCP socket.
package tlsstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/errors"
)

// DefaultHandshakeDeadline is the wall-clock budget for the TLS handshake,
// the TLS handshake must complete within.
const DefaultHandshakeDeadline = 15 * time.Second

// Stream is the minimal capability tlsstream needs from the underlying
// circuit-multiplexed stream: ordered, reliable byte read/write with
// context-aware blocking and a close. pkg/stream.RelayConn, the
// scheduler-backed stream, satisfies this without needing net.Conn's
// addressing methods, which a Tor stream has no meaningful value for.
type Stream interface {
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) (int, error)
	Close() error
}

// connAdapter makes a Stream satisfy net.Conn so crypto/tls.Client can
// drive it directly. Deadlines are tracked locally and translated into a
// context for each Read/Write call, since the underlying stream has no
// socket-level deadline concept of its own.
type connAdapter struct {
	s               Stream
	readDeadline    time.Time
	writeDeadline   time.Time
}

func newConnAdapter(s Stream) *connAdapter {
	return &connAdapter{s: s}
}

func (c *connAdapter) Read(b []byte) (int, error) {
	ctx, cancel := c.ctxFor(c.readDeadline)
	defer cancel()
	return c.s.Read(ctx, b)
}

func (c *connAdapter) Write(b []byte) (int, error) {
	ctx, cancel := c.ctxFor(c.writeDeadline)
	defer cancel()
	return c.s.Write(ctx, b)
}

func (c *connAdapter) ctxFor(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}

func (c *connAdapter) Close() error                       { return c.s.Close() }
func (c *connAdapter) LocalAddr() net.Addr                 { return streamAddr{} }
func (c *connAdapter) RemoteAddr() net.Addr                { return streamAddr{} }
func (c *connAdapter) SetDeadline(t time.Time) error {
	c.readDeadline, c.writeDeadline = t, t
	return nil
}
func (c *connAdapter) SetReadDeadline(t time.Time) error  { c.readDeadline = t; return nil }
func (c *connAdapter) SetWriteDeadline(t time.Time) error { c.writeDeadline = t; return nil }

// streamAddr is a placeholder net.Addr: a circuit stream has no meaningful
// socket address, only a target host:port already known to the caller.
type streamAddr struct{}

func (streamAddr) Network() string { return "tor-stream" }
func (streamAddr) String() string  { return "tor-stream" }

// Conn is a TLS connection running over a Tor stream.
type Conn struct {
	tlsConn *tls.Conn
	adapter *connAdapter
}

// NewClientConfig builds a *tls.Config using the pre-baked Web-PKI root
// pool (system roots) and offering no client certificate. A nil RootCAs
// value in *tls.Config makes crypto/tls use the platform's trust store.
func NewClientConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
}

// Client performs a TLS handshake as a client over s and returns a Conn
// ready for Read/Write, or an error if the handshake does not complete
// within deadline (default DefaultHandshakeDeadline).
func Client(ctx context.Context, s Stream, tlsConfig *tls.Config, deadline time.Duration) (*Conn, error) {
	if deadline <= 0 {
		deadline = DefaultHandshakeDeadline
	}
	adapter := newConnAdapter(s)
	tlsConn := tls.Client(adapter, tlsConfig)

	hctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- tlsConn.HandshakeContext(hctx) }()

	select {
	case err := <-done:
		if err != nil {
			return nil, errors.HandshakeFailedError("TLS handshake over circuit failed", err)
		}
	case <-hctx.Done():
		_ = adapter.Close()
		return nil, errors.TimeoutError("TLS handshake deadline exceeded", hctx.Err())
	}

	return &Conn{tlsConn: tlsConn, adapter: adapter}, nil
}

// Read returns decrypted application data (crypto/tls.Conn already
// buffers decrypted records internally, so this is a thin pass-through).
func (c *Conn) Read(b []byte) (int, error) { return c.tlsConn.Read(b) }

// Write encrypts b into TLS records and flushes them through the
// underlying stream.
func (c *Conn) Write(b []byte) (int, error) { return c.tlsConn.Write(b) }

// Close sends the TLS close-notify alert then closes the underlying
// stream.
func (c *Conn) Close() error {
	closeErr := c.tlsConn.Close()
	streamErr := c.adapter.Close()
	if closeErr != nil {
		return fmt.Errorf("tls close-notify: %w", closeErr)
	}
	return streamErr
}

// ConnectionState exposes the negotiated TLS parameters, useful for
// diagnostics and certificate-pinning checks by the embedder.
func (c *Conn) ConnectionState() tls.ConnectionState {
	return c.tlsConn.ConnectionState()
}
