// Package transport implements the host transport contract: the core
// never opens a raw socket itself (the embedding
// sandbox has no raw-socket capability); it asks a host-supplied Dial
// function for a full-duplex byte pipe to a given address. Two concrete
// dialers are provided: a direct net.Dial-based one for native embedding,
// and an upstream-SOCKS5 one built on golang.org/x/net/proxy for reaching
// a bridge or corporate egress.
package transport

import (
	"context"
	"io"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/cmyocyte/tor-wasm/pkg/errors"
)

// Stream is the full-duplex byte pipe the host supplies: ordered,
// reliable read/write with a context-aware API (the embedding runtime is
// cooperative single-threaded, so blocking is expressed as "suspend until
// ctx is done or data is available" rather than a raw WouldBlock errno).
type Stream interface {
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) (int, error)
	Flush(ctx context.Context) error
	Close() error
}

// Dial obtains a Stream to addr ("host:port"). Implementations are free to
// back this with a real socket, a WebSocket-to-TCP relay, or a pluggable
// transport; the core is indifferent.
type Dial func(ctx context.Context, addr string) (Stream, error)

// netConnStream adapts a net.Conn to the Stream contract.
type netConnStream struct {
	conn net.Conn
}

func (s *netConnStream) Read(ctx context.Context, p []byte) (int, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(dl)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	return s.conn.Read(p)
}

func (s *netConnStream) Write(ctx context.Context, p []byte) (int, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	return s.conn.Write(p)
}

func (s *netConnStream) Flush(ctx context.Context) error { return nil }
func (s *netConnStream) Close() error                    { return s.conn.Close() }

// DirectDialer returns a Dial that opens a real TCP connection, for
// native embedding (e.g. the cmd/tor-client demo) rather than a sandboxed
// host.
func DirectDialer() Dial {
	return func(ctx context.Context, addr string) (Stream, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.ConnectionError("direct dial failed", err)
		}
		return &netConnStream{conn: conn}, nil
	}
}

// ProxyDialerConfig configures an upstream-SOCKS5 dialer.
type ProxyDialerConfig struct {
	// ProxyAddr is "host:port" of the upstream SOCKS5 proxy.
	ProxyAddr string
	// Username/Password are optional SOCKS5 credentials.
	Username, Password string
	// BridgeURL, if set, is a sibling HTTP URL formed from the same
	// outbound relay endpoint, used only for directory fetch (§6.3).
	BridgeURL string
}

// ProxyDialer returns a Dial that reaches the first hop through an
// upstream SOCKS5 proxy. The core treats this dialer as a caller-supplied
// pipe and does no transport negotiation of its own.
func ProxyDialer(cfg ProxyDialerConfig) (Dial, error) {
	var auth *proxy.Auth
	if cfg.Username != "" || cfg.Password != "" {
		auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
	}

	dialer, err := proxy.SOCKS5("tcp", cfg.ProxyAddr, auth, proxy.Direct)
	if err != nil {
		return nil, errors.ConnectionError("failed to construct SOCKS5 dialer", err)
	}

	// proxy.Dialer has no context-aware variant in the stdlib-adjacent
	// x/net/proxy API; the context-aware ContextDialer interface is
	// implemented by the SOCKS5 dialer returned above, so assert for it
	// and fall back to the blocking Dial if unavailable.
	ctxDialer, _ := dialer.(proxy.ContextDialer)

	return func(ctx context.Context, addr string) (Stream, error) {
		var (
			conn net.Conn
			err  error
		)
		if ctxDialer != nil {
			conn, err = ctxDialer.DialContext(ctx, "tcp", addr)
		} else {
			conn, err = dialer.Dial("tcp", addr)
		}
		if err != nil {
			return nil, errors.ConnectionError("SOCKS5 proxy dial failed", err)
		}
		return &netConnStream{conn: conn}, nil
	}, nil
}

// rwcAdapter exposes a Stream as a plain io.ReadWriteCloser for consumers
// built around blocking reads, such as the cell codec.
type rwcAdapter struct {
	s Stream
}

func (a *rwcAdapter) Read(p []byte) (int, error)  { return a.s.Read(context.Background(), p) }
func (a *rwcAdapter) Write(p []byte) (int, error) { return a.s.Write(context.Background(), p) }
func (a *rwcAdapter) Close() error                { return a.s.Close() }

// AsReadWriteCloser adapts a Stream to io.ReadWriteCloser.
func AsReadWriteCloser(s Stream) io.ReadWriteCloser {
	return &rwcAdapter{s: s}
}

// BridgeURLOrEmpty returns the directory-fetch base URL associated with a proxy
// dialer configuration: the sibling HTTP URL of the outbound relay
// endpoint, used only for directory fetch.
func (cfg ProxyDialerConfig) BridgeURLOrEmpty() string {
	return cfg.BridgeURL
}
