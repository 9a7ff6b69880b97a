// RelayConn drives the relay-layer stream protocol over a scheduler-owned
// circuit: RELAY_BEGIN / CONNECTED to open, DATA chunked to cell size,
// SENDME windows in both directions, END to close.
package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/cell"
	"github.com/cmyocyte/tor-wasm/pkg/errors"
	"github.com/cmyocyte/tor-wasm/pkg/flowcontrol"
	"github.com/cmyocyte/tor-wasm/pkg/logger"
	"github.com/cmyocyte/tor-wasm/pkg/scheduler"
)

// MaxDataPerCell is the largest DATA payload one relay cell carries.
const MaxDataPerCell = cell.PayloadLen - cell.RelayCellHeaderLen // 498

// RELAY_END reason codes (tor-spec.txt section 6.3).
const (
	ReasonNone          byte = 0
	ReasonMisc          byte = 1
	ReasonResolveFailed byte = 2
	ReasonConnectRefused byte = 3
	ReasonExitPolicy    byte = 4
	ReasonDestroy       byte = 5
	ReasonDone          byte = 6
	ReasonTimeout       byte = 7
	ReasonNoRoute       byte = 8
	ReasonHibernating   byte = 9
	ReasonInternal      byte = 10
	ReasonResourceLimit byte = 11
	ReasonConnReset     byte = 12
	ReasonTorProtocol   byte = 13
	ReasonNotDirectory  byte = 14
)

// EndReasonString renders a RELAY_END reason code.
func EndReasonString(reason byte) string {
	names := map[byte]string{
		ReasonNone: "none", ReasonMisc: "misc", ReasonResolveFailed: "resolve failed",
		ReasonConnectRefused: "connection refused", ReasonExitPolicy: "exit policy",
		ReasonDestroy: "destroyed", ReasonDone: "done", ReasonTimeout: "timeout",
		ReasonNoRoute: "no route", ReasonHibernating: "hibernating",
		ReasonInternal: "internal", ReasonResourceLimit: "resource limit",
		ReasonConnReset: "connection reset", ReasonTorProtocol: "tor protocol",
		ReasonNotDirectory: "not a directory",
	}
	if n, ok := names[reason]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", reason)
}

// RelayConn is one open application stream over a circuit, mediated by the
// cooperative scheduler so concurrent streams never contend for the
// circuit directly.
type RelayConn struct {
	streamID uint16
	target   string
	port     uint16
	sched    *scheduler.Scheduler
	logger   *logger.Logger

	window  *flowcontrol.Window
	recvBuf    []byte

	mu       sync.Mutex
	closed   bool
	eof      bool
	closeOne sync.Once

	opTimeout time.Duration
}

// Open opens a stream to host:port over the scheduler's circuit: registers
// the stream, sends RELAY_BEGIN, and waits for RELAY_CONNECTED. A
// RELAY_END reply fails the open with the exit's reason.
func Open(ctx context.Context, sched *scheduler.Scheduler, streamID uint16, host string, port uint16, log *logger.Logger) (*RelayConn, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	target := fmt.Sprintf("%s:%d", host, port)

	if err := sched.OpenStream(streamID, target); err != nil {
		return nil, err
	}

	conn := &RelayConn{
		streamID:   streamID,
		target:     host,
		port:       port,
		sched:      sched,
		logger:     log.Component("stream").With("stream_id", streamID),
		window:     flowcontrol.NewStreamWindow(),
		opTimeout:  scheduler.DefaultSendTimeout,
	}

	begin := cell.NewRelayCell(streamID, cell.RelayBegin, []byte(target+"\x00"))
	if _, err := sched.Send(streamID, begin, conn.opTimeout).Wait(ctx); err != nil {
		sched.CloseStream(streamID)
		return nil, err
	}

	reply, err := sched.Recv(streamID, conn.opTimeout).Wait(ctx)
	if err != nil {
		sched.CloseStream(streamID)
		return nil, err
	}
	switch reply.Command {
	case cell.RelayConnected:
		conn.logger.Debug("Stream connected", "target", target)
		return conn, nil
	case cell.RelayEnd:
		sched.CloseStream(streamID)
		reason := ReasonNone
		if len(reply.Data) > 0 {
			reason = reply.Data[0]
		}
		return nil, errors.StreamError("stream rejected by exit: " + EndReasonString(reason))
	default:
		sched.CloseStream(streamID)
		return nil, errors.UnexpectedCellError(fmt.Sprintf("expected CONNECTED, got %s", cell.RelayCmdString(reply.Command)))
	}
}

// Write sends p in DATA cells of at most MaxDataPerCell bytes each,
// honouring the stream send window: when the window is empty it waits for
// a SENDME rather than transmitting.
func (c *RelayConn) Write(ctx context.Context, p []byte) (int, error) {
	if c.isClosed() {
		return 0, errors.CircuitClosedError("stream closed")
	}

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxDataPerCell {
			chunk = chunk[:MaxDataPerCell]
		}

		if err := c.waitForWindow(ctx); err != nil {
			return written, err
		}
		if err := c.window.OnSend(); err != nil {
			return written, errors.ResourceExhaustedError("stream send window empty")
		}

		data := cell.NewRelayCell(c.streamID, cell.RelayData, chunk)
		if _, err := c.sched.Send(c.streamID, data, c.opTimeout).Wait(ctx); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// waitForWindow blocks until the send window permits a DATA cell. SENDMEs
// are processed by Read/drain, so a writer alone also polls the incoming
// queue for them.
func (c *RelayConn) waitForWindow(ctx context.Context) error {
	for !c.window.CanSend() {
		// A SENDME must arrive before any more data may flow; drain one
		// incoming cell (briefly) so a pure writer still sees it.
		if err := c.drainOne(ctx, 250*time.Millisecond); err != nil {
			if errors.IsCategory(err, errors.CategoryTimeout) {
				select {
				case <-ctx.Done():
					return errors.TimeoutError("send window wait cancelled", ctx.Err())
				default:
					continue
				}
			}
			return err
		}
	}
	return nil
}

// Read returns decrypted stream payload, reading further cells from the
// scheduler when the internal buffer is empty. Returns io.EOF after
// RELAY_END.
func (c *RelayConn) Read(ctx context.Context, p []byte) (int, error) {
	c.mu.Lock()
	if len(c.recvBuf) > 0 {
		n := copy(p, c.recvBuf)
		c.recvBuf = c.recvBuf[n:]
		c.mu.Unlock()
		return n, nil
	}
	eof := c.eof
	c.mu.Unlock()
	if eof {
		return 0, io.EOF
	}

	for {
		if err := c.drainOne(ctx, c.opTimeout); err != nil {
			return 0, err
		}
		c.mu.Lock()
		if len(c.recvBuf) > 0 {
			n := copy(p, c.recvBuf)
			c.recvBuf = c.recvBuf[n:]
			c.mu.Unlock()
			return n, nil
		}
		eof := c.eof
		c.mu.Unlock()
		if eof {
			return 0, io.EOF
		}
	}
}

// drainOne pulls one incoming cell from the scheduler and dispatches it:
// DATA feeds the read buffer and the receive window, SENDME replenishes
// the send window, END marks EOF, anything else is logged and skipped.
func (c *RelayConn) drainOne(ctx context.Context, timeout time.Duration) error {
	rc, err := c.sched.Recv(c.streamID, timeout).Wait(ctx)
	if err != nil {
		return err
	}

	switch rc.Command {
	case cell.RelayData:
		c.mu.Lock()
		c.recvBuf = append(c.recvBuf, rc.Data...)
		c.mu.Unlock()
		if c.recvWindowConsume() {
			sendme := cell.NewRelayCell(c.streamID, cell.RelaySendme, nil)
			if _, err := c.sched.Send(c.streamID, sendme, c.opTimeout).Wait(ctx); err != nil {
				c.logger.Warn("Failed to send stream SENDME", "error", err)
			}
		}
	case cell.RelaySendme:
		c.window.OnSendmeReceived()
	case cell.RelayEnd:
		reason := ReasonNone
		if len(rc.Data) > 0 {
			reason = rc.Data[0]
		}
		c.logger.Debug("Stream ended by exit", "reason", EndReasonString(reason))
		c.mu.Lock()
		c.eof = true
		c.mu.Unlock()
	default:
		c.logger.Debug("Skipping unexpected relay cell on stream", "command", cell.RelayCmdString(rc.Command))
	}
	return nil
}

// recvWindowConsume decrements the receive window and reports whether a
// SENDME must be emitted.
func (c *RelayConn) recvWindowConsume() bool {
	return c.window.OnReceived()
}

// SendWindow exposes the current send window for observation.
func (c *RelayConn) SendWindow() int { return c.window.SendWindow() }

// StreamID returns the stream's identifier on its circuit.
func (c *RelayConn) StreamID() uint16 { return c.streamID }

func (c *RelayConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close sends RELAY_END (reason: done) best-effort and deregisters the
// stream from the scheduler. The END is not awaited beyond the queue.
func (c *RelayConn) Close() error {
	c.closeOne.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		end := cell.NewRelayCell(c.streamID, cell.RelayEnd, []byte{ReasonDone})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := c.sched.Send(c.streamID, end, time.Second).Wait(ctx); err != nil {
			c.logger.Debug("Best-effort RELAY_END failed", "error", err)
		}
		c.sched.CloseStream(c.streamID)
	})
	return nil
}
