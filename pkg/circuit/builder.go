// Circuit construction state machine: pick a guard, connect, run the link
// handshake, CREATE2 the first hop, then EXTEND2 to the middle and exit.
// Each attempt races a deadline; failed attempts retry with backoff against
// a fresh path.
package circuit

import (
	"context"
	"fmt"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/cell"
	"github.com/cmyocyte/tor-wasm/pkg/connection"
	"github.com/cmyocyte/tor-wasm/pkg/directory"
	"github.com/cmyocyte/tor-wasm/pkg/errors"
	"github.com/cmyocyte/tor-wasm/pkg/logger"
	"github.com/cmyocyte/tor-wasm/pkg/path"
	"github.com/cmyocyte/tor-wasm/pkg/protocol"
	"github.com/cmyocyte/tor-wasm/pkg/transport"
)

// Build policy constants.
const (
	// DefaultAttemptTimeout bounds one whole build attempt.
	DefaultAttemptTimeout = 60 * time.Second
	// MaxBuildAttempts is the total number of attempts before giving up.
	MaxBuildAttempts = 3
)

// attemptBackoffs are the delays before each attempt.
var attemptBackoffs = []time.Duration{0, 5 * time.Second, 15 * time.Second}

// BuilderConfig configures circuit construction.
type BuilderConfig struct {
	AttemptTimeout time.Duration
	MaxAttempts    int
}

// DefaultBuilderConfig returns the standard build policy.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		AttemptTimeout: DefaultAttemptTimeout,
		MaxAttempts:    MaxBuildAttempts,
	}
}

// Builder constructs three-hop circuits through the network.
type Builder struct {
	cfg      BuilderConfig
	manager  *Manager
	selector *path.Selector
	guards   *path.GuardManager
	dial     transport.Dial
	logger   *logger.Logger
}

// NewBuilder creates a circuit builder. dial supplies the byte pipe to the
// guard; selector and guards drive relay choice and entry-guard policy.
func NewBuilder(manager *Manager, selector *path.Selector, guards *path.GuardManager, dial transport.Dial, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Builder{
		cfg:      DefaultBuilderConfig(),
		manager:  manager,
		selector: selector,
		guards:   guards,
		dial:     dial,
		logger:   log.Component("builder"),
	}
}

// SetConfig overrides the build policy.
func (b *Builder) SetConfig(cfg BuilderConfig) {
	if cfg.AttemptTimeout > 0 {
		b.cfg.AttemptTimeout = cfg.AttemptTimeout
	}
	if cfg.MaxAttempts > 0 {
		b.cfg.MaxAttempts = cfg.MaxAttempts
	}
}

// BuildCircuit builds a complete 3-hop circuit, retrying with backoff and a
// fresh path on failure. Fatal errors (entropy guard, AUTH mismatch,
// certificate rejection) abort immediately: no further relays are tried.
func (b *Builder) BuildCircuit(ctx context.Context) (*Circuit, error) {
	var lastErr error
	for attempt := 0; attempt < b.cfg.MaxAttempts; attempt++ {
		if attempt < len(attemptBackoffs) && attemptBackoffs[attempt] > 0 {
			select {
			case <-time.After(attemptBackoffs[attempt]):
			case <-ctx.Done():
				return nil, errors.TimeoutError("circuit build cancelled during backoff", ctx.Err())
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.AttemptTimeout)
		circ, err := b.buildAttempt(attemptCtx)
		cancel()
		if err == nil {
			return circ, nil
		}
		lastErr = err
		if errors.IsFatal(err) {
			b.logger.Error("Fatal error during circuit build, aborting", "error", err)
			return nil, err
		}
		b.logger.Warn("Circuit build attempt failed", "attempt", attempt+1, "error", err)
	}
	return nil, errors.AllRelaysFailedError(fmt.Sprintf("circuit build failed after %d attempts: %v", b.cfg.MaxAttempts, lastErr))
}

// buildAttempt walks the per-attempt state machine once.
func (b *Builder) buildAttempt(ctx context.Context) (circ *Circuit, err error) {
	now := time.Now()

	// PickGuard: the selector places usable persisted guards at the head of
	// the candidate list, so the chosen guard is a preferred one whenever
	// any is usable.
	p, err := b.selector.SelectPath(b.guards.Preferred(now))
	if err != nil {
		return nil, err
	}
	if b.guards.IsBad(p.Guard.Fingerprint, now) {
		return nil, errors.NoRelaysAvailableError("selected guard is marked bad")
	}

	b.logger.Info("Building circuit",
		"guard", p.Guard.Nickname,
		"middle", p.Middle.Nickname,
		"exit", p.Exit.Nickname)

	// Connect: obtain the byte pipe to the guard.
	guardAddr := fmt.Sprintf("%s:%d", p.Guard.Address, p.Guard.ORPort)
	conn, err := b.connect(ctx, guardAddr)
	if err != nil {
		b.guards.RecordFailure(p.Guard.Fingerprint, now)
		return nil, err
	}
	defer func() {
		if err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				b.logger.Debug("Failed to close connection after build failure", "error", closeErr)
			}
		}
	}()

	// LinkHandshake: VERSIONS / CERTS / AUTH_CHALLENGE / NETINFO.
	handshake := protocol.NewHandshake(conn, b.logger)
	if err = handshake.PerformHandshake(ctx); err != nil {
		b.guards.RecordFailure(p.Guard.Fingerprint, now)
		return nil, err
	}

	circ, err = b.manager.CreateCircuit()
	if err != nil {
		return nil, errors.CircuitBuildFailedError("failed to allocate circuit", err)
	}
	defer func() {
		if err != nil {
			circ.SetState(StateFailed)
			if closeErr := b.manager.CloseCircuit(circ.ID); closeErr != nil {
				b.logger.Debug("Failed to drop failed circuit", "error", closeErr)
			}
		}
	}()
	circ.SetConnection(conn)

	ext := NewExtension(circ, b.logger)

	// CreateFirstHop: CREATE2 / CREATED2 with the guard.
	if err = b.createFirstHop(ctx, conn, circ, ext, p.Guard, guardAddr); err != nil {
		b.guards.RecordFailure(p.Guard.Fingerprint, now)
		return nil, err
	}
	b.guards.RecordSuccess(p.Guard.Fingerprint, now)

	// ExtendToMiddle, then ExtendToExit. A DESTROY at either stage kills
	// the circuit; the relay has already torn it down, so the attempt
	// cannot be salvaged and the retry loop starts over with a new path.
	if err = b.extendTo(ctx, conn, circ, ext, p.Middle, false); err != nil {
		return nil, err
	}
	if err = b.extendTo(ctx, conn, circ, ext, p.Exit, true); err != nil {
		return nil, err
	}

	circ.SetState(StateOpen)
	b.logger.Info("Circuit built", "circuit_id", circ.ID, "hops", circ.Length())
	return circ, nil
}

// connect obtains the byte pipe to the guard, through the transport dialer
// when one is configured, else via a direct TLS connection.
func (b *Builder) connect(ctx context.Context, addr string) (*connection.Connection, error) {
	if b.dial != nil {
		stream, err := b.dial(ctx, addr)
		if err != nil {
			return nil, errors.ConnectionError("transport dial failed", err)
		}
		return connection.NewFromStream(addr, transport.AsReadWriteCloser(stream), b.logger), nil
	}

	cfg := connection.DefaultConfig(addr)
	conn := connection.New(cfg, b.logger)
	if err := conn.ConnectWithRetry(ctx, cfg, connection.DefaultRetryConfig()); err != nil {
		return nil, errors.ConnectionError("failed to connect to relay", err)
	}
	return conn, nil
}

// createFirstHop runs CREATE2/CREATED2 with the guard and installs the
// first hop's crypto state.
func (b *Builder) createFirstHop(ctx context.Context, conn *connection.Connection, circ *Circuit, ext *Extension, guard *directory.Relay, guardAddr string) error {
	ext.SetTargetRelay(guard)
	ext.SetTargetInfo(guardAddr, true, false)

	payload, err := ext.BuildCreate2Payload()
	if err != nil {
		return err
	}

	create2 := &cell.Cell{CircID: circ.ID, Command: cell.CmdCreate2, Payload: payload}
	if err := conn.SendCell(create2); err != nil {
		return errors.CircuitBuildFailedError("failed to send CREATE2", err)
	}

	reply, err := b.receiveForCircuit(ctx, conn, circ.ID)
	if err != nil {
		return err
	}
	switch reply.Command {
	case cell.CmdCreated2:
	case cell.CmdDestroy:
		return errors.CircuitDestroyedError(destroyReason(reply.Payload))
	default:
		return errors.UnexpectedCellError(fmt.Sprintf("expected CREATED2, got %s", reply.Command))
	}

	var id [20]byte
	var key [32]byte
	copy(id[:], guard.GetIdentityKey())
	copy(key[:], guard.GetNtorOnionKey())
	if err := ext.ProcessCreated2(reply, id, key); err != nil {
		return err
	}
	return nil
}

// extendTo sends an EXTEND2 for next in a RELAY_EARLY cell and completes
// the handshake against the EXTENDED2 reply.
func (b *Builder) extendTo(ctx context.Context, conn *connection.Connection, circ *Circuit, ext *Extension, next *directory.Relay, isExit bool) error {
	target := fmt.Sprintf("%s:%d", next.Address, next.ORPort)

	payload, err := ext.BuildExtend2Payload(target, next)
	if err != nil {
		return err
	}
	ext.SetTargetInfo(target, false, isExit)

	extend2 := cell.NewRelayCell(0, cell.RelayExtend2, payload)
	if err := circ.SendRelayEarly(extend2); err != nil {
		return errors.CircuitBuildFailedError("failed to send EXTEND2", err)
	}

	for {
		reply, err := b.receiveForCircuit(ctx, conn, circ.ID)
		if err != nil {
			return err
		}
		switch reply.Command {
		case cell.CmdDestroy:
			return errors.CircuitDestroyedError(destroyReason(reply.Payload))
		case cell.CmdRelay, cell.CmdRelayEarly:
			inner, err := circ.DecryptIncoming(reply)
			if err != nil {
				return errors.CircuitBuildFailedError("failed to decrypt EXTENDED2 reply", err)
			}
			if inner == nil {
				// Unrecognized cell during build; keep waiting.
				continue
			}
			if inner.Command == cell.RelayTruncated {
				return errors.CircuitDestroyedError("circuit truncated during extension")
			}
			if inner.Command != cell.RelayExtended2 {
				b.logger.Debug("Skipping unexpected relay cell during extension", "command", inner.Command)
				continue
			}

			var id [20]byte
			var key [32]byte
			copy(id[:], next.GetIdentityKey())
			copy(key[:], next.GetNtorOnionKey())
			return ext.ProcessExtended2(inner, id, key)
		case cell.CmdPadding, cell.CmdVPadding:
			continue
		default:
			return errors.UnexpectedCellError(fmt.Sprintf("unexpected cell during extension: %s", reply.Command))
		}
	}
}

// receiveForCircuit reads cells until one addressed to the circuit arrives
// or the context expires. Cells for other circuits on the link are dropped;
// the builder owns the connection exclusively during construction.
func (b *Builder) receiveForCircuit(ctx context.Context, conn *connection.Connection, circID uint32) (*cell.Cell, error) {
	type received struct {
		c   *cell.Cell
		err error
	}
	ch := make(chan received, 1)
	go func() {
		for {
			c, err := conn.ReceiveCell()
			if err != nil {
				ch <- received{err: err}
				return
			}
			if c.CircID != circID && c.CircID != 0 {
				continue
			}
			ch <- received{c: c}
			return
		}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.TimeoutError("timed out waiting for relay reply", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, errors.ConnectionError("connection failed during build", r.err)
		}
		return r.c, nil
	}
}

// destroyReason renders a DESTROY cell's reason byte.
func destroyReason(payload []byte) string {
	if len(payload) == 0 {
		return "destroyed (no reason)"
	}
	reasons := map[byte]string{
		0: "none", 1: "protocol", 2: "internal", 3: "requested",
		4: "hibernating", 5: "resource limit", 6: "connect failed",
		7: "OR identity", 8: "channel closed", 9: "finished",
		10: "timeout", 11: "destroyed", 12: "no such service",
	}
	if r, ok := reasons[payload[0]]; ok {
		return "destroyed: " + r
	}
	return fmt.Sprintf("destroyed: reason %d", payload[0])
}
