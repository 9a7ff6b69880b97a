// Package padding implements the channel-level padding state machine of
// padding-spec.txt: negotiate PADDING with the first-hop relay, then emit
// PADDING cells at a randomized interval while the channel is active, and
// pause after a period of real-traffic inactivity.
package padding

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/cell"
)

// State is the padding negotiation state machine's current phase.
type State int

const (
	// StateDisabled is the initial state: no negotiation has been sent.
	StateDisabled State = iota
	// StateNegotiating is waiting for a PADDING_NEGOTIATED reply.
	StateNegotiating
	// StateEnabled means the relay accepted negotiation and padding cells
	// may be emitted on the timer.
	StateEnabled
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateNegotiating:
		return "negotiating"
	case StateEnabled:
		return "enabled"
	default:
		return "unknown"
	}
}

// Negotiate commands (PADDING_NEGOTIATE version 0, padding-spec.txt).
const (
	negotiateVersion     = 0
	negotiateCommandStop  byte = 0
	negotiateCommandStart byte = 1
)

// Defaults per padding-spec.txt's consensus parameters.
const (
	DefaultLowMs       = 1500
	DefaultHighMs      = 9500
	DefaultIdleTimeout = 30 * time.Second
)

// Stats reports padding activity for diagnostics.
type Stats struct {
	TotalPaddingSent int
	NextIntervalMs   int
	RelayAccepted    bool
}

// Machine drives one channel's padding negotiation and timer. It is not
// safe for concurrent use from multiple goroutines without external
// synchronization beyond what Tick/OnNegotiated/OnActivity provide, which
// each take the internal lock.
type Machine struct {
	mu sync.Mutex

	state   State
	lowMs   int
	highMs  int
	idle    time.Duration
	rng     *rand.Rand

	lastActivity time.Time
	nextFire     time.Time

	stats Stats
}

// New returns a padding machine with the default intervals, in
// StateDisabled until Negotiate is called.
func New() *Machine {
	return &Machine{
		state:        StateDisabled,
		lowMs:        DefaultLowMs,
		highMs:       DefaultHighMs,
		idle:         DefaultIdleTimeout,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		lastActivity: time.Now(),
	}
}

// NegotiatePayload builds a PADDING_NEGOTIATE cell payload:
// version(1)=0, command(1)=Start, low(BE u16) ms, high(BE u16) ms. Moves the
// machine into StateNegotiating.
func (m *Machine) NegotiatePayload() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = StateNegotiating
	payload := make([]byte, 6)
	payload[0] = negotiateVersion
	payload[1] = negotiateCommandStart
	binary.BigEndian.PutUint16(payload[2:4], uint16(m.lowMs))
	binary.BigEndian.PutUint16(payload[4:6], uint16(m.highMs))
	return payload
}

// StopPayload builds a PADDING_NEGOTIATE Stop payload and moves the machine
// to StateDisabled.
func (m *Machine) StopPayload() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = StateDisabled
	payload := make([]byte, 6)
	payload[0] = negotiateVersion
	payload[1] = negotiateCommandStop
	binary.BigEndian.PutUint16(payload[2:4], uint16(m.lowMs))
	binary.BigEndian.PutUint16(payload[4:6], uint16(m.highMs))
	return payload
}

// OnNegotiated processes the relay's PADDING_NEGOTIATED response. On
// acceptance it enters StateEnabled and arms the first timer.
func (m *Machine) OnNegotiated(accepted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.RelayAccepted = accepted
	if !accepted {
		m.state = StateDisabled
		return
	}
	m.state = StateEnabled
	m.armLocked(time.Now())
}

// State returns the machine's current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnActivity records that a real (non-padding) cell was sent or received on
// the channel, resetting the idle clock.
func (m *Machine) OnActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = time.Now()
}

func (m *Machine) armLocked(now time.Time) {
	interval := m.lowMs + m.rng.Intn(m.highMs-m.lowMs+1)
	m.stats.NextIntervalMs = interval
	m.nextFire = now.Add(time.Duration(interval) * time.Millisecond)
}

// Tick is called periodically (e.g. from the scheduler's drive loop) with
// the current time. It returns a PADDING cell to transmit if the timer has
// expired and padding is not paused for idleness, nil otherwise.
func (m *Machine) Tick(now time.Time) *cell.Cell {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateEnabled {
		return nil
	}
	if now.Sub(m.lastActivity) > m.idle {
		// Long-idle connection: stop wasting bandwidth on padding.
		return nil
	}
	if now.Before(m.nextFire) {
		return nil
	}

	m.armLocked(now)
	m.stats.TotalPaddingSent++

	c := cell.NewCell(0, cell.CmdPadding)
	payload := make([]byte, cell.PayloadLen)
	fillPseudoRandom(m.rng, payload)
	c.Payload = payload
	return c
}

// fillPseudoRandom fills b with bytes from r. PADDING cell content is not
// security-sensitive (it is discarded by the relay), so the
// non-cryptographic *rand.Rand already used for timing jitter is reused
// rather than pulling from crypto/rand.
func fillPseudoRandom(r *rand.Rand, b []byte) {
	for i := range b {
		b[i] = byte(r.Intn(256))
	}
}

// Stats returns a snapshot of padding activity.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ParseNegotiated reports whether a PADDING_NEGOTIATED payload indicates
// acceptance (command byte 2) per tor-spec.txt's padding-spec.txt command
// table as adapted here: Start=1 negotiated, anything else is a refusal.
func ParseNegotiated(payload []byte) (accepted bool, err error) {
	if len(payload) < 2 {
		return false, fmt.Errorf("padding negotiated payload too short: %d", len(payload))
	}
	return payload[1] == negotiateCommandStart, nil
}
