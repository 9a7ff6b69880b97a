// Package circuit provides circuit management for the Tor protocol.
// Circuits are paths through the Tor network used to route traffic.
package circuit

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1" // #nosec G505 - SHA-1 required by Tor protocol (tor-spec.txt §6.1)
	"crypto/subtle"
	"encoding"
	"encoding/binary"
	"fmt"
	"hash"
	"sync"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/cell"
	"github.com/cmyocyte/tor-wasm/pkg/congestion"
	"github.com/cmyocyte/tor-wasm/pkg/flowcontrol"
	"github.com/cmyocyte/tor-wasm/pkg/shaping"
)

// ClientCircIDBit is set on every client-originated circuit ID under link
// protocol 4 and later, distinguishing the two sides' allocations.
const ClientCircIDBit uint32 = 0x80000000

// MaxRelayEarlyCells caps how many RELAY_EARLY cells a circuit may emit;
// relays enforce the same bound and kill circuits that exceed it.
const MaxRelayEarlyCells = 8

// newAESCTRStream builds an AES-CTR keystream with the given key and IV,
// the long-lived per-hop cipher whose counter runs for the circuit's life.
func newAESCTRStream(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

// State represents the current state of a circuit
type State int

const (
	// StateBuilding indicates the circuit is being built
	StateBuilding State = iota
	// StateOpen indicates the circuit is ready for use
	StateOpen
	// StateClosed indicates the circuit has been closed
	StateClosed
	// StateFailed indicates the circuit failed to build or operate
	StateFailed
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateBuilding:
		return "BUILDING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Circuit represents a Tor circuit
type Circuit struct {
	ID               uint32
	State            State
	CreatedAt        time.Time
	Hops             []*Hop
	IsolationKey     string // Isolation key the circuit cache filed this circuit under
	conn             interface{}   // Connection to the entry guard (interface{} to avoid circular import)
	mu               sync.RWMutex
	paddingEnabled   bool          // SPEC-002: Enable/disable circuit padding
	paddingInterval  time.Duration // SPEC-002: Interval for padding cells
	lastPaddingTime  time.Time     // SPEC-002: Last time a padding cell was sent
	lastActivityTime time.Time     // SPEC-002: Last time any cell was sent/received
	// Stream protocol support
	relayReceiveChan chan *cell.RelayCell // Channel for receiving relay cells
	// Flow control per tor-spec.txt §7.4
	flowWindow     *flowcontrol.Window // Circuit-level flow control (tor-spec.txt §7.4)
	congestion     *congestion.Controller
	sendmeSent     int // Count of SENDME cells sent
	// SECURITY-001: Replay protection per tor-spec.txt
	replayProtection *cell.ReplayProtection // Replay protection for cells
	// RELAY_EARLY budget; relays tear down circuits that exceed it
	relayEarlySent int
	// Optional traffic shaping applied in front of the channel writer
	shaper *shaping.Shaper
	// Digest mismatch escalation: first is logged and dropped, second
	// tears the circuit down
	digestMismatches int
}

// Hop represents a single hop in a circuit (one relay)
type Hop struct {
	Fingerprint string // Router fingerprint
	Address     string // Router address (IP:port)
	IsGuard     bool   // Whether this is a guard node
	IsExit      bool   // Whether this is an exit node

	// Cryptographic state for this hop (per tor-spec.txt §5.2)
	// These are derived from the key material during circuit extension
	ForwardCipher  cipher.Stream // AES-CTR cipher for encrypting cells (client→relay)
	BackwardCipher cipher.Stream // AES-CTR cipher for decrypting cells (relay→client)
	ForwardDigest  hash.Hash     // SHA-1 running digest for forward direction
	BackwardDigest hash.Hash     // SHA-1 running digest for backward direction
}

// NewHop creates a new hop with the given parameters
func NewHop(fingerprint, address string, isGuard, isExit bool) *Hop {
	return &Hop{
		Fingerprint: fingerprint,
		Address:     address,
		IsGuard:     isGuard,
		IsExit:      isExit,
	}
}

// SetCryptoState sets the cryptographic state for this hop
// This should be called after circuit extension when key material is derived
func (h *Hop) SetCryptoState(forwardCipher, backwardCipher cipher.Stream, forwardDigest, backwardDigest hash.Hash) {
	h.ForwardCipher = forwardCipher
	h.BackwardCipher = backwardCipher
	h.ForwardDigest = forwardDigest
	h.BackwardDigest = backwardDigest
}

// hopKeys is the subset of crypto.CircuitKeys needed to build a hop's crypto
// state, declared locally to avoid importing pkg/crypto's concrete type
// into this file's public surface.
type hopKeys interface {
	ForwardDigestSeed() []byte
	BackwardDigestSeed() []byte
	ForwardCipherKey() []byte
	BackwardCipherKey() []byte
}

// NewHopWithKeys builds a hop and derives its AES-128-CTR ciphers (IV reset
// to zero, matching tor-spec.txt §5.2.2: the cipher is seeded once per hop
// and its counter runs for the life of the circuit) and SHA-1 running
// digests (seeded with Df/Db before any cell data, per §6.1) from a
// completed ntor key expansion.
func NewHopWithKeys(fingerprint, address string, isGuard, isExit bool, keys hopKeys) (*Hop, error) {
	hop := NewHop(fingerprint, address, isGuard, isExit)

	zeroIV := make([]byte, 16)
	fwdBlock, err := newAESCTRStream(keys.ForwardCipherKey(), zeroIV)
	if err != nil {
		return nil, fmt.Errorf("failed to build forward cipher: %w", err)
	}
	bwdBlock, err := newAESCTRStream(keys.BackwardCipherKey(), zeroIV)
	if err != nil {
		return nil, fmt.Errorf("failed to build backward cipher: %w", err)
	}

	fwdDigest := sha1.New() // #nosec G401
	fwdDigest.Write(keys.ForwardDigestSeed())
	bwdDigest := sha1.New() // #nosec G401
	bwdDigest.Write(keys.BackwardDigestSeed())

	hop.SetCryptoState(fwdBlock, bwdBlock, fwdDigest, bwdDigest)
	return hop, nil
}

// NewCircuit creates a new circuit with the given ID
func NewCircuit(id uint32) *Circuit {
	now := time.Now()
	return &Circuit{
		ID:               id,
		State:            StateBuilding,
		CreatedAt:        now,
		Hops:             make([]*Hop, 0, 3),             // Typical circuit has 3 hops
		IsolationKey:     "",                             // Keyed by the cache on insertion
		conn:             nil,                            // Connection set later
		paddingEnabled:   true,                           // SPEC-002: Enable padding by default
		paddingInterval:  5 * time.Second,                // SPEC-002: Default 5-second padding interval
		lastPaddingTime:  now,                            // SPEC-002: Initialize padding timer
		lastActivityTime: now,                            // SPEC-002: Initialize activity timer
		relayReceiveChan: make(chan *cell.RelayCell, 32), // Buffer for incoming relay cells
		flowWindow:       flowcontrol.NewCircuitWindow(), // tor-spec.txt §7.4: Initial circuit window is 1000
		congestion:       congestion.NewController(congestion.ModeVegas),
		sendmeSent:       0,                              // No SENDME cells sent yet
		replayProtection: cell.NewReplayProtection(),     // SECURITY-001: Initialize replay protection
	}
}

// AddHop adds a hop to the circuit
func (c *Circuit) AddHop(hop *Hop) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State != StateBuilding {
		return fmt.Errorf("cannot add hop to circuit in state %s", c.State)
	}

	c.Hops = append(c.Hops, hop)
	return nil
}

// SetState sets the circuit state
func (c *Circuit) SetState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.State = state
}

// GetState returns the current circuit state
func (c *Circuit) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.State
}

// Length returns the number of hops in the circuit
func (c *Circuit) Length() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Hops)
}

// IsReady returns true if the circuit is ready for use
func (c *Circuit) IsReady() bool {
	return c.GetState() == StateOpen
}

// Age returns how long the circuit has existed
func (c *Circuit) Age() time.Duration {
	return time.Since(c.CreatedAt)
}

// Manager manages a collection of circuits
type Manager struct {
	circuits map[uint32]*Circuit
	nextID   uint32
	mu       sync.RWMutex
	closed   bool
}

// NewManager creates a new circuit manager
func NewManager() *Manager {
	return &Manager{
		circuits: make(map[uint32]*Circuit),
		nextID:   1, // Circuit ID 0 is reserved
	}
}

// CreateCircuit creates a new circuit and returns its ID
func (m *Manager) CreateCircuit() (*Circuit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("manager is closed")
	}

	// Find an unused circuit ID. The high bit marks the ID as
	// client-originated on link protocol >= 4.
	id := m.nextID
	for {
		if _, exists := m.circuits[id|ClientCircIDBit]; !exists {
			break
		}
		id++
		if id == 0 || id&ClientCircIDBit != 0 {
			id = 1 // Skip 0 and stay below the marker bit
		}
		if id == m.nextID {
			return nil, fmt.Errorf("no available circuit IDs")
		}
	}

	m.nextID = id + 1
	if m.nextID == 0 || m.nextID&ClientCircIDBit != 0 {
		m.nextID = 1
	}

	circuit := NewCircuit(id | ClientCircIDBit)
	m.circuits[id|ClientCircIDBit] = circuit
	return circuit, nil
}

// GetCircuit returns a circuit by ID
func (m *Manager) GetCircuit(id uint32) (*Circuit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	circuit, exists := m.circuits[id]
	if !exists {
		return nil, fmt.Errorf("circuit %d not found", id)
	}
	return circuit, nil
}

// CloseCircuit closes a circuit
func (m *Manager) CloseCircuit(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	circuit, exists := m.circuits[id]
	if !exists {
		return fmt.Errorf("circuit %d not found", id)
	}

	circuit.SetState(StateClosed)
	delete(m.circuits, id)
	return nil
}

// ListCircuits returns a list of all circuit IDs
func (m *Manager) ListCircuits() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uint32, 0, len(m.circuits))
	for id := range m.circuits {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of active circuits
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.circuits)
}

// Close closes all circuits and shuts down the manager gracefully
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("manager already closed")
	}

	// Mark as closed to prevent new circuits
	m.closed = true

	// Close all circuits
	for id, circuit := range m.circuits {
		circuit.SetState(StateClosed)
		delete(m.circuits, id)
	}

	return nil
}

// IsClosed returns true if the manager has been closed
func (m *Manager) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// SPEC-002: Circuit padding configuration and control
// These methods provide infrastructure for enhanced circuit padding per padding-spec.txt
// Current implementation provides basic padding support with hooks for future adaptive padding

// SetPaddingEnabled enables or disables circuit padding (SPEC-002)
// When enabled, circuits will send PADDING cells according to padding policy
func (c *Circuit) SetPaddingEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paddingEnabled = enabled
}

// IsPaddingEnabled returns whether padding is enabled for this circuit (SPEC-002)
func (c *Circuit) IsPaddingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paddingEnabled
}

// SetPaddingInterval sets the interval for padding cells (SPEC-002)
// interval: time between padding cells (0 = adaptive/traffic-based)
// This provides infrastructure for implementing adaptive padding per padding-spec.txt
func (c *Circuit) SetPaddingInterval(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paddingInterval = interval
}

// GetPaddingInterval returns the current padding interval (SPEC-002)
func (c *Circuit) GetPaddingInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paddingInterval
}

// ShouldSendPadding determines if a padding cell should be sent (SPEC-002)
// Implements basic time-based padding to improve traffic analysis resistance
// per tor-spec.txt §7.1 and padding-spec.txt
//
// Basic policy: Send padding if:
// 1. Padding is enabled
// 2. Circuit is open
// 3. paddingInterval has elapsed since last padding cell
// 4. No recent activity (prevents redundant padding during active use)
func (c *Circuit) ShouldSendPadding() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Basic policy: padding enabled and circuit is open
	if !c.paddingEnabled || c.State != StateOpen {
		return false
	}

	// If no interval configured (0), padding is disabled
	if c.paddingInterval == 0 {
		return false
	}

	now := time.Now()

	// Check if padding interval has elapsed since last padding
	timeSinceLastPadding := now.Sub(c.lastPaddingTime)
	if timeSinceLastPadding < c.paddingInterval {
		return false
	}

	// Don't send padding if there's been recent activity (within 80% of padding interval)
	// This prevents redundant padding when circuit is actively used
	activityThreshold := time.Duration(float64(c.paddingInterval) * 0.8)
	timeSinceActivity := now.Sub(c.lastActivityTime)
	if timeSinceActivity < activityThreshold {
		return false
	}

	return true
}

// RecordPaddingSent updates the last padding time (SPEC-002)
// Should be called after successfully sending a padding cell
func (c *Circuit) RecordPaddingSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPaddingTime = time.Now()
}

// RecordActivity updates the last activity time (SPEC-002)
// Should be called when sending or receiving non-padding cells
func (c *Circuit) RecordActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityTime = time.Now()
}

// SetIsolationKey sets the isolation key for this circuit
func (c *Circuit) SetIsolationKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.IsolationKey = key
}

// GetIsolationKey returns the isolation key for this circuit
func (c *Circuit) GetIsolationKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.IsolationKey
}

// Connection returns the underlying connection handle, or nil before one
// is set.
func (c *Circuit) Connection() interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// SetConnection sets the underlying connection for this circuit
// conn should be a *connection.Connection, but we use interface{} to avoid circular imports
func (c *Circuit) SetConnection(conn interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// encryptForward encrypts a relay cell payload with each hop's forward cipher
// This implements the onion encryption per tor-spec.txt §6.1
// Layers are applied in reverse order (exit -> middle -> guard) so the guard removes the first layer and the exit the last
func (c *Circuit) encryptForward(payload []byte) []byte {
	c.mu.RLock()
	hops := c.Hops
	c.mu.RUnlock()

	// Make a copy to avoid modifying the original
	encrypted := make([]byte, len(payload))
	copy(encrypted, payload)

	// Encrypt with each hop's cipher in reverse order (exit -> middle -> guard)
	// Each hop will decrypt one layer, like peeling an onion
	for i := len(hops) - 1; i >= 0; i-- {
		hop := hops[i]
		if hop.ForwardCipher != nil {
			// XOR with the cipher stream (AES-CTR encryption)
			hop.ForwardCipher.XORKeyStream(encrypted, encrypted)
		}
	}

	return encrypted
}

// decryptBackward decrypts a relay cell payload from the circuit
// This implements the onion decryption per tor-spec.txt §6.1
// Layers are removed in forward order (guard -> middle -> exit)
func (c *Circuit) decryptBackward(payload []byte) []byte {
	c.mu.RLock()
	hops := c.Hops
	c.mu.RUnlock()

	// Make a copy to avoid modifying the original
	decrypted := make([]byte, len(payload))
	copy(decrypted, payload)

	// Decrypt with each hop's cipher in forward order (guard -> middle -> exit)
	// We receive the cell from the guard, which is the last to encrypt (first to decrypt)
	for _, hop := range hops {
		if hop.BackwardCipher != nil {
			// XOR with the cipher stream (AES-CTR decryption)
			hop.BackwardCipher.XORKeyStream(decrypted, decrypted)
		}
	}

	return decrypted
}

// verifyRelayCellDigest verifies the digest of an incoming relay cell
// Returns the hop index that recognized the cell, or -1 if unrecognized
func (c *Circuit) verifyRelayCellDigest(payload []byte) (int, error) {
	c.mu.RLock()
	hops := c.Hops
	c.mu.RUnlock()

	if len(payload) < 11 {
		return -1, fmt.Errorf("relay cell payload too short: %d < 11", len(payload))
	}

	// Extract the digest from the cell (bytes 5-8)
	var cellDigest [4]byte
	copy(cellDigest[:], payload[5:9])

	// Check if this cell is recognized by any hop
	// A cell is "recognized" if:
	// 1. The digest matches the hop's running backward digest
	// 2. The "recognized" field is zero (bytes 1-2)

	recognized := binary.BigEndian.Uint16(payload[1:3])
	if recognized != 0 {
		return -1, nil
	}

	// The expected digest covers the whole 509-byte buffer including this
	// cell, so each probe must feed the cell into the running hash and, on
	// mismatch, restore the prior state before trying the next hop.
	cellCopy := make([]byte, len(payload))
	copy(cellCopy, payload)
	cellCopy[5] = 0
	cellCopy[6] = 0
	cellCopy[7] = 0
	cellCopy[8] = 0

	for hopIdx, hop := range hops {
		if hop.BackwardDigest == nil {
			continue
		}

		marshaler, ok := hop.BackwardDigest.(encoding.BinaryMarshaler)
		if !ok {
			return -1, fmt.Errorf("backward digest does not support state snapshot")
		}
		snapshot, err := marshaler.MarshalBinary()
		if err != nil {
			return -1, fmt.Errorf("failed to snapshot backward digest: %w", err)
		}

		if _, err := hop.BackwardDigest.Write(cellCopy); err != nil {
			return -1, fmt.Errorf("failed to update backward digest: %w", err)
		}
		expectedSum := hop.BackwardDigest.Sum(nil)

		if subtle.ConstantTimeCompare(expectedSum[:4], cellDigest[:]) == 1 {
			// Recognized: the hash just taken is the new running state.
			return hopIdx, nil
		}

		// Not this hop: roll the running state back.
		unmarshaler := hop.BackwardDigest.(encoding.BinaryUnmarshaler)
		if err := unmarshaler.UnmarshalBinary(snapshot); err != nil {
			return -1, fmt.Errorf("failed to restore backward digest: %w", err)
		}
	}

	// No hop recognized this cell - might be for a stream we don't have
	// or an error condition
	return -1, nil
}

// decrementPackageWindow decrements the circuit-level package (send) window
// via the shared flowcontrol.Window (tor-spec.txt §7.3).
func (c *Circuit) decrementPackageWindow() error {
	return c.flowWindow.OnSend()
}

// incrementPackageWindow replenishes the circuit-level package window.
// Called when we receive a circuit-level SENDME cell.
func (c *Circuit) incrementPackageWindow() {
	c.flowWindow.OnSendmeReceived()
	if c.congestion != nil {
		c.congestion.OnSendme()
	}
}

// decrementDeliverWindow decrements the circuit-level deliver (receive)
// window and reports whether a SENDME must now be emitted (the window hit
// zero and was reset by flowWindow.OnReceived, tor-spec.txt §7.4).
func (c *Circuit) decrementDeliverWindow() (sendSendme bool) {
	return c.flowWindow.OnReceived()
}

// sendCircuitSendme sends a circuit-level SENDME cell.
func (c *Circuit) sendCircuitSendme() error {
	c.mu.Lock()
	c.sendmeSent++
	c.mu.Unlock()

	// Send SENDME cell (stream ID 0 indicates circuit-level)
	sendmeCell := cell.NewRelayCell(0, cell.RelaySendme, []byte{})
	return c.SendRelayCell(sendmeCell)
}

// SendRelayCell sends a relay cell through the circuit
// This encrypts the relay cell with per-hop cryptography and sends it through the connection
func (c *Circuit) SendRelayCell(relayCell *cell.RelayCell) error {
	return c.sendRelay(relayCell, false)
}

// SendRelayEarly sends a relay cell in a RELAY_EARLY outer cell, the
// framing circuit-extension cells must use. Enforces the per-circuit
// RELAY_EARLY budget.
func (c *Circuit) SendRelayEarly(relayCell *cell.RelayCell) error {
	return c.sendRelay(relayCell, true)
}

func (c *Circuit) sendRelay(relayCell *cell.RelayCell, early bool) error {
	// Check flow control for DATA cells
	// Per tor-spec.txt §7.4, only DATA cells count against the package window
	if relayCell.Command == cell.RelayData {
		if err := c.decrementPackageWindow(); err != nil {
			return fmt.Errorf("flow control: %w", err)
		}
		if c.congestion != nil {
			c.congestion.OnCellSent()
		}
	}

	c.mu.Lock()
	conn := c.conn
	state := c.State
	hops := c.Hops
	if early {
		if c.relayEarlySent >= MaxRelayEarlyCells {
			c.mu.Unlock()
			return fmt.Errorf("RELAY_EARLY budget exhausted: %d cells sent", c.relayEarlySent)
		}
		c.relayEarlySent++
	}
	c.mu.Unlock()

	// Extension cells flow while the circuit is still building.
	if state != StateOpen && state != StateBuilding {
		return fmt.Errorf("circuit not open: state=%s", state)
	}

	if conn == nil {
		return fmt.Errorf("circuit has no connection")
	}

	// Encode the relay cell (digest field will be zeroed initially)
	payload, err := relayCell.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode relay cell: %w", err)
	}

	// Compute the digest for the exit hop (last hop in the circuit)
	// Per tor-spec.txt §6.1, each hop maintains its own running digest
	if len(hops) > 0 {
		exitHop := hops[len(hops)-1]
		if exitHop.ForwardDigest != nil {
			// Create a copy with digest zeroed for digest computation
			cellCopy := make([]byte, len(payload))
			copy(cellCopy, payload)
			cellCopy[5] = 0
			cellCopy[6] = 0
			cellCopy[7] = 0
			cellCopy[8] = 0

			// Update the exit hop's forward digest
			if _, err := exitHop.ForwardDigest.Write(cellCopy); err != nil {
				return fmt.Errorf("failed to update forward digest: %w", err)
			}

			// Get the digest and set it in the payload
			digestSum := exitHop.ForwardDigest.Sum(nil)
			payload[5] = digestSum[0]
			payload[6] = digestSum[1]
			payload[7] = digestSum[2]
			payload[8] = digestSum[3]
		}
	}

	// Encrypt the payload with per-hop cryptography (onion encryption)
	// Each hop will decrypt one layer
	encryptedPayload := c.encryptForward(payload)

	// Create a RELAY (or RELAY_EARLY) cell with the encrypted payload
	command := cell.CmdRelay
	if early {
		command = cell.CmdRelayEarly
	}
	cellToSend := &cell.Cell{
		CircID:  c.ID,
		Command: command,
		Payload: encryptedPayload,
	}

	// Send through connection (type assert to interface with SendCell method)
	type cellSender interface {
		SendCell(*cell.Cell) error
	}
	sender, ok := conn.(cellSender)
	if !ok {
		return fmt.Errorf("connection does not support SendCell")
	}

	c.mu.RLock()
	shaper := c.shaper
	c.mu.RUnlock()
	if shaper != nil {
		if d := shaper.ExtraDelay(); d > 0 {
			time.Sleep(d)
		}
	}

	if err := sender.SendCell(cellToSend); err != nil {
		return fmt.Errorf("failed to send cell: %w", err)
	}

	if shaper != nil {
		shaper.OnActivity(time.Now())
		if shaper.ShouldInjectPadding() {
			padding := &cell.Cell{CircID: 0, Command: cell.CmdPadding}
			if err := sender.SendCell(padding); err != nil {
				return fmt.Errorf("failed to send shaping padding cell: %w", err)
			}
		}
	}

	// Record activity
	c.RecordActivity()

	return nil
}

// SetShaper installs an optional traffic shaper in front of the circuit's
// channel writer.
func (c *Circuit) SetShaper(s *shaping.Shaper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shaper = s
}

// ReceiveRelayCell receives a relay cell from the circuit
// This blocks until a relay cell is received or the context is cancelled
func (c *Circuit) ReceiveRelayCell(ctx context.Context) (*cell.RelayCell, error) {
	select {
	case relayCell := <-c.relayReceiveChan:
		return relayCell, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReceiveRelayCellTimeout receives a relay cell with a timeout
func (c *Circuit) ReceiveRelayCellTimeout(timeout time.Duration) (*cell.RelayCell, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.ReceiveRelayCell(ctx)
}

// DecryptIncoming peels the onion layers off an incoming RELAY or
// RELAY_EARLY cell, verifies the running digest, and decodes the inner
// relay cell. Returns (nil, nil) for a cell no hop recognizes: the first
// such mismatch is dropped, the second tears the circuit down.
func (c *Circuit) DecryptIncoming(cellData *cell.Cell) (*cell.RelayCell, error) {
	if cellData.CircID != c.ID {
		return nil, fmt.Errorf("circuit ID mismatch: expected %d, got %d", c.ID, cellData.CircID)
	}

	// Decrypt the relay cell with per-hop cryptography (onion decryption)
	// Each hop decrypts one layer
	decryptedPayload := c.decryptBackward(cellData.Payload)

	// SECURITY-001: Validate against replay attacks before processing
	// We check the decrypted payload to ensure the same cell content isn't replayed
	if c.replayProtection != nil {
		// Get next sequence for backward direction
		c.mu.Lock()
		seqNum := c.replayProtection.GetNextSequence(cell.ReplayBackward)
		err := c.replayProtection.ValidateAndTrack(cell.ReplayBackward, seqNum, decryptedPayload)
		c.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("replay protection: %w", err)
		}
	}

	// Verify which hop recognizes this cell
	hopIdx, err := c.verifyRelayCellDigest(decryptedPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to verify relay cell digest: %w", err)
	}

	if hopIdx < 0 {
		// No hop recognizes this cell: its digest does not match any
		// running state. Drop the first; a second within the same circuit
		// means the circuit is broken and must come down.
		c.mu.Lock()
		c.digestMismatches++
		mismatches := c.digestMismatches
		c.mu.Unlock()
		if mismatches >= 2 {
			c.SetState(StateClosed)
			return nil, fmt.Errorf("repeated relay cell digest mismatch: circuit closed")
		}
		return nil, nil
	}

	// Decode the relay cell
	relayCell, err := cell.DecodeRelayCell(decryptedPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode relay cell: %w", err)
	}
	return relayCell, nil
}

// HandleInbound decrypts an incoming RELAY/RELAY_EARLY cell and applies
// circuit-level flow control. Returns the inner relay cell for the caller
// to route, or nil when the cell was consumed at circuit level (a
// circuit-level SENDME) or dropped (unrecognized).
func (c *Circuit) HandleInbound(cellData *cell.Cell) (*cell.RelayCell, error) {
	relayCell, err := c.DecryptIncoming(cellData)
	if err != nil {
		return nil, err
	}
	if relayCell == nil {
		// Unrecognized cell, dropped
		return nil, nil
	}

	// Handle flow control per tor-spec.txt §7.4
	switch relayCell.Command {
	case cell.RelayData:
		// DATA cells count against our deliver window
		if c.decrementDeliverWindow() {
			// Window hit zero and was reset; emit SENDME in the
			// background so delivery doesn't block on the write.
			go func() {
				_ = c.sendCircuitSendme()
			}()
		}

	case cell.RelaySendme:
		// SENDME cell increments our package window
		if relayCell.StreamID == 0 {
			// Circuit-level SENDME, consumed here
			c.incrementPackageWindow()
			c.RecordActivity()
			return nil, nil
		}
		// Stream-level SENDME - routed to the stream's owner
	}

	// Record activity
	c.RecordActivity()
	return relayCell, nil
}

// QueueRelayCell pushes an already-decrypted relay cell onto the circuit's
// receive channel, where ReceiveRelayCell picks it up. Circuit-addressed
// replies like RELAY_RESOLVED arrive this way; stream-addressed cells go
// to the scheduler instead.
func (c *Circuit) QueueRelayCell(relayCell *cell.RelayCell) error {
	// Deliver to receive channel (non-blocking with timeout)
	select {
	case c.relayReceiveChan <- relayCell:
		return nil
	case <-time.After(100 * time.Millisecond):
		return fmt.Errorf("relay receive channel full or blocked")
	}
}

// DeliverRelayCell delivers a relay cell to this circuit (called by connection layer)
// This decrypts the cell, verifies the digest, handles flow control, and pushes it to the receive channel
func (c *Circuit) DeliverRelayCell(cellData *cell.Cell) error {
	relayCell, err := c.HandleInbound(cellData)
	if err != nil {
		return err
	}
	if relayCell == nil {
		return nil
	}
	return c.QueueRelayCell(relayCell)
}

// SECURITY-001: Replay protection methods

// GetReplayStats returns replay protection statistics for this circuit.
// This is useful for monitoring and debugging replay detection.
func (c *Circuit) GetReplayStats() cell.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.replayProtection == nil {
		return cell.Stats{}
	}
	return c.replayProtection.Stats()
}

// GetReplayAttempts returns the total number of detected replay attempts.
func (c *Circuit) GetReplayAttempts() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.replayProtection == nil {
		return 0
	}
	return c.replayProtection.TotalReplayAttempts()
}

// ValidateCellForReplay validates a cell against replay attacks.
// This is called during cell processing to detect replayed cells.
// direction: cell.ReplayForward for outgoing, cell.ReplayBackward for incoming
func (c *Circuit) ValidateCellForReplay(direction cell.ReplayDirection, cellData []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.replayProtection == nil {
		return nil // Replay protection not initialized (shouldn't happen)
	}

	// Get the next sequence number for this direction
	seqNum := c.replayProtection.GetNextSequence(direction)

	// Validate and track the cell
	return c.replayProtection.ValidateAndTrack(direction, seqNum, cellData)
}

// ResetReplayProtection resets the replay protection state.
// This should be called when the circuit is torn down or when
// a new circuit is established on the same Circuit object.
func (c *Circuit) ResetReplayProtection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.replayProtection != nil {
		c.replayProtection.Reset()
	}
}
