// Package circuit provides circuit extension functionality for the Tor protocol.
package circuit

import (
	"encoding/binary"
	"fmt"

	"github.com/cmyocyte/tor-wasm/pkg/cell"
	"github.com/cmyocyte/tor-wasm/pkg/crypto"
	"github.com/cmyocyte/tor-wasm/pkg/logger"
	"github.com/cmyocyte/tor-wasm/pkg/security"
)

// HandshakeType defines the type of circuit handshake to use
type HandshakeType uint16

const (
	// HandshakeTypeNTor is the ntor handshake, the only one this module supports.
	HandshakeTypeNTor HandshakeType = 0x0002
)

// RelayKeys is the subset of a directory.Relay needed to target an ntor
// handshake at it. Declared here instead of imported to avoid a dependency
// cycle between pkg/circuit and pkg/directory.
type RelayKeys interface {
	GetIdentityKey() []byte
	GetNtorOnionKey() []byte
}

// Extension drives CREATE2/EXTEND2 handshakes when building or growing a
// circuit one hop at a time.
type Extension struct {
	circuit       *Circuit
	logger        *logger.Logger
	targetRelay   RelayKeys
	targetAddress string
	targetIsGuard bool
	targetIsExit  bool
	pending       *crypto.NtorClientHandshake
}

// NewExtension creates a new circuit extension handler
func NewExtension(circuit *Circuit, log *logger.Logger) *Extension {
	if log == nil {
		log = logger.NewDefault()
	}

	return &Extension{
		circuit: circuit,
		logger:  log.Component("extension"),
	}
}

// SetTargetRelay sets the relay this extension will hand shake with next.
func (e *Extension) SetTargetRelay(relay RelayKeys) {
	e.targetRelay = relay
	e.targetAddress = ""
	e.targetIsGuard = false
	e.targetIsExit = false
}

// SetTargetInfo records the position details of the next hop so the
// completed handshake installs them on the circuit.
func (e *Extension) SetTargetInfo(address string, isGuard, isExit bool) {
	e.targetAddress = address
	e.targetIsGuard = isGuard
	e.targetIsExit = isExit
}

// BuildCreate2Payload builds the CREATE2 cell payload for the first hop of a
// circuit: HTYPE || HLEN || HDATA, with HDATA the 84-byte ntor CREATE2 body.
// The ephemeral handshake state is retained so Complete can finish it once
// the relay's CREATED2 response arrives.
func (e *Extension) BuildCreate2Payload() ([]byte, error) {
	identity, ntorKey, err := e.relayKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to read relay keys: %w", err)
	}

	handshake, err := crypto.NewNtorClientHandshake()
	if err != nil {
		return nil, fmt.Errorf("failed to start ntor handshake: %w", err)
	}
	e.pending = handshake

	var id [20]byte
	var key [32]byte
	copy(id[:], identity)
	copy(key[:], ntorKey)
	handshakeData := handshake.CreateHandshakeData(id, key)

	hlen, err := security.SafeLenToUint16(handshakeData)
	if err != nil {
		return nil, fmt.Errorf("handshake data too large: %w", err)
	}

	payload := make([]byte, 2+2+len(handshakeData))
	binary.BigEndian.PutUint16(payload[0:2], uint16(HandshakeTypeNTor))
	binary.BigEndian.PutUint16(payload[2:4], hlen)
	copy(payload[4:], handshakeData)

	return payload, nil
}

// BuildExtend2Payload builds the NSPEC/link-specifier/HTYPE/HLEN/HDATA body
// of a RELAY_EXTEND2 cell that asks the last hop to extend the circuit to
// target (an "address:port" string) using the handshake keys of nextRelay.
func (e *Extension) BuildExtend2Payload(target string, nextRelay RelayKeys) ([]byte, error) {
	e.SetTargetRelay(nextRelay)

	handshake, err := crypto.NewNtorClientHandshake()
	if err != nil {
		return nil, fmt.Errorf("failed to start ntor handshake: %w", err)
	}
	e.pending = handshake

	var id [20]byte
	var key [32]byte
	copy(id[:], nextRelay.GetIdentityKey())
	copy(key[:], nextRelay.GetNtorOnionKey())
	handshakeData := handshake.CreateHandshakeData(id, key)

	data, err := buildLinkSpecifiers(target, nextRelay.GetIdentityKey(), HandshakeTypeNTor, handshakeData)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("built EXTEND2 payload", "circuit_id", e.circuit.ID, "target", target)
	return data, nil
}

// buildLinkSpecifiers assembles the EXTEND2 body: NSPEC, an IPv4 link
// specifier naming the address:port, a legacy RSA identity specifier so the
// extending relay can authenticate its next hop, and HTYPE/HLEN/HDATA.
func buildLinkSpecifiers(target string, identity []byte, handshakeType HandshakeType, handshakeData []byte) ([]byte, error) {
	addr, port, err := parseHostPort(target)
	if err != nil {
		return nil, err
	}
	if len(identity) != 20 {
		return nil, fmt.Errorf("invalid identity fingerprint length: %d", len(identity))
	}

	data := make([]byte, 0, 32+len(handshakeData))
	data = append(data, 2) // NSPEC: IPv4 + legacy identity

	// Link specifier type 0: TLS-over-TCP, IPv4 address || port
	data = append(data, 0, 6)
	data = append(data, addr[:]...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	data = append(data, portBytes...)

	// Link specifier type 2: legacy RSA identity fingerprint (SHA-1)
	data = append(data, 2, 20)
	data = append(data, identity...)

	htypeBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(htypeBytes, uint16(handshakeType))
	data = append(data, htypeBytes...)

	hlen, err := security.SafeLenToUint16(handshakeData)
	if err != nil {
		return nil, fmt.Errorf("handshake data too large: %w", err)
	}
	hlenBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(hlenBytes, hlen)
	data = append(data, hlenBytes...)
	data = append(data, handshakeData...)

	return data, nil
}

// parseHostPort parses "a.b.c.d:port" into a 4-byte IPv4 address and port.
func parseHostPort(target string) (addr [4]byte, port uint16, err error) {
	var a, b, c, d int
	var p int
	n, scanErr := fmt.Sscanf(target, "%d.%d.%d.%d:%d", &a, &b, &c, &d, &p)
	if scanErr != nil || n != 5 {
		return addr, 0, fmt.Errorf("invalid IPv4 target %q: %w", target, scanErr)
	}
	addr = [4]byte{byte(a), byte(b), byte(c), byte(d)}
	return addr, uint16(p), nil
}

// relayKeys reads the target relay's identity and ntor onion key.
func (e *Extension) relayKeys() (identityKey, ntorKey []byte, err error) {
	if e.targetRelay == nil {
		return nil, nil, fmt.Errorf("no target relay set")
	}
	identityKey = e.targetRelay.GetIdentityKey()
	ntorKey = e.targetRelay.GetNtorOnionKey()
	if len(identityKey) < 20 {
		return nil, nil, fmt.Errorf("invalid identity key length: %d", len(identityKey))
	}
	if len(ntorKey) != 32 {
		return nil, nil, fmt.Errorf("invalid ntor key length: %d", len(ntorKey))
	}
	return identityKey, ntorKey, nil
}

// ProcessCreated2 completes the pending ntor handshake against a CREATED2
// cell and installs the resulting per-hop crypto state on the circuit.
func (e *Extension) ProcessCreated2(created2Cell *cell.Cell, identity [20]byte, ntorKey [32]byte) error {
	if created2Cell.Command != cell.CmdCreated2 {
		return fmt.Errorf("expected CREATED2 cell, got %s", created2Cell.Command)
	}
	return e.completeHandshake(created2Cell.Payload, identity, ntorKey)
}

// ProcessExtended2 completes the pending ntor handshake against an
// EXTENDED2 relay cell, the same response shape as CREATED2.
func (e *Extension) ProcessExtended2(extended2Cell *cell.RelayCell, identity [20]byte, ntorKey [32]byte) error {
	if extended2Cell.Command != cell.RelayExtended2 {
		return fmt.Errorf("expected RELAY_EXTENDED2 cell, got %d", extended2Cell.Command)
	}
	return e.completeHandshake(extended2Cell.Data, identity, ntorKey)
}

func (e *Extension) completeHandshake(payload []byte, identity [20]byte, ntorKey [32]byte) error {
	if e.pending == nil {
		return fmt.Errorf("no pending handshake to complete")
	}
	if len(payload) < 2 {
		return fmt.Errorf("handshake response payload too short")
	}
	hlen := binary.BigEndian.Uint16(payload[0:2])
	if len(payload) < int(2+hlen) {
		return fmt.Errorf("handshake response payload incomplete")
	}
	response := payload[2 : 2+hlen]

	keySeed, err := e.pending.Complete(response, identity, ntorKey)
	e.pending.Zeroize()
	e.pending = nil
	if err != nil {
		return fmt.Errorf("ntor handshake verification failed: %w", err)
	}

	keys, err := crypto.DeriveCircuitKeys(keySeed)
	for i := range keySeed {
		keySeed[i] = 0
	}
	if err != nil {
		return fmt.Errorf("key expansion failed: %w", err)
	}
	defer keys.Zeroize()

	hop, err := NewHopWithKeys(e.targetRelayFingerprint(), e.targetAddress, e.targetIsGuard, e.targetIsExit, keys)
	if err != nil {
		return fmt.Errorf("failed to build hop crypto state: %w", err)
	}
	if err := e.circuit.AddHop(hop); err != nil {
		return fmt.Errorf("failed to add hop: %w", err)
	}

	e.logger.Info("handshake completed", "circuit_id", e.circuit.ID, "hop_count", e.circuit.Length())
	return nil
}

func (e *Extension) targetRelayFingerprint() string {
	if r, ok := e.targetRelay.(interface{ Fingerprint() string }); ok {
		return r.Fingerprint()
	}
	return ""
}
