// Package protocol drives the link-layer handshake with the first-hop
// relay: VERSIONS negotiation under the legacy 2-byte framing, the relay's
// CERTS / AUTH_CHALLENGE / NETINFO sequence, and our answering NETINFO.
// Circuit construction cannot start until this completes.
package protocol

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/cell"
	"github.com/cmyocyte/tor-wasm/pkg/certs"
	"github.com/cmyocyte/tor-wasm/pkg/connection"
	"github.com/cmyocyte/tor-wasm/pkg/errors"
	"github.com/cmyocyte/tor-wasm/pkg/logger"
	"github.com/cmyocyte/tor-wasm/pkg/security"
)

// Link protocol versions. Anything below 4 uses 2-byte circuit IDs and is
// rejected as a downgrade.
const (
	MinLinkProtocolVersion = 4
	MaxLinkProtocolVersion = 5

	// DefaultHandshakeTimeout bounds the whole link handshake.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Handshake performs the link protocol handshake on a connection.
type Handshake struct {
	conn              *connection.Connection
	negotiatedVersion int
	linkKeys          *certs.LinkKeys
	logger            *logger.Logger
	timeout           time.Duration
}

// NewHandshake creates a new handshake instance
func NewHandshake(conn *connection.Connection, log *logger.Logger) *Handshake {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handshake{
		conn:    conn,
		logger:  log.Component("link"),
		timeout: DefaultHandshakeTimeout,
	}
}

// SetTimeout overrides the handshake timeout.
func (h *Handshake) SetTimeout(timeout time.Duration) {
	h.timeout = timeout
}

// PerformHandshake runs the full link handshake: VERSIONS both ways (with
// downgrade rejection), then CERTS, AUTH_CHALLENGE and NETINFO from the
// relay, then our NETINFO. The relay's certificate chain is verified; a
// chain that fails to verify aborts the handshake.
func (h *Handshake) PerformHandshake(ctx context.Context) error {
	h.logger.Info("Starting link handshake")

	if err := h.sendVersions(); err != nil {
		return fmt.Errorf("failed to send VERSIONS: %w", err)
	}
	if err := h.receiveVersions(ctx); err != nil {
		return err
	}

	// CERTS, AUTH_CHALLENGE, NETINFO arrive in order, framed with the
	// negotiated 4-byte circuit IDs.
	certsCell, err := h.receiveCommand(ctx, cell.CmdCerts)
	if err != nil {
		return err
	}
	parsed, err := certs.ParseCertsCell(certsCell.Payload)
	if err != nil {
		return errors.HandshakeFailedError("malformed CERTS cell", err)
	}
	keys, err := certs.VerifyCertsCell(parsed, time.Now())
	if err != nil {
		return errors.CertificateError("relay certificate chain rejected", err)
	}
	h.linkKeys = keys

	if _, err := h.receiveCommand(ctx, cell.CmdAuthChallenge); err != nil {
		return err
	}
	if _, err := h.receiveCommand(ctx, cell.CmdNetinfo); err != nil {
		return err
	}
	if err := h.sendNetinfo(); err != nil {
		return fmt.Errorf("failed to send NETINFO: %w", err)
	}

	h.logger.Info("Link handshake complete", "version", h.negotiatedVersion)
	return nil
}

// sendVersions advertises link protocol versions 4 and 5 under the legacy
// 2-byte circuit ID framing, the only framing defined before negotiation.
func (h *Handshake) sendVersions() error {
	versions := []uint16{MinLinkProtocolVersion, MaxLinkProtocolVersion}

	payload := make([]byte, len(versions)*2)
	for i, v := range versions {
		payload[i*2] = byte(v >> 8)
		payload[i*2+1] = byte(v)
	}

	versionsCell := cell.NewCell(0, cell.CmdVersions)
	versionsCell.Payload = payload

	h.logger.Debug("Sending VERSIONS cell", "versions", versions)
	return h.conn.SendCellV2(versionsCell)
}

// receiveVersions parses the relay's VERSIONS reply and selects the highest
// mutually supported version. A highest shared version below 4 is a
// protocol downgrade and fails the handshake outright.
func (h *Handshake) receiveVersions(ctx context.Context) error {
	received, err := h.receiveV2(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive VERSIONS: %w", err)
	}
	if received.Command != cell.CmdVersions {
		return errors.UnexpectedCellError(fmt.Sprintf("expected VERSIONS, got %s", received.Command))
	}
	if len(received.Payload)%2 != 0 {
		return errors.ProtocolError(fmt.Sprintf("invalid VERSIONS payload length %d", len(received.Payload)), nil)
	}

	var remote []int
	for i := 0; i < len(received.Payload); i += 2 {
		remote = append(remote, int(received.Payload[i])<<8|int(received.Payload[i+1]))
	}
	h.logger.Debug("Received VERSIONS cell", "versions", remote)

	highest := 0
	for v := MaxLinkProtocolVersion; v >= MinLinkProtocolVersion; v-- {
		for _, r := range remote {
			if r == v {
				highest = v
				break
			}
		}
		if highest != 0 {
			break
		}
	}
	if highest == 0 {
		return errors.ProtocolError("downgrade", nil)
	}

	h.negotiatedVersion = highest
	h.logger.Info("Negotiated link protocol version", "version", highest)
	return nil
}

// receiveV2 reads one pre-negotiation cell, racing the handshake timeout.
func (h *Handshake) receiveV2(ctx context.Context) (*cell.Cell, error) {
	return h.receiveWith(ctx, h.conn.ReceiveCellV2)
}

// receiveCommand reads one post-negotiation cell and requires it to carry
// the expected command.
func (h *Handshake) receiveCommand(ctx context.Context, want cell.Command) (*cell.Cell, error) {
	received, err := h.receiveWith(ctx, h.conn.ReceiveCell)
	if err != nil {
		return nil, fmt.Errorf("failed to receive %s: %w", want, err)
	}
	if received.Command != want {
		return nil, errors.UnexpectedCellError(fmt.Sprintf("expected %s, got %s", want, received.Command))
	}
	h.logger.Debug("Received handshake cell", "command", received.Command)
	return received, nil
}

func (h *Handshake) receiveWith(ctx context.Context, recv func() (*cell.Cell, error)) (*cell.Cell, error) {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	cellCh := make(chan *cell.Cell, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := recv()
		if err != nil {
			errCh <- err
			return
		}
		cellCh <- c
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.TimeoutError("link handshake timed out", nil)
	case err := <-errCh:
		return nil, err
	case c := <-cellCh:
		return c, nil
	}
}

// sendNetinfo answers the relay's NETINFO: our timestamp, the relay's
// address as we see it, and zero addresses of our own (a client behind the
// transport helper has no meaningful address to declare).
func (h *Handshake) sendNetinfo() error {
	payload := make([]byte, 0, 16)

	now := time.Now()
	timestamp, err := security.SafeUnixToUint32(now)
	if err != nil {
		h.logger.Warn("Timestamp does not fit NETINFO field, sending 0", "error", err)
		timestamp = 0
	}
	payload = append(payload,
		byte(timestamp>>24), byte(timestamp>>16), byte(timestamp>>8), byte(timestamp))

	// Other address: the relay's IPv4 if we can parse it, else 0.0.0.0.
	other := net.IPv4zero.To4()
	if host, _, err := net.SplitHostPort(h.conn.Address()); err == nil {
		if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
			other = ip.To4()
		}
	}
	payload = append(payload, 0x04, 4)
	payload = append(payload, other...)

	// Zero addresses of our own.
	payload = append(payload, 0)

	netinfoCell := cell.NewCell(0, cell.CmdNetinfo)
	netinfoCell.Payload = payload

	h.logger.Debug("Sending NETINFO cell")
	return h.conn.SendCell(netinfoCell)
}

// NegotiatedVersion returns the negotiated protocol version
func (h *Handshake) NegotiatedVersion() int {
	return h.negotiatedVersion
}

// LinkKeys returns the relay's verified identity and signing keys, or nil
// before the handshake completes.
func (h *Handshake) LinkKeys() *certs.LinkKeys {
	return h.linkKeys
}
