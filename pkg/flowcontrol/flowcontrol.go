// Package flowcontrol implements the two sliding-window flow-control layers
// defined in tor-spec.txt section 7.3/7.4: a circuit-level window shared by
// all streams on a circuit, and a per-stream window. Both follow the same
// decrement-on-send / reset-on-deliver shape but with different initial
// sizes and increments, so both are instances of the same Window type.
package flowcontrol

import (
	"sync"

	"github.com/cmyocyte/tor-wasm/pkg/errors"
)

// Layer identifies which of the two flow-control layers a Window belongs to,
// purely for diagnostics.
type Layer string

const (
	// LayerCircuit is the circuit-wide window (tor-spec.txt §7.4).
	LayerCircuit Layer = "circuit"
	// LayerStream is the per-stream window (tor-spec.txt §7.3).
	LayerStream Layer = "stream"
)

// Window defaults per tor-spec.txt §7.3/7.4: the stream
// receive window starts at its SENDME cycle size, not at the send window's
// initial value.
const (
	CircuitInitialWindow = 1000
	CircuitIncrement     = 100
	StreamInitialWindow  = 500
	StreamIncrement      = 50
	StreamInitialRecv    = 50
)

// Window is a sliding flow-control window. send tracks how many more DATA
// cells may be transmitted before the peer must send a SENDME; recv tracks
// how many more DATA cells may be received before this side must emit one.
type Window struct {
	mu        sync.Mutex
	layer     Layer
	initial   int
	increment int
	send      int
	recv      int
	// violations counts send-window underflow attempts and unexpected
	// SENDME cells observed. Non-fatal; reported for diagnostics.
	violations int
}

// NewCircuitWindow returns a circuit-layer window at its initial size.
func NewCircuitWindow() *Window {
	return newWindow(LayerCircuit, CircuitInitialWindow, CircuitInitialWindow, CircuitIncrement)
}

// NewStreamWindow returns a stream-layer window at its initial size.
func NewStreamWindow() *Window {
	return newWindow(LayerStream, StreamInitialWindow, StreamInitialRecv, StreamIncrement)
}

func newWindow(layer Layer, sendInitial, recvInitial, increment int) *Window {
	return &Window{
		layer:     layer,
		initial:   sendInitial,
		increment: increment,
		send:      sendInitial,
		recv:      recvInitial,
	}
}

// OnSend is called immediately before transmitting a DATA cell on this
// layer. It decrements the send window and fails (without mutating state
// further) if the window is already exhausted; callers MUST NOT transmit
// the cell when this returns an error.
func (w *Window) OnSend() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.send <= 0 {
		w.violations++
		return errors.ResourceExhaustedError("flow control: " + string(w.layer) + " send window exhausted")
	}
	w.send--
	return nil
}

// OnSendmeReceived is called when a SENDME cell arrives for this layer. It
// replenishes the send window by the layer's increment. An unexpected
// SENDME (one that overflows past any plausible outstanding debt) is
// recorded as a violation but does not error.
func (w *Window) OnSendmeReceived() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.send+w.increment > w.initial {
		w.violations++
	}
	w.send += w.increment
}

// OnReceived is called when a DATA cell is received on this layer. It
// decrements the receive window and reports whether the caller must now
// emit a SENDME (the window hit zero), resetting the window to the
// increment value as tor-spec.txt requires ("reset to 50"/"reset to 100").
func (w *Window) OnReceived() (sendSendme bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.recv > 0 {
		w.recv--
	} else {
		w.violations++
	}
	if w.recv == 0 {
		w.recv = w.increment
		return true
	}
	return false
}

// SendWindow returns the current send window size.
func (w *Window) SendWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.send
}

// RecvWindow returns the current receive window size.
func (w *Window) RecvWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recv
}

// Violations returns the count of window violations observed (send
// underflow attempts, unexpected SENDME arrivals). Used for diagnostics
// and is never itself fatal.
func (w *Window) Violations() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.violations
}

// CanSend reports whether a DATA cell may currently be transmitted without
// mutating the window (useful for the scheduler to decide whether to
// requeue a work item rather than attempt transmission).
func (w *Window) CanSend() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.send > 0
}
