// Package scheduler implements the cooperative checkout/return discipline
// for circuit access: a single scheduler goroutine owns a circuit and the
// per-stream queues multiplexed over it, so that no caller ever holds
// exclusive access to the circuit across a suspending I/O call. Work is
// submitted as messages; callers get back a one-shot completion channel and
// wait on it, while the scheduler goroutine performs the I/O.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/cell"
	"github.com/cmyocyte/tor-wasm/pkg/errors"
)

// Default resource bounds.
const (
	DefaultMaxCellsPerStream    = 256
	DefaultMaxIncomingBuffer    = 256
	DefaultMaxStreamsPerCircuit = 32
	DefaultMaxTotalQueuedCells  = 4096
	DefaultSendTimeout          = 30 * time.Second
	DefaultRecvTimeout          = 30 * time.Second
)

// CircuitOps is the capability the scheduler needs from the circuit it
// owns: transmit one relay cell to a hop, and nothing else. The scheduler
// never touches circuit internals directly: a circuit is exclusively
// owned by either the scheduler or a single caller, never aliased.
type CircuitOps interface {
	// SendRelayCell transmits a relay cell through the circuit. It may
	// suspend (block) on I/O; the scheduler only ever calls this outside
	// any lock it holds.
	SendRelayCell(rc *cell.RelayCell) error
}

// opKind distinguishes a send work item from a receive work item.
type opKind int

const (
	opSend opKind = iota
	opRecv
)

// workItem is one unit of scheduler work: either "transmit this cell for
// stream X" or "give me the next received cell for stream X".
type workItem struct {
	kind     opKind
	streamID uint16
	cell     *cell.RelayCell // set for opSend
	deadline time.Time
	done     chan result
}

// result is delivered through a work item's completion channel exactly
// once. A completion handle whose receiver has stopped listening is a
// no-op to fulfil (buffered channel of size 1 means the send never
// blocks).
type result struct {
	cell *cell.RelayCell // set for opRecv
	err  error
}

// streamState is the scheduler's bookkeeping for one open stream.
type streamState struct {
	target  string
	open    bool
	outbox  []*cell.RelayCell // FIFO of cells awaiting transmission
	inbox   []*cell.RelayCell // FIFO of received cells awaiting a reader
	waiting []*workItem       // pending recv work items blocked on empty inbox
}

// Config bounds the scheduler's resource usage.
type Config struct {
	MaxCellsPerStream    int
	MaxIncomingBuffer    int
	MaxStreamsPerCircuit int
	MaxTotalQueuedCells  int
	SendTimeout          time.Duration
	RecvTimeout          time.Duration
}

// DefaultConfig returns the spec's default resource bounds.
func DefaultConfig() Config {
	return Config{
		MaxCellsPerStream:    DefaultMaxCellsPerStream,
		MaxIncomingBuffer:    DefaultMaxIncomingBuffer,
		MaxStreamsPerCircuit: DefaultMaxStreamsPerCircuit,
		MaxTotalQueuedCells:  DefaultMaxTotalQueuedCells,
		SendTimeout:          DefaultSendTimeout,
		RecvTimeout:          DefaultRecvTimeout,
	}
}

// Scheduler exclusively owns a circuit and the per-stream queues
// multiplexed over it. All mutation happens inside the run goroutine
// started by New; callers interact only through channels, never through
// shared mutable state, so no lock is ever held across a suspension point.
type Scheduler struct {
	cfg     Config
	circuit CircuitOps

	submit chan *workItem
	events chan streamEvent
	closed chan struct{}

	closeOnce sync.Once
}

// streamEvent is an internal message for mutating stream bookkeeping
// (open/close/deliver) from outside the run goroutine, funneled through
// the same single-goroutine-owns-state discipline as submit.
type streamEvent struct {
	kind     streamEventKind
	streamID uint16
	target   string
	cell     *cell.RelayCell
	reply    chan error
}

type streamEventKind int

const (
	eventOpen streamEventKind = iota
	eventClose
	eventDeliver // a cell arrived from the network for this stream
)

// New starts a scheduler goroutine owning circuit and returns the handle.
// Close must be called to stop the goroutine.
func New(circuit CircuitOps, cfg Config) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		circuit: circuit,
		submit:  make(chan *workItem, 64),
		events:  make(chan streamEvent, 64),
		closed:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Close stops the scheduler's goroutine. Pending work items resolve with
// CircuitClosed.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// OpenStream registers a new stream with the scheduler. Returns
// ResourceExhausted if MaxStreamsPerCircuit would be exceeded.
func (s *Scheduler) OpenStream(streamID uint16, target string) error {
	reply := make(chan error, 1)
	select {
	case s.events <- streamEvent{kind: eventOpen, streamID: streamID, target: target, reply: reply}:
	case <-s.closed:
		return errors.CircuitClosedError("scheduler closed")
	}
	select {
	case err := <-reply:
		return err
	case <-s.closed:
		return errors.CircuitClosedError("scheduler closed")
	}
}

// CloseStream marks a stream closed; further work items for it resolve
// with CircuitClosed.
func (s *Scheduler) CloseStream(streamID uint16) {
	reply := make(chan error, 1)
	select {
	case s.events <- streamEvent{kind: eventClose, streamID: streamID, reply: reply}:
		<-reply
	case <-s.closed:
	}
}

// Deliver feeds a relay cell received from the network to the scheduler
// for the stream it targets. Called by whatever reads the underlying
// channel (outside any borrow of the scheduler), matching §4.12 step 2's
// "result is fed back into the scheduler under another short borrow."
func (s *Scheduler) Deliver(rc *cell.RelayCell) error {
	reply := make(chan error, 1)
	select {
	case s.events <- streamEvent{kind: eventDeliver, streamID: rc.StreamID, cell: rc, reply: reply}:
	case <-s.closed:
		return errors.CircuitClosedError("scheduler closed")
	}
	select {
	case err := <-reply:
		return err
	case <-s.closed:
		return errors.CircuitClosedError("scheduler closed")
	}
}

// Completion is the one-shot handle returned by Send/Recv. The caller
// awaits it; the scheduler goroutine resolves it, so the awaiter does no
// I/O itself.
type Completion struct {
	ch chan result
}

// Wait blocks until the completion resolves or ctx is done.
func (c *Completion) Wait(ctx context.Context) (*cell.RelayCell, error) {
	select {
	case r := <-c.ch:
		return r.cell, r.err
	case <-ctx.Done():
		return nil, errors.TimeoutError("completion wait cancelled", ctx.Err())
	}
}

// Send enqueues a cell for transmission on streamID and returns a
// completion handle. The enqueue itself never suspends (step 1 of
// §4.12): it either queues immediately or fails with ResourceExhausted.
func (s *Scheduler) Send(streamID uint16, rc *cell.RelayCell, timeout time.Duration) *Completion {
	return s.enqueue(opSend, streamID, rc, timeout)
}

// Recv requests the next received cell for streamID and returns a
// completion handle that resolves once one is available (or times out).
func (s *Scheduler) Recv(streamID uint16, timeout time.Duration) *Completion {
	return s.enqueue(opRecv, streamID, nil, timeout)
}

func (s *Scheduler) enqueue(kind opKind, streamID uint16, rc *cell.RelayCell, timeout time.Duration) *Completion {
	done := make(chan result, 1)
	item := &workItem{kind: kind, streamID: streamID, cell: rc, done: done}
	if timeout > 0 {
		item.deadline = time.Now().Add(timeout)
	}

	select {
	case s.submit <- item:
	case <-s.closed:
		done <- result{err: errors.CircuitClosedError("scheduler closed")}
	default:
		// submit channel full: admission control against unbounded
		// memory growth.
		done <- result{err: errors.ResourceExhaustedError("scheduler submit queue full")}
	}
	return &Completion{ch: done}
}

// run is the scheduler's single owning goroutine: it exclusively mutates
// streamState, and is the only place a work item is dequeued and acted on.
func (s *Scheduler) run() {
	streams := make(map[uint16]*streamState)
	totalQueued := 0

	// The ticker wakes the loop so waiting recv items expire on their
	// deadline even when no other message arrives.
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	failAll := func(reason error) {
		for _, st := range streams {
			for _, w := range st.waiting {
				w.done <- result{err: reason}
			}
		}
	}

	for {
		select {
		case <-s.closed:
			failAll(errors.CircuitClosedError("scheduler closed"))
			for {
				select {
				case item := <-s.submit:
					item.done <- result{err: errors.CircuitClosedError("scheduler closed")}
				default:
					return
				}
			}

		case <-ticker.C:

		case ev := <-s.events:
			switch ev.kind {
			case eventOpen:
				if len(streams) >= s.cfg.MaxStreamsPerCircuit {
					ev.reply <- errors.ResourceExhaustedError("max streams per circuit reached")
					continue
				}
				streams[ev.streamID] = &streamState{target: ev.target, open: true}
				ev.reply <- nil

			case eventClose:
				if st, ok := streams[ev.streamID]; ok {
					st.open = false
					for _, w := range st.waiting {
						w.done <- result{err: errors.CircuitClosedError("stream closed")}
					}
					st.waiting = nil
					delete(streams, ev.streamID)
				}
				ev.reply <- nil

			case eventDeliver:
				st, ok := streams[ev.streamID]
				if !ok || !st.open {
					ev.reply <- errors.StreamError("delivery for unknown or closed stream")
					continue
				}
				if len(st.waiting) > 0 {
					w := st.waiting[0]
					st.waiting = st.waiting[1:]
					w.done <- result{cell: ev.cell}
				} else if len(st.inbox) < s.cfg.MaxIncomingBuffer {
					st.inbox = append(st.inbox, ev.cell)
				} else {
					ev.reply <- errors.ResourceExhaustedError("stream incoming buffer full")
					continue
				}
				ev.reply <- nil
			}

		case item := <-s.submit:
			s.processWithStreams(streams, &totalQueued, item)
		}

		// Expire timed-out waiting recv items across all streams.
		now := time.Now()
		for _, st := range streams {
			kept := st.waiting[:0]
			for _, w := range st.waiting {
				if !w.deadline.IsZero() && now.After(w.deadline) {
					w.done <- result{err: errors.TimeoutError("recv timed out", nil)}
					continue
				}
				kept = append(kept, w)
			}
			st.waiting = kept
		}
	}
}

// processWithStreams handles one submitted work item under the run
// goroutine's exclusive ownership of streams.
func (s *Scheduler) processWithStreams(streams map[uint16]*streamState, totalQueued *int, item *workItem) {
	st, ok := streams[item.streamID]
	if !ok || !st.open {
		item.done <- result{err: errors.CircuitClosedError("stream not open")}
		return
	}

	switch item.kind {
	case opSend:
		if *totalQueued >= s.cfg.MaxTotalQueuedCells || len(st.outbox) >= s.cfg.MaxCellsPerStream {
			item.done <- result{err: errors.ResourceExhaustedError("outgoing queue full")}
			return
		}
		st.outbox = append(st.outbox, item.cell)
		*totalQueued++

		// Transmit outside any lock: the run goroutine isn't holding a
		// mutex here, only its own map, which no other goroutine
		// touches. SendRelayCell may itself suspend on I/O.
		cellToSend := st.outbox[0]
		st.outbox = st.outbox[1:]
		*totalQueued--
		err := s.circuit.SendRelayCell(cellToSend)
		item.done <- result{err: err}

	case opRecv:
		if len(st.inbox) > 0 {
			c := st.inbox[0]
			st.inbox = st.inbox[1:]
			item.done <- result{cell: c}
			return
		}
		st.waiting = append(st.waiting, item)
	}
}
