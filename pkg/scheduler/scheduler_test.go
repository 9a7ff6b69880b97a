package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/cell"
)

type fakeCircuit struct {
	mu  sync.Mutex
	got []*cell.RelayCell
	err error
}

func (f *fakeCircuit) SendRelayCell(rc *cell.RelayCell) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, rc)
	return nil
}

func (f *fakeCircuit) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestSendCompletesThroughCircuit(t *testing.T) {
	fc := &fakeCircuit{}
	s := New(fc, DefaultConfig())
	defer s.Close()

	if err := s.OpenStream(1, "example.com:80"); err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	rc := cell.NewRelayCell(1, cell.RelayData, []byte("hello"))
	comp := s.Send(1, rc, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := comp.Wait(ctx); err != nil {
		t.Fatalf("Send completion: %v", err)
	}
	if fc.sent() != 1 {
		t.Fatalf("circuit received %d cells, want 1", fc.sent())
	}
}

func TestRecvResolvesOnDeliver(t *testing.T) {
	fc := &fakeCircuit{}
	s := New(fc, DefaultConfig())
	defer s.Close()

	if err := s.OpenStream(2, "example.com:443"); err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	comp := s.Recv(2, time.Second)

	incoming := cell.NewRelayCell(2, cell.RelayData, []byte("world"))
	if err := s.Deliver(incoming); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := comp.Wait(ctx)
	if err != nil {
		t.Fatalf("Recv completion: %v", err)
	}
	if string(got.Data) != "world" {
		t.Fatalf("recv data = %q, want %q", got.Data, "world")
	}
}

func TestRecvBufferedBeforeWaiter(t *testing.T) {
	fc := &fakeCircuit{}
	s := New(fc, DefaultConfig())
	defer s.Close()

	_ = s.OpenStream(3, "x")
	incoming := cell.NewRelayCell(3, cell.RelayData, []byte("buffered"))
	if err := s.Deliver(incoming); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	comp := s.Recv(3, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := comp.Wait(ctx)
	if err != nil {
		t.Fatalf("Recv completion: %v", err)
	}
	if string(got.Data) != "buffered" {
		t.Fatalf("recv data = %q, want %q", got.Data, "buffered")
	}
}

func TestRecvTimesOut(t *testing.T) {
	fc := &fakeCircuit{}
	s := New(fc, DefaultConfig())
	defer s.Close()

	_ = s.OpenStream(4, "x")
	comp := s.Recv(4, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := comp.Wait(ctx)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestMaxStreamsPerCircuitEnforced(t *testing.T) {
	fc := &fakeCircuit{}
	cfg := DefaultConfig()
	cfg.MaxStreamsPerCircuit = 1
	s := New(fc, cfg)
	defer s.Close()

	if err := s.OpenStream(1, "a"); err != nil {
		t.Fatalf("first OpenStream: %v", err)
	}
	if err := s.OpenStream(2, "b"); err == nil {
		t.Fatal("expected ResourceExhausted when exceeding max streams")
	}
}

func TestSendAfterCircuitClosedFails(t *testing.T) {
	fc := &fakeCircuit{}
	s := New(fc, DefaultConfig())
	_ = s.OpenStream(1, "x")
	s.Close()

	comp := s.Send(1, cell.NewRelayCell(1, cell.RelayData, nil), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := comp.Wait(ctx); err == nil {
		t.Fatal("expected error after scheduler closed")
	}
}

func TestCloseStreamFailsPendingRecv(t *testing.T) {
	fc := &fakeCircuit{}
	s := New(fc, DefaultConfig())
	defer s.Close()

	_ = s.OpenStream(5, "x")
	comp := s.Recv(5, 5*time.Second)
	time.Sleep(10 * time.Millisecond) // let the waiter register
	s.CloseStream(5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := comp.Wait(ctx); err == nil {
		t.Fatal("expected error after stream closed while a recv was pending")
	}
}

func TestConcurrentSendsDoNotRace(t *testing.T) {
	fc := &fakeCircuit{}
	s := New(fc, DefaultConfig())
	defer s.Close()

	const n = 50
	for i := uint16(1); i <= 5; i++ {
		_ = s.OpenStream(i, "x")
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		streamID := uint16(i%5) + 1
		go func() {
			defer wg.Done()
			comp := s.Send(streamID, cell.NewRelayCell(streamID, cell.RelayData, []byte("x")), time.Second)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = comp.Wait(ctx)
		}()
	}
	wg.Wait()

	if fc.sent() != n {
		t.Fatalf("circuit received %d cells, want %d", fc.sent(), n)
	}
}
