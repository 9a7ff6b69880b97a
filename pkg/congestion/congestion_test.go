package congestion

import (
	"testing"
	"time"
)

func TestRTTEstimatorBasic(t *testing.T) {
	e := NewRTTEstimator()
	e.Sample(100 * time.Millisecond)
	if e.SRTT() != 100*time.Millisecond {
		t.Fatalf("first sample should set SRTT directly, got %v", e.SRTT())
	}
	if e.MinRTT() != 100*time.Millisecond {
		t.Fatalf("MinRTT = %v, want 100ms", e.MinRTT())
	}
	e.Sample(50 * time.Millisecond)
	if e.MinRTT() != 50*time.Millisecond {
		t.Fatalf("MinRTT should track the lowest sample, got %v", e.MinRTT())
	}
}

func TestControllerBoundedCwnd(t *testing.T) {
	c := NewController(ModeVegas)
	for i := 0; i < 10_000; i++ {
		c.OnRTTSample(100 * time.Millisecond)
		c.OnSendme()
		if c.Cwnd() < MinCwnd || c.Cwnd() > MaxCwnd {
			t.Fatalf("cwnd escaped bounds: %d", c.Cwnd())
		}
	}
}

// S4: feed RTT samples {100,100,100,180,180}ms and SENDMEs; expect
// inSlowStart to flip false at the sample where diff > 3, with ssthresh
// frozen at that cwnd.
func TestControllerSlowStartExit(t *testing.T) {
	c := NewController(ModeVegas)
	samples := []time.Duration{
		100 * time.Millisecond,
		100 * time.Millisecond,
		100 * time.Millisecond,
		180 * time.Millisecond,
		180 * time.Millisecond,
	}

	var exitedAtCwnd int
	for _, s := range samples {
		c.OnRTTSample(s)
		cwndBefore := c.Cwnd()
		c.OnSendme()
		if !c.InSlowStart() {
			exitedAtCwnd = cwndBefore
			break
		}
	}

	if c.InSlowStart() {
		t.Fatal("expected slow start to have exited given a sustained RTT increase")
	}
	if c.Ssthresh() != exitedAtCwnd {
		t.Fatalf("ssthresh = %d, want frozen cwnd at exit %d", c.Ssthresh(), exitedAtCwnd)
	}
}

func TestControllerFixedModeNoAdjustment(t *testing.T) {
	c := NewController(ModeFixed)
	initial := c.Cwnd()
	for i := 0; i < 100; i++ {
		c.OnRTTSample(time.Duration(100+i) * time.Millisecond)
		c.OnSendme()
	}
	if c.Cwnd() != initial {
		t.Fatalf("fixed mode must not adjust cwnd: got %d, want %d", c.Cwnd(), initial)
	}
}

func TestControllerSendTimeoutHalvesSsthresh(t *testing.T) {
	c := NewController(ModeVegas)
	c.ssthresh = 200
	c.cwnd = 150
	c.inSlowStart = false
	c.OnSendTimeout()
	if c.Ssthresh() != 100 {
		t.Fatalf("ssthresh = %d, want 100", c.Ssthresh())
	}
	if c.Cwnd() != MinCwnd {
		t.Fatalf("cwnd after timeout = %d, want %d", c.Cwnd(), MinCwnd)
	}
}
