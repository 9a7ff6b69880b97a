// Package congestion implements the Tor-Vegas congestion controller:
// an RTT estimator feeding a slow-start/congestion-avoidance
// window controller, the same two-phase shape as TCP Vegas adapted to
// circuit-level SENDME pacing instead of ACK clocking.
package congestion

import (
	"sync"
	"time"
)

// Mode selects the congestion-control algorithm. ModeFixed disables window
// adjustment entirely (legacy fixed-window behaviour).
type Mode int

const (
	// ModeVegas runs the full slow-start + Vegas congestion-avoidance
	// algorithm (prop324's Vegas variant).
	ModeVegas Mode = iota
	// ModeFixed freezes cwnd at its initial value; no adjustments are made.
	ModeFixed
)

// Tor-Vegas tunables.
const (
	MinCwnd = 31
	MaxCwnd = 10_000

	slowStartIncrement = 31
	gammaThreshold      = 3 // slow-start exit: diff > gamma
	alphaThreshold      = 3 // congestion avoidance: diff < alpha -> increase
	betaThreshold       = 6 // congestion avoidance: diff > beta -> decrease

	rttAlpha = 1.0 / 8.0 // SRTT EWMA weight
	rttBeta  = 1.0 / 4.0 // RTT variance EWMA weight
)

// RTTEstimator tracks smoothed RTT, RTT variance, and the minimum observed
// RTT ("base RTT") the way a TCP Vegas implementation does:
// §4.9: EWMA with alpha=1/8 for SRTT and beta=1/4 for variance.
type RTTEstimator struct {
	srtt    time.Duration
	rttvar  time.Duration
	minRTT  time.Duration
	samples int
}

// NewRTTEstimator returns a fresh estimator with no samples.
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{}
}

// Sample records one observed RTT (the time between sending a cell and
// receiving the SENDME that acknowledges it).
func (e *RTTEstimator) Sample(rtt time.Duration) {
	if e.samples == 0 {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.minRTT = rtt
		e.samples++
		return
	}
	diff := e.srtt - rtt
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = e.rttvar + time.Duration(rttBeta*(float64(diff)-float64(e.rttvar)))
	e.srtt = e.srtt + time.Duration(rttAlpha*(float64(rtt)-float64(e.srtt)))
	if e.minRTT == 0 || rtt < e.minRTT {
		e.minRTT = rtt
	}
	e.samples++
}

// SRTT returns the current smoothed RTT.
func (e *RTTEstimator) SRTT() time.Duration { return e.srtt }

// MinRTT returns the lowest RTT observed so far (the Vegas "base RTT").
func (e *RTTEstimator) MinRTT() time.Duration { return e.minRTT }

// RTTVar returns the current RTT variance estimate.
func (e *RTTEstimator) RTTVar() time.Duration { return e.rttvar }

// Controller is the Tor-Vegas congestion window controller.
// It owns an RTTEstimator and the evolving congestion window
// (cwnd) and slow-start threshold (ssthresh).
type Controller struct {
	mu          sync.Mutex
	mode        Mode
	rtt         *RTTEstimator
	cwnd        int
	ssthresh    int
	inSlowStart bool
	inFlight    int
}

// NewController returns a controller starting in slow start with
// cwnd == MinCwnd.
func NewController(mode Mode) *Controller {
	return &Controller{
		mode:        mode,
		rtt:         NewRTTEstimator(),
		cwnd:        MinCwnd,
		ssthresh:    MaxCwnd,
		inSlowStart: true,
	}
}

// Cwnd returns the current congestion window, clamped to [MinCwnd, MaxCwnd].
func (c *Controller) Cwnd() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwnd
}

// InSlowStart reports whether the controller is still in the slow-start
// phase.
func (c *Controller) InSlowStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inSlowStart
}

// Ssthresh returns the slow-start threshold frozen on exit from slow start
// (or MaxCwnd if slow start has not yet exited).
func (c *Controller) Ssthresh() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ssthresh
}

// OnCellSent records a cell placed in flight, for callers that want to
// cap outstanding cells at cwnd.
func (c *Controller) OnCellSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight++
}

// OnRTTSample feeds one RTT observation into the estimator without
// performing a window update (used when a SENDME's RTT is known but the
// queue-delay computation should be driven by OnSendme separately).
func (c *Controller) OnRTTSample(rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtt.Sample(rtt)
}

// OnSendme processes a received SENDME: it computes the Vegas queue-delay
// diagnostic and advances cwnd/ssthresh/slow-start state.
// If a caller has an RTT sample for this SENDME, record it via OnRTTSample
// before calling OnSendme.
func (c *Controller) OnSendme() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	if c.mode == ModeFixed {
		return
	}

	srtt := c.rtt.SRTT()
	minRTT := c.rtt.MinRTT()
	if srtt <= 0 || minRTT <= 0 {
		// Not enough samples yet to compute a queue delay; slow start
		// still advances since no congestion signal is available.
		if c.inSlowStart {
			c.growSlowStart()
		}
		return
	}

	queueDelay := srtt - minRTT
	diff := int(float64(c.cwnd) * float64(queueDelay) / float64(srtt))

	if c.inSlowStart {
		if diff > gammaThreshold {
			c.ssthresh = c.cwnd
			c.inSlowStart = false
			return
		}
		c.growSlowStart()
		return
	}

	switch {
	case diff < alphaThreshold:
		c.setCwnd(c.cwnd + 1)
	case diff > betaThreshold:
		c.setCwnd(c.cwnd - 1)
	default:
		// hold
	}
}

func (c *Controller) growSlowStart() {
	c.setCwnd(c.cwnd + slowStartIncrement)
}

func (c *Controller) setCwnd(v int) {
	if v < MinCwnd {
		v = MinCwnd
	}
	if v > MaxCwnd {
		v = MaxCwnd
	}
	c.cwnd = v
}

// OnSendTimeout handles a send timeout: ssthresh is halved and cwnd resets
// to the minimum.
func (c *Controller) OnSendTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeFixed {
		return
	}
	c.ssthresh = c.ssthresh / 2
	if c.ssthresh < MinCwnd {
		c.ssthresh = MinCwnd
	}
	c.cwnd = MinCwnd
	c.inSlowStart = false
}
