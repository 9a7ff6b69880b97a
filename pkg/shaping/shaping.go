// Package shaping implements the optional traffic-shaping knobs of
// the channel writer: randomized padding-cell injection, a minimum inter-cell
// delay, a chaff timer for idle connections, and named frame-size/timing
// profiles mimicking other application classes. Everything here is off by
// default except 10% padding-cell injection probability.
package shaping

import (
	"math/rand"
	"time"
)

// Profile names an application traffic shape to mimic.
type Profile string

const (
	// ProfileNone applies no frame-size/timing shaping.
	ProfileNone Profile = ""
	// ProfileChat mimics small, bursty, human-paced messages.
	ProfileChat Profile = "chat"
	// ProfileTicker mimics small, frequent, regularly-timed updates.
	ProfileTicker Profile = "ticker"
	// ProfileVideo mimics large, steady-rate streaming frames.
	ProfileVideo Profile = "video"
)

// frameShape describes one profile's typical frame size and inter-frame
// timing distribution (min/max used for a uniform draw — a simple model
// standing in for the named application class's observed traffic).
type frameShape struct {
	minFrameBytes, maxFrameBytes int
	minInterval, maxInterval     time.Duration
}

var profiles = map[Profile]frameShape{
	ProfileChat: {
		minFrameBytes: 32, maxFrameBytes: 256,
		minInterval: 200 * time.Millisecond, maxInterval: 4 * time.Second,
	},
	ProfileTicker: {
		minFrameBytes: 64, maxFrameBytes: 128,
		minInterval: 500 * time.Millisecond, maxInterval: 1500 * time.Millisecond,
	},
	ProfileVideo: {
		minFrameBytes: 1200, maxFrameBytes: 1400,
		minInterval: 10 * time.Millisecond, maxInterval: 40 * time.Millisecond,
	},
}

// Config bundles the shaping knobs. All fields are zero-valued (disabled)
// by default except PaddingProbability.
type Config struct {
	// PaddingProbability is the chance [0,1] that a chaff/padding cell is
	// injected per opportunity. Defaults to 0.10.
	PaddingProbability float64
	// MinInterCellDelay adds a floor on the gap between transmitted cells.
	MinInterCellDelay time.Duration
	// ChaffInterval, if non-zero, emits a chaff cell when the connection
	// has been idle this long.
	ChaffInterval time.Duration
	// MaxExtraDelay bounds a random extra delay added per cell.
	MaxExtraDelay time.Duration
	// TrafficProfile selects a named frame-size/timing profile; ProfileNone
	// disables profile-based fragmentation.
	TrafficProfile Profile
}

// DefaultConfig returns the spec's default: only 10% padding-cell
// injection probability, everything else disabled.
func DefaultConfig() Config {
	return Config{PaddingProbability: 0.10}
}

// Shaper wraps a cell-writer decision process with the configured knobs.
// It does not itself own the channel; callers ask ShouldInjectPadding /
// ExtraDelay / NextChaffDeadline and act on the answers.
type Shaper struct {
	cfg          Config
	rng          *rand.Rand
	lastActivity time.Time
}

// New returns a Shaper using cfg.
func New(cfg Config) *Shaper {
	return &Shaper{
		cfg:          cfg,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		lastActivity: time.Now(),
	}
}

// OnActivity records that a real cell was sent or received, for chaff
// idle-detection.
func (s *Shaper) OnActivity(now time.Time) {
	s.lastActivity = now
}

// ShouldInjectPadding draws against PaddingProbability and reports whether
// a padding cell should be sent before the next real cell.
func (s *Shaper) ShouldInjectPadding() bool {
	if s.cfg.PaddingProbability <= 0 {
		return false
	}
	return s.rng.Float64() < s.cfg.PaddingProbability
}

// ExtraDelay returns the configured minimum inter-cell delay plus a
// uniform random extra delay up to MaxExtraDelay.
func (s *Shaper) ExtraDelay() time.Duration {
	delay := s.cfg.MinInterCellDelay
	if s.cfg.MaxExtraDelay > 0 {
		delay += time.Duration(s.rng.Int63n(int64(s.cfg.MaxExtraDelay) + 1))
	}
	return delay
}

// ShouldSendChaff reports whether the connection has been idle long enough
// (per ChaffInterval) to warrant a chaff cell.
func (s *Shaper) ShouldSendChaff(now time.Time) bool {
	if s.cfg.ChaffInterval <= 0 {
		return false
	}
	return now.Sub(s.lastActivity) >= s.cfg.ChaffInterval
}

// Fragment splits data into frame sizes matching the configured traffic
// profile, or returns it as a single frame if no profile is set.
func (s *Shaper) Fragment(data []byte) [][]byte {
	shape, ok := profiles[s.cfg.TrafficProfile]
	if !ok {
		return [][]byte{data}
	}

	var frames [][]byte
	for len(data) > 0 {
		size := shape.minFrameBytes
		if shape.maxFrameBytes > shape.minFrameBytes {
			size += s.rng.Intn(shape.maxFrameBytes - shape.minFrameBytes + 1)
		}
		if size > len(data) {
			size = len(data)
		}
		frames = append(frames, data[:size])
		data = data[size:]
	}
	return frames
}

// InterFrameDelay returns a delay matching the configured profile's
// inter-frame timing distribution, or zero if no profile is set.
func (s *Shaper) InterFrameDelay() time.Duration {
	shape, ok := profiles[s.cfg.TrafficProfile]
	if !ok {
		return 0
	}
	span := shape.maxInterval - shape.minInterval
	if span <= 0 {
		return shape.minInterval
	}
	return shape.minInterval + time.Duration(s.rng.Int63n(int64(span)+1))
}
