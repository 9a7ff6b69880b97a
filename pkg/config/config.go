// Package config holds the client's tunables: one field per protocol or
// policy default, with DefaultConfig returning the standard values. The
// embedding host constructs a Config directly; there is no file format.
package config

import (
	"fmt"
	"time"
)

// Config is the full set of client tunables.
type Config struct {
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string

	// DirectoryURL is the HTTP base URL the transport helper publishes for
	// consensus fetch. Mandatory for bootstrap.
	DirectoryURL string

	// ProxyAddr, if set, routes first-hop connections through an upstream
	// SOCKS5 proxy at "host:port".
	ProxyAddr string

	// StateDir is where persistent state (guards, consensus) is stored. An
	// empty value keeps all state in memory.
	StateDir string
	// StateSecret encrypts the persistent state at rest. Required when
	// StateDir is set.
	StateSecret []byte

	// IsolationPolicy is one of "per-domain" (default), "per-destination",
	// "per-request", "none".
	IsolationPolicy string

	// Circuit cache bounds.
	CacheCapacity    int
	CacheMaxAge      time.Duration
	CacheMaxRequests int

	// Circuit construction policy.
	CircuitBuildTimeout time.Duration
	MaxBuildAttempts    int

	// Rate limits.
	CircuitsPerMinute  int
	MaxStreamsPerCirc  int
	StreamBytesPerSec  int

	// TLSHandshakeDeadline bounds a TLS-over-circuit handshake.
	TLSHandshakeDeadline time.Duration

	// PaddingEnabled negotiates channel padding with the guard.
	PaddingEnabled bool

	// Traffic shaping knobs.
	ShapingPaddingProbability float64
	ShapingMinInterCellDelay  time.Duration
	ShapingChaffInterval      time.Duration

	// CongestionMode is "vegas" (default) or "fixed".
	CongestionMode string
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:                  "info",
		IsolationPolicy:           "per-domain",
		CacheCapacity:             10,
		CacheMaxAge:               10 * time.Minute,
		CacheMaxRequests:          100,
		CircuitBuildTimeout:       60 * time.Second,
		MaxBuildAttempts:          3,
		CircuitsPerMinute:         10,
		MaxStreamsPerCirc:         50,
		StreamBytesPerSec:         1 << 20,
		TLSHandshakeDeadline:      15 * time.Second,
		PaddingEnabled:            true,
		ShapingPaddingProbability: 0.10,
		CongestionMode:            "vegas",
	}
}

// Validate rejects configurations the client cannot run with.
func (c *Config) Validate() error {
	if c.StateDir != "" && len(c.StateSecret) == 0 {
		return fmt.Errorf("StateSecret is required when StateDir is set")
	}
	if c.CacheCapacity < 0 || c.CacheMaxRequests < 0 {
		return fmt.Errorf("cache bounds must be non-negative")
	}
	if c.ShapingPaddingProbability < 0 || c.ShapingPaddingProbability > 1 {
		return fmt.Errorf("ShapingPaddingProbability must be in [0,1]")
	}
	switch c.CongestionMode {
	case "", "vegas", "fixed":
	default:
		return fmt.Errorf("unknown congestion mode %q", c.CongestionMode)
	}
	return nil
}
