// Package security provides the small safety primitives the protocol
// engine leans on everywhere: overflow-checked conversions for wire
// fields, buffer zeroization, and constant-time comparison.
package security

import (
	"fmt"
	"math"
	"time"
)

// SafeUnixToUint32 converts a time to a 32-bit Unix timestamp, the width
// NETINFO carries. Fails for times before the epoch or past 2106.
func SafeUnixToUint32(t time.Time) (uint32, error) {
	unix := t.Unix()
	if unix < 0 {
		return 0, fmt.Errorf("timestamp %d is before the epoch", unix)
	}
	if unix > math.MaxUint32 {
		return 0, fmt.Errorf("timestamp %d overflows uint32", unix)
	}
	return uint32(unix), nil
}

// SafeLenToUint16 converts a buffer length to the 16-bit length fields
// cell payloads use, rejecting buffers that cannot be framed.
func SafeLenToUint16(data []byte) (uint16, error) {
	if len(data) > math.MaxUint16 {
		return 0, fmt.Errorf("length %d overflows uint16", len(data))
	}
	return uint16(len(data)), nil
}
