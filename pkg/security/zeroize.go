package security

import "crypto/subtle"

// Zeroize overwrites a buffer holding sensitive material. Key-bearing
// types call this from their own Zeroize methods when their owner drops
// them.
func Zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// ConstantTimeEqual compares two byte slices without leaking the position
// of the first difference through timing.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
