// Context-aware helpers over circuits and the manager.
package circuit

import (
	"context"
	"fmt"
	"time"
)

// WaitForState polls until the circuit reaches state or ctx is done.
// Useful for callers that hand a circuit to the builder on one goroutine
// and consume it on another.
func (c *Circuit) WaitForState(ctx context.Context, state State) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.GetState() == state {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for state %s (current: %s): %w",
				state, c.GetState(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitUntilReady waits for the circuit to reach StateOpen.
func (c *Circuit) WaitUntilReady(ctx context.Context) error {
	return c.WaitForState(ctx, StateOpen)
}

// IsOlderThan reports whether the circuit has outlived duration, the test
// retirement policies use.
func (c *Circuit) IsOlderThan(duration time.Duration) bool {
	return c.Age() > duration
}

// GetCircuitsByState returns all circuits currently in the given state.
func (m *Manager) GetCircuitsByState(state State) []*Circuit {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var circuits []*Circuit
	for _, circuit := range m.circuits {
		if circuit.GetState() == state {
			circuits = append(circuits, circuit)
		}
	}
	return circuits
}

// CountByState returns the number of circuits in the given state.
func (m *Manager) CountByState(state State) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, circuit := range m.circuits {
		if circuit.GetState() == state {
			count++
		}
	}
	return count
}
