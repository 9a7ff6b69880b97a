// Circuit isolation: the policy that decides which requests may share a
// circuit, expressed as a string key the circuit cache indexes by.
package circuit

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IsolationPolicy defines how requests are partitioned across circuits.
type IsolationPolicy int

const (
	// IsolatePerDomain shares a circuit across any port of the same
	// domain. This is the default.
	IsolatePerDomain IsolationPolicy = iota
	// IsolatePerDestination keys circuits by host and port.
	IsolatePerDestination
	// IsolatePerRequest never reuses a circuit.
	IsolatePerRequest
	// IsolateNone shares one circuit pool across all requests.
	IsolateNone
)

// String returns a string representation of the policy
func (p IsolationPolicy) String() string {
	switch p {
	case IsolatePerDomain:
		return "per-domain"
	case IsolatePerDestination:
		return "per-destination"
	case IsolatePerRequest:
		return "per-request"
	case IsolateNone:
		return "none"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// ParseIsolationPolicy parses a string into an IsolationPolicy.
func ParseIsolationPolicy(s string) (IsolationPolicy, error) {
	switch strings.ToLower(s) {
	case "per-domain", "domain", "":
		return IsolatePerDomain, nil
	case "per-destination", "destination":
		return IsolatePerDestination, nil
	case "per-request", "request":
		return IsolatePerRequest, nil
	case "none", "global":
		return IsolateNone, nil
	default:
		return IsolatePerDomain, fmt.Errorf("invalid isolation policy: %s", s)
	}
}

// IsolationKeyFor derives the cache key for a destination under the
// policy. PerRequest keys are fresh UUIDs, so they can never collide with
// a cached entry.
func IsolationKeyFor(policy IsolationPolicy, host string, port uint16) string {
	switch policy {
	case IsolatePerDomain:
		return strings.ToLower(host)
	case IsolatePerDestination:
		return fmt.Sprintf("%s:%d", strings.ToLower(host), port)
	case IsolatePerRequest:
		return uuid.NewString()
	case IsolateNone:
		return "global"
	default:
		return strings.ToLower(host)
	}
}
