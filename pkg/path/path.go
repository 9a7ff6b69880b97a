// Package path selects relays for circuit construction: guard, middle and
// exit candidates drawn from the consensus with bandwidth weighting, family
// exclusion, and persistent entry-guard preference.
package path

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/directory"
	"github.com/cmyocyte/tor-wasm/pkg/errors"
	"github.com/cmyocyte/tor-wasm/pkg/logger"
)

// Position names the slot in a circuit a candidate is being selected for.
type Position int

const (
	// PositionGuard is the entry hop.
	PositionGuard Position = iota
	// PositionMiddle is the second hop.
	PositionMiddle
	// PositionExit is the final hop.
	PositionExit
)

// String returns a string representation of the position
func (p Position) String() string {
	switch p {
	case PositionGuard:
		return "guard"
	case PositionMiddle:
		return "middle"
	case PositionExit:
		return "exit"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// Path is a selected (guard, middle, exit) triple.
type Path struct {
	Guard  *directory.Relay
	Middle *directory.Relay
	Exit   *directory.Relay
}

// Validate rejects paths with a repeated relay or a mutual family
// declaration between any pair.
func (p *Path) Validate() error {
	relays := []*directory.Relay{p.Guard, p.Middle, p.Exit}
	for i, a := range relays {
		if a == nil {
			return errors.InvalidRelayError("path is missing a hop")
		}
		for _, b := range relays[i+1:] {
			if b == nil {
				continue
			}
			if a.Fingerprint == b.Fingerprint {
				return errors.InvalidRelayError("relay appears twice in path: " + a.Fingerprint)
			}
			if directory.SharesFamily(a, b) {
				return errors.InvalidRelayError("path contains two relays of the same family")
			}
		}
	}
	return nil
}

// eligible applies the position's flag requirements plus the common
// constraints: an ntor onion key and a standard OR port.
func eligible(r *directory.Relay, pos Position) bool {
	if !r.IsUsable() || !r.HasStandardORPort() {
		return false
	}
	switch pos {
	case PositionGuard:
		return r.IsGuard() && r.IsStable() && r.IsFast()
	case PositionMiddle:
		return r.IsFast() && r.IsStable()
	case PositionExit:
		return r.IsExit() && !r.IsBadExit()
	default:
		return false
	}
}

// Selector draws candidates from a consensus snapshot. The randomness here
// only diversifies relay choice; nothing cryptographic depends on it, so a
// plain seeded PRNG is acceptable.
type Selector struct {
	relays []*directory.Relay
	logger *logger.Logger
	rng    *rand.Rand
}

// NewSelector creates a selector over the given consensus relays.
func NewSelector(relays []*directory.Relay, log *logger.Logger) *Selector {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Selector{
		relays: relays,
		logger: log.Component("path"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 - selection randomness, not key material
	}
}

// Candidates returns up to n relays for the position: any preferred
// fingerprints first (entry guards the guard policy wants reused), then a
// half bandwidth-weighted, half uniform mix of the remaining eligible
// relays, deduplicated and shuffled behind the preferred head.
func (s *Selector) Candidates(pos Position, n int, preferred []string) []*directory.Relay {
	pool := make([]*directory.Relay, 0, len(s.relays))
	byFingerprint := make(map[string]*directory.Relay)
	for _, r := range s.relays {
		if eligible(r, pos) {
			pool = append(pool, r)
			byFingerprint[r.Fingerprint] = r
		}
	}
	if len(pool) == 0 {
		return nil
	}

	picked := make([]*directory.Relay, 0, n)
	seen := make(map[string]bool)

	for _, fp := range preferred {
		if len(picked) >= n {
			break
		}
		if r, ok := byFingerprint[fp]; ok && !seen[fp] {
			picked = append(picked, r)
			seen[fp] = true
		}
	}
	preferredCount := len(picked)

	sort.Slice(pool, func(i, j int) bool { return pool[i].Bandwidth > pool[j].Bandwidth })

	// Half the remaining slots come from the top of the bandwidth ordering.
	remaining := n - len(picked)
	weighted := remaining / 2
	for _, r := range pool {
		if weighted <= 0 {
			break
		}
		if !seen[r.Fingerprint] {
			picked = append(picked, r)
			seen[r.Fingerprint] = true
			weighted--
		}
	}

	// The rest are drawn uniformly, bounded so a small pool terminates.
	for tries := 0; len(picked) < n && tries < 4*len(pool); tries++ {
		r := pool[s.rng.Intn(len(pool))]
		if !seen[r.Fingerprint] {
			picked = append(picked, r)
			seen[r.Fingerprint] = true
		}
	}

	// Shuffle everything behind the preferred head so retry order does not
	// always replay the bandwidth ranking.
	tail := picked[preferredCount:]
	s.rng.Shuffle(len(tail), func(i, j int) { tail[i], tail[j] = tail[j], tail[i] })

	return picked
}

// SelectPath picks a family-disjoint (guard, middle, exit) triple,
// preferring the supplied guard fingerprints for the entry slot.
func (s *Selector) SelectPath(preferredGuards []string) (*Path, error) {
	const candidatesPerPosition = 8

	guards := s.Candidates(PositionGuard, candidatesPerPosition, preferredGuards)
	middles := s.Candidates(PositionMiddle, candidatesPerPosition, nil)
	exits := s.Candidates(PositionExit, candidatesPerPosition, nil)

	if len(guards) == 0 || len(middles) == 0 || len(exits) == 0 {
		return nil, errors.NoRelaysAvailableError(fmt.Sprintf(
			"insufficient candidates: %d guards, %d middles, %d exits",
			len(guards), len(middles), len(exits)))
	}

	for _, g := range guards {
		for _, m := range middles {
			if m.Fingerprint == g.Fingerprint || directory.SharesFamily(g, m) {
				continue
			}
			for _, e := range exits {
				if e.Fingerprint == g.Fingerprint || e.Fingerprint == m.Fingerprint {
					continue
				}
				if directory.SharesFamily(g, e) || directory.SharesFamily(m, e) {
					continue
				}
				p := &Path{Guard: g, Middle: m, Exit: e}
				if err := p.Validate(); err != nil {
					continue
				}
				return p, nil
			}
		}
	}
	return nil, errors.NoRelaysAvailableError("no family-disjoint path among candidates")
}
