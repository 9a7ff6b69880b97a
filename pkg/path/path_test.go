package path

import (
	"fmt"
	"testing"

	"github.com/cmyocyte/tor-wasm/pkg/directory"
	"github.com/cmyocyte/tor-wasm/pkg/logger"
)

// testRelay builds a usable relay with the given flags.
func testRelay(id int, bandwidth int, flags ...string) *directory.Relay {
	return &directory.Relay{
		Nickname:     fmt.Sprintf("relay%d", id),
		Fingerprint:  fmt.Sprintf("%040X", id),
		Address:      fmt.Sprintf("10.0.%d.%d", id/256, id%256),
		ORPort:       9001,
		Bandwidth:    bandwidth,
		Flags:        flags,
		NtorOnionKey: make([]byte, 32),
	}
}

func allRoundFlags() []string {
	return []string{"Guard", "Exit", "Fast", "Stable", "Running", "Valid"}
}

// testConsensus builds n relays eligible for every position.
func testConsensus(n int) []*directory.Relay {
	relays := make([]*directory.Relay, 0, n)
	for i := 1; i <= n; i++ {
		relays = append(relays, testRelay(i, 1000*i, allRoundFlags()...))
	}
	return relays
}

func TestCandidatesFiltering(t *testing.T) {
	relays := []*directory.Relay{
		testRelay(1, 100, "Guard", "Fast", "Stable", "Running", "Valid"),
		testRelay(2, 200, "Fast", "Stable", "Running", "Valid"),          // middle only
		testRelay(3, 300, "Exit", "Running", "Valid"),                    // exit only
		testRelay(4, 400, "Exit", "BadExit", "Running", "Valid"),         // bad exit
		testRelay(5, 500, "Guard", "Fast", "Stable", "Valid"),            // not Running
		testRelay(6, 600, "Guard", "Fast", "Stable", "Running", "Valid"), // no ntor key
	}
	relays[5].NtorOnionKey = nil

	s := NewSelector(relays, logger.NewDefault())

	guards := s.Candidates(PositionGuard, 10, nil)
	if len(guards) != 1 || guards[0].Nickname != "relay1" {
		t.Errorf("guard candidates = %v, want only relay1", guards)
	}

	middles := s.Candidates(PositionMiddle, 10, nil)
	if len(middles) != 2 {
		t.Errorf("middle candidates = %d, want 2 (relay1, relay2)", len(middles))
	}

	exits := s.Candidates(PositionExit, 10, nil)
	if len(exits) != 1 || exits[0].Nickname != "relay3" {
		t.Errorf("exit candidates = %v, want only relay3", exits)
	}
}

func TestCandidatesNonStandardPort(t *testing.T) {
	r := testRelay(1, 100, allRoundFlags()...)
	r.ORPort = 12345

	s := NewSelector([]*directory.Relay{r}, logger.NewDefault())
	if got := s.Candidates(PositionGuard, 10, nil); len(got) != 0 {
		t.Errorf("relay on port 12345 selected as guard candidate")
	}
}

func TestCandidatesPreferredHead(t *testing.T) {
	relays := testConsensus(20)
	s := NewSelector(relays, logger.NewDefault())

	preferred := []string{relays[2].Fingerprint, relays[7].Fingerprint}
	got := s.Candidates(PositionGuard, 8, preferred)
	if len(got) < 2 {
		t.Fatalf("got %d candidates, want at least 2", len(got))
	}
	if got[0].Fingerprint != preferred[0] || got[1].Fingerprint != preferred[1] {
		t.Errorf("preferred guards not at head: got %s, %s", got[0].Fingerprint, got[1].Fingerprint)
	}
}

func TestCandidatesDeduplicated(t *testing.T) {
	s := NewSelector(testConsensus(30), logger.NewDefault())
	got := s.Candidates(PositionMiddle, 10, nil)

	seen := make(map[string]bool)
	for _, r := range got {
		if seen[r.Fingerprint] {
			t.Errorf("candidate %s appears twice", r.Fingerprint)
		}
		seen[r.Fingerprint] = true
	}
}

func TestSelectPathDistinctRelays(t *testing.T) {
	s := NewSelector(testConsensus(15), logger.NewDefault())

	p, err := s.SelectPath(nil)
	if err != nil {
		t.Fatalf("SelectPath failed: %v", err)
	}
	if p.Guard.Fingerprint == p.Middle.Fingerprint ||
		p.Guard.Fingerprint == p.Exit.Fingerprint ||
		p.Middle.Fingerprint == p.Exit.Fingerprint {
		t.Errorf("path reuses a relay: %v / %v / %v", p.Guard, p.Middle, p.Exit)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("selected path fails validation: %v", err)
	}
}

func TestSelectPathFamilyExclusion(t *testing.T) {
	// Three relays, all mutually family-declared: no valid path exists.
	relays := testConsensus(3)
	for _, a := range relays {
		for _, b := range relays {
			if a != b {
				a.Family = append(a.Family, b.Fingerprint)
			}
		}
	}

	s := NewSelector(relays, logger.NewDefault())
	if _, err := s.SelectPath(nil); err == nil {
		t.Fatal("SelectPath built a path through a single family")
	}
}

func TestSelectPathAvoidsFamilyPair(t *testing.T) {
	relays := testConsensus(10)
	// relays[0] and relays[1] are family; a valid path must never contain both.
	relays[0].Family = []string{relays[1].Fingerprint}
	relays[1].Family = []string{relays[0].Fingerprint}

	s := NewSelector(relays, logger.NewDefault())
	for i := 0; i < 20; i++ {
		p, err := s.SelectPath(nil)
		if err != nil {
			t.Fatalf("SelectPath failed: %v", err)
		}
		fps := map[string]bool{
			p.Guard.Fingerprint:  true,
			p.Middle.Fingerprint: true,
			p.Exit.Fingerprint:   true,
		}
		if fps[relays[0].Fingerprint] && fps[relays[1].Fingerprint] {
			t.Fatalf("path contains both members of a family")
		}
	}
}

func TestSelectPathInsufficientRelays(t *testing.T) {
	s := NewSelector(nil, logger.NewDefault())
	if _, err := s.SelectPath(nil); err == nil {
		t.Fatal("SelectPath succeeded with an empty consensus")
	}
}

func TestValidateRejectsMissingHop(t *testing.T) {
	p := &Path{Guard: testRelay(1, 1, allRoundFlags()...)}
	if err := p.Validate(); err == nil {
		t.Error("Validate accepted a path with missing hops")
	}
}
