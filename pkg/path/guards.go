// Persistent entry-guard policy: a small, long-lived set of guards the
// client keeps returning to, with failure tracking, temporary bad-marking,
// and a rotation horizon after which the whole set is reselected.
package path

import (
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/directory"
	"github.com/cmyocyte/tor-wasm/pkg/errors"
	"github.com/cmyocyte/tor-wasm/pkg/kvstore"
	"github.com/cmyocyte/tor-wasm/pkg/logger"
)

// Guard policy constants.
const (
	// MinUsableGuards triggers a refresh when fewer guards remain usable.
	MinUsableGuards = 3
	// MaxGuards is the target size of the guard set.
	MaxGuards = 5
	// RotationHorizon forces a full reselection of the guard set.
	RotationHorizon = 60 * 24 * time.Hour
	// FailureThreshold marks a guard bad after this many consecutive failures.
	FailureThreshold = 5
	// BadDuration is how long a failed-out guard is skipped.
	BadDuration = time.Hour
	// InactivityExpiry garbage-collects guards unused for this long.
	InactivityExpiry = 24 * time.Hour
)

// guardRecord is the per-fingerprint persistent state.
type guardRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	BadUntil    time.Time `json:"bad_until,omitempty"`
	LastUsed    time.Time `json:"last_used"`
}

// guardState is the serialized form of the guard set.
type guardState struct {
	Guards      []guardRecord `json:"guards"`
	SelectedAt  time.Time     `json:"selected_at"`
	RotateAfter time.Time     `json:"rotate_after"`
}

// GuardManager owns the persistent guard set. All mutation persists
// through the KV store; storage failures degrade to in-memory operation.
type GuardManager struct {
	logger *logger.Logger
	store  kvstore.Store
	mu     sync.Mutex
	state  guardState
	rng    *rand.Rand
}

// NewGuardManager loads the persisted guard set from store. A nil store
// keeps the set in memory only.
func NewGuardManager(store kvstore.Store, log *logger.Logger) *GuardManager {
	if log == nil {
		log = logger.NewDefault()
	}
	gm := &GuardManager{
		logger: log.Component("guards"),
		store:  store,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 - guard draw order, not key material
	}
	gm.load()
	return gm
}

func (gm *GuardManager) load() {
	if gm.store == nil {
		return
	}
	data, err := gm.store.Get(kvstore.NamespaceState, kvstore.KeyGuards)
	if err != nil {
		gm.logger.Warn("Failed to load guard state, starting fresh", "error", err)
		return
	}
	if data == nil {
		return
	}
	if err := json.Unmarshal(data, &gm.state); err != nil {
		gm.logger.Warn("Persisted guard state unreadable, starting fresh", "error", err)
		gm.state = guardState{}
		return
	}
	gm.logger.Info("Loaded guard state", "guards", len(gm.state.Guards), "rotate_after", gm.state.RotateAfter)
}

// persistLocked writes the current state through the store. Callers hold mu.
func (gm *GuardManager) persistLocked() {
	if gm.store == nil {
		return
	}
	data, err := json.Marshal(gm.state)
	if err != nil {
		gm.logger.Warn("Failed to serialize guard state", "error", err)
		return
	}
	if err := gm.store.Set(kvstore.NamespaceState, kvstore.KeyGuards, data); err != nil {
		gm.logger.Warn("Failed to persist guard state, continuing in memory", "error", err)
	}
}

// Serialize returns the guard set's persistent form.
func (gm *GuardManager) Serialize() ([]byte, error) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	data, err := json.Marshal(gm.state)
	if err != nil {
		return nil, errors.StorageError("failed to serialize guard state", err)
	}
	return data, nil
}

// Deserialize replaces the guard set with a previously serialized form.
func (gm *GuardManager) Deserialize(data []byte) error {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	var state guardState
	if err := json.Unmarshal(data, &state); err != nil {
		return errors.StorageError("failed to deserialize guard state", err)
	}
	gm.state = state
	gm.persistLocked()
	return nil
}

func (gm *GuardManager) recordFor(fp string) *guardRecord {
	for i := range gm.state.Guards {
		if gm.state.Guards[i].Fingerprint == fp {
			return &gm.state.Guards[i]
		}
	}
	return nil
}

// usableCountLocked counts guards not currently marked bad.
func (gm *GuardManager) usableCountLocked(now time.Time) int {
	usable := 0
	for i := range gm.state.Guards {
		if now.After(gm.state.Guards[i].BadUntil) {
			usable++
		}
	}
	return usable
}

// NeedsRefresh reports whether the guard set must be reselected: empty,
// past its rotation horizon, or with fewer than MinUsableGuards usable.
func (gm *GuardManager) NeedsRefresh(now time.Time) bool {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if len(gm.state.Guards) == 0 {
		return true
	}
	if !gm.state.RotateAfter.IsZero() && now.After(gm.state.RotateAfter) {
		return true
	}
	return gm.usableCountLocked(now) < MinUsableGuards
}

// Refresh reselects the guard set from the consensus: eligible guards
// sorted by bandwidth, repeatedly drawn from the top 20% until MaxGuards
// distinct fingerprints accumulate. Persists the new set.
func (gm *GuardManager) Refresh(relays []*directory.Relay, now time.Time) error {
	candidates := make([]*directory.Relay, 0, len(relays))
	for _, r := range relays {
		if eligible(r, PositionGuard) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return errors.NoRelaysAvailableError("no usable guards in consensus")
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Bandwidth > candidates[j].Bandwidth })

	top := len(candidates) / 5
	if top < 1 {
		top = 1
	}

	gm.mu.Lock()
	defer gm.mu.Unlock()

	seen := make(map[string]bool)
	selected := make([]guardRecord, 0, MaxGuards)
	for tries := 0; len(selected) < MaxGuards && tries < 20*top; tries++ {
		r := candidates[gm.rng.Intn(top)]
		if seen[r.Fingerprint] {
			continue
		}
		seen[r.Fingerprint] = true
		selected = append(selected, guardRecord{Fingerprint: r.Fingerprint, LastUsed: now})
	}

	gm.state = guardState{
		Guards:      selected,
		SelectedAt:  now,
		RotateAfter: now.Add(RotationHorizon),
	}
	gm.persistLocked()
	gm.logger.Info("Selected new guard set", "guards", len(selected), "rotate_after", gm.state.RotateAfter)
	return nil
}

// Preferred returns the fingerprints of guards currently usable (not
// marked bad), in set order, for the selector to place at the head of the
// guard candidate list.
func (gm *GuardManager) Preferred(now time.Time) []string {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	out := make([]string, 0, len(gm.state.Guards))
	for i := range gm.state.Guards {
		if now.After(gm.state.Guards[i].BadUntil) {
			out = append(out, gm.state.Guards[i].Fingerprint)
		}
	}
	return out
}

// IsBad reports whether the guard is currently marked bad.
func (gm *GuardManager) IsBad(fp string, now time.Time) bool {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	rec := gm.recordFor(fp)
	return rec != nil && now.Before(rec.BadUntil)
}

// RecordFailure notes a handshake failure against the guard; at
// FailureThreshold consecutive failures the guard is marked bad for
// BadDuration. Persists.
func (gm *GuardManager) RecordFailure(fp string, now time.Time) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	rec := gm.recordFor(fp)
	if rec == nil {
		return
	}
	rec.Failures++
	rec.LastFailure = now
	if rec.Failures >= FailureThreshold {
		rec.BadUntil = now.Add(BadDuration)
		gm.logger.Warn("Guard marked bad", "fingerprint", fp, "failures", rec.Failures, "bad_until", rec.BadUntil)
	}
	gm.persistLocked()
}

// RecordSuccess clears the guard's failure state and refreshes its
// last-used timestamp. Persists.
func (gm *GuardManager) RecordSuccess(fp string, now time.Time) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	rec := gm.recordFor(fp)
	if rec == nil {
		return
	}
	rec.Failures = 0
	rec.LastFailure = time.Time{}
	rec.BadUntil = time.Time{}
	rec.LastUsed = now
	gm.persistLocked()
}

// CleanupExpired drops guards unused for longer than InactivityExpiry.
func (gm *GuardManager) CleanupExpired(now time.Time) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	kept := gm.state.Guards[:0]
	removed := 0
	for _, rec := range gm.state.Guards {
		if now.Sub(rec.LastUsed) < InactivityExpiry {
			kept = append(kept, rec)
		} else {
			removed++
		}
	}
	if removed > 0 {
		gm.state.Guards = kept
		gm.persistLocked()
		gm.logger.Info("Removed inactive guards", "removed", removed, "remaining", len(kept))
	}
}

// Stats summarises the guard set for diagnostics.
type Stats struct {
	TotalGuards  int
	UsableGuards int
	SelectedAt   time.Time
	RotateAfter  time.Time
}

// GetStats returns guard set statistics.
func (gm *GuardManager) GetStats() Stats {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	return Stats{
		TotalGuards:  len(gm.state.Guards),
		UsableGuards: gm.usableCountLocked(time.Now()),
		SelectedAt:   gm.state.SelectedAt,
		RotateAfter:  gm.state.RotateAfter,
	}
}
