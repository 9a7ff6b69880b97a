// Package directory models the network consensus: the relay records the
// client selects paths from, the signed consensus document they arrive in,
// and the fetch/persist cycle that keeps them fresh.
package directory

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/errors"
	"github.com/cmyocyte/tor-wasm/pkg/kvstore"
	"github.com/cmyocyte/tor-wasm/pkg/logger"
)

const (
	// consensusPath is appended to the transport helper's HTTP base URL.
	consensusPath = "/tor/consensus"

	// maxConsensusBody caps the fetched document size.
	maxConsensusBody = 64 << 20

	fetchTimeout = 30 * time.Second
)

// standardORPorts are the OR ports a relay must listen on to be considered
// for circuit construction; anything else is too likely to be filtered.
var standardORPorts = map[int]bool{
	443: true, 9001: true, 9030: true, 9050: true,
	9051: true, 9150: true, 8080: true, 8443: true,
}

// Relay represents one router status entry from the consensus.
type Relay struct {
	Nickname     string
	Fingerprint  string // 40-hex-char SHA-1 of the RSA identity key
	Address      string
	ORPort       int
	DirPort      int
	Flags        []string
	Published    time.Time
	Bandwidth    int
	Family       []string // declared family members, by fingerprint
	NtorOnionKey []byte   // Curve25519 ntor onion key (32 bytes)
}

// HasFlag checks if a relay has a specific flag
func (r *Relay) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IsGuard returns true if the relay is a guard
func (r *Relay) IsGuard() bool { return r.HasFlag("Guard") }

// IsExit returns true if the relay is an exit
func (r *Relay) IsExit() bool { return r.HasFlag("Exit") }

// IsBadExit returns true if the relay is flagged as a bad exit
func (r *Relay) IsBadExit() bool { return r.HasFlag("BadExit") }

// IsFast returns true if the relay is fast
func (r *Relay) IsFast() bool { return r.HasFlag("Fast") }

// IsStable returns true if the relay is stable
func (r *Relay) IsStable() bool { return r.HasFlag("Stable") }

// IsRunning returns true if the relay is running
func (r *Relay) IsRunning() bool { return r.HasFlag("Running") }

// IsValid returns true if the relay is valid
func (r *Relay) IsValid() bool { return r.HasFlag("Valid") }

// IsUsable reports whether the relay can be used for circuit construction:
// Running, Valid, and carrying an ntor onion key.
func (r *Relay) IsUsable() bool {
	return r.IsRunning() && r.IsValid() && len(r.NtorOnionKey) == 32
}

// HasStandardORPort reports whether the relay listens on one of the
// well-known OR ports.
func (r *Relay) HasStandardORPort() bool {
	return standardORPorts[r.ORPort]
}

// GetIdentityKey returns the 20-byte SHA-1 identity fingerprint decoded
// from hex, the NODEID input to the ntor handshake. Returns nil when the
// fingerprint is malformed.
func (r *Relay) GetIdentityKey() []byte {
	raw, err := hex.DecodeString(r.Fingerprint)
	if err != nil || len(raw) != 20 {
		return nil
	}
	return raw
}

// GetNtorOnionKey returns the relay's Curve25519 ntor onion key.
func (r *Relay) GetNtorOnionKey() []byte { return r.NtorOnionKey }

// DeclaresFamily reports whether this relay names fp in its family list.
// Fingerprints are compared case-insensitively, with or without a leading $.
func (r *Relay) DeclaresFamily(fp string) bool {
	want := strings.ToUpper(strings.TrimPrefix(fp, "$"))
	for _, member := range r.Family {
		if strings.ToUpper(strings.TrimPrefix(member, "$")) == want {
			return true
		}
	}
	return false
}

// SharesFamily reports whether a and b mutually declare each other: a
// one-sided claim does not count, matching how relays themselves treat
// family assertions.
func SharesFamily(a, b *Relay) bool {
	if a == nil || b == nil {
		return false
	}
	return a.DeclaresFamily(b.Fingerprint) && b.DeclaresFamily(a.Fingerprint)
}

// String returns a short representation of the relay
func (r *Relay) String() string {
	return fmt.Sprintf("%s (%s) %s:%d", r.Nickname, r.Fingerprint[:minInt(8, len(r.Fingerprint))], r.Address, r.ORPort)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Consensus is the verified network consensus: parsed relays plus the
// timestamps and raw signed text the verification ran against.
type Consensus struct {
	Version    int
	ValidAfter time.Time
	FreshUntil time.Time
	ValidUntil time.Time
	Relays     []*Relay
	RawText    string
}

// IsFresh reports whether the consensus is still within its fresh interval.
func (c *Consensus) IsFresh(now time.Time) bool {
	return !c.FreshUntil.IsZero() && now.Before(c.FreshUntil)
}

// IsExpired reports whether the consensus has passed valid-until and must
// be refetched before further path selection.
func (c *Consensus) IsExpired(now time.Time) bool {
	return !c.ValidUntil.IsZero() && now.After(c.ValidUntil)
}

// envelope is the JSON document the directory endpoint serves: a parsed
// consensus plus the raw signed text, which is mandatory because signature
// verification operates on the raw bytes.
type envelope struct {
	Consensus struct {
		Version int             `json:"version"`
		Relays  []envelopeRelay `json:"relays"`
	} `json:"consensus"`
	RawConsensus string `json:"raw_consensus"`
}

type envelopeRelay struct {
	Nickname     string   `json:"nickname"`
	Fingerprint  string   `json:"fingerprint"`
	Address      string   `json:"address"`
	Port         int      `json:"port"`
	DirPort      int      `json:"dir_port"`
	NtorOnionKey string   `json:"ntor_onion_key"`
	Bandwidth    int      `json:"bandwidth"`
	Published    string   `json:"published"`
	Family       []string `json:"family"`
	Flags        struct {
		Authority bool `json:"authority"`
		BadExit   bool `json:"bad_exit"`
		Exit      bool `json:"exit"`
		Fast      bool `json:"fast"`
		Guard     bool `json:"guard"`
		HSDir     bool `json:"hsdir"`
		Running   bool `json:"running"`
		Stable    bool `json:"stable"`
		V2Dir     bool `json:"v2dir"`
		Valid     bool `json:"valid"`
	} `json:"flags"`
}

// Client fetches, verifies, and persists the network consensus.
type Client struct {
	httpClient *http.Client
	logger     *logger.Logger
	baseURL    string
	store      kvstore.Store
}

// NewClient creates a directory client that fetches from baseURL (the
// transport helper's published HTTP endpoint) and persists through store.
// store may be nil, in which case nothing is persisted.
func NewClient(baseURL string, store kvstore.Store, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Client{
		httpClient: &http.Client{Timeout: fetchTimeout},
		logger:     log.Component("directory"),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		store:      store,
	}
}

// FetchConsensus fetches the consensus envelope, verifies its authority
// signatures against the raw signed text, and persists both forms. An
// under-signed consensus is a fatal ConsensusError; a missing raw_consensus
// field refuses bootstrap outright.
func (c *Client) FetchConsensus(ctx context.Context) (*Consensus, error) {
	if c.baseURL == "" {
		return nil, errors.DirectoryError("no directory base URL configured", nil)
	}

	c.logger.Info("Fetching network consensus", "url", c.baseURL+consensusPath)

	// Transient transport failures retry with backoff; a verification
	// failure below never does.
	var body []byte
	fetchOnce := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+consensusPath, nil)
		if err != nil {
			return errors.DirectoryError("failed to build consensus request", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.DirectoryError("consensus fetch failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return errors.DirectoryError(fmt.Sprintf("consensus fetch returned status %d", resp.StatusCode), nil)
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxConsensusBody))
		if err != nil {
			return errors.DirectoryError("failed to read consensus body", err)
		}
		return nil
	}
	if err := errors.RetryWithPolicy(ctx, errors.DefaultRetryPolicy(), fetchOnce); err != nil {
		return nil, err
	}

	consensus, err := c.ParseAndVerify(body)
	if err != nil {
		return nil, err
	}

	c.persist(body)
	c.logger.Info("Consensus accepted", "relays", len(consensus.Relays), "valid_until", consensus.ValidUntil)
	return consensus, nil
}

// ParseAndVerify decodes a consensus envelope, verifies the signatures on
// its raw text, and builds the relay model. It is the trust boundary: no
// relay record leaves this function without the raw text having carried
// enough recognised authority signatures.
func (c *Client) ParseAndVerify(body []byte) (*Consensus, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.DirectoryError("malformed consensus envelope", err)
	}
	if env.RawConsensus == "" {
		return nil, errors.DirectoryError("consensus envelope missing raw_consensus; cannot verify signatures", nil)
	}
	if env.Consensus.Version < 3 {
		return nil, errors.DirectoryError(fmt.Sprintf("unsupported consensus version %d", env.Consensus.Version), nil)
	}

	if err := VerifyConsensusSignatures([]byte(env.RawConsensus), nil); err != nil {
		return nil, err
	}

	consensus := &Consensus{
		Version: env.Consensus.Version,
		RawText: env.RawConsensus,
	}
	consensus.ValidAfter, consensus.FreshUntil, consensus.ValidUntil = parseConsensusTimestamps(env.RawConsensus)

	dropped := 0
	for _, er := range env.Consensus.Relays {
		relay, err := buildRelay(er)
		if err != nil {
			dropped++
			c.logger.Debug("Dropping malformed relay entry", "nickname", er.Nickname, "error", err)
			continue
		}
		consensus.Relays = append(consensus.Relays, relay)
	}
	if dropped > 0 {
		c.logger.Warn("Dropped malformed relay entries", "dropped", dropped, "kept", len(consensus.Relays))
	}
	if len(consensus.Relays) == 0 {
		return nil, errors.NoRelaysAvailableError("consensus contains no usable relay entries")
	}
	return consensus, nil
}

// LoadCached returns the persisted consensus, re-verifying its signatures,
// or nil when nothing usable is stored.
func (c *Client) LoadCached() (*Consensus, error) {
	if c.store == nil {
		return nil, nil
	}
	body, err := c.store.Get(kvstore.NamespaceConsensus, kvstore.KeyConsensusLatest)
	if err != nil {
		return nil, errors.StorageError("failed to load cached consensus", err)
	}
	if body == nil {
		return nil, nil
	}
	return c.ParseAndVerify(body)
}

// persist stores the consensus envelope and the fetch instant. Storage
// failures degrade to warnings; the in-memory consensus is still usable.
func (c *Client) persist(body []byte) {
	if c.store == nil {
		return
	}
	if err := c.store.Set(kvstore.NamespaceConsensus, kvstore.KeyConsensusLatest, body); err != nil {
		c.logger.Warn("Failed to persist consensus", "error", err)
		return
	}
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	if err := c.store.Set(kvstore.NamespaceConsensus, kvstore.KeyConsensusLastUpdated, []byte(stamp)); err != nil {
		c.logger.Warn("Failed to persist consensus timestamp", "error", err)
	}
}

// buildRelay converts an envelope entry into the relay model, decoding the
// base64 ntor key and mapping the flag booleans onto flag strings.
func buildRelay(er envelopeRelay) (*Relay, error) {
	if len(er.Fingerprint) != 40 {
		return nil, fmt.Errorf("fingerprint %q is not 40 hex characters", er.Fingerprint)
	}
	if _, err := hex.DecodeString(er.Fingerprint); err != nil {
		return nil, fmt.Errorf("fingerprint %q is not hex: %w", er.Fingerprint, err)
	}
	if er.Port <= 0 || er.Port > 65535 {
		return nil, fmt.Errorf("invalid OR port %d", er.Port)
	}

	relay := &Relay{
		Nickname:    er.Nickname,
		Fingerprint: strings.ToUpper(er.Fingerprint),
		Address:     er.Address,
		ORPort:      er.Port,
		DirPort:     er.DirPort,
		Bandwidth:   er.Bandwidth,
		Family:      er.Family,
	}

	if er.NtorOnionKey != "" {
		key, err := base64.StdEncoding.DecodeString(padBase64(er.NtorOnionKey))
		if err != nil {
			return nil, fmt.Errorf("invalid ntor onion key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("ntor onion key is %d bytes, want 32", len(key))
		}
		relay.NtorOnionKey = key
	}

	if er.Published != "" {
		if t, err := time.Parse(time.RFC3339, er.Published); err == nil {
			relay.Published = t
		} else if t, err := time.Parse("2006-01-02 15:04:05", er.Published); err == nil {
			relay.Published = t
		}
	}

	f := er.Flags
	for _, fl := range []struct {
		set  bool
		name string
	}{
		{f.Authority, "Authority"}, {f.BadExit, "BadExit"}, {f.Exit, "Exit"},
		{f.Fast, "Fast"}, {f.Guard, "Guard"}, {f.HSDir, "HSDir"},
		{f.Running, "Running"}, {f.Stable, "Stable"}, {f.V2Dir, "V2Dir"},
		{f.Valid, "Valid"},
	} {
		if fl.set {
			relay.Flags = append(relay.Flags, fl.name)
		}
	}
	return relay, nil
}

// padBase64 restores the padding directory documents strip from base64.
func padBase64(s string) string {
	if m := len(s) % 4; m != 0 {
		return s + strings.Repeat("=", 4-m)
	}
	return s
}

// parseConsensusTimestamps extracts valid-after, fresh-until and
// valid-until from the raw consensus text. Missing lines leave zero times;
// the caller treats those as stale.
func parseConsensusTimestamps(raw string) (validAfter, freshUntil, validUntil time.Time) {
	parse := func(line string) time.Time {
		t, err := time.Parse("2006-01-02 15:04:05", strings.TrimSpace(line))
		if err != nil {
			return time.Time{}
		}
		return t
	}
	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "valid-after "):
			validAfter = parse(strings.TrimPrefix(line, "valid-after "))
		case strings.HasPrefix(line, "fresh-until "):
			freshUntil = parse(strings.TrimPrefix(line, "fresh-until "))
		case strings.HasPrefix(line, "valid-until "):
			validUntil = parse(strings.TrimPrefix(line, "valid-until "))
		}
	}
	return validAfter, freshUntil, validUntil
}
