// Package client wires the protocol engine together: consensus fetch and
// verification, guard policy, circuit construction, the per-circuit
// cooperative scheduler, stream open, and TLS layering. It is the module's
// public entry point for embedding hosts.
package client

import (
	"context"
	"io"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/cell"
	"github.com/cmyocyte/tor-wasm/pkg/circuit"
	"github.com/cmyocyte/tor-wasm/pkg/config"
	"github.com/cmyocyte/tor-wasm/pkg/directory"
	"github.com/cmyocyte/tor-wasm/pkg/errors"
	"github.com/cmyocyte/tor-wasm/pkg/kvstore"
	"github.com/cmyocyte/tor-wasm/pkg/logger"
	"github.com/cmyocyte/tor-wasm/pkg/metrics"
	"github.com/cmyocyte/tor-wasm/pkg/padding"
	"github.com/cmyocyte/tor-wasm/pkg/path"
	"github.com/cmyocyte/tor-wasm/pkg/ratelimit"
	"github.com/cmyocyte/tor-wasm/pkg/scheduler"
	"github.com/cmyocyte/tor-wasm/pkg/shaping"
	"github.com/cmyocyte/tor-wasm/pkg/stream"
	"github.com/cmyocyte/tor-wasm/pkg/tlsstream"
	"github.com/cmyocyte/tor-wasm/pkg/transport"
)

// circuitRuntime is the live machinery around one built circuit: its
// scheduler, the connection pump feeding it, padding, and per-circuit
// stream accounting.
type circuitRuntime struct {
	circ       *circuit.Circuit
	sched      *scheduler.Scheduler
	padding    *padding.Machine
	streams    *ratelimit.StreamCounter
	nextStream uint16
	mu         sync.Mutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func (rt *circuitRuntime) allocStreamID() uint16 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.nextStream++
	if rt.nextStream == 0 {
		rt.nextStream = 1
	}
	return rt.nextStream
}

func (rt *circuitRuntime) shutdown() {
	rt.stopOnce.Do(func() {
		close(rt.stop)
		rt.sched.Close()
		rt.circ.SetState(circuit.StateClosed)
		// Closing the channel unblocks the pump's pending read.
		if closer, ok := rt.circ.Connection().(io.Closer); ok {
			_ = closer.Close()
		}
	})
}

// Client is a browser-resident onion-routing client instance.
type Client struct {
	config    *config.Config
	logger    *logger.Logger
	store     kvstore.Store
	dial      transport.Dial
	dirClient *directory.Client
	metrics   *metrics.Metrics

	policy         circuit.IsolationPolicy
	cache          *circuit.Cache
	circuitLimiter *ratelimit.CircuitLimiter
	byteBudgetCap  int
	buildBreaker   *errors.CircuitBreaker

	mu           sync.Mutex
	consensus    *directory.Consensus
	guards       *path.GuardManager
	selector     *path.Selector
	manager      *circuit.Manager
	builder      *circuit.Builder
	runtimes     map[uint32]*circuitRuntime
	bootstrapped bool
	destroyed    bool
}

// New creates a client from cfg. No network activity happens until
// Bootstrap.
func New(cfg *config.Config, log *logger.Logger) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigurationError("invalid configuration", err)
	}
	if log == nil {
		log = logger.NewDefault()
	}

	// Persistent state store: encrypted files when a state directory is
	// configured, in-memory otherwise. A store that fails to open degrades
	// to memory; guard persistence is then session-only.
	var store kvstore.Store
	if cfg.StateDir != "" {
		fs, err := kvstore.NewFileStore(cfg.StateDir, cfg.StateSecret)
		if err != nil {
			log.Warn("Persistent store unavailable, state kept in memory", "error", err)
			store = kvstore.NewMemoryStore()
		} else {
			store = fs
		}
	} else {
		store = kvstore.NewMemoryStore()
	}

	var dial transport.Dial
	if cfg.ProxyAddr != "" {
		d, err := transport.ProxyDialer(transport.ProxyDialerConfig{ProxyAddr: cfg.ProxyAddr, BridgeURL: cfg.DirectoryURL})
		if err != nil {
			return nil, err
		}
		dial = d
	} else {
		dial = transport.DirectDialer()
	}

	policy, err := circuit.ParseIsolationPolicy(cfg.IsolationPolicy)
	if err != nil {
		return nil, errors.ConfigurationError("invalid isolation policy", err)
	}

	c := &Client{
		config:    cfg,
		logger:    log.Component("client"),
		store:     store,
		dial:      dial,
		dirClient: directory.NewClient(cfg.DirectoryURL, store, log),
		metrics:   metrics.New(),
		policy:    policy,
		cache: circuit.NewCache(circuit.CacheConfig{
			Capacity:    cfg.CacheCapacity,
			MaxAge:      cfg.CacheMaxAge,
			MaxRequests: cfg.CacheMaxRequests,
		}, log),
		circuitLimiter: ratelimit.NewCircuitLimiter(cfg.CircuitsPerMinute),
		byteBudgetCap:  cfg.StreamBytesPerSec,
		buildBreaker:   errors.NewCircuitBreaker(errors.DefaultCircuitBreakerConfig()),
		manager:        circuit.NewManager(),
		runtimes:       make(map[uint32]*circuitRuntime),
	}
	return c, nil
}

// SetDialer overrides the transport dialer, e.g. to inject the host's
// proxy pipe. Must be called before Bootstrap.
func (c *Client) SetDialer(dial transport.Dial) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dial = dial
}

// Bootstrap fetches and verifies the consensus (loading the persisted copy
// when still valid), then loads or selects the guard set. Fatal errors
// (under-signed consensus) destroy the client instance.
func (c *Client) Bootstrap(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return errors.InvalidStateError("client has been destroyed")
	}
	if c.bootstrapped {
		return nil
	}

	consensus, err := c.loadOrFetchConsensus(ctx)
	if err != nil {
		if errors.IsFatal(err) {
			c.destroyed = true
			c.logger.Error("Fatal error during bootstrap, destroying client", "error", err)
		}
		return err
	}
	c.consensus = consensus

	c.guards = path.NewGuardManager(c.store, c.logger)
	now := time.Now()
	c.guards.CleanupExpired(now)
	if c.guards.NeedsRefresh(now) {
		if err := c.guards.Refresh(consensus.Relays, now); err != nil {
			return err
		}
	}
	stats := c.guards.GetStats()
	c.metrics.GuardsActive.Set(int64(stats.TotalGuards))
	c.metrics.GuardsConfirmed.Set(int64(stats.UsableGuards))

	c.selector = path.NewSelector(consensus.Relays, c.logger)
	c.builder = circuit.NewBuilder(c.manager, c.selector, c.guards, c.dial, c.logger)
	c.builder.SetConfig(circuit.BuilderConfig{
		AttemptTimeout: c.config.CircuitBuildTimeout,
		MaxAttempts:    c.config.MaxBuildAttempts,
	})

	c.bootstrapped = true
	c.logger.Info("Bootstrap complete", "relays", len(consensus.Relays), "guards", stats.TotalGuards)
	return nil
}

// loadOrFetchConsensus serves from the persisted consensus while it is
// still valid, fetching (and persisting) a fresh one otherwise.
func (c *Client) loadOrFetchConsensus(ctx context.Context) (*directory.Consensus, error) {
	now := time.Now()
	cached, err := c.dirClient.LoadCached()
	if err == nil && cached != nil && !cached.IsExpired(now) {
		c.logger.Info("Using persisted consensus", "relays", len(cached.Relays), "valid_until", cached.ValidUntil)
		return cached, nil
	}
	if err != nil {
		c.logger.Warn("Persisted consensus unusable, refetching", "error", err)
	}
	return c.dirClient.FetchConsensus(ctx)
}

// IsBootstrapped reports whether Bootstrap has completed.
func (c *Client) IsBootstrapped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootstrapped
}

// Conn is an open stream through a circuit, optionally TLS-wrapped.
type Conn interface {
	io.ReadWriteCloser
}

// streamConn adapts a RelayConn's context-aware API to io.ReadWriteCloser
// for the embedder, enforcing the per-stream byte budget on writes.
type streamConn struct {
	rc      *stream.RelayConn
	rt      *circuitRuntime
	budget  *ratelimit.ByteBudget
	metrics *metrics.Metrics
	release sync.Once
}

func (s *streamConn) Read(p []byte) (int, error) {
	return s.rc.Read(context.Background(), p)
}

func (s *streamConn) Write(p []byte) (int, error) {
	if s.budget != nil {
		if err := s.budget.Record(time.Now(), len(p)); err != nil {
			return 0, err
		}
	}
	return s.rc.Write(context.Background(), p)
}

func (s *streamConn) Close() error {
	err := s.rc.Close()
	s.release.Do(func() {
		s.rt.streams.Release()
		if s.metrics != nil {
			s.metrics.RecordStreamClose()
		}
	})
	return err
}

// Open opens a stream to host:port over a circuit bound to the
// destination's isolation key, building a circuit on a cache miss. When
// useTLS is set the stream is wrapped in a TLS client handshake against
// host before being returned.
func (c *Client) Open(ctx context.Context, host string, port uint16, useTLS bool) (Conn, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, errors.InvalidStateError("client has been destroyed")
	}
	if !c.bootstrapped {
		c.mu.Unlock()
		return nil, errors.NotBootstrappedError("Bootstrap must complete before opening streams")
	}
	c.mu.Unlock()

	if host == "" || port == 0 {
		return nil, errors.InvalidUrlError("host and port are required")
	}

	key := circuit.IsolationKeyFor(c.policy, host, port)
	rt, err := c.circuitFor(ctx, key)
	if err != nil {
		if errors.IsFatal(err) {
			c.destroy()
		}
		return nil, err
	}

	if err := rt.streams.Acquire(); err != nil {
		return nil, err
	}

	streamID := rt.allocStreamID()
	relayConn, err := stream.Open(ctx, rt.sched, streamID, host, port, c.logger)
	c.metrics.RecordStreamOpen(err == nil)
	if err != nil {
		rt.streams.Release()
		return nil, err
	}

	sc := &streamConn{
		rc:      relayConn,
		rt:      rt,
		budget:  ratelimit.NewByteBudget(c.byteBudgetCap),
		metrics: c.metrics,
	}
	if !useTLS {
		return sc, nil
	}

	tlsStart := time.Now()
	tlsConn, err := tlsstream.Client(ctx, relayConn, tlsstream.NewClientConfig(host), c.config.TLSHandshakeDeadline)
	if err != nil {
		_ = sc.Close()
		return nil, err
	}
	c.metrics.RecordTLSHandshake(time.Since(tlsStart))
	return &tlsConnWrapper{Conn: tlsConn, inner: sc}, nil
}

// tlsConnWrapper closes the underlying stream accounting alongside the TLS
// layer.
type tlsConnWrapper struct {
	*tlsstream.Conn
	inner *streamConn
}

func (w *tlsConnWrapper) Close() error {
	err := w.Conn.Close()
	w.inner.release.Do(func() {
		w.inner.rt.streams.Release()
		if w.inner.metrics != nil {
			w.inner.metrics.RecordStreamClose()
		}
	})
	return err
}

// Fetch opens a stream for rawURL: TLS for https, plain for http. Request
// assembly on top of the returned connection is the embedder's concern.
func (c *Client) Fetch(ctx context.Context, rawURL string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.InvalidUrlError("unparseable URL: " + rawURL)
	}
	host := u.Hostname()
	if host == "" {
		return nil, errors.InvalidUrlError("URL has no host: " + rawURL)
	}

	var port uint16
	var useTLS bool
	switch u.Scheme {
	case "http":
		port = 80
	case "https":
		port = 443
		useTLS = true
	default:
		return nil, errors.InvalidUrlError("unsupported scheme: " + u.Scheme)
	}
	if p := u.Port(); p != "" {
		parsed, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, errors.InvalidUrlError("invalid port in URL: " + rawURL)
		}
		port = uint16(parsed)
	}
	return c.Open(ctx, host, port, useTLS)
}

// circuitFor returns the runtime of the circuit cached under key, building
// one (rate-limited) on a miss.
func (c *Client) circuitFor(ctx context.Context, key string) (*circuitRuntime, error) {
	if circ, ok := c.cache.Get(key); ok {
		c.mu.Lock()
		rt, ok := c.runtimes[circ.ID]
		c.mu.Unlock()
		if ok {
			c.metrics.IsolationHits.Inc()
			return rt, nil
		}
		// Runtime gone but cache entry lingered: rebuild below.
		c.cache.Invalidate(key)
	}
	c.metrics.IsolationMisses.Inc()

	if err := c.circuitLimiter.RecordCircuitCreated(time.Now()); err != nil {
		return nil, err
	}

	// The breaker fails fast when builds keep collapsing, instead of
	// hammering guards that are clearly unreachable.
	var circ *circuit.Circuit
	start := time.Now()
	err := c.buildBreaker.Execute(ctx, func() error {
		built, buildErr := c.builder.BuildCircuit(ctx)
		if buildErr != nil {
			return buildErr
		}
		circ = built
		return nil
	})
	c.metrics.RecordCircuitBuild(err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}

	rt := c.attachRuntime(circ)
	c.cache.Put(key, circ)
	c.mu.Lock()
	c.metrics.ActiveCircuits.Set(int64(len(c.runtimes)))
	c.mu.Unlock()
	return rt, nil
}

// attachRuntime starts the scheduler, the connection pump, and padding for
// a freshly built circuit.
func (c *Client) attachRuntime(circ *circuit.Circuit) *circuitRuntime {
	if c.config.ShapingPaddingProbability > 0 || c.config.ShapingMinInterCellDelay > 0 || c.config.ShapingChaffInterval > 0 {
		circ.SetShaper(shaping.New(shaping.Config{
			PaddingProbability: c.config.ShapingPaddingProbability,
			MinInterCellDelay:  c.config.ShapingMinInterCellDelay,
			ChaffInterval:      c.config.ShapingChaffInterval,
		}))
	}

	rt := &circuitRuntime{
		circ:    circ,
		sched:   scheduler.New(circ, scheduler.DefaultConfig()),
		streams: ratelimit.NewStreamCounter(c.config.MaxStreamsPerCirc),
		stop:    make(chan struct{}),
	}
	if c.config.PaddingEnabled {
		rt.padding = padding.New()
	}

	c.mu.Lock()
	c.runtimes[circ.ID] = rt
	c.mu.Unlock()

	go c.pump(rt)
	if rt.padding != nil {
		go c.padLoop(rt)
	}
	return rt
}

// pump reads cells off the circuit's connection, peels them, and routes
// the inner relay cells to the scheduler's per-stream queues.
func (c *Client) pump(rt *circuitRuntime) {
	conn, ok := rt.circ.Connection().(interface {
		ReceiveCell() (*cell.Cell, error)
	})
	if !ok {
		c.logger.Error("Circuit has no receivable connection", "circuit_id", rt.circ.ID)
		rt.shutdown()
		return
	}

	for {
		select {
		case <-rt.stop:
			return
		default:
		}

		received, err := conn.ReceiveCell()
		if err != nil {
			c.logger.Info("Circuit connection closed", "circuit_id", rt.circ.ID, "error", err)
			c.detachRuntime(rt)
			return
		}

		switch received.Command {
		case cell.CmdRelay, cell.CmdRelayEarly:
			inner, err := rt.circ.HandleInbound(received)
			if err != nil {
				c.logger.Warn("Dropping undecryptable cell", "circuit_id", rt.circ.ID, "error", err)
				if rt.circ.GetState() == circuit.StateClosed {
					c.detachRuntime(rt)
					return
				}
				continue
			}
			if inner == nil {
				continue
			}
			if inner.StreamID == 0 {
				// Circuit-addressed reply (e.g. RELAY_RESOLVED): hand it
				// to the circuit's own receive queue.
				if err := rt.circ.QueueRelayCell(inner); err != nil {
					c.logger.Debug("Dropping circuit-level relay cell", "command", cell.RelayCmdString(inner.Command), "error", err)
				}
				continue
			}
			if err := rt.sched.Deliver(inner); err != nil {
				c.logger.Debug("Undeliverable relay cell", "stream_id", inner.StreamID, "error", err)
			}
		case cell.CmdDestroy:
			c.logger.Warn("Circuit destroyed by relay", "circuit_id", rt.circ.ID)
			c.detachRuntime(rt)
			return
		case cell.CmdPaddingNegotiated:
			if rt.padding != nil {
				accepted, err := padding.ParseNegotiated(received.Payload)
				if err == nil {
					rt.padding.OnNegotiated(accepted)
				}
			}
		case cell.CmdPadding, cell.CmdVPadding:
			// Padding from the relay: activity only.
			rt.circ.RecordActivity()
		default:
			c.logger.Debug("Ignoring cell", "command", received.Command, "circuit_id", rt.circ.ID)
		}
	}
}

// padLoop negotiates channel padding and then ticks the padding machine,
// emitting PADDING cells when its timer fires.
func (c *Client) padLoop(rt *circuitRuntime) {
	conn, ok := rt.circ.Connection().(interface {
		SendCell(*cell.Cell) error
	})
	if !ok {
		return
	}

	negotiate := &cell.Cell{Command: cell.CmdPaddingNegotiate, Payload: rt.padding.NegotiatePayload()}
	if err := conn.SendCell(negotiate); err != nil {
		c.logger.Debug("Padding negotiation failed", "error", err)
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stop:
			return
		case now := <-ticker.C:
			if padCell := rt.padding.Tick(now); padCell != nil {
				if err := conn.SendCell(padCell); err != nil {
					c.logger.Debug("Padding cell send failed", "error", err)
					return
				}
			}
		}
	}
}

// detachRuntime tears down a circuit's runtime and drops it from the
// cache.
func (c *Client) detachRuntime(rt *circuitRuntime) {
	rt.shutdown()

	c.mu.Lock()
	delete(c.runtimes, rt.circ.ID)
	c.metrics.ActiveCircuits.Set(int64(len(c.runtimes)))
	c.mu.Unlock()

	if key := rt.circ.GetIsolationKey(); key != "" {
		c.cache.Invalidate(key)
	}
	if err := c.manager.CloseCircuit(rt.circ.ID); err != nil {
		c.logger.Debug("Circuit already removed", "circuit_id", rt.circ.ID)
	}
}

// destroy marks the client unusable after a fatal error.
func (c *Client) destroy() {
	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
	c.logger.Error("Client destroyed after fatal error")
	c.Close()
}

// SetIsolationPolicy changes the isolation policy; all cached circuits are
// retired because their keys no longer apply.
func (c *Client) SetIsolationPolicy(policy circuit.IsolationPolicy) {
	c.mu.Lock()
	c.policy = policy
	c.mu.Unlock()
	c.cache.Clear()
}

// Stats summarises the client for diagnostics.
type Stats struct {
	Bootstrapped    bool
	Relays          int
	ActiveCircuits  int
	CachedCircuits  int
	GuardsActive    int
	GuardsUsable    int
	CircuitBuilds   int64
	CircuitFailures int64
}

// GetStats returns a snapshot of client state.
func (c *Client) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.metrics.Snapshot()
	s := Stats{
		Bootstrapped:    c.bootstrapped,
		ActiveCircuits:  len(c.runtimes),
		CachedCircuits:  c.cache.Len(),
		CircuitBuilds:   snap.CircuitBuilds,
		CircuitFailures: snap.CircuitBuildFailure,
	}
	if c.consensus != nil {
		s.Relays = len(c.consensus.Relays)
	}
	if c.guards != nil {
		gs := c.guards.GetStats()
		s.GuardsActive = gs.TotalGuards
		s.GuardsUsable = gs.UsableGuards
	}
	return s
}

// Close tears down every circuit runtime.
func (c *Client) Close() {
	c.mu.Lock()
	rts := make([]*circuitRuntime, 0, len(c.runtimes))
	for _, rt := range c.runtimes {
		rts = append(rts, rt)
	}
	c.mu.Unlock()

	for _, rt := range rts {
		c.detachRuntime(rt)
	}
	c.cache.Clear()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.manager.Close(ctx); err != nil {
		c.logger.Debug("Circuit manager close", "error", err)
	}
}

// loggerFromEnv builds a logger honouring the configured level, falling
// back to info on parse failure.
func loggerFromEnv(cfg *config.Config) *logger.Logger {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return logger.NewDefault()
	}
	return logger.New(level, os.Stderr)
}
