// Package pool maintains a bounded set of live, reusable client connections so
// repeated calls to the same DCC host don't pay reconnect overhead every time.
//
// Entries are keyed by (category, host, port). Before a cached handle is
// handed back it is validated — connected AND responsive to a ping — because a
// handle whose TCP connection is technically open but whose host has hung is
// worse than no handle at all. Invalid entries get one transparent reconnect
// attempt; if that fails too, the entry is rebuilt from scratch.
//
// State machine per entry:
//
//	Absent → Live (successful connect) → Evicted
//	        (idle timeout | explicit close | pool shutdown | failed validation)
//
// No "reconnecting" state is externally visible.
package pool

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dcc-rpc/client"
	"dcc-rpc/discovery"
	"dcc-rpc/loadbalance"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	// DefaultMaxIdle is how long an unused entry survives before eviction.
	DefaultMaxIdle = 5 * time.Minute
	// DefaultCleanupInterval gates how often GetClient opportunistically
	// sweeps for idle entries.
	DefaultCleanupInterval = time.Minute
	// DefaultConnectTimeout bounds the blocking connect call.
	DefaultConnectTimeout = 5 * time.Second
)

var (
	// ErrServiceNotFound is returned when no address was given and discovery
	// found no instance for the category. Transient from the system's point
	// of view, but actionable for the caller (start the host, pick another
	// category), so it surfaces as an error rather than a nil client.
	ErrServiceNotFound = errors.New("service not found")

	// ErrPoolClosed is returned by GetClient after CloseAll.
	ErrPoolClosed = errors.New("connection pool is closed")
)

// Key identifies one pooled connection.
type Key struct {
	Category string
	Host     string
	Port     int
}

type entry struct {
	client   client.Client
	lastUsed time.Time
}

// Factory builds a client handle for an address. Injectable so tests (and
// callers with custom client implementations) control construction; the
// default builds a client.RPCClient.
type Factory func(category, host string, port int) client.Client

// Pool is the keyed connection cache. Safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	entries     map[Key]*entry
	lastCleanup time.Time
	closed      bool

	// Per-key build locks serialize the lookup-validate-build-store sequence,
	// so two concurrent GetClient calls for the same absent key can't both
	// connect and have one connection overwrite the other in the pool.
	buildMu sync.Mutex
	builds  map[Key]*sync.Mutex

	factory         Factory
	registry        *discovery.ServiceRegistry
	balancer        loadbalance.Balancer
	maxIdle         time.Duration
	cleanupInterval time.Duration
	clock           clock.Clock
	log             *zap.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithFactory replaces the default client factory.
func WithFactory(f Factory) PoolOption {
	return func(p *Pool) { p.factory = f }
}

// WithRegistry enables address auto-discovery: GetClient without an explicit
// address resolves one through this registry.
func WithRegistry(registry *discovery.ServiceRegistry) PoolOption {
	return func(p *Pool) { p.registry = registry }
}

// WithBalancer sets how one instance is picked when discovery returns several
// (default: round-robin).
func WithBalancer(b loadbalance.Balancer) PoolOption {
	return func(p *Pool) { p.balancer = b }
}

// WithMaxIdle overrides the idle-eviction threshold (default 5 minutes).
func WithMaxIdle(d time.Duration) PoolOption {
	return func(p *Pool) { p.maxIdle = d }
}

// WithCleanupInterval overrides the opportunistic-sweep gate (default 1 minute).
func WithCleanupInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.cleanupInterval = d }
}

// WithPoolClock injects a clock for idle-eviction tests.
func WithPoolClock(c clock.Clock) PoolOption {
	return func(p *Pool) { p.clock = c }
}

// WithPoolLogger sets the pool's logger (default: no-op).
func WithPoolLogger(l *zap.Logger) PoolOption {
	return func(p *Pool) { p.log = l }
}

// New creates a pool.
func New(opts ...PoolOption) *Pool {
	p := &Pool{
		entries:         make(map[Key]*entry),
		builds:          make(map[Key]*sync.Mutex),
		maxIdle:         DefaultMaxIdle,
		cleanupInterval: DefaultCleanupInterval,
		clock:           clock.New(),
		log:             zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.factory == nil {
		p.factory = func(category, host string, port int) client.Client {
			return client.New(host, port, client.WithLogger(p.log))
		}
	}
	if p.balancer == nil {
		p.balancer = &loadbalance.RoundRobinBalancer{}
	}
	p.lastCleanup = p.clock.Now()
	return p
}

// GetOption configures one GetClient call.
type GetOption func(*getOptions)

type getOptions struct {
	host        string
	port        int
	autoConnect bool
	timeout     time.Duration
}

// WithAddress targets an explicit host:port instead of discovery.
func WithAddress(host string, port int) GetOption {
	return func(o *getOptions) { o.host, o.port = host, port }
}

// WithTimeout overrides the connect timeout (default 5s).
func WithTimeout(d time.Duration) GetOption {
	return func(o *getOptions) { o.timeout = d }
}

// WithoutAutoConnect returns an unconnected handle; the caller dials it.
// Unconnected handles are not pooled — an entry is only created on a
// successful connect.
func WithoutAutoConnect() GetOption {
	return func(o *getOptions) { o.autoConnect = false }
}

// GetClient returns a live, validated client for the category.
//
// Flow:
//  1. Resolve an address: explicit via WithAddress, else discovery.
//  2. Opportunistically sweep idle entries (gated by cleanupInterval).
//  3. A cached entry is validated and, if live, returned with a refreshed
//     lastUsed; an invalid entry gets one reconnect attempt before being
//     evicted and rebuilt.
//  4. Otherwise a fresh client is built and — once connected — pooled.
//
// Connection failures propagate to the caller; unlike discovery failures they
// are actionable (retry, pick another instance) and hiding them would mask
// real outages.
func (p *Pool) GetClient(category string, opts ...GetOption) (client.Client, error) {
	o := &getOptions{autoConnect: true, timeout: DefaultConnectTimeout}
	for _, opt := range opts {
		opt(o)
	}
	category = strings.ToLower(category)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	host, port := o.host, o.port
	if host == "" || port == 0 {
		record, err := p.resolve(category)
		if err != nil {
			return nil, err
		}
		host, port = record.Host, record.Port
	}

	p.maybeCleanup()

	key := Key{Category: category, Host: host, Port: port}

	build := p.keyLock(key)
	build.Lock()
	defer build.Unlock()

	p.mu.Lock()
	cached, ok := p.entries[key]
	p.mu.Unlock()

	if ok {
		if p.revive(cached.client, o.timeout) {
			p.mu.Lock()
			cached.lastUsed = p.clock.Now()
			p.mu.Unlock()
			p.log.Debug("reusing pooled client", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))
			return cached.client, nil
		}
		// Dead beyond revival: evict and rebuild below.
		p.mu.Lock()
		delete(p.entries, key)
		p.mu.Unlock()
		_ = cached.client.Disconnect()
		p.log.Debug("evicted dead pooled client", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))
	}

	handle := p.factory(category, host, port)
	if o.autoConnect {
		if err := handle.Connect(o.timeout); err != nil {
			return nil, err
		}
	}
	if handle.IsConnected() {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = handle.Disconnect()
			return nil, ErrPoolClosed
		}
		p.entries[key] = &entry{client: handle, lastUsed: p.clock.Now()}
		p.mu.Unlock()
	}
	return handle, nil
}

// keyLock returns the build lock for key, creating it on first use.
func (p *Pool) keyLock(key Key) *sync.Mutex {
	p.buildMu.Lock()
	defer p.buildMu.Unlock()
	m, ok := p.builds[key]
	if !ok {
		m = &sync.Mutex{}
		p.builds[key] = m
	}
	return m
}

// revive reports whether the handle is usable, attempting one reconnect on a
// disconnected handle. A handle that connects but fails the ping is
// connected-but-unresponsive and counts as dead.
func (p *Pool) revive(c client.Client, timeout time.Duration) bool {
	if !c.IsConnected() {
		if err := c.Connect(timeout); err != nil {
			return false
		}
	}
	return c.Ping() == nil
}

// resolve finds an address for category through discovery, preferring
// broadcast results (live on the network right now) over the file registry,
// with any other registered strategies as a last resort.
func (p *Pool) resolve(category string) (*discovery.ServiceRecord, error) {
	if p.registry == nil {
		return nil, fmt.Errorf("%w: %q (no address given and no registry configured)", ErrServiceNotFound, category)
	}

	preferred := []string{discovery.KindBroadcast, discovery.KindFile}
	tried := make(map[string]bool)
	order := make([]string, 0, 4)
	registered := p.registry.ListStrategies()
	for _, kind := range preferred {
		for _, name := range registered {
			if name == kind {
				order = append(order, name)
				tried[name] = true
			}
		}
	}
	for _, name := range registered {
		if !tried[name] {
			order = append(order, name)
		}
	}

	for _, name := range order {
		records, err := p.registry.DiscoverServices(name, category)
		if err != nil || len(records) == 0 {
			continue
		}
		record, err := p.balancer.Pick(records)
		if err != nil {
			continue
		}
		return record, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, category)
}

// CloseClient disconnects and removes one entry. Returns false when the entry
// is absent or the disconnect failed (the entry is removed either way).
func (p *Pool) CloseClient(category, host string, port int) bool {
	key := Key{Category: strings.ToLower(category), Host: host, Port: port}

	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	if err := e.client.Disconnect(); err != nil {
		p.log.Warn("disconnect failed", zap.String("host", host), zap.Int("port", port), zap.Error(err))
		return false
	}
	return true
}

// CleanupIdle evicts entries unused for longer than maxIdle. Disconnect
// errors are logged; they never keep an entry in the pool.
func (p *Pool) CleanupIdle() int {
	cutoff := p.clock.Now().Add(-p.maxIdle)

	// Snapshot the victims under the lock, disconnect outside it — never
	// mutate the live map while iterating it, and never hold the pool lock
	// across a network call.
	p.mu.Lock()
	var victims []*entry
	for key, e := range p.entries {
		if e.lastUsed.Before(cutoff) {
			victims = append(victims, e)
			delete(p.entries, key)
		}
	}
	p.mu.Unlock()

	for _, e := range victims {
		if err := e.client.Disconnect(); err != nil {
			p.log.Warn("disconnect failed during idle cleanup", zap.Error(err))
		}
	}
	return len(victims)
}

// CloseAll disconnects everything and shuts the pool down.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	p.closed = true
	victims := make([]*entry, 0, len(p.entries))
	for key, e := range p.entries {
		victims = append(victims, e)
		delete(p.entries, key)
	}
	p.mu.Unlock()

	for _, e := range victims {
		if err := e.client.Disconnect(); err != nil {
			p.log.Warn("disconnect failed during pool shutdown", zap.Error(err))
		}
	}
}

// Len reports how many entries the pool currently holds.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// maybeCleanup runs an idle sweep when the last one is older than
// cleanupInterval.
func (p *Pool) maybeCleanup() {
	p.mu.Lock()
	due := p.clock.Now().Sub(p.lastCleanup) > p.cleanupInterval
	if due {
		p.lastCleanup = p.clock.Now()
	}
	p.mu.Unlock()

	if due {
		p.CleanupIdle()
	}
}
