package discovery

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BroadcastServiceType is the mDNS service type all hosts advertise under.
const BroadcastServiceType = "_dcc-rpc._tcp"

const (
	defaultQueryInterval = 5 * time.Second
	defaultQueryTimeout  = time.Second
	// defaultEntryTTL is the liveness window standing in for the protocol's
	// own lease: an advertised instance not re-seen within it is removed from
	// the live cache, mirroring a zeroconf "remove" callback.
	defaultEntryTTL = 30 * time.Second
)

// BroadcastStrategy advertises records on the local network via mDNS and
// browses for records advertised by others.
//
// hashicorp/mdns is query-based rather than callback-push, so the "browser" is
// a background goroutine issuing periodic, rate-limited queries. Each received
// entry is an add/update on the live cache (keyed by the network-level
// instance name); entries not re-seen within entryTTL are removed. Discover
// snapshots that cache — it never touches the network itself beyond warming
// the browser up on first use.
//
// The browser goroutine and caller threads touch the cache concurrently, so
// every access goes through mu.
type BroadcastStrategy struct {
	mu       sync.Mutex
	servers  map[string]*mdns.Server // live advertisements, keyed by instance name
	cache    map[string]*liveEntry   // browsed instances, keyed by instance name
	stop     chan struct{}
	browsing bool
	closed   bool
	warmed   chan struct{} // closed after the browser's first query completes

	clock         clock.Clock
	limiter       *rate.Limiter
	log           *zap.Logger
	queryInterval time.Duration
	queryTimeout  time.Duration
	entryTTL      time.Duration

	// queryFn issues one mDNS query, delivering results to params.Entries.
	// Tests replace it to feed synthetic entries without a network.
	queryFn func(params *mdns.QueryParam) error
}

type liveEntry struct {
	record   *ServiceRecord
	lastSeen time.Time
}

// BroadcastOption configures a BroadcastStrategy.
type BroadcastOption func(*BroadcastStrategy)

// WithBroadcastLogger sets the strategy's logger (default: no-op).
func WithBroadcastLogger(l *zap.Logger) BroadcastOption {
	return func(b *BroadcastStrategy) { b.log = l }
}

// WithBroadcastClock injects a clock for cache-expiry tests.
func WithBroadcastClock(c clock.Clock) BroadcastOption {
	return func(b *BroadcastStrategy) { b.clock = c }
}

// WithQueryInterval overrides how often the browser re-queries the network.
func WithQueryInterval(d time.Duration) BroadcastOption {
	return func(b *BroadcastStrategy) { b.queryInterval = d }
}

// WithEntryTTL overrides the liveness window for browsed entries.
func WithEntryTTL(d time.Duration) BroadcastOption {
	return func(b *BroadcastStrategy) { b.entryTTL = d }
}

// broadcastAvailable reports whether mDNS can work in this runtime. Tests
// override it to force availability either way.
var broadcastAvailable = func() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0 {
			return true
		}
	}
	return false
}

// BroadcastAvailable reports whether the broadcast strategy can be constructed
// in the current runtime (a multicast-capable interface is up).
func BroadcastAvailable() bool {
	return broadcastAvailable()
}

// NewBroadcastStrategy creates the mDNS-backed strategy. It fails with
// ErrStrategyUnavailable when no multicast-capable interface is up; callers
// going through the Factory see that as a nil strategy, not an error.
func NewBroadcastStrategy(opts ...BroadcastOption) (*BroadcastStrategy, error) {
	if !broadcastAvailable() {
		return nil, fmt.Errorf("%w: no multicast-capable interface", ErrStrategyUnavailable)
	}
	b := &BroadcastStrategy{
		servers:       make(map[string]*mdns.Server),
		cache:         make(map[string]*liveEntry),
		stop:          make(chan struct{}),
		warmed:        make(chan struct{}),
		clock:         clock.New(),
		log:           zap.NewNop(),
		queryInterval: defaultQueryInterval,
		queryTimeout:  defaultQueryTimeout,
		entryTTL:      defaultEntryTTL,
		queryFn:       mdns.Query,
	}
	for _, opt := range opts {
		opt(b)
	}
	// One query per half-interval at most, regardless of how many callers hit
	// Discover at once.
	b.limiter = rate.NewLimiter(rate.Every(b.queryInterval/2), 2)
	return b, nil
}

// Register publishes the record as an mDNS advertisement. The TXT records
// carry category and name plus all metadata values coerced to strings.
// Idempotent: re-registering the same name replaces the advertisement.
func (b *BroadcastStrategy) Register(record *ServiceRecord) bool {
	if record == nil || !record.Valid() {
		return false
	}

	txt := []string{
		"category=" + record.Category,
		"name=" + record.Name,
	}
	for k, v := range record.Metadata {
		txt = append(txt, fmt.Sprintf("%s=%v", k, v))
	}

	var ips []net.IP
	if ip := net.ParseIP(record.Host); ip != nil {
		ips = []net.IP{ip}
	} else if ip := localIPv4(); ip != nil {
		ips = []net.IP{ip}
	}

	service, err := mdns.NewMDNSService(
		record.Name,          // instance name
		BroadcastServiceType, // service type
		"",                   // domain (default .local)
		"",                   // host name (default to this machine)
		record.Port,
		ips,
		txt,
	)
	if err != nil {
		b.log.Warn("failed to build mDNS service", zap.Error(err))
		return false
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		b.log.Warn("failed to start mDNS advertisement", zap.Error(err))
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = server.Shutdown()
		return false
	}
	if old, ok := b.servers[record.Name]; ok {
		_ = old.Shutdown()
	}
	b.servers[record.Name] = server
	b.log.Debug("advertising service",
		zap.String("name", record.Name), zap.String("addr", record.Addr()))
	return true
}

// Unregister withdraws the advertisement for record.Name. Best-effort; false
// when nothing is being advertised under that name.
func (b *BroadcastStrategy) Unregister(record *ServiceRecord) bool {
	if record == nil {
		return false
	}
	return b.UnregisterByName(record.Name)
}

// UnregisterByName withdraws the advertisement with the given instance name.
func (b *BroadcastStrategy) UnregisterByName(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	server, ok := b.servers[name]
	if !ok {
		return false
	}
	_ = server.Shutdown()
	delete(b.servers, name)
	delete(b.cache, name) // drop our own browsed copy immediately
	return true
}

// Discover returns a snapshot of the live cache, filtered by category if one
// is given. The first call starts the background browser and blocks briefly
// while it warms up; later calls return immediately from the cache. No
// staleness filtering happens here — entryTTL expiry in the browser loop
// already removed anything that stopped advertising.
func (b *BroadcastStrategy) Discover(category string) []*ServiceRecord {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	if !b.browsing {
		b.browsing = true
		go b.browse()
	}
	warmed := b.warmed
	b.mu.Unlock()

	// Give the first query a chance to land, bounded so a dead network can't
	// stall callers.
	select {
	case <-warmed:
	case <-time.After(b.queryTimeout + time.Second):
	}

	return b.snapshot(category)
}

// snapshot copies the live cache, filtered by category when one is given.
func (b *BroadcastStrategy) snapshot(category string) []*ServiceRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := make([]*ServiceRecord, 0, len(b.cache))
	for _, e := range b.cache {
		if category != "" && e.record.Category != category {
			continue
		}
		records = append(records, e.record)
	}
	return records
}

// Close stops the browser and withdraws every advertisement. Idempotent.
func (b *BroadcastStrategy) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.stop)
	for name, server := range b.servers {
		_ = server.Shutdown()
		delete(b.servers, name)
	}
	return nil
}

// browse is the background browser loop: an immediate first query, then one
// per queryInterval until Close.
func (b *BroadcastStrategy) browse() {
	b.queryOnce()
	close(b.warmed)

	ticker := b.clock.Ticker(b.queryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.queryOnce()
		}
	}
}

// queryOnce issues a single mDNS query, applies every received entry to the
// cache, then expires entries not seen within entryTTL.
func (b *BroadcastStrategy) queryOnce() {
	if !b.limiter.Allow() {
		return
	}

	entries := make(chan *mdns.ServiceEntry, 32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			b.applyEntry(entry)
		}
	}()

	params := &mdns.QueryParam{
		Service:     BroadcastServiceType,
		Domain:      "local",
		Timeout:     b.queryTimeout,
		Entries:     entries,
		DisableIPv6: true,
	}
	if err := b.queryFn(params); err != nil {
		b.log.Debug("mDNS query failed", zap.Error(err))
	}
	close(entries)
	<-done

	b.expire()
}

// applyEntry is the add/update path: one browsed advertisement into the cache.
func (b *BroadcastStrategy) applyEntry(entry *mdns.ServiceEntry) {
	meta := make(map[string]any)
	category := ""
	name := entry.Name
	for _, field := range entry.InfoFields {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch k {
		case "category":
			category = strings.ToLower(v)
		case "name":
			name = v
		default:
			meta[k] = v
		}
	}
	if category == "" {
		return // not one of ours
	}

	host := ""
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	default:
		host = strings.TrimSuffix(entry.Host, ".")
	}

	now := b.clock.Now()
	record := &ServiceRecord{
		Name:      name,
		Host:      host,
		Port:      entry.Port,
		Category:  category,
		Metadata:  meta,
		Timestamp: now.Unix(), // for observability; liveness is entryTTL's job
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.cache[entry.Name] = &liveEntry{record: record, lastSeen: now}
}

// expire is the remove path: drop cached instances that stopped advertising.
func (b *BroadcastStrategy) expire() {
	cutoff := b.clock.Now().Add(-b.entryTTL)

	b.mu.Lock()
	defer b.mu.Unlock()
	for key, e := range b.cache {
		if e.lastSeen.Before(cutoff) {
			b.log.Debug("expiring browsed service", zap.String("instance", key))
			delete(b.cache, key)
		}
	}
}

// localIPv4 finds this machine's non-loopback IPv4 address for advertisement.
func localIPv4() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4
		}
	}
	return nil
}
