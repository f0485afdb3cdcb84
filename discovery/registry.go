package discovery

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// InstanceInfo is one row of the "what's out there" view: name/host/port/
// category plus every metadata value flattened to the top level, so UIs can
// show version, scene, user, ... without digging into a nested map.
type InstanceInfo map[string]any

// ServiceRegistry is the orchestrator adapters and clients talk to: it owns a
// name → Strategy mapping, fans discover/register/unregister calls out to a
// named strategy, and keeps a merged cache of every record seen so far.
//
// There is deliberately no package-level instance. The process's top-level
// wiring constructs one registry and injects it wherever needed; "one registry
// per process" is a convention of the wiring, not hidden global state.
type ServiceRegistry struct {
	mu         sync.Mutex
	strategies map[string]Strategy
	services   map[string]*ServiceRecord // merged cache, keyed by record.Key()
	cached     map[string][]InstanceInfo // grouped-instances cache; nil until first build
	factory    *Factory
	log        *zap.Logger
}

// RegistryOption configures a ServiceRegistry.
type RegistryOption func(*ServiceRegistry)

// WithRegistryLogger sets the registry's logger (default: no-op).
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *ServiceRegistry) { r.log = l }
}

// NewServiceRegistry creates a registry wired to the given factory (nil gets a
// default factory with zero config).
func NewServiceRegistry(factory *Factory, opts ...RegistryOption) *ServiceRegistry {
	if factory == nil {
		factory = NewFactory(FactoryConfig{})
	}
	r := &ServiceRegistry{
		strategies: make(map[string]Strategy),
		services:   make(map[string]*ServiceRecord),
		factory:    factory,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterStrategy adds a strategy under a name, independent of the factory.
// Tests and advanced callers inject mocks here.
func (r *ServiceRegistry) RegisterStrategy(name string, strategy Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = strategy
	r.log.Debug("registered strategy", zap.String("name", name))
}

// GetStrategy returns the strategy registered under name, or nil.
func (r *ServiceRegistry) GetStrategy(name string) Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategies[name]
}

// ListStrategies returns the registered strategy names, sorted.
func (r *ServiceRegistry) ListStrategies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnsureStrategy returns the strategy registered under kind, constructing and
// registering it via the factory when absent. Unlike Factory.Get, an
// unavailable kind is a hard error here — callers of EnsureStrategy have
// explicitly decided they need this backend.
func (r *ServiceRegistry) EnsureStrategy(kind string) (Strategy, error) {
	r.mu.Lock()
	if s, ok := r.strategies[kind]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	// Construct outside the lock: etcd dials, broadcast probes interfaces.
	s := r.factory.Get(kind)
	if s == nil {
		return nil, fmt.Errorf("%w: %q", ErrStrategyUnavailable, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.strategies[kind]; ok {
		return existing, nil // another caller won the race; factory caching made s == existing anyway
	}
	r.strategies[kind] = s
	return s, nil
}

// DiscoverServices asks the named strategy for records, merging successful
// results into the registry's cache (last write wins per record key). An
// unknown strategyName is a configuration error, distinct from the strategy
// legitimately returning zero services.
func (r *ServiceRegistry) DiscoverServices(strategyName, category string) ([]*ServiceRecord, error) {
	strategy := r.GetStrategy(strategyName)
	if strategy == nil {
		return nil, fmt.Errorf("%w: %q", ErrStrategyNotFound, strategyName)
	}

	records := strategy.Discover(category)

	r.mu.Lock()
	for _, record := range records {
		r.services[record.Key()] = record
	}
	r.mu.Unlock()

	return records, nil
}

// RegisterService registers a record through the named strategy, updating the
// cache on success.
func (r *ServiceRegistry) RegisterService(strategyName string, record *ServiceRecord) (bool, error) {
	strategy := r.GetStrategy(strategyName)
	if strategy == nil {
		return false, fmt.Errorf("%w: %q", ErrStrategyNotFound, strategyName)
	}

	ok := strategy.Register(record)
	if ok {
		r.mu.Lock()
		r.services[record.Key()] = record
		r.mu.Unlock()
	}
	return ok, nil
}

// UnregisterService unregisters a record through the named strategy, pruning
// the cache on success. Unregistering something that was never registered
// returns (false, nil): reported, not raised.
func (r *ServiceRegistry) UnregisterService(strategyName string, record *ServiceRecord) (bool, error) {
	strategy := r.GetStrategy(strategyName)
	if strategy == nil {
		return false, fmt.Errorf("%w: %q", ErrStrategyNotFound, strategyName)
	}

	ok := strategy.Unregister(record)
	if ok {
		r.mu.Lock()
		delete(r.services, record.Key())
		r.mu.Unlock()
	}
	return ok, nil
}

// GetService scans the cache for a record matching category, and name when
// given. With name omitted and multiple instances live, which one comes back
// is unspecified — callers wanting a particular instance must name it.
func (r *ServiceRegistry) GetService(category, name string) *ServiceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.services {
		if record.Category == category && (name == "" || record.Name == name) {
			return record
		}
	}
	return nil
}

// ListServices returns the cached records, optionally filtered by category.
func (r *ServiceRegistry) ListServices(category string) []*ServiceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make([]*ServiceRecord, 0, len(r.services))
	for _, record := range r.services {
		if category == "" || record.Category == category {
			records = append(records, record)
		}
	}
	return records
}

// GetAvailableInstances is the primary "what's out there" query: instances
// grouped by category, deduplicated by host:port within each category, with
// metadata flattened into each entry.
//
// With refresh false and a previous result cached, that result is returned
// verbatim — no re-discovery. Otherwise every registered strategy is queried;
// a failure in one strategy is logged and must not abort the others.
func (r *ServiceRegistry) GetAvailableInstances(refresh bool) map[string][]InstanceInfo {
	r.mu.Lock()
	if !refresh && r.cached != nil {
		cached := r.cached
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	result := make(map[string][]InstanceInfo)
	for _, name := range r.ListStrategies() {
		records, err := r.DiscoverServices(name, "")
		if err != nil {
			// Only possible if the strategy was removed mid-iteration;
			// isolate it either way.
			r.log.Error("discovery failed", zap.String("strategy", name), zap.Error(err))
			continue
		}
		for _, record := range records {
			info := InstanceInfo{
				"name":     record.Name,
				"host":     record.Host,
				"port":     record.Port,
				"category": record.Category,
			}
			for k, v := range record.Metadata {
				if _, taken := info[k]; !taken {
					info[k] = v
				}
			}

			duplicate := false
			for _, existing := range result[record.Category] {
				if existing["host"] == record.Host && existing["port"] == record.Port {
					duplicate = true
					break
				}
			}
			if !duplicate {
				result[record.Category] = append(result[record.Category], info)
			}
		}
	}

	r.mu.Lock()
	r.cached = result
	r.mu.Unlock()
	return result
}

// RegisterServiceWithStrategy ensures the strategy kind exists (constructing
// it via the factory if needed) and then registers — or, with unregister set,
// unregisters — the record through it. This is the one entry point that
// auto-provisions a strategy rather than requiring prior registration.
func (r *ServiceRegistry) RegisterServiceWithStrategy(kind string, record *ServiceRecord, unregister bool) (bool, error) {
	if _, err := r.EnsureStrategy(kind); err != nil {
		return false, err
	}
	if unregister {
		return r.UnregisterService(kind, record)
	}
	return r.RegisterService(kind, record)
}

// Close closes every registered strategy. The registry is not usable after.
func (r *ServiceRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, s := range r.strategies {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.strategies, name)
	}
	return firstErr
}

// Reset clears strategies and caches without closing anything. Test
// setup/teardown only.
func (r *ServiceRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = make(map[string]Strategy)
	r.services = make(map[string]*ServiceRecord)
	r.cached = nil
}
