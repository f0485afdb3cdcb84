package discovery

import (
	"sync"

	"go.uber.org/zap"
)

// Strategy kinds the factory knows how to construct.
const (
	KindFile      = "file"
	KindBroadcast = "broadcast"
	KindEtcd      = "etcd"
)

// FactoryConfig carries every construction parameter the factory may need.
// Passing them here — once, at factory creation — instead of per Get call
// removes the classic footgun where a second caller's arguments are silently
// ignored because the first caller already built the instance.
type FactoryConfig struct {
	// RegistryPath is the file strategy's registry file (empty = default
	// per-user location).
	RegistryPath string

	// EtcdEndpoints gates the etcd kind: when empty, "etcd" is unavailable.
	EtcdEndpoints []string

	// Logger is handed to every constructed strategy (default: no-op).
	Logger *zap.Logger
}

// Factory constructs discovery strategies lazily and caches them by kind, so
// each backend is built once and reused for the life of the process wiring
// that owns the factory.
type Factory struct {
	mu         sync.Mutex
	cfg        FactoryConfig
	strategies map[string]Strategy
}

// NewFactory creates a factory. The zero-value config is valid: file is
// available at the default registry path, broadcast depends on the runtime,
// etcd is unavailable until endpoints are configured.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Factory{
		cfg:        cfg,
		strategies: make(map[string]Strategy),
	}
}

// Get returns the cached strategy for kind, constructing it on first use.
// Returns nil — not an error — when the kind is unknown or unavailable in
// this runtime; callers that need a hard failure go through
// ServiceRegistry.EnsureStrategy instead.
func (f *Factory) Get(kind string) Strategy {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.strategies[kind]; ok {
		return s
	}

	var s Strategy
	switch kind {
	case KindFile:
		s = NewFileStrategy(f.cfg.RegistryPath, WithStoreLogger(f.cfg.Logger))
	case KindBroadcast:
		b, err := NewBroadcastStrategy(WithBroadcastLogger(f.cfg.Logger))
		if err != nil {
			f.cfg.Logger.Debug("broadcast strategy unavailable", zap.Error(err))
			return nil
		}
		s = b
	case KindEtcd:
		if len(f.cfg.EtcdEndpoints) == 0 {
			f.cfg.Logger.Debug("etcd strategy unavailable: no endpoints configured")
			return nil
		}
		e, err := NewEtcdStrategy(f.cfg.EtcdEndpoints, WithEtcdLogger(f.cfg.Logger))
		if err != nil {
			f.cfg.Logger.Warn("failed to connect etcd strategy", zap.Error(err))
			return nil
		}
		s = e
	default:
		return nil
	}

	f.strategies[kind] = s
	return s
}

// ListAvailable reports which kinds can be constructed in the current runtime.
func (f *Factory) ListAvailable() map[string]bool {
	return map[string]bool{
		KindFile:      true,
		KindBroadcast: BroadcastAvailable(),
		KindEtcd:      len(f.cfg.EtcdEndpoints) > 0,
	}
}

// Reset closes and forgets every cached strategy. Test setup/teardown only —
// production wiring builds one factory and keeps it.
func (f *Factory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for kind, s := range f.strategies {
		_ = s.Close()
		delete(f.strategies, kind)
	}
}
