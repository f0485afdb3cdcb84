package discovery

import "go.uber.org/zap"

// FileStrategy is the file-backed discovery backend: a thin Strategy adapter
// over Store. It is always available — unlike broadcast or etcd it has no
// runtime capability requirements beyond a writable config directory.
type FileStrategy struct {
	store *Store
	log   *zap.Logger
}

// NewFileStrategy creates a file strategy backed by the registry file at
// registryPath (empty selects the default per-user location).
func NewFileStrategy(registryPath string, opts ...StoreOption) *FileStrategy {
	return &FileStrategy{
		store: NewStore(registryPath, opts...),
		log:   zap.NewNop(),
	}
}

// Store exposes the underlying store, mainly for cleanup passes.
func (f *FileStrategy) Store() *Store {
	return f.store
}

func (f *FileStrategy) Register(record *ServiceRecord) bool {
	return f.store.Register(record)
}

func (f *FileStrategy) Unregister(record *ServiceRecord) bool {
	return f.store.Unregister(record)
}

func (f *FileStrategy) Discover(category string) []*ServiceRecord {
	return f.store.Discover(category)
}

// Close is a no-op; the store holds no open resources between calls.
func (f *FileStrategy) Close() error {
	return nil
}
