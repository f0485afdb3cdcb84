package discovery

import "errors"

// Strategy is the interface every discovery backend implements.
//
// Failure semantics follow the taxonomy used throughout this layer: transient
// problems (backend unreachable, nothing registered, corrupt state) degrade to
// a false return or an empty slice and are logged — they are never raised.
// Only configuration mistakes (unknown strategy names, unavailable kinds) turn
// into errors, and those are produced by the Factory and ServiceRegistry, not
// by the strategies themselves.
type Strategy interface {
	// Register publishes the record. Re-registering the same identity
	// replaces the previous registration completely (no metadata merging).
	Register(record *ServiceRecord) bool

	// Unregister withdraws the record's registration. Returns false when
	// nothing was registered for it — "nothing to unregister" is reported,
	// not treated as success.
	Unregister(record *ServiceRecord) bool

	// Discover returns the currently known records for a category, or for
	// all categories when category is empty. The result is a best-effort
	// snapshot; order is not significant.
	Discover(category string) []*ServiceRecord

	// Close releases any backend resources (network responders, client
	// connections). Idempotent.
	Close() error
}

var (
	// ErrStrategyNotFound is returned when a caller names a strategy that was
	// never registered with the ServiceRegistry. This is a configuration
	// mistake, distinct from a strategy returning zero services.
	ErrStrategyNotFound = errors.New("discovery strategy not found")

	// ErrStrategyUnavailable is returned by Factory/EnsureStrategy when the
	// requested kind cannot be constructed in this runtime (e.g., no
	// multicast-capable interface for broadcast, no etcd endpoints configured).
	ErrStrategyUnavailable = errors.New("discovery strategy unavailable")
)
