// Package loadbalance provides instance-selection strategies for callers that
// discover multiple live instances of a category and must pick one.
//
// Three strategies are implemented:
//   - RoundRobin:     spread work across equal instances
//   - WeightedRandom: heterogeneous instances (weight from record metadata)
//   - Sticky:         affinity — the same key (scene, session) always lands on
//     the same instance while the instance set is stable
package loadbalance

import (
	"errors"

	"dcc-rpc/discovery"
)

// ErrNoInstances is returned by Pick when the candidate list is empty.
var ErrNoInstances = errors.New("no instances available")

// Balancer selects one record from the candidates a discovery pass returned.
type Balancer interface {
	// Pick selects one record. Called per operation — must be goroutine-safe.
	Pick(records []*discovery.ServiceRecord) (*discovery.ServiceRecord, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
