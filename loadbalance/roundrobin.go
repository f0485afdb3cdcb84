package loadbalance

import (
	"sync/atomic"

	"dcc-rpc/discovery"
)

// RoundRobinBalancer distributes picks evenly across all records in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter int64
}

// Pick selects the next record in round-robin order.
func (b *RoundRobinBalancer) Pick(records []*discovery.ServiceRecord) (*discovery.ServiceRecord, error) {
	if len(records) == 0 {
		return nil, ErrNoInstances
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(records))
	return records[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
