package loadbalance

import (
	"hash/crc32"
	"sort"

	"dcc-rpc/discovery"
)

// StickyBalancer maps an affinity key (scene name, session id) to a stable
// instance: the same key picks the same record as long as that instance stays
// in the candidate set. Uses rendezvous (highest-random-weight) hashing —
// when an instance disappears, only the keys that were on it move.
//
// Note: PickFor takes a key, so StickyBalancer doesn't implement the Balancer
// interface directly; Pick without a key falls back to the first record.
type StickyBalancer struct{}

// PickFor selects the record with the highest hash score for key.
func (b *StickyBalancer) PickFor(key string, records []*discovery.ServiceRecord) (*discovery.ServiceRecord, error) {
	if len(records) == 0 {
		return nil, ErrNoInstances
	}

	// Sort candidates by address first so equal hash scores break ties
	// deterministically regardless of discovery order.
	sorted := make([]*discovery.ServiceRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr() < sorted[j].Addr() })

	var best *discovery.ServiceRecord
	var bestScore uint32
	for _, record := range sorted {
		score := crc32.ChecksumIEEE([]byte(key + "@" + record.Addr()))
		if best == nil || score > bestScore {
			best = record
			bestScore = score
		}
	}
	return best, nil
}

// Pick satisfies Balancer for callers without an affinity key.
func (b *StickyBalancer) Pick(records []*discovery.ServiceRecord) (*discovery.ServiceRecord, error) {
	if len(records) == 0 {
		return nil, ErrNoInstances
	}
	return records[0], nil
}

func (b *StickyBalancer) Name() string {
	return "Sticky"
}
