package loadbalance

import (
	"math/rand"

	"dcc-rpc/discovery"
)

// WeightedRandomBalancer picks records in proportion to the "weight" value in
// their metadata. Records without a weight (or with a non-numeric one) count
// as weight 1, so a mixed set still behaves sensibly.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(records []*discovery.ServiceRecord) (*discovery.ServiceRecord, error) {
	if len(records) == 0 {
		return nil, ErrNoInstances
	}

	weights := make([]int, len(records))
	total := 0
	for i, record := range records {
		weights[i] = recordWeight(record)
		total += weights[i]
	}

	r := rand.Intn(total)
	for i, record := range records {
		r -= weights[i]
		if r < 0 {
			return record, nil
		}
	}
	return records[len(records)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

// recordWeight reads metadata["weight"], tolerating the numeric types JSON
// decoding and direct construction produce.
func recordWeight(record *discovery.ServiceRecord) int {
	switch w := record.Metadata["weight"].(type) {
	case int:
		if w > 0 {
			return w
		}
	case float64: // JSON numbers decode as float64
		if w > 0 {
			return int(w)
		}
	}
	return 1
}
