package loadbalance

import (
	"errors"
	"testing"

	"dcc-rpc/discovery"
)

func instances(n int) []*discovery.ServiceRecord {
	records := make([]*discovery.ServiceRecord, n)
	for i := 0; i < n; i++ {
		records[i] = discovery.NewServiceRecord("maya", "10.0.0.1", 18812+i, "maya", nil)
	}
	return records
}

func TestRoundRobinCyclesAllInstances(t *testing.T) {
	b := &RoundRobinBalancer{}
	records := instances(3)

	seen := make(map[int]int)
	for i := 0; i < 9; i++ {
		record, err := b.Pick(records)
		if err != nil {
			t.Fatal(err)
		}
		seen[record.Port]++
	}
	for _, record := range records {
		if seen[record.Port] != 3 {
			t.Fatalf("uneven distribution: %v", seen)
		}
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	if _, err := b.Pick(nil); !errors.Is(err, ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestWeightedRandomRespectsWeights(t *testing.T) {
	heavy := discovery.NewServiceRecord("heavy", "10.0.0.1", 18812, "maya", map[string]any{"weight": 10})
	light := discovery.NewServiceRecord("light", "10.0.0.2", 18812, "maya", map[string]any{"weight": 1})
	b := &WeightedRandomBalancer{}

	counts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		record, err := b.Pick([]*discovery.ServiceRecord{heavy, light})
		if err != nil {
			t.Fatal(err)
		}
		counts[record.Name]++
	}
	// 10:1 weights; anything close is fine, strict inequality is the contract
	if counts["heavy"] <= counts["light"] {
		t.Fatalf("weights ignored: %v", counts)
	}
}

func TestWeightedRandomDefaultsMissingWeight(t *testing.T) {
	records := []*discovery.ServiceRecord{
		discovery.NewServiceRecord("a", "10.0.0.1", 18812, "maya", nil),
		discovery.NewServiceRecord("b", "10.0.0.2", 18812, "maya", map[string]any{"weight": "lots"}),
		discovery.NewServiceRecord("c", "10.0.0.3", 18812, "maya", map[string]any{"weight": float64(2)}),
	}
	b := &WeightedRandomBalancer{}
	for i := 0; i < 100; i++ {
		if _, err := b.Pick(records); err != nil {
			t.Fatal(err)
		}
	}
}

func TestWeightedRandomEmpty(t *testing.T) {
	b := &WeightedRandomBalancer{}
	if _, err := b.Pick(nil); !errors.Is(err, ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestStickySameKeySameInstance(t *testing.T) {
	b := &StickyBalancer{}
	records := instances(5)

	first, err := b.PickFor("shot_010.ma", records)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		record, err := b.PickFor("shot_010.ma", records)
		if err != nil {
			t.Fatal(err)
		}
		if record != first {
			t.Fatal("same key must stick to the same instance")
		}
	}
}

// Candidate order comes from discovery and is unstable; the pick must not
// depend on it.
func TestStickyOrderIndependent(t *testing.T) {
	b := &StickyBalancer{}
	records := instances(5)
	reversed := make([]*discovery.ServiceRecord, len(records))
	for i, r := range records {
		reversed[len(records)-1-i] = r
	}

	a, _ := b.PickFor("shot_010.ma", records)
	c, _ := b.PickFor("shot_010.ma", reversed)
	if a != c {
		t.Fatal("pick must be independent of candidate order")
	}
}

// Removing an unrelated instance must not move a key that wasn't on it.
func TestStickyStableUnderRemoval(t *testing.T) {
	b := &StickyBalancer{}
	records := instances(5)

	picked, _ := b.PickFor("shot_010.ma", records)

	// Drop one instance that is NOT the picked one
	remaining := make([]*discovery.ServiceRecord, 0, len(records)-1)
	removedOther := false
	for _, r := range records {
		if !removedOther && r != picked {
			removedOther = true
			continue
		}
		remaining = append(remaining, r)
	}

	after, _ := b.PickFor("shot_010.ma", remaining)
	if after != picked {
		t.Fatal("key must stay on its instance when an unrelated instance leaves")
	}
}

func TestStickyEmpty(t *testing.T) {
	b := &StickyBalancer{}
	if _, err := b.PickFor("key", nil); !errors.Is(err, ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
	if _, err := b.Pick(nil); !errors.Is(err, ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestBalancerNames(t *testing.T) {
	for _, tc := range []struct {
		b    Balancer
		want string
	}{
		{&RoundRobinBalancer{}, "RoundRobin"},
		{&WeightedRandomBalancer{}, "WeightedRandom"},
		{&StickyBalancer{}, "Sticky"},
	} {
		if got := tc.b.Name(); got != tc.want {
			t.Errorf("Name() = %q, want %q", got, tc.want)
		}
	}
}
