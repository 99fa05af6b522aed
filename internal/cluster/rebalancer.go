package cluster

import "sort"

// ShardLoad is one shard's load telemetry as reported by the store
// façade (ops/s, key count, hot-key counter), the input the rebalancer
// uses to decide whether migrations are warranted (§4.9).
type ShardLoad struct {
	Shard      uint32
	OpsPerSec  float64
	KeyCount   int64
	HotKeyHits int64 // count of keys whose per-key access rate exceeds the hot-key threshold
}

// RebalancerConfig is the cluster.rebalancer.* configuration surface
// (§5), loaded from the on-disk config file by cmd/zumicd.
type RebalancerConfig struct {
	// ImbalanceRatio triggers a proposal when a shard's key count
	// exceeds the mean by more than this ratio (e.g. 0.2 = 20% over
	// mean).
	ImbalanceRatio float64
	// HotKeyThreshold triggers a proposal for a shard whose HotKeyHits
	// exceeds this value, independent of key-count imbalance.
	HotKeyThreshold int64
	// BatchSize caps the number of slots proposed for migration in one
	// rebalancing pass, throttling in-flight keys per §4.9.
	BatchSize int
}

// DefaultRebalancerConfig returns conservative defaults: 20% imbalance
// tolerance, no hot-key threshold (disabled, since "hot key" has no
// meaningful default without workload knowledge), batch size 16.
func DefaultRebalancerConfig() RebalancerConfig {
	return RebalancerConfig{
		ImbalanceRatio:  0.2,
		HotKeyThreshold: 0,
		BatchSize:       16,
	}
}

// Proposal is one recommended slot migration.
type Proposal struct {
	Slot   int
	From   uint32
	To     uint32
	Reason string
}

// Propose inspects loads and the current slot map and returns up to
// cfg.BatchSize migration proposals. It never mutates m; callers apply
// proposals via BeginMigration/StartTransfer/Commit/Finish through the
// normal migration sequence. Propose is pure with respect to m aside
// from the read lock taken inside firstStableSlotOwnedBy.
func Propose(m *Map, loads []ShardLoad, cfg RebalancerConfig) []Proposal {
	if len(loads) == 0 {
		return nil
	}

	mean := meanKeyCount(loads)
	overloaded, underloaded := splitByImbalance(loads, mean, cfg.ImbalanceRatio)

	var proposals []Proposal
	proposals = append(proposals, proposeHotKeyMoves(m, loads, cfg, underloaded)...)
	proposals = append(proposals, proposeImbalanceMoves(m, overloaded, underloaded, cfg)...)

	if len(proposals) > cfg.BatchSize && cfg.BatchSize > 0 {
		proposals = proposals[:cfg.BatchSize]
	}

	return proposals
}

func meanKeyCount(loads []ShardLoad) float64 {
	var total int64
	for _, l := range loads {
		total += l.KeyCount
	}
	return float64(total) / float64(len(loads))
}

func splitByImbalance(loads []ShardLoad, mean, ratio float64) (over, under []ShardLoad) {
	threshold := mean * (1 + ratio)
	for _, l := range loads {
		if float64(l.KeyCount) > threshold {
			over = append(over, l)
		} else if float64(l.KeyCount) < mean {
			under = append(under, l)
		}
	}

	sort.Slice(over, func(i, j int) bool { return over[i].KeyCount > over[j].KeyCount })
	sort.Slice(under, func(i, j int) bool { return under[i].KeyCount < under[j].KeyCount })
	return over, under
}

func proposeHotKeyMoves(m *Map, loads []ShardLoad, cfg RebalancerConfig, under []ShardLoad) []Proposal {
	if cfg.HotKeyThreshold <= 0 || len(under) == 0 {
		return nil
	}

	var proposals []Proposal
	targetIdx := 0

	for _, l := range loads {
		if l.HotKeyHits <= cfg.HotKeyThreshold {
			continue
		}

		slot := firstStableSlotOwnedBy(m, l.Shard)
		if slot < 0 {
			continue
		}

		target := under[targetIdx%len(under)].Shard
		targetIdx++

		if target == l.Shard {
			continue
		}

		proposals = append(proposals, Proposal{
			Slot: slot, From: l.Shard, To: target, Reason: "hot-key threshold exceeded",
		})
	}

	return proposals
}

func proposeImbalanceMoves(m *Map, over, under []ShardLoad, cfg RebalancerConfig) []Proposal {
	if len(over) == 0 || len(under) == 0 {
		return nil
	}

	var proposals []Proposal
	underIdx := 0

	for _, l := range over {
		slot := firstStableSlotOwnedBy(m, l.Shard)
		if slot < 0 {
			continue
		}

		target := under[underIdx%len(under)].Shard
		underIdx++

		if target == l.Shard {
			continue
		}

		proposals = append(proposals, Proposal{
			Slot: slot, From: l.Shard, To: target, Reason: "key-count imbalance exceeds configured ratio",
		})
	}

	return proposals
}

func firstStableSlotOwnedBy(m *Map, shard uint32) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, s := range m.slots {
		if s.State == Stable && s.Owner == shard {
			return i
		}
	}
	return -1
}
