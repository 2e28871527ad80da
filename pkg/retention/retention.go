// Package retention implements the tiered keep/prune policy engine for
// dataset snapshots.
//
// The engine is pure: it sees only snapshot references (sequence number and
// creation time), a policy and the replication cursor floor, and produces a
// deterministic plan. It never touches the filesystem, so identical inputs
// always yield identical plans and the whole policy surface is testable
// without a btrfs mount.
//
// Tiers bucket the UTC timeline by truncating each snapshot's creation time
// to the tier granularity. Truncation is anchored at the zero time, so daily
// buckets fall on UTC midnights and weekly buckets on Monday 00:00 UTC.
package retention

import (
	"sort"
	"time"

	"github.com/wardenfs/snapwarden/pkg/model"
)

// Reason explains why a snapshot was kept or released by evaluation.
type Reason string

const (
	// ReasonTier marks a snapshot kept as the newest of a retained bucket.
	ReasonTier Reason = "kept-by-tier"
	// ReasonMinimum marks one of the MinKeep newest snapshots.
	ReasonMinimum Reason = "kept-minimum"
	// ReasonCursor marks a snapshot pinned because at least one target has
	// not confirmed it yet. It survives only until replication catches up.
	ReasonCursor Reason = "pinned-by-cursor"
	// ReasonPrune marks a snapshot eligible for deletion.
	ReasonPrune Reason = "prune"
)

// Snapshot is the minimal snapshot reference the engine evaluates.
type Snapshot struct {
	// Sequence is the strictly increasing per-dataset snapshot number.
	Sequence uint64
	// TakenAt is the snapshot creation time.
	TakenAt time.Time
}

// Decision pairs a snapshot with the evaluation outcome.
type Decision struct {
	Snapshot Snapshot
	Reason   Reason
}

// Plan is the result of one evaluation. Keep and Prune together cover every
// input snapshot exactly once, both ordered by ascending sequence.
type Plan struct {
	Keep  []Decision
	Prune []Snapshot
}

// Decisions returns every decision including prunes, ordered by ascending
// sequence, for reporting surfaces.
func (p Plan) Decisions() []Decision {
	all := make([]Decision, 0, len(p.Keep)+len(p.Prune))
	all = append(all, p.Keep...)
	for _, s := range p.Prune {
		all = append(all, Decision{Snapshot: s, Reason: ReasonPrune})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Snapshot.Sequence < all[j].Snapshot.Sequence })
	return all
}

// Evaluate applies the policy to the given snapshots.
//
// cursors holds the confirmed replication cursor of every target that demands
// delete protection, zero for targets that have confirmed nothing. Snapshots
// with a sequence above the lowest cursor are pinned regardless of policy.
// Pass an empty slice when no target requires protection.
func Evaluate(snaps []Snapshot, policy model.RetentionPolicy, cursors []uint64) Plan {
	// Work on a copy sorted newest first. Sequences are strictly
	// increasing per dataset, so sequence order is creation order even
	// when two snapshots share a timestamp.
	ordered := make([]Snapshot, len(snaps))
	copy(ordered, snaps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence > ordered[j].Sequence })

	reasons := make(map[uint64]Reason, len(ordered))

	// Tiers are evaluated finest to coarsest; the first rule that keeps a
	// snapshot owns its reason.
	for _, tier := range policy.Tiers {
		markTierKeeps(ordered, tier, reasons)
	}

	// The newest MinKeep snapshots are always retained.
	for i := 0; i < policy.MinKeep && i < len(ordered); i++ {
		if _, kept := reasons[ordered[i].Sequence]; !kept {
			reasons[ordered[i].Sequence] = ReasonMinimum
		}
	}

	// Cursor pinning: anything not yet confirmed by every protecting
	// target stays, whatever the policy says.
	if floor, ok := cursorFloor(cursors); ok {
		for _, s := range ordered {
			if s.Sequence <= floor {
				break // Ordered newest first, the rest is confirmed.
			}
			if _, kept := reasons[s.Sequence]; !kept {
				reasons[s.Sequence] = ReasonCursor
			}
		}
	}

	// Assemble the plan in ascending sequence order.
	plan := Plan{}
	for i := len(ordered) - 1; i >= 0; i-- {
		s := ordered[i]
		if reason, kept := reasons[s.Sequence]; kept {
			plan.Keep = append(plan.Keep, Decision{Snapshot: s, Reason: reason})
		} else {
			plan.Prune = append(plan.Prune, s)
		}
	}
	return plan
}

// markTierKeeps keeps the newest snapshot in each of the most recent Keep
// non-empty buckets of the tier. snaps must be ordered newest first.
func markTierKeeps(snaps []Snapshot, tier model.RetentionTier, reasons map[uint64]Reason) {
	granularity := tier.Granularity.Std()
	if granularity <= 0 || tier.Keep <= 0 {
		return
	}

	bucketsSeen := 0
	var currentBucket time.Time
	haveBucket := false

	for _, s := range snaps {
		bucket := s.TakenAt.UTC().Truncate(granularity)
		if !haveBucket || !bucket.Equal(currentBucket) {
			// Entering the next (older) non-empty bucket.
			bucketsSeen++
			if bucketsSeen > tier.Keep {
				return
			}
			currentBucket = bucket
			haveBucket = true

			// Newest-first order means the first snapshot seen in a
			// bucket is the one to keep.
			if _, kept := reasons[s.Sequence]; !kept {
				reasons[s.Sequence] = ReasonTier
			}
		}
	}
}

// cursorFloor returns the lowest confirmed cursor across targets.
func cursorFloor(cursors []uint64) (uint64, bool) {
	if len(cursors) == 0 {
		return 0, false
	}
	floor := cursors[0]
	for _, c := range cursors[1:] {
		if c < floor {
			floor = c
		}
	}
	return floor, true
}
