// Package model defines the configuration entities the daemon operates on:
// btrfs pools, the datasets inside them, the replication targets snapshots
// are shipped to, and the observers notified about daemon activity. Entities
// are identified by stable UUIDs and persisted as a single JSON document by
// the config package.
package model

import (
	"github.com/google/uuid"
)

// Pool is a mounted btrfs filesystem under management.
type Pool struct {
	ID         uuid.UUID `json:"id" validate:"required"`
	Name       string    `json:"name" validate:"required"`
	MountPoint string    `json:"mountPoint" validate:"required"`
	// UUID is the btrfs filesystem UUID; it must match the filesystem
	// actually mounted at MountPoint before any mutation is attempted.
	UUID uuid.UUID `json:"uuid" validate:"required"`
	// ScrubInterval enables periodic scrubs when non-zero.
	ScrubInterval Duration `json:"scrubInterval,omitempty"`
}

// Dataset is a btrfs subvolume that is snapshotted, pruned and replicated
// on its configured intervals.
type Dataset struct {
	ID     uuid.UUID `json:"id" validate:"required"`
	PoolID uuid.UUID `json:"poolId" validate:"required"`
	Name   string    `json:"name" validate:"required"`
	// Path is the subvolume path relative to the pool mount point.
	Path string `json:"path" validate:"required"`

	SnapshotInterval  Duration `json:"snapshotInterval" validate:"required"`
	PruneInterval     Duration `json:"pruneInterval" validate:"required"`
	ReplicateInterval Duration `json:"replicateInterval,omitempty"`

	Retention RetentionPolicy `json:"retention"`
	Hooks     SnapshotHooks   `json:"hooks"`

	// TargetIDs lists the replication targets for this dataset, in no
	// particular order. Targets progress independently.
	TargetIDs []uuid.UUID `json:"targetIds"`

	Paused PauseFlags `json:"paused"`
}

// PauseFlags suspend individual job kinds for a dataset without removing its
// configuration. A paused kind is never considered due by the scheduler.
type PauseFlags struct {
	Snapshot  bool `json:"snapshot"`
	Prune     bool `json:"prune"`
	Replicate bool `json:"replicate"`
}

// Kind reports whether the given job kind is paused.
func (p PauseFlags) Kind(kind JobKind) bool {
	switch kind {
	case JobSnapshot:
		return p.Snapshot
	case JobPrune:
		return p.Prune
	case JobReplicate:
		return p.Replicate
	}
	return false
}

// SnapshotHooks are shell commands run around snapshot creation, typically to
// quiesce an application (database flush, service pause) for a crash-consistent
// capture.
type SnapshotHooks struct {
	// Note: omitempty is intentionally not used so the hook fields appear
	// in generated entity documents for better discoverability.
	// SECURITY: These commands are executed as provided. Ensure they are
	// from a trusted source.
	PreSnapshot  []string `json:"preSnapshot"`
	PostSnapshot []string `json:"postSnapshot"`
	Timeout      Duration `json:"timeout,omitempty"`
}

// RetentionTier keeps the newest snapshot in each of the most recent Keep
// buckets of Granularity width on the UTC timeline.
type RetentionTier struct {
	Granularity Duration `json:"granularity" validate:"required"`
	Keep        int      `json:"keep" validate:"gt=0"`
}

// RetentionPolicy is the tiered keep/prune policy for a dataset's snapshots.
type RetentionPolicy struct {
	// Tiers are evaluated finest to coarsest and must be ordered by
	// strictly increasing granularity.
	Tiers []RetentionTier `json:"tiers"`
	// MinKeep snapshots are always retained regardless of tier coverage,
	// counted from the newest.
	MinKeep int `json:"minKeep" validate:"gte=0"`
}

// Target is a replication destination for dataset snapshots.
type Target struct {
	ID   uuid.UUID  `json:"id" validate:"required"`
	Name string     `json:"name" validate:"required"`
	Kind TargetKind `json:"kind" validate:"required,oneof=localdir restic"`

	LocalDir *LocalDirTarget `json:"localDir,omitempty"`
	Restic   *ResticTarget   `json:"restic,omitempty"`

	// MaxParallel caps concurrent replications admitted to this target
	// across all datasets. Zero means a single replication at a time.
	MaxParallel int `json:"maxParallel,omitempty" validate:"gte=0"`

	// LossPermitted opts this target out of snapshot delete protection:
	// snapshots not yet replicated here may still be pruned.
	LossPermitted bool `json:"lossPermitted"`

	// MirrorSourcePrunes forgets the corresponding target snapshot when a
	// source snapshot is pruned. Only honored by restic targets.
	MirrorSourcePrunes bool `json:"mirrorSourcePrunes"`

	// AccountState is the last pushed standing of the account behind this
	// target. Empty means unknown and is treated as ok.
	AccountState AccountState `json:"accountState,omitempty"`
}

// LocalDirTarget receives snapshots as btrfs send streams written into a
// local directory, optionally compressed.
type LocalDirTarget struct {
	Path        string          `json:"path" validate:"required"`
	Compression CompressionKind `json:"compression,omitempty" validate:"omitempty,oneof=none zstd gzip"`
}

// ResticTarget drives an external restic repository.
type ResticTarget struct {
	// Repository is the restic -r value (e.g. "b2:bucket:/path" or
	// "/srv/restic-repo").
	Repository string `json:"repository" validate:"required"`
	// Environment is passed to every restic invocation and carries the
	// repository credentials (RESTIC_PASSWORD, cloud keys).
	Environment map[string]string `json:"environment,omitempty"`
	// StagingPath overrides the default bind mount root used to give
	// restic a stable path per dataset across snapshots.
	StagingPath string `json:"stagingPath,omitempty"`
}

// Observation subscribes an observer check to one (entity, event) pair.
type Observation struct {
	EntityID uuid.UUID     `json:"entityId" validate:"required"`
	Event    ObservedEvent `json:"event" validate:"required"`
	CheckID  string        `json:"checkId" validate:"required"`
}

// Heartbeat configures the periodic liveness ping of an observer.
type Heartbeat struct {
	CheckID  string   `json:"checkId" validate:"required"`
	Interval Duration `json:"interval" validate:"required"`
}

// Observer is a healthchecks-style HTTP endpoint notified about daemon
// activity and liveness.
type Observer struct {
	ID   uuid.UUID `json:"id" validate:"required"`
	Name string    `json:"name" validate:"required"`
	// BaseURL overrides the ping service root, for self-hosted instances.
	BaseURL      string        `json:"baseUrl,omitempty" validate:"omitempty,url"`
	Heartbeat    *Heartbeat    `json:"heartbeat,omitempty"`
	Observations []Observation `json:"observations"`
}

// Entities is the complete persisted entity document.
type Entities struct {
	Pools     []Pool     `json:"pools"`
	Datasets  []Dataset  `json:"datasets"`
	Targets   []Target   `json:"targets"`
	Observers []Observer `json:"observers"`
}

// PoolByID returns the pool with the given id, or nil.
func (e *Entities) PoolByID(id uuid.UUID) *Pool {
	for i := range e.Pools {
		if e.Pools[i].ID == id {
			return &e.Pools[i]
		}
	}
	return nil
}

// DatasetByID returns the dataset with the given id, or nil.
func (e *Entities) DatasetByID(id uuid.UUID) *Dataset {
	for i := range e.Datasets {
		if e.Datasets[i].ID == id {
			return &e.Datasets[i]
		}
	}
	return nil
}

// TargetByID returns the target with the given id, or nil.
func (e *Entities) TargetByID(id uuid.UUID) *Target {
	for i := range e.Targets {
		if e.Targets[i].ID == id {
			return &e.Targets[i]
		}
	}
	return nil
}

// DatasetTargets resolves a dataset's target ids to their entities, skipping
// dangling references.
func (e *Entities) DatasetTargets(d *Dataset) []*Target {
	targets := make([]*Target, 0, len(d.TargetIDs))
	for _, id := range d.TargetIDs {
		if t := e.TargetByID(id); t != nil {
			targets = append(targets, t)
		}
	}
	return targets
}
