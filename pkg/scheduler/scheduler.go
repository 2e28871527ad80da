// Package scheduler turns per-dataset intervals into due jobs on a fixed
// wall-clock tick.
//
// Due-ness is interval based, not time-of-day aligned: a dataset's next
// run is last run plus interval, so daemon downtime shifts the schedule
// instead of skipping it. However many interval windows were missed, a
// kind fires once on the next tick. Last-run times are primed from the
// journal on the first evaluation after startup, which keeps a restart
// from double-firing inside a window that already ran.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenfs/snapwarden/pkg/coordinator"
	"github.com/wardenfs/snapwarden/pkg/journal"
	"github.com/wardenfs/snapwarden/pkg/logging"
	"github.com/wardenfs/snapwarden/pkg/model"
)

// EntitySource yields the current entity document.
type EntitySource interface {
	Snapshot() model.Entities
}

// Sink receives due jobs. The coordinator implements it; Submit must not
// block.
type Sink interface {
	Submit(job coordinator.Job)
}

type runKey struct {
	datasetID uuid.UUID
	kind      model.JobKind
}

// Scheduler fires due snapshot, prune and replicate jobs. It never
// executes work itself and never waits for a job to finish.
type Scheduler struct {
	entities EntitySource
	journal  *journal.Journal
	sink     Sink
	tick     time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[runKey]time.Time
}

// New creates a Scheduler ticking at the given period. A tick of zero or
// less falls back to one minute.
func New(entities EntitySource, jrnl *journal.Journal, sink Sink, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		entities: entities,
		journal:  jrnl,
		sink:     sink,
		tick:     tick,
		now:      time.Now,
		last:     make(map[runKey]time.Time),
	}
}

// Serve evaluates once right away, then on every tick until ctx ends.
func (s *Scheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.evaluate()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.evaluate()
		}
	}
}

// Trigger submits a job immediately, bypassing the interval check. The
// job still flows through the regular submission path and counts as a
// run, so the next scheduled fire moves out a full interval.
func (s *Scheduler) Trigger(datasetID uuid.UUID, kind model.JobKind) {
	s.mu.Lock()
	s.last[runKey{datasetID, kind}] = s.now()
	s.mu.Unlock()
	logging.Info().Str("dataset", datasetID.String()).Str("kind", string(kind)).Msg("Manual trigger")
	s.sink.Submit(coordinator.Job{DatasetID: datasetID, Kind: kind})
}

var kindOrder = []model.JobKind{model.JobSnapshot, model.JobPrune, model.JobReplicate}

// evaluate walks every dataset and submits what became due. Kinds are
// submitted in dependency order, so jobs due on the same tick queue as
// snapshot, prune, replicate.
func (s *Scheduler) evaluate() {
	now := s.now()
	entities := s.entities.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.forgetUnregistered(&entities)

	for i := range entities.Datasets {
		dataset := &entities.Datasets[i]
		snapshotDue := false
		for _, kind := range kindOrder {
			if dataset.Paused.Kind(kind) {
				continue
			}
			due, err := s.due(&entities, dataset, kind, now, snapshotDue)
			if err != nil {
				logging.Warn().Err(err).Str("dataset", dataset.Name).Str("kind", string(kind)).Msg("Skipping due check")
				continue
			}
			if !due {
				continue
			}
			if kind == model.JobSnapshot {
				snapshotDue = true
			}
			s.last[runKey{dataset.ID, kind}] = now
			logging.Debug().Str("dataset", dataset.Name).Str("kind", string(kind)).Msg("Job due")
			s.sink.Submit(coordinator.Job{DatasetID: dataset.ID, Kind: kind})
		}
	}
}

// due decides one (dataset, kind). Caller holds the mutex.
func (s *Scheduler) due(entities *model.Entities, dataset *model.Dataset, kind model.JobKind, now time.Time, snapshotDue bool) (bool, error) {
	interval := intervalFor(dataset, kind)
	if kind == model.JobReplicate && interval <= 0 {
		// No interval configured: replication chases snapshots. It is due
		// together with a snapshot fired this tick, or whenever a target
		// still trails the newest snapshot.
		if len(entities.DatasetTargets(dataset)) == 0 {
			return false, nil
		}
		if snapshotDue {
			return true, nil
		}
		return s.unconfirmed(entities, dataset)
	}
	if interval <= 0 {
		return false, nil
	}

	key := runKey{dataset.ID, kind}
	last, known := s.last[key]
	if !known {
		primed, found, err := s.journal.LastRun(dataset.ID, kind)
		if err != nil {
			return false, err
		}
		if found {
			s.last[key] = primed
			last = primed
		}
		// Never ran before: due on this tick.
	}
	return now.Sub(last) >= interval, nil
}

func intervalFor(dataset *model.Dataset, kind model.JobKind) time.Duration {
	switch kind {
	case model.JobSnapshot:
		return dataset.SnapshotInterval.Std()
	case model.JobPrune:
		return dataset.PruneInterval.Std()
	case model.JobReplicate:
		return dataset.ReplicateInterval.Std()
	}
	return 0
}

// unconfirmed reports whether any target of the dataset has not yet
// confirmed the newest snapshot.
func (s *Scheduler) unconfirmed(entities *model.Entities, dataset *model.Dataset) (bool, error) {
	targets := entities.DatasetTargets(dataset)
	if len(targets) == 0 {
		return false, nil
	}
	rows, err := s.journal.Snapshots(dataset.ID)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	newest := rows[len(rows)-1].Sequence
	cursors, err := s.journal.Cursors(dataset.ID)
	if err != nil {
		return false, err
	}
	for _, target := range targets {
		if cursors[target.ID] < newest {
			return true, nil
		}
	}
	return false, nil
}

// forgetUnregistered drops bookkeeping for datasets no longer configured.
// Caller holds the mutex.
func (s *Scheduler) forgetUnregistered(entities *model.Entities) {
	for key := range s.last {
		if entities.DatasetByID(key.datasetID) == nil {
			delete(s.last, key)
		}
	}
}
