// Package coordinator admits scheduled jobs against per-dataset state
// machines and runs them on a bounded worker pool.
//
// A dataset executes at most one job at a time; a second due job is queued
// behind the active one, never dropped. Queue order is submission order,
// which gives a snapshot precedence over a replicate when both become due
// on the same scheduler tick, and keeps a prune from overtaking a
// replicate queued before it. Failed jobs retry with exponential backoff
// up to a ceiling; past the ceiling the (dataset, kind) pair is marked
// degraded until a later run succeeds. Lock contention never surfaces to
// callers: it resolves by queueing.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wardenfs/snapwarden/pkg/config"
	"github.com/wardenfs/snapwarden/pkg/health"
	"github.com/wardenfs/snapwarden/pkg/journal"
	"github.com/wardenfs/snapwarden/pkg/logging"
	"github.com/wardenfs/snapwarden/pkg/metrics"
	"github.com/wardenfs/snapwarden/pkg/model"
	"github.com/wardenfs/snapwarden/pkg/pipeline"
	"github.com/wardenfs/snapwarden/pkg/retention"
	"github.com/wardenfs/snapwarden/pkg/snapshots"
)

// State is the visible position of a dataset's job machine: idle, or the
// kind of job in progress.
type State string

const (
	StateIdle      State = "idle"
	StateSnapshot  State = "snapshot-in-progress"
	StatePrune     State = "prune-in-progress"
	StateReplicate State = "replicate-in-progress"
)

func stateFor(kind model.JobKind) State {
	switch kind {
	case model.JobSnapshot:
		return StateSnapshot
	case model.JobPrune:
		return StatePrune
	case model.JobReplicate:
		return StateReplicate
	}
	return StateIdle
}

// Job is one unit of due work for a dataset.
type Job struct {
	DatasetID uuid.UUID
	Kind      model.JobKind
}

// EntitySource yields the current entity document.
type EntitySource interface {
	Snapshot() model.Entities
}

// Degradation marks a job kind that exhausted its retry budget. It stays
// until a run of the same kind succeeds.
type Degradation struct {
	Kind    model.JobKind `json:"kind"`
	Message string        `json:"message"`
	Since   time.Time     `json:"since"`
}

// DatasetStatus describes one dataset's machine for the control surface.
type DatasetStatus struct {
	DatasetID uuid.UUID       `json:"datasetId"`
	State     State           `json:"state"`
	Queued    []model.JobKind `json:"queued,omitempty"`
	Degraded  []Degradation   `json:"degraded,omitempty"`
}

var errUnregistered = errors.New("dataset not registered")

// machine tracks one dataset's queue and retry state. Guarded by the
// coordinator mutex.
type machine struct {
	state    State
	queue    []model.JobKind
	retries  map[model.JobKind]*retryState
	degraded map[model.JobKind]Degradation
}

type retryState struct {
	attempts int
	next     time.Time
	timer    *time.Timer
}

// Coordinator serializes jobs per dataset and drives them to completion.
type Coordinator struct {
	entities EntitySource
	journal  *journal.Journal
	manager  *snapshots.Manager
	pipeline *pipeline.Pipeline
	monitor  *health.Monitor
	notifier *health.Notifier
	retry    config.RetryConfig
	workers  *semaphore.Weighted
	now      func() time.Time

	// OnJob, when set before Serve, is called after every finished job.
	// The metrics package hooks its counters in here.
	OnJob func(kind model.JobKind, err error, took time.Duration)

	mu        sync.Mutex
	machines  map[uuid.UUID]*machine
	admission map[uuid.UUID]*semaphore.Weighted
	runCtx    context.Context
	running   bool

	wg sync.WaitGroup
}

// New creates a Coordinator. notifier may be nil when no observers are
// configured; workers bounds concurrently running jobs across datasets.
func New(entities EntitySource, jrnl *journal.Journal, manager *snapshots.Manager, pipe *pipeline.Pipeline, monitor *health.Monitor, notifier *health.Notifier, retry config.RetryConfig, workers int) *Coordinator {
	if workers <= 0 {
		workers = 1
	}
	return &Coordinator{
		entities:  entities,
		journal:   jrnl,
		manager:   manager,
		pipeline:  pipe,
		monitor:   monitor,
		notifier:  notifier,
		retry:     retry,
		workers:   semaphore.NewWeighted(int64(workers)),
		now:       time.Now,
		machines:  make(map[uuid.UUID]*machine),
		admission: make(map[uuid.UUID]*semaphore.Weighted),
	}
}

// Submit queues a job. It never blocks: a job for a busy dataset is
// deferred behind the active one, a duplicate of an already queued kind
// coalesces into it, and a kind inside its backoff window is left to the
// pending retry.
func (c *Coordinator) Submit(job Job) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.machineFor(job.DatasetID)
	if r, ok := m.retries[job.Kind]; ok && c.now().Before(r.next) {
		logging.Debug().Str("dataset", job.DatasetID.String()).Str("kind", string(job.Kind)).Time("retry_at", r.next).Msg("Job inside backoff window, left to pending retry")
		return
	}
	if slices.Contains(m.queue, job.Kind) {
		return
	}
	m.queue = append(m.queue, job.Kind)
	c.dispatch(job.DatasetID)
}

// Serve runs the coordinator until ctx is cancelled, then waits for
// in-flight jobs to stop at their next checkpoint. Jobs submitted before
// Serve stay queued and start once it begins.
func (c *Coordinator) Serve(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.running = true
	for id := range c.machines {
		c.dispatch(id)
	}
	c.mu.Unlock()

	<-ctx.Done()

	c.mu.Lock()
	c.running = false
	for _, m := range c.machines {
		for _, r := range m.retries {
			if r.timer != nil {
				r.timer.Stop()
			}
		}
	}
	c.mu.Unlock()

	c.wg.Wait()
	return ctx.Err()
}

// Status reports every known dataset machine, ordered by dataset id.
func (c *Coordinator) Status() []DatasetStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	statuses := make([]DatasetStatus, 0, len(c.machines))
	for id, m := range c.machines {
		status := DatasetStatus{DatasetID: id, State: m.state}
		status.Queued = append(status.Queued, m.queue...)
		for _, d := range m.degraded {
			status.Degraded = append(status.Degraded, d)
		}
		slices.SortFunc(status.Degraded, func(a, b Degradation) int {
			return strings.Compare(string(a.Kind), string(b.Kind))
		})
		statuses = append(statuses, status)
	}
	slices.SortFunc(statuses, func(a, b DatasetStatus) int {
		return strings.Compare(a.DatasetID.String(), b.DatasetID.String())
	})
	return statuses
}

func (c *Coordinator) machineFor(datasetID uuid.UUID) *machine {
	m, ok := c.machines[datasetID]
	if !ok {
		m = &machine{
			state:    StateIdle,
			retries:  make(map[model.JobKind]*retryState),
			degraded: make(map[model.JobKind]Degradation),
		}
		c.machines[datasetID] = m
	}
	return m
}

// dispatch starts the next queued job when the dataset is idle. Caller
// holds the mutex.
func (c *Coordinator) dispatch(datasetID uuid.UUID) {
	if !c.running {
		return
	}
	m := c.machineFor(datasetID)
	if m.state != StateIdle || len(m.queue) == 0 {
		return
	}
	kind := m.queue[0]
	m.queue = m.queue[1:]
	m.state = stateFor(kind)

	c.wg.Add(1)
	go c.execute(c.runCtx, datasetID, kind)
}

func (c *Coordinator) execute(ctx context.Context, datasetID uuid.UUID, kind model.JobKind) {
	defer c.wg.Done()

	if err := c.workers.Acquire(ctx, 1); err != nil {
		// Shutdown while waiting for a worker slot: the job never started.
		c.mu.Lock()
		c.machineFor(datasetID).state = StateIdle
		c.mu.Unlock()
		return
	}
	defer c.workers.Release(1)

	started := c.now()
	err := c.run(ctx, datasetID, kind)
	c.finish(datasetID, kind, started, err)
}

func (c *Coordinator) run(ctx context.Context, datasetID uuid.UUID, kind model.JobKind) error {
	entities := c.entities.Snapshot()
	dataset := entities.DatasetByID(datasetID)
	if dataset == nil {
		return fmt.Errorf("%w: %s", errUnregistered, datasetID)
	}
	pool := entities.PoolByID(dataset.PoolID)
	if pool == nil {
		return fmt.Errorf("%w: pool %s of dataset %s", errUnregistered, dataset.PoolID, dataset.Name)
	}

	if c.notifier != nil {
		c.notifier.ObserveJobStart(ctx, &entities, dataset.ID, kind.Event())
	}

	switch kind {
	case model.JobSnapshot:
		return c.runSnapshot(ctx, &entities, pool, dataset)
	case model.JobPrune:
		return c.runPrune(ctx, &entities, pool, dataset)
	case model.JobReplicate:
		return c.runReplicate(ctx, &entities, pool, dataset)
	}
	return fmt.Errorf("unknown job kind %q", kind)
}

func (c *Coordinator) runSnapshot(ctx context.Context, entities *model.Entities, pool *model.Pool, dataset *model.Dataset) error {
	snap, err := c.manager.Create(ctx, pool, dataset)
	c.monitor.Record(dataset.ID, uuid.Nil, model.JobSnapshot, err)
	c.observe(ctx, entities, dataset.ID, model.EventSnapshot, err == nil)
	if err != nil {
		return err
	}
	metrics.RecordSnapshot()
	logging.Info().Str("dataset", dataset.Name).Uint64("seq", snap.Sequence).Str("label", snap.Label).Msg("Snapshot created")
	return nil
}

func (c *Coordinator) runPrune(ctx context.Context, entities *model.Entities, pool *model.Pool, dataset *model.Dataset) error {
	intentSeq, err := c.journal.Intent(dataset.ID, journal.OpPrune, nil)
	if err != nil {
		return err
	}
	err = c.prune(ctx, entities, pool, dataset)
	c.monitor.Record(dataset.ID, uuid.Nil, model.JobPrune, err)
	c.observe(ctx, entities, dataset.ID, model.EventPrune, err == nil)
	c.settleBracket(intentSeq, err)
	return err
}

func (c *Coordinator) prune(ctx context.Context, entities *model.Entities, pool *model.Pool, dataset *model.Dataset) error {
	snaps, err := c.manager.List(pool, dataset)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		return nil
	}

	targets := entities.DatasetTargets(dataset)
	cursors, err := c.journal.Cursors(dataset.ID)
	if err != nil {
		return err
	}
	// Every target that demands delete protection contributes its cursor;
	// an absent row means nothing is confirmed yet.
	var floors []uint64
	for _, target := range targets {
		if target.LossPermitted {
			continue
		}
		floors = append(floors, cursors[target.ID])
	}

	refs := make([]retention.Snapshot, len(snaps))
	bySeq := make(map[uint64]*snapshots.Snapshot, len(snaps))
	for i := range snaps {
		refs[i] = retention.Snapshot{Sequence: snaps[i].Sequence, TakenAt: snaps[i].TakenAt}
		bySeq[snaps[i].Sequence] = &snaps[i]
	}

	plan := retention.Evaluate(refs, dataset.Retention, floors)
	if len(plan.Prune) == 0 {
		return nil
	}

	pruned := 0
	for _, ref := range plan.Prune {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.manager.Delete(ctx, pool, dataset, targets, ref.Sequence)
		var inUse *snapshots.ErrSnapshotInUse
		if errors.As(err, &inUse) {
			// Replication has not caught up; the snapshot stays for now.
			logging.Info().Str("dataset", dataset.Name).Uint64("seq", ref.Sequence).Msg("Prune deferred, snapshot still unconfirmed")
			continue
		}
		if err != nil {
			return fmt.Errorf("pruning seq %d: %w", ref.Sequence, err)
		}
		pruned++
		c.mirrorPrune(ctx, dataset, targets, bySeq[ref.Sequence])
	}
	if pruned > 0 {
		metrics.RecordPruned(pruned)
		logging.Info().Str("dataset", dataset.Name).Int("pruned", pruned).Int("kept", len(plan.Keep)).Msg("Retention pass finished")
	}
	return nil
}

func (c *Coordinator) mirrorPrune(ctx context.Context, dataset *model.Dataset, targets []*model.Target, snap *snapshots.Snapshot) {
	if c.pipeline == nil || snap == nil {
		return
	}
	for _, target := range targets {
		if err := c.pipeline.MirrorPrune(ctx, dataset, target, snap); err != nil {
			logging.Warn().Err(err).Str("dataset", dataset.Name).Str("target", target.Name).Uint64("seq", snap.Sequence).Msg("Mirroring prune to target failed")
		}
	}
}

func (c *Coordinator) runReplicate(ctx context.Context, entities *model.Entities, pool *model.Pool, dataset *model.Dataset) error {
	targets := entities.DatasetTargets(dataset)
	if len(targets) == 0 {
		return nil
	}

	intentSeq, err := c.journal.Intent(dataset.ID, journal.OpReplicate, nil)
	if err != nil {
		return err
	}

	// Targets progress independently and concurrently; one failing target
	// never blocks another. Shared remotes are capped by their admission
	// semaphore across all datasets.
	var g errgroup.Group
	errs := make([]error, len(targets))
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			sem := c.admissionFor(target)
			if err := sem.Acquire(ctx, 1); err != nil {
				errs[i] = err
				return nil
			}
			defer sem.Release(1)

			pushed, err := c.pipeline.Replicate(ctx, pool, dataset, target)
			c.monitor.Record(dataset.ID, target.ID, model.JobReplicate, err)
			if err != nil {
				errs[i] = fmt.Errorf("target %s: %w", target.Name, err)
				return nil
			}
			if pushed > 0 {
				logging.Info().Str("dataset", dataset.Name).Str("target", target.Name).Int("pushed", pushed).Msg("Replication caught up")
			}
			return nil
		})
	}
	g.Wait()

	runErr := errors.Join(errs...)
	c.observe(ctx, entities, dataset.ID, model.EventReplicate, runErr == nil)
	c.settleBracket(intentSeq, runErr)
	return runErr
}

type bracketFailure struct {
	Error string `json:"error"`
}

// settleBracket closes a prune or replicate job record. The bracket only
// feeds last-run bookkeeping, so a settle failure is logged, not
// propagated.
func (c *Coordinator) settleBracket(intentSeq int64, runErr error) {
	var err error
	if runErr != nil {
		err = c.journal.Fail(intentSeq, bracketFailure{Error: runErr.Error()})
	} else {
		err = c.journal.Complete(intentSeq, nil)
	}
	if err != nil {
		logging.Error().Err(err).Int64("intent", intentSeq).Msg("Settling job record failed")
	}
}

// admissionFor returns the target's admission semaphore. Weight is
// MaxParallel, where zero means one replication at a time.
func (c *Coordinator) admissionFor(target *model.Target) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sem, ok := c.admission[target.ID]; ok {
		return sem
	}
	weight := int64(target.MaxParallel)
	if weight <= 0 {
		weight = 1
	}
	sem := semaphore.NewWeighted(weight)
	c.admission[target.ID] = sem
	return sem
}

func (c *Coordinator) finish(datasetID uuid.UUID, kind model.JobKind, started time.Time, err error) {
	took := c.now().Sub(started)

	c.mu.Lock()
	m := c.machineFor(datasetID)
	m.state = StateIdle

	switch {
	case errors.Is(err, errUnregistered):
		logging.Warn().Str("dataset", datasetID.String()).Str("kind", string(kind)).Msg("Dropping jobs for unregistered dataset")
		delete(c.machines, datasetID)
	case err != nil:
		c.scheduleRetry(m, datasetID, kind, err)
		c.dispatch(datasetID)
	default:
		delete(m.retries, kind)
		if _, ok := m.degraded[kind]; ok {
			delete(m.degraded, kind)
			logging.Info().Str("dataset", datasetID.String()).Str("kind", string(kind)).Msg("Job recovered, degraded mark cleared")
		}
		logging.Debug().Str("dataset", datasetID.String()).Str("kind", string(kind)).Dur("took", took).Msg("Job finished")
		c.dispatch(datasetID)
	}
	c.mu.Unlock()

	// The hook fires after the machine has settled so observers see the
	// post-job state.
	if c.OnJob != nil {
		c.OnJob(kind, err, took)
	}
}

// scheduleRetry books the next attempt, or marks the pair degraded once
// the ceiling is reached. Caller holds the mutex.
func (c *Coordinator) scheduleRetry(m *machine, datasetID uuid.UUID, kind model.JobKind, cause error) {
	r := m.retries[kind]
	if r == nil {
		r = &retryState{}
		m.retries[kind] = r
	}
	r.attempts++

	if r.attempts >= c.retry.Attempts {
		m.degraded[kind] = Degradation{Kind: kind, Message: cause.Error(), Since: c.now().UTC()}
		delete(m.retries, kind)
		if r.timer != nil {
			r.timer.Stop()
		}
		logging.Error().Err(cause).Str("dataset", datasetID.String()).Str("kind", string(kind)).Int("attempts", r.attempts).Msg("Retry budget exhausted, job degraded")
		return
	}

	delay := c.backoff(r.attempts)
	r.next = c.now().Add(delay)
	logging.Warn().Err(cause).Str("dataset", datasetID.String()).Str("kind", string(kind)).Int("attempt", r.attempts).Dur("retry_in", delay).Msg("Job failed, retry scheduled")
	r.timer = time.AfterFunc(delay, func() {
		c.Submit(Job{DatasetID: datasetID, Kind: kind})
	})
}

// backoff doubles per failed attempt, starting at the configured base.
func (c *Coordinator) backoff(attempts int) time.Duration {
	delay := c.retry.Backoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= c.retry.MaxBackoff {
			return c.retry.MaxBackoff
		}
	}
	return delay
}

func (c *Coordinator) observe(ctx context.Context, entities *model.Entities, entityID uuid.UUID, event model.ObservedEvent, ok bool) {
	if c.notifier == nil {
		return
	}
	c.notifier.ObserveJob(ctx, entities, entityID, event, ok)
}
