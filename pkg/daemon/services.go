package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenfs/snapwarden/pkg/btrfs"
	"github.com/wardenfs/snapwarden/pkg/control"
	"github.com/wardenfs/snapwarden/pkg/health"
	"github.com/wardenfs/snapwarden/pkg/journal"
	"github.com/wardenfs/snapwarden/pkg/logging"
	"github.com/wardenfs/snapwarden/pkg/metrics"
	"github.com/wardenfs/snapwarden/pkg/model"
)

const (
	// heartbeatTick is how often observer heartbeats are checked for
	// due-ness. Individual observers keep their own cadence on top.
	heartbeatTick = 30 * time.Second
	// scrubCheckInterval is how often pools are checked for a due scrub.
	// Scrub intervals are days to weeks, so a coarse check is plenty.
	scrubCheckInterval = 15 * time.Minute
)

// Service states reported through the control API.
const (
	stateRunning = "running"
	stateStopped = "stopped"
	stateFailed  = "failed"
)

// entitySource yields the current entity document.
type entitySource interface {
	Snapshot() model.Entities
}

// serviceSet records the lifecycle state of every supervised service so
// the control API can report it.
type serviceSet struct {
	mu    sync.Mutex
	order []string
	state map[string]string
}

func newServiceSet() *serviceSet {
	return &serviceSet{state: make(map[string]string)}
}

// track wraps a run function into a named suture service whose state
// transitions land in the set.
func (s *serviceSet) track(name string, run func(ctx context.Context) error) *trackedService {
	s.mu.Lock()
	s.order = append(s.order, name)
	s.state[name] = stateStopped
	s.mu.Unlock()
	return &trackedService{name: name, run: run, set: s}
}

func (s *serviceSet) record(name, state string) {
	s.mu.Lock()
	s.state[name] = state
	s.mu.Unlock()
}

// statuses returns every service's state in registration order.
func (s *serviceSet) statuses() []control.ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]control.ServiceStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, control.ServiceStatus{Name: name, State: s.state[name]})
	}
	return out
}

type trackedService struct {
	name string
	run  func(ctx context.Context) error
	set  *serviceSet
}

// Serve implements suture.Service. A context-cancelled return is a clean
// stop; anything else is a failure the supervisor restarts.
func (t *trackedService) Serve(ctx context.Context) error {
	t.set.record(t.name, stateRunning)
	err := t.run(ctx)
	if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		t.set.record(t.name, stateStopped)
	} else {
		t.set.record(t.name, stateFailed)
	}
	return err
}

func (t *trackedService) String() string { return t.name }

// alertEvaluator re-evaluates the health monitor on a fixed interval and
// surfaces newly raised alerts in the log and the alert counter. A key
// that keeps coming back in consecutive evaluations is the same ongoing
// condition and is reported once; a key that disappears and returns is a
// new occurrence.
type alertEvaluator struct {
	entities entitySource
	monitor  *health.Monitor
	interval time.Duration

	active map[string]bool
}

func (a *alertEvaluator) serve(ctx context.Context) error {
	if a.active == nil {
		a.active = make(map[string]bool)
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.evaluate()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.evaluate()
		}
	}
}

func (a *alertEvaluator) evaluate() {
	entities := a.entities.Snapshot()
	alerts := a.monitor.Evaluate(&entities)

	current := make(map[string]bool, len(alerts))
	for _, alert := range alerts {
		key := alert.Key()
		current[key] = true
		if a.active[key] {
			continue
		}
		metrics.RecordAlert(string(alert.Severity))
		logAlert(alert)
	}
	a.active = current
}

func logAlert(alert health.Alert) {
	event := logging.Warn()
	if alert.Severity != health.SeverityWarning {
		event = logging.Error()
	}
	if alert.DatasetID != uuid.Nil {
		event = event.Str("dataset", alert.DatasetID.String())
	}
	if alert.PoolID != uuid.Nil {
		event = event.Str("pool", alert.PoolID.String())
	}
	if alert.TargetID != uuid.Nil {
		event = event.Str("target", alert.TargetID.String())
	}
	event.Str("severity", string(alert.Severity)).Msg(alert.Message)
}

// heartbeatPinger emits liveness pings for observers that configure a
// heartbeat. Each observer keeps its own cadence; a failed ping is
// retried on the next tick instead of waiting out a full interval.
type heartbeatPinger struct {
	entities entitySource
	notifier *health.Notifier
	tick     time.Duration
	now      func() time.Time

	sent map[string]time.Time
}

func (h *heartbeatPinger) serve(ctx context.Context) error {
	if h.now == nil {
		h.now = time.Now
	}
	if h.sent == nil {
		h.sent = make(map[string]time.Time)
	}
	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()

	h.ping(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.ping(ctx)
		}
	}
}

func (h *heartbeatPinger) ping(ctx context.Context) {
	entities := h.entities.Snapshot()
	for i := range entities.Observers {
		observer := &entities.Observers[i]
		hb := observer.Heartbeat
		if hb == nil {
			continue
		}
		if last, ok := h.sent[hb.CheckID]; ok && h.now().Sub(last) < hb.Interval.Std() {
			continue
		}
		base := observer.BaseURL
		if base == "" {
			base = health.DefaultPingBaseURL
		}
		if err := h.notifier.Ping(ctx, base, hb.CheckID); err != nil {
			logging.Warn().Err(err).Str("observer", observer.Name).Msg("Heartbeat ping failed")
			continue
		}
		h.sent[hb.CheckID] = h.now()
	}
}

// scrubber is the slice of the btrfs client the scrub runner needs.
type scrubber interface {
	Scrub(ctx context.Context, mountPoint string) (*btrfs.ScrubResult, error)
}

// scrubRunner starts periodic scrubs on pools that configure an
// interval. Finish times persist in the journal, so a daemon restart
// does not rescrub every pool. A finished scrub is recorded even when
// it found uncorrectable errors; rerunning it would repair nothing,
// the monitor carries the condition instead.
type scrubRunner struct {
	entities entitySource
	fs       scrubber
	journal  *journal.Journal
	monitor  *health.Monitor
	notifier *health.Notifier
	tick     time.Duration
	now      func() time.Time
}

func (s *scrubRunner) serve(ctx context.Context) error {
	if s.now == nil {
		s.now = time.Now
	}
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.evaluate(ctx)
		}
	}
}

func (s *scrubRunner) evaluate(ctx context.Context) {
	entities := s.entities.Snapshot()
	for i := range entities.Pools {
		pool := &entities.Pools[i]
		if pool.ScrubInterval <= 0 {
			continue
		}
		due, err := s.due(pool)
		if err != nil {
			logging.Error().Err(err).Str("pool", pool.Name).Msg("Reading last scrub time failed")
			continue
		}
		if due {
			s.scrub(ctx, &entities, pool)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *scrubRunner) due(pool *model.Pool) (bool, error) {
	last, ok, err := s.journal.LastScrub(pool.ID)
	if err != nil {
		return false, err
	}
	return !ok || s.now().Sub(last) >= pool.ScrubInterval.Std(), nil
}

func (s *scrubRunner) scrub(ctx context.Context, entities *model.Entities, pool *model.Pool) {
	logging.Info().Str("pool", pool.Name).Str("mount", pool.MountPoint).Msg("Starting scrub")
	if s.notifier != nil {
		s.notifier.ObserveJobStart(ctx, entities, pool.ID, model.EventScrub)
	}
	result, err := s.fs.Scrub(ctx, pool.MountPoint)
	if err != nil {
		logging.Error().Err(err).Str("pool", pool.Name).Msg("Scrub failed")
		s.observe(ctx, entities, pool, false)
		return
	}

	s.monitor.RecordScrub(pool.ID, result.Uncorrectable)
	if err := s.journal.RecordScrub(pool.ID, s.now()); err != nil {
		logging.Error().Err(err).Str("pool", pool.Name).Msg("Persisting scrub time failed")
	}
	s.observe(ctx, entities, pool, !result.Uncorrectable)
	if result.Uncorrectable {
		logging.Error().Str("pool", pool.Name).Msg("Scrub found uncorrectable errors")
		return
	}
	logging.Info().Str("pool", pool.Name).Msg("Scrub finished")
}

func (s *scrubRunner) observe(ctx context.Context, entities *model.Entities, pool *model.Pool, ok bool) {
	if s.notifier != nil {
		s.notifier.ObserveJob(ctx, entities, pool.ID, model.EventScrub, ok)
	}
}

// journalCompactor trims settled journal records past their retention.
// Dangling intents and the newest completion per dataset and kind stay
// untouched, those still carry recovery and scheduling state.
type journalCompactor struct {
	journal   *journal.Journal
	retention time.Duration
	interval  time.Duration
}

func (c *journalCompactor) serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.compact()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.compact()
		}
	}
}

func (c *journalCompactor) compact() {
	deleted, err := c.journal.Compact(time.Now().Add(-c.retention))
	if err != nil {
		logging.Error().Err(err).Msg("Journal compaction failed")
		return
	}
	if deleted > 0 {
		logging.Info().Int64("records", deleted).Msg("Journal compacted")
	}
}
