// Package daemon assembles the process: single-instance lock, entity
// store, journal recovery, and the supervision tree that keeps the
// long-running services alive. Startup order is strict. The lock comes
// first so two instances can never interleave journal recovery, then
// every pool is verified against its filesystem UUID, then dangling
// journal intents are settled, and only then do the services start
// admitting new work.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/wardenfs/snapwarden/pkg/btrfs"
	"github.com/wardenfs/snapwarden/pkg/buildinfo"
	"github.com/wardenfs/snapwarden/pkg/config"
	"github.com/wardenfs/snapwarden/pkg/control"
	"github.com/wardenfs/snapwarden/pkg/coordinator"
	"github.com/wardenfs/snapwarden/pkg/health"
	"github.com/wardenfs/snapwarden/pkg/journal"
	"github.com/wardenfs/snapwarden/pkg/lockfile"
	"github.com/wardenfs/snapwarden/pkg/logging"
	"github.com/wardenfs/snapwarden/pkg/metrics"
	"github.com/wardenfs/snapwarden/pkg/model"
	"github.com/wardenfs/snapwarden/pkg/pipeline"
	"github.com/wardenfs/snapwarden/pkg/restic"
	"github.com/wardenfs/snapwarden/pkg/scheduler"
	"github.com/wardenfs/snapwarden/pkg/snapshots"
)

// serviceStopTimeout bounds how long the supervisor waits for a service
// to honor its context cancel before giving up on it.
const serviceStopTimeout = 10 * time.Second

// filesystem is the btrfs surface the daemon wires up, the snapshot
// manager's needs plus mount verification and scrubbing. *btrfs.Client
// satisfies it.
type filesystem interface {
	snapshots.Filesystem
	VerifyMount(ctx context.Context, mountPoint string, fsUUID uuid.UUID) error
	Scrub(ctx context.Context, mountPoint string) (*btrfs.ScrubResult, error)
}

// Daemon turns a configuration into a running process.
type Daemon struct {
	cfg *config.Config
	fs  filesystem
}

// New creates a Daemon over the real btrfs command-line client.
func New(cfg *config.Config) *Daemon {
	return &Daemon{cfg: cfg, fs: btrfs.NewExec()}
}

// Run brings the daemon up and blocks until ctx is cancelled or startup
// fails. Cancellation stops the service tree, releases the socket and
// the instance lock, and returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.cfg

	lock, err := lockfile.Acquire(ctx, cfg.LockPath, buildinfo.Name+" "+buildinfo.Version)
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	defer lock.Release()

	store, err := config.OpenStore(cfg.EntitiesPath)
	if err != nil {
		return fmt.Errorf("opening entity store: %w", err)
	}

	jrnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer jrnl.Close()

	entities := store.Snapshot()
	if err := d.verifyPools(ctx, &entities); err != nil {
		return err
	}

	manager := snapshots.NewManager(d.fs, jrnl, cfg.HookTimeout)
	if err := manager.Reconcile(ctx, &entities); err != nil {
		return fmt.Errorf("recovering snapshot state: %w", err)
	}

	backends := map[model.TargetKind]pipeline.Backend{
		model.TargetLocalDir: pipeline.NewLocalDirBackend(),
		model.TargetRestic:   pipeline.NewResticBackend(restic.New(), cfg.StagingPath),
	}
	pipe := pipeline.New(jrnl, manager, backends, pipeline.BreakerSettings{
		Failures: uint32(cfg.Breaker.Failures),
		Cooldown: cfg.Breaker.Cooldown,
	}, cfg.AdapterTimeout)

	monitor := health.NewMonitor(cfg.Health.FailureStreak, cfg.Health.HistoryAge)
	notifier := health.NewNotifier(nil)

	coord := coordinator.New(store, jrnl, manager, pipe, monitor, notifier, cfg.Retry, cfg.Workers)
	coord.OnJob = metrics.RecordJob

	sched := scheduler.New(store, jrnl, coord, cfg.Tick)

	// Shutdown requests funnel into one cancel, whether they come from the
	// parent context, a signal, or the control API.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := newServiceSet()
	ctrl := control.New(control.Options{
		Store:    store,
		Journal:  jrnl,
		Trigger:  sched,
		Status:   coord,
		Monitor:  monitor,
		Version:  buildinfo.Version,
		Services: tracker.statuses,
		Shutdown: cancel,
	})

	tree := suture.New(buildinfo.Name, suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook(),
		Timeout:   serviceStopTimeout,
	})
	tree.Add(tracker.track("scheduler", sched.Serve))
	tree.Add(tracker.track("coordinator", coord.Serve))
	tree.Add(tracker.track("control", func(ctx context.Context) error {
		return ctrl.Serve(ctx, cfg.SocketPath)
	}))
	tree.Add(tracker.track("health-evaluator", (&alertEvaluator{
		entities: store,
		monitor:  monitor,
		interval: cfg.Health.EvalInterval,
	}).serve))
	tree.Add(tracker.track("heartbeat", (&heartbeatPinger{
		entities: store,
		notifier: notifier,
		tick:     heartbeatTick,
	}).serve))
	tree.Add(tracker.track("scrub", (&scrubRunner{
		entities: store,
		fs:       d.fs,
		journal:  jrnl,
		monitor:  monitor,
		notifier: notifier,
		tick:     scrubCheckInterval,
	}).serve))
	tree.Add(tracker.track("journal-compactor", (&journalCompactor{
		journal:   jrnl,
		retention: cfg.Journal.Retention,
		interval:  cfg.Journal.CompactInterval,
	}).serve))

	logging.Info().
		Str("version", buildinfo.Version).
		Str("socket", cfg.SocketPath).
		Int("pools", len(entities.Pools)).
		Int("datasets", len(entities.Datasets)).
		Msg("Daemon up")

	err = tree.Serve(runCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("Daemon stopped")
	return nil
}

// verifyPools checks that every configured pool is mounted and is the
// filesystem the document says it is. A pool that fails verification
// aborts startup; mutating whatever happens to be mounted there is the
// one mistake this daemon must never make.
func (d *Daemon) verifyPools(ctx context.Context, entities *model.Entities) error {
	for i := range entities.Pools {
		pool := &entities.Pools[i]
		if err := d.fs.VerifyMount(ctx, pool.MountPoint, pool.UUID); err != nil {
			return fmt.Errorf("verifying pool %q: %w", pool.Name, err)
		}
		logging.Debug().Str("pool", pool.Name).Str("mount", pool.MountPoint).Msg("Pool verified")
	}
	return nil
}
