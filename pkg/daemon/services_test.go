package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenfs/snapwarden/pkg/btrfs"
	"github.com/wardenfs/snapwarden/pkg/health"
	"github.com/wardenfs/snapwarden/pkg/journal"
	"github.com/wardenfs/snapwarden/pkg/metrics"
	"github.com/wardenfs/snapwarden/pkg/model"
)

// stubEntities serves a fixed document.
type stubEntities struct {
	doc model.Entities
}

func (s stubEntities) Snapshot() model.Entities { return s.doc }

func openServiceJournal(t *testing.T) *journal.Journal {
	t.Helper()
	jrnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jrnl.Close() })
	return jrnl
}

func TestTrackedServiceStates(t *testing.T) {
	set := newServiceSet()
	svc := set.track("worker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	statuses := set.statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "worker", statuses[0].Name)
	assert.Equal(t, stateStopped, statuses[0].State)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return set.statuses()[0].State == stateRunning
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, stateStopped, set.statuses()[0].State, "cancellation is a clean stop")

	flaky := set.track("flaky", func(context.Context) error { return errors.New("boom") })
	_ = flaky.Serve(context.Background())

	statuses = set.statuses()
	require.Len(t, statuses, 2, "registration order is preserved")
	assert.Equal(t, "flaky", statuses[1].Name)
	assert.Equal(t, stateFailed, statuses[1].State)
}

func TestAlertEvaluatorReportsNewConditionsOnce(t *testing.T) {
	dataset := uuid.New()
	target := uuid.New()
	doc := model.Entities{
		Datasets: []model.Dataset{{ID: dataset, Name: "data"}},
		Targets:  []model.Target{{ID: target, Name: "vault", Kind: model.TargetLocalDir}},
	}
	monitor := health.NewMonitor(2, time.Hour)
	ev := &alertEvaluator{entities: stubEntities{doc}, monitor: monitor, interval: time.Hour, active: make(map[string]bool)}

	fail := func() {
		monitor.Record(dataset, target, model.JobReplicate, errors.New("transfer refused"))
	}

	before := testutil.ToFloat64(metrics.AlertsTotal.WithLabelValues(string(health.SeverityError)))

	fail()
	fail()
	ev.evaluate()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AlertsTotal.WithLabelValues(string(health.SeverityError))))

	// The streak persists, the evaluator must not count it again.
	ev.evaluate()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AlertsTotal.WithLabelValues(string(health.SeverityError))))

	// Condition clears, then recurs: that is a new occurrence.
	monitor.Forget(dataset)
	ev.evaluate()
	assert.Empty(t, ev.active)

	fail()
	fail()
	ev.evaluate()
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.AlertsTotal.WithLabelValues(string(health.SeverityError))))
}

func TestHeartbeatPingerHonorsPerObserverInterval(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
	}))
	defer server.Close()

	doc := model.Entities{Observers: []model.Observer{{
		ID:        uuid.New(),
		Name:      "hc",
		BaseURL:   server.URL,
		Heartbeat: &model.Heartbeat{CheckID: "abc123", Interval: model.D(time.Hour)},
	}}}

	current := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	pinger := &heartbeatPinger{
		entities: stubEntities{doc},
		notifier: health.NewNotifier(server.Client()),
		tick:     time.Hour,
		now:      func() time.Time { return current },
		sent:     make(map[string]time.Time),
	}

	ctx := context.Background()
	pinger.ping(ctx)
	pinger.ping(ctx)
	mu.Lock()
	assert.Equal(t, []string{"/abc123"}, paths, "one ping per interval, immediately on start")
	mu.Unlock()

	current = current.Add(61 * time.Minute)
	pinger.ping(ctx)
	mu.Lock()
	assert.Equal(t, []string{"/abc123", "/abc123"}, paths)
	mu.Unlock()
}

func TestHeartbeatPingerRetriesFailedPing(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		first := requests == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	doc := model.Entities{Observers: []model.Observer{{
		ID:        uuid.New(),
		Name:      "hc",
		BaseURL:   server.URL,
		Heartbeat: &model.Heartbeat{CheckID: "abc123", Interval: model.D(time.Hour)},
	}}}

	current := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	pinger := &heartbeatPinger{
		entities: stubEntities{doc},
		notifier: health.NewNotifier(server.Client()),
		tick:     time.Hour,
		now:      func() time.Time { return current },
		sent:     make(map[string]time.Time),
	}

	ctx := context.Background()
	pinger.ping(ctx)
	pinger.ping(ctx)

	mu.Lock()
	assert.Equal(t, 2, requests, "a failed ping retries on the next tick, not the next interval")
	mu.Unlock()

	pinger.ping(ctx)
	mu.Lock()
	assert.Equal(t, 2, requests, "after success the interval applies again")
	mu.Unlock()
}

func TestScrubRunnerScrubsDuePools(t *testing.T) {
	jrnl := openServiceJournal(t)
	enabled := model.Pool{ID: uuid.New(), Name: "tank", MountPoint: "/mnt/tank", UUID: uuid.New(), ScrubInterval: model.D(24 * time.Hour)}
	disabled := model.Pool{ID: uuid.New(), Name: "scratch", MountPoint: "/mnt/scratch", UUID: uuid.New()}
	doc := model.Entities{Pools: []model.Pool{enabled, disabled}}

	fs := &fakeFS{}
	monitor := health.NewMonitor(1, time.Hour)
	current := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	runner := &scrubRunner{
		entities: stubEntities{doc},
		fs:       fs,
		journal:  jrnl,
		monitor:  monitor,
		tick:     time.Hour,
		now:      func() time.Time { return current },
	}

	ctx := context.Background()
	runner.evaluate(ctx)
	assert.Equal(t, []string{"/mnt/tank"}, fs.scrubbedMounts(), "only the pool with an interval is scrubbed")

	last, ok, err := jrnl.LastScrub(enabled.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, current, last)

	// Within the interval nothing is due, past it the pool is scrubbed again.
	runner.evaluate(ctx)
	assert.Len(t, fs.scrubbedMounts(), 1)

	current = current.Add(25 * time.Hour)
	runner.evaluate(ctx)
	assert.Len(t, fs.scrubbedMounts(), 2)
}

func TestScrubRunnerRecordsUncorrectable(t *testing.T) {
	jrnl := openServiceJournal(t)
	pool := model.Pool{ID: uuid.New(), Name: "tank", MountPoint: "/mnt/tank", UUID: uuid.New(), ScrubInterval: model.D(24 * time.Hour)}
	doc := model.Entities{Pools: []model.Pool{pool}}

	fs := &fakeFS{scrubResult: btrfs.ScrubResult{Uncorrectable: true, Report: "uncorrectable: 3"}}
	monitor := health.NewMonitor(1, time.Hour)
	runner := &scrubRunner{entities: stubEntities{doc}, fs: fs, journal: jrnl, monitor: monitor, tick: time.Hour, now: time.Now}

	runner.evaluate(context.Background())

	alerts := monitor.Evaluate(&doc)
	require.Len(t, alerts, 1)
	assert.Equal(t, health.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, pool.ID, alerts[0].PoolID)

	// The run still counts as done; rescrubbing repairs nothing.
	_, ok, err := jrnl.LastScrub(pool.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScrubRunnerNotifiesPoolObservers(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
	}))
	defer server.Close()

	jrnl := openServiceJournal(t)
	pool := model.Pool{ID: uuid.New(), Name: "tank", MountPoint: "/mnt/tank", UUID: uuid.New(), ScrubInterval: model.D(24 * time.Hour)}
	doc := model.Entities{
		Pools: []model.Pool{pool},
		Observers: []model.Observer{{
			ID:      uuid.New(),
			Name:    "hc",
			BaseURL: server.URL,
			Observations: []model.Observation{
				{EntityID: pool.ID, Event: model.EventScrub, CheckID: "scrub-tank"},
			},
		}},
	}

	fs := &fakeFS{}
	current := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	runner := &scrubRunner{
		entities: stubEntities{doc},
		fs:       fs,
		journal:  jrnl,
		monitor:  health.NewMonitor(1, time.Hour),
		notifier: health.NewNotifier(server.Client()),
		tick:     time.Hour,
		now:      func() time.Time { return current },
	}

	ctx := context.Background()
	runner.evaluate(ctx)
	mu.Lock()
	assert.Equal(t, []string{"/scrub-tank/start", "/scrub-tank"}, paths)
	mu.Unlock()

	fs.scrubErr = errors.New("device busy")
	current = current.Add(25 * time.Hour)
	runner.evaluate(ctx)
	mu.Lock()
	assert.Equal(t, []string{"/scrub-tank/start", "/scrub-tank", "/scrub-tank/start", "/scrub-tank/fail"}, paths)
	mu.Unlock()
}

func TestScrubRunnerKeepsPoolDueAfterFailure(t *testing.T) {
	jrnl := openServiceJournal(t)
	pool := model.Pool{ID: uuid.New(), Name: "tank", MountPoint: "/mnt/tank", UUID: uuid.New(), ScrubInterval: model.D(24 * time.Hour)}
	doc := model.Entities{Pools: []model.Pool{pool}}

	fs := &fakeFS{scrubErr: errors.New("device busy")}
	monitor := health.NewMonitor(1, time.Hour)
	runner := &scrubRunner{entities: stubEntities{doc}, fs: fs, journal: jrnl, monitor: monitor, tick: time.Hour, now: time.Now}

	runner.evaluate(context.Background())

	_, ok, err := jrnl.LastScrub(pool.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a failed scrub leaves the pool due")
	assert.Empty(t, monitor.Evaluate(&doc))
}

func TestJournalCompactorProtectsRecoveryState(t *testing.T) {
	jrnl := openServiceJournal(t)
	dataset := uuid.New()

	first, err := jrnl.Intent(dataset, journal.OpSnapshotCreate, nil)
	require.NoError(t, err)
	require.NoError(t, jrnl.Complete(first, nil))
	second, err := jrnl.Intent(dataset, journal.OpSnapshotCreate, nil)
	require.NoError(t, err)
	require.NoError(t, jrnl.Complete(second, nil))
	_, err = jrnl.Intent(dataset, journal.OpSnapshotDelete, nil)
	require.NoError(t, err)

	compactor := &journalCompactor{journal: jrnl, retention: time.Nanosecond, interval: time.Hour}
	compactor.compact()

	dangling, err := jrnl.Dangling()
	require.NoError(t, err)
	assert.Len(t, dangling, 1, "dangling intents survive compaction")

	_, ok, err := jrnl.LastRun(dataset, model.JobSnapshot)
	require.NoError(t, err)
	assert.True(t, ok, "the newest completion survives compaction")

	deleted, err := jrnl.Compact(time.Now())
	require.NoError(t, err)
	assert.Zero(t, deleted, "the compactor already swept everything unprotected")
}
