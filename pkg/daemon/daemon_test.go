package daemon

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenfs/snapwarden/pkg/btrfs"
	"github.com/wardenfs/snapwarden/pkg/buildinfo"
	"github.com/wardenfs/snapwarden/pkg/config"
	"github.com/wardenfs/snapwarden/pkg/control"
	"github.com/wardenfs/snapwarden/pkg/lockfile"
	"github.com/wardenfs/snapwarden/pkg/model"
)

// fakeFS backs subvolumes with plain directories and accepts or rejects
// mounts as configured.
type fakeFS struct {
	mu          sync.Mutex
	verified    []string
	scrubbed    []string
	scrubResult btrfs.ScrubResult
	scrubErr    error
	verifyErr   error
}

func (f *fakeFS) ListSubvolumes(_ context.Context, mountPoint string) ([]btrfs.Subvolume, error) {
	dirs, err := filepath.Glob(filepath.Join(mountPoint, ".snapwarden", "snapshots", "*", "*"))
	if err != nil {
		return nil, err
	}
	subs := make([]btrfs.Subvolume, 0, len(dirs))
	for i, dir := range dirs {
		rel, err := filepath.Rel(mountPoint, dir)
		if err != nil {
			return nil, err
		}
		subs = append(subs, btrfs.Subvolume{ID: uint64(256 + i), Path: filepath.ToSlash(rel)})
	}
	return subs, nil
}

func (f *fakeFS) SnapshotReadOnly(_ context.Context, src, dest string) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	return os.Mkdir(dest, 0o755)
}

func (f *fakeFS) DeleteSubvolume(_ context.Context, path string) error {
	return os.RemoveAll(path)
}

func (f *fakeFS) Send(_ context.Context, path, _ string) (*btrfs.Stream, error) {
	return btrfs.NewStream(io.NopCloser(strings.NewReader("send "+path)), nil), nil
}

func (f *fakeFS) VerifyMount(_ context.Context, mountPoint string, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return f.verifyErr
	}
	f.verified = append(f.verified, mountPoint)
	return nil
}

func (f *fakeFS) Scrub(_ context.Context, mountPoint string) (*btrfs.ScrubResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scrubErr != nil {
		return nil, f.scrubErr
	}
	f.scrubbed = append(f.scrubbed, mountPoint)
	result := f.scrubResult
	return &result, nil
}

func (f *fakeFS) verifiedMounts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.verified...)
}

func (f *fakeFS) scrubbedMounts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scrubbed...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.NewDefault()
	cfg.SocketPath = filepath.Join(dir, "control.sock")
	cfg.EntitiesPath = filepath.Join(dir, "entities.json")
	cfg.JournalPath = filepath.Join(dir, "journal.db")
	cfg.LockPath = filepath.Join(dir, "daemon.lock")
	cfg.StagingPath = filepath.Join(dir, "staging")
	cfg.Tick = 25 * time.Millisecond
	cfg.Health.EvalInterval = 50 * time.Millisecond
	return cfg
}

// seedEntities persists one pool with one target-less dataset rooted at
// mount, so the first scheduler tick fires a snapshot but no replication.
func seedEntities(t *testing.T, cfg *config.Config, mount string) uuid.UUID {
	t.Helper()

	store, err := config.OpenStore(cfg.EntitiesPath)
	require.NoError(t, err)

	pool := model.Pool{ID: uuid.New(), Name: "tank", MountPoint: mount, UUID: uuid.New()}
	dataset := model.Dataset{
		ID:               uuid.New(),
		PoolID:           pool.ID,
		Name:             "data",
		Path:             "data",
		SnapshotInterval: model.D(time.Hour),
		PruneInterval:    model.D(time.Hour),
		Retention:        model.RetentionPolicy{MinKeep: 1},
	}
	require.NoError(t, os.Mkdir(filepath.Join(mount, "data"), 0o755))
	require.NoError(t, store.Update(func(e *model.Entities) error {
		e.Pools = append(e.Pools, pool)
		e.Datasets = append(e.Datasets, dataset)
		return nil
	}))
	return dataset.ID
}

func TestDaemonRunEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	mount := t.TempDir()
	datasetID := seedEntities(t, cfg, mount)

	fs := &fakeFS{}
	d := &Daemon{cfg: cfg, fs: fs}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	client := control.NewClient(cfg.SocketPath)
	require.Eventually(t, func() bool {
		_, err := client.Version(context.Background())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "control socket never came up")

	assert.Equal(t, []string{mount}, fs.verifiedMounts(), "pool verified before services start")

	// The scheduler fires the first snapshot within a tick or two and the
	// registry row becomes visible through the control API.
	require.Eventually(t, func() bool {
		detail, err := client.Dataset(context.Background(), datasetID)
		return err == nil && len(detail.Snapshots) >= 1
	}, 5*time.Second, 25*time.Millisecond, "no snapshot materialized")

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, buildinfo.Version, status.Version)

	states := make(map[string]string, len(status.Services))
	for _, svc := range status.Services {
		states[svc.Name] = svc.State
	}
	for _, name := range []string{
		"scheduler", "coordinator", "control",
		"health-evaluator", "heartbeat", "scrub", "journal-compactor",
	} {
		assert.Equal(t, "running", states[name], name)
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is a clean stop")
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	_, err = os.Stat(cfg.SocketPath)
	assert.True(t, os.IsNotExist(err), "socket removed on shutdown")
}

func TestDaemonShutdownViaControlAPI(t *testing.T) {
	cfg := testConfig(t)

	d := &Daemon{cfg: cfg, fs: &fakeFS{}}
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	client := control.NewClient(cfg.SocketPath)
	require.Eventually(t, func() bool {
		_, err := client.Version(context.Background())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, client.Shutdown(context.Background()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not honor the shutdown request")
	}
}

func TestDaemonRefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t)

	first := &Daemon{cfg: cfg, fs: &fakeFS{}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()

	client := control.NewClient(cfg.SocketPath)
	require.Eventually(t, func() bool {
		_, err := client.Version(context.Background())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	other := *cfg
	other.SocketPath = filepath.Join(t.TempDir(), "other.sock")
	second := &Daemon{cfg: &other, fs: &fakeFS{}}

	err := second.Run(context.Background())
	var active *lockfile.ErrLockActive
	require.ErrorAs(t, err, &active)
	assert.Equal(t, int64(os.Getpid()), active.PID)

	cancel()
	require.NoError(t, <-done)
}

func TestDaemonAbortsOnUnverifiedPool(t *testing.T) {
	cfg := testConfig(t)
	mount := t.TempDir()
	seedEntities(t, cfg, mount)

	fs := &fakeFS{verifyErr: errors.New("filesystem uuid mismatch")}
	d := &Daemon{cfg: cfg, fs: fs}

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "verifying pool")

	_, statErr := os.Stat(cfg.LockPath)
	assert.True(t, os.IsNotExist(statErr), "failed startup releases the lock")
}
