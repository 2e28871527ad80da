// Package snapshots manages the lifecycle of dataset snapshots on a pool:
// creation, deletion, listing and crash reconciliation. Every mutation is
// journaled as an intent record before the subvolume operation and settled
// with a completion or failure record afterwards, so a restart can always
// tell a finished mutation from an interrupted one.
package snapshots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/wardenfs/snapwarden/pkg/btrfs"
	"github.com/wardenfs/snapwarden/pkg/journal"
	"github.com/wardenfs/snapwarden/pkg/logging"
	"github.com/wardenfs/snapwarden/pkg/model"
	"github.com/wardenfs/snapwarden/pkg/util"
)

// LabelFormat renders a snapshot creation time as a filesystem-safe UTC
// label. Labels double as subvolume directory names.
const LabelFormat = "2006-01-02T15-04-05Z"

// snapshotDirName is the container directory at the pool root that holds
// all managed snapshots, one subdirectory per dataset id.
const snapshotDirName = ".snapwarden/snapshots"

// Snapshot is one managed snapshot of a dataset.
type Snapshot struct {
	DatasetID uuid.UUID
	Sequence  uint64
	Label     string
	TakenAt   time.Time
	// Path is the absolute subvolume path on the pool.
	Path string
}

// ErrSnapshotInUse reports a delete refused because a backup target has not yet
// confirmed the snapshot.
type ErrSnapshotInUse struct {
	DatasetID uuid.UUID
	Sequence  uint64
	TargetID  uuid.UUID
}

func (e *ErrSnapshotInUse) Error() string {
	return fmt.Sprintf("snapshot %d of dataset %s is still unconfirmed at target %s", e.Sequence, e.DatasetID, e.TargetID)
}

// Filesystem is the slice of the btrfs driver the manager needs.
type Filesystem interface {
	ListSubvolumes(ctx context.Context, mountPoint string) ([]btrfs.Subvolume, error)
	SnapshotReadOnly(ctx context.Context, src, dest string) error
	DeleteSubvolume(ctx context.Context, path string) error
	Send(ctx context.Context, path, parent string) (*btrfs.Stream, error)
}

var _ Filesystem = (*btrfs.Client)(nil)

// Manager executes journaled snapshot mutations for datasets.
type Manager struct {
	fs          Filesystem
	journal     *journal.Journal
	hooks       *HookRunner
	hookTimeout time.Duration
	now         func() time.Time
}

// NewManager creates a Manager. hookTimeout bounds each dataset hook
// command that does not set its own timeout.
func NewManager(fs Filesystem, jrnl *journal.Journal, hookTimeout time.Duration) *Manager {
	return &Manager{
		fs:          fs,
		journal:     jrnl,
		hooks:       NewHookRunner(exec.CommandContext),
		hookTimeout: hookTimeout,
		now:         time.Now,
	}
}

// DatasetDir returns the absolute path of the managed subvolume.
func DatasetDir(pool *model.Pool, dataset *model.Dataset) string {
	return filepath.Join(pool.MountPoint, dataset.Path)
}

// SnapshotDir returns the directory holding a dataset's snapshots.
func SnapshotDir(pool *model.Pool, datasetID uuid.UUID) string {
	return filepath.Join(pool.MountPoint, filepath.FromSlash(snapshotDirName), datasetID.String())
}

// SnapshotPath returns the absolute subvolume path for a snapshot label.
func SnapshotPath(pool *model.Pool, datasetID uuid.UUID, label string) string {
	return filepath.Join(SnapshotDir(pool, datasetID), label)
}

// ParseLabel recovers the creation time encoded in a snapshot label.
func ParseLabel(label string) (time.Time, error) {
	ts, err := time.Parse(LabelFormat, label)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing snapshot label %q: %w", label, err)
	}
	return ts, nil
}

// Create takes a read-only snapshot of the dataset, registers it and
// journals the mutation. Pre hooks run before the snapshot and abort it on
// failure; post hook failures are logged but do not fail the snapshot.
func (m *Manager) Create(ctx context.Context, pool *model.Pool, dataset *model.Dataset) (*Snapshot, error) {
	takenAt := m.now().UTC().Truncate(time.Second)
	label := takenAt.Format(LabelFormat)

	if _, err := m.journal.SnapshotByLabel(dataset.ID, label); err == nil {
		return nil, fmt.Errorf("snapshot %s of dataset %s already exists", label, dataset.ID)
	} else if !errors.Is(err, journal.ErrNotFound) {
		return nil, err
	}

	seq, err := m.journal.NextSequence(dataset.ID)
	if err != nil {
		return nil, err
	}

	payload := snapshotPayload{Sequence: seq, Label: label}
	intentSeq, err := m.journal.Intent(dataset.ID, journal.OpSnapshotCreate, payload)
	if err != nil {
		return nil, err
	}

	if err := m.runHooks(ctx, dataset, dataset.Hooks.PreSnapshot, label, true); err != nil {
		m.failIntent(intentSeq, err)
		return nil, fmt.Errorf("pre-snapshot hook: %w", err)
	}

	dest := SnapshotPath(pool, dataset.ID, label)
	if err := os.MkdirAll(filepath.Dir(dest), util.UserWritableDirPerms); err != nil {
		m.failIntent(intentSeq, err)
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	if err := m.fs.SnapshotReadOnly(ctx, DatasetDir(pool, dataset), dest); err != nil {
		m.failIntent(intentSeq, err)
		return nil, err
	}

	row := journal.SnapshotRow{DatasetID: dataset.ID, Sequence: seq, Label: label, CreatedAt: takenAt}
	if err := m.journal.RegisterSnapshot(row); err != nil {
		return nil, err
	}
	if err := m.journal.Complete(intentSeq, payload); err != nil {
		return nil, err
	}

	if err := m.runHooks(ctx, dataset, dataset.Hooks.PostSnapshot, label, false); err != nil {
		logging.Warn().Err(err).Str("dataset", dataset.Name).Msg("Post-snapshot hook failed")
	}

	logging.Info().Str("dataset", dataset.Name).Str("label", label).Uint64("seq", seq).Msg("Snapshot created")
	return &Snapshot{DatasetID: dataset.ID, Sequence: seq, Label: label, TakenAt: takenAt, Path: dest}, nil
}

// Delete removes a snapshot subvolume and its registry entry. It refuses
// with an ErrSnapshotInUse while any listed target without loss permission has a
// replication cursor below the snapshot's sequence.
func (m *Manager) Delete(ctx context.Context, pool *model.Pool, dataset *model.Dataset, targets []*model.Target, seq uint64) error {
	row, err := m.findSequence(dataset.ID, seq)
	if err != nil {
		return err
	}

	cursors, err := m.journal.Cursors(dataset.ID)
	if err != nil {
		return err
	}
	for _, target := range targets {
		if target.LossPermitted {
			continue
		}
		if cursors[target.ID] < seq {
			return &ErrSnapshotInUse{DatasetID: dataset.ID, Sequence: seq, TargetID: target.ID}
		}
	}

	payload := snapshotPayload{Sequence: seq, Label: row.Label}
	intentSeq, err := m.journal.Intent(dataset.ID, journal.OpSnapshotDelete, payload)
	if err != nil {
		return err
	}

	path := SnapshotPath(pool, dataset.ID, row.Label)
	if err := m.deleteSubvolumeIfPresent(ctx, path); err != nil {
		m.failIntent(intentSeq, err)
		return err
	}

	if err := m.journal.UnregisterSnapshot(dataset.ID, seq); err != nil {
		return err
	}
	if err := m.journal.Complete(intentSeq, payload); err != nil {
		return err
	}

	logging.Info().Str("dataset", dataset.Name).Str("label", row.Label).Uint64("seq", seq).Msg("Snapshot deleted")
	return nil
}

// List returns the registered snapshots of a dataset in ascending sequence
// order. The registry is authoritative; Reconcile aligns it with disk.
func (m *Manager) List(pool *model.Pool, dataset *model.Dataset) ([]Snapshot, error) {
	rows, err := m.journal.Snapshots(dataset.ID)
	if err != nil {
		return nil, err
	}
	snaps := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		snaps = append(snaps, Snapshot{
			DatasetID: row.DatasetID,
			Sequence:  row.Sequence,
			Label:     row.Label,
			TakenAt:   row.CreatedAt,
			Path:      SnapshotPath(pool, row.DatasetID, row.Label),
		})
	}
	return snaps, nil
}

// SendStream opens a btrfs send stream for a snapshot. With a non-nil
// parent the stream is incremental against it.
func (m *Manager) SendStream(ctx context.Context, snap *Snapshot, parent *Snapshot) (io.ReadCloser, error) {
	parentPath := ""
	if parent != nil {
		parentPath = parent.Path
	}
	return m.fs.Send(ctx, snap.Path, parentPath)
}

// deleteSubvolumeIfPresent tolerates a subvolume that is already gone, so
// a delete interrupted after the subvolume removal can be retried.
func (m *Manager) deleteSubvolumeIfPresent(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logging.Debug().Str("path", path).Msg("Subvolume already absent")
		return nil
	}
	return m.fs.DeleteSubvolume(ctx, path)
}

func (m *Manager) findSequence(datasetID uuid.UUID, seq uint64) (journal.SnapshotRow, error) {
	rows, err := m.journal.Snapshots(datasetID)
	if err != nil {
		return journal.SnapshotRow{}, err
	}
	for _, row := range rows {
		if row.Sequence == seq {
			return row, nil
		}
	}
	return journal.SnapshotRow{}, fmt.Errorf("snapshot %d of dataset %s: %w", seq, datasetID, journal.ErrNotFound)
}

func (m *Manager) failIntent(intentSeq int64, cause error) {
	if err := m.journal.Fail(intentSeq, failurePayload{Error: cause.Error()}); err != nil {
		logging.Error().Err(err).Int64("intent", intentSeq).Msg("Recording failure record failed")
	}
}

func (m *Manager) runHooks(ctx context.Context, dataset *model.Dataset, commands []string, label string, failFast bool) error {
	if len(commands) == 0 {
		return nil
	}
	timeout := dataset.Hooks.Timeout.Std()
	if timeout <= 0 {
		timeout = m.hookTimeout
	}
	env := []string{
		"SNAPWARDEN_DATASET=" + dataset.Name,
		"SNAPWARDEN_SNAPSHOT=" + label,
	}
	return m.hooks.Run(ctx, commands, timeout, env, failFast)
}

// snapshotPayload is the journal payload for create and delete records.
type snapshotPayload struct {
	Sequence uint64 `json:"sequence"`
	Label    string `json:"label"`
}

// failurePayload carries the cause on failure records.
type failurePayload struct {
	Error string `json:"error"`
}
