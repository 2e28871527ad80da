package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wardenfs/snapwarden/pkg/logging"
	"github.com/wardenfs/snapwarden/pkg/model"
	"github.com/wardenfs/snapwarden/pkg/restic"
	"github.com/wardenfs/snapwarden/pkg/util"
)

// resticDriver is the slice of the restic client the backend drives.
type resticDriver interface {
	EnsureRepository(ctx context.Context, repo model.ResticTarget) error
	Backup(ctx context.Context, repo model.ResticTarget, path string, tags []string) (*restic.BackupSummary, error)
	Snapshots(ctx context.Context, repo model.ResticTarget, tags []string) ([]restic.Snapshot, error)
	Forget(ctx context.Context, repo model.ResticTarget, tags []string) error
}

var _ resticDriver = (*restic.Restic)(nil)

// ResticBackend uploads snapshots into restic repositories. The snapshot
// subvolume is backed up in place; restic's content-defined chunking makes
// the upload incremental against earlier uploads regardless of btrfs
// parentage. Verification is a repository lookup by the tags every upload
// carries.
type ResticBackend struct {
	driver      resticDriver
	stagingRoot string

	readyMu sync.Mutex
	ready   map[string]bool

	// mount and unmount back the staging bind mount and are swappable in
	// tests, where mounting needs privileges the test runner lacks.
	mount   func(src, dst string) error
	unmount func(dst string) error
}

// NewResticBackend creates the restic backend over the given driver.
// stagingRoot is the bind mount root for targets that don't set their own;
// empty means uploads run against the snapshot path directly.
func NewResticBackend(driver resticDriver, stagingRoot string) *ResticBackend {
	return &ResticBackend{
		driver:      driver,
		stagingRoot: stagingRoot,
		ready:       make(map[string]bool),
		mount: func(src, dst string) error {
			return unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_RDONLY, "")
		},
		unmount: func(dst string) error {
			return unix.Unmount(dst, 0)
		},
	}
}

var _ Backend = (*ResticBackend)(nil)

// Push uploads the snapshot, tagged with the dataset id and label so it
// can be found again without any local state.
func (b *ResticBackend) Push(ctx context.Context, transfer *Transfer) (*Receipt, error) {
	repo := *transfer.Target.Restic
	if err := b.ensureRepository(ctx, repo.Repository, transfer); err != nil {
		return nil, &TransferError{Stage: "push", TargetID: transfer.Target.ID, Err: err}
	}

	path, cleanup, err := b.backupPath(transfer)
	if err != nil {
		return nil, &TransferError{Stage: "push", TargetID: transfer.Target.ID, Err: err}
	}
	defer cleanup()

	summary, err := b.driver.Backup(ctx, repo, path, b.tags(transfer))
	if err != nil {
		return nil, &TransferError{Stage: "push", TargetID: transfer.Target.ID, Err: err}
	}
	logging.Debug().
		Str("dataset", transfer.Dataset.Name).
		Str("restic_snapshot", summary.SnapshotID).
		Uint64("bytes", summary.TotalBytesProcessed).
		Msg("Restic upload finished")
	return &Receipt{Token: summary.SnapshotID, Bytes: summary.TotalBytesProcessed}, nil
}

// Verify looks the upload up by its tags. A nil receipt accepts any
// matching repository snapshot; with a receipt the id must match.
func (b *ResticBackend) Verify(ctx context.Context, transfer *Transfer, receipt *Receipt) (*Receipt, error) {
	repo := *transfer.Target.Restic
	snaps, err := b.driver.Snapshots(ctx, repo, b.tags(transfer))
	if err != nil {
		return nil, &TransferError{Stage: "verify", TargetID: transfer.Target.ID, Err: err}
	}
	if len(snaps) == 0 {
		return nil, &TransferError{Stage: "verify", TargetID: transfer.Target.ID, Err: fmt.Errorf("snapshot %s not in repository", transfer.Snapshot.Label)}
	}

	if receipt != nil && receipt.Token != "" {
		for _, snap := range snaps {
			if strings.HasPrefix(snap.ID, receipt.Token) || snap.ShortID == receipt.Token {
				return &Receipt{Token: snap.ID, Bytes: receipt.Bytes}, nil
			}
		}
		return nil, &TransferError{Stage: "verify", TargetID: transfer.Target.ID, Err: fmt.Errorf("repository snapshot %s vanished", receipt.Token)}
	}
	return &Receipt{Token: snaps[len(snaps)-1].ID}, nil
}

// MirrorPrune forgets the repository snapshot tagged for the pruned
// source snapshot.
func (b *ResticBackend) MirrorPrune(ctx context.Context, transfer *Transfer) error {
	repo := *transfer.Target.Restic
	if err := b.driver.Forget(ctx, repo, b.tags(transfer)); err != nil {
		return &TransferError{Stage: "prune", TargetID: transfer.Target.ID, Err: err}
	}
	return nil
}

func (b *ResticBackend) tags(transfer *Transfer) []string {
	return []string{
		restic.UUIDTag(transfer.Snapshot.DatasetID.String()),
		restic.LabelTag(transfer.Snapshot.Label),
	}
}

func (b *ResticBackend) ensureRepository(ctx context.Context, repository string, transfer *Transfer) error {
	b.readyMu.Lock()
	defer b.readyMu.Unlock()
	if b.ready[repository] {
		return nil
	}
	if err := b.driver.EnsureRepository(ctx, *transfer.Target.Restic); err != nil {
		return err
	}
	b.ready[repository] = true
	return nil
}

// backupPath decides the path restic uploads. Without staging that is the
// snapshot subvolume itself. With a staging path the snapshot is bind
// mounted read-only under a per-dataset directory first, so every upload
// of a dataset shares one repository path and restic's parent detection
// stays fast across snapshots. The target's own staging path wins over the
// backend-wide root.
func (b *ResticBackend) backupPath(transfer *Transfer) (string, func(), error) {
	staging := transfer.Target.Restic.StagingPath
	if staging == "" {
		staging = b.stagingRoot
	}
	if staging == "" {
		return transfer.Snapshot.Path, func() {}, nil
	}

	mountPoint := fmt.Sprintf("%s/%s", strings.TrimRight(staging, "/"), transfer.Snapshot.DatasetID)
	if err := os.MkdirAll(mountPoint, util.UserWritableDirPerms); err != nil {
		return "", nil, err
	}
	if err := b.mount(transfer.Snapshot.Path, mountPoint); err != nil {
		return "", nil, fmt.Errorf("bind mounting snapshot: %w", err)
	}
	cleanup := func() {
		if err := b.unmount(mountPoint); err != nil {
			logging.Warn().Err(err).Str("path", mountPoint).Msg("Unmounting staging path failed")
		}
	}
	return mountPoint, cleanup, nil
}
