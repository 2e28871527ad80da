package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenfs/snapwarden/pkg/model"
	"github.com/wardenfs/snapwarden/pkg/restic"
	"github.com/wardenfs/snapwarden/pkg/snapshots"
)

type resticBackupCall struct {
	path string
	tags []string
}

type fakeResticDriver struct {
	ensured   []string
	backups   []resticBackupCall
	forgotten [][]string

	backupErr error
	summary   restic.BackupSummary
	snaps     []restic.Snapshot
	snapsErr  error
}

func (f *fakeResticDriver) EnsureRepository(_ context.Context, repo model.ResticTarget) error {
	f.ensured = append(f.ensured, repo.Repository)
	return nil
}

func (f *fakeResticDriver) Backup(_ context.Context, _ model.ResticTarget, path string, tags []string) (*restic.BackupSummary, error) {
	f.backups = append(f.backups, resticBackupCall{path: path, tags: tags})
	if f.backupErr != nil {
		return nil, f.backupErr
	}
	summary := f.summary
	return &summary, nil
}

func (f *fakeResticDriver) Snapshots(_ context.Context, _ model.ResticTarget, _ []string) ([]restic.Snapshot, error) {
	return f.snaps, f.snapsErr
}

func (f *fakeResticDriver) Forget(_ context.Context, _ model.ResticTarget, tags []string) error {
	f.forgotten = append(f.forgotten, tags)
	return nil
}

func resticTransfer(target *model.Target) *Transfer {
	dataset := &model.Dataset{ID: uuid.New(), Name: "data"}
	return &Transfer{
		Dataset: dataset,
		Target:  target,
		Snapshot: &snapshots.Snapshot{
			DatasetID: dataset.ID,
			Sequence:  3,
			Label:     "2024-03-01T10-00-00Z",
			Path:      "/mnt/tank/.snapwarden/snapshots/" + dataset.ID.String() + "/2024-03-01T10-00-00Z",
		},
	}
}

func resticTargetFixture() *model.Target {
	return &model.Target{
		ID:     uuid.New(),
		Name:   "offsite",
		Kind:   model.TargetRestic,
		Restic: &model.ResticTarget{Repository: "/srv/restic-repo"},
	}
}

func TestResticPushUploadsSnapshotInPlace(t *testing.T) {
	driver := &fakeResticDriver{summary: restic.BackupSummary{SnapshotID: "abcdef1234", TotalBytesProcessed: 4096}}
	backend := NewResticBackend(driver, "")
	transfer := resticTransfer(resticTargetFixture())

	receipt, err := backend.Push(context.Background(), transfer)
	require.NoError(t, err)

	assert.Equal(t, "abcdef1234", receipt.Token)
	assert.Equal(t, uint64(4096), receipt.Bytes)

	require.Len(t, driver.backups, 1)
	assert.Equal(t, transfer.Snapshot.Path, driver.backups[0].path)
	assert.Equal(t, []string{
		"uuid=" + transfer.Snapshot.DatasetID.String(),
		"ts=2024-03-01T10-00-00Z",
	}, driver.backups[0].tags)
}

func TestResticPushInitializesRepositoryOnce(t *testing.T) {
	driver := &fakeResticDriver{summary: restic.BackupSummary{SnapshotID: "abc"}}
	backend := NewResticBackend(driver, "")
	transfer := resticTransfer(resticTargetFixture())
	ctx := context.Background()

	_, err := backend.Push(ctx, transfer)
	require.NoError(t, err)
	_, err = backend.Push(ctx, transfer)
	require.NoError(t, err)

	assert.Equal(t, []string{"/srv/restic-repo"}, driver.ensured)
}

func TestResticPushStagesBindMount(t *testing.T) {
	driver := &fakeResticDriver{summary: restic.BackupSummary{SnapshotID: "abc"}}
	backend := NewResticBackend(driver, "")

	target := resticTargetFixture()
	target.Restic.StagingPath = t.TempDir()
	transfer := resticTransfer(target)

	var mounted, unmounted []string
	backend.mount = func(src, dst string) error {
		assert.Equal(t, transfer.Snapshot.Path, src)
		mounted = append(mounted, dst)
		return nil
	}
	backend.unmount = func(dst string) error {
		unmounted = append(unmounted, dst)
		return nil
	}

	_, err := backend.Push(context.Background(), transfer)
	require.NoError(t, err)

	stagingDir := target.Restic.StagingPath + "/" + transfer.Snapshot.DatasetID.String()
	assert.Equal(t, []string{stagingDir}, mounted)
	assert.Equal(t, []string{stagingDir}, unmounted, "staging mount is released after the upload")

	require.Len(t, driver.backups, 1)
	assert.Equal(t, stagingDir, driver.backups[0].path, "restic sees the stable staging path, not the snapshot path")
}

func TestResticPushFallsBackToBackendStagingRoot(t *testing.T) {
	driver := &fakeResticDriver{summary: restic.BackupSummary{SnapshotID: "abc"}}
	root := t.TempDir()
	backend := NewResticBackend(driver, root)
	transfer := resticTransfer(resticTargetFixture())

	var mounted []string
	backend.mount = func(src, dst string) error { mounted = append(mounted, dst); return nil }
	backend.unmount = func(string) error { return nil }

	_, err := backend.Push(context.Background(), transfer)
	require.NoError(t, err)

	stagingDir := root + "/" + transfer.Snapshot.DatasetID.String()
	assert.Equal(t, []string{stagingDir}, mounted, "backend root applies when the target sets none")
}

func TestResticPushUnmountsOnBackupFailure(t *testing.T) {
	driver := &fakeResticDriver{backupErr: errors.New("repository locked")}
	backend := NewResticBackend(driver, "")

	target := resticTargetFixture()
	target.Restic.StagingPath = t.TempDir()
	transfer := resticTransfer(target)

	var unmounted int
	backend.mount = func(string, string) error { return nil }
	backend.unmount = func(string) error { unmounted++; return nil }

	_, err := backend.Push(context.Background(), transfer)
	require.Error(t, err)
	assert.Equal(t, 1, unmounted)
}

func TestResticPushMountFailure(t *testing.T) {
	driver := &fakeResticDriver{}
	backend := NewResticBackend(driver, "")

	target := resticTargetFixture()
	target.Restic.StagingPath = t.TempDir()
	transfer := resticTransfer(target)

	backend.mount = func(string, string) error { return errors.New("operation not permitted") }

	_, err := backend.Push(context.Background(), transfer)
	require.Error(t, err)
	assert.ErrorContains(t, err, "bind mounting")
	assert.Empty(t, driver.backups)
}

func TestResticVerifyMatchesReceipt(t *testing.T) {
	driver := &fakeResticDriver{snaps: []restic.Snapshot{
		{ID: "0123456789abcdef", ShortID: "01234567"},
	}}
	backend := NewResticBackend(driver, "")
	transfer := resticTransfer(resticTargetFixture())
	ctx := context.Background()

	confirmed, err := backend.Verify(ctx, transfer, &Receipt{Token: "01234567", Bytes: 42})
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", confirmed.Token)
	assert.Equal(t, uint64(42), confirmed.Bytes)

	_, err = backend.Verify(ctx, transfer, &Receipt{Token: "feedface"})
	assert.ErrorContains(t, err, "vanished")
}

func TestResticVerifyWithoutReceipt(t *testing.T) {
	driver := &fakeResticDriver{snaps: []restic.Snapshot{
		{ID: "aaaa"},
		{ID: "bbbb"},
	}}
	backend := NewResticBackend(driver, "")
	transfer := resticTransfer(resticTargetFixture())

	confirmed, err := backend.Verify(context.Background(), transfer, nil)
	require.NoError(t, err)
	assert.Equal(t, "bbbb", confirmed.Token)
}

func TestResticVerifyMissingUpload(t *testing.T) {
	driver := &fakeResticDriver{}
	backend := NewResticBackend(driver, "")
	transfer := resticTransfer(resticTargetFixture())

	_, err := backend.Verify(context.Background(), transfer, nil)
	require.Error(t, err)
	var transferErr *TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, "verify", transferErr.Stage)
	assert.ErrorContains(t, err, "not in repository")
}

func TestResticMirrorPruneForgetsByTags(t *testing.T) {
	driver := &fakeResticDriver{}
	backend := NewResticBackend(driver, "")
	transfer := resticTransfer(resticTargetFixture())

	require.NoError(t, backend.MirrorPrune(context.Background(), transfer))
	require.Len(t, driver.forgotten, 1)
	assert.Equal(t, []string{
		"uuid=" + transfer.Snapshot.DatasetID.String(),
		"ts=2024-03-01T10-00-00Z",
	}, driver.forgotten[0])
}
