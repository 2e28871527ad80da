package restic

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenfs/snapwarden/pkg/model"
)

type call struct {
	args []string
}

// fakeRun substitutes canned stdout for the restic subprocess.
func fakeRun(calls *[]call, outputs map[string][]byte, errs map[string]error) func(context.Context, model.ResticTarget, ...string) ([]byte, error) {
	return func(_ context.Context, _ model.ResticTarget, args ...string) ([]byte, error) {
		*calls = append(*calls, call{args: args})
		key := strings.Join(args, " ")
		return outputs[key], errs[key]
	}
}

func testRepo() model.ResticTarget {
	return model.ResticTarget{
		Repository:  "s3:s3.amazonaws.com/bucket/repo",
		Environment: map[string]string{"RESTIC_PASSWORD": "secret"},
	}
}

const backupOutput = `{"message_type":"status","percent_done":0.5}
{"message_type":"status","percent_done":1}
{"message_type":"summary","files_new":12,"files_changed":3,"data_added":4096,"total_files_processed":15,"total_bytes_processed":887263,"total_duration":1.27,"snapshot_id":"a3f1c2d4"}
`

func TestBackupParsesSummary(t *testing.T) {
	var calls []call
	outputs := map[string][]byte{
		"backup --json --host snapwarden --tag uuid=d1 --tag ts=2024-03-01T12-00-00Z /mnt/tank/.snapwarden/snapshots/d1/2024-03-01T12-00-00Z": []byte(backupOutput),
	}
	driver := New()
	driver.run = fakeRun(&calls, outputs, nil)

	summary, err := driver.Backup(context.Background(), testRepo(),
		"/mnt/tank/.snapwarden/snapshots/d1/2024-03-01T12-00-00Z",
		[]string{UUIDTag("d1"), LabelTag("2024-03-01T12-00-00Z")})
	require.NoError(t, err)

	assert.Equal(t, "a3f1c2d4", summary.SnapshotID)
	assert.Equal(t, 12, summary.FilesNew)
	assert.Equal(t, uint64(887263), summary.TotalBytesProcessed)
	require.Len(t, calls, 1)
}

func TestBackupWithoutSummaryFails(t *testing.T) {
	var calls []call
	outputs := map[string][]byte{
		"backup --json --host snapwarden /data": []byte(`{"message_type":"status","percent_done":1}` + "\n"),
	}
	driver := New()
	driver.run = fakeRun(&calls, outputs, nil)

	_, err := driver.Backup(context.Background(), testRepo(), "/data", nil)
	assert.ErrorContains(t, err, "no summary")
}

func TestBackupPropagatesRunError(t *testing.T) {
	var calls []call
	errs := map[string]error{
		"backup --json --host snapwarden /data": errors.New("exit status 1: repository locked"),
	}
	driver := New()
	driver.run = fakeRun(&calls, nil, errs)

	_, err := driver.Backup(context.Background(), testRepo(), "/data", nil)
	assert.ErrorContains(t, err, "repository locked")
}

const snapshotsOutput = `[
  {"id":"a3f1c2d4e5f6","short_id":"a3f1c2d4","time":"2024-03-01T12:00:05Z","hostname":"snapwarden","paths":["/mnt/tank/.snapwarden/snapshots/d1/2024-03-01T12-00-00Z"],"tags":["uuid=d1","ts=2024-03-01T12-00-00Z"]}
]`

func TestSnapshotsFiltersByTags(t *testing.T) {
	var calls []call
	outputs := map[string][]byte{
		"snapshots --json --host snapwarden --tag uuid=d1,ts=2024-03-01T12-00-00Z": []byte(snapshotsOutput),
	}
	driver := New()
	driver.run = fakeRun(&calls, outputs, nil)

	snaps, err := driver.Snapshots(context.Background(), testRepo(),
		[]string{UUIDTag("d1"), LabelTag("2024-03-01T12-00-00Z")})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "a3f1c2d4", snaps[0].ShortID)
	assert.Contains(t, snaps[0].Tags, "uuid=d1")
}

func TestSnapshotsEmptyRepository(t *testing.T) {
	var calls []call
	outputs := map[string][]byte{
		"snapshots --json --host snapwarden": []byte("[]"),
	}
	driver := New()
	driver.run = fakeRun(&calls, outputs, nil)

	snaps, err := driver.Snapshots(context.Background(), testRepo(), nil)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestEnsureRepositorySkipsExisting(t *testing.T) {
	var calls []call
	outputs := map[string][]byte{"cat config": []byte("{}")}
	driver := New()
	driver.run = fakeRun(&calls, outputs, nil)

	require.NoError(t, driver.EnsureRepository(context.Background(), testRepo()))
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"cat", "config"}, calls[0].args)
}

func TestEnsureRepositoryInitializes(t *testing.T) {
	var calls []call
	errs := map[string]error{"cat config": errors.New("repository does not exist")}
	driver := New()
	driver.run = fakeRun(&calls, nil, errs)

	require.NoError(t, driver.EnsureRepository(context.Background(), testRepo()))
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"init"}, calls[1].args)
}

func TestForgetCommandLine(t *testing.T) {
	var calls []call
	driver := New()
	driver.run = fakeRun(&calls, nil, nil)

	require.NoError(t, driver.Forget(context.Background(), testRepo(), []string{UUIDTag("d1"), LabelTag("x")}))
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"forget", "--prune", "--host", "snapwarden", "--tag", "uuid=d1,ts=x"}, calls[0].args)
}
