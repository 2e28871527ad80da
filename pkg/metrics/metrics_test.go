package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// Collectors live on the default registry, so assertions work on deltas.

func TestRecordJobCountsByResult(t *testing.T) {
	okBefore := testutil.ToFloat64(JobsTotal.WithLabelValues("snapshot", "success"))
	failBefore := testutil.ToFloat64(JobsTotal.WithLabelValues("snapshot", "failure"))

	RecordJob("snapshot", nil, 2*time.Second)
	RecordJob("snapshot", errors.New("ioctl failed"), time.Second)
	RecordJob("snapshot", nil, time.Second)

	assert.Equal(t, okBefore+2, testutil.ToFloat64(JobsTotal.WithLabelValues("snapshot", "success")))
	assert.Equal(t, failBefore+1, testutil.ToFloat64(JobsTotal.WithLabelValues("snapshot", "failure")))
}

func TestRecordTransferAccumulatesBytes(t *testing.T) {
	countBefore := testutil.ToFloat64(TransfersTotal.WithLabelValues("vault"))
	bytesBefore := testutil.ToFloat64(ReplicatedBytes.WithLabelValues("vault"))

	RecordTransfer("vault", 1024)
	RecordTransfer("vault", 512)

	assert.Equal(t, countBefore+2, testutil.ToFloat64(TransfersTotal.WithLabelValues("vault")))
	assert.Equal(t, bytesBefore+1536, testutil.ToFloat64(ReplicatedBytes.WithLabelValues("vault")))
}

func TestSetCursorTracksLatestSequence(t *testing.T) {
	SetCursor("data", "vault", 3)
	SetCursor("data", "vault", 7)

	assert.Equal(t, float64(7), testutil.ToFloat64(CursorSequence.WithLabelValues("data", "vault")))
}

func TestRecordPrunedAndAlerts(t *testing.T) {
	prunedBefore := testutil.ToFloat64(SnapshotsPruned)
	alertsBefore := testutil.ToFloat64(AlertsTotal.WithLabelValues("error"))

	RecordPruned(4)
	RecordAlert("error")

	assert.Equal(t, prunedBefore+4, testutil.ToFloat64(SnapshotsPruned))
	assert.Equal(t, alertsBefore+1, testutil.ToFloat64(AlertsTotal.WithLabelValues("error")))
}
