package control

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenfs/snapwarden/pkg/config"
	"github.com/wardenfs/snapwarden/pkg/coordinator"
	"github.com/wardenfs/snapwarden/pkg/health"
	"github.com/wardenfs/snapwarden/pkg/journal"
	"github.com/wardenfs/snapwarden/pkg/model"
)

type triggerCall struct {
	datasetID uuid.UUID
	kind      model.JobKind
}

type stubTrigger struct {
	mu    sync.Mutex
	calls []triggerCall
}

func (s *stubTrigger) Trigger(datasetID uuid.UUID, kind model.JobKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, triggerCall{datasetID: datasetID, kind: kind})
}

func (s *stubTrigger) all() []triggerCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]triggerCall(nil), s.calls...)
}

type stubStatus struct {
	statuses []coordinator.DatasetStatus
}

func (s *stubStatus) Status() []coordinator.DatasetStatus {
	return append([]coordinator.DatasetStatus(nil), s.statuses...)
}

type controlFixture struct {
	server  *Server
	store   *config.Store
	jrnl    *journal.Journal
	trigger *stubTrigger
	status  *stubStatus
	monitor *health.Monitor

	pool    model.Pool
	dataset model.Dataset
	target  model.Target
}

func newControlFixture(t *testing.T) *controlFixture {
	t.Helper()

	store, err := config.OpenStore(filepath.Join(t.TempDir(), "entities.json"))
	require.NoError(t, err)

	fx := &controlFixture{
		store:   store,
		trigger: &stubTrigger{},
		status:  &stubStatus{},
		monitor: health.NewMonitor(3, time.Hour),
	}
	fx.pool = model.Pool{
		ID:         uuid.New(),
		Name:       "tank",
		MountPoint: "/mnt/tank",
		UUID:       uuid.New(),
	}
	fx.target = model.Target{
		ID:       uuid.New(),
		Name:     "vault",
		Kind:     model.TargetLocalDir,
		LocalDir: &model.LocalDirTarget{Path: "/srv/vault"},
	}
	fx.dataset = model.Dataset{
		ID:               uuid.New(),
		PoolID:           fx.pool.ID,
		Name:             "home",
		Path:             "home",
		SnapshotInterval: model.D(time.Hour),
		PruneInterval:    model.D(24 * time.Hour),
		Retention:        model.RetentionPolicy{MinKeep: 2},
		TargetIDs:        []uuid.UUID{fx.target.ID},
	}
	require.NoError(t, store.Update(func(e *model.Entities) error {
		e.Pools = []model.Pool{fx.pool}
		e.Datasets = []model.Dataset{fx.dataset}
		e.Targets = []model.Target{fx.target}
		return nil
	}))

	jrnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jrnl.Close() })
	fx.jrnl = jrnl

	fx.server = New(Options{
		Store:   store,
		Journal: jrnl,
		Trigger: fx.trigger,
		Status:  fx.status,
		Monitor: fx.monitor,
		Version: "1.2.3-test",
		Services: func() []ServiceStatus {
			return []ServiceStatus{{Name: "scheduler", State: "running"}}
		},
	})
	return fx
}

// request drives the router directly and decodes successful JSON bodies
// into out.
func (fx *controlFixture) request(t *testing.T, method, path string, body, out any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	fx.server.Router().ServeHTTP(rec, req)

	if out != nil && rec.Code < http.StatusBadRequest {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), "body: %s", rec.Body.String())
	}
	return rec
}

func (fx *controlFixture) registerSnapshot(t *testing.T, seq uint64, at time.Time) {
	t.Helper()
	require.NoError(t, fx.jrnl.RegisterSnapshot(journal.SnapshotRow{
		DatasetID: fx.dataset.ID,
		Sequence:  seq,
		Label:     at.UTC().Format("2006-01-02T15-04-05Z"),
		CreatedAt: at.UTC(),
	}))
}

func TestStatusReportsDaemonState(t *testing.T) {
	fx := newControlFixture(t)
	fx.status.statuses = []coordinator.DatasetStatus{
		{DatasetID: fx.dataset.ID, State: coordinator.StateIdle},
	}

	var resp StatusResponse
	rec := fx.request(t, http.MethodGet, "/v1/status", nil, &resp)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.2.3-test", resp.Version)
	assert.Equal(t, []ServiceStatus{{Name: "scheduler", State: "running"}}, resp.Services)
	require.Len(t, resp.Datasets, 1)
	assert.Equal(t, fx.dataset.ID, resp.Datasets[0].DatasetID)
}

func TestDatasetListingMergesJobState(t *testing.T) {
	fx := newControlFixture(t)
	fx.registerSnapshot(t, 1, time.Now().Add(-2*time.Hour))
	fx.registerSnapshot(t, 2, time.Now().Add(-time.Hour))
	fx.status.statuses = []coordinator.DatasetStatus{{
		DatasetID: fx.dataset.ID,
		State:     coordinator.StateSnapshot,
		Degraded:  []coordinator.Degradation{{Kind: model.JobReplicate, Message: "verify failed"}},
	}}

	var resp []DatasetSummary
	rec := fx.request(t, http.MethodGet, "/v1/datasets", nil, &resp)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp, 1)
	summary := resp[0]
	assert.Equal(t, fx.dataset.ID, summary.ID)
	assert.Equal(t, "home", summary.Name)
	assert.Equal(t, []string{"vault"}, summary.Targets)
	assert.Equal(t, 2, summary.Snapshots)
	assert.Equal(t, coordinator.StateSnapshot, summary.State)
	require.Len(t, summary.Degraded, 1)
	assert.Equal(t, model.JobReplicate, summary.Degraded[0].Kind)
}

func TestDatasetDetailCarriesSnapshotsAndCursors(t *testing.T) {
	fx := newControlFixture(t)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	fx.registerSnapshot(t, 1, created)
	fx.registerSnapshot(t, 2, created.Add(time.Hour))
	require.NoError(t, fx.jrnl.AdvanceCursor(fx.dataset.ID, fx.target.ID, 1))

	var resp DatasetDetail
	rec := fx.request(t, http.MethodGet, "/v1/datasets/"+fx.dataset.ID.String(), nil, &resp)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fx.dataset.ID, resp.Dataset.ID)
	assert.Equal(t, coordinator.StateIdle, resp.State)
	require.Len(t, resp.Snapshots, 2)
	assert.Equal(t, uint64(1), resp.Snapshots[0].Sequence)
	assert.Equal(t, uint64(2), resp.Snapshots[1].Sequence)
	assert.WithinDuration(t, created, resp.Snapshots[0].CreatedAt, time.Second)
	assert.Equal(t, map[string]uint64{fx.target.ID.String(): 1}, resp.Cursors)
}

func TestUnknownDatasetReturnsNotFound(t *testing.T) {
	fx := newControlFixture(t)

	rec := fx.request(t, http.MethodGet, "/v1/datasets/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = fx.request(t, http.MethodGet, "/v1/datasets/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.request(t, http.MethodPost, "/v1/datasets/"+uuid.NewString()+"/snapshot", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, fx.trigger.all())
}

func TestTriggerEndpointsSubmitJobs(t *testing.T) {
	fx := newControlFixture(t)

	var resp TriggerResponse
	rec := fx.request(t, http.MethodPost, "/v1/datasets/"+fx.dataset.ID.String()+"/snapshot", nil, &resp)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, model.JobSnapshot, resp.Kind)

	rec = fx.request(t, http.MethodPost, "/v1/datasets/"+fx.dataset.ID.String()+"/replicate", nil, &resp)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, model.JobReplicate, resp.Kind)

	calls := fx.trigger.all()
	require.Len(t, calls, 2)
	assert.Equal(t, triggerCall{datasetID: fx.dataset.ID, kind: model.JobSnapshot}, calls[0])
	assert.Equal(t, triggerCall{datasetID: fx.dataset.ID, kind: model.JobReplicate}, calls[1])
}

func TestRetentionUpdatePersists(t *testing.T) {
	fx := newControlFixture(t)
	policy := model.RetentionPolicy{
		Tiers: []model.RetentionTier{
			{Granularity: model.D(time.Hour), Keep: 24},
			{Granularity: model.D(24 * time.Hour), Keep: 7},
		},
		MinKeep: 3,
	}

	rec := fx.request(t, http.MethodPut, "/v1/datasets/"+fx.dataset.ID.String()+"/retention", policy, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	entities := fx.store.Snapshot()
	stored := entities.DatasetByID(fx.dataset.ID)
	require.NotNil(t, stored)
	assert.Equal(t, policy, stored.Retention)
}

func TestRetentionUpdateRejectsInvalidPolicy(t *testing.T) {
	fx := newControlFixture(t)
	invalid := model.RetentionPolicy{
		Tiers: []model.RetentionTier{{Granularity: model.D(time.Hour), Keep: 0}},
	}

	rec := fx.request(t, http.MethodPut, "/v1/datasets/"+fx.dataset.ID.String()+"/retention", invalid, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	entities := fx.store.Snapshot()
	stored := entities.DatasetByID(fx.dataset.ID)
	require.NotNil(t, stored)
	assert.Equal(t, fx.dataset.Retention, stored.Retention, "a rejected policy must leave the stored one untouched")
}

func TestAccountStateUpdateValidatesInput(t *testing.T) {
	fx := newControlFixture(t)

	rec := fx.request(t, http.MethodPost, "/v1/targets/"+fx.target.ID.String()+"/account",
		AccountStateRequest{State: "delinquent"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.request(t, http.MethodPost, "/v1/targets/"+uuid.NewString()+"/account",
		AccountStateRequest{State: model.AccountPastDue}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = fx.request(t, http.MethodPost, "/v1/targets/"+fx.target.ID.String()+"/account",
		AccountStateRequest{State: model.AccountPastDue}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	entities := fx.store.Snapshot()
	stored := entities.TargetByID(fx.target.ID)
	require.NotNil(t, stored)
	assert.Equal(t, model.AccountPastDue, stored.AccountState)
	assert.True(t, stored.AccountState.AtRisk())
}

func TestAlertsReflectMonitorState(t *testing.T) {
	fx := newControlFixture(t)

	var resp []health.Alert
	rec := fx.request(t, http.MethodGet, "/v1/alerts", nil, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, resp)

	for i := 0; i < 3; i++ {
		fx.monitor.Record(fx.dataset.ID, uuid.Nil, model.JobSnapshot, errors.New("ioctl failed"))
	}
	rec = fx.request(t, http.MethodGet, "/v1/alerts", nil, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp, 1)
	assert.Equal(t, health.SeverityError, resp[0].Severity)
	assert.Equal(t, fx.dataset.ID, resp[0].DatasetID)

	var outcomes []health.Outcome
	rec = fx.request(t, http.MethodGet, "/v1/health/records", nil, &outcomes)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, outcomes, 3)
}

func TestShutdownInvokesHook(t *testing.T) {
	fx := newControlFixture(t)
	called := make(chan struct{})
	fx.server.shutdown = func() { close(called) }

	rec := fx.request(t, http.MethodPost, "/v1/shutdown", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hook was not called")
	}
}

func TestMetricsEndpointServesCollectors(t *testing.T) {
	fx := newControlFixture(t)

	rec := fx.request(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "snapwarden_snapshots_created_total")
}

func TestClientRoundTripOverSocket(t *testing.T) {
	fx := newControlFixture(t)
	socketPath := filepath.Join(t.TempDir(), "control.sock")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- fx.server.Serve(ctx, socketPath)
	}()

	client := NewClient(socketPath)
	require.Eventually(t, func() bool {
		_, err := client.Version(ctx)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "socket did not come up")

	version, err := client.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3-test", version)

	require.NoError(t, client.TriggerSnapshot(ctx, fx.dataset.ID))
	calls := fx.trigger.all()
	require.Len(t, calls, 1)
	assert.Equal(t, model.JobSnapshot, calls[0].kind)

	policy := model.RetentionPolicy{MinKeep: 5}
	require.NoError(t, client.SetRetention(ctx, fx.dataset.ID, policy))
	entities := fx.store.Snapshot()
	assert.Equal(t, 5, entities.DatasetByID(fx.dataset.ID).Retention.MinKeep)

	err = client.SetRetention(ctx, uuid.New(), policy)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dataset not found")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	_, statErr := os.Stat(socketPath)
	assert.True(t, os.IsNotExist(statErr), "socket should be removed on shutdown")
}
