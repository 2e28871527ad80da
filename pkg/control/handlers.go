package control

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/wardenfs/snapwarden/pkg/coordinator"
	"github.com/wardenfs/snapwarden/pkg/health"
	"github.com/wardenfs/snapwarden/pkg/logging"
	"github.com/wardenfs/snapwarden/pkg/model"
)

// StatusResponse is the /v1/status document.
type StatusResponse struct {
	Version  string                      `json:"version"`
	Started  time.Time                   `json:"started"`
	Uptime   string                      `json:"uptime"`
	Services []ServiceStatus             `json:"services,omitempty"`
	Datasets []coordinator.DatasetStatus `json:"datasets"`
}

// DatasetSummary is one row of the /v1/datasets listing.
type DatasetSummary struct {
	ID        uuid.UUID                 `json:"id"`
	Name      string                    `json:"name"`
	Path      string                    `json:"path"`
	PoolID    uuid.UUID                 `json:"poolId"`
	Paused    model.PauseFlags          `json:"paused"`
	Targets   []string                  `json:"targets,omitempty"`
	Snapshots int                       `json:"snapshots"`
	State     coordinator.State         `json:"state"`
	Degraded  []coordinator.Degradation `json:"degraded,omitempty"`
}

// SnapshotInfo is one registered snapshot in a dataset detail.
type SnapshotInfo struct {
	Sequence  uint64    `json:"sequence"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"createdAt"`
}

// DatasetDetail is the /v1/datasets/{id} document.
type DatasetDetail struct {
	Dataset   model.Dataset             `json:"dataset"`
	State     coordinator.State         `json:"state"`
	Queued    []model.JobKind           `json:"queued,omitempty"`
	Degraded  []coordinator.Degradation `json:"degraded,omitempty"`
	Snapshots []SnapshotInfo            `json:"snapshots"`
	// Cursors maps target id to the highest confirmed sequence.
	Cursors map[string]uint64 `json:"cursors,omitempty"`
}

// TriggerResponse acknowledges a manually triggered job.
type TriggerResponse struct {
	DatasetID uuid.UUID     `json:"datasetId"`
	Kind      model.JobKind `json:"kind"`
	Triggered bool          `json:"triggered"`
}

// AccountStateRequest is the body of POST /v1/targets/{id}/account, pushed
// by billing integrations when a target account changes standing.
type AccountStateRequest struct {
	State model.AccountState `json:"state"`
}

// VersionResponse is the /v1/version document.
type VersionResponse struct {
	Version string `json:"version"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Err(err).Msg("Writing control response failed")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, errorResponse{Error: msg})
}

// pathID parses the {id} route parameter. On failure it writes the 400
// itself and reports ok=false.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id: "+err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:  s.version,
		Started:  s.started.UTC(),
		Uptime:   time.Since(s.started).Truncate(time.Second).String(),
		Datasets: s.status.Status(),
	}
	if s.services != nil {
		resp.Services = s.services()
	}
	respond(w, http.StatusOK, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, VersionResponse{Version: s.version})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	entities := s.store.Snapshot()
	alerts := s.monitor.Evaluate(&entities)
	if alerts == nil {
		alerts = []health.Alert{}
	}
	respond(w, http.StatusOK, alerts)
}

func (s *Server) handleHealthRecords(w http.ResponseWriter, r *http.Request) {
	outcomes := s.monitor.Outcomes()
	if outcomes == nil {
		outcomes = []health.Outcome{}
	}
	respond(w, http.StatusOK, outcomes)
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	entities := s.store.Snapshot()

	statuses := make(map[uuid.UUID]coordinator.DatasetStatus)
	for _, st := range s.status.Status() {
		statuses[st.DatasetID] = st
	}

	summaries := make([]DatasetSummary, 0, len(entities.Datasets))
	for i := range entities.Datasets {
		dataset := &entities.Datasets[i]
		summary := DatasetSummary{
			ID:     dataset.ID,
			Name:   dataset.Name,
			Path:   dataset.Path,
			PoolID: dataset.PoolID,
			Paused: dataset.Paused,
			State:  coordinator.StateIdle,
		}
		for _, target := range entities.DatasetTargets(dataset) {
			summary.Targets = append(summary.Targets, target.Name)
		}
		if rows, err := s.journal.Snapshots(dataset.ID); err == nil {
			summary.Snapshots = len(rows)
		}
		if st, ok := statuses[dataset.ID]; ok {
			summary.State = st.State
			summary.Degraded = st.Degraded
		}
		summaries = append(summaries, summary)
	}
	respond(w, http.StatusOK, summaries)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	entities := s.store.Snapshot()
	dataset := entities.DatasetByID(id)
	if dataset == nil {
		respondError(w, http.StatusNotFound, "dataset not found")
		return
	}

	detail := DatasetDetail{
		Dataset:   *dataset,
		State:     coordinator.StateIdle,
		Snapshots: []SnapshotInfo{},
	}
	for _, st := range s.status.Status() {
		if st.DatasetID == id {
			detail.State = st.State
			detail.Queued = st.Queued
			detail.Degraded = st.Degraded
		}
	}

	rows, err := s.journal.Snapshots(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, row := range rows {
		detail.Snapshots = append(detail.Snapshots, SnapshotInfo{
			Sequence:  row.Sequence,
			Label:     row.Label,
			CreatedAt: row.CreatedAt,
		})
	}

	cursors, err := s.journal.Cursors(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(cursors) > 0 {
		detail.Cursors = make(map[string]uint64, len(cursors))
		for targetID, seq := range cursors {
			detail.Cursors[targetID.String()] = seq
		}
	}

	respond(w, http.StatusOK, detail)
}

// handleTrigger returns the POST handler that fires one job kind for a
// dataset ahead of its interval.
func (s *Server) handleTrigger(kind model.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		entities := s.store.Snapshot()
		if entities.DatasetByID(id) == nil {
			respondError(w, http.StatusNotFound, "dataset not found")
			return
		}

		s.trigger.Trigger(id, kind)
		respond(w, http.StatusAccepted, TriggerResponse{DatasetID: id, Kind: kind, Triggered: true})
	}
}

var errEntityNotFound = errors.New("entity not found")

func (s *Server) handleSetRetention(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var policy model.RetentionPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	err := s.store.Update(func(e *model.Entities) error {
		dataset := e.DatasetByID(id)
		if dataset == nil {
			return errEntityNotFound
		}
		dataset.Retention = policy
		return nil
	})
	switch {
	case errors.Is(err, errEntityNotFound):
		respondError(w, http.StatusNotFound, "dataset not found")
	case err != nil:
		// Update validates the whole document, so a rejected policy
		// surfaces here and the stored document stays unchanged.
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		logging.Info().Str("dataset", id.String()).Msg("Retention policy updated")
		respond(w, http.StatusOK, policy)
	}
}

func (s *Server) handleSetAccountState(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req AccountStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	switch req.State {
	case model.AccountOK, model.AccountPastDue, model.AccountSuspended:
	default:
		respondError(w, http.StatusBadRequest, "unknown account state: "+string(req.State))
		return
	}

	err := s.store.Update(func(e *model.Entities) error {
		target := e.TargetByID(id)
		if target == nil {
			return errEntityNotFound
		}
		target.AccountState = req.State
		return nil
	})
	switch {
	case errors.Is(err, errEntityNotFound):
		respondError(w, http.StatusNotFound, "target not found")
	case err != nil:
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		logging.Info().Str("target", id.String()).Str("state", string(req.State)).Msg("Target account state updated")
		respond(w, http.StatusOK, req)
	}
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.shutdown == nil {
		respondError(w, http.StatusNotImplemented, "shutdown not wired")
		return
	}
	logging.Info().Msg("Shutdown requested over control socket")
	respond(w, http.StatusAccepted, map[string]bool{"shuttingDown": true})
	go s.shutdown()
}
