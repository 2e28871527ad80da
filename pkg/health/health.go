// Package health aggregates job outcomes and pool signals into alerts.
// The Monitor only decides whether something is wrong and what to say
// about it; delivery is the notifier's concern.
package health

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenfs/snapwarden/pkg/model"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is one actionable condition derived from the outcome history.
type Alert struct {
	Severity   Severity  `json:"severity"`
	DatasetID  uuid.UUID `json:"datasetId,omitempty"`
	PoolID     uuid.UUID `json:"poolId,omitempty"`
	TargetID   uuid.UUID `json:"targetId,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Key identifies the condition an alert reports, independent of its
// timestamp. Evaluations that keep producing the same key describe the
// same ongoing problem, not a new one.
func (a Alert) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", a.Severity, a.DatasetID, a.PoolID, a.TargetID)
}

// Outcome is one recorded job result.
type Outcome struct {
	DatasetID uuid.UUID     `json:"datasetId"`
	TargetID  uuid.UUID     `json:"targetId,omitempty"`
	Kind      model.JobKind `json:"kind"`
	At        time.Time     `json:"at"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
}

type streakKey struct {
	datasetID uuid.UUID
	targetID  uuid.UUID
	kind      model.JobKind
}

type scrubState struct {
	at            time.Time
	uncorrectable bool
}

// Monitor keeps a rolling in-memory outcome history per (dataset, target,
// kind) plus the latest scrub state per pool. History does not survive a
// restart; the journal remains the durable record.
type Monitor struct {
	mu        sync.Mutex
	threshold int
	maxAge    time.Duration
	outcomes  map[streakKey][]Outcome
	scrubs    map[uuid.UUID]scrubState
	now       func() time.Time
}

// NewMonitor creates a Monitor. threshold is the consecutive failure count
// that raises an alert, maxAge bounds how long outcomes are kept.
func NewMonitor(threshold int, maxAge time.Duration) *Monitor {
	return &Monitor{
		threshold: threshold,
		maxAge:    maxAge,
		outcomes:  make(map[streakKey][]Outcome),
		scrubs:    make(map[uuid.UUID]scrubState),
		now:       time.Now,
	}
}

// Record appends one job outcome. targetID is zero for snapshot and prune
// jobs, which have no target dimension.
func (m *Monitor) Record(datasetID, targetID uuid.UUID, kind model.JobKind, jobErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := Outcome{
		DatasetID: datasetID,
		TargetID:  targetID,
		Kind:      kind,
		At:        m.now().UTC(),
		OK:        jobErr == nil,
	}
	if jobErr != nil {
		outcome.Error = jobErr.Error()
	}

	key := streakKey{datasetID: datasetID, targetID: targetID, kind: kind}
	m.outcomes[key] = m.trim(append(m.outcomes[key], outcome))
}

// RecordScrub stores the latest scrub verdict for a pool.
func (m *Monitor) RecordScrub(poolID uuid.UUID, uncorrectable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scrubs[poolID] = scrubState{at: m.now().UTC(), uncorrectable: uncorrectable}
}

// Forget drops all history for a dataset, for use when it is unregistered.
func (m *Monitor) Forget(datasetID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.outcomes {
		if key.datasetID == datasetID {
			delete(m.outcomes, key)
		}
	}
}

// Outcomes returns a copy of the retained history, newest last.
func (m *Monitor) Outcomes() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []Outcome
	for key, list := range m.outcomes {
		trimmed := m.trim(list)
		m.outcomes[key] = trimmed
		all = append(all, trimmed...)
	}
	sortOutcomes(all)
	return all
}

// Evaluate derives the currently active alerts from the outcome history,
// the scrub states and the target account states in the entity snapshot.
func (m *Monitor) Evaluate(entities *model.Entities) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var alerts []Alert

	for key, list := range m.outcomes {
		trimmed := m.trim(list)
		m.outcomes[key] = trimmed
		streak := trailingFailures(trimmed)
		if streak < m.threshold {
			continue
		}
		alerts = append(alerts, Alert{
			Severity:   SeverityError,
			DatasetID:  key.datasetID,
			TargetID:   key.targetID,
			Message:    fmt.Sprintf("%s failed %d times in a row: %s", key.kind, streak, lastError(trimmed)),
			OccurredAt: now,
		})
	}

	for poolID, scrub := range m.scrubs {
		if !scrub.uncorrectable {
			continue
		}
		alerts = append(alerts, Alert{
			Severity:   SeverityCritical,
			PoolID:     poolID,
			Message:    "scrub found uncorrectable errors",
			OccurredAt: now,
		})
	}

	if entities != nil {
		for _, target := range entities.Targets {
			if !target.AccountState.AtRisk() {
				continue
			}
			alerts = append(alerts, Alert{
				Severity:   SeverityWarning,
				TargetID:   target.ID,
				Message:    fmt.Sprintf("target account is %s, replicated data may become unavailable", target.AccountState),
				OccurredAt: now,
			})
		}
	}

	sortAlerts(alerts)
	return alerts
}

// trim drops outcomes older than maxAge. The input slice is reused.
func (m *Monitor) trim(list []Outcome) []Outcome {
	if m.maxAge <= 0 {
		return list
	}
	cutoff := m.now().UTC().Add(-m.maxAge)
	kept := list[:0]
	for _, outcome := range list {
		if !outcome.At.Before(cutoff) {
			kept = append(kept, outcome)
		}
	}
	return kept
}

func trailingFailures(list []Outcome) int {
	streak := 0
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].OK {
			break
		}
		streak++
	}
	return streak
}

func lastError(list []Outcome) string {
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].OK {
			return list[i].Error
		}
	}
	return ""
}

func sortOutcomes(list []Outcome) {
	slices.SortFunc(list, func(a, b Outcome) int {
		return a.At.Compare(b.At)
	})
}

func sortAlerts(list []Alert) {
	slices.SortFunc(list, func(a, b Alert) int {
		return strings.Compare(a.Key(), b.Key())
	})
}
