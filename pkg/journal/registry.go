package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RegisterSnapshot records a materialized snapshot in the registry. It is
// idempotent for the same (dataset, sequence, label) triple, so recovery may
// re-register a snapshot whose completion record was written but whose
// registration raced a crash.
func (j *Journal) RegisterSnapshot(row SnapshotRow) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
		INSERT INTO snapshots (dataset_id, seq, label, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (dataset_id, seq) DO NOTHING
	`, row.DatasetID.String(), row.Sequence, row.Label, row.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("registering snapshot %s/%d: %w", row.DatasetID, row.Sequence, err)
	}
	return nil
}

// UnregisterSnapshot removes a snapshot from the registry.
func (j *Journal) UnregisterSnapshot(datasetID uuid.UUID, seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`DELETE FROM snapshots WHERE dataset_id = ? AND seq = ?`,
		datasetID.String(), seq)
	if err != nil {
		return fmt.Errorf("unregistering snapshot %s/%d: %w", datasetID, seq, err)
	}
	return nil
}

// Snapshots lists the registered snapshots of a dataset in ascending
// sequence order.
func (j *Journal) Snapshots(datasetID uuid.UUID) ([]SnapshotRow, error) {
	rows, err := j.db.Query(`
		SELECT dataset_id, seq, label, created_at FROM snapshots
		WHERE dataset_id = ? ORDER BY seq
	`, datasetID.String())
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()
	return scanSnapshotRows(rows)
}

// SnapshotByLabel looks up one registered snapshot by its label.
func (j *Journal) SnapshotByLabel(datasetID uuid.UUID, label string) (SnapshotRow, error) {
	row := j.db.QueryRow(`
		SELECT dataset_id, seq, label, created_at FROM snapshots
		WHERE dataset_id = ? AND label = ?
	`, datasetID.String(), label)

	var s SnapshotRow
	var datasetStr, tsStr string
	err := row.Scan(&datasetStr, &s.Sequence, &s.Label, &tsStr)
	if err == sql.ErrNoRows {
		return SnapshotRow{}, ErrNotFound
	}
	if err != nil {
		return SnapshotRow{}, fmt.Errorf("scanning snapshot row: %w", err)
	}
	return finishSnapshotRow(s, datasetStr, tsStr)
}

// Cursor returns the confirmed replication cursor for (dataset, target).
// The second return is false when the target has never confirmed anything.
func (j *Journal) Cursor(datasetID, targetID uuid.UUID) (uint64, bool, error) {
	var confirmed uint64
	err := j.db.QueryRow(`
		SELECT confirmed FROM cursors WHERE dataset_id = ? AND target_id = ?
	`, datasetID.String(), targetID.String()).Scan(&confirmed)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying cursor: %w", err)
	}
	return confirmed, true, nil
}

// AdvanceCursor moves the cursor for (dataset, target) forward to seq. The
// cursor is strictly monotonic: a seq at or below the stored value is a
// no-op, so re-verifying an already confirmed snapshot can never regress it.
func (j *Journal) AdvanceCursor(datasetID, targetID uuid.UUID, seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := j.db.Exec(`
		INSERT INTO cursors (dataset_id, target_id, confirmed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (dataset_id, target_id) DO UPDATE
		SET confirmed = excluded.confirmed, updated_at = excluded.updated_at
		WHERE excluded.confirmed > cursors.confirmed
	`, datasetID.String(), targetID.String(), seq, now)
	if err != nil {
		return fmt.Errorf("advancing cursor %s/%s: %w", datasetID, targetID, err)
	}
	return nil
}

// Cursors returns all cursors of a dataset keyed by target id.
func (j *Journal) Cursors(datasetID uuid.UUID) (map[uuid.UUID]uint64, error) {
	rows, err := j.db.Query(`
		SELECT target_id, confirmed FROM cursors WHERE dataset_id = ?
	`, datasetID.String())
	if err != nil {
		return nil, fmt.Errorf("querying cursors: %w", err)
	}
	defer rows.Close()

	cursors := make(map[uuid.UUID]uint64)
	for rows.Next() {
		var targetStr string
		var confirmed uint64
		if err := rows.Scan(&targetStr, &confirmed); err != nil {
			return nil, fmt.Errorf("scanning cursor: %w", err)
		}
		id, err := uuid.Parse(targetStr)
		if err != nil {
			return nil, fmt.Errorf("parsing cursor target id %q: %w", targetStr, err)
		}
		cursors[id] = confirmed
	}
	return cursors, rows.Err()
}

// RecordScrub stores the finish time of a pool scrub, replacing any earlier
// one. Only successful scrubs are recorded; an interrupted scrub leaves the
// previous time in place so the pool comes due again.
func (j *Journal) RecordScrub(poolID uuid.UUID, finishedAt time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
		INSERT INTO scrub_runs (pool_id, finished_at)
		VALUES (?, ?)
		ON CONFLICT (pool_id) DO UPDATE SET finished_at = excluded.finished_at
	`, poolID.String(), finishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording scrub for pool %s: %w", poolID, err)
	}
	return nil
}

// LastScrub returns when a pool last finished a scrub. The second return is
// false when the pool has never been scrubbed.
func (j *Journal) LastScrub(poolID uuid.UUID) (time.Time, bool, error) {
	var tsStr string
	err := j.db.QueryRow(`
		SELECT finished_at FROM scrub_runs WHERE pool_id = ?
	`, poolID.String()).Scan(&tsStr)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying scrub time: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing scrub time %q: %w", tsStr, err)
	}
	return ts, true, nil
}

func scanSnapshotRows(rows *sql.Rows) ([]SnapshotRow, error) {
	var result []SnapshotRow
	for rows.Next() {
		var s SnapshotRow
		var datasetStr, tsStr string
		if err := rows.Scan(&datasetStr, &s.Sequence, &s.Label, &tsStr); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		full, err := finishSnapshotRow(s, datasetStr, tsStr)
		if err != nil {
			return nil, err
		}
		result = append(result, full)
	}
	return result, rows.Err()
}

func finishSnapshotRow(s SnapshotRow, datasetStr, tsStr string) (SnapshotRow, error) {
	id, err := uuid.Parse(datasetStr)
	if err != nil {
		return SnapshotRow{}, fmt.Errorf("parsing snapshot dataset id %q: %w", datasetStr, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return SnapshotRow{}, fmt.Errorf("parsing snapshot time %q: %w", tsStr, err)
	}
	s.DatasetID = id
	s.CreatedAt = ts
	return s, nil
}
