package journal

import (
	"fmt"
	"time"
)

// Compact removes settled records older than cutoff and returns how many
// were deleted. Three kinds of records survive any compaction:
//
//   - dangling intents, because recovery still needs them
//   - the newest completion per (dataset, op), because the scheduler
//     reconstructs last-run times from it
//   - everything newer than cutoff
//
// The snapshot registry and cursors are live state, not log, and are never
// compacted.
func (j *Journal) Compact(cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("compacting journal: %w", err)
	}
	defer tx.Rollback()

	cutoffStr := cutoff.UTC().Format(time.RFC3339Nano)

	// Settled intents first, while their successor records still exist to
	// witness the settlement. A completion is always written after its
	// intent, so an old completion implies an old intent. Dangling intents
	// have no successor and are preserved.
	res, err := tx.Exec(`
		DELETE FROM records
		WHERE ts < ?
		  AND phase = ?
		  AND EXISTS (SELECT 1 FROM records c WHERE c.intent_seq = records.seq)
	`, cutoffStr, string(PhaseIntent))
	if err != nil {
		return 0, fmt.Errorf("compacting settled intents: %w", err)
	}
	deleted, _ := res.RowsAffected()

	// Then completions and failures, keeping the newest completion of
	// every (dataset, op) group alive.
	res, err = tx.Exec(`
		DELETE FROM records
		WHERE ts < ?
		  AND phase IN (?, ?)
		  AND seq NOT IN (
			SELECT MAX(seq) FROM records
			WHERE phase = ?
			GROUP BY dataset_id, op
		  )
	`, cutoffStr, string(PhaseComplete), string(PhaseFail), string(PhaseComplete))
	if err != nil {
		return 0, fmt.Errorf("compacting settled records: %w", err)
	}
	n, _ := res.RowsAffected()
	deleted += n

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("compacting journal: %w", err)
	}
	return deleted, nil
}
