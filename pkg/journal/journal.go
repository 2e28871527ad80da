// Package journal persists the daemon's mutation log and the small amount of
// state that must survive restarts: intent/completion records for every
// filesystem mutation, the per-dataset snapshot registry, per-target
// replication cursors, and per-pool scrub times.
//
// Every destructive operation writes an intent record before touching the
// filesystem and a completion (or failure) record after. Recovery scans for
// intents without a linked completion and hands them to the owning module's
// reconciler, which makes all mutations idempotent-safe across crashes.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	_ "modernc.org/sqlite" // SQLite driver registration

	"github.com/wardenfs/snapwarden/pkg/model"
)

// ErrNotFound is returned when a record doesn't exist.
var ErrNotFound = errors.New("journal record not found")

// Op identifies the journaled operation kind.
type Op string

const (
	OpSnapshotCreate Op = "snapshot-create"
	OpSnapshotDelete Op = "snapshot-delete"
	OpPrune          Op = "prune"
	OpReplicate      Op = "replicate"
)

// Phase is the lifecycle stage of a record.
type Phase string

const (
	PhaseIntent   Phase = "intent"
	PhaseComplete Phase = "complete"
	PhaseFail     Phase = "fail"
)

// Record is one journal entry.
type Record struct {
	Seq       int64
	Time      time.Time
	DatasetID uuid.UUID
	Op        Op
	Phase     Phase
	// IntentSeq links a completion or failure to its intent; zero for
	// intent records.
	IntentSeq int64
	Payload   json.RawMessage
}

// DecodePayload unmarshals the record payload into out.
func (r *Record) DecodePayload(out any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return fmt.Errorf("decoding payload of record %d: %w", r.Seq, err)
	}
	return nil
}

// SnapshotRow is one entry of the persistent snapshot registry.
type SnapshotRow struct {
	DatasetID uuid.UUID
	Sequence  uint64
	Label     string
	CreatedAt time.Time
}

// Journal is the SQLite-backed store. All methods are safe for concurrent
// use; writes are serialized on a single connection.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between the daemon's
	// goroutines; throughput here is nowhere near the limit.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			seq        INTEGER PRIMARY KEY,
			ts         TEXT NOT NULL,
			dataset_id TEXT NOT NULL,
			op         TEXT NOT NULL,
			phase      TEXT NOT NULL,
			intent_seq INTEGER NOT NULL DEFAULT 0,
			payload    TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_records_dataset ON records(dataset_id, op, phase);
		CREATE INDEX IF NOT EXISTS idx_records_intent ON records(intent_seq);

		CREATE TABLE IF NOT EXISTS snapshots (
			dataset_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			label      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (dataset_id, seq),
			UNIQUE (dataset_id, label)
		);

		CREATE TABLE IF NOT EXISTS sequences (
			dataset_id TEXT PRIMARY KEY,
			next_seq   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cursors (
			dataset_id TEXT NOT NULL,
			target_id  TEXT NOT NULL,
			confirmed  INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (dataset_id, target_id)
		);

		CREATE TABLE IF NOT EXISTS scrub_runs (
			pool_id     TEXT PRIMARY KEY,
			finished_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating journal tables: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Intent appends an intent record and returns its sequence for later linking.
func (j *Journal) Intent(datasetID uuid.UUID, op Op, payload any) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := marshalPayload(payload)
	if err != nil {
		return 0, err
	}
	res, err := j.db.Exec(`
		INSERT INTO records (ts, dataset_id, op, phase, payload)
		VALUES (?, ?, ?, ?, ?)
	`, time.Now().UTC().Format(time.RFC3339Nano), datasetID.String(), string(op), string(PhaseIntent), data)
	if err != nil {
		return 0, fmt.Errorf("inserting intent: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading intent sequence: %w", err)
	}
	return seq, nil
}

// Complete links a completion record to the given intent.
func (j *Journal) Complete(intentSeq int64, payload any) error {
	return j.finish(intentSeq, PhaseComplete, payload)
}

// Fail links a failure record to the given intent. The intent is considered
// settled: recovery will not reconcile it again.
func (j *Journal) Fail(intentSeq int64, payload any) error {
	return j.finish(intentSeq, PhaseFail, payload)
}

func (j *Journal) finish(intentSeq int64, phase Phase, payload any) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	var datasetID, op string
	err = j.db.QueryRow(`SELECT dataset_id, op FROM records WHERE seq = ? AND phase = ?`,
		intentSeq, string(PhaseIntent)).Scan(&datasetID, &op)
	if err == sql.ErrNoRows {
		return fmt.Errorf("intent %d: %w", intentSeq, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("looking up intent %d: %w", intentSeq, err)
	}

	_, err = j.db.Exec(`
		INSERT INTO records (ts, dataset_id, op, phase, intent_seq, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, time.Now().UTC().Format(time.RFC3339Nano), datasetID, op, string(phase), intentSeq, data)
	if err != nil {
		return fmt.Errorf("inserting %s record: %w", phase, err)
	}
	return nil
}

// Dangling returns all intent records without a linked completion or failure,
// oldest first. These are the mutations a crash may have left half-done.
func (j *Journal) Dangling() ([]Record, error) {
	rows, err := j.db.Query(`
		SELECT r.seq, r.ts, r.dataset_id, r.op, r.phase, r.intent_seq, r.payload
		FROM records r
		WHERE r.phase = ?
		  AND NOT EXISTS (SELECT 1 FROM records c WHERE c.intent_seq = r.seq)
		ORDER BY r.seq
	`, string(PhaseIntent))
	if err != nil {
		return nil, fmt.Errorf("querying dangling intents: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// LastRun returns the time of the newest completion for (dataset, kind).
// The scheduler primes its due-ness bookkeeping from this at startup.
func (j *Journal) LastRun(datasetID uuid.UUID, kind model.JobKind) (time.Time, bool, error) {
	op, err := opForKind(kind)
	if err != nil {
		return time.Time{}, false, err
	}
	var tsStr string
	err = j.db.QueryRow(`
		SELECT ts FROM records
		WHERE dataset_id = ? AND op = ? AND phase = ?
		ORDER BY seq DESC LIMIT 1
	`, datasetID.String(), string(op), string(PhaseComplete)).Scan(&tsStr)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying last run: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing last run time %q: %w", tsStr, err)
	}
	return ts, true, nil
}

func opForKind(kind model.JobKind) (Op, error) {
	switch kind {
	case model.JobSnapshot:
		return OpSnapshotCreate, nil
	case model.JobPrune:
		return OpPrune, nil
	case model.JobReplicate:
		return OpReplicate, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
}

// NextSequence allocates the next snapshot sequence number for a dataset.
// Numbers are never reused, even when the snapshot they were allocated for
// fails to materialize.
func (j *Journal) NextSequence(datasetID uuid.UUID) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("allocating sequence: %w", err)
	}
	defer tx.Rollback()

	var next uint64
	err = tx.QueryRow(`SELECT next_seq FROM sequences WHERE dataset_id = ?`, datasetID.String()).Scan(&next)
	switch {
	case err == sql.ErrNoRows:
		next = 1
		if _, err := tx.Exec(`INSERT INTO sequences (dataset_id, next_seq) VALUES (?, ?)`,
			datasetID.String(), next+1); err != nil {
			return 0, fmt.Errorf("allocating sequence: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("allocating sequence: %w", err)
	default:
		if _, err := tx.Exec(`UPDATE sequences SET next_seq = ? WHERE dataset_id = ?`,
			next+1, datasetID.String()); err != nil {
			return 0, fmt.Errorf("allocating sequence: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("allocating sequence: %w", err)
	}
	return next, nil
}

func marshalPayload(payload any) (string, error) {
	if payload == nil {
		return "", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	return string(data), nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		var tsStr, datasetStr, opStr, phaseStr, payloadStr string
		if err := rows.Scan(&r.Seq, &tsStr, &datasetStr, &opStr, &phaseStr, &r.IntentSeq, &payloadStr); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing record time %q: %w", tsStr, err)
		}
		id, err := uuid.Parse(datasetStr)
		if err != nil {
			return nil, fmt.Errorf("parsing record dataset id %q: %w", datasetStr, err)
		}
		r.Time = ts
		r.DatasetID = id
		r.Op = Op(opStr)
		r.Phase = Phase(phaseStr)
		if payloadStr != "" {
			r.Payload = json.RawMessage(payloadStr)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
