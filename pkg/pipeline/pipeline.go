// Package pipeline moves snapshots to backup targets. A Backend pushes a
// snapshot and verifies durable receipt; the pipeline sequences snapshots
// in ascending order per target and advances the replication cursor only
// after verification, so an interrupted transfer is retried rather than
// skipped. Per-target circuit breakers keep a broken target from being
// hammered while others continue.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/wardenfs/snapwarden/pkg/journal"
	"github.com/wardenfs/snapwarden/pkg/logging"
	"github.com/wardenfs/snapwarden/pkg/metrics"
	"github.com/wardenfs/snapwarden/pkg/model"
	"github.com/wardenfs/snapwarden/pkg/snapshots"
)

// TransferError describes a failed push or verify against a target.
type TransferError struct {
	Stage    string
	TargetID uuid.UUID
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s to target %s failed: %v", e.Stage, e.TargetID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Receipt is the durable token a completed push yields.
type Receipt struct {
	// Token is the backend handle: a stored file path, a repository
	// snapshot id.
	Token string `json:"token"`
	// SHA256 is the content digest when the backend computes one.
	SHA256 string `json:"sha256,omitempty"`
	Bytes  uint64 `json:"bytes,omitempty"`
}

// Transfer is one snapshot movement to one target.
type Transfer struct {
	Dataset  *model.Dataset
	Target   *model.Target
	Snapshot *snapshots.Snapshot
	// Parent is the previous confirmed snapshot when it is still on disk;
	// backends that understand increments build on it.
	Parent *snapshots.Snapshot
	// OpenStream starts the snapshot's send stream, incremental against
	// Parent when set.
	OpenStream func(ctx context.Context) (io.ReadCloser, error)
}

// Backend stores snapshots at one kind of target.
type Backend interface {
	// Push makes the snapshot durable at the target and returns a receipt.
	// Push must be idempotent-safe: re-pushing an already stored snapshot
	// may overwrite but never corrupt it.
	Push(ctx context.Context, transfer *Transfer) (*Receipt, error)
	// Verify confirms durable receipt. With a nil receipt it checks
	// against whatever the target itself recorded, which is how a crashed
	// transfer is recognized as already complete. It returns the
	// canonical receipt on success.
	Verify(ctx context.Context, transfer *Transfer, receipt *Receipt) (*Receipt, error)
}

// pruneMirror is implemented by backends that can drop their copy of a
// pruned source snapshot.
type pruneMirror interface {
	MirrorPrune(ctx context.Context, transfer *Transfer) error
}

// BreakerSettings tune the per-target circuit breakers.
type BreakerSettings struct {
	// Failures is the consecutive failure count that opens the breaker.
	Failures uint32
	// Cooldown is how long an open breaker rejects transfers before
	// probing again.
	Cooldown time.Duration
}

// Pipeline replicates snapshots per (dataset, target) with journaled
// progress.
type Pipeline struct {
	journal  *journal.Journal
	manager  *snapshots.Manager
	backends map[model.TargetKind]Backend
	breaker  BreakerSettings
	timeout  time.Duration

	mu       sync.Mutex
	breakers map[uuid.UUID]*gobreaker.CircuitBreaker[*Receipt]
}

// New creates a Pipeline over the given backends. timeout bounds every
// single backend invocation; zero means unbounded.
func New(jrnl *journal.Journal, manager *snapshots.Manager, backends map[model.TargetKind]Backend, breaker BreakerSettings, timeout time.Duration) *Pipeline {
	return &Pipeline{
		journal:  jrnl,
		manager:  manager,
		backends: backends,
		breaker:  breaker,
		timeout:  timeout,
		breakers: make(map[uuid.UUID]*gobreaker.CircuitBreaker[*Receipt]),
	}
}

// replicatePayload is the journal payload for replicate records.
type replicatePayload struct {
	TargetID uuid.UUID `json:"targetId"`
	Sequence uint64    `json:"sequence"`
	Label    string    `json:"label"`
	Receipt  *Receipt  `json:"receipt,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Replicate pushes every snapshot newer than the target's cursor, oldest
// first, and returns how many were confirmed. The first failure stops the
// run; the cursor keeps whatever progress was verified.
func (p *Pipeline) Replicate(ctx context.Context, pool *model.Pool, dataset *model.Dataset, target *model.Target) (int, error) {
	backend, ok := p.backends[target.Kind]
	if !ok {
		return 0, fmt.Errorf("no backend for target kind %q", target.Kind)
	}

	snaps, err := p.manager.List(pool, dataset)
	if err != nil {
		return 0, err
	}
	cursor, _, err := p.journal.Cursor(dataset.ID, target.ID)
	if err != nil {
		return 0, err
	}

	var parent *snapshots.Snapshot
	pushed := 0
	for i := range snaps {
		snap := &snaps[i]
		if snap.Sequence <= cursor {
			// The confirmed snapshot, while it survives on disk, is the
			// natural increment base for the next one.
			if snap.Sequence == cursor {
				parent = snap
			}
			continue
		}

		if err := p.replicateOne(ctx, backend, dataset, target, snap, parent); err != nil {
			return pushed, err
		}
		parent = snap
		pushed++
	}
	return pushed, nil
}

func (p *Pipeline) replicateOne(ctx context.Context, backend Backend, dataset *model.Dataset, target *model.Target, snap, parent *snapshots.Snapshot) error {
	transfer := &Transfer{
		Dataset:  dataset,
		Target:   target,
		Snapshot: snap,
		Parent:   parent,
		OpenStream: func(ctx context.Context) (io.ReadCloser, error) {
			return p.manager.SendStream(ctx, snap, parent)
		},
	}

	payload := replicatePayload{TargetID: target.ID, Sequence: snap.Sequence, Label: snap.Label}
	intentSeq, err := p.journal.Intent(dataset.ID, journal.OpReplicate, payload)
	if err != nil {
		return err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	receipt, err := p.breakerFor(target).Execute(func() (*Receipt, error) {
		// A transfer that crashed after reaching the target but before
		// the cursor moved is recognized here instead of re-pushed.
		if receipt, err := backend.Verify(ctx, transfer, nil); err == nil {
			logging.Debug().Str("dataset", dataset.Name).Uint64("seq", snap.Sequence).Msg("Snapshot already durable at target")
			return receipt, nil
		}
		receipt, err := backend.Push(ctx, transfer)
		if err != nil {
			return nil, err
		}
		return backend.Verify(ctx, transfer, receipt)
	})
	if err != nil {
		payload.Error = err.Error()
		if failErr := p.journal.Fail(intentSeq, payload); failErr != nil {
			logging.Error().Err(failErr).Int64("intent", intentSeq).Msg("Recording replication failure failed")
		}
		return fmt.Errorf("replicating %s seq %d: %w", dataset.Name, snap.Sequence, err)
	}

	if err := p.journal.AdvanceCursor(dataset.ID, target.ID, snap.Sequence); err != nil {
		return err
	}
	payload.Receipt = receipt
	if err := p.journal.Complete(intentSeq, payload); err != nil {
		return err
	}
	metrics.RecordTransfer(target.Name, receipt.Bytes)
	metrics.SetCursor(dataset.Name, target.Name, snap.Sequence)

	logging.Info().
		Str("dataset", dataset.Name).
		Str("target", target.Name).
		Uint64("seq", snap.Sequence).
		Str("receipt", receipt.Token).
		Msg("Snapshot replicated")
	return nil
}

// MirrorPrune asks the target's backend to drop its copy of a pruned
// source snapshot. Backends without that ability ignore the request, as
// do targets that did not opt in.
func (p *Pipeline) MirrorPrune(ctx context.Context, dataset *model.Dataset, target *model.Target, snap *snapshots.Snapshot) error {
	if !target.MirrorSourcePrunes {
		return nil
	}
	backend, ok := p.backends[target.Kind]
	if !ok {
		return fmt.Errorf("no backend for target kind %q", target.Kind)
	}
	mirror, ok := backend.(pruneMirror)
	if !ok {
		return nil
	}
	transfer := &Transfer{Dataset: dataset, Target: target, Snapshot: snap}
	return mirror.MirrorPrune(ctx, transfer)
}

func (p *Pipeline) breakerFor(target *model.Target) *gobreaker.CircuitBreaker[*Receipt] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if breaker, ok := p.breakers[target.ID]; ok {
		return breaker
	}
	failures := p.breaker.Failures
	if failures == 0 {
		failures = 5
	}
	breaker := gobreaker.NewCircuitBreaker[*Receipt](gobreaker.Settings{
		Name:    target.Name,
		Timeout: p.breaker.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("target", name).Str("from", from.String()).Str("to", to.String()).Msg("Target breaker state changed")
		},
	})
	p.breakers[target.ID] = breaker
	return breaker
}
