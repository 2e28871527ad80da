package snapshots

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/wardenfs/snapwarden/pkg/journal"
	"github.com/wardenfs/snapwarden/pkg/logging"
	"github.com/wardenfs/snapwarden/pkg/model"
)

// Reconcile brings the snapshot registry and the pools back into agreement
// after a restart. It settles every dangling journal intent against the
// actual filesystem state, then sweeps snapshot directories for subvolumes
// the registry does not know and registry rows with no subvolume behind
// them. The result is that an interrupted mutation is either finished or
// cleanly discarded, never left half-applied. entities must be a validated
// document, so every dataset's pool is present.
func (m *Manager) Reconcile(ctx context.Context, entities *model.Entities) error {
	dangling, err := m.journal.Dangling()
	if err != nil {
		return err
	}

	for _, record := range dangling {
		dataset := entities.DatasetByID(record.DatasetID)
		if dataset == nil {
			// The dataset was unregistered while its mutation was in
			// flight. Settle the intent so it stops resurfacing.
			logging.Warn().Str("dataset", record.DatasetID.String()).Int64("intent", record.Seq).Msg("Dangling intent for unknown dataset")
			m.failIntent(record.Seq, fmt.Errorf("dataset no longer registered"))
			continue
		}
		if err := m.settleIntent(ctx, entities.PoolByID(dataset.PoolID), dataset, record); err != nil {
			return err
		}
	}

	for i := range entities.Datasets {
		dataset := &entities.Datasets[i]
		if err := m.sweepDataset(ctx, entities.PoolByID(dataset.PoolID), dataset); err != nil {
			return err
		}
	}
	return nil
}

// settleIntent decides the fate of one interrupted mutation by inspecting
// what actually happened on disk.
func (m *Manager) settleIntent(ctx context.Context, pool *model.Pool, dataset *model.Dataset, record journal.Record) error {
	log := logging.With().Str("dataset", dataset.Name).Int64("intent", record.Seq).Str("op", string(record.Op)).Logger()

	switch record.Op {
	case journal.OpSnapshotCreate:
		var payload snapshotPayload
		if err := record.DecodePayload(&payload); err != nil {
			return err
		}
		onDisk, err := m.subvolumeExists(ctx, pool, dataset.ID, payload.Label)
		if err != nil {
			return err
		}
		if !onDisk {
			log.Warn().Str("label", payload.Label).Msg("Interrupted snapshot never reached disk, discarding intent")
			m.failIntent(record.Seq, fmt.Errorf("snapshot subvolume missing after restart"))
			return nil
		}
		log.Info().Str("label", payload.Label).Msg("Recovering interrupted snapshot registration")
		row := journal.SnapshotRow{DatasetID: dataset.ID, Sequence: payload.Sequence, Label: payload.Label}
		if row.CreatedAt, err = ParseLabel(payload.Label); err != nil {
			return err
		}
		if err := m.journal.RegisterSnapshot(row); err != nil {
			return err
		}
		return m.journal.Complete(record.Seq, payload)

	case journal.OpSnapshotDelete:
		var payload snapshotPayload
		if err := record.DecodePayload(&payload); err != nil {
			return err
		}
		onDisk, err := m.subvolumeExists(ctx, pool, dataset.ID, payload.Label)
		if err != nil {
			return err
		}
		if onDisk {
			log.Warn().Str("label", payload.Label).Msg("Interrupted delete left subvolume in place, discarding intent")
			m.failIntent(record.Seq, fmt.Errorf("subvolume still present after restart"))
			return nil
		}
		log.Info().Str("label", payload.Label).Msg("Recovering interrupted snapshot removal")
		if err := m.journal.UnregisterSnapshot(dataset.ID, payload.Sequence); err != nil {
			return err
		}
		return m.journal.Complete(record.Seq, payload)

	default:
		// Prune and replicate brackets carry no filesystem state of their
		// own; their inner mutations settle individually. Fail the bracket
		// so the scheduler sees the run as not completed and retries.
		log.Info().Msg("Discarding interrupted job bracket")
		m.failIntent(record.Seq, fmt.Errorf("interrupted by restart"))
		return nil
	}
}

// sweepDataset deletes subvolumes the registry does not track and drops
// registry rows whose subvolume is gone.
func (m *Manager) sweepDataset(ctx context.Context, pool *model.Pool, dataset *model.Dataset) error {
	onDisk, err := m.listOnDisk(ctx, pool, dataset.ID)
	if err != nil {
		return err
	}
	rows, err := m.journal.Snapshots(dataset.ID)
	if err != nil {
		return err
	}

	registered := make(map[string]bool, len(rows))
	for _, row := range rows {
		registered[row.Label] = true
	}

	for label := range onDisk {
		if registered[label] {
			continue
		}
		logging.Warn().Str("dataset", dataset.Name).Str("label", label).Msg("Deleting orphan snapshot subvolume")
		if err := m.fs.DeleteSubvolume(ctx, SnapshotPath(pool, dataset.ID, label)); err != nil {
			return err
		}
	}

	for _, row := range rows {
		if onDisk[row.Label] {
			continue
		}
		logging.Warn().Str("dataset", dataset.Name).Str("label", row.Label).Msg("Dropping registry row without subvolume")
		if err := m.journal.UnregisterSnapshot(dataset.ID, row.Sequence); err != nil {
			return err
		}
	}
	return nil
}

// subvolumeExists checks one snapshot label against the pool.
func (m *Manager) subvolumeExists(ctx context.Context, pool *model.Pool, datasetID uuid.UUID, label string) (bool, error) {
	onDisk, err := m.listOnDisk(ctx, pool, datasetID)
	if err != nil {
		return false, err
	}
	return onDisk[label], nil
}

// listOnDisk returns the snapshot labels present under the dataset's
// snapshot directory. Paths from the subvolume listing are relative to the
// pool mount, which must be the filesystem root subvolume.
func (m *Manager) listOnDisk(ctx context.Context, pool *model.Pool, datasetID uuid.UUID) (map[string]bool, error) {
	subs, err := m.fs.ListSubvolumes(ctx, pool.MountPoint)
	if err != nil {
		return nil, err
	}

	prefix := path.Join(snapshotDirName, datasetID.String()) + "/"
	labels := make(map[string]bool)
	for _, sub := range subs {
		if !strings.HasPrefix(sub.Path, prefix) {
			continue
		}
		label := path.Base(sub.Path)
		if _, err := ParseLabel(label); err != nil {
			logging.Debug().Str("path", sub.Path).Msg("Ignoring foreign subvolume in snapshot directory")
			continue
		}
		labels[label] = true
	}
	return labels, nil
}
