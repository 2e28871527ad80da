package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wardenfs/snapwarden/pkg/config"
	"github.com/wardenfs/snapwarden/pkg/model"
)

func writeConfig(t *testing.T, entitiesPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("entities: "+entitiesPath+"\n"), 0o644))
	return path
}

func TestCheckConfigAcceptsValidSetup(t *testing.T) {
	entitiesPath := filepath.Join(t.TempDir(), "entities.json")
	store, err := config.OpenStore(entitiesPath)
	require.NoError(t, err)

	pool := model.Pool{ID: uuid.New(), Name: "tank", MountPoint: "/mnt/tank", UUID: uuid.New()}
	require.NoError(t, store.Update(func(e *model.Entities) error {
		e.Pools = append(e.Pools, pool)
		e.Datasets = append(e.Datasets, model.Dataset{
			ID:               uuid.New(),
			PoolID:           pool.ID,
			Name:             "home",
			Path:             "home",
			SnapshotInterval: model.Duration(time.Hour),
			PruneInterval:    model.Duration(time.Hour),
		})
		return nil
	}))

	rootCmd.SetArgs([]string{"--config", writeConfig(t, entitiesPath), "check-config"})
	require.NoError(t, rootCmd.Execute())
}

func TestCheckConfigRejectsBrokenEntityReferences(t *testing.T) {
	// A dataset pointing at a pool that does not exist must fail validation,
	// not just JSON parsing.
	doc := model.Entities{
		Datasets: []model.Dataset{{
			ID:               uuid.New(),
			PoolID:           uuid.New(),
			Name:             "orphan",
			Path:             "orphan",
			SnapshotInterval: model.Duration(time.Hour),
			PruneInterval:    model.Duration(time.Hour),
		}},
	}
	data, err := json.Marshal(&doc)
	require.NoError(t, err)

	entitiesPath := filepath.Join(t.TempDir(), "entities.json")
	require.NoError(t, os.WriteFile(entitiesPath, data, 0o644))

	rootCmd.SetArgs([]string{"--config", writeConfig(t, entitiesPath), "check-config"})
	err = rootCmd.Execute()
	require.ErrorContains(t, err, "loading entities")
}

func TestCheckConfigRejectsInvalidSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 0\n"), 0o644))

	rootCmd.SetArgs([]string{"--config", path, "check-config"})
	require.Error(t, rootCmd.Execute())
}
