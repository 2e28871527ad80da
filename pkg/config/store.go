package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/wardenfs/snapwarden/pkg/logging"
	"github.com/wardenfs/snapwarden/pkg/model"
	"github.com/wardenfs/snapwarden/pkg/util"
)

// Store persists the entity document and mediates concurrent access to it.
// Readers get a consistent view under a shared lock; writers mutate a copy
// that replaces the document only after validation and a successful atomic
// write, so the in-memory state never diverges from the file.
type Store struct {
	path string

	mu       sync.RWMutex
	entities model.Entities
}

// OpenStore loads the entity document at path. A missing file yields an
// empty document; a present but unreadable or invalid file is an error.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Info().Str("path", path).Msg("No entity document yet, starting empty")
			return s, nil
		}
		return nil, fmt.Errorf("could not read entity document %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &s.entities); err != nil {
		return nil, fmt.Errorf("could not parse entity document %s: %w", path, err)
	}
	if err := ValidateEntities(&s.entities); err != nil {
		return nil, fmt.Errorf("entity document %s: %w", path, err)
	}

	logging.Info().
		Str("path", path).
		Int("pools", len(s.entities.Pools)).
		Int("datasets", len(s.entities.Datasets)).
		Int("targets", len(s.entities.Targets)).
		Int("observers", len(s.entities.Observers)).
		Msg("Entity document loaded")
	return s, nil
}

// View runs fn with read access to the document. fn must not retain or
// mutate the document.
func (s *Store) View(fn func(e *model.Entities)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&s.entities)
}

// Snapshot returns an independent deep copy of the document.
func (s *Store) Snapshot() model.Entities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied, err := copyEntities(&s.entities)
	if err != nil {
		// The document round-trips by construction; a failure here means
		// memory corruption and there is nothing sensible to return.
		panic(fmt.Sprintf("entity document copy failed: %v", err))
	}
	return copied
}

// Update applies fn to a copy of the document, validates the result and
// persists it atomically. On any error the in-memory document is unchanged.
func (s *Store) Update(fn func(e *model.Entities) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := copyEntities(&s.entities)
	if err != nil {
		return err
	}
	if err := fn(&updated); err != nil {
		return err
	}
	if err := ValidateEntities(&updated); err != nil {
		return err
	}
	if err := s.persist(&updated); err != nil {
		return err
	}

	s.entities = updated
	return nil
}

// persist writes the document to disk via temp file and rename.
func (s *Store) persist(e *model.Entities) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal entity document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("could not create directory %s: %w", dir, err)
	}
	if err := util.AtomicWriteFile(s.path, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("could not write entity document: %w", err)
	}

	logging.Debug().Str("path", s.path).Msg("Entity document written")
	return nil
}

func copyEntities(e *model.Entities) (model.Entities, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return model.Entities{}, fmt.Errorf("could not copy entity document: %w", err)
	}
	var copied model.Entities
	if err := json.Unmarshal(data, &copied); err != nil {
		return model.Entities{}, fmt.Errorf("could not copy entity document: %w", err)
	}
	return copied, nil
}
