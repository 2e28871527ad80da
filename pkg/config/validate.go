package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/wardenfs/snapwarden/pkg/model"
	"github.com/wardenfs/snapwarden/pkg/retention"
)

var validate = validator.New()

// Validate checks the daemon configuration for logical errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if c.Retry.MaxBackoff < c.Retry.Backoff {
		return fmt.Errorf("retry.max_backoff (%s) cannot be below retry.backoff (%s)", c.Retry.MaxBackoff, c.Retry.Backoff)
	}
	return nil
}

// ValidateEntities checks the entity document for structural and referential
// errors. Every error here is a configuration-time error: anything this
// accepts must be safe for the daemon to execute against.
func ValidateEntities(e *model.Entities) error {
	seen := make(map[uuid.UUID]string)
	claim := func(id uuid.UUID, what string) error {
		if id == uuid.Nil {
			return fmt.Errorf("%s has a nil id", what)
		}
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("%s reuses the id of %s", what, prev)
		}
		seen[id] = what
		return nil
	}

	mounts := make(map[string]string)
	for i := range e.Pools {
		pool := &e.Pools[i]
		if err := validate.Struct(pool); err != nil {
			return fmt.Errorf("pool %q: %w", pool.Name, err)
		}
		if err := claim(pool.ID, "pool "+pool.Name); err != nil {
			return err
		}
		if !filepath.IsAbs(pool.MountPoint) {
			return fmt.Errorf("pool %q: mount point %q is not absolute", pool.Name, pool.MountPoint)
		}
		clean := filepath.Clean(pool.MountPoint)
		if other, dup := mounts[clean]; dup {
			return fmt.Errorf("pool %q: mount point %q already used by pool %q", pool.Name, clean, other)
		}
		mounts[clean] = pool.Name
	}

	paths := make(map[string]string)
	for i := range e.Datasets {
		ds := &e.Datasets[i]
		if err := validate.Struct(ds); err != nil {
			return fmt.Errorf("dataset %q: %w", ds.Name, err)
		}
		if err := claim(ds.ID, "dataset "+ds.Name); err != nil {
			return err
		}
		if e.PoolByID(ds.PoolID) == nil {
			return fmt.Errorf("dataset %q: pool %s does not exist", ds.Name, ds.PoolID)
		}
		if filepath.IsAbs(ds.Path) || strings.HasPrefix(ds.Path, "..") {
			return fmt.Errorf("dataset %q: path %q must be relative to the pool mount point", ds.Name, ds.Path)
		}
		key := ds.PoolID.String() + "/" + filepath.Clean(ds.Path)
		if other, dup := paths[key]; dup {
			return fmt.Errorf("dataset %q: subvolume already managed by dataset %q", ds.Name, other)
		}
		paths[key] = ds.Name

		if err := retention.ValidatePolicy(ds.Retention); err != nil {
			return fmt.Errorf("dataset %q: %w", ds.Name, err)
		}
		for _, id := range ds.TargetIDs {
			if e.TargetByID(id) == nil {
				return fmt.Errorf("dataset %q: target %s does not exist", ds.Name, id)
			}
		}
	}

	for i := range e.Targets {
		target := &e.Targets[i]
		if err := validate.Struct(target); err != nil {
			return fmt.Errorf("target %q: %w", target.Name, err)
		}
		if err := claim(target.ID, "target "+target.Name); err != nil {
			return err
		}
		switch target.Kind {
		case model.TargetLocalDir:
			if target.LocalDir == nil {
				return fmt.Errorf("target %q: localdir settings missing", target.Name)
			}
			if !filepath.IsAbs(target.LocalDir.Path) {
				return fmt.Errorf("target %q: path %q is not absolute", target.Name, target.LocalDir.Path)
			}
		case model.TargetRestic:
			if target.Restic == nil {
				return fmt.Errorf("target %q: restic settings missing", target.Name)
			}
		}
	}

	for i := range e.Observers {
		obs := &e.Observers[i]
		if err := validate.Struct(obs); err != nil {
			return fmt.Errorf("observer %q: %w", obs.Name, err)
		}
		if err := claim(obs.ID, "observer "+obs.Name); err != nil {
			return err
		}
		if obs.Heartbeat != nil && obs.Heartbeat.Interval.Std() <= 0 {
			return fmt.Errorf("observer %q: heartbeat interval must be positive", obs.Name)
		}
		for _, o := range obs.Observations {
			if _, known := seen[o.EntityID]; !known {
				return fmt.Errorf("observer %q: observed entity %s does not exist", obs.Name, o.EntityID)
			}
			switch o.Event {
			case model.EventSnapshot, model.EventPrune, model.EventReplicate, model.EventScrub:
			default:
				return fmt.Errorf("observer %q: unknown event %q", obs.Name, o.Event)
			}
		}
	}

	return nil
}
