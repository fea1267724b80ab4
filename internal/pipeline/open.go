package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/roach88/keysync/internal/checkpoint"
	"github.com/roach88/keysync/internal/config"
	"github.com/roach88/keysync/internal/store"
)

// Stores is the storage a configured pipeline runs against.
type Stores struct {
	DB          *store.Store
	Checkpoints checkpoint.Store

	badger *checkpoint.Badger
}

// OpenStores opens the SQLite database of cfg and its checkpoint store.
// A relative Badger path is resolved against the database directory.
func OpenStores(cfg *config.Pipeline, logger *slog.Logger) (*Stores, error) {
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database, err)
	}

	s := &Stores{DB: db, Checkpoints: db}
	if cfg.Checkpoint.Kind == config.CheckpointBadger {
		path := cfg.Checkpoint.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(cfg.Database), path)
		}
		b, err := checkpoint.OpenBadger(checkpoint.BadgerConfig{Path: path, Logger: logger})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open checkpoints %s: %w", path, err)
		}
		s.badger = b
		s.Checkpoints = b
	}
	return s, nil
}

// Close closes the checkpoint store and the database.
func (s *Stores) Close() error {
	var errs []error
	if s.badger != nil {
		errs = append(errs, s.badger.Close())
	}
	errs = append(errs, s.DB.Close())
	return errors.Join(errs...)
}
