package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/keysync/internal/cdc"
)

// Load returns the saved position for pipeline. It implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, pipeline string) (cdc.Position, bool, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx,
		"SELECT position FROM _keysync_checkpoints WHERE pipeline = ?", pipeline).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint %s: %w", pipeline, err)
	}
	return cdc.Position(pos), true, nil
}

// Save records the position for pipeline. It implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, pipeline string, pos cdc.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _keysync_checkpoints (pipeline, position)
		VALUES (?, ?)
		ON CONFLICT(pipeline) DO UPDATE SET position = excluded.position
	`, pipeline, int64(pos))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", pipeline, err)
	}
	return nil
}
