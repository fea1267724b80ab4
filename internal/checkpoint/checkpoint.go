// Package checkpoint persists the change-stream position a pipeline has consumed.
//
// A checkpoint only moves forward after a batch is merged, so a crash between
// merge and save redelivers that batch.
package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/keysync/internal/cdc"
)

// Store loads and saves positions by pipeline name.
type Store interface {
	// Load returns the saved position. ok is false when nothing was saved yet.
	Load(ctx context.Context, pipeline string) (pos cdc.Position, ok bool, err error)

	// Save durably records pos. Save must not return before the write is durable.
	Save(ctx context.Context, pipeline string, pos cdc.Position) error
}

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	mu        sync.Mutex
	positions map[string]cdc.Position
	saveErr   error
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{positions: make(map[string]cdc.Position)}
}

// FailSaves makes every subsequent Save return err. Pass nil to recover.
func (m *Memory) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *Memory) Load(ctx context.Context, pipeline string) (cdc.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[pipeline]
	return pos, ok, nil
}

func (m *Memory) Save(ctx context.Context, pipeline string, pos cdc.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return fmt.Errorf("save checkpoint %s: %w", pipeline, m.saveErr)
	}
	m.positions[pipeline] = pos
	return nil
}
