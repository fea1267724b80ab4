package checkpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/keysync/internal/cdc"
)

// keyPrefix namespaces checkpoint entries inside the Badger keyspace.
const keyPrefix = "keysync/checkpoint/"

// BadgerConfig holds configuration for a Badger checkpoint store.
type BadgerConfig struct {
	// Path is the directory for Badger files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Useful for testing.
	InMemory bool

	// Logger receives Badger's internal logging. Nil disables it.
	Logger *slog.Logger
}

// Badger is a Store backed by an embedded Badger database.
// Writes are synchronous so Save returns only after the position is durable.
type Badger struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens (creating if needed) a Badger checkpoint store.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("checkpoint path is required for badger store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger checkpoint store: %w", err)
	}
	return &Badger{db: db}, nil
}

// Close releases the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) Load(ctx context.Context, pipeline string) (cdc.Position, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	var (
		pos cdc.Position
		ok  bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + pipeline))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt checkpoint value: %d bytes", len(val))
			}
			pos = cdc.Position(binary.BigEndian.Uint64(val))
			ok = true
			return nil
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint %s: %w", pipeline, err)
	}
	return pos, ok, nil
}

func (b *Badger) Save(ctx context.Context, pipeline string, pos cdc.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if pos < 0 {
		return fmt.Errorf("save checkpoint %s: negative position %d", pipeline, pos)
	}

	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(pos))

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+pipeline), val)
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", pipeline, err)
	}
	return nil
}
