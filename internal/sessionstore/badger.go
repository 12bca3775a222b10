package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	pkgerrors "github.com/pkg/errors"
)

const sessionKeyPrefix = "session/"

// BadgerConfig configures a BadgerStore
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in memory; used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives badger's internal logging. Nil disables it.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns a durable configuration rooted at path
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// BadgerStore keeps one key per session in a badger database
type BadgerStore struct {
	db   *badger.DB
	path string
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadgerStore opens (or creates) the database described by cfg
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, pkgerrors.New("badger path is required for a persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to create badger directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open badger database")
	}
	store := &BadgerStore{db: db}
	if !cfg.InMemory {
		store.path = cfg.Path
	}
	return store, nil
}

// Path returns the database directory, empty for an in-memory store
func (s *BadgerStore) Path() string {
	return s.path
}

func sessionKey(id string) []byte {
	return []byte(sessionKeyPrefix + id)
}

func (s *BadgerStore) LoadAll(ctx context.Context) (map[string]Record, error) {
	records := make(map[string]Record)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(sessionKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec Record
			if err := json.Unmarshal(val, &rec); err != nil {
				return pkgerrors.Wrapf(err, "failed to decode %s", it.Item().Key())
			}
			records[rec.ID] = rec
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load sessions")
	}
	return records, nil
}

func (s *BadgerStore) Save(_ context.Context, rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode session %s", rec.ID)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(rec.ID), val)
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to save session %s", rec.ID)
	}
	return nil
}

func (s *BadgerStore) Delete(_ context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(id))
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to delete session %s", id)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
