package registry

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"keelci/internal/core"
)

var (
	counterKey = []byte("meta/next-run")
	runPrefix  = []byte("run/")
)

// BadgerStore persists runs in a Badger database so history and the run
// counter survive restarts.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the database at dir. An empty dir keeps
// everything in memory.
func OpenBadger(dir string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func runKey(number uint64) []byte {
	return []byte(fmt.Sprintf("run/%020d", number))
}

func (s *BadgerStore) NextNumber() (uint64, error) {
	var next uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(counterKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			next = 1
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				next = binary.BigEndian.Uint64(val) + 1
				return nil
			}); err != nil {
				return err
			}
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return txn.Set(counterKey, buf)
	})
	return next, err
}

func (s *BadgerStore) Save(run *core.Run) error {
	data, err := encodeRun(run)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(run.Number), data)
	})
}

func (s *BadgerStore) Load(number uint64) (*core.Run, error) {
	var valCopy []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(number))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			valCopy = append([]byte{}, val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRun(valCopy)
}

// All iterates the run keys; the zero-padded numbers keep them in order.
func (s *BadgerStore) All() ([]*core.Run, error) {
	var runs []*core.Run
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(runPrefix); it.ValidForPrefix(runPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				run, err := decodeRun(val)
				if err != nil {
					return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
				}
				runs = append(runs, run)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return runs, err
}

func (s *BadgerStore) Delete(number uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(runKey(number))
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
