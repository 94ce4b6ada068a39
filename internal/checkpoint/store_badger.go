package checkpoint

import (
	"context"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/errors"
)

const badgerKeyPrefix = "checkpoint/"

// BadgerStore keeps blobs in a local badger database
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerStore opens (or creates) the database at path
func NewBadgerStore(path string, logger *zap.Logger) (*BadgerStore, error) {
	if path == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "badger checkpoint store needs a path")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create checkpoint directory")
	}

	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open badger")
	}
	logger.Info("badger checkpoint store opened", zap.String("path", path))
	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Put(_ context.Context, id string, blob []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+id), blob)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "badger put failed")
	}
	return nil
}

func (s *BadgerStore) Get(_ context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "checkpoint %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCheckpoint, "badger get failed")
	}
	return data, nil
}

// List iterates keys only; badger returns them in byte order.
func (s *BadgerStore) List(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(badgerKeyPrefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(p):]))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCheckpoint, "badger list failed")
	}
	return ids, nil
}

func (s *BadgerStore) Delete(_ context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerKeyPrefix + id))
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "badger delete failed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
