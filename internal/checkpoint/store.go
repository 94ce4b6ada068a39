package checkpoint

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/config"
	"github.com/ajitpratap0/streamcore/pkg/errors"
)

// Store keeps checkpoint blobs by id. List returns ids in ascending order.
// Implementations must make Put atomic: a reader sees either the whole blob
// or nothing.
type Store interface {
	Put(ctx context.Context, id string, blob []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Store types accepted by NewStore
const (
	StoreMemory   = "memory"
	StoreBadger   = "badger"
	StoreS3       = "s3"
	StoreGCS      = "gcs"
	StorePostgres = "postgres"
)

// NewStore builds the store selected by cfg
func NewStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Type {
	case StoreMemory, "":
		return NewMemoryStore(), nil
	case StoreBadger:
		return NewBadgerStore(cfg.Path, logger)
	case StoreS3:
		return NewS3Store(ctx, cfg.Bucket, cfg.Prefix, cfg.Region, logger)
	case StoreGCS:
		return NewGCSStore(ctx, cfg.Bucket, cfg.Prefix, cfg.CredentialsFile, logger)
	case StorePostgres:
		return NewPostgresStore(ctx, cfg.DSN, cfg.Table, logger)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown checkpoint store type %q", cfg.Type)
	}
}

// MemoryStore keeps blobs in process memory. It does not survive restarts
// and is meant for tests and single-process runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, id string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = append([]byte(nil), blob...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "checkpoint %s not found", id)
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.blobs))
	for id := range s.blobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
