package checkpoint

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/errors"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresStore keeps blobs in a table (id text primary key, blob bytea)
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

// NewPostgresStore connects to dsn and creates the table if needed
func NewPostgresStore(ctx context.Context, dsn, table string, logger *zap.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "postgres checkpoint store needs a dsn")
	}
	if table == "" {
		table = "streamcore_checkpoints"
	}
	if !tableName.MatchString(table) {
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid checkpoint table name %q", table)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres dsn")
	}
	poolConfig.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to postgres")
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		blob BYTEA NOT NULL
	)`, table)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create checkpoint table")
	}
	logger.Info("postgres checkpoint store ready", zap.String("table", table))
	return &PostgresStore{pool: pool, table: table, logger: logger}, nil
}

func (s *PostgresStore) Put(ctx context.Context, id string, blob []byte) error {
	q := fmt.Sprintf(`INSERT INTO %s (id, blob) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET blob = EXCLUDED.blob`, s.table)
	if _, err := s.pool.Exec(ctx, q, id, blob); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to store checkpoint")
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT blob FROM %s WHERE id = $1`, s.table), id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "checkpoint %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to load checkpoint")
	}
	return blob, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT id FROM %s ORDER BY id`, s.table))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list checkpoints")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to scan checkpoint ids")
	}
	return ids, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to delete checkpoint")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
