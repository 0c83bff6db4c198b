// Package postgres is an authoritative store backed by PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unkn0wn-root/cascore/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS cascore_entities (
    tenant     TEXT        NOT NULL,
    type       TEXT        NOT NULL,
    id         TEXT        NOT NULL,
    version    BIGINT      NOT NULL,
    data       BYTEA,
    tags       TEXT[]      NOT NULL DEFAULT '{}',
    deleted    BOOLEAN     NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant, type, id)
);
`

// Config mirrors the knobs exposed in config files.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

type Store struct {
	pool   *pgxpool.Pool
	owned  bool
	txOpts pgx.TxOptions
}

var _ store.Engine = (*Store)(nil)

// Open creates a pool, pings it and ensures the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps a caller-owned pool. Close will not close it.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{pool: pool, txOpts: pgx.TxOptions{IsoLevel: pgx.ReadCommitted}}, nil
}

func (s *Store) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	pgTx, err := s.pool.BeginTx(ctx, s.txOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &tx{tx: pgTx}, nil
}

type tx struct {
	tx   pgx.Tx
	done bool
}

func (t *tx) Get(ctx context.Context, key store.Key) (store.Record, error) {
	if t.done {
		return store.Record{}, store.ErrTxDone
	}
	r := store.Record{Key: key}
	err := t.tx.QueryRow(ctx,
		`SELECT version, data, tags, deleted, updated_at
		 FROM cascore_entities WHERE tenant = $1 AND type = $2 AND id = $3`,
		key.Tenant, key.Type, key.ID,
	).Scan(&r.Version, &r.Data, &r.Tags, &r.Deleted, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, fmt.Errorf("get entity: %w", mapErr(err))
	}
	return r, nil
}

func (t *tx) Scan(ctx context.Context, p store.Predicate) ([]store.Record, error) {
	if t.done {
		return nil, store.ErrTxDone
	}
	var (
		where = []string{"deleted = FALSE"}
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if p.Tenant != "" {
		add("tenant = $%d", p.Tenant)
	}
	if p.Type != "" {
		add("type = $%d", p.Type)
	}
	if p.IDPrefix != "" {
		add(`id LIKE $%d ESCAPE '\'`, escapeLike(p.IDPrefix)+"%")
	}
	if p.Tag != "" {
		add("$%d = ANY(tags)", p.Tag)
	}
	query := "SELECT tenant, type, id, version, data, tags, updated_at FROM cascore_entities WHERE " +
		strings.Join(where, " AND ") + " ORDER BY tenant, type, id"
	if p.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", p.Limit)
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan entities: %w", mapErr(err))
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.Key.Tenant, &r.Key.Type, &r.Key.ID, &r.Version, &r.Data, &r.Tags, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", mapErr(err))
	}
	return out, nil
}

func (t *tx) write(ctx context.Context, r store.Record, expect uint64) error {
	if t.done {
		return store.ErrTxDone
	}
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	var (
		tag pgconn.CommandTag
		err error
	)
	if expect == 0 {
		tag, err = t.tx.Exec(ctx,
			`INSERT INTO cascore_entities (tenant, type, id, version, data, tags, deleted, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			 ON CONFLICT (tenant, type, id) DO NOTHING`,
			r.Key.Tenant, r.Key.Type, r.Key.ID, int64(r.Version), r.Data, tags, r.Deleted)
	} else {
		tag, err = t.tx.Exec(ctx,
			`UPDATE cascore_entities SET version = $1, data = $2, tags = $3, deleted = $4, updated_at = now()
			 WHERE tenant = $5 AND type = $6 AND id = $7 AND version = $8`,
			int64(r.Version), r.Data, tags, r.Deleted,
			r.Key.Tenant, r.Key.Type, r.Key.ID, int64(expect))
	}
	if err != nil {
		return fmt.Errorf("write entity %s: %w", r.Key, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}
	return nil
}

func (t *tx) Put(ctx context.Context, r store.Record, expect uint64) error {
	r.Deleted = false
	return t.write(ctx, r, expect)
}

func (t *tx) Delete(ctx context.Context, key store.Key, version, expect uint64) error {
	return t.write(ctx, store.Record{Key: key, Version: version, Deleted: true}, expect)
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapErr(err))
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// serialization_failure, deadlock_detected, unique_violation
var conflictCodes = map[string]bool{"40001": true, "40P01": true, "23505": true}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && conflictCodes[pgErr.Code] {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
