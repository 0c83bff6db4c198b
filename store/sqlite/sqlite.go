// Package sqlite is an authoritative store backed by SQLite through the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/unkn0wn-root/cascore/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
    tenant     TEXT    NOT NULL,
    type       TEXT    NOT NULL,
    id         TEXT    NOT NULL,
    version    INTEGER NOT NULL,
    data       BLOB,
    tags       TEXT    NOT NULL DEFAULT '[]',
    deleted    INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (tenant, type, id)
);
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Engine = (*Store)(nil)

// Open opens (or creates) the database at path and ensures the schema.
// A busy timeout is added unless the DSN already sets pragmas.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing *sql.DB opened with the sqlite driver.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sql db is required")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", mapErr(err))
	}
	return &tx{tx: sqlTx, now: s.now}, nil
}

type tx struct {
	tx   *sql.Tx
	now  func() time.Time
	done bool
}

func (t *tx) Get(ctx context.Context, key store.Key) (store.Record, error) {
	if t.done {
		return store.Record{}, store.ErrTxDone
	}
	row := t.tx.QueryRowContext(ctx,
		`SELECT version, data, tags, deleted, updated_at
		 FROM entities WHERE tenant = ? AND type = ? AND id = ?`,
		key.Tenant, key.Type, key.ID)
	r := store.Record{Key: key}
	var (
		tags    string
		deleted int
		updated int64
	)
	if err := row.Scan(&r.Version, &r.Data, &tags, &deleted, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, fmt.Errorf("get entity: %w", mapErr(err))
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return store.Record{}, fmt.Errorf("decode tags: %w", err)
	}
	r.Deleted = deleted != 0
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	return r, nil
}

func (t *tx) Scan(ctx context.Context, p store.Predicate) ([]store.Record, error) {
	if t.done {
		return nil, store.ErrTxDone
	}
	query := `SELECT tenant, type, id, version, data, tags, updated_at
		FROM entities WHERE deleted = 0`
	var args []any
	if p.Tenant != "" {
		query += " AND tenant = ?"
		args = append(args, p.Tenant)
	}
	if p.Type != "" {
		query += " AND type = ?"
		args = append(args, p.Type)
	}
	if p.IDPrefix != "" {
		query += ` AND id LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(p.IDPrefix)+"%")
	}
	query += " ORDER BY tenant, type, id"

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan entities: %w", mapErr(err))
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var (
			r       store.Record
			tags    string
			updated int64
		)
		if err := rows.Scan(&r.Key.Tenant, &r.Key.Type, &r.Key.ID, &r.Version, &r.Data, &tags, &updated); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		r.UpdatedAt = time.UnixMilli(updated).UTC()
		// tag filter and limit are applied here so the SQL stays portable
		if !p.Match(r) {
			continue
		}
		out = append(out, r)
		if p.Limit > 0 && len(out) == p.Limit {
			break
		}
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
	tags, err := json.Marshal(nonNil(r.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	deleted := 0
	if r.Deleted {
		deleted = 1
	}
	updated := t.now().UTC().UnixMilli()

	var res sql.Result
	if expect == 0 {
		res, err = t.tx.ExecContext(ctx,
			`INSERT INTO entities (tenant, type, id, version, data, tags, deleted, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(tenant, type, id) DO NOTHING`,
			r.Key.Tenant, r.Key.Type, r.Key.ID, r.Version, r.Data, string(tags), deleted, updated)
	} else {
		res, err = t.tx.ExecContext(ctx,
			`UPDATE entities SET version = ?, data = ?, tags = ?, deleted = ?, updated_at = ?
			 WHERE tenant = ? AND type = ? AND id = ? AND version = ?`,
			r.Version, r.Data, string(tags), deleted, updated,
			r.Key.Tenant, r.Key.Type, r.Key.ID, expect)
	}
	if err != nil {
		return fmt.Errorf("write entity %s: %w", r.Key, mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
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

func (t *tx) Commit(context.Context) error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapErr(err))
	}
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// mapErr folds lock contention into store.ErrConflict; SQLite reports
// concurrent writers as busy/locked rather than as a version mismatch.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
