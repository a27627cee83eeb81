/*
Package postgres provides a PostgreSQL-backed Document Store.

PURPOSE:
  Implements ledger.TxStore on PostgreSQL through a pgx connection pool.
  Documents live in one JSONB table; unique keys in a side table whose
  primary key enforces (collection, key) ownership.

COMPARE-AND-SET:
  UpdateIf is a single statement:

    UPDATE documents SET fields = fields || $1, version = version + 1
    WHERE collection = $2 AND id = $3 AND version = $4

  Under READ COMMITTED a concurrent writer that commits first makes the
  WHERE clause miss, so the caller sees ledger.ErrVersionConflict instead of
  silently overwriting a counter.

ERRORS:
  SQLSTATE 23505 (unique_violation) -> ledger.ErrDuplicateKey
  pgx.ErrNoRows                     -> ledger.ErrDocumentNotFound

SEE ALSO:
  - store/sqlite/sqlite.go: Same contract on SQLite
  - ledger/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/friendfund/backend/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements ledger.TxStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and migrates the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset empties every table. Test databases only.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE documents, document_unique_keys`)
	return err
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		seq BIGSERIAL,
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		fields JSONB NOT NULL,
		unique_keys JSONB NOT NULL DEFAULT '[]'::jsonb,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_collection_created
		ON documents (collection, created_at DESC, seq DESC);

	CREATE INDEX IF NOT EXISTS idx_documents_campaign
		ON documents (collection, (fields->>'campaignId'));

	CREATE TABLE IF NOT EXISTS document_unique_keys (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		PRIMARY KEY (collection, key)
	);

	CREATE INDEX IF NOT EXISTS idx_document_unique_keys_doc
		ON document_unique_keys (collection, doc_id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const selectColumns = `id, collection, fields, unique_keys, version, created_at, updated_at`

// =============================================================================
// DOCUMENT STORE (ledger.Store interface)
// =============================================================================

func (s *Store) Insert(ctx context.Context, doc ledger.Document) (ledger.Document, error) {
	var out ledger.Document
	err := s.WithTx(ctx, func(st ledger.Store) error {
		var err error
		out, err = st.Insert(ctx, doc)
		return err
	})
	return out, err
}

func (s *Store) GetByID(ctx context.Context, collection, id string) (ledger.Document, error) {
	return get(ctx, s.pool, collection, id)
}

func (s *Store) Update(ctx context.Context, collection, id string, partial map[string]any) (ledger.Document, error) {
	return update(ctx, s.pool, collection, id, nil, partial)
}

func (s *Store) UpdateIf(ctx context.Context, collection, id string, expectedVersion int64, partial map[string]any) (ledger.Document, error) {
	return update(ctx, s.pool, collection, id, &expectedVersion, partial)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.WithTx(ctx, func(st ledger.Store) error {
		return st.Delete(ctx, collection, id)
	})
}

func (s *Store) DeleteIf(ctx context.Context, collection, id string, expectedVersion int64) error {
	return s.WithTx(ctx, func(st ledger.Store) error {
		return st.DeleteIf(ctx, collection, id, expectedVersion)
	})
}

func (s *Store) Query(ctx context.Context, q ledger.Query) ([]ledger.Document, error) {
	return query(ctx, s.pool, q)
}

// WithTx executes fn within a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	q querier
}

func (ts *txStore) Insert(ctx context.Context, doc ledger.Document) (ledger.Document, error) {
	return insert(ctx, ts.q, doc)
}

func (ts *txStore) GetByID(ctx context.Context, collection, id string) (ledger.Document, error) {
	return get(ctx, ts.q, collection, id)
}

func (ts *txStore) Update(ctx context.Context, collection, id string, partial map[string]any) (ledger.Document, error) {
	return update(ctx, ts.q, collection, id, nil, partial)
}

func (ts *txStore) UpdateIf(ctx context.Context, collection, id string, expectedVersion int64, partial map[string]any) (ledger.Document, error) {
	return update(ctx, ts.q, collection, id, &expectedVersion, partial)
}

func (ts *txStore) Delete(ctx context.Context, collection, id string) error {
	return remove(ctx, ts.q, collection, id, nil)
}

func (ts *txStore) DeleteIf(ctx context.Context, collection, id string, expectedVersion int64) error {
	return remove(ctx, ts.q, collection, id, &expectedVersion)
}

func (ts *txStore) Query(ctx context.Context, q ledger.Query) ([]ledger.Document, error) {
	return query(ctx, ts.q, q)
}

// =============================================================================
// STATEMENTS
// =============================================================================

func insert(ctx context.Context, q querier, doc ledger.Document) (ledger.Document, error) {
	if doc.ID == "" || doc.Collection == "" {
		return ledger.Document{}, fmt.Errorf("%w: document id and collection are required", ledger.ErrInvalidArgument)
	}
	fieldsJSON, err := json.Marshal(doc.Fields)
	if err != nil {
		return ledger.Document{}, fmt.Errorf("failed to encode fields: %w", err)
	}
	keys := doc.UniqueKeys
	if keys == nil {
		keys = []string{}
	}
	keysJSON, _ := json.Marshal(keys)

	for _, k := range keys {
		_, err := q.Exec(ctx, `INSERT INTO document_unique_keys (collection, key, doc_id) VALUES ($1, $2, $3)`,
			doc.Collection, k, doc.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return ledger.Document{}, ledger.ErrDuplicateKey
			}
			return ledger.Document{}, fmt.Errorf("failed to insert unique key: %w", err)
		}
	}

	row := q.QueryRow(ctx, `
		INSERT INTO documents (collection, id, fields, unique_keys, version, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, 1, clock_timestamp(), clock_timestamp())
		RETURNING `+selectColumns,
		doc.Collection, doc.ID, string(fieldsJSON), string(keysJSON))
	out, err := scanDocument(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.Document{}, ledger.ErrDuplicateKey
		}
		return ledger.Document{}, fmt.Errorf("failed to insert document: %w", err)
	}
	return out, nil
}

func get(ctx context.Context, q querier, collection, id string) (ledger.Document, error) {
	row := q.QueryRow(ctx, `SELECT `+selectColumns+` FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Document{}, ledger.ErrDocumentNotFound
	}
	return doc, err
}

func update(ctx context.Context, q querier, collection, id string, expected *int64, partial map[string]any) (ledger.Document, error) {
	partialJSON, err := json.Marshal(partial)
	if err != nil {
		return ledger.Document{}, fmt.Errorf("failed to encode fields: %w", err)
	}

	sql := `UPDATE documents SET fields = fields || $1::jsonb, version = version + 1, updated_at = clock_timestamp()
		WHERE collection = $2 AND id = $3`
	args := []any{string(partialJSON), collection, id}
	if expected != nil {
		sql += ` AND version = $4`
		args = append(args, *expected)
	}
	row := q.QueryRow(ctx, sql+` RETURNING `+selectColumns, args...)
	doc, err := scanDocument(row)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.Document{}, fmt.Errorf("failed to update document: %w", err)
	}
	if _, getErr := get(ctx, q, collection, id); getErr != nil {
		return ledger.Document{}, getErr
	}
	return ledger.Document{}, ledger.ErrVersionConflict
}

func remove(ctx context.Context, q querier, collection, id string, expected *int64) error {
	sql := `DELETE FROM documents WHERE collection = $1 AND id = $2`
	args := []any{collection, id}
	if expected != nil {
		sql += ` AND version = $3`
		args = append(args, *expected)
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := get(ctx, q, collection, id); getErr != nil {
			return getErr
		}
		return ledger.ErrVersionConflict
	}
	if _, err := q.Exec(ctx, `DELETE FROM document_unique_keys WHERE collection = $1 AND doc_id = $2`, collection, id); err != nil {
		return fmt.Errorf("failed to release unique keys: %w", err)
	}
	return nil
}

func query(ctx context.Context, q querier, lq ledger.Query) ([]ledger.Document, error) {
	if err := lq.Validate(); err != nil {
		return nil, err
	}

	var sb strings.Builder
	args := []any{lq.Collection}
	sb.WriteString(`SELECT ` + selectColumns + ` FROM documents WHERE collection = $1`)
	for _, f := range lq.Filters {
		args = append(args, f.Field, f.Value)
		field, value := len(args)-1, len(args)
		switch f.Op {
		case ledger.OpEquals:
			fmt.Fprintf(&sb, ` AND fields->>$%d = $%d`, field, value)
		case ledger.OpContains:
			fmt.Fprintf(&sb, ` AND strpos(lower(fields->>$%d), lower($%d)) > 0`, field, value)
		}
	}
	sb.WriteString(` ORDER BY created_at DESC, seq DESC`)
	if lq.Limit > 0 {
		args = append(args, lq.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}
	if lq.Offset > 0 {
		args = append(args, lq.Offset)
		fmt.Fprintf(&sb, ` OFFSET $%d`, len(args))
	}

	rows, err := q.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	docs := []ledger.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanDocument(row pgx.Row) (ledger.Document, error) {
	var (
		doc                  ledger.Document
		fieldsJSON, keysJSON []byte
	)
	if err := row.Scan(&doc.ID, &doc.Collection, &fieldsJSON, &keysJSON, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return ledger.Document{}, err
	}
	dec := json.NewDecoder(strings.NewReader(string(fieldsJSON)))
	dec.UseNumber()
	if err := dec.Decode(&doc.Fields); err != nil {
		return ledger.Document{}, fmt.Errorf("failed to decode fields: %w", err)
	}
	if doc.Fields == nil {
		doc.Fields = map[string]any{}
	}
	_ = json.Unmarshal(keysJSON, &doc.UniqueKeys)
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
