/*
Package sqlite provides a SQLite-backed implementation of the Document Store.

PURPOSE:
  Implements ledger.TxStore on an embedded SQLite database. This is the
  default backend for a single-node deployment and for API tests.

KEY TABLES:
  documents:   one row per document, fields serialized as JSON
  unique_keys: (collection, key) primary key -> owning document id

UNIQUENESS:
  Inserting a document writes its unique keys in the same transaction. The
  primary key on unique_keys makes a second insert of the same
  "utr:{campaign}:{reference}" fail with a UNIQUE constraint error, which is
  reported as ledger.ErrDuplicateKey.

COMPARE-AND-SET:
  UpdateIf / DeleteIf add "AND version = ?" and report
  ledger.ErrVersionConflict when no row matched.

QUERIES:
  Filters compile to json_extract(fields_json, ?) with the JSON path and the
  operand both bound as parameters. Ordering: created_at DESC, seq DESC.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection so that
  ":memory:" databases are shared by every call. WithTx holds the write lock
  for the whole transaction.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/friendfund.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, ledger.DefaultConfig())

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/friendfund/backend/ledger"
	"github.com/mattn/go-sqlite3"
)

// timeLayout sorts lexicographically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		fields_json TEXT NOT NULL,
		unique_keys_json TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(collection, id)
	);

	-- Hot path: newest-first listing per collection
	CREATE INDEX IF NOT EXISTS idx_documents_collection_created
		ON documents(collection, created_at DESC, seq DESC);

	-- Contributions and repayments by campaign
	CREATE INDEX IF NOT EXISTS idx_documents_campaign
		ON documents(collection, json_extract(fields_json, '$.campaignId'));

	-- CRITICAL: one owner per (collection, unique key), e.g. utr per campaign
	CREATE TABLE IF NOT EXISTS unique_keys (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		PRIMARY KEY (collection, key)
	);

	CREATE INDEX IF NOT EXISTS idx_unique_keys_doc
		ON unique_keys(collection, doc_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// DOCUMENT STORE (ledger.Store interface)
// =============================================================================

func (s *Store) Insert(ctx context.Context, doc ledger.Document) (ledger.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out ledger.Document
	err := s.inTx(ctx, func(q querier) error {
		var err error
		out, err = s.insert(ctx, q, doc)
		return err
	})
	return out, err
}

func (s *Store) GetByID(ctx context.Context, collection, id string) (ledger.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, s.db, collection, id)
}

func (s *Store) Update(ctx context.Context, collection, id string, partial map[string]any) (ledger.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, s.db, collection, id, nil, partial)
}

func (s *Store) UpdateIf(ctx context.Context, collection, id string, expectedVersion int64, partial map[string]any) (ledger.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, s.db, collection, id, &expectedVersion, partial)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q querier) error {
		return s.delete(ctx, q, collection, id, nil)
	})
}

func (s *Store) DeleteIf(ctx context.Context, collection, id string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q querier) error {
		return s.delete(ctx, q, collection, id, &expectedVersion)
	})
}

func (s *Store) Query(ctx context.Context, q ledger.Query) ([]ledger.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query(ctx, s.db, q)
}

// =============================================================================
// STATEMENTS
// =============================================================================

func (s *Store) insert(ctx context.Context, q querier, doc ledger.Document) (ledger.Document, error) {
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
	now := s.now()

	_, err = q.ExecContext(ctx, `
		INSERT INTO documents (collection, id, fields_json, unique_keys_json, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
	`, doc.Collection, doc.ID, string(fieldsJSON), string(keysJSON), now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Document{}, ledger.ErrDuplicateKey
		}
		return ledger.Document{}, fmt.Errorf("failed to insert document: %w", err)
	}

	for _, k := range keys {
		_, err := q.ExecContext(ctx, `
			INSERT INTO unique_keys (collection, key, doc_id) VALUES (?, ?, ?)
		`, doc.Collection, k, doc.ID)
		if err != nil {
			if isUniqueConstraintError(err) {
				return ledger.Document{}, ledger.ErrDuplicateKey
			}
			return ledger.Document{}, fmt.Errorf("failed to insert unique key: %w", err)
		}
	}

	return s.get(ctx, q, doc.Collection, doc.ID)
}

func (s *Store) get(ctx context.Context, q querier, collection, id string) (ledger.Document, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, collection, fields_json, unique_keys_json, version, created_at, updated_at
		FROM documents WHERE collection = ? AND id = ?
	`, collection, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return ledger.Document{}, ledger.ErrDocumentNotFound
	}
	return doc, err
}

func (s *Store) update(ctx context.Context, q querier, collection, id string, expected *int64, partial map[string]any) (ledger.Document, error) {
	current, err := s.get(ctx, q, collection, id)
	if err != nil {
		return ledger.Document{}, err
	}
	if expected != nil && current.Version != *expected {
		return ledger.Document{}, ledger.ErrVersionConflict
	}
	for k, v := range partial {
		current.Fields[k] = v
	}
	fieldsJSON, err := json.Marshal(current.Fields)
	if err != nil {
		return ledger.Document{}, fmt.Errorf("failed to encode fields: %w", err)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE documents SET fields_json = ?, version = version + 1, updated_at = ?
		WHERE collection = ? AND id = ? AND version = ?
	`, string(fieldsJSON), s.now().Format(timeLayout), collection, id, current.Version)
	if err != nil {
		return ledger.Document{}, fmt.Errorf("failed to update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.Document{}, ledger.ErrVersionConflict
	}
	return s.get(ctx, q, collection, id)
}

func (s *Store) delete(ctx context.Context, q querier, collection, id string, expected *int64) error {
	current, err := s.get(ctx, q, collection, id)
	if err != nil {
		return err
	}
	if expected != nil && current.Version != *expected {
		return ledger.ErrVersionConflict
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM unique_keys WHERE collection = ? AND doc_id = ?`, collection, id); err != nil {
		return fmt.Errorf("failed to release unique keys: %w", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, q querier, lq ledger.Query) ([]ledger.Document, error) {
	if err := lq.Validate(); err != nil {
		return nil, err
	}

	var sb strings.Builder
	args := []any{lq.Collection}
	sb.WriteString(`
		SELECT id, collection, fields_json, unique_keys_json, version, created_at, updated_at
		FROM documents WHERE collection = ?`)
	for _, f := range lq.Filters {
		path := "$." + f.Field
		switch f.Op {
		case ledger.OpEquals:
			sb.WriteString(` AND json_extract(fields_json, ?) = ?`)
		case ledger.OpContains:
			sb.WriteString(` AND instr(lower(json_extract(fields_json, ?)), lower(?)) > 0`)
		}
		args = append(args, path, f.Value)
	}
	sb.WriteString(` ORDER BY created_at DESC, seq DESC`)
	if lq.Limit > 0 || lq.Offset > 0 {
		limit := lq.Limit
		if limit == 0 {
			limit = -1
		}
		sb.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, limit, lq.Offset)
	}

	rows, err := q.QueryContext(ctx, sb.String(), args...)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (ledger.Document, error) {
	var (
		doc                  ledger.Document
		fieldsJSON, keysJSON string
		createdAt, updatedAt string
	)
	if err := row.Scan(&doc.ID, &doc.Collection, &fieldsJSON, &keysJSON, &doc.Version, &createdAt, &updatedAt); err != nil {
		return ledger.Document{}, err
	}
	dec := json.NewDecoder(strings.NewReader(fieldsJSON))
	dec.UseNumber()
	if err := dec.Decode(&doc.Fields); err != nil {
		return ledger.Document{}, fmt.Errorf("failed to decode fields: %w", err)
	}
	if doc.Fields == nil {
		doc.Fields = map[string]any{}
	}
	_ = json.Unmarshal([]byte(keysJSON), &doc.UniqueKeys)
	doc.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	doc.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return doc, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// inTx runs fn in its own transaction. Caller holds mu.
func (s *Store) inTx(ctx context.Context, fn func(querier) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(q querier) error {
		return fn(&txStore{q: q, parent: s})
	})
}

type txStore struct {
	q      querier
	parent *Store
}

func (ts *txStore) Insert(ctx context.Context, doc ledger.Document) (ledger.Document, error) {
	return ts.parent.insert(ctx, ts.q, doc)
}

func (ts *txStore) GetByID(ctx context.Context, collection, id string) (ledger.Document, error) {
	return ts.parent.get(ctx, ts.q, collection, id)
}

func (ts *txStore) Update(ctx context.Context, collection, id string, partial map[string]any) (ledger.Document, error) {
	return ts.parent.update(ctx, ts.q, collection, id, nil, partial)
}

func (ts *txStore) UpdateIf(ctx context.Context, collection, id string, expectedVersion int64, partial map[string]any) (ledger.Document, error) {
	return ts.parent.update(ctx, ts.q, collection, id, &expectedVersion, partial)
}

func (ts *txStore) Delete(ctx context.Context, collection, id string) error {
	return ts.parent.delete(ctx, ts.q, collection, id, nil)
}

func (ts *txStore) DeleteIf(ctx context.Context, collection, id string, expectedVersion int64) error {
	return ts.parent.delete(ctx, ts.q, collection, id, &expectedVersion)
}

func (ts *txStore) Query(ctx context.Context, q ledger.Query) ([]ledger.Document, error) {
	return ts.parent.query(ctx, ts.q, q)
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
