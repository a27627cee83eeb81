/*
store.go - Document Store contract and structured query builder

PURPOSE:
  Defines the narrow interface between the ledger and durable storage.
  All Campaign, Contribution, Repayment and User persistence goes through
  it. Implementations exist for memory, SQLite, PostgreSQL and MongoDB.

KEY INTERFACES:
  Store:   insert / get / update / conditional update / delete / query
  TxStore: Store + WithTx for units of work that must commit together

VERSIONING:
  Every write bumps Document.Version. UpdateIf and DeleteIf are
  compare-and-set operations: they fail with ErrVersionConflict when the
  stored version no longer matches the version the caller read.

UNIQUE KEYS:
  A document may declare UniqueKeys. The store refuses an Insert whose key is
  already held by another document in the same collection (ErrDuplicateKey).
  This is the storage-level guarantee that closes the check-then-insert race
  on (campaign, payment reference).

QUERIES:
  Queries are built from typed filters, never from strings:

    q := ledger.NewQuery(CollectionContributions).
        Where("campaignId", id).
        Page(20, 0)

  Field names are validated, operand values are always bound parameters,
  and ordering is fixed to creation time descending.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: Embedded default
  - store/postgres/postgres.go: JSONB documents
  - store/mongo/mongo.go: Native documents

SEE ALSO:
  - repository.go: Maps domain types to documents
  - service.go: Units of work built on WithTx
*/
package ledger

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Collection names.
const (
	CollectionCampaigns     = "campaigns"
	CollectionContributions = "contributions"
	CollectionRepayments    = "repayments"
	CollectionUsers         = "users"

	// CollectionGatewayPayments holds one marker per consumed gateway payment.
	CollectionGatewayPayments = "gateway_payments"
)

// =============================================================================
// DOCUMENT
// =============================================================================

// Document is the unit of storage. Filterable fields hold string values.
type Document struct {
	ID         string
	Collection string
	Fields     map[string]any
	UniqueKeys []string
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// STORE
// =============================================================================

// Store is the Document Store collaborator.
type Store interface {
	// Insert persists a new document at version 1. Fails with ErrDuplicateKey
	// if the id or any unique key is already taken in the collection.
	Insert(ctx context.Context, doc Document) (Document, error)

	// GetByID returns ErrDocumentNotFound when absent.
	GetByID(ctx context.Context, collection, id string) (Document, error)

	// Update merges partial into the stored fields unconditionally.
	Update(ctx context.Context, collection, id string, partial map[string]any) (Document, error)

	// UpdateIf merges partial only if the stored version equals expectedVersion.
	UpdateIf(ctx context.Context, collection, id string, expectedVersion int64, partial map[string]any) (Document, error)

	// Delete removes the document and releases its unique keys.
	Delete(ctx context.Context, collection, id string) error

	// DeleteIf removes the document only if the stored version equals expectedVersion.
	DeleteIf(ctx context.Context, collection, id string, expectedVersion int64) error

	// Query returns matching documents, newest first.
	Query(ctx context.Context, q Query) ([]Document, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// QUERY BUILDER
// =============================================================================

// FilterOp is the kind of comparison a filter performs.
type FilterOp string

const (
	// OpEquals matches an exact, case-sensitive string value.
	OpEquals FilterOp = "eq"
	// OpContains matches a case-insensitive substring.
	OpContains FilterOp = "contains"
)

// Filter is a single typed predicate on a document field.
type Filter struct {
	Field string
	Op    FilterOp
	Value string
}

// Query describes a collection scan. Ordering is CreatedAt desc, then insertion
// order where the backend tracks one (ID otherwise).
// Limit 0 means no limit.
type Query struct {
	Collection string
	Filters    []Filter
	Limit      int
	Offset     int
}

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// NewQuery starts a query on collection.
func NewQuery(collection string) Query {
	return Query{Collection: collection}
}

// Where adds an equality filter.
func (q Query) Where(field, value string) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: OpEquals, Value: value})
	return q
}

// Contains adds a case-insensitive substring filter.
func (q Query) Contains(field, text string) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: OpContains, Value: text})
	return q
}

// Page sets limit and offset.
func (q Query) Page(limit, offset int) Query {
	q.Limit = limit
	q.Offset = offset
	return q
}

// Validate rejects queries that a backend must not execute.
func (q Query) Validate() error {
	if q.Collection == "" || !fieldNamePattern.MatchString(q.Collection) {
		return fmt.Errorf("%w: bad collection %q", ErrInvalidArgument, q.Collection)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return fmt.Errorf("%w: negative limit or offset", ErrInvalidArgument)
	}
	for _, f := range q.Filters {
		if !fieldNamePattern.MatchString(f.Field) {
			return fmt.Errorf("%w: bad filter field %q", ErrInvalidArgument, f.Field)
		}
		if f.Op != OpEquals && f.Op != OpContains {
			return fmt.Errorf("%w: unknown filter op %q", ErrInvalidArgument, f.Op)
		}
	}
	return nil
}
