/*
Package mongo provides a MongoDB-backed Document Store.

PURPOSE:
  Implements ledger.TxStore on MongoDB. Each ledger collection maps to a
  Mongo collection; domain fields live under the "fields" sub-document.

UNIQUENESS:
  Documents carrying unique keys store them in the "uniqueKeys" array. A
  unique multikey index (partial on uniqueKeys existing) rejects a second
  document holding the same key: mongo.IsDuplicateKeyError -> ErrDuplicateKey.

TRANSACTIONS:
  WithTx runs fn inside session.WithTransaction. Multi-document transactions
  need a replica set (a single-node replica set is enough for development).
  Operations issued through the tx view always use the session context.

COMPARE-AND-SET:
  FindOneAndUpdate with {_id, version} as the filter and $inc on version.

SEE ALSO:
  - ledger/store.go: Interface definitions
*/
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/friendfund/backend/ledger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store implements ledger.TxStore using MongoDB.
type Store struct {
	client  *mongo.Client
	db      *mongo.Database
	indexed sync.Map // collection name -> struct{}
}

type record struct {
	ID         string    `bson:"_id"`
	Fields     bson.M    `bson:"fields"`
	UniqueKeys []string  `bson:"uniqueKeys,omitempty"`
	Version    int64     `bson:"version"`
	CreatedAt  time.Time `bson:"createdAt"`
	UpdatedAt  time.Time `bson:"updatedAt"`
}

// New connects to uri and uses database.
func New(ctx context.Context, uri, database string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping: %w", err)
	}
	s := &Store{client: client, db: client.Database(database)}
	for _, c := range []string{ledger.CollectionCampaigns, ledger.CollectionContributions, ledger.CollectionRepayments, ledger.CollectionUsers, ledger.CollectionGatewayPayments} {
		if err := s.ensureIndexes(ctx, c); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
	}
	return s, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Drop removes the whole database. Test databases only.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context, collection string) error {
	if _, done := s.indexed.Load(collection); done {
		return nil
	}
	_, err := s.db.Collection(collection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "uniqueKeys", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"uniqueKeys": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "fields.campaignId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes on %s: %w", collection, err)
	}
	s.indexed.Store(collection, struct{}{})
	return nil
}

// =============================================================================
// DOCUMENT STORE (ledger.Store interface)
// =============================================================================

func (s *Store) Insert(ctx context.Context, doc ledger.Document) (ledger.Document, error) {
	if err := s.ensureIndexes(ctx, doc.Collection); err != nil {
		return ledger.Document{}, err
	}
	return s.insert(ctx, doc)
}

func (s *Store) GetByID(ctx context.Context, collection, id string) (ledger.Document, error) {
	return s.get(ctx, collection, id)
}

func (s *Store) Update(ctx context.Context, collection, id string, partial map[string]any) (ledger.Document, error) {
	return s.update(ctx, collection, id, nil, partial)
}

func (s *Store) UpdateIf(ctx context.Context, collection, id string, expectedVersion int64, partial map[string]any) (ledger.Document, error) {
	return s.update(ctx, collection, id, &expectedVersion, partial)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.remove(ctx, collection, id, nil)
}

func (s *Store) DeleteIf(ctx context.Context, collection, id string, expectedVersion int64) error {
	return s.remove(ctx, collection, id, &expectedVersion)
}

func (s *Store) Query(ctx context.Context, q ledger.Query) ([]ledger.Document, error) {
	return s.query(ctx, q)
}

// WithTx executes fn in a multi-document transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(&txStore{parent: s, sc: sc})
	})
	return err
}

type txStore struct {
	parent *Store
	sc     mongo.SessionContext
}

func (ts *txStore) Insert(_ context.Context, doc ledger.Document) (ledger.Document, error) {
	return ts.parent.insert(ts.sc, doc)
}

func (ts *txStore) GetByID(_ context.Context, collection, id string) (ledger.Document, error) {
	return ts.parent.get(ts.sc, collection, id)
}

func (ts *txStore) Update(_ context.Context, collection, id string, partial map[string]any) (ledger.Document, error) {
	return ts.parent.update(ts.sc, collection, id, nil, partial)
}

func (ts *txStore) UpdateIf(_ context.Context, collection, id string, expectedVersion int64, partial map[string]any) (ledger.Document, error) {
	return ts.parent.update(ts.sc, collection, id, &expectedVersion, partial)
}

func (ts *txStore) Delete(_ context.Context, collection, id string) error {
	return ts.parent.remove(ts.sc, collection, id, nil)
}

func (ts *txStore) DeleteIf(_ context.Context, collection, id string, expectedVersion int64) error {
	return ts.parent.remove(ts.sc, collection, id, &expectedVersion)
}

func (ts *txStore) Query(_ context.Context, q ledger.Query) ([]ledger.Document, error) {
	return ts.parent.query(ts.sc, q)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func (s *Store) insert(ctx context.Context, doc ledger.Document) (ledger.Document, error) {
	if doc.ID == "" || doc.Collection == "" {
		return ledger.Document{}, fmt.Errorf("%w: document id and collection are required", ledger.ErrInvalidArgument)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := record{
		ID:         doc.ID,
		Fields:     bson.M(doc.Fields),
		UniqueKeys: doc.UniqueKeys,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if rec.Fields == nil {
		rec.Fields = bson.M{}
	}
	if _, err := s.db.Collection(doc.Collection).InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ledger.Document{}, ledger.ErrDuplicateKey
		}
		return ledger.Document{}, fmt.Errorf("failed to insert document: %w", err)
	}
	return toDocument(doc.Collection, rec), nil
}

func (s *Store) get(ctx context.Context, collection, id string) (ledger.Document, error) {
	var rec record
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ledger.Document{}, ledger.ErrDocumentNotFound
	}
	if err != nil {
		return ledger.Document{}, fmt.Errorf("failed to load document: %w", err)
	}
	return toDocument(collection, rec), nil
}

func (s *Store) update(ctx context.Context, collection, id string, expected *int64, partial map[string]any) (ledger.Document, error) {
	set := bson.M{"updatedAt": time.Now().UTC()}
	for k, v := range partial {
		set["fields."+k] = v
	}
	filter := bson.M{"_id": id}
	if expected != nil {
		filter["version"] = *expected
	}

	var rec record
	err := s.db.Collection(collection).FindOneAndUpdate(ctx, filter,
		bson.M{"$set": set, "$inc": bson.M{"version": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&rec)
	if err == nil {
		return toDocument(collection, rec), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return ledger.Document{}, fmt.Errorf("failed to update document: %w", err)
	}
	if _, getErr := s.get(ctx, collection, id); getErr != nil {
		return ledger.Document{}, getErr
	}
	return ledger.Document{}, ledger.ErrVersionConflict
}

func (s *Store) remove(ctx context.Context, collection, id string, expected *int64) error {
	filter := bson.M{"_id": id}
	if expected != nil {
		filter["version"] = *expected
	}
	res, err := s.db.Collection(collection).DeleteOne(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if res.DeletedCount == 0 {
		if _, getErr := s.get(ctx, collection, id); getErr != nil {
			return getErr
		}
		return ledger.ErrVersionConflict
	}
	return nil
}

func (s *Store) query(ctx context.Context, q ledger.Query) ([]ledger.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	filter := bson.M{}
	for _, f := range q.Filters {
		key := "fields." + f.Field
		switch f.Op {
		case ledger.OpEquals:
			filter[key] = f.Value
		case ledger.OpContains:
			filter[key] = primitive.Regex{Pattern: regexp.QuoteMeta(f.Value), Options: "i"}
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	if q.Offset > 0 {
		opts.SetSkip(int64(q.Offset))
	}

	cursor, err := s.db.Collection(q.Collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer cursor.Close(ctx)

	docs := []ledger.Document{}
	for cursor.Next(ctx) {
		var rec record
		if err := cursor.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		docs = append(docs, toDocument(q.Collection, rec))
	}
	return docs, cursor.Err()
}

func toDocument(collection string, rec record) ledger.Document {
	fields := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		fields[k] = v
	}
	return ledger.Document{
		ID:         rec.ID,
		Collection: collection,
		Fields:     fields,
		UniqueKeys: rec.UniqueKeys,
		Version:    rec.Version,
		CreatedAt:  rec.CreatedAt.UTC(),
		UpdatedAt:  rec.UpdatedAt.UTC(),
	}
}
