// Package storetest holds the behavioural contract every Document Store
// backend must satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendfund/backend/ledger"
)

// Factory returns an empty store. Cleanup is the caller's job (t.Cleanup).
type Factory func(t *testing.T) ledger.TxStore

// Run executes the contract suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newStore(t)) })
	t.Run("UniqueKeys", func(t *testing.T) { testUniqueKeys(t, newStore(t)) })
	t.Run("UpdateIf", func(t *testing.T) { testUpdateIf(t, newStore(t)) })
	t.Run("DeleteIf", func(t *testing.T) { testDeleteIf(t, newStore(t)) })
	t.Run("Query", func(t *testing.T) { testQuery(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("ConcurrentUniqueInsert", func(t *testing.T) { testConcurrentUniqueInsert(t, newStore(t)) })
}

func testInsertAndGet(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	doc, err := s.Insert(ctx, ledger.Document{
		ID:         "c1",
		Collection: ledger.CollectionCampaigns,
		Fields:     map[string]any{"title": "Rent", "hostId": "h1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.False(t, doc.CreatedAt.IsZero())

	got, err := s.GetByID(ctx, ledger.CollectionCampaigns, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Rent", got.Fields["title"])
	assert.Equal(t, int64(1), got.Version)

	_, err = s.GetByID(ctx, ledger.CollectionCampaigns, "missing")
	assert.True(t, errors.Is(err, ledger.ErrDocumentNotFound))

	_, err = s.GetByID(ctx, ledger.CollectionContributions, "c1")
	assert.True(t, errors.Is(err, ledger.ErrDocumentNotFound), "ids are scoped per collection")
}

func testUniqueKeys(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	_, err := s.Insert(ctx, ledger.Document{ID: "k1", Collection: ledger.CollectionContributions, UniqueKeys: []string{"utr:c1:111"}})
	require.NoError(t, err)

	_, err = s.Insert(ctx, ledger.Document{ID: "k2", Collection: ledger.CollectionContributions, UniqueKeys: []string{"utr:c1:111"}})
	assert.True(t, errors.Is(err, ledger.ErrDuplicateKey))

	_, err = s.GetByID(ctx, ledger.CollectionContributions, "k2")
	assert.True(t, errors.Is(err, ledger.ErrDocumentNotFound), "rejected insert leaves nothing behind")

	_, err = s.Insert(ctx, ledger.Document{ID: "k3", Collection: ledger.CollectionContributions, UniqueKeys: []string{"utr:c2:111"}})
	assert.NoError(t, err)

	_, err = s.Insert(ctx, ledger.Document{ID: "k1", Collection: ledger.CollectionContributions})
	assert.True(t, errors.Is(err, ledger.ErrDuplicateKey), "duplicate id")
}

func testUpdateIf(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	_, err := s.Insert(ctx, ledger.Document{ID: "u1", Collection: ledger.CollectionCampaigns, Fields: map[string]any{"status": "active", "title": "x"}})
	require.NoError(t, err)

	doc, err := s.UpdateIf(ctx, ledger.CollectionCampaigns, "u1", 1, map[string]any{"status": "completed"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, "completed", doc.Fields["status"])
	assert.Equal(t, "x", doc.Fields["title"], "partial update keeps other fields")

	_, err = s.UpdateIf(ctx, ledger.CollectionCampaigns, "u1", 1, map[string]any{"status": "closed"})
	assert.True(t, errors.Is(err, ledger.ErrVersionConflict))

	got, err := s.GetByID(ctx, ledger.CollectionCampaigns, "u1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Fields["status"])

	_, err = s.UpdateIf(ctx, ledger.CollectionCampaigns, "missing", 1, map[string]any{"status": "closed"})
	assert.True(t, errors.Is(err, ledger.ErrDocumentNotFound))

	doc, err = s.Update(ctx, ledger.CollectionCampaigns, "u1", map[string]any{"title": "y"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.Version)
}

func testDeleteIf(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	_, err := s.Insert(ctx, ledger.Document{ID: "d1", Collection: ledger.CollectionUsers, UniqueKeys: []string{"email:a@b.c"}})
	require.NoError(t, err)

	assert.True(t, errors.Is(s.DeleteIf(ctx, ledger.CollectionUsers, "d1", 7), ledger.ErrVersionConflict))
	require.NoError(t, s.DeleteIf(ctx, ledger.CollectionUsers, "d1", 1))
	assert.True(t, errors.Is(s.Delete(ctx, ledger.CollectionUsers, "d1"), ledger.ErrDocumentNotFound))

	_, err = s.Insert(ctx, ledger.Document{ID: "d2", Collection: ledger.CollectionUsers, UniqueKeys: []string{"email:a@b.c"}})
	assert.NoError(t, err, "delete releases unique keys")
}

func testQuery(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	for i, title := range []string{"Medical bills", "School books", "Medical travel"} {
		_, err := s.Insert(ctx, ledger.Document{
			ID:         fmt.Sprintf("q%d", i),
			Collection: ledger.CollectionCampaigns,
			Fields:     map[string]any{"title": title, "hostId": "h1", "purpose": "other"},
		})
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, ledger.Document{ID: "other", Collection: ledger.CollectionCampaigns, Fields: map[string]any{"title": "Medical", "hostId": "h2"}})
	require.NoError(t, err)

	docs, err := s.Query(ctx, ledger.NewQuery(ledger.CollectionCampaigns).Where("hostId", "h1"))
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "q2", docs[0].ID, "newest first")
	assert.Equal(t, "q0", docs[2].ID)

	docs, err = s.Query(ctx, ledger.NewQuery(ledger.CollectionCampaigns).Where("hostId", "h1").Contains("title", "medical"))
	require.NoError(t, err)
	require.Len(t, docs, 2)

	docs, err = s.Query(ctx, ledger.NewQuery(ledger.CollectionCampaigns).Where("hostId", "h1").Page(1, 1))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "q1", docs[0].ID)

	docs, err = s.Query(ctx, ledger.NewQuery(ledger.CollectionCampaigns).Where("hostId", "nobody"))
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = s.Query(ctx, ledger.NewQuery(ledger.CollectionCampaigns).Contains("title", "%"))
	require.NoError(t, err)
	assert.Empty(t, docs, "contains is literal")

	_, err = s.Query(ctx, ledger.NewQuery(ledger.CollectionCampaigns).Where("title'; DROP", "x"))
	assert.True(t, errors.Is(err, ledger.ErrInvalidArgument))
}

func testTxRollback(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	_, err := s.Insert(ctx, ledger.Document{ID: "t1", Collection: ledger.CollectionCampaigns, Fields: map[string]any{"collectedAmount": "0.00"}})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx ledger.Store) error {
		if _, err := tx.Insert(ctx, ledger.Document{ID: "t2", Collection: ledger.CollectionContributions, UniqueKeys: []string{"utr:t1:1"}}); err != nil {
			return err
		}
		if _, err := tx.UpdateIf(ctx, ledger.CollectionCampaigns, "t1", 1, map[string]any{"collectedAmount": "5.00"}); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	_, err = s.GetByID(ctx, ledger.CollectionContributions, "t2")
	assert.True(t, errors.Is(err, ledger.ErrDocumentNotFound))
	got, err := s.GetByID(ctx, ledger.CollectionCampaigns, "t1")
	require.NoError(t, err)
	assert.Equal(t, "0.00", got.Fields["collectedAmount"])
	assert.Equal(t, int64(1), got.Version)

	// The unique key was released with the rollback.
	_, err = s.Insert(ctx, ledger.Document{ID: "t3", Collection: ledger.CollectionContributions, UniqueKeys: []string{"utr:t1:1"}})
	assert.NoError(t, err)

	err = s.WithTx(ctx, func(tx ledger.Store) error {
		_, err := tx.UpdateIf(ctx, ledger.CollectionCampaigns, "t1", 1, map[string]any{"collectedAmount": "7.00"})
		return err
	})
	require.NoError(t, err)
	got, err = s.GetByID(ctx, ledger.CollectionCampaigns, "t1")
	require.NoError(t, err)
	assert.Equal(t, "7.00", got.Fields["collectedAmount"])
}

func testConcurrentUniqueInsert(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	const n = 10

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Insert(ctx, ledger.Document{
				ID:         fmt.Sprintf("race-%d", i),
				Collection: ledger.CollectionContributions,
				UniqueKeys: []string{"utr:race:1"},
			})
			if err == nil {
				mu.Lock()
				inserted++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ledger.ErrDuplicateKey), "unexpected error: %v", err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)
}
