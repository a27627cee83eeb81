package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendfund/backend/ledger"
	"github.com/friendfund/backend/ledger/storetest"
	"github.com/friendfund/backend/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore {
		return newTestStore(t)
	})
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "friendfund.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	_, err = s.Insert(ctx, ledger.Document{
		ID:         "c1",
		Collection: ledger.CollectionCampaigns,
		Fields:     map[string]any{"title": "Rent", "contributionCount": 3},
		UniqueKeys: []string{"utr:c1:1"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	got, err := s.GetByID(ctx, ledger.CollectionCampaigns, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Rent", got.Fields["title"])
	assert.Equal(t, []string{"utr:c1:1"}, got.UniqueKeys)

	_, err = s.Insert(ctx, ledger.Document{ID: "c2", Collection: ledger.CollectionCampaigns, UniqueKeys: []string{"utr:c1:1"}})
	assert.ErrorIs(t, err, ledger.ErrDuplicateKey)
}

func TestSQLite_Ping(t *testing.T) {
	assert.NoError(t, newTestStore(t).Ping(context.Background()))
}
