package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendfund/backend/ledger"
	"github.com/friendfund/backend/store"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		b, err := store.Open(ctx, store.Options{Driver: store.DriverMemory})
		require.NoError(t, err)
		defer b.Close()
		assert.NoError(t, b.Ping(ctx))
	})

	t.Run("sqlite", func(t *testing.T) {
		b, err := store.Open(ctx, store.Options{Driver: store.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "ff.db")})
		require.NoError(t, err)
		defer b.Close()
		assert.NoError(t, b.Ping(ctx))

		_, err = b.Insert(ctx, ledger.Document{ID: "u1", Collection: ledger.CollectionUsers, Fields: map[string]any{"name": "Asha"}})
		assert.NoError(t, err)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := store.Open(ctx, store.Options{Driver: "cassandra"})
		assert.Error(t, err)
	})
}
