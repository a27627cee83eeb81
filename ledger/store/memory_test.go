package store_test

import (
	"testing"

	"github.com/friendfund/backend/ledger"
	"github.com/friendfund/backend/ledger/store"
	"github.com/friendfund/backend/ledger/storetest"
)

func TestTxMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore {
		return store.NewTxMemory()
	})
}
