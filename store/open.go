// Package store selects a Document Store backend by driver name.
package store

import (
	"context"
	"fmt"
	"log"

	"github.com/friendfund/backend/ledger"
	memstore "github.com/friendfund/backend/ledger/store"
	"github.com/friendfund/backend/store/mongo"
	"github.com/friendfund/backend/store/postgres"
	"github.com/friendfund/backend/store/sqlite"
)

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Options locate the backend.
type Options struct {
	Driver        string
	SQLitePath    string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
}

// Backend is an opened Document Store.
type Backend struct {
	ledger.TxStore
	Driver string

	ping  func(ctx context.Context) error
	close func() error
}

// Ping checks the backend connection. The memory store is always up.
func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases the connection.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open connects to the configured backend.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	switch opts.Driver {
	case DriverMemory:
		log.Printf("level=warn component=store msg=\"using in-memory store; data is lost on restart\"")
		return &Backend{TxStore: memstore.NewTxMemory(), Driver: DriverMemory}, nil

	case DriverSQLite, "":
		path := opts.SQLitePath
		if path == "" {
			path = "friendfund.db"
		}
		s, err := sqlite.New(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", path, err)
		}
		log.Printf("level=info component=store msg=\"sqlite store opened\" path=%s", path)
		return &Backend{TxStore: s, Driver: DriverSQLite, ping: s.Ping, close: s.Close}, nil

	case DriverPostgres:
		s, err := postgres.New(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Printf("level=info component=store msg=\"postgres store opened\"")
		return &Backend{TxStore: s, Driver: DriverPostgres, ping: s.Ping, close: s.Close}, nil

	case DriverMongo:
		s, err := mongo.New(ctx, opts.MongoURI, opts.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		log.Printf("level=info component=store msg=\"mongo store opened\" database=%s", opts.MongoDatabase)
		return &Backend{TxStore: s, Driver: DriverMongo, ping: s.Ping, close: s.Close}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
}
