// Command ledgerctl runs ledger maintenance by hand: the conservation audit,
// the overdue-loan sweep and campaign inspection.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/friendfund/backend/config"
	"github.com/friendfund/backend/events"
	"github.com/friendfund/backend/ledger"
	"github.com/friendfund/backend/store"
)

var Version = "dev"

// opener builds a service and a release func.
type opener func(ctx context.Context) (*ledger.Service, func(), error)

func main() {
	var configDir string
	root := newRootCmd(func(ctx context.Context) (*ledger.Service, func(), error) {
		return openService(ctx, configDir)
	})
	root.PersistentFlags().StringVar(&configDir, "config", ".", "directory holding the .env file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(open opener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "ledgerctl - FriendFund ledger maintenance",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(auditCmd(open))
	rootCmd.AddCommand(sweepCmd(open))
	rootCmd.AddCommand(campaignCmd(open))
	return rootCmd
}

func openService(ctx context.Context, configDir string) (*ledger.Service, func(), error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, nil, err
	}
	backend, err := store.Open(ctx, store.Options{
		Driver:        cfg.StoreDriver,
		SQLitePath:    cfg.SQLitePath,
		DatabaseURL:   cfg.DatabaseURL,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
	})
	if err != nil {
		return nil, nil, err
	}
	publisher := events.Connect(cfg.RabbitMQURL, cfg.EventsExchange)
	svc := ledger.NewService(backend, cfg.LedgerConfig(), ledger.WithNotifier(publisher))
	return svc, func() {
		publisher.Close()
		backend.Close()
	}, nil
}
