package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/tracekeeper/pkg/config"
	"github.com/ethpandaops/tracekeeper/pkg/database"
	"github.com/ethpandaops/tracekeeper/pkg/store"
)

// openStore connects to the configured database. The caller closes the
// returned database.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, *database.DB, error) {
	db, err := database.Open(ctx, log, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	return store.New(log, db), db, nil
}
