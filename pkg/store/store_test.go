package store_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/tracekeeper/pkg/config"
	"github.com/ethpandaops/tracekeeper/pkg/database"
	"github.com/ethpandaops/tracekeeper/pkg/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	db, err := database.Open(context.Background(), log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return store.New(log, db)
}

func strPtr(s string) *string { return &s }

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func createRun(t *testing.T, s *store.Store, p store.RunPayload) *store.Run {
	t.Helper()

	run, err := s.Runs.Create(context.Background(), &p)
	require.NoError(t, err)

	return run
}
