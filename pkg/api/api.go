package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/tracekeeper/pkg/apikey"
	"github.com/ethpandaops/tracekeeper/pkg/blobstore"
	"github.com/ethpandaops/tracekeeper/pkg/config"
	"github.com/ethpandaops/tracekeeper/pkg/database"
	"github.com/ethpandaops/tracekeeper/pkg/ingest"
	"github.com/ethpandaops/tracekeeper/pkg/rollup"
	"github.com/ethpandaops/tracekeeper/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	db         *database.DB
	store      *store.Store
	blobs      blobstore.Store
	processor  *ingest.Processor
	keys       *apikey.Cache
	rollup     rollup.Service
	maxBody    int64
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.Config) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start opens the database, wires the ingestion pipeline and starts the
// HTTP server followed by the background services.
func (s *server) Start(ctx context.Context) error {
	db, err := database.Open(ctx, s.log, &s.cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.wire(db); err != nil {
		return err
	}

	s.keys.Start()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithFields(logrus.Fields{
			"listen":  s.cfg.Server.Listen,
			"storage": s.blobs.Backend(),
		}).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	// The first roll-up pass may be slow; run it once the server is
	// reachable.
	if s.rollup != nil {
		if err := s.rollup.Start(ctx); err != nil {
			return fmt.Errorf("starting rollup: %w", err)
		}
	}

	return nil
}

// wire builds everything the router depends on from an open database.
func (s *server) wire(db *database.DB) error {
	s.db = db
	s.store = store.New(s.log, db)

	blobs, err := blobstore.New(s.log, &s.cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating attachment storage: %w", err)
	}

	s.blobs = blobs

	processor, err := ingest.NewProcessor(s.log, &s.cfg.Ingest, s.store, blobs)
	if err != nil {
		return fmt.Errorf("creating ingest processor: %w", err)
	}

	s.processor = processor

	maxBody, err := s.cfg.Ingest.MaxBodyBytes()
	if err != nil {
		return err
	}

	s.maxBody = maxBody
	s.keys = apikey.New(s.log, s.store.Systems, s.cfg.Cache.TTL, s.cfg.Cache.SweepInterval)

	if s.cfg.Rollup.Enabled {
		s.rollup = rollup.New(s.log, s.store.Stats, s.cfg.Rollup.Interval)
	}

	return nil
}

// Stop gracefully shuts down the HTTP server, the background services and
// the database.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.rollup != nil {
		if err := s.rollup.Stop(); err != nil {
			s.log.WithError(err).Warn("Rollup stop error")
		}
	}

	if s.keys != nil {
		s.keys.Stop()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("closing database: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
