// Package app assembles the live query server: the in-memory store mirror,
// its background coordinator, the WAL consumer and the HTTP surface.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoravur/livequery/internal/api"
	"github.com/zoravur/livequery/internal/config"
	"github.com/zoravur/livequery/internal/coordinator"
	"github.com/zoravur/livequery/internal/store"
	"github.com/zoravur/livequery/internal/wal"
	"github.com/zoravur/livequery/pkg/pgcatalog"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	cfg        config.Config
	log        *zap.Logger
	httpServer *http.Server

	Store       *store.DB
	Coordinator *coordinator.Coordinator
	Catalog     *pgcatalog.Catalog
	Consumer    *wal.Consumer
	// PG is nil when the catalog came from a file.
	PG *sql.DB
}

// NewServer loads the catalog, installs it into a fresh store and wires the
// handlers. The catalog is introspected from cfg.PostgresDSN when set and
// loaded from cfg.SchemaFile otherwise.
func NewServer(ctx context.Context, cfg config.Config, log *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, log: log}
	s.Store = store.Open(store.WithHistoryLimit(cfg.HistoryLimit), store.WithLogger(log))

	switch {
	case cfg.PostgresDSN != "":
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		cat, err := pgcatalog.Introspect(ctx, db, cfg.Schemas)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.PG, s.Catalog = db, cat
	case cfg.SchemaFile != "":
		cat, err := pgcatalog.LoadJSON(cfg.SchemaFile)
		if err != nil {
			return nil, err
		}
		s.Catalog = cat
	default:
		return nil, errors.New("either a postgres DSN or a schema file is required")
	}

	if _, err := s.Catalog.Install(s.Store); err != nil {
		s.Close()
		return nil, fmt.Errorf("install catalog: %w", err)
	}
	log.Info("catalog installed",
		zap.Int("tables", s.Catalog.Size()),
		zap.String("checksum", s.Catalog.Checksum),
	)

	s.Coordinator = coordinator.New(s.Store, coordinator.WithLogger(log))
	s.Consumer = wal.NewConsumer(s.Store, wal.WithLogger(log))
	s.httpServer = &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.SetupRoutes(api.Deps{
			Store:       s.Store,
			Coordinator: s.Coordinator,
			Logger:      log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is done or a component fails.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.Coordinator.Start(ctx)
	})

	if s.cfg.WALAddr != "" {
		g.Go(func() error {
			if s.PG != nil {
				v, err := s.Consumer.Seed(ctx, s.PG, s.Catalog)
				if err != nil {
					return fmt.Errorf("seed: %w", err)
				}
				s.log.Info("seeded from postgres", zap.Uint64("version", uint64(v)))
			}
			return s.Consumer.Listen(ctx, s.cfg.WALAddr)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(sctx)
	})

	err := g.Wait()
	s.Close()
	return err
}

// Close releases the coordinator and the Postgres pool.
func (s *Server) Close() {
	if s.Coordinator != nil {
		s.Coordinator.Close()
	}
	if s.PG != nil {
		_ = s.PG.Close()
	}
}
