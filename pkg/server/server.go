// Package server assembles the core into a serving process: the node store,
// the presence channel, and the websocket hub behind a gorilla/mux router,
// plus a small JSON API for bootstrapping pages and driving mutations from
// callers that do not hold a websocket.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/slatecanvas/slate/pkg/channel"
	"github.com/slatecanvas/slate/pkg/logger"
	"github.com/slatecanvas/slate/pkg/presence"
	"github.com/slatecanvas/slate/pkg/store"
	"github.com/slatecanvas/slate/pkg/store/postgres"
)

// Config is the process configuration, populated from flags.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// PostgresDSN, when set, enables durable node persistence. Without it
	// the store runs in-memory only.
	PostgresDSN string
	// Debug lowers the log level to debug.
	Debug bool
	// Pretty switches log output to the human console format.
	Pretty bool
}

// ParseFlags parses command line arguments into a Config.
func ParseFlags(args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("slated", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", ":8080", "listen address")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", os.Getenv("POSTGRES_DSN"), "postgres connection string; empty runs in-memory")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	fs.BoolVar(&cfg.Pretty, "pretty", false, "console log format")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// App owns the assembled core and its HTTP surface.
type App struct {
	cfg Config
	log logger.Logger

	store     *store.Store
	presence  *presence.Channel
	hub       *channel.Hub
	persister *postgres.Store
}

// New builds the application from its configuration.
func New(cfg Config) (*App, error) {
	zl := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if cfg.Debug {
		zl = zl.Level(zerolog.DebugLevel)
	}
	if cfg.Pretty {
		zl = zl.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log := logger.FromZerolog(zl)

	storeOpts := []store.Option{store.WithLogger(log)}

	var persister *postgres.Store
	if cfg.PostgresDSN != "" {
		var err error
		persister, err = postgres.New(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := persister.Migrate(context.Background()); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		storeOpts = append(storeOpts, store.WithPersister(persister))
		log.Info("node persistence enabled")
	}

	st := store.New(storeOpts...)
	pc := presence.New(presence.WithLogger(log))
	hub := channel.NewHub(st, pc, channel.WithLogger(log))

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		presence:  pc,
		hub:       hub,
		persister: persister,
	}, nil
}

// Close releases the store and the database handle.
func (a *App) Close() error {
	err := a.store.Close()
	if a.persister != nil {
		if cerr := a.persister.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    a.cfg.Addr,
		Handler: a.Router(),
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.presence.Run(sweepCtx, 0)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.log.Info("listening", "addr", a.cfg.Addr)

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// Router builds the HTTP routes. Exported so tests can serve it directly.
func (a *App) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", a.handleHealth).Methods("GET")

	// Real-time channels.
	router.HandleFunc("/scenes/{id}/sync", a.handleSync).Methods("GET")
	router.HandleFunc("/scenes/{id}/presence", a.handlePresence).Methods("GET")

	// Bootstrap and mutation API.
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/pages/{id}/nodes", a.handleListNodes).Methods("GET")
	api.HandleFunc("/nodes", a.handleCreateNode).Methods("POST")
	api.HandleFunc("/nodes/{id}", a.handleGetNode).Methods("GET")
	api.HandleFunc("/nodes/{id}", a.handleUpdateNode).Methods("PATCH")
	api.HandleFunc("/nodes/{id}", a.handleDeleteNode).Methods("DELETE")
	api.HandleFunc("/nodes/{id}/reorder", a.handleReorderNode).Methods("POST")
	api.HandleFunc("/nodes/{id}/reparent", a.handleReparentNode).Methods("POST")
	api.HandleFunc("/nodes/group", a.handleGroupNodes).Methods("POST")
	api.HandleFunc("/nodes/{id}/ungroup", a.handleUngroupNode).Methods("POST")

	return router
}

// Main is the entry point invoked by cmd/slated. Split out so tests can
// run the whole process without building the binary.
func Main(ctx context.Context, args []string) error {
	cfg, err := ParseFlags(args)
	if err != nil {
		return err
	}

	app, err := New(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(ctx)
}
