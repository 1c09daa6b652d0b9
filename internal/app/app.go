// Package app wires configuration, entity definitions and the cache manager
// into the HTTP and gRPC health servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	grpcapi "github.com/arkilian/rowcache/internal/api/grpc"
	httpapi "github.com/arkilian/rowcache/internal/api/http"
	"github.com/arkilian/rowcache/internal/cache"
	"github.com/arkilian/rowcache/internal/config"
	"github.com/arkilian/rowcache/internal/definition"
	"github.com/arkilian/rowcache/internal/events"
	"github.com/arkilian/rowcache/internal/observability"
	"github.com/arkilian/rowcache/internal/provision"
	"github.com/arkilian/rowcache/internal/remote"
	"github.com/arkilian/rowcache/internal/server"
	"github.com/arkilian/rowcache/pkg/types"
)

// StatsWindow is how long per-entity statistics are kept without activity.
const StatsWindow = 24 * time.Hour

// HealthInterval is how often entity readiness is republished over gRPC.
const HealthInterval = 5 * time.Second

// Options supplies what a definition file cannot.
type Options struct {
	// Computes resolves the compute names referenced by computed definitions
	Computes map[string]types.ComputeFunc
	// Entities are registered in addition to the loaded definitions
	Entities []*types.Entity
}

// App owns the cache manager and the servers exposing it.
type App struct {
	cfg *config.Config

	manager      *cache.Manager
	stats        *observability.CacheStats
	unsubscribe  func()
	shutdown     *server.ShutdownManager
	health       *grpcapi.HealthReporter
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	mu      sync.Mutex
	running bool
	group   *errgroup.Group
}

// New loads the entity definitions and builds the cache manager.
func New(cfg *config.Config, opts Options) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	entities, err := definition.LoadDir(cfg.DefinitionsDir, definition.Options{Computes: opts.Computes})
	if err != nil {
		return nil, fmt.Errorf("failed to load definitions: %w", err)
	}
	entities = append(entities, opts.Entities...)

	client := remote.NewClient(remote.Config{
		BaseURL: cfg.API.URL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
		Debug:   cfg.Debug,
	})
	bus := events.NewBus()
	stats := observability.NewCacheStats(StatsWindow)

	manager := cache.NewManager(provision.NewRegistry(), cache.Options{
		Dir:    cfg.Cache.Path,
		Prefix: cfg.Cache.Prefix,
		Client: client,
		Bus:    bus,
		Stats:  stats,
		Debug:  cfg.Debug,
	})
	for _, e := range entities {
		if err := manager.Register(e); err != nil {
			manager.Close()
			return nil, err
		}
	}
	log.Printf("app: %d entities registered, cache dir %s", len(entities), cfg.Cache.Path)

	return &App{
		cfg:         cfg,
		manager:     manager,
		stats:       stats,
		unsubscribe: remote.NewWriteThrough(client, cfg.Debug).Register(bus),
		shutdown:    server.NewShutdownManager(server.DefaultShutdownConfig()),
	}, nil
}

// Manager returns the cache manager.
func (a *App) Manager() *cache.Manager {
	return a.manager
}

// HTTPAddr returns the bound HTTP address once started.
func (a *App) HTTPAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address once started, if enabled.
func (a *App) GRPCAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Handler returns the HTTP handler serving the entity API and /health.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.DefaultMiddleware(a.cfg.Debug),
	)
	httpapi.NewHandler(a.manager, a.stats).Register(mux, middleware)
	mux.HandleFunc("GET /health", a.healthHandler)
	return mux
}

// Start listens on the configured addresses and serves until Stop or until
// ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	if a.cfg.Preload {
		res := a.manager.Warm(ctx, cache.DefaultWarmConcurrency)
		if err := res.Err(); err != nil {
			log.Printf("app: preload incomplete: %v", err)
		} else {
			log.Printf("app: preloaded %d entities", len(res.Booted))
		}
	}

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.httpListener = ln
	a.httpServer = &http.Server{
		Handler:      a.Handler(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	a.shutdown.OnShutdownStart(cancel)

	// Closers run in reverse: servers stop before the manager closes.
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.unsubscribe()
		return a.manager.Close()
	}))
	a.shutdown.RegisterHTTPServer(a.httpServer)

	if a.cfg.GRPC.Enabled {
		gln, err := net.Listen("tcp", a.cfg.GRPC.Addr)
		if err != nil {
			ln.Close()
			cancel()
			return fmt.Errorf("failed to listen on gRPC address: %w", err)
		}
		a.grpcListener = gln
		a.grpcServer = grpc.NewServer()
		a.health = grpcapi.NewHealthReporter(a.manager)
		a.health.Register(a.grpcServer)
		a.shutdown.OnShutdownStart(a.health.Shutdown)
		a.shutdown.RegisterCloser(server.CloserFunc(func() error {
			a.grpcServer.GracefulStop()
			return nil
		}))

		g.Go(func() error {
			log.Printf("app: gRPC health server listening on %s", gln.Addr())
			if err := a.grpcServer.Serve(gln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			return a.health.Run(gctx, HealthInterval)
		})
	}

	g.Go(func() error {
		log.Printf("app: HTTP server listening on %s", ln.Addr())
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.shutdown.ListenForSignals(gctx)
	})

	a.group = g
	a.running = true
	return nil
}

// Wait blocks until every server has stopped.
func (a *App) Wait() error {
	a.mu.Lock()
	g := a.group
	a.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Run starts the app and blocks until it stops.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	return a.Wait()
}

// Stop shuts the servers down and releases every connection.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	running := a.running
	a.running = false
	a.mu.Unlock()

	if !running {
		a.unsubscribe()
		return a.manager.Close()
	}
	err := a.shutdown.Shutdown(ctx, "stop requested")
	if werr := a.Wait(); werr != nil && err == nil {
		err = werr
	}
	log.Printf("app: stopped")
	return err
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status, code := "healthy", http.StatusOK
	if a.shutdown.IsShuttingDown() {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q,"entities":%d}`, status, len(a.manager.Entities()))
}
