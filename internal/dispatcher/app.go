package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/withObsrvr/obsrvr-dispatch/internal/assign"
	"github.com/withObsrvr/obsrvr-dispatch/internal/catalog"
	"github.com/withObsrvr/obsrvr-dispatch/internal/config"
	"github.com/withObsrvr/obsrvr-dispatch/internal/exchange"
	"github.com/withObsrvr/obsrvr-dispatch/internal/session"
	"github.com/withObsrvr/obsrvr-dispatch/internal/storage"
	"github.com/withObsrvr/obsrvr-dispatch/internal/transfer"
)

// App is a fully wired dispatcher.
type App struct {
	Router   *gin.Engine
	Registry *session.Registry
	Tasks    *assign.Coordinator
	Assets   storage.AssetStore

	addr    string
	closers []io.Closer
}

// New builds the dispatcher from cfg: the catalog when a postgres backend is
// selected, the session and task stores, the asset store and the routes.
func New(ctx context.Context, cfg config.DispatcherConfig) (*App, error) {
	app := &App{addr: cfg.HTTP.Addr}

	var cat *catalog.Catalog
	if cfg.Sessions.Backend == "postgres" || cfg.Tasks.Backend == "postgres" {
		var err error
		cat, err = catalog.Open(ctx, catalog.Config{
			PostgresDSN: cfg.Catalog.PostgresDSN,
			MaxConns:    cfg.Catalog.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		app.closers = append(app.closers, cat)
	}

	sessions, err := newSessionStore(cfg.Sessions, cat)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.closers = append(app.closers, sessions)

	tasks, err := newTaskStore(cfg.Tasks, cat)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.closers = append(app.closers, tasks)

	assets, err := storage.NewAssetStore(assetConfig(cfg.Storage))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("open asset store: %w", err)
	}
	app.closers = append(app.closers, assets)

	if cfg.Tasks.SeedFile != "" {
		seed, err := assign.LoadSeed(cfg.Tasks.SeedFile)
		if err != nil {
			app.Close()
			return nil, err
		}
		ids, err := seed.Apply(ctx, tasks)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("apply seed: %w", err)
		}
		log.Printf("[dispatcher] seed %s applied: %d tasks", cfg.Tasks.SeedFile, len(ids))
	}

	codec, err := exchange.NewCodec()
	if err != nil {
		app.Close()
		return nil, err
	}
	app.closers = append(app.closers, closerFunc(func() error { codec.Close(); return nil }))

	app.Registry = session.NewRegistry(sessions,
		session.WithTTL(cfg.Sessions.TTL),
		session.WithRefreshInterval(cfg.Sessions.RefreshInterval),
	)
	app.Tasks = assign.NewCoordinator(tasks, assign.WithReconcileGrace(cfg.Tasks.ReconcileGrace))
	app.Assets = assets

	processor := exchange.NewProcessor(app.Registry, app.Tasks, sessions)
	app.Router = NewRouter(
		NewExchangeHandler(processor, codec),
		transfer.NewServer(assets, app.Tasks),
	)
	return app, nil
}

func newSessionStore(cfg config.SessionConfig, cat *catalog.Catalog) (session.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return session.NewMemoryStore(), nil
	case "postgres":
		return session.NewPostgresStore(cat.Pool()), nil
	case "redis":
		return session.NewRedisStore(session.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}), nil
	default:
		return nil, fmt.Errorf("unknown session backend: %s", cfg.Backend)
	}
}

func newTaskStore(cfg config.TaskConfig, cat *catalog.Catalog) (assign.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return assign.NewMemoryStore(), nil
	case "postgres":
		return assign.NewPostgresStore(cat.Pool()), nil
	default:
		return nil, fmt.Errorf("unknown task backend: %s", cfg.Backend)
	}
}

func assetConfig(cfg config.StorageConfig) storage.StorageConfig {
	return storage.StorageConfig{
		Backend:    cfg.Backend,
		LocalDir:   cfg.LocalDir,
		GCSBucket:  cfg.Bucket,
		S3Bucket:   cfg.Bucket,
		S3Endpoint: cfg.S3Endpoint,
		S3Region:   cfg.S3Region,
		BlobURL:    cfg.BlobURL,
		Prefix:     cfg.Prefix,
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[dispatcher] listening on %s", a.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close releases stores in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
