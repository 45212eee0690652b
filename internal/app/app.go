package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/vk/refinery/internal/artifact"
	"github.com/vk/refinery/internal/config"
	"github.com/vk/refinery/internal/ctxlog"
	"github.com/vk/refinery/internal/gasket"
	"github.com/vk/refinery/internal/health"
	"github.com/vk/refinery/internal/provider"
	"github.com/vk/refinery/internal/registry"
)

// dispatchTransportTimeout is the transport-level ceiling on a single
// provider call. Per-stage deadlines are enforced separately and are
// always shorter.
const dispatchTransportTimeout = 5 * time.Minute

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx    context.Context
	outW   io.Writer
	logger *slog.Logger
	config *Config

	model     *config.Model
	registry  *registry.Registry
	store     artifact.Store
	health    *health.Manager
	client    provider.Client
	extractor *gasket.Extractor

	httpServer *http.Server
	closers    []func() error
}

// Option overrides one of the app's default dependencies. Used by tests
// to substitute a scripted provider client or an ephemeral store.
type Option func(*App)

// WithClient replaces the provider transport.
func WithClient(client provider.Client) Option {
	return func(a *App) { a.client = client }
}

// WithStore replaces the artifact store.
func WithStore(store artifact.Store) Option {
	return func(a *App) { a.store = store }
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger. Startup
// failures (unreadable config, invalid registry, unusable store root) are
// fatal and panic; callers recover at the process boundary.
func NewApp(outW io.Writer, appConfig *Config, loader config.Loader, opts ...Option) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	model, err := loader.Load(ctx, appConfig.PipelinePath)
	if err != nil {
		panic(fmt.Errorf("failed to load pipeline definition: %w", err))
	}
	if appConfig.WorkerCount > 0 {
		model.Settings.Workers = appConfig.WorkerCount
	}
	resolveSeedPaths(model, appConfig.PipelinePath)
	logger.Debug("Pipeline definition loaded.", "seeds", len(model.Seeds), "stages", len(model.Stages))

	reg, err := registry.Load(appConfig.ModelsPath)
	if err != nil {
		panic(fmt.Errorf("failed to load model registry: %w", err))
	}
	logger.Debug("Model registry loaded.", "models", len(reg.Models()))

	a := &App{
		outW:     outW,
		logger:   logger,
		config:   appConfig,
		model:    model,
		registry: reg,
		health:   health.NewManager(reg),
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.store == nil {
		if appConfig.StorePath != "" {
			store, err := artifact.OpenFSStore(ctx, appConfig.StorePath)
			if err != nil {
				panic(fmt.Errorf("failed to open artifact store: %w", err))
			}
			a.store = store
		} else {
			logger.Warn("No store path configured, artifacts will not survive this process.")
			a.store = artifact.NewMemStore()
		}
	}

	if a.client == nil {
		router, err := provider.NewRouter(reg, dispatchTransportTimeout)
		if err != nil {
			panic(fmt.Errorf("failed to configure providers: %w", err))
		}
		a.client = router
		a.closers = append(a.closers, router.Close)
	}

	a.extractor = &gasket.Extractor{Recoverer: newSecondaryExtractor(a.client, reg)}

	logger.Debug("Application wiring complete.")
	return a
}

// Registry returns the application's model registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Store returns the application's artifact store. This is primarily for testing.
func (a *App) Store() artifact.Store {
	return a.store
}

// Close releases provider transports and any other held resources.
func (a *App) Close() error {
	var firstErr error
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// resolveSeedPaths anchors relative seed paths at the pipeline definition's
// directory, so a pipeline can reference its sources portably.
func resolveSeedPaths(model *config.Model, pipelinePath string) {
	base := pipelinePath
	if info, err := os.Stat(pipelinePath); err == nil && !info.IsDir() {
		base = filepath.Dir(pipelinePath)
	}
	for _, seed := range model.Seeds {
		if !filepath.IsAbs(seed.Path) {
			seed.Path = filepath.Join(base, seed.Path)
		}
	}
}
