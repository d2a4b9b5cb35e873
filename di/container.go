package di

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/samber/do/v2"

	"github.com/strahe/assessor-sync/batch"
	"github.com/strahe/assessor-sync/config"
	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/engine"
	"github.com/strahe/assessor-sync/mapping"
	"github.com/strahe/assessor-sync/metrics"
	"github.com/strahe/assessor-sync/pkg/log"
	"github.com/strahe/assessor-sync/sanitize"
	"github.com/strahe/assessor-sync/sink"
	"github.com/strahe/assessor-sync/store"
)

// Container wires the services of one process. Services are built lazily on first
// use and released in reverse construction order by Shutdown.
type Container struct {
	injector do.Injector
	options  []engine.Option

	mu      sync.Mutex
	closers []closer
	cancel  context.CancelFunc
}

type closer struct {
	name  string
	close func() error
}

// SetupContainer loads the configuration from cfgPath (optional) and the environment.
// options are appended to the engine options derived from the configuration.
func SetupContainer(cfgPath string, options ...engine.Option) *Container {
	c := newContainer(options)
	do.ProvideNamedValue(c.injector, "configPath", cfgPath)
	do.Provide(c.injector, NewConfig)
	c.provideServices()
	return c
}

// NewFromConfig wires a container around an already loaded configuration.
func NewFromConfig(cfg *config.Config, options ...engine.Option) *Container {
	c := newContainer(options)
	do.ProvideValue(c.injector, cfg)
	c.provideServices()
	return c
}

func newContainer(options []engine.Option) *Container {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Container{injector: do.New(), options: options, cancel: cancel}
	do.ProvideNamedValue(c.injector, "context", ctx)
	return c
}

func (c *Container) provideServices() {
	do.Provide(c.injector, c.newRegistry)
	do.Provide(c.injector, c.newLedger)
	do.Provide(c.injector, c.newLoader)
	do.Provide(c.injector, newSanitizer)
	do.Provide(c.injector, c.newDispatcher)
	do.Provide(c.injector, newMetrics)
	do.Provide(c.injector, c.newEngine)
}

func NewConfig(i do.Injector) (*config.Config, error) {
	cfg, err := config.Load(do.MustInvokeNamed[string](i, "configPath"))
	if err != nil {
		return nil, err
	}
	log.SetLevel(cfg.LogLevel)
	log.SetOutput(os.Stderr, cfg.LogFormat)
	return cfg, nil
}

func (c *Container) onShutdown(name string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, closer{name: name, close: fn})
}

func (c *Container) newRegistry(i do.Injector) (*connector.Registry, error) {
	cfg := do.MustInvoke[*config.Config](i)
	reg := connector.NewRegistry(cfg.Endpoints, cfg.Pool)
	c.onShutdown("connectors", reg.Close)
	return reg, nil
}

func (c *Container) newLedger(i do.Injector) (*store.SQLLedger, error) {
	cfg := do.MustInvoke[*config.Config](i)
	ctx := do.MustInvokeNamed[context.Context](i, "context")
	l, err := store.OpenSQLLedger(ctx, cfg.LedgerURI(), cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := l.Migrate(ctx); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	c.onShutdown("ledger", l.Close)
	return l, nil
}

func (c *Container) newLoader(i do.Injector) (*mapping.Loader, error) {
	cfg := do.MustInvoke[*config.Config](i)
	loader, err := mapping.NewLoader(cfg.Mappings.Dir)
	if err != nil {
		return nil, err
	}
	if !cfg.Mappings.Watch {
		return loader, nil
	}
	w, err := mapping.NewWatcher(loader, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", cfg.Mappings.Dir, err)
	}
	go w.Start(do.MustInvokeNamed[context.Context](i, "context"))
	c.onShutdown("mapping watcher", w.Close)
	return loader, nil
}

func newSanitizer(i do.Injector) (*sanitize.Sanitizer, error) {
	return sanitize.New(sanitize.NewRegistry()), nil
}

func (c *Container) newDispatcher(i do.Injector) (*sink.Dispatcher, error) {
	cfg := do.MustInvoke[*config.Config](i)
	ctx := do.MustInvokeNamed[context.Context](i, "context")
	sinks := make([]sink.Sink, 0, len(cfg.Notify.Sinks))
	for _, sc := range cfg.Notify.Sinks {
		s, err := sink.New(ctx, sc.Type, sc.Options)
		if err != nil {
			for _, prev := range sinks {
				_ = prev.Close()
			}
			return nil, err
		}
		sinks = append(sinks, s)
	}
	opts := []sink.DispatcherOption{sink.WithConflictRate(cfg.Notify.ConflictInterval, max(cfg.Notify.ConflictBurst, 1))}
	if cfg.Notify.WriteTimeout > 0 {
		opts = append(opts, sink.WithWriteTimeout(cfg.Notify.WriteTimeout))
	}
	d := sink.NewDispatcher(sinks, opts...)
	c.onShutdown("notifier", d.Close)
	return d, nil
}

func newMetrics(i do.Injector) (*metrics.Metrics, error) {
	return metrics.New(), nil
}

func (c *Container) newEngine(i do.Injector) (*engine.Engine, error) {
	cfg := do.MustInvoke[*config.Config](i)
	reg, err := do.Invoke[*connector.Registry](i)
	if err != nil {
		return nil, err
	}
	ledger, err := do.Invoke[*store.SQLLedger](i)
	if err != nil {
		return nil, err
	}
	loader, err := do.Invoke[*mapping.Loader](i)
	if err != nil {
		return nil, err
	}
	notifier, err := do.Invoke[*sink.Dispatcher](i)
	if err != nil {
		return nil, err
	}

	options := []engine.Option{
		engine.WithConcurrency(cfg.Engine.Concurrency),
		engine.WithRetry(cfg.Retry),
		engine.WithBatchConfig(cfg.Batch),
		engine.WithMaxRowErrors(cfg.Engine.MaxRowErrors),
		engine.WithPollInterval(cfg.Engine.PollInterval),
		engine.WithNotifier(notifier),
		engine.WithMetrics(do.MustInvoke[*metrics.Metrics](i)),
		engine.WithLogger(log.Named("engine")),
	}
	if cfg.Engine.SystemSampler {
		options = append(options, engine.WithSampler(batch.NewSystemSampler()))
	}
	options = append(options, c.options...)

	e := engine.New(reg, ledger, loader, do.MustInvoke[*sanitize.Sanitizer](i), options...)
	c.onShutdown("engine", e.Close)
	return e, nil
}

func (c *Container) Injector() do.Injector {
	return c.injector
}

func (c *Container) Config() (*config.Config, error) {
	return do.Invoke[*config.Config](c.injector)
}

func (c *Container) Engine() (*engine.Engine, error) {
	return do.Invoke[*engine.Engine](c.injector)
}

func (c *Container) Connectors() (*connector.Registry, error) {
	return do.Invoke[*connector.Registry](c.injector)
}

func (c *Container) Ledger() (*store.SQLLedger, error) {
	return do.Invoke[*store.SQLLedger](c.injector)
}

func (c *Container) Loader() (*mapping.Loader, error) {
	return do.Invoke[*mapping.Loader](c.injector)
}

func (c *Container) Metrics() (*metrics.Metrics, error) {
	return do.Invoke[*metrics.Metrics](c.injector)
}

func (c *Container) Notifier() (*sink.Dispatcher, error) {
	return do.Invoke[*sink.Dispatcher](c.injector)
}

// Shutdown releases every constructed service, newest first: running jobs are
// cancelled before the notifier flushes and the pools close.
func (c *Container) Shutdown() error {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", closers[i].name, err))
		}
	}
	c.cancel()
	return errors.Join(errs...)
}
