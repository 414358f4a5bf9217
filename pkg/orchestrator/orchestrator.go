// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package orchestrator is the embedding surface of the tool orchestration
// core: it assembles the configuration store, server registry, tool
// catalog, resilience layer, and execution engine behind one facade.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"toolmesh/internal/catalog"
	"toolmesh/internal/config"
	"toolmesh/internal/engine"
	"toolmesh/internal/events"
	"toolmesh/internal/log"
	"toolmesh/internal/registry"
	"toolmesh/internal/resilience"
	"toolmesh/internal/server"
)

// Options configures an Orchestrator.
type Options struct {
	// ConfigPath is the configuration file location.
	ConfigPath string

	// CachePath is the tool catalog cache location. Empty disables the
	// on-disk cache.
	CachePath string

	// Logger is the structured logger (defaults to slog.Default()).
	Logger *slog.Logger

	// Metrics registers execution metrics with the given registerer.
	// Nil disables metrics.
	Metrics prometheus.Registerer

	// Watch enables hot reload of the configuration file.
	Watch bool
}

// Orchestrator is the assembled orchestration core.
type Orchestrator struct {
	opts     Options
	logger   *slog.Logger
	store    *config.Store
	handlers *server.HandlerRegistry
	broker   *events.Broker
	sink     events.Sink

	mu       sync.Mutex
	started  bool
	registry *registry.Registry
	catalog  *catalog.Service
	engine   *engine.Engine
	watcher  *config.Watcher
}

// New creates an orchestrator. Built-in handlers must be registered
// before Start; servers connect lazily on first use after Start.
func New(opts Options) (*Orchestrator, error) {
	if opts.ConfigPath == "" {
		return nil, fmt.Errorf("config path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	broker := events.NewBroker(0)
	sinks := []events.Sink{events.NewLogSink(logger), broker}
	if opts.Metrics != nil {
		sinks = append(sinks, events.NewMetricsSink(opts.Metrics))
	}

	return &Orchestrator{
		opts:     opts,
		logger:   logger,
		store:    config.NewStore(opts.ConfigPath, logger),
		handlers: server.NewHandlerRegistry(),
		broker:   broker,
		sink:     events.Multi(sinks...),
	}, nil
}

// RegisterHandler registers an in-process handler under the reference
// name used by built-in server descriptors. Must be called before Start.
func (o *Orchestrator) RegisterHandler(name string, handler server.Handler) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("handlers must be registered before Start")
	}
	return o.handlers.Register(name, handler)
}

// Start loads the configuration, validates it, and builds the runtime.
// With Watch enabled, later file changes reload the registry and engine
// without dropping in-flight executions.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("already started")
	}

	cfg, err := o.store.Load()
	if err != nil {
		return err
	}
	if result := config.Validate(cfg); !result.Valid {
		return fmt.Errorf("invalid configuration: %v", result.Errors)
	}

	reg, err := registry.New(cfg, registry.Options{
		Handlers: o.handlers,
		Events:   o.sink,
		Logger:   o.logger,
	})
	if err != nil {
		return err
	}
	o.registry = reg
	o.catalog = catalog.NewService(reg, o.opts.CachePath, o.logger)

	res := resilience.NewExecutor(resilience.Options{
		Registry: reg,
		Events:   o.sink,
		Logger:   o.logger,
	})
	o.engine = engine.New(engine.Options{
		Config:     cfg,
		Registry:   reg,
		Catalog:    o.catalog,
		Resilience: res,
		Logger:     o.logger,
	})

	if o.opts.Watch {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Store:    o.store,
			Logger:   o.logger,
			OnChange: o.reload,
		})
		if err != nil {
			return err
		}
		o.watcher = watcher
	}

	// A fresh cached catalog lets the first execution resolve tools
	// without a discovery round.
	if _, err := o.catalog.LoadCached(); err == nil {
		o.logger.Debug("loaded cached tool catalog", "path", o.opts.CachePath)
	}

	o.started = true
	o.logger.Info("orchestrator started",
		"servers", len(reg.IDs()), "watch", o.opts.Watch)
	return nil
}

func (o *Orchestrator) reload(cfg *config.Config) {
	if err := o.registry.Reload(cfg); err != nil {
		o.logger.Error("failed to apply reloaded configuration", "error", err)
		return
	}
	o.engine.SetConfig(cfg)
	o.logger.Info("configuration reloaded", "servers", len(o.registry.IDs()))
}

// Execute runs an execution request.
func (o *Orchestrator) Execute(ctx context.Context, req engine.Request) (*engine.Result, error) {
	eng, err := o.runtime()
	if err != nil {
		return nil, err
	}
	return eng.Execute(ctx, req), nil
}

// ExecuteTool runs one tool, resolving its server through the catalog.
func (o *Orchestrator) ExecuteTool(ctx context.Context, tool string, params map[string]any) (*engine.Result, error) {
	return o.Execute(ctx, engine.Request{Tool: tool, Params: params})
}

// ExecuteOn runs a tool on a specific server.
func (o *Orchestrator) ExecuteOn(ctx context.Context, serverID, tool string, params map[string]any) (*engine.Result, error) {
	return o.Execute(ctx, engine.Request{Server: serverID, Tool: tool, Params: params})
}

// ExecuteChain runs a chain or composition.
func (o *Orchestrator) ExecuteChain(ctx context.Context, chain string, params map[string]any) (*engine.Result, error) {
	return o.Execute(ctx, engine.Request{Chain: chain, Params: params})
}

// DiscoverTools refreshes the tool catalog. With force, servers are
// re-queried even when the cache is fresh.
func (o *Orchestrator) DiscoverTools(ctx context.Context, force bool) (*catalog.Catalog, error) {
	o.mu.Lock()
	cat := o.catalog
	o.mu.Unlock()
	if cat == nil {
		return nil, fmt.Errorf("not started")
	}
	return cat.Refresh(ctx, force)
}

// Catalog returns the current tool catalog snapshot, or nil before
// discovery.
func (o *Orchestrator) Catalog() *catalog.Catalog {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.catalog == nil {
		return nil
	}
	return o.catalog.Current()
}

// ServerStatuses reports the status of every registered server.
func (o *Orchestrator) ServerStatuses() map[string]registry.ServerStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.registry == nil {
		return nil
	}
	return o.registry.Statuses()
}

// Subscribe returns a channel of orchestration events and a cancel
// function. Slow subscribers drop events rather than blocking execution.
func (o *Orchestrator) Subscribe() (<-chan events.Event, func()) {
	return o.broker.Subscribe()
}

// Store exposes the configuration store for server management commands.
func (o *Orchestrator) Store() *config.Store {
	return o.store
}

// Close stops the watcher, disconnects every server, and closes event
// subscribers.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var firstErr error
	if o.watcher != nil {
		if err := o.watcher.Close(); err != nil {
			firstErr = err
		}
		o.watcher = nil
	}
	if o.registry != nil {
		if err := o.registry.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.broker.Close()
	o.started = false
	return firstErr
}

func (o *Orchestrator) runtime() (*engine.Engine, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return nil, fmt.Errorf("not started")
	}
	return o.engine, nil
}

// WaitHealthy pings every registered server until all respond or the
// timeout elapses.
func (o *Orchestrator) WaitHealthy(ctx context.Context, timeout time.Duration) error {
	o.mu.Lock()
	reg := o.registry
	o.mu.Unlock()
	if reg == nil {
		return fmt.Errorf("not started")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, id := range reg.IDs() {
		conn, err := reg.Acquire(ctx, id)
		if err != nil {
			return err
		}
		if err := conn.Ping(ctx); err != nil {
			return err
		}
		o.logger.Debug("server healthy", log.ServerKey, id)
	}
	return nil
}
