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

// Package registry maintains the runtime mapping from server ids to live
// connections. Connections are established lazily on first use; the
// registry is read-mostly and safe for concurrent use.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"toolmesh/internal/config"
	"toolmesh/internal/events"
	"toolmesh/internal/log"
	"toolmesh/internal/server"
	"toolmesh/pkg/errors"
)

// Status is the lifecycle state of a registered server.
type Status string

const (
	// StatusDisconnected means no connection has been established yet.
	StatusDisconnected Status = "disconnected"
	// StatusConnecting means a connect attempt is in flight.
	StatusConnecting Status = "connecting"
	// StatusConnected means the connection is usable.
	StatusConnected Status = "connected"
	// StatusError means the last connect or call attempt failed.
	StatusError Status = "error"
)

// entry tracks one registered server. The entry mutex serializes connect
// attempts without blocking registry reads for other servers.
type entry struct {
	mu     sync.Mutex
	desc   *config.ServerDescriptor
	conn   server.Connection
	status Status
	caps   server.Capabilities
	errMsg string
}

// Options configures a Registry.
type Options struct {
	// Handlers resolves the handler references of built-in servers.
	Handlers *server.HandlerRegistry

	// Events receives lifecycle events (optional).
	Events events.Sink

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// Dial overrides connection construction. When it returns a nil
	// connection without an error, the default construction applies.
	// Used by tests to substitute fake servers.
	Dial func(id string, desc *config.ServerDescriptor, timeout time.Duration) (server.Connection, error)
}

// Registry maps server ids to connections and tracks their status.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	global  config.GlobalConfig

	handlers *server.HandlerRegistry
	events   events.Sink
	logger   *slog.Logger
	dial     func(id string, desc *config.ServerDescriptor, timeout time.Duration) (server.Connection, error)
}

// New builds a registry from the configuration. Disabled servers are not
// registered; built-in servers whose handler reference is unknown fail
// registration immediately rather than at call time.
func New(cfg *config.Config, opts Options) (*Registry, error) {
	sink := opts.Events
	if sink == nil {
		sink = events.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		handlers: opts.Handlers,
		events:   sink,
		logger:   log.WithComponent(logger, "registry"),
		dial:     opts.Dial,
	}
	if err := r.apply(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// apply builds fresh entries from cfg and swaps them in. Every previous
// connection is torn down; in-flight calls holding a captured connection
// finish against it, everything else reconnects lazily on next use.
func (r *Registry) apply(cfg *config.Config) error {
	r.mu.Lock()

	next := make(map[string]*entry, len(cfg.Servers))
	for id, desc := range cfg.Servers {
		if !desc.Enabled {
			continue
		}
		conn, err := r.build(id, desc, cfg.DefaultTimeout())
		if err != nil {
			r.mu.Unlock()
			return err
		}
		next[id] = &entry{desc: desc, conn: conn, status: StatusDisconnected}
	}

	stale := make([]server.Connection, 0, len(r.entries))
	for _, old := range r.entries {
		stale = append(stale, old.conn)
	}
	r.entries = next
	r.global = cfg.GlobalConfig
	r.mu.Unlock()

	for _, conn := range stale {
		if conn.IsConnected() {
			if err := conn.Disconnect(); err != nil {
				r.logger.Warn("failed to disconnect replaced server",
					log.ServerKey, conn.ID(), "error", err)
			}
			r.events.Emit(events.Event{Type: events.TypeDisconnected, Server: conn.ID()})
		}
	}
	return nil
}

func (r *Registry) build(id string, desc *config.ServerDescriptor, defTimeout time.Duration) (server.Connection, error) {
	if r.dial != nil {
		conn, err := r.dial(id, desc, desc.TimeoutDuration(defTimeout))
		if err != nil {
			return nil, err
		}
		if conn != nil {
			return conn, nil
		}
	}

	switch desc.Type {
	case config.ServerTypeExternal:
		for key, value := range desc.Env {
			r.logger.Debug("server environment",
				log.ServerKey, id, "key", key, "value", log.SanitizeSecret(value))
		}
		return server.NewStdio(server.StdioConfig{
			ID:      id,
			Command: desc.Command,
			Args:    desc.Args,
			Env:     desc.ExpandedEnv(),
			Timeout: desc.TimeoutDuration(defTimeout),
		})
	case config.ServerTypeBuiltin:
		if r.handlers == nil {
			return nil, fmt.Errorf("server %q: no handler registry configured", id)
		}
		handler, ok := r.handlers.Get(desc.Handler)
		if !ok {
			return nil, fmt.Errorf("server %q: handler %q is not registered", id, desc.Handler)
		}
		return server.NewBuiltin(id, handler)
	default:
		return nil, fmt.Errorf("server %q: unknown type %q", id, desc.Type)
	}
}

// Reload swaps in a new configuration, tearing down every existing
// connection and rebuilding the server set from scratch. Servers
// reconnect lazily on their next use.
func (r *Registry) Reload(cfg *config.Config) error {
	return r.apply(cfg)
}

// Acquire returns a usable connection for the server, connecting lazily on
// first use.
func (r *Registry) Acquire(ctx context.Context, id string) (server.Connection, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "server", ID: id}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn.IsConnected() {
		e.status = StatusConnected
		return e.conn, nil
	}

	e.status = StatusConnecting
	caps, err := e.conn.Connect(ctx)
	if err != nil {
		e.status = StatusError
		e.errMsg = err.Error()
		return nil, err
	}

	e.status = StatusConnected
	e.caps = caps
	e.errMsg = ""
	r.logger.Debug("server connected", log.ServerKey, id,
		"tools", caps.Tools, "resources", caps.Resources, "prompts", caps.Prompts)
	r.events.Emit(events.Event{Type: events.TypeConnected, Server: id})
	return e.conn, nil
}

// Get returns the connection for a server without connecting it.
func (r *Registry) Get(id string) (server.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Has reports whether the server id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// IDs returns the registered server ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Descriptor returns the configuration descriptor for a server.
func (r *Registry) Descriptor(id string) (*config.ServerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.desc, true
}

// ServerStatus is one row of a status report.
type ServerStatus struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Statuses returns the current status of every registered server.
func (r *Registry) Statuses() map[string]ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make(map[string]ServerStatus, len(r.entries))
	for id, e := range r.entries {
		e.mu.Lock()
		status := e.status
		if status == StatusConnected && !e.conn.IsConnected() {
			// A failed call tears the connection down without going through
			// the registry; reflect that here.
			status = StatusDisconnected
			e.status = status
		}
		statuses[id] = ServerStatus{Status: status, Error: e.errMsg}
		e.mu.Unlock()
	}
	return statuses
}

// MarkFailed records a call failure against a server so status reports
// reflect it.
func (r *Registry) MarkFailed(id string, err error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.status = StatusError
	e.errMsg = err.Error()
	e.mu.Unlock()
}

// Disconnect tears down one server's connection.
func (r *Registry) Disconnect(id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return &errors.NotFoundError{Resource: "server", ID: id}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.conn.IsConnected() {
		e.status = StatusDisconnected
		return nil
	}
	err := e.conn.Disconnect()
	e.status = StatusDisconnected
	r.events.Emit(events.Event{Type: events.TypeDisconnected, Server: id})
	return err
}

// Close disconnects every server. All connections are attempted; the first
// error is returned.
func (r *Registry) Close() error {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	r.mu.RUnlock()

	var firstErr error
	for id, e := range entries {
		e.mu.Lock()
		if e.conn.IsConnected() {
			if err := e.conn.Disconnect(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to disconnect %s: %w", id, err)
			}
			r.events.Emit(events.Event{Type: events.TypeDisconnected, Server: id})
		}
		e.status = StatusDisconnected
		e.mu.Unlock()
	}
	return firstErr
}

// DefaultTimeout returns the global per-call timeout.
func (r *Registry) DefaultTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Duration(r.global.Timeout) * time.Second
}

// RetryAttempts returns the global transient-failure retry budget.
func (r *Registry) RetryAttempts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global.RetryAttempts
}

// MaxConcurrent returns the global parallel-execution bound.
func (r *Registry) MaxConcurrent() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global.MaxConcurrent
}
