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

// Package engine executes tools and chains: it resolves targets through
// the catalog, runs every invocation through the resilience layer, and
// aggregates multi-server chains under their declared execution mode.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"toolmesh/internal/catalog"
	"toolmesh/internal/config"
	"toolmesh/internal/log"
	"toolmesh/internal/registry"
	"toolmesh/internal/resilience"
	"toolmesh/pkg/errors"
)

// Request is one execution request against the engine.
type Request struct {
	// Tool is the tool to execute (single-tool requests).
	Tool string

	// Server pins the request to a server, bypassing catalog resolution.
	// Optional; when set with an empty Tool, the server's single tool runs.
	Server string

	// Chain is the chain or composition to execute (chain requests).
	Chain string

	// Params are the request parameters.
	Params map[string]any

	// Caller identifies the requesting principal, recorded on results and
	// log lines. Optional.
	Caller string

	// CorrelationID ties logs and events to this request. Generated when
	// empty.
	CorrelationID string

	// Timeout is the caller deadline for the whole request. Zero means no
	// engine-imposed deadline beyond per-call timeouts.
	Timeout time.Duration
}

// StepResult is the outcome of one chain participant.
type StepResult struct {
	// Server is the server that produced the result, after any fallback.
	Server string `json:"server"`

	// Tool is the tool invoked.
	Tool string `json:"tool"`

	// Success reports the step outcome.
	Success bool `json:"success"`

	// Payload is the step's result document, nil on failure.
	Payload map[string]any `json:"payload,omitempty"`

	// ErrorKind and Error describe the failure, empty on success.
	ErrorKind errors.Kind `json:"error_kind,omitempty"`
	Error     string      `json:"error,omitempty"`

	// Duration is the step's wall-clock time.
	Duration time.Duration `json:"duration"`

	// FallbackChain lists fallback servers activated for this step.
	FallbackChain []string `json:"fallback_chain,omitempty"`

	// Degraded and FromCache report recovery outcomes.
	Degraded  bool          `json:"degraded,omitempty"`
	FromCache bool          `json:"from_cache,omitempty"`
	CacheAge  time.Duration `json:"cache_age,omitempty"`

	// Succeeded and Failed are batch item counts for batch-shaped payloads.
	Succeeded int `json:"succeeded,omitempty"`
	Failed    int `json:"failed,omitempty"`
}

// Partial reports whether the step is a batch with mixed outcomes.
func (s *StepResult) Partial() bool {
	return s.Succeeded > 0 && s.Failed > 0
}

// Result is the aggregate outcome of an execution request.
type Result struct {
	// Success is the aggregate outcome under the chain's success policy,
	// or the single step's outcome for tool requests.
	Success bool `json:"success"`

	// CorrelationID identifies the request across logs and events.
	CorrelationID string `json:"correlation_id"`

	// Payload is the result document: the tool result for single-tool
	// requests, the final document for pipelines.
	Payload map[string]any `json:"payload,omitempty"`

	// ServerUsed is the server that produced the payload (single-tool
	// requests).
	ServerUsed string `json:"server_used,omitempty"`

	// FallbackChain lists fallback servers activated, in order.
	FallbackChain []string `json:"fallback_chain,omitempty"`

	// Degraded, FromCache, and CacheAge report recovery outcomes.
	Degraded  bool          `json:"degraded,omitempty"`
	FromCache bool          `json:"from_cache,omitempty"`
	CacheAge  time.Duration `json:"cache_age,omitempty"`

	// Notification is a user-facing notice attached to degraded outcomes.
	Notification string `json:"notification,omitempty"`

	// ErrorKind and Error describe the failure for unsuccessful results.
	ErrorKind errors.Kind `json:"error_kind,omitempty"`
	Error     string      `json:"error,omitempty"`

	// Duration is the total wall-clock time.
	Duration time.Duration `json:"duration"`

	// Executed lists the step keys that ran, in declared order.
	Executed []string `json:"executed,omitempty"`

	// Steps holds per-step results for chain requests, keyed by step key.
	Steps map[string]*StepResult `json:"steps,omitempty"`
}

// Engine executes tools and chains.
type Engine struct {
	registry   *registry.Registry
	catalog    *catalog.Service
	resilience *resilience.Executor
	logger     *slog.Logger
	tracer     trace.Tracer

	cfg atomic.Pointer[config.Config]

	predicates *predicates
	mapper     *mapper
}

// Options configures an Engine.
type Options struct {
	Config     *config.Config
	Registry   *registry.Registry
	Catalog    *catalog.Service
	Resilience *resilience.Executor
	Logger     *slog.Logger
}

// New creates an engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		registry:   opts.Registry,
		catalog:    opts.Catalog,
		resilience: opts.Resilience,
		logger:     log.WithComponent(logger, "engine"),
		tracer:     otel.Tracer("toolmesh/engine"),
		predicates: newPredicates(),
		mapper:     newMapper(),
	}
	e.cfg.Store(opts.Config)
	return e
}

// SetConfig swaps in a new configuration on hot reload. In-flight
// executions finish against the configuration they started with.
func (e *Engine) SetConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	return e.cfg.Load()
}

// Execute dispatches the request: chain requests to the chain runner,
// everything else as a single tool call.
func (e *Engine) Execute(ctx context.Context, req Request) *Result {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	if req.Chain != "" {
		return e.executeChain(ctx, req)
	}
	return e.executeTool(ctx, req)
}

// executeTool runs one tool, resolving its server through the catalog
// unless the request pins one.
func (e *Engine) executeTool(ctx context.Context, req Request) *Result {
	start := time.Now()
	logger := log.WithCorrelationID(e.logger, req.CorrelationID)

	ctx, span := e.tracer.Start(ctx, "engine.tool",
		trace.WithAttributes(
			attribute.String("tool", req.Tool),
			attribute.String("correlation_id", req.CorrelationID),
		))
	defer span.End()

	result := &Result{CorrelationID: req.CorrelationID}

	serverID, tool, err := e.resolve(req.Server, req.Tool)
	if err != nil {
		return e.fail(result, err, start)
	}

	logger.Info("executing tool",
		log.ServerKey, serverID, log.ToolKey, tool, "caller", req.Caller)

	outcome, err := e.resilience.Execute(ctx, resilience.Attempt{
		Server:        serverID,
		Tool:          tool,
		Params:        req.Params,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		// Failed results still report how far recovery got.
		if outcome != nil {
			result.FallbackChain = outcome.FallbackChain
		}
		return e.fail(result, err, start)
	}

	result.Success = true
	result.Payload = outcome.Payload
	result.ServerUsed = outcome.Server
	result.FallbackChain = outcome.FallbackChain
	result.Degraded = outcome.Degraded
	result.FromCache = outcome.FromCache
	result.CacheAge = outcome.CacheAge
	result.Notification = outcome.Notification
	if outcome.Partial() {
		result.ErrorKind = errors.KindPartial
		result.Error = fmt.Sprintf("%d of %d batch items failed",
			outcome.Failed, outcome.Succeeded+outcome.Failed)
	}
	result.Duration = time.Since(start)
	return result
}

// resolve maps a request target onto a concrete server and tool.
func (e *Engine) resolve(serverID, tool string) (string, string, error) {
	if serverID != "" {
		if !e.registry.Has(serverID) {
			return "", "", &errors.NotFoundError{Resource: "server", ID: serverID}
		}
		if tool == "" {
			return e.defaultTool(serverID)
		}
		return serverID, tool, nil
	}

	if tool == "" {
		return "", "", &errors.NotFoundError{Resource: "tool", ID: "(empty)"}
	}

	cat := e.catalog.Current()
	if cat == nil {
		return "", "", &errors.NotFoundError{Resource: "catalog", ID: "(not discovered)"}
	}
	entry, ok := cat.Resolve(tool)
	if !ok {
		return "", "", &errors.NotFoundError{Resource: "tool", ID: tool}
	}
	return entry.Server, entry.Name, nil
}

// defaultTool resolves a server's single tool. Servers exposing more than
// one tool require an explicit tool name.
func (e *Engine) defaultTool(serverID string) (string, string, error) {
	cat := e.catalog.Current()
	if cat == nil {
		return "", "", &errors.NotFoundError{Resource: "catalog", ID: "(not discovered)"}
	}
	tools := cat.ServerTools(serverID)
	switch len(tools) {
	case 0:
		return "", "", &errors.NotFoundError{Resource: "tool", ID: "server " + serverID + " exposes none"}
	case 1:
		return serverID, tools[0].Name, nil
	default:
		return "", "", fmt.Errorf("server %q exposes %d tools, specify one", serverID, len(tools))
	}
}

func (e *Engine) fail(result *Result, err error, start time.Time) *Result {
	result.Success = false
	result.ErrorKind = errors.KindOf(err)
	result.Error = err.Error()
	result.Duration = time.Since(start)
	return result
}
