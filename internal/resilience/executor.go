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

// Package resilience wraps tool calls with the recovery ladder: retry on
// transient failures, fallback-chain traversal, smart fallback selection,
// cached responses, degraded mode, and per-server circuit breaking.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"toolmesh/internal/events"
	"toolmesh/internal/log"
	"toolmesh/internal/registry"
	"toolmesh/internal/server"
	"toolmesh/pkg/errors"
)

// DefaultMaxFallbackDepth bounds fallback-chain traversal. Cycles are
// prevented separately; the depth bound caps pathological configurations.
const DefaultMaxFallbackDepth = 5

// retryBaseDelay is the pause before the first retry; subsequent retries
// back off linearly.
const retryBaseDelay = 100 * time.Millisecond

// Attempt is one logical tool invocation to run through the recovery ladder.
type Attempt struct {
	// Server is the primary server id.
	Server string

	// Tool is the tool to invoke.
	Tool string

	// Params are the tool parameters.
	Params map[string]any

	// CorrelationID ties emitted events to the execution request.
	CorrelationID string

	// Chain is the enclosing chain id, when any.
	Chain string
}

// Outcome is the result of a recovered execution.
type Outcome struct {
	// Payload is the result document.
	Payload map[string]any

	// Server is the server that produced the result. For cached and
	// degraded outcomes this is the primary server.
	Server string

	// FallbackChain lists the fallback servers activated, in order.
	// Empty when the primary answered.
	FallbackChain []string

	// FallbackReason explains the last smart-fallback selection.
	FallbackReason string

	// Degraded reports that the canned degraded response was served.
	Degraded bool

	// Notification is the user-notification message emitted for this
	// outcome, when any.
	Notification string

	// FromCache reports that a cached response was served.
	FromCache bool

	// CacheAge is the age of the served cached response.
	CacheAge time.Duration

	// Succeeded and Failed are per-item counts for batch-shaped payloads.
	// Both zero for ordinary responses.
	Succeeded int
	Failed    int

	// Retries counts the extra attempts spent across all servers.
	Retries int
}

// Partial reports whether the outcome is a batch with both successes and
// failures.
func (o *Outcome) Partial() bool {
	return o.Succeeded > 0 && o.Failed > 0
}

// Options configures an Executor.
type Options struct {
	Registry *registry.Registry
	Events   events.Sink
	Logger   *slog.Logger

	// MaxFallbackDepth bounds fallback traversal (defaults to 5).
	MaxFallbackDepth int
}

// Executor runs tool calls through the recovery ladder.
type Executor struct {
	registry *registry.Registry
	events   events.Sink
	logger   *slog.Logger
	maxDepth int

	breakerMu sync.Mutex
	breakers  map[string]*Breaker

	stats *Stats
	cache *ResponseCache
}

// NewExecutor creates a resilience executor over the registry.
func NewExecutor(opts Options) *Executor {
	sink := opts.Events
	if sink == nil {
		sink = events.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxDepth := opts.MaxFallbackDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxFallbackDepth
	}
	return &Executor{
		registry: opts.Registry,
		events:   sink,
		logger:   log.WithComponent(logger, "resilience"),
		maxDepth: maxDepth,
		breakers: make(map[string]*Breaker),
		stats:    NewStats(),
		cache:    NewResponseCache(),
	}
}

// Execute runs the attempt: the primary server with retries, then the
// fallback chain, then cached-response and degraded-mode recovery on the
// primary. Non-transient errors skip the fallback chain but can still be
// absorbed by a configured degraded response. On failure the returned
// outcome records the fallback servers that were attempted.
func (x *Executor) Execute(ctx context.Context, att Attempt) (*Outcome, error) {
	visited := make(map[string]bool)
	var fallbackChain []string
	var reason string
	var lastErr error
	retries := 0

	current := att.Server
	for depth := 0; depth <= x.maxDepth; depth++ {
		visited[current] = true

		outcome, extra, err := x.callWithRetry(ctx, current, att)
		retries += extra
		if err == nil {
			outcome.FallbackChain = fallbackChain
			outcome.FallbackReason = reason
			outcome.Retries = retries
			return outcome, nil
		}
		lastErr = err

		if !errors.IsTransient(err) {
			if outcome, ok := x.recoverDegraded(att, fallbackChain, retries); ok {
				return outcome, nil
			}
			return x.exhausted(att, fallbackChain, retries), err
		}

		x.registry.MarkFailed(current, err)
		x.events.Emit(events.Event{
			Type:          events.TypeServerFailed,
			Server:        current,
			Tool:          att.Tool,
			Chain:         att.Chain,
			CorrelationID: att.CorrelationID,
			Message:       err.Error(),
		})

		if ctx.Err() != nil {
			return x.exhausted(att, fallbackChain, retries), err
		}

		next, why := x.nextFallback(current, visited)
		if next == "" {
			break
		}

		x.logger.Info("activating fallback",
			log.ServerKey, current, "fallback", next, "reason", why)
		x.events.Emit(events.Event{
			Type:          events.TypeFallbackActivated,
			Server:        next,
			Tool:          att.Tool,
			Chain:         att.Chain,
			CorrelationID: att.CorrelationID,
			Message:       fmt.Sprintf("taking over for %s: %s", current, why),
		})
		fallbackChain = append(fallbackChain, next)
		reason = why
		current = next
	}

	if outcome, ok := x.recoverCached(att, fallbackChain, retries); ok {
		return outcome, nil
	}
	if outcome, ok := x.recoverDegraded(att, fallbackChain, retries); ok {
		return outcome, nil
	}
	return x.exhausted(att, fallbackChain, retries), lastErr
}

// exhausted builds the failure outcome: no payload, but the attempted
// fallback chain so callers can report how far recovery got.
func (x *Executor) exhausted(att Attempt, fallbackChain []string, retries int) *Outcome {
	return &Outcome{
		Server:        att.Server,
		FallbackChain: fallbackChain,
		Retries:       retries,
	}
}

// recoverCached serves a prior successful response for the primary server
// when cached-response fallback is configured. Transient exhaustion only;
// an application error means the server answered and disagreed.
func (x *Executor) recoverCached(att Attempt, fallbackChain []string, retries int) (*Outcome, bool) {
	desc, ok := x.registry.Descriptor(att.Server)
	if !ok || !desc.CacheFallback {
		return nil, false
	}

	ttl := time.Duration(desc.CacheTTL) * time.Second
	payload, age, found := x.cache.Lookup(att.Server, att.Tool, att.Params, ttl)
	if !found {
		return nil, false
	}

	x.logger.Info("serving cached response",
		log.ServerKey, att.Server, log.ToolKey, att.Tool, "age", age)
	return &Outcome{
		Payload:       payload,
		Server:        att.Server,
		FallbackChain: fallbackChain,
		FromCache:     true,
		CacheAge:      age,
		Retries:       retries,
	}, true
}

// recoverDegraded serves the primary server's canned degraded response,
// absorbing transient exhaustion and application errors alike.
func (x *Executor) recoverDegraded(att Attempt, fallbackChain []string, retries int) (*Outcome, bool) {
	desc, ok := x.registry.Descriptor(att.Server)
	if !ok || desc.DegradedResponse == nil {
		return nil, false
	}

	outcome := &Outcome{
		Payload:       desc.DegradedResponse,
		Server:        att.Server,
		FallbackChain: fallbackChain,
		Degraded:      true,
		Retries:       retries,
	}
	if desc.NotifyOnDegraded {
		msg := fmt.Sprintf("server %s is unavailable, serving a degraded response", att.Server)
		outcome.Notification = msg
		x.events.Emit(events.Event{
			Type:          events.TypeUserNotification,
			Server:        att.Server,
			Tool:          att.Tool,
			Chain:         att.Chain,
			CorrelationID: att.CorrelationID,
			Message:       msg,
		})
	}
	return outcome, true
}

// callWithRetry runs the call against one server with the transient retry
// budget. The second return value counts the retries spent.
func (x *Executor) callWithRetry(ctx context.Context, serverID string, att Attempt) (*Outcome, int, error) {
	attempts := x.registry.RetryAttempts() + 1
	br := x.breaker(serverID)

	var lastErr error
	for i := 0; i < attempts; i++ {
		if br != nil && !br.Allow() {
			// Short-circuit without burning the retry budget.
			return nil, i, &errors.ConnectionError{
				Server:  serverID,
				Message: "circuit open",
			}
		}

		start := time.Now()
		outcome, err := x.callOnce(ctx, serverID, att)
		elapsed := time.Since(start)

		x.stats.Record(serverID, elapsed, err == nil)
		x.events.Emit(events.Event{
			Type:          events.TypeToolExecuted,
			Server:        serverID,
			Tool:          att.Tool,
			Chain:         att.Chain,
			CorrelationID: att.CorrelationID,
			Success:       err == nil,
			Duration:      elapsed,
		})

		if err == nil {
			if br != nil && br.Success() {
				x.logger.Info("server recovered", log.ServerKey, serverID)
				x.events.Emit(events.Event{
					Type:          events.TypeServerRecovered,
					Server:        serverID,
					CorrelationID: att.CorrelationID,
				})
			}
			if desc, ok := x.registry.Descriptor(serverID); ok && desc.CacheFallback && !outcome.Partial() {
				x.cache.Store(serverID, att.Tool, att.Params, outcome.Payload)
			}
			return outcome, i, nil
		}

		if br != nil {
			br.Failure()
		}
		lastErr = err

		if !errors.IsTransient(err) {
			return nil, i, err
		}
		if i < attempts-1 {
			x.logger.Debug("retrying after transient failure",
				log.ServerKey, serverID, "attempt", i+1, "error", err)
			select {
			case <-time.After(retryBaseDelay * time.Duration(i+1)):
			case <-ctx.Done():
				return nil, i, lastErr
			}
		}
	}
	return nil, attempts - 1, lastErr
}

// callOnce performs a single tool call and normalizes the result.
func (x *Executor) callOnce(ctx context.Context, serverID string, att Attempt) (*Outcome, error) {
	conn, err := x.registry.Acquire(ctx, serverID)
	if err != nil {
		return nil, err
	}

	result, err := conn.CallTool(ctx, att.Tool, att.Params)
	if err != nil {
		return nil, err
	}

	if result.IsError {
		return nil, &errors.ExecutionError{
			Server:  serverID,
			Tool:    att.Tool,
			Message: errorMessage(result.Payload),
		}
	}

	outcome := &Outcome{Payload: result.Payload, Server: serverID}
	if items := server.BatchItems(result.Payload); items != nil {
		for _, item := range items {
			if item.Success {
				outcome.Succeeded++
			} else {
				outcome.Failed++
			}
		}
		// A fully failed batch is a hard execution error; a mixed batch
		// passes through with its per-item results intact.
		if outcome.Succeeded == 0 && outcome.Failed > 0 {
			return nil, &errors.ExecutionError{
				Server:  serverID,
				Tool:    att.Tool,
				Message: fmt.Sprintf("all %d batch items failed", outcome.Failed),
			}
		}
	}
	return outcome, nil
}

func errorMessage(payload map[string]any) string {
	if msg, ok := payload["content"].(string); ok && msg != "" {
		return msg
	}
	if msg, ok := payload["error"].(string); ok && msg != "" {
		return msg
	}
	return "tool reported an error"
}

// nextFallback picks the substitute for a failed server: smart-fallback
// candidates by priority and measured conditions when declared, the plain
// fallback reference otherwise. Already-visited servers and servers with
// an open circuit are skipped.
func (x *Executor) nextFallback(failed string, visited map[string]bool) (string, string) {
	desc, ok := x.registry.Descriptor(failed)
	if !ok {
		return "", ""
	}

	if len(desc.SmartFallback) > 0 {
		sorted := make([]int, len(desc.SmartFallback))
		for i := range sorted {
			sorted[i] = i
		}
		sort.SliceStable(sorted, func(a, b int) bool {
			return desc.SmartFallback[sorted[a]].Priority < desc.SmartFallback[sorted[b]].Priority
		})

		for _, idx := range sorted {
			cand := desc.SmartFallback[idx]
			if visited[cand.Server] || !x.registry.Has(cand.Server) {
				continue
			}
			if br := x.breaker(cand.Server); br != nil && br.Open() {
				continue
			}

			avgLatency, successRate, samples := x.stats.Snapshot(cand.Server)
			if samples > 0 {
				if cand.MaxLatencyMS > 0 && avgLatency > time.Duration(cand.MaxLatencyMS)*time.Millisecond {
					continue
				}
				if cand.MinSuccessRate > 0 && successRate < cand.MinSuccessRate {
					continue
				}
				return cand.Server, fmt.Sprintf(
					"priority %d, avg latency %s, success rate %.2f over %d calls",
					cand.Priority, avgLatency.Round(time.Millisecond), successRate, samples)
			}
			return cand.Server, fmt.Sprintf("priority %d, no recorded calls", cand.Priority)
		}
		return "", ""
	}

	if desc.Fallback != "" && !visited[desc.Fallback] && x.registry.Has(desc.Fallback) {
		return desc.Fallback, "configured fallback"
	}
	return "", ""
}

// breaker returns the server's circuit breaker, creating it lazily from
// the recovery policy. Servers without a recovery policy have no breaker.
func (x *Executor) breaker(serverID string) *Breaker {
	x.breakerMu.Lock()
	defer x.breakerMu.Unlock()

	if br, ok := x.breakers[serverID]; ok {
		return br
	}

	desc, ok := x.registry.Descriptor(serverID)
	if !ok || desc.Recovery == nil {
		return nil
	}
	br := NewBreaker(
		desc.Recovery.MaxConsecutiveFailures,
		time.Duration(desc.Recovery.CheckInterval)*time.Second,
	)
	x.breakers[serverID] = br
	return br
}
