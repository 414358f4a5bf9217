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

package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"toolmesh/internal/config"
	"toolmesh/internal/events"
	"toolmesh/internal/registry"
	"toolmesh/internal/server"
	"toolmesh/pkg/errors"
)

// fakeConn fails a scripted number of calls, then succeeds.
type fakeConn struct {
	id        string
	failCalls int32 // fail the first N calls; negative fails forever
	callErr   error

	calls     atomic.Int32
	connected atomic.Bool
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Connect(ctx context.Context) (server.Capabilities, error) {
	f.connected.Store(true)
	return server.Capabilities{Tools: true}, nil
}

func (f *fakeConn) Disconnect() error { f.connected.Store(false); return nil }
func (f *fakeConn) IsConnected() bool { return f.connected.Load() }
func (f *fakeConn) Ping(ctx context.Context) error { return nil }

func (f *fakeConn) ListTools(ctx context.Context) ([]server.ToolSpec, error) {
	return nil, nil
}

func (f *fakeConn) CallTool(ctx context.Context, name string, params map[string]any) (*server.CallResult, error) {
	n := f.calls.Add(1)
	if f.failCalls < 0 || n <= f.failCalls {
		if f.callErr != nil {
			return nil, f.callErr
		}
		return nil, &errors.ConnectionError{Server: f.id, Message: "connection reset"}
	}
	return &server.CallResult{Payload: map[string]any{"from": f.id}}, nil
}

// recorder collects emitted events by type.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func buildExecutor(t *testing.T, cfg *config.Config, conns map[string]*fakeConn) (*Executor, *recorder) {
	t.Helper()

	rec := &recorder{}
	reg, err := registry.New(cfg, registry.Options{
		Events: rec,
		Dial: func(id string, desc *config.ServerDescriptor, timeout time.Duration) (server.Connection, error) {
			return conns[id], nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	return NewExecutor(Options{Registry: reg, Events: rec}), rec
}

func baseConfig(retries int) *config.Config {
	cfg := config.NewConfig()
	cfg.GlobalConfig.RetryAttempts = retries
	return cfg
}

func external(fallback string) *config.ServerDescriptor {
	return &config.ServerDescriptor{
		Type: config.ServerTypeExternal, Enabled: true, Command: "srv", Fallback: fallback,
	}
}

func TestExecute_PrimarySucceeds(t *testing.T) {
	cfg := baseConfig(0)
	cfg.Servers["search"] = external("")
	exec, _ := buildExecutor(t, cfg, map[string]*fakeConn{
		"search": {id: "search"},
	})

	outcome, err := exec.Execute(context.Background(), Attempt{Server: "search", Tool: "web_search"})
	require.NoError(t, err)
	require.Equal(t, "search", outcome.Server)
	require.Empty(t, outcome.FallbackChain)
	require.Equal(t, "search", outcome.Payload["from"])
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	cfg := baseConfig(2)
	cfg.Servers["search"] = external("")
	conn := &fakeConn{id: "search", failCalls: 2}
	exec, rec := buildExecutor(t, cfg, map[string]*fakeConn{"search": conn})

	outcome, err := exec.Execute(context.Background(), Attempt{Server: "search", Tool: "web_search"})
	require.NoError(t, err)
	require.Equal(t, int32(3), conn.calls.Load())
	require.Equal(t, 2, outcome.Retries)
	require.Empty(t, rec.ofType(events.TypeServerFailed))
}

func TestExecute_NonTransientSurfacesImmediately(t *testing.T) {
	cfg := baseConfig(2)
	cfg.Servers["search"] = external("backup")
	cfg.Servers["backup"] = external("")
	conn := &fakeConn{
		id: "search", failCalls: -1,
		callErr: &errors.ExecutionError{Server: "search", Tool: "web_search", Message: "bad query"},
	}
	backup := &fakeConn{id: "backup"}
	exec, rec := buildExecutor(t, cfg, map[string]*fakeConn{"search": conn, "backup": backup})

	_, err := exec.Execute(context.Background(), Attempt{Server: "search", Tool: "web_search"})
	var execErr *errors.ExecutionError
	require.ErrorAs(t, err, &execErr)

	require.Equal(t, int32(1), conn.calls.Load(), "no retries for application errors")
	require.Equal(t, int32(0), backup.calls.Load(), "no fallback for application errors")
	require.Empty(t, rec.ofType(events.TypeFallbackActivated))
}

func TestExecute_FallbackChain(t *testing.T) {
	// primary -> alpha -> beta; primary and alpha fail, beta succeeds.
	cfg := baseConfig(0)
	cfg.Servers["primary"] = external("alpha")
	cfg.Servers["alpha"] = external("beta")
	cfg.Servers["beta"] = external("")

	exec, rec := buildExecutor(t, cfg, map[string]*fakeConn{
		"primary": {id: "primary", failCalls: -1},
		"alpha":   {id: "alpha", failCalls: -1},
		"beta":    {id: "beta"},
	})

	outcome, err := exec.Execute(context.Background(), Attempt{Server: "primary", Tool: "web_search"})
	require.NoError(t, err)
	require.Equal(t, "beta", outcome.Server)
	require.Equal(t, []string{"alpha", "beta"}, outcome.FallbackChain)
	require.Equal(t, "beta", outcome.Payload["from"])

	failed := rec.ofType(events.TypeServerFailed)
	require.Len(t, failed, 2)
	require.Equal(t, "primary", failed[0].Server)
	require.Equal(t, "alpha", failed[1].Server)

	activated := rec.ofType(events.TypeFallbackActivated)
	require.Len(t, activated, 2)
	require.Equal(t, "alpha", activated[0].Server)
	require.Equal(t, "beta", activated[1].Server)
}

func TestExecute_FallbackCycleStops(t *testing.T) {
	cfg := baseConfig(0)
	cfg.Servers["a"] = external("b")
	cfg.Servers["b"] = external("a")

	exec, _ := buildExecutor(t, cfg, map[string]*fakeConn{
		"a": {id: "a", failCalls: -1},
		"b": {id: "b", failCalls: -1},
	})

	_, err := exec.Execute(context.Background(), Attempt{Server: "a", Tool: "t"})
	require.Error(t, err, "a fallback cycle terminates with the last failure")
}

func TestExecute_FailedOutcomeRecordsAttemptedFallbacks(t *testing.T) {
	cfg := baseConfig(0)
	cfg.Servers["primary"] = external("backup")
	cfg.Servers["backup"] = external("")

	backup := &fakeConn{id: "backup", failCalls: -1}
	exec, _ := buildExecutor(t, cfg, map[string]*fakeConn{
		"primary": {id: "primary", failCalls: -1},
		"backup":  backup,
	})

	outcome, err := exec.Execute(context.Background(), Attempt{Server: "primary", Tool: "t"})
	require.Error(t, err)
	require.NotNil(t, outcome, "a failed execution still reports how far recovery got")
	require.Equal(t, int32(1), backup.calls.Load())
	require.Equal(t, []string{"backup"}, outcome.FallbackChain)
	require.Equal(t, "primary", outcome.Server)
	require.Nil(t, outcome.Payload)
}

func TestExecute_SmartFallbackHonorsConditions(t *testing.T) {
	cfg := baseConfig(0)
	cfg.Servers["primary"] = &config.ServerDescriptor{
		Type: config.ServerTypeExternal, Enabled: true, Command: "srv",
		SmartFallback: []config.FallbackCandidate{
			{Server: "slow", Priority: 1, MaxLatencyMS: 50},
			{Server: "steady", Priority: 2},
		},
	}
	cfg.Servers["slow"] = external("")
	cfg.Servers["steady"] = external("")

	exec, _ := buildExecutor(t, cfg, map[string]*fakeConn{
		"primary": {id: "primary", failCalls: -1},
		"slow":    {id: "slow"},
		"steady":  {id: "steady"},
	})

	// Record measured latency above the candidate's bound.
	exec.stats.Record("slow", 200*time.Millisecond, true)

	outcome, err := exec.Execute(context.Background(), Attempt{Server: "primary", Tool: "t"})
	require.NoError(t, err)
	require.Equal(t, "steady", outcome.Server, "high-latency candidate is skipped")
	require.Equal(t, []string{"steady"}, outcome.FallbackChain)
	require.Contains(t, outcome.FallbackReason, "priority 2")
}

func TestExecute_CachedResponseFallback(t *testing.T) {
	cfg := baseConfig(0)
	cfg.Servers["search"] = &config.ServerDescriptor{
		Type: config.ServerTypeExternal, Enabled: true, Command: "srv",
		CacheFallback: true, CacheTTL: 3600,
	}
	conn := &fakeConn{id: "search"}
	exec, _ := buildExecutor(t, cfg, map[string]*fakeConn{"search": conn})

	params := map[string]any{"query": "go"}

	// Seed the cache with a successful call.
	first, err := exec.Execute(context.Background(), Attempt{Server: "search", Tool: "web_search", Params: params})
	require.NoError(t, err)
	require.False(t, first.FromCache)

	// Now the server fails permanently; the cached response is served.
	conn.failCalls = -1
	conn.calls.Store(0)

	second, err := exec.Execute(context.Background(), Attempt{Server: "search", Tool: "web_search", Params: params})
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.GreaterOrEqual(t, second.CacheAge, time.Duration(0))
	require.Equal(t, "search", second.Payload["from"])

	// A different parameter set has no cached entry.
	_, err = exec.Execute(context.Background(), Attempt{
		Server: "search", Tool: "web_search", Params: map[string]any{"query": "rust"},
	})
	require.Error(t, err)
}

func TestExecute_DegradedMode(t *testing.T) {
	cfg := baseConfig(0)
	cfg.Servers["search"] = &config.ServerDescriptor{
		Type: config.ServerTypeExternal, Enabled: true, Command: "srv",
		DegradedResponse: map[string]any{"results": []any{}, "note": "temporarily unavailable"},
		NotifyOnDegraded: true,
	}
	exec, rec := buildExecutor(t, cfg, map[string]*fakeConn{
		"search": {id: "search", failCalls: -1},
	})

	outcome, err := exec.Execute(context.Background(), Attempt{Server: "search", Tool: "web_search"})
	require.NoError(t, err, "degraded mode converts exhaustion into success")
	require.True(t, outcome.Degraded)
	require.Equal(t, "temporarily unavailable", outcome.Payload["note"])
	require.NotEmpty(t, outcome.Notification)

	notices := rec.ofType(events.TypeUserNotification)
	require.Len(t, notices, 1)
	require.Equal(t, "search", notices[0].Server)
}

func TestExecute_DegradedModeAbsorbsApplicationErrors(t *testing.T) {
	cfg := baseConfig(2)
	cfg.Servers["search"] = &config.ServerDescriptor{
		Type: config.ServerTypeExternal, Enabled: true, Command: "srv",
		DegradedResponse: map[string]any{"results": []any{}, "note": "temporarily unavailable"},
	}
	conn := &fakeConn{
		id: "search", failCalls: -1,
		callErr: &errors.ExecutionError{Server: "search", Tool: "web_search", Message: "bad query"},
	}
	exec, _ := buildExecutor(t, cfg, map[string]*fakeConn{"search": conn})

	outcome, err := exec.Execute(context.Background(), Attempt{Server: "search", Tool: "web_search"})
	require.NoError(t, err, "the canned response also covers application errors")
	require.True(t, outcome.Degraded)
	require.Equal(t, "temporarily unavailable", outcome.Payload["note"])
	require.Equal(t, int32(1), conn.calls.Load(), "application errors are not retried")
}

func TestExecute_CircuitBreaker(t *testing.T) {
	cfg := baseConfig(0)
	cfg.Servers["search"] = &config.ServerDescriptor{
		Type: config.ServerTypeExternal, Enabled: true, Command: "srv",
		Recovery: &config.RecoveryPolicy{CheckInterval: 1, MaxConsecutiveFailures: 2},
	}
	conn := &fakeConn{id: "search", failCalls: 2}
	exec, rec := buildExecutor(t, cfg, map[string]*fakeConn{"search": conn})

	// Two failures open the circuit.
	_, err := exec.Execute(context.Background(), Attempt{Server: "search", Tool: "t"})
	require.Error(t, err)
	_, err = exec.Execute(context.Background(), Attempt{Server: "search", Tool: "t"})
	require.Error(t, err)
	require.Equal(t, int32(2), conn.calls.Load())

	// While open, calls short-circuit without reaching the server.
	_, err = exec.Execute(context.Background(), Attempt{Server: "search", Tool: "t"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "circuit open")
	require.Equal(t, int32(2), conn.calls.Load())

	// After the check interval the probe goes through, succeeds, and the
	// circuit closes with a recovery event.
	time.Sleep(1100 * time.Millisecond)

	outcome, err := exec.Execute(context.Background(), Attempt{Server: "search", Tool: "t"})
	require.NoError(t, err)
	require.Equal(t, "search", outcome.Server)

	recovered := rec.ofType(events.TypeServerRecovered)
	require.Len(t, recovered, 1)

	// Closed again: the next call flows normally.
	_, err = exec.Execute(context.Background(), Attempt{Server: "search", Tool: "t"})
	require.NoError(t, err)
}

// batchConn wraps fakeConn with a custom payload.
type batchConn struct {
	*fakeConn
	payload map[string]any
}

func (b *batchConn) CallTool(ctx context.Context, name string, params map[string]any) (*server.CallResult, error) {
	return &server.CallResult{Payload: b.payload}, nil
}

func buildBatchExecutor(t *testing.T, payload map[string]any) *Executor {
	t.Helper()

	cfg := baseConfig(0)
	cfg.Servers["batch"] = external("")
	batch := &batchConn{fakeConn: &fakeConn{id: "batch"}, payload: payload}

	reg, err := registry.New(cfg, registry.Options{
		Dial: func(id string, desc *config.ServerDescriptor, timeout time.Duration) (server.Connection, error) {
			return batch, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return NewExecutor(Options{Registry: reg})
}

func TestExecute_PartialBatchPassesThrough(t *testing.T) {
	exec := buildBatchExecutor(t, map[string]any{
		"results": []any{
			map[string]any{"success": true, "id": "a"},
			map[string]any{"success": false, "id": "b"},
			map[string]any{"success": true, "id": "c"},
		},
	})

	outcome, err := exec.Execute(context.Background(), Attempt{Server: "batch", Tool: "bulk"})
	require.NoError(t, err, "a partially failed batch is not a hard failure")
	require.True(t, outcome.Partial())
	require.Equal(t, 2, outcome.Succeeded)
	require.Equal(t, 1, outcome.Failed)
	require.Len(t, outcome.Payload["results"], 3, "per-item results pass through intact")
}

func TestExecute_FullyFailedBatchIsError(t *testing.T) {
	exec := buildBatchExecutor(t, map[string]any{
		"results": []any{
			map[string]any{"success": false, "id": "a"},
			map[string]any{"success": false, "id": "b"},
		},
	})

	_, err := exec.Execute(context.Background(), Attempt{Server: "batch", Tool: "bulk"})
	var execErr *errors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Contains(t, execErr.Message, "batch items failed")
}

func TestExecute_ToolExecutedEvents(t *testing.T) {
	cfg := baseConfig(1)
	cfg.Servers["search"] = external("")
	conn := &fakeConn{id: "search", failCalls: 1}
	exec, rec := buildExecutor(t, cfg, map[string]*fakeConn{"search": conn})

	_, err := exec.Execute(context.Background(), Attempt{
		Server: "search", Tool: "web_search", CorrelationID: "corr-1",
	})
	require.NoError(t, err)

	executed := rec.ofType(events.TypeToolExecuted)
	require.Len(t, executed, 2, "one event per attempt")
	require.False(t, executed[0].Success)
	require.True(t, executed[1].Success)
	require.Equal(t, "corr-1", executed[0].CorrelationID)
}
