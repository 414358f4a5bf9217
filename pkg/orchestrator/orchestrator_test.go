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

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"toolmesh/internal/engine"
	"toolmesh/internal/events"
	"toolmesh/internal/server"
)

const builtinOnlyConfig = `
servers:
  local_search:
    type: built-in
    enabled: true
    handler: local_search
global_config:
  timeout: 5
  max_concurrent: 2
  retry_attempts: 0
chains:
  lookup:
    mode: sequential
    steps:
      - server: local_search
        tool: index_search
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newStarted(t *testing.T) *Orchestrator {
	t.Helper()

	orch, err := New(Options{ConfigPath: writeConfig(t, builtinOnlyConfig)})
	require.NoError(t, err)

	err = orch.RegisterHandler("local_search", server.HandlerFunc{
		Tool: server.ToolSpec{Name: "index_search", Description: "Searches the local index"},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"hits": []any{"a", "b"}}, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() { orch.Close() })
	return orch
}

func TestOrchestrator_RequiresConfigPath(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestOrchestrator_StartRejectsInvalidConfig(t *testing.T) {
	orch, err := New(Options{ConfigPath: writeConfig(t, `
servers:
  broken:
    type: external
    enabled: true
`)})
	require.NoError(t, err)

	err = orch.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid configuration")
}

func TestOrchestrator_ExecuteTool(t *testing.T) {
	orch := newStarted(t)

	_, err := orch.DiscoverTools(context.Background(), false)
	require.NoError(t, err)

	result, err := orch.ExecuteTool(context.Background(), "index_search", map[string]any{"query": "go"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "local_search", result.ServerUsed)
	require.NotEmpty(t, result.CorrelationID)
}

func TestOrchestrator_ExecuteChain(t *testing.T) {
	orch := newStarted(t)

	_, err := orch.DiscoverTools(context.Background(), false)
	require.NoError(t, err)

	result, err := orch.ExecuteChain(context.Background(), "lookup", nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, []string{"local_search"}, result.Executed)
}

func TestOrchestrator_SubscribeSeesExecutionEvents(t *testing.T) {
	orch := newStarted(t)

	_, err := orch.DiscoverTools(context.Background(), false)
	require.NoError(t, err)

	ch, cancel := orch.Subscribe()
	defer cancel()

	_, err = orch.ExecuteTool(context.Background(), "index_search", nil)
	require.NoError(t, err)

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == events.TypeToolExecuted {
				require.Equal(t, "local_search", e.Server)
				require.True(t, e.Success)
				return
			}
		case <-deadline:
			t.Fatal("no tool-executed event observed")
		}
	}
}

func TestOrchestrator_CatalogCachePersists(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "catalog.json")

	orch, err := New(Options{
		ConfigPath: writeConfig(t, builtinOnlyConfig),
		CachePath:  cachePath,
	})
	require.NoError(t, err)
	require.NoError(t, orch.RegisterHandler("local_search", server.HandlerFunc{
		Tool: server.ToolSpec{Name: "index_search"},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		},
	}))
	require.NoError(t, orch.Start(context.Background()))
	defer orch.Close()

	_, err = orch.DiscoverTools(context.Background(), true)
	require.NoError(t, err)
	require.FileExists(t, cachePath)
}

func TestOrchestrator_RegisterHandlerAfterStart(t *testing.T) {
	orch := newStarted(t)

	err := orch.RegisterHandler("late", server.HandlerFunc{
		Tool: server.ToolSpec{Name: "late_tool"},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, nil
		},
	})
	require.Error(t, err)
}

func TestOrchestrator_ExecuteBeforeStart(t *testing.T) {
	orch, err := New(Options{ConfigPath: writeConfig(t, builtinOnlyConfig)})
	require.NoError(t, err)

	_, err = orch.Execute(context.Background(), engine.Request{Tool: "index_search"})
	require.Error(t, err)
}

func TestOrchestrator_WaitHealthy(t *testing.T) {
	orch := newStarted(t)
	require.NoError(t, orch.WaitHealthy(context.Background(), time.Second))
}
