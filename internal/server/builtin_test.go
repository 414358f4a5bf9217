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

package server

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"toolmesh/pkg/errors"
)

func searchHandler() Handler {
	return HandlerFunc{
		Tool: ToolSpec{Name: "local_search", Description: "Searches the local index"},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			query, _ := params["query"].(string)
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}
			if query == "panic" {
				panic("index corrupted")
			}
			return map[string]any{"results": []any{
				map[string]any{"success": true, "title": "hit for " + query},
			}}, nil
		},
	}
}

func TestHandlerRegistry(t *testing.T) {
	reg := NewHandlerRegistry()
	require.NoError(t, reg.Register("local_search", searchHandler()))

	require.Error(t, reg.Register("local_search", searchHandler()), "duplicate registration must fail")
	require.Error(t, reg.Register("", searchHandler()))
	require.Error(t, reg.Register("nil", nil))

	h, ok := reg.Get("local_search")
	require.True(t, ok)
	require.NotNil(t, h)

	_, ok = reg.Get("missing")
	require.False(t, ok)
}

func TestBuiltin_ConnectAndList(t *testing.T) {
	b, err := NewBuiltin("local", searchHandler())
	require.NoError(t, err)
	require.Equal(t, "local", b.ID())
	require.True(t, b.IsConnected())

	caps, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, caps.Tools)

	tools, err := b.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "local_search", tools[0].Name)

	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Disconnect())
}

func TestBuiltin_CallTool(t *testing.T) {
	b, err := NewBuiltin("local", searchHandler())
	require.NoError(t, err)

	result, err := b.CallTool(context.Background(), "local_search", map[string]any{"query": "go"})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Payload["results"])
}

func TestBuiltin_CallTool_HandlerError(t *testing.T) {
	b, err := NewBuiltin("local", searchHandler())
	require.NoError(t, err)

	_, err = b.CallTool(context.Background(), "local_search", nil)
	require.Error(t, err)

	var execErr *errors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "local", execErr.Server)
	require.Equal(t, "local_search", execErr.Tool)
}

func TestBuiltin_CallTool_PanicRecovered(t *testing.T) {
	b, err := NewBuiltin("local", searchHandler())
	require.NoError(t, err)

	_, err = b.CallTool(context.Background(), "local_search", map[string]any{"query": "panic"})
	require.Error(t, err)

	var execErr *errors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Contains(t, execErr.Message, "handler panic")
}

func TestBuiltin_CallTool_UnknownTool(t *testing.T) {
	b, err := NewBuiltin("local", searchHandler())
	require.NoError(t, err)

	_, err = b.CallTool(context.Background(), "other_tool", nil)
	var nfErr *errors.NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestNewBuiltin_Validation(t *testing.T) {
	_, err := NewBuiltin("", searchHandler())
	require.Error(t, err)

	_, err = NewBuiltin("local", nil)
	require.Error(t, err)
}
