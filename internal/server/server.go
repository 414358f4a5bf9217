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

// Package server adapts tool servers behind one connection contract,
// regardless of whether they run as external child processes speaking the
// tool protocol over stdio or as in-process built-in handlers.
package server

import (
	"context"
	"encoding/json"
)

// ToolSpec describes a tool exposed by a server.
type ToolSpec struct {
	// Name is the tool identifier, unique within its server.
	Name string `json:"name"`

	// Description explains what the tool does.
	Description string `json:"description"`

	// Tags categorize the tool for catalog filtering. Optional; external
	// servers rarely declare any.
	Tags []string `json:"tags,omitempty"`

	// InputSchema is the tool's parameter schema (JSON Schema).
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Capabilities describes what a server supports, negotiated at connect time.
type Capabilities struct {
	Tools     bool `json:"tools"`
	Resources bool `json:"resources"`
	Prompts   bool `json:"prompts"`
}

// CallResult is the normalized outcome of one tool invocation.
type CallResult struct {
	// Payload is the decoded result document. Text responses that are not
	// JSON objects are wrapped as {"content": <text>}.
	Payload map[string]any

	// IsError reports an application-level failure flagged by the server.
	IsError bool
}

// Connection represents one tool server, independent of transport.
// Implementations own their underlying process or handle exclusively and
// release it deterministically on Disconnect.
type Connection interface {
	// ID returns the server id this connection serves.
	ID() string

	// Connect establishes the connection and negotiates capabilities.
	// Connecting an already-connected server is a no-op.
	Connect(ctx context.Context) (Capabilities, error)

	// Disconnect tears the connection down, killing the child process if
	// one exists. Safe to call on any state.
	Disconnect() error

	// IsConnected reports whether the connection is currently usable.
	IsConnected() bool

	// ListTools queries the server's tool inventory.
	ListTools(ctx context.Context) ([]ToolSpec, error)

	// CallTool invokes a named tool. Failures are classified into the
	// orchestration error taxonomy: timeouts and transport failures mark
	// the connection unusable, forcing a reconnect on next use.
	CallTool(ctx context.Context, name string, params map[string]any) (*CallResult, error)

	// Ping checks that the server is responsive.
	Ping(ctx context.Context) error
}

// BatchItem is one entry of a batch-style tool response.
type BatchItem struct {
	Success bool
	Item    map[string]any
}

// BatchItems extracts per-item results from a batch-style payload: a
// top-level "results" array whose entries carry a "success" boolean.
// Returns nil when the payload is not batch-shaped, so ordinary responses
// pass through untouched.
func BatchItems(payload map[string]any) []BatchItem {
	raw, ok := payload["results"].([]any)
	if !ok || len(raw) == 0 {
		return nil
	}

	items := make([]BatchItem, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil
		}
		success, ok := m["success"].(bool)
		if !ok {
			return nil
		}
		items = append(items, BatchItem{Success: success, Item: m})
	}
	return items
}
