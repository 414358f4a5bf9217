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
	stderrors "errors"
	"fmt"
	"sync"

	"toolmesh/pkg/errors"
)

// Handler is an in-process tool server registered by the host application.
type Handler interface {
	// Tools returns the handler's tool inventory.
	Tools() []ToolSpec

	// Call invokes a named tool.
	Call(ctx context.Context, tool string, params map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a single function into a one-tool Handler.
type HandlerFunc struct {
	// Tool describes the single tool this handler exposes.
	Tool ToolSpec

	// Fn is invoked for every call.
	Fn func(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Tools returns the single declared tool.
func (h HandlerFunc) Tools() []ToolSpec {
	return []ToolSpec{h.Tool}
}

// Call invokes the wrapped function.
func (h HandlerFunc) Call(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
	if tool != h.Tool.Name {
		return nil, &errors.NotFoundError{Resource: "tool", ID: tool}
	}
	return h.Fn(ctx, params)
}

// HandlerRegistry holds the in-process handlers the host has registered,
// keyed by the handler reference used in server descriptors.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler under a reference name.
func (r *HandlerRegistry) Register(name string, handler Handler) error {
	if name == "" {
		return fmt.Errorf("handler name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q is already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// Get looks up a handler by reference name.
func (r *HandlerRegistry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Builtin is a Connection wrapping a registered in-process handler.
// Connect is a no-op returning immediate success; handler panics and
// errors are normalized into the orchestration error taxonomy.
type Builtin struct {
	id      string
	handler Handler
}

// NewBuiltin creates a built-in connection for a registered handler.
func NewBuiltin(id string, handler Handler) (*Builtin, error) {
	if id == "" {
		return nil, fmt.Errorf("server id is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	return &Builtin{id: id, handler: handler}, nil
}

// ID returns the server id.
func (b *Builtin) ID() string {
	return b.id
}

// Connect is a no-op for in-process handlers.
func (b *Builtin) Connect(ctx context.Context) (Capabilities, error) {
	return Capabilities{Tools: true}, nil
}

// Disconnect is a no-op; there is no process to release.
func (b *Builtin) Disconnect() error {
	return nil
}

// IsConnected always reports true.
func (b *Builtin) IsConnected() bool {
	return true
}

// ListTools returns the handler's tool inventory.
func (b *Builtin) ListTools(ctx context.Context) ([]ToolSpec, error) {
	return b.handler.Tools(), nil
}

// CallTool invokes the handler, normalizing failures to the same result
// shape external servers produce.
func (b *Builtin) CallTool(ctx context.Context, name string, params map[string]any) (result *CallResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &errors.ExecutionError{
				Server:  b.id,
				Tool:    name,
				Message: fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()

	payload, err := b.handler.Call(ctx, name, params)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{
				Operation: "tool call",
				Server:    b.id,
				Cause:     err,
			}
		}
		var nf *errors.NotFoundError
		if stderrors.As(err, &nf) {
			return nil, err
		}
		return nil, &errors.ExecutionError{
			Server:  b.id,
			Tool:    name,
			Message: err.Error(),
			Cause:   err,
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return &CallResult{Payload: payload}, nil
}

// Ping always succeeds for in-process handlers.
func (b *Builtin) Ping(ctx context.Context) error {
	return nil
}
