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
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"toolmesh/pkg/errors"
)

// StdioConfig configures an external server connection.
type StdioConfig struct {
	// ID is the server id.
	ID string

	// Command is the executable to spawn.
	Command string

	// Args are the command-line arguments.
	Args []string

	// Env are environment variables in KEY=VALUE form, placeholders
	// already expanded.
	Env []string

	// Timeout is the per-call timeout (defaults to 30s).
	Timeout time.Duration
}

// Stdio is a Connection to an external child process speaking the tool
// protocol (JSON-RPC with id correlation) over its standard streams.
type Stdio struct {
	cfg StdioConfig

	mu      sync.Mutex
	client  *client.Client
	caps    Capabilities
	process *os.Process
}

// NewStdio creates an external connection. The process is not spawned
// until Connect.
func NewStdio(cfg StdioConfig) (*Stdio, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("server id is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Stdio{cfg: cfg}, nil
}

// ID returns the server id.
func (s *Stdio) ID() string {
	return s.cfg.ID
}

// Connect spawns the configured command and performs the initialize
// handshake, negotiating protocol version and capabilities.
func (s *Stdio) Connect(ctx context.Context) (Capabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.caps, nil
	}

	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, s.cfg.Env, s.cfg.Args...)
	if err != nil {
		return Capabilities{}, &errors.ConnectionError{
			Server:  s.cfg.ID,
			Message: "failed to spawn server process",
			Cause:   err,
		}
	}

	if err := mcpClient.Start(ctx); err != nil {
		_ = mcpClient.Close()
		return Capabilities{}, &errors.ConnectionError{
			Server:  s.cfg.ID,
			Message: "failed to start server transport",
			Cause:   err,
		}
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "toolmesh",
				Version: "0.1.0",
			},
		},
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return Capabilities{}, s.classify("handshake", err)
	}

	serverCaps := mcpClient.GetServerCapabilities()
	s.caps = Capabilities{
		Tools:     serverCaps.Tools != nil,
		Resources: serverCaps.Resources != nil,
		Prompts:   serverCaps.Prompts != nil,
	}
	s.client = mcpClient
	s.process = extractProcess(mcpClient)

	return s.caps, nil
}

// extractProcess pulls the underlying OS process out of the stdio
// transport so Disconnect can force-kill it. Uses reflection against the
// transport's Cmd field; returns nil when unavailable (non-fatal, the
// transport close still tears down pipes).
func extractProcess(mcpClient *client.Client) *os.Process {
	transport := mcpClient.GetTransport()
	if transport == nil {
		return nil
	}

	val := reflect.ValueOf(transport)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	cmdField := val.FieldByName("Cmd")
	if !cmdField.IsValid() || cmdField.IsNil() {
		return nil
	}
	if cmdField.Kind() == reflect.Ptr {
		processField := cmdField.Elem().FieldByName("Process")
		if processField.IsValid() && !processField.IsNil() {
			if proc, ok := processField.Interface().(*os.Process); ok {
				return proc
			}
		}
	}
	return nil
}

// Disconnect closes the transport and kills the child process. The
// process is always released, on every code path, even when the transport
// close fails.
func (s *Stdio) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardownLocked()
}

func (s *Stdio) teardownLocked() error {
	if s.client == nil {
		return nil
	}

	closeErr := s.client.Close()
	s.client = nil

	if s.process != nil {
		// Kill + wait regardless of how Close went; a wedged server must
		// not leak its process.
		_ = s.process.Kill()
		_, _ = s.process.Wait()
		s.process = nil
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close connection to %s: %w", s.cfg.ID, closeErr)
	}
	return nil
}

// IsConnected reports whether the connection is currently usable.
func (s *Stdio) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// ListTools queries the server's tool inventory.
func (s *Stdio) ListTools(ctx context.Context) ([]ToolSpec, error) {
	cli, err := s.connected()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	result, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, s.failed("list tools", err)
	}

	tools := make([]ToolSpec, len(result.Tools))
	for i, tool := range result.Tools {
		spec := ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
		}
		if len(tool.RawInputSchema) > 0 {
			spec.InputSchema = tool.RawInputSchema
		} else if schema, err := json.Marshal(tool.InputSchema); err == nil {
			spec.InputSchema = schema
		}
		tools[i] = spec
	}
	return tools, nil
}

// CallTool invokes a named tool with the per-call timeout.
func (s *Stdio) CallTool(ctx context.Context, name string, params map[string]any) (*CallResult, error) {
	cli, err := s.connected()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: params,
		},
	}
	result, err := cli.CallTool(ctx, req)
	if err != nil {
		return nil, s.failed("tool call", err)
	}

	return &CallResult{
		Payload: decodeContent(result.Content),
		IsError: result.IsError,
	}, nil
}

// Ping checks that the server is responsive.
func (s *Stdio) Ping(ctx context.Context) error {
	cli, err := s.connected()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := cli.Ping(ctx); err != nil {
		return s.failed("ping", err)
	}
	return nil
}

func (s *Stdio) connected() (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, &errors.ConnectionError{
			Server:  s.cfg.ID,
			Message: "not connected",
		}
	}
	return s.client, nil
}

// failed classifies a call failure and tears the connection down so the
// next use reconnects.
func (s *Stdio) failed(operation string, err error) error {
	s.mu.Lock()
	_ = s.teardownLocked()
	s.mu.Unlock()
	return s.classify(operation, err)
}

func (s *Stdio) classify(operation string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		return &errors.TimeoutError{
			Operation: operation,
			Server:    s.cfg.ID,
			Duration:  s.cfg.Timeout,
			Cause:     err,
		}
	}

	// mcp-go surfaces protocol-level errors with their JSON-RPC code
	// embedded; anything else is a transport failure.
	if code, ok := rpcErrorCode(err); ok {
		return &errors.ProtocolError{
			Server:  s.cfg.ID,
			Code:    code,
			Message: err.Error(),
		}
	}

	return &errors.ConnectionError{
		Server:  s.cfg.ID,
		Message: fmt.Sprintf("%s failed", operation),
		Cause:   err,
	}
}

// rpcErrorCode extracts a JSON-RPC error code when the error carries one.
func rpcErrorCode(err error) (int, bool) {
	type coded interface{ ErrorCode() int }
	if c, ok := err.(coded); ok {
		return c.ErrorCode(), true
	}
	return 0, false
}

// decodeContent converts protocol content items into a payload document.
// A single text item that parses as a JSON object becomes that object;
// otherwise the text is wrapped under "content".
func decodeContent(content []mcp.Content) map[string]any {
	var texts []string
	for _, item := range content {
		if text, ok := mcp.AsTextContent(item); ok {
			texts = append(texts, text.Text)
		}
	}

	if len(texts) == 1 {
		var doc map[string]any
		if err := json.Unmarshal([]byte(texts[0]), &doc); err == nil {
			return doc
		}
		return map[string]any{"content": texts[0]}
	}

	payload := map[string]any{}
	if len(texts) > 0 {
		payload["content"] = strings.Join(texts, "\n")
	}
	return payload
}
