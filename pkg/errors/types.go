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

package errors

import (
	"fmt"
	"time"
)

// ParseError represents a malformed persisted configuration document.
// Unlike ValidationError this is fatal: the document could not be read at
// all and must never be silently defaulted.
type ParseError struct {
	// Path is the file that failed to parse
	Path string

	// Cause is the underlying decode error
	Cause error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to parse %s: %v", e.Path, e.Cause)
	}
	return fmt.Sprintf("failed to parse configuration: %v", e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// ValidationError represents a structurally well-formed but semantically
// invalid configuration. Errors collects every problem found, never just
// the first.
type ValidationError struct {
	// Errors are the collected validation failures
	Errors []string

	// Warnings are non-fatal findings (e.g. unresolved ${VAR} placeholders)
	Warnings []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation failed: %s", e.Errors[0])
	}
	return fmt.Sprintf("validation failed with %d errors: %v", len(e.Errors), e.Errors)
}

// ConnectionError represents a server that failed to start or became
// unreachable. Eligible for retry and fallback.
type ConnectionError struct {
	// Server is the server id that could not be reached
	Server string

	// Message describes what went wrong
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("connection to server %s failed: %s", e.Server, e.Message)
	}
	return fmt.Sprintf("connection failed: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents a deadline exceeded on a specific call.
// Eligible for retry and fallback.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "tool call", "handshake")
	Operation string

	// Server is the server id the call was directed at
	Server string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("%s on server %s timed out after %v", e.Operation, e.Server, e.Duration)
	}
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ProtocolError represents a malformed response, an id mismatch, or an
// unsupported protocol version from an external server.
type ProtocolError struct {
	// Server is the server id that misbehaved
	Server string

	// Code is the protocol-level error code, if one was returned
	Code int

	// Message describes the violation
	Message string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("protocol error from server %s (%d): %s", e.Server, e.Code, e.Message)
	}
	return fmt.Sprintf("protocol error from server %s: %s", e.Server, e.Message)
}

// NotFoundError represents a tool, server, or chain absent from the
// catalog or registry. Never retried: it indicates a caller or
// deployment mistake.
type NotFoundError struct {
	// Resource is the kind of thing that was missing ("tool", "server", "chain")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ExecutionError represents an application-level error returned by the
// server's own tool logic. Surfaced as-is unless degraded mode absorbs it.
type ExecutionError struct {
	// Server is the server that produced the error
	Server string

	// Tool is the tool that failed
	Tool string

	// Message is the server-reported error text
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("tool %s on server %s failed: %s", e.Tool, e.Server, e.Message)
	}
	return fmt.Sprintf("execution on server %s failed: %s", e.Server, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// PartialFailureError represents a batch-style response where some items
// succeeded and some failed. Not a hard failure: the per-item results are
// preserved intact on the execution result.
type PartialFailureError struct {
	// Server is the server that produced the mixed result
	Server string

	// Succeeded is the number of items that succeeded
	Succeeded int

	// Failed is the number of items that failed
	Failed int
}

// Error implements the error interface.
func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("partial failure on server %s: %d succeeded, %d failed", e.Server, e.Succeeded, e.Failed)
}
