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
	"context"
	"errors"
)

// Kind is a coarse classification of an error, used for reporting the
// concrete failure kind on execution results.
type Kind string

const (
	// KindParse indicates malformed configuration text.
	KindParse Kind = "parse"
	// KindValidation indicates semantically invalid configuration.
	KindValidation Kind = "validation"
	// KindConnection indicates a process or transport failure.
	KindConnection Kind = "connection"
	// KindTimeout indicates a deadline exceeded.
	KindTimeout Kind = "timeout"
	// KindProtocol indicates a malformed or mismatched response.
	KindProtocol Kind = "protocol"
	// KindNotFound indicates a missing tool, server, or chain.
	KindNotFound Kind = "not_found"
	// KindExecution indicates an application-level tool error.
	KindExecution Kind = "execution"
	// KindPartial indicates a batch operation that partially failed.
	KindPartial Kind = "partial_failure"
	// KindUnknown indicates an unclassified error.
	KindUnknown Kind = "unknown"
)

// KindOf classifies an error into a Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return KindParse
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return KindValidation
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return KindConnection
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return KindProtocol
	}
	var nfErr *NotFoundError
	if errors.As(err, &nfErr) {
		return KindNotFound
	}
	var partialErr *PartialFailureError
	if errors.As(err, &partialErr) {
		return KindPartial
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return KindExecution
	}

	return KindUnknown
}

// IsTransient reports whether an error is eligible for retry and
// fallback-chain traversal. Only connection and timeout failures qualify;
// validation, not-found, and application errors indicate a caller or
// deployment mistake and must surface immediately.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTimeout:
		return true
	default:
		return false
	}
}

// IsPartial reports whether an error represents a partial batch failure,
// which is passed through rather than treated as a hard failure.
func IsPartial(err error) bool {
	return KindOf(err) == KindPartial
}
