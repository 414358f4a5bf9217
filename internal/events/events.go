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

// Package events defines the lifecycle and execution event stream emitted
// by the orchestration core. Sinks receive events synchronously; emission
// must never block or fail an execution, so sink implementations are
// expected to be fast or to buffer internally.
package events

import (
	"time"
)

// Type identifies an event.
type Type string

const (
	// TypeConnected is emitted when a server connection is established.
	TypeConnected Type = "connected"
	// TypeDisconnected is emitted when a server connection is torn down.
	TypeDisconnected Type = "disconnected"
	// TypeToolExecuted is emitted after every tool invocation, success or
	// failure.
	TypeToolExecuted Type = "tool-executed"
	// TypeServerFailed is emitted when a server exhausts its retry budget.
	TypeServerFailed Type = "server-failed"
	// TypeFallbackActivated is emitted when a fallback server takes over.
	TypeFallbackActivated Type = "fallback-activated"
	// TypeServerRecovered is emitted when an open circuit closes after a
	// successful probe.
	TypeServerRecovered Type = "server-recovered"
	// TypeUserNotification is emitted when a degraded response is served
	// and the server is configured to notify.
	TypeUserNotification Type = "user-notification"
)

// Event is one occurrence in the orchestration lifecycle.
type Event struct {
	// Type identifies the event.
	Type Type

	// Server is the server id the event concerns.
	Server string

	// Tool is the tool involved, when the event concerns a tool call.
	Tool string

	// Chain is the chain id, when the event occurred inside a chain.
	Chain string

	// CorrelationID ties the event to one execution request.
	CorrelationID string

	// Success reports the outcome for tool-executed events.
	Success bool

	// Duration is the elapsed time for tool-executed events.
	Duration time.Duration

	// Message carries a human-readable detail, such as the failure reason
	// or a degraded-mode notice.
	Message string

	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// Sink receives events.
type Sink interface {
	Emit(event Event)
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(event Event)

// Emit calls the function.
func (f SinkFunc) Emit(event Event) {
	f(event)
}

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans every event out to all given sinks, in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(event Event) {
		for _, sink := range sinks {
			sink.Emit(event)
		}
	})
}

// stamp fills the timestamp when the producer left it zero.
func stamp(event Event) Event {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return event
}
