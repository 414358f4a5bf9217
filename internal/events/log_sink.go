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

package events

import (
	"log/slog"

	"toolmesh/internal/log"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging to the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: log.WithComponent(logger, "events")}
}

// Emit logs the event. Failures and notifications log at warn, everything
// else at info.
func (s *LogSink) Emit(event Event) {
	event = stamp(event)

	attrs := []any{
		slog.String(log.EventKey, string(event.Type)),
		slog.String(log.ServerKey, event.Server),
	}
	if event.Tool != "" {
		attrs = append(attrs, slog.String(log.ToolKey, event.Tool))
	}
	if event.Chain != "" {
		attrs = append(attrs, slog.String(log.ChainKey, event.Chain))
	}
	if event.CorrelationID != "" {
		attrs = append(attrs, slog.String(log.CorrelationKey, event.CorrelationID))
	}
	if event.Type == TypeToolExecuted {
		attrs = append(attrs,
			slog.Bool("success", event.Success),
			slog.Int64(log.DurationKey, event.Duration.Milliseconds()))
	}
	if event.Message != "" {
		attrs = append(attrs, slog.String("message", event.Message))
	}

	switch event.Type {
	case TypeServerFailed, TypeUserNotification:
		s.logger.Warn("orchestration event", attrs...)
	default:
		s.logger.Info("orchestration event", attrs...)
	}
}
