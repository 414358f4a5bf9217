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
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMulti_FansOutInOrder(t *testing.T) {
	var order []string
	first := SinkFunc(func(Event) { order = append(order, "first") })
	second := SinkFunc(func(Event) { order = append(order, "second") })

	Multi(first, second).Emit(Event{Type: TypeConnected, Server: "search"})
	require.Equal(t, []string{"first", "second"}, order)
}

func TestBroker_SubscribeAndEmit(t *testing.T) {
	b := NewBroker(4)
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Emit(Event{Type: TypeToolExecuted, Server: "search", Tool: "web_search", Success: true})

	select {
	case got := <-ch:
		require.Equal(t, TypeToolExecuted, got.Type)
		require.Equal(t, "search", got.Server)
		require.False(t, got.Timestamp.IsZero(), "emit stamps the event")
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBroker_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker(2)
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	// Never read: emissions beyond the buffer are dropped, not blocked.
	for i := 0; i < 10; i++ {
		b.Emit(Event{Type: TypeConnected, Server: "search"})
	}
	require.Len(t, ch, 2)
}

func TestBroker_CancelClosesChannel(t *testing.T) {
	b := NewBroker(0)

	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	_, open := <-ch
	require.False(t, open)

	// Emitting after cancel reaches no one and must not panic.
	b.Emit(Event{Type: TypeDisconnected, Server: "search"})
}

func TestBroker_CloseClosesAllSubscribers(t *testing.T) {
	b := NewBroker(0)
	first, _ := b.Subscribe()
	second, _ := b.Subscribe()

	b.Close()

	_, open := <-first
	require.False(t, open)
	_, open = <-second
	require.False(t, open)
}

func TestLogSink_LevelsByType(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sink := NewLogSink(logger)

	sink.Emit(Event{Type: TypeToolExecuted, Server: "search", Tool: "web_search", Success: true})
	sink.Emit(Event{Type: TypeServerFailed, Server: "search", Message: "retries exhausted"})

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "level=INFO")
	require.Contains(t, lines[1], "level=WARN")
	require.Contains(t, lines[1], "retries exhausted")
}

func TestMetricsSink_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewMetricsSink(reg)

	sink.Emit(Event{Type: TypeToolExecuted, Server: "search", Tool: "web_search", Success: true, Duration: 50 * time.Millisecond})
	sink.Emit(Event{Type: TypeToolExecuted, Server: "search", Tool: "web_search", Success: false})
	sink.Emit(Event{Type: TypeFallbackActivated, Server: "backup_search"})
	sink.Emit(Event{Type: TypeConnected, Server: "search"})

	require.Equal(t, 1.0, testutil.ToFloat64(
		sink.toolExecutions.WithLabelValues("search", "web_search", "true")))
	require.Equal(t, 1.0, testutil.ToFloat64(
		sink.toolExecutions.WithLabelValues("search", "web_search", "false")))
	require.Equal(t, 1.0, testutil.ToFloat64(
		sink.fallbacks.WithLabelValues("backup_search")))
	require.Equal(t, 1.0, testutil.ToFloat64(
		sink.lifecycle.WithLabelValues("search", "connected")))
}
