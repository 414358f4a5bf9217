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

package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	require.True(t, b.Allow())
	require.False(t, b.Failure())
	require.False(t, b.Failure())
	require.True(t, b.Failure(), "third consecutive failure opens the circuit")

	require.False(t, b.Allow(), "open circuit rejects calls")
	require.True(t, b.Open())
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(2, time.Minute)

	b.Failure()
	require.False(t, b.Success(), "success on a closed circuit is not a recovery")

	require.False(t, b.Failure(), "count restarted after success")
	require.True(t, b.Failure())
	require.True(t, b.Open())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := NewBreaker(1, 30*time.Millisecond)

	b.Failure()
	require.False(t, b.Allow())

	// After the check interval one probe is admitted.
	time.Sleep(40 * time.Millisecond)
	require.True(t, b.Allow(), "probe admitted after check interval")
	require.False(t, b.Allow(), "only one probe at a time")

	require.True(t, b.Success(), "probe success closes the circuit")
	require.True(t, b.Allow())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := NewBreaker(1, 30*time.Millisecond)

	b.Failure()
	time.Sleep(40 * time.Millisecond)
	require.True(t, b.Allow())

	b.Failure()
	require.False(t, b.Allow(), "failed probe re-opens for another interval")
}

func TestStats_Snapshot(t *testing.T) {
	s := NewStats()

	_, _, samples := s.Snapshot("unknown")
	require.Zero(t, samples)

	s.Record("search", 100*time.Millisecond, true)
	s.Record("search", 300*time.Millisecond, true)
	s.Record("search", 200*time.Millisecond, false)

	avg, rate, samples := s.Snapshot("search")
	require.Equal(t, 3, samples)
	require.Equal(t, 200*time.Millisecond, avg)
	require.InDelta(t, 2.0/3.0, rate, 0.001)
}

func TestStats_WindowWraps(t *testing.T) {
	s := NewStats()
	for i := 0; i < statsWindow*2; i++ {
		s.Record("search", time.Millisecond, true)
	}
	_, rate, samples := s.Snapshot("search")
	require.Equal(t, statsWindow, samples)
	require.Equal(t, 1.0, rate)
}

func TestResponseCache(t *testing.T) {
	c := NewResponseCache()
	params := map[string]any{"query": "go", "limit": 3}

	_, _, ok := c.Lookup("search", "web_search", params, 0)
	require.False(t, ok)

	c.Store("search", "web_search", params, map[string]any{"results": "cached"})

	payload, age, ok := c.Lookup("search", "web_search", params, 0)
	require.True(t, ok)
	require.Equal(t, "cached", payload["results"])
	require.GreaterOrEqual(t, age, time.Duration(0))

	// Same parameters in a different declaration order hit the same entry.
	_, _, ok = c.Lookup("search", "web_search", map[string]any{"limit": 3, "query": "go"}, 0)
	require.True(t, ok)

	// Different parameters miss.
	_, _, ok = c.Lookup("search", "web_search", map[string]any{"query": "rust"}, 0)
	require.False(t, ok)

	// Expired entries miss.
	_, _, ok = c.Lookup("search", "web_search", params, time.Nanosecond)
	require.False(t, ok)
}
