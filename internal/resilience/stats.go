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
	"sync"
	"time"
)

// statsWindow is how many recent calls feed smart-fallback conditions.
const statsWindow = 32

type sample struct {
	latency time.Duration
	ok      bool
}

type serverStats struct {
	samples []sample
	next    int
	filled  bool
}

// Stats tracks recent per-server call outcomes in a fixed ring, feeding
// the measured conditions of smart fallback selection.
type Stats struct {
	mu      sync.Mutex
	servers map[string]*serverStats
}

// NewStats creates an empty tracker.
func NewStats() *Stats {
	return &Stats{servers: make(map[string]*serverStats)}
}

// Record adds one call outcome for a server.
func (s *Stats) Record(server string, latency time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.servers[server]
	if st == nil {
		st = &serverStats{samples: make([]sample, statsWindow)}
		s.servers[server] = st
	}
	st.samples[st.next] = sample{latency: latency, ok: ok}
	st.next = (st.next + 1) % statsWindow
	if st.next == 0 {
		st.filled = true
	}
}

// Snapshot returns the recent average latency and success rate for a
// server. Samples is zero when the server has no recorded calls, which
// callers treat as "no evidence against it".
func (s *Stats) Snapshot(server string) (avgLatency time.Duration, successRate float64, samples int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.servers[server]
	if st == nil {
		return 0, 0, 0
	}

	count := st.next
	if st.filled {
		count = statsWindow
	}
	if count == 0 {
		return 0, 0, 0
	}

	var total time.Duration
	var successes int
	for i := 0; i < count; i++ {
		total += st.samples[i].latency
		if st.samples[i].ok {
			successes++
		}
	}
	return total / time.Duration(count), float64(successes) / float64(count), count
}
