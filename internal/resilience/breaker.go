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

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a per-server circuit breaker. The circuit opens after a run
// of consecutive failures, short-circuiting further calls; after the check
// interval one probe call is allowed through, and its outcome decides
// whether the circuit closes or re-opens.
type Breaker struct {
	mu sync.Mutex

	state    breakerState
	failures int
	openedAt time.Time

	threshold     int
	checkInterval time.Duration
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and probes every checkInterval.
func NewBreaker(threshold int, checkInterval time.Duration) *Breaker {
	return &Breaker{
		threshold:     threshold,
		checkInterval: checkInterval,
	}
}

// Allow reports whether a call may proceed. While open, exactly one probe
// is admitted per check interval.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.openedAt) >= b.checkInterval {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// The probe is already in flight.
		return false
	}
	return true
}

// Success records a successful call. Returns true when the call closed a
// previously open circuit.
func (b *Breaker) Success() (recovered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	recovered = b.state != stateClosed
	b.state = stateClosed
	b.failures = 0
	return recovered
}

// Failure records a failed call. Returns true when the failure opened the
// circuit.
func (b *Breaker) Failure() (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateHalfOpen:
		// Probe failed; back to open for another interval.
		b.state = stateOpen
		b.openedAt = time.Now()
		return false
	case stateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = stateOpen
			b.openedAt = time.Now()
			return true
		}
	}
	return false
}

// Open reports whether the circuit currently rejects calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen && time.Since(b.openedAt) < b.checkInterval
}
