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
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// cacheEntry is one stored response.
type cacheEntry struct {
	payload  map[string]any
	storedAt time.Time
}

// ResponseCache stores the latest successful response per server, tool,
// and parameter set, serving it when the server later fails with
// cache-fallback enabled.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewResponseCache creates an empty cache.
func NewResponseCache() *ResponseCache {
	return &ResponseCache{entries: make(map[string]cacheEntry)}
}

// cacheKey canonicalizes the parameters so semantically identical calls
// share an entry regardless of map iteration order. json.Marshal sorts
// object keys.
func cacheKey(serverID, tool string, params map[string]any) string {
	data, err := json.Marshal(params)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", params))
	}
	return fmt.Sprintf("%s/%s/%x", serverID, tool, sha256.Sum256(data))
}

// Store records a successful response.
func (c *ResponseCache) Store(serverID, tool string, params, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(serverID, tool, params)] = cacheEntry{
		payload:  payload,
		storedAt: time.Now(),
	}
}

// Lookup returns the cached response and its age when one exists within
// ttl. Zero ttl means no age bound.
func (c *ResponseCache) Lookup(serverID, tool string, params map[string]any, ttl time.Duration) (map[string]any, time.Duration, bool) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(serverID, tool, params)]
	c.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}

	age := time.Since(entry.storedAt)
	if ttl > 0 && age > ttl {
		return nil, 0, false
	}
	return entry.payload, age, true
}
