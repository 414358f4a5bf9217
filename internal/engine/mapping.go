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

package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/itchyny/gojq"
)

// mapper compiles and caches the jq expressions used by pipeline
// input_map and output_map declarations.
type mapper struct {
	mu    sync.RWMutex
	codes map[string]*gojq.Code
}

func newMapper() *mapper {
	return &mapper{codes: make(map[string]*gojq.Code)}
}

// apply evaluates each field's jq expression against the source document
// and returns the mapped fields. Fields are evaluated in sorted order so
// failures are deterministic.
func (m *mapper) apply(mapping map[string]string, source map[string]any) (map[string]any, error) {
	fields := make([]string, 0, len(mapping))
	for field := range mapping {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	mapped := make(map[string]any, len(mapping))
	for _, field := range fields {
		value, err := m.eval(mapping[field], source)
		if err != nil {
			return nil, fmt.Errorf("mapping field %q: %w", field, err)
		}
		mapped[field] = value
	}
	return mapped, nil
}

// eval runs a jq expression against a document and returns the first
// result. An expression producing no results yields nil.
func (m *mapper) eval(expression string, source map[string]any) (any, error) {
	code, err := m.compile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.Run(normalize(source))
	value, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := value.(error); isErr {
		return nil, fmt.Errorf("jq expression %q failed: %w", expression, err)
	}
	return value, nil
}

func (m *mapper) compile(expression string) (*gojq.Code, error) {
	m.mu.RLock()
	code, ok := m.codes[expression]
	m.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression %q: %w", expression, err)
	}
	code, err = gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression %q: %w", expression, err)
	}

	m.mu.Lock()
	m.codes[expression] = code
	m.mu.Unlock()
	return code, nil
}

// normalize converts a document into the plain map/slice/scalar shapes
// gojq operates on. Values decoded from JSON already qualify; typed values
// injected by built-in handlers may not.
func normalize(doc map[string]any) any {
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		out[key] = normalizeValue(value)
	}
	return out
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return normalize(v)
	case []any:
		normalized := make([]any, len(v))
		for i, item := range v {
			normalized[i] = normalizeValue(item)
		}
		return normalized
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	default:
		return v
	}
}
