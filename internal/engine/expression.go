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
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// predicates compiles and caches branch predicates. Chains evaluate the
// same expressions on every execution, so compilation happens once.
type predicates struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newPredicates() *predicates {
	return &predicates{programs: make(map[string]*vm.Program)}
}

// eval evaluates a boolean predicate against the environment. The
// environment exposes "params" (the request parameters) and "steps" (the
// results of already-executed steps).
func (p *predicates) eval(expression string, env map[string]any) (bool, error) {
	program, err := p.compile(expression)
	if err != nil {
		return false, fmt.Errorf("invalid predicate %q: %w", expression, err)
	}

	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("predicate %q failed: %w", expression, err)
	}

	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q returned %T, want bool", expression, output)
	}
	return result, nil
}

func (p *predicates) compile(expression string) (*vm.Program, error) {
	p.mu.RLock()
	program, ok := p.programs[expression]
	p.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression,
		expr.AsBool(),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.programs[expression] = program
	p.mu.Unlock()
	return program, nil
}
