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

package config

import (
	"fmt"
	"sort"
)

// Result is the outcome of validating a configuration. Errors collects
// every problem found; Warnings are non-fatal findings the caller should
// surface (unset environment variables, for instance).
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Validate checks the configuration for structural problems: bad id
// charsets, unknown type enums, missing required fields, malformed
// references. Unresolved ${VAR} placeholders produce warnings, not errors.
func Validate(cfg *Config) Result {
	var result Result

	ids := make([]string, 0, len(cfg.Servers))
	for id := range cfg.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		desc := cfg.Servers[id]
		if !ServerIDRegex.MatchString(id) {
			result.Errors = append(result.Errors,
				fmt.Sprintf("server %q: id may contain only lowercase letters, digits, hyphens, and underscores", id))
		}
		result.Errors = append(result.Errors, validateServer(cfg, id, desc)...)

		for _, name := range desc.UnresolvedPlaceholders() {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("server %q: environment variable %s is not set", id, name))
		}
	}

	if cfg.GlobalConfig.Timeout < 0 {
		result.Errors = append(result.Errors, "global_config: timeout must be positive")
	}
	if cfg.GlobalConfig.MaxConcurrent < 0 {
		result.Errors = append(result.Errors, "global_config: max_concurrent must be positive")
	}
	if cfg.GlobalConfig.RetryAttempts < 0 {
		result.Errors = append(result.Errors, "global_config: retry_attempts must be non-negative")
	}

	for _, section := range []struct {
		kind   string
		chains map[string]*ChainDefinition
	}{
		{"chain", cfg.Chains},
		{"composition", cfg.Compositions},
	} {
		chainIDs := make([]string, 0, len(section.chains))
		for id := range section.chains {
			chainIDs = append(chainIDs, id)
		}
		sort.Strings(chainIDs)
		for _, id := range chainIDs {
			result.Errors = append(result.Errors, validateChain(cfg, section.kind, id, section.chains[id])...)
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func validateServer(cfg *Config, id string, desc *ServerDescriptor) []string {
	var errs []string

	switch desc.Type {
	case ServerTypeExternal:
		if desc.Command == "" {
			errs = append(errs, fmt.Sprintf("server %q: external servers require a command", id))
		}
	case ServerTypeBuiltin:
		if desc.Handler == "" {
			errs = append(errs, fmt.Sprintf("server %q: built-in servers require a handler reference", id))
		}
	default:
		errs = append(errs, fmt.Sprintf("server %q: unknown type %q (must be %q or %q)",
			id, desc.Type, ServerTypeExternal, ServerTypeBuiltin))
	}

	if desc.Timeout < 0 {
		errs = append(errs, fmt.Sprintf("server %q: timeout must be positive", id))
	}
	if desc.CacheTTL < 0 {
		errs = append(errs, fmt.Sprintf("server %q: cache_ttl must be positive", id))
	}

	if desc.Fallback != "" {
		if desc.Fallback == id {
			errs = append(errs, fmt.Sprintf("server %q: fallback may not reference itself", id))
		} else if _, ok := cfg.Servers[desc.Fallback]; !ok {
			errs = append(errs, fmt.Sprintf("server %q: fallback references unknown server %q", id, desc.Fallback))
		}
	}

	for i, cand := range desc.SmartFallback {
		if _, ok := cfg.Servers[cand.Server]; !ok {
			errs = append(errs, fmt.Sprintf("server %q: smart_fallback[%d] references unknown server %q", id, i, cand.Server))
		}
		if cand.MinSuccessRate < 0 || cand.MinSuccessRate > 1 {
			errs = append(errs, fmt.Sprintf("server %q: smart_fallback[%d] min_success_rate must be within 0..1", id, i))
		}
	}

	if rec := desc.Recovery; rec != nil {
		if rec.CheckInterval <= 0 {
			errs = append(errs, fmt.Sprintf("server %q: recovery check_interval must be positive", id))
		}
		if rec.MaxConsecutiveFailures <= 0 {
			errs = append(errs, fmt.Sprintf("server %q: recovery max_consecutive_failures must be positive", id))
		}
	}

	return errs
}

func validateChain(cfg *Config, kind, id string, def *ChainDefinition) []string {
	var errs []string

	switch def.Mode {
	case ModeSequential, ModeParallel, ModePipeline:
		if len(def.Steps) == 0 {
			errs = append(errs, fmt.Sprintf("%s %q: declares no steps", kind, id))
		}
	case ModeConditional:
		if len(def.Branches) < 2 {
			errs = append(errs, fmt.Sprintf("%s %q: conditional mode requires at least two branches", kind, id))
		}
	default:
		errs = append(errs, fmt.Sprintf("%s %q: unknown execution mode %q", kind, id, def.Mode))
	}

	switch def.ErrorHandling {
	case "", ErrorHandlingHalt, ErrorHandlingContinue:
	default:
		errs = append(errs, fmt.Sprintf("%s %q: unknown error_handling %q", kind, id, def.ErrorHandling))
	}

	switch def.SuccessPolicy {
	case "", SuccessPolicyAll, SuccessPolicyAny:
	default:
		errs = append(errs, fmt.Sprintf("%s %q: unknown success_policy %q", kind, id, def.SuccessPolicy))
	}

	if def.MaxConcurrent < 0 {
		errs = append(errs, fmt.Sprintf("%s %q: max_concurrent must be positive", kind, id))
	}

	check := func(where, server string) {
		desc, ok := cfg.Servers[server]
		if !ok {
			errs = append(errs, fmt.Sprintf("%s %q: %s references unknown server %q", kind, id, where, server))
			return
		}
		if !desc.Enabled {
			errs = append(errs, fmt.Sprintf("%s %q: %s references disabled server %q", kind, id, where, server))
		}
	}

	for i, stage := range def.Steps {
		check(fmt.Sprintf("steps[%d]", i), stage.Server)
	}
	for i, branch := range def.Branches {
		check(fmt.Sprintf("branches[%d]", i), branch.Stage.Server)
	}

	return errs
}
