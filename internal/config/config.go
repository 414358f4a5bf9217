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

// Package config defines the declarative configuration for tool servers,
// chains, and compositions, and the store that persists it.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"
)

// ServerIDRegex validates tool server ids.
// Ids contain only lowercase letters, digits, hyphens, and underscores.
var ServerIDRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)

// placeholderRegex matches ${VAR} references in environment values.
var placeholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ServerType identifies the transport of a tool server.
type ServerType string

const (
	// ServerTypeExternal is a child process speaking the tool protocol over stdio.
	ServerTypeExternal ServerType = "external"
	// ServerTypeBuiltin is an in-process handler registered by the host.
	ServerTypeBuiltin ServerType = "built-in"
)

// ExecutionMode identifies how a chain executes its participants.
type ExecutionMode string

const (
	// ModeSequential runs participants one at a time in declared order.
	ModeSequential ExecutionMode = "sequential"
	// ModeParallel runs participants concurrently, bounded by max_concurrent.
	ModeParallel ExecutionMode = "parallel"
	// ModeConditional evaluates a predicate and runs exactly one branch.
	ModeConditional ExecutionMode = "conditional"
	// ModePipeline maps each stage's outputs into the next stage's inputs.
	ModePipeline ExecutionMode = "pipeline"
)

// Error handling policies for sequential chains.
const (
	// ErrorHandlingHalt stops at the first participant failure (the default).
	ErrorHandlingHalt = "halt"
	// ErrorHandlingContinue records the failure and proceeds to the next participant.
	ErrorHandlingContinue = "continue_on_error"
)

// Success policies for chain aggregates.
const (
	// SuccessPolicyAll requires every executed participant to succeed.
	SuccessPolicyAll = "all"
	// SuccessPolicyAny requires at least one executed participant to succeed.
	SuccessPolicyAny = "any"
)

// FallbackCandidate is one entry in a smart-fallback candidate list.
type FallbackCandidate struct {
	// Server is the candidate server id.
	Server string `yaml:"server"`

	// Priority orders candidates; lower values are preferred.
	Priority int `yaml:"priority"`

	// MaxLatencyMS filters out candidates whose recent average response
	// time exceeds this bound. 0 means no latency condition.
	MaxLatencyMS int `yaml:"max_latency_ms,omitempty"`

	// MinSuccessRate filters out candidates whose recent success rate is
	// below this fraction (0..1). 0 means no success-rate condition.
	MinSuccessRate float64 `yaml:"min_success_rate,omitempty"`
}

// RecoveryPolicy configures circuit-breaker recovery for a server.
type RecoveryPolicy struct {
	// CheckInterval is how long the circuit stays open before a probe, in seconds.
	CheckInterval int `yaml:"check_interval"`

	// MaxConsecutiveFailures opens the circuit once reached.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

// ServerDescriptor declares one tool server.
type ServerDescriptor struct {
	// Type is the server transport: "external" or "built-in".
	Type ServerType `yaml:"type"`

	// Enabled controls whether the server participates in discovery and execution.
	Enabled bool `yaml:"enabled"`

	// Command is the executable to run (external servers only).
	Command string `yaml:"command,omitempty"`

	// Args are command-line arguments for the executable.
	Args []string `yaml:"args,omitempty"`

	// Env are environment variables for the child process.
	// Values may reference host variables with ${VAR} syntax.
	Env map[string]string `yaml:"env,omitempty"`

	// Timeout is the per-call timeout in seconds. Defaults to the global timeout.
	Timeout int `yaml:"timeout,omitempty"`

	// Handler names the registered in-process handler (built-in servers only).
	Handler string `yaml:"handler,omitempty"`

	// Fallback is the server id to try when this one exhausts its retries.
	Fallback string `yaml:"fallback,omitempty"`

	// CacheFallback enables returning a prior successful response when the
	// server fails.
	CacheFallback bool `yaml:"cache_fallback,omitempty"`

	// CacheTTL bounds the age of a cached response in seconds.
	CacheTTL int `yaml:"cache_ttl,omitempty"`

	// DegradedResponse is a canned payload returned when every recovery
	// option is exhausted. Nil disables degraded mode.
	DegradedResponse map[string]any `yaml:"degraded_response,omitempty"`

	// NotifyOnDegraded emits a user-notification event when the degraded
	// response is served.
	NotifyOnDegraded bool `yaml:"notify_on_degraded,omitempty"`

	// SmartFallback lists prioritized fallback candidates selected by
	// measured conditions instead of declaration order.
	SmartFallback []FallbackCandidate `yaml:"smart_fallback,omitempty"`

	// Recovery configures circuit breaking for this server.
	Recovery *RecoveryPolicy `yaml:"recovery,omitempty"`
}

// TimeoutDuration returns the per-call timeout as a duration, falling back
// to the supplied default when unset.
func (d *ServerDescriptor) TimeoutDuration(def time.Duration) time.Duration {
	if d.Timeout > 0 {
		return time.Duration(d.Timeout) * time.Second
	}
	return def
}

// Stage is one participant in a chain or composition.
type Stage struct {
	// Server is the id of the server to invoke.
	Server string `yaml:"server"`

	// Tool is the tool to call on the server. Empty means the server's
	// single default tool resolved from the catalog.
	Tool string `yaml:"tool,omitempty"`

	// Params are static parameters merged under the request parameters.
	Params map[string]any `yaml:"params,omitempty"`

	// InputMap maps stage input fields from gojq expressions evaluated
	// against the accumulated pipeline document (pipeline mode only).
	InputMap map[string]string `yaml:"input_map,omitempty"`

	// OutputMap maps pipeline document fields from gojq expressions
	// evaluated against this stage's output (pipeline mode only).
	OutputMap map[string]string `yaml:"output_map,omitempty"`
}

// Branch is one conditional arm: the expression that selects it and the
// stage executed when selected.
type Branch struct {
	// When is an expr predicate over {params, steps}. An empty expression
	// marks the default branch.
	When string `yaml:"when,omitempty"`

	// Stage is executed when this branch is selected.
	Stage Stage `yaml:",inline"`
}

// ChainDefinition declares a multi-server execution plan with a fixed mode.
type ChainDefinition struct {
	// Mode is the execution mode. Fixed at definition time, never inferred.
	Mode ExecutionMode `yaml:"mode"`

	// Steps are the participants, in declared order.
	// Used by sequential, parallel, and pipeline modes; conditional chains
	// may declare leading steps whose results feed the branch predicates.
	Steps []Stage `yaml:"steps,omitempty"`

	// Branches are the mutually exclusive arms of a conditional chain.
	Branches []Branch `yaml:"branches,omitempty"`

	// ErrorHandling is the sequential failure policy: "halt" or
	// "continue_on_error". There is no implicit default; empty means halt.
	ErrorHandling string `yaml:"error_handling,omitempty"`

	// MaxConcurrent bounds parallel participants. Defaults to the global value.
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`

	// SuccessPolicy decides aggregate success: "all" (default) or "any".
	SuccessPolicy string `yaml:"success_policy,omitempty"`
}

// GlobalConfig holds orchestration-wide defaults.
type GlobalConfig struct {
	// Timeout is the default per-call timeout in seconds.
	Timeout int `yaml:"timeout"`

	// MaxConcurrent bounds concurrent executions within one parallel chain.
	MaxConcurrent int `yaml:"max_concurrent"`

	// RetryAttempts is the retry budget for transient failures.
	RetryAttempts int `yaml:"retry_attempts"`
}

// Config is the root of the persisted configuration document.
type Config struct {
	// Servers maps server id to its descriptor.
	Servers map[string]*ServerDescriptor `yaml:"servers,omitempty"`

	// GlobalConfig holds orchestration-wide defaults.
	GlobalConfig GlobalConfig `yaml:"global_config,omitempty"`

	// Chains maps chain id to its definition.
	Chains map[string]*ChainDefinition `yaml:"chains,omitempty"`

	// Compositions maps composition id to its definition (pipeline-style
	// chains with explicit data mapping).
	Compositions map[string]*ChainDefinition `yaml:"compositions,omitempty"`
}

// DefaultGlobalConfig returns the documented global defaults used when the
// configuration file is absent or fields are unset.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		Timeout:       30,
		MaxConcurrent: 4,
		RetryAttempts: 2,
	}
}

// NewConfig returns an empty configuration with global defaults applied.
func NewConfig() *Config {
	return &Config{
		Servers:      make(map[string]*ServerDescriptor),
		Chains:       make(map[string]*ChainDefinition),
		Compositions: make(map[string]*ChainDefinition),
		GlobalConfig: DefaultGlobalConfig(),
	}
}

// applyDefaults fills zero-valued fields with documented defaults.
func (c *Config) applyDefaults() {
	def := DefaultGlobalConfig()
	if c.GlobalConfig.Timeout == 0 {
		c.GlobalConfig.Timeout = def.Timeout
	}
	if c.GlobalConfig.MaxConcurrent == 0 {
		c.GlobalConfig.MaxConcurrent = def.MaxConcurrent
	}
	if c.GlobalConfig.RetryAttempts == 0 {
		c.GlobalConfig.RetryAttempts = def.RetryAttempts
	}
	if c.Servers == nil {
		c.Servers = make(map[string]*ServerDescriptor)
	}
	if c.Chains == nil {
		c.Chains = make(map[string]*ChainDefinition)
	}
	if c.Compositions == nil {
		c.Compositions = make(map[string]*ChainDefinition)
	}
}

// DefaultTimeout returns the global default timeout as a duration.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.GlobalConfig.Timeout) * time.Second
}

// Chain looks up a chain or composition by id, chains first.
func (c *Config) Chain(id string) (*ChainDefinition, bool) {
	if def, ok := c.Chains[id]; ok {
		return def, true
	}
	def, ok := c.Compositions[id]
	return def, ok
}

// UnresolvedPlaceholders returns the ${VAR} references in env values whose
// variables are not set in the process environment.
func (d *ServerDescriptor) UnresolvedPlaceholders() []string {
	var unresolved []string
	for _, value := range d.Env {
		for _, match := range placeholderRegex.FindAllStringSubmatch(value, -1) {
			if _, ok := os.LookupEnv(match[1]); !ok {
				unresolved = append(unresolved, match[1])
			}
		}
	}
	return unresolved
}

// ExpandedEnv resolves ${VAR} placeholders from the process environment and
// returns the environment as KEY=VALUE pairs for process spawning.
// Unresolved placeholders expand to the empty string; validation has
// already warned about them.
func (d *ServerDescriptor) ExpandedEnv() []string {
	env := make([]string, 0, len(d.Env))
	for key, value := range d.Env {
		expanded := placeholderRegex.ReplaceAllStringFunc(value, func(m string) string {
			name := placeholderRegex.FindStringSubmatch(m)[1]
			return os.Getenv(name)
		})
		env = append(env, fmt.Sprintf("%s=%s", key, expanded))
	}
	return env
}
