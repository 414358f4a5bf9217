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
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"toolmesh/internal/config"
	"toolmesh/internal/log"
	"toolmesh/internal/resilience"
	"toolmesh/pkg/errors"
)

// executeChain runs a chain or composition under its declared mode.
func (e *Engine) executeChain(ctx context.Context, req Request) *Result {
	start := time.Now()
	logger := log.WithCorrelationID(e.logger, req.CorrelationID)

	ctx, span := e.tracer.Start(ctx, "engine.chain",
		trace.WithAttributes(
			attribute.String("chain", req.Chain),
			attribute.String("correlation_id", req.CorrelationID),
		))
	defer span.End()

	result := &Result{
		CorrelationID: req.CorrelationID,
		Steps:         make(map[string]*StepResult),
	}

	def, ok := e.config().Chain(req.Chain)
	if !ok {
		return e.fail(result, &errors.NotFoundError{Resource: "chain", ID: req.Chain}, start)
	}

	logger.Info("executing chain",
		log.ChainKey, req.Chain, "mode", string(def.Mode), "caller", req.Caller)

	var err error
	switch def.Mode {
	case config.ModeSequential:
		err = e.runSequential(ctx, req, def, result)
	case config.ModeParallel:
		err = e.runParallel(ctx, req, def, result)
	case config.ModeConditional:
		err = e.runConditional(ctx, req, def, result)
	case config.ModePipeline:
		err = e.runPipeline(ctx, req, def, result)
	default:
		err = &errors.ValidationError{
			Errors: []string{fmt.Sprintf("chain %q: unknown execution mode %q", req.Chain, def.Mode)},
		}
	}

	e.finalize(result, def, err, start)
	return result
}

// finalize computes the aggregate outcome: success under the declared
// policy, total wall-clock time, and the failure description when the
// chain itself erred or was cut short by the caller deadline.
func (e *Engine) finalize(result *Result, def *config.ChainDefinition, err error, start time.Time) {
	result.Duration = time.Since(start)

	if err != nil {
		result.Success = false
		result.ErrorKind = errors.KindOf(err)
		result.Error = err.Error()
		return
	}

	policy := def.SuccessPolicy
	if policy == "" {
		policy = config.SuccessPolicyAll
	}

	succeeded := 0
	var firstFailure *StepResult
	for _, key := range result.Executed {
		step := result.Steps[key]
		if step.Success {
			succeeded++
		} else if firstFailure == nil {
			firstFailure = step
		}
	}

	switch policy {
	case config.SuccessPolicyAny:
		result.Success = succeeded > 0
	default:
		result.Success = succeeded == len(result.Executed) && len(result.Executed) > 0
	}

	if !result.Success && firstFailure != nil {
		result.ErrorKind = firstFailure.ErrorKind
		result.Error = firstFailure.Error
	}
}

// stepKeys derives result keys from the declared steps: the server id,
// disambiguated by position when a server appears more than once.
func stepKeys(steps []config.Stage) []string {
	seen := make(map[string]int, len(steps))
	keys := make([]string, len(steps))
	for i, stage := range steps {
		key := stage.Server
		if n := seen[stage.Server]; n > 0 {
			key = fmt.Sprintf("%s#%d", stage.Server, n+1)
		}
		seen[stage.Server]++
		keys[i] = key
	}
	return keys
}

// mergeParams overlays the request parameters onto the stage's static
// parameters; request values win.
func mergeParams(static, request map[string]any) map[string]any {
	merged := make(map[string]any, len(static)+len(request))
	for k, v := range static {
		merged[k] = v
	}
	for k, v := range request {
		merged[k] = v
	}
	return merged
}

// runStage executes one chain participant through the resilience layer.
func (e *Engine) runStage(ctx context.Context, req Request, stage config.Stage, params map[string]any) *StepResult {
	start := time.Now()

	serverID, tool, err := e.resolve(stage.Server, stage.Tool)
	if err != nil {
		return &StepResult{
			Server:    stage.Server,
			Tool:      stage.Tool,
			ErrorKind: errors.KindOf(err),
			Error:     err.Error(),
			Duration:  time.Since(start),
		}
	}

	outcome, err := e.resilience.Execute(ctx, resilience.Attempt{
		Server:        serverID,
		Tool:          tool,
		Params:        params,
		CorrelationID: req.CorrelationID,
		Chain:         req.Chain,
	})
	if err != nil {
		step := &StepResult{
			Server:    serverID,
			Tool:      tool,
			ErrorKind: errors.KindOf(err),
			Error:     err.Error(),
			Duration:  time.Since(start),
		}
		if outcome != nil {
			step.FallbackChain = outcome.FallbackChain
		}
		return step
	}

	return &StepResult{
		Server:        outcome.Server,
		Tool:          tool,
		Success:       true,
		Payload:       outcome.Payload,
		Duration:      time.Since(start),
		FallbackChain: outcome.FallbackChain,
		Degraded:      outcome.Degraded,
		FromCache:     outcome.FromCache,
		CacheAge:      outcome.CacheAge,
		Succeeded:     outcome.Succeeded,
		Failed:        outcome.Failed,
	}
}

// runSequential executes steps one at a time in declared order. A failure
// halts the chain unless error handling is continue_on_error; a partial
// batch failure never halts.
func (e *Engine) runSequential(ctx context.Context, req Request, def *config.ChainDefinition, result *Result) error {
	keys := stepKeys(def.Steps)

	for i, stage := range def.Steps {
		if ctx.Err() != nil {
			return &errors.TimeoutError{Operation: "chain", Cause: ctx.Err()}
		}

		step := e.runStage(ctx, req, stage, mergeParams(stage.Params, req.Params))
		result.Steps[keys[i]] = step
		result.Executed = append(result.Executed, keys[i])

		if !step.Success && def.ErrorHandling != config.ErrorHandlingContinue {
			break
		}
	}
	return nil
}

// runParallel executes every step concurrently, bounded by the chain's
// max_concurrent (global default when unset). All steps run to completion
// even when some fail; results keep declared order.
func (e *Engine) runParallel(ctx context.Context, req Request, def *config.ChainDefinition, result *Result) error {
	limit := def.MaxConcurrent
	if limit <= 0 {
		limit = e.config().GlobalConfig.MaxConcurrent
	}
	if limit <= 0 {
		limit = 1
	}

	keys := stepKeys(def.Steps)
	steps := make([]*StepResult, len(def.Steps))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i, stage := range def.Steps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			steps[i] = e.runStage(ctx, req, stage, mergeParams(stage.Params, req.Params))
		}()
	}
	wg.Wait()

	for i, key := range keys {
		result.Steps[key] = steps[i]
		result.Executed = append(result.Executed, key)
	}

	if ctx.Err() != nil {
		return &errors.TimeoutError{Operation: "chain", Cause: ctx.Err()}
	}
	return nil
}

// runConditional executes the leading steps, evaluates the branch
// predicates in declared order, and runs exactly one branch: the first
// whose predicate holds, or the declared default when none does.
func (e *Engine) runConditional(ctx context.Context, req Request, def *config.ChainDefinition, result *Result) error {
	keys := stepKeys(def.Steps)
	for i, stage := range def.Steps {
		if ctx.Err() != nil {
			return &errors.TimeoutError{Operation: "chain", Cause: ctx.Err()}
		}
		step := e.runStage(ctx, req, stage, mergeParams(stage.Params, req.Params))
		result.Steps[keys[i]] = step
		result.Executed = append(result.Executed, keys[i])
		if !step.Success {
			// Predicates depend on leading-step results; an incomplete
			// environment must not select a branch.
			return nil
		}
	}

	env := map[string]any{
		"params": req.Params,
		"steps":  stepsEnv(result),
	}

	var chosen *config.Branch
	var defaultBranch *config.Branch
	for i := range def.Branches {
		branch := &def.Branches[i]
		if branch.When == "" {
			if defaultBranch == nil {
				defaultBranch = branch
			}
			continue
		}
		match, err := e.predicates.eval(branch.When, env)
		if err != nil {
			return &errors.ValidationError{Errors: []string{err.Error()}}
		}
		if match {
			chosen = branch
			break
		}
	}
	if chosen == nil {
		chosen = defaultBranch
	}
	if chosen == nil {
		return &errors.ExecutionError{
			Message: fmt.Sprintf("chain %q: no branch matched and no default branch is declared", req.Chain),
		}
	}

	key := chosen.Stage.Server
	if _, taken := result.Steps[key]; taken {
		key = key + "#branch"
	}
	step := e.runStage(ctx, req, chosen.Stage, mergeParams(chosen.Stage.Params, req.Params))
	result.Steps[key] = step
	result.Executed = append(result.Executed, key)
	result.Payload = step.Payload
	return nil
}

// stepsEnv exposes executed step results to branch predicates as
// {key: {success, payload}}.
func stepsEnv(result *Result) map[string]any {
	env := make(map[string]any, len(result.Executed))
	for _, key := range result.Executed {
		step := result.Steps[key]
		env[key] = map[string]any{
			"success": step.Success,
			"payload": step.Payload,
		}
	}
	return env
}

// runPipeline threads a document through the stages: each stage's inputs
// come from the accumulated document via input_map, its outputs flow back
// via output_map. A stage failure halts the pipeline; downstream stages
// would have no input. When the final stage declares an output_map, those
// mapped fields alone form the aggregate; otherwise the accumulated
// document does.
func (e *Engine) runPipeline(ctx context.Context, req Request, def *config.ChainDefinition, result *Result) error {
	doc := make(map[string]any, len(req.Params))
	for k, v := range req.Params {
		doc[k] = v
	}

	var finalMapped map[string]any
	keys := stepKeys(def.Steps)
	for i, stage := range def.Steps {
		if ctx.Err() != nil {
			return &errors.TimeoutError{Operation: "chain", Cause: ctx.Err()}
		}

		var params map[string]any
		if len(stage.InputMap) > 0 {
			mapped, err := e.mapper.apply(stage.InputMap, doc)
			if err != nil {
				return &errors.ValidationError{
					Errors: []string{fmt.Sprintf("stage %s: %s", keys[i], err)},
				}
			}
			params = mergeParams(stage.Params, mapped)
		} else {
			params = mergeParams(stage.Params, doc)
		}

		step := e.runStage(ctx, req, stage, params)
		result.Steps[keys[i]] = step
		result.Executed = append(result.Executed, keys[i])
		if !step.Success {
			return nil
		}

		if len(stage.OutputMap) > 0 {
			mapped, err := e.mapper.apply(stage.OutputMap, step.Payload)
			if err != nil {
				return &errors.ValidationError{
					Errors: []string{fmt.Sprintf("stage %s: %s", keys[i], err)},
				}
			}
			for k, v := range mapped {
				doc[k] = v
			}
			finalMapped = mapped
		} else {
			for k, v := range step.Payload {
				doc[k] = v
			}
			finalMapped = nil
		}
	}

	if finalMapped != nil {
		result.Payload = finalMapped
	} else {
		result.Payload = doc
	}
	return nil
}
