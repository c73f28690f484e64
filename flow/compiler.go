package flow

import (
	"context"
	"fmt"
	"time"
)

// CompiledStep is the execution-ready form of a step: policy defaults
// applied, implementation version resolved, determinism summary copied.
type CompiledStep struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	DependsOn []string       `json:"dependsOn,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty"`

	// Policy is the resolved policy: backoffStrategy defaults to
	// exponential, backoffBaseMs to 1000.
	Policy StepPolicy `json:"policy"`

	// ImplementationVersion pins the handler implementation the step
	// compiled against, as "<type>@1.0.0". Its hash becomes the step
	// image digest in provenance.
	ImplementationVersion string `json:"implementationVersion"`

	// Determinism is the step's determinism summary.
	Determinism StepDeterminism `json:"determinism"`
}

// DeterminismAnalysis reports the gap between the declared target grade
// and the grade the workflow can actually achieve.
type DeterminismAnalysis struct {
	Target     DeterminismGrade       `json:"target"`
	Achievable DeterminismGrade       `json:"achievable"`
	Satisfied  bool                   `json:"satisfied"`
	Violations []DeterminismViolation `json:"violations"`
}

// CompiledPlan is the content-addressed output of compilation.
//
// The plan is derived, never authoritative: the executor re-compiles the
// stored workflow before every run and records the resulting hashes in
// provenance.
type CompiledPlan struct {
	// WorkflowHash is SHA-256 over the canonical form of the source
	// workflow document.
	WorkflowHash Digest `json:"workflowHash"`

	// PlanHash is SHA-256 over the canonical form of
	// {executionOrder, steps}.
	PlanHash Digest `json:"planHash"`

	// ExecutionOrder is a topological order of all step ids.
	ExecutionOrder []string `json:"executionOrder"`

	// Steps maps step id to its compiled record.
	Steps map[string]CompiledStep `json:"steps"`

	// Determinism is the analysis of target vs achievable grade.
	Determinism DeterminismAnalysis `json:"determinism"`

	// SpecVersion echoes the workflow's DSL version.
	SpecVersion string `json:"specVersion"`

	// CompiledAt is the compile timestamp. Excluded from PlanHash (the
	// hash covers order and steps only) so recompiling an unchanged
	// workflow yields an identical plan hash.
	CompiledAt time.Time `json:"compiledAt"`
}

// CompilationResult is the outcome of compiling a workflow.
type CompilationResult struct {
	Success bool          `json:"success"`
	Plan    *CompiledPlan `json:"plan,omitempty"`
	Errors  []*Error      `json:"errors"`
}

// CompileWorkflow validates, orders, checks, analyzes, and hashes a
// workflow document into a CompiledPlan, using the process-wide handler
// registry for input-contract checks.
func CompileWorkflow(wf *Workflow) *CompilationResult {
	return CompileWorkflowWith(wf, defaultRegistry)
}

// CompileWorkflowWith compiles against a specific handler registry.
//
// Pipeline (each phase short-circuits the rest on failure):
//  1. validate (ValidateWorkflow)
//  2. topological sort (Kahn's algorithm)
//  3. compile each step (defaults, implementation version)
//  4. handler input-contract check
//  5. determinism analysis
//  6. hashing
func CompileWorkflowWith(wf *Workflow, registry *HandlerRegistry) *CompilationResult {
	res := &CompilationResult{Errors: []*Error{}}

	// Phase 1: validate.
	validation := ValidateWorkflow(wf)
	if !validation.Valid {
		res.Errors = validation.Errors
		return res
	}

	// Phase 2: topological sort.
	order, ok := topologicalOrder(wf)
	if !ok {
		// The validator reports cycles before we get here; a non-full
		// order at this point means an unreported cycle.
		res.Errors = append(res.Errors, &Error{
			Code:    CodeWorkflowCompilation,
			Message: "could not produce a topological order: dependency cycle",
		})
		return res
	}

	// Phase 3: compile each step.
	steps := make(map[string]CompiledStep, len(wf.Steps))
	for i := range wf.Steps {
		steps[wf.Steps[i].ID] = compileStep(&wf.Steps[i])
	}

	// Phase 4: handler input-contract check. A missing handler is not a
	// compile error; it fails at execution time with STEP.NO_HANDLER.
	var contractErrs []*Error
	for _, id := range order {
		cs := steps[id]
		handler := registry.Get(cs.Type)
		if handler == nil {
			continue
		}
		contract := handler.InputContract()
		if contract == nil {
			continue
		}
		contractErrs = append(contractErrs, checkInputContract(&cs, contract)...)
	}
	if len(contractErrs) > 0 {
		res.Errors = append(res.Errors, contractErrs...)
		return res
	}

	// Phase 5: determinism analysis.
	analysis := analyzeDeterminism(wf, validation.DeterminismViolations)

	// Phase 6: hashing.
	workflowHash, err := HashValue(wf)
	if err != nil {
		res.Errors = append(res.Errors, Errorf(CodeWorkflowCompilation, "hash workflow: %v", err))
		return res
	}
	planHash, err := HashValue(map[string]any{
		"executionOrder": order,
		"steps":          steps,
	})
	if err != nil {
		res.Errors = append(res.Errors, Errorf(CodeWorkflowCompilation, "hash plan: %v", err))
		return res
	}

	res.Success = true
	res.Plan = &CompiledPlan{
		WorkflowHash:   workflowHash,
		PlanHash:       planHash,
		ExecutionOrder: order,
		Steps:          steps,
		Determinism:    analysis,
		SpecVersion:    wf.SpecVersion,
		CompiledAt:     time.Now().UTC(),
	}
	return res
}

// topologicalOrder runs Kahn's algorithm over the dependency graph.
// Adjacency runs dependency → dependent, so dependencies always precede
// their dependents in the result. Returns ok=false when the order does not
// cover every step (a cycle).
func topologicalOrder(wf *Workflow) ([]string, bool) {
	indegree := make(map[string]int, len(wf.Steps))
	dependents := make(map[string][]string, len(wf.Steps))

	for i := range wf.Steps {
		indegree[wf.Steps[i].ID] = len(wf.Steps[i].DependsOn)
		for _, dep := range wf.Steps[i].DependsOn {
			dependents[dep] = append(dependents[dep], wf.Steps[i].ID)
		}
	}

	// Seed with zero-indegree steps in document order for a stable
	// result.
	var queue []string
	for i := range wf.Steps {
		if indegree[wf.Steps[i].ID] == 0 {
			queue = append(queue, wf.Steps[i].ID)
		}
	}

	order := make([]string, 0, len(wf.Steps))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, next := range dependents[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	return order, len(order) == len(wf.Steps)
}

// compileStep applies policy defaults and resolves the implementation
// version.
func compileStep(step *Step) CompiledStep {
	policy := step.Policy
	if policy.BackoffStrategy == "" {
		policy.BackoffStrategy = DefaultBackoffStrategy
	}
	if policy.BackoffBaseMs == 0 {
		policy.BackoffBaseMs = DefaultBackoffBaseMs
	}

	return CompiledStep{
		ID:                    step.ID,
		Name:                  step.Name,
		Type:                  step.Type,
		DependsOn:             append([]string(nil), step.DependsOn...),
		Inputs:                step.Inputs,
		Policy:                policy,
		ImplementationVersion: step.Type + "@1.0.0",
		Determinism:           step.Determinism,
	}
}

// checkInputContract validates one compiled step's inputs against the
// handler's declared contract: presence, type, and enum membership.
func checkInputContract(cs *CompiledStep, contract *InputContract) []*Error {
	var errs []*Error
	for i := range contract.Fields {
		field := &contract.Fields[i]
		value, present := cs.Inputs[field.Name]

		if !present {
			if field.Required {
				errs = append(errs, &Error{
					Code:    CodeValidationHandlerContract,
					Message: fmt.Sprintf("step %q (type %s) is missing required input %q", cs.ID, cs.Type, field.Name),
					StepID:  cs.ID,
					SuggestedFixes: []SuggestedFix{{
						Type:   "set-field",
						Params: map[string]any{"field": "inputs." + field.Name},
					}},
				})
			}
			continue
		}

		if field.Type != "" && !valueHasType(value, field.Type) {
			errs = append(errs, &Error{
				Code: CodeValidationHandlerContract,
				Message: fmt.Sprintf("step %q input %q must be of type %s",
					cs.ID, field.Name, field.Type),
				StepID: cs.ID,
				SuggestedFixes: []SuggestedFix{{
					Type:   "set-field",
					Params: map[string]any{"field": "inputs." + field.Name, "type": field.Type},
				}},
			})
			continue
		}

		if allowed := field.AllowedValues(); len(allowed) > 0 && !containsValue(allowed, value) {
			errs = append(errs, &Error{
				Code: CodeValidationHandlerContract,
				Message: fmt.Sprintf("step %q input %q has a value outside the allowed set",
					cs.ID, field.Name),
				StepID: cs.ID,
				SuggestedFixes: []SuggestedFix{{
					Type:        "use-allowed-value",
					Params:      map[string]any{"field": "inputs." + field.Name, "allowed": allowed},
					Description: "set the input to one of the allowed values",
				}},
			})
		}
	}
	return errs
}

func valueHasType(value any, fieldType string) bool {
	switch fieldType {
	case FieldString:
		_, ok := value.(string)
		return ok
	case FieldNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case FieldBoolean:
		_, ok := value.(bool)
		return ok
	case FieldObject:
		_, ok := value.(map[string]any)
		return ok
	case FieldArray:
		switch value.(type) {
		case []any, []string, []int, []float64:
			return true
		}
		return false
	default:
		return true
	}
}

func containsValue(allowed []any, value any) bool {
	for _, a := range allowed {
		if a == value {
			return true
		}
	}
	return false
}

// analyzeDeterminism derives the achievable grade. Pure until some step
// uses time or external APIs (→ replayable); best-effort when a
// non-deterministic dependency captures no evidence or an AI step runs on
// wall-clock time.
func analyzeDeterminism(wf *Workflow, violations []DeterminismViolation) DeterminismAnalysis {
	achievable := GradePure

	for i := range wf.Steps {
		step := &wf.Steps[i]
		d := &step.Determinism

		usesExternal := d.UsesExternalAPIs || IsExternalAPIType(step.Type) || IsAIType(step.Type)
		if (d.UsesTime || usesExternal) && achievable == GradePure {
			achievable = GradeReplayable
		}

		for _, dep := range d.ExternalDependencies {
			if !dep.Deterministic && dep.EvidenceCapture == CaptureNone {
				achievable = GradeBestEffort
			}
		}
		if IsAIType(step.Type) && d.TimeSource == "wall-clock" {
			achievable = GradeBestEffort
		}
	}

	if violations == nil {
		violations = []DeterminismViolation{}
	}
	return DeterminismAnalysis{
		Target:     wf.Determinism.TargetGrade,
		Achievable: achievable,
		Satisfied:  len(violations) == 0,
		Violations: violations,
	}
}

// ValidateHandlers runs the optional pre-flight probes handlers declare
// (e.g. "is this model reachable?") for every step in the plan. It returns
// probe failures as errors without mutating the plan. Missing handlers and
// handlers without probes are skipped.
func ValidateHandlers(ctx context.Context, plan *CompiledPlan, registry *HandlerRegistry) []*Error {
	if registry == nil {
		registry = defaultRegistry
	}
	var errs []*Error
	for _, id := range plan.ExecutionOrder {
		cs := plan.Steps[id]
		handler := registry.Get(cs.Type)
		if handler == nil {
			continue
		}
		probe, ok := handler.(PreflightValidator)
		if !ok {
			continue
		}
		if err := probe.Preflight(ctx, cs); err != nil {
			errs = append(errs, (&Error{
				Code:    CodeValidationHandlerContract,
				Message: fmt.Sprintf("preflight for step %q failed: %v", cs.ID, err),
				StepID:  cs.ID,
			}))
		}
	}
	return errs
}
