package flow

import "fmt"

// ValidationResult is the outcome of validating a workflow document.
//
// The validator is total: it returns a result for every input and never
// panics. Determinism violations appear both in Errors (so the workflow is
// rejected) and in DeterminismViolations (so callers can enumerate them
// without string-matching codes).
type ValidationResult struct {
	Valid                 bool                   `json:"valid"`
	Errors                []*Error               `json:"errors"`
	Warnings              []*Error               `json:"warnings"`
	DeterminismViolations []DeterminismViolation `json:"determinismViolations"`
}

// DeterminismViolation records one broken determinism rule.
type DeterminismViolation struct {
	// Rule names the broken rule, e.g. "pure-no-external-api".
	Rule string `json:"rule"`

	// StepID identifies the offending step, when the rule is per-step.
	StepID string `json:"stepId,omitempty"`

	// Message describes the violation.
	Message string `json:"message"`
}

// Determinism rule names.
const (
	RulePureNoExternalAPI      = "pure-no-external-api"
	RulePureNoAI               = "pure-no-ai"
	RulePureNoTime             = "pure-no-time"
	RuleReplayableDeclareAPIs  = "replayable-declare-external-apis"
	RuleReplayableCaptureProof = "replayable-evidence-capture"
)

// ValidateWorkflow checks a (possibly partial) workflow document.
//
// Missing top-level fields fail fast: without an id, steps, or an entry
// step there is nothing coherent to check. Past that gate the spec-version,
// size, step-field, graph, and determinism checks run independently and
// accumulate, so a repair agent sees every problem in one pass.
func ValidateWorkflow(wf *Workflow) *ValidationResult {
	res := &ValidationResult{
		Errors:                []*Error{},
		Warnings:              []*Error{},
		DeterminismViolations: []DeterminismViolation{},
	}

	if wf == nil {
		res.addError(&Error{
			Code:    CodeValidationMissingField,
			Message: "workflow document is nil",
		})
		return res.finish()
	}

	// Fail fast on missing top-level fields.
	missing := false
	if wf.ID == "" {
		res.addError(missingField("id"))
		missing = true
	}
	if wf.Name == "" {
		res.addError(missingField("name"))
		missing = true
	}
	if len(wf.Steps) == 0 {
		res.addError(missingField("steps"))
		missing = true
	}
	if wf.EntryStepID == "" {
		res.addError(missingField("entryStepId"))
		missing = true
	}
	if missing {
		return res.finish()
	}

	checkSpecVersion(wf, res)
	checkStepFields(wf, res)
	checkGraph(wf, res)
	checkDeterminism(wf, res)

	return res.finish()
}

func (r *ValidationResult) addError(err *Error) {
	r.Errors = append(r.Errors, err)
}

func (r *ValidationResult) addViolation(v DeterminismViolation) {
	r.DeterminismViolations = append(r.DeterminismViolations, v)
	r.Errors = append(r.Errors, &Error{
		Code:    CodeWorkflowDeterminismViolation,
		Message: v.Message,
		StepID:  v.StepID,
		Details: map[string]any{"rule": v.Rule},
		SuggestedFixes: []SuggestedFix{{
			Type:        "lower-target-grade",
			Params:      map[string]any{"rule": v.Rule},
			Description: "lower determinism.targetGrade or remove the offending step",
		}},
	})
}

func (r *ValidationResult) finish() *ValidationResult {
	r.Valid = len(r.Errors) == 0
	return r
}

func missingField(field string) *Error {
	return &Error{
		Code:    CodeValidationMissingField,
		Message: "missing required field: " + field,
		SuggestedFixes: []SuggestedFix{{
			Type:   "set-field",
			Params: map[string]any{"field": field},
		}},
	}
}

func checkSpecVersion(wf *Workflow, res *ValidationResult) {
	if wf.SpecVersion == "" {
		res.addError(missingField("specVersion"))
		return
	}
	if !specVersionSupported(wf.SpecVersion) {
		res.addError(&Error{
			Code:    CodeValidationSpecVersion,
			Message: fmt.Sprintf("unsupported spec version %q", wf.SpecVersion),
			SuggestedFixes: []SuggestedFix{{
				Type:        "use-allowed-value",
				Params:      map[string]any{"field": "specVersion", "allowed": SupportedSpecVersions},
				Description: "use one of the supported spec versions",
			}},
		})
	}
}

// checkStepFields validates per-step fields: unique ids, resolvable
// dependencies, no self-dependency, and policy bounds.
func checkStepFields(wf *Workflow, res *ValidationResult) {
	seen := make(map[string]bool, len(wf.Steps))
	ids := make(map[string]bool, len(wf.Steps))
	for i := range wf.Steps {
		ids[wf.Steps[i].ID] = true
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]

		if step.ID == "" {
			res.addError(&Error{
				Code:    CodeValidationMissingField,
				Message: fmt.Sprintf("step at index %d has no id", i),
			})
			continue
		}
		if seen[step.ID] {
			res.addError(&Error{
				Code:    CodeValidationDuplicateStep,
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
				StepID:  step.ID,
				SuggestedFixes: []SuggestedFix{{
					Type:   "rename-step",
					Params: map[string]any{"stepId": step.ID},
				}},
			})
		}
		seen[step.ID] = true

		if step.Type == "" {
			res.addError((&Error{
				Code:    CodeValidationMissingField,
				Message: fmt.Sprintf("step %q has no type", step.ID),
			}).WithStep(step.ID))
		}

		for _, dep := range step.DependsOn {
			if dep == step.ID {
				res.addError(&Error{
					Code:    CodeValidationSelfDependency,
					Message: fmt.Sprintf("step %q depends on itself", step.ID),
					StepID:  step.ID,
					SuggestedFixes: []SuggestedFix{{
						Type:   "remove-dependency",
						Params: map[string]any{"stepId": step.ID, "dependency": dep},
					}},
				})
				continue
			}
			if !ids[dep] {
				res.addError(&Error{
					Code:    CodeValidationUnknownDep,
					Message: fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep),
					StepID:  step.ID,
					SuggestedFixes: []SuggestedFix{{
						Type:   "remove-dependency",
						Params: map[string]any{"stepId": step.ID, "dependency": dep},
					}},
				})
			}
		}

		checkPolicy(step, res)
	}
}

func checkPolicy(step *Step, res *ValidationResult) {
	p := step.Policy
	if p.TimeoutMs < MinTimeoutMs || p.TimeoutMs > MaxTimeoutMs {
		res.addError(&Error{
			Code: CodeValidationPolicy,
			Message: fmt.Sprintf("step %q timeoutMs %d outside [%d, %d]",
				step.ID, p.TimeoutMs, MinTimeoutMs, MaxTimeoutMs),
			StepID: step.ID,
			SuggestedFixes: []SuggestedFix{{
				Type:   "set-field",
				Params: map[string]any{"field": "policy.timeoutMs", "min": MinTimeoutMs, "max": MaxTimeoutMs},
			}},
		})
	}
	if p.MaxAttempts < MinMaxAttempts || p.MaxAttempts > MaxMaxAttempts {
		res.addError(&Error{
			Code: CodeValidationPolicy,
			Message: fmt.Sprintf("step %q maxAttempts %d outside [%d, %d]",
				step.ID, p.MaxAttempts, MinMaxAttempts, MaxMaxAttempts),
			StepID: step.ID,
			SuggestedFixes: []SuggestedFix{{
				Type:   "set-field",
				Params: map[string]any{"field": "policy.maxAttempts", "min": MinMaxAttempts, "max": MaxMaxAttempts},
			}},
		})
	}
	if p.BackoffStrategy != "" && p.BackoffStrategy != BackoffFixed && p.BackoffStrategy != BackoffExponential {
		res.addError(&Error{
			Code:    CodeValidationPolicy,
			Message: fmt.Sprintf("step %q has unknown backoffStrategy %q", step.ID, p.BackoffStrategy),
			StepID:  step.ID,
			SuggestedFixes: []SuggestedFix{{
				Type:   "use-allowed-value",
				Params: map[string]any{"field": "policy.backoffStrategy", "allowed": []string{string(BackoffFixed), string(BackoffExponential)}},
			}},
		})
	}
}

// checkGraph runs the structural graph checks: the entry step exists and
// has no dependencies, the dependency graph is acyclic (DFS coloring), and
// every step is reachable from the entry step over forward edges (BFS).
func checkGraph(wf *Workflow, res *ValidationResult) {
	entry := wf.FindStep(wf.EntryStepID)
	if entry == nil {
		res.addError(&Error{
			Code:    CodeValidationEntryStep,
			Message: fmt.Sprintf("entryStepId %q does not match any step", wf.EntryStepID),
			SuggestedFixes: []SuggestedFix{{
				Type:   "set-field",
				Params: map[string]any{"field": "entryStepId"},
			}},
		})
		return
	}
	if len(entry.DependsOn) > 0 {
		res.addError(&Error{
			Code:    CodeValidationEntryStep,
			Message: fmt.Sprintf("entry step %q must not have dependencies", entry.ID),
			StepID:  entry.ID,
			SuggestedFixes: []SuggestedFix{{
				Type:   "remove-dependency",
				Params: map[string]any{"stepId": entry.ID},
			}},
		})
	}

	if cycle := findCycle(wf); len(cycle) > 0 {
		res.addError(&Error{
			Code:    CodeValidationCycleDetected,
			Message: fmt.Sprintf("dependency cycle detected involving steps %v", cycle),
			Details: map[string]any{"cycle": cycle},
			SuggestedFixes: []SuggestedFix{{
				Type:        "remove-dependency",
				Params:      map[string]any{"cycle": cycle},
				Description: "break the cycle by removing one of its dependencies",
			}},
		})
	}

	for _, id := range unreachableSteps(wf) {
		res.addError(&Error{
			Code:    CodeValidationUnreachableStep,
			Message: fmt.Sprintf("step %q is not reachable from entry step %q", id, wf.EntryStepID),
			StepID:  id,
			SuggestedFixes: []SuggestedFix{{
				Type:   "connect-step",
				Params: map[string]any{"stepId": id},
			}},
		})
	}
}

// DFS coloring: white (unvisited), gray (on stack), black (done). A gray
// revisit is a back edge, i.e. a cycle.
func findCycle(wf *Workflow) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(wf.Steps))

	var cycle []string
	var visit func(id string, path []string) bool
	visit = func(id string, path []string) bool {
		color[id] = gray
		path = append(path, id)
		step := wf.FindStep(id)
		if step != nil {
			for _, dep := range step.DependsOn {
				if wf.FindStep(dep) == nil {
					continue // reported by checkStepFields
				}
				switch color[dep] {
				case gray:
					cycle = append(path, dep)
					return true
				case white:
					if visit(dep, path) {
						return true
					}
				}
			}
		}
		color[id] = black
		return false
	}

	for i := range wf.Steps {
		if color[wf.Steps[i].ID] == white {
			if visit(wf.Steps[i].ID, nil) {
				return cycle
			}
		}
	}
	return nil
}

// unreachableSteps returns step ids not reachable from the entry step via
// forward (dependency → dependent) edges, in document order.
func unreachableSteps(wf *Workflow) []string {
	// Forward adjacency: dep -> dependents.
	forward := make(map[string][]string, len(wf.Steps))
	for i := range wf.Steps {
		for _, dep := range wf.Steps[i].DependsOn {
			forward[dep] = append(forward[dep], wf.Steps[i].ID)
		}
	}

	visited := map[string]bool{wf.EntryStepID: true}
	queue := []string{wf.EntryStepID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range forward[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	var unreachable []string
	for i := range wf.Steps {
		if !visited[wf.Steps[i].ID] {
			unreachable = append(unreachable, wf.Steps[i].ID)
		}
	}
	return unreachable
}

// checkDeterminism applies the grade-specific rules from the target grade
// declaration. BestEffort admits everything.
func checkDeterminism(wf *Workflow, res *ValidationResult) {
	switch wf.Determinism.TargetGrade {
	case GradePure:
		for i := range wf.Steps {
			step := &wf.Steps[i]
			if IsExternalAPIType(step.Type) {
				res.addViolation(DeterminismViolation{
					Rule:    RulePureNoExternalAPI,
					StepID:  step.ID,
					Message: fmt.Sprintf("pure workflow cannot contain external-API step %q (type %s)", step.ID, step.Type),
				})
			}
			if IsAIType(step.Type) {
				res.addViolation(DeterminismViolation{
					Rule:    RulePureNoAI,
					StepID:  step.ID,
					Message: fmt.Sprintf("pure workflow cannot contain AI step %q (type %s)", step.ID, step.Type),
				})
			}
			if step.Determinism.UsesTime {
				res.addViolation(DeterminismViolation{
					Rule:    RulePureNoTime,
					StepID:  step.ID,
					Message: fmt.Sprintf("pure workflow cannot contain time-dependent step %q", step.ID),
				})
			}
		}

	case GradeReplayable:
		for i := range wf.Steps {
			step := &wf.Steps[i]
			if (IsExternalAPIType(step.Type) || IsAIType(step.Type)) && !step.Determinism.UsesExternalAPIs {
				res.addViolation(DeterminismViolation{
					Rule:    RuleReplayableDeclareAPIs,
					StepID:  step.ID,
					Message: fmt.Sprintf("replayable workflow requires step %q to declare usesExternalApis", step.ID),
				})
			}
			for _, dep := range step.Determinism.ExternalDependencies {
				if !dep.Deterministic && dep.EvidenceCapture == CaptureNone {
					res.addViolation(DeterminismViolation{
						Rule:   RuleReplayableCaptureProof,
						StepID: step.ID,
						Message: fmt.Sprintf("replayable workflow requires evidence capture for non-deterministic dependency %q of step %q",
							dep.Name, step.ID),
					})
				}
			}
		}

	case GradeBestEffort, "":
		// No prohibitions.

	default:
		res.addError(&Error{
			Code:    CodeValidationInvalidField,
			Message: fmt.Sprintf("unknown determinism target grade %q", wf.Determinism.TargetGrade),
			SuggestedFixes: []SuggestedFix{{
				Type: "use-allowed-value",
				Params: map[string]any{
					"field":   "determinism.targetGrade",
					"allowed": []string{string(GradePure), string(GradeReplayable), string(GradeBestEffort)},
				},
			}},
		})
	}
}
