package flow_test

import (
	"testing"

	"github.com/dshills/bilko-go/flow"
)

// twoStepWorkflow is a minimal valid pure workflow: fetch -> process.
func twoStepWorkflow() *flow.Workflow {
	return &flow.Workflow{
		ID:          "wf-validate",
		Version:     1,
		SpecVersion: "1.0.0",
		Name:        "validation fixture",
		Determinism: flow.WorkflowDeterminism{TargetGrade: flow.GradePure},
		EntryStepID: "first",
		Steps: []flow.Step{
			{
				ID:          "first",
				Name:        "first",
				Type:        "transform.map",
				Policy:      flow.StepPolicy{TimeoutMs: 5000, MaxAttempts: 1},
				Determinism: flow.StepDeterminism{PureFunction: true},
			},
			{
				ID:          "second",
				Name:        "second",
				Type:        "transform.map",
				DependsOn:   []string{"first"},
				Policy:      flow.StepPolicy{TimeoutMs: 5000, MaxAttempts: 3},
				Determinism: flow.StepDeterminism{PureFunction: true},
			},
		},
	}
}

func TestValidateWorkflowAccepts(t *testing.T) {
	res := flow.ValidateWorkflow(twoStepWorkflow())
	if !res.Valid {
		t.Fatalf("expected valid workflow, got errors: %v", res.Errors)
	}
	if len(res.Errors) != 0 || len(res.DeterminismViolations) != 0 {
		t.Errorf("expected empty error collections, got %d errors, %d violations",
			len(res.Errors), len(res.DeterminismViolations))
	}
}

func TestValidateWorkflowMissingFields(t *testing.T) {
	res := flow.ValidateWorkflow(&flow.Workflow{})
	if res.Valid {
		t.Fatal("empty workflow validated")
	}
	// id, name, steps, entryStepId all missing; the validator fails fast
	// before spec-version and graph checks.
	if len(res.Errors) != 4 {
		t.Errorf("expected 4 missing-field errors, got %d: %v", len(res.Errors), res.Errors)
	}
	for _, err := range res.Errors {
		if err.Code != flow.CodeValidationMissingField {
			t.Errorf("code = %q, want %q", err.Code, flow.CodeValidationMissingField)
		}
	}
}

func TestValidateWorkflowNil(t *testing.T) {
	res := flow.ValidateWorkflow(nil)
	if res.Valid {
		t.Fatal("nil workflow validated")
	}
}

func TestValidateWorkflowSpecVersion(t *testing.T) {
	wf := twoStepWorkflow()
	wf.SpecVersion = "9.9.9"
	res := flow.ValidateWorkflow(wf)
	if res.Valid {
		t.Fatal("unsupported spec version validated")
	}
	if !hasCode(res.Errors, flow.CodeValidationSpecVersion) {
		t.Errorf("missing %s, got %v", flow.CodeValidationSpecVersion, res.Errors)
	}
}

func TestValidateWorkflowStepFields(t *testing.T) {
	t.Run("duplicate step id", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Steps[1].ID = "first"
		wf.Steps[1].DependsOn = nil
		res := flow.ValidateWorkflow(wf)
		if !hasCode(res.Errors, flow.CodeValidationDuplicateStep) {
			t.Errorf("missing %s, got %v", flow.CodeValidationDuplicateStep, res.Errors)
		}
	})

	t.Run("self dependency", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Steps[1].DependsOn = []string{"second"}
		res := flow.ValidateWorkflow(wf)
		if !hasCode(res.Errors, flow.CodeValidationSelfDependency) {
			t.Errorf("missing %s, got %v", flow.CodeValidationSelfDependency, res.Errors)
		}
	})

	t.Run("unknown dependency", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Steps[1].DependsOn = []string{"ghost"}
		res := flow.ValidateWorkflow(wf)
		if !hasCode(res.Errors, flow.CodeValidationUnknownDep) {
			t.Errorf("missing %s, got %v", flow.CodeValidationUnknownDep, res.Errors)
		}
	})

	t.Run("timeout out of range", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Steps[0].Policy.TimeoutMs = 50
		res := flow.ValidateWorkflow(wf)
		if !hasCode(res.Errors, flow.CodeValidationPolicy) {
			t.Errorf("missing %s, got %v", flow.CodeValidationPolicy, res.Errors)
		}
	})

	t.Run("max attempts out of range", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Steps[0].Policy.MaxAttempts = 11
		res := flow.ValidateWorkflow(wf)
		if !hasCode(res.Errors, flow.CodeValidationPolicy) {
			t.Errorf("missing %s, got %v", flow.CodeValidationPolicy, res.Errors)
		}
	})

	t.Run("unknown backoff strategy", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Steps[0].Policy.BackoffStrategy = "fibonacci"
		res := flow.ValidateWorkflow(wf)
		if !hasCode(res.Errors, flow.CodeValidationPolicy) {
			t.Errorf("missing %s, got %v", flow.CodeValidationPolicy, res.Errors)
		}
	})
}

func TestValidateWorkflowGraph(t *testing.T) {
	t.Run("entry step must exist", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.EntryStepID = "ghost"
		res := flow.ValidateWorkflow(wf)
		if !hasCode(res.Errors, flow.CodeValidationEntryStep) {
			t.Errorf("missing %s, got %v", flow.CodeValidationEntryStep, res.Errors)
		}
	})

	t.Run("entry step must have no dependencies", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.EntryStepID = "second"
		res := flow.ValidateWorkflow(wf)
		if !hasCode(res.Errors, flow.CodeValidationEntryStep) {
			t.Errorf("missing %s, got %v", flow.CodeValidationEntryStep, res.Errors)
		}
	})

	// A -> B -> C -> A plus an entry step: the cycle is reported with the
	// offending steps and the workflow is rejected.
	t.Run("cycle detected", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Steps = append(wf.Steps,
			flow.Step{
				ID: "a", Name: "a", Type: "transform.map",
				DependsOn:   []string{"first", "c"},
				Policy:      flow.StepPolicy{TimeoutMs: 5000, MaxAttempts: 1},
				Determinism: flow.StepDeterminism{PureFunction: true},
			},
			flow.Step{
				ID: "b", Name: "b", Type: "transform.map",
				DependsOn:   []string{"a"},
				Policy:      flow.StepPolicy{TimeoutMs: 5000, MaxAttempts: 1},
				Determinism: flow.StepDeterminism{PureFunction: true},
			},
			flow.Step{
				ID: "c", Name: "c", Type: "transform.map",
				DependsOn:   []string{"b"},
				Policy:      flow.StepPolicy{TimeoutMs: 5000, MaxAttempts: 1},
				Determinism: flow.StepDeterminism{PureFunction: true},
			},
		)
		res := flow.ValidateWorkflow(wf)
		if res.Valid {
			t.Fatal("cyclic workflow validated")
		}
		if !hasCode(res.Errors, flow.CodeValidationCycleDetected) {
			t.Errorf("missing %s, got %v", flow.CodeValidationCycleDetected, res.Errors)
		}
	})

	t.Run("unreachable step", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Steps = append(wf.Steps, flow.Step{
			ID: "island", Name: "island", Type: "transform.map",
			Policy:      flow.StepPolicy{TimeoutMs: 5000, MaxAttempts: 1},
			Determinism: flow.StepDeterminism{PureFunction: true},
		})
		res := flow.ValidateWorkflow(wf)
		if !hasCode(res.Errors, flow.CodeValidationUnreachableStep) {
			t.Errorf("missing %s, got %v", flow.CodeValidationUnreachableStep, res.Errors)
		}
	})
}

func TestValidateWorkflowDeterminism(t *testing.T) {
	t.Run("pure rejects external API step", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Steps[1].Type = "http.request"
		res := flow.ValidateWorkflow(wf)
		if res.Valid {
			t.Fatal("pure workflow with http step validated")
		}
		if !hasCode(res.Errors, flow.CodeWorkflowDeterminismViolation) {
			t.Errorf("missing %s, got %v", flow.CodeWorkflowDeterminismViolation, res.Errors)
		}
		if len(res.DeterminismViolations) != 1 || res.DeterminismViolations[0].Rule != flow.RulePureNoExternalAPI {
			t.Errorf("violations = %v, want one %s", res.DeterminismViolations, flow.RulePureNoExternalAPI)
		}
	})

	t.Run("pure rejects AI step", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Steps[1].Type = "ai.generate"
		res := flow.ValidateWorkflow(wf)
		if !hasRule(res.DeterminismViolations, flow.RulePureNoAI) {
			t.Errorf("violations = %v, want %s", res.DeterminismViolations, flow.RulePureNoAI)
		}
	})

	t.Run("pure rejects time-dependent step", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Steps[1].Determinism.UsesTime = true
		wf.Steps[1].Determinism.TimeSource = "wall-clock"
		res := flow.ValidateWorkflow(wf)
		if !hasRule(res.DeterminismViolations, flow.RulePureNoTime) {
			t.Errorf("violations = %v, want %s", res.DeterminismViolations, flow.RulePureNoTime)
		}
	})

	t.Run("replayable requires declared external APIs", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Determinism.TargetGrade = flow.GradeReplayable
		wf.Steps[1].Type = "http.request"
		wf.Steps[1].Determinism = flow.StepDeterminism{} // undeclared
		res := flow.ValidateWorkflow(wf)
		if !hasRule(res.DeterminismViolations, flow.RuleReplayableDeclareAPIs) {
			t.Errorf("violations = %v, want %s", res.DeterminismViolations, flow.RuleReplayableDeclareAPIs)
		}
	})

	t.Run("replayable requires evidence capture", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Determinism.TargetGrade = flow.GradeReplayable
		wf.Steps[1].Type = "http.request"
		wf.Steps[1].Determinism = flow.StepDeterminism{
			UsesExternalAPIs: true,
			ExternalDependencies: []flow.ExternalDependency{
				{Name: "search", Deterministic: false, EvidenceCapture: flow.CaptureNone},
			},
		}
		res := flow.ValidateWorkflow(wf)
		if !hasRule(res.DeterminismViolations, flow.RuleReplayableCaptureProof) {
			t.Errorf("violations = %v, want %s", res.DeterminismViolations, flow.RuleReplayableCaptureProof)
		}
	})

	t.Run("best effort admits everything", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Determinism.TargetGrade = flow.GradeBestEffort
		wf.Steps[1].Type = "http.request"
		wf.Steps[1].Determinism.UsesTime = true
		res := flow.ValidateWorkflow(wf)
		if !res.Valid {
			t.Errorf("best-effort workflow rejected: %v", res.Errors)
		}
	})

	t.Run("unknown target grade rejected", func(t *testing.T) {
		wf := twoStepWorkflow()
		wf.Determinism.TargetGrade = "perfect"
		res := flow.ValidateWorkflow(wf)
		if !hasCode(res.Errors, flow.CodeValidationInvalidField) {
			t.Errorf("missing %s, got %v", flow.CodeValidationInvalidField, res.Errors)
		}
	})
}

func hasCode(errs []*flow.Error, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func hasRule(violations []flow.DeterminismViolation, rule string) bool {
	for _, v := range violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}
