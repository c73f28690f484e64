package flow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/bilko-go/flow"
)

// diamondWorkflow: entry -> {left, right} -> join.
func diamondWorkflow() *flow.Workflow {
	step := func(id string, deps ...string) flow.Step {
		return flow.Step{
			ID: id, Name: id, Type: "transform.map",
			DependsOn:   deps,
			Policy:      flow.StepPolicy{TimeoutMs: 5000, MaxAttempts: 1},
			Determinism: flow.StepDeterminism{PureFunction: true},
		}
	}
	return &flow.Workflow{
		ID:          "wf-diamond",
		Version:     1,
		SpecVersion: "1.0.0",
		Name:        "diamond fixture",
		Determinism: flow.WorkflowDeterminism{TargetGrade: flow.GradePure},
		EntryStepID: "entry",
		Steps: []flow.Step{
			step("entry"),
			step("left", "entry"),
			step("right", "entry"),
			step("join", "left", "right"),
		},
	}
}

func TestCompileWorkflowSuccess(t *testing.T) {
	res := flow.CompileWorkflow(diamondWorkflow())
	if !res.Success {
		t.Fatalf("compile failed: %v", res.Errors)
	}
	plan := res.Plan

	if len(plan.ExecutionOrder) != 4 {
		t.Fatalf("execution order covers %d steps, want 4", len(plan.ExecutionOrder))
	}
	// Topological property: every dependency precedes its dependents.
	position := make(map[string]int, len(plan.ExecutionOrder))
	for i, id := range plan.ExecutionOrder {
		position[id] = i
	}
	for id, cs := range plan.Steps {
		for _, dep := range cs.DependsOn {
			if position[dep] >= position[id] {
				t.Errorf("dependency %q ordered after dependent %q", dep, id)
			}
		}
	}

	if plan.WorkflowHash.Hex == "" || plan.PlanHash.Hex == "" {
		t.Error("plan hashes not populated")
	}
	if plan.SpecVersion != "1.0.0" {
		t.Errorf("specVersion = %q", plan.SpecVersion)
	}
	if !plan.Determinism.Satisfied || plan.Determinism.Achievable != flow.GradePure {
		t.Errorf("determinism analysis = %+v, want satisfied pure", plan.Determinism)
	}
}

func TestCompileWorkflowAppliesPolicyDefaults(t *testing.T) {
	wf := diamondWorkflow()
	res := flow.CompileWorkflow(wf)
	if !res.Success {
		t.Fatalf("compile failed: %v", res.Errors)
	}
	cs := res.Plan.Steps["entry"]
	if cs.Policy.BackoffStrategy != flow.BackoffExponential {
		t.Errorf("backoffStrategy = %q, want exponential default", cs.Policy.BackoffStrategy)
	}
	if cs.Policy.BackoffBaseMs != flow.DefaultBackoffBaseMs {
		t.Errorf("backoffBaseMs = %d, want %d", cs.Policy.BackoffBaseMs, flow.DefaultBackoffBaseMs)
	}
	if cs.ImplementationVersion != "transform.map@1.0.0" {
		t.Errorf("implementationVersion = %q", cs.ImplementationVersion)
	}
}

// Recompiling an unchanged workflow must yield identical content hashes.
func TestCompileWorkflowHashStable(t *testing.T) {
	first := flow.CompileWorkflow(diamondWorkflow())
	second := flow.CompileWorkflow(diamondWorkflow())
	if !first.Success || !second.Success {
		t.Fatal("compile failed")
	}
	if first.Plan.WorkflowHash != second.Plan.WorkflowHash {
		t.Error("workflow hash not stable across recompiles")
	}
	if first.Plan.PlanHash != second.Plan.PlanHash {
		t.Error("plan hash not stable across recompiles")
	}
}

func TestCompileWorkflowHashChangesWithContent(t *testing.T) {
	base := flow.CompileWorkflow(diamondWorkflow())
	changed := diamondWorkflow()
	changed.Steps[3].Policy.TimeoutMs = 9000
	other := flow.CompileWorkflow(changed)
	if base.Plan.PlanHash == other.Plan.PlanHash {
		t.Error("plan hash unchanged after step policy edit")
	}
}

func TestCompileWorkflowRejectsInvalid(t *testing.T) {
	wf := diamondWorkflow()
	wf.Steps[3].DependsOn = []string{"left", "ghost"}
	res := flow.CompileWorkflow(wf)
	if res.Success {
		t.Fatal("invalid workflow compiled")
	}
	if res.Plan != nil {
		t.Error("failed compilation produced a plan")
	}
	if !hasCode(res.Errors, flow.CodeValidationUnknownDep) {
		t.Errorf("missing %s, got %v", flow.CodeValidationUnknownDep, res.Errors)
	}
}

// Target pure, but a step uses wall-clock time: validation rejects the
// claim and reports the achievable grade.
func TestCompileWorkflowDeterminismGap(t *testing.T) {
	wf := diamondWorkflow()
	wf.Steps[1].Determinism.UsesTime = true
	wf.Steps[1].Determinism.TimeSource = "wall-clock"
	res := flow.CompileWorkflow(wf)
	if res.Success {
		t.Fatal("pure workflow with time-dependent step compiled")
	}
	if !hasCode(res.Errors, flow.CodeWorkflowDeterminismViolation) {
		t.Errorf("missing %s, got %v", flow.CodeWorkflowDeterminismViolation, res.Errors)
	}
}

// Replayable target with declared, evidence-captured externals compiles;
// the achievable grade stays replayable.
func TestCompileWorkflowReplayableAchievable(t *testing.T) {
	wf := diamondWorkflow()
	wf.Determinism.TargetGrade = flow.GradeReplayable
	wf.Steps[2].Type = "http.request"
	wf.Steps[2].Inputs = map[string]any{"url": "https://example.com"}
	wf.Steps[2].Determinism = flow.StepDeterminism{
		UsesExternalAPIs: true,
		ExternalDependencies: []flow.ExternalDependency{
			{Name: "example", Deterministic: false, EvidenceCapture: flow.CaptureFullResponse},
		},
	}
	res := flow.CompileWorkflow(wf)
	if !res.Success {
		t.Fatalf("compile failed: %v", res.Errors)
	}
	if res.Plan.Determinism.Achievable != flow.GradeReplayable {
		t.Errorf("achievable = %q, want replayable", res.Plan.Determinism.Achievable)
	}
}

// A non-deterministic dependency without evidence capture degrades the
// achievable grade to best-effort.
func TestCompileWorkflowBestEffortAchievable(t *testing.T) {
	wf := diamondWorkflow()
	wf.Determinism.TargetGrade = flow.GradeBestEffort
	wf.Steps[2].Type = "http.request"
	wf.Steps[2].Determinism = flow.StepDeterminism{
		UsesExternalAPIs: true,
		ExternalDependencies: []flow.ExternalDependency{
			{Name: "feed", Deterministic: false, EvidenceCapture: flow.CaptureNone},
		},
	}
	res := flow.CompileWorkflow(wf)
	if !res.Success {
		t.Fatalf("compile failed: %v", res.Errors)
	}
	if res.Plan.Determinism.Achievable != flow.GradeBestEffort {
		t.Errorf("achievable = %q, want best-effort", res.Plan.Determinism.Achievable)
	}
}

// contractHandler declares an input contract for tests.
type contractHandler struct {
	stepType  string
	contract  *flow.InputContract
	preflight error
}

func (h *contractHandler) Type() string { return h.stepType }
func (h *contractHandler) Execute(_ context.Context, _ flow.CompiledStep, _ *flow.StepContext) (map[string]any, error) {
	return map[string]any{}, nil
}
func (h *contractHandler) InputContract() *flow.InputContract { return h.contract }
func (h *contractHandler) Preflight(_ context.Context, _ flow.CompiledStep) error {
	return h.preflight
}

func TestCompileWorkflowInputContract(t *testing.T) {
	registry := flow.NewHandlerRegistry()
	registry.Register(&contractHandler{
		stepType: "transform.map",
		contract: &flow.InputContract{
			Fields: []flow.InputField{
				{Name: "mapping", Required: true, Type: flow.FieldObject},
				{Name: "mode", Type: flow.FieldString, Enum: []any{"strict", "loose"}},
			},
		},
	})

	t.Run("missing required input", func(t *testing.T) {
		wf := diamondWorkflow()
		res := flow.CompileWorkflowWith(wf, registry)
		if res.Success {
			t.Fatal("compiled despite missing required input")
		}
		if !hasCode(res.Errors, flow.CodeValidationHandlerContract) {
			t.Errorf("missing %s, got %v", flow.CodeValidationHandlerContract, res.Errors)
		}
	})

	t.Run("enum violation carries use-allowed-value fix", func(t *testing.T) {
		wf := diamondWorkflow()
		for i := range wf.Steps {
			wf.Steps[i].Inputs = map[string]any{"mapping": map[string]any{}}
		}
		wf.Steps[0].Inputs["mode"] = "chaotic"
		res := flow.CompileWorkflowWith(wf, registry)
		if res.Success {
			t.Fatal("compiled despite enum violation")
		}
		found := false
		for _, e := range res.Errors {
			for _, fix := range e.SuggestedFixes {
				if fix.Type == "use-allowed-value" {
					found = true
				}
			}
		}
		if !found {
			t.Errorf("no use-allowed-value fix in %v", res.Errors)
		}
	})

	t.Run("satisfied contract compiles", func(t *testing.T) {
		wf := diamondWorkflow()
		for i := range wf.Steps {
			wf.Steps[i].Inputs = map[string]any{"mapping": map[string]any{}, "mode": "strict"}
		}
		res := flow.CompileWorkflowWith(wf, registry)
		if !res.Success {
			t.Fatalf("compile failed: %v", res.Errors)
		}
	})

	t.Run("unregistered handler is not a compile error", func(t *testing.T) {
		wf := diamondWorkflow()
		res := flow.CompileWorkflowWith(wf, flow.NewHandlerRegistry())
		if !res.Success {
			t.Fatalf("compile failed: %v", res.Errors)
		}
	})
}

func TestValidateHandlersPreflight(t *testing.T) {
	registry := flow.NewHandlerRegistry()
	registry.Register(&contractHandler{
		stepType:  "transform.map",
		preflight: errors.New("backend unreachable"),
	})

	res := flow.CompileWorkflowWith(diamondWorkflow(), registry)
	if !res.Success {
		t.Fatalf("compile failed: %v", res.Errors)
	}

	errs := flow.ValidateHandlers(context.Background(), res.Plan, registry)
	if len(errs) != 4 {
		t.Fatalf("expected 4 preflight failures (one per step), got %d", len(errs))
	}
	for _, e := range errs {
		if e.Code != flow.CodeValidationHandlerContract {
			t.Errorf("code = %q, want %q", e.Code, flow.CodeValidationHandlerContract)
		}
	}
}
