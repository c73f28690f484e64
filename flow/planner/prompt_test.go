package planner_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/dshills/bilko-go/flow"
	"github.com/dshills/bilko-go/flow/planner"
)

func TestBuildProposalPrompt(t *testing.T) {
	prompt := planner.BuildProposalPrompt("sync two records", mockInfo())
	for _, want := range []string{"sync two records", "1.0.0", "transform", "entryStepId", "timeoutMs"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildRepairPrompt(t *testing.T) {
	wf := baseWorkflow()
	req := planner.RepairRequest{
		Workflow: wf,
		Errors: []*flow.Error{
			flow.NewError(flow.CodeValidationUnknownDep, "step second depends on unknown step"),
		},
		SuggestedFixes: []flow.SuggestedFix{{Type: "remove-dependency"}},
	}
	prompt := planner.BuildRepairPrompt(req)
	for _, want := range []string{wf.ID, "VALIDATION.UNKNOWN_DEPENDENCY", "remove-dependency", `"baseVersion":3`} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestDecodeProposal(t *testing.T) {
	raw := `{"specVersion":"1.0.0","name":"copy","determinism":{"targetGrade":"pure"},` +
		`"entryStepId":"s1","steps":[{"id":"s1","name":"s1","type":"transform.map",` +
		`"policy":{"timeoutMs":5000,"maxAttempts":1},"determinism":{"pureFunction":true}}]}`

	t.Run("bare object", func(t *testing.T) {
		p, err := planner.DecodeProposal(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.Name != "copy" || len(p.Steps) != 1 || p.Steps[0].Policy.TimeoutMs != 5000 {
			t.Errorf("decoded = %+v", p)
		}
	})

	t.Run("object wrapped in prose", func(t *testing.T) {
		p, err := planner.DecodeProposal("Here is the workflow you asked for:\n\n" + raw + "\n\nLet me know!")
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.EntryStepID != "s1" {
			t.Errorf("decoded = %+v", p)
		}
	})

	t.Run("no JSON at all", func(t *testing.T) {
		_, err := planner.DecodeProposal("I cannot produce a workflow for that goal.")
		var terr *flow.Error
		if !errors.As(err, &terr) || terr.Code != flow.CodePlannerLLMParse {
			t.Fatalf("err = %v, want %s", err, flow.CodePlannerLLMParse)
		}
	})

	t.Run("malformed JSON", func(t *testing.T) {
		_, err := planner.DecodeProposal(`{"specVersion": "1.0.0", "steps": [`)
		var terr *flow.Error
		if !errors.As(err, &terr) || terr.Code != flow.CodePlannerLLMParse {
			t.Fatalf("err = %v, want %s", err, flow.CodePlannerLLMParse)
		}
	})
}

func TestDecodePatch(t *testing.T) {
	p, err := planner.DecodePatch(`The patch below fixes the dependency:
{"workflowId":"wf-patch","baseVersion":3,"updateSteps":{"second":{"dependsOn":["first"]}}}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.WorkflowID != "wf-patch" || p.BaseVersion != 3 {
		t.Errorf("decoded = %+v", p)
	}
	if deps, ok := p.UpdateSteps["second"]["dependsOn"]; !ok {
		t.Errorf("updateSteps = %v", p.UpdateSteps)
	} else if list, ok := deps.([]any); !ok || len(list) != 1 || list[0] != "first" {
		t.Errorf("dependsOn = %v", deps)
	}
}
