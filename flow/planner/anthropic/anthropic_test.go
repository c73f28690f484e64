package anthropic

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/bilko-go/flow"
	"github.com/dshills/bilko-go/flow/planner"
)

// fakeCompleter scripts the model response behind the SDK seam.
type fakeCompleter struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeCompleter) complete(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

const proposalJSON = `{"specVersion":"1.0.0","name":"fetch and map","determinism":{"targetGrade":"pure"},` +
	`"entryStepId":"s1","steps":[{"id":"s1","name":"s1","type":"transform.map",` +
	`"policy":{"timeoutMs":5000,"maxAttempts":1},"determinism":{"pureFunction":true}}]}`

func TestProposeWorkflow(t *testing.T) {
	fake := &fakeCompleter{response: proposalJSON}
	p := New("test-key", "")
	p.client = fake

	proposal, err := p.ProposeWorkflow(context.Background(), "map a record")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if proposal.Name != "fetch and map" || len(proposal.Steps) != 1 {
		t.Errorf("proposal = %+v", proposal)
	}
	if len(fake.prompts) != 1 || !strings.Contains(fake.prompts[0], "map a record") {
		t.Errorf("prompt did not carry the goal: %q", fake.prompts)
	}
}

func TestProposeWorkflowParseFailure(t *testing.T) {
	p := New("test-key", "")
	p.client = &fakeCompleter{response: "I'd be happy to help, but I need more detail."}

	_, err := p.ProposeWorkflow(context.Background(), "map a record")
	var terr *flow.Error
	if !errors.As(err, &terr) || terr.Code != flow.CodePlannerLLMParse {
		t.Fatalf("err = %v, want %s", err, flow.CodePlannerLLMParse)
	}
}

func TestProposeRepair(t *testing.T) {
	p := New("test-key", "")
	p.client = &fakeCompleter{
		response: `{"workflowId":"wf-1","baseVersion":2,"updateSteps":{"s1":{"dependsOn":[]}}}`,
	}

	patch, err := p.ProposeRepair(context.Background(), planner.RepairRequest{
		Workflow: &flow.Workflow{ID: "wf-1", Version: 2, SpecVersion: "1.0.0"},
		Errors:   []*flow.Error{flow.NewError(flow.CodeValidationUnknownDep, "unknown dependency")},
	})
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if patch.WorkflowID != "wf-1" || patch.BaseVersion != 2 {
		t.Errorf("patch = %+v", patch)
	}
}

func TestGetVersionInfo(t *testing.T) {
	p := New("test-key", "")
	info, err := p.GetVersionInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "anthropic-planner" || len(info.SupportedDSLVersions) == 0 {
		t.Errorf("info = %+v", info)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.GetVersionInfo(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestTranslateProviderError(t *testing.T) {
	cases := []struct {
		message   string
		retryable bool
	}{
		{"429 Too Many Requests", true},
		{"rate_limit_error: slow down", true},
		{"overloaded_error: try later", true},
		{"529 service overloaded", true},
		{"401 authentication_error: invalid x-api-key", false},
		{"400 invalid_request_error", false},
	}
	for _, tc := range cases {
		e := translateProviderError("anthropic", errors.New(tc.message))
		if e.Code != flow.CodePlannerLLMProvider {
			t.Errorf("%q: code = %q", tc.message, e.Code)
		}
		if e.Retryable != tc.retryable {
			t.Errorf("%q: retryable = %v, want %v", tc.message, e.Retryable, tc.retryable)
		}
	}
}
