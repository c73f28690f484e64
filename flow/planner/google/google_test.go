package google

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/bilko-go/flow"
	"github.com/dshills/bilko-go/flow/planner"
)

type fakeCompleter struct {
	response string
	err      error
	closed   bool
}

func (f *fakeCompleter) complete(_ context.Context, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeCompleter) close() error {
	f.closed = true
	return nil
}

// testPlanner builds a planner around a fake seam without constructing the
// real Gemini client (New would need credentials).
func testPlanner(fake *fakeCompleter) *Planner {
	return &Planner{
		info: planner.VersionInfo{
			Name:                 "google-planner",
			Version:              "1.0.0",
			SupportedDSLVersions: flow.SupportedSpecVersions,
			SupportedStepPacks:   []string{"transform", "http"},
		},
		client: fake,
	}
}

func TestProposeWorkflow(t *testing.T) {
	p := testPlanner(&fakeCompleter{
		response: `{"specVersion":"1.0.0","name":"gemini draft","determinism":{"targetGrade":"pure"},` +
			`"entryStepId":"s1","steps":[{"id":"s1","name":"s1","type":"transform.map",` +
			`"policy":{"timeoutMs":5000,"maxAttempts":1},"determinism":{"pureFunction":true}}]}`,
	})

	proposal, err := p.ProposeWorkflow(context.Background(), "draft a mapper")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if proposal.Name != "gemini draft" || proposal.EntryStepID != "s1" {
		t.Errorf("proposal = %+v", proposal)
	}
}

func TestProposeWorkflowParseFailure(t *testing.T) {
	p := testPlanner(&fakeCompleter{response: "not a workflow"})

	_, err := p.ProposeWorkflow(context.Background(), "draft a mapper")
	var terr *flow.Error
	if !errors.As(err, &terr) || terr.Code != flow.CodePlannerLLMParse {
		t.Fatalf("err = %v, want %s", err, flow.CodePlannerLLMParse)
	}
}

func TestClose(t *testing.T) {
	fake := &fakeCompleter{}
	p := testPlanner(fake)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !fake.closed {
		t.Error("underlying client not closed")
	}
}

func TestTranslateProviderError(t *testing.T) {
	cases := []struct {
		message   string
		retryable bool
	}{
		{"googleapi: Error 429: RESOURCE_EXHAUSTED", true},
		{"500 backend error", true},
		{"503 unavailable", true},
		{"googleapi: Error 403: API key not valid", false},
	}
	for _, tc := range cases {
		e := translateProviderError(errors.New(tc.message))
		if e.Code != flow.CodePlannerLLMProvider {
			t.Errorf("%q: code = %q", tc.message, e.Code)
		}
		if e.Retryable != tc.retryable {
			t.Errorf("%q: retryable = %v, want %v", tc.message, e.Retryable, tc.retryable)
		}
	}
}
