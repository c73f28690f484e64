package openai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/bilko-go/flow"
)

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

func TestProposeWorkflow(t *testing.T) {
	fake := &fakeCompleter{
		response: `{"specVersion":"1.0.0","name":"gpt draft","determinism":{"targetGrade":"pure"},` +
			`"entryStepId":"s1","steps":[{"id":"s1","name":"s1","type":"transform.map",` +
			`"policy":{"timeoutMs":5000,"maxAttempts":1},"determinism":{"pureFunction":true}}]}`,
	}
	p := New("test-key", "")
	p.client = fake

	proposal, err := p.ProposeWorkflow(context.Background(), "draft a mapper")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if proposal.Name != "gpt draft" {
		t.Errorf("proposal = %+v", proposal)
	}
	if len(fake.prompts) != 1 || !strings.Contains(fake.prompts[0], "draft a mapper") {
		t.Errorf("prompt did not carry the goal: %q", fake.prompts)
	}
}

func TestProposePatchParseFailure(t *testing.T) {
	p := New("test-key", "")
	p.client = &fakeCompleter{response: "no json here"}

	_, err := p.ProposePatch(context.Background(), &flow.Workflow{ID: "wf-1", Version: 1}, "rename a step")
	var terr *flow.Error
	if !errors.As(err, &terr) || terr.Code != flow.CodePlannerLLMParse {
		t.Fatalf("err = %v, want %s", err, flow.CodePlannerLLMParse)
	}
}

func TestProviderErrorPassthrough(t *testing.T) {
	injected := flow.NewError(flow.CodePlannerLLMProvider, "openai API error: 429")
	p := New("test-key", "")
	p.client = &fakeCompleter{err: injected}

	_, err := p.ProposeWorkflow(context.Background(), "anything")
	if !errors.Is(err, injected) {
		t.Errorf("err = %v, want the provider error unchanged", err)
	}
}

func TestTranslateProviderError(t *testing.T) {
	cases := []struct {
		message   string
		retryable bool
	}{
		{"429 Too Many Requests", true},
		{"rate_limit_exceeded", true},
		{"500 internal server error", true},
		{"503 service unavailable", true},
		{"401 invalid_api_key", false},
	}
	for _, tc := range cases {
		e := translateProviderError(errors.New(tc.message))
		if e.Retryable != tc.retryable {
			t.Errorf("%q: retryable = %v, want %v", tc.message, e.Retryable, tc.retryable)
		}
	}
}
