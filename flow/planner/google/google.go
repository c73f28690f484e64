// Package google provides a Gemini-backed planner.
package google

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/bilko-go/flow"
	"github.com/dshills/bilko-go/flow/planner"
)

// DefaultModel is used when no model name is supplied.
const DefaultModel = "gemini-1.5-flash"

// Planner implements planner.Planner using Google's Gemini API.
//
// Requests set a JSON response MIME type so the model emits a bare JSON
// object; the shared planner codecs decode it. All outputs remain
// untrusted until planner.ValidateProposal / planner.ValidatePatch accept
// them.
//
// Call Close when the planner is no longer needed to release the
// underlying client.
type Planner struct {
	info   planner.VersionInfo
	client completer
}

// completer is the seam between the planner and the SDK, for mocking in
// tests.
type completer interface {
	complete(ctx context.Context, prompt string) (string, error)
	close() error
}

// New creates a Gemini-backed planner. An empty model name selects
// DefaultModel.
func New(ctx context.Context, apiKey, model string) (*Planner, error) {
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Planner{
		info: planner.VersionInfo{
			Name:                 "google-planner",
			Version:              "1.0.0",
			SupportedDSLVersions: flow.SupportedSpecVersions,
			SupportedStepPacks:   []string{"transform", "http"},
		},
		client: &sdkClient{client: client, model: model},
	}, nil
}

var _ planner.Planner = (*Planner)(nil)

// Close releases the underlying Gemini client.
func (p *Planner) Close() error {
	return p.client.close()
}

// GetVersionInfo implements planner.Planner.
func (p *Planner) GetVersionInfo(ctx context.Context) (planner.VersionInfo, error) {
	if ctx.Err() != nil {
		return planner.VersionInfo{}, ctx.Err()
	}
	return p.info, nil
}

// ProposeWorkflow implements planner.Planner.
func (p *Planner) ProposeWorkflow(ctx context.Context, goal string) (*planner.WorkflowProposal, error) {
	text, err := p.client.complete(ctx, planner.BuildProposalPrompt(goal, p.info))
	if err != nil {
		return nil, err
	}
	return planner.DecodeProposal(text)
}

// ProposePatch implements planner.Planner.
func (p *Planner) ProposePatch(ctx context.Context, base *flow.Workflow, goal string) (*planner.WorkflowPatch, error) {
	text, err := p.client.complete(ctx, planner.BuildPatchPrompt(base, goal))
	if err != nil {
		return nil, err
	}
	return planner.DecodePatch(text)
}

// ProposeRepair implements planner.Planner.
func (p *Planner) ProposeRepair(ctx context.Context, req planner.RepairRequest) (*planner.WorkflowPatch, error) {
	text, err := p.client.complete(ctx, planner.BuildRepairPrompt(req))
	if err != nil {
		return nil, err
	}
	return planner.DecodePatch(text)
}

// sdkClient wraps the official generative-ai-go client.
type sdkClient struct {
	client *genai.Client
	model  string
}

func (c *sdkClient) complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	model := c.client.GenerativeModel(c.model)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", translateProviderError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", flow.NewError(flow.CodePlannerLLMProvider, "google API returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return "", flow.NewError(flow.CodePlannerLLMProvider, "google API returned empty content")
	}

	var text string
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text += string(t)
		}
	}
	return text, nil
}

func (c *sdkClient) close() error {
	return c.client.Close()
}

// translateProviderError converts an SDK error into the planner taxonomy.
// Rate limits and server errors are retryable.
func translateProviderError(err error) *flow.Error {
	msg := err.Error()
	e := flow.Errorf(flow.CodePlannerLLMProvider, "google API error: %v", err)
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "503") {
		e.Retryable = true
	}
	return e
}
