// Package anthropic provides a Claude-backed planner.
package anthropic

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/bilko-go/flow"
	"github.com/dshills/bilko-go/flow/planner"
)

// DefaultModel is used when no model name is supplied.
const DefaultModel = "claude-3-5-sonnet-20241022"

// Planner implements planner.Planner using Anthropic's Claude API.
//
// The model is prompted for JSON workflow drafts and patches; responses are
// decoded with the shared planner codecs. Everything the model returns is
// untrusted until planner.ValidateProposal / planner.ValidatePatch accept
// it.
//
// Planner is safe for concurrent use after creation.
//
// Example:
//
//	p := anthropic.New(os.Getenv("ANTHROPIC_API_KEY"), "")
//	proposal, err := p.ProposeWorkflow(ctx, "fetch a page and summarize it")
type Planner struct {
	info   planner.VersionInfo
	client completer
}

// completer is the seam between the planner and the SDK, for mocking in
// tests.
type completer interface {
	complete(ctx context.Context, prompt string) (string, error)
}

// New creates a Claude-backed planner. An empty model name selects
// DefaultModel. The API key can be obtained from
// https://console.anthropic.com/
func New(apiKey, model string) *Planner {
	if model == "" {
		model = DefaultModel
	}
	return &Planner{
		info: planner.VersionInfo{
			Name:                 "anthropic-planner",
			Version:              "1.0.0",
			SupportedDSLVersions: flow.SupportedSpecVersions,
			SupportedStepPacks:   []string{"transform", "http"},
		},
		client: newSDKClient(apiKey, model),
	}
}

var _ planner.Planner = (*Planner)(nil)

// GetVersionInfo implements planner.Planner.
func (p *Planner) GetVersionInfo(ctx context.Context) (planner.VersionInfo, error) {
	if ctx.Err() != nil {
		return planner.VersionInfo{}, ctx.Err()
	}
	return p.info, nil
}

// ProposeWorkflow implements planner.Planner: prompts Claude for a complete
// workflow draft.
func (p *Planner) ProposeWorkflow(ctx context.Context, goal string) (*planner.WorkflowProposal, error) {
	text, err := p.client.complete(ctx, planner.BuildProposalPrompt(goal, p.info))
	if err != nil {
		return nil, err
	}
	return planner.DecodeProposal(text)
}

// ProposePatch implements planner.Planner: prompts Claude for a patch
// against the base workflow.
func (p *Planner) ProposePatch(ctx context.Context, base *flow.Workflow, goal string) (*planner.WorkflowPatch, error) {
	text, err := p.client.complete(ctx, planner.BuildPatchPrompt(base, goal))
	if err != nil {
		return nil, err
	}
	return planner.DecodePatch(text)
}

// ProposeRepair implements planner.Planner: prompts Claude with the
// compiler errors and asks for a fixing patch.
func (p *Planner) ProposeRepair(ctx context.Context, req planner.RepairRequest) (*planner.WorkflowPatch, error) {
	text, err := p.client.complete(ctx, planner.BuildRepairPrompt(req))
	if err != nil {
		return nil, err
	}
	return planner.DecodePatch(text)
}

// sdkClient wraps the official anthropic-sdk-go client.
type sdkClient struct {
	client *anthropic.Client
	model  string
}

func newSDKClient(apiKey, model string) *sdkClient {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &sdkClient{client: &client, model: model}
}

func (c *sdkClient) complete(ctx context.Context, prompt string) (string, error) {
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", translateProviderError("anthropic", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}

// translateProviderError converts an SDK error into the planner taxonomy.
// Rate limits and overload conditions are retryable; authentication and
// everything else require operator intervention.
func translateProviderError(provider string, err error) *flow.Error {
	msg := err.Error()
	e := flow.Errorf(flow.CodePlannerLLMProvider, "%s API error: %v", provider, err)
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "529") {
		e.Retryable = true
	}
	return e
}
