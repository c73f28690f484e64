// Package openai provides a GPT-backed planner.
package openai

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/bilko-go/flow"
	"github.com/dshills/bilko-go/flow/planner"
)

// DefaultModel is used when no model name is supplied.
const DefaultModel = "gpt-4o"

// Planner implements planner.Planner using OpenAI's chat completion API.
//
// Requests run in JSON mode so the model emits a bare JSON object; the
// shared planner codecs decode it. All outputs remain untrusted until
// planner.ValidateProposal / planner.ValidatePatch accept them.
//
// Planner is safe for concurrent use after creation.
type Planner struct {
	info   planner.VersionInfo
	client completer
}

// completer is the seam between the planner and the SDK, for mocking in
// tests.
type completer interface {
	complete(ctx context.Context, prompt string) (string, error)
}

// New creates a GPT-backed planner. An empty model name selects
// DefaultModel.
func New(apiKey, model string) *Planner {
	if model == "" {
		model = DefaultModel
	}
	return &Planner{
		info: planner.VersionInfo{
			Name:                 "openai-planner",
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

// sdkClient wraps the official openai-go client.
type sdkClient struct {
	client *openai.Client
	model  string
}

func newSDKClient(apiKey, model string) *sdkClient {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &sdkClient{client: &client, model: model}
}

func (c *sdkClient) complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(prompt),
					},
				},
			},
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		},
	})
	if err != nil {
		return "", translateProviderError(err)
	}
	if len(completion.Choices) == 0 {
		return "", flow.NewError(flow.CodePlannerLLMProvider, "openai API returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

// translateProviderError converts an SDK error into the planner taxonomy.
// Rate limits and server errors are retryable.
func translateProviderError(err error) *flow.Error {
	msg := err.Error()
	e := flow.Errorf(flow.CodePlannerLLMProvider, "openai API error: %v", err)
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "503") {
		e.Retryable = true
	}
	return e
}
