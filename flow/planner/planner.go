// Package planner defines the contract by which external reasoning
// components (including LLM-backed ones) propose workflow drafts and
// patches.
//
// Planner outputs are untrusted input: nothing a planner returns reaches
// the executor until ValidateProposal / ValidatePatch have materialized it
// into a workflow and run it through the full validator. The certification
// suite (CertifyPlanner) exercises an implementation against a closed test
// set before it is accepted.
package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/bilko-go/flow"
)

// VersionInfo identifies a planner implementation and the DSL surface it
// supports.
type VersionInfo struct {
	// Name identifies the planner (e.g. "anthropic-planner").
	Name string `json:"name"`

	// Version is the planner's own version string.
	Version string `json:"version"`

	// SupportedDSLVersions lists the workflow spec versions the planner
	// can emit. Proposals declaring any other version are rejected with
	// PLANNER.VERSION_MISMATCH.
	SupportedDSLVersions []string `json:"supportedDslVersions"`

	// SupportedStepPacks lists the step-type families the planner knows
	// how to compose (e.g. "transform", "http").
	SupportedStepPacks []string `json:"supportedStepPacks"`
}

// WorkflowProposal is a complete workflow draft produced by a planner.
// It carries no id or version; materialization assigns those.
type WorkflowProposal struct {
	SpecVersion     string                   `json:"specVersion"`
	Name            string                   `json:"name"`
	Description     string                   `json:"description,omitempty"`
	Determinism     flow.WorkflowDeterminism `json:"determinism"`
	EntryStepID     string                   `json:"entryStepId"`
	Steps           []flow.Step              `json:"steps"`
	RequiredSecrets []string                 `json:"requiredSecrets,omitempty"`
}

// WorkflowPatch is a structured edit against a specific workflow version.
//
// UpdateSteps maps step id to a partial step document; ApplyPatch merges
// the listed fields into the matching step, preserving its id. A patch
// whose BaseVersion does not match the live workflow version is rejected
// with PLANNER.VERSION_CONFLICT.
type WorkflowPatch struct {
	WorkflowID    string                    `json:"workflowId"`
	BaseVersion   int                       `json:"baseVersion"`
	AddSteps      []flow.Step               `json:"addSteps,omitempty"`
	RemoveStepIDs []string                  `json:"removeStepIds,omitempty"`
	UpdateSteps   map[string]map[string]any `json:"updateSteps,omitempty"`
	Determinism   *flow.WorkflowDeterminism `json:"determinism,omitempty"`
	Secrets       []string                  `json:"secrets,omitempty"`
}

// RepairRequest carries a failed workflow plus the typed errors and
// machine-actionable fixes the compiler produced, as input to
// ProposeRepair.
type RepairRequest struct {
	Workflow       *flow.Workflow      `json:"workflow"`
	Errors         []*flow.Error       `json:"errors"`
	SuggestedFixes []flow.SuggestedFix `json:"suggestedFixes,omitempty"`
}

// Confidence grades a plan explanation.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// PlanExplanation is the optional reasoning trace a planner can expose.
type PlanExplanation struct {
	ReasoningSteps []string   `json:"reasoningSteps"`
	Confidence     Confidence `json:"confidence"`
}

// Planner is the contract an external reasoning component implements.
//
// All returned drafts and patches are adversarial until validated; callers
// must route them through ValidateProposal / ValidatePatch before anything
// executes.
type Planner interface {
	// GetVersionInfo identifies the planner and its supported DSL surface.
	GetVersionInfo(ctx context.Context) (VersionInfo, error)

	// ProposeWorkflow drafts a complete workflow for a natural-language
	// goal.
	ProposeWorkflow(ctx context.Context, goal string) (*WorkflowProposal, error)

	// ProposePatch drafts an edit to an existing workflow toward a goal.
	ProposePatch(ctx context.Context, base *flow.Workflow, goal string) (*WorkflowPatch, error)

	// ProposeRepair drafts a patch addressing the compiler errors in req.
	ProposeRepair(ctx context.Context, req RepairRequest) (*WorkflowPatch, error)
}

// Explainer is the optional interface a planner may implement to expose
// its reasoning for a goal.
type Explainer interface {
	ExplainPlan(ctx context.Context, goal string) (*PlanExplanation, error)
}

// Materialize turns a proposal into a workflow document with the given id
// at version 1. It performs no validation.
func Materialize(p *WorkflowProposal, workflowID string) *flow.Workflow {
	return &flow.Workflow{
		ID:              workflowID,
		Version:         1,
		SpecVersion:     p.SpecVersion,
		Name:            p.Name,
		Description:     p.Description,
		Status:          flow.WorkflowDraft,
		Determinism:     p.Determinism,
		EntryStepID:     p.EntryStepID,
		Steps:           p.Steps,
		RequiredSecrets: p.RequiredSecrets,
	}
}

// ValidateProposal checks a proposal against the planner's declared DSL
// versions, materializes it, and runs the full validate-then-compile gate
// against the process-wide handler registry. The materialized workflow is
// returned alongside the result so a caller can persist it when the gate
// passes.
//
// A spec version outside info.SupportedDSLVersions fails with
// PLANNER.VERSION_MISMATCH before validation runs.
func ValidateProposal(info VersionInfo, p *WorkflowProposal, workflowID string) (*flow.Workflow, *flow.ValidationResult, error) {
	return ValidateProposalWith(info, p, workflowID, nil)
}

// ValidateProposalWith validates a proposal against a specific handler
// registry, so the input contracts of registered handlers gate the
// proposal the same way they gate compilation. A nil registry uses the
// process-wide one.
//
// Validation and compilation errors are folded into one result: a
// proposal that validates but fails to compile (a handler contract
// violation, say) is still rejected.
func ValidateProposalWith(info VersionInfo, p *WorkflowProposal, workflowID string, registry *flow.HandlerRegistry) (*flow.Workflow, *flow.ValidationResult, error) {
	if !versionSupported(info.SupportedDSLVersions, p.SpecVersion) {
		return nil, nil, flow.Errorf(flow.CodePlannerVersionMismatch,
			"planner %q does not support spec version %q", info.Name, p.SpecVersion)
	}
	wf := Materialize(p, workflowID)
	return wf, gate(wf, registry), nil
}

// gate runs the validator and, when it passes, the compiler, merging
// compilation errors into the validation result. Nothing a planner
// returns may skip either phase.
func gate(wf *flow.Workflow, registry *flow.HandlerRegistry) *flow.ValidationResult {
	result := flow.ValidateWorkflow(wf)
	if !result.Valid {
		return result
	}
	var compiled *flow.CompilationResult
	if registry == nil {
		compiled = flow.CompileWorkflow(wf)
	} else {
		compiled = flow.CompileWorkflowWith(wf, registry)
	}
	if !compiled.Success {
		result.Valid = false
		result.Errors = append(result.Errors, compiled.Errors...)
	}
	return result
}

// ApplyPatch applies a patch to a copy of the workflow: removes the listed
// step ids, appends AddSteps, merges UpdateSteps into each matching step
// (preserving its id), replaces the determinism declaration and required
// secrets when the patch sets them, and bumps the version. The input
// workflow is not mutated.
func ApplyPatch(wf *flow.Workflow, patch *WorkflowPatch) (*flow.Workflow, error) {
	out, err := cloneWorkflow(wf)
	if err != nil {
		return nil, err
	}

	if len(patch.RemoveStepIDs) > 0 {
		removed := make(map[string]bool, len(patch.RemoveStepIDs))
		for _, id := range patch.RemoveStepIDs {
			removed[id] = true
		}
		kept := out.Steps[:0]
		for _, step := range out.Steps {
			if !removed[step.ID] {
				kept = append(kept, step)
			}
		}
		out.Steps = kept
	}

	out.Steps = append(out.Steps, patch.AddSteps...)

	for id, fields := range patch.UpdateSteps {
		for i := range out.Steps {
			if out.Steps[i].ID != id {
				continue
			}
			merged, err := mergeStep(&out.Steps[i], fields)
			if err != nil {
				return nil, err
			}
			merged.ID = id
			out.Steps[i] = *merged
			break
		}
	}

	if patch.Determinism != nil {
		out.Determinism = *patch.Determinism
	}
	if patch.Secrets != nil {
		out.RequiredSecrets = patch.Secrets
	}

	out.Version = wf.Version + 1
	return out, nil
}

// ValidatePatch enforces the base-version precondition, applies the patch,
// and runs the validate-then-compile gate over the result against the
// process-wide handler registry. The patched workflow is returned
// alongside the result.
func ValidatePatch(wf *flow.Workflow, patch *WorkflowPatch) (*flow.Workflow, *flow.ValidationResult, error) {
	return ValidatePatchWith(wf, patch, nil)
}

// ValidatePatchWith is ValidatePatch against a specific handler registry.
// A nil registry uses the process-wide one.
func ValidatePatchWith(wf *flow.Workflow, patch *WorkflowPatch, registry *flow.HandlerRegistry) (*flow.Workflow, *flow.ValidationResult, error) {
	if patch.BaseVersion != wf.Version {
		e := flow.Errorf(flow.CodePlannerVersionConflict,
			"patch targets version %d but workflow %q is at version %d",
			patch.BaseVersion, wf.ID, wf.Version)
		e.Details = map[string]any{
			"baseVersion":    patch.BaseVersion,
			"currentVersion": wf.Version,
		}
		return nil, nil, e
	}
	patched, err := ApplyPatch(wf, patch)
	if err != nil {
		return nil, nil, err
	}
	return patched, gate(patched, registry), nil
}

// mergeStep overlays partial fields onto a step document via JSON.
func mergeStep(step *flow.Step, fields map[string]any) (*flow.Step, error) {
	raw, err := json.Marshal(step)
	if err != nil {
		return nil, fmt.Errorf("merge step: marshal: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("merge step: unmarshal: %w", err)
	}
	for k, v := range fields {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("merge step: remarshal: %w", err)
	}
	var out flow.Step
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("merge step: decode: %w", err)
	}
	return &out, nil
}

func cloneWorkflow(wf *flow.Workflow) (*flow.Workflow, error) {
	raw, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("clone workflow: %w", err)
	}
	var out flow.Workflow
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone workflow: %w", err)
	}
	return &out, nil
}

func versionSupported(supported []string, v string) bool {
	for _, s := range supported {
		if s == v {
			return true
		}
	}
	return false
}
