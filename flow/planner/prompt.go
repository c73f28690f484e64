package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dshills/bilko-go/flow"
)

// Prompt construction and response decoding shared by the LLM-backed
// adapters. Each adapter owns its transport; the DSL surface the model is
// asked to emit lives here so all vendors target the same JSON shapes.

// BuildProposalPrompt asks a model for a complete workflow draft as a
// single JSON object.
func BuildProposalPrompt(goal string, info VersionInfo) string {
	var sb strings.Builder

	sb.WriteString("You design workflow documents for a deterministic workflow engine.\n")
	sb.WriteString("Produce a workflow that accomplishes this goal:\n\n")
	sb.WriteString(goal)
	sb.WriteString("\n\nRules:\n")
	sb.WriteString("- specVersion must be ")
	sb.WriteString(strings.Join(info.SupportedDSLVersions, " or "))
	sb.WriteString("\n")
	if len(info.SupportedStepPacks) > 0 {
		sb.WriteString("- step types must come from these packs: ")
		sb.WriteString(strings.Join(info.SupportedStepPacks, ", "))
		sb.WriteString("\n")
	}
	sb.WriteString("- steps form a DAG; entryStepId names a step with no dependsOn\n")
	sb.WriteString("- every step needs policy.timeoutMs (1000..600000) and policy.maxAttempts (1..10)\n")
	sb.WriteString("- pure steps set determinism.pureFunction true\n\n")
	sb.WriteString("Return ONLY a JSON object with no additional text, in this shape:\n")
	sb.WriteString(`{"specVersion":"1.0.0","name":"...","description":"...",`)
	sb.WriteString(`"determinism":{"targetGrade":"pure"},"entryStepId":"s1",`)
	sb.WriteString(`"steps":[{"id":"s1","name":"...","type":"transform.map",`)
	sb.WriteString(`"inputs":{},"policy":{"timeoutMs":5000,"maxAttempts":1},`)
	sb.WriteString(`"determinism":{"pureFunction":true}}],"requiredSecrets":[]}`)

	return sb.String()
}

// BuildPatchPrompt asks a model for a structured patch against a base
// workflow.
func BuildPatchPrompt(base *flow.Workflow, goal string) string {
	doc, _ := json.Marshal(base)

	var sb strings.Builder
	sb.WriteString("You edit workflow documents for a deterministic workflow engine.\n")
	sb.WriteString("Here is the current workflow:\n\n")
	sb.Write(doc)
	sb.WriteString("\n\nProduce a patch that accomplishes this goal:\n\n")
	sb.WriteString(goal)
	sb.WriteString("\n\n")
	writePatchShape(&sb, base)
	return sb.String()
}

// BuildRepairPrompt asks a model for a patch that fixes the compiler
// errors attached to a workflow.
func BuildRepairPrompt(req RepairRequest) string {
	doc, _ := json.Marshal(req.Workflow)
	errs, _ := json.Marshal(req.Errors)

	var sb strings.Builder
	sb.WriteString("You repair workflow documents for a deterministic workflow engine.\n")
	sb.WriteString("This workflow failed to compile:\n\n")
	sb.Write(doc)
	sb.WriteString("\n\nThe compiler reported these errors:\n\n")
	sb.Write(errs)
	if len(req.SuggestedFixes) > 0 {
		fixes, _ := json.Marshal(req.SuggestedFixes)
		sb.WriteString("\n\nThe compiler suggested these machine-actionable fixes:\n\n")
		sb.Write(fixes)
	}
	sb.WriteString("\n\nProduce a patch that makes the workflow compile while preserving its intent.\n")
	writePatchShape(&sb, req.Workflow)
	return sb.String()
}

func writePatchShape(sb *strings.Builder, base *flow.Workflow) {
	sb.WriteString("Return ONLY a JSON object with no additional text, in this shape:\n")
	fmt.Fprintf(sb, `{"workflowId":%q,"baseVersion":%d,`, base.ID, base.Version)
	sb.WriteString(`"addSteps":[],"removeStepIds":[],`)
	sb.WriteString(`"updateSteps":{"stepId":{"dependsOn":["other"]}}}`)
	sb.WriteString("\nOmit addSteps/removeStepIds/updateSteps entries you do not need.")
}

// DecodeProposal parses a model response into a WorkflowProposal. Text
// around the JSON object is tolerated; an unparseable response yields
// PLANNER.LLM_PARSE.
func DecodeProposal(text string) (*WorkflowProposal, error) {
	var p WorkflowProposal
	if err := decodeObject(text, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodePatch parses a model response into a WorkflowPatch.
func DecodePatch(text string) (*WorkflowPatch, error) {
	var p WorkflowPatch
	if err := decodeObject(text, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// decodeObject parses text as a JSON object, falling back to the outermost
// {...} span when the model wrapped the object in prose.
func decodeObject(text string, out any) error {
	trimmed := strings.TrimSpace(text)
	if err := json.Unmarshal([]byte(trimmed), out); err == nil {
		return nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || start >= end {
		return flow.NewError(flow.CodePlannerLLMParse, "no JSON object found in model response")
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), out); err != nil {
		return flow.Errorf(flow.CodePlannerLLMParse, "failed to parse model response: %v", err)
	}
	return nil
}
