package planner

import (
	"context"
	"fmt"

	"github.com/dshills/bilko-go/flow"
)

// CertificationTest records one check of the certification suite.
type CertificationTest struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// CertificationResult is the outcome of running the certification suite
// against a planner implementation.
type CertificationResult struct {
	Passed bool                `json:"passed"`
	Tests  []CertificationTest `json:"tests"`
	Errors []string            `json:"errors"`
}

// CertifyPlanner exercises a planner against the closed acceptance test
// set: version-info completeness, support for a spec version this engine
// recognizes, a simple proposal that compiles, and a repair patch that
// validates against a deliberately broken workflow.
//
// A planner must pass every test before its proposals are routed into a
// deployment. The suite never executes anything the planner returns; all
// outputs go through the same validate-then-compile gate as production
// traffic.
func CertifyPlanner(ctx context.Context, p Planner) CertificationResult {
	res := CertificationResult{Errors: []string{}}

	record := func(name string, passed bool, detail string) {
		res.Tests = append(res.Tests, CertificationTest{Name: name, Passed: passed, Detail: detail})
		if !passed && detail != "" {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", name, detail))
		}
	}

	info, err := p.GetVersionInfo(ctx)
	if err != nil {
		record("version-info", false, err.Error())
		res.Passed = false
		return res
	}
	switch {
	case info.Name == "":
		record("version-info", false, "missing name")
	case info.Version == "":
		record("version-info", false, "missing version")
	case len(info.SupportedDSLVersions) == 0:
		record("version-info", false, "no supported DSL versions declared")
	default:
		record("version-info", true, "")
	}

	recognized := false
	for _, v := range info.SupportedDSLVersions {
		for _, s := range flow.SupportedSpecVersions {
			if v == s {
				recognized = true
			}
		}
	}
	if recognized {
		record("supported-versions-recognized", true, "")
	} else {
		record("supported-versions-recognized", false,
			fmt.Sprintf("none of %v is a recognized spec version", info.SupportedDSLVersions))
	}

	certifyProposal(ctx, p, info, record)
	certifyRepair(ctx, p, record)

	res.Passed = true
	for _, t := range res.Tests {
		if !t.Passed {
			res.Passed = false
		}
	}
	return res
}

func certifyProposal(ctx context.Context, p Planner, info VersionInfo, record func(string, bool, string)) {
	proposal, err := p.ProposeWorkflow(ctx, "copy a value from input to output")
	if err != nil {
		record("propose-workflow-compiles", false, err.Error())
		return
	}
	_, validation, err := ValidateProposal(info, proposal, "certification-proposal")
	if err != nil {
		record("propose-workflow-compiles", false, err.Error())
		return
	}
	if !validation.Valid {
		record("propose-workflow-compiles", false,
			fmt.Sprintf("proposal failed the validate-then-compile gate with %d error(s)", len(validation.Errors)))
		return
	}
	record("propose-workflow-compiles", true, "")
}

// certifyRepair hands the planner a workflow with a known defect (a
// dependency on a step that does not exist) and requires a patch that
// validates.
func certifyRepair(ctx context.Context, p Planner, record func(string, bool, string)) {
	broken := brokenFixture()
	compiled := flow.CompileWorkflow(broken)
	if compiled.Success {
		record("propose-repair-validates", false, "internal: certification fixture unexpectedly compiled")
		return
	}

	req := RepairRequest{Workflow: broken, Errors: compiled.Errors}
	for _, e := range compiled.Errors {
		req.SuggestedFixes = append(req.SuggestedFixes, e.SuggestedFixes...)
	}

	patch, err := p.ProposeRepair(ctx, req)
	if err != nil {
		record("propose-repair-validates", false, err.Error())
		return
	}
	_, validation, err := ValidatePatch(broken, patch)
	if err != nil {
		record("propose-repair-validates", false, err.Error())
		return
	}
	if !validation.Valid {
		record("propose-repair-validates", false,
			fmt.Sprintf("repair patch failed validation with %d error(s)", len(validation.Errors)))
		return
	}
	record("propose-repair-validates", true, "")
}

// brokenFixture is a workflow whose second step depends on a step that
// does not exist.
func brokenFixture() *flow.Workflow {
	return &flow.Workflow{
		ID:          "certification-repair",
		Version:     1,
		SpecVersion: "1.0.0",
		Name:        "certification repair fixture",
		Determinism: flow.WorkflowDeterminism{TargetGrade: flow.GradePure},
		EntryStepID: "first",
		Steps: []flow.Step{
			{
				ID:          "first",
				Name:        "first",
				Type:        "transform.map",
				Policy:      flow.StepPolicy{TimeoutMs: 5000, MaxAttempts: 1},
				Determinism: flow.StepDeterminism{PureFunction: true},
			},
			{
				ID:          "second",
				Name:        "second",
				Type:        "transform.map",
				DependsOn:   []string{"missing"},
				Policy:      flow.StepPolicy{TimeoutMs: 5000, MaxAttempts: 1},
				Determinism: flow.StepDeterminism{PureFunction: true},
			},
		},
	}
}
