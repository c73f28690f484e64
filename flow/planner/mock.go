package planner

import (
	"context"
	"sync"

	"github.com/dshills/bilko-go/flow"
)

// MockPlanner is a test implementation of Planner.
//
// Use MockPlanner in tests to exercise validation, repair loops, and the
// certification suite without calling an LLM. It provides:
//   - Scripted proposals and patches, returned in order
//   - Call history tracking
//   - Error injection
//   - Thread-safe operation
//
// Example:
//
//	mock := &planner.MockPlanner{
//	    Info:      planner.VersionInfo{Name: "mock", Version: "1.0.0", SupportedDSLVersions: []string{"1.0.0"}},
//	    Proposals: []*planner.WorkflowProposal{draft},
//	    Patches:   []*planner.WorkflowPatch{repair},
//	}
//	result := planner.CertifyPlanner(ctx, mock)
type MockPlanner struct {
	// Info is returned by GetVersionInfo.
	Info VersionInfo

	// Proposals is the sequence ProposeWorkflow returns. When consumed,
	// the last proposal repeats.
	Proposals []*WorkflowProposal

	// Patches is the sequence ProposePatch and ProposeRepair draw from.
	// When consumed, the last patch repeats.
	Patches []*WorkflowPatch

	// Explanation, if set, is returned by ExplainPlan.
	Explanation *PlanExplanation

	// Err, if set, is returned by every operation instead of a response.
	Err error

	// Calls tracks the history of all invocations.
	Calls []MockPlannerCall

	mu            sync.Mutex
	proposalIndex int
	patchIndex    int
}

// MockPlannerCall records a single planner invocation.
type MockPlannerCall struct {
	// Method is "ProposeWorkflow", "ProposePatch", "ProposeRepair", or
	// "ExplainPlan".
	Method string

	// Goal is the goal string, when the method takes one.
	Goal string

	// Base is the base workflow passed to ProposePatch.
	Base *flow.Workflow

	// Repair is the request passed to ProposeRepair.
	Repair *RepairRequest
}

var _ Planner = (*MockPlanner)(nil)
var _ Explainer = (*MockPlanner)(nil)

// GetVersionInfo implements Planner.
func (m *MockPlanner) GetVersionInfo(ctx context.Context) (VersionInfo, error) {
	if ctx.Err() != nil {
		return VersionInfo{}, ctx.Err()
	}
	if m.Err != nil {
		return VersionInfo{}, m.Err
	}
	return m.Info, nil
}

// ProposeWorkflow implements Planner: returns the next scripted proposal.
func (m *MockPlanner) ProposeWorkflow(ctx context.Context, goal string) (*WorkflowProposal, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockPlannerCall{Method: "ProposeWorkflow", Goal: goal})
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Proposals) == 0 {
		return nil, flow.NewError(flow.CodePlannerLLMParse, "mock planner has no scripted proposals")
	}
	idx := m.proposalIndex
	if idx >= len(m.Proposals) {
		idx = len(m.Proposals) - 1
	} else {
		m.proposalIndex++
	}
	return m.Proposals[idx], nil
}

// ProposePatch implements Planner: returns the next scripted patch.
func (m *MockPlanner) ProposePatch(ctx context.Context, base *flow.Workflow, goal string) (*WorkflowPatch, error) {
	return m.nextPatch(ctx, MockPlannerCall{Method: "ProposePatch", Goal: goal, Base: base})
}

// ProposeRepair implements Planner: returns the next scripted patch.
func (m *MockPlanner) ProposeRepair(ctx context.Context, req RepairRequest) (*WorkflowPatch, error) {
	return m.nextPatch(ctx, MockPlannerCall{Method: "ProposeRepair", Repair: &req})
}

// ExplainPlan implements Explainer.
func (m *MockPlanner) ExplainPlan(ctx context.Context, goal string) (*PlanExplanation, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockPlannerCall{Method: "ExplainPlan", Goal: goal})
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Explanation != nil {
		return m.Explanation, nil
	}
	return &PlanExplanation{
		ReasoningSteps: []string{"scripted response"},
		Confidence:     ConfidenceLow,
	}, nil
}

func (m *MockPlanner) nextPatch(ctx context.Context, call MockPlannerCall) (*WorkflowPatch, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, call)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Patches) == 0 {
		return nil, flow.NewError(flow.CodePlannerLLMParse, "mock planner has no scripted patches")
	}
	idx := m.patchIndex
	if idx >= len(m.Patches) {
		idx = len(m.Patches) - 1
	} else {
		m.patchIndex++
	}
	return m.Patches[idx], nil
}

// Reset clears the call history and response indexes.
func (m *MockPlanner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.proposalIndex = 0
	m.patchIndex = 0
}

// CallCount returns the number of planner invocations recorded.
func (m *MockPlanner) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}
