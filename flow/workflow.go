package flow

import (
	"time"

	"github.com/dshills/bilko-go/flow/event"
)

// Scope is the optional tenant scope attached to runs, events, and store
// lookups. In library mode (no tenancy) the zero Scope is used and all
// scope filtering is skipped.
type Scope = event.Scope

// SupportedSpecVersions is the set of DSL spec versions this engine
// compiles. Documents declaring any other version are rejected during
// validation.
var SupportedSpecVersions = []string{"1.0.0", "1.1.0"}

// DeterminismGrade classifies how reproducible a workflow is.
type DeterminismGrade string

const (
	// GradePure workflows contain only pure-function steps: no time
	// sources, no external APIs, no AI calls. Re-execution always yields
	// identical outputs.
	GradePure DeterminismGrade = "pure"

	// GradeReplayable workflows may call external services, but every
	// non-deterministic interaction declares evidence capture so a replay
	// can substitute the recorded responses.
	GradeReplayable DeterminismGrade = "replayable"

	// GradeBestEffort workflows carry no reproducibility guarantee.
	GradeBestEffort DeterminismGrade = "best-effort"
)

// EvidenceCapture declares how an external dependency's responses are
// recorded for replay.
type EvidenceCapture string

const (
	// CaptureFullResponse records the complete response body.
	CaptureFullResponse EvidenceCapture = "full-response"

	// CaptureResponseHash records only a content hash of the response.
	CaptureResponseHash EvidenceCapture = "response-hash"

	// CaptureNone records nothing. A non-deterministic dependency with
	// CaptureNone demotes the workflow to best-effort.
	CaptureNone EvidenceCapture = "none"
)

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	// BackoffFixed waits the base delay between every attempt.
	BackoffFixed BackoffStrategy = "fixed"

	// BackoffExponential doubles the delay each attempt: base * 2^(n-1).
	BackoffExponential BackoffStrategy = "exponential"
)

// Policy bounds enforced by the validator.
const (
	MinTimeoutMs   = 1000
	MaxTimeoutMs   = 600_000
	MinMaxAttempts = 1
	MaxMaxAttempts = 10
)

// Defaults applied by the compiler when a step omits policy fields.
const (
	DefaultBackoffStrategy = BackoffExponential
	DefaultBackoffBaseMs   = 1000
)

// WorkflowStatus tracks the document lifecycle: draft until explicitly
// published, archived when retired. The compiled plan is always derived
// from the document, never persisted as authoritative.
type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "draft"
	WorkflowActive   WorkflowStatus = "active"
	WorkflowArchived WorkflowStatus = "archived"
)

// Workflow is the user-authored DSL document describing a pipeline.
//
// A workflow is a directed acyclic graph of typed steps rooted at
// EntryStepID. Each update bumps Version; runs always reference a specific
// {ID, Version} pair so a run's provenance stays tied to the exact document
// that produced it.
type Workflow struct {
	// ID uniquely identifies the workflow.
	ID string `json:"id"`

	// Version increases monotonically on every update.
	Version int `json:"version"`

	// SpecVersion is the DSL version the document is written against.
	// Must be in SupportedSpecVersions.
	SpecVersion string `json:"specVersion"`

	// Name is the human-readable workflow name.
	Name string `json:"name"`

	// Description optionally documents the workflow's purpose.
	Description string `json:"description,omitempty"`

	// Status tracks the document lifecycle.
	Status WorkflowStatus `json:"status,omitempty"`

	// Determinism declares the target reproducibility grade and the time
	// sources and external dependencies the workflow admits to using.
	Determinism WorkflowDeterminism `json:"determinism"`

	// EntryStepID names the step execution begins at. The entry step must
	// have no dependencies and every step must be reachable from it.
	EntryStepID string `json:"entryStepId"`

	// Steps is the non-empty ordered collection of steps.
	Steps []Step `json:"steps"`

	// RequiredSecrets names the secrets that must be supplied before a
	// run of this workflow may be created.
	RequiredSecrets []string `json:"requiredSecrets,omitempty"`

	// CreatedAt / UpdatedAt are maintained by the workflow store.
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// WorkflowDeterminism is the workflow-level determinism declaration.
type WorkflowDeterminism struct {
	// TargetGrade is the reproducibility grade the author claims.
	// The compiler verifies the claim and derives the achievable grade.
	TargetGrade DeterminismGrade `json:"targetGrade"`

	// TimeSources lists the time sources the workflow declares
	// (e.g. "wall-clock", "logical").
	TimeSources []string `json:"timeSources,omitempty"`

	// ExternalDependencies lists the external systems the workflow
	// declares it depends on.
	ExternalDependencies []string `json:"externalDependencies,omitempty"`
}

// Step is a single typed node in the workflow graph.
type Step struct {
	// ID is unique within the workflow.
	ID string `json:"id"`

	// Name is the human-readable step name.
	Name string `json:"name"`

	// Type selects the registered handler that executes this step
	// (e.g. "transform.map", "http.request", "ai.generate").
	Type string `json:"type"`

	// DependsOn lists sibling step ids that must succeed before this
	// step runs.
	DependsOn []string `json:"dependsOn,omitempty"`

	// Inputs is the opaque input mapping interpreted by the handler for
	// Type. When the handler declares an input contract, the compiler
	// checks Inputs against it.
	Inputs map[string]any `json:"inputs,omitempty"`

	// Policy configures timeout, retry, and backoff for this step.
	Policy StepPolicy `json:"policy"`

	// Determinism is the per-step determinism declaration.
	Determinism StepDeterminism `json:"determinism"`
}

// StepPolicy bounds a single step's execution.
type StepPolicy struct {
	// TimeoutMs bounds one handler invocation, in milliseconds.
	// Valid range: [MinTimeoutMs, MaxTimeoutMs].
	TimeoutMs int `json:"timeoutMs"`

	// MaxAttempts is the total number of invocations allowed, including
	// the first. Valid range: [MinMaxAttempts, MaxMaxAttempts].
	MaxAttempts int `json:"maxAttempts"`

	// BackoffStrategy selects fixed or exponential retry delays.
	// Defaults to exponential.
	BackoffStrategy BackoffStrategy `json:"backoffStrategy,omitempty"`

	// BackoffBaseMs is the base retry delay in milliseconds.
	// Defaults to 1000.
	BackoffBaseMs int `json:"backoffBaseMs,omitempty"`
}

// StepDeterminism is the per-step determinism declaration.
type StepDeterminism struct {
	// PureFunction declares the step computes outputs solely from inputs.
	PureFunction bool `json:"pureFunction"`

	// UsesTime declares the step reads a time source.
	UsesTime bool `json:"usesTime,omitempty"`

	// TimeSource names the time source when UsesTime is set
	// (e.g. "wall-clock", "logical").
	TimeSource string `json:"timeSource,omitempty"`

	// UsesExternalAPIs declares the step calls out of process.
	UsesExternalAPIs bool `json:"usesExternalApis,omitempty"`

	// ExternalDependencies describes each external system the step
	// touches and how its responses are captured as evidence.
	ExternalDependencies []ExternalDependency `json:"externalDependencies,omitempty"`
}

// ExternalDependency describes one external system a step depends on.
type ExternalDependency struct {
	// Name identifies the dependency (e.g. "search-api").
	Name string `json:"name"`

	// Deterministic declares whether repeated identical requests return
	// identical responses.
	Deterministic bool `json:"deterministic"`

	// EvidenceCapture declares how responses are recorded for replay.
	EvidenceCapture EvidenceCapture `json:"evidenceCapture"`
}

// step-type categories used by the determinism rules. A step type belongs
// to a category by prefix; the categories are closed sets maintained
// alongside the builtin handler pack.
var (
	externalAPITypePrefixes = []string{"http.", "api.", "webhook."}
	aiTypePrefixes          = []string{"ai.", "llm."}
)

// IsExternalAPIType reports whether a step type calls an external API by
// construction (independent of the step's own declaration).
func IsExternalAPIType(stepType string) bool {
	return hasAnyPrefix(stepType, externalAPITypePrefixes)
}

// IsAIType reports whether a step type invokes a model.
func IsAIType(stepType string) bool {
	return hasAnyPrefix(stepType, aiTypePrefixes)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

// FindStep returns the step with the given id, or nil.
func (w *Workflow) FindStep(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// specVersionSupported reports whether v is in SupportedSpecVersions.
func specVersionSupported(v string) bool {
	for _, s := range SupportedSpecVersions {
		if s == v {
			return true
		}
	}
	return false
}
