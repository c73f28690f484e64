package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/bilko-go/flow/event"
)

// ExecutorOptions configures an Executor. Zero values are valid: the
// process-wide handler registry, no metrics, attestations enabled.
type ExecutorOptions struct {
	// Registry is the step-handler registry to execute against.
	// Nil uses the process-wide registry.
	Registry *HandlerRegistry

	// Metrics, when set, collects Prometheus metrics for runs and steps.
	Metrics *Metrics

	// DisableAttestations skips attestation generation on success.
	DisableAttestations bool

	// Secrets are process-level secret values, merged under per-call
	// overrides when runs are created and executed.
	Secrets map[string]string
}

// Executor drives runs through the state machine: it dispatches compiled
// steps in dependency order, applies per-step policy via the step runner,
// publishes lifecycle events, and assembles provenance and attestation on
// success.
//
// An Executor is safe for concurrent use across distinct run ids. It is
// not safe to execute the same run id concurrently and enforces this with
// a busy set; re-entry fails with WORKFLOW.ALREADY_RUNNING.
type Executor struct {
	stores    Stores
	publisher *event.Publisher
	registry  *HandlerRegistry
	metrics   *Metrics
	opts      ExecutorOptions

	mu       sync.Mutex
	busy     map[string]bool           // run ids currently executing
	canceled map[string]*cancelRequest // run ids with cancellation requested
}

// cancelRequest carries the requester metadata from CancelRun to the
// execution loop, which owns the terminal transition of a running run.
type cancelRequest struct {
	canceledBy string
	reason     string
}

// NewExecutor creates an executor over the given stores and publisher.
func NewExecutor(stores Stores, publisher *event.Publisher, opts ExecutorOptions) *Executor {
	registry := opts.Registry
	if registry == nil {
		registry = defaultRegistry
	}
	return &Executor{
		stores:    stores,
		publisher: publisher,
		registry:  registry,
		metrics:   opts.Metrics,
		opts:      opts,
		busy:      make(map[string]bool),
		canceled:  make(map[string]*cancelRequest),
	}
}

// CreateRunInput is the input to CreateRun.
type CreateRunInput struct {
	WorkflowID string
	Scope      Scope

	// WorkflowVersion pins a document version; zero means latest.
	WorkflowVersion int

	// Inputs are the run-level inputs.
	Inputs map[string]any

	// Secrets override the executor's process-level secrets for this
	// run's required-secret check.
	Secrets map[string]string
}

// CreateRun loads and compiles the workflow, then creates a run record in
// the created state with every step pre-populated as pending in execution
// order, and publishes run.created.
func (e *Executor) CreateRun(ctx context.Context, input CreateRunInput) (*Run, error) {
	wf, err := e.loadWorkflow(ctx, input.WorkflowID, input.WorkflowVersion, &input.Scope)
	if err != nil {
		return nil, err
	}

	secrets := e.mergeSecrets(input.Secrets)
	for _, name := range wf.RequiredSecrets {
		if secrets[name] == "" {
			return nil, &Error{
				Code:    CodeSecretsMissing,
				Message: fmt.Sprintf("required secret %q has no value", name),
				Details: map[string]any{"secret": name},
				SuggestedFixes: []SuggestedFix{{
					Type:   "provide-secret",
					Params: map[string]any{"secret": name},
				}},
			}
		}
	}

	compiled := CompileWorkflowWith(wf, e.registry)
	if !compiled.Success {
		return nil, wrapCompilationFailure(wf.ID, compiled.Errors)
	}

	now := time.Now().UTC()
	run := &Run{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Scope:           input.Scope,
		Status:          RunCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
		StepResults:     make(map[string]*StepResult, len(compiled.Plan.ExecutionOrder)),
		Inputs:          input.Inputs,
	}
	for _, stepID := range compiled.Plan.ExecutionOrder {
		run.StepResults[stepID] = &StepResult{Status: StepPending}
	}

	if err := e.stores.Runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	e.emit(ctx, event.Event{
		Type:       event.TypeRunCreated,
		Scope:      run.Scope,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Payload: map[string]any{
			"status":          string(run.Status),
			"workflowVersion": run.WorkflowVersion,
		},
	})
	return run, nil
}

// ExecuteRun drives a created run to a terminal state.
//
// The stored workflow is re-compiled before execution: document sources
// may have changed since CreateRun, and provenance must record the hashes
// of the plan that actually ran.
func (e *Executor) ExecuteRun(ctx context.Context, runID string, scope *Scope, secrets map[string]string) (*Run, error) {
	if !e.markBusy(runID) {
		return nil, &Error{
			Code:    CodeWorkflowAlreadyRunning,
			Message: fmt.Sprintf("run %q is already executing", runID),
			RunID:   runID,
		}
	}
	defer e.unmarkBusy(runID)

	run, err := e.loadRun(ctx, runID, scope)
	if err != nil {
		return nil, err
	}

	// Created -> Queued -> Running, persisting and publishing each
	// transition in order.
	if err := e.transitionRun(ctx, run, RunQueued, event.TypeRunQueued); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	run.StartedAt = &now
	if err := e.transitionRun(ctx, run, RunRunning, event.TypeRunStarted); err != nil {
		return nil, err
	}
	e.metrics.runStarted()

	wf, err := e.loadWorkflow(ctx, run.WorkflowID, run.WorkflowVersion, scope)
	if err != nil {
		return run, e.failRun(ctx, run, nil, err)
	}
	compiled := CompileWorkflowWith(wf, e.registry)
	if !compiled.Success {
		return run, e.failRun(ctx, run, nil, wrapCompilationFailure(wf.ID, compiled.Errors))
	}
	plan := compiled.Plan

	rc := &runContext{
		run:     run,
		plan:    plan,
		secrets: e.mergeSecrets(secrets),
		outputs: make(map[string]map[string]any),
	}

	for _, stepID := range plan.ExecutionOrder {
		if e.isCancelRequested(run.ID) {
			e.cancelPendingSteps(rc)
			return run, e.finishCanceled(ctx, run)
		}

		step := plan.Steps[stepID]
		result := run.StepResults[stepID]

		if !e.dependenciesSucceeded(run, step.DependsOn) {
			result.Status = StepCanceled
			rc.transcribe(stepID, ActionCanceled, nil)
			if err := e.persistRun(ctx, run); err != nil {
				return run, err
			}
			e.emitStep(ctx, run, stepID, event.TypeStepCanceled, nil)
			continue
		}

		if err := e.startStep(ctx, rc, stepID); err != nil {
			var terr *Error
			if errors.As(err, &terr) {
				return run, e.failRun(ctx, run, rc, terr)
			}
			return run, err
		}

		outcome := runStep(ctx, e.registry, step, e.stepContext(rc, stepID))
		e.metrics.stepFinished(step.Type, outcome)

		switch outcome.Status {
		case StepSucceeded:
			if err := e.completeStep(ctx, rc, stepID, outcome); err != nil {
				var terr *Error
				if errors.As(err, &terr) {
					return run, e.failRun(ctx, run, rc, terr)
				}
				return run, err
			}

		case StepFailed:
			if err := e.recordStepFailure(ctx, rc, stepID, outcome); err != nil {
				return run, err
			}
			stepErr := outcome.Error
			if stepErr == nil {
				stepErr = NewError(CodeStepUnknownFailure, "step failed without a reported error").WithStep(stepID)
			}
			return run, e.failRun(ctx, run, rc, stepErr.WithRun(run.ID))

		case StepCanceled:
			if err := e.recordStepCanceled(ctx, rc, stepID, outcome); err != nil {
				return run, err
			}
			e.cancelPendingSteps(rc)
			return run, e.finishCanceled(ctx, run)
		}
	}

	return run, e.finishSucceeded(ctx, rc)
}

// CancelRun requests cancellation of a run.
//
// A running run is signaled: the execution loop observes the request at
// its next check point (between steps or between retry attempts) and
// performs the transition; the current record is returned immediately. A
// run that is not executing is canceled synchronously, with every
// non-terminal step marked canceled. The synchronous path claims the
// run's busy slot for the duration of the write, so a concurrent
// ExecuteRun cannot load the run mid-cancel and persist a queued state
// over the terminal one.
func (e *Executor) CancelRun(ctx context.Context, runID string, scope *Scope, canceledBy, reason string) (*Run, error) {
	if !e.markBusy(runID) {
		run, err := e.loadRun(ctx, runID, scope)
		if err != nil {
			return nil, err
		}
		if IsTerminalRunStatus(run.Status) {
			return nil, ValidateRunTransition(run.Status, RunCanceled).WithRun(runID)
		}
		run.CanceledBy = canceledBy
		run.CancelReason = reason

		// The execution loop owns the transition. The metadata travels
		// in the cancellation set, not the store: the loop persists its
		// own copy of the run on every step boundary and would overwrite
		// anything written here.
		e.mu.Lock()
		e.canceled[runID] = &cancelRequest{canceledBy: canceledBy, reason: reason}
		e.mu.Unlock()
		return run, nil
	}
	defer e.unmarkBusy(runID)

	run, err := e.loadRun(ctx, runID, scope)
	if err != nil {
		return nil, err
	}
	if IsTerminalRunStatus(run.Status) {
		return nil, ValidateRunTransition(run.Status, RunCanceled).WithRun(runID)
	}

	run.CanceledBy = canceledBy
	run.CancelReason = reason
	now := time.Now().UTC()
	run.Status = RunCanceled
	run.CompletedAt = &now
	for _, result := range run.StepResults {
		if !IsTerminalStepStatus(result.Status) {
			result.Status = StepCanceled
		}
	}
	if err := e.persistRun(ctx, run); err != nil {
		return nil, err
	}
	e.emitRun(ctx, run, event.TypeRunCanceled, map[string]any{
		"canceledBy": canceledBy,
		"reason":     reason,
	})
	e.clearCancelRequest(run.ID)
	return run, nil
}

// TestWorkflowResult is the compile-only outcome returned by TestWorkflow.
type TestWorkflowResult struct {
	Valid       bool                 `json:"valid"`
	Compilation struct {
		Success bool     `json:"success"`
		Errors  []*Error `json:"errors"`
	} `json:"compilation"`
	Determinism *DeterminismAnalysis `json:"determinism,omitempty"`
}

// TestWorkflow compiles a workflow without creating a run.
func (e *Executor) TestWorkflow(wf *Workflow, _ *Scope) *TestWorkflowResult {
	compiled := CompileWorkflowWith(wf, e.registry)
	res := &TestWorkflowResult{Valid: compiled.Success}
	res.Compilation.Success = compiled.Success
	res.Compilation.Errors = compiled.Errors
	if compiled.Plan != nil {
		res.Determinism = &compiled.Plan.Determinism
	}
	return res
}

// runContext is the transient per-run execution state. It never outlives
// ExecuteRun; everything durable lives in the stores.
type runContext struct {
	run        *Run
	plan       *CompiledPlan
	secrets    map[string]string
	outputs    map[string]map[string]any // step id -> outputs
	transcript []TranscriptEntry
}

func (rc *runContext) transcribe(stepID string, action TranscriptAction, mutate func(*TranscriptEntry)) {
	entry := TranscriptEntry{
		StepID:    stepID,
		Timestamp: time.Now().UTC(),
		Action:    action,
	}
	if mutate != nil {
		mutate(&entry)
	}
	rc.transcript = append(rc.transcript, entry)
}

func (e *Executor) stepContext(rc *runContext, stepID string) *StepContext {
	runID := rc.run.ID
	return &StepContext{
		RunID:    runID,
		Scope:    rc.run.Scope,
		Secrets:  rc.secrets,
		Upstream: rc.outputs,
		// Live read: each call consults the shared cancellation set, so
		// a cancel raised mid-run is visible at the next check.
		IsCanceled: func() bool { return e.isCancelRequested(runID) },
		notifyRetry: func(attempt int) {
			rc.transcribe(stepID, ActionRetried, func(entry *TranscriptEntry) {
				entry.DurationMs = 0
			})
		},
	}
}

// startStep records the pending -> running transition. A typed error
// marks a transition violation (the run is failed); any other error is a
// store failure to surface to the caller.
func (e *Executor) startStep(ctx context.Context, rc *runContext, stepID string) error {
	run := rc.run
	result := run.StepResults[stepID]
	if terr := ValidateStepTransition(result.Status, StepRunning); terr != nil {
		return terr.WithRun(run.ID).WithStep(stepID)
	}

	now := time.Now().UTC()
	result.Status = StepRunning
	result.StartedAt = &now

	policy := rc.plan.Steps[stepID].Policy
	rc.transcribe(stepID, ActionStarted, func(entry *TranscriptEntry) {
		entry.PoliciesApplied = &policy
	})
	if err := e.persistRun(ctx, run); err != nil {
		return err
	}
	e.emitStep(ctx, run, stepID, event.TypeStepStarted, map[string]any{
		"timeoutMs":   policy.TimeoutMs,
		"maxAttempts": policy.MaxAttempts,
	})
	return nil
}

// completeStep records a successful step. A typed error marks an
// unhashable output (the run is failed); any other error is a store
// failure to surface to the caller.
func (e *Executor) completeStep(ctx context.Context, rc *runContext, stepID string, outcome StepOutcome) error {
	run := rc.run
	result := run.StepResults[stepID]
	now := time.Now().UTC()
	result.Status = StepSucceeded
	result.CompletedAt = &now
	result.Outputs = outcome.Outputs
	result.Attempts = outcome.Attempts
	result.DurationMs = outcome.DurationMs

	rc.outputs[stepID] = outcome.Outputs

	outputHash, err := HashValue(outcome.Outputs)
	if err != nil {
		return Errorf(CodeStepExecutionError, "hash outputs of step %q: %v", stepID, err)
	}
	rc.transcribe(stepID, ActionCompleted, func(entry *TranscriptEntry) {
		entry.DurationMs = outcome.DurationMs
		entry.OutputHash = &outputHash
	})

	if err := e.persistRun(ctx, run); err != nil {
		return err
	}
	e.emitStep(ctx, run, stepID, event.TypeStepSucceeded, map[string]any{
		"durationMs": outcome.DurationMs,
		"attempts":   outcome.Attempts,
	})
	return nil
}

func (e *Executor) recordStepFailure(ctx context.Context, rc *runContext, stepID string, outcome StepOutcome) error {
	run := rc.run
	result := run.StepResults[stepID]
	now := time.Now().UTC()
	result.Status = StepFailed
	result.CompletedAt = &now
	result.Error = outcome.Error
	result.Attempts = outcome.Attempts
	result.DurationMs = outcome.DurationMs

	rc.transcribe(stepID, ActionFailed, func(entry *TranscriptEntry) {
		entry.DurationMs = outcome.DurationMs
	})
	if err := e.persistRun(ctx, run); err != nil {
		return err
	}

	payload := map[string]any{"attempts": outcome.Attempts}
	if outcome.Error != nil {
		payload["error"] = outcome.Error.Message
		payload["code"] = outcome.Error.Code
	}
	e.emitStep(ctx, run, stepID, event.TypeStepFailed, payload)
	return nil
}

func (e *Executor) recordStepCanceled(ctx context.Context, rc *runContext, stepID string, outcome StepOutcome) error {
	run := rc.run
	result := run.StepResults[stepID]
	now := time.Now().UTC()
	result.Status = StepCanceled
	result.CompletedAt = &now
	result.Attempts = outcome.Attempts

	rc.transcribe(stepID, ActionCanceled, nil)
	if err := e.persistRun(ctx, run); err != nil {
		return err
	}
	e.emitStep(ctx, run, stepID, event.TypeStepCanceled, map[string]any{
		"attempts": outcome.Attempts,
	})
	return nil
}

// cancelPendingSteps marks every non-terminal step canceled without
// dispatching it.
func (e *Executor) cancelPendingSteps(rc *runContext) {
	for _, stepID := range rc.plan.ExecutionOrder {
		result := rc.run.StepResults[stepID]
		if !IsTerminalStepStatus(result.Status) {
			result.Status = StepCanceled
			rc.transcribe(stepID, ActionCanceled, nil)
		}
	}
}

func (e *Executor) finishSucceeded(ctx context.Context, rc *runContext) error {
	run := rc.run
	now := time.Now().UTC()
	run.Status = RunSucceeded
	run.CompletedAt = &now
	run.DeterminismGrade = rc.plan.Determinism.Achievable
	if err := e.persistRun(ctx, run); err != nil {
		return err
	}
	e.metrics.runFinished(RunSucceeded)
	e.emitRun(ctx, run, event.TypeRunSucceeded, map[string]any{
		"determinismGrade": string(run.DeterminismGrade),
	})
	e.clearCancelRequest(run.ID)

	e.generateProvenance(ctx, rc)
	if !e.opts.DisableAttestations {
		e.generateAttestation(ctx, rc)
	}
	return e.persistRun(ctx, run)
}

func (e *Executor) finishCanceled(ctx context.Context, run *Run) error {
	// Fold the requester metadata from the cancellation set into the
	// terminal write.
	e.mu.Lock()
	if req := e.canceled[run.ID]; req != nil {
		run.CanceledBy = req.canceledBy
		run.CancelReason = req.reason
	}
	e.mu.Unlock()
	now := time.Now().UTC()
	run.Status = RunCanceled
	run.CompletedAt = &now
	if err := e.persistRun(ctx, run); err != nil {
		return err
	}
	e.metrics.runFinished(RunCanceled)
	e.emitRun(ctx, run, event.TypeRunCanceled, map[string]any{
		"canceledBy": run.CanceledBy,
		"reason":     run.CancelReason,
	})
	e.clearCancelRequest(run.ID)
	return nil
}

func (e *Executor) failRun(ctx context.Context, run *Run, rc *runContext, err error) error {
	var typed *Error
	if !errors.As(err, &typed) {
		typed = NewError(CodeStepUnknownFailure, err.Error())
	}
	now := time.Now().UTC()
	run.Status = RunFailed
	run.CompletedAt = &now
	run.Error = typed
	if perr := e.persistRun(ctx, run); perr != nil {
		return perr
	}
	e.metrics.runFinished(RunFailed)
	e.emitRun(ctx, run, event.TypeRunFailed, map[string]any{
		"error": typed.Message,
		"code":  typed.Code,
	})
	e.clearCancelRequest(run.ID)
	return nil
}

// generateProvenance assembles and persists the provenance record, then
// publishes provenance.recorded.
func (e *Executor) generateProvenance(ctx context.Context, rc *runContext) {
	run := rc.run
	plan := rc.plan

	outputHashes := make(map[string]Digest, len(rc.outputs))
	for stepID, outputs := range rc.outputs {
		hash, err := HashValue(outputs)
		if err != nil {
			continue
		}
		outputHashes[stepID] = hash
	}

	images := make([]StepImage, 0, len(plan.ExecutionOrder))
	for _, stepID := range plan.ExecutionOrder {
		cs := plan.Steps[stepID]
		images = append(images, StepImage{
			StepID:                stepID,
			ImageDigest:           HashString(cs.ImplementationVersion),
			ImplementationVersion: cs.ImplementationVersion,
		})
	}

	prov := &Provenance{
		ID:               uuid.NewString(),
		RunID:            run.ID,
		WorkflowID:       run.WorkflowID,
		WorkflowVersion:  run.WorkflowVersion,
		CreatedAt:        time.Now().UTC(),
		DeterminismGrade: run.DeterminismGrade,
		WorkflowHash:     plan.WorkflowHash,
		PlanHash:         plan.PlanHash,
		InputHashes:      outputHashes,
		StepImages:       images,
		Transcript:       rc.transcript,
	}
	if err := e.stores.Provenance.CreateProvenance(ctx, prov); err != nil {
		return
	}
	run.ProvenanceID = prov.ID

	e.emit(ctx, event.Event{
		Type:       event.TypeProvenanceRecorded,
		Scope:      run.Scope,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Payload: map[string]any{
			"provenanceId":     prov.ID,
			"determinismGrade": string(prov.DeterminismGrade),
		},
	})
}

// generateAttestation signs the provenance-derived statement and persists
// it, then publishes attestation.issued.
func (e *Executor) generateAttestation(ctx context.Context, rc *runContext) {
	run := rc.run
	if run.ProvenanceID == "" {
		return
	}
	plan := rc.plan

	stepInputHashes := make(map[string]Digest, len(rc.outputs))
	for stepID, outputs := range rc.outputs {
		hash, err := HashValue(outputs)
		if err != nil {
			continue
		}
		stepInputHashes[stepID] = hash
	}
	imageDigests := make(map[string]Digest, len(plan.ExecutionOrder))
	for _, stepID := range plan.ExecutionOrder {
		imageDigests[stepID] = HashString(plan.Steps[stepID].ImplementationVersion)
	}

	statement := AttestationStatement{
		WorkflowHash:     plan.WorkflowHash,
		StepInputHashes:  stepInputHashes,
		StepImageDigests: imageDigests,
		ArtifactHashes:   map[string]Digest{},
		DeterminismGrade: run.DeterminismGrade,
	}

	key, keyRef := resolveSigningKey(run.Scope)
	signature, err := SignStatement(&statement, key)
	if err != nil {
		return
	}

	att := &Attestation{
		ID:    uuid.NewString(),
		RunID: run.ID,
		Subject: AttestationSubject{
			RunID:           run.ID,
			WorkflowID:      run.WorkflowID,
			WorkflowVersion: run.WorkflowVersion,
			ProvenanceID:    run.ProvenanceID,
		},
		Status:             AttestationIssued,
		Statement:          statement,
		SignatureAlgorithm: SignatureAlgorithm,
		Signature:          signature,
		VerificationKeyRef: keyRef,
		IssuedAt:           time.Now().UTC(),
	}
	if err := e.stores.Attestations.CreateAttestation(ctx, att); err != nil {
		return
	}
	run.AttestationID = att.ID

	e.emit(ctx, event.Event{
		Type:       event.TypeAttestationIssued,
		Scope:      run.Scope,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Payload: map[string]any{
			"attestationId": att.ID,
			"algorithm":     SignatureAlgorithm,
		},
	})
}

func (e *Executor) transitionRun(ctx context.Context, run *Run, target RunStatus, eventType string) error {
	if terr := ValidateRunTransition(run.Status, target); terr != nil {
		return terr.WithRun(run.ID)
	}
	run.Status = target
	if err := e.persistRun(ctx, run); err != nil {
		return err
	}
	e.emitRun(ctx, run, eventType, nil)
	return nil
}

func (e *Executor) dependenciesSucceeded(run *Run, deps []string) bool {
	for _, dep := range deps {
		result, ok := run.StepResults[dep]
		if !ok || result.Status != StepSucceeded {
			return false
		}
	}
	return true
}

// persistRun writes the run back; each transition persists before the
// next observable side effect. A store failure aborts the run: the
// in-memory state must never get ahead of what the store recorded.
func (e *Executor) persistRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	if err := e.stores.Runs.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("persist run %q: %w", run.ID, err)
	}
	return nil
}

// emit publishes an event, swallowing failures: publication problems are
// observational and must never alter a run's outcome.
func (e *Executor) emit(ctx context.Context, ev event.Event) {
	if e.publisher == nil {
		return
	}
	_, _ = e.publisher.PublishEvent(ctx, ev)
}

func (e *Executor) emitRun(ctx context.Context, run *Run, eventType string, extra map[string]any) {
	payload := map[string]any{
		"status":          string(run.Status),
		"workflowVersion": run.WorkflowVersion,
	}
	for k, v := range extra {
		payload[k] = v
	}
	e.emit(ctx, event.Event{
		Type:       eventType,
		Scope:      run.Scope,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Payload:    payload,
	})
}

func (e *Executor) emitStep(ctx context.Context, run *Run, stepID, eventType string, extra map[string]any) {
	payload := map[string]any{
		"status": string(run.StepResults[stepID].Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	e.emit(ctx, event.Event{
		Type:       eventType,
		Scope:      run.Scope,
		RunID:      run.ID,
		StepID:     stepID,
		WorkflowID: run.WorkflowID,
		Payload:    payload,
	})
}

func (e *Executor) loadWorkflow(ctx context.Context, id string, version int, scope *Scope) (*Workflow, error) {
	var (
		wf  *Workflow
		err error
	)
	if version > 0 {
		wf, err = e.stores.Workflows.GetWorkflowVersion(ctx, id, version, scope)
	} else {
		wf, err = e.stores.Workflows.GetWorkflow(ctx, id, scope)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Errorf(CodeValidationNotFound, "workflow %q not found", id)
		}
		return nil, fmt.Errorf("load workflow %q: %w", id, err)
	}
	return wf, nil
}

func (e *Executor) loadRun(ctx context.Context, runID string, scope *Scope) (*Run, error) {
	run, err := e.stores.Runs.GetRun(ctx, runID, scope)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, (&Error{
				Code:    CodeRunNotFound,
				Message: fmt.Sprintf("run %q not found", runID),
			}).WithRun(runID)
		}
		return nil, fmt.Errorf("load run %q: %w", runID, err)
	}
	return run, nil
}

func (e *Executor) mergeSecrets(overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(e.opts.Secrets)+len(overrides))
	for k, v := range e.opts.Secrets {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func (e *Executor) markBusy(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[runID] {
		return false
	}
	e.busy[runID] = true
	return true
}

func (e *Executor) unmarkBusy(runID string) {
	e.mu.Lock()
	delete(e.busy, runID)
	e.mu.Unlock()
}

func (e *Executor) isCancelRequested(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled[runID] != nil
}

// clearCancelRequest removes the run from the cancellation set. Called on
// every terminal transition so the set cannot grow unboundedly.
func (e *Executor) clearCancelRequest(runID string) {
	e.mu.Lock()
	delete(e.canceled, runID)
	e.mu.Unlock()
}

func wrapCompilationFailure(workflowID string, errs []*Error) *Error {
	details := make([]map[string]any, 0, len(errs))
	for _, err := range errs {
		details = append(details, map[string]any{"code": err.Code, "message": err.Message})
	}
	return &Error{
		Code:    CodeWorkflowCompilation,
		Message: fmt.Sprintf("workflow %q failed to compile with %d error(s)", workflowID, len(errs)),
		Details: map[string]any{"errors": details},
	}
}
