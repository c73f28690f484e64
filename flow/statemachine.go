package flow

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// StepStatus is the lifecycle state of a single step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepCanceled  StepStatus = "canceled"
)

// Legal transition tables. Terminal states have no outgoing edges; any
// (current, target) pair absent from the table is an invalid transition.
var (
	runTransitions = map[RunStatus][]RunStatus{
		RunCreated: {RunQueued, RunCanceled},
		RunQueued:  {RunRunning, RunCanceled},
		RunRunning: {RunSucceeded, RunFailed, RunCanceled},
	}

	stepTransitions = map[StepStatus][]StepStatus{
		StepPending: {StepRunning, StepCanceled},
		StepRunning: {StepSucceeded, StepFailed, StepCanceled},
	}
)

// IsTerminalRunStatus reports whether a run status has no outgoing edges.
func IsTerminalRunStatus(s RunStatus) bool {
	return s == RunSucceeded || s == RunFailed || s == RunCanceled
}

// IsTerminalStepStatus reports whether a step status has no outgoing edges.
func IsTerminalStepStatus(s StepStatus) bool {
	return s == StepSucceeded || s == StepFailed || s == StepCanceled
}

// ValidateRunTransition checks (current → target) against the run table.
// Returns a RUN.INVALID_TRANSITION error carrying the current state, the
// rejected target, and the legal targets.
func ValidateRunTransition(current, target RunStatus) *Error {
	for _, allowed := range runTransitions[current] {
		if allowed == target {
			return nil
		}
	}
	return &Error{
		Code:    CodeRunInvalidTransition,
		Message: "illegal run transition " + string(current) + " -> " + string(target),
		Details: map[string]any{
			"current":      string(current),
			"target":       string(target),
			"validTargets": runTargetNames(current),
		},
	}
}

// ValidateStepTransition checks (current → target) against the step table.
func ValidateStepTransition(current, target StepStatus) *Error {
	for _, allowed := range stepTransitions[current] {
		if allowed == target {
			return nil
		}
	}
	return &Error{
		Code:    CodeStepInvalidTransition,
		Message: "illegal step transition " + string(current) + " -> " + string(target),
		Details: map[string]any{
			"current":      string(current),
			"target":       string(target),
			"validTargets": stepTargetNames(current),
		},
	}
}

func runTargetNames(current RunStatus) []string {
	targets := runTransitions[current]
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = string(t)
	}
	return names
}

func stepTargetNames(current StepStatus) []string {
	targets := stepTransitions[current]
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = string(t)
	}
	return names
}
