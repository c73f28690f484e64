package flow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// StepOutcome is the result of driving one compiled step through its
// attempt loop.
type StepOutcome struct {
	Status     StepStatus
	Outputs    map[string]any
	Error      *Error
	Attempts   int
	DurationMs int64
}

// maxBackoff caps the exponential backoff delay. The computed delay is
// additionally jittered by up to 10% to spread synchronized retries.
const maxBackoff = 30 * time.Second

// runStep executes a single compiled step under the step's timeout, retry,
// and backoff policy.
//
// Per attempt 1..MaxAttempts:
//   - cancellation observed before or between attempts returns canceled
//     with the attempt count reached;
//   - the handler runs under a timeoutMs-bounded context; exceeding it
//     yields a retryable STEP.HTTP.TIMEOUT error;
//   - a *NonRetryableError return fails immediately with
//     STEP.NON_RETRYABLE, leaving the remaining attempts unconsumed;
//   - any other error becomes STEP.EXECUTION_ERROR and, when attempts
//     remain, the runner sleeps computeBackoff(...) and retries.
//
// A step whose type has no registered handler fails immediately with
// STEP.NO_HANDLER.
func runStep(ctx context.Context, registry *HandlerRegistry, step CompiledStep, sc *StepContext) StepOutcome {
	handler := registry.Get(step.Type)
	if handler == nil {
		return StepOutcome{
			Status: StepFailed,
			Error: &Error{
				Code:    CodeStepNoHandler,
				Message: fmt.Sprintf("no handler registered for step type %q", step.Type),
				StepID:  step.ID,
				SuggestedFixes: []SuggestedFix{{
					Type:        "register-handler",
					Params:      map[string]any{"stepType": step.Type},
					Description: "register a handler for the step type before executing",
				}},
			},
		}
	}

	start := time.Now()
	timeout := time.Duration(step.Policy.TimeoutMs) * time.Millisecond

	var lastErr *Error
	attempts := 0
	for attempt := 1; attempt <= step.Policy.MaxAttempts; attempt++ {
		if sc.IsCanceled() {
			return StepOutcome{
				Status:     StepCanceled,
				Attempts:   attempts,
				DurationMs: time.Since(start).Milliseconds(),
			}
		}

		attempts = attempt
		outputs, err := invokeHandler(ctx, handler, timeout, step, sc)
		if err == nil {
			return StepOutcome{
				Status:     StepSucceeded,
				Outputs:    outputs,
				Attempts:   attempts,
				DurationMs: time.Since(start).Milliseconds(),
			}
		}

		var nonRetryable *NonRetryableError
		if errors.As(err, &nonRetryable) {
			details := map[string]any{}
			if nonRetryable.StatusCode != 0 {
				details["statusCode"] = nonRetryable.StatusCode
			}
			return StepOutcome{
				Status:   StepFailed,
				Attempts: attempts,
				Error: &Error{
					Code:    CodeStepNonRetryable,
					Message: MaskSecrets(nonRetryable.Message, sc.Secrets),
					StepID:  step.ID,
					Details: details,
				},
				DurationMs: time.Since(start).Milliseconds(),
			}
		}

		lastErr = asStepError(err, step, sc)
		if !lastErr.Retryable {
			return StepOutcome{
				Status:     StepFailed,
				Attempts:   attempts,
				Error:      lastErr,
				DurationMs: time.Since(start).Milliseconds(),
			}
		}

		if attempt < step.Policy.MaxAttempts {
			if sc.notifyRetry != nil {
				sc.notifyRetry(attempt)
			}
			delay := computeBackoff(step.Policy.BackoffStrategy, step.Policy.BackoffBaseMs, attempt)
			if canceled := sleepOrCancel(ctx, delay, sc); canceled {
				return StepOutcome{
					Status:     StepCanceled,
					Attempts:   attempts,
					DurationMs: time.Since(start).Milliseconds(),
				}
			}
		}
	}

	return StepOutcome{
		Status:     StepFailed,
		Attempts:   attempts,
		Error:      lastErr,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// invokeHandler runs one handler attempt bounded by the step timeout. The
// handler runs in its own goroutine; on timeout the attempt is abandoned
// (its context is canceled) and the caller decides whether to retry.
func invokeHandler(ctx context.Context, handler StepHandler, timeout time.Duration, step CompiledStep, sc *StepContext) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type handlerResult struct {
		outputs map[string]any
		err     error
	}
	done := make(chan handlerResult, 1)

	go func() {
		outputs, err := handler.Execute(attemptCtx, step, sc)
		done <- handlerResult{outputs: outputs, err: err}
	}()

	select {
	case res := <-done:
		return res.outputs, res.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &timeoutError{limit: timeout}
		}
		return nil, attemptCtx.Err()
	}
}

// timeoutError marks an attempt that exceeded the step timeout.
type timeoutError struct {
	limit time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("handler exceeded timeout of %v", e.limit)
}

// asStepError converts a handler error into the typed taxonomy. Timeouts
// become STEP.HTTP.TIMEOUT with fix hints; everything else becomes a
// retryable STEP.EXECUTION_ERROR.
func asStepError(err error, step CompiledStep, sc *StepContext) *Error {
	var timeout *timeoutError
	if errors.As(err, &timeout) {
		return &Error{
			Code:      CodeStepHTTPTimeout,
			Message:   fmt.Sprintf("step %q exceeded timeout of %d ms", step.ID, step.Policy.TimeoutMs),
			Retryable: true,
			StepID:    step.ID,
			SuggestedFixes: []SuggestedFix{
				{
					Type:        "increase-timeout",
					Params:      map[string]any{"field": "policy.timeoutMs", "currentMs": step.Policy.TimeoutMs},
					Description: "raise the step timeout",
				},
				{
					Type:        "reduce-scope",
					Description: "reduce the amount of work the step performs per invocation",
				},
			},
		}
	}

	var typed *Error
	if errors.As(err, &typed) {
		c := typed.Clone()
		c.StepID = step.ID
		c.Message = MaskSecrets(c.Message, sc.Secrets)
		c.Details = maskDetails(c.Details, sc.Secrets)
		return c
	}

	return &Error{
		Code:      CodeStepExecutionError,
		Message:   MaskSecrets(err.Error(), sc.Secrets),
		Retryable: true,
		StepID:    step.ID,
	}
}

// computeBackoff returns the delay before the next attempt. Fixed strategy
// waits the base delay; exponential waits base * 2^(attempt-1), capped at
// maxBackoff. Both are jittered by up to 10% of the computed delay.
func computeBackoff(strategy BackoffStrategy, baseMs, attempt int) time.Duration {
	base := time.Duration(baseMs) * time.Millisecond

	var delay time.Duration
	switch strategy {
	case BackoffFixed:
		delay = base
	default: // exponential
		delay = base << (attempt - 1)
		if delay > maxBackoff || delay <= 0 {
			delay = maxBackoff
		}
	}

	if delay > 0 {
		jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1)) // #nosec G404 -- retry spreading, not security
		delay += jitter
	}
	return delay
}

// sleepOrCancel waits for the backoff delay, returning early (true) when
// the run is canceled or the context ends. The cancellation flag is polled
// so a cancel raised mid-sleep is observed without waiting out the delay.
func sleepOrCancel(ctx context.Context, delay time.Duration, sc *StepContext) bool {
	const pollInterval = 10 * time.Millisecond

	deadline := time.Now().Add(delay)
	for {
		if sc.IsCanceled() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		wait := remaining
		if wait > pollInterval {
			wait = pollInterval
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(wait):
		}
	}
}
