package event

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogSubscriber writes each event it receives to a writer, either as a
// human-readable line or as one JSON object per line.
//
// Example text output:
//
//	[run.started] runId=9f2c workflowId=wf-enrich
//	[step.succeeded] runId=9f2c stepId=fetch payload={"durationMs":141}
//
// Example JSON output:
//
//	{"id":"...","type":"step.succeeded","schemaVersion":"1.0.0",...}
//
// Usage:
//
//	logger := event.NewLogSubscriber(os.Stdout, false)
//	unsubscribe := publisher.Subscribe(event.Subscription{Callback: logger.Receive})
//	defer unsubscribe()
type LogSubscriber struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogSubscriber creates a LogSubscriber. A nil writer defaults to
// os.Stdout. When jsonMode is true, events are written as JSON lines.
func NewLogSubscriber(writer io.Writer, jsonMode bool) *LogSubscriber {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogSubscriber{writer: writer, jsonMode: jsonMode}
}

// Receive writes one event. Safe for concurrent use; write errors are
// ignored because subscribers are observational.
func (l *LogSubscriber) Receive(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(l.writer, "%s\n", data)
		return
	}

	line := "[" + ev.Type + "] runId=" + ev.RunID
	if ev.StepID != "" {
		line += " stepId=" + ev.StepID
	}
	if ev.WorkflowID != "" {
		line += " workflowId=" + ev.WorkflowID
	}
	if len(ev.Payload) > 0 {
		if data, err := json.Marshal(ev.Payload); err == nil {
			line += " payload=" + string(data)
		}
	}
	fmt.Fprintln(l.writer, line)
}
