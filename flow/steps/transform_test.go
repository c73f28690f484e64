package steps_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/bilko-go/flow"
	"github.com/dshills/bilko-go/flow/steps"
)

func mapStep(mapping map[string]any) flow.CompiledStep {
	return flow.CompiledStep{
		ID:     "map-1",
		Name:   "map-1",
		Type:   "transform.map",
		Inputs: map[string]any{"mapping": mapping},
	}
}

func stepContext(upstream map[string]map[string]any) *flow.StepContext {
	return &flow.StepContext{
		RunID:      "run-1",
		Upstream:   upstream,
		IsCanceled: func() bool { return false },
	}
}

func TestMapHandler(t *testing.T) {
	h := steps.NewMapHandler()
	upstream := map[string]map[string]any{
		"fetch": {"body": "payload", "statusCode": 200},
	}

	t.Run("literals pass through", func(t *testing.T) {
		out, err := h.Execute(context.Background(), mapStep(map[string]any{
			"label": "constant",
			"count": 3,
		}), stepContext(nil))
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if out["label"] != "constant" || out["count"] != 3 {
			t.Errorf("outputs = %v", out)
		}
	})

	t.Run("upstream references resolve", func(t *testing.T) {
		out, err := h.Execute(context.Background(), mapStep(map[string]any{
			"content": "$fetch.body",
			"status":  "$fetch.statusCode",
		}), stepContext(upstream))
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if out["content"] != "payload" || out["status"] != 200 {
			t.Errorf("outputs = %v", out)
		}
	})

	t.Run("unknown upstream step", func(t *testing.T) {
		_, err := h.Execute(context.Background(), mapStep(map[string]any{
			"content": "$ghost.body",
		}), stepContext(upstream))
		var nre *flow.NonRetryableError
		if !errors.As(err, &nre) {
			t.Fatalf("err = %v, want NonRetryableError", err)
		}
	})

	t.Run("unknown upstream field", func(t *testing.T) {
		_, err := h.Execute(context.Background(), mapStep(map[string]any{
			"content": "$fetch.missing",
		}), stepContext(upstream))
		var nre *flow.NonRetryableError
		if !errors.As(err, &nre) {
			t.Fatalf("err = %v, want NonRetryableError", err)
		}
	})

	t.Run("malformed reference", func(t *testing.T) {
		_, err := h.Execute(context.Background(), mapStep(map[string]any{
			"content": "$fetchonly",
		}), stepContext(upstream))
		var nre *flow.NonRetryableError
		if !errors.As(err, &nre) {
			t.Fatalf("err = %v, want NonRetryableError", err)
		}
	})

	t.Run("non-object mapping", func(t *testing.T) {
		step := flow.CompiledStep{ID: "map-1", Type: "transform.map", Inputs: map[string]any{"mapping": "nope"}}
		_, err := h.Execute(context.Background(), step, stepContext(nil))
		var nre *flow.NonRetryableError
		if !errors.As(err, &nre) {
			t.Fatalf("err = %v, want NonRetryableError", err)
		}
	})
}

func TestTemplateHandler(t *testing.T) {
	h := steps.NewTemplateHandler()

	t.Run("renders vars and upstream", func(t *testing.T) {
		step := flow.CompiledStep{
			ID:   "tpl-1",
			Type: "transform.template",
			Inputs: map[string]any{
				"template": "Hello {{.vars.name}}, fetch said {{.upstream.fetch.body}}",
				"vars":     map[string]any{"name": "bilko"},
			},
		}
		out, err := h.Execute(context.Background(), step, stepContext(map[string]map[string]any{
			"fetch": {"body": "ok"},
		}))
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if out["rendered"] != "Hello bilko, fetch said ok" {
			t.Errorf("rendered = %q", out["rendered"])
		}
	})

	t.Run("invalid template source", func(t *testing.T) {
		step := flow.CompiledStep{
			ID:     "tpl-1",
			Type:   "transform.template",
			Inputs: map[string]any{"template": "{{.vars.name"},
		}
		_, err := h.Execute(context.Background(), step, stepContext(nil))
		var nre *flow.NonRetryableError
		if !errors.As(err, &nre) {
			t.Fatalf("err = %v, want NonRetryableError", err)
		}
	})

	t.Run("missing template input", func(t *testing.T) {
		step := flow.CompiledStep{ID: "tpl-1", Type: "transform.template", Inputs: map[string]any{}}
		_, err := h.Execute(context.Background(), step, stepContext(nil))
		var nre *flow.NonRetryableError
		if !errors.As(err, &nre) {
			t.Fatalf("err = %v, want NonRetryableError", err)
		}
	})
}

func TestRegisterAll(t *testing.T) {
	registry := flow.NewHandlerRegistry()
	steps.RegisterAll(registry)

	for _, stepType := range []string{"transform.map", "transform.template", "http.request"} {
		if registry.Get(stepType) == nil {
			t.Errorf("handler %q not registered", stepType)
		}
	}
}
