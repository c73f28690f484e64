package flow_test

import (
	"strings"
	"testing"

	"github.com/dshills/bilko-go/flow"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	canonical, err := flow.CanonicalJSON(map[string]any{
		"zebra": 1,
		"alpha": map[string]any{"nested_z": true, "nested_a": false},
		"mid":   []any{"x"},
	})
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}

	got := string(canonical)
	want := `{"alpha":{"nested_a":false,"nested_z":true},"mid":["x"],"zebra":1}`
	if got != want {
		t.Errorf("canonical form mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestHashValueStableAcrossFieldOrder(t *testing.T) {
	type ab struct {
		A string `json:"a"`
		B int    `json:"b"`
	}
	type ba struct {
		B int    `json:"b"`
		A string `json:"a"`
	}

	d1, err := flow.HashValue(ab{A: "x", B: 2})
	if err != nil {
		t.Fatalf("HashValue failed: %v", err)
	}
	d2, err := flow.HashValue(ba{B: 2, A: "x"})
	if err != nil {
		t.Fatalf("HashValue failed: %v", err)
	}

	if d1.Hex != d2.Hex {
		t.Errorf("structurally equal values hashed differently: %s vs %s", d1.Hex, d2.Hex)
	}
	if d1.Algorithm != flow.HashAlgorithm {
		t.Errorf("algorithm = %q, want %q", d1.Algorithm, flow.HashAlgorithm)
	}
	if len(d1.Hex) != 64 {
		t.Errorf("hex digest length = %d, want 64", len(d1.Hex))
	}
}

func TestHashValueDiffersOnContent(t *testing.T) {
	d1, err := flow.HashValue(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("HashValue failed: %v", err)
	}
	d2, err := flow.HashValue(map[string]any{"a": 2})
	if err != nil {
		t.Fatalf("HashValue failed: %v", err)
	}
	if d1.Hex == d2.Hex {
		t.Error("different values produced the same digest")
	}
}

func TestHashString(t *testing.T) {
	d := flow.HashString("transform.map@1.0.0")
	if d.Algorithm != flow.HashAlgorithm {
		t.Errorf("algorithm = %q, want %q", d.Algorithm, flow.HashAlgorithm)
	}
	if d.Hex == "" || d.Hex == flow.HashString("other").Hex {
		t.Error("HashString not content-addressed")
	}
	if !strings.HasPrefix(d.String(), "sha256:") {
		t.Errorf("String() = %q, want sha256: prefix", d.String())
	}
}
