package fingerprint

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return m
}

func mustCompute(t *testing.T, raw string) string {
	t.Helper()
	fp, err := Compute(decode(t, raw))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	return fp
}

func TestComputeKeyOrderIndependent(t *testing.T) {
	a := mustCompute(t, `{"source":"client_A","payload":{"metric":"revenue","amount":100}}`)
	b := mustCompute(t, `{"payload":{"amount":100,"metric":"revenue"},"source":"client_A"}`)
	if a != b {
		t.Errorf("fingerprints differ for reordered keys: %s vs %s", a, b)
	}
}

func TestComputeCaseAndWhitespaceInsensitive(t *testing.T) {
	a := mustCompute(t, `{"source":"Client_A","payload":{"metric":"  Revenue "}}`)
	b := mustCompute(t, `{"source":"client_a","payload":{"metric":"revenue"}}`)
	if a != b {
		t.Errorf("fingerprints differ for case/whitespace variants: %s vs %s", a, b)
	}
}

func TestComputeDropsReceiptMetadataAtAnyDepth(t *testing.T) {
	a := mustCompute(t, `{"source":"client_A","payload":{"metric":"revenue","created_at":"2024-01-01"}}`)
	b := mustCompute(t, `{"id":"abc-123","source":"client_A","received_at":"2024-06-01T00:00:00Z","payload":{"metric":"revenue"}}`)
	if a != b {
		t.Errorf("receipt metadata affected fingerprint: %s vs %s", a, b)
	}
}

func TestComputeBusinessFieldsChangeFingerprint(t *testing.T) {
	a := mustCompute(t, `{"source":"client_A","payload":{"metric":"revenue","amount":100}}`)
	b := mustCompute(t, `{"source":"client_A","payload":{"metric":"revenue","amount":101}}`)
	if a == b {
		t.Error("different amounts produced identical fingerprints")
	}

	c := mustCompute(t, `{"source":"client_B","payload":{"metric":"revenue","amount":100}}`)
	if a == c {
		t.Error("different sources produced identical fingerprints")
	}
}

func TestComputeArrayOrderSignificant(t *testing.T) {
	a := mustCompute(t, `{"source":"x","tags":["a","b"]}`)
	b := mustCompute(t, `{"source":"x","tags":["b","a"]}`)
	if a == b {
		t.Error("array reordering should change the fingerprint")
	}
}

func TestComputeDeterministic(t *testing.T) {
	const raw = `{"source":"client_A","payload":{"metric":"signups","amount":"1,200.50","timestamp":"2024/01/01"},"tags":[1,2,null,true]}`
	first := mustCompute(t, raw)
	for i := 0; i < 10; i++ {
		if got := mustCompute(t, raw); got != first {
			t.Fatalf("iteration %d: fingerprint changed: %s vs %s", i, got, first)
		}
	}
	if len(first) != 64 {
		t.Errorf("expected 64-char hex digest, got %d chars", len(first))
	}
}

func TestCanonicalizeNestedArrays(t *testing.T) {
	m := decode(t, `{"items":[{"id":"x","name":" Widget "},{"created_at":"now","name":"Gadget"}]}`)
	canonical := Canonicalize(m).(map[string]interface{})
	items := canonical["items"].([]interface{})

	first := items[0].(map[string]interface{})
	if _, ok := first["id"]; ok {
		t.Error("id should be stripped inside array elements")
	}
	if first["name"] != "widget" {
		t.Errorf("name = %q, want %q", first["name"], "widget")
	}

	second := items[1].(map[string]interface{})
	if _, ok := second["created_at"]; ok {
		t.Error("created_at should be stripped inside array elements")
	}
}
