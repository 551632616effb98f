package llm

import (
	"encoding/json"
	"testing"
)

func TestStripEncryptedContent_Object(t *testing.T) {
	in := json.RawMessage(`{"value":"ok","encryptedContent":"secret"}`)
	out := StripEncryptedContent(in)

	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["encryptedContent"]; ok {
		t.Fatalf("expected encryptedContent stripped, got %v", m)
	}
	if m["value"] != "ok" {
		t.Fatalf("expected other fields preserved, got %v", m)
	}
}

func TestStripEncryptedContent_NestedArray(t *testing.T) {
	in := json.RawMessage(`[{"type":"json","value":[{"encryptedContent":"x","ok":true}]}]`)
	out := StripEncryptedContent(in)

	var arr []map[string]any
	if err := json.Unmarshal(out, &arr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	values, ok := arr[0]["value"].([]any)
	if !ok || len(values) != 1 {
		t.Fatalf("unexpected shape: %v", arr)
	}
	inner, ok := values[0].(map[string]any)
	if !ok {
		t.Fatalf("unexpected inner shape: %v", values[0])
	}
	if _, ok := inner["encryptedContent"]; ok {
		t.Fatalf("expected nested encryptedContent stripped, got %v", inner)
	}
	if inner["ok"] != true {
		t.Fatalf("expected sibling field preserved, got %v", inner)
	}
}

func TestStripEncryptedContent_EmptyAndInvalidPassThrough(t *testing.T) {
	if got := StripEncryptedContent(nil); got != nil {
		t.Fatalf("expected nil passthrough, got %v", got)
	}
	invalid := json.RawMessage(`not json`)
	if got := StripEncryptedContent(invalid); string(got) != string(invalid) {
		t.Fatalf("expected invalid input passed through unchanged, got %s", got)
	}
}
