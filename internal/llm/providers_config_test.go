package llm

import "testing"

func TestProvidersConfig_ContextOverride(t *testing.T) {
	var empty ProvidersConfig
	if _, ok := empty.ContextOverride("gpt-5"); ok {
		t.Fatalf("expected no override on zero-value config")
	}

	cfg := ProvidersConfig{ContextOverrides: map[string]int{"gpt-5": 500_000}}
	v, ok := cfg.ContextOverride("gpt-5")
	if !ok || v != 500_000 {
		t.Fatalf("got (%d, %v), want (500000, true)", v, ok)
	}
	if _, ok := cfg.ContextOverride("unknown-model"); ok {
		t.Fatalf("expected no override for unknown model")
	}
}
