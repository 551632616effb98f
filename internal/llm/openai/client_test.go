package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"muxcore/internal/llm"
)

func writeEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, payload map[string]any) {
	if _, ok := payload["type"]; !ok {
		payload["type"] = eventType
	}
	b, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", b)
	if flusher != nil {
		flusher.Flush()
	}
}

func drainSession(t *testing.T, sess llm.StreamSession) ([]llm.StreamEvent, llm.TerminalInfo, error) {
	t.Helper()
	var events []llm.StreamEvent
	for {
		ev, done, err := sess.Next(context.Background())
		if err != nil {
			return events, llm.TerminalInfo{}, err
		}
		if ev.Kind != llm.EventDone {
			events = append(events, ev)
		}
		if done {
			return events, sess.Terminal(), nil
		}
	}
}

func TestStreamTextDelta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		writeEvent(w, flusher, "response.output_text.delta", map[string]any{"output_index": 0, "delta": "hello "})
		writeEvent(w, flusher, "response.output_text.delta", map[string]any{"output_index": 0, "delta": "world"})
		writeEvent(w, flusher, "response.completed", map[string]any{
			"response": map[string]any{
				"id": "resp_1",
				"usage": map[string]any{
					"input_tokens":         10,
					"output_tokens":        5,
					"input_tokens_details":  map[string]any{"cached_tokens": 2},
					"output_tokens_details": map[string]any{"reasoning_tokens": 1},
				},
			},
		})
	}))
	t.Cleanup(srv.Close)

	client := New(Config{APIKey: "k", BaseURL: srv.URL}, srv.Client())
	sess, err := client.Stream(context.Background(), llm.StreamRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events, term, err := drainSession(t, sess)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	var got string
	for _, ev := range events {
		if ev.Kind == llm.EventTextDelta {
			got += ev.Delta
		}
	}
	if got != "hello world" {
		t.Fatalf("got %q", got)
	}
	if term.ResponseID != "resp_1" {
		t.Fatalf("expected response id captured, got %q", term.ResponseID)
	}
	if term.TotalUsage.InputTokens != 10 || term.TotalUsage.OutputTokens != 5 ||
		term.TotalUsage.CachedInputTokens != 2 || term.TotalUsage.ReasoningTokens != 1 {
		t.Fatalf("unexpected usage: %+v", term.TotalUsage)
	}
}

func TestStreamToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		writeEvent(w, flusher, "response.output_item.added", map[string]any{
			"output_index": 0,
			"item": map[string]any{
				"type": "function_call", "id": "item-1", "call_id": "call-1", "name": "lookup", "arguments": "",
			},
		})
		writeEvent(w, flusher, "response.function_call_arguments.delta", map[string]any{
			"output_index": 0, "delta": `{"x":`,
		})
		writeEvent(w, flusher, "response.function_call_arguments.delta", map[string]any{
			"output_index": 0, "delta": `1}`,
		})
		writeEvent(w, flusher, "response.function_call_arguments.done", map[string]any{
			"output_index": 0, "arguments": `{"x":1}`,
		})
		writeEvent(w, flusher, "response.completed", map[string]any{
			"response": map[string]any{"id": "resp_2", "usage": map[string]any{}},
		})
	}))
	t.Cleanup(srv.Close)

	client := New(Config{APIKey: "k", BaseURL: srv.URL}, srv.Client())
	sess, err := client.Stream(context.Background(), llm.StreamRequest{
		Messages: []llm.Message{{Role: "user", Content: "go"}},
		Tools:    []llm.ToolSchema{{Name: "lookup", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events, _, err := drainSession(t, sess)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	var calls []llm.ToolCall
	for _, ev := range events {
		if ev.Kind == llm.EventToolCall {
			calls = append(calls, ev.Tool)
		}
	}
	if len(calls) != 1 || calls[0].Name != "lookup" || calls[0].ID != "call-1" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if string(calls[0].Args) != `{"x":1}` {
		t.Fatalf("unexpected args %s", calls[0].Args)
	}
}

func TestAdaptInputRoles(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "lookup", Args: json.RawMessage(`{"x":1}`)}}},
		{Role: "tool", ToolResults: []llm.ToolResult{{ToolCallID: "c1", Output: json.RawMessage(`{"ok":true}`)}}},
	}
	items, instr := adaptInput(msgs)
	if instr != "be terse" {
		t.Fatalf("expected instructions captured, got %q", instr)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 input items (user, function_call, function_call_output), got %d", len(items))
	}
}

func TestAdaptInputDefaultsBlankUserContent(t *testing.T) {
	items, _ := adaptInput([]llm.Message{{Role: "user", Content: "   "}})
	if len(items) != 1 {
		t.Fatalf("expected placeholder item for blank user content, got %d", len(items))
	}
}

func TestAdaptTools(t *testing.T) {
	out := adaptTools([]llm.ToolSchema{{Name: "lookup", Description: "desc", Parameters: map[string]any{"type": "object"}}})
	if len(out) != 1 || out[0].OfFunction == nil || out[0].OfFunction.Name != "lookup" {
		t.Fatalf("unexpected tools %+v", out)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "b"); got != "b" {
		t.Fatalf("got %q", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Fatalf("got %q", got)
	}
}
