// Package llm defines the provider contract StreamManager drives, plus
// context-window sizing. The provider SDKs themselves are a named non-goal;
// this package only specifies the pull-based sequence shape StreamManager
// Design Notes call for, and the small sanitization helpers StreamManager
// needs regardless of which concrete SDK backs it.
package llm

import (
	"context"
	"encoding/json"
)

// ToolCall is a single tool invocation requested by the model mid-stream.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResult is fed back to the provider for a prior ToolCall.
type ToolResult struct {
	ToolCallID string
	Output     json.RawMessage
	IsError    bool
}

// ToolSchema describes one callable tool to the provider.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolChoice constrains which tool (if any) the model must call next,
// mirroring the stopWhen single-step-vs-autonomous distinction.
type ToolChoice struct {
	// Type is "auto", "none", or "tool".
	Type string
	// Name is required when Type == "tool".
	Name string
}

// Message is a single turn sent to the provider. Content carries already
// flattened text; ToolCalls/ToolResults round-trip prior tool activity.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// StreamRequest bundles one LLM call.
type StreamRequest struct {
	Model      string
	Messages   []Message
	Tools      []ToolSchema
	ToolChoice ToolChoice
	// PreviousResponseID threads the OpenAI Responses API continuation id.
	PreviousResponseID string
}

// EventKind discriminates StreamEvent, the minimal pull-based shape
// StreamManager consumes.
type EventKind string

const (
	EventTextDelta      EventKind = "text-delta"
	EventReasoningDelta EventKind = "reasoning-delta"
	EventToolCallDelta  EventKind = "tool-call-delta"
	EventToolCall       EventKind = "tool-call"
	EventUsageDelta     EventKind = "usage-delta"
	EventDone           EventKind = "done"
)

// StreamEvent is one item yielded by StreamSession.Next.
type StreamEvent struct {
	Kind  EventKind
	Delta string
	Tool  ToolCall
	Usage Usage
}

// Usage is the provider's view of token accounting for one stream.
type Usage struct {
	InputTokens       int64
	CachedInputTokens int64
	OutputTokens      int64
	ReasoningTokens   int64
}

// TerminalInfo is resolved once the stream reaches its terminal EventDone.
type TerminalInfo struct {
	TotalUsage       Usage
	ProviderMetadata json.RawMessage
	ResponseID       string // OpenAI Responses API id, empty for other providers
}

// StreamSession is a pull-based sequence: repeated Next calls return
// (event, false, nil) until the stream ends, at which point Next returns
// (event-with-EventDone, true, nil) with Terminal populated. An error
// terminates the session; Terminal is not populated on error.
type StreamSession interface {
	Next(ctx context.Context) (event StreamEvent, done bool, err error)
	Terminal() TerminalInfo
	Close() error
}

// Provider is the contract StreamManager drives.
type Provider interface {
	Stream(ctx context.Context, req StreamRequest) (StreamSession, error)
}

// StripEncryptedContent removes encryptedContent fields from a tool output,
// both in array-shape and {type:"json", value:[...]}-shape outputs — opaque
// provider-internal data that must never be persisted or replayed.
func StripEncryptedContent(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	stripped := stripEncrypted(v)
	b, err := json.Marshal(stripped)
	if err != nil {
		return raw
	}
	return b
}

func stripEncrypted(v any) any {
	switch val := v.(type) {
	case map[string]any:
		delete(val, "encryptedContent")
		for k, vv := range val {
			val[k] = stripEncrypted(vv)
		}
		return val
	case []any:
		for i := range val {
			val[i] = stripEncrypted(val[i])
		}
		return val
	default:
		return v
	}
}
