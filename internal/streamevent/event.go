// Package streamevent defines the closed event union StreamManager emits in
// place of a general-purpose event emitter, so every consumer (AgentSession,
// TaskService, SessionTimingService, tests) can exhaustively switch on Kind
// instead of subscribing to untyped names.
package streamevent

import "encoding/json"

// Kind discriminates the Event union.
type Kind string

const (
	KindStreamStart     Kind = "stream-start"
	KindTextDelta       Kind = "text-delta"
	KindReasoningDelta  Kind = "reasoning-delta"
	KindToolCall        Kind = "tool-call"
	KindToolCallEnd     Kind = "tool-call-end"
	KindUsageDelta      Kind = "usage-delta"
	KindStreamAbort     Kind = "stream-abort"
	KindStreamError     Kind = "stream-error"
	KindStreamEnd       Kind = "stream-end"
)

// Event is one item delivered to StreamManager's subscribers. Exactly the
// fields relevant to Kind are populated.
type Event struct {
	Kind Kind

	// KindStreamStart
	WorkspaceID string `json:"workspaceId,omitempty"`
	MessageID   string `json:"messageId,omitempty"`

	// KindTextDelta / KindReasoningDelta
	Delta string `json:"delta,omitempty"`

	// KindToolCall / KindToolCallEnd
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	ToolOutput json.RawMessage `json:"toolOutput,omitempty"`
	ToolError  bool            `json:"toolError,omitempty"`

	// KindUsageDelta
	InputTokens      int64 `json:"inputTokens,omitempty"`
	OutputTokens     int64 `json:"outputTokens,omitempty"`
	CachedInputTokens int64 `json:"cachedInputTokens,omitempty"`

	// KindStreamAbort
	Reason string `json:"reason,omitempty"`

	// KindStreamError
	ErrorKind    string `json:"errorKind,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`

	// KindStreamEnd
	DurationMs int64 `json:"durationMs,omitempty"`
	TTFTMs     int64 `json:"ttftMs,omitempty"`

	// KindStreamEnd, compaction-acceptance re-emission only: the sanitized
	// summary message, already JSON-encoded by the caller so this package
	// doesn't need to import chatmodel.
	SanitizedMessage json.RawMessage `json:"sanitizedMessage,omitempty"`
}

// StreamStart builds a KindStreamStart event.
func StreamStart(workspaceID, messageID string) Event {
	return Event{Kind: KindStreamStart, WorkspaceID: workspaceID, MessageID: messageID}
}

// TextDelta builds a KindTextDelta event.
func TextDelta(delta string) Event { return Event{Kind: KindTextDelta, Delta: delta} }

// ReasoningDelta builds a KindReasoningDelta event.
func ReasoningDelta(delta string) Event { return Event{Kind: KindReasoningDelta, Delta: delta} }

// ToolCall builds a KindToolCall event.
func ToolCall(id, name string, input json.RawMessage) Event {
	return Event{Kind: KindToolCall, ToolCallID: id, ToolName: name, ToolInput: input}
}

// ToolCallEnd builds a KindToolCallEnd event.
func ToolCallEnd(id string, output json.RawMessage, isError bool) Event {
	return Event{Kind: KindToolCallEnd, ToolCallID: id, ToolOutput: output, ToolError: isError}
}

// UsageDelta builds a KindUsageDelta event.
func UsageDelta(input, cached, output int64) Event {
	return Event{Kind: KindUsageDelta, InputTokens: input, CachedInputTokens: cached, OutputTokens: output}
}

// StreamAbort builds a KindStreamAbort event. messageID identifies the
// aborted assistant message; it is empty only for the synthetic abort
// emitted when no stream exists, so subscribers can tell the two apart.
func StreamAbort(messageID, reason string) Event {
	return Event{Kind: KindStreamAbort, MessageID: messageID, Reason: reason}
}

// StreamError builds a KindStreamError event.
func StreamError(kind, message string, retryable bool) Event {
	return Event{Kind: KindStreamError, ErrorKind: kind, ErrorMessage: message, Retryable: retryable}
}

// StreamEnd builds a KindStreamEnd event.
func StreamEnd(durationMs, ttftMs int64) Event {
	return Event{Kind: KindStreamEnd, DurationMs: durationMs, TTFTMs: ttftMs}
}

// CompactionAccepted builds the sanitized KindStreamEnd re-emission
// CompactionHandler sends after durably accepting a summary — distinct from
// the stream's own StreamEnd, which already fired before acceptance ran.
func CompactionAccepted(workspaceID string, sanitizedMessage json.RawMessage) Event {
	return Event{Kind: KindStreamEnd, WorkspaceID: workspaceID, SanitizedMessage: sanitizedMessage}
}
