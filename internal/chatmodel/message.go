// Package chatmodel defines the message/part/metadata data model shared by
// HistoryStore, PartialStore, the compaction engine, and StreamManager.
package chatmodel

import "encoding/json"

// Role identifies who authored a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates the Part union.
type PartType string

const (
	PartText         PartType = "text"
	PartReasoning    PartType = "reasoning"
	PartFile         PartType = "file"
	PartDynamicTool  PartType = "dynamic-tool"
)

// ToolState is the lifecycle state of a dynamic-tool Part.
type ToolState string

const (
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
)

// CompactedSource records who/what triggered a compaction summary.
type CompactedSource string

const (
	CompactedNone CompactedSource = ""
	CompactedUser CompactedSource = "user"
	CompactedIdle CompactedSource = "idle"
	// CompactedTrue is used where the source isn't tracked, only the fact
	// that the message is a compaction summary.
	CompactedTrue CompactedSource = "true"
)

// MuxMetadataType discriminates synthetic control messages from ordinary
// conversation turns.
type MuxMetadataType string

const (
	MuxTypeNormal            MuxMetadataType = "normal"
	MuxTypeCompactionRequest MuxMetadataType = "compaction-request"
	MuxTypeCompactionSummary MuxMetadataType = "compaction-summary"
)

// CompactionRequestSource records why a compaction-request message exists.
type CompactionRequestSource string

const (
	CompactionSourceUser      CompactionRequestSource = "user"
	CompactionSourceIdle      CompactionRequestSource = "idle"
	CompactionSourceOnSend    CompactionRequestSource = "on-send"
	CompactionSourceMidStream CompactionRequestSource = "mid-stream"
)

// PendingFollowUp carries a deferred user turn across a compaction request,
// the one AgentSession re-sends once the summary lands.
type PendingFollowUp struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// MuxMetadata is attached to synthetic control messages.
type MuxMetadata struct {
	Type            MuxMetadataType         `json:"type"`
	Source          CompactionRequestSource `json:"source,omitempty"`
	RequestedModel  string                  `json:"requestedModel,omitempty"`
	PendingFollowUp *PendingFollowUp        `json:"pendingFollowUp,omitempty"`
}

// Usage captures token accounting for a single assistant turn.
type Usage struct {
	InputTokens       int64 `json:"inputTokens,omitempty"`
	CachedInputTokens int64 `json:"cachedInputTokens,omitempty"`
	OutputTokens      int64 `json:"outputTokens,omitempty"`
	ReasoningTokens   int64 `json:"reasoningTokens,omitempty"`
	TotalContextTokens int64 `json:"totalContextTokens,omitempty"`
}

// Metadata holds every out-of-band field attached to a Message.
type Metadata struct {
	HistorySequence    int64           `json:"historySequence"`
	Timestamp          int64           `json:"timestamp"`
	Model              string          `json:"model,omitempty"`
	Partial            bool            `json:"partial,omitempty"`
	Compacted          CompactedSource `json:"compacted,omitempty"`
	CompactionBoundary bool            `json:"compactionBoundary,omitempty"`
	CompactionEpoch    int             `json:"compactionEpoch,omitempty"`
	Mux                *MuxMetadata    `json:"muxMetadata,omitempty"`
	Synthetic          bool            `json:"synthetic,omitempty"`
	FileAtMentionSnapshot []string     `json:"fileAtMentionSnapshot,omitempty"`
	AgentID            string          `json:"agentId,omitempty"`
	Usage              *Usage          `json:"usage,omitempty"`
	DurationMs         int64           `json:"duration,omitempty"`
	TTFTMs             int64           `json:"ttftMs,omitempty"`
	SystemMessageTokens int64          `json:"systemMessageTokens,omitempty"`

	// Error and ErrorType are transient UI-only fields. PartialStore strips
	// them on commit; they must never be written to a committed history row.
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"errorType,omitempty"`

	// ProviderMetadata, ContextProviderMetadata, and ContextUsage are
	// intentionally omitted from compaction summary messages to avoid the UI
	// merging stale pre-compaction values; they are still valid on ordinary
	// assistant messages.
	ProviderMetadata        json.RawMessage `json:"providerMetadata,omitempty"`
	ContextProviderMetadata json.RawMessage `json:"contextProviderMetadata,omitempty"`
	ContextUsage            *Usage          `json:"contextUsage,omitempty"`
}

// Part is one element of a Message's ordered content. Exactly the fields
// relevant to Type are populated; callers must switch on Type rather than
// probe for zero values, since a dynamic-tool Part with a genuinely empty
// Output is different from one that hasn't produced output yet.
type Part struct {
	Type PartType `json:"type"`

	// PartText / PartReasoning
	Text string `json:"text,omitempty"`

	// PartFile
	FileName string `json:"fileName,omitempty"`
	FileURL  string `json:"fileUrl,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// PartDynamicTool
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	State      ToolState       `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// IsIncomplete reports whether a tool Part is still awaiting its result.
// Such parts are stripped when constructing provider requests and are never
// durably committed in a non-partial row.
func (p Part) IsIncomplete() bool {
	return p.Type == PartDynamicTool && p.State == ToolInputAvailable
}

// Message is the unit of the chat history log.
type Message struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Parts    []Part   `json:"parts"`
	Metadata Metadata `json:"metadata"`
}

// HasCommitWorthyContent implements the PartialStore commit-worthy
// predicate: any non-empty text part, any
// reasoning part, any file part, or any tool part with output available.
// A partial made only of input-available tool calls is never commit-worthy
// — committing it would brick the next provider request, which requires
// every tool call to have a matching result.
func (m Message) HasCommitWorthyContent() bool {
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
			if trimmedNonEmpty(p.Text) {
				return true
			}
		case PartReasoning, PartFile:
			return true
		case PartDynamicTool:
			if p.State == ToolOutputAvailable {
				return true
			}
		}
	}
	return false
}

// StripIncompleteToolParts returns a copy of parts with every
// input-available dynamic-tool part removed, as required when building a
// provider
// request.
func StripIncompleteToolParts(parts []Part) []Part {
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		if p.IsIncomplete() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// SanitizeForCompactionSummary clears the fields a compaction summary
// message must omit from a copy of md.
func SanitizeForCompactionSummary(md Metadata) Metadata {
	md.ProviderMetadata = nil
	md.ContextProviderMetadata = nil
	md.ContextUsage = nil
	return md
}

// StripTransientError clears the UI-only error fields PartialStore must
// remove before committing.
func StripTransientError(md Metadata) Metadata {
	md.Error = ""
	md.ErrorType = ""
	return md
}

func trimmedNonEmpty(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
	}
	return false
}

// IsValidCompactionBoundary reports whether m is a well-formed compaction
// boundary: compactionBoundary=true requires
// compacted ∈ {true,"user","idle"} and a positive compactionEpoch.
// Malformed boundaries are skipped silently by read paths rather than
// treated as errors.
func IsValidCompactionBoundary(m Message) bool {
	if !m.Metadata.CompactionBoundary {
		return false
	}
	switch m.Metadata.Compacted {
	case CompactedTrue, CompactedUser, CompactedIdle:
	default:
		return false
	}
	return m.Metadata.CompactionEpoch > 0
}
