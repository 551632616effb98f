// Package timing implements SessionTimingService: per-stream
// TTFT/tool-wall-time tracking, per-session and per-model rollups, and a
// monotonic
// write-epoch so a stale scheduled write can never resurrect totals a
// concurrent ClearTimingFile already discarded.
package timing

// ModelTotals aggregates timing across every stream that used one model.
type ModelTotals struct {
	StreamCount      int64 `json:"streamCount"`
	TotalDurationMs  int64 `json:"totalDurationMs"`
	ToolExecutionMs  int64 `json:"toolExecutionMs"`
	ModelTimeMs      int64 `json:"modelTimeMs"`
	StreamingMs      int64 `json:"streamingMs"`
	OutputTokens     int64 `json:"outputTokens"`
	ReasoningTokens  int64 `json:"reasoningTokens"`
}

// SessionTotals aggregates timing across every stream in a workspace.
type SessionTotals struct {
	ModelTotals
	ByModel map[string]*ModelTotals `json:"byModel,omitempty"`
}

// Completed is the result SessionTimingService computes when a stream ends
// or aborts.
type Completed struct {
	TotalDurationMs int64    `json:"totalDurationMs"`
	TTFTMs          int64    `json:"ttftMs"`
	ToolExecutionMs int64    `json:"toolExecutionMs"`
	ModelTimeMs     int64    `json:"modelTimeMs"`
	StreamingMs     int64    `json:"streamingMs"`
	OutputTokens    int64    `json:"outputTokens"`
	ReasoningTokens int64    `json:"reasoningTokens"`
	Model           string   `json:"model,omitempty"`
	Invalid         bool     `json:"invalid,omitempty"`
	Anomalies       []string `json:"anomalies,omitempty"`
}

// Anomaly codes recorded on Completed.Anomalies when validation fails.
const (
	AnomalyNaN             = "nan"
	AnomalyNegativeDuration = "negative_duration"
	AnomalyToolGtTotal      = "tool_gt_total"
	AnomalyTTFTGtTotal      = "ttft_gt_total"
	AnomalyOutOfRange       = "percentage_out_of_range"
)

// fileVersion is the on-disk session-timing.json schema version.
const fileVersion = 2

// file is the persisted shape of session-timing.json. The write-epoch guard
// itself lives in Store, keyed by workspace id, not on this struct.
type file struct {
	Version      int             `json:"version"`
	Session      SessionTotals   `json:"session"`
	LastRequest  *Completed      `json:"lastRequest,omitempty"`
	RolledUpFrom map[string]bool `json:"rolledUpFrom,omitempty"`
}

func newFile() *file {
	return &file{
		Version: fileVersion,
		Session: SessionTotals{ByModel: make(map[string]*ModelTotals)},
	}
}

func (f *file) modelTotals(model string) *ModelTotals {
	if f.Session.ByModel == nil {
		f.Session.ByModel = make(map[string]*ModelTotals)
	}
	mt, ok := f.Session.ByModel[model]
	if !ok {
		mt = &ModelTotals{}
		f.Session.ByModel[model] = mt
	}
	return mt
}

func addCompleted(mt *ModelTotals, c Completed) {
	mt.StreamCount++
	mt.TotalDurationMs += c.TotalDurationMs
	mt.ToolExecutionMs += c.ToolExecutionMs
	mt.ModelTimeMs += c.ModelTimeMs
	mt.StreamingMs += c.StreamingMs
	mt.OutputTokens += c.OutputTokens
	mt.ReasoningTokens += c.ReasoningTokens
}
