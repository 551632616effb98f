// Package compaction implements CompactionMonitor and CompactionHandler:
// pre-send and mid-stream context-window monitoring, and durable summary
// boundaries with monotonically increasing epochs.
package compaction

import (
	"sync"

	"muxcore/internal/chatmodel"
	"muxcore/internal/llm"
)

// DefaultForceBufferPct is added to Threshold*100 to compute the percentage
// at which checkMidStream forces a compaction rather than merely warning.
// Overridable per Monitor instance via config.
const DefaultForceBufferPct = 10.0

// BeforeSendResult is the return of CheckBeforeSend.
type BeforeSendResult struct {
	ShouldShowWarning  bool
	ShouldForceCompact bool
	UsagePercentage    float64
	ThresholdPercentage float64
}

// BeforeSendInput bundles CheckBeforeSend's parameters.
type BeforeSendInput struct {
	Model          string
	Usage          *chatmodel.Usage // usage attached to the newest assistant message in the active epoch; nil if absent
	Use1MContext   bool
	ProvidersConfig llm.ProvidersConfig
}

// MidStreamInput bundles CheckMidStream's parameters.
type MidStreamInput struct {
	Model          string
	Usage          chatmodel.Usage
	Use1MContext   bool
	ProvidersConfig llm.ProvidersConfig
}

// Monitor is CompactionMonitor: a pure policy object, stateful only for
// "already fired this stream".
type Monitor struct {
	// Threshold is in (0,1]; 1 disables auto-compaction. Default 0.85.
	Threshold float64
	// ForceBufferPct distinguishes "warn" from "force" on top of Threshold*100.
	ForceBufferPct float64

	mu                         sync.Mutex
	hasTriggeredForCurrentStream bool
}

// NewMonitor constructs a Monitor with the given threshold/buffer.
func NewMonitor(threshold, forceBufferPct float64) *Monitor {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	if forceBufferPct <= 0 {
		forceBufferPct = DefaultForceBufferPct
	}
	return &Monitor{Threshold: threshold, ForceBufferPct: forceBufferPct}
}

// effectiveContextLimit resolves the token budget for model, honoring
// per-provider overrides and the 1M-context beta flag, before falling back
// to llm.ContextSize's static table.
func effectiveContextLimit(model string, use1M bool, providers llm.ProvidersConfig) int {
	if override, ok := providers.ContextOverride(model); ok && override > 0 {
		return override
	}
	size, _ := llm.ContextSize(model)
	if use1M && size > 0 && size < 1_000_000 {
		// Some providers (e.g. Anthropic Sonnet) can opt into a 1M window
		// via a beta header; the static table only carries the default.
		return 1_000_000
	}
	return size
}

// CheckBeforeSend computes usagePct = totalContextTokens / effectiveLimit
// and returns warning/force flags.
func (m *Monitor) CheckBeforeSend(in BeforeSendInput) BeforeSendResult {
	limit := effectiveContextLimit(in.Model, in.Use1MContext, in.ProvidersConfig)
	thresholdPct := m.Threshold * 100
	if limit <= 0 || in.Usage == nil {
		return BeforeSendResult{ThresholdPercentage: thresholdPct}
	}
	usagePct := (float64(in.Usage.TotalContextTokens) / float64(limit)) * 100
	return BeforeSendResult{
		ShouldShowWarning:   usagePct >= thresholdPct,
		ShouldForceCompact:  m.Threshold < 1 && usagePct >= thresholdPct+m.ForceBufferPct,
		UsagePercentage:     usagePct,
		ThresholdPercentage: thresholdPct,
	}
}

// CheckMidStream returns true only on the first crossing of
// threshold*100+ForceBufferPct per stream; it latches until
// ResetForNewStream is called. Non-positive/malformed context limits return
// false rather than throwing. inputTokens is treated as the full prompt
// context — cachedInputTokens is not added on top, since provider SDKs
// already fold cache reads into inputTokens.
func (m *Monitor) CheckMidStream(in MidStreamInput) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasTriggeredForCurrentStream {
		return false
	}
	if m.Threshold >= 1 {
		return false
	}
	limit := effectiveContextLimit(in.Model, in.Use1MContext, in.ProvidersConfig)
	if limit <= 0 {
		return false
	}
	forcePct := m.Threshold*100 + m.ForceBufferPct
	usagePct := (float64(in.Usage.InputTokens) / float64(limit)) * 100
	if usagePct >= forcePct {
		m.hasTriggeredForCurrentStream = true
		return true
	}
	return false
}

// ResetForNewStream clears the per-stream trigger latch.
func (m *Monitor) ResetForNewStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasTriggeredForCurrentStream = false
}
