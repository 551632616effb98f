package timing

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"muxcore/internal/observability"
	"muxcore/internal/streamevent"
)

// activeStream tracks one workspace's in-flight stream timing state.
type activeStream struct {
	startMs         int64
	firstTokenMs    int64
	model           string
	outputTokens    int64
	reasoningTokens int64

	toolWallMs      int64
	toolWallStartMs int64
	pendingTools    int
	haveStart       bool
}

// Service is SessionTimingService: per-workspace active stream tracking,
// the tool-wall union algorithm, and persistence through Store's
// per-workspace write epoch. Each persist is a direct load-modify-save;
// persists are not queued.
type Service struct {
	store *Store
	now   func() int64

	mu      sync.Mutex
	active  map[string]*activeStream
	logger  zerolog.Logger
	sink    Sink
}

// Sink is an optional analytical sink Completed timing rows are published
// to. A nil Sink is a no-op.
type Sink interface {
	RecordCompleted(workspaceID string, c Completed)
}

// MultiSink fans a completed row out to every configured sink, so muxd can
// wire both the ClickHouse and Kafka sinks without Service knowing about
// more than one.
type MultiSink []Sink

func (m MultiSink) RecordCompleted(workspaceID string, c Completed) {
	for _, s := range m {
		if s != nil {
			s.RecordCompleted(workspaceID, c)
		}
	}
}

// NewService builds a Service backed by store, clocked by
// time.Now().UnixMilli; WithClock replaces the clock (tests inject a
// deterministic one).
func NewService(store *Store, sink Sink) *Service {
	return &Service{
		store:  store,
		now:    func() int64 { return time.Now().UnixMilli() },
		active: make(map[string]*activeStream),
		logger: *observability.LoggerWithTrace(nil),
		sink:   sink,
	}
}

// WithClock overrides the millisecond clock (tests only).
func (s *Service) WithClock(now func() int64) *Service {
	s.now = now
	return s
}

// HandleStreamStart begins timing a new stream for workspaceID.
func (s *Service) HandleStreamStart(workspaceID, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[workspaceID] = &activeStream{startMs: s.now(), model: model}
}

// HandleFirstToken records the time-to-first-token once, on the first
// user-visible delta of a stream.
func (s *Service) HandleFirstToken(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.active[workspaceID]
	if !ok || as.haveStart {
		return
	}
	as.firstTokenMs = s.now()
	as.haveStart = true
}

// HandleToolStart begins a tool-call interval for the tool-wall union
// algorithm: on the first concurrent tool start, toolWallStartMs is set; on
// each additional concurrent start, it is pulled back to the min of the
// existing value and now (the union's left edge only ever moves earlier
// while tools overlap).
func (s *Service) HandleToolStart(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.active[workspaceID]
	if !ok {
		return
	}
	now := s.now()
	if as.pendingTools == 0 {
		as.toolWallStartMs = now
	} else if now < as.toolWallStartMs {
		as.toolWallStartMs = now
	}
	as.pendingTools++
}

// HandleToolEnd closes a tool-call interval. On the last concurrently
// in-flight tool ending, the union segment [toolWallStartMs, now] is added
// to toolWallMs and the segment resets.
func (s *Service) HandleToolEnd(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.active[workspaceID]
	if !ok || as.pendingTools == 0 {
		return
	}
	as.pendingTools--
	if as.pendingTools == 0 {
		as.toolWallMs += s.now() - as.toolWallStartMs
		as.toolWallStartMs = 0
	}
}

// HandleUsageDelta overwrites the accumulated output-token count as usage
// updates stream in; reasoning tokens are set separately via
// HandleReasoningTokens since not every usage source carries them.
func (s *Service) HandleUsageDelta(workspaceID string, outputTokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.active[workspaceID]
	if !ok {
		return
	}
	as.outputTokens = outputTokens
}

// HandleReasoningTokens overwrites the accumulated reasoning-token count.
func (s *Service) HandleReasoningTokens(workspaceID string, reasoningTokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.active[workspaceID]
	if !ok {
		return
	}
	as.reasoningTokens = reasoningTokens
}

// HandleStreamEnd finalizes timing for a normally-completed stream, persists
// it, and returns the computed Completed row.
func (s *Service) HandleStreamEnd(workspaceID string) Completed {
	return s.finish(workspaceID)
}

// HandleStreamAbort finalizes timing for an aborted stream identically to a
// normal end; abort and end are the same event for timing
// purposes, only StreamManager's message-commit path does.
func (s *Service) HandleStreamAbort(workspaceID string) Completed {
	return s.finish(workspaceID)
}

func (s *Service) finish(workspaceID string) Completed {
	s.mu.Lock()
	as, ok := s.active[workspaceID]
	delete(s.active, workspaceID)
	s.mu.Unlock()
	if !ok {
		return Completed{}
	}

	end := s.now()
	total := end - as.startMs
	// A tool still open when the stream ends closes its segment now so the
	// union isn't short-changed by a tool that outlived stream-end bookkeeping.
	toolMs := as.toolWallMs
	if as.pendingTools > 0 {
		toolMs += end - as.toolWallStartMs
	}
	var ttft int64
	if as.haveStart {
		ttft = as.firstTokenMs - as.startMs
	}

	modelMs := total - toolMs
	if modelMs < 0 {
		modelMs = 0
	}
	streamingMs := modelMs - ttft
	if streamingMs < 0 {
		streamingMs = 0
	}

	c := Completed{
		TotalDurationMs: total,
		TTFTMs:          ttft,
		ToolExecutionMs: toolMs,
		ModelTimeMs:     modelMs,
		StreamingMs:     streamingMs,
		OutputTokens:    as.outputTokens,
		ReasoningTokens: as.reasoningTokens,
		Model:           as.model,
	}
	validate(&c)

	s.persist(workspaceID, c)
	if s.sink != nil {
		s.sink.RecordCompleted(workspaceID, c)
	}
	if c.Invalid {
		s.logger.Warn().Str("workspace", workspaceID).Strs("anomalies", c.Anomalies).
			Msg("stream_timing_invalid")
	} else {
		s.logger.Debug().Str("workspace", workspaceID).Int64("totalMs", total).
			Msg("stream_timing_computed")
	}
	return c
}

// validate checks the duration invariants and flags c.Invalid with
// the specific anomaly codes, but never drops the row — an invalid
// computation is still persisted and surfaced via telemetry.
func validate(c *Completed) {
	var anomalies []string
	if c.TotalDurationMs < 0 || c.ToolExecutionMs < 0 || c.TTFTMs < 0 || c.ModelTimeMs < 0 || c.StreamingMs < 0 {
		anomalies = append(anomalies, AnomalyNegativeDuration)
	}
	if c.ToolExecutionMs > c.TotalDurationMs {
		anomalies = append(anomalies, AnomalyToolGtTotal)
	}
	if c.TTFTMs > c.TotalDurationMs {
		anomalies = append(anomalies, AnomalyTTFTGtTotal)
	}
	if c.TotalDurationMs > 0 {
		pct := float64(c.ToolExecutionMs) / float64(c.TotalDurationMs) * 100
		if pct < 0 || pct > 100 {
			anomalies = append(anomalies, AnomalyOutOfRange)
		}
	}
	if len(anomalies) > 0 {
		c.Invalid = true
		c.Anomalies = anomalies
	}
}

func (s *Service) persist(workspaceID string, c Completed) {
	epoch := s.store.CurrentEpoch(workspaceID)
	f := s.store.Load(workspaceID)
	f.LastRequest = &c
	addCompleted(&f.Session.ModelTotals, c)
	if c.Model != "" {
		addCompleted(f.modelTotals(c.Model), c)
	}
	if err := s.store.Save(workspaceID, epoch, f); err != nil {
		s.logger.Warn().Str("workspace", workspaceID).Err(err).Msg("timing_persist_failed")
	}
}

// RollUpIntoParent adds childWorkspaceID's session totals into
// parentWorkspaceID's, idempotently: a second call for the same child is a
// no-op, guarded by the on-disk rolledUpFrom ledger. It does not touch the
// parent's lastRequest.
func (s *Service) RollUpIntoParent(parentWorkspaceID, childWorkspaceID string) error {
	parentEpoch := s.store.CurrentEpoch(parentWorkspaceID)
	parent := s.store.Load(parentWorkspaceID)
	if parent.RolledUpFrom == nil {
		parent.RolledUpFrom = make(map[string]bool)
	}
	if parent.RolledUpFrom[childWorkspaceID] {
		return nil
	}

	child := s.store.Load(childWorkspaceID)
	parent.Session.StreamCount += child.Session.StreamCount
	parent.Session.TotalDurationMs += child.Session.TotalDurationMs
	parent.Session.ToolExecutionMs += child.Session.ToolExecutionMs
	parent.Session.ModelTimeMs += child.Session.ModelTimeMs
	parent.Session.StreamingMs += child.Session.StreamingMs
	parent.Session.OutputTokens += child.Session.OutputTokens
	parent.Session.ReasoningTokens += child.Session.ReasoningTokens
	for model, mt := range child.Session.ByModel {
		pmt := parent.modelTotals(model)
		pmt.StreamCount += mt.StreamCount
		pmt.TotalDurationMs += mt.TotalDurationMs
		pmt.ToolExecutionMs += mt.ToolExecutionMs
		pmt.ModelTimeMs += mt.ModelTimeMs
		pmt.StreamingMs += mt.StreamingMs
		pmt.OutputTokens += mt.OutputTokens
		pmt.ReasoningTokens += mt.ReasoningTokens
	}
	parent.RolledUpFrom[childWorkspaceID] = true

	return s.store.Save(parentWorkspaceID, parentEpoch, parent)
}

// OnStreamEvent adapts the generic streamevent.Event union into the
// start/tool/usage/end calls above, so a caller only needs to forward
// StreamManager's event stream once rather than hand-translate each kind.
func (s *Service) OnStreamEvent(workspaceID, model string, ev streamevent.Event) {
	switch ev.Kind {
	case streamevent.KindStreamStart:
		s.HandleStreamStart(workspaceID, model)
	case streamevent.KindTextDelta, streamevent.KindReasoningDelta:
		s.HandleFirstToken(workspaceID)
	case streamevent.KindToolCall:
		s.HandleToolStart(workspaceID)
	case streamevent.KindToolCallEnd:
		s.HandleToolEnd(workspaceID)
	case streamevent.KindUsageDelta:
		s.HandleUsageDelta(workspaceID, ev.OutputTokens)
	case streamevent.KindStreamAbort:
		s.HandleStreamAbort(workspaceID)
	case streamevent.KindStreamEnd:
		s.HandleStreamEnd(workspaceID)
	}
}
