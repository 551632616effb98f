// Package stream implements StreamManager: one live LLM stream per
// workspace, serialized starts, persisted/replayable parts, error
// categorization, and previous-response-id recovery.
package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"muxcore/internal/chatmodel"
	"muxcore/internal/history"
	"muxcore/internal/llm"
	"muxcore/internal/partial"
	"muxcore/internal/streamevent"
)

// State is a workspace stream's lifecycle stage.
type State string

const (
	StateAbsent    State = "absent"
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateEnded     State = "ended"
	StateAborted   State = "aborted"
	StateErrored   State = "errored"
)

// maxAutonomousSteps caps an autonomous stream's provider calls.
const maxAutonomousSteps = 100_000

// ErrorKind is the categorizeError taxonomy.
type ErrorKind string

const (
	ErrModelNotFound            ErrorKind = "model_not_found"
	ErrPreviousResponseNotFound ErrorKind = "previous_response_not_found"
	ErrQuota                    ErrorKind = "quota"
	ErrRateLimit                ErrorKind = "rate_limit"
	ErrContextExceeded          ErrorKind = "context_exceeded"
	ErrAuth                     ErrorKind = "auth"
	ErrNetwork                  ErrorKind = "network"
	ErrUnknown                  ErrorKind = "unknown"
)

// CategorizeError implements the categorizeError taxonomy: unwrap a wrapped
// "last error", then match in order.
func CategorizeError(err error) ErrorKind {
	if err == nil {
		return ErrUnknown
	}
	var re *RetryError
	if errors.As(err, &re) && re.LastError != nil {
		err = re.LastError
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "model_not_found") || strings.Contains(msg, "model not found"):
		return ErrModelNotFound
	case strings.Contains(msg, "previous_response_not_found") || strings.Contains(msg, "resp_") && strings.Contains(msg, "not found"):
		return ErrPreviousResponseNotFound
	case strings.Contains(msg, "insufficient_quota") || (strings.Contains(msg, "402") && strings.Contains(msg, "quota")):
		return ErrQuota
	case strings.Contains(msg, "429"):
		return ErrRateLimit
	case strings.Contains(msg, "context_exceeded") || strings.Contains(msg, "context length") || strings.Contains(msg, "context_length_exceeded"):
		return ErrContextExceeded
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid_api_key"):
		return ErrAuth
	case strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "dial") || strings.Contains(msg, "eof"):
		return ErrNetwork
	default:
		return ErrUnknown
	}
}

// RetryError wraps a final error after exhausting provider-level retries;
// categorizeError unwraps it to inspect LastError.
type RetryError struct {
	LastError error
}

func (e *RetryError) Error() string { return e.LastError.Error() }
func (e *RetryError) Unwrap() error { return e.LastError }

// StartRequest bundles startStream's parameters.
type StartRequest struct {
	WorkspaceID string
	MessageID   string
	Provider    llm.Provider
	Request     llm.StreamRequest
	ToolChoice  llm.ToolChoice
	// AbandonOnAbort, when the caller aborts before processing, discards the
	// partial rather than committing it.
	AbandonOnAbort bool
}

type stepTracker struct {
	startIndex      int
	latestMessages  []llm.Message
	cumulativeUsage llm.Usage
}

// WorkspaceStreamInfo is the live state installed by createStreamAtomically.
type WorkspaceStreamInfo struct {
	Token        string
	State        State
	MessageID    string
	Parts        []chatmodel.Part
	StartedAt    time.Time
	FirstTokenAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	toolCompletionTimestamps map[string]int64
	toolErrors               map[string]bool
	toolDone                 chan struct{}
	lastStepUsage            llm.Usage
	cumulativeUsage          llm.Usage

	abandonOnStop bool
	interrupted   bool

	didRetryPreviousResponseIdAtStep bool
	lostPreviousResponseIDs          map[string]bool
}

// Manager is StreamManager.
type Manager struct {
	tmpDir  string
	partial *partial.Store
	hist    *history.Store
	subs    func(workspaceID string, ev streamevent.Event)

	// proposePlanStop, when set and returning true, adds a successful
	// propose_plan output to the autonomous stop conditions.
	proposePlanStop func() bool

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	workspace map[string]*WorkspaceStreamInfo
	steps     map[string]*stepTracker
}

// NewManager constructs a Manager. tmpDir is the root for per-stream temp
// directories. hist supplies the placeholder partial's historySequence
// before any content streams. subscriber receives every emitted event; it
// may be nil in tests that only assert persisted state.
func NewManager(tmpDir string, partialStore *partial.Store, hist *history.Store, subscriber func(string, streamevent.Event)) *Manager {
	if subscriber == nil {
		subscriber = func(string, streamevent.Event) {}
	}
	return &Manager{
		tmpDir:    tmpDir,
		partial:   partialStore,
		hist:      hist,
		subs:      subscriber,
		locks:     make(map[string]*sync.Mutex),
		workspace: make(map[string]*WorkspaceStreamInfo),
		steps:     make(map[string]*stepTracker),
	}
}

// SetProposePlanStop installs the feature-flag probe that decides whether a
// successful propose_plan output ends an autonomous stream.
func (m *Manager) SetProposePlanStop(probe func() bool) { m.proposePlanStop = probe }

func (m *Manager) lock(workspaceID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[workspaceID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[workspaceID] = l
	}
	return l
}

func (m *Manager) emit(workspaceID string, ev streamevent.Event) { m.subs(workspaceID, ev) }

// StartStream serializes starts per workspace: stop any existing stream and
// commit its partial, generate a fresh stream token, create its temp
// directory, then process the new stream in the background. If ctx is
// cancelled before the atomic install completes, the temp dir is torn down
// and StartStream returns (nil, nil) — success-with-no-op, no stream-start
// emitted.
func (m *Manager) StartStream(ctx context.Context, req StartRequest) (*WorkspaceStreamInfo, error) {
	lock := m.lock(req.WorkspaceID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.ensureStreamSafety(req.WorkspaceID); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	dir := filepath.Join(m.tmpDir, token)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create stream temp dir: %w", err)
	}

	select {
	case <-ctx.Done():
		_ = os.RemoveAll(dir)
		return nil, nil
	default:
	}

	streamCtx, cancel := context.WithCancel(ctx)
	info := &WorkspaceStreamInfo{
		Token:                    token,
		State:                    StateStarting,
		MessageID:                req.MessageID,
		StartedAt:                time.Now(),
		cancel:                   cancel,
		done:                     make(chan struct{}),
		toolCompletionTimestamps: make(map[string]int64),
		toolErrors:               make(map[string]bool),
		toolDone:                 make(chan struct{}, 1),
		lostPreviousResponseIDs:  make(map[string]bool),
	}
	m.createStreamAtomically(req.WorkspaceID, info)

	m.emit(req.WorkspaceID, streamevent.StreamStart(req.WorkspaceID, req.MessageID))
	if m.partial != nil {
		var seq int64
		if m.hist != nil {
			seq, _ = m.hist.NextSequence(req.WorkspaceID)
		}
		_ = m.partial.WritePartial(req.WorkspaceID, chatmodel.Message{
			ID:   req.MessageID,
			Role: chatmodel.RoleAssistant,
			Metadata: chatmodel.Metadata{
				Timestamp:       time.Now().UnixMilli(),
				HistorySequence: seq,
			},
		})
	}

	go m.processStreamWithCleanup(streamCtx, req, info)
	return info, nil
}

// ensureStreamSafety stops any existing stream for workspaceID and commits
// its partial before a new one starts.
func (m *Manager) ensureStreamSafety(workspaceID string) error {
	m.mu.Lock()
	existing := m.workspace[workspaceID]
	m.mu.Unlock()
	if existing == nil {
		return nil
	}
	m.cancelStream(existing, false)
	<-existing.done
	if m.partial != nil {
		return m.partial.CommitToHistory(workspaceID)
	}
	return nil
}

func (m *Manager) createStreamAtomically(workspaceID string, info *WorkspaceStreamInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspace[workspaceID] = info
	info.State = StateStreaming
}

// processStreamWithCleanup drives the stream's step loop and always tears
// down the workspace slot when done, regardless of outcome. A
// previous-response-id recovery retries the underlying run loop in place
// (runOnce), never this wrapper, so cleanup only ever fires once.
func (m *Manager) processStreamWithCleanup(ctx context.Context, req StartRequest, info *WorkspaceStreamInfo) {
	defer close(info.done)
	defer m.teardown(req.WorkspaceID, info)
	defer os.RemoveAll(filepath.Join(m.tmpDir, info.Token))

	tracker := &stepTracker{latestMessages: req.Request.Messages}
	m.mu.Lock()
	m.steps[req.WorkspaceID] = tracker
	m.mu.Unlock()

	// The stopWhen loop: each iteration is one provider call. A required tool
	// (ToolChoice "tool") is single-step; otherwise the loop continues feeding
	// tool results back until a stop condition fires.
	for step := 0; ; step++ {
		m.mu.Lock()
		stepStart := len(info.Parts)
		m.mu.Unlock()

		term, ok := m.runOnce(ctx, &req, info, tracker)
		if !ok {
			return
		}

		calls := m.stepToolCallIDs(info, stepStart)
		if len(calls) > 0 && !m.waitForToolOutputs(ctx, info, calls) {
			m.finishAborted(req.WorkspaceID, info, req.AbandonOnAbort)
			return
		}

		if m.shouldStop(&req, info, stepStart, step) {
			m.finishEnded(req.WorkspaceID, info, term)
			return
		}
		m.advanceStep(&req, info, tracker, term, stepStart)
	}
}

// runOnce drives a single StreamSession to completion, retrying itself in
// place on a previous-response-id recovery. It returns the session's
// terminal info and true on a clean end; on error or abort it has already
// emitted the terminal event and returns false.
func (m *Manager) runOnce(ctx context.Context, req *StartRequest, info *WorkspaceStreamInfo, tracker *stepTracker) (llm.TerminalInfo, bool) {
	sess, err := req.Provider.Stream(ctx, req.Request)
	if err != nil {
		m.finishErrored(req.WorkspaceID, info, err)
		return llm.TerminalInfo{}, false
	}
	defer sess.Close()

	for {
		ev, done, err := sess.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.finishAborted(req.WorkspaceID, info, req.AbandonOnAbort)
				return llm.TerminalInfo{}, false
			}
			if m.prepareRetry(req, info, tracker, err) {
				return m.runOnce(ctx, req, info, tracker)
			}
			m.finishErrored(req.WorkspaceID, info, err)
			return llm.TerminalInfo{}, false
		}

		switch ev.Kind {
		case llm.EventTextDelta:
			m.mu.Lock()
			if info.FirstTokenAt.IsZero() {
				info.FirstTokenAt = time.Now()
			}
			info.Parts = append(info.Parts, chatmodel.Part{Type: chatmodel.PartText, Text: ev.Delta})
			m.mu.Unlock()
			m.emit(req.WorkspaceID, streamevent.TextDelta(ev.Delta))
			m.scheduleFlush(req.WorkspaceID, info)
		case llm.EventReasoningDelta:
			m.mu.Lock()
			info.Parts = append(info.Parts, chatmodel.Part{Type: chatmodel.PartReasoning, Text: ev.Delta})
			m.mu.Unlock()
			m.emit(req.WorkspaceID, streamevent.ReasoningDelta(ev.Delta))
			m.scheduleFlush(req.WorkspaceID, info)
		case llm.EventToolCall:
			m.mu.Lock()
			info.Parts = append(info.Parts, chatmodel.Part{
				Type:       chatmodel.PartDynamicTool,
				ToolCallID: ev.Tool.ID,
				ToolName:   ev.Tool.Name,
				State:      chatmodel.ToolInputAvailable,
				Input:      ev.Tool.Args,
			})
			m.mu.Unlock()
			m.emit(req.WorkspaceID, streamevent.ToolCall(ev.Tool.ID, ev.Tool.Name, ev.Tool.Args))
			if ev.Tool.Name == "ask_user_question" {
				m.flushNow(req.WorkspaceID, info)
			} else {
				m.scheduleFlush(req.WorkspaceID, info)
			}
		case llm.EventUsageDelta:
			m.mu.Lock()
			info.lastStepUsage = ev.Usage
			info.cumulativeUsage.InputTokens += ev.Usage.InputTokens
			info.cumulativeUsage.OutputTokens += ev.Usage.OutputTokens
			m.mu.Unlock()
			m.emit(req.WorkspaceID, streamevent.UsageDelta(ev.Usage.InputTokens, ev.Usage.CachedInputTokens, ev.Usage.OutputTokens))
		}

		if done {
			break
		}
	}

	return sess.Terminal(), true
}

// CompleteToolCall marks a tool call's output-available state, closing its
// tracker entry and waking the step loop if it is waiting on this step's
// results.
func (m *Manager) CompleteToolCall(workspaceID, toolCallID string, output []byte, isError bool) {
	m.mu.Lock()
	info := m.workspace[workspaceID]
	if info == nil {
		m.mu.Unlock()
		return
	}
	info.toolCompletionTimestamps[toolCallID] = time.Now().UnixMilli()
	info.toolErrors[toolCallID] = isError
	for i := range info.Parts {
		if info.Parts[i].Type == chatmodel.PartDynamicTool && info.Parts[i].ToolCallID == toolCallID {
			info.Parts[i].State = chatmodel.ToolOutputAvailable
			info.Parts[i].Output = llm.StripEncryptedContent(output)
			break
		}
	}
	m.mu.Unlock()

	select {
	case info.toolDone <- struct{}{}:
	default:
	}
	m.emit(workspaceID, streamevent.ToolCallEnd(toolCallID, output, isError))
}

// stepToolCallIDs returns the ids of tool calls appended at or after
// stepStart.
func (m *Manager) stepToolCallIDs(info *WorkspaceStreamInfo, stepStart int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, p := range info.Parts[stepStart:] {
		if p.Type == chatmodel.PartDynamicTool {
			ids = append(ids, p.ToolCallID)
		}
	}
	return ids
}

// waitForToolOutputs blocks until every id has an output-available part or
// ctx is cancelled. Tool execution runs out-of-band (the dispatch layer
// calls CompleteToolCall), so this is the point where the stream's step
// boundary synchronizes with tool completion.
func (m *Manager) waitForToolOutputs(ctx context.Context, info *WorkspaceStreamInfo, ids []string) bool {
	for {
		if m.toolOutputsReady(info, ids) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-info.toolDone:
		}
	}
}

func (m *Manager) toolOutputsReady(info *WorkspaceStreamInfo, ids []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ready := make(map[string]bool, len(ids))
	for _, p := range info.Parts {
		if p.Type == chatmodel.PartDynamicTool && p.State == chatmodel.ToolOutputAvailable {
			ready[p.ToolCallID] = true
		}
	}
	for _, id := range ids {
		if !ready[id] {
			return false
		}
	}
	return true
}

// shouldStop evaluates the stopWhen conditions after a completed step:
// single-step when a tool is required; otherwise stop on no tool calls, the
// step cap, a requested interrupt, or a successful agent_report /
// switch_agent / (flag-gated) propose_plan output.
func (m *Manager) shouldStop(req *StartRequest, info *WorkspaceStreamInfo, stepStart, step int) bool {
	if req.ToolChoice.Type == "tool" {
		return true
	}
	if step+1 >= maxAutonomousSteps {
		return true
	}

	m.mu.Lock()
	stepParts := append([]chatmodel.Part(nil), info.Parts[stepStart:]...)
	interrupted := info.interrupted
	toolErrors := info.toolErrors
	m.mu.Unlock()

	var sawToolCall bool
	for _, p := range stepParts {
		if p.Type != chatmodel.PartDynamicTool {
			continue
		}
		sawToolCall = true
		if toolErrors[p.ToolCallID] {
			continue
		}
		switch p.ToolName {
		case "agent_report", "switch_agent":
			return true
		case "propose_plan":
			if m.proposePlanStop != nil && m.proposePlanStop() {
				return true
			}
		}
	}
	if !sawToolCall {
		return true
	}
	return interrupted
}

// RequestStepInterrupt asks workspaceID's autonomous stream to stop after
// its current step completes (the queued-message interrupt among the
// autonomous stop conditions). No-op when no stream is live.
func (m *Manager) RequestStepInterrupt(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info := m.workspace[workspaceID]; info != nil {
		info.interrupted = true
	}
}

// advanceStep rebuilds the request for the next provider call: the step's
// assistant output plus its tool results are appended to the tracker's
// latest messages (the same shapes ToLLMMessages produces from committed
// history), and the terminal response id threads through for the Responses
// API continuation.
func (m *Manager) advanceStep(req *StartRequest, info *WorkspaceStreamInfo, tracker *stepTracker, term llm.TerminalInfo, stepStart int) {
	m.mu.Lock()
	stepParts := append([]chatmodel.Part(nil), info.Parts[stepStart:]...)
	m.mu.Unlock()

	var content strings.Builder
	var calls []llm.ToolCall
	var results []llm.ToolResult
	for _, p := range stepParts {
		switch p.Type {
		case chatmodel.PartText, chatmodel.PartReasoning:
			if p.Text == "" {
				continue
			}
			content.WriteString(p.Text)
		case chatmodel.PartDynamicTool:
			if p.State != chatmodel.ToolOutputAvailable {
				continue
			}
			calls = append(calls, llm.ToolCall{ID: p.ToolCallID, Name: p.ToolName, Args: p.Input})
			results = append(results, llm.ToolResult{ToolCallID: p.ToolCallID, Output: p.Output, IsError: info.toolErrors[p.ToolCallID]})
		}
	}

	msgs := append(tracker.latestMessages, llm.Message{Role: "assistant", Content: content.String(), ToolCalls: calls})
	if len(results) > 0 {
		var resultText strings.Builder
		for i, r := range results {
			if i > 0 {
				resultText.WriteByte('\n')
			}
			resultText.Write(r.Output)
		}
		msgs = append(msgs, llm.Message{Role: "tool", Content: resultText.String(), ToolResults: results})
	}

	tracker.latestMessages = msgs
	tracker.startIndex = len(msgs)
	req.Request.Messages = msgs
	req.Request.PreviousResponseID = term.ResponseID
}

// prepareRetry implements previous-response-id recovery: on
// previous_response_not_found, if a step boundary was reached and no retry
// has happened yet, it records the lost id, strips it, and rebuilds the
// request in place from the step tracker's latest messages — preserving
// already streamed parts across the retry.
func (m *Manager) prepareRetry(req *StartRequest, info *WorkspaceStreamInfo, tracker *stepTracker, err error) bool {
	kind := CategorizeError(err)
	if kind != ErrPreviousResponseNotFound || req.Request.PreviousResponseID == "" {
		return false
	}
	info.lostPreviousResponseIDs[req.Request.PreviousResponseID] = true
	req.Request.PreviousResponseID = ""
	if tracker.startIndex == 0 || info.didRetryPreviousResponseIdAtStep {
		return false
	}
	info.didRetryPreviousResponseIdAtStep = true
	req.Request.Messages = tracker.latestMessages
	return true
}

func (m *Manager) finishErrored(workspaceID string, info *WorkspaceStreamInfo, err error) {
	info.State = StateErrored
	kind := CategorizeError(err)
	retryable := kind == ErrRateLimit || kind == ErrNetwork
	if m.partial != nil {
		_ = m.partial.CommitToHistory(workspaceID)
	}
	// Teardown precedes the terminal emit so a subscriber reacting to it can
	// start a fresh stream without waiting on this goroutine's drain.
	m.teardown(workspaceID, info)
	m.emit(workspaceID, streamevent.StreamError(string(kind), err.Error(), retryable))
}

func (m *Manager) finishAborted(workspaceID string, info *WorkspaceStreamInfo, abandon bool) {
	m.mu.Lock()
	abandon = abandon || info.abandonOnStop
	m.mu.Unlock()

	info.State = StateAborted
	if abandon {
		if m.partial != nil {
			_ = m.partial.DeletePartial(workspaceID)
		}
	} else if m.partial != nil {
		_ = m.partial.CommitToHistory(workspaceID)
	}
	m.teardown(workspaceID, info)
	m.emit(workspaceID, streamevent.StreamAbort(info.MessageID, "aborted"))
}

func (m *Manager) finishEnded(workspaceID string, info *WorkspaceStreamInfo, term llm.TerminalInfo) {
	info.State = StateEnded
	dur := time.Since(info.StartedAt).Milliseconds()
	sawFirstToken := !info.FirstTokenAt.IsZero()
	var ttft int64
	if sawFirstToken {
		ttft = info.FirstTokenAt.Sub(info.StartedAt).Milliseconds()
	}

	usage := term.TotalUsage
	if info.didRetryPreviousResponseIdAtStep {
		// After a previous-response-id retry, the SDK's terminal usage only
		// covers the retry slice; prefer the cumulative tracker instead.
		usage = info.cumulativeUsage
	}

	if m.partial != nil {
		msg, _ := m.partial.ReadPartial(workspaceID)
		if msg != nil {
			m.mu.Lock()
			msg.Parts = append([]chatmodel.Part(nil), info.Parts...)
			m.mu.Unlock()
			msg.Metadata.DurationMs = dur
			if sawFirstToken {
				msg.Metadata.TTFTMs = ttft
			}
			msg.Metadata.Usage = &chatmodel.Usage{
				InputTokens:       usage.InputTokens,
				CachedInputTokens: usage.CachedInputTokens,
				OutputTokens:      usage.OutputTokens,
				ReasoningTokens:   usage.ReasoningTokens,
			}
			_ = m.partial.WritePartial(workspaceID, *msg)
		}
		_ = m.partial.CommitToHistory(workspaceID)
	}

	m.teardown(workspaceID, info)
	m.emit(workspaceID, streamevent.StreamEnd(dur, ttft))
}

func (m *Manager) teardown(workspaceID string, info *WorkspaceStreamInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workspace[workspaceID] == info {
		delete(m.workspace, workspaceID)
	}
	delete(m.steps, workspaceID)
}

// scheduleFlush is a placeholder hook for a debounced partial flush;
// callers that need crash-safety before a natural stream-end boundary call
// flushNow directly.
func (m *Manager) scheduleFlush(workspaceID string, info *WorkspaceStreamInfo) {
	// Debouncing is left to the caller's event loop cadence; every delta here
	// already mutates info.Parts in memory, so a crash only loses the
	// in-flight step, not committed history.
}

func (m *Manager) flushNow(workspaceID string, info *WorkspaceStreamInfo) {
	if m.partial == nil {
		return
	}
	msg, _ := m.partial.ReadPartial(workspaceID)
	if msg == nil {
		msg = &chatmodel.Message{ID: info.MessageID, Role: chatmodel.RoleAssistant}
	}
	m.mu.Lock()
	msg.Parts = append([]chatmodel.Part(nil), info.Parts...)
	m.mu.Unlock()
	_ = m.partial.WritePartial(workspaceID, *msg)
}

// IsStreaming reports whether workspaceID has a live, non-terminal stream.
// TaskService's report-delivery and parent-keep-alive paths use this to
// decide whether to auto-resume a parent directly or wait for its current
// stream to end.
func (m *Manager) IsStreaming(workspaceID string) bool {
	m.mu.Lock()
	info := m.workspace[workspaceID]
	m.mu.Unlock()
	if info == nil {
		return false
	}
	switch info.State {
	case StateStarting, StateStreaming:
		return true
	default:
		return false
	}
}

// StopStream aborts a workspace's live stream and awaits processing drain.
// If no stream exists, a synthetic stream-abort with an empty messageId is
// emitted so subscribers unblock.
func (m *Manager) StopStream(workspaceID string, abandonPartial bool) {
	m.mu.Lock()
	info := m.workspace[workspaceID]
	m.mu.Unlock()
	if info == nil {
		m.emit(workspaceID, streamevent.StreamAbort("", "no-active-stream"))
		return
	}
	m.cancelStream(info, abandonPartial)
	<-info.done
}

// AbortStream cancels a workspace's live stream without waiting for its
// processing to drain. Callers that run inside the stream's own emit chain
// (TaskService's report delivery fires from a tool-call-end emission) use
// this instead of StopStream, whose drain-wait would deadlock there.
func (m *Manager) AbortStream(workspaceID string, abandonPartial bool) {
	m.mu.Lock()
	info := m.workspace[workspaceID]
	m.mu.Unlock()
	if info == nil {
		return
	}
	m.cancelStream(info, abandonPartial)
}

func (m *Manager) cancelStream(info *WorkspaceStreamInfo, abandonPartial bool) {
	m.mu.Lock()
	if abandonPartial {
		info.abandonOnStop = true
	}
	m.mu.Unlock()
	if info.cancel != nil {
		info.cancel()
	}
}

// ReplayOptions filters ReplayStream's output to avoid replaying history
// already seen by a reconnecting subscriber.
type ReplayOptions struct {
	AfterTimestamp int64
}

// ReplayStream snapshots parts before iterating — never the live slice —
// and emits synthetic deltas/tool-start/tool-end events reconstructing the
// stream's progress so far.
func (m *Manager) ReplayStream(workspaceID string, opts ReplayOptions) {
	m.mu.Lock()
	info := m.workspace[workspaceID]
	if info == nil {
		m.mu.Unlock()
		return
	}
	snapshot := append([]chatmodel.Part(nil), info.Parts...)
	completions := make(map[string]int64, len(info.toolCompletionTimestamps))
	for id, ts := range info.toolCompletionTimestamps {
		completions[id] = ts
	}
	messageID := info.MessageID
	lastStepUsage := info.lastStepUsage
	m.mu.Unlock()

	m.emit(workspaceID, streamevent.Event{Kind: streamevent.KindStreamStart, WorkspaceID: workspaceID, MessageID: messageID})
	for _, p := range snapshot {
		switch p.Type {
		case chatmodel.PartText:
			m.emit(workspaceID, streamevent.TextDelta(p.Text))
		case chatmodel.PartReasoning:
			m.emit(workspaceID, streamevent.ReasoningDelta(p.Text))
		case chatmodel.PartDynamicTool:
			m.emit(workspaceID, streamevent.ToolCall(p.ToolCallID, p.ToolName, p.Input))
			if p.State == chatmodel.ToolOutputAvailable {
				if ts, ok := completions[p.ToolCallID]; ok {
					if opts.AfterTimestamp == 0 || ts > opts.AfterTimestamp {
						m.emit(workspaceID, streamevent.ToolCallEnd(p.ToolCallID, p.Output, false))
					}
				}
			}
		}
	}

	if opts.AfterTimestamp == 0 {
		m.emit(workspaceID, streamevent.UsageDelta(lastStepUsage.InputTokens, lastStepUsage.CachedInputTokens, lastStepUsage.OutputTokens))
	}
}
