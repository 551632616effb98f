// Package agent implements AgentSession: the thin coordinator between a
// user's turn, CompactionMonitor's pre-send/mid-stream policy, and
// StreamManager.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"muxcore/internal/chatmodel"
	"muxcore/internal/compaction"
	"muxcore/internal/config"
	"muxcore/internal/history"
	"muxcore/internal/llm"
	"muxcore/internal/partial"
	"muxcore/internal/stream"
	"muxcore/internal/streamevent"
)

// ProviderResolver maps a model string (e.g. "anthropic:claude-sonnet-4-5")
// to the concrete llm.Provider that serves it. Supplied by cmd/muxd wiring,
// which owns the actual anthropic/openai client instances.
type ProviderResolver func(model string) (llm.Provider, error)

// ToolsProvider resolves the tool schemas available to workspaceID's next
// stream (the built-in task/agent_report/ask_user_question set plus
// whatever MCPServerManager.GetToolsForWorkspace currently has namespaced
// and cached). Supplied by cmd/muxd wiring once MCPServerManager exists;
// nil means no tools are attached to the request.
type ToolsProvider func(ctx context.Context, workspaceID string) ([]llm.ToolSchema, error)

// FileResolver reads the content behind an "@file" mention token for
// snapshot materialization. Returning ok=false skips the content but the
// token is still recorded in fileAtMentionSnapshot. Left pluggable: the
// runtime layer that reads project files attaches its own implementation at
// wiring time; a nil resolver still records which files were referenced.
type FileResolver func(workspaceID, token string) (content, mimeType string, ok bool)

// compactionRequestText is the instruction carried by every synthetic
// compaction-request turn, on-send or mid-stream.
const compactionRequestText = "Summarize the conversation so far, preserving active goals, pending decisions, and any file edits still in flight. Respond with the summary text only."

// defaultFollowUpSentinel marks an automatically dispatched continuation as
// not typed by the user. Mid-stream compaction's nested dispatch never uses
// it; WrapFollowUp is the exported helper that applies it, and the
// queued-task drain and parent keep-alive in internal/task do not call it.
const defaultFollowUpSentinel = "The user wants to continue with: [CONTINUE]\n\n"

// WrapFollowUp prepends the default continuation sentinel to text unless
// hide is true. Callers that auto-resume a stream on the user's behalf use
// this; AgentSession's own mid-stream compaction dispatch does not, since
// that prompt is not a user continuation at all.
func WrapFollowUp(text string, hide bool) string {
	if hide {
		return text
	}
	return defaultFollowUpSentinel + text
}

// Session is AgentSession.
type Session struct {
	hist        *history.Store
	streamMgr   *stream.Manager
	resolve     ProviderResolver
	fileResolve FileResolver
	toolsFor    ToolsProvider

	threshold      float64
	forceBufferPct float64
	providers      llm.ProvidersConfig
	compactModel   string
	defaultModel   string

	emit func(workspaceID string, ev streamevent.Event)

	mu       sync.Mutex
	monitors map[string]*compaction.Monitor
	active   map[string]string // workspaceID -> model of the in-flight stream
	queued   map[string][]queuedSend
}

// queuedSend is a turn accepted while the workspace was mid-stream; it is
// dispatched once the interrupted stream finishes its current step.
type queuedSend struct {
	text string
	opts SendOptions
}

// NewSession constructs a Session, wiring its own event subscriber into a
// fresh StreamManager so usage-delta events can drive mid-stream compaction
// checks as they arrive. uiEmit is the UI-facing sink; every StreamManager
// event is forwarded to it unchanged.
func NewSession(cfg config.Config, tmpDir string, hist *history.Store, partialStore *partial.Store, resolve ProviderResolver, fileResolve FileResolver, uiEmit func(string, streamevent.Event)) *Session {
	if uiEmit == nil {
		uiEmit = func(string, streamevent.Event) {}
	}
	s := &Session{
		hist:           hist,
		resolve:        resolve,
		fileResolve:    fileResolve,
		threshold:      cfg.Compaction.Threshold,
		forceBufferPct: cfg.Compaction.ForceBufferPct,
		providers:      cfg.ProvidersConfig(),
		compactModel:   cfg.Compaction.ModelString,
		defaultModel:   cfg.Task.DefaultModel,
		emit:           uiEmit,
		monitors:       make(map[string]*compaction.Monitor),
		active:         make(map[string]string),
		queued:         make(map[string][]queuedSend),
	}
	s.streamMgr = stream.NewManager(tmpDir, partialStore, hist, s.subscribe)
	return s
}

// StreamManager exposes the underlying manager for callers that need
// StartStream/StopStream/ReplayStream directly (ToolHookRunner, TaskService).
func (s *Session) StreamManager() *stream.Manager { return s.streamMgr }

// SetToolsProvider wires the tool-schema source used to populate every
// subsequent stream request. Split from NewSession because cmd/muxd
// constructs MCPServerManager after Session (TaskService, which Session
// feeds, must exist first).
func (s *Session) SetToolsProvider(p ToolsProvider) { s.toolsFor = p }

// EmitCompactionAccepted re-emits a sanitized stream-end to the UI
// subscriber after CompactionHandler durably accepts a summary. It is
// separate from the stream's own stream-end, which already fired before
// acceptance runs: CompactionHandler has no subscriber of its own, so it
// comes through Session instead.
func (s *Session) EmitCompactionAccepted(workspaceID string, sanitized chatmodel.Message) {
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return
	}
	s.emit(workspaceID, streamevent.CompactionAccepted(workspaceID, raw))
}

func (s *Session) monitorFor(workspaceID string) *compaction.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[workspaceID]
	if !ok {
		m = compaction.NewMonitor(s.threshold, s.forceBufferPct)
		s.monitors[workspaceID] = m
	}
	return m
}

func (s *Session) setActive(workspaceID, model string) {
	s.mu.Lock()
	s.active[workspaceID] = model
	s.mu.Unlock()
}

func (s *Session) clearActive(workspaceID string) {
	s.mu.Lock()
	delete(s.active, workspaceID)
	s.mu.Unlock()
}

// subscribe wraps StreamManager's subscriber: every event is forwarded to
// the UI unchanged, and usage-delta events additionally drive the
// checkMidStream crossing check.
func (s *Session) subscribe(workspaceID string, ev streamevent.Event) {
	s.emit(workspaceID, ev)

	switch ev.Kind {
	case streamevent.KindStreamEnd, streamevent.KindStreamError, streamevent.KindStreamAbort:
		s.clearActive(workspaceID)
		s.drainQueued(workspaceID)
		return
	case streamevent.KindUsageDelta:
	default:
		return
	}

	s.mu.Lock()
	model := s.active[workspaceID]
	s.mu.Unlock()
	if model == "" {
		return
	}
	usage := chatmodel.Usage{InputTokens: ev.InputTokens, CachedInputTokens: ev.CachedInputTokens, OutputTokens: ev.OutputTokens}
	if s.monitorFor(workspaceID).CheckMidStream(compaction.MidStreamInput{Model: model, Usage: usage, ProvidersConfig: s.providers}) {
		go s.handleMidStreamCompaction(workspaceID, model)
	}
}

func (s *Session) handleMidStreamCompaction(workspaceID, model string) {
	s.streamMgr.StopStream(workspaceID, false)
	if err := s.startCompactionTurn(context.Background(), workspaceID, model, chatmodel.CompactionSourceMidStream, nil); err != nil {
		s.emit(workspaceID, streamevent.StreamError("compaction", err.Error(), false))
	}
}

// SendOptions customizes one SendMessage call.
type SendOptions struct {
	// Model is the provider model for this turn; empty falls back to the
	// configured default model.
	Model string
	// Attachments are additional "@file" tokens materialized alongside
	// whatever SendMessage finds as literal mentions in text.
	Attachments []string
	// Use1MContext threads a provider's extended-context beta flag into
	// the compaction limit calculation.
	Use1MContext bool
	// ToolChoice constrains the provider's tool use for this turn only
	// (TaskService's "require agent_report" nudge).
	ToolChoice *llm.ToolChoice
}

// drainQueued dispatches the oldest turn queued behind a now-finished
// stream; further queued turns wait for the next terminal event.
func (s *Session) drainQueued(workspaceID string) {
	s.mu.Lock()
	q := s.queued[workspaceID]
	if len(q) == 0 {
		s.mu.Unlock()
		return
	}
	next := q[0]
	s.queued[workspaceID] = q[1:]
	s.mu.Unlock()

	go func() {
		if err := s.SendMessage(context.Background(), workspaceID, next.text, next.opts); err != nil {
			s.emit(workspaceID, streamevent.StreamError("queued-send", err.Error(), false))
		}
	}()
}

// SendMessage is AgentSession.sendMessage. A send that arrives while the
// workspace is mid-stream is queued rather than forcing the live stream
// down: the stream is asked to stop after its current step and the turn
// dispatches on the terminal event.
func (s *Session) SendMessage(ctx context.Context, workspaceID, text string, opts SendOptions) error {
	if s.streamMgr.IsStreaming(workspaceID) {
		s.mu.Lock()
		s.queued[workspaceID] = append(s.queued[workspaceID], queuedSend{text: text, opts: opts})
		s.mu.Unlock()
		s.streamMgr.RequestStepInterrupt(workspaceID)
		return nil
	}

	model := opts.Model
	if model == "" {
		model = s.defaultModel
	}
	monitor := s.monitorFor(workspaceID)

	// Step 1: materialize @file mentions into a synthetic snapshot, held in
	// memory until we know whether this turn must defer.
	tokens := extractFileMentions(text)
	for _, a := range opts.Attachments {
		tokens = appendUnique(tokens, a)
	}
	var snapshot *chatmodel.Message
	if len(tokens) > 0 {
		snap := materializeFileSnapshot(tokens, s.fileResolve, workspaceID)
		snapshot = &snap
	}

	// Step 2: pre-send compaction check against the active epoch's usage.
	epoch, err := s.hist.GetHistoryFromLatestBoundary(workspaceID)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	result := monitor.CheckBeforeSend(compaction.BeforeSendInput{
		Model:           model,
		Usage:           latestAssistantUsage(epoch),
		Use1MContext:    opts.Use1MContext,
		ProvidersConfig: s.providers,
	})

	if result.ShouldForceCompact {
		pending := &chatmodel.PendingFollowUp{Text: text, Attachments: tokens}
		return s.startCompactionTurn(ctx, workspaceID, model, chatmodel.CompactionSourceOnSend, pending)
	}

	// Steps 3-4: persist the snapshot (if any) and the user's message,
	// optionally with a compaction preamble folded into the provider
	// payload only (never persisted).
	if snapshot != nil {
		persistedSnap, err := s.hist.Append(workspaceID, *snapshot)
		if err != nil {
			return fmt.Errorf("persist file snapshot: %w", err)
		}
		epoch = append(epoch, persistedSnap)
	}

	userMsg := chatmodel.Message{
		ID:   uuid.NewString(),
		Role: chatmodel.RoleUser,
		Parts: []chatmodel.Part{{Type: chatmodel.PartText, Text: text}},
		Metadata: chatmodel.Metadata{
			Timestamp: time.Now().UnixMilli(),
			Model:     model,
		},
	}
	persistedUser, err := s.hist.Append(workspaceID, userMsg)
	if err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	epoch = append(epoch, persistedUser)

	messages := ToLLMMessages(epoch)
	if result.ShouldShowWarning {
		messages = append([]llm.Message{{Role: "system", Content: compactionWarningPreamble(result)}}, messages...)
	}

	return s.startStream(ctx, workspaceID, model, messages, opts.ToolChoice)
}

// startCompactionTurn persists a synthetic compaction-request message and
// starts the summary stream for it.
func (s *Session) startCompactionTurn(ctx context.Context, workspaceID, fallbackModel string, source chatmodel.CompactionRequestSource, pending *chatmodel.PendingFollowUp) error {
	model := s.compactModel
	if model == "" {
		model = fallbackModel
	}

	req := chatmodel.Message{
		ID:   uuid.NewString(),
		Role: chatmodel.RoleUser,
		Parts: []chatmodel.Part{{Type: chatmodel.PartText, Text: compactionRequestText}},
		Metadata: chatmodel.Metadata{
			Timestamp: time.Now().UnixMilli(),
			Synthetic: true,
			Mux: &chatmodel.MuxMetadata{
				Type:            chatmodel.MuxTypeCompactionRequest,
				Source:          source,
				RequestedModel:  model,
				PendingFollowUp: pending,
			},
		},
	}
	if _, err := s.hist.Append(workspaceID, req); err != nil {
		return fmt.Errorf("persist compaction request: %w", err)
	}

	epoch, err := s.hist.GetHistoryFromLatestBoundary(workspaceID)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	return s.startStream(ctx, workspaceID, model, ToLLMMessages(epoch), nil)
}

// ResumeAfterCompaction re-sends a deferred turn once CompactionHandler has
// durably accepted the summary that pending was attached to — "the snapshot
// is reconsidered after the compaction turn".
func (s *Session) ResumeAfterCompaction(ctx context.Context, workspaceID string, pending chatmodel.PendingFollowUp, opts SendOptions) error {
	opts.Attachments = pending.Attachments
	return s.SendMessage(ctx, workspaceID, pending.Text, opts)
}

func (s *Session) startStream(ctx context.Context, workspaceID, model string, messages []llm.Message, toolChoice *llm.ToolChoice) error {
	provider, err := s.resolve(model)
	if err != nil {
		return fmt.Errorf("resolve provider %q: %w", model, err)
	}
	s.monitorFor(workspaceID).ResetForNewStream()
	s.setActive(workspaceID, model)

	llmReq := llm.StreamRequest{Model: model, Messages: messages}
	if s.toolsFor != nil {
		tools, err := s.toolsFor(ctx, workspaceID)
		if err != nil {
			return fmt.Errorf("resolve tools: %w", err)
		}
		llmReq.Tools = tools
	}

	req := stream.StartRequest{
		WorkspaceID: workspaceID,
		MessageID:   uuid.NewString(),
		Provider:    provider,
		Request:     llmReq,
	}
	if toolChoice != nil {
		req.ToolChoice = *toolChoice
	}
	if _, err := s.streamMgr.StartStream(ctx, req); err != nil {
		s.clearActive(workspaceID)
		return fmt.Errorf("start stream: %w", err)
	}
	return nil
}

// latestAssistantUsage returns the usage attached to the newest assistant
// message in epoch, or nil if none carries one.
func latestAssistantUsage(epoch []chatmodel.Message) *chatmodel.Usage {
	for i := len(epoch) - 1; i >= 0; i-- {
		if epoch[i].Role == chatmodel.RoleAssistant && epoch[i].Metadata.Usage != nil {
			return epoch[i].Metadata.Usage
		}
	}
	return nil
}

func compactionWarningPreamble(r compaction.BeforeSendResult) string {
	return fmt.Sprintf(
		"Context window usage is at %.0f%% (compaction threshold %.0f%%). Wrap up soon or request a summary.",
		r.UsagePercentage, r.ThresholdPercentage,
	)
}

// materializeFileSnapshot builds the synthetic snapshot message for a set
// of "@file" tokens. Its id is never surfaced until persisted by the
// caller.
func materializeFileSnapshot(tokens []string, resolve FileResolver, workspaceID string) chatmodel.Message {
	parts := make([]chatmodel.Part, 0, len(tokens))
	for _, tok := range tokens {
		part := chatmodel.Part{Type: chatmodel.PartFile, FileName: strings.TrimPrefix(tok, "@")}
		if resolve != nil {
			if content, mime, ok := resolve(workspaceID, tok); ok {
				part.MimeType = mime
				part.FileURL = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString([]byte(content))
			}
		}
		parts = append(parts, part)
	}
	return chatmodel.Message{
		ID:   "file-snapshot-" + uuid.NewString(),
		Role: chatmodel.RoleUser,
		Parts: parts,
		Metadata: chatmodel.Metadata{
			Timestamp:             time.Now().UnixMilli(),
			Synthetic:             true,
			FileAtMentionSnapshot: tokens,
		},
	}
}
