package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"muxcore/internal/agent"
	"muxcore/internal/chatmodel"
	"muxcore/internal/history"
	"muxcore/internal/observability"
	"muxcore/internal/partial"
	"muxcore/internal/runtime"
	"muxcore/internal/stream"
	"muxcore/internal/streamevent"
)

// MessageSender is the subset of agent.Session TaskService dispatches
// through: creating a child, draining the queue, and nudging/resuming a
// parent all reduce to a sendMessage call.
type MessageSender interface {
	SendMessage(ctx context.Context, workspaceID, text string, opts agent.SendOptions) error
}

// Config holds the limits Service enforces, sourced from config.TaskConfig.
type Config struct {
	MaxParallelAgentTasks int
	MaxTaskNestingDepth   int
	DefaultModel          string
	ReportTimeout         time.Duration
}

const (
	keepAliveInstruction = "Your sub-agents are still working. Call task_await to wait for their reports before continuing."
	reportReminder       = "Call agent_report exactly once with a title and markdown report summarizing your work, then stop."
)

// Service is TaskService.
type Service struct {
	cfg      Config
	store    RegistryStore
	rt       runtime.Runtime
	sender   MessageSender
	streamMgr *stream.Manager
	partials *partial.Store
	hist     *history.Store
	registry AgentRegistry
	cache    *ReportCache
	emit     func(workspaceID string, ev streamevent.Event)
	sessionsRoot string
	logger   zerolog.Logger
	now      func() time.Time

	patchArchiver func(ctx context.Context, workspaceID, localPath string) error

	mu                   sync.Mutex
	workspaces           map[string]*Workspace
	foregroundAwaitCount map[string]int
	waiters              map[string][]chan Report
	startGates           map[string]*startGate

	eventMu    sync.Mutex
	eventLocks map[string]*sync.Mutex
}

type startGate struct {
	ch   chan struct{}
	once sync.Once
}

func (g *startGate) close() { g.once.Do(func() { close(g.ch) }) }

// New constructs a Service, loading any persisted workspace registry from
// store.
func New(cfg Config, store RegistryStore, rt runtime.Runtime, sender MessageSender, streamMgr *stream.Manager, partials *partial.Store, hist *history.Store, registry AgentRegistry, sessionsRoot string, emit func(string, streamevent.Event)) (*Service, error) {
	if cfg.MaxParallelAgentTasks <= 0 {
		cfg.MaxParallelAgentTasks = 1
	}
	if cfg.MaxTaskNestingDepth <= 0 {
		cfg.MaxTaskNestingDepth = 8
	}
	if emit == nil {
		emit = func(string, streamevent.Event) {}
	}
	workspaces, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load task registry: %w", err)
	}
	return &Service{
		cfg:                  cfg,
		store:                store,
		rt:                   rt,
		sender:               sender,
		streamMgr:            streamMgr,
		partials:             partials,
		hist:                 hist,
		registry:             registry,
		cache:                NewReportCache(nil),
		emit:                 emit,
		sessionsRoot:         sessionsRoot,
		logger:               *observability.LoggerWithTrace(nil),
		now:                  time.Now,
		workspaces:           workspaces,
		foregroundAwaitCount: make(map[string]int),
		waiters:              make(map[string][]chan Report),
		startGates:           make(map[string]*startGate),
		eventLocks:           make(map[string]*sync.Mutex),
	}, nil
}

// SetPatchArchiver installs an optional hook that generatePatch calls after
// writing a subagent's patch artifact to disk, to mirror it into durable
// object storage. A nil archiver (the default) leaves the patch local-only.
func (s *Service) SetPatchArchiver(fn func(ctx context.Context, workspaceID, localPath string) error) {
	s.patchArchiver = fn
}

// RegisterWorkspace seeds the registry with a workspace that didn't go
// through Create (the root/top-level session cmd/muxd wires up directly).
func (s *Service) RegisterWorkspace(ws *Workspace) error {
	s.mu.Lock()
	s.workspaces[ws.ID] = ws
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return s.store.Save(snapshot)
}

func (s *Service) snapshotLocked() map[string]*Workspace {
	out := make(map[string]*Workspace, len(s.workspaces))
	for k, v := range s.workspaces {
		out[k] = v
	}
	return out
}

func (s *Service) persistLocked() error {
	return s.store.Save(s.snapshotLocked())
}

func (s *Service) eventLock(workspaceID string) *sync.Mutex {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	l, ok := s.eventLocks[workspaceID]
	if !ok {
		l = &sync.Mutex{}
		s.eventLocks[workspaceID] = l
	}
	return l
}

// BeginForegroundAwait registers workspaceID as blocked inside the task
// tool awaiting a child report.
func (s *Service) BeginForegroundAwait(workspaceID string) {
	s.mu.Lock()
	s.foregroundAwaitCount[workspaceID]++
	s.mu.Unlock()
}

// EndForegroundAwait undoes BeginForegroundAwait.
func (s *Service) EndForegroundAwait(workspaceID string) {
	s.mu.Lock()
	if n := s.foregroundAwaitCount[workspaceID]; n > 0 {
		if n == 1 {
			delete(s.foregroundAwaitCount, workspaceID)
		} else {
			s.foregroundAwaitCount[workspaceID] = n - 1
		}
	}
	s.mu.Unlock()
}

func (s *Service) isForegroundAwaitingLocked(workspaceID string) bool {
	return s.foregroundAwaitCount[workspaceID] > 0
}

// countActiveAgentTasksLocked implements countActiveAgentTasks: running
// tasks whose own workspace is foreground-awaiting a nested child don't
// count against the parallelism cap.
func (s *Service) countActiveAgentTasksLocked() int {
	n := 0
	for id, w := range s.workspaces {
		if w.TaskStatus == StatusRunning && !s.isForegroundAwaitingLocked(id) {
			n++
		}
	}
	return n
}

func (s *Service) depthLocked(workspaceID string) int {
	depth := 0
	cur := workspaceID
	for i := 0; i < maxTraversalDepth; i++ {
		w, ok := s.workspaces[cur]
		if !ok || w.ParentWorkspaceID == "" {
			return depth
		}
		depth++
		cur = w.ParentWorkspaceID
	}
	return depth
}

func (s *Service) treeSnapshot() *Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BuildTree(s.snapshotLocked())
}

// resolveModel implements the effective-model precedence chain: explicit →
// per-agent default → parent's per-agent setting → workspace setting →
// configured default.
func (s *Service) resolveModel(explicit string, def AgentDefinition, parent *Workspace, agentID string) string {
	if explicit != "" {
		return explicit
	}
	if def.DefaultModel != "" {
		return def.DefaultModel
	}
	if parent != nil {
		if m := parent.AISettingsByAgent[agentID]; m != "" {
			return m
		}
		if m := parent.AISettings["model"]; m != "" {
			return m
		}
	}
	return s.cfg.DefaultModel
}

// Create implements TaskService's create operation.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	agentID := strings.ToLower(strings.TrimSpace(req.AgentID))
	if req.Prompt == "" {
		return CreateResult{}, fmt.Errorf("task: prompt is required")
	}

	def, ok := s.registry.Lookup(agentID)
	if !ok || !def.Runnable {
		return CreateResult{}, fmt.Errorf("task: agent %q is not runnable; runnable agents: %s", agentID, strings.Join(s.registry.RunnableIDs(), ", "))
	}

	s.mu.Lock()
	parent := s.workspaces[req.ParentWorkspaceID]
	if parent == nil {
		s.mu.Unlock()
		return CreateResult{}, fmt.Errorf("task: parent workspace %q not found", req.ParentWorkspaceID)
	}
	depth := s.depthLocked(req.ParentWorkspaceID) + 1
	if depth > s.cfg.MaxTaskNestingDepth {
		s.mu.Unlock()
		return CreateResult{}, fmt.Errorf("task: nesting depth %d exceeds max %d", depth, s.cfg.MaxTaskNestingDepth)
	}
	model := s.resolveModel(req.Model, def, parent, agentID)

	taskID := uuid.NewString()
	ws := &Workspace{
		ID:                taskID,
		Name:              req.Name,
		ProjectPath:       req.ProjectPath,
		ParentWorkspaceID: req.ParentWorkspaceID,
		RuntimeConfig:     RuntimeWorktree,
		AgentID:           agentID,
		TaskPrompt:        req.Prompt,
		TaskTrunkBranch:   req.TrunkBranch,
		TaskModelString:   model,
		ParentToolCallID:  req.ParentToolCallID,
		CreatedAt:         s.now(),
	}

	if s.countActiveAgentTasksLocked() >= s.cfg.MaxParallelAgentTasks {
		ws.TaskStatus = StatusQueued
		s.workspaces[taskID] = ws
		err := s.persistLocked()
		s.mu.Unlock()
		if err != nil {
			return CreateResult{}, fmt.Errorf("persist queued task: %w", err)
		}
		return CreateResult{WorkspaceID: taskID, Status: StatusQueued}, nil
	}
	s.workspaces[taskID] = ws
	s.mu.Unlock()

	if err := s.startTask(ctx, ws, def); err != nil {
		s.rollbackCreate(ws)
		return CreateResult{}, err
	}
	return CreateResult{WorkspaceID: taskID, Status: StatusRunning}, nil
}

// startTask provisions the worktree, captures the base commit, persists the
// entry as running, and dispatches the first turn.
func (s *Service) startTask(ctx context.Context, ws *Workspace, def AgentDefinition) error {
	base, err := s.rt.Exec(ctx, runtime.ExecRequest{Command: "git", Args: []string{"-C", ws.ProjectPath, "rev-parse", "HEAD"}})
	if err != nil || !base.OK {
		return fmt.Errorf("task: resolve base commit: %w", firstErr(err, base))
	}
	ws.TaskBaseCommitSha = strings.TrimSpace(base.Stdout)

	branch := ws.TaskTrunkBranch
	if branch == "" {
		branch = "task/" + ws.ID
	}
	worktreePath := s.sessionsRoot + "/" + ws.ID + "/worktree"
	wt, err := s.rt.Exec(ctx, runtime.ExecRequest{Command: "git", Args: []string{"-C", ws.ProjectPath, "worktree", "add", "-b", branch, worktreePath, "HEAD"}})
	if err != nil || !wt.OK {
		return fmt.Errorf("task: create worktree: %w", firstErr(err, wt))
	}
	ws.WorktreePath = worktreePath

	s.mu.Lock()
	ws.TaskStatus = StatusRunning
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persist running task: %w", err)
	}
	s.resolveStartGate(ws.ID)

	if err := s.sender.SendMessage(ctx, ws.ID, ws.TaskPrompt, agent.SendOptions{Model: ws.TaskModelString}); err != nil {
		return fmt.Errorf("dispatch task prompt: %w", err)
	}
	return nil
}

func firstErr(err error, res runtime.ExecResult) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("exit %d: %s", res.ExitCode, res.Stderr)
}

// rollbackCreate removes a task that failed to start: config entry,
// worktree, and session directory.
func (s *Service) rollbackCreate(ws *Workspace) {
	s.mu.Lock()
	delete(s.workspaces, ws.ID)
	_ = s.persistLocked()
	s.mu.Unlock()

	if ws.WorktreePath != "" {
		_, _ = s.rt.Exec(context.Background(), runtime.ExecRequest{Command: "git", Args: []string{"-C", ws.ProjectPath, "worktree", "remove", "--force", ws.WorktreePath}})
	}
	_ = s.hist.ClearHistory(ws.ID)
}

// MaybeStartQueuedTasks implements the queue drain: under the service
// mutex, oldest-first, start as many queued tasks as current capacity
// allows.
func (s *Service) MaybeStartQueuedTasks(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.countActiveAgentTasksLocked() >= s.cfg.MaxParallelAgentTasks {
			s.mu.Unlock()
			return
		}
		next := s.oldestQueuedLocked()
		s.mu.Unlock()
		if next == nil {
			return
		}

		def, _ := s.registry.Lookup(next.AgentID)
		if err := s.startTask(ctx, next, def); err != nil {
			s.logger.Error().Err(err).Str("taskId", next.ID).Msg("task_queue_drain_failed")
			s.mu.Lock()
			next.TaskStatus = StatusQueued
			_ = s.persistLocked()
			s.mu.Unlock()
			return
		}
	}
}

func (s *Service) oldestQueuedLocked() *Workspace {
	var candidates []*Workspace
	for _, w := range s.workspaces {
		if w.TaskStatus == StatusQueued {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	return candidates[0]
}

func (s *Service) resolveStartGate(taskID string) {
	s.mu.Lock()
	g, ok := s.startGates[taskID]
	s.mu.Unlock()
	if ok {
		g.close()
	}
}

func (s *Service) startGateFor(taskID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.startGates[taskID]; ok {
		return g.ch
	}
	g := &startGate{ch: make(chan struct{})}
	if w, ok := s.workspaces[taskID]; !ok || w.TaskStatus != StatusQueued {
		g.close()
	}
	s.startGates[taskID] = g
	return g.ch
}

// WaitForAgentReport implements waitForAgentReport: blocks until taskID's
// report arrives, the wait is aborted, or (once the task is running)
// timeout elapses. requestingWorkspaceID is registered as
// foreground-awaiting for the wait's lifetime so countActiveAgentTasks
// doesn't
// deadlock a bounded-parallelism pool.
func (s *Service) WaitForAgentReport(ctx context.Context, taskID, requestingWorkspaceID string) (Report, error) {
	if cached, ok := s.cache.Get(taskID); ok {
		return cached, nil
	}

	s.BeginForegroundAwait(requestingWorkspaceID)
	defer s.EndForegroundAwait(requestingWorkspaceID)

	reportCh := s.registerWaiter(taskID)
	defer s.unregisterWaiter(taskID, reportCh)

	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case r := <-reportCh:
		return r, nil
	case <-s.startGateFor(taskID):
	}

	var timeoutCh <-chan time.Time
	if s.cfg.ReportTimeout > 0 {
		timer := time.NewTimer(s.cfg.ReportTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case r := <-reportCh:
		return r, nil
	case <-timeoutCh:
		return Report{}, fmt.Errorf("task: wait for %q report timed out after %s", taskID, s.cfg.ReportTimeout)
	}
}

func (s *Service) registerWaiter(taskID string) chan Report {
	ch := make(chan Report, 1)
	s.mu.Lock()
	s.waiters[taskID] = append(s.waiters[taskID], ch)
	s.mu.Unlock()
	return ch
}

func (s *Service) unregisterWaiter(taskID string, ch chan Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[taskID]
	for i, c := range list {
		if c == ch {
			s.waiters[taskID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// resolveWaiters delivers report to every in-memory waiter for taskID and
// reports whether any existed.
func (s *Service) resolveWaiters(taskID string, report Report) bool {
	s.mu.Lock()
	list := s.waiters[taskID]
	delete(s.waiters, taskID)
	s.mu.Unlock()
	for _, ch := range list {
		ch <- report
	}
	return len(list) > 0
}

// Workspace returns the registered entry for workspaceID, if any. Exposed
// read-only for callers (tool handlers, tests) that need current status.
func (s *Service) Workspace(workspaceID string) (Workspace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[workspaceID]
	if !ok {
		return Workspace{}, false
	}
	return *w, true
}

// pendingTaskCallID finds the pending task-tool call in the parent's
// partial that spawned the reporting child. When the child carries its
// originating ParentToolCallID, only that exact call matches — two sibling
// "task" calls pending in the same partial must each receive their own
// child's report, not whichever report lands first. A child with no
// recorded call id (spawned outside the task tool) falls back to the sole
// pending task call, and only when it is unambiguous.
func pendingTaskCallID(msg *chatmodel.Message, parentToolCallID string) (string, bool) {
	if msg == nil {
		return "", false
	}
	var candidates []string
	for _, p := range msg.Parts {
		if p.Type != chatmodel.PartDynamicTool || p.ToolName != "task" || p.State != chatmodel.ToolInputAvailable {
			continue
		}
		if parentToolCallID != "" {
			if p.ToolCallID == parentToolCallID {
				return p.ToolCallID, true
			}
			continue
		}
		candidates = append(candidates, p.ToolCallID)
	}
	if parentToolCallID == "" && len(candidates) == 1 {
		return candidates[0], true
	}
	return "", false
}
