// Package task implements TaskService: the sub-agent scheduler that
// creates, queues, and tracks child workspaces, delivers their reports back
// to a parent, and extracts git-patch artifacts once a child is done.
package task

import "time"

// Status is a workspace entry's taskStatus.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusAwaitingReport Status = "awaiting_report"
	StatusReported       Status = "reported"
)

// RuntimeConfig selects how a workspace's working directory is provisioned.
type RuntimeConfig string

const (
	RuntimeLocal    RuntimeConfig = "local"
	RuntimeWorktree RuntimeConfig = "worktree"
	RuntimeSSH      RuntimeConfig = "ssh"
)

// PatchStatus tracks subagent-patches/<childId>.mbox generation.
type PatchStatus string

const (
	PatchPending PatchStatus = "pending"
	PatchDone    PatchStatus = "done"
	PatchSkipped PatchStatus = "skipped"
	PatchFailed  PatchStatus = "failed"
)

// Workspace is the "Workspace entry" config-level record TaskService owns.
// It is distinct from chatmodel.Message: this is per-workspace metadata,
// not a chat turn.
type Workspace struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	ProjectPath       string            `json:"projectPath"`
	ParentWorkspaceID string            `json:"parentWorkspaceId,omitempty"`
	RuntimeConfig     RuntimeConfig     `json:"runtimeConfig"`
	AgentID           string            `json:"agentId,omitempty"`
	TaskStatus        Status            `json:"taskStatus,omitempty"`
	TaskPrompt        string            `json:"taskPrompt,omitempty"`
	TaskTrunkBranch   string            `json:"taskTrunkBranch,omitempty"`
	TaskBaseCommitSha string            `json:"taskBaseCommitSha,omitempty"`
	TaskModelString   string            `json:"taskModelString,omitempty"`
	TaskThinkingLevel string            `json:"taskThinkingLevel,omitempty"`
	TaskExperiments   []string          `json:"taskExperiments,omitempty"`
	AISettings        map[string]string `json:"aiSettings,omitempty"`
	AISettingsByAgent map[string]string `json:"aiSettingsByAgent,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	ReportedAt        *time.Time        `json:"reportedAt,omitempty"`

	// WorktreePath is the local directory the child's runtime operates in,
	// populated once Create provisions it (empty while queued).
	WorktreePath string `json:"worktreePath,omitempty"`

	// ParentToolCallID is the parent's "task" tool call this child answers,
	// persisted so report delivery can finalize the correct pending call
	// even after a restart loses the in-memory waiter.
	ParentToolCallID string `json:"parentToolCallId,omitempty"`

	// PatchStatus/PatchPath/PatchError track git-patch artifact generation.
	PatchStatus PatchStatus `json:"patchStatus,omitempty"`
	PatchPath   string      `json:"patchPath,omitempty"`
	PatchError  string      `json:"patchError,omitempty"`

	// remindedOnce is the one-shot "call agent_report" reminder flag.
	remindedOnce bool
}

// AgentDefinition describes one entry in the agent schema TaskService
// validates a task's agentId against.
type AgentDefinition struct {
	ID           string
	Runnable     bool
	DefaultModel string
	// SkipInitHook, when true, means Create must not run the init hook for
	// workspaces using this agent.
	SkipInitHook bool
}

// AgentRegistry resolves an agentId to its AgentDefinition. Supplied by
// cmd/muxd wiring, which loads the schema from config.
type AgentRegistry interface {
	Lookup(agentID string) (AgentDefinition, bool)
	RunnableIDs() []string
}

// Report is the structured result a child delivers via agent_report or the
// fallback report synthesized from its last assistant text.
type Report struct {
	TaskID         string    `json:"taskId"`
	Title          string    `json:"title"`
	ReportMarkdown string    `json:"reportMarkdown"`
	AgentType      string    `json:"agentType"`
	Fallback       bool      `json:"fallback"`
	// Terminated marks a report synthesized by TerminateDescendantAgentTask
	// rather than delivered by the agent itself: the waiter was rejected,
	// not satisfied.
	Terminated  bool      `json:"terminated,omitempty"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// CreateRequest is Create's input.
type CreateRequest struct {
	ParentWorkspaceID string
	Name              string
	ProjectPath       string
	Prompt            string
	AgentID           string
	Model             string
	TrunkBranch       string
	// ParentToolCallID is the id of the parent's "task" tool call that
	// spawned this child, when one did. Report delivery matches on it to
	// finalize the right pending call after a restart, when the in-memory
	// waiter that would otherwise correlate the two is gone.
	ParentToolCallID string
}

// CreateResult is Create's output.
type CreateResult struct {
	WorkspaceID string
	Status      Status
}
