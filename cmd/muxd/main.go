// Command muxd is the agent workstation backend: a long-lived process
// exposing an HTTP control surface over AgentSession, TaskService,
// MCPServerManager, and the supporting session services.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"muxcore/internal/agent"
	"muxcore/internal/chatmodel"
	"muxcore/internal/compaction"
	"muxcore/internal/config"
	"muxcore/internal/delegate"
	"muxcore/internal/featureflag"
	"muxcore/internal/history"
	"muxcore/internal/llm"
	"muxcore/internal/llm/anthropic"
	"muxcore/internal/llm/openai"
	"muxcore/internal/mcp"
	"muxcore/internal/objectstore"
	"muxcore/internal/observability"
	"muxcore/internal/partial"
	"muxcore/internal/runtime"
	"muxcore/internal/sshprompt"
	"muxcore/internal/stream"
	"muxcore/internal/streamevent"
	"muxcore/internal/task"
	"muxcore/internal/timing"
	"muxcore/internal/toolhook"
)

func main() {
	// Load environment from .env (or fallback to example.env) so local
	// development can run without exporting variables manually. Do this
	// before initializing the logger so LOG_PATH/LOG_LEVEL are respected.
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg, err := config.Load(os.Getenv("MUXCORE_CONFIG"))
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		log.Fatal().Err(err).Msg("failed to load config")
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	shutdown, err := observability.InitOTel(context.Background(), cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdown = nil
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create data path")
	}
	sessionsRoot := filepath.Join(cfg.DataPath, "sessions")
	tmpDir := filepath.Join(cfg.DataPath, "tmp")
	timingRoot := filepath.Join(cfg.DataPath, "timing")
	hooksRoot := filepath.Join(cfg.DataPath, "compaction")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create tmp dir")
	}

	httpClient := observability.NewHTTPClient(nil)

	hist := history.New(sessionsRoot)
	partialStore := partial.New(sessionsRoot, hist)

	// Patch archive: S3 when configured, in-memory otherwise. Patches are
	// archived under subagent-patches/<workspaceID>.mbox once taskSvc exists
	// below.
	var archive objectstore.Archive
	if cfg.S3.Enabled {
		s3Archive, err := objectstore.NewS3Archive(context.Background(), cfg.S3, objectstore.WithHTTPClient(httpClient))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init s3 patch archive")
		}
		archive = s3Archive
	} else {
		archive = objectstore.NewMemoryArchive()
	}

	// Provider resolver: "anthropic:<model>" / "openai:<model>" (or a bare
	// model string, defaulting to anthropic) map to the concrete llm.Provider
	// instance.
	anthropicClient := anthropic.New(anthropic.Config{APIKey: cfg.AnthropicKey}, httpClient)
	openaiClient := openai.New(openai.Config{APIKey: cfg.OpenAIAPIKey}, httpClient)
	resolve := func(model string) (llm.Provider, error) {
		vendor, _ := splitModel(model)
		switch vendor {
		case "openai":
			return openaiClient, nil
		case "anthropic", "":
			return anthropicClient, nil
		default:
			return nil, fmt.Errorf("muxd: no provider for model %q", model)
		}
	}

	fileResolve := func(workspaceID, token string) (content, mimeType string, ok bool) {
		return "", "", false
	}

	compactHandler := compaction.NewHandler(hooksRoot, hist, partialStore.DeletePartial, cfg.Compaction.MaxEditedFiles, cfg.Compaction.MaxFileContentSize)

	timingStore := timing.NewStore(timingRoot)
	var sinks timing.MultiSink
	if cfg.Telemetry.ClickHouseDSN != "" {
		chSink, err := timing.NewClickHouseSink(context.Background(), cfg.Telemetry.ClickHouseDSN, "stream_timing")
		if err != nil {
			log.Warn().Err(err).Msg("clickhouse timing sink init failed, continuing without it")
		} else if chSink != nil {
			sinks = append(sinks, chSink)
			defer chSink.Close()
		}
	}
	if kafkaSink := timing.NewKafkaSink(cfg.Telemetry.KafkaBrokers, cfg.Telemetry.KafkaTopic); kafkaSink != nil {
		sinks = append(sinks, kafkaSink)
		defer kafkaSink.Close()
	}
	timingSvc := timing.NewService(timingStore, sinks)

	sshPromptSvc := sshprompt.New(time.Duration(cfg.SSHPrompt.TimeoutSeconds)*time.Second, nil)
	delegateRegistry := delegate.New()

	hookRunner := toolhook.New(toolhook.Config{
		PreHookTimeout:  time.Duration(cfg.Hooks.PreTimeoutSeconds) * time.Second,
		PostHookTimeout: time.Duration(cfg.Hooks.PostTimeoutSeconds) * time.Second,
		TempDir:         tmpDir,
	})
	rt := runtime.NewLocal(2 * time.Minute)

	var session *agent.Session
	var taskSvc *task.Service
	var mcpMgr *mcp.ServerManager
	flags := featureflag.New(func() map[string]featureflag.Override {
		out := make(map[string]featureflag.Override, len(cfg.FeatureFlags))
		for name, v := range cfg.FeatureFlags {
			out[name] = featureflag.Override(v)
		}
		return out
	}, featureflag.DefaultTTL)

	uiEmit := func(workspaceID string, ev streamevent.Event) {
		if flags.Enabled("stats", true) {
			timingSvc.OnStreamEvent(workspaceID, "", ev)
		}
		switch ev.Kind {
		case streamevent.KindStreamStart:
			// Lease the workspace's MCP pool for the stream's lifetime so a
			// signature change or idle sweep can't close tools the in-flight request
			// has already captured.
			if mcpMgr != nil {
				mcpMgr.AcquireLease(workspaceID)
			}
		case streamevent.KindToolCall:
			if taskSvc != nil {
				go dispatchToolCall(context.Background(), taskSvc, mcpMgr, session.StreamManager(), hookRunner, rt, delegateRegistry, workspaceID, ev.ToolCallID, ev.ToolName, ev.ToolInput)
			}
		case streamevent.KindToolCallEnd:
			if !ev.ToolError && taskSvc != nil {
				dispatchAgentReport(context.Background(), taskSvc, partialStore, hist, workspaceID, ev.ToolCallID)
			}
		case streamevent.KindStreamAbort, streamevent.KindStreamError:
			if mcpMgr != nil {
				mcpMgr.ReleaseLease(workspaceID)
			}
		case streamevent.KindStreamEnd:
			if ev.SanitizedMessage != nil {
				// Compaction-acceptance re-emission, not a real stream end; the real
				// one already ran the side effects.
				return
			}
			if mcpMgr != nil {
				mcpMgr.ReleaseLease(workspaceID)
			}
			acceptPendingCompaction(hist, compactHandler, session, workspaceID)
			if taskSvc != nil {
				if err := taskSvc.HandleStreamEnd(context.Background(), workspaceID); err != nil {
					log.Warn().Str("workspace", workspaceID).Err(err).Msg("task_stream_end_failed")
				}
			}
		}
	}

	session = agent.NewSession(cfg, tmpDir, hist, partialStore, resolve, fileResolve, uiEmit)
	session.StreamManager().SetProposePlanStop(func() bool {
		return flags.Enabled("propose_plan_stop", false)
	})

	// Workspace registry store: Postgres when configured, on-disk JSON
	// otherwise.
	var registryStore task.RegistryStore
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		pgStore := task.NewPostgresStore(pool)
		if err := pgStore.Init(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to init postgres task store")
		}
		defer pgStore.Close()
		registryStore = pgStore
	} else {
		registryStore = task.NewStore(filepath.Join(cfg.DataPath, "registry"))
	}

	agentRegistry := staticAgentRegistry{def: task.AgentDefinition{ID: "default", Runnable: true, DefaultModel: cfg.Task.DefaultModel}}

	taskSvc, err = task.New(task.Config{
		MaxParallelAgentTasks: cfg.Task.MaxParallelAgentTasks,
		MaxTaskNestingDepth:   cfg.Task.MaxTaskNestingDepth,
		DefaultModel:          cfg.Task.DefaultModel,
		ReportTimeout:         time.Duration(cfg.Task.ReportTimeoutSeconds) * time.Second,
	}, registryStore, rt, session, session.StreamManager(), partialStore, hist, agentRegistry, sessionsRoot, uiEmit)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init task service")
	}
	taskSvc.SetPatchArchiver(func(ctx context.Context, workspaceID, localPath string) error {
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()
		key := "subagent-patches/" + workspaceID + ".mbox"
		_, err = archive.Put(ctx, key, f, "application/mbox")
		return err
	})

	var evictLock mcp.EvictionLocker
	if cfg.MCP.RedisURL != "" {
		lock, err := mcp.NewRedisEvictionLock(cfg.MCP.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("mcp redis eviction lock init failed, evicting locally only")
		} else if lock != nil {
			evictLock = lock
		}
	}
	oauthCreds := make(map[string]mcp.OAuthCredentials, len(cfg.MCP.OAuthServers))
	for name, c := range cfg.MCP.OAuthServers {
		oauthCreds[name] = mcp.OAuthCredentials{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
			RefreshToken: c.RefreshToken,
		}
	}
	oauthTokens := mcp.NewTokenSourceRegistry(oauthCreds)
	mcpMgr = mcp.NewDefault(staticMCPConfigSource{}, oauthTokens.Token, evictLock)
	defer mcpMgr.Stop()

	session.SetToolsProvider(func(ctx context.Context, workspaceID string) ([]llm.ToolSchema, error) {
		tools := append([]llm.ToolSchema{}, builtinToolSchemas...)
		mcpTools, err := mcpMgr.GetToolsForWorkspace(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		for _, t := range mcpTools {
			desc, _ := t.Schema["description"].(string)
			params, _ := t.Schema["parameters"].(map[string]any)
			tools = append(tools, llm.ToolSchema{Name: t.Name, Description: desc, Parameters: params})
		}
		return tools, nil
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ready")
	})

	mux.HandleFunc("/workspaces/send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			WorkspaceID string `json:"workspaceId"`
			Text        string `json:"text"`
			Model       string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
		defer cancel()
		if err := session.SendMessage(ctx, req.WorkspaceID, req.Text, agent.SendOptions{Model: req.Model}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/workspaces/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			WorkspaceID string `json:"workspaceId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		session.StreamManager().StopStream(req.WorkspaceID, false)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/tasks/create", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req task.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		res, err := taskSvc.Create(ctx, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})

	mux.HandleFunc("/ssh/prompts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sshPromptSvc.PendingRequests())
	})

	mux.HandleFunc("/ssh/prompts/respond", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			RequestID string `json:"requestId"`
			Response  string `json:"response"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		sshPromptSvc.Respond(req.RequestID, req.Response)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/delegate/answer", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			WorkspaceID string          `json:"workspaceId"`
			ToolCallID  string          `json:"toolCallId"`
			Output      json.RawMessage `json:"output"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if !delegateRegistry.Answer(req.WorkspaceID, req.ToolCallID, req.Output) {
			http.Error(w, "no such pending call", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	addr := os.Getenv("MUXD_ADDR")
	if addr == "" {
		addr = ":8089"
	}
	log.Info().Str("addr", addr).Msg("muxd listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

// acceptPendingCompaction is the trigger-detection side of compaction:
// once a stream ends, check whether it was answering an outstanding
// compaction-request turn and, if so, durably accept the summary (or
// discard it if it looks like a leaked tool call) and resume whatever turn
// it deferred.
func acceptPendingCompaction(hist interface {
	GetLastMessages(workspaceID string, n int) ([]chatmodel.Message, error)
}, handler *compaction.Handler, session *agent.Session, workspaceID string) {
	recent, err := hist.GetLastMessages(workspaceID, 10)
	if err != nil || len(recent) == 0 {
		return
	}
	trigger := compaction.FindTriggerRequest(recent)
	if trigger == nil {
		return
	}

	var summary *chatmodel.Message
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Role == chatmodel.RoleAssistant && recent[i].Metadata.Timestamp >= trigger.Metadata.Timestamp {
			summary = &recent[i]
			break
		}
	}
	if summary == nil || summary.Metadata.CompactionBoundary {
		return
	}

	text := flattenText(*summary)
	if compaction.IsRejectable(text) {
		log.Warn().Str("workspace", workspaceID).Msg("compaction_summary_rejected")
		return
	}

	editedFiles := compaction.ExtractFileDiffs(history.SliceFromLatestBoundary(recent))
	res, err := handler.Accept(compaction.AcceptInput{
		WorkspaceID: workspaceID,
		FullHistory: recent,
		Summary:     text,
		Source:      chatmodel.CompactedUser,
		Model:       summary.Metadata.Model,
		Usage:       summary.Metadata.Usage,
		StreamedID:  summary.ID,
		EditedFiles: editedFiles,
	})
	if err != nil {
		log.Warn().Str("workspace", workspaceID).Err(err).Msg("compaction_accept_failed")
		return
	}
	session.EmitCompactionAccepted(workspaceID, res.Sanitized)

	if trigger.Metadata.Mux == nil || trigger.Metadata.Mux.PendingFollowUp == nil {
		return
	}
	pending := *trigger.Metadata.Mux.PendingFollowUp
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := session.ResumeAfterCompaction(ctx, workspaceID, pending, agent.SendOptions{}); err != nil {
			log.Warn().Str("workspace", workspaceID).Err(err).Msg("compaction_resume_failed")
		}
	}()
}

// builtinToolSchemas are always attached to every stream request, ahead of
// whatever MCPServerManager contributes: the tool-call fabric's
// engine-internal tools (spawn a sub-agent, deliver its report, block a
// human question) rather than anything a project configures.
var builtinToolSchemas = []llm.ToolSchema{
	{
		Name:        "task",
		Description: "Spawn a sub-agent to work on a scoped piece of the task and wait for its report.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":    map[string]any{"type": "string"},
				"prompt":  map[string]any{"type": "string"},
				"agentId": map[string]any{"type": "string"},
				"model":   map[string]any{"type": "string"},
			},
			"required": []string{"prompt"},
		},
	},
	{
		Name:        "agent_report",
		Description: "Deliver this sub-agent's final report to its parent. Call exactly once, at the end.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":          map[string]any{"type": "string"},
				"reportMarkdown": map[string]any{"type": "string"},
			},
			"required": []string{"reportMarkdown"},
		},
	},
	{
		Name:        "ask_user_question",
		Description: "Ask the user a clarifying question and wait for their answer.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string"},
			},
			"required": []string{"question"},
		},
	},
}

// taskToolArgs is the "task" tool call's input: spawn a sub-agent and block
// until it reports.
type taskToolArgs struct {
	Name    string `json:"name"`
	Prompt  string `json:"prompt"`
	AgentID string `json:"agentId"`
	Model   string `json:"model"`
}

// dispatchToolCall is the tool-call fabric's dispatch loop: given a
// model-emitted tool call,
// resolve it to either TaskService's sub-agent spawn (the "task" tool,
// which blocks on WaitForAgentReport exactly like a real foreground tool
// handler would) or an MCP-provided tool, run it, and report the result
// back through StreamManager.CompleteToolCall. agent_report is delivered
// through HandleAgentReport on tool-call-end, not here, but it still needs
// its call acknowledged as output-available so that event fires.
func dispatchToolCall(ctx context.Context, taskSvc *task.Service, mcpMgr *mcp.ServerManager, streamMgr *stream.Manager, hookRunner *toolhook.Runner, rt runtime.Runtime, delegateRegistry *delegate.Registry, workspaceID, toolCallID, toolName string, input json.RawMessage) {
	logged := input
	if len(logged) == 0 {
		logged = json.RawMessage(`{}`)
	}
	log.Debug().Str("workspace", workspaceID).Str("tool", toolName).
		RawJSON("input", observability.RedactJSON(logged)).Msg("tool_dispatch")

	switch toolName {
	case "task":
		dispatchTaskTool(ctx, taskSvc, streamMgr, workspaceID, toolCallID, input)
		return
	case "agent_report":
		streamMgr.CompleteToolCall(workspaceID, toolCallID, []byte(`{"status":"acknowledged"}`), false)
		return
	case "ask_user_question":
		dispatchDelegatedTool(ctx, streamMgr, delegateRegistry, workspaceID, toolCallID, toolName)
		return
	case "task_await", "switch_agent", "propose_plan":
		// Their side effects are modeled by StreamManager's stopWhen
		// condition, not by a separate execution step; the call itself just
		// needs acknowledging so the step can close.
		streamMgr.CompleteToolCall(workspaceID, toolCallID, []byte(`{"status":"acknowledged"}`), false)
		return
	}

	tools, err := mcpMgr.GetToolsForWorkspace(ctx, workspaceID)
	if err != nil {
		completeToolError(streamMgr, workspaceID, toolCallID, fmt.Errorf("mcp: %w", err))
		return
	}
	var target *mcp.Tool
	for i := range tools {
		if tools[i].Name == toolName {
			target = &tools[i]
			break
		}
	}
	if target == nil {
		completeToolError(streamMgr, workspaceID, toolCallID, fmt.Errorf("no tool named %q", toolName))
		return
	}

	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			completeToolError(streamMgr, workspaceID, toolCallID, fmt.Errorf("decode tool input: %w", err))
			return
		}
	}

	projectDir := ""
	if w, ok := taskSvc.Workspace(workspaceID); ok {
		projectDir = w.ProjectPath
	}
	hookCall := toolhook.ToolCall{WorkspaceID: workspaceID, ProjectDir: projectDir, ToolName: toolName, Input: input}
	hooks := toolhook.Discover(projectDir, os.Getenv("HOME"))

	// Combined tool_hook wins over the split pre/post pair: the tool runs
	// inside the hook's marker protocol and the hook sees its result over
	// stdin.
	if hooks.Combined != "" {
		var out json.RawMessage
		execTool := func(ctx context.Context) (json.RawMessage, bool, error) {
			result, err := target.Execute(ctx, args)
			if err != nil {
				return nil, false, err
			}
			b, err := json.Marshal(result)
			if err != nil {
				return nil, false, err
			}
			out = b
			return b, false, nil
		}
		if _, err := hookRunner.RunWithHook(ctx, hooks.Combined, hookCall, execTool); err != nil {
			completeToolError(streamMgr, workspaceID, toolCallID, err)
			return
		}
		streamMgr.CompleteToolCall(workspaceID, toolCallID, out, false)
		return
	}

	if hooks.Pre != "" {
		allow, stderr, err := hookRunner.RunPreHook(ctx, rt, hooks.Pre, hookCall)
		if err != nil {
			completeToolError(streamMgr, workspaceID, toolCallID, fmt.Errorf("tool_pre: %w", err))
			return
		}
		if !allow {
			completeToolError(streamMgr, workspaceID, toolCallID, fmt.Errorf("tool_pre blocked %s: %s", toolName, stderr))
			return
		}
	}

	result, err := target.Execute(ctx, args)
	if err != nil {
		completeToolError(streamMgr, workspaceID, toolCallID, err)
		return
	}
	out, err := json.Marshal(result)
	if err != nil {
		completeToolError(streamMgr, workspaceID, toolCallID, fmt.Errorf("encode tool output: %w", err))
		return
	}

	if hooks.Post != "" {
		if err := hookRunner.RunPostHook(ctx, rt, hooks.Post, hookCall, out); err != nil {
			log.Warn().Str("workspace", workspaceID).Str("tool", toolName).Err(err).Msg("tool_post_hook_failed")
		}
	}

	streamMgr.CompleteToolCall(workspaceID, toolCallID, out, false)
}

// dispatchTaskTool spawns (or queues) a sub-agent workspace for the "task"
// tool call and blocks until its agent_report arrives, mirroring the
// foreground-await pattern.
func dispatchTaskTool(ctx context.Context, taskSvc *task.Service, streamMgr *stream.Manager, workspaceID, toolCallID string, input json.RawMessage) {
	var args taskToolArgs
	if err := json.Unmarshal(input, &args); err != nil {
		completeToolError(streamMgr, workspaceID, toolCallID, fmt.Errorf("decode task args: %w", err))
		return
	}
	parent, ok := taskSvc.Workspace(workspaceID)
	if !ok {
		completeToolError(streamMgr, workspaceID, toolCallID, fmt.Errorf("task: unknown parent workspace %q", workspaceID))
		return
	}

	res, err := taskSvc.Create(ctx, task.CreateRequest{
		ParentWorkspaceID: workspaceID,
		Name:              args.Name,
		ProjectPath:       parent.ProjectPath,
		Prompt:            args.Prompt,
		AgentID:           args.AgentID,
		Model:             args.Model,
		TrunkBranch:       parent.TaskTrunkBranch,
		ParentToolCallID:  toolCallID,
	})
	if err != nil {
		completeToolError(streamMgr, workspaceID, toolCallID, err)
		return
	}

	report, err := taskSvc.WaitForAgentReport(ctx, res.WorkspaceID, workspaceID)
	if err != nil {
		completeToolError(streamMgr, workspaceID, toolCallID, err)
		return
	}

	out, _ := json.Marshal(map[string]any{
		"status":         "completed",
		"taskId":         res.WorkspaceID,
		"reportMarkdown": report.ReportMarkdown,
		"title":          report.Title,
		"agentType":      report.AgentType,
	})
	streamMgr.CompleteToolCall(workspaceID, toolCallID, out, false)
}

// dispatchDelegatedTool registers a tool call as pending in
// delegate.Registry and blocks until some out-of-band caller answers it via
// the /delegate/answer endpoint, then relays the result through
// CompleteToolCall.
func dispatchDelegatedTool(ctx context.Context, streamMgr *stream.Manager, delegateRegistry *delegate.Registry, workspaceID, toolCallID, toolName string) {
	resultCh, err := delegateRegistry.RegisterPending(workspaceID, toolCallID, toolName)
	if err != nil {
		completeToolError(streamMgr, workspaceID, toolCallID, err)
		return
	}
	select {
	case <-ctx.Done():
		delegateRegistry.Cancel(workspaceID, toolCallID, ctx.Err())
		completeToolError(streamMgr, workspaceID, toolCallID, ctx.Err())
	case res := <-resultCh:
		if res.Err != nil {
			completeToolError(streamMgr, workspaceID, toolCallID, res.Err)
			return
		}
		streamMgr.CompleteToolCall(workspaceID, toolCallID, res.Output, false)
	}
}

// completeToolError reports a tool-call failure back through StreamManager
// in the {error:<message>} shape toolhook.Runner uses for a thrown tool.
func completeToolError(streamMgr *stream.Manager, workspaceID, toolCallID string, err error) {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	streamMgr.CompleteToolCall(workspaceID, toolCallID, out, true)
}

// dispatchAgentReport implements the missing caller for task.Service's
// report-delivery path: on every successful tool-call-end it checks whether
// the completed call was an agent_report and, if so, hands the parsed args
// to HandleAgentReport. Every other tool name is a no-op.
func dispatchAgentReport(ctx context.Context, taskSvc *task.Service, partialStore *partial.Store, hist *history.Store, workspaceID, toolCallID string) {
	partialMsg, err := partialStore.ReadPartial(workspaceID)
	if err != nil {
		log.Warn().Str("workspace", workspaceID).Err(err).Msg("agent_report_partial_read_failed")
		return
	}
	recent, err := hist.GetLastMessages(workspaceID, 10)
	if err != nil {
		log.Warn().Str("workspace", workspaceID).Err(err).Msg("agent_report_history_read_failed")
		return
	}
	args, ok := task.ExtractReportArgs(partialMsg, recent, toolCallID)
	if !ok {
		return
	}
	if err := taskSvc.HandleAgentReport(ctx, workspaceID, args); err != nil {
		log.Warn().Str("workspace", workspaceID).Err(err).Msg("agent_report_delivery_failed")
	}
}

// flattenText concatenates a message's text parts (reasoning parts are
// skipped), mirroring internal/task/report.go's textOf for the summary
// acceptance path.
func flattenText(m chatmodel.Message) string {
	var b []byte
	for _, p := range m.Parts {
		if p.Type == chatmodel.PartText {
			b = append(b, p.Text...)
		}
	}
	return string(b)
}

func splitModel(model string) (vendor, name string) {
	for i := 0; i < len(model); i++ {
		if model[i] == ':' {
			return model[:i], model[i+1:]
		}
	}
	return "", model
}

// staticAgentRegistry is a single-agent AgentRegistry, standing in for a
// project-level agent schema until a config file format for multiple agent
// definitions is wired in.
type staticAgentRegistry struct {
	def task.AgentDefinition
}

func (r staticAgentRegistry) Lookup(agentID string) (task.AgentDefinition, bool) {
	if agentID == "" || agentID == r.def.ID {
		return r.def, true
	}
	return task.AgentDefinition{}, false
}

func (r staticAgentRegistry) RunnableIDs() []string {
	if r.def.Runnable {
		return []string{r.def.ID}
	}
	return nil
}

// staticMCPConfigSource resolves no project-level MCP servers until project
// config parsing is wired in; Policy allows everything through.
type staticMCPConfigSource struct{}

func (staticMCPConfigSource) ServerConfigs(ctx context.Context, workspaceID string) ([]mcp.ServerConfig, error) {
	return nil, nil
}

func (staticMCPConfigSource) Overrides(ctx context.Context, workspaceID string) (mcp.Overrides, error) {
	return mcp.Overrides{}, nil
}

func (staticMCPConfigSource) Policy() mcp.PolicyFilter {
	return func(mcp.ServerConfig) bool { return true }
}
