// Package anthropic adapts the Anthropic Messages API to llm.Provider's
// pull-based StreamSession contract.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"muxcore/internal/llm"
)

const defaultMaxTokens int64 = 4096

// Config configures a Client.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

// Client implements llm.Provider against the Anthropic Messages API.
type Client struct {
	sdk       sdk.Client
	model     string
	maxTokens int64
}

// New constructs a Client. httpClient may be nil to use http.DefaultClient.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(sdk.ModelClaudeSonnet4_5)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{sdk: sdk.NewClient(opts...), model: model, maxTokens: maxTokens}
}

func (c *Client) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

// Stream opens a Messages streaming call and wraps it in a pull-based
// StreamSession. The SDK's push-style iterator is drained on a background
// goroutine into a buffered channel; Next blocks on that channel.
func (c *Client) Stream(ctx context.Context, req llm.StreamRequest) (llm.StreamSession, error) {
	sys, msgs, err := adaptMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	toolDefs, err := adaptTools(req.Tools)
	if err != nil {
		return nil, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.pickModel(req.Model)),
		Messages:  msgs,
		System:    sys,
		Tools:     toolDefs,
		MaxTokens: c.maxTokens,
	}
	if req.ToolChoice.Type == "tool" && req.ToolChoice.Name != "" {
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfTool: &sdk.ToolChoiceToolParam{Name: req.ToolChoice.Name}}
	} else if req.ToolChoice.Type == "none" {
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfNone: &sdk.ToolChoiceNoneParam{}}
	}

	sess := &session{
		events: make(chan llm.StreamEvent, 16),
		ctx:    ctx,
	}

	stream := c.sdk.Messages.NewStreaming(ctx, params)
	go sess.drain(stream)
	return sess, nil
}

type session struct {
	events chan llm.StreamEvent
	ctx    context.Context
	err    error
	term   llm.TerminalInfo
}

func (s *session) drain(stream *ssestream.Stream[sdk.MessageStreamEventUnion]) {
	defer close(s.events)
	defer func() { _ = stream.Close() }()

	var acc sdk.Message
	toolBuffers := map[int64]*toolBuffer{}
	var usage sdk.MessageDeltaUsage

	for stream.Next() {
		event := stream.Current()
		_ = acc.Accumulate(event)

		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				id := strings.TrimSpace(block.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", len(toolBuffers)+1)
				}
				tb := &toolBuffer{name: block.Name, id: id}
				tb.appendInitial(block.Input)
				toolBuffers[ev.Index] = tb
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text != "" {
					s.emit(llm.StreamEvent{Kind: llm.EventTextDelta, Delta: delta.Text})
				}
			case sdk.InputJSONDelta:
				if tb := toolBuffers[ev.Index]; tb != nil {
					tb.appendPartial(delta.PartialJSON)
				}
			case sdk.ThinkingDelta:
				if delta.Thinking != "" {
					s.emit(llm.StreamEvent{Kind: llm.EventReasoningDelta, Delta: delta.Thinking})
				}
			}
		case sdk.ContentBlockStopEvent:
			if tb := toolBuffers[ev.Index]; tb != nil {
				s.emit(llm.StreamEvent{Kind: llm.EventToolCall, Tool: tb.toToolCall()})
			}
		case sdk.MessageDeltaEvent:
			usage = ev.Usage
			s.emit(llm.StreamEvent{Kind: llm.EventUsageDelta, Usage: llm.Usage{
				InputTokens:       usage.InputTokens,
				CachedInputTokens: usage.CacheReadInputTokens,
				OutputTokens:      usage.OutputTokens,
			}})
		}
	}

	if err := stream.Err(); err != nil {
		s.err = err
		return
	}

	s.term = llm.TerminalInfo{
		TotalUsage: llm.Usage{
			InputTokens:       usage.InputTokens,
			CachedInputTokens: usage.CacheReadInputTokens,
			OutputTokens:      usage.OutputTokens,
		},
	}
}

func (s *session) emit(ev llm.StreamEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *session) Next(ctx context.Context) (llm.StreamEvent, bool, error) {
	select {
	case ev, ok := <-s.events:
		if ok {
			return ev, false, nil
		}
		if s.err != nil {
			return llm.StreamEvent{}, true, s.err
		}
		return llm.StreamEvent{Kind: llm.EventDone}, true, nil
	case <-ctx.Done():
		return llm.StreamEvent{}, false, ctx.Err()
	}
}

func (s *session) Terminal() llm.TerminalInfo { return s.term }

func (s *session) Close() error { return nil }

func adaptTools(tools []llm.ToolSchema) ([]sdk.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("anthropic provider: tool name required")
		}
		schema := sdk.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		extras := map[string]any{}
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"]; ok {
			delete(extras, "required")
			if ss, ok := req.([]string); ok {
				schema.Required = ss
			}
		}
		delete(extras, "type")
		if len(extras) > 0 {
			schema.ExtraFields = extras
		}
		param := sdk.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = sdk.String(desc)
		}
		out = append(out, sdk.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func adaptMessages(msgs []llm.Message) ([]sdk.TextBlockParam, []sdk.MessageParam, error) {
	var system []sdk.TextBlockParam
	out := make([]sdk.MessageParam, 0, len(msgs))
	toolResultCount := 0

	for _, m := range msgs {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "system":
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case "user":
			var blocks []sdk.ContentBlockParamUnion
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tr := range m.ToolResults {
				blocks = append(blocks, sdk.NewToolResultBlock(tr.ToolCallID, string(tr.Output), tr.IsError))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewUserMessage(blocks...))
			}
		case "assistant":
			var blocks []sdk.ContentBlockParamUnion
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for i, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", i+1)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(id, decodeArgs(tc.Args), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}
		case "tool":
			var blocks []sdk.ContentBlockParamUnion
			for _, tr := range m.ToolResults {
				blocks = append(blocks, sdk.NewToolResultBlock(tr.ToolCallID, string(tr.Output), tr.IsError))
			}
			if len(blocks) == 0 && strings.TrimSpace(m.Content) != "" {
				// Legacy shape with no per-call correlation; synthesize an id.
				toolResultCount++
				blocks = append(blocks, sdk.NewToolResultBlock(fmt.Sprintf("tool-result-%d", toolResultCount), m.Content, false))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewUserMessage(blocks...))
			}
		default:
			return nil, nil, fmt.Errorf("unsupported role for anthropic provider: %s", m.Role)
		}
	}
	return system, out, nil
}

func decodeArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	return map[string]any{}
}

type toolBuffer struct {
	name      string
	id        string
	buf       strings.Builder
	hasDeltas bool
}

func (tb *toolBuffer) appendInitial(raw json.RawMessage) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	tb.buf.WriteString(string(raw))
}

func (tb *toolBuffer) appendPartial(partial string) {
	if partial == "" {
		return
	}
	if !tb.hasDeltas {
		tb.buf.Reset()
		tb.hasDeltas = true
	}
	tb.buf.WriteString(partial)
}

func (tb *toolBuffer) toToolCall() llm.ToolCall {
	args := strings.TrimSpace(tb.buf.String())
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		args = "{}"
	}
	return llm.ToolCall{Name: tb.name, Args: json.RawMessage(args), ID: tb.id}
}
