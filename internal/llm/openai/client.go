// Package openai adapts the OpenAI Responses API to llm.Provider's
// pull-based StreamSession contract, including previous-response-id
// continuation for stream recovery after a disconnect.
package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
	rs "github.com/openai/openai-go/v2/responses"

	"muxcore/internal/llm"
)

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Client implements llm.Provider against the OpenAI Responses API.
type Client struct {
	sdk   sdk.Client
	model string
}

// New constructs a Client. httpClient may be nil to use http.DefaultClient.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithHTTPClient(httpClient)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-5"
	}
	return &Client{sdk: sdk.NewClient(opts...), model: model}
}

func (c *Client) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

// Stream opens a Responses API streaming call. req.Messages is always sent
// as the full input list; when req.PreviousResponseID is set it is sent as
// well, chaining the call to that prior response.
func (c *Client) Stream(ctx context.Context, req llm.StreamRequest) (llm.StreamSession, error) {
	params := rs.ResponseNewParams{Model: rs.ResponsesModel(c.pickModel(req.Model))}

	if req.PreviousResponseID != "" {
		params.PreviousResponseID = sdk.String(req.PreviousResponseID)
	}

	input, instr := adaptInput(req.Messages)
	if len(input) > 0 {
		params.Input.OfInputItemList = input
	}
	if instr != "" {
		params.Instructions = sdk.String(instr)
	}
	if len(req.Tools) > 0 {
		params.Tools = adaptTools(req.Tools)
	}

	sess := &session{events: make(chan llm.StreamEvent, 16), ctx: ctx}
	stream := c.sdk.Responses.NewStreaming(ctx, params)
	go sess.drain(stream)
	return sess, nil
}

type session struct {
	events chan llm.StreamEvent
	ctx    context.Context
	err    error
	term   llm.TerminalInfo
}

type callAcc struct {
	name string
	id   string
	args strings.Builder
	done bool
}

func (s *session) drain(stream *ssestream.Stream[rs.ResponseStreamEventUnion]) {
	defer close(s.events)
	defer func() { _ = stream.Close() }()

	acc := map[int64]*callAcc{}
	var responseID string
	var usage rs.ResponseUsage

	for stream.Next() {
		ev := stream.Current()
		switch v := ev.AsAny().(type) {
		case rs.ResponseTextDeltaEvent:
			if v.Delta != "" {
				s.emit(llm.StreamEvent{Kind: llm.EventTextDelta, Delta: v.Delta})
			}
		case rs.ResponseOutputItemAddedEvent:
			if fn := v.Item.AsFunctionCall(); fn.Name != "" || fn.CallID != "" {
				ca := getAcc(acc, v.OutputIndex)
				ca.name = fn.Name
				ca.id = firstNonEmpty(fn.CallID, fn.ID)
				if fn.Arguments != "" && ca.args.Len() == 0 {
					ca.args.WriteString(fn.Arguments)
				}
			}
		case rs.ResponseFunctionCallArgumentsDeltaEvent:
			ca := getAcc(acc, v.OutputIndex)
			if v.Delta != "" {
				ca.args.WriteString(v.Delta)
			}
		case rs.ResponseFunctionCallArgumentsDoneEvent:
			ca := getAcc(acc, v.OutputIndex)
			if !ca.done {
				if ca.args.Len() == 0 && v.Arguments != "" {
					ca.args.WriteString(v.Arguments)
				}
				ca.done = true
				s.emit(llm.StreamEvent{Kind: llm.EventToolCall, Tool: llm.ToolCall{
					Name: ca.name,
					Args: json.RawMessage(ca.args.String()),
					ID:   ca.id,
				}})
			}
		case rs.ResponseCompletedEvent:
			responseID = v.Response.ID
			usage = v.Response.Usage
			s.emit(llm.StreamEvent{Kind: llm.EventUsageDelta, Usage: llm.Usage{
				InputTokens:       usage.InputTokens,
				CachedInputTokens: usage.InputTokensDetails.CachedTokens,
				OutputTokens:      usage.OutputTokens,
				ReasoningTokens:   usage.OutputTokensDetails.ReasoningTokens,
			}})
		}
	}

	if err := stream.Err(); err != nil {
		s.err = err
		return
	}

	s.term = llm.TerminalInfo{
		ResponseID: responseID,
		TotalUsage: llm.Usage{
			InputTokens:       usage.InputTokens,
			CachedInputTokens: usage.InputTokensDetails.CachedTokens,
			OutputTokens:      usage.OutputTokens,
			ReasoningTokens:   usage.OutputTokensDetails.ReasoningTokens,
		},
	}
}

func getAcc(m map[int64]*callAcc, idx int64) *callAcc {
	ca := m[idx]
	if ca == nil {
		ca = &callAcc{}
		m[idx] = ca
	}
	return ca
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

func adaptInput(msgs []llm.Message) (items rs.ResponseInputParam, instructions string) {
	items = make([]rs.ResponseInputItemUnionParam, 0, len(msgs))
	var sys []string
	for _, m := range msgs {
		switch m.Role {
		case "system":
			if strings.TrimSpace(m.Content) != "" {
				sys = append(sys, m.Content)
			}
		case "user":
			content := strings.TrimSpace(m.Content)
			if content == "" {
				content = " "
			}
			part := rs.ResponseInputContentParamOfInputText(content)
			items = append(items, rs.ResponseInputItemUnionParam{OfInputMessage: &rs.ResponseInputItemMessageParam{
				Content: rs.ResponseInputMessageContentListParam{part},
				Role:    "user",
			}})
		case "assistant":
			for _, tc := range m.ToolCalls {
				items = append(items, rs.ResponseInputItemParamOfFunctionCall(string(tc.Args), tc.ID, tc.Name))
			}
		case "tool", "":
			for _, tr := range m.ToolResults {
				out := strings.TrimSpace(string(tr.Output))
				if out == "" {
					out = "{}"
				}
				items = append(items, rs.ResponseInputItemParamOfFunctionCallOutput(tr.ToolCallID, out))
			}
		}
	}
	if len(sys) > 0 {
		instructions = strings.Join(sys, "\n\n")
	}
	return items, instructions
}

func adaptTools(tools []llm.ToolSchema) []rs.ToolUnionParam {
	out := make([]rs.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn := rs.FunctionToolParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			Parameters:  t.Parameters,
		}
		out = append(out, rs.ToolUnionParam{OfFunction: &fn})
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
