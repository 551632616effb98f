package agent

import (
	"regexp"
	"strings"

	"muxcore/internal/chatmodel"
	"muxcore/internal/llm"
)

// ToLLMMessages converts a committed history slice into the provider
// message sequence a StreamRequest carries. The whole epoch is rebuilt on
// every call: StreamManager's pull-based model has no separate turn-loop
// state to carry system/history/user across calls, so the persisted log is
// the only source of truth for what the provider has seen.
func ToLLMMessages(messages []chatmodel.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		parts := chatmodel.StripIncompleteToolParts(m.Parts)

		var content strings.Builder
		var calls []llm.ToolCall
		var results []llm.ToolResult
		for _, p := range parts {
			switch p.Type {
			case chatmodel.PartText, chatmodel.PartReasoning:
				if p.Text == "" {
					continue
				}
				if content.Len() > 0 {
					content.WriteByte('\n')
				}
				content.WriteString(p.Text)
			case chatmodel.PartFile:
				if content.Len() > 0 {
					content.WriteByte('\n')
				}
				content.WriteString("[file: " + p.FileName + "]")
			case chatmodel.PartDynamicTool:
				if p.State != chatmodel.ToolOutputAvailable {
					continue
				}
				calls = append(calls, llm.ToolCall{ID: p.ToolCallID, Name: p.ToolName, Args: p.Input})
				results = append(results, llm.ToolResult{ToolCallID: p.ToolCallID, Output: llm.StripEncryptedContent(p.Output)})
			}
		}

		if content.Len() > 0 || len(calls) > 0 {
			out = append(out, llm.Message{Role: string(m.Role), Content: content.String(), ToolCalls: calls})
		}
		if len(results) > 0 {
			var resultText strings.Builder
			for i, r := range results {
				if i > 0 {
					resultText.WriteByte('\n')
				}
				resultText.Write(r.Output)
			}
			out = append(out, llm.Message{Role: "tool", Content: resultText.String(), ToolResults: results})
		}
	}
	return out
}

var fileMentionPattern = regexp.MustCompile(`@([A-Za-z0-9_./-]+\.[A-Za-z0-9]+)`)

// extractFileMentions returns the distinct "@token" strings present in
// text, in first-seen order.
func extractFileMentions(text string) []string {
	matches := fileMentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		token := "@" + m[1]
		if seen[token] {
			continue
		}
		seen[token] = true
		out = append(out, token)
	}
	return out
}

func appendUnique(tokens []string, tok string) []string {
	for _, t := range tokens {
		if t == tok {
			return tokens
		}
	}
	return append(tokens, tok)
}
