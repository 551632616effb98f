package llm

import (
	"os"
	"strconv"
	"strings"
)

// defaultContextTokens is the budget assumed for a model nothing else
// knows about. Deliberately small: overestimating a window means the
// compaction monitor fires too late and the provider rejects the request.
const defaultContextTokens = 32_000

// ContextSize returns an approximate context window in tokens for a model
// string, with or without its "vendor:" prefix. known is false when the
// value is the conservative fallback rather than a table entry or an
// explicit override. Sizes are used for compaction budgeting only, never
// for provider feature gating, so approximate is fine.
func ContextSize(model string) (tokens int, known bool) {
	if model == "" {
		return 0, false
	}
	name := stripVendor(model)

	if v, ok := envContextOverride(name); ok {
		return v, true
	}
	if size, ok := contextWindows[name]; ok {
		return size, true
	}
	// Snapshot ids ("claude-sonnet-4-5-20250929", "gpt-4o-mini-2024-07-18")
	// resolve through their family prefix.
	for _, fam := range contextFamilies {
		if strings.HasPrefix(name, fam.prefix) {
			return fam.tokens, true
		}
	}
	if v, ok := envContextOverride("default"); ok {
		return v, true
	}
	return defaultContextTokens, false
}

// contextWindows maps exact model names to their window. Only vendors this
// backend can actually dial are listed; anything else comes in through the
// env override or a providers-config entry.
var contextWindows = map[string]int{
	"claude-sonnet-4-5": 200_000,
	"claude-haiku-4-5":  200_000,
	"claude-opus-4-5":   200_000,

	"gpt-5":       400_000,
	"gpt-5-mini":  400_000,
	"gpt-5-nano":  400_000,
	"gpt-5-codex": 400_000,

	"gpt-4.1":      1_047_576,
	"gpt-4.1-mini": 1_047_576,
	"gpt-4o":       128_000,
	"gpt-4o-mini":  128_000,
}

// contextFamilies matches dated snapshot ids by prefix, longest first so
// "gpt-4.1-mini-..." never lands on "gpt-4.1".
var contextFamilies = []struct {
	prefix string
	tokens int
}{
	{"claude-sonnet-4-5-", 200_000},
	{"claude-haiku-4-5-", 200_000},
	{"claude-opus-4-5-", 200_000},
	{"gpt-4.1-mini-", 1_047_576},
	{"gpt-4.1-", 1_047_576},
	{"gpt-4o-mini-", 128_000},
	{"gpt-4o-", 128_000},
	{"gpt-5-", 400_000},
}

// stripVendor drops a leading "anthropic:" / "openai:" routing prefix so
// table keys stay vendor-neutral.
func stripVendor(model string) string {
	if i := strings.IndexByte(model, ':'); i >= 0 {
		return model[i+1:]
	}
	return model
}

// envContextOverride reads MUX_CONTEXT_TOKENS_<NAME>, with the model name
// upper-cased and every non-alphanumeric rune folded to '_'. name
// "default" is the catch-all for models the table doesn't know.
func envContextOverride(name string) (int, bool) {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	v := os.Getenv("MUX_CONTEXT_TOKENS_" + b.String())
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
