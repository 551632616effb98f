// Package mcp implements MCPServerManager: a per-workspace pool of MCP
// tool-provider connections with signature-based reuse, lease tracking, and
// idle eviction.
package mcp

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// Transport selects how ServerManager dials a configured MCP server.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportSSE   Transport = "sse"
	// TransportAuto tries http first, falling back to sse on 400/404/405.
	TransportAuto Transport = "auto"
)

// ServerConfig is one configured MCP server, merged from project config and
// any inline/workspace overrides before ServerManager sees it.
type ServerConfig struct {
	Name      string
	Transport Transport

	// Stdio
	Command string
	Args    []string
	Env     map[string]string

	// HTTP/SSE
	URL           string
	Headers       map[string]string
	HasOAuthToken bool

	// Enabled is the project-level default; workspace overrides win when set.
	Enabled bool
}

// Overrides is a workspace's explicit enabled/disabled overrides, keyed by
// server name. A server absent from both maps uses ServerConfig.Enabled.
type Overrides struct {
	Enabled  map[string]bool
	Disabled map[string]bool
}

// PolicyFilter decides whether a server may run at all, independent of its
// enabled/disabled state.
type PolicyFilter func(ServerConfig) bool

// resolveEnabled applies a workspace override over a project default.
func resolveEnabled(projectEnabled bool, name string, ov Overrides) bool {
	if ov.Disabled[name] {
		return false
	}
	if ov.Enabled[name] {
		return true
	}
	return projectEnabled
}

// resolveEnabledServers filters configs down to those allowed to run.
func resolveEnabledServers(configs []ServerConfig, ov Overrides, policy PolicyFilter) []ServerConfig {
	out := make([]ServerConfig, 0, len(configs))
	for _, c := range configs {
		if !resolveEnabled(c.Enabled, c.Name, ov) {
			continue
		}
		if policy != nil && !policy(c) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Signature computes the cache key ServerManager compares against to decide
// whether a workspace's pool can be reused as-is: transport,
// command-or-url, redacted headers, and OAuth-token presence, with sorted
// keys for
// stability.
func Signature(configs []ServerConfig) string {
	var b strings.Builder
	for _, c := range configs {
		b.WriteString(c.Name)
		b.WriteByte('|')
		b.WriteString(string(c.Transport))
		b.WriteByte('|')
		if c.Command != "" {
			b.WriteString(c.Command)
			b.WriteByte(' ')
			b.WriteString(strings.Join(c.Args, " "))
		} else {
			b.WriteString(c.URL)
		}
		b.WriteByte('|')
		b.WriteString(redactedHeaderSignature(c.Headers))
		b.WriteByte('|')
		if c.HasOAuthToken {
			b.WriteString("oauth")
		}
		b.WriteByte(';')
	}
	return b.String()
}

// redactedHeaderSignature includes header names and the presence of a
// value, never the value itself.
func redactedHeaderSignature(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		if headers[k] != "" {
			b.WriteString("=set")
		} else {
			b.WriteString("=empty")
		}
		b.WriteByte(',')
	}
	return b.String()
}

var unsafeToolNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

const maxToolNameLen = 64

// QualifiedToolName applies the "<serverName>_<toolName>"
// namespacing, normalized to a provider-safe regex and capped at 64 chars,
// with a deterministic hash suffix to break collisions after truncation.
func QualifiedToolName(serverName, toolName string, taken map[string]bool) string {
	base := unsafeToolNameChars.ReplaceAllString(serverName+"_"+toolName, "_")
	name := base
	if len(name) > maxToolNameLen {
		name = name[:maxToolNameLen]
	}
	if !taken[name] {
		return name
	}
	suffix := "_" + shortHash(base)
	trimLen := maxToolNameLen - len(suffix)
	if trimLen < 0 {
		trimLen = 0
	}
	if len(base) > trimLen {
		base = base[:trimLen]
	}
	return base + suffix
}

func shortHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}
