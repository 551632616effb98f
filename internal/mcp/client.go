package mcp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"

	"muxcore/internal/observability"
)

// clientImplementation identifies muxd to every MCP server it dials.
var clientImplementation = &mcppkg.Implementation{Name: "muxd", Version: "0.1.0"}

// connectTimeout bounds a single server's connect handshake and initial
// tool listing.
const connectTimeout = 10 * time.Second

// OAuthTokenSource supplies a bearer token for a server that has one
// stored, so ServerManager only attaches auth when a token actually exists.
type OAuthTokenSource func(ctx context.Context, serverName string) (token string, ok bool)

// NewDefault constructs a ServerManager wired to the real MCP SDK starter
// (stdio/http/sse), the form cmd/muxd uses in production; tests use New
// directly with a fake starter instead.
func NewDefault(cfg ConfigSource, tokens OAuthTokenSource, evictLock EvictionLocker) *ServerManager {
	return New(cfg, newStarter(tokens), evictLock)
}

// newStarter builds the real SDK-backed starter used in production.
//
// The stdio transport needs a long-lived subprocess with persistent
// stdin/stdout pipes for the life of the MCP session, which
// runtime.Runtime's single buffered Exec call can't express — the same
// deviation toolhook.RunWithHook makes by driving os/exec directly. Here
// exec.Command is wrapped in mcppkg.CommandTransport and fed to
// client.Connect.
func newStarter(tokens OAuthTokenSource) starter {
	return func(ctx context.Context, cfg ServerConfig) (*instance, error) {
		client := mcppkg.NewClient(clientImplementation, nil)

		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		var session *mcppkg.ClientSession
		var err error
		autoFallback := false

		switch cfg.Transport {
		case TransportStdio:
			session, err = connectStdio(ctx, client, cfg)
		case TransportHTTP:
			session, err = connectHTTP(ctx, client, cfg, tokens)
		case TransportSSE:
			session, err = connectSSE(ctx, client, cfg, tokens)
		case TransportAuto, "":
			session, err = connectHTTP(ctx, client, cfg, tokens)
			if isFallbackEligible(err) {
				session, err = connectSSE(ctx, client, cfg, tokens)
				autoFallback = true
			}
		default:
			return nil, fmt.Errorf("mcp: unknown transport %q", cfg.Transport)
		}
		if err != nil {
			return nil, fmt.Errorf("mcp: connect %s: %w", cfg.Name, err)
		}

		tools, err := listTools(ctx, cfg.Name, session)
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcp: list tools for %s: %w", cfg.Name, err)
		}

		closed := false
		return &instance{
			serverName: cfg.Name,
			closed:     func() bool { return closed },
			close: func() error {
				closed = true
				return session.Close()
			},
			tools:        func() []Tool { return tools },
			autoFallback: autoFallback,
		}, nil
	}
}

func connectStdio(ctx context.Context, client *mcppkg.Client, cfg ServerConfig) (*mcppkg.ClientSession, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("stdio server %s: command required", cfg.Name)
	}
	// exec.Command, not CommandContext: ctx here only bounds the connect
	// handshake, and the subprocess must outlive it for the session's life.
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := cmd.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	return client.Connect(ctx, &mcppkg.CommandTransport{Command: cmd}, nil)
}

func connectHTTP(ctx context.Context, client *mcppkg.Client, cfg ServerConfig, tokens OAuthTokenSource) (*mcppkg.ClientSession, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("http server %s: url required", cfg.Name)
	}
	httpClient := buildHTTPClient(ctx, cfg, tokens)
	transport := &mcppkg.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}
	return client.Connect(ctx, transport, nil)
}

func connectSSE(ctx context.Context, client *mcppkg.Client, cfg ServerConfig, tokens OAuthTokenSource) (*mcppkg.ClientSession, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("sse server %s: url required", cfg.Name)
	}
	httpClient := buildHTTPClient(ctx, cfg, tokens)
	transport := &mcppkg.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}
	return client.Connect(ctx, transport, nil)
}

// isFallbackEligible reports whether a connect failure should trigger the
// http-then-sse auto fallback.
func isFallbackEligible(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "400") || strings.Contains(msg, "404") || strings.Contains(msg, "405")
}

func buildHTTPClient(ctx context.Context, cfg ServerConfig, tokens OAuthTokenSource) *http.Client {
	tr := &http.Transport{TLSClientConfig: &tls.Config{}}
	rt := &headerRoundTripper{headers: cfg.Headers, base: tr}
	if tokens != nil {
		if token, ok := tokens(ctx, cfg.Name); ok && token != "" {
			rt.bearer = token
		}
	}
	return &http.Client{Transport: rt, Timeout: 30 * time.Second}
}

// headerRoundTripper injects the configured headers and, when present, a
// bearer token, without overwriting anything the caller already set.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
	bearer  string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", "application/json, text/event-stream")
	}
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	if t.bearer != "" && r.Header.Get("Authorization") == "" {
		r.Header.Set("Authorization", "Bearer "+t.bearer)
	}
	return t.base.RoundTrip(r)
}

func listTools(ctx context.Context, serverName string, session *mcppkg.ClientSession) ([]Tool, error) {
	log := observability.LoggerWithTrace(ctx)
	var out []Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			log.Warn().Str("server", serverName).Err(err).Msg("mcp_list_tools_failed")
			break
		}
		out = append(out, Tool{
			RawName: tool.Name,
			Schema:  sanitizeSchema(tool),
			Execute: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return callTool(ctx, session, tool.Name, args)
			},
		})
	}
	return out, nil
}

func callTool(ctx context.Context, session *mcppkg.ClientSession, name string, args map[string]any) (map[string]any, error) {
	res, err := session.CallTool(ctx, &mcppkg.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	texts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		if tc, ok := c.(*mcppkg.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	out := map[string]any{
		"ok":         !res.IsError,
		"text":       strings.Join(texts, "\n"),
		"structured": res.StructuredContent,
	}
	if b, err := json.Marshal(res.Content); err == nil {
		var anyc any
		if json.Unmarshal(b, &anyc) == nil {
			out["content"] = anyc
		}
	}
	return out, nil
}

// sanitizeSchema normalizes an MCP tool's input schema to a provider-safe
// JSON schema: object type, concrete properties, and concrete items on
// every array, since some providers reject schemas that omit them.
func sanitizeSchema(tool *mcppkg.Tool) map[string]any {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	if tool.InputSchema != nil {
		if b, err := json.Marshal(tool.InputSchema); err == nil {
			var m map[string]any
			if json.Unmarshal(b, &m) == nil && m != nil {
				for k, v := range m {
					params[k] = v
				}
			}
		}
	}
	normalizeSchema(params)
	return map[string]any{"description": tool.Description, "parameters": params}
}

func normalizeSchema(s map[string]any) {
	hasType := func(v any, want string) bool {
		switch tt := v.(type) {
		case string:
			return tt == want
		case []any:
			for _, x := range tt {
				if xs, ok := x.(string); ok && xs == want {
					return true
				}
			}
		}
		return false
	}
	if hasType(s["type"], "object") {
		if _, ok := s["properties"].(map[string]any); !ok {
			s["properties"] = map[string]any{}
		}
	}
	if hasType(s["type"], "array") {
		if _, ok := s["items"].(map[string]any); !ok {
			s["items"] = map[string]any{"type": "string"}
		}
	}
	if props, ok := s["properties"].(map[string]any); ok {
		for _, v := range props {
			if m, ok := v.(map[string]any); ok {
				normalizeSchema(m)
			}
		}
	}
	if it, ok := s["items"].(map[string]any); ok {
		normalizeSchema(it)
	}
	for _, key := range []string{"oneOf", "anyOf", "allOf"} {
		if arr, ok := s[key].([]any); ok {
			for _, v := range arr {
				if m, ok := v.(map[string]any); ok {
					normalizeSchema(m)
				}
			}
		}
	}
}
