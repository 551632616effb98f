package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"muxcore/internal/observability"
)

const (
	idleEvictionInterval = 60 * time.Second
	idleTimeout          = 10 * time.Minute
)

// Tool is a provider-ready tool handle, namespaced and schema-sanitized.
type Tool struct {
	Name       string
	ServerName string
	RawName    string
	Schema     map[string]any
	Execute    func(ctx context.Context, args map[string]any) (map[string]any, error)
}

// instance is ServerManager's view of one running MCP server connection.
// client.go's starter produces these; tests inject a fake.
type instance struct {
	serverName   string
	closed       func() bool
	close        func() error
	tools        func() []Tool
	autoFallback bool
}

// starter dials a single configured server and returns a running instance.
type starter func(ctx context.Context, cfg ServerConfig) (*instance, error)

// ConfigSource resolves the project-level server configs and policy for a
// workspace.
type ConfigSource interface {
	ServerConfigs(ctx context.Context, workspaceID string) ([]ServerConfig, error)
	Overrides(ctx context.Context, workspaceID string) (Overrides, error)
	Policy() PolicyFilter
}

type workspacePool struct {
	signature        string
	instances        map[string]*instance // by server name
	tools            []Tool
	leaseCount       int
	lastActivity     time.Time
	autoFallbackUsed map[string]bool
}

// ServerManager is MCPServerManager: a per-workspace pool of MCP
// connections with signature-based reuse, lease tracking, and idle
// eviction.
type ServerManager struct {
	cfg    ConfigSource
	start  starter
	logger zerolog.Logger
	now    func() time.Time

	evictLock EvictionLocker

	mu    sync.Mutex
	pools map[string]*workspacePool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// EvictionLocker coordinates idle eviction across multiple muxd instances
// sharing a workspace (evictlock.go's Redis-backed implementation, or nil
// to always evict locally).
type EvictionLocker interface {
	AcquireIdleEvictionLock(ctx context.Context, workspaceID string, ttl time.Duration) (bool, error)
}

// New constructs a ServerManager and starts its idle-eviction ticker.
func New(cfg ConfigSource, start starter, evictLock EvictionLocker) *ServerManager {
	m := &ServerManager{
		cfg:       cfg,
		start:     start,
		logger:    *observability.LoggerWithTrace(nil),
		now:       time.Now,
		evictLock: evictLock,
		pools:     make(map[string]*workspacePool),
		stopCh:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

func (m *ServerManager) evictLoop() {
	ticker := time.NewTicker(idleEvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictIdle(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// Stop halts the idle-eviction ticker and closes every pooled connection.
func (m *ServerManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pools {
		m.closePool(p)
		delete(m.pools, id)
	}
}

func (m *ServerManager) closePool(p *workspacePool) {
	for name, inst := range p.instances {
		if err := inst.close(); err != nil {
			m.logger.Warn().Str("server", name).Err(err).Msg("mcp_close_failed")
		}
	}
}

// evictIdle runs the idle-eviction sweep: pools with no
// held lease whose lastActivity is at least 10 minutes old are stopped.
func (m *ServerManager) evictIdle(ctx context.Context) {
	m.mu.Lock()
	candidates := make([]string, 0)
	for id, p := range m.pools {
		if p.leaseCount > 0 {
			continue
		}
		if m.now().Sub(p.lastActivity) >= idleTimeout {
			candidates = append(candidates, id)
		}
	}
	m.mu.Unlock()

	for _, id := range candidates {
		if m.evictLock != nil {
			ok, err := m.evictLock.AcquireIdleEvictionLock(ctx, id, idleEvictionInterval)
			if err != nil {
				m.logger.Warn().Str("workspace_id", id).Err(err).Msg("mcp_evict_lock_failed")
				continue
			}
			if !ok {
				continue
			}
		}
		m.mu.Lock()
		p, ok := m.pools[id]
		if ok && p.leaseCount == 0 && m.now().Sub(p.lastActivity) >= idleTimeout {
			m.closePool(p)
			delete(m.pools, id)
		}
		m.mu.Unlock()
	}
}

// AutoFallbackUsed reports whether serverName's current connection in
// workspaceID fell back from http to sse.
func (m *ServerManager) AutoFallbackUsed(workspaceID, serverName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[workspaceID]
	if !ok {
		return false
	}
	return p.autoFallbackUsed[serverName]
}

// AcquireLease marks workspaceID as in active use, preventing idle eviction
// until a matching ReleaseLease.
func (m *ServerManager) AcquireLease(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[workspaceID]; ok {
		p.leaseCount++
		return
	}
	m.pools[workspaceID] = &workspacePool{
		instances:        make(map[string]*instance),
		leaseCount:       1,
		lastActivity:     m.now(),
		autoFallbackUsed: make(map[string]bool),
	}
}

// ReleaseLease drops a lease acquired via AcquireLease.
func (m *ServerManager) ReleaseLease(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[workspaceID]
	if !ok {
		return
	}
	if p.leaseCount > 0 {
		p.leaseCount--
	}
	p.lastActivity = m.now()
}

// markActivity refreshes workspaceID's lastActivity stamp. Wrapped tool
// executes call it before running, so even failed calls keep the pool warm.
func (m *ServerManager) markActivity(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[workspaceID]; ok {
		p.lastActivity = m.now()
	}
}

// GetToolsForWorkspace resolves the tool set for a workspace, reusing or
// rebuilding its server pool as the resolved signature dictates.
func (m *ServerManager) GetToolsForWorkspace(ctx context.Context, workspaceID string) ([]Tool, error) {
	configs, err := m.cfg.ServerConfigs(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("mcp: resolve server configs: %w", err)
	}
	overrides, err := m.cfg.Overrides(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("mcp: resolve overrides: %w", err)
	}
	enabled := resolveEnabledServers(configs, overrides, m.cfg.Policy())
	sig := Signature(enabled)

	m.mu.Lock()
	p, exists := m.pools[workspaceID]
	if exists && p.signature == sig {
		closedAny := false
		for _, inst := range p.instances {
			if inst.closed() {
				closedAny = true
				break
			}
		}
		if !closedAny {
			p.lastActivity = m.now()
			tools := p.tools
			m.mu.Unlock()
			return tools, nil
		}
	}

	// Signature changed but a lease is held: restart only the
	// closed instances rather than reshaping the whole pool, and filter
	// the returned set to the currently-enabled servers.
	if exists && p.leaseCount > 0 {
		m.mu.Unlock()
		return m.restartClosed(ctx, workspaceID, enabled, sig)
	}
	m.mu.Unlock()

	return m.restartFresh(ctx, workspaceID, enabled, sig)
}

func (m *ServerManager) restartClosed(ctx context.Context, workspaceID string, enabled []ServerConfig, sig string) ([]Tool, error) {
	m.mu.Lock()
	p := m.pools[workspaceID]
	m.mu.Unlock()

	enabledByName := make(map[string]ServerConfig, len(enabled))
	for _, c := range enabled {
		enabledByName[c.Name] = c
	}

	for name, inst := range p.instances {
		if !inst.closed() {
			continue
		}
		cfg, ok := enabledByName[name]
		if !ok {
			continue
		}
		newInst, err := m.start(ctx, cfg)
		if err != nil {
			m.logger.Warn().Str("server", name).Err(err).Msg("mcp_restart_failed")
			continue
		}
		p.instances[name] = newInst
		p.autoFallbackUsed[name] = newInst.autoFallback
	}
	for name, cfg := range enabledByName {
		if _, ok := p.instances[name]; !ok {
			newInst, err := m.start(ctx, cfg)
			if err != nil {
				m.logger.Warn().Str("server", name).Err(err).Msg("mcp_start_failed")
				continue
			}
			p.instances[name] = newInst
			p.autoFallbackUsed[name] = newInst.autoFallback
		}
	}

	tools := m.collectTools(workspaceID, p, enabledByName)
	m.mu.Lock()
	p.tools = tools
	p.signature = sig
	p.lastActivity = m.now()
	m.mu.Unlock()
	return tools, nil
}

func (m *ServerManager) restartFresh(ctx context.Context, workspaceID string, enabled []ServerConfig, sig string) ([]Tool, error) {
	m.mu.Lock()
	old, hadOld := m.pools[workspaceID]
	m.mu.Unlock()
	if hadOld {
		m.closePool(old)
	}

	p := &workspacePool{
		instances:        make(map[string]*instance),
		signature:        sig,
		lastActivity:     m.now(),
		autoFallbackUsed: make(map[string]bool),
	}
	if hadOld {
		p.leaseCount = old.leaseCount
	}

	enabledByName := make(map[string]ServerConfig, len(enabled))
	for _, c := range enabled {
		enabledByName[c.Name] = c
	}

	// Dialing N independent server connections is embarrassingly parallel —
	// each start() call is an isolated stdio/http/sse handshake with no
	// shared state until its result is written into p.instances below, so
	// an errgroup fans them out instead of paying N sequential connect
	// timeouts on every fresh pool build.
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range enabled {
		c := c
		g.Go(func() error {
			inst, err := m.start(gctx, c)
			if err != nil {
				m.logger.Warn().Str("server", c.Name).Err(err).Msg("mcp_start_failed")
				return nil
			}
			mu.Lock()
			p.instances[c.Name] = inst
			p.autoFallbackUsed[c.Name] = inst.autoFallback
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	p.tools = m.collectTools(workspaceID, p, enabledByName)

	m.mu.Lock()
	m.pools[workspaceID] = p
	m.mu.Unlock()
	return p.tools, nil
}

// collectTools gathers every running instance's tools, namespacing and
// deduplicating deterministically. Each tool's Execute is wrapped to
// refresh the workspace's activity stamp before running, failed calls
// included.
func (m *ServerManager) collectTools(workspaceID string, p *workspacePool, enabledByName map[string]ServerConfig) []Tool {
	names := make([]string, 0, len(p.instances))
	for name := range p.instances {
		if _, ok := enabledByName[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	taken := make(map[string]bool)
	out := make([]Tool, 0)
	for _, name := range names {
		inst := p.instances[name]
		if inst.closed() {
			continue
		}
		for _, t := range inst.tools() {
			qualified := QualifiedToolName(name, t.RawName, taken)
			taken[qualified] = true
			t.Name = qualified
			t.ServerName = name
			if exec := t.Execute; exec != nil {
				t.Execute = func(ctx context.Context, args map[string]any) (map[string]any, error) {
					m.markActivity(workspaceID)
					return exec(ctx, args)
				}
			}
			out = append(out, t)
		}
	}
	return out
}
