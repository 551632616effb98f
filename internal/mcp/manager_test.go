package mcp

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfigSource struct {
	mu        sync.Mutex
	configs   map[string][]ServerConfig
	overrides map[string]Overrides
}

func newFakeConfigSource() *fakeConfigSource {
	return &fakeConfigSource{
		configs:   make(map[string][]ServerConfig),
		overrides: make(map[string]Overrides),
	}
}

func (f *fakeConfigSource) set(workspaceID string, configs []ServerConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[workspaceID] = configs
}

func (f *fakeConfigSource) ServerConfigs(_ context.Context, workspaceID string) ([]ServerConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[workspaceID], nil
}

func (f *fakeConfigSource) Overrides(_ context.Context, workspaceID string) (Overrides, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overrides[workspaceID], nil
}

func (f *fakeConfigSource) Policy() PolicyFilter { return nil }

// fakeInstance gives tests a handle to flip closed and count starts.
type fakeInstance struct {
	closed int32
}

func newFakeStarter(starts *int32) (starter, map[string]*fakeInstance) {
	live := make(map[string]*fakeInstance)
	var mu sync.Mutex
	start := func(ctx context.Context, cfg ServerConfig) (*instance, error) {
		atomic.AddInt32(starts, 1)
		fi := &fakeInstance{}
		mu.Lock()
		live[cfg.Name] = fi
		mu.Unlock()
		return &instance{
			serverName: cfg.Name,
			closed:     func() bool { return atomic.LoadInt32(&fi.closed) != 0 },
			close:      func() error { atomic.StoreInt32(&fi.closed, 1); return nil },
			tools: func() []Tool {
				return []Tool{{RawName: "run", Schema: map[string]any{}}}
			},
		}, nil
	}
	return start, live
}

func stdioConfig(name string) ServerConfig {
	return ServerConfig{Name: name, Transport: TransportStdio, Command: "/usr/bin/" + name, Enabled: true}
}

func TestGetToolsForWorkspace_StartsFreshAndCaches(t *testing.T) {
	var starts int32
	start, _ := newFakeStarter(&starts)
	cfgSrc := newFakeConfigSource()
	cfgSrc.set("ws1", []ServerConfig{stdioConfig("alpha")})

	m := New(cfgSrc, start, nil)
	defer m.Stop()

	tools, err := m.GetToolsForWorkspace(context.Background(), "ws1")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "alpha_run", tools[0].Name)
	assert.Equal(t, int32(1), atomic.LoadInt32(&starts))

	tools2, err := m.GetToolsForWorkspace(context.Background(), "ws1")
	require.NoError(t, err)
	assert.Equal(t, tools, tools2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&starts), "unchanged signature must reuse the pool")
}

func TestGetToolsForWorkspace_SignatureChangeWithoutLeaseRestartsFresh(t *testing.T) {
	var starts int32
	start, _ := newFakeStarter(&starts)
	cfgSrc := newFakeConfigSource()
	cfgSrc.set("ws1", []ServerConfig{stdioConfig("alpha")})

	m := New(cfgSrc, start, nil)
	defer m.Stop()

	_, err := m.GetToolsForWorkspace(context.Background(), "ws1")
	require.NoError(t, err)

	cfgSrc.set("ws1", []ServerConfig{stdioConfig("alpha"), stdioConfig("beta")})
	tools, err := m.GetToolsForWorkspace(context.Background(), "ws1")
	require.NoError(t, err)
	assert.Len(t, tools, 2)
	assert.Equal(t, int32(3), atomic.LoadInt32(&starts), "fresh restart starts both servers again")
}

func TestGetToolsForWorkspace_SignatureChangeWithLeaseRestartsOnlyClosed(t *testing.T) {
	var starts int32
	start, live := newFakeStarter(&starts)
	cfgSrc := newFakeConfigSource()
	cfgSrc.set("ws1", []ServerConfig{stdioConfig("alpha"), stdioConfig("beta")})

	m := New(cfgSrc, start, nil)
	defer m.Stop()

	_, err := m.GetToolsForWorkspace(context.Background(), "ws1")
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&starts))

	m.AcquireLease("ws1")
	defer m.ReleaseLease("ws1")

	// Simulate alpha's connection dying.
	atomic.StoreInt32(&live["alpha"].closed, 1)

	// Change config (drop beta, nothing new) to force signature mismatch.
	cfgSrc.set("ws1", []ServerConfig{stdioConfig("alpha")})
	tools, err := m.GetToolsForWorkspace(context.Background(), "ws1")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "alpha_run", tools[0].Name)
	assert.Equal(t, int32(3), atomic.LoadInt32(&starts), "only the closed instance restarts, beta is not")
}

func TestAcquireLease_PreventsIdleEviction(t *testing.T) {
	var starts int32
	start, _ := newFakeStarter(&starts)
	cfgSrc := newFakeConfigSource()
	cfgSrc.set("ws1", []ServerConfig{stdioConfig("alpha")})

	m := New(cfgSrc, start, nil)
	defer m.Stop()

	_, err := m.GetToolsForWorkspace(context.Background(), "ws1")
	require.NoError(t, err)

	m.AcquireLease("ws1")
	fixedNow := time.Now().Add(2 * time.Hour)
	m.now = func() time.Time { return fixedNow }

	m.evictIdle(context.Background())

	m.mu.Lock()
	_, stillPresent := m.pools["ws1"]
	m.mu.Unlock()
	assert.True(t, stillPresent, "a held lease must block idle eviction even past the timeout")
}

func TestEvictIdle_ClosesPoolPastTimeoutWithNoLease(t *testing.T) {
	var starts int32
	start, live := newFakeStarter(&starts)
	cfgSrc := newFakeConfigSource()
	cfgSrc.set("ws1", []ServerConfig{stdioConfig("alpha")})

	m := New(cfgSrc, start, nil)
	defer m.Stop()

	_, err := m.GetToolsForWorkspace(context.Background(), "ws1")
	require.NoError(t, err)

	fixedNow := time.Now().Add(2 * time.Hour)
	m.now = func() time.Time { return fixedNow }
	m.evictIdle(context.Background())

	m.mu.Lock()
	_, stillPresent := m.pools["ws1"]
	m.mu.Unlock()
	assert.False(t, stillPresent)
	assert.Equal(t, int32(1), atomic.LoadInt32(&live["alpha"].closed))
}

func TestQualifiedToolName_ResolvesCollisionsDeterministically(t *testing.T) {
	taken := map[string]bool{}
	first := QualifiedToolName("server", "run", taken)
	taken[first] = true
	second := QualifiedToolName("server", "run", taken)
	assert.NotEqual(t, first, second)
	assert.Equal(t, second, QualifiedToolName("server", "run", taken))
}

func TestQualifiedToolName_TruncatesAndSanitizes(t *testing.T) {
	longName := "this-is-a-very-long-tool-name-that-exceeds-the-sixty-four-character-cap"
	name := QualifiedToolName("server name!", longName, map[string]bool{})
	assert.LessOrEqual(t, len(name), maxToolNameLen)
	assert.NotContains(t, name, " ")
	assert.NotContains(t, name, "!")
}

func TestResolveEnabled_WorkspaceOverrideWinsEitherDirection(t *testing.T) {
	assert.True(t, resolveEnabled(false, "srv", Overrides{Enabled: map[string]bool{"srv": true}}))
	assert.False(t, resolveEnabled(true, "srv", Overrides{Disabled: map[string]bool{"srv": true}}))
	assert.True(t, resolveEnabled(true, "srv", Overrides{}))
}

type fakeEvictLock struct {
	allow bool
	calls int32
}

func (f *fakeEvictLock) AcquireIdleEvictionLock(ctx context.Context, workspaceID string, ttl time.Duration) (bool, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.allow, nil
}

func TestEvictIdle_RespectsDistributedLock(t *testing.T) {
	var starts int32
	start, live := newFakeStarter(&starts)
	cfgSrc := newFakeConfigSource()
	cfgSrc.set("ws1", []ServerConfig{stdioConfig("alpha")})

	lock := &fakeEvictLock{allow: false}
	m := New(cfgSrc, start, lock)
	defer m.Stop()

	_, err := m.GetToolsForWorkspace(context.Background(), "ws1")
	require.NoError(t, err)

	fixedNow := time.Now().Add(2 * time.Hour)
	m.now = func() time.Time { return fixedNow }
	m.evictIdle(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&lock.calls))
	m.mu.Lock()
	_, stillPresent := m.pools["ws1"]
	m.mu.Unlock()
	assert.True(t, stillPresent, "losing the distributed lock must skip local eviction")
	assert.Equal(t, int32(0), atomic.LoadInt32(&live["alpha"].closed))
}
