package session

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/entrhq/webpilot/pkg/agent/agenttest"
	"github.com/entrhq/webpilot/pkg/config"
	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/portprobe"
	"github.com/entrhq/webpilot/pkg/supervisor"
	"github.com/entrhq/webpilot/pkg/supervisor/supervisortest"
	"github.com/entrhq/webpilot/pkg/types"
)

func TestMain(m *testing.M) {
	supervisortest.RunHelper()
	os.Exit(m.Run())
}

type fakeReaper struct {
	mu       sync.Mutex
	patterns []string
}

func (f *fakeReaper) Reap(patterns ...string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns = append(f.patterns, patterns...)
	return nil, nil
}

func (f *fakeReaper) Patterns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.patterns...)
}

type fakeBlocklist struct {
	mu    sync.Mutex
	calls int
	path  string
}

func (f *fakeBlocklist) Available() string { return f.path }

func (f *fakeBlocklist) RefreshIfStale(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeBlocklist) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakes struct {
	xvnc, websockify, chrome supervisortest.Mode
}

var allListen = fakes{supervisortest.Listen, supervisortest.Listen, supervisortest.Listen}

// testConfig points every process at a fake and uses port ranges far from
// the real defaults.
func testConfig(t *testing.T, f fakes) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SessionsDir = t.TempDir()
	cfg.MaxSessions = 3
	cfg.Workers = 4
	cfg.CancelPoll = 20 * time.Millisecond
	cfg.CancelGrace = 2 * time.Second
	cfg.SweepTick = 20 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.Process.PollInterval = 20 * time.Millisecond
	cfg.Process.StopGrace = 300 * time.Millisecond

	cfg.Display.XvncPath = supervisortest.Script(t, "Xvnc", f.xvnc)
	cfg.Display.Range = portprobe.Range{Base: 47000, Start: 500, Count: 100}
	cfg.Display.StartupTimeout = 5 * time.Second
	cfg.Bridge.WebsockifyPath = supervisortest.Script(t, "websockify", f.websockify)
	cfg.Bridge.Range = portprobe.Range{Start: 47700, Count: 100}
	cfg.Bridge.StartupTimeout = 5 * time.Second
	cfg.Browser.ChromePath = supervisortest.Script(t, "chrome", f.chrome)
	cfg.Browser.Range = portprobe.Range{Start: 47900, Count: 100}
	cfg.Browser.StartupTimeout = 5 * time.Second
	cfg.Browser.Sandbox = false
	return cfg
}

type testEnv struct {
	registry  *Registry
	factory   *agenttest.Factory
	reaper    *fakeReaper
	alloc     *portprobe.Allocator
	blocklist *fakeBlocklist
}

func newTestRegistry(t *testing.T, cfg *config.Config, script agenttest.Script) *testEnv {
	t.Helper()
	logger := logging.NewWriterLogger("session", io.Discard)
	env := &testEnv{
		factory:   agenttest.NewFactory(script),
		reaper:    &fakeReaper{},
		alloc:     portprobe.NewAllocator(),
		blocklist: &fakeBlocklist{},
	}
	r, err := NewRegistry(Options{
		Config:     cfg,
		Factory:    env.factory.New,
		Blocklist:  env.blocklist,
		Supervisor: supervisor.New(logger, supervisor.WithPollInterval(cfg.Process.PollInterval), supervisor.WithStopGrace(cfg.Process.StopGrace)),
		Allocator:  env.alloc,
		Reaper:     env.reaper,
		Logger:     logger,
	})
	require.NoError(t, err)
	env.registry = r
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.Close(ctx)
	})
	return env
}

func (e *testEnv) create(t *testing.T) *Session {
	t.Helper()
	s, err := e.registry.Create("127.0.0.1:8000", "10.0.0.1")
	require.NoError(t, err)
	return s
}

// drain reads messages until the terminal one.
func drain(t *testing.T, s *Session) []*types.ProgressMessage {
	t.Helper()
	var out []*types.ProgressMessage
	for {
		m, ok := s.NextMessage(5 * time.Second)
		require.True(t, ok, "timed out waiting for messages, got %d", len(out))
		out = append(out, m)
		if m.IsTerminal() {
			return out
		}
	}
}

func bodies(msgs []*types.ProgressMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}
