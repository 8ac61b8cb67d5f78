// Package session runs the per-user browser sandboxes: a display server, a
// websocket bridge to it and a browser, plus at most one automation task at
// a time. Sessions are created and destroyed through a Registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/entrhq/webpilot/pkg/agent"
	"github.com/entrhq/webpilot/pkg/config"
	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/portprobe"
	"github.com/entrhq/webpilot/pkg/security/workspace"
	"github.com/entrhq/webpilot/pkg/supervisor"
	"github.com/entrhq/webpilot/pkg/types"
)

// Reaper kills stray processes whose command line matches a pattern.
type Reaper interface {
	Reap(patterns ...string) ([]int, error)
}

// reservedPaths are managed by the browser and cannot be written by StoreFile.
var reservedPaths = []string{filepath.Join(".config", "google-chrome"), ".cache"}

// host holds what every session of a registry shares.
type host struct {
	cfg     *config.Config
	sup     *supervisor.Supervisor
	alloc   *portprobe.Allocator
	reaper  Reaper
	sandbox *supervisor.Bwrap
	hosts   func() string
	runner  *Runner
	factory agent.Factory
	logger  *logging.Logger
	now     func() time.Time
}

// Allocation is the set of numbers a session currently holds. Zero means
// not allocated.
type Allocation struct {
	Display   int
	VNCPort   int
	Bridge    int
	DebugPort int
}

// TaskRequest starts a task. Empty model names fall back to the registry policy.
type TaskRequest struct {
	Prompt        string
	Operator      string
	Planner       string
	SensitiveData map[string]string
}

type taskSlot struct {
	running bool
	stop    bool
	task    agent.Task
	done    chan struct{}
}

// Session is one user's sandbox.
type Session struct {
	id         string
	serverAddr string
	clientAddr string
	workDir    string
	createdAt  time.Time

	host   *host
	logger *logging.Logger
	guard  *workspace.Guard
	queue  *Queue

	// opMu serializes process setup and teardown.
	opMu    sync.Mutex
	display supervisor.Slot
	bridge  supervisor.Slot
	browser supervisor.Slot

	mu         sync.Mutex
	lastAccess time.Time
	alloc      Allocation
	slot       taskSlot
	taskSeq    int
	policy     config.Policy
	destroyed  bool
}

func newSession(id, serverAddr, clientAddr, workDir string, h *host, policy config.Policy) (*Session, error) {
	guard, err := workspace.NewGuard(workDir, reservedPaths...)
	if err != nil {
		return nil, err
	}
	now := h.now()
	return &Session{
		id:         id,
		serverAddr: serverAddr,
		clientAddr: clientAddr,
		workDir:    guard.WorkspaceDir(),
		createdAt:  now,
		lastAccess: now,
		host:       h,
		logger:     h.logger.With(id),
		guard:      guard,
		queue:      NewQueue(h.cfg.QueueCapacity),
		policy:     policy,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ServerAddr returns the address of the server that created the session.
func (s *Session) ServerAddr() string { return s.serverAddr }

// ClientAddr returns the address of the client the session belongs to.
func (s *Session) ClientAddr() string { return s.clientAddr }

// WorkDir returns the session's working directory.
func (s *Session) WorkDir() string { return s.workDir }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Touch records an interaction with the session.
func (s *Session) Touch() {
	now := s.host.now()
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

// LastAccess returns the time of the last interaction.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Allocation returns the numbers currently held by the session.
func (s *Session) Allocation() Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc
}

// Policy returns the models used for tasks that name none.
func (s *Session) Policy() config.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SetPolicy replaces the default models for later tasks.
func (s *Session) SetPolicy(p config.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

// Destroyed reports whether the session has been cleaned up.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Status reports which processes are alive right now and whether a task
// occupies the task slot. Numbers of dead processes read as 0.
func (s *Session) Status() types.Status {
	s.Touch()
	return s.status()
}

func (s *Session) status() types.Status {
	s.mu.Lock()
	a, running := s.alloc, s.slot.running
	s.mu.Unlock()

	st := types.Status{SessionID: s.id, Server: s.serverAddr}
	if s.display.Alive() {
		st.Display = a.Display
	}
	if s.bridge.Alive() {
		st.Bridge = a.Bridge
	}
	if s.browser.Alive() {
		st.Browser = a.DebugPort
	}
	if running {
		st.Task = 1
	}
	return st
}

// StartBrowser makes sure the display server, the bridge and the browser
// are running. It is idempotent. The returned status is valid even when an
// error is returned; it shows which parts came up.
func (s *Session) StartBrowser(ctx context.Context) (types.Status, error) {
	s.Touch()
	s.opMu.Lock()
	err := s.ensureBrowser(ctx)
	s.opMu.Unlock()
	if err != nil {
		s.logger.Warnf("Start browser: %v", err)
	}
	return s.status(), err
}

// ensureBrowser requires opMu.
func (s *Session) ensureBrowser(ctx context.Context) error {
	if s.Destroyed() {
		return types.ErrDestroyed
	}
	if err := s.ensureDisplay(ctx); err != nil {
		return err
	}
	return s.ensureChrome(ctx)
}

// ensureDisplay brings up Xvnc and websockify as a pair. If either fails
// both are stopped and their numbers released.
func (s *Session) ensureDisplay(ctx context.Context) error {
	cfg := s.host.cfg

	s.mu.Lock()
	a := s.alloc
	s.mu.Unlock()

	if a.Display == 0 {
		d, p, err := s.host.alloc.AcquireDisplay(s.id, cfg.Display.Range)
		if err != nil {
			return fmt.Errorf("allocate display: %w", err)
		}
		a.Display, a.VNCPort = d, p
	}
	if a.Bridge == 0 {
		p, err := s.host.alloc.AcquirePort(s.id, cfg.Bridge.Range)
		if err != nil {
			s.host.alloc.ReleaseDisplay(s.id, a.Display, a.VNCPort)
			return fmt.Errorf("allocate bridge port: %w", err)
		}
		a.Bridge = p
	}
	s.mu.Lock()
	s.alloc.Display, s.alloc.VNCPort, s.alloc.Bridge = a.Display, a.VNCPort, a.Bridge
	s.mu.Unlock()

	_, started, err := s.display.Ensure(ctx, s.host.sup, supervisor.DisplaySpec(supervisor.DisplayOptions{
		Path:     cfg.Display.XvncPath,
		Geometry: cfg.Display.Geometry,
		Depth:    cfg.Display.Depth,
		Display:  a.Display,
		Port:     a.VNCPort,
		Timeout:  cfg.Display.StartupTimeout,
	}))
	if err != nil {
		s.stopDisplay()
		return err
	}
	if started {
		s.logger.Infof("Display :%d up (vnc port %d)", a.Display, a.VNCPort)
	}

	_, started, err = s.bridge.Ensure(ctx, s.host.sup, supervisor.BridgeSpec(supervisor.BridgeOptions{
		Path:      cfg.Bridge.WebsockifyPath,
		Heartbeat: cfg.Bridge.Heartbeat,
		Port:      a.Bridge,
		VNCPort:   a.VNCPort,
		Timeout:   cfg.Bridge.StartupTimeout,
	}))
	if err != nil {
		s.stopDisplay()
		return err
	}
	if started {
		s.logger.Infof("Bridge up on port %d", a.Bridge)
	}
	return nil
}

// ensureChrome starts the browser on the session display. A failure stops
// the browser only; the display stays up.
func (s *Session) ensureChrome(ctx context.Context) error {
	cfg := s.host.cfg

	s.mu.Lock()
	a := s.alloc
	s.mu.Unlock()

	if a.DebugPort == 0 {
		p, err := s.host.alloc.AcquirePort(s.id, cfg.Browser.Range)
		if err != nil {
			return fmt.Errorf("allocate debug port: %w", err)
		}
		a.DebugPort = p
		s.mu.Lock()
		s.alloc.DebugPort = p
		s.mu.Unlock()
	}

	hostsFile := ""
	if s.host.hosts != nil {
		hostsFile = s.host.hosts()
	}
	spec, err := supervisor.BrowserSpec(supervisor.BrowserOptions{
		Path:       cfg.Browser.ChromePath,
		Display:    a.Display,
		DebugPort:  a.DebugPort,
		WorkDir:    s.workDir,
		ExtraFlags: cfg.Browser.ExtraFlags,
		Timeout:    cfg.Browser.StartupTimeout,
		Sandbox:    s.host.sandbox,
		HostsFile:  hostsFile,
	})
	if err != nil {
		s.stopChrome()
		return err
	}

	_, started, err := s.browser.Ensure(ctx, s.host.sup, spec)
	if err != nil {
		s.stopChrome()
		return err
	}
	if started {
		s.logger.Infof("Browser up (debug port %d)", a.DebugPort)
	}
	return nil
}

// stopChrome requires opMu.
func (s *Session) stopChrome() {
	s.browser.Stop(s.host.sup)

	s.mu.Lock()
	port := s.alloc.DebugPort
	s.alloc.DebugPort = 0
	s.mu.Unlock()

	if port > 0 {
		s.reap(supervisor.BrowserPattern(port))
		s.host.alloc.ReleasePort(s.id, port)
	}
}

// stopDisplay requires opMu.
func (s *Session) stopDisplay() {
	s.bridge.Stop(s.host.sup)
	s.display.Stop(s.host.sup)

	s.mu.Lock()
	a := s.alloc
	s.alloc.Display, s.alloc.VNCPort, s.alloc.Bridge = 0, 0, 0
	s.mu.Unlock()

	var patterns []string
	if a.Display > 0 {
		patterns = append(patterns, supervisor.XvncPattern(a.Display))
		s.host.alloc.ReleaseDisplay(s.id, a.Display, a.VNCPort)
	}
	if a.Bridge > 0 {
		patterns = append(patterns, supervisor.BridgePatterns(a.Bridge, a.VNCPort)...)
		s.host.alloc.ReleasePort(s.id, a.Bridge)
	}
	s.reap(patterns...)
}

func (s *Session) reap(patterns ...string) {
	if s.host.reaper == nil || len(patterns) == 0 {
		return
	}
	killed, err := s.host.reaper.Reap(patterns...)
	if err != nil {
		s.logger.Warnf("Reap %v: %v", patterns, err)
	}
	if len(killed) > 0 {
		s.logger.Warnf("Killed stray processes %v", killed)
	}
}

// teardown requires opMu.
func (s *Session) teardown() {
	s.stopChrome()
	s.stopDisplay()
	// Leases the rollbacks above did not know about, if any.
	s.host.alloc.ReleaseAll(s.id)
}

// StopBrowser cancels the running task, then stops the browser, the bridge
// and the display server in that order and releases their numbers.
func (s *Session) StopBrowser(ctx context.Context) types.Status {
	s.Touch()
	if _, err := s.CancelTask(ctx); err != nil {
		s.logger.Warnf("Stopping processes while the task is still running: %v", err)
	}

	s.opMu.Lock()
	s.teardown()
	s.opMu.Unlock()
	s.logger.Infof("Browser stopped")
	return s.status()
}

// StartTask occupies the task slot and hands the task to the runner. The
// worker brings the browser up before running the task. Submit blocks while
// every worker is busy.
func (s *Session) StartTask(req TaskRequest) (types.Status, error) {
	s.Touch()
	if req.Prompt == "" {
		return s.status(), errors.New("task prompt is empty")
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return types.Status{SessionID: s.id, Server: s.serverAddr}, types.ErrDestroyed
	}
	if s.slot.running {
		s.mu.Unlock()
		return s.status(), types.ErrAlreadyRunning
	}
	s.taskSeq++
	seq := s.taskSeq
	s.slot = taskSlot{running: true, done: make(chan struct{})}
	if req.Operator == "" {
		req.Operator = s.policy.OperatorModel
	}
	if req.Planner == "" {
		req.Planner = s.policy.PlannerModel
	}
	s.mu.Unlock()

	s.logger.Infof("Task %d submitted (operator %s)", seq, req.Operator)
	if err := s.host.runner.Submit(func(ctx context.Context) { s.runTask(ctx, seq, req) }); err != nil {
		s.endTask()
		return s.status(), err
	}
	return s.status(), nil
}

func (s *Session) runTask(ctx context.Context, seq int, req TaskRequest) {
	q := &sequencer{taskSeq: seq, now: s.host.now}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Task %d panicked: %v\n%s", seq, r, debug.Stack())
			s.queue.Push(q.failure(fmt.Errorf("task failed: %v", r)))
		}
		s.endTask()
		s.queue.Push(q.completed())
		s.logger.Infof("Task %d finished", seq)
	}()

	s.Touch()
	s.opMu.Lock()
	err := s.ensureBrowser(ctx)
	s.opMu.Unlock()
	if err != nil {
		s.logger.Warnf("Task %d: %v", seq, err)
		s.queue.Push(q.failure(err))
		return
	}

	task, err := s.host.factory(agent.Request{
		Prompt:        req.Prompt,
		Operator:      req.Operator,
		Planner:       req.Planner,
		SensitiveData: req.SensitiveData,
		CDPPort:       s.Allocation().DebugPort,
		WorkDir:       s.workDir,
	})
	if err != nil {
		s.logger.Warnf("Task %d: %v", seq, err)
		s.queue.Push(q.failure(err))
		return
	}
	if !s.bindTask(task) {
		s.queue.Push(q.message(types.MessageKindInfo, "task", TaskCancelled))
		return
	}

	err = task.Run(ctx, func(e *types.AgentEvent) {
		s.Touch()
		s.queue.Push(q.translate(e))
	})
	switch {
	case errors.Is(err, agent.ErrStopped):
		s.queue.Push(q.message(types.MessageKindInfo, "task", TaskCancelled))
	case err != nil:
		s.logger.Warnf("Task %d: %v", seq, err)
		s.queue.Push(q.failure(err))
	}
}

// bindTask stores the task in the slot unless a cancel already arrived.
func (s *Session) bindTask(t agent.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot.stop {
		return false
	}
	s.slot.task = t
	return true
}

func (s *Session) endTask() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot.done != nil {
		close(s.slot.done)
	}
	s.slot = taskSlot{}
}

// CancelTask asks the running task to stop and polls until the task slot
// is free. It waits as long as ctx allows; the task is never killed.
func (s *Session) CancelTask(ctx context.Context) (types.Status, error) {
	s.Touch()

	s.mu.Lock()
	if !s.slot.running {
		s.mu.Unlock()
		return s.status(), nil
	}
	s.slot.stop = true
	done := s.slot.done
	s.mu.Unlock()

	ticker := time.NewTicker(s.host.cfg.CancelPoll)
	defer ticker.Stop()
	for {
		// The task may be bound after the first look, so stop is repeated.
		s.mu.Lock()
		var task agent.Task
		if s.slot.done == done {
			task = s.slot.task
		}
		s.mu.Unlock()
		if task != nil {
			task.Stop()
		}

		select {
		case <-done:
			s.logger.Infof("Task cancelled")
			return s.status(), nil
		case <-ctx.Done():
			return s.status(), fmt.Errorf("task did not stop: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// NextMessage returns the next progress message, waiting up to timeout.
func (s *Session) NextMessage(timeout time.Duration) (*types.ProgressMessage, bool) {
	s.Touch()
	return s.queue.Next(timeout)
}

// StoreFile writes data to name inside the working directory. Names that
// leave the directory or touch browser-managed paths are rejected.
func (s *Session) StoreFile(name string, data []byte) error {
	s.Touch()
	if s.Destroyed() {
		return types.ErrDestroyed
	}

	path, err := s.guard.ResolveWritable(name)
	if err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	s.logger.Infof("Stored %s (%s)", name, humanize.Bytes(uint64(len(data))))
	return nil
}

// cleanup destroys the session: cancel the task for up to the cancel
// grace, stop every process and delete the working directory. Failures are
// logged, never returned.
func (s *Session) cleanup(ctx context.Context) {
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.host.cfg.CancelGrace)
	if _, err := s.CancelTask(cctx); err != nil {
		s.logger.Warnf("Cleanup continues with a running task: %v", err)
	}
	cancel()

	s.opMu.Lock()
	s.teardown()
	s.opMu.Unlock()

	if err := os.RemoveAll(s.workDir); err != nil {
		s.logger.Errorf("Failed to remove %s: %v", s.workDir, err)
	}
	s.logger.Infof("Session cleaned up")
}
