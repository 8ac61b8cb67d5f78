package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/entrhq/webpilot/pkg/agent"
	"github.com/entrhq/webpilot/pkg/config"
	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/portprobe"
	"github.com/entrhq/webpilot/pkg/supervisor"
	"github.com/entrhq/webpilot/pkg/types"
)

// Session ids are 8 characters of lowercase letters and digits.
const (
	idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	idLength   = 8
)

// ErrRegistryClosed is returned by Create after Close.
var ErrRegistryClosed = errors.New("session registry closed")

// Blocklist is the shared hosts file kept fresh by the sweeper.
type Blocklist interface {
	Available() string
	RefreshIfStale(ctx context.Context) error
}

// Options configure a Registry. Config and Factory are required.
type Options struct {
	Config  *config.Config
	Factory agent.Factory

	// Policy persists configure calls. Nil opens the store at
	// Config.PolicyPath().
	Policy *config.PolicyStore

	Blocklist  Blocklist
	Supervisor *supervisor.Supervisor
	Allocator  *portprobe.Allocator
	Reaper     Reaper
	Logger     *logging.Logger
}

type entry struct {
	session *Session
	// removed is non-nil while the session is being removed and closed
	// once it is gone.
	removed chan struct{}
}

// Stats is a snapshot of registry counters.
type Stats struct {
	Connections int
	Sessions    int
	MaxSessions int
	ActiveTasks int
}

// Registry owns every session. A single mutex guards the session map, the
// admission limit and the sweeper state. Sessions being removed stay in
// the map, invisible to Get but counted against the limit, until their
// cleanup completes.
type Registry struct {
	host      *host
	policy    *config.PolicyStore
	blocklist Blocklist
	logger    *logging.Logger

	mu          sync.Mutex
	sessions    map[string]*entry
	maxSessions int
	connections int
	closed      bool

	sweeping    bool
	sweepDone   chan struct{}
	lastEvict   time.Time
	sweepCtx    context.Context
	sweepCancel context.CancelFunc

	newID func() (string, error)
}

// NewRegistry creates a registry and the sessions directory.
func NewRegistry(opts Options) (*Registry, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("registry needs a config")
	}
	if opts.Factory == nil {
		return nil, errors.New("registry needs a task factory")
	}
	if err := os.MkdirAll(cfg.SessionsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewWriterLogger("session", io.Discard)
	}

	policy := opts.Policy
	if policy == nil {
		var err error
		policy, err = config.OpenPolicyStore(cfg.PolicyPath(), config.Policy{
			OperatorModel: cfg.Models.Operator,
			PlannerModel:  cfg.Models.Planner,
			MaxSessions:   cfg.MaxSessions,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open policy store: %w", err)
		}
	}

	sup := opts.Supervisor
	if sup == nil {
		sup = supervisor.New(logger,
			supervisor.WithPollInterval(cfg.Process.PollInterval),
			supervisor.WithStopGrace(cfg.Process.StopGrace))
	}
	alloc := opts.Allocator
	if alloc == nil {
		alloc = portprobe.NewAllocator()
	}

	h := &host{
		cfg:     cfg,
		sup:     sup,
		alloc:   alloc,
		reaper:  opts.Reaper,
		runner:  NewRunner(cfg.Workers),
		factory: opts.Factory,
		logger:  logger,
		now:     time.Now,
	}
	if cfg.Browser.Sandbox {
		if bw, ok := supervisor.NewBwrap(cfg.Browser.BwrapPath); ok {
			h.sandbox = bw
		} else {
			logger.Warnf("Sandbox wrapper %q not found, browser runs unwrapped", cfg.Browser.BwrapPath)
		}
	}
	if opts.Blocklist != nil {
		h.hosts = opts.Blocklist.Available
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	r := &Registry{
		host:        h,
		policy:      policy,
		blocklist:   opts.Blocklist,
		logger:      logger,
		sessions:    make(map[string]*entry),
		maxSessions: policy.Policy().MaxSessions,
		lastEvict:   h.now(),
		sweepCtx:    sweepCtx,
		sweepCancel: sweepCancel,
		newID: func() (string, error) {
			return gonanoid.Generate(idAlphabet, idLength)
		},
	}
	return r, nil
}

// Create admits a new session. It returns ErrAdmissionRejected when the
// registry is at capacity; callers should retry later.
func (r *Registry) Create(serverAddr, clientAddr string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if len(r.sessions) >= r.maxSessions {
		return nil, fmt.Errorf("%w: %d of %d sessions in use", types.ErrAdmissionRejected, len(r.sessions), r.maxSessions)
	}

	var id string
	for {
		var err error
		id, err = r.newID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session id: %w", err)
		}
		if _, taken := r.sessions[id]; !taken {
			break
		}
	}

	workDir := filepath.Join(r.host.cfg.SessionsDir, "session_"+id)
	if err := os.Mkdir(workDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	s, err := newSession(id, serverAddr, clientAddr, workDir, r.host, r.policy.Policy())
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, err
	}
	r.sessions[id] = &entry{session: s}
	r.logger.Infof("[%s] Session created for %s (%d/%d)", id, clientAddr, len(r.sessions), r.maxSessions)

	r.startSweeperLocked()
	return s, nil
}

// Get returns a live session and touches it.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok || e.removed != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	e.session.Touch()
	return e.session, nil
}

// Remove destroys a session and drops it from the registry. It returns
// once the session is gone; concurrent callers wait for the same removal.
// Removing an unknown id is a no-op.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if e.removed != nil {
		done := e.removed
		r.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.removed = make(chan struct{})
	r.mu.Unlock()

	r.logger.Infof("[%s] Removing session", id)
	e.session.cleanup(ctx)

	r.mu.Lock()
	delete(r.sessions, id)
	close(e.removed)
	r.mu.Unlock()
	return nil
}

// RemoveAll removes every session.
func (r *Registry) RemoveAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range r.ids() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Remove(ctx, id); err != nil {
				r.logger.Warnf("[%s] Remove: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}

func (r *Registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sessions returns the live sessions ordered by id.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.removed == nil {
			out = append(out, e.session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Configure sets the default models and the session limit, persists them
// and applies the models to every live session. Lowering the limit does
// not evict sessions.
func (r *Registry) Configure(operatorModel, plannerModel string, maxSessions int) error {
	if err := config.ValidateMaxSessions(maxSessions); err != nil {
		return err
	}
	if operatorModel == "" {
		return fmt.Errorf("%w: operator model is required", types.ErrInvalidConfig)
	}
	p := config.Policy{OperatorModel: operatorModel, PlannerModel: plannerModel, MaxSessions: maxSessions}
	if err := r.policy.Update(p); err != nil {
		return err
	}

	r.mu.Lock()
	r.maxSessions = maxSessions
	sessions := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.SetPolicy(p)
	}
	r.logger.Infof("Configured operator=%s planner=%s max_sessions=%d", operatorModel, plannerModel, maxSessions)
	return nil
}

// Policy returns the current policy.
func (r *Registry) Policy() config.Policy {
	return r.policy.Policy()
}

// Connect and Disconnect count attached clients.
func (r *Registry) Connect() {
	r.mu.Lock()
	r.connections++
	r.mu.Unlock()
}

// Disconnect undoes Connect.
func (r *Registry) Disconnect() {
	r.mu.Lock()
	if r.connections > 0 {
		r.connections--
	}
	r.mu.Unlock()
}

// Stats returns the registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Connections: r.connections,
		Sessions:    len(r.sessions),
		MaxSessions: r.maxSessions,
		ActiveTasks: r.host.runner.Active(),
	}
}

// Close rejects new sessions, removes all sessions, stops the sweeper and
// waits for the task runner to drain.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.RemoveAll(ctx)

	r.sweepCancel()
	r.mu.Lock()
	done := r.sweepDone
	r.mu.Unlock()
	if done != nil {
		<-done
	}
	r.host.runner.Close()
	r.logger.Infof("Session registry closed")
}
