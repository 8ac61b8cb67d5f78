package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/types"
)

const (
	// DefaultPollInterval is how often WaitForPort dials the readiness port.
	DefaultPollInterval = 200 * time.Millisecond

	// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
	DefaultStopGrace = 3 * time.Second

	// DefaultStartupTimeout is used when a Spec leaves StartupTimeout unset.
	DefaultStartupTimeout = 10 * time.Second
)

// Supervisor launches processes in their own process group and tears them
// down with an escalating signal sequence.
type Supervisor struct {
	logger       *logging.Logger
	pollInterval time.Duration
	stopGrace    time.Duration
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPollInterval sets the readiness poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithStopGrace sets the wait between SIGTERM and SIGKILL.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopGrace = d
		}
	}
}

// New creates a supervisor that logs through logger.
func New(logger *logging.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:       logger,
		pollInterval: DefaultPollInterval,
		stopGrace:    DefaultStopGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches spec and waits until its port accepts connections. If the
// process exits or the port stays closed past the startup timeout, the
// process group is stopped and a *types.StartupError is returned.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Process, error) {
	if spec.Path == "" {
		return nil, &types.StartupError{Process: spec.Name, Port: spec.Port, Err: errors.New("empty command")}
	}

	// The process must outlive ctx, so it is not bound to it.
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	out := s.logger.With(spec.Name)
	cmd.Stdout = &lineWriter{logger: out, stream: "stdout"}
	cmd.Stderr = &lineWriter{logger: out, stream: "stderr"}
	// Grandchildren holding the output pipes must not block Wait forever.
	cmd.WaitDelay = s.stopGrace

	if err := cmd.Start(); err != nil {
		return nil, &types.StartupError{Process: spec.Name, Port: spec.Port, Err: err}
	}

	p := &Process{
		name:      spec.Name,
		port:      spec.Port,
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go p.wait()

	s.logger.Infof("Started %s (pid %d, port %d)", spec.Name, p.Pid(), spec.Port)

	if spec.Port <= 0 {
		return p, nil
	}

	timeout := spec.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	if err := s.WaitForPort(ctx, p, spec.Port, timeout); err != nil {
		s.Stop(p)
		return nil, &types.StartupError{Process: spec.Name, Port: spec.Port, Err: err}
	}

	s.logger.Infof("%s ready on port %d after %s", spec.Name, spec.Port, time.Since(p.startedAt).Round(time.Millisecond))
	return p, nil
}

// WaitForPort polls until something accepts connections on 127.0.0.1:port.
// It fails early when p exits or ctx is done. A nil p skips the liveness check.
func (s *Supervisor) WaitForPort(ctx context.Context, p *Process, port int, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	var done <-chan struct{}
	if p != nil {
		done = p.done
	}

	for {
		conn, err := net.DialTimeout("tcp", addr, s.pollInterval)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			if exitErr := p.ExitErr(); exitErr != nil {
				return fmt.Errorf("process exited before port %d opened: %w", port, exitErr)
			}
			return fmt.Errorf("process exited before port %d opened", port)
		case <-deadline.C:
			return fmt.Errorf("port %d not ready after %s", port, timeout)
		case <-ticker.C:
		}
	}
}

// Stop terminates the process group of p: SIGTERM, then SIGKILL if the
// leader has not exited within the stop grace. It returns once the leader
// has been reaped. Stop on a nil or exited process is a no-op.
func (s *Supervisor) Stop(p *Process) {
	if p == nil {
		return
	}

	pgid := p.Pid()
	if p.Alive() {
		s.logger.Debugf("Stopping %s (pid %d)", p.name, pgid)
		if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			s.logger.Warnf("SIGTERM %s (pgid %d): %v", p.name, pgid, err)
		}

		select {
		case <-p.done:
		case <-time.After(s.stopGrace):
			s.logger.Warnf("%s (pid %d) ignored SIGTERM, killing", p.name, pgid)
		}
	}

	// Group members may outlive the leader.
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warnf("SIGKILL %s (pgid %d): %v", p.name, pgid, err)
	}
	<-p.done
}
