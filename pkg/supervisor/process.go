// Package supervisor starts, health-checks and stops the external processes
// that make up a browser sandbox: the Xvnc display server, the websockify
// bridge and the browser itself.
package supervisor

import (
	"bytes"
	"os/exec"
	"sync"
	"time"

	"github.com/entrhq/webpilot/pkg/logging"
)

// Spec describes one process to launch.
type Spec struct {
	// Name identifies the process kind in logs and errors (e.g. "xvnc").
	Name string

	// Path and Args form the command line. Args does not include Path.
	Path string
	Args []string

	// Env is appended to the supervisor's environment.
	Env []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Port is the TCP port that signals readiness once it accepts connections.
	Port int

	// StartupTimeout bounds the readiness wait.
	StartupTimeout time.Duration
}

// Process is a handle on a started process running in its own process group.
type Process struct {
	name      string
	port      int
	cmd       *exec.Cmd
	startedAt time.Time

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// Name returns the process kind.
func (p *Process) Name() string {
	return p.name
}

// Port returns the readiness port.
func (p *Process) Port() int {
	return p.port
}

// Pid returns the process id, which is also its process group id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// StartedAt returns the launch time.
func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Alive reports whether the process is still running. A nil handle is not alive.
func (p *Process) Alive() bool {
	if p == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the result of Wait once the process has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// lineWriter forwards complete output lines of a child process to a logger.
type lineWriter struct {
	mu     sync.Mutex
	logger *logging.Logger
	stream string
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.Write(line)
			break
		}
		w.logger.Debugf("%s: %s", w.stream, bytes.TrimRight(line, "\r\n"))
	}
	// Bound memory for processes that never print a newline.
	if w.buf.Len() > 64*1024 {
		w.logger.Debugf("%s: %s", w.stream, w.buf.Bytes())
		w.buf.Reset()
	}
	return len(p), nil
}
