package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gobwas/glob"
	"golang.org/x/sys/unix"

	"github.com/entrhq/webpilot/pkg/logging"
)

// Reaper kills processes whose command line matches a glob pattern. It backs
// up process-group teardown for processes that left their group, such as
// children re-parented by a sandbox wrapper.
type Reaper struct {
	logger  *logging.Logger
	procDir string
	self    int
	kill    func(pid int) error
}

// NewReaper creates a reaper that scans /proc.
func NewReaper(logger *logging.Logger) *Reaper {
	return &Reaper{
		logger:  logger,
		procDir: "/proc",
		self:    os.Getpid(),
		kill: func(pid int) error {
			return unix.Kill(pid, unix.SIGKILL)
		},
	}
}

// XvncPattern matches the display server for display.
func XvncPattern(display int) string {
	return fmt.Sprintf("*Xvnc :%d *", display)
}

// BridgePatterns match a websockify bridge by its listen port or its VNC
// target. Command lines read from /proc end in a space, so the last argument
// is matched like any other.
func BridgePatterns(bridgePort, vncPort int) []string {
	return []string{
		fmt.Sprintf("*websockify*:%d *", bridgePort),
		fmt.Sprintf("*websockify*:%d *", vncPort),
	}
}

// BrowserPattern matches a browser exposing debugPort.
func BrowserPattern(debugPort int) string {
	return fmt.Sprintf("*--remote-debugging-port=%d*", debugPort)
}

// Reap kills every process, other than the caller, whose space-joined command
// line matches any of patterns. It returns the pids that were signalled.
// Processes that vanish mid-scan are ignored.
func (r *Reaper) Reap(patterns ...string) ([]int, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}

	entries, err := os.ReadDir(r.procDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.procDir, err)
	}

	var killed []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == r.self {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(r.procDir, entry.Name(), "cmdline"))
		if err != nil || len(raw) == 0 {
			continue
		}
		cmdline := string(bytes.ReplaceAll(raw, []byte{0}, []byte{' '}))

		for _, g := range globs {
			if !g.Match(cmdline) {
				continue
			}
			if err := r.kill(pid); err != nil {
				if !errors.Is(err, unix.ESRCH) {
					r.logger.Warnf("Failed to kill leftover pid %d: %v", pid, err)
				}
				break
			}
			r.logger.Infof("Killed leftover pid %d: %s", pid, cmdline)
			killed = append(killed, pid)
			break
		}
	}
	return killed, nil
}
