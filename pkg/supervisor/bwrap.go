package supervisor

import (
	"fmt"
	"os"
	"os/exec"
)

// BwrapOptions describes how the browser is wrapped by bubblewrap.
type BwrapOptions struct {
	// WorkDir is bind-mounted over Home so the browser profile lands in the
	// session working directory.
	WorkDir string

	// Home is the home directory seen inside the sandbox.
	Home string

	// HostsFile, when set, is bind-mounted over /etc/hosts.
	HostsFile string

	// Command is the command to run inside the sandbox.
	Command []string
}

// Bwrap builds bubblewrap command lines.
type Bwrap struct {
	path string
}

// NewBwrap returns a wrapper for the bwrap binary at path, resolved through
// PATH. ok is false when the binary cannot be found.
func NewBwrap(path string) (b *Bwrap, ok bool) {
	if path == "" {
		path = "bwrap"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, false
	}
	return &Bwrap{path: resolved}, true
}

// Path returns the resolved bwrap binary.
func (b *Bwrap) Path() string {
	return b.path
}

// Build returns the full command line, bwrap binary first.
func (b *Bwrap) Build(opts BwrapOptions) ([]string, error) {
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("workdir is required")
	}
	if opts.Home == "" {
		return nil, fmt.Errorf("home is required")
	}
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	args := []string{
		b.path,
		"--bind", "/", "/",
		"--dev", "/dev",
		"--bind", opts.WorkDir, opts.Home,
		"--chdir", opts.Home,
	}
	if opts.HostsFile != "" {
		if _, err := os.Stat(opts.HostsFile); err == nil {
			args = append(args, "--bind", opts.HostsFile, "/etc/hosts")
		}
	}
	args = append(args, "--die-with-parent")
	return append(args, opts.Command...), nil
}
