// Package portprobe finds free TCP ports and X display numbers.
//
// Probing is a transient bind-and-release test and therefore racy on its
// own: another process may take the number between the probe and the real
// bind. Allocator closes the race between sessions of this process by
// leasing every number it hands out until it is released.
package portprobe

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/entrhq/webpilot/pkg/types"
)

// Range is the numeric window Base+Start .. Base+Start+Count-1.
type Range struct {
	Base  int `yaml:"base"`
	Start int `yaml:"start"`
	Count int `yaml:"count"`
}

// First returns the lowest number of the window.
func (r Range) First() int {
	return r.Base + r.Start
}

// Last returns the highest number of the window.
func (r Range) Last() int {
	return r.Base + r.Start + r.Count - 1
}

// Validate checks that the window is non-empty and lies inside the port space.
func (r Range) Validate() error {
	if r.Count <= 0 {
		return fmt.Errorf("%w: empty range %d+%d", types.ErrInvalidConfig, r.Base, r.Start)
	}
	if r.First() < 1 || r.Last() > 65535 {
		return fmt.Errorf("%w: range %d..%d outside the port space", types.ErrInvalidConfig, r.First(), r.Last())
	}
	return nil
}

// IsPortAvailable reports whether a listener can be bound to port on the
// loopback interface right now.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindFreePort returns the first port of r that passes the bind test.
func FindFreePort(r Range) (int, error) {
	for port := r.First(); port <= r.Last(); port++ {
		if IsPortAvailable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no free port in %d..%d", types.ErrResourceExhausted, r.First(), r.Last())
}

// FindFreeDisplay returns the first display number n in Start..Start+Count-1
// whose implied port Base+n is free and that has no X server lock file.
func FindFreeDisplay(r Range) (display, port int, err error) {
	for n := r.Start; n < r.Start+r.Count; n++ {
		if displayLocked(n) {
			continue
		}
		if IsPortAvailable(r.Base + n) {
			return n, r.Base + n, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: no free display in :%d..:%d", types.ErrResourceExhausted, r.Start, r.Start+r.Count-1)
}

// lockDir is where X servers leave their .X<n>-lock files.
var lockDir = os.TempDir()

func displayLocked(n int) bool {
	_, err := os.Stat(filepath.Join(lockDir, fmt.Sprintf(".X%d-lock", n)))
	return err == nil
}
