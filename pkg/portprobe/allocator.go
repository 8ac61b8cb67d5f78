package portprobe

import (
	"fmt"
	"sort"
	"sync"

	"github.com/entrhq/webpilot/pkg/types"
)

type leaseKind int

const (
	leasePort leaseKind = iota
	leaseDisplay
)

type leaseKey struct {
	kind leaseKind
	n    int
}

// Allocator hands out ports and display numbers under one lock and keeps
// them leased to their owner until released. A leased number is never
// handed out again, even if its bind test would pass.
//
// The zero value is not usable; create allocators with NewAllocator.
type Allocator struct {
	mu     sync.Mutex
	leases map[leaseKey]string

	available func(port int) bool
	locked    func(display int) bool
}

// NewAllocator creates an allocator that probes with IsPortAvailable.
func NewAllocator() *Allocator {
	return &Allocator{
		leases:    make(map[leaseKey]string),
		available: IsPortAvailable,
		locked:    displayLocked,
	}
}

// AcquirePort leases the first free port of r to owner.
func (a *Allocator) AcquirePort(owner string, r Range) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := r.First(); port <= r.Last(); port++ {
		if a.leasedLocked(leaseKey{leasePort, port}) {
			continue
		}
		if a.available(port) {
			a.leases[leaseKey{leasePort, port}] = owner
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no free port in %d..%d", types.ErrResourceExhausted, r.First(), r.Last())
}

// AcquireDisplay leases a display number together with its implied port.
func (a *Allocator) AcquireDisplay(owner string, r Range) (display, port int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for n := r.Start; n < r.Start+r.Count; n++ {
		p := r.Base + n
		if a.leasedLocked(leaseKey{leaseDisplay, n}) || a.leasedLocked(leaseKey{leasePort, p}) {
			continue
		}
		if a.locked(n) || !a.available(p) {
			continue
		}
		a.leases[leaseKey{leaseDisplay, n}] = owner
		a.leases[leaseKey{leasePort, p}] = owner
		return n, p, nil
	}
	return 0, 0, fmt.Errorf("%w: no free display in :%d..:%d", types.ErrResourceExhausted, r.Start, r.Start+r.Count-1)
}

func (a *Allocator) leasedLocked(k leaseKey) bool {
	_, ok := a.leases[k]
	return ok
}

// ReleasePort drops owner's lease on port. Leases held by others are kept.
func (a *Allocator) ReleasePort(owner string, port int) {
	a.release(owner, leaseKey{leasePort, port})
}

// ReleaseDisplay drops owner's lease on a display number and its port.
func (a *Allocator) ReleaseDisplay(owner string, display, port int) {
	a.release(owner, leaseKey{leaseDisplay, display})
	a.release(owner, leaseKey{leasePort, port})
}

func (a *Allocator) release(owner string, k leaseKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.leases[k] == owner {
		delete(a.leases, k)
	}
}

// ReleaseAll drops every lease held by owner.
func (a *Allocator) ReleaseAll(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, o := range a.leases {
		if o == owner {
			delete(a.leases, k)
		}
	}
}

// Ports returns the ports currently leased to owner in ascending order.
func (a *Allocator) Ports(owner string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ports []int
	for k, o := range a.leases {
		if o == owner && k.kind == leasePort {
			ports = append(ports, k.n)
		}
	}
	sort.Ints(ports)
	return ports
}

// Len returns the number of leased numbers.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leases)
}
