package main

import (
	"context"
	"fmt"
	"log"
	"sync"
)

var errCapacityExhausted = fmt.Errorf("no free port in workload range")

// portAllocator owns the single claimed-port set for the host. It has no
// durable store: state is rebuilt from the container runtime at boot and
// the scan-then-claim step runs under one lock so two concurrent creates
// can never observe the same free port.
type portAllocator struct {
	mu      sync.Mutex
	claimed map[int]struct{}
	ranges  map[string]portRange
}

func newPortAllocator(workloads map[string]*workload) *portAllocator {
	ranges := make(map[string]portRange, len(workloads))
	for name, w := range workloads {
		ranges[name] = w.Ports
	}
	return &portAllocator{
		claimed: make(map[int]struct{}),
		ranges:  ranges,
	}
}

// allocate returns the first free port in the workload's range and claims
// it, together with its management port (port + rconPortOffset), before
// returning. Fails with errCapacityExhausted when the range is full.
func (a *portAllocator) allocate(workloadType string) (int, int, error) {
	r, ok := a.ranges[workloadType]
	if !ok {
		return 0, 0, fmt.Errorf("no port range configured for workload %q", workloadType)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := r.Start; port <= r.End; port++ {
		if _, used := a.claimed[port]; used {
			continue
		}
		rcon := port + rconPortOffset
		if _, used := a.claimed[rcon]; used {
			continue
		}
		a.claimed[port] = struct{}{}
		a.claimed[rcon] = struct{}{}
		return port, rcon, nil
	}
	return 0, 0, fmt.Errorf("%w for workload %s (%d-%d)", errCapacityExhausted, workloadType, r.Start, r.End)
}

// claim marks a specific port as in use and reports whether this call
// newly claimed it. A false return means another owner already holds the
// port, so the caller must not release it on rollback.
func (a *portAllocator) claim(port int) bool {
	if port <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.claimed[port]; exists {
		return false
	}
	a.claimed[port] = struct{}{}
	return true
}

// release frees a port. Releasing an already-free port is a no-op.
func (a *portAllocator) release(port int) {
	a.mu.Lock()
	delete(a.claimed, port)
	a.mu.Unlock()
}

func (a *portAllocator) claimedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.claimed)
}

// reconcile pre-claims every host port found on any container known to the
// runtime, whatever its lifecycle state. Port labels cover download-phase
// containers that carry no bindings. Runs once at startup; a zero-length
// result after a restart is never trusted over what the runtime reports.
func (a *portAllocator) reconcile(ctx context.Context, rt containerRuntime) error {
	containers, err := rt.listContainers(ctx)
	if err != nil {
		return fmt.Errorf("port reconcile failed: %w", err)
	}
	claimed := 0
	a.mu.Lock()
	for _, c := range containers {
		for _, port := range c.HostPorts {
			if port > 0 {
				a.claimed[port] = struct{}{}
				claimed++
			}
		}
		for _, port := range labeledPorts(c.Labels) {
			if _, ok := a.claimed[port]; !ok {
				a.claimed[port] = struct{}{}
				claimed++
			}
		}
	}
	a.mu.Unlock()
	log.Printf("gamecontrold: port reconcile claimed %d ports across %d containers", claimed, len(containers))
	return nil
}
