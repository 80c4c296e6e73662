package netalloc

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/csai/vm-range-controller/internal/config"
)

// ErrExhausted is returned when no free port pair or subnet remains.
var ErrExhausted = errors.New("network allocation exhausted")

const (
	ModeNAT    = "nat"
	ModeBridge = "bridge"
)

// Allocation describes the network resources held by one session: a NAT
// port pair, or a /24 subnet descriptor in bridge mode. It round-trips
// through the session record, so releases work on reconstructed values.
type Allocation struct {
	Mode    string
	SSHPort int
	WebPort int
	Subnet  string
	Netmask string
	Gateway string
	VMIP    string
}

// Allocator owns the process-wide port and subnet pools. All claims and
// releases go through its lock; release is idempotent.
type Allocator struct {
	cfg config.NetworkConfig

	mu        sync.Mutex
	freePorts []int // pair indexes
	portInUse map[int]bool
	subnets   map[int]bool // subnet index -> held
}

func New(cfg config.NetworkConfig) *Allocator {
	a := &Allocator{
		cfg:       cfg,
		freePorts: make([]int, 0, cfg.PortPoolSize),
		portInUse: map[int]bool{},
		subnets:   map[int]bool{},
	}
	for i := 0; i < cfg.PortPoolSize; i++ {
		a.freePorts = append(a.freePorts, i)
	}
	return a
}

// Allocate claims resources for a session. In bridge mode the subnet index
// derives from a hash of the user id so a returning user usually lands on
// the same subnet, with a linear probe past indexes other sessions hold.
func (a *Allocator) Allocate(mode, userID string) (Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch mode {
	case ModeNAT:
		if len(a.freePorts) == 0 {
			return Allocation{}, ErrExhausted
		}
		idx := a.freePorts[0]
		a.freePorts = a.freePorts[1:]
		a.portInUse[idx] = true
		return Allocation{
			Mode:    ModeNAT,
			SSHPort: a.cfg.SSHPortBase + idx,
			WebPort: a.cfg.WebPortBase + idx,
		}, nil
	case ModeBridge:
		start := a.subnetIndexFor(userID)
		for probe := 0; probe < a.cfg.SubnetPool; probe++ {
			idx := (start + probe) % a.cfg.SubnetPool
			if a.subnets[idx] {
				continue
			}
			a.subnets[idx] = true
			return a.subnetAllocation(idx), nil
		}
		return Allocation{}, ErrExhausted
	default:
		return Allocation{}, fmt.Errorf("unknown network mode %q", mode)
	}
}

// Release returns the allocation to its pool. Releasing twice, or releasing
// a zero allocation, is a no-op.
func (a *Allocator) Release(alloc Allocation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch alloc.Mode {
	case ModeNAT:
		idx := alloc.SSHPort - a.cfg.SSHPortBase
		if idx < 0 || idx >= a.cfg.PortPoolSize || !a.portInUse[idx] {
			return
		}
		delete(a.portInUse, idx)
		a.freePorts = append(a.freePorts, idx)
	case ModeBridge:
		if idx, ok := a.subnetIndex(alloc.Subnet); ok {
			delete(a.subnets, idx)
		}
	}
}

// Reclaim marks resources as held, rebuilding pool state on startup from
// persisted active sessions.
func (a *Allocator) Reclaim(alloc Allocation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch alloc.Mode {
	case ModeNAT:
		idx := alloc.SSHPort - a.cfg.SSHPortBase
		if idx < 0 || idx >= a.cfg.PortPoolSize || a.portInUse[idx] {
			return
		}
		a.portInUse[idx] = true
		free := a.freePorts[:0]
		for _, f := range a.freePorts {
			if f != idx {
				free = append(free, f)
			}
		}
		a.freePorts = free
	case ModeBridge:
		if idx, ok := a.subnetIndex(alloc.Subnet); ok {
			a.subnets[idx] = true
		}
	}
}

func (a *Allocator) subnetAllocation(idx int) Allocation {
	third := idx + 1 // .0 is reserved for infrastructure
	return Allocation{
		Mode:    ModeBridge,
		Subnet:  fmt.Sprintf("%s.%d.0", a.cfg.SubnetBase, third),
		Netmask: "255.255.255.0",
		Gateway: fmt.Sprintf("%s.%d.1", a.cfg.SubnetBase, third),
		VMIP:    fmt.Sprintf("%s.%d.10", a.cfg.SubnetBase, third),
	}
}

func (a *Allocator) subnetIndex(subnet string) (int, bool) {
	var third int
	if _, err := fmt.Sscanf(subnet, a.cfg.SubnetBase+".%d.0", &third); err != nil {
		return 0, false
	}
	if third < 1 || third > a.cfg.SubnetPool {
		return 0, false
	}
	return third - 1, true
}

func (a *Allocator) subnetIndexFor(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(a.cfg.SubnetPool))
}

// FreePorts reports the remaining NAT pair count, exposed for health output.
func (a *Allocator) FreePorts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.freePorts)
}
