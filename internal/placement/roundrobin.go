// Package placement implements the Schedule decision stage of the
// Instance Controller's dispatch pipeline: pick a
// Local to host a new instance. Grounded in harpoon-scheduler's
// basicScheduler, which also does nothing fancier than walk its set of
// registered agents looking for one with room.
package placement

import (
	"context"
	"sync"

	"github.com/fnmesh/globalscheduler/internal/wire"
)

// Candidates lists the Locals currently eligible to receive an
// instance. Backed by the globalsched.Actor tree in production (the
// actorCandidates adapter in cmd/globalscheduler); a fixed slice in tests.
type Candidates interface {
	Names() []string
	Address(name string) (string, bool)
}

// RoundRobinPlacer cycles through registered Locals in turn. It does
// not account for resource fit or affinity beyond what the caller
// already filtered into info.
type RoundRobinPlacer struct {
	candidates Candidates

	mu   sync.Mutex
	next int
}

// NewRoundRobinPlacer constructs a placer over candidates.
func NewRoundRobinPlacer(candidates Candidates) *RoundRobinPlacer {
	return &RoundRobinPlacer{candidates: candidates}
}

// Place returns the next Local in rotation as both the dispatch
// pipeline's agentID and proxyID: this scheduler doesn't distinguish
// individual runtime agents from the Local process that owns them, so
// the Local's AID serves both roles (compare resourcegroup's bundle
// placement, which also just records a nodeID).
func (p *RoundRobinPlacer) Place(ctx context.Context, info wire.InstanceInfo) (agentID string, proxyID string, err error) {
	names := p.candidates.Names()
	if len(names) == 0 {
		return "", "", wire.NewError(wire.ErrResourceNotEnough, "no Local schedulers registered")
	}

	p.mu.Lock()
	idx := p.next % len(names)
	p.next++
	p.mu.Unlock()

	name := names[idx]
	if _, ok := p.candidates.Address(name); !ok {
		return "", "", wire.NewError(wire.ErrResourceNotEnough, "selected Local has no known address")
	}
	return name, name, nil
}
