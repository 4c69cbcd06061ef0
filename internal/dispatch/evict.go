package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

// evictRequest is delivered to the actor loop by EvictAgent. Handling
// is async: runEvictPipeline is spawned per matched instance since a
// CREATING instance may need to wait out its in-flight reschedule
// before it can be moved to EVICTING.
type evictRequest struct {
	agentID    string
	timeoutSec int
	resp       chan rpc.EvictAgentResponse
}

// agentIndexOp adds or removes instanceID from the agentID ->
// instances index. Send from any goroutine; only the actor loop
// touches c.instancesByAgent directly.
type agentIndexOp struct {
	add        bool
	agentID    string
	instanceID string
}

// trackedLookupRequest is how an off-loop goroutine (runEvictPipeline)
// safely reads c.tracked, which otherwise belongs to the actor loop.
type trackedLookupRequest struct {
	instanceID string
	resp       chan trackedSnapshot
}

type trackedSnapshot struct {
	agentID string
	driver  Driver
	ok      bool
}

type evictCleanupMsg struct {
	instanceID string
	agentID    string
}

// indexAgent records that instanceID is placed (or being placed) on
// agentID, so a later EvictAgent for that agent finds it even before
// its heartbeat has started. Only for off-loop callers (e.g.
// runReschedulePipeline): it sends on agentIndexOps, which the actor
// loop itself drains, so calling this from the loop goroutine would
// deadlock. On-loop call sites mutate via applyAgentIndexOp directly.
func (c *Controller) indexAgent(agentID, instanceID string) {
	if agentID == "" {
		return
	}
	c.agentIndexOps <- agentIndexOp{add: true, agentID: agentID, instanceID: instanceID}
}

// unindexAgent removes instanceID from the index. Only for off-loop
// callers; see indexAgent.
func (c *Controller) unindexAgent(agentID, instanceID string) {
	if agentID == "" {
		return
	}
	c.agentIndexOps <- agentIndexOp{add: false, agentID: agentID, instanceID: instanceID}
}

// applyAgentIndexOp runs on the actor loop.
func (c *Controller) applyAgentIndexOp(op agentIndexOp) {
	set, ok := c.instancesByAgent[op.agentID]
	if op.add {
		if !ok {
			set = map[string]struct{}{}
			c.instancesByAgent[op.agentID] = set
		}
		set[op.instanceID] = struct{}{}
		return
	}
	if !ok {
		return
	}
	delete(set, op.instanceID)
	if len(set) == 0 {
		delete(c.instancesByAgent, op.agentID)
	}
}

// lookupTracked runs on the actor loop, servicing c.trackedLookups.
func (c *Controller) lookupTracked(req trackedLookupRequest) {
	t, ok := c.tracked[req.instanceID]
	if !ok {
		req.resp <- trackedSnapshot{}
		return
	}
	req.resp <- trackedSnapshot{agentID: t.agentID, driver: t.driver, ok: true}
}

// applyEvictCleanup runs on the actor loop: stops heartbeating and
// drops the agent index entry once an instance has reached EVICTED.
func (c *Controller) applyEvictCleanup(msg evictCleanupMsg) {
	c.stopHeartbeat(msg.instanceID)
	c.applyAgentIndexOp(agentIndexOp{add: false, agentID: msg.agentID, instanceID: msg.instanceID})
}

// EvictAgent implements the /evictagent contract for instances owned
// by this Local: every instance currently placed (or being placed) on
// agentID is handed to the eviction pipeline. Matches the shape of the
// rpc EvictAgent contract by signature; no gRPC Local server exists yet
// to route a wire call into it (see internal/rpc.LocalServer).
func (c *Controller) EvictAgent(ctx context.Context, req rpc.EvictAgentRequest) (rpc.EvictAgentResponse, error) {
	resp := make(chan rpc.EvictAgentResponse)
	select {
	case c.evictRequests <- evictRequest{agentID: req.AgentID, timeoutSec: req.TimeoutSec, resp: resp}:
	case <-ctx.Done():
		return rpc.EvictAgentResponse{}, ctx.Err()
	}
	select {
	case r := <-resp:
		return r, nil
	case <-ctx.Done():
		return rpc.EvictAgentResponse{}, ctx.Err()
	}
}

// handleEvictRequest runs on the actor loop: snapshot the instances
// currently indexed under agentID and spawn one eviction goroutine
// each, replying immediately since eviction itself is asynchronous and
// bounded by timeoutSec.
func (c *Controller) handleEvictRequest(req evictRequest) {
	set := c.instancesByAgent[req.agentID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	for _, id := range ids {
		go c.runEvictPipeline(id, req.agentID, req.timeoutSec)
	}
	req.resp <- rpc.EvictAgentResponse{Accepted: true, Message: fmt.Sprintf("evicting %d instance(s)", len(ids))}
}

// runEvictPipeline runs the eviction pipeline for one instance, off the
// actor loop. A CREATING instance waits out its current schedule
// attempt via Subscribe before it can move to EVICTING (the state
// table has no CREATING->EVICTING edge); RUNNING/SUB_HEALTH instances
// are shut down gracefully, killed, and marked EVICTED.
func (c *Controller) runEvictPipeline(instanceID, agentID string, timeoutSec int) {
	info, found := c.cv.Get(instanceID)
	if !found {
		return
	}

	if info.Status.StateCode == wire.StateCreating {
		timeout := time.Duration(timeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		done := c.cv.Subscribe(instanceID, wire.StateRunning, wire.StateFatal, wire.StateExited, wire.StateEvicted)
		select {
		case info = <-done:
		case <-time.After(timeout):
			log.Printf("dispatch: evict %s: gave up waiting out CREATING after %s", instanceID, timeout)
			return
		}
		if info.Status.StateCode != wire.StateRunning {
			return
		}
	}

	if info.Status.StateCode != wire.StateRunning && info.Status.StateCode != wire.StateSubHealth {
		return
	}

	if _, _, err := c.cv.Transition(instanceID, wire.StateEvicting, nil); err != nil {
		log.Printf("dispatch: evict %s: transition to EVICTING: %v", instanceID, err)
		return
	}

	lookup := make(chan trackedSnapshot)
	c.trackedLookups <- trackedLookupRequest{instanceID: instanceID, resp: lookup}
	snap := <-lookup

	if snap.ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := snap.driver.Kill(ctx, snap.agentID, instanceID, wire.SignalShutDownSync); err != nil {
			log.Printf("dispatch: evict %s: graceful shutdown on agent %s: %v", instanceID, snap.agentID, err)
		}
		cancel()
	}

	if _, _, err := c.cv.Transition(instanceID, wire.StateEvicted, nil); err != nil {
		log.Printf("dispatch: evict %s: transition to EVICTED: %v", instanceID, err)
	}
	c.evictCleanup <- evictCleanupMsg{instanceID: instanceID, agentID: agentID}
	log.Printf("dispatch: instance %s evicted from agent %s", instanceID, agentID)
}
