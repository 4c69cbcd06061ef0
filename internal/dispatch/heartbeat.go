package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/fnmesh/globalscheduler/internal/metrics"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

// heartbeatResult is delivered by a per-instance heartbeat goroutine to
// the controller's actor loop, which owns all mutation of tracked
// instance state.
type heartbeatResult struct {
	instanceID string
	alive      bool
}

// startHeartbeat launches the 3-second poll loop for instanceID,
// running on its own goroutine but reporting results back onto the
// controller's single actor goroutine via c.heartbeatResults. Must be
// called from within the actor loop (runCreatePipeline).
func (c *Controller) startHeartbeat(instanceID, agentID string, driver Driver) {
	ctx, cancel := context.WithCancel(context.Background())
	c.tracked[instanceID] = &trackedInstance{agentID: agentID, driver: driver, cancel: cancel}

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				alive, err := driver.Ready(ctx, agentID, instanceID)
				if err != nil {
					alive = false
				}
				select {
				case c.heartbeatResults <- heartbeatResult{instanceID: instanceID, alive: alive}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

func (c *Controller) stopHeartbeat(instanceID string) {
	if t, ok := c.tracked[instanceID]; ok {
		t.cancel()
		delete(c.tracked, instanceID)
	}
}

// handleHeartbeatResult implements the miss-count-scaling recovery
// policy: the first missed beat moves a RUNNING instance to SUB_HEALTH;
// once maxMissedHeartbeats consecutive beats are missed the instance is
// marked FAILED, its heartbeat stops, the driver-specific SHUT_DOWN_ALL
// propagation runs for the owning job, and the instance is left to the
// FAILED recovery loop (see reschedule.go). A beat that arrives again
// resets the counter and returns a SUB_HEALTH instance to RUNNING.
func (c *Controller) handleHeartbeatResult(res heartbeatResult) {
	t, ok := c.tracked[res.instanceID]
	if !ok {
		return
	}

	if res.alive {
		if t.missedBeats > 0 {
			t.missedBeats = 0
			if info, found := c.cv.Get(res.instanceID); found && info.Status.StateCode == wire.StateSubHealth {
				if _, _, err := c.cv.Transition(res.instanceID, wire.StateRunning, nil); err != nil {
					log.Printf("dispatch: heartbeat recover %s: %v", res.instanceID, err)
				}
			}
		}
		return
	}

	t.missedBeats++
	metrics.IncHeartbeatMissed(1)
	info, found := c.cv.Get(res.instanceID)
	if !found {
		c.stopHeartbeat(res.instanceID)
		return
	}

	switch {
	case t.missedBeats == 1 && info.Status.StateCode == wire.StateRunning:
		if _, _, err := c.cv.Transition(res.instanceID, wire.StateSubHealth, func(i *wire.InstanceInfo) {
			i.Status.ErrCode = wire.ErrInstanceSubHealth
		}); err != nil {
			log.Printf("dispatch: heartbeat mark sub-health %s: %v", res.instanceID, err)
		}

	case t.missedBeats >= maxMissedHeartbeats:
		log.Printf("dispatch: instance %s missed %d heartbeats, marking FAILED", res.instanceID, t.missedBeats)
		c.markFailed(res.instanceID, wire.ErrLocalSchedulerAbnormal, "heartbeat lost")
		c.stopHeartbeat(res.instanceID)
		if info.JobID != "" {
			go c.propagateJobShutdown(t.agentID, t.driver, info.JobID)
		}
	}
}

// propagateJobShutdown implements the supplemented "Driver-specific
// SHUT_DOWN_ALL" behavior: once one instance of a job is confirmed
// lost, ask the driver to tear down every other instance of that job
// on the same agent, since a dead agent usually took the whole job
// with it.
func (c *Controller) propagateJobShutdown(agentID string, driver Driver, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.KillAll(ctx, agentID, jobID); err != nil {
		log.Printf("dispatch: propagate SHUT_DOWN_ALL for job %s: %v", jobID, err)
	}
}
