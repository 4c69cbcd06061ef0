package dispatch

import (
	"context"
	"fmt"
	"log"

	"github.com/fnmesh/globalscheduler/internal/instance"
	"github.com/fnmesh/globalscheduler/internal/metrics"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

// rescheduleResult is delivered by a reschedule goroutine back onto the
// controller's actor loop once the FAILED->SCHEDULING->CREATING->RUNNING
// recovery attempt settles.
type rescheduleResult struct {
	instanceID string
	agentID    string
	driver     Driver
	err        error
}

// recoverOrFatal implements the FAILED recovery loop: a reschedule
// consumes one scheduleTimes and re-enters schedule-decide through
// init-call; scheduleTimes exhausted goes straight to FATAL instead.
// reschedulesInFlight enforces at most one reschedule per instance, per
// scenario S5.
func (c *Controller) recoverOrFatal(instanceID string) {
	info, found := c.cv.Get(instanceID)
	if !found || info.Status.StateCode != wire.StateFailed {
		return
	}
	if c.reschedulesInFlight[instanceID] {
		return
	}
	if info.ScheduleTimes <= 0 {
		if _, _, err := c.cv.Transition(instanceID, wire.StateFatal, func(i *wire.InstanceInfo) {
			i.Status.ErrCode = wire.ErrScheduleTimesExhausted
			i.Status.Message = "reschedule budget exhausted"
		}); err != nil {
			log.Printf("dispatch: mark fatal %s: %v", instanceID, err)
		}
		// recoverOrFatal always runs on the actor loop (called from
		// markFailed or finishReschedule): mutate the index directly.
		c.applyAgentIndexOp(agentIndexOp{add: false, agentID: info.FunctionAgentID, instanceID: instanceID})
		return
	}

	c.reschedulesInFlight[instanceID] = true
	go c.runReschedulePipeline(instanceID)
}

// runReschedulePipeline replays the schedule-decide through init-call
// stages of the create pipeline for an already-registered FAILED
// instance. Runs off the actor goroutine (placer/driver calls may
// block); all mutation is routed back through c.cv or
// c.rescheduleResults.
func (c *Controller) runReschedulePipeline(instanceID string) {
	ctx := context.Background()

	outcome, info, err := c.cv.Transition(instanceID, wire.StateScheduling, func(i *wire.InstanceInfo) {
		i.ScheduleTimes--
	})
	if err != nil || outcome == instance.CASRelinquished {
		c.rescheduleResults <- rescheduleResult{instanceID: instanceID, err: fmt.Errorf("dispatch: reschedule %s: %w", instanceID, err)}
		return
	}

	meta, err := c.meta.FetchMeta(ctx, info.Function)
	if err != nil {
		c.rescheduleResults <- rescheduleResult{instanceID: instanceID, err: c.failSchedule(instanceID, wire.NewError(wire.ErrFunctionMetaNotFound, info.Function))}
		return
	}
	driver, err := c.resolveDriver(meta.Driver)
	if err != nil {
		c.rescheduleResults <- rescheduleResult{instanceID: instanceID, err: c.failSchedule(instanceID, wire.NewError(wire.ErrInnerSystemError, err.Error()))}
		return
	}

	oldAgentID := info.FunctionAgentID
	agentID, _, err := c.placer.Place(ctx, info)
	if err != nil {
		_, ferr := c.forwardUp(ctx, info, wire.NewError(wire.ErrResourceNotEnough, err.Error()))
		c.rescheduleResults <- rescheduleResult{instanceID: instanceID, err: ferr}
		return
	}

	outcome, info, err = c.cv.Transition(instanceID, wire.StateCreating, func(i *wire.InstanceInfo) {
		i.FunctionAgentID = agentID
		i.DeployTimes++
	})
	if err != nil || outcome == instance.CASRelinquished {
		c.rescheduleResults <- rescheduleResult{instanceID: instanceID, err: fmt.Errorf("dispatch: reschedule %s: %w", instanceID, err)}
		return
	}
	c.unindexAgent(oldAgentID, instanceID)
	c.indexAgent(agentID, instanceID)
	if err := c.persistRoute(ctx, info); err != nil {
		log.Printf("dispatch: persist route for %s: %v", instanceID, err)
	}

	if err := driver.Deploy(ctx, agentID, info); err != nil {
		c.failCreatingLocked(instanceID, wire.ErrInnerCommunication, err.Error())
		c.rescheduleResults <- rescheduleResult{instanceID: instanceID, err: err}
		return
	}
	if err := c.pollReady(ctx, driver, agentID, instanceID); err != nil {
		c.failCreatingLocked(instanceID, wire.ErrInnerCommunication, err.Error())
		c.rescheduleResults <- rescheduleResult{instanceID: instanceID, err: err}
		return
	}
	if err := driver.InitCall(ctx, agentID, instanceID); err != nil {
		c.failCreatingLocked(instanceID, wire.ErrUserFunctionException, err.Error())
		c.rescheduleResults <- rescheduleResult{instanceID: instanceID, err: err}
		return
	}

	if outcome, _, err = c.cv.Transition(instanceID, wire.StateRunning, nil); err != nil || outcome == instance.CASRelinquished {
		c.rescheduleResults <- rescheduleResult{instanceID: instanceID, err: fmt.Errorf("dispatch: reschedule %s: %w", instanceID, err)}
		return
	}

	c.rescheduleResults <- rescheduleResult{instanceID: instanceID, agentID: agentID, driver: driver}
}

// finishReschedule runs on the actor goroutine: clears the in-flight
// guard and, on success, resumes heartbeating the recovered instance.
func (c *Controller) finishReschedule(res rescheduleResult) {
	delete(c.reschedulesInFlight, res.instanceID)
	if res.err != nil {
		log.Printf("dispatch: reschedule %s did not recover: %v", res.instanceID, res.err)
		c.recoverOrFatal(res.instanceID)
		return
	}
	c.startHeartbeat(res.instanceID, res.agentID, res.driver)
	metrics.IncScheduleSuccess(1)
	log.Printf("dispatch: instance %s recovered onto agent %s", res.instanceID, res.agentID)
}
