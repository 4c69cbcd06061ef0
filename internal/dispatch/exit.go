package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fnmesh/globalscheduler/internal/instance"
	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

// Kill runs the exit pipeline for instanceID in response to a SHUT_DOWN
// or SHUT_DOWN_SYNC signal. SHUT_DOWN_SYNC blocks until the instance reaches EXITED.
func (c *Controller) Kill(ctx context.Context, instanceID string, sig wire.Signal) error {
	resp := make(chan error)
	select {
	case c.killRequests <- killRequest{instanceID: instanceID, sig: sig, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-resp:
		if err != nil || !sig.AwaitsExit() {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	done := c.cv.Subscribe(instanceID, wire.StateExited, wire.StateFatal)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runExitPipeline runs the exit pipeline: any non-terminal
// state transitions to EXITING, the driver is asked to deliver the
// signal (a driver error is logged and does not stop the pipeline), then
// the instance moves to EXITED, its route record is cleared and it is
// dropped from the control view.
func (c *Controller) runExitPipeline(instanceID string, sig wire.Signal) error {
	info, found := c.cv.Get(instanceID)
	if !found {
		return wire.NewError(wire.ErrInstanceNotFound, instanceID)
	}
	if info.Status.StateCode.Terminal() {
		return wire.NewError(wire.ErrInstanceExited, instanceID)
	}

	t, tracked := c.tracked[instanceID]

	outcome, info, err := c.cv.Transition(instanceID, wire.StateExiting, nil)
	if err != nil {
		return fmt.Errorf("dispatch: exit pipeline %s: %w", instanceID, err)
	}
	if outcome == instance.CASRelinquished {
		return wire.NewError(wire.ErrInstanceEvicted, instanceID)
	}

	if tracked {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := t.driver.Kill(ctx, t.agentID, instanceID, sig)
		cancel()
		if err != nil {
			log.Printf("dispatch: kill %s on agent %s: %v", instanceID, t.agentID, err)
		}
		c.stopHeartbeat(instanceID)
	}

	if _, _, err := c.cv.Transition(instanceID, wire.StateExited, nil); err != nil {
		log.Printf("dispatch: finalize exit %s: %v", instanceID, err)
	}
	if err := c.st.Delete(context.Background(), wire.RouteKey(instanceID), store.DeleteOptions{}); err != nil {
		log.Printf("dispatch: clear route for %s: %v", instanceID, err)
	}
	// runExitPipeline executes synchronously on the actor loop: mutate
	// the index directly, not through the (self-deadlocking) channel.
	c.applyAgentIndexOp(agentIndexOp{add: false, agentID: info.FunctionAgentID, instanceID: instanceID})
	c.cv.Delete(instanceID)
	log.Printf("dispatch: instance %s exited (signal %s)", instanceID, sig)
	return nil
}
