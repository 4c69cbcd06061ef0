package dispatch

import (
	"context"
	"testing"

	"github.com/fnmesh/globalscheduler/internal/wire"
)

func TestHeartbeatLossRecoversViaReschedule(t *testing.T) {
	driver := newFakeDriver()
	c, stop := newTestController(t, driver)
	defer stop()

	info := wire.InstanceInfo{InstanceID: "inst-resched-1", Function: "fn-a", TenantID: "tenant-1", ScheduleTimes: 2}
	if _, err := c.Create(context.Background(), info); err != nil {
		t.Fatalf("create: %s", err)
	}

	for i := 0; i < maxMissedHeartbeats; i++ {
		c.heartbeatResults <- heartbeatResult{instanceID: "inst-resched-1", alive: false}
	}

	out := waitForState(t, c, "inst-resched-1", wire.StateRunning)
	if out.ScheduleTimes != 1 {
		t.Fatalf("expected ScheduleTimes decremented to 1, got %d", out.ScheduleTimes)
	}
	if out.DeployTimes != 2 {
		t.Fatalf("expected DeployTimes bumped to 2, got %d", out.DeployTimes)
	}
}

func TestHeartbeatLossExhaustsScheduleTimesToFatal(t *testing.T) {
	driver := newFakeDriver()
	c, stop := newTestController(t, driver)
	defer stop()

	info := wire.InstanceInfo{InstanceID: "inst-resched-2", Function: "fn-a", TenantID: "tenant-1", ScheduleTimes: 0}
	if _, err := c.Create(context.Background(), info); err != nil {
		t.Fatalf("create: %s", err)
	}

	for i := 0; i < maxMissedHeartbeats; i++ {
		c.heartbeatResults <- heartbeatResult{instanceID: "inst-resched-2", alive: false}
	}

	waitForState(t, c, "inst-resched-2", wire.StateFatal)
}
