package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

func waitForState(t *testing.T, c *Controller, instanceID string, want wire.InstanceState) wire.InstanceInfo {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, found := c.cv.Get(instanceID)
		if found && info.Status.StateCode == want {
			return info
		}
		if time.Now().After(deadline) {
			t.Fatalf("instance %s: timed out waiting for state %s, last seen %s (found=%v)", instanceID, want, info.Status.StateCode, found)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEvictAgentEvictsRunningInstance(t *testing.T) {
	driver := newFakeDriver()
	c, stop := newTestController(t, driver)
	defer stop()

	info := wire.InstanceInfo{InstanceID: "inst-evict-1", Function: "fn-a", TenantID: "tenant-1"}
	if _, err := c.Create(context.Background(), info); err != nil {
		t.Fatalf("create: %s", err)
	}

	resp, err := c.EvictAgent(context.Background(), rpc.EvictAgentRequest{AgentID: "agent-1", TimeoutSec: 5})
	if err != nil {
		t.Fatalf("evict agent: %s", err)
	}
	if !resp.Accepted {
		t.Fatalf("expected eviction to be accepted, got %+v", resp)
	}

	waitForState(t, c, "inst-evict-1", wire.StateEvicted)

	if len(driver.killed) != 1 || driver.killed[0] != "inst-evict-1" {
		t.Fatalf("expected driver.Kill called once for inst-evict-1, got %v", driver.killed)
	}
}

func TestEvictAgentNoMatchIsNoop(t *testing.T) {
	driver := newFakeDriver()
	c, stop := newTestController(t, driver)
	defer stop()

	resp, err := c.EvictAgent(context.Background(), rpc.EvictAgentRequest{AgentID: "agent-unknown", TimeoutSec: 5})
	if err != nil {
		t.Fatalf("evict agent: %s", err)
	}
	if !resp.Accepted {
		t.Fatalf("expected eviction call to still be accepted with zero matches, got %+v", resp)
	}
	if len(driver.killed) != 0 {
		t.Fatalf("expected no kills, got %v", driver.killed)
	}
}
