package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/fnmesh/globalscheduler/internal/instance"
	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

type fakeMetaSource struct {
	meta wire.FunctionMeta
}

func (f fakeMetaSource) FetchMeta(_ context.Context, function string) (wire.FunctionMeta, error) {
	if function != f.meta.Function {
		return wire.FunctionMeta{}, wire.NewError(wire.ErrFunctionMetaNotFound, function)
	}
	return f.meta, nil
}

type fakePlacer struct {
	agentID string
	proxyID string
	err     error
}

func (f fakePlacer) Place(_ context.Context, _ wire.InstanceInfo) (string, string, error) {
	return f.agentID, f.proxyID, f.err
}

type fakeDriver struct {
	readyAfter int
	ready      map[string]int
	killed     []string
	killedAll  []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{ready: map[string]int{}}
}

func (d *fakeDriver) Deploy(_ context.Context, _ string, _ wire.InstanceInfo) error { return nil }

func (d *fakeDriver) Ready(_ context.Context, _, instanceID string) (bool, error) {
	d.ready[instanceID]++
	return d.ready[instanceID] > d.readyAfter, nil
}

func (d *fakeDriver) InitCall(_ context.Context, _, _ string) error { return nil }

func (d *fakeDriver) Kill(_ context.Context, _, instanceID string, _ wire.Signal) error {
	d.killed = append(d.killed, instanceID)
	return nil
}

func (d *fakeDriver) KillAll(_ context.Context, _, jobID string) error {
	d.killedAll = append(d.killedAll, jobID)
	return nil
}

func newTestController(t *testing.T, driver *fakeDriver) (*Controller, func()) {
	t.Helper()
	st := store.NewMemory()
	cv := instance.NewControlView(st)
	meta := fakeMetaSource{meta: wire.FunctionMeta{
		Function: "fn-a",
		Driver:   "container",
		DefaultResources: wire.ResourceSpec{Scalars: map[string]float64{"cpu": 1, "memory": 128}},
	}}
	placer := fakePlacer{agentID: "agent-1", proxyID: "local-1"}
	resolveDriver := func(name string) (Driver, error) { return driver, nil }

	c := New(cv, st, meta, placer, resolveDriver, 100, nil, "node-test")
	return c, c.Stop
}

func TestCreatePipelineRunsToRunning(t *testing.T) {
	driver := newFakeDriver()
	c, stop := newTestController(t, driver)
	defer stop()

	info := wire.InstanceInfo{InstanceID: "inst-1", Function: "fn-a", TenantID: "tenant-1"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := c.Create(ctx, info)
	if err != nil {
		t.Fatalf("Create: %s", err)
	}
	if out.Status.StateCode != wire.StateRunning {
		t.Fatalf("expected RUNNING, got %s", out.Status.StateCode)
	}
	if out.FunctionAgentID != "agent-1" {
		t.Errorf("expected agent-1, got %s", out.FunctionAgentID)
	}
	if _, ok := out.Resources.Scalars["memory"]; !ok {
		t.Errorf("expected default memory to be merged in")
	}
}

func TestCreatePipelineRejectsMissingMeta(t *testing.T) {
	driver := newFakeDriver()
	c, stop := newTestController(t, driver)
	defer stop()

	info := wire.InstanceInfo{InstanceID: "inst-2", Function: "unknown-fn"}
	_, err := c.Create(context.Background(), info)
	if wire.CodeOf(err) != wire.ErrFunctionMetaNotFound {
		t.Fatalf("expected ErrFunctionMetaNotFound, got %v", err)
	}
}

func TestCreatePipelineRejectsDuplicate(t *testing.T) {
	driver := newFakeDriver()
	c, stop := newTestController(t, driver)
	defer stop()

	info := wire.InstanceInfo{InstanceID: "inst-3", Function: "fn-a", TenantID: "tenant-1"}
	if _, err := c.Create(context.Background(), info); err != nil {
		t.Fatalf("first create: %s", err)
	}
	if _, err := c.Create(context.Background(), info); wire.CodeOf(err) != wire.ErrInstanceDuplicated {
		t.Fatalf("expected ErrInstanceDuplicated, got %v", err)
	}
}

func TestKillTransitionsToExited(t *testing.T) {
	driver := newFakeDriver()
	c, stop := newTestController(t, driver)
	defer stop()

	info := wire.InstanceInfo{InstanceID: "inst-4", Function: "fn-a", TenantID: "tenant-1"}
	if _, err := c.Create(context.Background(), info); err != nil {
		t.Fatalf("create: %s", err)
	}

	if err := c.Kill(context.Background(), "inst-4", wire.SignalShutDown); err != nil {
		t.Fatalf("kill: %s", err)
	}
	if len(driver.killed) != 1 || driver.killed[0] != "inst-4" {
		t.Fatalf("expected driver.Kill called once for inst-4, got %v", driver.killed)
	}
	if _, found := c.cv.Get("inst-4"); found {
		t.Errorf("expected instance removed from control view after exit")
	}
}

func TestCreatePipelineRejectsResourceConfigError(t *testing.T) {
	driver := newFakeDriver()
	st := store.NewMemory()
	cv := instance.NewControlView(st)
	meta := fakeMetaSource{meta: wire.FunctionMeta{Function: "fn-b", Driver: "container"}}
	placer := fakePlacer{agentID: "agent-1", proxyID: "local-1"}
	c := New(cv, st, meta, placer, func(string) (Driver, error) { return driver, nil }, 100, nil, "node-test")
	defer c.Stop()

	info := wire.InstanceInfo{InstanceID: "inst-5", Function: "fn-b"}
	_, err := c.Create(context.Background(), info)
	if wire.CodeOf(err) != wire.ErrResourceConfigError {
		t.Fatalf("expected ErrResourceConfigError, got %v", err)
	}
}
