package dispatch

import (
	"context"
	"testing"

	"github.com/fnmesh/globalscheduler/internal/instance"
	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

// fakeForwarder answers ForwardSchedule either by relocating the
// instance (placed=true) or rejecting it a fixed number of times
// before the caller gives up.
type fakeForwarder struct {
	placed  bool
	calls   int
	errCode wire.ErrCode
}

func (f *fakeForwarder) ForwardSchedule(_ context.Context, req rpc.ScheduleRequest) (rpc.ScheduleResponse, error) {
	f.calls++
	if f.placed {
		return rpc.ScheduleResponse{Placed: true, LocalID: "root-local-1"}, nil
	}
	code := f.errCode
	if code == wire.ErrNone {
		code = wire.ErrResourceNotEnough
	}
	return rpc.ScheduleResponse{Placed: false, ErrCode: code, Message: "no capacity"}, nil
}

func newForwardTestController(t *testing.T, driver *fakeDriver, placer fakePlacer, forwarder Forwarder) (*Controller, func()) {
	t.Helper()
	st := store.NewMemory()
	cv := instance.NewControlView(st)
	meta := fakeMetaSource{meta: wire.FunctionMeta{
		Function: "fn-a",
		Driver:   "container",
		DefaultResources: wire.ResourceSpec{Scalars: map[string]float64{"cpu": 1, "memory": 128}},
	}}
	resolveDriver := func(string) (Driver, error) { return driver, nil }
	c := New(cv, st, meta, placer, resolveDriver, 100, forwarder, "node-test")
	return c, c.Stop
}

func TestCreatePipelineForwardsUpAndRelinquishes(t *testing.T) {
	driver := newFakeDriver()
	placer := fakePlacer{err: wire.NewError(wire.ErrResourceNotEnough, "no local capacity")}
	forwarder := &fakeForwarder{placed: true}
	c, stop := newForwardTestController(t, driver, placer, forwarder)
	defer stop()

	info := wire.InstanceInfo{InstanceID: "inst-fwd-1", Function: "fn-a", TenantID: "tenant-1"}
	_, err := c.Create(context.Background(), info)
	if err != nil {
		t.Fatalf("expected forwarded create to succeed, got %v", err)
	}
	if forwarder.calls != 1 {
		t.Fatalf("expected exactly 1 forward attempt, got %d", forwarder.calls)
	}
}

func TestCreatePipelineForwardFailsAfterRetriesExhausted(t *testing.T) {
	driver := newFakeDriver()
	placer := fakePlacer{err: wire.NewError(wire.ErrResourceNotEnough, "no local capacity")}
	forwarder := &fakeForwarder{placed: false}
	c, stop := newForwardTestController(t, driver, placer, forwarder)
	defer stop()

	info := wire.InstanceInfo{InstanceID: "inst-fwd-2", Function: "fn-a", TenantID: "tenant-1"}
	_, err := c.Create(context.Background(), info)
	if wire.CodeOf(err) != wire.ErrResourceNotEnough {
		t.Fatalf("expected ErrResourceNotEnough, got %v", err)
	}
	if forwarder.calls != maxForwardScheduleRetryTimes {
		t.Fatalf("expected %d forward attempts, got %d", maxForwardScheduleRetryTimes, forwarder.calls)
	}

	out, found := c.cv.Get("inst-fwd-2")
	if !found || out.Status.StateCode != wire.StateScheduleFailed {
		t.Fatalf("expected SCHEDULE_FAILED, got %s (found=%v)", out.Status.StateCode, found)
	}
}

func TestCreatePipelineNoForwarderFailsImmediately(t *testing.T) {
	driver := newFakeDriver()
	placer := fakePlacer{err: wire.NewError(wire.ErrResourceNotEnough, "no local capacity")}
	c, stop := newForwardTestController(t, driver, placer, nil)
	defer stop()

	info := wire.InstanceInfo{InstanceID: "inst-fwd-3", Function: "fn-a", TenantID: "tenant-1"}
	_, err := c.Create(context.Background(), info)
	if wire.CodeOf(err) != wire.ErrResourceNotEnough {
		t.Fatalf("expected ErrResourceNotEnough, got %v", err)
	}
}
