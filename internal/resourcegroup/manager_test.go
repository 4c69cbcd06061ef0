package resourcegroup

import (
	"context"
	"testing"
	"time"

	"github.com/fnmesh/globalscheduler/internal/leader"
	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

type fakeRootClient struct {
	resp   rpc.ForwardGroupScheduleResponse
	err    error
	gotReq rpc.ForwardGroupScheduleRequest
}

func (f *fakeRootClient) ForwardGroupSchedule(ctx context.Context, req rpc.ForwardGroupScheduleRequest) (rpc.ForwardGroupScheduleResponse, error) {
	f.gotReq = req
	return f.resp, f.err
}

func masterManager(st store.Store, root RootDomainResolver) *Manager {
	m := New(st, root, func(ctx context.Context, functionProxyID string) (rpc.LocalClient, error) {
		return nil, wire.NewError(wire.ErrInnerCommunication, "no local in test")
	})
	m.OnLeaderChange(leader.Info{Role: leader.RoleMaster, MasterAID: "self"})
	return m
}

func TestCreateRejectedWhenNotMaster(t *testing.T) {
	m := New(store.NewMemory(), nil, nil)
	defer m.Stop()

	err := m.Create(context.Background(), CreateRequest{
		Name: "g1", Tenant: "t1", Bundles: []wire.BundleSpec{{}},
	})
	if err == nil {
		t.Fatal("expected error creating on a non-master manager")
	}
}

func TestCreateGangSchedulesOnMaster(t *testing.T) {
	st := store.NewMemory()
	client := &fakeRootClient{resp: rpc.ForwardGroupScheduleResponse{
		ScheduleResults: map[string]string{
			wire.BundleID("g1", "req-1", 0): "local-a",
		},
	}}
	m := masterManager(st, func(ctx context.Context) (RootDomainClient, error) { return client, nil })
	defer m.Stop()

	err := m.Create(context.Background(), CreateRequest{
		Name: "g1", Tenant: "t1", RequestID: "req-1",
		Bundles: []wire.BundleSpec{{}},
	})
	if err != nil {
		t.Fatalf("Create: %s", err)
	}

	// Create kicks off the gang-schedule round trip on a goroutine; give
	// it a moment to land before asserting on stored state.
	time.Sleep(20 * time.Millisecond)

	kvs, err := st.Get(context.Background(), wire.ResourceGroupKey("t1", "g1"), store.GetOptions{})
	if err != nil || len(kvs) != 1 {
		t.Fatalf("expected persisted resource group, got %v kvs, err %v", len(kvs), err)
	}
}

func TestDeleteUnknownGroupIsNotFound(t *testing.T) {
	m := masterManager(store.NewMemory(), func(ctx context.Context) (RootDomainClient, error) {
		return nil, wire.NewError(wire.ErrInnerCommunication, "unused")
	})
	defer m.Stop()

	if err := m.Delete(context.Background(), "t1", "missing"); err == nil {
		t.Fatal("expected error deleting an unknown resource group")
	}
}

func TestCreateStampsAffinityFromPolicy(t *testing.T) {
	st := store.NewMemory()
	client := &fakeRootClient{resp: rpc.ForwardGroupScheduleResponse{
		ScheduleResults: map[string]string{
			wire.BundleID("g2", "req-2", 0): "local-a",
		},
	}}
	m := masterManager(st, func(ctx context.Context) (RootDomainClient, error) { return client, nil })
	defer m.Stop()

	err := m.Create(context.Background(), CreateRequest{
		Name: "g2", Tenant: "t1", RequestID: "req-2", Policy: wire.PolicySpread,
		Bundles: []wire.BundleSpec{{}},
	})
	if err != nil {
		t.Fatalf("Create: %s", err)
	}
	time.Sleep(20 * time.Millisecond)

	want := []string{"preferredAntiAffinity(rgroup=g2)"}
	if len(client.gotReq.Group.Affinity) != 1 || client.gotReq.Group.Affinity[0] != want[0] {
		t.Fatalf("expected forwarded group affinity %v, got %v", want, client.gotReq.Group.Affinity)
	}

	rg, ok := m.Get("t1", "g2")
	if !ok {
		t.Fatal("expected group to be retrievable")
	}
	if len(rg.Affinity) != 1 || rg.Affinity[0] != want[0] {
		t.Fatalf("expected stored group affinity %v, got %v", want, rg.Affinity)
	}
}

func TestCreateCancelledMidFlightClearsStoreRecord(t *testing.T) {
	st := store.NewMemory()
	blocked := make(chan struct{})
	client := &blockingRootClient{release: blocked}
	m := masterManager(st, func(ctx context.Context) (RootDomainClient, error) { return client, nil })
	defer m.Stop()

	err := m.Create(context.Background(), CreateRequest{
		Name: "g3", Tenant: "t1", RequestID: "req-3",
		Bundles: []wire.BundleSpec{{}},
	})
	if err != nil {
		t.Fatalf("Create: %s", err)
	}

	if err := m.Delete(context.Background(), "t1", "g3"); err != nil {
		t.Fatalf("Delete during in-flight create: %s", err)
	}
	close(blocked)

	deadline := time.Now().Add(2 * time.Second)
	for {
		kvs, err := st.Get(context.Background(), wire.ResourceGroupKey("t1", "g3"), store.GetOptions{})
		if err == nil && len(kvs) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected cancelled-create to clear the store record, got %v kvs, err %v", len(kvs), err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// blockingRootClient stalls ForwardGroupSchedule until release is
// closed, so a Delete can race an in-flight Create; it then reports
// success, exercising applyGangResponse's own cancelled-mid-flight
// check rather than the retry-sleep path.
type blockingRootClient struct {
	release chan struct{}
}

func (b *blockingRootClient) ForwardGroupSchedule(ctx context.Context, req rpc.ForwardGroupScheduleRequest) (rpc.ForwardGroupScheduleResponse, error) {
	<-b.release
	results := map[string]string{}
	for _, bundle := range req.Group.Bundles {
		results[bundle.BundleID] = "local-a"
	}
	return rpc.ForwardGroupScheduleResponse{ScheduleResults: results}, nil
}
