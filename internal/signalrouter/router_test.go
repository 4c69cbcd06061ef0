package signalrouter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

type fakeLocalClient struct {
	rpc.LocalClient
	calls []rpc.ForwardCustomSignalRequest
	fail  int
	resp  rpc.ForwardCustomSignalResponse
}

func (f *fakeLocalClient) ForwardCustomSignal(_ context.Context, req rpc.ForwardCustomSignalRequest) (rpc.ForwardCustomSignalResponse, error) {
	f.calls = append(f.calls, req)
	if f.fail > 0 {
		f.fail--
		return rpc.ForwardCustomSignalResponse{}, errTransient
	}
	return f.resp, nil
}

var errTransient = &wire.Error{Code: wire.ErrInnerCommunication, Message: "transient"}

func putRoute(t *testing.T, st store.Store, instanceID, proxyID string) {
	t.Helper()
	data, err := json.Marshal(wire.RouteInfo{InstanceID: instanceID, FunctionProxyID: proxyID, JobID: "job-1"})
	if err != nil {
		t.Fatalf("marshal route: %s", err)
	}
	if _, err := st.Put(context.Background(), wire.RouteKey(instanceID), data, store.PutOptions{}); err != nil {
		t.Fatalf("put route: %s", err)
	}
}

func TestForwardDeliversSignal(t *testing.T) {
	st := store.NewMemory()
	putRoute(t, st, "inst-1", "local-a")

	client := &fakeLocalClient{resp: rpc.ForwardCustomSignalResponse{ErrCode: wire.ErrNone}}
	dialer := rpc.NewFakeDialer()
	dialer.RegisterLocal("10.0.0.1:9000", client)

	resolver := func(proxyID string) (string, bool) {
		if proxyID == "local-a" {
			return "10.0.0.1:9000", true
		}
		return "", false
	}

	r := New(st, dialer, resolver)
	if err := r.Forward(context.Background(), "inst-1", wire.SignalShutDown, nil); err != nil {
		t.Fatalf("Forward: %s", err)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(client.calls))
	}
	if client.calls[0].InstanceID != "inst-1" || client.calls[0].Signal != wire.SignalShutDown {
		t.Errorf("unexpected forwarded request: %+v", client.calls[0])
	}
}

func TestForwardRetriesThenSucceeds(t *testing.T) {
	st := store.NewMemory()
	putRoute(t, st, "inst-2", "local-b")

	client := &fakeLocalClient{fail: 2, resp: rpc.ForwardCustomSignalResponse{ErrCode: wire.ErrNone}}
	dialer := rpc.NewFakeDialer()
	dialer.RegisterLocal("10.0.0.2:9000", client)
	resolver := func(string) (string, bool) { return "10.0.0.2:9000", true }

	r := New(st, dialer, resolver)
	if err := r.Forward(context.Background(), "inst-2", wire.SignalAppStop, nil); err != nil {
		t.Fatalf("Forward: %s", err)
	}
	if len(client.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(client.calls))
	}
}

func TestForwardRejectsUnknownInstance(t *testing.T) {
	st := store.NewMemory()
	dialer := rpc.NewFakeDialer()
	r := New(st, dialer, func(string) (string, bool) { return "", false })

	err := r.Forward(context.Background(), "ghost", wire.SignalShutDown, nil)
	if wire.CodeOf(err) != wire.ErrInstanceNotFound {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestForwardRejectsInvalidSignal(t *testing.T) {
	st := store.NewMemory()
	dialer := rpc.NewFakeDialer()
	r := New(st, dialer, func(string) (string, bool) { return "", false })

	err := r.Forward(context.Background(), "inst-3", wire.Signal(9999), nil)
	if wire.CodeOf(err) != wire.ErrParamInvalid {
		t.Fatalf("expected ErrParamInvalid, got %v", err)
	}
}
