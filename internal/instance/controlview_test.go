package instance

import (
	"context"
	"testing"
	"time"

	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

func testInfo(id, owner string) wire.InstanceInfo {
	return wire.InstanceInfo{
		InstanceID:      id,
		Function:        "fn",
		RequestID:       "req-" + id,
		FunctionProxyID: owner,
	}
}

func TestCreateAndTransition(t *testing.T) {
	cv := NewControlView(store.NewMemory())
	defer cv.Stop()

	if err := cv.Create(testInfo("i1", "local-a")); err != nil {
		t.Fatalf("Create: %s", err)
	}

	outcome, info, err := cv.Transition("i1", wire.StateScheduling, nil)
	if err != nil {
		t.Fatalf("Transition NEW->SCHEDULING: %s", err)
	}
	if outcome != CASApplied {
		t.Fatalf("expected CASApplied, got %s", outcome)
	}
	if info.Status.StateCode != wire.StateScheduling {
		t.Fatalf("expected SCHEDULING, got %s", info.Status.StateCode)
	}
	if info.Version != 1 {
		t.Fatalf("expected version 1, got %d", info.Version)
	}
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	cv := NewControlView(store.NewMemory())
	defer cv.Stop()

	cv.Create(testInfo("i1", "local-a"))
	if _, _, err := cv.Transition("i1", wire.StateRunning, nil); err == nil {
		t.Fatalf("expected error transitioning NEW directly to RUNNING")
	}
}

func TestSubscribeFiresOnTargetState(t *testing.T) {
	cv := NewControlView(store.NewMemory())
	defer cv.Stop()

	cv.Create(testInfo("i1", "local-a"))
	cv.Transition("i1", wire.StateScheduling, nil)

	waiter := cv.Subscribe("i1", wire.StateRunning, wire.StateFatal, wire.StateEvicted)

	cv.Transition("i1", wire.StateCreating, nil)
	cv.Transition("i1", wire.StateRunning, nil)

	select {
	case info := <-waiter:
		if info.Status.StateCode != wire.StateRunning {
			t.Fatalf("expected RUNNING, got %s", info.Status.StateCode)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription never fired")
	}
}

func TestTransitionRelinquishesOnOwnerChange(t *testing.T) {
	st := store.NewMemory()
	cv := NewControlView(st)
	defer cv.Stop()

	cv.Create(testInfo("i1", "local-a"))
	cv.Transition("i1", wire.StateScheduling, nil)

	// Simulate a concurrent writer (owner "local-b") winning the CAS by
	// writing directly to the store with the same key, advancing the
	// modRevision out from under the tracked state machine.
	key := wire.InstanceKey("fn", "i1", "req-i1")
	other := testInfo("i1", "local-b")
	other.Status.StateCode = wire.StateCreating
	other.Version = 7
	payload := encodeInstanceInfo(other)
	st.Put(context.Background(), key, payload, store.PutOptions{})

	outcome, info, err := cv.Transition("i1", wire.StateCreating, nil)
	if err != nil {
		t.Fatalf("Transition: %s", err)
	}
	if outcome != CASRelinquished {
		t.Fatalf("expected CASRelinquished, got %s", outcome)
	}
	if info.FunctionProxyID != "local-b" {
		t.Fatalf("expected reloaded owner local-b, got %q", info.FunctionProxyID)
	}
}
