package topology

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

func TestQueueFeedBroadcastsOnPut(t *testing.T) {
	st := store.NewMemory()
	f := NewQueueFeed(st, wire.ScheduleQueuePrefix)
	defer f.Stop()

	ch, unsubscribe := f.Subscribe()
	defer unsubscribe()

	entry := QueueEntry{InstanceID: "i-1", Function: "fn-a", State: "NEW"}
	data, _ := json.Marshal(entry)
	if _, err := st.Put(context.Background(), wire.ScheduleQueuePrefix+"i-1", data, store.PutOptions{}); err != nil {
		t.Fatalf("Put: %s", err)
	}

	select {
	case entries := <-ch:
		if len(entries) != 1 || entries[0].InstanceID != "i-1" {
			t.Fatalf("unexpected entries: %+v", entries)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestQueueFeedServeHTTPStreamsSnapshot(t *testing.T) {
	st := store.NewMemory()
	entry := QueueEntry{InstanceID: "i-1", Function: "fn-a", State: "NEW"}
	data, _ := json.Marshal(entry)
	if _, err := st.Put(context.Background(), wire.ScheduleQueuePrefix+"i-1", data, store.PutOptions{}); err != nil {
		t.Fatalf("Put: %s", err)
	}

	f := NewQueueFeed(st, wire.ScheduleQueuePrefix)
	defer f.Stop()

	srv := httptest.NewServer(http.HandlerFunc(f.ServeHTTP))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}
}
