package dispatch

import (
	"context"
	"testing"

	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

func TestStoreMetaSourceRoundTrips(t *testing.T) {
	st := store.NewMemory()
	meta := wire.FunctionMeta{Function: "fn-a", Driver: "http", MaxInstances: 10}
	if err := PutMeta(context.Background(), st, meta); err != nil {
		t.Fatalf("PutMeta: %s", err)
	}

	src := NewStoreMetaSource(st)
	got, err := src.FetchMeta(context.Background(), "fn-a")
	if err != nil {
		t.Fatalf("FetchMeta: %s", err)
	}
	if got.Driver != "http" || got.MaxInstances != 10 {
		t.Fatalf("unexpected meta: %+v", got)
	}
}

func TestStoreMetaSourceNotFound(t *testing.T) {
	src := NewStoreMetaSource(store.NewMemory())
	if _, err := src.FetchMeta(context.Background(), "missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}
