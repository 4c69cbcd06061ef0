package placement

import (
	"context"
	"testing"

	"github.com/fnmesh/globalscheduler/internal/wire"
)

type fakeCandidates struct {
	names     []string
	addresses map[string]string
}

func (f fakeCandidates) Names() []string { return f.names }
func (f fakeCandidates) Address(name string) (string, bool) {
	addr, ok := f.addresses[name]
	return addr, ok
}

func TestPlaceRotatesThroughCandidates(t *testing.T) {
	p := NewRoundRobinPlacer(fakeCandidates{
		names:     []string{"local-1", "local-2"},
		addresses: map[string]string{"local-1": "10.0.0.1:9000", "local-2": "10.0.0.2:9000"},
	})

	var picked []string
	for i := 0; i < 4; i++ {
		agentID, proxyID, err := p.Place(context.Background(), wire.InstanceInfo{})
		if err != nil {
			t.Fatalf("Place: %s", err)
		}
		if agentID != proxyID {
			t.Fatalf("agentID %q != proxyID %q", agentID, proxyID)
		}
		picked = append(picked, agentID)
	}
	want := []string{"local-1", "local-2", "local-1", "local-2"}
	for i := range want {
		if picked[i] != want[i] {
			t.Fatalf("picked = %v, want %v", picked, want)
		}
	}
}

func TestPlaceRejectsNoCandidates(t *testing.T) {
	p := NewRoundRobinPlacer(fakeCandidates{})
	if _, _, err := p.Place(context.Background(), wire.InstanceInfo{}); err == nil {
		t.Fatal("expected error with no registered Locals")
	}
}
