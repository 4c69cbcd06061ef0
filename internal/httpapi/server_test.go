package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/fnmesh/globalscheduler/internal/resourcegroup"
	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

const testNodeID = "node-test"

type fakeActor struct {
	master        bool
	masterAddr    string
	agents        []rpc.AgentSummary
	evictAccepted bool
}

func (f *fakeActor) QueryAgentInfo(ctx context.Context) (rpc.QueryAgentInfoResponse, error) {
	return rpc.QueryAgentInfoResponse{Agents: f.agents}, nil
}

func (f *fakeActor) QueryResourcesInfo(ctx context.Context) (rpc.QueryResourcesInfoResponse, error) {
	return rpc.QueryResourcesInfoResponse{Resources: map[string]wire.ResourceSpec{"local-1": {}}}, nil
}

func (f *fakeActor) EvictAgent(ctx context.Context, localName string, req rpc.EvictAgentRequest) (rpc.EvictAgentResponse, error) {
	return rpc.EvictAgentResponse{Accepted: f.evictAccepted}, nil
}

func (f *fakeActor) IsMaster() bool { return f.master }

func (f *fakeActor) MasterHTTPAddr() (string, bool) {
	return f.masterAddr, f.masterAddr != ""
}

func newTestServer(t *testing.T, actor *fakeActor) *httptest.Server {
	t.Helper()
	st := store.NewMemory()
	rm := resourcegroup.New(st,
		func(ctx context.Context) (resourcegroup.RootDomainClient, error) {
			return nil, wire.NewError(wire.ErrInnerCommunication, "no root in test")
		},
		func(ctx context.Context, functionProxyID string) (rpc.LocalClient, error) {
			return nil, wire.NewError(wire.ErrInstanceNotFound, "no local in test")
		},
	)
	t.Cleanup(rm.Stop)

	srv := &Server{Actor: actor, ResourceMgr: rm, NodeID: testNodeID}
	return httptest.NewServer(NewRouter(srv))
}

func TestHealthy(t *testing.T) {
	s := newTestServer(t, &fakeActor{master: true})
	defer s.Close()

	req, _ := http.NewRequest(http.MethodGet, s.URL+"/healthy", nil)
	req.Header.Set("Node-ID", testNodeID)
	req.Header.Set("PID", strconv.Itoa(os.Getpid()))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /healthy: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHealthyRejectsWrongNodeID(t *testing.T) {
	s := newTestServer(t, &fakeActor{master: true})
	defer s.Close()

	req, _ := http.NewRequest(http.MethodGet, s.URL+"/healthy", nil)
	req.Header.Set("Node-ID", "someone-else")
	req.Header.Set("PID", strconv.Itoa(os.Getpid()))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /healthy: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestQueryAgentsAsMaster(t *testing.T) {
	actor := &fakeActor{master: true, agents: []rpc.AgentSummary{{ID: "a1", Alias: "agent-1"}}}
	s := newTestServer(t, actor)
	defer s.Close()

	resp, err := http.Get(s.URL + "/queryagents")
	if err != nil {
		t.Fatalf("GET /queryagents: %s", err)
	}
	defer resp.Body.Close()

	var out struct {
		Data []agentJSON `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %s", err)
	}
	if len(out.Data) != 1 || out.Data[0].ID != "a1" {
		t.Fatalf("unexpected agents: %+v", out.Data)
	}
}

func TestQueryAgentsForwardsWhenSlave(t *testing.T) {
	master := newTestServer(t, &fakeActor{master: true, agents: []rpc.AgentSummary{{ID: "a1"}}})
	defer master.Close()

	slave := newTestServer(t, &fakeActor{master: false, masterAddr: strings.TrimPrefix(master.URL, "http://")})
	defer slave.Close()

	resp, err := http.Get(slave.URL + "/queryagents")
	if err != nil {
		t.Fatalf("GET /queryagents: %s", err)
	}
	defer resp.Body.Close()

	var out struct {
		Data []agentJSON `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %s", err)
	}
	if len(out.Data) != 1 {
		t.Fatalf("expected forwarded response with 1 agent, got %+v", out.Data)
	}
}

func TestCreateResourceGroupRejectedOnSlave(t *testing.T) {
	s := newTestServer(t, &fakeActor{master: false, masterAddr: "10.0.0.1:8080"})
	defer s.Close()

	body := strings.NewReader(`{"tenant":"t1","rGroupName":"g1","bundles":[{}]}`)
	resp, err := http.Post(s.URL+"/rgroup", "application/json", body)
	if err != nil {
		t.Fatalf("POST /rgroup: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestEvictAgentRequiresAgentID(t *testing.T) {
	s := newTestServer(t, &fakeActor{master: true})
	defer s.Close()

	resp, err := http.Post(s.URL+"/evictagent", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /evictagent: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEvictAgentRejectsTimeoutOutOfRange(t *testing.T) {
	s := newTestServer(t, &fakeActor{master: true})
	defer s.Close()

	resp, err := http.Post(s.URL+"/evictagent", "application/json", strings.NewReader(`{"agentId":"a1","timeoutSec":9000}`))
	if err != nil {
		t.Fatalf("POST /evictagent: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestQueryAgentCountIsPlainText(t *testing.T) {
	actor := &fakeActor{master: true, agents: []rpc.AgentSummary{{ID: "a1"}, {ID: "a2"}}}
	s := newTestServer(t, actor)
	defer s.Close()

	resp, err := http.Get(s.URL + "/queryagentcount")
	if err != nil {
		t.Fatalf("GET /queryagentcount: %s", err)
	}
	defer resp.Body.Close()
	var buf [32]byte
	n, _ := resp.Body.Read(buf[:])
	if got := string(buf[:n]); got != "2" {
		t.Fatalf("body = %q, want %q", got, "2")
	}
}

func TestSchedulingQueueRejectsProtobuf(t *testing.T) {
	s := newTestServer(t, &fakeActor{master: true})
	defer s.Close()

	req, _ := http.NewRequest(http.MethodGet, s.URL+"/scheduling_queue", nil)
	req.Header.Set("Type", "protobuf")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /scheduling_queue: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", resp.StatusCode)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	s := newTestServer(t, &fakeActor{master: true})
	defer s.Close()

	resp, err := http.Get(s.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
