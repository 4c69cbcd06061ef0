package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/fnmesh/globalscheduler/internal/resourcegroup"
	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

// handleHealthy implements GET /healthy: the caller must echo
// this process's Node-ID and PID headers back, or the check fails.
// Grounded in how /healthy-style liveness probes pin a request to one
// specific process rather than any member of a pool.
func (s *Server) handleHealthy() http.HandlerFunc {
	pid := strconv.Itoa(os.Getpid())
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Node-ID") != s.NodeID || r.Header.Get("PID") != pid {
			writeError(w, http.StatusBadRequest, fmt.Errorf("node-id/pid mismatch"))
			return
		}
		writeSuccess(w, "ok")
	}
}

// handleSchedulingQueue answers GET /scheduling_queue as an
// SSE long poll (JSON frames only; this build has no protobuf codec,
// see DESIGN.md). Unlike the other read handlers it isn't proxied
// through forwardIfSlave: streaming a Slave's own feed still reflects
// the shared store's pending-schedule keys, just not guaranteed to be
// the master's exact in-flight view.
func (s *Server) handleSchedulingQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := rejectProtobuf(w, r); err != nil {
			return
		}
		if s.QueueFeed == nil {
			writeError(w, http.StatusNotImplemented, fmt.Errorf("not yet implemented"))
			return
		}
		s.QueueFeed.ServeHTTP(w, r)
	}
}

// agentJSON is the {id,alias} shape GET /queryagents answers with. id
// is the Local scheduler's name and alias its address; the agents
// behind each Local are not listed individually.
type agentJSON struct {
	ID    string `json:"id"`
	Alias string `json:"alias"`
}

func (s *Server) handleQueryAgents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := s.Actor.QueryAgentInfo(r.Context())
		if err != nil {
			writeWireError(w, err)
			return
		}
		data := make([]agentJSON, 0, len(resp.Agents))
		for _, a := range resp.Agents {
			data = append(data, agentJSON{ID: a.ID, Alias: a.Alias})
		}
		writeJSON(w, struct {
			Data []agentJSON `json:"data"`
		}{Data: data})
	}
}

// handleQueryAgentCount answers GET /queryagentcount: plain
// text integer, -1 on error (not a JSON envelope, unlike every other
// route here).
func (s *Server) handleQueryAgentCount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := s.Actor.QueryAgentInfo(r.Context())
		w.Header().Set("Content-Type", "text/plain")
		if err != nil {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, -1)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, len(resp.Agents))
	}
}

func (s *Server) handleQueryResources() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := rejectProtobuf(w, r); err != nil {
			return
		}
		resp, err := s.Actor.QueryResourcesInfo(r.Context())
		if err != nil {
			writeWireError(w, err)
			return
		}
		writeJSON(w, resp)
	}
}

const (
	minEvictTimeoutSec     = 0
	maxEvictTimeoutSec     = 6000
	defaultEvictTimeoutSec = 30
)

func (s *Server) handleEvictAgent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpc.EvictAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		defer r.Body.Close()
		if req.AgentID == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("agentId is required"))
			return
		}
		if req.TimeoutSec < minEvictTimeoutSec || req.TimeoutSec > maxEvictTimeoutSec {
			writeError(w, http.StatusBadRequest, fmt.Errorf("timeoutSec must be within [%d, %d]", minEvictTimeoutSec, maxEvictTimeoutSec))
			return
		}
		if req.TimeoutSec == 0 {
			req.TimeoutSec = defaultEvictTimeoutSec
		}
		resp, err := s.Actor.EvictAgent(r.Context(), req.AgentID, req)
		if err != nil {
			writeWireError(w, err)
			return
		}
		writeJSON(w, resp)
	}
}

// rgroupRequest is the JSON body for POST /rgroup: the requestID and
// rGroupName, plus the tenant, owner, priority, policy and bundles that
// fill out the created wire.ResourceGroup.
type rgroupRequest struct {
	RequestID string            `json:"requestID"`
	RGroupName string           `json:"rGroupName"`
	Tenant    string            `json:"tenant"`
	Owner     string            `json:"owner"`
	Priority  int               `json:"priority"`
	Policy    wire.GroupPolicy  `json:"policy"`
	Bundles   []wire.BundleSpec `json:"bundles"`
}

func (s *Server) handleCreateResourceGroup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := rejectProtobuf(w, r); err != nil {
			return
		}
		if err := s.mutateGuard(); err != nil {
			writeWireError(w, err)
			return
		}
		var body rgroupRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		defer r.Body.Close()
		if body.RGroupName == "" || len(body.Bundles) == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("rGroupName and at least one bundle are required"))
			return
		}
		if body.Owner == "" {
			body.Owner = "primary"
		}
		err := s.ResourceMgr.Create(r.Context(), resourcegroup.CreateRequest{
			Name:      body.RGroupName,
			Tenant:    body.Tenant,
			Owner:     body.Owner,
			Priority:  body.Priority,
			Policy:    body.Policy,
			RequestID: body.RequestID,
			Bundles:   body.Bundles,
		})
		if err != nil {
			writeWireError(w, err)
			return
		}
		writeSuccess(w, fmt.Sprintf("resource group %s/%s accepted", body.Tenant, body.RGroupName))
	}
}

func (s *Server) handleDeleteResourceGroup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.mutateGuard(); err != nil {
			writeWireError(w, err)
			return
		}
		tenant := r.URL.Query().Get("tenant")
		name := r.URL.Query().Get("rGroupName")
		if tenant == "" || name == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("tenant and rGroupName query params are required"))
			return
		}
		if err := s.ResourceMgr.Delete(r.Context(), tenant, name); err != nil {
			writeWireError(w, err)
			return
		}
		writeSuccess(w, fmt.Sprintf("resource group %s/%s deleted", tenant, name))
	}
}

// signalRequest is the JSON body for POST /signal/:instanceId, this
// repo's HTTP-level complement to the internal Signal Router (C7);
// the documented HTTP surface stops at the routes above it, so this
// route is this repo's addition for operator-driven signal delivery.
type signalRequest struct {
	Signal  wire.Signal `json:"signal"`
	Payload []byte      `json:"payload,omitempty"`
}

func (s *Server) handleForwardSignal() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.mutateGuard(); err != nil {
			writeWireError(w, err)
			return
		}
		instanceID := paramsFrom(r).ByName("instanceId")
		var body signalRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		defer r.Body.Close()
		if err := s.SignalRoute.Forward(r.Context(), instanceID, body.Signal, body.Payload); err != nil {
			writeWireError(w, err)
			return
		}
		writeSuccess(w, fmt.Sprintf("signal %s delivered to %s", body.Signal, instanceID))
	}
}

// mutateGuard rejects mutating requests on a Slave before even
// attempting them, the way leader.Business.Mutate does at the actor
// layer: mutating HTTP calls aren't forwarded, only reads
// are (forwardIfSlave).
func (s *Server) mutateGuard() error {
	if s.Actor.IsMaster() {
		return nil
	}
	addr, _ := s.Actor.MasterHTTPAddr()
	return wire.NewError(wire.ErrInnerCommunication, "not master, current master at "+addr)
}

// rejectProtobuf answers a "Type: protobuf" content-negotiation request
// with 501: this build carries a JSON codec end to end (see DESIGN.md),
// not a protobuf one, so protobuf-format requests are refused rather
// than silently served as JSON.
func rejectProtobuf(w http.ResponseWriter, r *http.Request) error {
	if r.Header.Get("Type") == "protobuf" {
		err := fmt.Errorf("protobuf response format not supported, use JSON")
		writeError(w, http.StatusNotImplemented, err)
		return err
	}
	return nil
}
