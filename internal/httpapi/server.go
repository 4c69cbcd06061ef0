// Package httpapi wires the HTTP control surface the way
// harpoon-scheduler/main.go does: github.com/julienschmidt/httprouter
// for the mux, github.com/streadway/handy/report as the logging
// middleware wrapper, and the same errorResponse/successResponse JSON
// envelope shape.
package httpapi

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streadway/handy/report"

	"github.com/fnmesh/globalscheduler/internal/resourcegroup"
	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/signalrouter"
	"github.com/fnmesh/globalscheduler/internal/topology"
)

// GlobalActor is the subset of globalsched.Actor the HTTP surface needs.
// Declared as an interface here (rather than importing the concrete
// type) so tests can exercise handlers against a fake.
type GlobalActor interface {
	QueryAgentInfo(ctx context.Context) (rpc.QueryAgentInfoResponse, error)
	QueryResourcesInfo(ctx context.Context) (rpc.QueryResourcesInfoResponse, error)
	EvictAgent(ctx context.Context, localName string, req rpc.EvictAgentRequest) (rpc.EvictAgentResponse, error)
	IsMaster() bool
	MasterHTTPAddr() (string, bool)
}

// Server bundles the collaborators the HTTP handlers dispatch to.
type Server struct {
	Actor       GlobalActor
	ResourceMgr *resourcegroup.Manager
	SignalRoute *signalrouter.Router
	// QueueFeed is optional: when nil, GET /scheduling_queue answers 501.
	QueueFeed *topology.QueueFeed
	// NodeID is this process's identity, checked against the Node-ID
	// header on GET /healthy.
	NodeID string
}

// NewRouter builds the httprouter.Router with every documented route,
// each wrapped in report.JSON the way main.go wraps handleSchedule.
func NewRouter(s *Server) *httprouter.Router {
	router := httprouter.New()

	router.GET("/healthy", noParams(report.JSON(logWriter{}, s.handleHealthy())))
	router.GET("/queryagents", noParams(report.JSON(logWriter{}, s.forwardIfSlave(s.handleQueryAgents()))))
	router.GET("/queryagentcount", noParams(report.JSON(logWriter{}, s.forwardIfSlave(s.handleQueryAgentCount()))))
	router.GET("/resources", noParams(report.JSON(logWriter{}, s.forwardIfSlave(s.handleQueryResources()))))
	router.POST("/evictagent", noParams(report.JSON(logWriter{}, s.handleEvictAgent())))
	router.POST("/rgroup", noParams(report.JSON(logWriter{}, s.handleCreateResourceGroup())))
	router.DELETE("/rgroup", noParams(report.JSON(logWriter{}, s.handleDeleteResourceGroup())))
	router.POST("/signal/:instanceId", wrapParams(report.JSON(logWriter{}, s.handleForwardSignal())))
	router.GET("/scheduling_queue", noParams(s.handleSchedulingQueue()))
	router.Handler("GET", "/metrics", promhttp.Handler())

	return router
}

func noParams(h http.Handler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		h.ServeHTTP(w, r)
	}
}

// wrapParams stashes httprouter's path params in the request context so
// handlers that need them (handleForwardSignal's :instanceId) can read
// them after report.JSON's generic http.Handler wrapping.
func wrapParams(h http.Handler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		h.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), paramsKey{}, ps)))
	}
}

type paramsKey struct{}

func paramsFrom(r *http.Request) httprouter.Params {
	ps, _ := r.Context().Value(paramsKey{}).(httprouter.Params)
	return ps
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	return len(p), nil
}
