package rpc

import "context"

// DomainClient is the set of RPCs a Local or child Domain can make
// against a parent Domain (or the root Domain).
type DomainClient interface {
	Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error)
	Schedule(ctx context.Context, req ScheduleRequest) (ScheduleResponse, error)
	QueryAgentInfo(ctx context.Context, req QueryAgentInfoRequest) (QueryAgentInfoResponse, error)
	QueryResourcesInfo(ctx context.Context, req QueryResourcesInfoRequest) (QueryResourcesInfoResponse, error)
	ForwardGroupSchedule(ctx context.Context, req ForwardGroupScheduleRequest) (ForwardGroupScheduleResponse, error)
	Heartbeat(ctx context.Context) error
}

// LocalClient is the set of RPCs the Global/Domain schedulers make
// against a Local scheduler.
type LocalClient interface {
	PushTopology(ctx context.Context, topo ScheduleTopology) error
	EvictAgent(ctx context.Context, req EvictAgentRequest) (EvictAgentResponse, error)
	ForwardCustomSignal(ctx context.Context, req ForwardCustomSignalRequest) (ForwardCustomSignalResponse, error)
	ForwardCallResult(ctx context.Context, req ForwardCallResultRequest) error
	RemoveBundle(ctx context.Context, req RemoveBundleRequest) (RemoveBundleResponse, error)
}

// Dialer resolves an address to a connected client pair. Production
// code uses the grpc-backed dialer in transport.go; tests use fakes
// that implement DomainClient/LocalClient directly in-process.
type Dialer interface {
	DialDomain(ctx context.Context, address string) (DomainClient, error)
	DialLocal(ctx context.Context, address string) (LocalClient, error)
}
