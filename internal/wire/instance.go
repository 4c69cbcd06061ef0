package wire

import (
	"fmt"
	"strings"
)

// disallowedInstanceIDChars: instanceID must not contain
// any of these bytes, since it ends up interpolated into shell-adjacent
// agent commands and store keys downstream.
const disallowedInstanceIDChars = `"'; \|&$><` + "`"

// ValidInstanceID reports whether id is free of the disallowed
// characters and non-empty.
func ValidInstanceID(id string) error {
	if id == "" {
		return NewError(ErrParamInvalid, "instanceID empty")
	}
	if strings.ContainsAny(id, disallowedInstanceIDChars) {
		return NewError(ErrParamInvalid, fmt.Sprintf("instanceID %q contains a disallowed character", id))
	}
	return nil
}

// ResourceSpec names a scalar resource request; at minimum "cpu"
// (millicores) and "memory" (MB) are expected.
type ResourceSpec struct {
	Scalars map[string]float64 `json:"scalars"`
	Hetero  []HeteroResource   `json:"hetero,omitempty"`
}

// HeteroResource describes a heterogeneous device request: either a
// bare Count, or exactly (Memory, Latency, Stream).
type HeteroResource struct {
	Vendor      string  `json:"vendor"`
	Product     string  `json:"product"`
	ResourceKind string `json:"resourceKind"`
	Count       int     `json:"count,omitempty"`
	Memory      int     `json:"memory,omitempty"`
	Latency     int     `json:"latency,omitempty"`
	Stream      int     `json:"stream,omitempty"`
}

// UsesCount reports whether this hetero request specifies a bare count
// rather than the (memory, latency, stream) triple.
func (h HeteroResource) UsesCount() bool {
	return h.Count > 0 && h.Memory == 0 && h.Latency == 0 && h.Stream == 0
}

// UsesTriple reports whether this hetero request specifies the full
// (memory, latency, stream) triple rather than a bare count.
func (h HeteroResource) UsesTriple() bool {
	return h.Count == 0 && h.Memory > 0 && h.Latency > 0 && h.Stream > 0
}

// ScheduleOption carries the placement preferences attached to a
// schedule request.
type ScheduleOption struct {
	Policy               string            `json:"policy"`
	Priority             int               `json:"priority"`
	TimeoutMs            int64             `json:"timeoutMs"`
	PreemptedAllowed     bool              `json:"preemptedAllowed"`
	Affinity             []string          `json:"affinity,omitempty"`
	NodeSelector         map[string]string `json:"nodeSelector,omitempty"`
	ResourceGroup        string            `json:"resourceGroup,omitempty"`
	GracefulShutdownSec  int               `json:"gracefulShutdownSec"`
}

// InstanceStatus is the status sub-record of InstanceInfo.
type InstanceStatus struct {
	StateCode InstanceState `json:"stateCode"`
	ErrCode   ErrCode       `json:"errCode"`
	Message   string        `json:"message,omitempty"`
	ExitCode  int           `json:"exitCode,omitempty"`
	ExitType  string        `json:"exitType,omitempty"`
}

// InstanceInfo is the authoritative per-instance record.
type InstanceInfo struct {
	InstanceID   string `json:"instanceId"`
	RequestID    string `json:"requestId"`
	TraceID      string `json:"traceId"`
	JobID        string `json:"jobId"`
	ParentID     string `json:"parentId"`
	Function     string `json:"function"`
	TenantID     string `json:"tenantId"`
	IsSystemFunc bool   `json:"isSystemFunc"`
	LowReliability bool `json:"lowReliability"`

	Resources      ResourceSpec      `json:"resources"`
	ScheduleOption ScheduleOption    `json:"scheduleOption"`
	Labels         map[string]string `json:"labels,omitempty"`
	CreateOptions  map[string]string `json:"createOptions,omitempty"`

	Status InstanceStatus `json:"status"`

	Version     int64 `json:"version"`
	ModRevision int64 `json:"modRevision"`

	FunctionProxyID string `json:"functionProxyId,omitempty"`
	FunctionAgentID string `json:"functionAgentId,omitempty"`
	RuntimeID       string `json:"runtimeId,omitempty"`
	RuntimeAddress  string `json:"runtimeAddress,omitempty"`

	SchedulerChain []string `json:"schedulerChain,omitempty"`

	ScheduleTimes int `json:"scheduleTimes"`
	DeployTimes   int `json:"deployTimes"`
}

// Clone returns a deep-enough copy of info for safe concurrent reads:
// maps and slices are copied, scalar fields by value.
func (info InstanceInfo) Clone() InstanceInfo {
	clone := info
	clone.Resources.Scalars = copyFloatMap(info.Resources.Scalars)
	clone.Resources.Hetero = append([]HeteroResource(nil), info.Resources.Hetero...)
	clone.ScheduleOption.Affinity = append([]string(nil), info.ScheduleOption.Affinity...)
	clone.ScheduleOption.NodeSelector = copyStringMap(info.ScheduleOption.NodeSelector)
	clone.Labels = copyStringMap(info.Labels)
	clone.CreateOptions = copyStringMap(info.CreateOptions)
	clone.SchedulerChain = append([]string(nil), info.SchedulerChain...)
	return clone
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// InstanceKey builds the well-known store key for an instance:
// /instance/{function}/{instanceID}/{requestID}.
func InstanceKey(function, instanceID, requestID string) string {
	return fmt.Sprintf("/instance/%s/%s/%s", function, instanceID, requestID)
}

// RouteKey builds the well-known store key used for remote route lookup.
func RouteKey(instanceID string) string {
	return fmt.Sprintf("/route/%s", instanceID)
}

// RouteInfo is the compact record stored at RouteKey, used by signal
// routing (C7) to resolve an instance's owning Local without fetching
// the full InstanceInfo.
type RouteInfo struct {
	InstanceID      string `json:"instanceId"`
	FunctionProxyID string `json:"functionProxyId"`
	JobID           string `json:"jobId"`
}

const (
	// TopologyKey is the well-known key for the serialized tree snapshot.
	TopologyKey = "SCHEDULER_TOPOLOGY"
	// ReadyAgentCountKey holds an integer count for readiness reporting.
	ReadyAgentCountKey = "READY_AGENT_CNT_KEY"
	// ScheduleQueuePrefix namespaces the pending-schedule entries GET
	// /scheduling_queue streams.
	ScheduleQueuePrefix = "/schedqueue/"
)

// ResourceGroupKey builds the well-known key for a ResourceGroup.
func ResourceGroupKey(tenant, name string) string {
	return fmt.Sprintf("/yr/resourcegroup/%s/%s", tenant, name)
}
