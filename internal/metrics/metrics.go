// Package metrics wires the global scheduler's counters: an expvar
// value and a prometheus metric of the same meaning updated from one
// incXxx helper. Extended with histograms/gauges for the dispatch
// pipeline and instance/bundle state counts, since this repo observes
// many more stages than a single scheduling loop would.
package metrics

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eCreateRequests  = expvar.NewInt("create_requests")
	eScheduleSuccess = expvar.NewInt("schedule_success")
	eScheduleFailed  = expvar.NewInt("schedule_failed")
	eKillRequests    = expvar.NewInt("kill_requests")
	eHeartbeatMissed = expvar.NewInt("heartbeat_missed")
	eRgroupCreated   = expvar.NewInt("resource_groups_created")
	eRgroupDeleted   = expvar.NewInt("resource_groups_deleted")
	eRgroupCancelled = expvar.NewInt("resource_groups_cancelled")
)

var (
	pCreateRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "globalscheduler",
		Subsystem: "dispatch",
		Name:      "create_requests_total",
		Help:      "Number of instance create requests received by the controller.",
	})
	pScheduleSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "globalscheduler",
		Subsystem: "dispatch",
		Name:      "schedule_success_total",
		Help:      "Number of instances that reached RUNNING.",
	})
	pScheduleFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "globalscheduler",
		Subsystem: "dispatch",
		Name:      "schedule_failed_total",
		Help:      "Number of instances that ended SCHEDULE_FAILED or FAILED.",
	})
	pKillRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "globalscheduler",
		Subsystem: "signalrouter",
		Name:      "kill_requests_total",
		Help:      "Number of forwarded kill/custom-signal requests.",
	})
	pHeartbeatMissed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "globalscheduler",
		Subsystem: "dispatch",
		Name:      "heartbeat_missed_total",
		Help:      "Number of missed heartbeat ticks across all tracked instances.",
	})
	pRgroupCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "globalscheduler",
		Subsystem: "resourcegroup",
		Name:      "created_total",
		Help:      "Number of resource groups created.",
	})
	pRgroupDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "globalscheduler",
		Subsystem: "resourcegroup",
		Name:      "deleted_total",
		Help:      "Number of resource groups deleted.",
	})
	pRgroupCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "globalscheduler",
		Subsystem: "resourcegroup",
		Name:      "cancelled_total",
		Help:      "Number of resource groups torn down mid-creation by a racing Delete.",
	})

	// PipelineStageLatency observes the wall-clock duration of each named
	// dispatch-pipeline stage.
	PipelineStageLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "globalscheduler",
		Subsystem: "dispatch",
		Name:      "stage_latency_seconds",
		Help:      "Latency of each dispatch pipeline stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	// InstancesByState is a gauge of tracked instances per lifecycle
	// state. It is registered here; the control view does not set it.
	InstancesByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "globalscheduler",
		Subsystem: "instance",
		Name:      "count_by_state",
		Help:      "Number of instances currently in each state.",
	}, []string{"state"})

	// BundlesByStatus is a live gauge of resource-group bundles per status.
	BundlesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "globalscheduler",
		Subsystem: "resourcegroup",
		Name:      "bundle_count_by_status",
		Help:      "Number of bundles currently in each status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(
		pCreateRequests, pScheduleSuccess, pScheduleFailed, pKillRequests,
		pHeartbeatMissed, pRgroupCreated, pRgroupDeleted, pRgroupCancelled,
		PipelineStageLatency, InstancesByState, BundlesByStatus,
	)
}

func IncCreateRequests(n int)  { eCreateRequests.Add(int64(n)); pCreateRequests.Add(float64(n)) }
func IncScheduleSuccess(n int) { eScheduleSuccess.Add(int64(n)); pScheduleSuccess.Add(float64(n)) }
func IncScheduleFailed(n int)  { eScheduleFailed.Add(int64(n)); pScheduleFailed.Add(float64(n)) }
func IncKillRequests(n int)    { eKillRequests.Add(int64(n)); pKillRequests.Add(float64(n)) }
func IncHeartbeatMissed(n int) { eHeartbeatMissed.Add(int64(n)); pHeartbeatMissed.Add(float64(n)) }
func IncRgroupCreated(n int)   { eRgroupCreated.Add(int64(n)); pRgroupCreated.Add(float64(n)) }
func IncRgroupDeleted(n int)   { eRgroupDeleted.Add(int64(n)); pRgroupDeleted.Add(float64(n)) }
func IncRgroupCancelled(n int) { eRgroupCancelled.Add(int64(n)); pRgroupCancelled.Add(float64(n)) }
