package metrics

import "testing"

func TestCountersDoNotPanic(t *testing.T) {
	IncCreateRequests(1)
	IncScheduleSuccess(1)
	IncScheduleFailed(1)
	IncKillRequests(1)
	IncHeartbeatMissed(1)
	IncRgroupCreated(1)
	IncRgroupDeleted(1)

	PipelineStageLatency.WithLabelValues("deploy").Observe(0.1)
	InstancesByState.WithLabelValues("RUNNING").Set(3)
	BundlesByStatus.WithLabelValues("CREATED").Set(2)
}
