package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// newRegistry exposes the runtime's counters. Every value is read at scrape
// time, so nothing is recorded on the step path.
func newRegistry(rt *runtime) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gauge := func(name, help string, fn func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "gridworld", Name: name, Help: help}, fn))
	}
	counter := func(name, help string, fn func() float64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "gridworld", Name: name, Help: help}, fn))
	}

	gauge("sim_time", "Current simulator time.", func() float64 { return float64(rt.sim.Time()) })
	gauge("sim_agents", "Live agents.", func() float64 { return float64(rt.sim.Stats().Agents) })
	gauge("sim_active_agents", "Agents the step barrier waits for.", func() float64 { return float64(rt.sim.Stats().ActiveCount) })
	gauge("sim_acted_agents", "Active agents that have acted this tick.", func() float64 { return float64(rt.sim.Stats().ActedCount) })
	gauge("sim_semaphores", "Live semaphores.", func() float64 { return float64(rt.sim.Stats().Semaphores) })
	gauge("world_patches", "Generated patches.", func() float64 { return float64(rt.sim.Stats().Patches) })

	gauge("tcp_connections", "Open client connections.", func() float64 { return float64(rt.tcp.Stats().Connections) })
	gauge("tcp_clients", "Known clients, connected or not.", func() float64 { return float64(rt.tcp.Stats().Clients) })
	counter("tcp_requests_handled_total", "Requests handled.", func() float64 { return float64(rt.tcp.Stats().Handled) })
	counter("tcp_step_responses_total", "Step responses sent.", func() float64 { return float64(rt.tcp.Stats().StepsSent) })
	counter("tcp_step_failures_total", "Step responses that failed to send.", func() float64 { return float64(rt.tcp.Stats().StepFailures) })

	gauge("observer_subscribers", "Connected observers.", func() float64 { return float64(rt.hub.Stats().Subscribers) })
	counter("observer_published_total", "Ticks published to observers.", func() float64 { return float64(rt.hub.Stats().Published) })
	counter("observer_dropped_total", "Frames dropped for slow observers.", func() float64 { return float64(rt.hub.Stats().Dropped) })

	counter("snapshots_written_total", "Snapshots written.", func() float64 { return float64(rt.snapshotsWritten.Load()) })
	counter("snapshot_failures_total", "Snapshots that failed.", func() float64 { return float64(rt.snapshotFailures.Load()) })
	gauge("snapshot_last_tick", "Tick of the last snapshot written or loaded.", func() float64 { return float64(rt.lastSnapshotTick.Load()) })
	counter("step_log_failures_total", "Step log writes that failed.", func() float64 { return float64(rt.stepLogFailures.Load()) })

	if rt.index != nil {
		gauge("index_queue_depth", "Index writes waiting.", func() float64 { return float64(rt.index.Stats().QueueDepth) })
		counter("index_written_total", "Index writes committed.", func() float64 { return float64(rt.index.Stats().Written) })
		counter("index_dropped_total", "Index writes dropped on a full queue.", func() float64 { return float64(rt.index.Stats().Dropped) })
		counter("index_failed_total", "Index writes that failed.", func() float64 { return float64(rt.index.Stats().Failed) })
	}
	if rt.mirror != nil {
		gauge("s3_mirror_queue_depth", "Uploads waiting.", func() float64 { return float64(rt.mirror.Stats().QueueDepth) })
		counter("s3_mirror_dropped_total", "Uploads dropped on a saturated queue.", func() float64 { return float64(rt.mirror.Stats().DroppedTotal) })
		counter("s3_mirror_upload_success_total", "Successful uploads.", func() float64 { return float64(rt.mirror.Stats().UploadSuccessTotal) })
		counter("s3_mirror_upload_fail_total", "Uploads that failed after retries.", func() float64 { return float64(rt.mirror.Stats().UploadFailTotal) })
		counter("s3_mirror_uploaded_bytes_total", "Bytes uploaded.", func() float64 { return float64(rt.mirror.Stats().UploadedBytesTotal) })
	}
	return reg
}
