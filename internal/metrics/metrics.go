// Package metrics exposes fleet-wide Prometheus instrumentation (§12
// Supplemented features). Grounded on
// pkg/agent/middleware/metrics/prometheus.go's promauto-registered
// CounterVec/GaugeVec recorder, generalized from per-LLM-request labels to
// the fleet-level counters an embedder's /metrics handler would scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"herdctl/internal/eventbus"
)

// Recorder owns every herdctl_* metric and the event-bus subscriptions
// that keep them current.
type Recorder struct {
	agentsRunning           *prometheus.GaugeVec
	jobsTotal               *prometheus.CounterVec
	jobDuration             *prometheus.HistogramVec
	scheduleTriggersTotal   *prometheus.CounterVec
	concurrencyRejections   *prometheus.CounterVec
}

// NewRecorder registers every herdctl metric against the default registry.
func NewRecorder() *Recorder {
	return &Recorder{
		agentsRunning: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "herdctl_agents_running",
				Help: "Number of currently running jobs per agent.",
			},
			[]string{"agent"},
		),
		jobsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herdctl_jobs_total",
				Help: "Total number of jobs by agent and terminal status.",
			},
			[]string{"agent", "status"},
		),
		jobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "herdctl_job_duration_seconds",
				Help:    "Job duration in seconds by agent.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		scheduleTriggersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herdctl_schedule_triggers_total",
				Help: "Total number of schedule-originated triggers by agent and schedule.",
			},
			[]string{"agent", "schedule"},
		),
		concurrencyRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herdctl_concurrency_rejections_total",
				Help: "Total number of triggers rejected by a concurrency limit, by agent.",
			},
			[]string{"agent"},
		),
	}
}

// ObserveAgentUpdated sets the running-job gauge for one agent.
func (r *Recorder) ObserveAgentUpdated(p eventbus.AgentUpdatedPayload) {
	r.agentsRunning.WithLabelValues(p.QualifiedName).Set(float64(p.RunningCount))
}

// ObserveScheduleTriggered increments the per-schedule trigger counter.
func (r *Recorder) ObserveScheduleTriggered(p eventbus.ScheduleTriggeredPayload) {
	r.scheduleTriggersTotal.WithLabelValues(p.AgentName, p.ScheduleName).Inc()
}

// ObserveJobCompleted increments jobsTotal and records job duration.
func (r *Recorder) ObserveJobCompleted(p eventbus.JobCompletedPayload) {
	r.jobsTotal.WithLabelValues(p.Job.Agent, string(p.Job.Status)).Inc()
	r.jobDuration.WithLabelValues(p.Job.Agent).Observe(p.DurationSeconds)
}

// ObserveJobFailed increments jobsTotal for the failed terminal status.
func (r *Recorder) ObserveJobFailed(p eventbus.JobFailedPayload) {
	r.jobsTotal.WithLabelValues(p.Job.Agent, string(p.Job.Status)).Inc()
}

// ObserveJobCancelled increments jobsTotal for the cancelled terminal status.
func (r *Recorder) ObserveJobCancelled(p eventbus.JobCancelledPayload) {
	r.jobsTotal.WithLabelValues(p.Job.Agent, string(p.Job.Status)).Inc()
}

// IncConcurrencyRejection records a trigger rejected by the per-agent cap.
func (r *Recorder) IncConcurrencyRejection(agentName string) {
	r.concurrencyRejections.WithLabelValues(agentName).Inc()
}

// Subscribe wires the recorder to every bus topic it instruments, running
// one goroutine per subscription until the returned stop function is
// called.
func (r *Recorder) Subscribe(bus *eventbus.Bus) (stop func()) {
	agentUpdated := bus.SubscribeAgentUpdated()
	scheduleTriggered := bus.SubscribeScheduleTriggered()
	jobCompleted := bus.SubscribeJobCompleted()
	jobFailed := bus.SubscribeJobFailed()
	jobCancelled := bus.SubscribeJobCancelled()

	go func() {
		for p := range agentUpdated.Events() {
			r.ObserveAgentUpdated(p)
		}
	}()
	go func() {
		for p := range scheduleTriggered.Events() {
			r.ObserveScheduleTriggered(p)
		}
	}()
	go func() {
		for p := range jobCompleted.Events() {
			r.ObserveJobCompleted(p)
		}
	}()
	go func() {
		for p := range jobFailed.Events() {
			r.ObserveJobFailed(p)
		}
	}()
	go func() {
		for p := range jobCancelled.Events() {
			r.ObserveJobCancelled(p)
		}
	}()

	return func() {
		agentUpdated.Unsubscribe()
		scheduleTriggered.Unsubscribe()
		jobCompleted.Unsubscribe()
		jobFailed.Unsubscribe()
		jobCancelled.Unsubscribe()
	}
}
