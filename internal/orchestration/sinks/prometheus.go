package sinks

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hiapplyco/apply-agents/internal/orchestration"
	"github.com/hiapplyco/apply-agents/pkg/models"
)

// PrometheusSink exposes orchestration activity as Prometheus metrics.
// Writes only touch in-process collectors, so the sink never blocks.
type PrometheusSink struct {
	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	workflowsTotal  *prometheus.CounterVec
	liveAgents      prometheus.Gauge
	busLogSize      prometheus.Gauge
	droppedMessages prometheus.Gauge
}

// NewPrometheusSink registers the orchestration collectors on the given
// registerer.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apply",
			Subsystem: "orchestration",
			Name:      "tasks_total",
			Help:      "Tasks processed, by agent type and result status.",
		}, []string{"agent_type", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apply",
			Subsystem: "orchestration",
			Name:      "task_duration_seconds",
			Help:      "Task processing duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"agent_type"}),
		workflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apply",
			Subsystem: "orchestration",
			Name:      "workflows_total",
			Help:      "Workflow instances reaching a terminal state, by status.",
		}, []string{"status"}),
		liveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apply",
			Subsystem: "orchestration",
			Name:      "live_agents",
			Help:      "Agents currently registered.",
		}),
		busLogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apply",
			Subsystem: "orchestration",
			Name:      "bus_log_size",
			Help:      "Messages retained in the bus log.",
		}),
		droppedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apply",
			Subsystem: "orchestration",
			Name:      "dropped_messages_total",
			Help:      "Messages addressed to no live recipient.",
		}),
	}

	reg.MustRegister(s.tasksTotal, s.taskDuration, s.workflowsTotal, s.liveAgents, s.busLogSize, s.droppedMessages)
	return s
}

// WriteAgentActivity implements orchestration.MetricsSink.
func (s *PrometheusSink) WriteAgentActivity(_ context.Context, rec *models.AgentActivityRecord) error {
	s.tasksTotal.WithLabelValues(string(rec.AgentType), string(rec.Status)).Inc()
	s.taskDuration.WithLabelValues(string(rec.AgentType)).Observe(float64(rec.DurationMs) / 1000)
	return nil
}

// WriteWorkflowInstance implements orchestration.MetricsSink.
func (s *PrometheusSink) WriteWorkflowInstance(_ context.Context, inst *models.WorkflowInstance) error {
	s.workflowsTotal.WithLabelValues(string(inst.Status)).Inc()
	return nil
}

// WriteOrchestratorMetrics implements orchestration.MetricsSink.
func (s *PrometheusSink) WriteOrchestratorMetrics(_ context.Context, snap *orchestration.OrchestratorSnapshot) error {
	s.liveAgents.Set(float64(snap.LiveAgents))
	s.busLogSize.Set(float64(snap.BusLogSize))
	s.droppedMessages.Set(float64(snap.DroppedMessages))
	return nil
}
