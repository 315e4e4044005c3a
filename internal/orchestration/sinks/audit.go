package sinks

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/hiapplyco/apply-agents/internal/orchestration"
	"github.com/hiapplyco/apply-agents/pkg/models"
)

// AuditSink writes every record as a structured log line. Useful as a
// poor-man's audit trail when no persistent sink is configured.
type AuditSink struct {
	logger *logrus.Logger
}

// NewAuditSink creates a logging sink.
func NewAuditSink(logger *logrus.Logger) *AuditSink {
	return &AuditSink{logger: logger}
}

// WriteAgentActivity implements orchestration.MetricsSink.
func (s *AuditSink) WriteAgentActivity(_ context.Context, rec *models.AgentActivityRecord) error {
	s.logger.WithFields(logrus.Fields{
		"record":      "agent_activity",
		"agent_id":    rec.AgentID,
		"agent_type":  rec.AgentType,
		"task_id":     rec.TaskID,
		"task_type":   rec.TaskType,
		"status":      rec.Status,
		"error_kind":  rec.ErrorKind,
		"duration_ms": rec.DurationMs,
	}).Info("Agent activity")
	return nil
}

// WriteWorkflowInstance implements orchestration.MetricsSink.
func (s *AuditSink) WriteWorkflowInstance(_ context.Context, inst *models.WorkflowInstance) error {
	s.logger.WithFields(logrus.Fields{
		"record":      "workflow_instance",
		"instance_id": inst.ID,
		"workflow_id": inst.WorkflowID,
		"status":      inst.Status,
		"steps":       len(inst.Results),
		"error":       inst.Error,
	}).Info("Workflow instance")
	return nil
}

// WriteOrchestratorMetrics implements orchestration.MetricsSink.
func (s *AuditSink) WriteOrchestratorMetrics(_ context.Context, snap *orchestration.OrchestratorSnapshot) error {
	s.logger.WithFields(logrus.Fields{
		"record":           "orchestrator_snapshot",
		"live_agents":      snap.LiveAgents,
		"bus_log_size":     snap.BusLogSize,
		"dropped_messages": snap.DroppedMessages,
	}).Debug("Orchestrator snapshot")
	return nil
}
