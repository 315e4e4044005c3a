package sinks

import (
	"context"
	"sync"

	"github.com/hiapplyco/apply-agents/internal/orchestration"
	"github.com/hiapplyco/apply-agents/pkg/models"
)

// MemorySink keeps every record in memory. Used by tests and the demo
// command; production deployments plug a persistent sink instead.
type MemorySink struct {
	mu         sync.Mutex
	activities []*models.AgentActivityRecord
	instances  []*models.WorkflowInstance
	snapshots  []*orchestration.OrchestratorSnapshot
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// WriteAgentActivity implements orchestration.MetricsSink.
func (s *MemorySink) WriteAgentActivity(_ context.Context, rec *models.AgentActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, rec)
	return nil
}

// WriteWorkflowInstance implements orchestration.MetricsSink.
func (s *MemorySink) WriteWorkflowInstance(_ context.Context, inst *models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = append(s.instances, inst)
	return nil
}

// WriteOrchestratorMetrics implements orchestration.MetricsSink.
func (s *MemorySink) WriteOrchestratorMetrics(_ context.Context, snap *orchestration.OrchestratorSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

// Activities returns a copy of the recorded task activities.
func (s *MemorySink) Activities() []*models.AgentActivityRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.AgentActivityRecord, len(s.activities))
	copy(out, s.activities)
	return out
}

// Instances returns a copy of the recorded workflow instances.
func (s *MemorySink) Instances() []*models.WorkflowInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.WorkflowInstance, len(s.instances))
	copy(out, s.instances)
	return out
}

// Snapshots returns a copy of the recorded orchestrator snapshots.
func (s *MemorySink) Snapshots() []*orchestration.OrchestratorSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*orchestration.OrchestratorSnapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}
