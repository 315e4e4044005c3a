package orchestration

import (
	"context"
	"time"

	"github.com/hiapplyco/apply-agents/pkg/models"
)

// ModelGateway is the opaque call into an LLM backend. Agents surface
// gateway failures as task failures; the orchestrator never calls it
// directly.
type ModelGateway interface {
	Call(ctx context.Context, prompt string, payload map[string]interface{}, agentCtx models.AgentContext) (map[string]interface{}, error)
}

// CandidateSearchService finds candidates on a single sourcing platform.
type CandidateSearchService interface {
	FindCandidates(ctx context.Context, query string, criteria map[string]interface{}, limit int) ([]*models.Candidate, error)
}

// EnrichmentService resolves contact and profile data for a person.
type EnrichmentService interface {
	EnrichPerson(ctx context.Context, name, company, domain string) (map[string]interface{}, error)
	VerifyEmail(ctx context.Context, addr string) (bool, error)
}

// Services bundles the external collaborators handed to agents. Search is
// keyed by platform name; agents fan out across the configured set.
type Services struct {
	Search     map[string]CandidateSearchService
	Enrichment EnrichmentService
}

// OrchestratorSnapshot is the periodic state record pushed to metrics
// sinks by the monitoring pump.
type OrchestratorSnapshot struct {
	Timestamp       time.Time                       `json:"timestamp"`
	Running         bool                            `json:"running"`
	LiveAgents      int                             `json:"live_agents"`
	MaxAgents       int                             `json:"max_agents"`
	Workflows       map[models.WorkflowStatus]int   `json:"workflows"`
	BusLogSize      int                             `json:"bus_log_size"`
	DroppedMessages int64                           `json:"dropped_messages"`
	AgentMetrics    map[string]*models.AgentMetrics `json:"agent_metrics"`
}

// MetricsSink persists agent activity, workflow instances and
// orchestrator snapshots. Implementations must accept concurrent writes
// and must not block callers beyond a bounded time.
type MetricsSink interface {
	WriteAgentActivity(ctx context.Context, rec *models.AgentActivityRecord) error
	WriteWorkflowInstance(ctx context.Context, inst *models.WorkflowInstance) error
	WriteOrchestratorMetrics(ctx context.Context, snap *OrchestratorSnapshot) error
}
