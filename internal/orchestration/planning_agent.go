package orchestration

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/hiapplyco/apply-agents/pkg/models"
)

// PlanningAgent produces a structured recruitment plan. The model gateway
// proposes the plan content; deterministic defaults fill anything the
// gateway leaves out.
type PlanningAgent struct {
	*BaseAgent
	gateway ModelGateway
}

// NewPlanningAgent constructs a planning agent.
func NewPlanningAgent(agentCtx models.AgentContext, gateway ModelGateway, logger *logrus.Logger) *PlanningAgent {
	agent := &PlanningAgent{gateway: gateway}

	caps := []models.AgentCapability{
		{
			Name:        "recruitment_plan",
			Description: "Build a phased recruitment plan with timeline, risks and metrics",
			InputSchema: map[string]interface{}{
				"role":      "string",
				"headcount": "number",
				"timeline":  "string",
			},
		},
		{
			Name:        "strategy_generation",
			Description: "Generate a sourcing strategy for a role",
			InputSchema: map[string]interface{}{"role": "string", "criteria": "object"},
		},
	}
	taskTypes := []string{"planning", "recruitment_plan", "strategy_generation"}

	agent.BaseAgent = NewBaseAgent(models.AgentTypePlanning, agentCtx, caps, taskTypes, agent, logger)
	return agent
}

// RunTask implements TaskRunner.
func (p *PlanningAgent) RunTask(ctx context.Context, task *models.AgentTask) (map[string]interface{}, error) {
	role := stringValue(task.Input, "role")
	if role == "" {
		role = "unspecified role"
	}

	suggestion, err := p.gateway.Call(ctx, "strategy_generation", map[string]interface{}{
		"role":     role,
		"input":    task.Input,
		"taskType": task.Type,
	}, p.Context())
	if err != nil {
		return nil, Wrap(err, KindUpstreamFailure, "planning.strategy", "strategy generation failed")
	}

	plan := defaultPlan(role, task.Input)
	for _, section := range []string{"phases", "timeline", "risks", "metrics", "resources"} {
		if v, ok := suggestion[section]; ok && v != nil {
			plan[section] = v
		}
	}
	if summary := stringValue(suggestion, "summary"); summary != "" {
		plan["summary"] = summary
	}

	p.logger.WithFields(logrus.Fields{
		"agent_id": p.ID(),
		"task_id":  task.ID,
		"role":     role,
	}).Debug("Recruitment plan generated")

	return plan, nil
}

// defaultPlan is the deterministic skeleton used when the gateway returns
// no suggestion for a section.
func defaultPlan(role string, input map[string]interface{}) map[string]interface{} {
	headcount := intValue(input, "headcount", 1)
	timeline := stringValue(input, "timeline")
	if timeline == "" {
		timeline = "6 weeks"
	}

	return map[string]interface{}{
		"role":      role,
		"headcount": headcount,
		"timeline":  timeline,
		"phases": []map[string]interface{}{
			{"name": "sourcing", "duration": "2 weeks", "description": "Build and rank the candidate pool"},
			{"name": "screening", "duration": "1 week", "description": "Review profiles and qualify candidates"},
			{"name": "interviewing", "duration": "2 weeks", "description": "Structured interview loops"},
			{"name": "offer", "duration": "1 week", "description": "Offer, negotiation and close"},
		},
		"risks": []string{
			"competitive market for the role",
			"pipeline decay between stages",
		},
		"metrics": []string{
			"candidates sourced per week",
			"response rate",
			"pass-through rate per stage",
			"time to offer",
		},
		"resources": []string{
			"one sourcing agent",
			"one enrichment agent",
			"hiring manager interview panel",
		},
	}
}
