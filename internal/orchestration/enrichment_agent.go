package orchestration

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hiapplyco/apply-agents/pkg/models"
)

// EnrichmentAgent resolves contact and profile data for candidates in
// batches, emitting a progress message after every batch.
type EnrichmentAgent struct {
	*BaseAgent
	gateway  ModelGateway
	services *Services
}

const enrichmentBatchSize = 10

// NewEnrichmentAgent constructs an enrichment agent.
func NewEnrichmentAgent(agentCtx models.AgentContext, gateway ModelGateway, services *Services, logger *logrus.Logger) *EnrichmentAgent {
	agent := &EnrichmentAgent{gateway: gateway, services: services}

	caps := []models.AgentCapability{
		{
			Name:        "contact_discovery",
			Description: "Discover and verify contact details for candidates",
			InputSchema: map[string]interface{}{
				"candidates":   "array",
				"verifyEmails": "boolean",
			},
		},
		{
			Name:        "profile_enrichment",
			Description: "Augment candidate profiles with employment and social data",
			InputSchema: map[string]interface{}{
				"candidates":    "array",
				"enrichProfile": "boolean",
			},
		},
	}
	taskTypes := []string{"enrichment", "contact_discovery", "profile_enrichment"}

	agent.BaseAgent = NewBaseAgent(models.AgentTypeEnrichment, agentCtx, caps, taskTypes, agent, logger)
	return agent
}

// RunTask implements TaskRunner. Candidates are processed in batches of
// ten; a status message reports progress after each batch.
func (e *EnrichmentAgent) RunTask(ctx context.Context, task *models.AgentTask) (map[string]interface{}, error) {
	raw := sliceValue(task.Input, "candidates")
	if len(raw) == 0 {
		return map[string]interface{}{"enriched": []interface{}{}, "total": 0}, nil
	}

	flags := enrichmentFlags{
		contacts: boolValue(task.Input, "enrichContacts", true),
		emails:   boolValue(task.Input, "verifyEmails", task.Type == "contact_discovery"),
		profile:  boolValue(task.Input, "enrichProfile", task.Type == "profile_enrichment" || task.Type == "enrichment"),
	}

	enriched := make([]map[string]interface{}, 0, len(raw))
	for start := 0; start < len(raw); start += enrichmentBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := start + enrichmentBatchSize
		if end > len(raw) {
			end = len(raw)
		}

		for _, item := range raw[start:end] {
			person, err := e.enrichOne(ctx, item, flags)
			if err != nil {
				return nil, err
			}
			enriched = append(enriched, person)
		}

		e.SendStatus(models.OrchestratorID, "enrichment_progress", map[string]interface{}{
			"task_id":   task.ID,
			"processed": len(enriched),
			"total":     len(raw),
		})
	}

	return map[string]interface{}{
		"enriched": enriched,
		"total":    len(enriched),
	}, nil
}

type enrichmentFlags struct {
	contacts bool
	emails   bool
	profile  bool
}

// enrichOne runs the per-candidate pipeline guarded by the flag set.
func (e *EnrichmentAgent) enrichOne(ctx context.Context, item interface{}, flags enrichmentFlags) (map[string]interface{}, error) {
	person, ok := item.(map[string]interface{})
	if !ok {
		return nil, E(KindInternal, "enrichment.decode", fmt.Sprintf("candidate entry is %T, want object", item))
	}

	name := stringValue(person, "name")
	company := stringValue(person, "company")
	domain := stringValue(person, "domain")

	out := make(map[string]interface{}, len(person)+2)
	for k, v := range person {
		out[k] = v
	}

	if flags.contacts || flags.profile {
		data, err := e.services.Enrichment.EnrichPerson(ctx, name, company, domain)
		if err != nil {
			return nil, Wrap(err, KindUpstreamFailure, "enrichment.enrich_person", fmt.Sprintf("enrichment failed for %q", name))
		}
		for k, v := range data {
			out[k] = v
		}
	}

	if flags.emails {
		if addr := stringValue(out, "email"); addr != "" {
			verified, err := e.services.Enrichment.VerifyEmail(ctx, addr)
			if err != nil {
				return nil, Wrap(err, KindUpstreamFailure, "enrichment.verify_email", fmt.Sprintf("verification failed for %q", addr))
			}
			out["email_verified"] = verified
		}
	}

	e.logger.WithFields(logrus.Fields{
		"agent_id":  e.ID(),
		"candidate": name,
	}).Debug("Candidate enriched")

	return out, nil
}
