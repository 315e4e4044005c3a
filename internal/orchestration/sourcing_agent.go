package orchestration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hiapplyco/apply-agents/pkg/models"
)

// SourcingAgent finds candidates across the configured platform clients.
// Pipeline: optional job-description parse, criteria merge, boolean query
// build, fan-out search, model-gateway ranking, top-N cut.
type SourcingAgent struct {
	*BaseAgent
	gateway  ModelGateway
	services *Services
}

const defaultMaxResults = 25

// NewSourcingAgent constructs a sourcing agent bound to the given gateway
// and service set.
func NewSourcingAgent(agentCtx models.AgentContext, gateway ModelGateway, services *Services, logger *logrus.Logger) *SourcingAgent {
	agent := &SourcingAgent{gateway: gateway, services: services}

	caps := []models.AgentCapability{
		{
			Name:        "candidate_search",
			Description: "Search candidates across sourcing platforms with a boolean query",
			InputSchema: map[string]interface{}{
				"query":           "string",
				"criteria":        "object",
				"maxResults":      "number",
				"searchPlatforms": "array",
			},
		},
		{
			Name:        "boolean_generation",
			Description: "Build a boolean search string from structured criteria",
			InputSchema: map[string]interface{}{"criteria": "object"},
		},
		{
			Name:        "job_description_parsing",
			Description: "Extract search criteria from a raw job description",
			InputSchema: map[string]interface{}{"jobDescription": "string"},
		},
	}
	taskTypes := []string{"sourcing", "candidate_search", "boolean_generation"}

	agent.BaseAgent = NewBaseAgent(models.AgentTypeSourcing, agentCtx, caps, taskTypes, agent, logger)
	return agent
}

// RunTask implements TaskRunner.
func (s *SourcingAgent) RunTask(ctx context.Context, task *models.AgentTask) (map[string]interface{}, error) {
	criteria, err := s.resolveCriteria(ctx, task)
	if err != nil {
		return nil, err
	}

	query := stringValue(task.Input, "query")
	if query == "" {
		query = buildBooleanQuery(criteria)
	}

	if task.Type == "boolean_generation" {
		return map[string]interface{}{
			"query":    query,
			"criteria": criteria,
		}, nil
	}

	limit := intValue(task.Input, "maxResults", defaultMaxResults)
	platforms := platformList(task.Input, s.services)

	candidates, err := s.fanOutSearch(ctx, query, criteria, limit, platforms)
	if err != nil {
		return nil, err
	}

	ranked, err := s.rankCandidates(ctx, query, candidates)
	if err != nil {
		return nil, err
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	return map[string]interface{}{
		"query":      query,
		"criteria":   criteria,
		"platforms":  platforms,
		"candidates": ranked,
		"total":      len(ranked),
	}, nil
}

// resolveCriteria merges explicit criteria with criteria parsed out of a
// job description by the model gateway.
func (s *SourcingAgent) resolveCriteria(ctx context.Context, task *models.AgentTask) (map[string]interface{}, error) {
	criteria := mapValue(task.Input, "criteria")

	jd := stringValue(task.Input, "jobDescription")
	if jd == "" {
		return criteria, nil
	}

	parsed, err := s.gateway.Call(ctx, "parse_job_description", map[string]interface{}{"jobDescription": jd}, s.Context())
	if err != nil {
		return nil, Wrap(err, KindUpstreamFailure, "sourcing.parse_job_description", "job description parse failed")
	}

	merged := make(map[string]interface{}, len(parsed)+len(criteria))
	for k, v := range parsed {
		merged[k] = v
	}
	// Explicit criteria win over parsed ones.
	for k, v := range criteria {
		merged[k] = v
	}
	return merged, nil
}

// fanOutSearch queries every platform concurrently and merges the hits.
// A single failing platform fails the search; partial sourcing results
// skew ranking badly enough that the recruiter is better served by a retry.
func (s *SourcingAgent) fanOutSearch(ctx context.Context, query string, criteria map[string]interface{}, limit int, platforms []string) ([]*models.Candidate, error) {
	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		candidates []*models.Candidate
		firstErr   error
	)

	for _, name := range platforms {
		client, ok := s.services.Search[name]
		if !ok {
			return nil, E(KindUpstreamFailure, "sourcing.search", fmt.Sprintf("no search client configured for platform %q", name))
		}

		wg.Add(1)
		go func(name string, client CandidateSearchService) {
			defer wg.Done()
			found, err := client.FindCandidates(ctx, query, criteria, limit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = Wrap(err, KindUpstreamFailure, "sourcing.search", fmt.Sprintf("platform %q search failed", name))
				}
				return
			}
			for _, c := range found {
				if c.Platform == "" {
					c.Platform = name
				}
				candidates = append(candidates, c)
			}
		}(name, client)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return candidates, nil
}

// rankCandidates asks the gateway for a score per candidate id and sorts
// descending. Candidates the gateway does not mention keep their platform
// score.
func (s *SourcingAgent) rankCandidates(ctx context.Context, query string, candidates []*models.Candidate) ([]*models.Candidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	payload := map[string]interface{}{
		"query":      query,
		"candidates": candidates,
	}
	resp, err := s.gateway.Call(ctx, "rank_candidates", payload, s.Context())
	if err != nil {
		return nil, Wrap(err, KindUpstreamFailure, "sourcing.rank", "candidate ranking failed")
	}

	if scores, ok := resp["scores"].(map[string]interface{}); ok {
		for _, c := range candidates {
			if v, ok := scores[c.ID]; ok {
				if f, ok := toFloat(v); ok {
					c.Score = f
				}
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates, nil
}

// buildBooleanQuery renders structured criteria into a boolean search
// string: required skills AND-ed, titles OR-ed.
func buildBooleanQuery(criteria map[string]interface{}) string {
	var parts []string

	if titles := stringSlice(criteria, "titles"); len(titles) > 0 {
		parts = append(parts, "("+strings.Join(quoteAll(titles), " OR ")+")")
	}
	if skills := stringSlice(criteria, "skills"); len(skills) > 0 {
		parts = append(parts, strings.Join(quoteAll(skills), " AND "))
	}
	if loc := stringValue(criteria, "location"); loc != "" {
		parts = append(parts, fmt.Sprintf("%q", loc))
	}
	if excluded := stringSlice(criteria, "excluded"); len(excluded) > 0 {
		for _, e := range excluded {
			parts = append(parts, fmt.Sprintf("NOT %q", e))
		}
	}

	return strings.Join(parts, " AND ")
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}

// platformList resolves the requested platforms, defaulting to every
// configured client in stable order.
func platformList(input map[string]interface{}, services *Services) []string {
	requested := stringSlice(input, "searchPlatforms")
	if len(requested) > 0 {
		return requested
	}
	names := make([]string, 0, len(services.Search))
	for name := range services.Search {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
