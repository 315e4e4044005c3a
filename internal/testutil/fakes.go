package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/hiapplyco/apply-agents/pkg/models"
)

// Fake collaborators for tests and the demo command. They honour context
// cancellation at every simulated suspension point, which the scheduler
// tests rely on.

// FakeGateway is a canned ModelGateway. Responses are keyed by prompt;
// unknown prompts return an empty output.
type FakeGateway struct {
	mu        sync.Mutex
	Responses map[string]map[string]interface{}
	Err       error
	Delay     time.Duration

	calls atomic.Int64
}

// NewFakeGateway creates a gateway with no canned responses.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{Responses: make(map[string]map[string]interface{})}
}

// Respond sets the canned output for a prompt.
func (g *FakeGateway) Respond(prompt string, output map[string]interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Responses[prompt] = output
}

// Fail makes every subsequent call return err.
func (g *FakeGateway) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Err = err
}

// Calls reports how many times Call ran.
func (g *FakeGateway) Calls() int64 { return g.calls.Load() }

// Call implements orchestration.ModelGateway.
func (g *FakeGateway) Call(ctx context.Context, prompt string, _ map[string]interface{}, _ models.AgentContext) (map[string]interface{}, error) {
	g.calls.Add(1)

	g.mu.Lock()
	delay := g.Delay
	err := g.Err
	resp := g.Responses[prompt]
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return map[string]interface{}{}, nil
	}
	return resp, nil
}

// FakeSearchService produces deterministic-count fake candidates.
type FakeSearchService struct {
	Platform string
	Hits     int
	Err      error
	Delay    time.Duration
}

// FindCandidates implements orchestration.CandidateSearchService.
func (s *FakeSearchService) FindCandidates(ctx context.Context, _ string, _ map[string]interface{}, limit int) ([]*models.Candidate, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}

	n := s.Hits
	if n <= 0 || n > limit {
		n = limit
	}
	out := make([]*models.Candidate, 0, n)
	for i := 0; i < n; i++ {
		name := gofakeit.Name()
		out = append(out, &models.Candidate{
			ID:         fmt.Sprintf("%s-%d", s.Platform, i),
			Name:       name,
			Title:      gofakeit.JobTitle(),
			Company:    gofakeit.Company(),
			Location:   gofakeit.City(),
			ProfileURL: fmt.Sprintf("https://%s.example.com/in/%s", s.Platform, strings.ToLower(strings.ReplaceAll(name, " ", "-"))),
			Platform:   s.Platform,
			Score:      gofakeit.Float64Range(0, 1),
		})
	}
	return out, nil
}

// FakeEnrichmentService fabricates contact data.
type FakeEnrichmentService struct {
	Err   error
	Delay time.Duration
}

// EnrichPerson implements orchestration.EnrichmentService.
func (s *FakeEnrichmentService) EnrichPerson(ctx context.Context, name, company, _ string) (map[string]interface{}, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}

	local := strings.ToLower(strings.ReplaceAll(name, " ", "."))
	domain := strings.ToLower(strings.ReplaceAll(company, " ", "")) + ".com"
	if local == "" {
		local = gofakeit.Username()
	}
	return map[string]interface{}{
		"email":    local + "@" + domain,
		"phone":    gofakeit.Phone(),
		"linkedin": "https://linkedin.example.com/in/" + local,
	}, nil
}

// VerifyEmail implements orchestration.EnrichmentService.
func (s *FakeEnrichmentService) VerifyEmail(ctx context.Context, addr string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.Err != nil {
		return false, s.Err
	}
	return strings.Contains(addr, "@"), nil
}
