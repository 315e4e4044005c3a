package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiapplyco/apply-agents/internal/testutil"
	"github.com/hiapplyco/apply-agents/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// stubRunner is a TaskRunner with a programmable outcome.
type stubRunner struct {
	output map[string]interface{}
	err    error
	delay  time.Duration
	panics bool
}

func (r *stubRunner) RunTask(ctx context.Context, _ *models.AgentTask) (map[string]interface{}, error) {
	if r.panics {
		panic("runner exploded")
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.output, r.err
}

func newStubAgent(t *testing.T, runner TaskRunner) *BaseAgent {
	t.Helper()
	return NewBaseAgent(
		models.AgentTypeSourcing,
		models.AgentContext{UserID: "u1", SessionID: "s1"},
		[]models.AgentCapability{{Name: "candidate_search", Description: "test"}},
		[]string{"candidate_search", "sourcing"},
		runner,
		testLogger(),
	)
}

func TestBaseAgentCanHandle(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{})

	assert.True(t, agent.CanHandle(&models.AgentTask{Type: "candidate_search"}))
	assert.True(t, agent.CanHandle(&models.AgentTask{Type: "sourcing"}))
	assert.False(t, agent.CanHandle(&models.AgentTask{Type: "planning"}))
	assert.False(t, agent.CanHandle(nil))
}

func TestBaseAgentProcessTaskSuccess(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{output: map[string]interface{}{"hits": 3}})

	result := agent.ProcessTask(context.Background(), &models.AgentTask{ID: "t1", Type: "candidate_search"})

	require.Equal(t, models.ResultSuccess, result.Status)
	assert.Equal(t, "t1", result.TaskID)
	assert.Equal(t, agent.ID(), result.AgentID)
	assert.Equal(t, map[string]interface{}{"hits": 3}, result.Output)
	assert.False(t, result.EndedAt.Before(result.StartedAt))
	assert.Equal(t, models.AgentStatusIdle, agent.Status())

	metrics := agent.Metrics()
	assert.Equal(t, int64(1), metrics.TotalTasks)
	assert.Equal(t, int64(1), metrics.SuccessfulTasks)
}

func TestBaseAgentProcessTaskLifecycleEvents(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{})

	agent.ProcessTask(context.Background(), &models.AgentTask{ID: "t1", Type: "sourcing"})

	first := <-agent.Events()
	second := <-agent.Events()
	assert.Equal(t, EventTaskStart, first.Type)
	assert.Equal(t, EventTaskComplete, second.Type)
	assert.Equal(t, "t1", first.TaskID)
	assert.Equal(t, "t1", second.TaskID)
}

func TestBaseAgentNotSupported(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{})

	result := agent.ProcessTask(context.Background(), &models.AgentTask{ID: "t1", Type: "planning"})

	assert.Equal(t, models.ResultFailure, result.Status)
	assert.Equal(t, string(KindNotSupported), result.ErrorKind)
	// Rejected tasks never touch the counters.
	assert.Equal(t, int64(0), agent.Metrics().TotalTasks)
}

func TestBaseAgentBusySingleFlight(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{delay: 200 * time.Millisecond})

	done := make(chan *models.AgentResult, 1)
	go func() {
		done <- agent.ProcessTask(context.Background(), &models.AgentTask{ID: "t1", Type: "sourcing"})
	}()

	// Wait until the first task is in flight.
	require.Eventually(t, func() bool {
		return agent.Status() == models.AgentStatusWorking
	}, time.Second, 5*time.Millisecond)

	second := agent.ProcessTask(context.Background(), &models.AgentTask{ID: "t2", Type: "sourcing"})
	assert.Equal(t, models.ResultFailure, second.Status)
	assert.Equal(t, string(KindBusy), second.ErrorKind)

	first := <-done
	assert.Equal(t, models.ResultSuccess, first.Status)
}

func TestBaseAgentHandlerErrorCaptured(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{err: errors.New("boom")})

	result := agent.ProcessTask(context.Background(), &models.AgentTask{ID: "t1", Type: "sourcing"})

	assert.Equal(t, models.ResultFailure, result.Status)
	assert.Equal(t, string(KindInternal), result.ErrorKind)
	assert.Contains(t, result.Error, "boom")
	assert.Equal(t, models.AgentStatusIdle, agent.Status())
}

func TestBaseAgentPanicCaptured(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{panics: true})

	result := agent.ProcessTask(context.Background(), &models.AgentTask{ID: "t1", Type: "sourcing"})

	assert.Equal(t, models.ResultFailure, result.Status)
	assert.Equal(t, string(KindInternal), result.ErrorKind)
	assert.Contains(t, result.Error, "panic")
}

func TestBaseAgentTimeout(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{delay: 500 * time.Millisecond})

	result := agent.ProcessTask(context.Background(), &models.AgentTask{
		ID:      "t1",
		Type:    "sourcing",
		Timeout: 30 * time.Millisecond,
	})

	assert.Equal(t, models.ResultFailure, result.Status)
	assert.Equal(t, string(KindTimeout), result.ErrorKind)
	assert.Equal(t, int64(1), agent.Metrics().FailedTasks)
}

func TestBaseAgentCancellation(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{delay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *models.AgentResult, 1)
	go func() {
		done <- agent.ProcessTask(ctx, &models.AgentTask{ID: "t1", Type: "sourcing"})
	}()

	require.Eventually(t, func() bool {
		return agent.Status() == models.AgentStatusWorking
	}, time.Second, 5*time.Millisecond)
	cancel()

	result := <-done
	assert.Equal(t, models.ResultCancelled, result.Status)
	assert.Equal(t, string(KindCancelled), result.ErrorKind)
	assert.Equal(t, int64(1), agent.Metrics().CancelledTasks)
}

func TestBaseAgentRunningAverage(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{delay: 20 * time.Millisecond})

	for i := 0; i < 3; i++ {
		result := agent.ProcessTask(context.Background(), &models.AgentTask{ID: "t", Type: "sourcing"})
		require.Equal(t, models.ResultSuccess, result.Status)
	}

	metrics := agent.Metrics()
	assert.Equal(t, int64(3), metrics.TotalTasks)
	assert.Equal(t, metrics.TotalTasks, metrics.SuccessfulTasks+metrics.FailedTasks+metrics.CancelledTasks)
	assert.Greater(t, metrics.AverageMs, float64(0))
	assert.False(t, metrics.LastActiveAt.IsZero())
}

func TestBaseAgentPauseResume(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{})

	require.NoError(t, agent.Pause())
	assert.Equal(t, models.AgentStatusPaused, agent.Status())

	rejected := agent.ProcessTask(context.Background(), &models.AgentTask{ID: "t1", Type: "sourcing"})
	assert.Equal(t, string(KindBusy), rejected.ErrorKind)

	require.NoError(t, agent.Resume())
	assert.Equal(t, models.AgentStatusIdle, agent.Status())

	paused := <-agent.Events()
	resumed := <-agent.Events()
	assert.Equal(t, EventAgentPaused, paused.Type)
	assert.Equal(t, EventAgentResumed, resumed.Type)

	// Other than the two lifecycle events the agent is unchanged.
	result := agent.ProcessTask(context.Background(), &models.AgentTask{ID: "t2", Type: "sourcing"})
	assert.Equal(t, models.ResultSuccess, result.Status)
}

func TestBaseAgentShutdownTerminal(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{})

	agent.Shutdown()
	assert.Equal(t, models.AgentStatusStopped, agent.Status())

	// Shutdown event is the last one; the channel closes after it.
	ev, ok := <-agent.Events()
	require.True(t, ok)
	assert.Equal(t, EventAgentShutdown, ev.Type)
	_, ok = <-agent.Events()
	assert.False(t, ok)

	// Idempotent.
	agent.Shutdown()
	assert.Error(t, agent.Pause())
}

func TestBaseAgentHandleMessageDropsForeign(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{})

	var handled []*models.AgentMessage
	agent.OnStatus(func(msg *models.AgentMessage) { handled = append(handled, msg) })

	agent.HandleMessage(&models.AgentMessage{To: "someone-else", Type: models.MessageStatus, Action: "x"})
	assert.Empty(t, handled)

	agent.HandleMessage(&models.AgentMessage{To: agent.ID(), Type: models.MessageStatus, Action: "x"})
	assert.Len(t, handled, 1)

	agent.HandleMessage(&models.AgentMessage{To: models.Broadcast, Type: models.MessageStatus, Action: "y"})
	assert.Len(t, handled, 2)
}

func TestBaseAgentUnhandledRequestGetsErrorResponse(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{})

	agent.HandleMessage(&models.AgentMessage{
		ID:     "req-1",
		From:   "other-agent",
		To:     agent.ID(),
		Type:   models.MessageRequest,
		Action: "do_something",
	})

	reply := <-agent.Outbox()
	assert.Equal(t, models.MessageError, reply.Type)
	assert.Equal(t, "other-agent", reply.To)
	assert.Equal(t, "req-1", reply.CorrelationID)
}

func TestBaseAgentSendMessageFreshIDs(t *testing.T) {
	agent := newStubAgent(t, &stubRunner{})

	first := agent.SendMessage("peer", "ping", nil)
	second := agent.SendMessage("peer", "ping", nil)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, agent.ID(), first.From)

	out1 := <-agent.Outbox()
	out2 := <-agent.Outbox()
	assert.Equal(t, first.ID, out1.ID)
	assert.Equal(t, second.ID, out2.ID)
}

func TestSourcingAgentPipeline(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.Respond("rank_candidates", map[string]interface{}{
		"scores": map[string]interface{}{"linkedin-0": 5.0},
	})
	services := &Services{
		Search: map[string]CandidateSearchService{
			"linkedin": &testutil.FakeSearchService{Platform: "linkedin", Hits: 3},
			"github":   &testutil.FakeSearchService{Platform: "github", Hits: 2},
		},
	}

	agent := NewSourcingAgent(models.AgentContext{UserID: "u1"}, gw, services, testLogger())
	result := agent.ProcessTask(context.Background(), &models.AgentTask{
		ID:   "t1",
		Type: "candidate_search",
		Input: map[string]interface{}{
			"query":      `"golang"`,
			"maxResults": 4,
		},
	})

	require.Equal(t, models.ResultSuccess, result.Status)
	candidates, ok := result.Output["candidates"].([]*models.Candidate)
	require.True(t, ok)
	assert.LessOrEqual(t, len(candidates), 4)
	// The gateway-scored candidate ranks first.
	assert.Equal(t, "linkedin-0", candidates[0].ID)
}

func TestSourcingAgentBooleanGeneration(t *testing.T) {
	agent := NewSourcingAgent(models.AgentContext{}, testutil.NewFakeGateway(), &Services{}, testLogger())

	result := agent.ProcessTask(context.Background(), &models.AgentTask{
		ID:   "t1",
		Type: "boolean_generation",
		Input: map[string]interface{}{
			"criteria": map[string]interface{}{
				"titles": []interface{}{"Software Engineer", "Backend Engineer"},
				"skills": []interface{}{"go", "kubernetes"},
			},
		},
	})

	require.Equal(t, models.ResultSuccess, result.Status)
	query, _ := result.Output["query"].(string)
	assert.Contains(t, query, `"Software Engineer" OR "Backend Engineer"`)
	assert.Contains(t, query, `"go" AND "kubernetes"`)
}

func TestEnrichmentAgentBatchesWithProgress(t *testing.T) {
	gw := testutil.NewFakeGateway()
	services := &Services{Enrichment: &testutil.FakeEnrichmentService{}}
	agent := NewEnrichmentAgent(models.AgentContext{}, gw, services, testLogger())

	candidates := make([]interface{}, 25)
	for i := range candidates {
		candidates[i] = map[string]interface{}{"name": "Person", "company": "Acme"}
	}

	result := agent.ProcessTask(context.Background(), &models.AgentTask{
		ID:    "t1",
		Type:  "enrichment",
		Input: map[string]interface{}{"candidates": candidates},
	})

	require.Equal(t, models.ResultSuccess, result.Status)
	assert.Equal(t, 25, result.Output["total"])

	// Three batches of ten → three progress messages.
	progress := 0
	for len(agent.Outbox()) > 0 {
		msg := <-agent.Outbox()
		if msg.Action == "enrichment_progress" {
			progress++
		}
	}
	assert.Equal(t, 3, progress)
}

func TestPlanningAgentDefaults(t *testing.T) {
	// Gateway returns nothing: deterministic defaults fill the plan.
	agent := NewPlanningAgent(models.AgentContext{}, testutil.NewFakeGateway(), testLogger())

	result := agent.ProcessTask(context.Background(), &models.AgentTask{
		ID:    "t1",
		Type:  "recruitment_plan",
		Input: map[string]interface{}{"role": "Staff Engineer"},
	})

	require.Equal(t, models.ResultSuccess, result.Status)
	assert.Equal(t, "Staff Engineer", result.Output["role"])
	phases, ok := result.Output["phases"].([]map[string]interface{})
	require.True(t, ok)
	assert.Len(t, phases, 4)
	assert.NotEmpty(t, result.Output["risks"])
	assert.NotEmpty(t, result.Output["metrics"])
}

func TestPlanningAgentGatewayFailure(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.Fail(errors.New("upstream 503"))
	agent := NewPlanningAgent(models.AgentContext{}, gw, testLogger())

	result := agent.ProcessTask(context.Background(), &models.AgentTask{ID: "t1", Type: "planning"})

	assert.Equal(t, models.ResultFailure, result.Status)
	assert.Equal(t, string(KindUpstreamFailure), result.ErrorKind)
}
