package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiapplyco/apply-agents/internal/testutil"
	"github.com/hiapplyco/apply-agents/pkg/models"
)

type orchestratorFixture struct {
	orchestrator *Orchestrator
	gateway      *testutil.FakeGateway
	services     *Services
	sink         *recordingSink
}

// recordingSink is a MetricsSink capturing everything for assertions.
type recordingSink struct {
	activities []*models.AgentActivityRecord
	instances  []*models.WorkflowInstance
	snapshots  []*OrchestratorSnapshot
	mu         chan struct{}
}

func newRecordingSink() *recordingSink {
	s := &recordingSink{mu: make(chan struct{}, 1)}
	s.mu <- struct{}{}
	return s
}

func (s *recordingSink) lock() func() {
	<-s.mu
	return func() { s.mu <- struct{}{} }
}

func (s *recordingSink) WriteAgentActivity(_ context.Context, rec *models.AgentActivityRecord) error {
	defer s.lock()()
	s.activities = append(s.activities, rec)
	return nil
}

func (s *recordingSink) WriteWorkflowInstance(_ context.Context, inst *models.WorkflowInstance) error {
	defer s.lock()()
	s.instances = append(s.instances, inst)
	return nil
}

func (s *recordingSink) WriteOrchestratorMetrics(_ context.Context, snap *OrchestratorSnapshot) error {
	defer s.lock()()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *recordingSink) snapshotCount() int {
	defer s.lock()()
	return len(s.snapshots)
}

func newFixture(t *testing.T, cfg Config) *orchestratorFixture {
	t.Helper()

	gw := testutil.NewFakeGateway()
	services := &Services{
		Search: map[string]CandidateSearchService{
			"linkedin": &testutil.FakeSearchService{Platform: "linkedin", Hits: 3},
		},
		Enrichment: &testutil.FakeEnrichmentService{},
	}
	sink := newRecordingSink()

	orchestrator := NewOrchestrator(cfg, gw, services, []MetricsSink{sink}, testLogger())
	require.NoError(t, orchestrator.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orchestrator.Shutdown(ctx)
	})

	return &orchestratorFixture{
		orchestrator: orchestrator,
		gateway:      gw,
		services:     services,
		sink:         sink,
	}
}

func testContext() models.AgentContext {
	return models.AgentContext{UserID: "u1", SessionID: "s1"}
}

func singleStepDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:   "ws1",
		Name: "single step",
		Steps: []*models.WorkflowStep{
			{
				ID:        "s1",
				Name:      "search",
				AgentType: models.AgentTypeSourcing,
				Task: models.TaskTemplate{
					Type:     "candidate_search",
					Priority: models.PriorityMedium,
					Input: map[string]interface{}{
						"maxResults":      5,
						"searchPlatforms": []interface{}{},
					},
				},
			},
		},
	}
}

func TestExecuteWorkflowSingleStepSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MonitoringEnabled = true
	cfg.MetricsInterval = 20 * time.Millisecond
	f := newFixture(t, cfg)

	instance, err := f.orchestrator.ExecuteWorkflow(context.Background(), singleStepDefinition(), testContext())
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowCompleted, instance.Status)
	require.Len(t, instance.Results, 1)
	require.Contains(t, instance.Results, "s1")
	assert.Equal(t, models.ResultSuccess, instance.Results["s1"].Status)
	require.NotNil(t, instance.EndedAt)

	// The metrics pump delivers one snapshot per tick.
	require.Eventually(t, func() bool {
		return f.sink.snapshotCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteWorkflowDependencyOrdering(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	def := &models.WorkflowDefinition{
		ID:   "ws2",
		Name: "dependent steps",
		Steps: []*models.WorkflowStep{
			{
				ID:        "find",
				AgentType: models.AgentTypeSourcing,
				Task: models.TaskTemplate{
					Type:  "candidate_search",
					Input: map[string]interface{}{"maxResults": 3},
				},
			},
			{
				ID:           "enrich",
				AgentType:    models.AgentTypeEnrichment,
				Dependencies: []string{"find"},
				Task: models.TaskTemplate{
					Type: "enrichment",
					Input: map[string]interface{}{
						"candidates": []interface{}{
							map[string]interface{}{"name": "Jane Doe", "company": "Acme"},
						},
					},
				},
			},
		},
	}

	instance, err := f.orchestrator.ExecuteWorkflow(context.Background(), def, testContext())
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowCompleted, instance.Status)
	find := instance.Results["find"]
	enrich := instance.Results["enrich"]
	require.NotNil(t, find)
	require.NotNil(t, enrich)
	assert.Equal(t, models.ResultSuccess, find.Status)
	assert.Equal(t, models.ResultSuccess, enrich.Status)
	// The dependency finished before the dependent started.
	assert.False(t, enrich.StartedAt.Before(find.EndedAt))
}

func TestExecuteWorkflowDependencyFailureCascade(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryMaxAttempts = 1
	f := newFixture(t, cfg)
	f.services.Search["linkedin"] = &testutil.FakeSearchService{
		Platform: "linkedin",
		Err:      errors.New("platform down"),
	}

	def := &models.WorkflowDefinition{
		ID:   "ws3",
		Name: "failure cascade",
		Steps: []*models.WorkflowStep{
			{
				ID:        "find",
				AgentType: models.AgentTypeSourcing,
				Task: models.TaskTemplate{
					Type:  "candidate_search",
					Input: map[string]interface{}{"maxResults": 3},
				},
			},
			{
				ID:           "enrich",
				AgentType:    models.AgentTypeEnrichment,
				Dependencies: []string{"find"},
				Task: models.TaskTemplate{
					Type:  "enrichment",
					Input: map[string]interface{}{"candidates": []interface{}{}},
				},
			},
		},
	}

	instance, err := f.orchestrator.ExecuteWorkflow(context.Background(), def, testContext())
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowFailed, instance.Status)
	assert.NotEmpty(t, instance.Error)
	assert.Equal(t, models.ResultFailure, instance.Results["find"].Status)
	assert.Equal(t, string(KindUpstreamFailure), instance.Results["find"].ErrorKind)
	assert.Equal(t, models.ResultFailure, instance.Results["enrich"].Status)
	assert.Equal(t, string(KindDependencyUnsatisfied), instance.Results["enrich"].ErrorKind)
}

func TestExecuteWorkflowRetriesTransientFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryMaxAttempts = 3
	cfg.RetryBackoff = 5 * time.Millisecond
	f := newFixture(t, cfg)
	f.gateway.Fail(errors.New("model backend 503"))

	def := &models.WorkflowDefinition{
		ID:   "ws-retry",
		Name: "retry",
		Steps: []*models.WorkflowStep{
			{
				ID:        "plan",
				AgentType: models.AgentTypePlanning,
				Task:      models.TaskTemplate{Type: "planning"},
			},
		},
	}

	instance, err := f.orchestrator.ExecuteWorkflow(context.Background(), def, testContext())
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowFailed, instance.Status)
	// One gateway call per attempt.
	assert.Equal(t, int64(3), f.gateway.Calls())
}

func TestExecuteWorkflowFailureHandlerRuns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryMaxAttempts = 1
	f := newFixture(t, cfg)
	f.gateway.Fail(errors.New("model backend 503"))

	def := &models.WorkflowDefinition{
		ID:   "ws-handler",
		Name: "failure handler",
		Steps: []*models.WorkflowStep{
			{
				ID:        "plan",
				AgentType: models.AgentTypePlanning,
				Task:      models.TaskTemplate{Type: "planning"},
				OnFailure: []string{"notify"},
			},
			{
				ID:        "notify",
				AgentType: models.AgentTypeEnrichment,
				// Unreachable dependencies: only the failure handler path
				// enqueues this step.
				Dependencies: []string{"plan"},
				Task: models.TaskTemplate{
					Type:  "enrichment",
					Input: map[string]interface{}{"candidates": []interface{}{}},
				},
			},
		},
	}

	instance, err := f.orchestrator.ExecuteWorkflow(context.Background(), def, testContext())
	require.NoError(t, err)

	// The handler ran even though its dependency failed.
	require.Contains(t, instance.Results, "notify")
	assert.Equal(t, models.ResultSuccess, instance.Results["notify"].Status)
	// A handled failure still keeps the instance out of completed.
	assert.Equal(t, models.WorkflowFailed, instance.Status)
}

func TestExecuteWorkflowParallelSteps(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, cfg)
	f.gateway.Delay = 50 * time.Millisecond

	def := &models.WorkflowDefinition{
		ID:   "ws-parallel",
		Name: "parallel fan-out",
		Steps: []*models.WorkflowStep{
			{
				ID:        "plan-a",
				AgentType: models.AgentTypePlanning,
				Parallel:  true,
				Task:      models.TaskTemplate{Type: "planning"},
			},
			{
				ID:        "plan-b",
				AgentType: models.AgentTypePlanning,
				Parallel:  true,
				Task:      models.TaskTemplate{Type: "planning"},
			},
			{
				ID:        "plan-c",
				AgentType: models.AgentTypePlanning,
				Parallel:  true,
				Task:      models.TaskTemplate{Type: "planning"},
			},
		},
	}

	start := time.Now()
	instance, err := f.orchestrator.ExecuteWorkflow(context.Background(), def, testContext())
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, models.WorkflowCompleted, instance.Status)
	// Three 50ms steps overlapping: far less than the serial 150ms.
	assert.Less(t, elapsed, 140*time.Millisecond)

	// Parallel siblings overlap in time.
	a, b := instance.Results["plan-a"], instance.Results["plan-b"]
	assert.True(t, a.StartedAt.Before(b.EndedAt) && b.StartedAt.Before(a.EndedAt))
}

func TestCreateAgentCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentAgents = 2
	f := newFixture(t, cfg)

	a1, err := f.orchestrator.CreateAgent(models.AgentTypeSourcing, testContext())
	require.NoError(t, err)
	_, err = f.orchestrator.CreateAgent(models.AgentTypeEnrichment, testContext())
	require.NoError(t, err)

	_, err = f.orchestrator.CreateAgent(models.AgentTypePlanning, testContext())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCapacityExceeded))

	require.NoError(t, f.orchestrator.RemoveAgent(a1.ID()))

	_, err = f.orchestrator.CreateAgent(models.AgentTypePlanning, testContext())
	assert.NoError(t, err)
	assert.LessOrEqual(t, len(f.orchestrator.ListAgents()), 2)
}

func TestCreateAgentUnknownType(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.orchestrator.CreateAgent("clairvoyance", testContext())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnknownAgentType))
}

func TestCreateRemoveAgentRoundTrip(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	before := len(f.orchestrator.ListAgents())
	agent, err := f.orchestrator.CreateAgent(models.AgentTypeSourcing, testContext())
	require.NoError(t, err)
	require.NoError(t, f.orchestrator.RemoveAgent(agent.ID()))

	assert.Equal(t, before, len(f.orchestrator.ListAgents()))
	assert.Equal(t, models.AgentStatusStopped, agent.Status())
}

func TestCancelWorkflowMidFlight(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, cfg)
	f.gateway.Delay = 2 * time.Second

	def := &models.WorkflowDefinition{
		ID:   "ws-cancel",
		Name: "cancellable",
		Steps: []*models.WorkflowStep{
			{
				ID:        "slow-plan",
				AgentType: models.AgentTypePlanning,
				Task:      models.TaskTemplate{Type: "planning"},
			},
			{
				ID:           "followup",
				AgentType:    models.AgentTypePlanning,
				Dependencies: []string{"slow-plan"},
				Task:         models.TaskTemplate{Type: "planning"},
			},
		},
	}

	type outcome struct {
		instance *models.WorkflowInstance
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		inst, err := f.orchestrator.ExecuteWorkflow(context.Background(), def, testContext())
		done <- outcome{inst, err}
	}()

	// Wait until the first step is in flight, then cancel.
	var instanceID string
	require.Eventually(t, func() bool {
		for _, inst := range f.orchestrator.ListWorkflows() {
			if inst.WorkflowID == "ws-cancel" && inst.CurrentStepID == "slow-plan" {
				instanceID = inst.ID
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orchestrator.CancelWorkflow(instanceID))

	result := <-done
	require.NoError(t, result.err)
	instance := result.instance

	assert.Equal(t, models.WorkflowCancelled, instance.Status)
	assert.Equal(t, models.ResultCancelled, instance.Results["slow-plan"].Status)
	assert.Equal(t, models.ResultCancelled, instance.Results["followup"].Status)

	// Cancelling a terminal workflow is rejected.
	assert.Error(t, f.orchestrator.CancelWorkflow(instanceID))
}

func TestPauseResumeWorkflow(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, cfg)
	f.gateway.Delay = 100 * time.Millisecond

	def := &models.WorkflowDefinition{
		ID:   "ws-pause",
		Name: "pausable",
		Steps: []*models.WorkflowStep{
			{ID: "p1", AgentType: models.AgentTypePlanning, Task: models.TaskTemplate{Type: "planning"}},
			{ID: "p2", AgentType: models.AgentTypePlanning, Dependencies: []string{"p1"}, Task: models.TaskTemplate{Type: "planning"}},
		},
	}

	done := make(chan *models.WorkflowInstance, 1)
	go func() {
		inst, _ := f.orchestrator.ExecuteWorkflow(context.Background(), def, testContext())
		done <- inst
	}()

	var instanceID string
	require.Eventually(t, func() bool {
		for _, inst := range f.orchestrator.ListWorkflows() {
			if inst.WorkflowID == "ws-pause" && inst.Status == models.WorkflowRunning {
				instanceID = inst.ID
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.orchestrator.PauseWorkflow(instanceID))

	// While paused the workflow does not reach a terminal state.
	select {
	case <-done:
		t.Fatal("workflow finished while paused")
	case <-time.After(400 * time.Millisecond):
	}

	require.NoError(t, f.orchestrator.ResumeWorkflow(instanceID))

	select {
	case instance := <-done:
		assert.Equal(t, models.WorkflowCompleted, instance.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("workflow did not finish after resume")
	}
}

func TestExecuteWorkflowValidationError(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	def := &models.WorkflowDefinition{
		ID:   "ws-cycle",
		Name: "cyclic",
		Steps: []*models.WorkflowStep{
			{ID: "a", AgentType: models.AgentTypeSourcing, Dependencies: []string{"b"}, Task: models.TaskTemplate{Type: "sourcing"}},
			{ID: "b", AgentType: models.AgentTypeSourcing, Dependencies: []string{"a"}, Task: models.TaskTemplate{Type: "sourcing"}},
		},
	}

	_, err := f.orchestrator.ExecuteWorkflow(context.Background(), def, testContext())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
}

func TestWorkflowActivityRecorded(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.orchestrator.ExecuteWorkflow(context.Background(), singleStepDefinition(), testContext())
	require.NoError(t, err)

	defer f.sink.lock()()
	require.NotEmpty(t, f.sink.activities)
	assert.Equal(t, models.AgentTypeSourcing, f.sink.activities[0].AgentType)
	require.Len(t, f.sink.instances, 1)
	assert.Equal(t, models.WorkflowCompleted, f.sink.instances[0].Status)
}

func TestOrchestratorMessageDispatchAndDrop(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	agent, err := f.orchestrator.CreateAgent(models.AgentTypeSourcing, testContext())
	require.NoError(t, err)

	var got []*models.AgentMessage
	base := agent.(*SourcingAgent)
	base.OnStatus(func(msg *models.AgentMessage) { got = append(got, msg) })

	require.NoError(t, f.orchestrator.SendMessage(&models.AgentMessage{
		From:   models.OrchestratorID,
		To:     agent.ID(),
		Type:   models.MessageStatus,
		Action: "heads_up",
	}))
	require.Eventually(t, func() bool { return len(got) == 1 }, time.Second, 5*time.Millisecond)

	// A message for a dead recipient is dropped silently and counted.
	before := f.orchestrator.DroppedMessages()
	require.NoError(t, f.orchestrator.SendMessage(&models.AgentMessage{
		From:   models.OrchestratorID,
		To:     "agent-that-never-was",
		Type:   models.MessageStatus,
		Action: "void",
	}))
	assert.Equal(t, before+1, f.orchestrator.DroppedMessages())
}

func TestOrchestratorShutdownClearsState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MonitoringEnabled = false
	gw := testutil.NewFakeGateway()
	orchestrator := NewOrchestrator(cfg, gw, &Services{}, nil, testLogger())
	require.NoError(t, orchestrator.Initialize(context.Background()))

	_, err := orchestrator.CreateAgent(models.AgentTypePlanning, testContext())
	require.NoError(t, err)
	_, err = orchestrator.CreateAgent(models.AgentTypePlanning, testContext())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, orchestrator.Shutdown(ctx))

	assert.Empty(t, orchestrator.ListAgents())
	assert.Empty(t, orchestrator.ListWorkflows())
	assert.Equal(t, 0, orchestrator.Bus().Size())

	// Second shutdown is a no-op.
	assert.NoError(t, orchestrator.Shutdown(ctx))
}

func TestLiveAgentsNeverExceedLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentAgents = 2
	f := newFixture(t, cfg)
	f.gateway.Delay = 20 * time.Millisecond

	def := &models.WorkflowDefinition{
		ID:   "ws-limit",
		Name: "admission",
		Steps: []*models.WorkflowStep{
			{ID: "p1", AgentType: models.AgentTypePlanning, Parallel: true, Task: models.TaskTemplate{Type: "planning"}},
			{ID: "p2", AgentType: models.AgentTypePlanning, Parallel: true, Task: models.TaskTemplate{Type: "planning"}},
			{ID: "p3", AgentType: models.AgentTypePlanning, Parallel: true, Task: models.TaskTemplate{Type: "planning"}},
			{ID: "p4", AgentType: models.AgentTypePlanning, Parallel: true, Task: models.TaskTemplate{Type: "planning"}},
		},
	}

	violation := make(chan int, 1)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				if n := len(f.orchestrator.ListAgents()); n > 2 {
					select {
					case violation <- n:
					default:
					}
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()

	instance, err := f.orchestrator.ExecuteWorkflow(context.Background(), def, testContext())
	close(stop)
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowCompleted, instance.Status)
	select {
	case n := <-violation:
		t.Fatalf("live agent count reached %d, limit is 2", n)
	default:
	}
}
