package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hiapplyco/apply-agents/pkg/models"
)

type stepState int

const (
	stepPending stepState = iota
	stepRunning
	stepDone
)

type stepOutcome struct {
	stepID string
	result *models.AgentResult
}

// ExecuteWorkflow validates the definition, then walks its steps in
// dependency order to completion. It blocks until the instance reaches a
// terminal state; workflow-scoped errors land on the instance, never
// here. Only a rejected definition returns an error.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, def *models.WorkflowDefinition, agentCtx models.AgentContext) (*models.WorkflowInstance, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute_workflow")
	defer span.End()

	if res := o.validator.Validate(def); !res.Valid {
		return nil, E(KindValidation, "orchestrator.execute_workflow",
			fmt.Sprintf("workflow rejected: %s", strings.Join(res.Errors, "; ")))
	}

	runCtx, cancel := context.WithCancel(ctx)
	instance := &models.WorkflowInstance{
		ID:         uuid.New().String(),
		WorkflowID: def.ID,
		Status:     models.WorkflowPending,
		Context:    agentCtx,
		Results:    make(map[string]*models.AgentResult, len(def.Steps)),
	}
	run := &workflowRun{
		def:      def,
		instance: instance,
		ctx:      runCtx,
		cancel:   cancel,
	}

	o.mu.Lock()
	o.workflows[instance.ID] = run
	o.mu.Unlock()

	span.SetAttributes(
		attribute.String("workflow.id", def.ID),
		attribute.String("instance.id", instance.ID),
		attribute.Int("workflow.steps", len(def.Steps)),
	)

	o.logger.WithFields(logrus.Fields{
		"workflow_id": def.ID,
		"instance_id": instance.ID,
		"steps":       len(def.Steps),
		"user_id":     agentCtx.UserID,
	}).Info("Workflow execution started")

	o.runWorkflow(run)
	cancel()

	snapshot := o.instanceSnapshot(run)
	sinkCtx, sinkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	for _, sink := range o.sinks {
		if err := sink.WriteWorkflowInstance(sinkCtx, snapshot); err != nil {
			o.logger.WithError(err).Warn("Workflow sink write failed")
		}
	}
	sinkCancel()

	o.logger.WithFields(logrus.Fields{
		"instance_id": instance.ID,
		"status":      snapshot.Status,
	}).Info("Workflow execution finished")

	return snapshot, nil
}

// runWorkflow is the scheduling loop. At each tick a step is eligible iff
// every dependency holds a success result (or the step was enqueued as a
// failure handler). Eligible steps launch in definition order; a parallel
// step's launch does not block its siblings, a serial one does.
func (o *Orchestrator) runWorkflow(run *workflowRun) {
	def := run.def
	instance := run.instance

	state := make(map[string]stepState, len(def.Steps))
	forced := make(map[string]bool)
	outcomes := make(chan stepOutcome, len(def.Steps))
	running := 0

	var failed bool
	var failErr string

	run.mu.Lock()
	instance.Status = models.WorkflowRunning
	instance.StartedAt = time.Now()
	run.mu.Unlock()

	stepFailed := func(step *models.WorkflowStep, reason string) {
		if len(step.OnFailure) > 0 {
			for _, h := range step.OnFailure {
				if state[h] == stepPending {
					forced[h] = true
				}
			}
			return
		}
		if !failed {
			failed = true
			failErr = reason
		}
	}

	record := func(out stepOutcome) {
		state[out.stepID] = stepDone
		run.mu.Lock()
		instance.Results[out.stepID] = out.result
		run.mu.Unlock()
		if out.result.Status == models.ResultFailure {
			stepFailed(def.Step(out.stepID), fmt.Sprintf("step %s failed: %s", out.stepID, out.result.Error))
		}
	}

	for {
		if run.ctx.Err() != nil {
			// Drain in-flight steps; agents observe the cancelled context
			// at their next suspension point.
			for running > 0 {
				record(<-outcomes)
				running--
			}
			o.finishWorkflow(run, state, failed, failErr, true)
			return
		}

		if g := run.gate(); g != nil {
			select {
			case <-g:
			case <-run.ctx.Done():
			}
			continue
		}

		// Resolve steps whose dependencies terminated non-success.
		progress := false
		for _, step := range def.Steps {
			if state[step.ID] != stepPending || forced[step.ID] {
				continue
			}
			run.mu.Lock()
			var blocked string
			for _, dep := range step.Dependencies {
				if res, ok := instance.Results[dep]; ok && res.Status != models.ResultSuccess {
					blocked = dep
					break
				}
			}
			run.mu.Unlock()
			if blocked == "" {
				continue
			}
			now := time.Now()
			record(stepOutcome{stepID: step.ID, result: &models.AgentResult{
				TaskID:    step.ID,
				Status:    models.ResultFailure,
				Error:     fmt.Sprintf("dependency %q did not succeed", blocked),
				ErrorKind: string(KindDependencyUnsatisfied),
				StartedAt: now,
				EndedAt:   now,
			}})
			progress = true
		}
		if progress {
			continue
		}

		// Launch eligible steps in definition order.
		launched := 0
		for _, step := range def.Steps {
			if state[step.ID] != stepPending {
				continue
			}
			if !forced[step.ID] && !o.depsSatisfied(run, step) {
				continue
			}

			state[step.ID] = stepRunning
			running++
			launched++

			run.mu.Lock()
			instance.CurrentStepID = step.ID
			run.mu.Unlock()

			o.wg.Add(1)
			go func(step *models.WorkflowStep) {
				defer o.wg.Done()
				o.runStep(run, step, outcomes)
			}(step)

			if !step.Parallel {
				break
			}
		}

		if running > 0 {
			record(<-outcomes)
			running--
			continue
		}

		if launched == 0 {
			// Nothing running, nothing launchable: the workflow is done,
			// or the remaining steps are unreachable.
			allDone := true
			for _, step := range def.Steps {
				if state[step.ID] != stepDone {
					allDone = false
					break
				}
			}
			if !allDone && !failed {
				failed = true
				failErr = "workflow stalled: remaining steps are unreachable"
			}
			o.finishWorkflow(run, state, failed, failErr, false)
			return
		}
	}
}

func (o *Orchestrator) depsSatisfied(run *workflowRun, step *models.WorkflowStep) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, dep := range step.Dependencies {
		res, ok := run.instance.Results[dep]
		if !ok || res.Status != models.ResultSuccess {
			return false
		}
	}
	return true
}

// finishWorkflow stamps the terminal state. Completed requires a success
// result for every step; a cancellation wins over everything else.
func (o *Orchestrator) finishWorkflow(run *workflowRun, state map[string]stepState, failed bool, failErr string, cancelled bool) {
	instance := run.instance
	now := time.Now()

	run.mu.Lock()
	defer run.mu.Unlock()

	if cancelled {
		// Steps that never ran inherit a cancelled result.
		for _, step := range run.def.Steps {
			if state[step.ID] != stepDone {
				instance.Results[step.ID] = &models.AgentResult{
					TaskID:    step.ID,
					Status:    models.ResultCancelled,
					Error:     "workflow cancelled",
					ErrorKind: string(KindCancelled),
					StartedAt: now,
					EndedAt:   now,
				}
			}
		}
		instance.Status = models.WorkflowCancelled
		instance.Error = "workflow cancelled"
	} else {
		allSuccess := true
		for _, step := range run.def.Steps {
			res, ok := instance.Results[step.ID]
			if !ok || res.Status != models.ResultSuccess {
				allSuccess = false
				break
			}
		}
		switch {
		case allSuccess:
			instance.Status = models.WorkflowCompleted
		case failed:
			instance.Status = models.WorkflowFailed
			instance.Error = failErr
		default:
			// A handled failure keeps the workflow out of completed even
			// though no step was left unrecovered.
			instance.Status = models.WorkflowFailed
			instance.Error = "one or more steps did not succeed"
		}
	}

	instance.CurrentStepID = ""
	instance.EndedAt = &now
}

// runStep acquires an agent (retrying while the admission limit is hit),
// stamps a task from the step template and processes it, retrying
// transient upstream failures with linear backoff.
func (o *Orchestrator) runStep(run *workflowRun, step *models.WorkflowStep, outcomes chan<- stepOutcome) {
	agent, err := o.acquireAgent(run, step)
	if err != nil {
		now := time.Now()
		outcomes <- stepOutcome{stepID: step.ID, result: &models.AgentResult{
			TaskID:    step.ID,
			Status:    failureStatusFor(err),
			Error:     err.Error(),
			ErrorKind: string(KindOf(err)),
			StartedAt: now,
			EndedAt:   now,
		}}
		return
	}
	defer func() {
		if err := o.RemoveAgent(agent.ID()); err != nil {
			o.logger.WithError(err).WithField("agent_id", agent.ID()).Debug("Agent already removed")
		}
	}()

	base := o.buildTask(step)
	maxAttempts := base.MaxAttempts

	task := base
	var result *models.AgentResult
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			// Each retry is a new task whose id is derived from the first.
			retry := *base
			retry.ID = fmt.Sprintf("%s-retry-%d", base.ID, attempt-1)
			task = &retry
		}
		result = agent.ProcessTask(run.ctx, task)
		if result.Status == models.ResultFailure &&
			result.ErrorKind == string(KindUpstreamFailure) &&
			attempt < maxAttempts {
			backoff := time.Duration(attempt) * o.config.RetryBackoff
			o.logger.WithFields(logrus.Fields{
				"step_id": step.ID,
				"attempt": attempt,
				"backoff": backoff,
			}).Warn("Transient step failure, retrying")
			select {
			case <-time.After(backoff):
				continue
			case <-run.ctx.Done():
			}
		}
		break
	}

	o.recordActivity(agent, task, result)
	outcomes <- stepOutcome{stepID: step.ID, result: result}
}

// acquireAgent retries admission until a slot frees up or the run is
// cancelled. CreateAgent itself never blocks.
func (o *Orchestrator) acquireAgent(run *workflowRun, step *models.WorkflowStep) (Agent, error) {
	for {
		agent, err := o.CreateAgent(step.AgentType, run.instance.Context)
		if err == nil {
			return agent, nil
		}
		if KindOf(err) != KindCapacityExceeded {
			return nil, err
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-run.ctx.Done():
			return nil, E(KindCancelled, "orchestrator.acquire_agent", "workflow cancelled while waiting for an agent slot")
		}
	}
}

func failureStatusFor(err error) models.ResultStatus {
	if KindOf(err) == KindCancelled {
		return models.ResultCancelled
	}
	return models.ResultFailure
}

// buildTask stamps the step template into a task, applying configuration
// defaults.
func (o *Orchestrator) buildTask(step *models.WorkflowStep) *models.AgentTask {
	task := &models.AgentTask{
		ID:          uuid.New().String(),
		Type:        step.Task.Type,
		Priority:    step.Task.Priority,
		Input:       step.Task.Input,
		Timeout:     step.Task.Timeout,
		MaxAttempts: step.Task.MaxAttempts,
	}
	if task.Priority == "" {
		task.Priority = models.PriorityMedium
	}
	if task.Timeout <= 0 {
		task.Timeout = o.config.DefaultTimeout
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = o.config.RetryMaxAttempts
	}
	return task
}

// recordActivity pushes the task record to every sink and bumps the otel
// counter.
func (o *Orchestrator) recordActivity(agent Agent, task *models.AgentTask, result *models.AgentResult) {
	rec := &models.AgentActivityRecord{
		AgentID:    agent.ID(),
		AgentType:  agent.Type(),
		TaskID:     task.ID,
		TaskType:   task.Type,
		Status:     result.Status,
		ErrorKind:  result.ErrorKind,
		DurationMs: result.Duration().Milliseconds(),
		Timestamp:  result.EndedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sink := range o.sinks {
		if err := sink.WriteAgentActivity(ctx, rec); err != nil {
			o.logger.WithError(err).Warn("Activity sink write failed")
		}
	}

	o.taskCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.type", string(agent.Type())),
		attribute.String("task.status", string(result.Status)),
	))
}

// PauseWorkflow stops the scheduler from launching further steps; the
// step in flight runs to completion.
func (o *Orchestrator) PauseWorkflow(id string) error {
	run, err := o.getRun(id)
	if err != nil {
		return err
	}
	run.mu.Lock()
	terminal := run.instance.Status.Terminal()
	run.mu.Unlock()
	if terminal {
		return E(KindValidation, "orchestrator.pause_workflow", fmt.Sprintf("workflow %s already terminal", id))
	}
	run.pause()
	return nil
}

// ResumeWorkflow reopens the scheduling gate.
func (o *Orchestrator) ResumeWorkflow(id string) error {
	run, err := o.getRun(id)
	if err != nil {
		return err
	}
	run.resume()
	return nil
}

// CancelWorkflow flips the run's cancellation token. The running step
// observes it at its next suspension point; downstream steps are marked
// cancelled and the instance reaches its terminal state.
func (o *Orchestrator) CancelWorkflow(id string) error {
	run, err := o.getRun(id)
	if err != nil {
		return err
	}
	run.mu.Lock()
	terminal := run.instance.Status.Terminal()
	run.mu.Unlock()
	if terminal {
		return E(KindValidation, "orchestrator.cancel_workflow", fmt.Sprintf("workflow %s already terminal", id))
	}
	run.resume()
	run.cancel()
	return nil
}

// GetWorkflow returns a consistent snapshot of the instance.
func (o *Orchestrator) GetWorkflow(id string) (*models.WorkflowInstance, error) {
	run, err := o.getRun(id)
	if err != nil {
		return nil, err
	}
	return o.instanceSnapshot(run), nil
}

// ListWorkflows returns snapshots of every tracked instance.
func (o *Orchestrator) ListWorkflows() []*models.WorkflowInstance {
	o.mu.RLock()
	runs := make([]*workflowRun, 0, len(o.workflows))
	for _, run := range o.workflows {
		runs = append(runs, run)
	}
	o.mu.RUnlock()

	out := make([]*models.WorkflowInstance, 0, len(runs))
	for _, run := range runs {
		out = append(out, o.instanceSnapshot(run))
	}
	return out
}

func (o *Orchestrator) getRun(id string) (*workflowRun, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.workflows[id]
	if !ok {
		return nil, E(KindValidation, "orchestrator.get_workflow", fmt.Sprintf("workflow instance not found: %s", id))
	}
	return run, nil
}

func (o *Orchestrator) instanceSnapshot(run *workflowRun) *models.WorkflowInstance {
	run.mu.Lock()
	defer run.mu.Unlock()

	inst := run.instance
	copied := *inst
	copied.Results = make(map[string]*models.AgentResult, len(inst.Results))
	for k, v := range inst.Results {
		r := *v
		copied.Results[k] = &r
	}
	if inst.EndedAt != nil {
		t := *inst.EndedAt
		copied.EndedAt = &t
	}
	return &copied
}
