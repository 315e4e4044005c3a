package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hiapplyco/apply-agents/pkg/models"
)

// AgentEventType identifies a lifecycle event emitted by an agent.
type AgentEventType string

const (
	EventTaskStart     AgentEventType = "task:start"
	EventTaskComplete  AgentEventType = "task:complete"
	EventTaskError     AgentEventType = "task:error"
	EventAgentPaused   AgentEventType = "agent:paused"
	EventAgentResumed  AgentEventType = "agent:resumed"
	EventAgentShutdown AgentEventType = "agent:shutdown"
)

// AgentEvent is delivered on the agent's event channel, consumed by the
// orchestrator.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	AgentID   string         `json:"agent_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// TaskRunner is implemented by concrete agents. RunTask must honour ctx
// at every external call; returned errors are captured into the result
// and never escape the agent.
type TaskRunner interface {
	RunTask(ctx context.Context, task *models.AgentTask) (map[string]interface{}, error)
}

// MessageHandler processes an inbound bus message addressed to the agent.
type MessageHandler func(msg *models.AgentMessage)

// Agent is the runtime entity managed by the orchestrator.
type Agent interface {
	ID() string
	Type() models.AgentType
	Status() models.AgentStatus
	Context() models.AgentContext
	Capabilities() []models.AgentCapability
	Metrics() models.AgentMetrics
	CurrentTask() *models.AgentTask

	CanHandle(task *models.AgentTask) bool
	ProcessTask(ctx context.Context, task *models.AgentTask) *models.AgentResult
	HandleMessage(msg *models.AgentMessage)
	SendMessage(to, action string, payload map[string]interface{}) *models.AgentMessage

	Pause() error
	Resume() error
	Shutdown()

	Events() <-chan AgentEvent
	Outbox() <-chan *models.AgentMessage
}

const agentChanBuffer = 64

// BaseAgent implements the lifecycle, metrics and messaging shared by all
// concrete agents. Concrete agents embed it and provide a TaskRunner.
type BaseAgent struct {
	id        string
	agentType models.AgentType
	agentCtx  models.AgentContext
	caps      []models.AgentCapability
	taskTypes map[string]struct{}
	runner    TaskRunner

	logger *logrus.Logger
	tracer trace.Tracer

	mu          sync.RWMutex
	status      models.AgentStatus
	currentTask *models.AgentTask
	metrics     models.AgentMetrics
	closed      bool

	inFlight atomic.Bool

	onRequest MessageHandler
	onStatus  MessageHandler
	onError   MessageHandler

	events chan AgentEvent
	outbox chan *models.AgentMessage
}

// NewBaseAgent constructs the shared agent core. The id is the agent type
// prefix plus a nonce.
func NewBaseAgent(agentType models.AgentType, agentCtx models.AgentContext, caps []models.AgentCapability, taskTypes []string, runner TaskRunner, logger *logrus.Logger) *BaseAgent {
	id := fmt.Sprintf("%s-%s", agentType, strings.Split(uuid.New().String(), "-")[0])

	types := make(map[string]struct{}, len(taskTypes))
	capNames := make([]string, 0, len(caps))
	for _, t := range taskTypes {
		types[t] = struct{}{}
	}
	for _, c := range caps {
		capNames = append(capNames, c.Name)
	}

	return &BaseAgent{
		id:        id,
		agentType: agentType,
		agentCtx:  agentCtx,
		caps:      caps,
		taskTypes: types,
		runner:    runner,
		logger:    logger,
		tracer:    otel.Tracer("orchestration.agent"),
		status:    models.AgentStatusIdle,
		metrics: models.AgentMetrics{
			AgentID:      id,
			Capabilities: capNames,
		},
		events: make(chan AgentEvent, agentChanBuffer),
		outbox: make(chan *models.AgentMessage, agentChanBuffer),
	}
}

func (a *BaseAgent) ID() string                          { return a.id }
func (a *BaseAgent) Type() models.AgentType              { return a.agentType }
func (a *BaseAgent) Context() models.AgentContext        { return a.agentCtx }
func (a *BaseAgent) Events() <-chan AgentEvent           { return a.events }
func (a *BaseAgent) Outbox() <-chan *models.AgentMessage { return a.outbox }

// Capabilities returns the agent's declared capability set.
func (a *BaseAgent) Capabilities() []models.AgentCapability {
	out := make([]models.AgentCapability, len(a.caps))
	copy(out, a.caps)
	return out
}

// Status returns the current lifecycle state.
func (a *BaseAgent) Status() models.AgentStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// CurrentTask returns the task in flight, or nil.
func (a *BaseAgent) CurrentTask() *models.AgentTask {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentTask
}

// Metrics returns a snapshot of the agent's counters.
func (a *BaseAgent) Metrics() models.AgentMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metrics
}

// CanHandle matches the task type against the agent's declared set.
func (a *BaseAgent) CanHandle(task *models.AgentTask) bool {
	if task == nil {
		return false
	}
	_, ok := a.taskTypes[task.Type]
	return ok
}

// ProcessTask drives the agent from idle to working and back, producing
// exactly one result. Handler errors are captured as failure results and
// never propagate to the caller.
func (a *BaseAgent) ProcessTask(ctx context.Context, task *models.AgentTask) *models.AgentResult {
	ctx, span := a.tracer.Start(ctx, "agent.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.id", a.id),
		attribute.String("task.id", task.ID),
		attribute.String("task.type", task.Type),
	)

	if !a.CanHandle(task) {
		return a.rejectTask(task, KindNotSupported, fmt.Sprintf("agent %s cannot handle task type %q", a.id, task.Type))
	}

	if !a.inFlight.CompareAndSwap(false, true) {
		return a.rejectTask(task, KindBusy, fmt.Sprintf("agent %s already has a task in flight", a.id))
	}
	defer a.inFlight.Store(false)

	a.mu.Lock()
	switch a.status {
	case models.AgentStatusStopped:
		a.mu.Unlock()
		return a.rejectTask(task, KindBusy, fmt.Sprintf("agent %s is stopped", a.id))
	case models.AgentStatusPaused:
		a.mu.Unlock()
		return a.rejectTask(task, KindBusy, fmt.Sprintf("agent %s is paused", a.id))
	}
	a.status = models.AgentStatusWorking
	a.currentTask = task
	a.mu.Unlock()

	startedAt := time.Now()
	a.emit(AgentEvent{Type: EventTaskStart, AgentID: a.id, TaskID: task.ID, Timestamp: startedAt})

	a.logger.WithFields(logrus.Fields{
		"agent_id":  a.id,
		"task_id":   task.ID,
		"task_type": task.Type,
		"priority":  task.Priority,
	}).Debug("Task started")

	output, err := a.runTask(ctx, task)

	endedAt := time.Now()
	result := &models.AgentResult{
		TaskID:    task.ID,
		AgentID:   a.id,
		StartedAt: startedAt,
		EndedAt:   endedAt,
	}

	switch {
	case err == nil:
		result.Status = models.ResultSuccess
		result.Output = output
	case KindOf(err) == KindCancelled:
		result.Status = models.ResultCancelled
		result.Error = err.Error()
		result.ErrorKind = string(KindCancelled)
	default:
		result.Status = models.ResultFailure
		result.Error = err.Error()
		result.ErrorKind = string(KindOf(err))
	}

	a.finishTask(result)

	if result.Status == models.ResultSuccess {
		a.emit(AgentEvent{Type: EventTaskComplete, AgentID: a.id, TaskID: task.ID, Timestamp: endedAt})
	} else {
		a.emit(AgentEvent{Type: EventTaskError, AgentID: a.id, TaskID: task.ID, Error: result.Error, Timestamp: endedAt})
		a.logger.WithFields(logrus.Fields{
			"agent_id":   a.id,
			"task_id":    task.ID,
			"error_kind": result.ErrorKind,
		}).WithError(err).Warn("Task failed")
	}

	return result
}

// runTask executes the runner under the task deadline, capturing panics
// as internal errors. The runner goroutine may outlive a timed-out task;
// its eventual return is discarded.
func (a *BaseAgent) runTask(ctx context.Context, task *models.AgentTask) (map[string]interface{}, error) {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	type outcome struct {
		output map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: E(KindInternal, "agent.run_task", fmt.Sprintf("panic: %v", r))}
			}
		}()
		out, err := a.runner.RunTask(ctx, task)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && KindOf(o.err) == KindInternal {
			// Re-check the context: a runner that surfaces a raw error
			// after the deadline fired still reports the deadline.
			if ctx.Err() != nil {
				return nil, ctxError(ctx, task)
			}
		}
		return o.output, o.err
	case <-ctx.Done():
		return nil, ctxError(ctx, task)
	}
}

func ctxError(ctx context.Context, task *models.AgentTask) error {
	if ctx.Err() == context.DeadlineExceeded {
		return E(KindTimeout, "agent.run_task", fmt.Sprintf("task %s exceeded its deadline", task.ID))
	}
	return E(KindCancelled, "agent.run_task", fmt.Sprintf("task %s cancelled", task.ID))
}

// finishTask updates counters with the running-average formula and
// returns the agent to idle unless it was stopped or paused mid-task.
func (a *BaseAgent) finishTask(result *models.AgentResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.metrics.TotalTasks++
	switch result.Status {
	case models.ResultSuccess:
		a.metrics.SuccessfulTasks++
	case models.ResultCancelled:
		a.metrics.CancelledTasks++
	default:
		a.metrics.FailedTasks++
	}

	n := float64(a.metrics.TotalTasks)
	ms := float64(result.Duration().Milliseconds())
	a.metrics.AverageMs = (a.metrics.AverageMs*(n-1) + ms) / n
	a.metrics.LastActiveAt = result.EndedAt

	a.currentTask = nil
	if a.status == models.AgentStatusWorking {
		a.status = models.AgentStatusIdle
	}
}

// rejectTask produces a failure result without touching counters or
// emitting task events; the task was never accepted.
func (a *BaseAgent) rejectTask(task *models.AgentTask, kind ErrorKind, msg string) *models.AgentResult {
	now := time.Now()
	return &models.AgentResult{
		TaskID:    task.ID,
		AgentID:   a.id,
		Status:    models.ResultFailure,
		Error:     msg,
		ErrorKind: string(kind),
		StartedAt: now,
		EndedAt:   now,
	}
}

// OnRequest installs the handler for inbound request messages.
func (a *BaseAgent) OnRequest(h MessageHandler) { a.onRequest = h }

// OnStatus installs the handler for inbound status messages.
func (a *BaseAgent) OnStatus(h MessageHandler) { a.onStatus = h }

// OnError installs the handler for inbound error messages.
func (a *BaseAgent) OnError(h MessageHandler) { a.onError = h }

// HandleMessage dispatches an inbound message by type. Messages addressed
// to another agent are dropped silently.
func (a *BaseAgent) HandleMessage(msg *models.AgentMessage) {
	if msg == nil {
		return
	}
	if msg.To != a.id && !msg.IsBroadcast() {
		return
	}

	switch msg.Type {
	case models.MessageRequest:
		if a.onRequest != nil {
			a.onRequest(msg)
			return
		}
		a.sendErrorResponse(msg, fmt.Sprintf("agent %s has no handler for action %q", a.id, msg.Action))
	case models.MessageStatus:
		if a.onStatus != nil {
			a.onStatus(msg)
		}
	case models.MessageError:
		if a.onError != nil {
			a.onError(msg)
			return
		}
		a.logger.WithFields(logrus.Fields{
			"agent_id": a.id,
			"from":     msg.From,
			"action":   msg.Action,
		}).Warn("Error message received")
	}
}

// SendMessage emits an outbound message with a fresh id onto the agent's
// outbox, which the orchestrator pumps onto the bus.
func (a *BaseAgent) SendMessage(to, action string, payload map[string]interface{}) *models.AgentMessage {
	msg := &models.AgentMessage{
		ID:        uuid.New().String(),
		From:      a.id,
		To:        to,
		Type:      models.MessageRequest,
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	a.post(msg)
	return msg
}

// sendErrorResponse replies to a request with an error envelope linked by
// correlation id.
func (a *BaseAgent) sendErrorResponse(req *models.AgentMessage, reason string) {
	a.post(&models.AgentMessage{
		ID:            uuid.New().String(),
		From:          a.id,
		To:            req.From,
		Type:          models.MessageError,
		Action:        req.Action,
		Payload:       map[string]interface{}{"error": reason},
		Timestamp:     time.Now(),
		CorrelationID: req.ID,
	})
}

// SendStatus emits a status message, used by agents for progress updates.
func (a *BaseAgent) SendStatus(to, action string, payload map[string]interface{}) {
	a.post(&models.AgentMessage{
		ID:        uuid.New().String(),
		From:      a.id,
		To:        to,
		Type:      models.MessageStatus,
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// Pause transitions the agent to paused. An in-flight task runs to
// completion; new tasks are rejected until Resume.
func (a *BaseAgent) Pause() error {
	a.mu.Lock()
	if a.status == models.AgentStatusStopped {
		a.mu.Unlock()
		return E(KindInternal, "agent.pause", "agent is stopped")
	}
	if a.status == models.AgentStatusPaused {
		a.mu.Unlock()
		return nil
	}
	a.status = models.AgentStatusPaused
	a.mu.Unlock()

	a.emit(AgentEvent{Type: EventAgentPaused, AgentID: a.id, Timestamp: time.Now()})
	return nil
}

// Resume transitions a paused agent back to idle (or working when a task
// is still in flight).
func (a *BaseAgent) Resume() error {
	a.mu.Lock()
	if a.status != models.AgentStatusPaused {
		a.mu.Unlock()
		return E(KindInternal, "agent.resume", "agent is not paused")
	}
	if a.inFlight.Load() {
		a.status = models.AgentStatusWorking
	} else {
		a.status = models.AgentStatusIdle
	}
	a.mu.Unlock()

	a.emit(AgentEvent{Type: EventAgentResumed, AgentID: a.id, Timestamp: time.Now()})
	return nil
}

// Shutdown is terminal and idempotent. The shutdown event is the last one
// delivered; both channels are closed afterwards.
func (a *BaseAgent) Shutdown() {
	a.mu.Lock()
	if a.status == models.AgentStatusStopped {
		a.mu.Unlock()
		return
	}
	a.status = models.AgentStatusStopped
	a.mu.Unlock()

	a.emit(AgentEvent{Type: EventAgentShutdown, AgentID: a.id, Timestamp: time.Now()})

	a.mu.Lock()
	a.closed = true
	close(a.events)
	close(a.outbox)
	a.mu.Unlock()
}

// emit delivers a lifecycle event without blocking; events are dropped
// when the consumer has fallen behind the buffer.
func (a *BaseAgent) emit(ev AgentEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.logger.WithFields(logrus.Fields{"agent_id": a.id, "event": ev.Type}).Warn("Event channel full, dropping event")
	}
}

func (a *BaseAgent) post(msg *models.AgentMessage) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.outbox <- msg:
	default:
		a.logger.WithFields(logrus.Fields{"agent_id": a.id, "action": msg.Action}).Warn("Outbox full, dropping message")
	}
}
