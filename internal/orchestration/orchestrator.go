package orchestration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hiapplyco/apply-agents/pkg/models"
)

// Config holds the orchestrator's tunables. Zero numeric and duration values
// fall back to the defaults below; MonitoringEnabled is used as given.
type Config struct {
	MaxConcurrentAgents int           `json:"max_concurrent_agents"`
	DefaultTimeout      time.Duration `json:"default_timeout"`
	RetryMaxAttempts    int           `json:"retry_max_attempts"`
	RetryBackoff        time.Duration `json:"retry_backoff"`
	MonitoringEnabled   bool          `json:"monitoring_enabled"`
	MetricsInterval     time.Duration `json:"metrics_interval"`
	MaxLogSize          int           `json:"max_log_size"`
}

// DefaultConfig returns the configuration used when options are omitted.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentAgents: 10,
		DefaultTimeout:      2 * time.Minute,
		RetryMaxAttempts:    3,
		RetryBackoff:        500 * time.Millisecond,
		MonitoringEnabled:   true,
		MetricsInterval:     30 * time.Second,
		MaxLogSize:          DefaultMaxLogSize,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrentAgents <= 0 {
		c.MaxConcurrentAgents = def.MaxConcurrentAgents
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = def.MetricsInterval
	}
	if c.MaxLogSize <= 0 {
		c.MaxLogSize = def.MaxLogSize
	}
	return c
}

// workflowRun is the orchestrator's execution state for one instance.
type workflowRun struct {
	def      *models.WorkflowDefinition
	instance *models.WorkflowInstance
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

func (r *workflowRun) pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		r.paused = true
		r.resumeCh = make(chan struct{})
	}
}

func (r *workflowRun) resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		r.paused = false
		close(r.resumeCh)
	}
}

// gate returns nil when the run is not paused, otherwise a channel closed
// on resume.
func (r *workflowRun) gate() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return nil
	}
	return r.resumeCh
}

// Orchestrator owns the agent registry, the message bus and workflow
// execution. Agents and the bus hold no pointer back into it; everything
// flows through channels and ids.
type Orchestrator struct {
	config   Config
	logger   *logrus.Logger
	tracer   trace.Tracer
	bus      *MessageBus
	gateway  ModelGateway
	services *Services
	sinks    []MetricsSink

	validator *WorkflowValidator
	registry  *WorkflowRegistry

	taskCounter metric.Int64Counter
	agentGauge  metric.Int64UpDownCounter

	mu        sync.RWMutex
	running   bool
	agents    map[string]Agent
	workflows map[string]*workflowRun

	dropped  atomic.Int64
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewOrchestrator wires an orchestrator from its collaborators. Call
// Initialize before submitting work and Shutdown when done.
func NewOrchestrator(config Config, gateway ModelGateway, services *Services, sinks []MetricsSink, logger *logrus.Logger) *Orchestrator {
	config = config.withDefaults()
	if services == nil {
		services = &Services{}
	}

	meter := otel.Meter("orchestration.engine")
	taskCounter, _ := meter.Int64Counter("orchestration.tasks.completed")
	agentGauge, _ := meter.Int64UpDownCounter("orchestration.agents.live")

	validator := NewWorkflowValidator(models.AgentTypeSourcing, models.AgentTypeEnrichment, models.AgentTypePlanning)

	return &Orchestrator{
		config:      config,
		logger:      logger,
		tracer:      otel.Tracer("orchestration.engine"),
		bus:         NewMessageBus(config.MaxLogSize, logger),
		gateway:     gateway,
		services:    services,
		sinks:       sinks,
		validator:   validator,
		registry:    NewWorkflowRegistry(validator, logger),
		taskCounter: taskCounter,
		agentGauge:  agentGauge,
		agents:      make(map[string]Agent),
		workflows:   make(map[string]*workflowRun),
		stopChan:    make(chan struct{}),
	}
}

// Bus exposes the message bus for subscribers (API event stream, tests).
func (o *Orchestrator) Bus() *MessageBus { return o.bus }

// Registry exposes the workflow template registry.
func (o *Orchestrator) Registry() *WorkflowRegistry { return o.registry }

// Validator exposes the workflow validator.
func (o *Orchestrator) Validator() *WorkflowValidator { return o.validator }

// Initialize starts the message pump and, if enabled, the metrics pump.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.mu.Unlock()

	o.bus.Subscribe("message", o.dispatchMessage)
	o.bus.OnRoute(o.forwardRouted)

	if o.config.MonitoringEnabled {
		o.wg.Add(1)
		go o.metricsPump()
	}

	o.logger.WithFields(logrus.Fields{
		"max_agents":       o.config.MaxConcurrentAgents,
		"default_timeout":  o.config.DefaultTimeout,
		"metrics_interval": o.config.MetricsInterval,
	}).Info("Orchestrator initialized")
	return nil
}

// CreateAgent constructs and registers an agent of the given type. It
// never blocks: when the live count equals the limit it fails fast and
// the caller must retry after RemoveAgent.
func (o *Orchestrator) CreateAgent(agentType models.AgentType, agentCtx models.AgentContext) (Agent, error) {
	o.mu.Lock()
	if len(o.agents) >= o.config.MaxConcurrentAgents {
		o.mu.Unlock()
		return nil, E(KindCapacityExceeded, "orchestrator.create_agent",
			fmt.Sprintf("agent limit reached (%d)", o.config.MaxConcurrentAgents))
	}

	var agent Agent
	switch agentType {
	case models.AgentTypeSourcing:
		agent = NewSourcingAgent(agentCtx, o.gateway, o.services, o.logger)
	case models.AgentTypeEnrichment:
		agent = NewEnrichmentAgent(agentCtx, o.gateway, o.services, o.logger)
	case models.AgentTypePlanning:
		agent = NewPlanningAgent(agentCtx, o.gateway, o.logger)
	default:
		o.mu.Unlock()
		return nil, E(KindUnknownAgentType, "orchestrator.create_agent",
			fmt.Sprintf("no factory for agent type %q", agentType))
	}

	o.agents[agent.ID()] = agent
	o.mu.Unlock()

	o.agentGauge.Add(context.Background(), 1, metric.WithAttributes(attribute.String("agent.type", string(agentType))))

	// Pump lifecycle events and outbound messages until shutdown closes
	// the agent's channels.
	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		for ev := range agent.Events() {
			o.handleAgentEvent(ev)
		}
	}()
	go func() {
		defer o.wg.Done()
		for msg := range agent.Outbox() {
			if err := o.bus.Publish(msg); err != nil {
				o.logger.WithError(err).WithField("agent_id", agent.ID()).Warn("Failed to publish agent message")
			}
		}
	}()

	o.logger.WithFields(logrus.Fields{
		"agent_id":   agent.ID(),
		"agent_type": agentType,
	}).Debug("Agent created")
	return agent, nil
}

// RemoveAgent shuts the agent down and drops it from the registry.
func (o *Orchestrator) RemoveAgent(id string) error {
	o.mu.Lock()
	agent, ok := o.agents[id]
	if !ok {
		o.mu.Unlock()
		return E(KindUnknownAgentType, "orchestrator.remove_agent", fmt.Sprintf("agent not found: %s", id))
	}
	delete(o.agents, id)
	o.mu.Unlock()

	agent.Shutdown()
	o.agentGauge.Add(context.Background(), -1, metric.WithAttributes(attribute.String("agent.type", string(agent.Type()))))
	return nil
}

// GetAgent returns a live agent by id.
func (o *Orchestrator) GetAgent(id string) (Agent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	agent, ok := o.agents[id]
	return agent, ok
}

// ListAgents returns every live agent.
func (o *Orchestrator) ListAgents() []Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Agent, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, a)
	}
	return out
}

// SendMessage publishes a message onto the bus.
func (o *Orchestrator) SendMessage(msg *models.AgentMessage) error {
	return o.bus.Publish(msg)
}

// DroppedMessages returns the count of messages addressed to neither a
// live agent nor the orchestrator.
func (o *Orchestrator) DroppedMessages() int64 {
	return o.dropped.Load()
}

// dispatchMessage delivers published messages: broadcasts fan out to all
// live agents except the sender, direct messages reach their agent or the
// orchestrator, anything else is dropped silently and counted.
func (o *Orchestrator) dispatchMessage(msg *models.AgentMessage) {
	if msg.IsBroadcast() {
		for _, agent := range o.ListAgents() {
			if agent.ID() != msg.From {
				agent.HandleMessage(msg)
			}
		}
		return
	}

	if msg.To == models.OrchestratorID {
		o.handleOrchestratorMessage(msg)
		return
	}

	if agent, ok := o.GetAgent(msg.To); ok {
		agent.HandleMessage(msg)
		return
	}

	o.dropped.Add(1)
}

// forwardRouted delivers a routed copy straight to the rule's target,
// bypassing Publish so a matching rule cannot loop on its own output.
func (o *Orchestrator) forwardRouted(msg *models.AgentMessage, route Route) {
	forwarded := &models.AgentMessage{
		ID:            uuid.New().String(),
		From:          msg.From,
		To:            route.To,
		Type:          msg.Type,
		Action:        msg.Action,
		Payload:       msg.Payload,
		Timestamp:     time.Now(),
		CorrelationID: msg.ID,
	}
	if forwarded.To == "" {
		forwarded.To = msg.To
	}
	o.dispatchMessage(forwarded)
}

// handleOrchestratorMessage consumes messages addressed to the
// orchestrator itself.
func (o *Orchestrator) handleOrchestratorMessage(msg *models.AgentMessage) {
	switch msg.Type {
	case models.MessageRequest:
		if msg.Action == "orchestrator_status" {
			snap := o.Snapshot()
			reply := &models.AgentMessage{
				ID:            uuid.New().String(),
				From:          models.OrchestratorID,
				To:            msg.From,
				Type:          models.MessageResponse,
				Action:        msg.Action,
				Payload:       map[string]interface{}{"live_agents": snap.LiveAgents, "workflows": snap.Workflows},
				Timestamp:     time.Now(),
				CorrelationID: msg.ID,
			}
			if err := o.bus.Publish(reply); err != nil {
				o.logger.WithError(err).Warn("Failed to publish status reply")
			}
			return
		}
		o.logger.WithFields(logrus.Fields{"from": msg.From, "action": msg.Action}).Debug("Unhandled orchestrator request")
	case models.MessageError:
		o.logger.WithFields(logrus.Fields{"from": msg.From, "action": msg.Action}).Warn("Agent reported error")
	default:
		o.logger.WithFields(logrus.Fields{"from": msg.From, "action": msg.Action, "type": msg.Type}).Debug("Orchestrator message")
	}
}

// handleAgentEvent republishes lifecycle events as status messages so
// bus subscribers (metrics, event stream) observe them.
func (o *Orchestrator) handleAgentEvent(ev AgentEvent) {
	msg := &models.AgentMessage{
		ID:        uuid.New().String(),
		From:      ev.AgentID,
		To:        models.OrchestratorID,
		Type:      models.MessageStatus,
		Action:    string(ev.Type),
		Timestamp: ev.Timestamp,
	}
	if ev.TaskID != "" || ev.Error != "" {
		msg.Payload = map[string]interface{}{}
		if ev.TaskID != "" {
			msg.Payload["task_id"] = ev.TaskID
		}
		if ev.Error != "" {
			msg.Payload["error"] = ev.Error
		}
	}
	if err := o.bus.Publish(msg); err != nil {
		o.logger.WithError(err).WithField("agent_id", ev.AgentID).Debug("Failed to publish lifecycle event")
	}
}

// Snapshot captures the orchestrator's observable state.
func (o *Orchestrator) Snapshot() *OrchestratorSnapshot {
	o.mu.RLock()
	snap := &OrchestratorSnapshot{
		Timestamp:       time.Now(),
		Running:         o.running,
		LiveAgents:      len(o.agents),
		MaxAgents:       o.config.MaxConcurrentAgents,
		Workflows:       make(map[models.WorkflowStatus]int),
		DroppedMessages: o.dropped.Load(),
		AgentMetrics:    make(map[string]*models.AgentMetrics, len(o.agents)),
	}
	for id, agent := range o.agents {
		m := agent.Metrics()
		snap.AgentMetrics[id] = &m
	}
	for _, run := range o.workflows {
		run.mu.Lock()
		snap.Workflows[run.instance.Status]++
		run.mu.Unlock()
	}
	o.mu.RUnlock()

	snap.BusLogSize = o.bus.Size()
	return snap
}

// metricsPump pushes a snapshot to every sink on a fixed interval.
func (o *Orchestrator) metricsPump() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopChan:
			return
		case <-ticker.C:
			snap := o.Snapshot()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for _, sink := range o.sinks {
				if err := sink.WriteOrchestratorMetrics(ctx, snap); err != nil {
					o.logger.WithError(err).Warn("Metrics sink write failed")
				}
			}
			cancel()
		}
	}
}

// Shutdown stops the pumps, shuts down every live agent and clears all
// shared state. The orchestrator cannot be reused afterwards.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	agents := make([]Agent, 0, len(o.agents))
	for _, a := range o.agents {
		agents = append(agents, a)
	}
	o.agents = make(map[string]Agent)
	runs := make([]*workflowRun, 0, len(o.workflows))
	for _, r := range o.workflows {
		runs = append(runs, r)
	}
	o.workflows = make(map[string]*workflowRun)
	o.mu.Unlock()

	close(o.stopChan)

	for _, run := range runs {
		run.cancel()
	}
	for _, agent := range agents {
		agent.Shutdown()
	}

	// Wait for the pumps to drain before the final announcement, so
	// nothing lands on the bus after it is cleared.
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	shutdownMsg := &models.AgentMessage{
		ID:        uuid.New().String(),
		From:      models.OrchestratorID,
		To:        models.Broadcast,
		Type:      models.MessageStatus,
		Action:    "orchestrator:shutdown",
		Timestamp: time.Now(),
	}
	if err := o.bus.Publish(shutdownMsg); err != nil {
		o.logger.WithError(err).Debug("Failed to publish shutdown message")
	}
	o.bus.Clear()

	o.logger.Info("Orchestrator shutdown complete")
	return nil
}
