package models

import (
	"time"
)

// Agent runtime types shared between the orchestration engine, the API
// layer and the metrics sinks.

// AgentType identifies a concrete agent implementation.
type AgentType string

const (
	AgentTypeSourcing   AgentType = "sourcing"
	AgentTypeEnrichment AgentType = "enrichment"
	AgentTypePlanning   AgentType = "planning"
)

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusWorking AgentStatus = "working"
	AgentStatusPaused  AgentStatus = "paused"
	AgentStatusStopped AgentStatus = "stopped"
)

// TaskPriority represents the priority of a task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// ResultStatus represents the terminal status of a task result.
type ResultStatus string

const (
	ResultSuccess   ResultStatus = "success"
	ResultFailure   ResultStatus = "failure"
	ResultCancelled ResultStatus = "cancelled"
)

// MessageType classifies a bus message.
type MessageType string

const (
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
	MessageStatus   MessageType = "status"
	MessageError    MessageType = "error"
)

// Broadcast is the wildcard recipient for bus messages.
const Broadcast = "*"

// OrchestratorID is the reserved sender/recipient id of the orchestrator.
const OrchestratorID = "orchestrator"

// AgentContext carries the caller identity into every agent and task.
// It is immutable per workflow instance and passed by value.
type AgentContext struct {
	UserID    string                 `json:"user_id"`
	SessionID string                 `json:"session_id"`
	ProjectID string                 `json:"project_id,omitempty"`
	Overrides map[string]interface{} `json:"overrides,omitempty"`
}

// AgentTask is a single unit of work dispatched to an agent. It is created
// by the orchestrator from a workflow step and consumed exactly once.
type AgentTask struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Priority    TaskPriority           `json:"priority"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Timeout     time.Duration          `json:"timeout,omitempty"`
	MaxAttempts int                    `json:"max_attempts,omitempty"`
}

// AgentResult is produced exactly once per task.
type AgentResult struct {
	TaskID    string                 `json:"task_id"`
	AgentID   string                 `json:"agent_id"`
	Status    ResultStatus           `json:"status"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   time.Time              `json:"ended_at"`
}

// Duration returns the wall-clock time the task took.
func (r *AgentResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// AgentCapability describes a named operation an agent claims to perform.
type AgentCapability struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// AgentMetrics tracks per-agent counters. Counters are monotonic; the
// average response time is maintained with a running formula.
type AgentMetrics struct {
	AgentID         string    `json:"agent_id"`
	TotalTasks      int64     `json:"total_tasks"`
	SuccessfulTasks int64     `json:"successful_tasks"`
	FailedTasks     int64     `json:"failed_tasks"`
	CancelledTasks  int64     `json:"cancelled_tasks"`
	AverageMs       float64   `json:"average_response_ms"`
	LastActiveAt    time.Time `json:"last_active_at"`
	Capabilities    []string  `json:"capabilities"`
}

// AgentMessage is a typed envelope exchanged between agents and the
// orchestrator via the message bus. Messages are immutable once published.
type AgentMessage struct {
	ID            string                 `json:"id"`
	From          string                 `json:"from"`
	To            string                 `json:"to"`
	Type          MessageType            `json:"type"`
	Action        string                 `json:"action"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// IsBroadcast reports whether the message is addressed to every agent.
func (m *AgentMessage) IsBroadcast() bool {
	return m.To == Broadcast
}

// AgentActivityRecord is the append-only record shape pushed to metrics
// sinks after every processed task.
type AgentActivityRecord struct {
	AgentID    string       `json:"agent_id"`
	AgentType  AgentType    `json:"agent_type"`
	TaskID     string       `json:"task_id"`
	TaskType   string       `json:"task_type"`
	Status     ResultStatus `json:"status"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	DurationMs int64        `json:"duration_ms"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Candidate is the neutral person record exchanged between the sourcing
// and enrichment pipelines and the external service clients.
type Candidate struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Title      string                 `json:"title,omitempty"`
	Company    string                 `json:"company,omitempty"`
	Location   string                 `json:"location,omitempty"`
	ProfileURL string                 `json:"profile_url,omitempty"`
	Email      string                 `json:"email,omitempty"`
	Platform   string                 `json:"platform,omitempty"`
	Score      float64                `json:"score,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}
