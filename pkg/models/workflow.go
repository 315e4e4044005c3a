package models

import (
	"time"
)

// WorkflowStatus represents the state of a workflow instance.
// Transitions are forward-only; completed, failed and cancelled are
// terminal.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// TaskTemplate is the task blueprint carried by a workflow step. The
// orchestrator stamps it into an AgentTask with a fresh id and config
// defaults at dispatch time.
type TaskTemplate struct {
	Type        string                 `json:"type" yaml:"type" validate:"required"`
	Priority    TaskPriority           `json:"priority,omitempty" yaml:"priority,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty" yaml:"input,omitempty"`
	Timeout     time.Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxAttempts int                    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// WorkflowStep binds an agent type, a task template and dependencies into
// a workflow node.
type WorkflowStep struct {
	ID           string       `json:"id" yaml:"id" validate:"required"`
	Name         string       `json:"name" yaml:"name"`
	AgentType    AgentType    `json:"agent_type" yaml:"agent_type" validate:"required"`
	Task         TaskTemplate `json:"task" yaml:"task" validate:"required"`
	Dependencies []string     `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Parallel     bool         `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	OnFailure    []string     `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// WorkflowDefinition is a DAG of steps supplied by the caller. Step order
// is significant: it is the tie-break among equally eligible steps.
type WorkflowDefinition struct {
	ID      string          `json:"id" yaml:"id" validate:"required"`
	Name    string          `json:"name" yaml:"name" validate:"required"`
	Version string          `json:"version,omitempty" yaml:"version,omitempty"`
	Steps   []*WorkflowStep `json:"steps" yaml:"steps" validate:"required,min=1,dive,required"`
}

// Step returns the step with the given id, or nil.
func (d *WorkflowDefinition) Step(id string) *WorkflowStep {
	for _, s := range d.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// WorkflowInstance is a single execution of a definition, owned by the
// orchestrator. Results are keyed by step id.
type WorkflowInstance struct {
	ID            string                  `json:"id"`
	WorkflowID    string                  `json:"workflow_id"`
	Status        WorkflowStatus          `json:"status"`
	Context       AgentContext            `json:"context"`
	Results       map[string]*AgentResult `json:"results"`
	CurrentStepID string                  `json:"current_step_id,omitempty"`
	StartedAt     time.Time               `json:"started_at"`
	EndedAt       *time.Time              `json:"ended_at,omitempty"`
	Error         string                  `json:"error,omitempty"`
}
