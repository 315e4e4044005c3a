package orchestration

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/hiapplyco/apply-agents/pkg/models"
)

// WorkflowRegistry stores workflow templates. Definitions are validated
// on registration so execution never sees a malformed template.
type WorkflowRegistry struct {
	logger    *logrus.Logger
	validator *WorkflowValidator

	mu        sync.RWMutex
	templates map[string]*models.WorkflowDefinition
}

// NewWorkflowRegistry creates an empty registry backed by the given
// validator.
func NewWorkflowRegistry(validator *WorkflowValidator, logger *logrus.Logger) *WorkflowRegistry {
	return &WorkflowRegistry{
		logger:    logger,
		validator: validator,
		templates: make(map[string]*models.WorkflowDefinition),
	}
}

// Register validates and stores a definition. An existing template with
// the same id is replaced.
func (r *WorkflowRegistry) Register(def *models.WorkflowDefinition) error {
	if result := r.validator.Validate(def); !result.Valid {
		return E(KindValidation, "registry.register", fmt.Sprintf("invalid workflow: %v", result.Errors))
	}

	r.mu.Lock()
	r.templates[def.ID] = def
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"workflow_id": def.ID,
		"name":        def.Name,
		"steps":       len(def.Steps),
	}).Info("Workflow registered")
	return nil
}

// Get returns the template with the given id.
func (r *WorkflowRegistry) Get(id string) (*models.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.templates[id]
	if !ok {
		return nil, E(KindValidation, "registry.get", fmt.Sprintf("workflow not found: %s", id))
	}
	return def, nil
}

// List returns every registered template ordered by id.
func (r *WorkflowRegistry) List() []*models.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.WorkflowDefinition, 0, len(r.templates))
	for _, def := range r.templates {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Unregister removes a template. Idempotent.
func (r *WorkflowRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.templates, id)
}

// LoadFile reads a YAML workflow definition, validates it and registers
// it.
func (r *WorkflowRegistry) LoadFile(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}

	var def models.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, Wrap(err, KindValidation, "registry.load_file", fmt.Sprintf("failed to parse %s", path))
	}

	if err := r.Register(&def); err != nil {
		return nil, err
	}
	return &def, nil
}
