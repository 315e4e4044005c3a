package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/hiapplyco/apply-agents/internal/orchestration"
	"github.com/hiapplyco/apply-agents/pkg/models"
)

// Server exposes the orchestrator over REST plus a websocket event
// stream fed from the message bus.
type Server struct {
	orchestrator *orchestration.Orchestrator
	logger       *logrus.Logger
	tracer       trace.Tracer
	upgrader     websocket.Upgrader
	version      string
}

// NewServer creates the API layer around an orchestrator.
func NewServer(orchestrator *orchestration.Orchestrator, version string, logger *logrus.Logger) *Server {
	return &Server{
		orchestrator: orchestrator,
		logger:       logger,
		tracer:       otel.Tracer("api.server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The browser dashboard runs on a different origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		version: version,
	}
}

// RegisterRoutes attaches all API routes to the router.
func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/version", s.handleVersion).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/workflows/execute", s.handleExecuteWorkflow).Methods("POST")
	api.HandleFunc("/workflows", s.handleListWorkflows).Methods("GET")
	api.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods("GET")
	api.HandleFunc("/workflows/{id}/pause", s.handlePauseWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}/resume", s.handleResumeWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}/cancel", s.handleCancelWorkflow).Methods("POST")
	api.HandleFunc("/agents", s.handleListAgents).Methods("GET")
	api.HandleFunc("/agents/{id}/metrics", s.handleAgentMetrics).Methods("GET")
	api.HandleFunc("/bus/log", s.handleBusLog).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy", "time": time.Now()})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"version": s.version})
}

type executeRequest struct {
	Definition *models.WorkflowDefinition `json:"definition"`
	Context    models.AgentContext        `json:"context"`
}

// handleExecuteWorkflow runs a workflow to completion and returns the
// terminal instance. Validation problems are a 422; everything else
// lands on the instance itself.
func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "api.execute_workflow")
	defer span.End()

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Definition == nil {
		writeError(w, http.StatusBadRequest, "definition is required")
		return
	}

	instance, err := s.orchestrator.ExecuteWorkflow(ctx, req.Definition, req.Context)
	if err != nil {
		if orchestration.IsKind(err, orchestration.KindValidation) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.WithError(err).Error("Workflow execution failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.ListWorkflows())
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	instance, err := s.orchestrator.GetWorkflow(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) handlePauseWorkflow(w http.ResponseWriter, r *http.Request) {
	s.workflowAction(w, r, s.orchestrator.PauseWorkflow)
}

func (s *Server) handleResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	s.workflowAction(w, r, s.orchestrator.ResumeWorkflow)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	s.workflowAction(w, r, s.orchestrator.CancelWorkflow)
}

func (s *Server) workflowAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	id := mux.Vars(r)["id"]
	if err := action(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "ok": true})
}

type agentSummary struct {
	ID           string                   `json:"id"`
	Type         models.AgentType         `json:"type"`
	Status       models.AgentStatus       `json:"status"`
	Capabilities []models.AgentCapability `json:"capabilities"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.orchestrator.ListAgents()
	out := make([]agentSummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentSummary{
			ID:           a.ID(),
			Type:         a.Type(),
			Status:       a.Status(),
			Capabilities: a.Capabilities(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.orchestrator.GetAgent(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent.Metrics())
}

func (s *Server) handleBusLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &orchestration.MessageFilter{
		From:   q.Get("from"),
		To:     q.Get("to"),
		Action: q.Get("action"),
		Type:   models.MessageType(q.Get("type")),
	}
	writeJSON(w, http.StatusOK, s.orchestrator.Bus().Log(filter))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.Snapshot())
}

// handleEvents upgrades to a websocket and streams every bus message to
// the client until it disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	bus := s.orchestrator.Bus()
	events := make(chan *models.AgentMessage, 128)
	subID := bus.Subscribe("message", func(msg *models.AgentMessage) {
		select {
		case events <- msg:
		default:
			// Slow consumer; drop rather than stall the bus.
		}
	})

	defer func() {
		bus.Unsubscribe(subID)
		conn.Close()
	}()

	// Reader goroutine: detect client disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case msg := <-events:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}
