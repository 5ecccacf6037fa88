package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.dispatcher.GetStatus(r.Context()))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.dispatcher.Pause()
	respondJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.dispatcher.Resume()
	respondJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.dispatcher.PendingQuestions())
}

// answerRequest is the body of POST /questions/{questionID}/answer.
type answerRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) handleAnswerQuestion(w http.ResponseWriter, r *http.Request) {
	questionID := chi.URLParam(r, "questionID")
	if questionID == "" {
		respondError(w, http.StatusBadRequest, "question ID is required")
		return
	}

	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Answer == "" {
		respondError(w, http.StatusBadRequest, "answer is required")
		return
	}

	if err := s.dispatcher.AnswerQuestion(questionID, req.Answer); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"question_id": questionID, "status": "answered"})
}

func (s *Server) handleRunningWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.metrics.GetRunningWorkflows(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load workflows")
		return
	}
	respondJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	workflow, err := s.metrics.GetWorkflow(r.Context(), workflowID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, workflow)
}

func (s *Server) handleWorkflowSteps(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	steps, err := s.metrics.GetWorkflowSteps(r.Context(), workflowID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, steps)
}

func (s *Server) handleProjectCosts(w http.ResponseWriter, r *http.Request) {
	rollups, err := s.metrics.GetProjectRollups(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load project costs")
		return
	}
	respondJSON(w, http.StatusOK, rollups)
}

func (s *Server) handleAgentCosts(w http.ResponseWriter, r *http.Request) {
	rollups, err := s.metrics.GetAgentRollups(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load agent costs")
		return
	}
	respondJSON(w, http.StatusOK, rollups)
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.system.Collect())
}
