package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/gate"
	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
	"github.com/fyrsmithlabs/agentd/internal/task"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// WorkspaceInitRequest is the body for POST /api/v1/projects/:id/workspace.
type WorkspaceInitRequest struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch,omitempty"`
	Token   string `json:"token,omitempty"`
}

// WorkspaceInitResponse reports where the working clone lives.
type WorkspaceInitResponse struct {
	ProjectID string `json:"project_id"`
	Dir       string `json:"dir"`
}

// PhaseStartRequest is the body for POST .../phases/:phase/start.
type PhaseStartRequest struct {
	Objective string `json:"objective,omitempty"`
}

// AnswerRequest is the body for POST /api/v1/projects/:id/answers.
type AnswerRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// ErrorResponse is the JSON shape of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// httpStatus maps domain sentinel errors onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound),
		errors.Is(err, gate.ErrQuestionNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidPhaseOrder),
		errors.Is(err, task.ErrAlreadyRunning),
		errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, gate.ErrAlreadyAnswered),
		errors.Is(err, orchestrator.ErrProjectNotInitialized):
		return http.StatusConflict
	case errors.Is(err, task.ErrUnknownPhase):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) domainError(c echo.Context, err error) error {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error(c.Request().Context(), "request failed", zap.Error(err))
	}
	return c.JSON(status, ErrorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: "agentd"})
}

func (s *Server) handleWorkspaceInit(c echo.Context) error {
	projectID := c.Param("id")

	var req WorkspaceInitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.RepoURL == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "repo_url is required"})
	}

	dir, err := s.deps.Workspaces.Initialize(c.Request().Context(), projectID, req.RepoURL, req.Branch, req.Token)
	if err != nil {
		return s.domainError(c, err)
	}
	s.deps.Orchestrator.RegisterProject(projectID, req.RepoURL, dir)

	return c.JSON(http.StatusCreated, WorkspaceInitResponse{ProjectID: projectID, Dir: dir})
}

func (s *Server) handleWorkspaceCleanup(c echo.Context) error {
	projectID := c.Param("id")

	if err := s.deps.Workspaces.Cleanup(c.Request().Context(), projectID); err != nil {
		return s.domainError(c, err)
	}
	s.deps.Orchestrator.ForgetProject(projectID)

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePhaseStart(c echo.Context) error {
	projectID := c.Param("id")

	phase, ok := task.ParsePhase(c.Param("phase"))
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown phase: " + c.Param("phase")})
	}

	var req PhaseStartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	t, err := s.deps.Orchestrator.StartPhase(c.Request().Context(), projectID, phase, req.Objective)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusAccepted, t)
}

func (s *Server) handlePhaseStatuses(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Registry.PhaseStatuses(c.Param("id")))
}

func (s *Server) handleProjectTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Registry.ListByProject(c.Param("id")))
}

func (s *Server) handlePendingQuestions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Gate.Pending(c.Param("id")))
}

func (s *Server) handleAnswer(c echo.Context) error {
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.QuestionID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "question_id is required"})
	}
	if req.Answer == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "answer is required"})
	}

	if err := s.deps.Gate.Answer(c.Request().Context(), req.QuestionID, req.Answer); err != nil {
		return s.domainError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleTaskGet(c echo.Context) error {
	t, err := s.deps.Registry.Get(c.Param("id"))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleTaskPause(c echo.Context) error {
	t, err := s.deps.Orchestrator.Pause(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleTaskResume(c echo.Context) error {
	t, err := s.deps.Orchestrator.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleTaskCancel(c echo.Context) error {
	t, err := s.deps.Orchestrator.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}
