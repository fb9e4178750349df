package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openfroyo/provisioner/pkg/engine"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// RootResponse is a root with its derived status.
type RootResponse struct {
	*engine.Root
	Status  engine.RootStatus `json:"status"`
	Settled bool              `json:"settled"`
}

// RootSummary is one entry of the root list.
type RootSummary struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Kind      engine.RootKind   `json:"kind"`
	Status    engine.RootStatus `json:"status"`
	Tasks     int               `json:"tasks"`
	Activated bool              `json:"activated"`
	Cancelled bool              `json:"cancelled"`
	CreatedAt time.Time         `json:"created_at"`
}

func newRootResponse(root *engine.Root) RootResponse {
	return RootResponse{Root: root, Status: root.Status(), Settled: root.IsSettled()}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{}
	healthy := true
	for _, name := range s.checkNames() {
		if err := s.checks[name](c.Request.Context()); err != nil {
			healthy = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": s.now().UTC(),
		"checks":    checks,
	})
}

// handleBuildRoot builds a root from a JSON root spec.
func (s *Server) handleBuildRoot(c *gin.Context) {
	var spec engine.RootSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	root, err := s.service.BuildRoot(c.Request.Context(), spec)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newRootResponse(root))
}

// handleListRoots lists roots newest first.
func (s *Server) handleListRoots(c *gin.Context) {
	filter := engine.RootFilter{Limit: 100}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: ErrorDetail{Code: "INVALID_REQUEST", Message: "limit must be a non-negative integer"},
			})
			return
		}
		filter.Limit = n
	}
	if v := c.Query("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: ErrorDetail{Code: "INVALID_REQUEST", Message: "active must be a boolean"},
			})
			return
		}
		filter.ActiveOnly = active
	}

	roots, err := s.service.Roots(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}

	out := make([]RootSummary, 0, len(roots))
	for _, r := range roots {
		out = append(out, RootSummary{
			ID:        r.ID,
			Name:      r.Name,
			Kind:      r.Kind,
			Status:    r.Status(),
			Tasks:     len(r.Tasks),
			Activated: r.Activated,
			Cancelled: r.Cancelled,
			CreatedAt: r.CreatedAt.UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"roots": out,
		"total": len(out),
		"limit": filter.Limit,
	})
}

// handleGetRoot returns a root with all of its tasks.
func (s *Server) handleGetRoot(c *gin.Context) {
	root, err := s.service.Root(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRootResponse(root))
}

// handleGetGraph renders a root as Graphviz DOT.
func (s *Server) handleGetGraph(c *gin.Context) {
	root, err := s.service.Root(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/vnd.graphviz; charset=utf-8", []byte(engine.RenderDOT(root)))
}

// handleCancelRoot cancels a root.
func (s *Server) handleCancelRoot(c *gin.Context) {
	id := c.Param("id")
	won, err := s.service.Cancel(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"root_id":           id,
		"cancelled":         true,
		"already_cancelled": !won,
	})
}

// handleGetTask returns a task.
func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.service.Task(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleGetTransitions returns the status history of a task.
func (s *Server) handleGetTransitions(c *gin.Context) {
	id := c.Param("id")
	transitions, err := s.service.Transitions(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if transitions == nil {
		transitions = []engine.Transition{}
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":     id,
		"transitions": transitions,
	})
}

// writeError maps engine error codes onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	code := engine.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case engine.ErrCodeValidation, engine.ErrCodeCycle, engine.ErrCodeUnknownReference:
		status = http.StatusBadRequest
	case engine.ErrCodePolicyDenied:
		status = http.StatusForbidden
	case engine.ErrCodeNotFound:
		status = http.StatusNotFound
	case engine.ErrCodeConflict:
		status = http.StatusConflict
	default:
		if errors.Is(err, engine.ErrNotFound) {
			status, code = http.StatusNotFound, engine.ErrCodeNotFound
		} else if engine.IsRetryable(err) {
			status = http.StatusServiceUnavailable
		}
	}
	if code == "" {
		code = engine.ErrCodeInternal
	}

	detail := ErrorDetail{Code: code, Message: err.Error()}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		detail.Message = ee.Message
		if len(ee.Details) > 0 {
			detail.Details = ee.Details
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	}
	c.JSON(status, ErrorResponse{Error: detail})
}
