// Package api exposes the operator surface of one agent process as an HTTP
// server: lifecycle controls, status and statistics, output retrieval, and
// the read-only step endpoint consumed by remote cross-agent resolvers.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/agentmesh/agent"
	"github.com/agentmesh/agentmesh/core"
)

// Server wraps a gin engine around one agent.
type Server struct {
	agent     *agent.Agent
	authToken string
	logger    core.Logger
	engine    *gin.Engine
}

// NewServer builds the operator server. authToken guards the cross-agent
// step endpoint; an empty token disables the check.
func NewServer(a *agent.Agent, authToken string, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		agent:     a,
		authToken: authToken,
		logger:    logger,
		engine:    gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the underlying HTTP handler for mounting or testing.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error { return s.engine.Run(addr) }

func (s *Server) routes() {
	g := s.engine.Group("/agent")
	g.POST("/pause", s.pause)
	g.POST("/abort", s.abort)
	g.POST("/resume", s.resume)
	g.GET("/status", s.status)
	g.GET("/statistics", s.statistics)
	g.GET("/output", s.output)
	g.POST("/step/:id/resume", s.resumeStep)
	g.GET("/step/:id", s.bearerAuth, s.stepView)
}

func (s *Server) pause(c *gin.Context) {
	if err := s.agent.Pause(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.agent.State()})
}

func (s *Server) abort(c *gin.Context) {
	if err := s.agent.Abort(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.agent.State()})
}

func (s *Server) resume(c *gin.Context) {
	if err := s.agent.Resume(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.agent.State()})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"agent_id":   s.agent.ID,
		"mission_id": s.agent.MissionID,
		"role":       s.agent.Role,
		"state":      s.agent.State(),
	})
}

func (s *Server) statistics(c *gin.Context) {
	c.JSON(http.StatusOK, s.agent.Statistics())
}

func (s *Server) output(c *gin.Context) {
	records, err := s.agent.Output()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": records})
}

type resumeStepRequest struct {
	Response string `json:"response" binding:"required"`
}

func (s *Server) resumeStep(c *gin.Context) {
	var req resumeStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "response is required"})
		return
	}
	if err := s.agent.ResumeStepWithInput(c.Request.Context(), c.Param("id"), req.Response); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"step_id": c.Param("id"), "status": "COMPLETED"})
}

func (s *Server) stepView(c *gin.Context) {
	step, err := s.agent.StepView(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, step)
}

func (s *Server) bearerAuth(c *gin.Context) {
	if s.authToken == "" {
		return
	}
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token != s.authToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case core.IsNotFound(err):
		status = http.StatusNotFound
	case core.IsStateError(err):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	s.logger.Debug("Request failed", map[string]interface{}{
		"path":   c.FullPath(),
		"status": status,
		"error":  err.Error(),
	})
	c.JSON(status, gin.H{"error": err.Error()})
}
