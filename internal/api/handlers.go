package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"insightbridge/internal/logging"
	"insightbridge/internal/pipeline"
	"insightbridge/internal/session"
	"insightbridge/internal/validation"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// initSession creates (or re-confirms) a session. Credentials are validated
// against the analytics API only for new sessions; a second init with the
// same id succeeds without re-validation.
func (s *Server) initSession(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}

	sessionID, _ := body["session_id"].(string)
	apiURL, _ := body["apiUrl"].(string)
	jwtToken, _ := body["jwtToken"].(string)

	var missing []string
	if sessionID == "" {
		missing = append(missing, "session_id")
	}
	if apiURL == "" {
		missing = append(missing, "apiUrl")
	}
	if jwtToken == "" {
		missing = append(missing, "jwtToken")
	}
	if len(missing) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields", "missing": missing})
		return
	}

	ctx := c.Request.Context()

	// Re-init of a live session is a no-op beyond a TTL refresh.
	if s.store.Exists(ctx, sessionID) {
		s.store.Touch(ctx, sessionID)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	ok, reason := s.validator.Validate(ctx, apiURL, jwtToken)
	if !ok {
		if validation.IsAuthFailure(reason) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": reason})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": reason})
		}
		return
	}

	data := session.Record{}
	for k, v := range body {
		if k != "session_id" {
			data[k] = v
		}
	}
	if !s.store.Create(ctx, sessionID, data) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type sessionRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// shutdownSession deletes the session and drops any tracked sub-process.
func (s *Server) shutdownSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	s.registry.Unregister(req.SessionID)
	s.store.Delete(c.Request.Context(), req.SessionID)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Session terminated"})
}

// toolsSchema is anonymous: it spins up a short-lived supervisor, fetches the
// descriptors, filters them and tears the supervisor down again.
func (s *Server) toolsSchema(c *gin.Context) {
	tools, err := s.pipe.DescribeTools(c.Request.Context())
	if err != nil {
		logging.Error("/tools-schema: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"tools":       tools,
		"system_info": systemInfo(),
	})
}

func (s *Server) listTools(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	tools, err := s.pipe.ListSessionTools(c.Request.Context(), req.SessionID)
	if err != nil {
		s.writePipelineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tools":             tools,
		"workflow_guidance": workflowGuidance(),
	})
}

type callToolRequest struct {
	SessionID string                 `json:"session_id" binding:"required"`
	Tool      string                 `json:"tool" binding:"required"`
	Params    map[string]interface{} `json:"params"`
}

func (s *Server) callTool(c *gin.Context) {
	var req callToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and tool are required"})
		return
	}
	if req.Params == nil {
		req.Params = map[string]interface{}{}
	}

	result, err := s.pipe.CallTool(c.Request.Context(), req.SessionID, req.Tool, req.Params)
	if err != nil {
		s.writePipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) writePipelineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrSessionMissing):
		c.JSON(http.StatusConflict, gin.H{"error": "Session not initialized. Call /init first."})
	case errors.Is(err, pipeline.ErrSupervisorStart):
		logging.Error("supervisor start failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		logging.Error("tool invocation failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
