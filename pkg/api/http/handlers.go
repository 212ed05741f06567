package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/comfyrt/pkg/client"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PromptSubmitRequest represents a prompt submission request
type PromptSubmitRequest struct {
	Prompt    json.RawMessage `json:"prompt" binding:"required"`
	Workflow  json.RawMessage `json:"workflow"`
	Front     bool            `json:"front"`
	Number    int             `json:"number"`
	AuthToken string          `json:"auth_token"`
}

// PromptSubmitResponse represents a prompt submission response
type PromptSubmitResponse struct {
	PromptID    string `json:"prompt_id"`
	Number      int    `json:"number"`
	SubmittedAt string `json:"submitted_at"`
}

// SessionResponse describes the realtime session
type SessionResponse struct {
	ClientID string `json:"client_id"`
	State    string `json:"state"`
	Polling  bool   `json:"polling"`
}

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

// handleHealth reports healthy while events are flowing, either over the
// realtime channel or through polling.
func (s *Server) handleHealth(c *gin.Context) {
	state := s.session.State()
	polling := s.session.Polling()

	status, code := "healthy", http.StatusOK
	if state != client.StateOpen && !polling {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": gin.H{
			"realtime": string(state),
			"polling":  polling,
		},
	})
}

// handleGetSession returns the session identifier and connection state
func (s *Server) handleGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, SessionResponse{
		ClientID: s.session.ClientID(),
		State:    string(s.session.State()),
		Polling:  s.session.Polling(),
	})
}

// handleSubmitPrompt handles prompt submission
func (s *Server) handleSubmitPrompt(c *gin.Context) {
	var req PromptSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Error("invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}
	if req.Front && req.Number != 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: "front and number are mutually exclusive",
			},
		})
		return
	}

	priority := req.Number
	if req.Front {
		priority = client.PriorityFront
	}

	resp, err := s.session.Submit(c.Request.Context(), priority, client.Workflow{
		Output:   req.Prompt,
		Workflow: req.Workflow,
	}, req.AuthToken)
	if err != nil {
		var perr *client.PromptExecutionError
		if errors.As(err, &perr) {
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
				Error: ErrorDetail{
					Code:    "PROMPT_REJECTED",
					Message: perr.Error(),
					Details: perr.Response,
				},
			})
			return
		}

		s.logger.Error("failed to submit prompt", zap.Error(err))
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Code:    "SUBMISSION_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusCreated, PromptSubmitResponse{
		PromptID:    resp.PromptID,
		Number:      resp.Number,
		SubmittedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleInterrupt interrupts the most recently submitted prompt
func (s *Server) handleInterrupt(c *gin.Context) {
	if err := s.session.Interrupt(c.Request.Context()); err != nil {
		s.logger.Error("failed to interrupt prompt", zap.Error(err))
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INTERRUPT_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "interrupted"})
}
