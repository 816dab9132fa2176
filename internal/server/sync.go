package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/adminis/internal/session"
)

// Refresh queues a cycle. With ?wait=true the cycle runs within the request.
func (s *Server) Refresh(c *gin.Context) {
	wait, _ := strconv.ParseBool(c.DefaultQuery("wait", "false"))
	if !wait {
		s.svc.Refresh()
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		return
	}

	if err := s.svc.RunOnce(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.svc.Snapshot()})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) UpdateCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := s.svc.UpdateCredentials(req.Email, req.Password); err != nil {
		if errors.Is(err, session.ErrMissingCredentials) {
			AbortWithError(c, newValidationError("credentials", "required", "email and password are required"))
			return
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
