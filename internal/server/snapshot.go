package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/adminis/internal/account/domain"
)

func (s *Server) GetSnapshot(c *gin.Context) {
	snap := s.svc.Snapshot()
	if snap == nil {
		AbortWithError(c, domain.ErrNoSnapshot)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snap})
}

func (s *Server) GetProperty(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	snap := s.svc.Snapshot()
	if snap == nil {
		AbortWithError(c, domain.ErrNoSnapshot)
		return
	}
	prop, ok := snap.Property(id)
	if !ok {
		AbortWithError(c, domain.ErrPropertyNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": prop})
}

func (s *Server) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.svc.Status()})
}
