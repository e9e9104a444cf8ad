package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
)

func (s *Server) ListPlans(c *gin.Context) {
	tiers := s.ent.ListTiers(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"data": tiers})
}

func (s *Server) UpsertPlan(c *gin.Context) {
	var req plandomain.UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.ID = strings.TrimSpace(c.Param("id"))

	tier, err := s.catalog.Upsert(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tier})
}

func (s *Server) RemovePlan(c *gin.Context) {
	if err := s.catalog.Remove(c.Request.Context(), strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
