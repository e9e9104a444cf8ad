package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
)

// actionParam resolves the :action path segment. Unknown names are returned
// verbatim so the checker can deny them with its own reason.
func actionParam(c *gin.Context) (plandomain.ActionKind, bool) {
	raw := strings.TrimSpace(c.Param("action"))
	if action, ok := plandomain.ParseAction(raw); ok {
		c.Set("entitlement_action", string(action))
		return action, true
	}
	c.Set("entitlement_action", raw)
	return plandomain.ActionKind(raw), false
}

func (s *Server) CanPerform(c *gin.Context) {
	action, _ := actionParam(c)
	decision := s.ent.CanPerform(c.Request.Context(), action)
	c.JSON(http.StatusOK, gin.H{"data": decision})
}

func (s *Server) PerformAndConsume(c *gin.Context) {
	action, ok := actionParam(c)
	if !ok {
		AbortWithError(c, newValidationError("action", "invalid_action", "unknown action"))
		return
	}

	decision, err := s.ent.PerformAndConsume(c.Request.Context(), action)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if decision.Reason == entitlementdomain.ReasonUnauthenticated {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decision})
}
