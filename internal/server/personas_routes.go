package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/personas"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const defaultRandomCount = 10

func (h *httpHandler) handleDiscoverPersonas(c *gin.Context) {
	profile := personas.UserProfile{
		UserID:     currentUserID(c).String(),
		LookingFor: c.Query("looking_for"),
	}
	found := h.personas.SmartFetchPersonas(c.Request.Context(), profile, parseFilters(c))
	c.JSON(http.StatusOK, newPersonaListPayload(found))
}

func (h *httpHandler) handleRandomPersonas(c *gin.Context) {
	count := cast.ToInt(c.Query("count"))
	if count <= 0 {
		count = defaultRandomCount
	}
	if count > maxListLimit {
		count = maxListLimit
	}
	var excluded []personas.PersonaID
	for _, raw := range strings.Split(c.Query("exclude"), ",") {
		if id := strings.TrimSpace(raw); id != "" {
			excluded = append(excluded, personas.PersonaID(id))
		}
	}
	found := h.personas.GetRandomPersonas(c.Request.Context(), count, excluded)
	c.JSON(http.StatusOK, newPersonaListPayload(found))
}

func (h *httpHandler) handleSearchPersonas(c *gin.Context) {
	found := h.personas.SearchPersonas(c.Request.Context(), c.Query("q"), parseLimit(c))
	c.JSON(http.StatusOK, newPersonaListPayload(found))
}

func (h *httpHandler) handleGetPersona(c *gin.Context) {
	id := personas.PersonaID(strings.TrimSpace(c.Param("id")))
	persona, err := h.personas.GetPersona(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, newPersonaPayload(persona))
	case errors.Is(err, personas.ErrPersonaNotFound), errors.Is(err, personas.ErrInvalidPersonaID):
		c.JSON(http.StatusNotFound, gin.H{"error": "persona_not_found"})
	default:
		h.logger.Error("persona lookup failed", zap.String("persona_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
	}
}

func parseFilters(c *gin.Context) personas.Filters {
	return personas.Filters{
		MinAge:       cast.ToInt(c.Query("min_age")),
		MaxAge:       cast.ToInt(c.Query("max_age")),
		Location:     strings.TrimSpace(c.Query("location")),
		VerifiedOnly: cast.ToBool(c.Query("verified")),
		PremiumOnly:  cast.ToBool(c.Query("premium")),
		Limit:        cast.ToInt(c.Query("limit")),
	}
}
