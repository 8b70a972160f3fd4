package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/users"
)

type updateProfileRequest struct {
	Locale string `json:"locale"`
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	profile, err := h.users.Profile(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.logger.Error("failed to load profile", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "database_error"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var request updateProfileRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondValidation(c, "invalid_json")
		return
	}
	profile, err := h.users.UpdateLocale(c.Request.Context(), c.GetString(userIDContextKey), request.Locale)
	if errors.Is(err, users.ErrInvalidLocale) {
		respondValidation(c, "locale must be pl or en")
		return
	}
	if err != nil {
		h.logger.Error("failed to update profile", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "database_error"})
		return
	}
	c.JSON(http.StatusOK, profile)
}
