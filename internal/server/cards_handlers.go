package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
)

type createCardsRequest struct {
	Cards []cards.NewCard `json:"cards"`
}

type createCardsResponse struct {
	Inserted int          `json:"inserted"`
	Cards    []cards.Card `json:"cards"`
}

func (h *httpHandler) handleCreateCards(c *gin.Context) {
	var request createCardsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondValidation(c, "invalid_json")
		return
	}
	result, err := h.reconciler.SaveCards(c.Request.Context(), c.GetString(userIDContextKey), request.Cards)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createCardsResponse{Inserted: len(result.Inserted), Cards: result.Inserted})
}

func (h *httpHandler) handleListCards(c *gin.Context) {
	query, ok := parsePage(c, cards.ListOptions)
	if !ok {
		return
	}
	filter := cards.ListFilter{
		Source: generations.CardSource(c.Query("source")),
		Search: c.Query("search"),
	}
	if raw := c.Query("generation_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			respondValidation(c, "generation_id must be a positive integer")
			return
		}
		filter.GenerationID = &id
	}
	page, err := h.cards.List(c.Request.Context(), c.GetString(userIDContextKey), query, filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleGetCard(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	card, err := h.cards.Get(c.Request.Context(), c.GetString(userIDContextKey), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (h *httpHandler) handleUpdateCard(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var update cards.CardUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		respondValidation(c, "invalid_json")
		return
	}
	card, err := h.cards.Update(c.Request.Context(), c.GetString(userIDContextKey), id, update)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (h *httpHandler) handleDeleteCard(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := h.cards.Delete(c.Request.Context(), c.GetString(userIDContextKey), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
