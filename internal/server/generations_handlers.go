package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/pagination"
)

type createGenerationRequest struct {
	PromptText string `json:"prompt_text"`
}

type proposalPayload struct {
	ID     string                 `json:"id"`
	Front  string                 `json:"front"`
	Back   string                 `json:"back"`
	Source generations.CardSource `json:"source"`
}

type createGenerationResponse struct {
	ID             int64              `json:"id"`
	PromptText     string             `json:"prompt_text"`
	TotalGenerated int                `json:"total_generated"`
	Status         generations.Status `json:"status"`
	CardProposals  []proposalPayload  `json:"card_proposals"`
}

func (h *httpHandler) handleCreateGeneration(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createGenerationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondValidation(c, "invalid_json")
		return
	}

	result, err := h.generations.Create(c.Request.Context(), userID, request.PromptText)
	if err != nil {
		h.respondError(c, err)
		return
	}

	machine := h.reviews.Open(userID, result.Generation.ID, result.Proposals)
	snapshot := machine.Snapshot()
	proposals := make([]proposalPayload, 0, len(snapshot.Proposals))
	for _, view := range snapshot.Proposals {
		proposals = append(proposals, proposalPayload{ID: view.ID, Front: view.Front, Back: view.Back, Source: view.Source})
	}

	c.JSON(http.StatusCreated, createGenerationResponse{
		ID:             result.Generation.ID,
		PromptText:     result.Generation.PromptText,
		TotalGenerated: result.Generation.TotalGenerated,
		Status:         result.Generation.Status,
		CardProposals:  proposals,
	})
}

func (h *httpHandler) handleListGenerations(c *gin.Context) {
	query, ok := parsePage(c, generations.ListOptions)
	if !ok {
		return
	}
	page, err := h.generations.List(c.Request.Context(), c.GetString(userIDContextKey), query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleGetGeneration(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	generation, err := h.generations.Get(c.Request.Context(), c.GetString(userIDContextKey), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, generation)
}

func (h *httpHandler) handleDeleteGeneration(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	userID := c.GetString(userIDContextKey)
	if err := h.generations.Delete(c.Request.Context(), userID, id); err != nil {
		h.respondError(c, err)
		return
	}
	h.reviews.Discard(userID, id)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListGenerationErrors(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	query, ok := parsePage(c, generations.ErrorListOptions)
	if !ok {
		return
	}
	page, err := h.generations.ListErrors(c.Request.Context(), c.GetString(userIDContextKey), id, query, c.Query("error_code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type generationEventPayload struct {
	ID        int64              `json:"id"`
	Status    generations.Status `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
}

func (h *httpHandler) handleGenerationEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, generationEventPayload{
				ID:        message.GenerationID,
				Status:    message.Status,
				Timestamp: message.Timestamp,
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": time.Now().UTC().Unix()})
			return true
		}
	})
}

func parsePage(c *gin.Context, options pagination.Options) (pagination.Query, bool) {
	query, err := pagination.Parse(pagination.Raw{
		Page:  c.Query("page"),
		Limit: c.Query("limit"),
		Sort:  c.Query("sort"),
		Order: c.Query("order"),
	}, options)
	if err != nil {
		respondValidation(c, err.Error())
		return pagination.Query{}, false
	}
	return query, true
}
