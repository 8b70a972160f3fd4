package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/review"
)

type proposalEditRequest struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

type saveResponse struct {
	Inserted            int          `json:"inserted"`
	GenerationCompleted bool         `json:"generation_completed"`
	Cards               []cards.Card `json:"cards"`
}

func (h *httpHandler) reviewMachine(c *gin.Context) (*review.Machine, bool) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return nil, false
	}
	machine, err := h.reviews.Get(c.GetString(userIDContextKey), id)
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return machine, true
}

func (h *httpHandler) handleGetReview(c *gin.Context) {
	machine, ok := h.reviewMachine(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, machine.Snapshot())
}

func (h *httpHandler) handleDiscardReview(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if !h.reviews.Discard(c.GetString(userIDContextKey), id) {
		h.respondError(c, review.ErrSessionNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleReviewProposal(c *gin.Context) {
	machine, ok := h.reviewMachine(c)
	if !ok {
		return
	}
	proposalID := c.Param("pid")

	var err error
	switch strings.ToLower(c.Param("action")) {
	case "accept":
		err = machine.Accept(proposalID)
	case "reject":
		err = machine.Reject(proposalID)
	case "edit":
		err = machine.StartEdit(proposalID)
	case "cancel":
		err = machine.CancelEdit(proposalID)
	default:
		respondValidation(c, "action must be one of accept, reject, edit, cancel")
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, machine.Snapshot())
}

func (h *httpHandler) handleSaveProposalEdit(c *gin.Context) {
	machine, ok := h.reviewMachine(c)
	if !ok {
		return
	}
	var request proposalEditRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondValidation(c, "invalid_json")
		return
	}
	if err := machine.SaveEdit(c.Param("pid"), request.Front, request.Back); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, machine.Snapshot())
}

func (h *httpHandler) handleReviewBulk(c *gin.Context) {
	machine, ok := h.reviewMachine(c)
	if !ok {
		return
	}
	var err error
	if strings.HasSuffix(c.FullPath(), "/accept-all") {
		_, err = machine.AcceptAll()
	} else {
		_, err = machine.RejectAll()
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, machine.Snapshot())
}

func (h *httpHandler) handleSaveReview(c *gin.Context) {
	machine, ok := h.reviewMachine(c)
	if !ok {
		return
	}
	result, err := machine.Save(c.Request.Context(), h.reconciler)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.reviews.Discard(c.GetString(userIDContextKey), machine.GenerationID())

	inserted := result.Inserted
	if inserted == nil {
		inserted = []cards.Card{}
	}
	c.JSON(http.StatusOK, saveResponse{
		Inserted:            len(inserted),
		GenerationCompleted: result.Completed,
		Cards:               inserted,
	})
}
