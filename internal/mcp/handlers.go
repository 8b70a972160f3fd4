package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
)

// Codes whose cause stays in the log.
var internalCodes = map[string]bool{
	"config_error":   true,
	"database_error": true,
	"provider_error": true,
	"server_error":   true,
}

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	userID      string
	generations GenerationService
	reconciler  ProposalSaver
	logger      *zap.Logger
}

// NewHandlers validates cfg and builds the tool handlers.
func NewHandlers(cfg Config) (*Handlers, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		userID:      cfg.UserID,
		generations: cfg.Generations,
		reconciler:  cfg.Reconciler,
		logger:      logger,
	}, nil
}

// GenerationCreateRequest represents the arguments for generation_create.
type GenerationCreateRequest struct {
	PromptText string `json:"prompt_text"`
}

// GenerationGetRequest represents the arguments for generation_get.
type GenerationGetRequest struct {
	ID int64 `json:"id"`
}

// CardsSaveRequest represents the arguments for cards_save.
type CardsSaveRequest struct {
	GenerationID int64                  `json:"generation_id"`
	Cards        []generations.Proposal `json:"cards"`
}

// GenerationCreateOutput is returned by generation_create.
type GenerationCreateOutput struct {
	ID             int64                  `json:"id"`
	Status         generations.Status     `json:"status"`
	TotalGenerated int                    `json:"total_generated"`
	Proposals      []generations.Proposal `json:"card_proposals"`
}

// CardsSaveOutput is returned by cards_save.
type CardsSaveOutput struct {
	Inserted            int          `json:"inserted"`
	GenerationCompleted bool         `json:"generation_completed"`
	Cards               []cards.Card `json:"cards"`
}

// HandleGenerationCreate handles the generation_create tool call.
func (h *Handlers) HandleGenerationCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[GenerationCreateRequest](req)
	if err != nil {
		return invalidRequest(err.Error()), nil
	}

	result, err := h.generations.Create(ctx, h.userID, input.PromptText)
	if err != nil {
		return h.errorResult("generation_create", err), nil
	}

	proposals := result.Proposals
	if proposals == nil {
		proposals = []generations.Proposal{}
	}
	return successResult(GenerationCreateOutput{
		ID:             result.Generation.ID,
		Status:         result.Generation.Status,
		TotalGenerated: result.Generation.TotalGenerated,
		Proposals:      proposals,
	})
}

// HandleGenerationGet handles the generation_get tool call.
func (h *Handlers) HandleGenerationGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[GenerationGetRequest](req)
	if err != nil {
		return invalidRequest(err.Error()), nil
	}
	if input.ID <= 0 {
		return invalidRequest("id must be a positive integer"), nil
	}

	generation, err := h.generations.Get(ctx, h.userID, input.ID)
	if err != nil {
		return h.errorResult("generation_get", err), nil
	}
	return successResult(generation)
}

// HandleCardsSave handles the cards_save tool call.
func (h *Handlers) HandleCardsSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CardsSaveRequest](req)
	if err != nil {
		return invalidRequest(err.Error()), nil
	}
	if input.GenerationID <= 0 {
		return invalidRequest("generation_id must be a positive integer"), nil
	}
	for index, proposal := range input.Cards {
		if proposal.Source != "" && proposal.Source != generations.SourceAICreated && proposal.Source != generations.SourceAIEdited {
			return invalidRequest(fmt.Sprintf("cards[%d]: source must be ai_created or ai_edited", index)), nil
		}
	}

	saved, err := h.reconciler.SaveAccepted(ctx, h.userID, input.GenerationID, input.Cards)
	if err != nil {
		return h.errorResult("cards_save", err), nil
	}

	inserted := saved.Inserted
	if inserted == nil {
		inserted = []cards.Card{}
	}
	return successResult(CardsSaveOutput{
		Inserted:            len(inserted),
		GenerationCompleted: saved.Completed,
		Cards:               inserted,
	})
}

type codedError interface {
	Code() string
}

type retryAfterError interface {
	RetryAfter() time.Duration
}

type detailedError interface {
	Detail() string
}

func invalidRequest(message string) *mcp.CallToolResult {
	return encodeError(map[string]any{"code": "validation_error", "message": message})
}

// errorResult maps a service error onto a tool error payload. Internal failures
// are logged and reported without their cause.
func (h *Handlers) errorResult(tool string, err error) *mcp.CallToolResult {
	code := "server_error"
	var coded codedError
	if errors.As(err, &coded) {
		code = coded.Code()
	}

	errorObj := map[string]any{"code": code}
	if internalCodes[code] {
		h.logger.Error("tool call failed",
			zap.String("tool", tool),
			zap.String("user_id", h.userID),
			zap.String("code", code),
			zap.Error(err))
		errorObj["message"] = "an internal error occurred"
	} else {
		errorObj["message"] = code
		var detailed detailedError
		if errors.As(err, &detailed) && detailed.Detail() != "" {
			errorObj["message"] = detailed.Detail()
		}
	}

	var hinted retryAfterError
	if errors.As(err, &hinted) && hinted.RetryAfter() > 0 {
		errorObj["retry_after_seconds"] = int(math.Ceil(hinted.RetryAfter().Seconds()))
	}
	return encodeError(errorObj)
}

func encodeError(errorObj map[string]any) *mcp.CallToolResult {
	content, _ := json.Marshal(map[string]any{"error": errorObj})
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(content)},
		},
		IsError: true,
	}
}

func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
