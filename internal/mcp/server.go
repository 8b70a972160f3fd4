package mcp

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
)

const serverName = "flashcards"

var (
	errMissingUserID      = errors.New("mcp user id is required")
	errMissingGenerations = errors.New("generation service is required")
	errMissingReconciler  = errors.New("reconciler is required")
)

// GenerationService is the part of the generation lifecycle the tools expose.
type GenerationService interface {
	Create(ctx context.Context, userID string, promptText string) (generations.CreateResult, error)
	Get(ctx context.Context, userID string, id int64) (generations.Generation, error)
}

// ProposalSaver persists accepted proposals for a generation.
type ProposalSaver interface {
	SaveAccepted(ctx context.Context, userID string, generationID int64, accepted []generations.Proposal) (cards.SaveResult, error)
}

// Config wires the tool server. Every tool acts as UserID.
type Config struct {
	UserID      string
	Generations GenerationService
	Reconciler  ProposalSaver
	Version     string
	Logger      *zap.Logger
}

type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

var toolRegistry = map[string]toolEntry{
	"generation_create": {
		def:     generationCreateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGenerationCreate },
	},
	"generation_get": {
		def:     generationGetToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGenerationGet },
	},
	"cards_save": {
		def:     cardsSaveToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCardsSave },
	},
}

var generationCreateToolDef = mcp.NewTool("generation_create",
	mcp.WithDescription("Generate flashcard proposals from source text. Proposals are not saved until passed to cards_save."),
	mcp.WithString("prompt_text",
		mcp.Required(),
		mcp.Description("Source text to turn into flashcards"),
		mcp.MinLength(generations.MinPromptLength),
	),
)

var generationGetToolDef = mcp.NewTool("generation_get",
	mcp.WithDescription("Fetch a generation with its status and counters."),
	mcp.WithNumber("id",
		mcp.Required(),
		mcp.Description("Generation id"),
		mcp.Min(1),
	),
)

var cardsSaveToolDef = mcp.NewTool("cards_save",
	mcp.WithDescription("Save accepted proposals as cards and complete the generation."),
	mcp.WithNumber("generation_id",
		mcp.Required(),
		mcp.Description("Generation the proposals came from"),
		mcp.Min(1),
	),
	mcp.WithArray("cards",
		mcp.Required(),
		mcp.Description("Accepted proposals; source is ai_created, or ai_edited when the text was changed"),
		mcp.Items(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"front":  map[string]any{"type": "string", "maxLength": cards.MaxFrontLength},
				"back":   map[string]any{"type": "string", "maxLength": cards.MaxBackLength},
				"source": map[string]any{"type": "string", "enum": []string{string(generations.SourceAICreated), string(generations.SourceAIEdited)}},
			},
			"required": []string{"front", "back"},
		}),
	),
)

// ToolNames returns the registered tool names in order.
func ToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewServer builds an MCP server with every tool registered.
func NewServer(cfg Config) (*server.MCPServer, error) {
	handlers, err := NewHandlers(cfg)
	if err != nil {
		return nil, err
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(serverName, version, server.WithToolCapabilities(true))
	for _, name := range ToolNames() {
		entry := toolRegistry[name]
		s.AddTool(entry.def, entry.handler(handlers))
	}
	return s, nil
}

// Run serves the tools over stdio until stdin closes.
func Run(cfg Config) error {
	s, err := NewServer(cfg)
	if err != nil {
		return err
	}
	return server.ServeStdio(s)
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.UserID) == "" {
		return errMissingUserID
	}
	if cfg.Generations == nil {
		return errMissingGenerations
	}
	if cfg.Reconciler == nil {
		return errMissingReconciler
	}
	return nil
}
