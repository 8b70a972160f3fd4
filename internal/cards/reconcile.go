package cards

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
)

var errMissingCardService = errors.New("card service is required")

// GenerationCloser finalizes a generation's counters.
type GenerationCloser interface {
	Complete(ctx context.Context, userID string, id int64, accepted int) (generations.Generation, error)
}

// ReconcilerConfig wires the reconciliation writer.
type ReconcilerConfig struct {
	Cards       *Service
	Generations GenerationCloser
	Logger      *zap.Logger
}

// Reconciler turns accepted proposals into cards and closes their generation.
type Reconciler struct {
	cards       *Service
	generations GenerationCloser
	logger      *zap.Logger
}

// SaveResult reports what a save wrote.
type SaveResult struct {
	Inserted []Card
	// Completed is false when no generation was referenced or a counter update
	// failed after the insert committed.
	Completed bool
}

// NewReconciler validates cfg and builds a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Cards == nil {
		return nil, errMissingCardService
	}
	if cfg.Generations == nil {
		return nil, errMissingOwnership
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{cards: cfg.Cards, generations: cfg.Generations, logger: logger}, nil
}

// SaveAccepted inserts the accepted proposals as cards, then marks the generation
// completed. Zero proposals write nothing.
func (r *Reconciler) SaveAccepted(ctx context.Context, userID string, generationID int64, accepted []generations.Proposal) (SaveResult, error) {
	if len(accepted) == 0 {
		return SaveResult{}, nil
	}

	batch := make([]NewCard, 0, len(accepted))
	for _, proposal := range accepted {
		source := proposal.Source
		if source != generations.SourceAIEdited {
			source = generations.SourceAICreated
		}
		id := generationID
		batch = append(batch, NewCard{
			Front:        proposal.Front,
			Back:         proposal.Back,
			Source:       source,
			GenerationID: &id,
		})
	}
	return r.SaveCards(ctx, userID, batch)
}

// SaveCards inserts the batch and closes every generation it references, with
// each generation's accepted count taken from the batch. The insert is
// authoritative; a failed counter update is logged and never reported as a
// save failure.
func (r *Reconciler) SaveCards(ctx context.Context, userID string, batch []NewCard) (SaveResult, error) {
	inserted, err := r.cards.CreateCards(ctx, userID, batch)
	if err != nil {
		return SaveResult{}, err
	}

	accepted := make(map[int64]int)
	order := make([]int64, 0, 1)
	for _, card := range inserted {
		if card.GenerationID == nil {
			continue
		}
		if _, ok := accepted[*card.GenerationID]; !ok {
			order = append(order, *card.GenerationID)
		}
		accepted[*card.GenerationID]++
	}

	result := SaveResult{Inserted: inserted, Completed: len(order) > 0}
	closeCtx := context.WithoutCancel(ctx)
	for _, generationID := range order {
		if _, err := r.generations.Complete(closeCtx, userID, generationID, accepted[generationID]); err != nil {
			result.Completed = false
			level := zap.ErrorLevel
			if generations.CodeOf(err) == generations.CodeInvalidState {
				level = zap.InfoLevel
			}
			r.logger.Log(level, "generation counter update failed after card insert",
				zap.String("operation", "cards.reconcile"),
				zap.String("reason", "complete_failed"),
				zap.String("user_id", userID),
				zap.Int64("generation_id", generationID),
				zap.Int("accepted", accepted[generationID]),
				zap.Error(err))
		}
	}
	return result, nil
}
