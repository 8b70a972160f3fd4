package cards

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/constraint"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/pagination"
)

const (
	opServiceNew = "cards.service.new"
	opCreate     = "cards.create"
	opList       = "cards.list"
	opGet        = "cards.get"
	opUpdate     = "cards.update"
	opDelete     = "cards.delete"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingOwnership = errors.New("generation ownership lookup is required")
	errEmptyBatch       = errors.New("at least one card is required")
	errEmptyUpdate      = errors.New("at least one field is required")
)

// ListOptions are the accepted sort columns for card lists.
var ListOptions = pagination.Options{Sorts: []string{"created_at", "updated_at", "front"}, DefaultSort: "created_at", Clamp: true}

// GenerationOwnership reports which generation ids a user owns.
type GenerationOwnership interface {
	OwnedIDs(ctx context.Context, userID string, ids []int64) (map[int64]struct{}, error)
}

// ServiceConfig wires the card service.
type ServiceConfig struct {
	Database    *gorm.DB
	Generations GenerationOwnership
	Logger      *zap.Logger
}

// Service stores and queries a user's cards.
type Service struct {
	db          *gorm.DB
	generations GenerationOwnership
	logger      *zap.Logger
}

// CardPage is one page of a user's cards.
type CardPage struct {
	Data       []Card                `json:"data"`
	Pagination pagination.Pagination `json:"pagination"`
}

// NewService validates cfg and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(CodeDatabase, opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Generations == nil {
		return nil, newServiceError(CodeDatabase, opServiceNew, "missing_ownership", errMissingOwnership)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, generations: cfg.Generations, logger: logger}, nil
}

// CreateCards validates the batch, confirms every referenced generation belongs
// to the user and inserts all cards in one transaction.
func (s *Service) CreateCards(ctx context.Context, userID string, batch []NewCard) ([]Card, error) {
	if len(batch) == 0 {
		return nil, newValidationError(opCreate, "empty_batch", errEmptyBatch)
	}
	if len(batch) > MaxBulkSize {
		return nil, newValidationError(opCreate, "batch_too_large",
			fmt.Errorf("at most %d cards per request, got %d", MaxBulkSize, len(batch)))
	}

	records := make([]Card, 0, len(batch))
	referenced := make([]int64, 0, len(batch))
	seen := make(map[int64]struct{}, len(batch))
	for index, item := range batch {
		front, back, err := cleanCardText(item.Front, item.Back)
		if err == nil && item.Source == generations.SourceManual {
			err = checkManualText(front, back)
		}
		if err != nil {
			return nil, newValidationError(opCreate, "invalid_card", fmt.Errorf("cards[%d]: %w", index, err))
		}
		if !item.Source.Valid() {
			return nil, newValidationError(opCreate, "invalid_source",
				fmt.Errorf("cards[%d]: unknown source %q", index, item.Source))
		}
		if item.GenerationID != nil && *item.GenerationID <= 0 {
			return nil, newValidationError(opCreate, "invalid_generation_id",
				fmt.Errorf("cards[%d]: generation_id must be positive", index))
		}
		if item.Source.FromAI() && item.GenerationID == nil {
			return nil, newServiceError(CodeGenerationIDRequired, opCreate, "generation_id_required",
				fmt.Errorf("cards[%d]: %s cards require generation_id", index, item.Source))
		}

		var generationID *int64
		if item.GenerationID != nil {
			id := *item.GenerationID
			generationID = &id
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				referenced = append(referenced, id)
			}
		}
		records = append(records, Card{
			UserID:       userID,
			Front:        front,
			Back:         back,
			Source:       item.Source,
			GenerationID: generationID,
		})
	}

	if len(referenced) > 0 {
		owned, err := s.generations.OwnedIDs(ctx, userID, referenced)
		if err != nil {
			s.logError(opCreate, "ownership_lookup_failed", err, zap.String("user_id", userID))
			return nil, newServiceError(CodeDatabase, opCreate, "ownership_lookup_failed", err)
		}
		for _, id := range referenced {
			if _, ok := owned[id]; !ok {
				return nil, newServiceError(CodeGenerationNotFound, opCreate, "generation_not_found",
					fmt.Errorf("generation %d", id))
			}
		}
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&records).Error
	}); err != nil {
		return nil, s.mapWriteError(opCreate, userID, err)
	}
	return records, nil
}

// List returns one page of the user's cards.
func (s *Service) List(ctx context.Context, userID string, query pagination.Query, filter ListFilter) (CardPage, error) {
	base := s.db.WithContext(ctx).Model(&Card{}).Where("user_id = ?", userID)
	if filter.Source != "" {
		if !filter.Source.Valid() {
			return CardPage{}, newValidationError(opList, "invalid_source", fmt.Errorf("unknown source %q", filter.Source))
		}
		base = base.Where("source = ?", filter.Source)
	}
	if filter.GenerationID != nil {
		base = base.Where("generation_id = ?", *filter.GenerationID)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		if utf8.RuneCountInString(search) > MaxSearchSize {
			return CardPage{}, newValidationError(opList, "search_too_long", nil)
		}
		pattern := "%" + strings.ToLower(search) + "%"
		base = base.Where("(LOWER(front) LIKE ? OR LOWER(back) LIKE ?)", pattern, pattern)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		s.logError(opList, "count_failed", err, zap.String("user_id", userID))
		return CardPage{}, newServiceError(CodeDatabase, opList, "count_failed", err)
	}

	records := make([]Card, 0, query.Limit)
	if err := base.Session(&gorm.Session{}).Scopes(query.Scope).Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID))
		return CardPage{}, newServiceError(CodeDatabase, opList, "query_failed", err)
	}
	return CardPage{Data: records, Pagination: query.Describe(total)}, nil
}

// Get returns the user's card or not_found.
func (s *Service) Get(ctx context.Context, userID string, id int64) (Card, error) {
	var card Card
	err := s.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, id).Take(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Card{}, newServiceError(CodeNotFound, opGet, "not_found", err)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("user_id", userID), zap.Int64("card_id", id))
		return Card{}, newServiceError(CodeDatabase, opGet, "query_failed", err)
	}
	return card, nil
}

// Update changes a card's text. An ai_created card whose text changes becomes ai_edited.
func (s *Service) Update(ctx context.Context, userID string, id int64, update CardUpdate) (Card, error) {
	if update.Front == nil && update.Back == nil {
		return Card{}, newValidationError(opUpdate, "empty_update", errEmptyUpdate)
	}

	card, err := s.Get(ctx, userID, id)
	if err != nil {
		return Card{}, err
	}

	front, back := card.Front, card.Back
	if update.Front != nil {
		front = *update.Front
	}
	if update.Back != nil {
		back = *update.Back
	}
	front, back, err = cleanCardText(front, back)
	if err == nil && card.Source == generations.SourceManual {
		err = checkManualText(front, back)
	}
	if err != nil {
		return Card{}, newValidationError(opUpdate, "invalid_card", err)
	}

	changed := front != card.Front || back != card.Back
	if !changed {
		return card, nil
	}
	source := card.Source
	if source == generations.SourceAICreated {
		source = generations.SourceAIEdited
	}

	if err := s.db.WithContext(ctx).
		Model(&Card{}).
		Where("user_id = ? AND id = ?", userID, id).
		Updates(map[string]any{"front": front, "back": back, "source": source}).Error; err != nil {
		return Card{}, s.mapWriteError(opUpdate, userID, err)
	}
	return s.Get(ctx, userID, id)
}

// Delete removes the user's card.
func (s *Service) Delete(ctx context.Context, userID string, id int64) error {
	result := s.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, id).Delete(&Card{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("user_id", userID), zap.Int64("card_id", id))
		return newServiceError(CodeDatabase, opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(CodeNotFound, opDelete, "not_found", nil)
	}
	return nil
}

func (s *Service) mapWriteError(operation, userID string, err error) error {
	switch constraint.Classify(err) {
	case constraint.Unique:
		return newServiceError(CodeDuplicateFront, operation, "duplicate_front", err)
	case constraint.ForeignKey:
		return newServiceError(CodeGenerationNotFound, operation, "generation_not_found", err)
	case constraint.InvalidInput:
		return newServiceError(CodeValidation, operation, "invalid_input", err)
	default:
		s.logError(operation, "write_failed", err, zap.String("user_id", userID))
		return newServiceError(CodeDatabase, operation, "write_failed", err)
	}
}

func cleanCardText(front, back string) (string, string, error) {
	cleanFront := strings.TrimSpace(front)
	cleanBack := strings.TrimSpace(back)
	if length := utf8.RuneCountInString(cleanFront); length == 0 || length > MaxFrontLength {
		return "", "", fmt.Errorf("front must be between 1 and %d characters", MaxFrontLength)
	}
	if length := utf8.RuneCountInString(cleanBack); length == 0 || length > MaxBackLength {
		return "", "", fmt.Errorf("back must be between 1 and %d characters", MaxBackLength)
	}
	return cleanFront, cleanBack, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("cards service error", attrs...)
}
