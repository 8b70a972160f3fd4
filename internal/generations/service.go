package generations

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/completion"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/constraint"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/pagination"
)

const (
	defaultCardCount       = 10
	maxErrorMessageLength  = 1000
	maxErrorCodeFilterSize = 100

	logCodeEmptyProposals = "empty_proposals"
	logCodeUnknown        = "unknown_error"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingProvider = errors.New("completion provider is required")
	errMissingUserID   = errors.New("user identifier is required")
	errNoProposals     = errors.New("provider returned no usable proposals")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew  = "generations.service.new"
	opCreate      = "generations.create"
	opMarkFailed  = "generations.mark_failed"
	opGet         = "generations.get"
	opList        = "generations.list"
	opDelete      = "generations.delete"
	opListErrors  = "generations.list_errors"
	opComplete    = "generations.complete"
	opOwnedIDs    = "generations.owned_ids"
	opModelConfig = "generations.model_settings"
)

// ListOptions are the accepted sort columns for generation lists.
var ListOptions = pagination.Options{Sorts: []string{"created_at", "updated_at"}, DefaultSort: "created_at"}

// ErrorListOptions are the accepted sort columns for the audit log.
var ErrorListOptions = pagination.Options{Sorts: []string{"created_at"}, DefaultSort: "created_at"}

// CompletionProvider is the structured-completion client used for card proposals.
type CompletionProvider interface {
	CompleteStructured(ctx context.Context, request completion.Request) (*completion.StructuredCompletion, error)
	DefaultModel() string
	DefaultParams() completion.Params
}

// LocaleResolver returns the user's preferred prompt language.
type LocaleResolver interface {
	Locale(ctx context.Context, userID string) string
}

// Notifier receives generation status changes.
type Notifier interface {
	GenerationChanged(userID string, generation Generation)
}

// ServiceConfig wires the generation service.
type ServiceConfig struct {
	Database      *gorm.DB
	Provider      CompletionProvider
	Locales       LocaleResolver
	Notifier      Notifier
	CardCount     int
	DefaultLocale string
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service owns the generation lifecycle.
type Service struct {
	db            *gorm.DB
	provider      CompletionProvider
	locales       LocaleResolver
	notifier      Notifier
	cardCount     int
	defaultLocale string
	clock         func() time.Time
	logger        *zap.Logger
}

// CreateResult is a freshly created generation with its proposals.
type CreateResult struct {
	Generation Generation
	Proposals  []Proposal
}

// GenerationPage is one page of a user's generations.
type GenerationPage struct {
	Data       []Generation          `json:"data"`
	Pagination pagination.Pagination `json:"pagination"`
}

// ErrorPage is one page of a generation's audit log.
type ErrorPage struct {
	Data       []GenerationError     `json:"data"`
	Pagination pagination.Pagination `json:"pagination"`
}

// NewService validates cfg and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(CodeConfig, opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Provider == nil {
		return nil, newServiceError(CodeConfig, opServiceNew, "missing_provider", errMissingProvider)
	}

	cardCount := cfg.CardCount
	if cardCount <= 0 {
		cardCount = defaultCardCount
	}
	defaultLocale := cfg.DefaultLocale
	if defaultLocale != LocaleEnglish {
		defaultLocale = LocalePolish
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:            cfg.Database,
		provider:      cfg.Provider,
		locales:       cfg.Locales,
		notifier:      cfg.Notifier,
		cardCount:     cardCount,
		defaultLocale: defaultLocale,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Create validates and deduplicates the prompt, records a processing generation,
// asks the provider for proposals and returns them. Provider failures mark the
// generation failed and append an audit row before the classified error is returned.
func (s *Service) Create(ctx context.Context, userID string, promptText string) (CreateResult, error) {
	if strings.TrimSpace(userID) == "" {
		return CreateResult{}, newValidationError(opCreate, "missing_user_id", errMissingUserID)
	}

	trimmed, err := ValidatePrompt(promptText)
	if err != nil {
		return CreateResult{}, newValidationError(opCreate, "invalid_prompt", err)
	}
	promptHash := HashPrompt(trimmed)

	var existing int64
	if err := s.db.WithContext(ctx).
		Model(&Generation{}).
		Where("user_id = ? AND prompt_hash = ?", userID, promptHash).
		Count(&existing).Error; err != nil {
		s.logError(opCreate, "duplicate_lookup_failed", err, zap.String("user_id", userID))
		return CreateResult{}, newServiceError(CodeDatabase, opCreate, "duplicate_lookup_failed", err)
	}
	if existing > 0 {
		return CreateResult{}, newServiceError(CodeDuplicatePrompt, opCreate, "duplicate_prompt", nil)
	}

	params := s.provider.DefaultParams()
	settings, err := json.Marshal(params)
	if err != nil {
		s.logError(opModelConfig, "encode_failed", err)
		return CreateResult{}, newServiceError(CodeConfig, opModelConfig, "encode_failed", err)
	}

	generation := Generation{
		UserID:        userID,
		PromptText:    trimmed,
		PromptHash:    promptHash,
		Status:        StatusProcessing,
		Model:         s.provider.DefaultModel(),
		ModelSettings: datatypes.JSON(settings),
	}
	if err := s.db.WithContext(ctx).Create(&generation).Error; err != nil {
		if constraint.IsUnique(err) {
			return CreateResult{}, newServiceError(CodeDuplicatePrompt, opCreate, "duplicate_prompt", err)
		}
		s.logError(opCreate, "insert_failed", err, zap.String("user_id", userID))
		return CreateResult{}, newServiceError(CodeDatabase, opCreate, "insert_failed", err)
	}
	s.notify(generation)

	format := ProposalsResponseFormat()
	startedAt := s.clock()
	structured, err := s.provider.CompleteStructured(ctx, completion.Request{
		SystemMessage:  SystemPrompt(s.locale(ctx, userID), s.cardCount),
		UserMessage:    trimmed,
		Model:          generation.Model,
		ResponseFormat: &format,
	})
	duration := s.clock().Sub(startedAt)
	if err != nil {
		serviceErr := classifyProviderError(err)
		s.markFailed(ctx, &generation, string(completion.KindOf(err)), err.Error())
		return CreateResult{}, serviceErr
	}

	var payload proposalsPayload
	if err := structured.Decode(&payload); err != nil {
		s.markFailed(ctx, &generation, string(completion.KindResponseShape), err.Error())
		return CreateResult{}, newServiceError(CodeProvider, opCreate, "decode_failed", err)
	}
	proposals := NormalizeProposals(payload.Cards)
	if len(proposals) == 0 {
		s.markFailed(ctx, &generation, logCodeEmptyProposals, errNoProposals.Error())
		return CreateResult{}, newServiceError(CodeProvider, opCreate, "empty_proposals", errNoProposals)
	}

	updates := map[string]any{
		"total_generated": len(proposals),
		"duration_ms":     duration.Milliseconds(),
	}
	if err := s.db.WithContext(ctx).
		Model(&Generation{}).
		Where("id = ? AND user_id = ?", generation.ID, userID).
		Updates(updates).Error; err != nil {
		s.logError(opCreate, "count_update_failed", err,
			zap.String("user_id", userID),
			zap.Int64("generation_id", generation.ID))
		return CreateResult{}, newServiceError(CodeDatabase, opCreate, "count_update_failed", err)
	}
	generation.TotalGenerated = len(proposals)
	generation.DurationMs = duration.Milliseconds()

	return CreateResult{Generation: generation, Proposals: proposals}, nil
}

func classifyProviderError(err error) *ServiceError {
	kind := completion.KindOf(err)
	switch kind {
	case completion.KindValidation:
		return newServiceError(CodeValidation, opCreate, string(kind), err)
	case completion.KindConfig:
		return newServiceError(CodeConfig, opCreate, string(kind), err)
	case completion.KindRateLimit:
		serviceErr := newServiceError(CodeRateLimit, opCreate, string(kind), err)
		var rateLimitErr *completion.RateLimitError
		if errors.As(err, &rateLimitErr) {
			serviceErr.retryAfter = rateLimitErr.RetryAfter
		}
		return serviceErr
	case completion.KindRequest, completion.KindResponseShape, completion.KindNetwork:
		return newServiceError(CodeProvider, opCreate, string(kind), err)
	default:
		return newServiceError(CodeProvider, opCreate, logCodeUnknown, err)
	}
}

// markFailed moves a processing generation to failed and appends an audit row.
// Both writes are best-effort and only logged on failure.
func (s *Service) markFailed(ctx context.Context, generation *Generation, errorCode, message string) {
	writeCtx := context.WithoutCancel(ctx)
	fields := []zap.Field{
		zap.String("user_id", generation.UserID),
		zap.Int64("generation_id", generation.ID),
		zap.String("error_code", errorCode),
	}

	update := s.db.WithContext(writeCtx).
		Model(&Generation{}).
		Where("id = ? AND user_id = ? AND status = ?", generation.ID, generation.UserID, StatusProcessing).
		Update("status", StatusFailed)
	if update.Error != nil {
		s.logError(opMarkFailed, "status_update_failed", update.Error, fields...)
	} else {
		generation.Status = StatusFailed
	}

	record := GenerationError{
		GenerationID: generation.ID,
		ErrorCode:    errorCode,
		ErrorMessage: truncate(message, maxErrorMessageLength),
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.db.WithContext(writeCtx).Create(&record).Error; err != nil {
		s.logError(opMarkFailed, "audit_insert_failed", err, fields...)
	}

	s.logger.Warn("generation failed", fields...)
	s.notify(*generation)
}

// Get returns the user's generation or not_found.
func (s *Service) Get(ctx context.Context, userID string, id int64) (Generation, error) {
	var generation Generation
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, id).
		Take(&generation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Generation{}, newServiceError(CodeNotFound, opGet, "not_found", err)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("user_id", userID), zap.Int64("generation_id", id))
		return Generation{}, newServiceError(CodeDatabase, opGet, "query_failed", err)
	}
	return generation, nil
}

// List returns one page of the user's generations.
func (s *Service) List(ctx context.Context, userID string, query pagination.Query) (GenerationPage, error) {
	base := s.db.WithContext(ctx).Model(&Generation{}).Where("user_id = ?", userID)

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		s.logError(opList, "count_failed", err, zap.String("user_id", userID))
		return GenerationPage{}, newServiceError(CodeDatabase, opList, "count_failed", err)
	}

	generations := make([]Generation, 0, query.Limit)
	if err := base.Session(&gorm.Session{}).Scopes(query.Scope).Find(&generations).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID))
		return GenerationPage{}, newServiceError(CodeDatabase, opList, "query_failed", err)
	}

	return GenerationPage{Data: generations, Pagination: query.Describe(total)}, nil
}

// Delete removes the user's generation. Audit rows cascade; cards keep their
// rows with generation_id cleared.
func (s *Service) Delete(ctx context.Context, userID string, id int64) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, id).
		Delete(&Generation{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("user_id", userID), zap.Int64("generation_id", id))
		return newServiceError(CodeDatabase, opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(CodeNotFound, opDelete, "not_found", nil)
	}
	return nil
}

// ListErrors returns one page of a user's generation audit log, optionally
// filtered by error code.
func (s *Service) ListErrors(ctx context.Context, userID string, id int64, query pagination.Query, errorCode string) (ErrorPage, error) {
	errorCode = strings.TrimSpace(errorCode)
	if utf8.RuneCountInString(errorCode) > maxErrorCodeFilterSize {
		return ErrorPage{}, newValidationError(opListErrors, "error_code_too_long", nil)
	}

	if _, err := s.Get(ctx, userID, id); err != nil {
		return ErrorPage{}, err
	}

	base := s.db.WithContext(ctx).Model(&GenerationError{}).Where("generation_id = ?", id)
	if errorCode != "" {
		base = base.Where("error_code = ?", errorCode)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		s.logError(opListErrors, "count_failed", err, zap.Int64("generation_id", id))
		return ErrorPage{}, newServiceError(CodeDatabase, opListErrors, "count_failed", err)
	}

	records := make([]GenerationError, 0, query.Limit)
	if err := base.Session(&gorm.Session{}).Scopes(query.Scope).Find(&records).Error; err != nil {
		s.logError(opListErrors, "query_failed", err, zap.Int64("generation_id", id))
		return ErrorPage{}, newServiceError(CodeDatabase, opListErrors, "query_failed", err)
	}

	return ErrorPage{Data: records, Pagination: query.Describe(total)}, nil
}

// Complete moves a processing generation to completed with its final counters.
// It succeeds at most once per generation.
func (s *Service) Complete(ctx context.Context, userID string, id int64, accepted int) (Generation, error) {
	var generation Generation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND id = ?", userID, id).Take(&generation).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(CodeNotFound, opComplete, "not_found", err)
			}
			return newServiceError(CodeDatabase, opComplete, "query_failed", err)
		}
		if generation.Status != StatusProcessing {
			return newServiceError(CodeInvalidState, opComplete, "already_"+string(generation.Status), nil)
		}

		rejected := max(generation.TotalGenerated-accepted, 0)
		result := tx.Model(&Generation{}).
			Where("id = ? AND user_id = ? AND status = ?", id, userID, StatusProcessing).
			Updates(map[string]any{
				"status":         StatusCompleted,
				"total_accepted": accepted,
				"total_rejected": rejected,
			})
		if result.Error != nil {
			return newServiceError(CodeDatabase, opComplete, "update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(CodeInvalidState, opComplete, "concurrent_transition", nil)
		}

		generation.Status = StatusCompleted
		generation.TotalAccepted = accepted
		generation.TotalRejected = rejected
		return nil
	})
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) && serviceErr.code == CodeDatabase {
			s.logError(opComplete, "transaction_failed", err, zap.String("user_id", userID), zap.Int64("generation_id", id))
		}
		return Generation{}, err
	}

	s.notify(generation)
	return generation, nil
}

// OwnedIDs returns the subset of ids that belong to the user.
func (s *Service) OwnedIDs(ctx context.Context, userID string, ids []int64) (map[int64]struct{}, error) {
	owned := make(map[int64]struct{}, len(ids))
	if len(ids) == 0 {
		return owned, nil
	}

	var found []int64
	if err := s.db.WithContext(ctx).
		Model(&Generation{}).
		Where("user_id = ? AND id IN ?", userID, ids).
		Pluck("id", &found).Error; err != nil {
		s.logError(opOwnedIDs, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(CodeDatabase, opOwnedIDs, "query_failed", err)
	}
	for _, id := range found {
		owned[id] = struct{}{}
	}
	return owned, nil
}

func (s *Service) locale(ctx context.Context, userID string) string {
	if s.locales == nil {
		return s.defaultLocale
	}
	locale := s.locales.Locale(ctx, userID)
	if locale != LocalePolish && locale != LocaleEnglish {
		return s.defaultLocale
	}
	return locale
}

func (s *Service) notify(generation Generation) {
	if s.notifier == nil {
		return
	}
	s.notifier.GenerationChanged(generation.UserID, generation)
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
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
	s.logger.Error("generations service error", attrs...)
}
