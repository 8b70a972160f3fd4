package cards

import (
	"context"
	"errors"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/completion"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
)

type unusedProvider struct{}

func (unusedProvider) CompleteStructured(context.Context, completion.Request) (*completion.StructuredCompletion, error) {
	return nil, errors.New("provider is not used by card tests")
}

func (unusedProvider) DefaultModel() string {
	return completion.DefaultModel
}

func (unusedProvider) DefaultParams() completion.Params {
	return completion.BuiltinParams()
}

type failingCloser struct {
	mu    sync.Mutex
	calls int
}

func (f *failingCloser) Complete(context.Context, string, int64, int) (generations.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return generations.Generation{}, errors.New("counter update failed")
}

type countingOwnership struct {
	delegate GenerationOwnership
	calls    int
}

func (c *countingOwnership) OwnedIDs(ctx context.Context, userID string, ids []int64) (map[int64]struct{}, error) {
	c.calls++
	return c.delegate.OwnedIDs(ctx, userID, ids)
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?_pragma=foreign_keys(1)"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&generations.Generation{}, &generations.GenerationError{}, &Card{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func mustGenerationService(t *testing.T, db *gorm.DB) *generations.Service {
	t.Helper()
	service, err := generations.NewService(generations.ServiceConfig{Database: db, Provider: unusedProvider{}})
	if err != nil {
		t.Fatalf("failed to create generation service: %v", err)
	}
	return service
}

func mustCardService(t *testing.T, db *gorm.DB, ownership GenerationOwnership) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Database: db, Generations: ownership})
	if err != nil {
		t.Fatalf("failed to create card service: %v", err)
	}
	return service
}

func mustSeedGeneration(t *testing.T, db *gorm.DB, userID, hash string, generated int) generations.Generation {
	t.Helper()
	generation := generations.Generation{
		UserID:         userID,
		PromptText:     "prompt " + hash,
		PromptHash:     hash,
		Status:         generations.StatusProcessing,
		TotalGenerated: generated,
	}
	if err := db.Create(&generation).Error; err != nil {
		t.Fatalf("failed to seed generation: %v", err)
	}
	return generation
}

func int64Ptr(value int64) *int64 {
	return &value
}

func stringPtr(value string) *string {
	return &value
}
