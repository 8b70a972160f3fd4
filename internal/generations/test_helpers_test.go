package generations

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/completion"
)

type fakeProvider struct {
	mu       sync.Mutex
	content  string
	err      error
	requests []completion.Request
}

func (f *fakeProvider) CompleteStructured(_ context.Context, request completion.Request) (*completion.StructuredCompletion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	if f.err != nil {
		return nil, f.err
	}
	var data any
	if err := json.Unmarshal([]byte(f.content), &data); err != nil {
		return nil, &completion.ResponseShapeError{Message: "invalid fixture", Err: err}
	}
	return &completion.StructuredCompletion{
		Model:    completion.DefaultModel,
		Raw:      json.RawMessage(f.content),
		Data:     data,
		Attempts: 1,
	}, nil
}

func (f *fakeProvider) DefaultModel() string {
	return completion.DefaultModel
}

func (f *fakeProvider) DefaultParams() completion.Params {
	return completion.BuiltinParams()
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type staticLocales string

func (l staticLocales) Locale(context.Context, string) string {
	return string(l)
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *recordingNotifier) GenerationChanged(_ string, generation Generation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, generation.Status)
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
	if err := db.AutoMigrate(&Generation{}, &GenerationError{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func mustService(t *testing.T, db *gorm.DB, provider CompletionProvider, notifier Notifier) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database: db,
		Provider: provider,
		Locales:  staticLocales(LocaleEnglish),
		Notifier: notifier,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func promptOfLength(length int) string {
	return strings.Repeat("x", length)
}

func cardsJSON(count int) string {
	items := make([]string, 0, count)
	for index := 0; index < count; index++ {
		items = append(items, `{"front":"Question `+string(rune('A'+index))+`","back":"Answer"}`)
	}
	return `{"cards":[` + strings.Join(items, ",") + `]}`
}
