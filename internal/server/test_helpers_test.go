package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/completion"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/config"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/database"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/review"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/users"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
)

type stubProvider struct {
	mu      sync.Mutex
	content string
	err     error
	calls   int
}

func (p *stubProvider) CompleteStructured(_ context.Context, _ completion.Request) (*completion.StructuredCompletion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	var data any
	if err := json.Unmarshal([]byte(p.content), &data); err != nil {
		return nil, &completion.ResponseShapeError{Message: "invalid fixture", Err: err}
	}
	return &completion.StructuredCompletion{Model: completion.DefaultModel, Raw: json.RawMessage(p.content), Data: data, Attempts: 1}, nil
}

func (p *stubProvider) DefaultModel() string {
	return completion.DefaultModel
}

func (p *stubProvider) DefaultParams() completion.Params {
	return completion.BuiltinParams()
}

type testServer struct {
	handler     http.Handler
	db          *gorm.DB
	provider    *stubProvider
	issuer      *auth.TokenIssuer
	realtime    *RealtimeDispatcher
	generations *generations.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Config{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "server.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	userService, err := users.NewService(users.ServiceConfig{Database: db, DefaultLocale: users.LocaleEnglish})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}
	provider := &stubProvider{content: proposalsJSON(3)}
	realtime := NewRealtimeDispatcher()
	generationService, err := generations.NewService(generations.ServiceConfig{
		Database: db,
		Provider: provider,
		Locales:  userService,
		Notifier: realtime,
	})
	if err != nil {
		t.Fatalf("failed to create generation service: %v", err)
	}
	cardService, err := cards.NewService(cards.ServiceConfig{Database: db, Generations: generationService})
	if err != nil {
		t.Fatalf("failed to create card service: %v", err)
	}
	reconciler, err := cards.NewReconciler(cards.ReconcilerConfig{Cards: cardService, Generations: generationService})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to create session validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Users:            userService,
		Generations:      generationService,
		Cards:            cardService,
		Reconciler:       reconciler,
		Reviews:          review.NewRegistry(review.RegistryConfig{}),
		Realtime:         realtime,
	})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	return &testServer{
		handler:     handler,
		db:          db,
		provider:    provider,
		issuer:      issuer,
		realtime:    realtime,
		generations: generationService,
	}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken(auth.SessionIdentity{UserID: userID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	decodeBody(t, recorder, &payload)
	return payload.Error
}

func errorDetails(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Details string `json:"details"`
	}
	decodeBody(t, recorder, &payload)
	return payload.Details
}

func proposalsJSON(count int) string {
	items := make([]string, 0, count)
	for index := 1; index <= count; index++ {
		items = append(items, fmt.Sprintf(`{"front":"Question %d","back":"Answer %d"}`, index, index))
	}
	return `{"cards":[` + strings.Join(items, ",") + `]}`
}

func validPrompt(seed string) string {
	return seed + strings.Repeat("x", generations.MinPromptLength)
}
