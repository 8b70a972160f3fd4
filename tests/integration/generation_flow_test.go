package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/completion"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/config"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/database"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/review"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/server"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/users"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "app_session"
	sessionUserID        = "google:user-abc"
	jsonContentType      = "application/json"
)

// providerStub is an OpenAI-compatible chat completions endpoint.
type providerStub struct {
	mu        sync.Mutex
	responses []providerResponse
	requests  []map[string]any
}

type providerResponse struct {
	status     int
	retryAfter string
	content    string
}

func (p *providerStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var payload map[string]any
	_ = json.NewDecoder(r.Body).Decode(&payload)
	p.requests = append(p.requests, payload)

	next := providerResponse{status: http.StatusInternalServerError}
	if len(p.responses) > 0 {
		next = p.responses[0]
		if len(p.responses) > 1 {
			p.responses = p.responses[1:]
		}
	}
	if next.retryAfter != "" {
		w.Header().Set("Retry-After", next.retryAfter)
	}
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(next.status)
	if next.status != http.StatusOK {
		_, _ = io.WriteString(w, `{"error":{"message":"upstream failure"}}`)
		return
	}
	encoded, _ := json.Marshal(next.content)
	_, _ = fmt.Fprintf(w, `{"id":"gen-1","model":%q,"choices":[{"finish_reason":"stop","message":{"role":"assistant","content":%s}}]}`,
		completion.DefaultModel, encoded)
}

func (p *providerStub) queue(responses ...providerResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = responses
}

func (p *providerStub) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type flow struct {
	handler  http.Handler
	provider *providerStub
	token    string
}

func newFlow(t *testing.T) *flow {
	t.Helper()
	gin.SetMode(gin.TestMode)

	stub := &providerStub{}
	providerServer := httptest.NewServer(stub)
	t.Cleanup(providerServer.Close)

	db, err := database.Open(database.Config{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "integration.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	client, err := completion.New(completion.Config{
		APIKey:  "sk-integration",
		BaseURL: providerServer.URL,
		Sleep: func(context.Context, time.Duration) error {
			return nil
		},
	})
	require.NoError(t, err)

	userService, err := users.NewService(users.ServiceConfig{Database: db, DefaultLocale: users.LocaleEnglish})
	require.NoError(t, err)
	realtime := server.NewRealtimeDispatcher()
	generationService, err := generations.NewService(generations.ServiceConfig{
		Database:  db,
		Provider:  client,
		Locales:   userService,
		Notifier:  realtime,
		CardCount: 4,
	})
	require.NoError(t, err)
	cardService, err := cards.NewService(cards.ServiceConfig{Database: db, Generations: generationService})
	require.NoError(t, err)
	reconciler, err := cards.NewReconciler(cards.ReconcilerConfig{Cards: cardService, Generations: generationService})
	require.NoError(t, err)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		CookieName:    sessionCookieName,
	})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(sessionSigningSecret)})
	require.NoError(t, err)
	token, _, err := issuer.IssueSessionToken(auth.SessionIdentity{UserID: sessionUserID})
	require.NoError(t, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		Users:            userService,
		Generations:      generationService,
		Cards:            cardService,
		Reconciler:       reconciler,
		Reviews:          review.NewRegistry(review.RegistryConfig{}),
		Realtime:         realtime,
	})
	require.NoError(t, err)

	return &flow{handler: handler, provider: stub, token: token}
}

func (f *flow) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", jsonContentType)
	request.AddCookie(&http.Cookie{Name: sessionCookieName, Value: f.token})
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decode[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &value), recorder.Body.String())
	return value
}

func cardsContent(count int) string {
	items := make([]string, 0, count+1)
	for index := 1; index <= count; index++ {
		items = append(items, fmt.Sprintf(`{"front":"  Term %d  ","back":"Definition %d"}`, index, index))
	}
	items = append(items, `{"front":"   ","back":"dropped"}`)
	return `{"cards":[` + strings.Join(items, ",") + `]}`
}

type createdGeneration struct {
	ID             int64              `json:"id"`
	TotalGenerated int                `json:"total_generated"`
	Status         generations.Status `json:"status"`
	CardProposals  []struct {
		ID     string                 `json:"id"`
		Front  string                 `json:"front"`
		Source generations.CardSource `json:"source"`
	} `json:"card_proposals"`
}

func TestGenerateReviewAndSaveFlow(t *testing.T) {
	f := newFlow(t)
	f.provider.queue(providerResponse{status: http.StatusOK, content: cardsContent(4)})

	prompt := "Photosynthesis " + strings.Repeat("converts light into chemical energy. ", 40)
	recorder := f.request(t, http.MethodPost, "/generations", map[string]string{"prompt_text": prompt})
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())
	created := decode[createdGeneration](t, recorder)
	require.Equal(t, 4, created.TotalGenerated)
	require.Equal(t, generations.StatusProcessing, created.Status)
	require.Len(t, created.CardProposals, 4)
	require.Equal(t, "Term 1", created.CardProposals[0].Front)
	require.Equal(t, generations.SourceAICreated, created.CardProposals[0].Source)
	require.Equal(t, 1, f.provider.requestCount())

	base := fmt.Sprintf("/generations/%d/review", created.ID)
	recorder = f.request(t, http.MethodPost, base+"/accept-all", nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	rejected := created.CardProposals[3].ID
	recorder = f.request(t, http.MethodPost, base+"/proposals/"+rejected+"/reject", nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	edited := created.CardProposals[1].ID
	recorder = f.request(t, http.MethodPost, base+"/proposals/"+edited+"/edit", nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	recorder = f.request(t, http.MethodPost, base+"/save", nil)
	require.Equal(t, http.StatusConflict, recorder.Code, "saving with an open edit must be refused")

	recorder = f.request(t, http.MethodPut, base+"/proposals/"+edited, map[string]string{"front": "Term 2 (revised)", "back": "Definition 2"})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	snapshot := decode[review.Snapshot](t, recorder)
	require.Equal(t, review.Counts{Accepted: 3, Rejected: 1}, snapshot.Counts)

	recorder = f.request(t, http.MethodPost, base+"/save", nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	saved := decode[struct {
		Inserted            int  `json:"inserted"`
		GenerationCompleted bool `json:"generation_completed"`
	}](t, recorder)
	require.Equal(t, 3, saved.Inserted)
	require.True(t, saved.GenerationCompleted)

	recorder = f.request(t, http.MethodGet, fmt.Sprintf("/generations/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	generation := decode[generations.Generation](t, recorder)
	require.Equal(t, generations.StatusCompleted, generation.Status)
	require.Equal(t, 3, generation.TotalAccepted)
	require.Equal(t, 1, generation.TotalRejected)

	recorder = f.request(t, http.MethodGet, fmt.Sprintf("/cards?generation_id=%d&sort=front&order=asc", created.ID), nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	page := decode[cards.CardPage](t, recorder)
	require.Len(t, page.Data, 3)
	sources := map[string]generations.CardSource{}
	for _, card := range page.Data {
		sources[card.Front] = card.Source
	}
	require.Equal(t, generations.SourceAIEdited, sources["Term 2 (revised)"])
	require.Equal(t, generations.SourceAICreated, sources["Term 1"])

	recorder = f.request(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusNotFound, recorder.Code, "a saved review session is closed")

	recorder = f.request(t, http.MethodPost, "/generations", map[string]string{"prompt_text": "  " + prompt + "  "})
	require.Equal(t, http.StatusConflict, recorder.Code, "trimmed duplicate prompt")
	require.Equal(t, 1, f.provider.requestCount())
}

func TestProviderRateLimitIsAudited(t *testing.T) {
	f := newFlow(t)
	f.provider.queue(providerResponse{status: http.StatusTooManyRequests, retryAfter: "3"})

	prompt := "Cell biology " + strings.Repeat("mitochondria produce most of the cell's energy. ", 30)
	recorder := f.request(t, http.MethodPost, "/generations", map[string]string{"prompt_text": prompt})
	require.Equal(t, http.StatusTooManyRequests, recorder.Code, recorder.Body.String())
	require.Equal(t, "3", recorder.Header().Get("Retry-After"))
	require.Equal(t, 3, f.provider.requestCount(), "one attempt plus two retries")

	recorder = f.request(t, http.MethodGet, "/generations", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	listed := decode[generations.GenerationPage](t, recorder)
	require.Len(t, listed.Data, 1)
	require.Equal(t, generations.StatusFailed, listed.Data[0].Status)

	recorder = f.request(t, http.MethodGet, fmt.Sprintf("/generations/%d/errors", listed.Data[0].ID), nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	audit := decode[generations.ErrorPage](t, recorder)
	require.Len(t, audit.Data, 1)
	require.Equal(t, string(completion.KindRateLimit), audit.Data[0].ErrorCode)
}
