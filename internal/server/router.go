package server

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/review"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/users"
)

const (
	userIDContextKey    = "flashcards_user_id"
	requestIDContextKey = "flashcards_request_id"
	requestIDHeader     = "X-Request-ID"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserService      = errors.New("user service dependency required")
	errMissingGenerations      = errors.New("generation service dependency required")
	errMissingCards            = errors.New("card service dependency required")
	errMissingReconciler       = errors.New("reconciler dependency required")
)

// SessionValidator authenticates a request from its session cookie or bearer token.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserService resolves canonical ids and stores profile preferences.
type UserService interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
	Profile(ctx context.Context, userID string) (users.Profile, error)
	UpdateLocale(ctx context.Context, userID string, locale string) (users.Profile, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	SessionValidator SessionValidator
	Users            UserService
	Generations      *generations.Service
	Cards            *cards.Service
	Reconciler       *cards.Reconciler
	Reviews          *review.Registry
	Realtime         *RealtimeDispatcher
	AllowedOrigins   []string
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router serving the flashcards API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Generations == nil {
		return nil, errMissingGenerations
	}
	if deps.Cards == nil {
		return nil, errMissingCards
	}
	if deps.Reconciler == nil {
		return nil, errMissingReconciler
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reviews := deps.Reviews
	if reviews == nil {
		reviews = review.NewRegistry(review.RegistryConfig{})
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:    deps.SessionValidator,
		users:       deps.Users,
		generations: deps.Generations,
		cards:       deps.Cards,
		reconciler:  deps.Reconciler,
		reviews:     reviews,
		realtime:    realtime,
		logger:      logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/generations", handler.handleCreateGeneration)
	protected.GET("/generations", handler.handleListGenerations)
	protected.GET("/generations/events", handler.handleGenerationEvents)
	protected.GET("/generations/:id", handler.handleGetGeneration)
	protected.DELETE("/generations/:id", handler.handleDeleteGeneration)
	protected.GET("/generations/:id/errors", handler.handleListGenerationErrors)

	protected.GET("/generations/:id/review", handler.handleGetReview)
	protected.DELETE("/generations/:id/review", handler.handleDiscardReview)
	protected.POST("/generations/:id/review/accept-all", handler.handleReviewBulk)
	protected.POST("/generations/:id/review/reject-all", handler.handleReviewBulk)
	protected.POST("/generations/:id/review/save", handler.handleSaveReview)
	protected.POST("/generations/:id/review/proposals/:pid/:action", handler.handleReviewProposal)
	protected.PUT("/generations/:id/review/proposals/:pid", handler.handleSaveProposalEdit)

	protected.POST("/cards", handler.handleCreateCards)
	protected.GET("/cards", handler.handleListCards)
	protected.GET("/cards/:id", handler.handleGetCard)
	protected.PATCH("/cards/:id", handler.handleUpdateCard)
	protected.DELETE("/cards/:id", handler.handleDeleteCard)

	protected.GET("/profile", handler.handleGetProfile)
	protected.PATCH("/profile", handler.handleUpdateProfile)

	return router, nil
}

type httpHandler struct {
	sessions    SessionValidator
	users       UserService
	generations *generations.Service
	cards       *cards.Service
	reconciler  *cards.Reconciler
	reviews     *review.Registry
	realtime    *RealtimeDispatcher
	logger      *zap.Logger
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	var mu sync.Mutex
	entropy := ulid.Monotonic(rand.Reader, 0)
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			mu.Lock()
			requestID = ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
			mu.Unlock()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)

		started := time.Now()
		c.Next()

		logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(started)),
			zap.String("user_id", c.GetString(userIDContextKey)))
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredSessionToken), errors.Is(err, auth.ErrMissingSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve user", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		respondValidation(c, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}
