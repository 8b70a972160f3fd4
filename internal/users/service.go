package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/auth"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrInvalidLocale indicates an unsupported profile locale.
	ErrInvalidLocale = errors.New("users: invalid locale")
)

// ServiceConfig describes the dependencies required for user resolution and profiles.
type ServiceConfig struct {
	Database      *gorm.DB
	DefaultLocale string
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service manages canonical user identifiers, provider identities and profiles.
type Service struct {
	db            *gorm.DB
	defaultLocale string
	now           func() time.Time
	logger        *zap.Logger
	cache         sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	defaultLocale := strings.ToLower(normalize(cfg.DefaultLocale))
	if defaultLocale == "" {
		defaultLocale = LocalePolish
	}
	if !ValidLocale(defaultLocale) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLocale, cfg.DefaultLocale)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:            cfg.Database,
		defaultLocale: defaultLocale,
		now:           clock,
		logger:        logger,
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen before.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		if err := s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("identity refresh failed", zap.String("provider", provider), zap.Error(err))
		}
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// Profile returns the user's profile, creating one with the default locale when missing.
func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}

	profile := Profile{UserID: userID, Locale: s.defaultLocale}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&profile).Error; err != nil {
		return Profile{}, err
	}
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error; err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// UpdateLocale stores the user's preferred locale.
func (s *Service) UpdateLocale(ctx context.Context, userID string, locale string) (Profile, error) {
	locale = strings.ToLower(normalize(locale))
	if !ValidLocale(locale) {
		return Profile{}, fmt.Errorf("%w: %q", ErrInvalidLocale, locale)
	}
	if _, err := s.Profile(ctx, userID); err != nil {
		return Profile{}, err
	}
	if err := s.db.WithContext(ctx).
		Model(&Profile{}).
		Where("user_id = ?", normalize(userID)).
		Update("locale", locale).Error; err != nil {
		return Profile{}, err
	}
	return s.Profile(ctx, userID)
}

// Locale returns the user's prompt locale. Lookup failures fall back to the
// default locale so generation never fails on profile storage.
func (s *Service) Locale(ctx context.Context, userID string) string {
	profile, err := s.Profile(ctx, userID)
	if err != nil {
		s.logger.Warn("profile lookup failed, using default locale",
			zap.String("user_id", userID),
			zap.Error(err))
		return s.defaultLocale
	}
	if !ValidLocale(profile.Locale) {
		return s.defaultLocale
	}
	return profile.Locale
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
