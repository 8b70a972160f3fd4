package users

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login to a canonical flashcards user id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Supported profile locales.
const (
	LocalePolish  = "pl"
	LocaleEnglish = "en"
)

// Profile holds per-user preferences.
type Profile struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	Locale    string    `gorm:"column:locale;size:8;not null;default:pl;check:chk_profiles_locale,locale IN ('pl','en')" json:"locale"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "profiles"
}

// ValidLocale reports whether locale is supported.
func ValidLocale(locale string) bool {
	return locale == LocalePolish || locale == LocaleEnglish
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
