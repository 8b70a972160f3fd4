package cards

import (
	"time"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
)

const (
	MaxFrontLength = 200
	MaxBackLength  = 500
	MaxBulkSize    = 100
	MaxSearchSize  = 200
)

// Card is a permanent study card. Its generation reference is weak: deleting
// the generation clears generation_id and keeps the card.
type Card struct {
	ID           int64                   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID       string                  `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_cards_user_front,priority:1;index:idx_cards_user_created,priority:1" json:"-"`
	Front        string                  `gorm:"column:front;size:200;not null;uniqueIndex:idx_cards_user_front,priority:2" json:"front"`
	Back         string                  `gorm:"column:back;size:500;not null" json:"back"`
	Source       generations.CardSource  `gorm:"column:source;size:16;not null;check:chk_cards_source,source IN ('manual','ai_created','ai_edited')" json:"source"`
	GenerationID *int64                  `gorm:"column:generation_id;index" json:"generation_id"`
	Generation   *generations.Generation `gorm:"foreignKey:GenerationID;constraint:OnDelete:SET NULL" json:"-"`
	CreatedAt    time.Time               `gorm:"column:created_at;not null;index:idx_cards_user_created,priority:2" json:"created_at"`
	UpdatedAt    time.Time               `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Card) TableName() string {
	return "cards"
}

// NewCard is one card submitted for creation.
type NewCard struct {
	Front        string                 `json:"front"`
	Back         string                 `json:"back"`
	Source       generations.CardSource `json:"source"`
	GenerationID *int64                 `json:"generation_id,omitempty"`
}

// CardUpdate carries the fields a caller wants to change.
type CardUpdate struct {
	Front *string `json:"front"`
	Back  *string `json:"back"`
}

// ListFilter narrows a card listing.
type ListFilter struct {
	Source       generations.CardSource
	GenerationID *int64
	Search       string
}
