package generations

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the lifecycle state of a generation.
type Status string

const (
	// StatusProcessing marks a generation whose proposals are under review.
	StatusProcessing Status = "processing"
	// StatusCompleted marks a generation whose accepted proposals were saved.
	StatusCompleted Status = "completed"
	// StatusFailed marks a generation whose provider call failed.
	StatusFailed Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CardSource records how a card's text came to be.
type CardSource string

const (
	SourceManual    CardSource = "manual"
	SourceAICreated CardSource = "ai_created"
	SourceAIEdited  CardSource = "ai_edited"
)

// Valid reports whether s is a known source.
func (s CardSource) Valid() bool {
	switch s {
	case SourceManual, SourceAICreated, SourceAIEdited:
		return true
	default:
		return false
	}
}

// FromAI reports whether s requires an originating generation.
func (s CardSource) FromAI() bool {
	return s == SourceAICreated || s == SourceAIEdited
}

// Generation is one prompt submission and its outcome.
type Generation struct {
	ID             int64             `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID         string            `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_generations_user_prompt_hash,priority:1;index:idx_generations_user_created,priority:1" json:"user_id"`
	PromptText     string            `gorm:"column:prompt_text;type:text;not null" json:"prompt_text"`
	PromptHash     string            `gorm:"column:prompt_hash;size:64;not null;uniqueIndex:idx_generations_user_prompt_hash,priority:2" json:"prompt_hash"`
	Status         Status            `gorm:"column:status;size:16;not null;default:processing;check:chk_generations_status,status IN ('processing','completed','failed')" json:"status"`
	TotalGenerated int               `gorm:"column:total_generated;not null;default:0" json:"total_generated"`
	TotalAccepted  int               `gorm:"column:total_accepted;not null;default:0" json:"total_accepted"`
	TotalRejected  int               `gorm:"column:total_rejected;not null;default:0" json:"total_rejected"`
	Model          string            `gorm:"column:model;size:190;not null;default:''" json:"model"`
	ModelSettings  datatypes.JSON    `gorm:"column:model_settings" json:"model_settings"`
	DurationMs     int64             `gorm:"column:duration_ms;not null;default:0" json:"duration_ms"`
	CreatedAt      time.Time         `gorm:"column:created_at;not null;index:idx_generations_user_created,priority:2" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;not null" json:"updated_at"`
	Errors         []GenerationError `gorm:"foreignKey:GenerationID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Generation) TableName() string {
	return "generations"
}

// GenerationError is an append-only audit row for one failure event.
type GenerationError struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	GenerationID int64     `gorm:"column:generation_id;not null;index:idx_generation_errors_generation_created,priority:1" json:"generation_id"`
	ErrorCode    string    `gorm:"column:error_code;size:100;not null" json:"error_code"`
	ErrorMessage string    `gorm:"column:error_message;type:text;not null" json:"error_message"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;index:idx_generation_errors_generation_created,priority:2" json:"created_at"`
}

func (GenerationError) TableName() string {
	return "generation_errors"
}

// Proposal is a candidate card that is not persisted until accepted.
type Proposal struct {
	Front  string     `json:"front"`
	Back   string     `json:"back"`
	Source CardSource `json:"source"`
}
