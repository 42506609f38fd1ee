package postgres

import (
	"time"

	"github.com/google/uuid"
)

// ChallengeModel is the GORM model for challenges.
type ChallengeModel struct {
	ID          string    `gorm:"primaryKey;size:128"`
	Title       string    `gorm:"size:256;not null"`
	Description string    `gorm:"type:text"`
	ScoringRule string    `gorm:"type:text"`
	InputPath   string    `gorm:"size:512"`
	InputSize   int64     `gorm:"not null"`
	InputSHA256 string    `gorm:"size:64;not null"`
	Active      bool      `gorm:"not null;default:true;index"`
	CreatedAt   time.Time `gorm:"not null"`
}

// TableName overrides the GORM default.
func (ChallengeModel) TableName() string { return "challenges" }

// AgentModel is the GORM model for participant identities.
type AgentModel struct {
	ID          string    `gorm:"primaryKey;size:128"`
	DisplayName string    `gorm:"size:256"`
	Contact     string    `gorm:"size:256"`
	CreatedAt   time.Time `gorm:"not null"`
}

// TableName overrides the GORM default.
func (AgentModel) TableName() string { return "agents" }

// SubmissionModel is the GORM model for submissions. Status is stored
// as text; the guarded updates in SubmissionRepository are the only
// writers after Create.
type SubmissionModel struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChallengeID       string    `gorm:"size:128;not null;index:idx_submissions_board,priority:1"`
	AgentID           string    `gorm:"size:128;not null;index"`
	Status            string    `gorm:"size:16;not null;index;index:idx_submissions_board,priority:2"`
	CompressedBytes   int       `gorm:"not null"`
	DecompressorBytes int       `gorm:"not null"`
	Score             *int64    `gorm:"index:idx_submissions_board,priority:3"`
	ErrorCode         string    `gorm:"size:64"`
	ErrorMsg          string    `gorm:"size:1024"`
	ElapsedMS         int64     `gorm:"not null;default:0"`
	CreatedAt         time.Time `gorm:"not null;index"`
	UpdatedAt         time.Time `gorm:"not null"`
}

// TableName overrides the GORM default.
func (SubmissionModel) TableName() string { return "submissions" }
