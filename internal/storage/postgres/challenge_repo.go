package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/arena/internal/domain"
	"github.com/jkaninda/arena/internal/storage"
)

// ChallengeRepository implements storage.ChallengeStore.
type ChallengeRepository struct {
	db *gorm.DB
}

// NewChallengeRepository creates a ChallengeRepository.
func NewChallengeRepository(db *gorm.DB) *ChallengeRepository {
	return &ChallengeRepository{db: db}
}

// Upsert creates the challenge or refreshes its definition. Existing
// submissions are untouched; the dataset digest is the compatibility
// guard at load time.
func (r *ChallengeRepository) Upsert(ctx context.Context, ch *domain.Challenge) error {
	model := toChallengeModel(ch)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"title", "description", "scoring_rule",
				"input_path", "input_size", "input_sha256", "active",
			}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("upserting challenge %s: %w", ch.ID, err)
	}
	return nil
}

// Get retrieves a challenge by ID.
func (r *ChallengeRepository) Get(ctx context.Context, id string) (*domain.Challenge, error) {
	var model ChallengeModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("challenge %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting challenge %s: %w", id, err)
	}
	return toChallengeDomain(&model), nil
}

// List returns challenges, newest first.
func (r *ChallengeRepository) List(ctx context.Context, activeOnly bool) ([]domain.Challenge, error) {
	var models []ChallengeModel
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing challenges: %w", err)
	}
	challenges := make([]domain.Challenge, len(models))
	for i := range models {
		challenges[i] = *toChallengeDomain(&models[i])
	}
	return challenges, nil
}

// SetActive flips the only mutable challenge field.
func (r *ChallengeRepository) SetActive(ctx context.Context, id string, active bool) error {
	result := r.db.WithContext(ctx).
		Model(&ChallengeModel{}).
		Where("id = ?", id).
		Update("active", active)
	if result.Error != nil {
		return fmt.Errorf("updating challenge %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("challenge %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
