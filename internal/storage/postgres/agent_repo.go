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

// AgentRepository implements storage.AgentStore.
type AgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository creates an AgentRepository.
func NewAgentRepository(db *gorm.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// GetOrCreate inserts the agent if its ID is unseen, otherwise returns
// the stored identity unmodified. First registration wins.
func (r *AgentRepository) GetOrCreate(ctx context.Context, agent *domain.Agent) (*domain.Agent, error) {
	model := toAgentModel(agent)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error; err != nil {
		return nil, fmt.Errorf("registering agent %s: %w", agent.ID, err)
	}
	// Re-read: on conflict the insert was a no-op and the stored row
	// is the authoritative identity.
	return r.Get(ctx, agent.ID)
}

// Get retrieves an agent by ID.
func (r *AgentRepository) Get(ctx context.Context, id string) (*domain.Agent, error) {
	var model AgentModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("agent %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent %s: %w", id, err)
	}
	return toAgentDomain(&model), nil
}
