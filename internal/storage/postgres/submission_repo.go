package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/arena/internal/domain"
	"github.com/jkaninda/arena/internal/storage"
)

// SubmissionRepository implements storage.SubmissionStore. The status
// machine is enforced with guarded updates: each transition names the
// expected current status in the WHERE clause, so a lost race shows up
// as zero affected rows instead of a corrupting overwrite.
type SubmissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository creates a SubmissionRepository.
func NewSubmissionRepository(db *gorm.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// Create persists a new submission in pending status.
func (r *SubmissionRepository) Create(ctx context.Context, sub *domain.Submission) error {
	model := toSubmissionModel(sub)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating submission: %w", err)
	}
	return nil
}

// Get retrieves a submission by ID.
func (r *SubmissionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Submission, error) {
	var model SubmissionModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("submission %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting submission %s: %w", id, err)
	}
	return toSubmissionDomain(&model), nil
}

// Claim atomically moves one pending submission to processing.
func (r *SubmissionRepository) Claim(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&SubmissionModel{}).
		Where("id = ? AND status = ?", id, string(domain.StatusPending)).
		Updates(map[string]any{
			"status":     string(domain.StatusProcessing),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("claiming submission %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("claiming submission %s: %w", id, storage.ErrNotClaimable)
	}
	return nil
}

// CompleteScored commits the scored terminal state from processing.
func (r *SubmissionRepository) CompleteScored(ctx context.Context, id uuid.UUID, score int64, breakdown domain.Breakdown, elapsedMS int64) error {
	result := r.db.WithContext(ctx).
		Model(&SubmissionModel{}).
		Where("id = ? AND status = ?", id, string(domain.StatusProcessing)).
		Updates(map[string]any{
			"status":             string(domain.StatusScored),
			"score":              score,
			"compressed_bytes":   breakdown.CompressedBytes,
			"decompressor_bytes": breakdown.DecompressorBytes,
			"elapsed_ms":         elapsedMS,
			"error_code":         "",
			"error_msg":          "",
			"updated_at":         time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("scoring submission %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("scoring submission %s: %w", id, storage.ErrNotClaimable)
	}
	return nil
}

// CompleteError commits the error terminal state. Allowed from pending
// (intake rejection) and processing (evaluation failure); never from a
// terminal state.
func (r *SubmissionRepository) CompleteError(ctx context.Context, id uuid.UUID, code, msg string, breakdown domain.Breakdown) error {
	result := r.db.WithContext(ctx).
		Model(&SubmissionModel{}).
		Where("id = ? AND status IN ?", id,
			[]string{string(domain.StatusPending), string(domain.StatusProcessing)}).
		Updates(map[string]any{
			"status":             string(domain.StatusError),
			"error_code":         code,
			"error_msg":          truncate(msg, 1024),
			"compressed_bytes":   breakdown.CompressedBytes,
			"decompressor_bytes": breakdown.DecompressorBytes,
			"updated_at":         time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failing submission %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("failing submission %s: %w", id, storage.ErrNotClaimable)
	}
	return nil
}

// ListPending returns pending submission IDs, oldest first.
func (r *SubmissionRepository) ListPending(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	q := r.db.WithContext(ctx).
		Model(&SubmissionModel{}).
		Where("status = ?", string(domain.StatusPending)).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing pending submissions: %w", err)
	}
	return ids, nil
}

// FailStale errors out processing submissions not touched since cutoff.
func (r *SubmissionRepository) FailStale(ctx context.Context, cutoff time.Time, code, msg string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&SubmissionModel{}).
		Where("status = ? AND updated_at < ?", string(domain.StatusProcessing), cutoff).
		Updates(map[string]any{
			"status":     string(domain.StatusError),
			"error_code": code,
			"error_msg":  truncate(msg, 1024),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failing stale submissions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Leaderboard returns each agent's best scored submission for the
// challenge, ordered by score then submission time. Ranking is done
// here rather than in SQL so both backends share one code path.
func (r *SubmissionRepository) Leaderboard(ctx context.Context, challengeID string, limit int) ([]domain.LeaderboardEntry, error) {
	var models []SubmissionModel
	if err := r.db.WithContext(ctx).
		Where("challenge_id = ? AND status = ?", challengeID, string(domain.StatusScored)).
		Order("score ASC, created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying leaderboard for %s: %w", challengeID, err)
	}

	// First row per agent is its best: the scan order already sorts by
	// score, then by age.
	seen := make(map[string]bool, len(models))
	entries := make([]domain.LeaderboardEntry, 0, limit)
	for i := range models {
		m := &models[i]
		if seen[m.AgentID] {
			continue
		}
		seen[m.AgentID] = true
		if m.Score == nil {
			continue
		}
		entries = append(entries, domain.LeaderboardEntry{
			AgentID: m.AgentID,
			Score:   *m.Score,
			Breakdown: domain.Breakdown{
				CompressedBytes:   m.CompressedBytes,
				DecompressorBytes: m.DecompressorBytes,
			},
			SubmittedAt: m.CreatedAt,
		})
		if limit > 0 && len(entries) == limit {
			break
		}
	}

	// Equal scores share a rank; the next distinct score takes the
	// position after all tied entries (competition ranking).
	for i := range entries {
		if i > 0 && entries[i].Score == entries[i-1].Score {
			entries[i].Rank = entries[i-1].Rank
		} else {
			entries[i].Rank = i + 1
		}
	}

	if err := r.fillDisplayNames(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// BoardStats counts every submission on the challenge and the distinct
// agents behind them, terminal or not.
func (r *SubmissionRepository) BoardStats(ctx context.Context, challengeID string) (*domain.BoardStats, error) {
	stats := &domain.BoardStats{}
	if err := r.db.WithContext(ctx).
		Model(&SubmissionModel{}).
		Where("challenge_id = ?", challengeID).
		Count(&stats.TotalSubmissions).Error; err != nil {
		return nil, fmt.Errorf("counting submissions for %s: %w", challengeID, err)
	}
	if err := r.db.WithContext(ctx).
		Model(&SubmissionModel{}).
		Where("challenge_id = ?", challengeID).
		Distinct("agent_id").
		Count(&stats.UniqueAgents).Error; err != nil {
		return nil, fmt.Errorf("counting agents for %s: %w", challengeID, err)
	}
	return stats, nil
}

// AgentSummary reports the agent's total submissions in any state plus
// its lowest scored total per challenge.
func (r *SubmissionRepository) AgentSummary(ctx context.Context, agentID string) (*domain.AgentSummary, error) {
	summary := &domain.AgentSummary{BestScores: map[string]int64{}}
	if err := r.db.WithContext(ctx).
		Model(&SubmissionModel{}).
		Where("agent_id = ?", agentID).
		Count(&summary.SubmissionCount).Error; err != nil {
		return nil, fmt.Errorf("counting submissions for agent %s: %w", agentID, err)
	}

	var rows []struct {
		ChallengeID string
		Best        int64
	}
	if err := r.db.WithContext(ctx).
		Model(&SubmissionModel{}).
		Select("challenge_id, MIN(score) AS best").
		Where("agent_id = ? AND status = ?", agentID, string(domain.StatusScored)).
		Group("challenge_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("aggregating best scores for agent %s: %w", agentID, err)
	}
	for _, row := range rows {
		summary.BestScores[row.ChallengeID] = row.Best
	}
	return summary, nil
}

// Rank places a score among the challenge's scored submissions:
// competition ranking, so ties share the position.
func (r *SubmissionRepository) Rank(ctx context.Context, challengeID string, score int64) (int, error) {
	var better int64
	if err := r.db.WithContext(ctx).
		Model(&SubmissionModel{}).
		Where("challenge_id = ? AND status = ? AND score < ?",
			challengeID, string(domain.StatusScored), score).
		Count(&better).Error; err != nil {
		return 0, fmt.Errorf("ranking score on %s: %w", challengeID, err)
	}
	return int(better) + 1, nil
}

func (r *SubmissionRepository) fillDisplayNames(ctx context.Context, entries []domain.LeaderboardEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for i := range entries {
		ids = append(ids, entries[i].AgentID)
	}
	var agents []AgentModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&agents).Error; err != nil {
		return fmt.Errorf("resolving agent names: %w", err)
	}
	names := make(map[string]string, len(agents))
	for i := range agents {
		names[agents[i].ID] = agents[i].DisplayName
	}
	for i := range entries {
		entries[i].DisplayName = names[entries[i].AgentID]
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
