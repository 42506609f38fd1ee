package postgres

import "github.com/jkaninda/arena/internal/domain"

func toChallengeModel(ch *domain.Challenge) ChallengeModel {
	return ChallengeModel{
		ID:          ch.ID,
		Title:       ch.Title,
		Description: ch.Description,
		ScoringRule: ch.ScoringRule,
		InputPath:   ch.InputPath,
		InputSize:   ch.InputSize,
		InputSHA256: ch.InputSHA256,
		Active:      ch.Active,
		CreatedAt:   ch.CreatedAt,
	}
}

func toChallengeDomain(m *ChallengeModel) *domain.Challenge {
	return &domain.Challenge{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		ScoringRule: m.ScoringRule,
		InputPath:   m.InputPath,
		InputSize:   m.InputSize,
		InputSHA256: m.InputSHA256,
		Active:      m.Active,
		CreatedAt:   m.CreatedAt,
	}
}

func toAgentModel(a *domain.Agent) AgentModel {
	return AgentModel{
		ID:          a.ID,
		DisplayName: a.DisplayName,
		Contact:     a.Contact,
		CreatedAt:   a.CreatedAt,
	}
}

func toAgentDomain(m *AgentModel) *domain.Agent {
	return &domain.Agent{
		ID:          m.ID,
		DisplayName: m.DisplayName,
		Contact:     m.Contact,
		CreatedAt:   m.CreatedAt,
	}
}

func toSubmissionModel(s *domain.Submission) SubmissionModel {
	return SubmissionModel{
		ID:                s.ID,
		ChallengeID:       s.ChallengeID,
		AgentID:           s.AgentID,
		Status:            string(s.Status),
		CompressedBytes:   s.Breakdown.CompressedBytes,
		DecompressorBytes: s.Breakdown.DecompressorBytes,
		Score:             s.Score,
		ErrorCode:         s.ErrorCode,
		ErrorMsg:          s.ErrorMsg,
		ElapsedMS:         s.ElapsedMS,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func toSubmissionDomain(m *SubmissionModel) *domain.Submission {
	return &domain.Submission{
		ID:          m.ID,
		ChallengeID: m.ChallengeID,
		AgentID:     m.AgentID,
		Status:      domain.SubmissionStatus(m.Status),
		Breakdown: domain.Breakdown{
			CompressedBytes:   m.CompressedBytes,
			DecompressorBytes: m.DecompressorBytes,
		},
		Score:     m.Score,
		ErrorCode: m.ErrorCode,
		ErrorMsg:  m.ErrorMsg,
		ElapsedMS: m.ElapsedMS,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
