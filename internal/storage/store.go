// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (production).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/arena/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrNotClaimable is returned when a submission cannot move to
// processing because another worker already owns it or it is terminal.
var ErrNotClaimable = errors.New("submission not claimable")

// Store is the unified persistence interface for the arena.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	Submissions() SubmissionStore
	Challenges() ChallengeStore
	Agents() AgentStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// SubmissionStore persists submissions and enforces the forward-only
// status machine at the database level: every mutating call is a
// guarded update whose WHERE clause names the expected current status.
type SubmissionStore interface {
	Create(ctx context.Context, sub *domain.Submission) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Submission, error)

	// Claim moves a pending submission to processing. Exactly one
	// concurrent caller wins; losers get ErrNotClaimable.
	Claim(ctx context.Context, id uuid.UUID) error

	// CompleteScored commits the scored terminal state. Fails with
	// ErrNotClaimable unless the submission is currently processing.
	CompleteScored(ctx context.Context, id uuid.UUID, score int64, breakdown domain.Breakdown, elapsedMS int64) error

	// CompleteError commits the error terminal state from either
	// pending (intake rejection) or processing (evaluation failure).
	CompleteError(ctx context.Context, id uuid.UUID, code, msg string, breakdown domain.Breakdown) error

	// ListPending returns submission IDs awaiting evaluation, oldest
	// first. Payloads live only in the in-process queue, so after a
	// restart these are orphans to be failed, not re-run.
	ListPending(ctx context.Context, limit int) ([]uuid.UUID, error)

	// FailStale errors out processing submissions older than cutoff.
	// Covers workers that died mid-evaluation. Returns the count.
	FailStale(ctx context.Context, cutoff time.Time, code, msg string) (int64, error)

	// Leaderboard returns each agent's best scored submission for a
	// challenge, ranked. Equal scores share a rank.
	Leaderboard(ctx context.Context, challengeID string, limit int) ([]domain.LeaderboardEntry, error)

	// BoardStats counts participation on a challenge across all
	// statuses, not just scored rows.
	BoardStats(ctx context.Context, challengeID string) (*domain.BoardStats, error)

	// AgentSummary aggregates an agent's activity: total submissions in
	// any state plus the best score per challenge among scored ones.
	AgentSummary(ctx context.Context, agentID string) (*domain.AgentSummary, error)

	// Rank returns the competition rank a score holds on a challenge:
	// one more than the number of scored submissions that beat it.
	Rank(ctx context.Context, challengeID string, score int64) (int, error)
}

// ChallengeStore persists challenge definitions.
type ChallengeStore interface {
	Upsert(ctx context.Context, ch *domain.Challenge) error
	Get(ctx context.Context, id string) (*domain.Challenge, error)
	List(ctx context.Context, activeOnly bool) ([]domain.Challenge, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// AgentStore persists participant identities.
type AgentStore interface {
	// GetOrCreate registers the agent on first sight. A later call
	// with the same ID never overwrites the stored identity.
	GetOrCreate(ctx context.Context, agent *domain.Agent) (*domain.Agent, error)
	Get(ctx context.Context, id string) (*domain.Agent, error)
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
