// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus is the lifecycle state of a submission.
// Transitions are monotone forward only:
// pending → processing → scored|error. Terminal states never change.
type SubmissionStatus string

const (
	StatusPending    SubmissionStatus = "pending"
	StatusProcessing SubmissionStatus = "processing"
	StatusScored     SubmissionStatus = "scored"
	StatusError      SubmissionStatus = "error"
)

// Terminal reports whether the status is a terminal state.
func (s SubmissionStatus) Terminal() bool {
	return s == StatusScored || s == StatusError
}

// CanTransitionTo reports whether moving from s to next is a legal
// forward transition.
func (s SubmissionStatus) CanTransitionTo(next SubmissionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusScored || next == StatusError
	default:
		return false
	}
}

// Machine-readable error codes surfaced to clients.
// Validator denial codes are produced dynamically as
// "DECOMPRESSION_<Kind>" (e.g. DECOMPRESSION_ImportError); the constants
// below cover every other rejection path.
const (
	CodeRateLimited       = "RATE_LIMITED"
	CodeInvalidBase64     = "INVALID_BASE64"
	CodeNotFound          = "NOT_FOUND"
	CodeChallengeInactive = "CHALLENGE_INACTIVE"
	CodeQueueFull         = "QUEUE_FULL"
	CodeEmptyCompressed   = "EMPTY_COMPRESSED"
	CodeEmptyDecompressor = "EMPTY_DECOMPRESSOR"
	CodeCodeTooLarge      = "CODE_TOO_LARGE"
	CodeCompressedTooBig  = "COMPRESSED_TOO_LARGE"
	CodeWrongReturnType   = "WRONG_RETURN_TYPE"
	CodeMismatch          = "DECOMPRESSION_MISMATCH"
	CodeTimeout           = "DECOMPRESSION_TIMEOUT"
	CodeMemory            = "DECOMPRESSION_MEMORY"
	CodeExecution         = "DECOMPRESSION_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
)

// Challenge is an immutable scoring target. Only Active may change after
// creation; the input dataset bytes are loaded once and shared read-only.
type Challenge struct {
	ID          string
	Title       string
	Description string
	ScoringRule string // Human-readable scoring descriptor.
	InputPath   string // Path to the immutable input dataset.
	InputSize   int64
	InputSHA256 string
	Active      bool
	CreatedAt   time.Time
}

// Agent is a participant identity. Created implicitly on first submission
// or explicitly via registration; registration never overwrites an
// existing identifier's owner.
type Agent struct {
	ID          string
	DisplayName string
	Contact     string
	CreatedAt   time.Time
}

// Breakdown is the per-submission score decomposition. Both components
// are populated at intake (payload sizes are known once base64 decoding
// succeeds) so clients see partial diagnostics even on later failure.
type Breakdown struct {
	CompressedBytes   int `json:"compressed_bytes"`
	DecompressorBytes int `json:"decompressor_bytes"`
}

// Total is the submission score: sum of both components, lower is better.
func (b Breakdown) Total() int64 {
	return int64(b.CompressedBytes) + int64(b.DecompressorBytes)
}

// Submission is one scored attempt by an agent at a challenge.
// Exclusively owned by the pipeline while non-terminal; read-only public
// record afterwards. Score and Error are mutually exclusive, each set
// exactly once at the transition into its terminal state.
type Submission struct {
	ID          uuid.UUID
	ChallengeID string
	AgentID     string
	Status      SubmissionStatus
	Breakdown   Breakdown
	Score       *int64 // Present iff Status == scored.
	ErrorCode   string // Present iff Status == error.
	ErrorMsg    string
	ElapsedMS   int64 // Sandbox wall-clock time of the decompressor run.
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Scored reports whether the submission completed with a score.
func (s *Submission) Scored() bool { return s.Status == StatusScored }

// LeaderboardEntry is one row of a challenge leaderboard: an agent's
// best scored submission. Equal scores share a rank; within a score,
// the earlier submission lists first.
type LeaderboardEntry struct {
	Rank        int
	AgentID     string
	DisplayName string
	Score       int64
	Breakdown   Breakdown
	SubmittedAt time.Time
}

// BoardStats counts participation on a challenge. Every submission
// counts regardless of outcome, so the figures reflect activity rather
// than success.
type BoardStats struct {
	TotalSubmissions int64
	UniqueAgents     int64
}

// AgentSummary aggregates one agent's activity across challenges.
type AgentSummary struct {
	SubmissionCount int64
	BestScores      map[string]int64 // challenge ID -> lowest scored total
}

// TransitionError is returned when a status change would violate the
// monotone forward-only invariant.
type TransitionError struct {
	From SubmissionStatus
	To   SubmissionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal submission transition %s -> %s", e.From, e.To)
}
