package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/arena/internal/domain"
	"github.com/jkaninda/arena/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "arena.db")}, logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return s
}

func newPendingSubmission(challengeID, agentID string) *domain.Submission {
	now := time.Now().UTC()
	return &domain.Submission{
		ID:          uuid.New(),
		ChallengeID: challengeID,
		AgentID:     agentID,
		Status:      domain.StatusPending,
		Breakdown:   domain.Breakdown{CompressedBytes: 100, DecompressorBytes: 50},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSubmissionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subs := s.Submissions()

	sub := newPendingSubmission("default", "agent-1")
	if err := subs.Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := subs.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}

	if err := subs.Claim(ctx, sub.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := subs.CompleteScored(ctx, sub.ID, 150, sub.Breakdown, 42); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err = subs.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get after scoring: %v", err)
	}
	if got.Status != domain.StatusScored {
		t.Errorf("status = %s, want scored", got.Status)
	}
	if got.Score == nil || *got.Score != 150 {
		t.Errorf("score = %v, want 150", got.Score)
	}
	if got.ElapsedMS != 42 {
		t.Errorf("elapsed_ms = %d, want 42", got.ElapsedMS)
	}
}

func TestGetMissingSubmission(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Submissions().Get(context.Background(), uuid.New())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subs := s.Submissions()

	sub := newPendingSubmission("default", "agent-1")
	if err := subs.Create(ctx, sub); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := subs.Claim(ctx, sub.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("claims won = %d, want exactly 1", wins)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subs := s.Submissions()

	sub := newPendingSubmission("default", "agent-1")
	if err := subs.Create(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if err := subs.Claim(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	if err := subs.CompleteScored(ctx, sub.ID, 150, sub.Breakdown, 1); err != nil {
		t.Fatal(err)
	}

	if err := subs.CompleteError(ctx, sub.ID, "DECOMPRESSION_ERROR", "late failure", sub.Breakdown); !errors.Is(err, storage.ErrNotClaimable) {
		t.Errorf("error after scored: err = %v, want ErrNotClaimable", err)
	}
	if err := subs.CompleteScored(ctx, sub.ID, 99, sub.Breakdown, 1); !errors.Is(err, storage.ErrNotClaimable) {
		t.Errorf("double scoring: err = %v, want ErrNotClaimable", err)
	}
	if err := subs.Claim(ctx, sub.ID); !errors.Is(err, storage.ErrNotClaimable) {
		t.Errorf("reclaim of terminal: err = %v, want ErrNotClaimable", err)
	}
}

func TestCompleteErrorFromPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subs := s.Submissions()

	sub := newPendingSubmission("default", "agent-1")
	if err := subs.Create(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if err := subs.CompleteError(ctx, sub.ID, "INVALID_BASE64", "bad payload", domain.Breakdown{}); err != nil {
		t.Fatalf("error from pending: %v", err)
	}
	got, err := subs.Get(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusError || got.ErrorCode != "INVALID_BASE64" {
		t.Errorf("got status=%s code=%s", got.Status, got.ErrorCode)
	}
	if got.Score != nil {
		t.Errorf("score = %v, want nil on error", got.Score)
	}
}

func TestListPendingOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subs := s.Submissions()

	older := newPendingSubmission("default", "a")
	older.CreatedAt = time.Now().UTC().Add(-time.Minute)
	newer := newPendingSubmission("default", "b")
	claimed := newPendingSubmission("default", "c")
	for _, sub := range []*domain.Submission{newer, older, claimed} {
		if err := subs.Create(ctx, sub); err != nil {
			t.Fatal(err)
		}
	}
	if err := subs.Claim(ctx, claimed.ID); err != nil {
		t.Fatal(err)
	}

	ids, err := subs.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("pending count = %d, want 2", len(ids))
	}
	if ids[0] != older.ID || ids[1] != newer.ID {
		t.Errorf("order = %v, want [%s %s]", ids, older.ID, newer.ID)
	}
}

func TestFailStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subs := s.Submissions()

	stale := newPendingSubmission("default", "a")
	if err := subs.Create(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := subs.Claim(ctx, stale.ID); err != nil {
		t.Fatal(err)
	}
	fresh := newPendingSubmission("default", "b")
	if err := subs.Create(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := subs.FailStale(ctx, time.Now().UTC().Add(time.Second), "INTERNAL_ERROR", "worker lost")
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if n != 1 {
		t.Errorf("failed = %d, want 1", n)
	}
	got, err := subs.Get(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusError || got.ErrorCode != "INTERNAL_ERROR" {
		t.Errorf("stale submission: status=%s code=%s", got.Status, got.ErrorCode)
	}
	if got, _ := subs.Get(ctx, fresh.ID); got.Status != domain.StatusPending {
		t.Errorf("pending submission touched by reaper: %s", got.Status)
	}
}

func score(t *testing.T, s *Store, challengeID, agentID string, total int64, at time.Time) {
	t.Helper()
	ctx := context.Background()
	sub := newPendingSubmission(challengeID, agentID)
	sub.CreatedAt = at
	sub.UpdatedAt = at
	if err := s.Submissions().Create(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if err := s.Submissions().Claim(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Submissions().CompleteScored(ctx, sub.ID, total, sub.Breakdown, 1); err != nil {
		t.Fatal(err)
	}
}

func TestLeaderboardRanking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	if _, err := s.Agents().GetOrCreate(ctx, &domain.Agent{ID: "alice", DisplayName: "Alice", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}

	// alice: best 100 (improved from 300); bob ties carol at 120, but
	// earlier; dave unscored attempt only.
	score(t, s, "default", "alice", 300, base)
	score(t, s, "default", "alice", 100, base.Add(time.Minute))
	score(t, s, "default", "bob", 120, base.Add(2*time.Minute))
	score(t, s, "default", "carol", 120, base.Add(3*time.Minute))
	failing := newPendingSubmission("default", "dave")
	if err := s.Submissions().Create(ctx, failing); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Submissions().Leaderboard(ctx, "default", 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	want := []struct {
		rank  int
		agent string
		score int64
	}{
		{1, "alice", 100},
		{2, "bob", 120},
		{2, "carol", 120},
	}
	for i, w := range want {
		e := entries[i]
		if e.Rank != w.rank || e.AgentID != w.agent || e.Score != w.score {
			t.Errorf("entry %d = {rank:%d agent:%s score:%d}, want %+v", i, e.Rank, e.AgentID, e.Score, w)
		}
	}
	if entries[0].DisplayName != "Alice" {
		t.Errorf("display name = %q, want Alice", entries[0].DisplayName)
	}
}

func TestLeaderboardScopedToChallenge(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)
	score(t, s, "text", "alice", 100, base)
	score(t, s, "image", "alice", 50, base)

	entries, err := s.Submissions().Leaderboard(context.Background(), "text", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Score != 100 {
		t.Errorf("entries = %+v, want one score-100 row", entries)
	}
}

func TestBoardStatsCountAllStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	// Two scored rows by alice, one error by bob, one pending by carol:
	// four submissions, three distinct agents.
	score(t, s, "default", "alice", 300, base)
	score(t, s, "default", "alice", 100, base.Add(time.Minute))
	failed := newPendingSubmission("default", "bob")
	if err := s.Submissions().Create(ctx, failed); err != nil {
		t.Fatal(err)
	}
	if err := s.Submissions().CompleteError(ctx, failed.ID, "INVALID_BASE64", "bad payload", domain.Breakdown{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Submissions().Create(ctx, newPendingSubmission("default", "carol")); err != nil {
		t.Fatal(err)
	}
	// Another challenge's activity stays out of the counts.
	score(t, s, "image", "dave", 50, base)

	stats, err := s.Submissions().BoardStats(ctx, "default")
	if err != nil {
		t.Fatalf("board stats: %v", err)
	}
	if stats.TotalSubmissions != 4 {
		t.Errorf("total_submissions = %d, want 4", stats.TotalSubmissions)
	}
	if stats.UniqueAgents != 3 {
		t.Errorf("unique_agents = %d, want 3", stats.UniqueAgents)
	}
}

func TestAgentSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	score(t, s, "text", "alice", 300, base)
	score(t, s, "text", "alice", 100, base.Add(time.Minute))
	score(t, s, "image", "alice", 70, base.Add(2*time.Minute))
	failed := newPendingSubmission("text", "alice")
	if err := s.Submissions().Create(ctx, failed); err != nil {
		t.Fatal(err)
	}
	if err := s.Submissions().CompleteError(ctx, failed.ID, "DECOMPRESSION_MISMATCH", "wrong bytes", failed.Breakdown); err != nil {
		t.Fatal(err)
	}
	score(t, s, "text", "bob", 90, base)

	summary, err := s.Submissions().AgentSummary(ctx, "alice")
	if err != nil {
		t.Fatalf("agent summary: %v", err)
	}
	if summary.SubmissionCount != 4 {
		t.Errorf("submission_count = %d, want 4", summary.SubmissionCount)
	}
	if len(summary.BestScores) != 2 {
		t.Fatalf("best_scores = %v, want two challenges", summary.BestScores)
	}
	if summary.BestScores["text"] != 100 || summary.BestScores["image"] != 70 {
		t.Errorf("best_scores = %v, want text:100 image:70", summary.BestScores)
	}

	empty, err := s.Submissions().AgentSummary(ctx, "nobody")
	if err != nil {
		t.Fatalf("summary of unknown agent: %v", err)
	}
	if empty.SubmissionCount != 0 || len(empty.BestScores) != 0 {
		t.Errorf("summary = %+v, want zeroes", empty)
	}
}

func TestRankIsCompetitionStyle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	score(t, s, "default", "alice", 100, base)
	score(t, s, "default", "bob", 120, base)
	score(t, s, "default", "carol", 120, base)
	score(t, s, "default", "dave", 200, base)

	tests := []struct {
		score int64
		want  int
	}{
		{100, 1},
		{120, 2}, // the tie shares the position behind the single better score
		{200, 4},
		{90, 1},
		{500, 5},
	}
	for _, tc := range tests {
		got, err := s.Submissions().Rank(ctx, "default", tc.score)
		if err != nil {
			t.Fatalf("rank(%d): %v", tc.score, err)
		}
		if got != tc.want {
			t.Errorf("rank(%d) = %d, want %d", tc.score, got, tc.want)
		}
	}
}

func TestAgentGetOrCreateFirstWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Agents().GetOrCreate(ctx, &domain.Agent{
		ID: "agent-1", DisplayName: "Original", CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	second, err := s.Agents().GetOrCreate(ctx, &domain.Agent{
		ID: "agent-1", DisplayName: "Impostor", CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if first.DisplayName != "Original" || second.DisplayName != "Original" {
		t.Errorf("identity overwritten: first=%q second=%q", first.DisplayName, second.DisplayName)
	}
}

func TestChallengeUpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := &domain.Challenge{
		ID:          "default",
		Title:       "Text Compression",
		InputSize:   1024,
		InputSHA256: "abc",
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.Challenges().Upsert(ctx, ch); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ch.Title = "Text Compression v2"
	if err := s.Challenges().Upsert(ctx, ch); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err := s.Challenges().Get(ctx, "default")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Text Compression v2" {
		t.Errorf("title = %q, want updated", got.Title)
	}

	if err := s.Challenges().SetActive(ctx, "default", false); err != nil {
		t.Fatalf("set active: %v", err)
	}
	active, err := s.Challenges().List(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("active challenges = %d, want 0", len(active))
	}
	all, err := s.Challenges().List(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("all challenges = %d, want 1", len(all))
	}
}

func TestSetActiveMissingChallenge(t *testing.T) {
	s := newTestStore(t)
	err := s.Challenges().SetActive(context.Background(), "nope", true)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
