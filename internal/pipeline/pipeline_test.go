package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/arena/internal/challenge"
	"github.com/jkaninda/arena/internal/domain"
	"github.com/jkaninda/arena/internal/ratelimit"
	"github.com/jkaninda/arena/internal/sandbox"
	"github.com/jkaninda/arena/internal/storage"
	"github.com/jkaninda/arena/internal/storage/sqlite"
	"github.com/jkaninda/arena/internal/validator"
)

const identitySource = "def decompress(data):\n    return data\n"

// fakeRunner returns a canned result without spawning anything.
type fakeRunner struct {
	output []byte
	err    error
	calls  atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, prog *validator.AnalyzedProgram, input []byte, limits sandbox.Limits) (*sandbox.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &sandbox.Result{Output: f.output, Elapsed: 42 * time.Millisecond}, nil
}

type testEnv struct {
	pipeline *Pipeline
	store    storage.Store
	ch       *domain.Challenge
	dataset  *challenge.Dataset
}

func newTestEnv(t *testing.T, runner sandbox.Runner, mutate func(cfg *Config, rl *ratelimit.Config)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	store, err := sqlite.Open(sqlite.Config{Path: t.TempDir() + "/arena.db"}, logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	ch, err := challenge.EnsureDefault(t.TempDir())
	if err != nil {
		t.Fatalf("ensuring default challenge: %v", err)
	}
	if err := store.Challenges().Upsert(context.Background(), ch); err != nil {
		t.Fatalf("upserting challenge: %v", err)
	}

	catalog := challenge.NewCatalog()
	dataset, err := catalog.Load(ch)
	if err != nil {
		t.Fatalf("loading dataset: %v", err)
	}

	cfg := Config{Workers: 1, QueueSize: 8}
	rlCfg := ratelimit.Config{SubmissionsPerWindow: 100, Window: time.Hour}
	if mutate != nil {
		mutate(&cfg, &rlCfg)
	}

	p := New(cfg, store, catalog, runner, ratelimit.New(rlCfg), nil, logger)
	return &testEnv{pipeline: p, store: store, ch: ch, dataset: dataset}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.pipeline.Start(ctx); err != nil {
		t.Fatalf("starting pipeline: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		e.pipeline.Wait()
	})
}

// waitTerminal polls until the submission leaves pending/processing.
func (e *testEnv) waitTerminal(t *testing.T, id uuid.UUID) *domain.Submission {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sub, err := e.store.Submissions().Get(context.Background(), id)
		if err != nil {
			t.Fatalf("fetching submission: %v", err)
		}
		if sub.Status == domain.StatusScored || sub.Status == domain.StatusError {
			return sub
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("submission never reached a terminal state")
	return nil
}

func (e *testEnv) submit(t *testing.T, compressed []byte, source string) *domain.Submission {
	t.Helper()
	sub, err := e.pipeline.Submit(context.Background(), SubmitRequest{
		ChallengeID:   e.ch.ID,
		AgentID:       "agent-1",
		CompressedB64: base64.StdEncoding.EncodeToString(compressed),
		Decompressor:  source,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return sub
}

func TestSubmitAndScore(t *testing.T) {
	runner := &fakeRunner{}
	env := newTestEnv(t, runner, nil)
	runner.output = env.dataset.Bytes
	env.start(t)

	compressed := []byte("pretend-compressed-payload")
	sub := env.submit(t, compressed, identitySource)
	if sub.Status != domain.StatusPending {
		t.Errorf("status after submit = %s, want pending", sub.Status)
	}

	final := env.waitTerminal(t, sub.ID)
	if final.Status != domain.StatusScored {
		t.Fatalf("status = %s (%s: %s), want scored", final.Status, final.ErrorCode, final.ErrorMsg)
	}
	want := int64(len(compressed) + len(identitySource))
	if final.Score == nil || *final.Score != want {
		t.Errorf("score = %v, want %d", final.Score, want)
	}
	if final.Breakdown.CompressedBytes != len(compressed) || final.Breakdown.DecompressorBytes != len(identitySource) {
		t.Errorf("breakdown = %+v", final.Breakdown)
	}
	if final.ElapsedMS != 42 {
		t.Errorf("elapsed_ms = %d, want 42", final.ElapsedMS)
	}
	if runner.calls.Load() != 1 {
		t.Errorf("runner calls = %d, want 1", runner.calls.Load())
	}
}

func TestSubmitInactiveChallenge(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{}, nil)
	if err := env.store.Challenges().SetActive(context.Background(), env.ch.ID, false); err != nil {
		t.Fatalf("deactivating: %v", err)
	}

	_, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		ChallengeID:   env.ch.ID,
		AgentID:       "agent-1",
		CompressedB64: base64.StdEncoding.EncodeToString([]byte("x")),
		Decompressor:  identitySource,
	})
	if !errors.Is(err, ErrChallengeInactive) {
		t.Fatalf("err = %v, want ErrChallengeInactive", err)
	}
}

func TestSubmitUnknownChallenge(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{}, nil)
	_, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		ChallengeID:   "no-such-challenge",
		AgentID:       "agent-1",
		CompressedB64: "eA==",
		Decompressor:  identitySource,
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubmitInvalidBase64(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{}, nil)
	_, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		ChallengeID:   env.ch.ID,
		AgentID:       "agent-1",
		CompressedB64: "not base64!!!",
		Decompressor:  identitySource,
	})
	if !errors.Is(err, ErrInvalidBase64) {
		t.Fatalf("err = %v, want ErrInvalidBase64", err)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	runner := &fakeRunner{}
	env := newTestEnv(t, runner, func(cfg *Config, rl *ratelimit.Config) {
		rl.SubmissionsPerWindow = 1
	})
	runner.output = env.dataset.Bytes
	env.start(t)

	env.submit(t, []byte("first"), identitySource)

	_, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		ChallengeID:   env.ch.ID,
		AgentID:       "agent-1",
		CompressedB64: base64.StdEncoding.EncodeToString([]byte("second")),
		Decompressor:  identitySource,
	})
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestInvalidBase64DoesNotConsumeRateSlot(t *testing.T) {
	runner := &fakeRunner{}
	env := newTestEnv(t, runner, func(cfg *Config, rl *ratelimit.Config) {
		rl.SubmissionsPerWindow = 1
	})
	runner.output = env.dataset.Bytes
	env.start(t)

	_, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		ChallengeID:   env.ch.ID,
		AgentID:       "agent-1",
		CompressedB64: "not base64!!!",
		Decompressor:  identitySource,
	})
	if !errors.Is(err, ErrInvalidBase64) {
		t.Fatalf("err = %v, want ErrInvalidBase64", err)
	}

	// The slot is still free: the only well-formed submission goes through.
	sub := env.submit(t, env.dataset.Bytes, identitySource)
	final := env.waitTerminal(t, sub.ID)
	if final.Status != domain.StatusScored {
		t.Fatalf("status = %s (code %q), want scored", final.Status, final.ErrorCode)
	}
}

func TestEmptyCompressedFails(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{}, nil)
	env.start(t)

	sub := env.submit(t, nil, identitySource)
	final := env.waitTerminal(t, sub.ID)
	if final.ErrorCode != domain.CodeEmptyCompressed {
		t.Errorf("code = %q, want %q", final.ErrorCode, domain.CodeEmptyCompressed)
	}
}

func TestEmptyDecompressorFails(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{}, nil)
	env.start(t)

	sub := env.submit(t, []byte("x"), "")
	final := env.waitTerminal(t, sub.ID)
	if final.ErrorCode != domain.CodeEmptyDecompressor {
		t.Errorf("code = %q, want %q", final.ErrorCode, domain.CodeEmptyDecompressor)
	}
}

func TestOversizedDecompressorFails(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{}, nil)
	env.start(t)

	source := identitySource + "# " + strings.Repeat("a", validator.MaxSourceBytes)
	sub := env.submit(t, []byte("x"), source)
	final := env.waitTerminal(t, sub.ID)
	if final.ErrorCode != domain.CodeCodeTooLarge {
		t.Errorf("code = %q, want %q", final.ErrorCode, domain.CodeCodeTooLarge)
	}
}

func TestOversizedCompressedFails(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{}, nil)
	env.start(t)

	compressed := bytes.Repeat([]byte("x"), int(2*env.dataset.Size)+1)
	sub := env.submit(t, compressed, identitySource)
	final := env.waitTerminal(t, sub.ID)
	if final.ErrorCode != domain.CodeCompressedTooBig {
		t.Errorf("code = %q, want %q", final.ErrorCode, domain.CodeCompressedTooBig)
	}
}

func TestForbiddenSourceFails(t *testing.T) {
	runner := &fakeRunner{}
	env := newTestEnv(t, runner, nil)
	env.start(t)

	sub := env.submit(t, []byte("x"), "import os\ndef decompress(data):\n    return data\n")
	final := env.waitTerminal(t, sub.ID)
	if final.ErrorCode != "DECOMPRESSION_ImportError" {
		t.Errorf("code = %q, want DECOMPRESSION_ImportError", final.ErrorCode)
	}
	if runner.calls.Load() != 0 {
		t.Error("rejected source must never reach the sandbox")
	}
}

func TestExecErrorBecomesErrorCode(t *testing.T) {
	runner := &fakeRunner{err: &sandbox.ExecError{Type: "NameError", Message: "name 'zlib' is not defined"}}
	env := newTestEnv(t, runner, nil)
	env.start(t)

	sub := env.submit(t, []byte("x"), identitySource)
	final := env.waitTerminal(t, sub.ID)
	if final.ErrorCode != "DECOMPRESSION_NameError" {
		t.Errorf("code = %q, want DECOMPRESSION_NameError", final.ErrorCode)
	}
	if !strings.Contains(final.ErrorMsg, "zlib") {
		t.Errorf("error message %q lost the child detail", final.ErrorMsg)
	}
}

func TestInfraErrorBecomesInternal(t *testing.T) {
	runner := &fakeRunner{err: errors.New("python exploded")}
	env := newTestEnv(t, runner, nil)
	env.start(t)

	sub := env.submit(t, []byte("x"), identitySource)
	final := env.waitTerminal(t, sub.ID)
	if final.ErrorCode != domain.CodeInternal {
		t.Errorf("code = %q, want %q", final.ErrorCode, domain.CodeInternal)
	}
}

func TestMismatchFails(t *testing.T) {
	runner := &fakeRunner{output: []byte("wrong bytes")}
	env := newTestEnv(t, runner, nil)
	env.start(t)

	sub := env.submit(t, []byte("x"), identitySource)
	final := env.waitTerminal(t, sub.ID)
	if final.ErrorCode != domain.CodeMismatch {
		t.Errorf("code = %q, want %q", final.ErrorCode, domain.CodeMismatch)
	}
	if final.Score != nil {
		t.Errorf("mismatch must not carry a score, got %d", *final.Score)
	}
}

func TestQueueFullBackpressure(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{}, func(cfg *Config, rl *ratelimit.Config) {
		cfg.QueueSize = 1
	})
	// Workers deliberately not started: the first submit fills the queue.

	first := env.submit(t, []byte("one"), identitySource)

	_, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		ChallengeID:   env.ch.ID,
		AgentID:       "agent-1",
		CompressedB64: base64.StdEncoding.EncodeToString([]byte("two")),
		Decompressor:  identitySource,
	})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	// The first submission is still queued and pending.
	got, err := env.store.Submissions().Get(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("fetching first submission: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("first submission status = %s, want pending", got.Status)
	}
}

func TestStartFailsOrphans(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{}, nil)

	// A pending row with no queued payload, as left by a crash.
	orphan := &domain.Submission{
		ID:          uuid.New(),
		ChallengeID: env.ch.ID,
		AgentID:     "agent-1",
		Status:      domain.StatusPending,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if _, err := env.store.Agents().GetOrCreate(context.Background(), &domain.Agent{ID: "agent-1", DisplayName: "agent-1", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("creating agent: %v", err)
	}
	if err := env.store.Submissions().Create(context.Background(), orphan); err != nil {
		t.Fatalf("creating orphan: %v", err)
	}

	env.start(t)

	got, err := env.store.Submissions().Get(context.Background(), orphan.ID)
	if err != nil {
		t.Fatalf("fetching orphan: %v", err)
	}
	if got.Status != domain.StatusError || got.ErrorCode != domain.CodeInternal {
		t.Errorf("orphan = %s/%s, want error/%s", got.Status, got.ErrorCode, domain.CodeInternal)
	}
}

func TestJanitorReapsStaleProcessing(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{}, nil)
	ctx := context.Background()

	if _, err := env.store.Agents().GetOrCreate(ctx, &domain.Agent{ID: "agent-1", DisplayName: "agent-1", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("creating agent: %v", err)
	}
	stuck := &domain.Submission{
		ID:          uuid.New(),
		ChallengeID: env.ch.ID,
		AgentID:     "agent-1",
		Status:      domain.StatusPending,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := env.store.Submissions().Create(ctx, stuck); err != nil {
		t.Fatalf("creating submission: %v", err)
	}
	if err := env.store.Submissions().Claim(ctx, stuck.ID); err != nil {
		t.Fatalf("claiming: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	jan, err := NewJanitor(env.store, nil, "", time.Minute, logger)
	if err != nil {
		t.Fatalf("creating janitor: %v", err)
	}

	// A cutoff in the future makes the freshly claimed row stale.
	jan.staleAfter = -time.Second
	jan.tick(ctx)

	got, err := env.store.Submissions().Get(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("fetching submission: %v", err)
	}
	if got.Status != domain.StatusError || got.ErrorCode != domain.CodeInternal {
		t.Errorf("stuck row = %s/%s, want error/%s", got.Status, got.ErrorCode, domain.CodeInternal)
	}
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	if _, err := NewJanitor(nil, nil, "not a schedule", time.Minute, logger); err == nil {
		t.Fatal("expected parse error for malformed schedule")
	}
}
