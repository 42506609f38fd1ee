// Package pipeline drives a submission from intake to its terminal
// state: admission checks, the pending record, the bounded work queue,
// and the workers that validate, execute, and score. Every status
// change goes through the store's guarded updates, so a submission can
// never move backwards, whatever the interleaving.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/arena/internal/challenge"
	"github.com/jkaninda/arena/internal/domain"
	"github.com/jkaninda/arena/internal/observability"
	"github.com/jkaninda/arena/internal/ratelimit"
	"github.com/jkaninda/arena/internal/sandbox"
	"github.com/jkaninda/arena/internal/scoring"
	"github.com/jkaninda/arena/internal/storage"
	"github.com/jkaninda/arena/internal/validator"
)

// Intake rejections surfaced to the HTTP layer. These happen before a
// submission record exists; nothing is persisted for them.
var (
	ErrChallengeInactive = errors.New("challenge is not accepting submissions")
	ErrInvalidBase64     = errors.New("compressed payload is not valid base64")
	ErrQueueFull         = errors.New("evaluation queue is full")
)

// Config tunes the pipeline.
type Config struct {
	Workers    int // Concurrent evaluators. Default: 2.
	QueueSize  int // Bounded queue capacity. Default: 64.
	StaleAfter time.Duration // Reaper cutoff for stuck processing rows. Default: 10m.

	Limits sandbox.Limits // Per-run sandbox ceilings.
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return 2
}

func (c Config) queueSize() int {
	if c.QueueSize > 0 {
		return c.QueueSize
	}
	return 64
}

func (c Config) staleAfter() time.Duration {
	if c.StaleAfter > 0 {
		return c.StaleAfter
	}
	return 10 * time.Minute
}

// SubmitRequest is one attempt at a challenge.
type SubmitRequest struct {
	ChallengeID   string
	AgentID       string
	AgentName     string
	CompressedB64 string
	Decompressor  string
}

// job carries the payload bytes through the queue. They are not
// persisted; a queued job that never runs becomes an orphan the
// startup sweep fails.
type job struct {
	submissionID uuid.UUID
	challenge    *domain.Challenge
	compressed   []byte
	source       string
}

// Pipeline is the submission evaluation engine.
type Pipeline struct {
	cfg     Config
	store   storage.Store
	catalog *challenge.Catalog
	runner  sandbox.Runner
	limiter *ratelimit.Limiter
	obs     *observability.Observability
	logger  *slog.Logger

	queue chan job
	wg    sync.WaitGroup
}

// New creates a Pipeline. Call Start to launch the workers.
func New(cfg Config, store storage.Store, catalog *challenge.Catalog, runner sandbox.Runner,
	limiter *ratelimit.Limiter, obs *observability.Observability, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		store:   store,
		catalog: catalog,
		runner:  runner,
		limiter: limiter,
		obs:     obs,
		logger:  logger,
		queue:   make(chan job, cfg.queueSize()),
	}
}

// Start fails orphaned pending submissions from a previous process and
// launches the worker pool. Workers exit when ctx is cancelled; Wait
// blocks until they drain.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.failOrphans(ctx); err != nil {
		return err
	}
	for i := 0; i < p.cfg.workers(); i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("pipeline started",
		slog.Int("workers", p.cfg.workers()),
		slog.Int("queue_size", p.cfg.queueSize()),
	)
	return nil
}

// Wait blocks until all workers have exited.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// failOrphans errors out pending submissions whose payloads died with
// the previous process.
func (p *Pipeline) failOrphans(ctx context.Context) error {
	ids, err := p.store.Submissions().ListPending(ctx, 0)
	if err != nil {
		return fmt.Errorf("listing orphaned submissions: %w", err)
	}
	for _, id := range ids {
		err := p.store.Submissions().CompleteError(ctx, id,
			domain.CodeInternal, "evaluator restarted before processing", domain.Breakdown{})
		if err != nil && !errors.Is(err, storage.ErrNotClaimable) {
			return fmt.Errorf("failing orphaned submission %s: %w", id, err)
		}
	}
	if len(ids) > 0 {
		p.logger.Warn("failed orphaned submissions from previous run", slog.Int("count", len(ids)))
	}
	return nil
}

// Submit runs the admission checks, persists the pending record, and
// enqueues the evaluation. Returns the pending submission; rejection
// errors happen before anything is persisted.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*domain.Submission, error) {
	ch, err := p.store.Challenges().Get(ctx, req.ChallengeID)
	if err != nil {
		return nil, err
	}
	if !ch.Active {
		return nil, fmt.Errorf("challenge %s: %w", ch.ID, ErrChallengeInactive)
	}

	agent := &domain.Agent{
		ID:          req.AgentID,
		DisplayName: req.AgentName,
		CreatedAt:   time.Now().UTC(),
	}
	if agent.DisplayName == "" {
		agent.DisplayName = req.AgentID
	}
	if _, err := p.store.Agents().GetOrCreate(ctx, agent); err != nil {
		return nil, err
	}

	// Decode before consulting the limiter: a payload rejected at the
	// encoding level should not burn one of the agent's slots.
	compressed, err := base64.StdEncoding.DecodeString(req.CompressedB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBase64, err)
	}

	if err := p.limiter.CheckAndRecord(req.AgentID, req.ChallengeID); err != nil {
		p.obs.Metrics().RateLimitRejected(req.ChallengeID)
		return nil, err
	}

	now := time.Now().UTC()
	sub := &domain.Submission{
		ID:          uuid.New(),
		ChallengeID: ch.ID,
		AgentID:     req.AgentID,
		Status:      domain.StatusPending,
		Breakdown: domain.Breakdown{
			CompressedBytes:   len(compressed),
			DecompressorBytes: len([]byte(req.Decompressor)),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.Submissions().Create(ctx, sub); err != nil {
		return nil, err
	}
	p.obs.Metrics().SubmissionReceived(ch.ID)

	select {
	case p.queue <- job{submissionID: sub.ID, challenge: ch, compressed: compressed, source: req.Decompressor}:
		p.obs.Metrics().SetQueueDepth(len(p.queue))
	default:
		// Backpressure: the record exists, so close it out rather
		// than leave a pending row nothing will ever pick up.
		_ = p.store.Submissions().CompleteError(ctx, sub.ID,
			domain.CodeInternal, "evaluation queue is full", sub.Breakdown)
		return nil, ErrQueueFull
	}
	return sub, nil
}

func (p *Pipeline) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	logger := p.logger.With(slog.Int("worker", n))
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			p.obs.Metrics().SetQueueDepth(len(p.queue))
			p.evaluate(ctx, logger, j)
		}
	}
}

// evaluate drives one submission from claim to terminal state. All
// submitter-caused failures end as error records; only infrastructure
// trouble is logged at error level.
func (p *Pipeline) evaluate(ctx context.Context, logger *slog.Logger, j job) {
	subs := p.store.Submissions()
	logger = logger.With(
		slog.String("submission_id", j.submissionID.String()),
		slog.String("challenge_id", j.challenge.ID),
	)

	if err := subs.Claim(ctx, j.submissionID); err != nil {
		if errors.Is(err, storage.ErrNotClaimable) {
			logger.Warn("submission already claimed, skipping")
			return
		}
		logger.Error("claiming submission", slog.String("error", err.Error()))
		return
	}

	started := time.Now()
	outcome := p.run(ctx, logger, j)
	p.obs.Metrics().SubmissionCompleted(j.challenge.ID, outcome, time.Since(started))
	logger.Info("submission evaluated",
		slog.String("outcome", outcome),
		slog.Duration("took", time.Since(started)),
	)
}

// run performs the evaluation stages and commits the terminal state,
// returning the outcome label for metrics: "scored" or the error code.
func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, j job) string {
	subs := p.store.Submissions()
	breakdown := domain.Breakdown{
		CompressedBytes:   len(j.compressed),
		DecompressorBytes: len([]byte(j.source)),
	}
	fail := func(code, msg string) string {
		if err := subs.CompleteError(ctx, j.submissionID, code, msg, breakdown); err != nil {
			logger.Error("committing error state", slog.String("error", err.Error()))
		}
		return code
	}

	dataset, err := p.catalog.Load(j.challenge)
	if err != nil {
		logger.Error("loading dataset", slog.String("error", err.Error()))
		return fail(domain.CodeInternal, "challenge dataset unavailable")
	}

	// Shape checks before spending sandbox time.
	if len(j.compressed) == 0 {
		return fail(domain.CodeEmptyCompressed, "compressed data is empty")
	}
	if len(j.source) == 0 {
		return fail(domain.CodeEmptyDecompressor, "decompressor code is empty")
	}
	if len(j.source) > validator.MaxSourceBytes {
		return fail(domain.CodeCodeTooLarge,
			fmt.Sprintf("decompressor code is %d bytes, limit %d", len(j.source), validator.MaxSourceBytes))
	}
	if int64(len(j.compressed)) > 2*dataset.Size {
		return fail(domain.CodeCompressedTooBig,
			fmt.Sprintf("compressed data is %d bytes, more than twice the %d-byte input", len(j.compressed), dataset.Size))
	}

	prog, err := validator.Validate(j.source)
	if err != nil {
		var verr *validator.Error
		if errors.As(err, &verr) {
			return fail(verr.Code(), verr.Error())
		}
		return fail(domain.CodeInternal, "validator failure")
	}

	res, err := p.runner.Run(ctx, prog, j.compressed, p.cfg.Limits)
	if err != nil {
		var execErr *sandbox.ExecError
		if errors.As(err, &execErr) {
			return fail(execErr.Code(), execErr.Message)
		}
		logger.Error("sandbox infrastructure failure", slog.String("error", err.Error()))
		return fail(domain.CodeInternal, "sandbox unavailable")
	}

	score, err := scoring.Evaluate(dataset.Bytes, res.Output, breakdown)
	if err != nil {
		var mm *scoring.MismatchError
		if errors.As(err, &mm) {
			return fail(mm.Code(), mm.Error())
		}
		return fail(domain.CodeInternal, "scoring failure")
	}

	if err := subs.CompleteScored(ctx, j.submissionID, score.Total, score.Breakdown, res.Elapsed.Milliseconds()); err != nil {
		logger.Error("committing score", slog.String("error", err.Error()))
		return domain.CodeInternal
	}
	return "scored"
}
