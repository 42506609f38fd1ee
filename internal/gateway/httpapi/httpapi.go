// Package httpapi implements the HTTP API gateway for the arena.
//
// Security:
//   - Bearer token authentication on mutating requests (constant-time comparison)
//   - Request body size limits (default 32 MB, sized for base64 payloads)
//   - Per-agent rate limiting enforced inside the pipeline
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/jkaninda/arena/internal/domain"
	"github.com/jkaninda/arena/internal/observability"
	"github.com/jkaninda/arena/internal/pipeline"
	"github.com/jkaninda/arena/internal/ratelimit"
	"github.com/jkaninda/arena/internal/storage"
	"github.com/jkaninda/okapi"
)

// Base64 inflates payloads by a third; the cap leaves room for a full
// challenge-sized submission plus the decompressor source.
const defaultMaxRequestSize = 32 << 20

const defaultLeaderboardLimit = 50

// ErrorBody is the standard error response. ErrorCode carries the
// machine-readable rejection code so clients can branch without parsing
// the message.
type ErrorBody struct {
	ErrorCode         string `json:"error_code,omitempty"`
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	AuthToken      string // Bearer token for mutating endpoints. Empty = open.
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 32 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	pipeline *pipeline.Pipeline
	store    storage.Store
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
	group    *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, p *pipeline.Pipeline, store storage.Store, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:   cfg,
		pipeline: p,
		store:    store,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Arena",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// /v1 group. Auth only challenges mutating requests; metrics and
	// tracing cover the whole API surface but not the probe endpoints.
	middlewares := []okapi.Middleware{g.authenticate}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	g.group = g.okapi.Group("/v1", middlewares...)

	// Challenge endpoints.
	g.group.Get("/challenges", g.handleChallengeList,
		okapi.DocSummary("List challenges"),
		okapi.DocTags("Challenges"),
		okapi.DocResponse([]ChallengeResponse{}),
	)
	g.group.Get("/challenges/{id}", g.handleChallengeGet,
		okapi.DocSummary("Get a challenge by ID"),
		okapi.DocTags("Challenges"),
		okapi.DocPathParam("id", "string", "Challenge ID"),
		okapi.DocResponse(ChallengeResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/challenges/{id}/leaderboard", g.handleLeaderboard,
		okapi.DocSummary("Get the challenge leaderboard"),
		okapi.DocTags("Challenges"),
		okapi.DocPathParam("id", "string", "Challenge ID"),
		okapi.DocResponse(LeaderboardResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Submission endpoints.
	g.group.Post("/challenges/{id}/submissions", g.handleSubmit,
		okapi.DocSummary("Submit a compressed payload with its decompressor"),
		okapi.DocTags("Submissions"),
		okapi.DocPathParam("id", "string", "Challenge ID"),
		okapi.DocRequestBody(SubmitBody{}),
		okapi.DocResponse(http.StatusAccepted, SubmissionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/submissions/{id}", g.handleSubmissionGet,
		okapi.DocSummary("Get submission status and result"),
		okapi.DocTags("Submissions"),
		okapi.DocPathParam("id", "string", "Submission ID (UUID)"),
		okapi.DocResponse(SubmissionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Agent endpoints.
	g.group.Post("/agents", g.handleAgentRegister,
		okapi.DocSummary("Register an agent identity"),
		okapi.DocTags("Agents"),
		okapi.DocRequestBody(AgentRequest{}),
		okapi.DocResponse(http.StatusCreated, AgentResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/agents/{id}", g.handleAgentGet,
		okapi.DocSummary("Get an agent by ID"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID"),
		okapi.DocResponse(AgentResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// SubmitBody is the JSON body for POST /v1/challenges/{id}/submissions.
type SubmitBody struct {
	AgentID        string `json:"agent_id"`
	AgentName      string `json:"agent_name,omitempty"` // Defaults to agent_id on first sight.
	CompressedData string `json:"compressed_data"`      // Base64-encoded compressed payload.
	Decompressor   string `json:"decompressor_code"`    // Python source defining decompress(data).
}

// BreakdownBody is the score decomposition in submission responses.
type BreakdownBody struct {
	CompressedBytes   int   `json:"compressed_bytes"`
	DecompressorBytes int   `json:"decompressor_bytes"`
	Total             int64 `json:"total"`
}

// SubmissionResponse is the JSON representation of a submission.
type SubmissionResponse struct {
	ID          string         `json:"id"`
	ChallengeID string         `json:"challenge_id"`
	AgentID     string         `json:"agent_id"`
	Status      string         `json:"status"`
	Score       *int64         `json:"score,omitempty"`
	Rank        int            `json:"rank,omitempty"`
	Breakdown   *BreakdownBody `json:"breakdown,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	ErrorMsg    string         `json:"error_message,omitempty"`
	ElapsedMS   int64          `json:"elapsed_ms,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// Set on scored reads only.
	LeaderboardURL string `json:"leaderboard_url,omitempty"`
}

func (g *Gateway) handleSubmit(c *okapi.Context) error {
	challengeID := c.Param("id")

	var req SubmitBody
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.AgentID == "" {
		return c.AbortBadRequest("agent_id is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http submission",
		slog.String("correlation_id", correlationID),
		slog.String("challenge_id", challengeID),
		slog.String("agent_id", req.AgentID),
		slog.Int("compressed_b64_len", len(req.CompressedData)),
		slog.Int("decompressor_len", len(req.Decompressor)),
	)

	sub, err := g.pipeline.Submit(c.Context(), pipeline.SubmitRequest{
		ChallengeID:   challengeID,
		AgentID:       req.AgentID,
		AgentName:     req.AgentName,
		CompressedB64: req.CompressedData,
		Decompressor:  req.Decompressor,
	})
	if err != nil {
		return g.submitError(c, correlationID, err)
	}

	return c.JSON(http.StatusAccepted, toSubmissionResponse(sub))
}

func (g *Gateway) handleSubmissionGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid submission ID")
	}

	sub, err := g.store.Submissions().Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{
				ErrorCode: domain.CodeNotFound, Error: "submission not found",
			})
		}
		g.logger.Error("fetching submission", slog.String("error", err.Error()))
		return c.AbortInternalServerError("storage error")
	}

	resp := toSubmissionResponse(sub)
	if sub.Scored() && sub.Score != nil {
		// A terminal read includes standing: where this score currently
		// places on the board, and where to see the full board.
		rank, err := g.store.Submissions().Rank(c.Context(), sub.ChallengeID, *sub.Score)
		if err != nil {
			g.logger.Error("ranking submission", slog.String("error", err.Error()))
		} else {
			resp.Rank = rank
		}
		resp.LeaderboardURL = "/v1/challenges/" + sub.ChallengeID + "/leaderboard"
	}
	return c.OK(resp)
}

// ChallengeResponse is the JSON representation of a challenge.
type ChallengeResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	ScoringRule string    `json:"scoring_rule,omitempty"`
	InputSize   int64     `json:"input_size"`
	InputSHA256 string    `json:"input_sha256"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

func (g *Gateway) handleChallengeList(c *okapi.Context) error {
	activeOnly := c.Request().URL.Query().Get("active") == "true"

	challenges, err := g.store.Challenges().List(c.Context(), activeOnly)
	if err != nil {
		g.logger.Error("listing challenges", slog.String("error", err.Error()))
		return c.AbortInternalServerError("storage error")
	}

	resp := make([]ChallengeResponse, len(challenges))
	for i := range challenges {
		resp[i] = toChallengeResponse(&challenges[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleChallengeGet(c *okapi.Context) error {
	ch, err := g.store.Challenges().Get(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{
				ErrorCode: domain.CodeNotFound, Error: "challenge not found",
			})
		}
		g.logger.Error("fetching challenge", slog.String("error", err.Error()))
		return c.AbortInternalServerError("storage error")
	}
	return c.OK(toChallengeResponse(ch))
}

// LeaderboardEntryBody is one row of the leaderboard.
type LeaderboardEntryBody struct {
	Rank        int           `json:"rank"`
	AgentID     string        `json:"agent_id"`
	DisplayName string        `json:"display_name"`
	Score       int64         `json:"score"`
	Breakdown   BreakdownBody `json:"breakdown"`
	SubmittedAt time.Time     `json:"submitted_at"`
}

// LeaderboardResponse is the JSON response for the leaderboard endpoint.
// The totals count every submission on the challenge, not just scored
// ones, so they track participation rather than success.
type LeaderboardResponse struct {
	ChallengeID      string                 `json:"challenge_id"`
	Entries          []LeaderboardEntryBody `json:"entries"`
	TotalSubmissions int64                  `json:"total_submissions"`
	UniqueAgents     int64                  `json:"unique_agents"`
}

func (g *Gateway) handleLeaderboard(c *okapi.Context) error {
	challengeID := c.Param("id")

	if _, err := g.store.Challenges().Get(c.Context(), challengeID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{
				ErrorCode: domain.CodeNotFound, Error: "challenge not found",
			})
		}
		g.logger.Error("fetching challenge", slog.String("error", err.Error()))
		return c.AbortInternalServerError("storage error")
	}

	limit := defaultLeaderboardLimit
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = n
	}

	entries, err := g.store.Submissions().Leaderboard(c.Context(), challengeID, limit)
	if err != nil {
		g.logger.Error("building leaderboard", slog.String("error", err.Error()))
		return c.AbortInternalServerError("storage error")
	}
	stats, err := g.store.Submissions().BoardStats(c.Context(), challengeID)
	if err != nil {
		g.logger.Error("counting board activity", slog.String("error", err.Error()))
		return c.AbortInternalServerError("storage error")
	}

	resp := LeaderboardResponse{
		ChallengeID:      challengeID,
		Entries:          make([]LeaderboardEntryBody, len(entries)),
		TotalSubmissions: stats.TotalSubmissions,
		UniqueAgents:     stats.UniqueAgents,
	}
	for i, e := range entries {
		resp.Entries[i] = LeaderboardEntryBody{
			Rank:        e.Rank,
			AgentID:     e.AgentID,
			DisplayName: e.DisplayName,
			Score:       e.Score,
			Breakdown: BreakdownBody{
				CompressedBytes:   e.Breakdown.CompressedBytes,
				DecompressorBytes: e.Breakdown.DecompressorBytes,
				Total:             e.Score,
			},
			SubmittedAt: e.SubmittedAt,
		}
	}
	return c.OK(resp)
}

// AgentRequest is the JSON body for POST /v1/agents.
type AgentRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Contact     string `json:"contact,omitempty"`
}

// AgentResponse is the JSON representation of an agent. The activity
// fields are filled on reads; a freshly registered agent has none.
type AgentResponse struct {
	ID              string           `json:"id"`
	DisplayName     string           `json:"display_name"`
	Contact         string           `json:"contact,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	SubmissionCount int64            `json:"submission_count"`
	BestScores      map[string]int64 `json:"best_scores,omitempty"`
}

func (g *Gateway) handleAgentRegister(c *okapi.Context) error {
	var req AgentRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ID == "" {
		return c.AbortBadRequest("id is required")
	}
	if req.DisplayName == "" {
		req.DisplayName = req.ID
	}

	agent, err := g.store.Agents().GetOrCreate(c.Context(), &domain.Agent{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		Contact:     req.Contact,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		g.logger.Error("registering agent", slog.String("error", err.Error()))
		return c.AbortInternalServerError("storage error")
	}

	return c.JSON(http.StatusCreated, toAgentResponse(agent))
}

func (g *Gateway) handleAgentGet(c *okapi.Context) error {
	agent, err := g.store.Agents().Get(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{
				ErrorCode: domain.CodeNotFound, Error: "agent not found",
			})
		}
		g.logger.Error("fetching agent", slog.String("error", err.Error()))
		return c.AbortInternalServerError("storage error")
	}

	resp := toAgentResponse(agent)
	summary, err := g.store.Submissions().AgentSummary(c.Context(), agent.ID)
	if err != nil {
		g.logger.Error("summarizing agent activity", slog.String("error", err.Error()))
	} else {
		resp.SubmissionCount = summary.SubmissionCount
		resp.BestScores = summary.BestScores
	}
	return c.OK(resp)
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate enforces the bearer token on mutating requests.
// Reads stay open so agents can poll results and the leaderboard.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.AuthToken == "" || c.Request().Method == http.MethodGet {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(token), []byte(g.config.AuthToken)) != 1 {
			return c.AbortUnauthorized("invalid token")
		}
		return next(c)
	}
}

// --- Helpers ---

// submitError maps pipeline admission errors to HTTP responses.
func (g *Gateway) submitError(c *okapi.Context, correlationID string, err error) error {
	status, body := submitErrorBody(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("submission intake failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
	return c.JSON(status, body)
}

// submitErrorBody translates an admission error into the HTTP status
// and error body, code included, so rejected submissions stay machine
// readable even though no record was created.
func submitErrorBody(err error) (int, ErrorBody) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, ErrorBody{
			ErrorCode: domain.CodeNotFound,
			Error:     "challenge not found",
		}
	case errors.Is(err, pipeline.ErrChallengeInactive):
		return http.StatusConflict, ErrorBody{
			ErrorCode: domain.CodeChallengeInactive,
			Error:     "challenge is not accepting submissions",
		}
	case errors.Is(err, pipeline.ErrInvalidBase64):
		return http.StatusBadRequest, ErrorBody{
			ErrorCode: domain.CodeInvalidBase64,
			Error:     "compressed_data is not valid base64",
		}
	case errors.Is(err, ratelimit.ErrRateLimited):
		body := ErrorBody{ErrorCode: domain.CodeRateLimited, Error: err.Error()}
		var lim *ratelimit.LimitError
		if errors.As(err, &lim) {
			body.RetryAfterSeconds = int(lim.RetryIn.Round(time.Second) / time.Second)
		}
		return http.StatusTooManyRequests, body
	case errors.Is(err, pipeline.ErrQueueFull):
		return http.StatusServiceUnavailable, ErrorBody{
			ErrorCode: domain.CodeQueueFull,
			Error:     "evaluation queue is full, retry later",
		}
	default:
		return http.StatusInternalServerError, ErrorBody{
			ErrorCode: domain.CodeInternal,
			Error:     "submission failed",
		}
	}
}

func toSubmissionResponse(sub *domain.Submission) SubmissionResponse {
	resp := SubmissionResponse{
		ID:          sub.ID.String(),
		ChallengeID: sub.ChallengeID,
		AgentID:     sub.AgentID,
		Status:      string(sub.Status),
		Score:       sub.Score,
		ErrorCode:   sub.ErrorCode,
		ErrorMsg:    sub.ErrorMsg,
		ElapsedMS:   sub.ElapsedMS,
		CreatedAt:   sub.CreatedAt,
		UpdatedAt:   sub.UpdatedAt,
	}
	if sub.Breakdown != (domain.Breakdown{}) {
		b := BreakdownBody{
			CompressedBytes:   sub.Breakdown.CompressedBytes,
			DecompressorBytes: sub.Breakdown.DecompressorBytes,
		}
		if sub.Score != nil {
			b.Total = *sub.Score
		}
		resp.Breakdown = &b
	}
	return resp
}

func toChallengeResponse(ch *domain.Challenge) ChallengeResponse {
	return ChallengeResponse{
		ID:          ch.ID,
		Title:       ch.Title,
		Description: ch.Description,
		ScoringRule: ch.ScoringRule,
		InputSize:   ch.InputSize,
		InputSHA256: ch.InputSHA256,
		Active:      ch.Active,
		CreatedAt:   ch.CreatedAt,
	}
}

func toAgentResponse(a *domain.Agent) AgentResponse {
	return AgentResponse{
		ID:          a.ID,
		DisplayName: a.DisplayName,
		Contact:     a.Contact,
		CreatedAt:   a.CreatedAt,
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
