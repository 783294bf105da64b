// CLAUDE:SUMMARY Score HTTP API: identity resolution (JWT or X-Anon-ID), lock/claim/resolve/merge endpoints wrapped in audit middleware, badges, evidence grading, leaderboard, health
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/pkg/idgen"
	"github.com/hazyhaar/pkg/kit"

	"github.com/Boomchakalala/prooflocker-sub000/internal/auth"
	"github.com/Boomchakalala/prooflocker-sub000/internal/badges"
	"github.com/Boomchakalala/prooflocker-sub000/internal/evidence"
	"github.com/Boomchakalala/prooflocker-sub000/internal/reliability"
	"github.com/Boomchakalala/prooflocker-sub000/internal/scoring"
	"github.com/Boomchakalala/prooflocker-sub000/pkg/audit"
)

// maxBodySize is the maximum HTTP body size for write endpoints.
const maxBodySize = 64 * 1024

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultBoardLimit   = 20
	maxBoardLimit       = 100
)

type API struct {
	agg     *scoring.Aggregator
	merger  *scoring.Merger
	auth    *auth.Auth
	board   scoring.Leaderboard
	audit   audit.Logger
	health  func(context.Context) error
	limiter *RateLimiter
	log     *slog.Logger

	lock    kit.Endpoint
	claim   kit.Endpoint
	resolve kit.Endpoint
	merge   kit.Endpoint
}

// Option configures the API.
type Option func(*API)

// WithAuditLogger records every write endpoint in the audit trail.
func WithAuditLogger(l audit.Logger) Option { return func(a *API) { a.audit = l } }

// WithLeaderboard enables GET /api/leaderboard.
func WithLeaderboard(b scoring.Leaderboard) Option { return func(a *API) { a.board = b } }

// WithHealthCheck sets the probe behind GET /api/health.
func WithHealthCheck(fn func(context.Context) error) Option { return func(a *API) { a.health = fn } }

// WithRateLimit caps write requests per client IP per minute. 0 disables it.
func WithRateLimit(perMinute int) Option {
	return func(a *API) {
		if perMinute > 0 {
			a.limiter = NewRateLimiter(perMinute, time.Minute)
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(a *API) { a.log = l } }

func New(agg *scoring.Aggregator, merger *scoring.Merger, au *auth.Auth, opts ...Option) *API {
	a := &API{agg: agg, merger: merger, auth: au, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("component", "api")

	a.lock = a.endpoint("award_lock", func(ctx context.Context, request any) (any, error) {
		r := request.(*claimRefReq)
		return a.agg.AwardLock(ctx, r.Identity, r.ClaimID)
	})
	a.claim = a.endpoint("award_claim", func(ctx context.Context, request any) (any, error) {
		r := request.(*claimRefReq)
		return a.agg.AwardClaim(ctx, r.Identity, r.ClaimID)
	})
	a.resolve = a.endpoint("resolve_claim", func(ctx context.Context, request any) (any, error) {
		r := request.(*resolveReq)
		return a.agg.Resolve(ctx, r.Identity, r.ResolveInput)
	})
	a.merge = a.endpoint("merge_identity", func(ctx context.Context, request any) (any, error) {
		r := request.(*mergeReq)
		return a.merger.Merge(ctx, r.AnonID, r.UserID)
	})
	return a
}

func (a *API) endpoint(action string, ep kit.Endpoint) kit.Endpoint {
	if a.audit != nil {
		return audit.Middleware(a.audit, action)(ep)
	}
	return ep
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	// Score
	mux.HandleFunc("GET /api/score", a.handleGetScore)
	mux.HandleFunc("GET /api/score/history", a.handleHistory)
	mux.HandleFunc("POST /api/score/lock", a.limited(a.handleLock))
	mux.HandleFunc("POST /api/score/claim", a.limited(a.handleClaim))
	mux.HandleFunc("POST /api/score/resolve", a.limited(a.handleResolve))
	mux.HandleFunc("POST /api/score/merge", a.limited(a.handleMerge))

	// Catalogue & pure calculators
	mux.HandleFunc("GET /api/badges", a.handleBadges)
	mux.HandleFunc("POST /api/evidence/grade", a.limited(a.handleGradeEvidence))
	mux.HandleFunc("GET /api/leaderboard", a.handleLeaderboard)

	mux.HandleFunc("GET /api/health", a.handleHealth)
}

func (a *API) limited(h http.HandlerFunc) http.HandlerFunc {
	if a.limiter == nil {
		return h
	}
	return RateLimitMiddleware(a.limiter, h)
}

// --- Identity ---

// identify resolves the caller: a valid bearer token names a user, an
// X-Anon-ID header names an anonymous visitor. Both or neither is invalid.
func (a *API) identify(r *http.Request) (scoring.Identity, error) {
	claims, err := a.auth.RequestClaims(r)
	if err != nil {
		return scoring.Identity{}, err
	}
	var id scoring.Identity
	if claims != nil {
		id.UserID = claims.UserID
	}
	id.AnonID = strings.TrimSpace(r.Header.Get(auth.AnonHeader))
	if err := id.Validate(); err != nil {
		return scoring.Identity{}, err
	}
	return id, nil
}

// requestContext carries transport and caller identity for the audit trail.
func requestContext(r *http.Request, id scoring.Identity) context.Context {
	ctx := kit.WithTransport(r.Context(), "http")
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = kit.GetTraceID(ctx)
	}
	if reqID == "" {
		reqID = idgen.New()
	}
	ctx = kit.WithRequestID(ctx, reqID)
	if id.UserID != "" {
		ctx = kit.WithUserID(ctx, id.UserID)
	}
	if id.AnonID != "" {
		ctx = audit.WithAnonID(ctx, id.AnonID)
	}
	return ctx
}

// --- Score ---

type scoreResp struct {
	Record      *scoring.ScoreRecord `json:"record"`
	Badges      []badges.ID          `json:"badges"`
	Reliability reliability.Score    `json:"reliability"`
}

func (a *API) handleGetScore(w http.ResponseWriter, r *http.Request) {
	id, err := a.identify(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	rec, err := a.agg.GetScore(r.Context(), id)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, scoreResp{
		Record:      rec,
		Badges:      rec.BadgeList(),
		Reliability: reliability.Calculate(rec.ReliabilityStats()),
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := a.identify(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	limit := queryInt(r, "limit", defaultHistoryLimit, maxHistoryLimit)
	entries, err := a.agg.History(r.Context(), id, limit)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []*scoring.ActionLogEntry{}
	}
	jsonResp(w, http.StatusOK, map[string]any{"entries": entries})
}

type claimRefReq struct {
	Identity scoring.Identity `json:"identity"`
	ClaimID  string           `json:"claim_id"`
}

func (a *API) handleLock(w http.ResponseWriter, r *http.Request) {
	a.serveClaimRef(w, r, a.lock)
}

func (a *API) handleClaim(w http.ResponseWriter, r *http.Request) {
	a.serveClaimRef(w, r, a.claim)
}

func (a *API) serveClaimRef(w http.ResponseWriter, r *http.Request, ep kit.Endpoint) {
	id, err := a.identify(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	var body struct {
		ClaimID string `json:"claim_id"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req := &claimRefReq{Identity: id, ClaimID: strings.TrimSpace(body.ClaimID)}
	resp, err := ep(requestContext(r, id), req)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, resp)
}

type resolveReq struct {
	Identity scoring.Identity `json:"identity"`
	scoring.ResolveInput
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := a.identify(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	var body struct {
		ClaimID  string               `json:"claim_id"`
		Correct  *bool                `json:"correct"`
		Category string               `json:"category"`
		Evidence *evidence.Submission `json:"evidence"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Correct == nil {
		jsonError(w, "correct is required", http.StatusBadRequest)
		return
	}
	req := &resolveReq{
		Identity: id,
		ResolveInput: scoring.ResolveInput{
			ClaimRef: strings.TrimSpace(body.ClaimID),
			Correct:  *body.Correct,
			Category: body.Category,
			Evidence: body.Evidence,
		},
	}
	resp, err := a.resolve(requestContext(r, id), req)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, resp)
}

type mergeReq struct {
	AnonID string `json:"anon_id"`
	UserID string `json:"user_id"`
}

// handleMerge folds an anonymous identity into the authenticated caller.
func (a *API) handleMerge(w http.ResponseWriter, r *http.Request) {
	claims, err := a.auth.RequestClaims(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if claims == nil {
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	var body struct {
		AnonID string `json:"anon_id"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req := &mergeReq{AnonID: strings.TrimSpace(body.AnonID), UserID: claims.UserID}
	if req.AnonID == "" {
		jsonError(w, "anon_id is required", http.StatusBadRequest)
		return
	}
	user := scoring.User(claims.UserID)
	resp, err := a.merge(requestContext(r, user), req)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, resp)
}

// --- Catalogue, evidence, leaderboard ---

func (a *API) handleBadges(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, map[string]any{"badges": badges.All()})
}

func (a *API) handleGradeEvidence(w http.ResponseWriter, r *http.Request) {
	var sub evidence.Submission
	if err := decodeBody(w, r, &sub); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	jsonResp(w, http.StatusOK, evidence.Assess(sub))
}

type boardEntry struct {
	Identity    scoring.Identity `json:"identity"`
	TotalPoints int              `json:"total_points"`
	BestStreak  int              `json:"best_streak"`
	Badges      int              `json:"badge_count"`
	Tier        string           `json:"tier"`
}

func (a *API) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if a.board == nil {
		jsonError(w, "leaderboard unavailable", http.StatusNotFound)
		return
	}
	limit := queryInt(r, "limit", defaultBoardLimit, maxBoardLimit)
	recs, err := a.board.Top(r.Context(), limit)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	out := make([]boardEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, boardEntry{
			Identity:    rec.Identity,
			TotalPoints: rec.TotalPoints,
			BestStreak:  rec.BestStreak,
			Badges:      len(rec.Badges),
			Tier:        reliability.Calculate(rec.ReliabilityStats()).Tier,
		})
	}
	jsonResp(w, http.StatusOK, map[string]any{"leaderboard": out})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			a.log.Warn("health check failed", "error", err)
			jsonError(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	jsonResp(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Helpers ---

// writeErr maps engine errors onto HTTP statuses.
func (a *API) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrBadToken):
		jsonError(w, "invalid token", http.StatusUnauthorized)
	case errors.Is(err, scoring.ErrInvalidIdentity):
		jsonError(w, "invalid identity: send exactly one of a bearer token or "+auth.AnonHeader, http.StatusBadRequest)
	case errors.Is(err, scoring.ErrMissingClaimRef), errors.Is(err, scoring.ErrSameIdentity):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, scoring.ErrConcurrentUpdate):
		jsonError(w, "concurrent update, retry", http.StatusConflict)
	case errors.Is(err, scoring.ErrPersistenceUnavailable):
		a.log.Error("persistence unavailable", "error", err)
		jsonError(w, "storage unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		jsonError(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		a.log.Error("internal error", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

// decodeBody decodes a JSON body; an empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(r *http.Request, key string, def, ceiling int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, ceiling)
}

func jsonResp(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
