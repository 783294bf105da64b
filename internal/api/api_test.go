package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hazyhaar/pkg/dbopen"
	_ "modernc.org/sqlite"

	"github.com/Boomchakalala/prooflocker-sub000/internal/auth"
	"github.com/Boomchakalala/prooflocker-sub000/internal/badges"
	"github.com/Boomchakalala/prooflocker-sub000/internal/scoring"
	"github.com/Boomchakalala/prooflocker-sub000/pkg/audit"
)

type testEnv struct {
	mux    *http.ServeMux
	auth   *auth.Auth
	ledger scoring.Ledger
}

func newEnv(t *testing.T, ledger scoring.Ledger, opts ...Option) *testEnv {
	t.Helper()
	if ledger == nil {
		ledger = scoring.NewMemoryLedger()
	}
	agg, err := scoring.NewAggregator(ledger, scoring.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	merger, err := scoring.NewMerger(ledger, scoring.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	au := auth.New("test-secret", 60)
	if board, ok := ledger.(scoring.Leaderboard); ok {
		opts = append(opts, WithLeaderboard(board))
	}
	mux := http.NewServeMux()
	New(agg, merger, au, opts...).RegisterRoutes(mux)
	return &testEnv{mux: mux, auth: au, ledger: ledger}
}

type caller struct {
	anon   string
	userID string
}

func (e *testEnv) do(t *testing.T, method, path string, who caller, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if who.anon != "" {
		req.Header.Set(auth.AnonHeader, who.anon)
	}
	if who.userID != "" {
		tok, err := e.auth.GenerateToken(who.userID, "h")
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestLockThenResolve(t *testing.T) {
	env := newEnv(t, nil)
	anon := caller{anon: "a1"}

	rec, out := env.do(t, "POST", "/api/score/lock", anon, map[string]string{"claim_id": "p1"})
	if rec.Code != http.StatusOK || out["new_total"] != float64(10) {
		t.Fatalf("lock: %d %v", rec.Code, out)
	}
	rec, out = env.do(t, "POST", "/api/score/resolve", anon, map[string]any{
		"claim_id": "p1", "correct": true, "category": "Crypto",
	})
	if rec.Code != http.StatusOK || out["new_total"] != float64(140) || out["new_streak"] != float64(1) {
		t.Fatalf("resolve: %d %v", rec.Code, out)
	}
	bd := out["breakdown"].(map[string]any)
	if bd["risk_bonus"] != float64(40) || bd["streak_bonus"] != float64(10) {
		t.Errorf("breakdown = %v", bd)
	}

	rec, out = env.do(t, "GET", "/api/score", anon, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("score: %d", rec.Code)
	}
	record := out["record"].(map[string]any)
	if record["total_points"] != float64(140) {
		t.Errorf("record = %v", record)
	}
	if rel := out["reliability"].(map[string]any); rel["accuracy"] != float64(400) {
		t.Errorf("reliability = %v", rel)
	}

	rec, out = env.do(t, "GET", "/api/score/history?limit=1", anon, nil)
	if rec.Code != http.StatusOK || len(out["entries"].([]any)) != 1 {
		t.Errorf("history: %d %v", rec.Code, out)
	}
}

func TestIdentityRules(t *testing.T) {
	env := newEnv(t, nil)
	cases := []struct {
		name string
		who  caller
		want int
	}{
		{"neither", caller{}, http.StatusBadRequest},
		{"both", caller{anon: "a1", userID: "u1"}, http.StatusBadRequest},
		{"anon", caller{anon: "a1"}, http.StatusOK},
		{"user", caller{userID: "u1"}, http.StatusOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec, _ := env.do(t, "POST", "/api/score/lock", c.who, map[string]string{"claim_id": "p"})
			if rec.Code != c.want {
				t.Errorf("status = %d, want %d", rec.Code, c.want)
			}
		})
	}

	req := httptest.NewRequest("GET", "/api/score", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d", rec.Code)
	}
}

func TestResolveValidation(t *testing.T) {
	env := newEnv(t, nil)
	rec, _ := env.do(t, "POST", "/api/score/resolve", caller{anon: "a"}, map[string]any{"claim_id": "p"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing correct: %d", rec.Code)
	}

	req := httptest.NewRequest("POST", "/api/score/resolve", bytes.NewBufferString("{not json"))
	req.Header.Set(auth.AnonHeader, "a")
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json: %d", w.Code)
	}
}

func TestClaimOncePerRef(t *testing.T) {
	env := newEnv(t, nil)
	who := caller{userID: "u1"}
	if rec, _ := env.do(t, "POST", "/api/score/claim", who, map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing claim_id: %d", rec.Code)
	}
	_, first := env.do(t, "POST", "/api/score/claim", who, map[string]string{"claim_id": "p1"})
	_, second := env.do(t, "POST", "/api/score/claim", who, map[string]string{"claim_id": "p1"})
	if first["points_awarded"] != float64(20) || second["duplicate"] != true || second["new_total"] != float64(20) {
		t.Errorf("first=%v second=%v", first, second)
	}
}

func TestMerge(t *testing.T) {
	env := newEnv(t, nil)
	env.do(t, "POST", "/api/score/lock", caller{anon: "a1"}, map[string]string{"claim_id": "p1"})

	if rec, _ := env.do(t, "POST", "/api/score/merge", caller{anon: "a1"}, map[string]string{"anon_id": "a1"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated merge: %d", rec.Code)
	}
	if rec, _ := env.do(t, "POST", "/api/score/merge", caller{userID: "u1"}, map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing anon_id: %d", rec.Code)
	}

	rec, out := env.do(t, "POST", "/api/score/merge", caller{userID: "u1"}, map[string]string{"anon_id": "a1"})
	if rec.Code != http.StatusOK || out["merged"] != true || out["repointed"] != true {
		t.Fatalf("merge: %d %v", rec.Code, out)
	}
	_, out = env.do(t, "GET", "/api/score", caller{userID: "u1"}, nil)
	if out["record"].(map[string]any)["total_points"] != float64(10) {
		t.Errorf("user score = %v", out)
	}

	rec, out = env.do(t, "POST", "/api/score/merge", caller{userID: "u1"}, map[string]string{"anon_id": "a1"})
	if rec.Code != http.StatusOK || out["merged"] != false {
		t.Errorf("repeat merge: %d %v", rec.Code, out)
	}
}

// failingLedger fails every update with err.
type failingLedger struct {
	*scoring.MemoryLedger
	err error
}

func (f *failingLedger) AtomicUpdate(context.Context, scoring.Identity, scoring.Mutator) (*scoring.ScoreRecord, error) {
	return nil, f.err
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{scoring.ErrConcurrentUpdate, http.StatusConflict},
		{fmt.Errorf("%w: disk full", scoring.ErrPersistenceUnavailable), http.StatusServiceUnavailable},
		{errors.New("surprise"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		env := newEnv(t, &failingLedger{MemoryLedger: scoring.NewMemoryLedger(), err: c.err})
		rec, _ := env.do(t, "POST", "/api/score/lock", caller{anon: "a"}, map[string]string{"claim_id": "p"})
		if rec.Code != c.want {
			t.Errorf("%v: status = %d, want %d", c.err, rec.Code, c.want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	env := newEnv(t, nil, WithRateLimit(2))
	var codes []int
	for range 3 {
		rec, _ := env.do(t, "POST", "/api/score/lock", caller{anon: "a"}, map[string]string{"claim_id": "p"})
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
	// Reads are not limited.
	if rec, _ := env.do(t, "GET", "/api/score", caller{anon: "a"}, nil); rec.Code != http.StatusOK {
		t.Errorf("read limited: %d", rec.Code)
	}
}

func TestBadgesAndEvidence(t *testing.T) {
	env := newEnv(t, nil)
	_, out := env.do(t, "GET", "/api/badges", caller{}, nil)
	list := out["badges"].([]any)
	if len(list) != len(badges.All()) {
		t.Errorf("badges = %d", len(list))
	}
	if first := list[0].(map[string]any); first["kind"] == nil || first["id"] == nil {
		t.Errorf("badge shape = %v", first)
	}

	rec, out := env.do(t, "POST", "/api/evidence/grade", caller{}, map[string]any{
		"items":   []map[string]string{{"type": "link", "url": "https://example.com/x"}},
		"summary": "short",
	})
	if rec.Code != http.StatusOK || out["grade"] == nil || out["score"] == nil {
		t.Errorf("grade: %d %v", rec.Code, out)
	}
}

func TestLeaderboard(t *testing.T) {
	env := newEnv(t, nil)
	for range 3 {
		env.do(t, "POST", "/api/score/lock", caller{anon: "top"}, map[string]string{})
	}
	env.do(t, "POST", "/api/score/lock", caller{anon: "low"}, map[string]string{})

	_, out := env.do(t, "GET", "/api/leaderboard?limit=1", caller{}, nil)
	board := out["leaderboard"].([]any)
	if len(board) != 1 {
		t.Fatalf("board = %v", board)
	}
	top := board[0].(map[string]any)
	if top["total_points"] != float64(30) || top["identity"].(map[string]any)["anon_id"] != "top" {
		t.Errorf("top = %v", top)
	}
}

func TestHealth(t *testing.T) {
	env := newEnv(t, nil)
	if rec, _ := env.do(t, "GET", "/api/health", caller{}, nil); rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}
	env = newEnv(t, nil, WithHealthCheck(func(context.Context) error { return errors.New("db down") }))
	if rec, _ := env.do(t, "GET", "/api/health", caller{}, nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy = %d", rec.Code)
	}
}

func TestAuditTrail(t *testing.T) {
	db := dbopen.OpenMemory(t)
	logger := audit.NewSQLiteLogger(db)
	if err := logger.Init(); err != nil {
		t.Fatal(err)
	}
	env := newEnv(t, nil, WithAuditLogger(logger))

	env.do(t, "POST", "/api/score/lock", caller{anon: "aud"}, map[string]string{"claim_id": "p1"})
	env.do(t, "POST", "/api/score/claim", caller{userID: "u1"}, map[string]string{})
	logger.Close()

	var anonID, transport, status string
	err := db.QueryRow("SELECT anon_id, transport, status FROM audit_log WHERE action='award_lock'").Scan(&anonID, &transport, &status)
	if err != nil {
		t.Fatal(err)
	}
	if anonID != "aud" || transport != "http" || status != "success" {
		t.Errorf("lock row: anon=%q transport=%q status=%q", anonID, transport, status)
	}
	var userID, errMsg string
	err = db.QueryRow("SELECT user_id, status, error_message FROM audit_log WHERE action='award_claim'").Scan(&userID, &status, &errMsg)
	if err != nil {
		t.Fatal(err)
	}
	if userID != "u1" || status != "error" || errMsg == "" {
		t.Errorf("claim row: user=%q status=%q err=%q", userID, status, errMsg)
	}
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	if !rl.Allow("1.1.1.1") || rl.Allow("1.1.1.1") {
		t.Fatal("limit not enforced")
	}
	now = now.Add(2 * time.Minute)
	if !rl.Allow("2.2.2.2") {
		t.Fatal("new client refused")
	}
	if _, ok := rl.clients["1.1.1.1"]; ok {
		t.Error("expired bucket not swept")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := clientIP(r); got != "10.0.0.1" {
		t.Errorf("remote = %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.7" {
		t.Errorf("forwarded = %q", got)
	}
}

type recordedRequest struct {
	route  string
	status int
}

type fakeRecorder struct{ got []recordedRequest }

func (f *fakeRecorder) RecordRequest(route string, status int, _ time.Duration) {
	f.got = append(f.got, recordedRequest{route, status})
}

func TestMiddlewareChain(t *testing.T) {
	env := newEnv(t, nil)
	rec := &fakeRecorder{}
	h := SecurityHeaders(RequestMetrics(rec, env.mux))

	for _, path := range []string{"/api/badges", "/nope"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Header().Get("Content-Security-Policy") == "" || w.Header().Get("Cache-Control") != "no-store" {
			t.Errorf("%s: headers %v", path, w.Header())
		}
	}

	want := []recordedRequest{{"GET /api/badges", http.StatusOK}, {"unmatched", http.StatusNotFound}}
	if len(rec.got) != len(want) {
		t.Fatalf("recorded %+v", rec.got)
	}
	for i := range want {
		if rec.got[i] != want[i] {
			t.Errorf("request %d: got %+v, want %+v", i, rec.got[i], want[i])
		}
	}
}
