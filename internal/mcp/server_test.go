package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/server"

	"github.com/Boomchakalala/prooflocker-sub000/internal/scoring"
)

func newTestServer(t *testing.T) (*server.MCPServer, *scoring.MemoryLedger) {
	t.Helper()
	ledger := scoring.NewMemoryLedger()
	agg, err := scoring.NewAggregator(ledger, scoring.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	merger, err := scoring.NewMerger(ledger, scoring.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer("prooflocker", "test", Deps{Aggregator: agg, Merger: merger, Leaderboard: ledger})
	initialize(t, srv)
	return srv, ledger
}

func initialize(t *testing.T, srv *server.MCPServer) {
	t.Helper()
	msg := `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`
	srv.HandleMessage(context.Background(), json.RawMessage(msg))
}

type toolResult struct {
	Text    string
	IsError bool
}

var callSeq int

func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]any) toolResult {
	t.Helper()
	callSeq++
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      callSeq,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	resp := srv.HandleMessage(context.Background(), raw)
	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode %s: %v", out, err)
	}
	if decoded.Error != nil {
		t.Fatalf("%s: rpc error %s", name, decoded.Error.Message)
	}
	if len(decoded.Result.Content) == 0 {
		t.Fatalf("%s: empty content: %s", name, out)
	}
	return toolResult{Text: decoded.Result.Content[0].Text, IsError: decoded.Result.IsError}
}

func mustJSON(t *testing.T, res toolResult, v any) {
	t.Helper()
	if res.IsError {
		t.Fatalf("tool error: %s", res.Text)
	}
	if err := json.Unmarshal([]byte(res.Text), v); err != nil {
		t.Fatalf("decode %q: %v", res.Text, err)
	}
}

func TestLockAndResolve(t *testing.T) {
	srv, _ := newTestServer(t)

	var award scoring.Award
	mustJSON(t, callTool(t, srv, "award_lock", map[string]any{"anon_id": "anon_1", "claim_id": "p1"}), &award)
	if award.NewTotal != 10 {
		t.Fatalf("lock total: got %d, want 10", award.NewTotal)
	}

	var res scoring.Resolution
	mustJSON(t, callTool(t, srv, "resolve_claim", map[string]any{
		"anon_id": "anon_1", "claim_id": "p1", "correct": true, "category": "Crypto",
	}), &res)
	if res.PointsAwarded != 130 || res.NewTotal != 140 || res.NewStreak != 1 {
		t.Fatalf("resolution: %+v", res)
	}

	var score struct {
		Record      scoring.ScoreRecord `json:"record"`
		Reliability struct {
			Total int `json:"total"`
		} `json:"reliability"`
	}
	mustJSON(t, callTool(t, srv, "get_score", map[string]any{"anon_id": "anon_1"}), &score)
	if score.Record.TotalPoints != 140 {
		t.Fatalf("score: %+v", score.Record)
	}
}

func TestResolveRequiresBoolean(t *testing.T) {
	srv, _ := newTestServer(t)
	res := callTool(t, srv, "resolve_claim", map[string]any{"anon_id": "anon_1", "correct": "yes"})
	if !res.IsError || !strings.Contains(res.Text, "correct") {
		t.Fatalf("expected argument error, got %+v", res)
	}
}

func TestInvalidIdentityIsToolError(t *testing.T) {
	srv, ledger := newTestServer(t)
	res := callTool(t, srv, "award_lock", map[string]any{"anon_id": "a", "user_id": "u"})
	if !res.IsError {
		t.Fatalf("both IDs accepted: %s", res.Text)
	}
	top, err := ledger.Top(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 0 {
		t.Fatalf("records written on invalid identity: %d", len(top))
	}
}

func TestResolveWithEvidence(t *testing.T) {
	srv, _ := newTestServer(t)
	var res scoring.Resolution
	mustJSON(t, callTool(t, srv, "resolve_claim", map[string]any{
		"user_id": "usr_1", "correct": true, "category": "Tech",
		"evidence": map[string]any{
			"items":   []any{map[string]any{"type": "link", "url": "https://www.reuters.com/x"}},
			"summary": "Official announcement confirming the release date and pricing.",
		},
	}), &res)
	if res.Evidence == nil || res.Evidence.Score == 0 {
		t.Fatalf("evidence not graded: %+v", res.Evidence)
	}
}

func TestMergeIdentity(t *testing.T) {
	srv, _ := newTestServer(t)
	callTool(t, srv, "award_lock", map[string]any{"anon_id": "anon_9"})

	var m scoring.MergeResult
	mustJSON(t, callTool(t, srv, "merge_identity", map[string]any{"anon_id": "anon_9", "user_id": "usr_9"}), &m)
	if !m.Merged || m.Record == nil || m.Record.TotalPoints != 10 {
		t.Fatalf("merge: %+v", m)
	}

	mustJSON(t, callTool(t, srv, "merge_identity", map[string]any{"anon_id": "anon_9", "user_id": "usr_9"}), &m)
	if m.Merged {
		t.Fatal("second merge should be a no-op")
	}
}

func TestClaimOnce(t *testing.T) {
	srv, _ := newTestServer(t)
	args := map[string]any{"user_id": "usr_2", "claim_id": "p7"}

	var first, second scoring.Award
	mustJSON(t, callTool(t, srv, "award_claim", args), &first)
	mustJSON(t, callTool(t, srv, "award_claim", args), &second)
	if first.Duplicate || !second.Duplicate || second.NewTotal != first.NewTotal {
		t.Fatalf("claim: first=%+v second=%+v", first, second)
	}
}

func TestCatalogueAndGrading(t *testing.T) {
	srv, _ := newTestServer(t)

	var defs []map[string]any
	mustJSON(t, callTool(t, srv, "list_badges", map[string]any{}), &defs)
	if len(defs) == 0 {
		t.Fatal("empty badge catalogue")
	}

	var graded struct {
		Score int    `json:"score"`
		Grade string `json:"grade"`
	}
	mustJSON(t, callTool(t, srv, "grade_evidence", map[string]any{"items": []any{}, "summary": ""}), &graded)
	if graded.Score != 0 || graded.Grade != "unverified" {
		t.Fatalf("empty submission: %+v", graded)
	}
}

func TestHistoryAndLeaderboard(t *testing.T) {
	srv, _ := newTestServer(t)
	for i := range 3 {
		callTool(t, srv, "award_lock", map[string]any{"user_id": "usr_top", "claim_id": fmt.Sprintf("p%d", i)})
	}
	callTool(t, srv, "award_lock", map[string]any{"anon_id": "anon_low"})

	var hist []scoring.ActionLogEntry
	mustJSON(t, callTool(t, srv, "get_history", map[string]any{"user_id": "usr_top", "limit": 2}), &hist)
	if len(hist) != 2 {
		t.Fatalf("history: got %d entries, want 2", len(hist))
	}

	var top []scoring.ScoreRecord
	mustJSON(t, callTool(t, srv, "leaderboard", map[string]any{"limit": 1}), &top)
	if len(top) != 1 || top[0].TotalPoints != 30 {
		t.Fatalf("leaderboard: %+v", top)
	}
}

func TestIntArg(t *testing.T) {
	args := map[string]any{"f": float64(7), "i": 3, "n": json.Number("12")}
	if intArg(args, "f", 0) != 7 || intArg(args, "i", 0) != 3 || intArg(args, "n", 0) != 12 || intArg(args, "x", 5) != 5 {
		t.Fatal("intArg conversions")
	}
}
