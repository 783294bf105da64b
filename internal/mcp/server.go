// Package mcp exposes the scoring engine as MCP tools over stdio.
// Identity is passed explicitly as anon_id or user_id: the MCP client is a
// trusted local process, so no token is involved.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/pkg/kit"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Boomchakalala/prooflocker-sub000/internal/badges"
	"github.com/Boomchakalala/prooflocker-sub000/internal/evidence"
	"github.com/Boomchakalala/prooflocker-sub000/internal/reliability"
	"github.com/Boomchakalala/prooflocker-sub000/internal/scoring"
	"github.com/Boomchakalala/prooflocker-sub000/pkg/audit"
)

// Deps are the engine components the tools call into.
type Deps struct {
	Aggregator  *scoring.Aggregator
	Merger      *scoring.Merger
	Leaderboard scoring.Leaderboard
	Audit       audit.Logger
}

// NewServer creates an MCPServer with all scoring tools registered.
func NewServer(name, version string, d Deps) *server.MCPServer {
	srv := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(true),
	)

	registerGetScore(srv, d)
	registerGetHistory(srv, d)
	registerAwardLock(srv, d)
	registerAwardClaim(srv, d)
	registerResolveClaim(srv, d)
	registerMergeIdentity(srv, d)
	registerGradeEvidence(srv)
	registerListBadges(srv)
	if d.Leaderboard != nil {
		registerLeaderboard(srv, d)
	}
	return srv
}

// decoded is the output of a tool's argument decoder.
type decoded struct {
	Request  any
	Identity scoring.Identity
}

// registerTool adapts a kit.Endpoint to an MCP tool handler: arguments are
// decoded, the context is tagged for the audit trail, and the endpoint's
// response is returned as JSON text.
func registerTool(srv *server.MCPServer, tool mcp.Tool, endpoint kit.Endpoint, decode func(args map[string]any) (*decoded, error)) {
	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dec, err := decode(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		ctx = kit.WithTransport(ctx, "mcp")
		if dec.Identity.UserID != "" {
			ctx = kit.WithUserID(ctx, dec.Identity.UserID)
		}
		if dec.Identity.AnonID != "" {
			ctx = audit.WithAnonID(ctx, dec.Identity.AnonID)
		}

		resp, err := endpoint(ctx, dec.Request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	})
}

func audited(d Deps, action string, ep kit.Endpoint) kit.Endpoint {
	if d.Audit != nil {
		return audit.Middleware(d.Audit, action)(ep)
	}
	return ep
}

func mustSchema(props map[string]any, required ...string) json.RawMessage {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	b, _ := json.Marshal(s)
	return b
}

var identityProps = map[string]any{
	"anon_id": map[string]string{"type": "string", "description": "Anonymous identifier (exclusive with user_id)"},
	"user_id": map[string]string{"type": "string", "description": "Authenticated user identifier (exclusive with anon_id)"},
}

func withIdentity(extra map[string]any) map[string]any {
	props := make(map[string]any, len(identityProps)+len(extra))
	for k, v := range identityProps {
		props[k] = v
	}
	for k, v := range extra {
		props[k] = v
	}
	return props
}

func identityArg(args map[string]any) scoring.Identity {
	return scoring.Identity{AnonID: stringArg(args, "anon_id"), UserID: stringArg(args, "user_id")}
}

// --- get_score ---

type scoreReq struct {
	Identity scoring.Identity `json:"identity"`
}

func registerGetScore(srv *server.MCPServer, d Deps) {
	endpoint := func(ctx context.Context, request any) (any, error) {
		r := request.(*scoreReq)
		rec, err := d.Aggregator.GetScore(ctx, r.Identity)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"record":      rec,
			"badges":      rec.BadgeList(),
			"reliability": reliability.Calculate(rec.ReliabilityStats()),
		}, nil
	}
	tool := mcp.NewToolWithRawSchema("get_score",
		"Get the score record, held badges and reliability score of an identity",
		mustSchema(withIdentity(nil)))
	registerTool(srv, tool, endpoint, func(args map[string]any) (*decoded, error) {
		id := identityArg(args)
		return &decoded{Request: &scoreReq{Identity: id}, Identity: id}, nil
	})
}

// --- get_history ---

type historyReq struct {
	Identity scoring.Identity `json:"identity"`
	Limit    int              `json:"limit"`
}

func registerGetHistory(srv *server.MCPServer, d Deps) {
	endpoint := func(ctx context.Context, request any) (any, error) {
		r := request.(*historyReq)
		return d.Aggregator.History(ctx, r.Identity, r.Limit)
	}
	tool := mcp.NewToolWithRawSchema("get_history", "List the newest scoring actions of an identity",
		mustSchema(withIdentity(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max entries", "default": 50},
		})))
	registerTool(srv, tool, endpoint, func(args map[string]any) (*decoded, error) {
		id := identityArg(args)
		return &decoded{Request: &historyReq{Identity: id, Limit: intArg(args, "limit", 50)}, Identity: id}, nil
	})
}

// --- award_lock / award_claim ---

type claimRefReq struct {
	Identity scoring.Identity `json:"identity"`
	ClaimID  string           `json:"claim_id"`
}

func decodeClaimRef(args map[string]any) (*decoded, error) {
	id := identityArg(args)
	return &decoded{Request: &claimRefReq{Identity: id, ClaimID: stringArg(args, "claim_id")}, Identity: id}, nil
}

func registerAwardLock(srv *server.MCPServer, d Deps) {
	endpoint := audited(d, "award_lock", func(ctx context.Context, request any) (any, error) {
		r := request.(*claimRefReq)
		return d.Aggregator.AwardLock(ctx, r.Identity, r.ClaimID)
	})
	tool := mcp.NewToolWithRawSchema("award_lock", "Award the lock bonus for locking a prediction",
		mustSchema(withIdentity(map[string]any{
			"claim_id": map[string]string{"type": "string", "description": "Locked prediction ID"},
		})))
	registerTool(srv, tool, endpoint, decodeClaimRef)
}

func registerAwardClaim(srv *server.MCPServer, d Deps) {
	endpoint := audited(d, "award_claim", func(ctx context.Context, request any) (any, error) {
		r := request.(*claimRefReq)
		return d.Aggregator.AwardClaim(ctx, r.Identity, r.ClaimID)
	})
	tool := mcp.NewToolWithRawSchema("award_claim", "Award the claim bonus, once per identity and prediction",
		mustSchema(withIdentity(map[string]any{
			"claim_id": map[string]string{"type": "string", "description": "Claimed prediction ID"},
		}), "claim_id"))
	registerTool(srv, tool, endpoint, decodeClaimRef)
}

// --- resolve_claim ---

type resolveReq struct {
	Identity scoring.Identity `json:"identity"`
	scoring.ResolveInput
}

func registerResolveClaim(srv *server.MCPServer, d Deps) {
	endpoint := audited(d, "resolve_claim", func(ctx context.Context, request any) (any, error) {
		r := request.(*resolveReq)
		return d.Aggregator.Resolve(ctx, r.Identity, r.ResolveInput)
	})
	tool := mcp.NewToolWithRawSchema("resolve_claim",
		"Resolve a prediction as correct or incorrect; applies base points, risk, streak and mastery bonuses",
		mustSchema(withIdentity(map[string]any{
			"claim_id": map[string]string{"type": "string", "description": "Resolved prediction ID"},
			"correct":  map[string]string{"type": "boolean", "description": "Whether the prediction came true"},
			"category": map[string]string{"type": "string", "description": "Prediction category, e.g. Crypto"},
			"evidence": map[string]any{
				"type":        "object",
				"description": "Optional evidence: {items: [{type, url, source_quality, hash, content}], summary}",
			},
		}), "correct"))
	registerTool(srv, tool, endpoint, func(args map[string]any) (*decoded, error) {
		correct, ok := args["correct"].(bool)
		if !ok {
			return nil, errors.New("correct must be a boolean")
		}
		id := identityArg(args)
		r := &resolveReq{
			Identity: id,
			ResolveInput: scoring.ResolveInput{
				ClaimRef: stringArg(args, "claim_id"),
				Correct:  correct,
				Category: stringArg(args, "category"),
			},
		}
		if raw, ok := args["evidence"]; ok && raw != nil {
			sub, err := submissionArg(raw)
			if err != nil {
				return nil, err
			}
			r.Evidence = sub
		}
		return &decoded{Request: r, Identity: id}, nil
	})
}

// --- merge_identity ---

type mergeReq struct {
	AnonID string `json:"anon_id"`
	UserID string `json:"user_id"`
}

func registerMergeIdentity(srv *server.MCPServer, d Deps) {
	endpoint := audited(d, "merge_identity", func(ctx context.Context, request any) (any, error) {
		r := request.(*mergeReq)
		return d.Merger.Merge(ctx, r.AnonID, r.UserID)
	})
	tool := mcp.NewToolWithRawSchema("merge_identity",
		"Fold an anonymous identity's score into an authenticated user; a no-op if already merged",
		mustSchema(identityProps, "anon_id", "user_id"))
	registerTool(srv, tool, endpoint, func(args map[string]any) (*decoded, error) {
		r := &mergeReq{AnonID: stringArg(args, "anon_id"), UserID: stringArg(args, "user_id")}
		return &decoded{Request: r, Identity: scoring.User(r.UserID)}, nil
	})
}

// --- grade_evidence ---

func registerGradeEvidence(srv *server.MCPServer) {
	endpoint := func(ctx context.Context, request any) (any, error) {
		return evidence.Assess(*request.(*evidence.Submission)), nil
	}
	tool := mcp.NewToolWithRawSchema("grade_evidence", "Score an evidence submission 0-100 and bucket it",
		mustSchema(map[string]any{
			"items": map[string]any{
				"type":  "array",
				"items": map[string]string{"type": "object"},
			},
			"summary": map[string]string{"type": "string"},
		}))
	registerTool(srv, tool, endpoint, func(args map[string]any) (*decoded, error) {
		sub, err := submissionArg(args)
		if err != nil {
			return nil, err
		}
		return &decoded{Request: sub}, nil
	})
}

// --- list_badges ---

func registerListBadges(srv *server.MCPServer) {
	endpoint := func(ctx context.Context, request any) (any, error) {
		return badges.All(), nil
	}
	tool := mcp.NewToolWithRawSchema("list_badges", "List the badge catalogue with requirements", mustSchema(map[string]any{}))
	registerTool(srv, tool, endpoint, func(map[string]any) (*decoded, error) {
		return &decoded{}, nil
	})
}

// --- leaderboard ---

func registerLeaderboard(srv *server.MCPServer, d Deps) {
	endpoint := func(ctx context.Context, request any) (any, error) {
		return d.Leaderboard.Top(ctx, *request.(*int))
	}
	tool := mcp.NewToolWithRawSchema("leaderboard", "Top identities by total points",
		mustSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max results", "default": 20},
		}))
	registerTool(srv, tool, endpoint, func(args map[string]any) (*decoded, error) {
		limit := min(intArg(args, "limit", 20), 100)
		return &decoded{Request: &limit}, nil
	})
}

// --- helpers ---

func submissionArg(raw any) (*evidence.Submission, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("evidence: %w", err)
	}
	var sub evidence.Submission
	if err := json.Unmarshal(b, &sub); err != nil {
		return nil, fmt.Errorf("evidence: %w", err)
	}
	return &sub, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return def
	}
}
