// CLAUDE:SUMMARY Score state types: ScoreRecord (lifetime counters, streaks, categories, badges), action log entries, snapshots for badges/reliability
package scoring

import (
	"maps"
	"slices"
	"time"

	"github.com/Boomchakalala/prooflocker-sub000/internal/badges"
	"github.com/Boomchakalala/prooflocker-sub000/internal/evidence"
	"github.com/Boomchakalala/prooflocker-sub000/internal/reliability"
)

// CategoryStat is the per-category aggregate.
type CategoryStat struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
	Points  int `json:"points"`
}

// EvidenceGrades counts graded resolves per bucket. A is the strongest.
type EvidenceGrades struct {
	A int `json:"a"`
	B int `json:"b"`
	C int `json:"c"`
	D int `json:"d"`
}

// Add increments the counter for grade g.
func (e *EvidenceGrades) Add(g evidence.Grade) {
	switch g {
	case evidence.GradeStrong:
		e.A++
	case evidence.GradeSolid:
		e.B++
	case evidence.GradeBasic:
		e.C++
	case evidence.GradeUnverified:
		e.D++
	}
}

// ScoreRecord is the score state of one identity.
type ScoreRecord struct {
	Identity          Identity                `json:"identity"`
	TotalPoints       int                     `json:"total_points"`
	CorrectResolves   int                     `json:"correct_resolves"`
	IncorrectResolves int                     `json:"incorrect_resolves"`
	TotalResolves     int                     `json:"total_resolves"`
	CurrentStreak     int                     `json:"current_streak"`
	BestStreak        int                     `json:"best_streak"`
	LastResolveAt     *time.Time              `json:"last_resolve_at,omitempty"`
	CategoryStats     map[string]CategoryStat `json:"category_stats"`
	Badges            map[badges.ID]bool      `json:"badges"`
	LocksCount        int                     `json:"locks_count"`
	ClaimsCount       int                     `json:"claims_count"`
	EvidenceGrades    EvidenceGrades          `json:"evidence_grades"`
	ClaimedRefs       map[string]bool         `json:"-"`
	Version           int64                   `json:"version"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

// NewRecord returns the zero state for id.
func NewRecord(id Identity, now time.Time) *ScoreRecord {
	return &ScoreRecord{
		Identity:      id,
		CategoryStats: make(map[string]CategoryStat),
		Badges:        make(map[badges.ID]bool),
		ClaimedRefs:   make(map[string]bool),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy, so mutators never touch stored state.
func (r *ScoreRecord) Clone() *ScoreRecord {
	c := *r
	if r.LastResolveAt != nil {
		t := *r.LastResolveAt
		c.LastResolveAt = &t
	}
	c.CategoryStats = maps.Clone(r.CategoryStats)
	c.Badges = maps.Clone(r.Badges)
	c.ClaimedRefs = maps.Clone(r.ClaimedRefs)
	c.ensureMaps()
	return &c
}

func (r *ScoreRecord) ensureMaps() {
	if r.CategoryStats == nil {
		r.CategoryStats = make(map[string]CategoryStat)
	}
	if r.Badges == nil {
		r.Badges = make(map[badges.ID]bool)
	}
	if r.ClaimedRefs == nil {
		r.ClaimedRefs = make(map[string]bool)
	}
}

// BadgeList returns the held badges sorted by id.
func (r *ScoreRecord) BadgeList() []badges.ID {
	out := slices.Collect(maps.Keys(r.Badges))
	slices.Sort(out)
	return out
}

// BadgeStats is the snapshot badge evaluation reads.
func (r *ScoreRecord) BadgeStats() badges.Stats {
	cats := make(map[string]badges.CategoryCount, len(r.CategoryStats))
	for name, cs := range r.CategoryStats {
		cats[name] = badges.CategoryCount{Correct: cs.Correct, Total: cs.Total}
	}
	return badges.Stats{
		Locks:           r.LocksCount,
		Claims:          r.ClaimsCount,
		CorrectResolves: r.CorrectResolves,
		TotalResolves:   r.TotalResolves,
		BestStreak:      r.BestStreak,
		Categories:      cats,
	}
}

// ReliabilityStats is the snapshot the reliability calculator reads.
func (r *ScoreRecord) ReliabilityStats() reliability.Stats {
	return reliability.Stats{
		Correct:  r.CorrectResolves,
		Resolved: r.TotalResolves,
		GradeA:   r.EvidenceGrades.A,
		GradeB:   r.EvidenceGrades.B,
		GradeC:   r.EvidenceGrades.C,
		GradeD:   r.EvidenceGrades.D,
	}
}

// grantBadges unions any newly met badges into the record and returns them.
func (r *ScoreRecord) grantBadges() []badges.ID {
	earned := badges.EvaluateNew(r.Badges, r.BadgeStats())
	for _, id := range earned {
		r.Badges[id] = true
	}
	return earned
}

// ActionKind is the kind of a logged action.
type ActionKind string

const (
	ActionLock             ActionKind = "lock"
	ActionClaim            ActionKind = "claim"
	ActionResolveCorrect   ActionKind = "resolve_correct"
	ActionResolveIncorrect ActionKind = "resolve_incorrect"
)

// ActionLogEntry is an immutable history row.
type ActionLogEntry struct {
	ID          string         `json:"id"`
	Identity    Identity       `json:"identity"`
	Kind        ActionKind     `json:"kind"`
	PointsDelta int            `json:"points_delta"`
	ClaimRef    string         `json:"claim_ref,omitempty"`
	Category    string         `json:"category,omitempty"`
	StreakAt    *int           `json:"streak_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
