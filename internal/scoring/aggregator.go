// CLAUDE:SUMMARY ScoreAggregator: applies lock/claim/resolve actions through Ledger.AtomicUpdate: points, streaks, category mastery, badges, history
package scoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Boomchakalala/prooflocker-sub000/internal/badges"
	"github.com/Boomchakalala/prooflocker-sub000/internal/evidence"
	"github.com/Boomchakalala/prooflocker-sub000/internal/reliability"
)

// DefaultCategory is used when a resolve carries no category.
const DefaultCategory = "Uncategorized"

// Option configures an Aggregator or a Merger.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Aggregator is the write path of the engine. All counter changes go
// through the ledger's AtomicUpdate; badge evaluation runs inside the
// mutator so it always sees the version it updates.
type Aggregator struct {
	ledger Ledger
	rules  Rules
	log    *slog.Logger
	now    func() time.Time
}

// NewAggregator wires an aggregator over ledger.
func NewAggregator(ledger Ledger, rules Rules, opts ...Option) (*Aggregator, error) {
	if ledger == nil {
		return nil, errors.New("ledger must not be nil")
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &Aggregator{
		ledger: ledger,
		rules:  rules,
		log:    o.logger.With(slog.String("component", "score_aggregator")),
		now:    o.now,
	}, nil
}

// Rules returns the constants the aggregator was built with.
func (a *Aggregator) Rules() Rules { return a.rules }

// Award is the result of a lock or claim.
type Award struct {
	PointsAwarded int         `json:"points_awarded"`
	NewTotal      int         `json:"new_total"`
	NewBadges     []badges.ID `json:"new_badges,omitempty"`
	// Duplicate is set when a claim bonus had already been paid for the ref.
	Duplicate bool `json:"duplicate,omitempty"`
}

// ResolveInput describes one resolve action.
type ResolveInput struct {
	ClaimRef string               `json:"claim_id"`
	Correct  bool                 `json:"correct"`
	Category string               `json:"category"`
	Evidence *evidence.Submission `json:"evidence,omitempty"`
}

// Breakdown itemises the points of a resolve.
type Breakdown struct {
	Base    int `json:"base"`
	Risk    int `json:"risk_bonus"`
	Streak  int `json:"streak_bonus"`
	Mastery int `json:"mastery_bonus"`
	Total   int `json:"total"`
}

// Resolution is the result of a resolve.
type Resolution struct {
	PointsAwarded int              `json:"points_awarded"`
	Breakdown     Breakdown        `json:"breakdown"`
	NewTotal      int              `json:"new_total"`
	NewStreak     int              `json:"new_streak"`
	BestStreak    int              `json:"best_streak"`
	NewBadges     []badges.ID      `json:"new_badges,omitempty"`
	Evidence      *evidence.Result `json:"evidence,omitempty"`
}

// GetScore returns the record for id, creating a zero record if absent.
func (a *Aggregator) GetScore(ctx context.Context, id Identity) (*ScoreRecord, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return a.ledger.GetOrCreate(ctx, id)
}

// Reliability computes the reliability score from the current record.
func (a *Aggregator) Reliability(ctx context.Context, id Identity) (reliability.Score, error) {
	rec, err := a.GetScore(ctx, id)
	if err != nil {
		return reliability.Score{}, err
	}
	return reliability.Calculate(rec.ReliabilityStats()), nil
}

// History returns the newest log entries for id.
func (a *Aggregator) History(ctx context.Context, id Identity, limit int) ([]*ActionLogEntry, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return a.ledger.History(ctx, id, limit)
}

// AwardLock pays the lock bonus.
func (a *Aggregator) AwardLock(ctx context.Context, id Identity, claimRef string) (*Award, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	var earned []badges.ID
	rec, err := a.update(ctx, id, func(r *ScoreRecord) (*ActionLogEntry, error) {
		r.LocksCount++
		floored := a.applyPoints(r, a.rules.LockBonus)
		earned = r.grantBadges()
		return &ActionLogEntry{
			Kind:        ActionLock,
			PointsDelta: a.rules.LockBonus,
			ClaimRef:    claimRef,
			Metadata:    actionMeta(earned, floored),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("lock_awarded",
		slog.String("identity", id.Key()),
		slog.String("claim_ref", claimRef),
		slog.Int("total", rec.TotalPoints),
	)
	return &Award{PointsAwarded: a.rules.LockBonus, NewTotal: rec.TotalPoints, NewBadges: earned}, nil
}

// AwardClaim pays the claim bonus once per (identity, claim). A repeat for
// the same claim changes nothing and reports Duplicate.
func (a *Aggregator) AwardClaim(ctx context.Context, id Identity, claimRef string) (*Award, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(claimRef) == "" {
		return nil, ErrMissingClaimRef
	}
	var (
		earned    []badges.ID
		duplicate bool
	)
	rec, err := a.update(ctx, id, func(r *ScoreRecord) (*ActionLogEntry, error) {
		earned, duplicate = nil, false
		if r.ClaimedRefs[claimRef] {
			duplicate = true
			return nil, ErrNoChange
		}
		r.ClaimedRefs[claimRef] = true
		r.ClaimsCount++
		floored := a.applyPoints(r, a.rules.ClaimBonus)
		earned = r.grantBadges()
		return &ActionLogEntry{
			Kind:        ActionClaim,
			PointsDelta: a.rules.ClaimBonus,
			ClaimRef:    claimRef,
			Metadata:    actionMeta(earned, floored),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		return &Award{NewTotal: rec.TotalPoints, Duplicate: true}, nil
	}
	a.log.Info("claim_awarded",
		slog.String("identity", id.Key()),
		slog.String("claim_ref", claimRef),
		slog.Int("total", rec.TotalPoints),
	)
	return &Award{PointsAwarded: a.rules.ClaimBonus, NewTotal: rec.TotalPoints, NewBadges: earned}, nil
}

// Resolve records a correct or incorrect outcome. Incorrect outcomes carry
// the penalty only; bonuses are for correct outcomes. The mastery bonus is
// paid on the resolve that brings the category's correct count to exactly
// MasteryThreshold. Evidence, when given, is graded and counted for the
// reliability score but does not change points.
func (a *Aggregator) Resolve(ctx context.Context, id Identity, in ResolveInput) (*Resolution, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = DefaultCategory
	}
	var graded *evidence.Result
	if in.Evidence != nil {
		g := evidence.Assess(*in.Evidence)
		graded = &g
	}

	var res Resolution
	rec, err := a.update(ctx, id, func(r *ScoreRecord) (*ActionLogEntry, error) {
		res = Resolution{Evidence: graded}

		newStreak := 0
		if in.Correct {
			newStreak = r.CurrentStreak + 1
		}

		var b Breakdown
		if in.Correct {
			b.Base = a.rules.CorrectBase
			if a.rules.IsHighRisk(category) {
				b.Risk = a.rules.RiskBonus
			}
			b.Streak = a.rules.StreakBonusPerLevel * newStreak
		} else {
			b.Base = a.rules.IncorrectPenalty
		}

		cs := r.CategoryStats[category]
		cs.Total++
		if in.Correct {
			cs.Correct++
			cs.Points += b.Base + b.Risk + b.Streak
			if cs.Correct == a.rules.MasteryThreshold {
				b.Mastery = a.rules.MasteryBonus
			}
		}
		r.CategoryStats[category] = cs

		b.Total = b.Base + b.Risk + b.Streak + b.Mastery
		floored := a.applyPoints(r, b.Total)

		r.TotalResolves++
		kind := ActionResolveIncorrect
		if in.Correct {
			r.CorrectResolves++
			kind = ActionResolveCorrect
		} else {
			r.IncorrectResolves++
		}
		r.CurrentStreak = newStreak
		r.BestStreak = max(r.BestStreak, newStreak)
		at := a.now()
		r.LastResolveAt = &at
		if graded != nil {
			r.EvidenceGrades.Add(graded.Grade)
		}

		res.NewBadges = r.grantBadges()
		res.Breakdown = b
		res.PointsAwarded = b.Total
		res.NewStreak = newStreak
		res.BestStreak = r.BestStreak

		meta := actionMeta(res.NewBadges, floored)
		meta["base"] = b.Base
		meta["risk_bonus"] = b.Risk
		meta["streak_bonus"] = b.Streak
		meta["mastery_bonus"] = b.Mastery
		if graded != nil {
			meta["evidence_score"] = graded.Score
			meta["evidence_grade"] = string(graded.Grade)
		}
		streak := newStreak
		return &ActionLogEntry{
			Kind:        kind,
			PointsDelta: b.Total,
			ClaimRef:    in.ClaimRef,
			Category:    category,
			StreakAt:    &streak,
			Metadata:    meta,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	res.NewTotal = rec.TotalPoints

	a.log.Info("claim_resolved",
		slog.String("identity", id.Key()),
		slog.String("claim_ref", in.ClaimRef),
		slog.String("category", category),
		slog.Bool("correct", in.Correct),
		slog.Int("points", res.PointsAwarded),
		slog.Int("streak", res.NewStreak),
		slog.Int("total", res.NewTotal),
	)
	if res.Breakdown.Mastery > 0 {
		a.log.Info("category_mastered", slog.String("identity", id.Key()), slog.String("category", category))
	}
	return &res, nil
}

// update runs fn through the ledger, retrying version conflicts up to
// MaxRetries times. Every other error is returned as-is.
func (a *Aggregator) update(ctx context.Context, id Identity, fn Mutator) (*ScoreRecord, error) {
	return retryConflicts(ctx, a.rules.MaxRetries, a.log, id, func() (*ScoreRecord, error) {
		return a.ledger.AtomicUpdate(ctx, id, fn)
	})
}

// applyPoints adds delta to the total, flooring at zero when configured.
// It reports whether the floor was hit.
func (a *Aggregator) applyPoints(r *ScoreRecord, delta int) bool {
	r.TotalPoints += delta
	if a.rules.FloorAtZero && r.TotalPoints < 0 {
		r.TotalPoints = 0
		return true
	}
	return false
}

func retryConflicts(ctx context.Context, attempts int, log *slog.Logger, id Identity, op func() (*ScoreRecord, error)) (*ScoreRecord, error) {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var rec *ScoreRecord
		rec, err = op()
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debug("score_update_conflict",
			slog.String("identity", id.Key()),
			slog.Int("attempt", attempt),
		)
	}
	log.Warn("score_update_conflict_exhausted", slog.String("identity", id.Key()), slog.Int("attempts", attempts))
	return nil, err
}

func actionMeta(earned []badges.ID, floored bool) map[string]any {
	meta := make(map[string]any)
	if len(earned) > 0 {
		meta["badges"] = earned
	}
	if floored {
		meta["floored"] = true
	}
	return meta
}
