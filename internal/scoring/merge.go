package scoring

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Boomchakalala/prooflocker-sub000/internal/badges"
)

// MergeResult reports what a merge did.
type MergeResult struct {
	// Merged is false when there was no anonymous record to fold.
	Merged bool `json:"merged"`
	// Repointed is true when the target had no record and the anonymous one
	// was moved over unchanged.
	Repointed bool         `json:"repointed"`
	Record    *ScoreRecord `json:"record,omitempty"`
	NewBadges []badges.ID  `json:"new_badges,omitempty"`
}

// Merger folds an anonymous identity into an authenticated one.
type Merger struct {
	ledger Ledger
	rules  Rules
	log    *slog.Logger
}

// NewMerger wires a merger over ledger.
func NewMerger(ledger Ledger, rules Rules, opts ...Option) (*Merger, error) {
	if ledger == nil {
		return nil, errors.New("ledger must not be nil")
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &Merger{
		ledger: ledger,
		rules:  rules,
		log:    o.logger.With(slog.String("component", "identity_merger")),
	}, nil
}

// Merge moves the score state of anonID under userID. It is a no-op when
// anonID has no record, so repeating it is safe.
func (m *Merger) Merge(ctx context.Context, anonID, userID string) (*MergeResult, error) {
	from, into := Anon(anonID), User(userID)
	if err := from.Validate(); err != nil {
		return nil, err
	}
	if err := into.Validate(); err != nil {
		return nil, err
	}

	var res MergeResult
	fold := func(src, dst *ScoreRecord) (*ScoreRecord, error) {
		res = MergeResult{}
		if dst == nil {
			res.Repointed = true
			out := src.Clone()
			out.Identity = into
			return out, nil
		}
		out := FoldRecords(src, dst)
		res.NewBadges = out.grantBadges()
		return out, nil
	}

	var (
		rec *ScoreRecord
		ok  bool
		err error
	)
	for attempt := 1; attempt <= m.rules.MaxRetries; attempt++ {
		rec, ok, err = m.ledger.Merge(ctx, from, into, fold)
		if !errors.Is(err, ErrConcurrentUpdate) {
			break
		}
		m.log.Debug("merge_conflict", slog.String("from", from.Key()), slog.Int("attempt", attempt))
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		m.log.Debug("merge_noop", slog.String("from", from.Key()), slog.String("into", into.Key()))
		return &MergeResult{}, nil
	}
	res.Merged = true
	res.Record = rec
	m.log.Info("identity_merged",
		slog.String("from", from.Key()),
		slog.String("into", into.Key()),
		slog.Bool("repointed", res.Repointed),
		slog.Int("total", rec.TotalPoints),
	)
	return &res, nil
}

// FoldRecords returns the field-wise merge of src into dst: counters and
// category stats are summed, streaks take the max, badges and claimed
// references are unioned. Neither input is modified. Mastery bonuses are
// not re-derived; badge evaluation is left to the caller.
func FoldRecords(src, dst *ScoreRecord) *ScoreRecord {
	out := dst.Clone()
	out.TotalPoints += src.TotalPoints
	out.CorrectResolves += src.CorrectResolves
	out.IncorrectResolves += src.IncorrectResolves
	out.TotalResolves += src.TotalResolves
	out.LocksCount += src.LocksCount
	out.ClaimsCount += src.ClaimsCount
	out.EvidenceGrades.A += src.EvidenceGrades.A
	out.EvidenceGrades.B += src.EvidenceGrades.B
	out.EvidenceGrades.C += src.EvidenceGrades.C
	out.EvidenceGrades.D += src.EvidenceGrades.D

	out.CurrentStreak = max(out.CurrentStreak, src.CurrentStreak)
	out.BestStreak = max(out.BestStreak, src.BestStreak)

	if src.LastResolveAt != nil && (out.LastResolveAt == nil || src.LastResolveAt.After(*out.LastResolveAt)) {
		t := *src.LastResolveAt
		out.LastResolveAt = &t
	}
	if !src.CreatedAt.IsZero() && (out.CreatedAt.IsZero() || src.CreatedAt.Before(out.CreatedAt)) {
		out.CreatedAt = src.CreatedAt
	}

	for name, cs := range src.CategoryStats {
		cur := out.CategoryStats[name]
		cur.Correct += cs.Correct
		cur.Total += cs.Total
		cur.Points += cs.Points
		out.CategoryStats[name] = cur
	}
	for id := range src.Badges {
		out.Badges[id] = true
	}
	for ref := range src.ClaimedRefs {
		out.ClaimedRefs[ref] = true
	}
	return out
}
