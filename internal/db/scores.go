// CLAUDE:SUMMARY ScoreLedger: SQLite implementation of scoring.Ledger with optimistic version checks, single-transaction merge, JSON columns for maps
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hazyhaar/pkg/dbopen"

	"github.com/Boomchakalala/prooflocker-sub000/internal/badges"
	"github.com/Boomchakalala/prooflocker-sub000/internal/scoring"
)

// ScoreLedger stores score records and the action log in SQLite.
// Concurrent writers are detected with the version column: a write whose
// version check fails returns scoring.ErrConcurrentUpdate.
type ScoreLedger struct {
	db  *DB
	now func() time.Time
}

// NewScoreLedger returns a ledger over db.
func NewScoreLedger(db *DB) *ScoreLedger {
	return &ScoreLedger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

var (
	_ scoring.Ledger      = (*ScoreLedger)(nil)
	_ scoring.Leaderboard = (*ScoreLedger)(nil)
)

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `identity_key, total_points, correct_resolves, incorrect_resolves, total_resolves,
	current_streak, best_streak, last_resolve_at, category_stats, badges, locks_count, claims_count,
	evidence_a, evidence_b, evidence_c, evidence_d, claimed_refs, version, created_at, updated_at`

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", scoring.ErrPersistenceUnavailable, op, err)
}

func (l *ScoreLedger) GetOrCreate(ctx context.Context, id scoring.Identity) (*scoring.ScoreRecord, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	fresh := scoring.NewRecord(id, l.now())
	row, err := encodeRecord(fresh)
	if err != nil {
		return nil, err
	}
	if _, err := dbopen.Exec(ctx, l.db.DB, insertRecordSQL+` ON CONFLICT(identity_key) DO NOTHING`, row...); err != nil {
		return nil, unavailable("create record", err)
	}
	rec, err := getRecord(ctx, l.db, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, unavailable("create record", errors.New("record vanished after insert"))
	}
	return rec, nil
}

func (l *ScoreLedger) AtomicUpdate(ctx context.Context, id scoring.Identity, fn scoring.Mutator) (*scoring.ScoreRecord, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	var (
		out   *scoring.ScoreRecord
		fnErr error
	)
	txErr := dbopen.RunTx(ctx, l.db.DB, func(tx *sql.Tx) error {
		out, fnErr = nil, nil
		cur, err := getRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		var next *scoring.ScoreRecord
		if cur != nil {
			next = cur.Clone()
		} else {
			next = scoring.NewRecord(id, l.now())
		}

		entry, err := fn(next)
		if errors.Is(err, scoring.ErrNoChange) {
			// next may carry fn's partial edits; report the stored state.
			if cur != nil {
				out = cur
			} else {
				out = scoring.NewRecord(id, l.now())
			}
			return nil
		}
		if err != nil {
			fnErr = err
			return err
		}

		next.Identity = id
		next.UpdatedAt = l.now()
		if cur == nil {
			next.Version = 1
			if err := insertRecord(ctx, tx, next); err != nil {
				return err
			}
		} else {
			next.Version = cur.Version + 1
			if err := updateRecord(ctx, tx, next, cur.Version); err != nil {
				return err
			}
		}
		if entry != nil {
			entry.Identity = id
			if err := appendLog(ctx, tx, entry, l.now()); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if txErr == nil {
		return out, nil
	}
	if fnErr != nil {
		return nil, fnErr
	}
	return nil, classify("update record", txErr)
}

// classify maps a failed transaction onto the scoring error set. SQLite
// busy errors that outlive dbopen's retries count as conflicts, even when a
// statement helper already wrapped them as unavailable.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, scoring.ErrConcurrentUpdate):
		return err
	case dbopen.IsBusy(err):
		return fmt.Errorf("%w: %s: %w", scoring.ErrConcurrentUpdate, op, err)
	case errors.Is(err, scoring.ErrPersistenceUnavailable):
		return err
	default:
		return unavailable(op, err)
	}
}

func (l *ScoreLedger) AppendLog(ctx context.Context, entry *scoring.ActionLogEntry) error {
	if err := entry.Identity.Validate(); err != nil {
		return err
	}
	err := dbopen.RunTx(ctx, l.db.DB, func(tx *sql.Tx) error {
		return appendLog(ctx, tx, entry, l.now())
	})
	if err != nil {
		return classify("append log", err)
	}
	return nil
}

func (l *ScoreLedger) DeleteRecord(ctx context.Context, id scoring.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	err := dbopen.RunTx(ctx, l.db.DB, func(tx *sql.Tx) error {
		_, err := deleteRecord(ctx, tx, id, 0)
		return err
	})
	if err != nil {
		return classify("delete record", err)
	}
	return nil
}

// deleteRecord removes id's row, guarded by version when it is positive.
// It reports whether a row was removed.
func deleteRecord(ctx context.Context, tx *sql.Tx, id scoring.Identity, version int64) (bool, error) {
	q := `DELETE FROM score_records WHERE identity_key = ?`
	args := []any{id.Key()}
	if version > 0 {
		q += ` AND version = ?`
		args = append(args, version)
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return false, unavailable("delete record", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (l *ScoreLedger) Merge(ctx context.Context, from, into scoring.Identity, fold scoring.MergeFunc) (*scoring.ScoreRecord, bool, error) {
	if err := from.Validate(); err != nil {
		return nil, false, err
	}
	if err := into.Validate(); err != nil {
		return nil, false, err
	}
	if from.Key() == into.Key() {
		return nil, false, scoring.ErrSameIdentity
	}

	var (
		out     *scoring.ScoreRecord
		merged  bool
		foldErr error
	)
	txErr := dbopen.RunTx(ctx, l.db.DB, func(tx *sql.Tx) error {
		out, merged, foldErr = nil, false, nil
		src, err := getRecord(ctx, tx, from)
		if err != nil {
			return err
		}
		if src == nil {
			return nil
		}
		dst, err := getRecord(ctx, tx, into)
		if err != nil {
			return err
		}

		var dstArg *scoring.ScoreRecord
		if dst != nil {
			dstArg = dst.Clone()
		}
		rec, err := fold(src.Clone(), dstArg)
		if err != nil {
			foldErr = err
			return err
		}
		rec.Identity = into
		rec.UpdatedAt = l.now()
		if dst == nil {
			rec.Version = 1
			err = insertRecord(ctx, tx, rec)
		} else {
			rec.Version = dst.Version + 1
			err = updateRecord(ctx, tx, rec, dst.Version)
		}
		if err != nil {
			return err
		}

		deleted, err := deleteRecord(ctx, tx, from, src.Version)
		if err != nil {
			return err
		}
		if !deleted {
			return scoring.ErrConcurrentUpdate
		}
		if _, err := tx.ExecContext(ctx, `UPDATE action_log SET identity_key = ? WHERE identity_key = ?`, into.Key(), from.Key()); err != nil {
			return unavailable("repoint history", err)
		}
		out, merged = rec, true
		return nil
	})
	if txErr == nil {
		return out, merged, nil
	}
	if foldErr != nil {
		return nil, false, foldErr
	}
	return nil, false, classify("merge", txErr)
}

func (l *ScoreLedger) History(ctx context.Context, id scoring.Identity, limit int) ([]*scoring.ActionLogEntry, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, kind, points_delta, claim_ref, category, streak_at, metadata, created_at
		FROM action_log WHERE identity_key = ?
		ORDER BY rowid DESC LIMIT ?`, id.Key(), limit)
	if err != nil {
		return nil, unavailable("query history", err)
	}
	defer rows.Close()

	var out []*scoring.ActionLogEntry
	for rows.Next() {
		var (
			e         scoring.ActionLogEntry
			kind      string
			claimRef  sql.NullString
			category  sql.NullString
			streakAt  sql.NullInt64
			metadata  string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &kind, &e.PointsDelta, &claimRef, &category, &streakAt, &metadata, &createdAt); err != nil {
			return nil, unavailable("scan history", err)
		}
		e.Identity = id
		e.Kind = scoring.ActionKind(kind)
		e.ClaimRef = claimRef.String
		e.Category = category.String
		if streakAt.Valid {
			s := int(streakAt.Int64)
			e.StreakAt = &s
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return nil, unavailable("decode metadata", err)
			}
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, unavailable("decode history time", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate history", err)
	}
	return out, nil
}

// Top returns up to limit records, highest total first.
func (l *ScoreLedger) Top(ctx context.Context, limit int) ([]*scoring.ScoreRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `SELECT `+recordColumns+`
		FROM score_records ORDER BY total_points DESC, identity_key ASC LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("query leaderboard", err)
	}
	defer rows.Close()
	var out []*scoring.ScoreRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate leaderboard", err)
	}
	return out, nil
}

// --- row codecs ---

const insertRecordSQL = `INSERT INTO score_records (
	identity_key, anon_id, user_id, total_points, correct_resolves, incorrect_resolves, total_resolves,
	current_streak, best_streak, last_resolve_at, category_stats, badges, locks_count, claims_count,
	evidence_a, evidence_b, evidence_c, evidence_d, claimed_refs, version, created_at, updated_at)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

func insertRecord(ctx context.Context, tx *sql.Tx, rec *scoring.ScoreRecord) error {
	args, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, insertRecordSQL+` ON CONFLICT(identity_key) DO NOTHING`, args...)
	if err != nil {
		return unavailable("insert record", err)
	}
	// Another writer created the row since we read it.
	if n, _ := res.RowsAffected(); n == 0 {
		return scoring.ErrConcurrentUpdate
	}
	return nil
}

func updateRecord(ctx context.Context, tx *sql.Tx, rec *scoring.ScoreRecord, expectVersion int64) error {
	args, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	// args[0] is identity_key; the SET list takes the rest in column order.
	params := append(slices.Clone(args[1:]), args[0], expectVersion)
	res, err := tx.ExecContext(ctx, `UPDATE score_records SET
		anon_id = ?, user_id = ?, total_points = ?, correct_resolves = ?, incorrect_resolves = ?,
		total_resolves = ?, current_streak = ?, best_streak = ?, last_resolve_at = ?, category_stats = ?,
		badges = ?, locks_count = ?, claims_count = ?, evidence_a = ?, evidence_b = ?, evidence_c = ?,
		evidence_d = ?, claimed_refs = ?, version = ?, created_at = ?, updated_at = ?
		WHERE identity_key = ? AND version = ?`,
		params...)
	if err != nil {
		return unavailable("update record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return scoring.ErrConcurrentUpdate
	}
	return nil
}

func encodeRecord(rec *scoring.ScoreRecord) ([]any, error) {
	cats, err := json.Marshal(rec.CategoryStats)
	if err != nil {
		return nil, fmt.Errorf("encoding category stats: %w", err)
	}
	badgeIDs := rec.BadgeList()
	if badgeIDs == nil {
		badgeIDs = []badges.ID{}
	}
	badgeJSON, err := json.Marshal(badgeIDs)
	if err != nil {
		return nil, fmt.Errorf("encoding badges: %w", err)
	}
	refs := slices.Sorted(maps.Keys(rec.ClaimedRefs))
	if refs == nil {
		refs = []string{}
	}
	refJSON, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("encoding claimed refs: %w", err)
	}
	var lastResolve any
	if rec.LastResolveAt != nil {
		lastResolve = formatTime(*rec.LastResolveAt)
	}
	return []any{
		rec.Identity.Key(), nullIfEmpty(rec.Identity.AnonID), nullIfEmpty(rec.Identity.UserID),
		rec.TotalPoints, rec.CorrectResolves, rec.IncorrectResolves, rec.TotalResolves,
		rec.CurrentStreak, rec.BestStreak, lastResolve, string(cats), string(badgeJSON),
		rec.LocksCount, rec.ClaimsCount,
		rec.EvidenceGrades.A, rec.EvidenceGrades.B, rec.EvidenceGrades.C, rec.EvidenceGrades.D,
		string(refJSON), rec.Version, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func getRecord(ctx context.Context, q rowQuerier, id scoring.Identity) (*scoring.ScoreRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM score_records WHERE identity_key = ?`, id.Key())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanRecord(s scanner) (*scoring.ScoreRecord, error) {
	var (
		rec         scoring.ScoreRecord
		key         string
		lastResolve sql.NullString
		cats        string
		badgeJSON   string
		refJSON     string
		createdAt   string
		updatedAt   string
	)
	err := s.Scan(&key, &rec.TotalPoints, &rec.CorrectResolves, &rec.IncorrectResolves, &rec.TotalResolves,
		&rec.CurrentStreak, &rec.BestStreak, &lastResolve, &cats, &badgeJSON, &rec.LocksCount, &rec.ClaimsCount,
		&rec.EvidenceGrades.A, &rec.EvidenceGrades.B, &rec.EvidenceGrades.C, &rec.EvidenceGrades.D,
		&refJSON, &rec.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("scan record", err)
	}

	if rec.Identity, err = scoring.ParseKey(key); err != nil {
		return nil, unavailable("decode identity", err)
	}
	if err := json.Unmarshal([]byte(cats), &rec.CategoryStats); err != nil {
		return nil, unavailable("decode category stats", err)
	}
	var held []badges.ID
	if err := json.Unmarshal([]byte(badgeJSON), &held); err != nil {
		return nil, unavailable("decode badges", err)
	}
	var refs []string
	if err := json.Unmarshal([]byte(refJSON), &refs); err != nil {
		return nil, unavailable("decode claimed refs", err)
	}
	rec.Badges = make(map[badges.ID]bool, len(held))
	for _, b := range held {
		rec.Badges[b] = true
	}
	rec.ClaimedRefs = make(map[string]bool, len(refs))
	for _, r := range refs {
		rec.ClaimedRefs[r] = true
	}
	if rec.CategoryStats == nil {
		rec.CategoryStats = make(map[string]scoring.CategoryStat)
	}
	if lastResolve.Valid {
		t, err := parseTime(lastResolve.String)
		if err != nil {
			return nil, unavailable("decode last resolve", err)
		}
		rec.LastResolveAt = &t
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, unavailable("decode created_at", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, unavailable("decode updated_at", err)
	}
	return &rec, nil
}

func appendLog(ctx context.Context, tx *sql.Tx, entry *scoring.ActionLogEntry, now time.Time) error {
	if entry.ID == "" {
		entry.ID = scoring.NewLogID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	meta := "{}"
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encoding log metadata: %w", err)
		}
		meta = string(b)
	}
	var streak any
	if entry.StreakAt != nil {
		streak = *entry.StreakAt
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO action_log (id, identity_key, kind, points_delta, claim_ref, category, streak_at, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Identity.Key(), string(entry.Kind), entry.PointsDelta,
		nullIfEmpty(entry.ClaimRef), nullIfEmpty(entry.Category), streak, meta, formatTime(entry.CreatedAt))
	if err != nil {
		return unavailable("append log", err)
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
