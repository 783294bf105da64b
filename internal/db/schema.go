package db

const schema = `
-- Score records: one row per identity. Exactly one of anon_id / user_id is set.
CREATE TABLE IF NOT EXISTS score_records (
    identity_key       TEXT PRIMARY KEY,
    anon_id            TEXT,
    user_id            TEXT,
    total_points       INTEGER NOT NULL DEFAULT 0,
    correct_resolves   INTEGER NOT NULL DEFAULT 0,
    incorrect_resolves INTEGER NOT NULL DEFAULT 0,
    total_resolves     INTEGER NOT NULL DEFAULT 0,
    current_streak     INTEGER NOT NULL DEFAULT 0,
    best_streak        INTEGER NOT NULL DEFAULT 0,
    last_resolve_at    TEXT,
    category_stats     TEXT NOT NULL DEFAULT '{}',
    badges             TEXT NOT NULL DEFAULT '[]',
    locks_count        INTEGER NOT NULL DEFAULT 0,
    claims_count       INTEGER NOT NULL DEFAULT 0,
    evidence_a         INTEGER NOT NULL DEFAULT 0,
    evidence_b         INTEGER NOT NULL DEFAULT 0,
    evidence_c         INTEGER NOT NULL DEFAULT 0,
    evidence_d         INTEGER NOT NULL DEFAULT 0,
    claimed_refs       TEXT NOT NULL DEFAULT '[]',
    version            INTEGER NOT NULL DEFAULT 0,
    created_at         TEXT NOT NULL,
    updated_at         TEXT NOT NULL,
    CHECK ((anon_id IS NULL) <> (user_id IS NULL))
);
CREATE INDEX IF NOT EXISTS idx_score_records_points ON score_records(total_points DESC);

-- Action log: append-only history. Rows are only ever repointed by a merge.
CREATE TABLE IF NOT EXISTS action_log (
    id           TEXT PRIMARY KEY,
    identity_key TEXT NOT NULL,
    kind         TEXT NOT NULL CHECK(kind IN ('lock','claim','resolve_correct','resolve_incorrect')),
    points_delta INTEGER NOT NULL,
    claim_ref    TEXT,
    category     TEXT,
    streak_at    INTEGER,
    metadata     TEXT NOT NULL DEFAULT '{}',
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_log_identity ON action_log(identity_key);
`
