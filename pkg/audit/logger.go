package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/pkg/idgen"
)

const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	entry_id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	action TEXT NOT NULL,
	transport TEXT NOT NULL DEFAULT 'http',
	user_id TEXT,
	anon_id TEXT,
	request_id TEXT,
	parameters TEXT,
	result TEXT,
	error_message TEXT,
	duration_ms INTEGER,
	status TEXT NOT NULL DEFAULT 'success'
);
CREATE INDEX IF NOT EXISTS idx_audit_log_time ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
CREATE INDEX IF NOT EXISTS idx_audit_log_user ON audit_log(user_id);
`

const (
	batchSize     = 32
	flushInterval = 500 * time.Millisecond
)

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator overrides the entry id generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// SQLiteLogger writes audit entries to the audit_log table asynchronously.
type SQLiteLogger struct {
	db    *sql.DB
	ch    chan *Entry
	done  chan struct{}
	once  sync.Once
	newID idgen.Generator
}

func NewSQLiteLogger(sqlDB *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:    sqlDB,
		ch:    make(chan *Entry, 256),
		done:  make(chan struct{}),
		newID: idgen.Prefixed("aud_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

func (l *SQLiteLogger) Init() error {
	_, err := l.db.Exec(Schema)
	return err
}

func (l *SQLiteLogger) Log(_ context.Context, entry *Entry) error {
	fillDefaults(entry, l.newID)
	return l.insert(entry)
}

func (l *SQLiteLogger) LogAsync(entry *Entry) {
	fillDefaults(entry, l.newID)
	select {
	case l.ch <- entry:
	default:
		slog.Warn("audit buffer full, dropping entry", "action", entry.Action)
	}
}

func (l *SQLiteLogger) Close() error {
	l.once.Do(func() {
		close(l.ch)
		<-l.done
	})
	return nil
}

func fillDefaults(e *Entry, newID idgen.Generator) {
	if e.EntryID == "" {
		e.EntryID = newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
}

func (l *SQLiteLogger) flushLoop() {
	defer close(l.done)
	batch := make([]*Entry, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-l.ch:
			if !ok {
				l.flushBatch(batch)
				return
			}
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				l.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *SQLiteLogger) flushBatch(batch []*Entry) {
	if len(batch) == 0 {
		return
	}
	tx, err := l.db.Begin()
	if err != nil {
		slog.Error("audit batch begin failed", "error", err, "size", len(batch))
		return
	}
	for _, e := range batch {
		if err := insertWith(tx, e); err != nil {
			slog.Error("audit write failed", "error", err, "action", e.Action)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("audit batch commit failed", "error", err, "size", len(batch))
	}
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (l *SQLiteLogger) insert(e *Entry) error {
	return insertWith(l.db, e)
}

func insertWith(x execer, e *Entry) error {
	_, err := x.Exec(`
		INSERT INTO audit_log (entry_id, timestamp, action, transport, user_id, anon_id, request_id,
			parameters, result, error_message, duration_ms, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp, e.Action, e.Transport, e.UserID, e.AnonID, e.RequestID,
		e.Parameters, e.Result, e.Error, e.DurationMs, e.Status)
	return err
}

// SlogLogger emits audit entries as structured log records. It backs the
// audit trail when the engine runs without a database.
type SlogLogger struct {
	log   *slog.Logger
	newID idgen.Generator
}

func NewSlogLogger(log *slog.Logger) *SlogLogger {
	return &SlogLogger{
		log:   log.With("component", "audit"),
		newID: idgen.Prefixed("aud_", idgen.Default),
	}
}

func (l *SlogLogger) Log(ctx context.Context, e *Entry) error {
	fillDefaults(e, l.newID)
	l.log.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("entry_id", e.EntryID),
		slog.String("action", e.Action),
		slog.String("transport", e.Transport),
		slog.String("user_id", e.UserID),
		slog.String("anon_id", e.AnonID),
		slog.String("status", e.Status),
		slog.String("error", e.Error),
		slog.Int64("duration_ms", e.DurationMs),
	)
	return nil
}

func (l *SlogLogger) LogAsync(e *Entry) { _ = l.Log(context.Background(), e) }

func (l *SlogLogger) Close() error { return nil }
