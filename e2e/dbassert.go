// CLAUDE:SUMMARY Direct SQLite assertion helpers for E2E tests: read-only checks on score_records, action_log, audit_log and the observability tables
package e2e

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// DBAssert provides direct SQLite assertions on the scores database.
// It keeps one persistent connection.
type DBAssert struct {
	path string

	mu   sync.Mutex
	conn *sql.DB
}

// NewDBAssert creates assertion helpers for direct database verification.
func NewDBAssert(path string) *DBAssert {
	return &DBAssert{path: path}
}

// Close releases the connection.
func (d *DBAssert) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

func (d *DBAssert) db(t *testing.T) *sql.DB {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return d.conn
	}
	db, err := sql.Open("sqlite", "file:"+d.path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		t.Fatalf("opening scores.db: %v", err)
	}
	db.SetMaxOpenConns(1)
	d.conn = db
	return db
}

// AssertPoints verifies the stored total for an identity key.
func (d *DBAssert) AssertPoints(t *testing.T, identityKey string, want int) {
	t.Helper()
	var got int
	err := d.db(t).QueryRow("SELECT total_points FROM score_records WHERE identity_key = ?", identityKey).Scan(&got)
	if err != nil {
		t.Fatalf("querying %s: %v", identityKey, err)
	}
	if got != want {
		t.Errorf("%s total_points = %d, want %d", identityKey, got, want)
	}
}

// AssertNoRecord verifies an identity has no score row.
func (d *DBAssert) AssertNoRecord(t *testing.T, identityKey string) {
	t.Helper()
	d.assertCount(t, "SELECT COUNT(*) FROM score_records WHERE identity_key = ?", identityKey, 0)
}

// AssertActionCount verifies how many log entries an identity owns.
func (d *DBAssert) AssertActionCount(t *testing.T, identityKey string, want int) {
	t.Helper()
	d.assertCount(t, "SELECT COUNT(*) FROM action_log WHERE identity_key = ?", identityKey, want)
}

// AssertRowsEventually polls until q returns at least one row count > 0.
// Used for the observability database, whose writers flush in batches.
func AssertRowsEventually(t *testing.T, path, q string, within time.Duration) {
	t.Helper()
	conn, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer conn.Close()
	deadline := time.Now().Add(within)
	for {
		var n int
		err := conn.QueryRow(q).Scan(&n)
		if err == nil && n > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%q: no rows after %s (err=%v)", q, within, err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// AssertAuditAtLeast verifies the audit trail recorded an action. Audit
// writes are batched, so it polls for a few flush intervals.
func (d *DBAssert) AssertAuditAtLeast(t *testing.T, action string, atLeast int) {
	t.Helper()
	var got int
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := d.db(t).QueryRow("SELECT COUNT(*) FROM audit_log WHERE action = ?", action).Scan(&got); err != nil {
			t.Fatalf("querying audit_log: %v", err)
		}
		if got >= atLeast || time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if got < atLeast {
		t.Errorf("audit_log %s = %d rows, want >= %d", action, got, atLeast)
	}
}

func (d *DBAssert) assertCount(t *testing.T, q, arg string, want int) {
	t.Helper()
	var got int
	if err := d.db(t).QueryRow(q, arg).Scan(&got); err != nil {
		t.Fatalf("count %q: %v", q, err)
	}
	if got != want {
		t.Errorf("%q(%s) = %d, want %d", q, arg, got, want)
	}
}
