package scoring

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/pkg/idgen"
)

// Mutator applies one action to a record in place and returns the history
// row describing it, which the ledger appends in the same atomic step. It
// must depend only on the record it is given: a ledger may call it more than
// once. Returning ErrNoChange leaves the record untouched.
type Mutator func(rec *ScoreRecord) (*ActionLogEntry, error)

// MergeFunc folds from into into and returns the record to store under the
// target identity. into is nil when the target has no record yet.
type MergeFunc func(from, into *ScoreRecord) (*ScoreRecord, error)

// Ledger is the persistence contract of the engine. AtomicUpdate is the only
// way counters change; implementations serialise it per identity or fail it
// with ErrConcurrentUpdate.
type Ledger interface {
	// GetOrCreate returns the record for id, creating a zero record if absent.
	GetOrCreate(ctx context.Context, id Identity) (*ScoreRecord, error)
	// AtomicUpdate applies fn to the current record (created if absent) and
	// stores the result and fn's log entry under the identity's serialisation
	// guarantee.
	AtomicUpdate(ctx context.Context, id Identity, fn Mutator) (*ScoreRecord, error)
	// AppendLog writes an immutable history row.
	AppendLog(ctx context.Context, entry *ActionLogEntry) error
	// DeleteRecord removes the record for id. Merge performs the same
	// removal on the source inside its own atomic step; no other engine
	// operation deletes records.
	DeleteRecord(ctx context.Context, id Identity) error
	// Merge runs fold over the from and into records as one atomic step,
	// stores the result under into, deletes from and repoints from's history.
	// It returns ok=false without writing when from has no record.
	Merge(ctx context.Context, from, into Identity, fold MergeFunc) (rec *ScoreRecord, ok bool, err error)
	// History returns up to limit entries for id, newest first.
	History(ctx context.Context, id Identity, limit int) ([]*ActionLogEntry, error)
}

// Leaderboard lists records by total points. Both ledgers implement it.
type Leaderboard interface {
	Top(ctx context.Context, limit int) ([]*ScoreRecord, error)
}

// NewLogID generates action log identifiers.
var NewLogID = idgen.Prefixed("act_", idgen.Default)

// MemoryLedger is an in-process Ledger. Writes for one identity are
// serialised by a per-key mutex; different identities proceed in parallel.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*ScoreRecord
	keys    map[string]*sync.Mutex
	log     []*ActionLogEntry
	now     func() time.Time
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]*ScoreRecord),
		keys:    make(map[string]*sync.Mutex),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLedger) keyLock(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.keys[key]
	if !ok {
		m = &sync.Mutex{}
		l.keys[key] = m
	}
	return m
}

func (l *MemoryLedger) load(key string) *ScoreRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[key]
}

func (l *MemoryLedger) store(key string, rec *ScoreRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[key] = rec
}

func (l *MemoryLedger) GetOrCreate(ctx context.Context, id Identity) (*ScoreRecord, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := l.keyLock(id.Key())
	k.Lock()
	defer k.Unlock()

	rec := l.load(id.Key())
	if rec == nil {
		rec = NewRecord(id, l.now())
		l.store(id.Key(), rec)
	}
	return rec.Clone(), nil
}

func (l *MemoryLedger) AtomicUpdate(ctx context.Context, id Identity, fn Mutator) (*ScoreRecord, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := l.keyLock(id.Key())
	k.Lock()
	defer k.Unlock()

	var next *ScoreRecord
	if cur := l.load(id.Key()); cur != nil {
		next = cur.Clone()
	} else {
		next = NewRecord(id, l.now())
	}
	entry, err := fn(next)
	if errors.Is(err, ErrNoChange) {
		// next may carry fn's partial edits; report the stored state.
		if cur := l.load(id.Key()); cur != nil {
			return cur.Clone(), nil
		}
		return NewRecord(id, l.now()), nil
	}
	if err != nil {
		return nil, err
	}
	next.Identity = id
	next.Version++
	next.UpdatedAt = l.now()
	l.store(id.Key(), next)
	if entry != nil {
		entry.Identity = id
		if err := l.AppendLog(ctx, entry); err != nil {
			return nil, err
		}
	}
	return next.Clone(), nil
}

func (l *MemoryLedger) AppendLog(ctx context.Context, entry *ActionLogEntry) error {
	if err := entry.Identity.Validate(); err != nil {
		return err
	}
	e := *entry
	if e.ID == "" {
		e.ID = NewLogID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	l.mu.Lock()
	l.log = append(l.log, &e)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLedger) DeleteRecord(ctx context.Context, id Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	k := l.keyLock(id.Key())
	k.Lock()
	defer k.Unlock()
	l.mu.Lock()
	l.dropLocked(id)
	l.mu.Unlock()
	return nil
}

// dropLocked deletes id's record. l.mu must be held.
func (l *MemoryLedger) dropLocked(id Identity) {
	delete(l.records, id.Key())
}

func (l *MemoryLedger) Merge(ctx context.Context, from, into Identity, fold MergeFunc) (*ScoreRecord, bool, error) {
	if err := from.Validate(); err != nil {
		return nil, false, err
	}
	if err := into.Validate(); err != nil {
		return nil, false, err
	}
	if from.Key() == into.Key() {
		return nil, false, ErrSameIdentity
	}

	// Lock both keys in a fixed order so two merges can never deadlock.
	first, second := from.Key(), into.Key()
	if second < first {
		first, second = second, first
	}
	a, b := l.keyLock(first), l.keyLock(second)
	a.Lock()
	defer a.Unlock()
	b.Lock()
	defer b.Unlock()

	src := l.load(from.Key())
	if src == nil {
		return nil, false, nil
	}
	var (
		dst  *ScoreRecord
		base int64
	)
	if cur := l.load(into.Key()); cur != nil {
		dst = cur.Clone()
		base = cur.Version
	}
	merged, err := fold(src.Clone(), dst)
	if err != nil {
		return nil, false, err
	}
	merged.Identity = into
	merged.Version = base + 1
	merged.UpdatedAt = l.now()

	l.mu.Lock()
	l.records[into.Key()] = merged
	l.dropLocked(from)
	for i, e := range l.log {
		if e.Identity.Key() == from.Key() {
			moved := *e
			moved.Identity = into
			l.log[i] = &moved
		}
	}
	l.mu.Unlock()
	return merged.Clone(), true, nil
}

func (l *MemoryLedger) History(ctx context.Context, id Identity, limit int) ([]*ActionLogEntry, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*ActionLogEntry
	for _, e := range slices.Backward(l.log) {
		if e.Identity.Key() != id.Key() {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Top returns up to limit records, highest total first.
func (l *MemoryLedger) Top(ctx context.Context, limit int) ([]*ScoreRecord, error) {
	l.mu.Lock()
	out := make([]*ScoreRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r.Clone())
	}
	l.mu.Unlock()
	slices.SortFunc(out, func(a, b *ScoreRecord) int {
		if c := cmp.Compare(b.TotalPoints, a.TotalPoints); c != 0 {
			return c
		}
		return strings.Compare(a.Identity.Key(), b.Identity.Key())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
