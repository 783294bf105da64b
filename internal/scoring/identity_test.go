package scoring

import (
	"context"
	"errors"
	"testing"
)

func TestIdentity_Validate(t *testing.T) {
	cases := []struct {
		id Identity
		ok bool
	}{
		{Anon("a"), true},
		{User("u"), true},
		{Identity{}, false},
		{Identity{AnonID: "a", UserID: "u"}, false},
		{Anon(" "), false},
	}
	for _, c := range cases {
		err := c.id.Validate()
		if c.ok && err != nil {
			t.Errorf("%+v: unexpected %v", c.id, err)
		}
		if !c.ok && !errors.Is(err, ErrInvalidIdentity) {
			t.Errorf("%+v: err = %v", c.id, err)
		}
	}
}

func TestIdentity_KeyRoundTrip(t *testing.T) {
	for _, id := range []Identity{Anon("a-1"), User("usr_x:y")} {
		got, err := ParseKey(id.Key())
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", id.Key(), err)
		}
		if got != id {
			t.Errorf("round trip %q = %+v", id.Key(), got)
		}
	}
	for _, bad := range []string{"", "anon:", "robot:1", "nokind"} {
		if _, err := ParseKey(bad); !errors.Is(err, ErrInvalidIdentity) {
			t.Errorf("ParseKey(%q) err = %v", bad, err)
		}
	}
}

func TestMemoryLedger_NoChangeLeavesRecord(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	id := Anon("n")
	rec, err := l.AtomicUpdate(ctx, id, func(r *ScoreRecord) (*ActionLogEntry, error) {
		r.TotalPoints = 999
		return nil, ErrNoChange
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.TotalPoints != 0 || len(l.records) != 0 {
		t.Errorf("no-change update wrote state: %+v", rec)
	}
}

func TestMemoryLedger_HistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	id := User("h")
	for _, k := range []ActionKind{ActionLock, ActionClaim, ActionResolveCorrect} {
		if _, err := l.AtomicUpdate(ctx, id, func(r *ScoreRecord) (*ActionLogEntry, error) {
			return &ActionLogEntry{Kind: k}, nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := l.History(ctx, id, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].Kind != ActionResolveCorrect || hist[1].Kind != ActionClaim {
		t.Errorf("history = %+v", hist)
	}
	if hist[0].ID == "" || hist[0].Identity != id {
		t.Errorf("entry not stamped: %+v", hist[0])
	}
}

func TestMemoryLedger_MergeSameIdentity(t *testing.T) {
	l := NewMemoryLedger()
	_, _, err := l.Merge(context.Background(), Anon("x"), Anon("x"), func(from, into *ScoreRecord) (*ScoreRecord, error) {
		return from, nil
	})
	if !errors.Is(err, ErrSameIdentity) {
		t.Errorf("err = %v", err)
	}
}
