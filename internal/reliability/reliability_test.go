package reliability

import (
	"math"
	"math/rand"
	"testing"
)

func TestCalculate_ZeroResolved(t *testing.T) {
	sc := Calculate(Stats{})
	if sc.Total != 0 || sc.Accuracy != 0 || sc.Volume != 0 || sc.Evidence != 0 {
		t.Fatalf("got %+v, want all zero", sc)
	}
	if sc.Tier != "unrated" {
		t.Fatalf("tier: got %q", sc.Tier)
	}
}

func TestCalculate_EightOfTen(t *testing.T) {
	sc := Calculate(Stats{Correct: 8, Resolved: 10})
	if sc.Accuracy != 320 {
		t.Fatalf("accuracy: got %d, want 320", sc.Accuracy)
	}
	if sc.Volume != 183 {
		t.Fatalf("volume: got %d, want 183", sc.Volume)
	}
	if sc.Evidence != 0 {
		t.Fatalf("evidence: got %d, want 0", sc.Evidence)
	}
	if sc.Total != 503 {
		t.Fatalf("total: got %d, want 503", sc.Total)
	}
}

func TestCalculate_VolumeCapped(t *testing.T) {
	sc := Calculate(Stats{Correct: 0, Resolved: 1 << 20})
	if sc.Volume != 300 {
		t.Fatalf("volume: got %d, want 300", sc.Volume)
	}
}

func TestCalculate_EvidenceWeights(t *testing.T) {
	cases := []struct {
		name string
		in   Stats
		want int
	}{
		{"all A", Stats{Resolved: 4, GradeA: 4}, 300},
		{"all B", Stats{Resolved: 2, GradeB: 2}, 225},
		{"all C", Stats{Resolved: 1, GradeC: 1}, 120},
		{"all D", Stats{Resolved: 3, GradeD: 3}, 30},
		{"A and D", Stats{Resolved: 2, GradeA: 1, GradeD: 1}, 165},
		{"grades without resolves", Stats{GradeA: 4}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Calculate(tc.in).Evidence; got != tc.want {
				t.Fatalf("evidence: got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCalculate_GradesWithoutResolves(t *testing.T) {
	sc := Calculate(Stats{Resolved: 0, GradeA: 4, GradeB: 2})
	if sc != (Score{Tier: "unrated"}) {
		t.Fatalf("got %+v, want zero score", sc)
	}
}

func TestCalculate_HugeGradeCounters(t *testing.T) {
	cases := []Stats{
		{Correct: 1, Resolved: 1, GradeA: math.MaxInt, GradeB: 1},
		{Correct: 1, Resolved: 1, GradeA: math.MaxInt, GradeB: math.MaxInt, GradeC: math.MaxInt, GradeD: math.MaxInt},
		{Correct: math.MaxInt, Resolved: math.MaxInt, GradeD: math.MaxInt},
	}
	for _, in := range cases {
		sc := Calculate(in)
		if sc.Evidence < 0 || sc.Evidence > maxEvidence {
			t.Errorf("%+v: evidence %d outside [0,%d]", in, sc.Evidence, maxEvidence)
		}
		if sc.Total < 0 || sc.Total > MaxScore {
			t.Errorf("%+v: total %d outside [0,%d]", in, sc.Total, MaxScore)
		}
	}
	if sc := Calculate(cases[0]); sc.Evidence != 300 {
		t.Errorf("MaxInt A + 1 B: evidence %d, want 300", sc.Evidence)
	}
}

func TestCalculate_Maximum(t *testing.T) {
	sc := Calculate(Stats{Correct: 5000, Resolved: 5000, GradeA: 5000})
	if sc.Total != MaxScore {
		t.Fatalf("total: got %d, want %d", sc.Total, MaxScore)
	}
	if sc.Tier != "elite" {
		t.Fatalf("tier: got %q", sc.Tier)
	}
}

func TestCalculate_DegenerateInputs(t *testing.T) {
	if sc := Calculate(Stats{Correct: 10, Resolved: 5}); sc.Accuracy != 400 {
		t.Fatalf("correct>resolved accuracy: got %d, want 400", sc.Accuracy)
	}
	if sc := Calculate(Stats{Correct: -3, Resolved: -1, GradeA: -2}); sc.Total != 0 {
		t.Fatalf("negative inputs: got %d, want 0", sc.Total)
	}
}

func TestCalculate_AlwaysInRange(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		resolved := r.Intn(100000)
		s := Stats{
			Resolved: resolved,
			Correct:  r.Intn(resolved + 1),
			GradeA:   r.Intn(50),
			GradeB:   r.Intn(50),
			GradeC:   r.Intn(50),
			GradeD:   r.Intn(50),
		}
		if i%4 == 0 {
			s.GradeA, s.GradeB, s.GradeC, s.GradeD = r.Int(), r.Int(), r.Int(), r.Int()
		}
		sc := Calculate(s)
		if sc.Total < 0 || sc.Total > MaxScore {
			t.Fatalf("out of range for %+v: %d", s, sc.Total)
		}
	}
}
