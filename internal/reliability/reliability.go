// Package reliability computes the bounded 0-1000 reliability score from
// aggregate resolve statistics. The score is a point-in-time estimate and is
// always recomputed from counters, never stored.
package reliability

import "math"

const (
	MaxScore    = 1000
	maxAccuracy = 400
	maxVolume   = 300
	maxEvidence = 300
	volumeSlope = 53
)

// Grade weights for the evidence component.
const (
	WeightA = 1.0
	WeightB = 0.75
	WeightC = 0.4
	WeightD = 0.1
)

// Stats is the aggregate input. GradeA..GradeD count resolves whose evidence
// was graded strong, solid, basic and unverified respectively.
type Stats struct {
	Correct  int `json:"correct"`
	Resolved int `json:"resolved"`
	GradeA   int `json:"grade_a"`
	GradeB   int `json:"grade_b"`
	GradeC   int `json:"grade_c"`
	GradeD   int `json:"grade_d"`
}

// Score is the breakdown plus the capped total.
type Score struct {
	Accuracy int    `json:"accuracy"`
	Volume   int    `json:"volume"`
	Evidence int    `json:"evidence"`
	Total    int    `json:"total"`
	Tier     string `json:"tier"`
}

// Calculate is total over any input: negatives count as zero, correct is
// capped at resolved, and zero resolves score zero whatever the grades say.
func Calculate(s Stats) Score {
	resolved := nonNeg(s.Resolved)
	correct := nonNeg(s.Correct)
	if correct > resolved {
		correct = resolved
	}

	// Grades are attached to resolves; without one there is nothing to rate.
	if resolved == 0 {
		return Score{Tier: Tier(0)}
	}

	var sc Score
	sc.Accuracy = int(math.Round(float64(correct) / float64(resolved) * maxAccuracy))
	sc.Volume = min(int(math.Round(math.Log2(float64(resolved)+1)*volumeSlope)), maxVolume)
	sc.Evidence = evidenceScore(nonNeg(s.GradeA), nonNeg(s.GradeB), nonNeg(s.GradeC), nonNeg(s.GradeD))
	sc.Total = min(sc.Accuracy+sc.Volume+sc.Evidence, MaxScore)
	sc.Tier = Tier(sc.Total)
	return sc
}

// evidenceScore sums in float64 so huge counters cannot wrap.
func evidenceScore(a, b, c, d int) int {
	fa, fb, fc, fd := float64(a), float64(b), float64(c), float64(d)
	graded := fa + fb + fc + fd
	if graded == 0 {
		return 0
	}
	weighted := fa*WeightA + fb*WeightB + fc*WeightC + fd*WeightD
	return max(0, min(int(math.Round(weighted/graded*maxEvidence)), maxEvidence))
}

// Tier is a display label for a total.
func Tier(total int) string {
	switch {
	case total >= 850:
		return "elite"
	case total >= 650:
		return "trusted"
	case total >= 400:
		return "established"
	case total >= 150:
		return "emerging"
	default:
		return "unrated"
	}
}

func nonNeg(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
