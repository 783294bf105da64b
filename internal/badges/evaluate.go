package badges

import "fmt"

// CategoryCount is the per-category input to evaluation.
type CategoryCount struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

// Stats is the snapshot badges are evaluated against. It must be taken from
// a single version of a score record.
type Stats struct {
	Locks           int
	Claims          int
	CorrectResolves int
	TotalResolves   int
	BestStreak      int
	Categories      map[string]CategoryCount
}

// EvaluateNew returns, in catalogue order, every badge not in current whose
// requirement holds for s. It never returns a badge already held, so calling
// it again after the result has been merged into current yields nothing.
func EvaluateNew(current map[ID]bool, s Stats) []ID {
	var earned []ID
	for _, d := range catalog {
		if current[d.ID] {
			continue
		}
		if Met(d.Requirement, s) {
			earned = append(earned, d.ID)
		}
	}
	return earned
}

// Met reports whether r holds for s.
func Met(r Requirement, s Stats) bool {
	switch req := r.(type) {
	case CountThreshold:
		return metric(req.Metric, s) >= req.Min
	case AccuracyThreshold:
		if s.TotalResolves == 0 || s.TotalResolves < req.MinResolves {
			return false
		}
		return float64(s.CorrectResolves)*100 >= req.MinPercent*float64(s.TotalResolves)
	case StreakThreshold:
		return s.BestStreak >= req.MinBest
	case CategoryThreshold:
		return s.Categories[req.Category].Correct >= req.MinCorrect
	default:
		panic(fmt.Sprintf("badges: unhandled requirement %T", r))
	}
}

func metric(m Metric, s Stats) int {
	switch m {
	case MetricLocks:
		return s.Locks
	case MetricClaims:
		return s.Claims
	case MetricCorrectResolves:
		return s.CorrectResolves
	case MetricTotalResolves:
		return s.TotalResolves
	default:
		panic(fmt.Sprintf("badges: unknown metric %q", m))
	}
}
