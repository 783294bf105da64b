package scoring

import (
	"errors"
	"slices"
)

// Rules are the point constants of the engine. They are configuration, not
// persisted state.
type Rules struct {
	LockBonus           int
	ClaimBonus          int
	CorrectBase         int
	IncorrectPenalty    int // applied as-is; negative
	RiskBonus           int
	StreakBonusPerLevel int
	MasteryThreshold    int
	MasteryBonus        int
	HighRiskCategories  []string
	// FloorAtZero keeps TotalPoints from going below zero on write.
	FloorAtZero bool
	// MaxRetries bounds internal retries of ErrConcurrentUpdate.
	MaxRetries int
}

// DefaultRules returns the production constants.
func DefaultRules() Rules {
	return Rules{
		LockBonus:           10,
		ClaimBonus:          20,
		CorrectBase:         80,
		IncorrectPenalty:    -30,
		RiskBonus:           40,
		StreakBonusPerLevel: 10,
		MasteryThreshold:    5,
		MasteryBonus:        100,
		HighRiskCategories:  []string{"Crypto", "Politics", "Markets"},
		FloorAtZero:         true,
		MaxRetries:          5,
	}
}

// Validate rejects constants that would break the engine's invariants.
func (r Rules) Validate() error {
	var errs []error
	if r.LockBonus < 0 || r.ClaimBonus < 0 || r.CorrectBase < 0 || r.RiskBonus < 0 ||
		r.StreakBonusPerLevel < 0 || r.MasteryBonus < 0 {
		errs = append(errs, errors.New("bonuses must be non-negative"))
	}
	if r.IncorrectPenalty > 0 {
		errs = append(errs, errors.New("incorrect_penalty must be zero or negative"))
	}
	if r.MasteryThreshold < 1 {
		errs = append(errs, errors.New("mastery_threshold must be at least 1"))
	}
	if r.MaxRetries < 1 {
		errs = append(errs, errors.New("max_retries must be at least 1"))
	}
	return errors.Join(errs...)
}

// IsHighRisk reports whether category earns the risk bonus.
func (r Rules) IsHighRisk(category string) bool {
	return slices.Contains(r.HighRiskCategories, category)
}
