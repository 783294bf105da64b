// CLAUDE:SUMMARY Badge catalogue: static badge definitions with typed requirement variants (count, accuracy, streak, category)
package badges

import "encoding/json"

// ID identifies a badge in the catalogue.
type ID string

// Metric names a counter a CountThreshold can test.
type Metric string

const (
	MetricLocks           Metric = "locks"
	MetricClaims          Metric = "claims"
	MetricCorrectResolves Metric = "correct_resolves"
	MetricTotalResolves   Metric = "total_resolves"
)

// Requirement is the predicate a badge is unlocked by. The set of variants
// is closed: CountThreshold, AccuracyThreshold, StreakThreshold and
// CategoryThreshold.
type Requirement interface {
	requirement()
}

// CountThreshold is met when the metric reaches Min.
type CountThreshold struct {
	Metric Metric `json:"metric"`
	Min    int    `json:"min"`
}

// AccuracyThreshold is met when correct/total is at least MinPercent and at
// least MinResolves resolves have been recorded.
type AccuracyThreshold struct {
	MinPercent  float64 `json:"min_percent"`
	MinResolves int     `json:"min_resolves"`
}

// StreakThreshold is met when the best streak reaches MinBest.
type StreakThreshold struct {
	MinBest int `json:"min_best"`
}

// CategoryThreshold is met when the category's correct count reaches MinCorrect.
type CategoryThreshold struct {
	Category   string `json:"category"`
	MinCorrect int    `json:"min_correct"`
}

func (CountThreshold) requirement()    {}
func (AccuracyThreshold) requirement() {}
func (StreakThreshold) requirement()   {}
func (CategoryThreshold) requirement() {}

// Definition is a catalogue entry.
type Definition struct {
	ID          ID          `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Requirement Requirement `json:"requirement"`
}

// Kind names the requirement variant, used as the JSON discriminator.
func Kind(r Requirement) string {
	switch r.(type) {
	case CountThreshold:
		return "count"
	case AccuracyThreshold:
		return "accuracy"
	case StreakThreshold:
		return "streak"
	case CategoryThreshold:
		return "category"
	default:
		return "unknown"
	}
}

func (d Definition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID          ID          `json:"id"`
		Name        string      `json:"name"`
		Description string      `json:"description"`
		Kind        string      `json:"kind"`
		Requirement Requirement `json:"requirement"`
	}{d.ID, d.Name, d.Description, Kind(d.Requirement), d.Requirement})
}

var catalog = []Definition{
	{"first_lock", "First Lock", "Lock your first prediction", CountThreshold{MetricLocks, 1}},
	{"lock_10", "Committed", "Lock 10 predictions", CountThreshold{MetricLocks, 10}},
	{"lock_50", "Archivist", "Lock 50 predictions", CountThreshold{MetricLocks, 50}},
	{"first_claim", "Claimed", "Claim your first prediction", CountThreshold{MetricClaims, 1}},
	{"first_correct", "Called It", "Resolve your first prediction as correct", CountThreshold{MetricCorrectResolves, 1}},
	{"correct_10", "Sharp", "10 correct resolves", CountThreshold{MetricCorrectResolves, 10}},
	{"correct_50", "Prophet", "50 correct resolves", CountThreshold{MetricCorrectResolves, 50}},
	{"resolved_25", "Accountable", "Resolve 25 predictions, right or wrong", CountThreshold{MetricTotalResolves, 25}},
	{"accuracy_70", "Reliable", "70% accuracy over at least 10 resolves", AccuracyThreshold{70, 10}},
	{"accuracy_90", "Oracle", "90% accuracy over at least 25 resolves", AccuracyThreshold{90, 25}},
	{"streak_3", "Hot Hand", "3 correct resolves in a row", StreakThreshold{3}},
	{"streak_5", "On Fire", "5 correct resolves in a row", StreakThreshold{5}},
	{"streak_10", "Unstoppable", "10 correct resolves in a row", StreakThreshold{10}},
	{"crypto_master", "Crypto Master", "5 correct resolves in Crypto", CategoryThreshold{"Crypto", 5}},
	{"politics_master", "Political Analyst", "5 correct resolves in Politics", CategoryThreshold{"Politics", 5}},
	{"markets_master", "Market Reader", "5 correct resolves in Markets", CategoryThreshold{"Markets", 5}},
	{"sports_master", "Sports Sage", "5 correct resolves in Sports", CategoryThreshold{"Sports", 5}},
	{"tech_master", "Tech Seer", "5 correct resolves in Tech", CategoryThreshold{"Tech", 5}},
}

var byID = func() map[ID]Definition {
	m := make(map[ID]Definition, len(catalog))
	for _, d := range catalog {
		m[d.ID] = d
	}
	return m
}()

// All returns the catalogue in declaration order.
func All() []Definition {
	out := make([]Definition, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the definition for id.
func Lookup(id ID) (Definition, bool) {
	d, ok := byID[id]
	return d, ok
}
