// CLAUDE:SUMMARY Evidence grading: additive 0-100 score over items, types, source reputation and summary, bucketed into unverified/basic/solid/strong
package evidence

import (
	"encoding/hex"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

// ItemType is the kind of a piece of evidence.
type ItemType string

const (
	TypeLink       ItemType = "link"
	TypeFile       ItemType = "file"
	TypeScreenshot ItemType = "screenshot"
)

// SourceQuality classifies where a piece of evidence comes from.
type SourceQuality string

const (
	SourceHigh     SourceQuality = "high"
	SourceStandard SourceQuality = "standard"
	SourceSocial   SourceQuality = "social"
)

// Grade is the coarse bucket derived from a score.
type Grade string

const (
	GradeUnverified Grade = "unverified"
	GradeBasic      Grade = "basic"
	GradeSolid      Grade = "solid"
	GradeStrong     Grade = "strong"
)

// Item is one piece of evidence attached to a resolve.
type Item struct {
	Type    ItemType      `json:"type"`
	URL     string        `json:"url,omitempty"`
	Quality SourceQuality `json:"source_quality,omitempty"`
	Hash    string        `json:"hash,omitempty"`
	// Content is inline evidence text; when Hash is empty it is hashed with
	// HashContent for duplicate detection.
	Content string `json:"content,omitempty"`
}

// contentKey is the identity used for duplicate detection.
func (it Item) contentKey() string {
	if it.Hash != "" {
		return it.Hash
	}
	if it.Content != "" {
		return HashContent([]byte(it.Content))
	}
	return ""
}

// Submission is everything the grader looks at.
type Submission struct {
	Items   []Item `json:"items"`
	Summary string `json:"summary"`
}

// Result is the graded outcome.
type Result struct {
	Score int   `json:"score"`
	Grade Grade `json:"grade"`
}

const (
	typeBonus         = 5
	shortSummaryLen   = 40
	longSummaryLen    = 200
	shortSummaryBonus = 10
	longSummaryBonus  = 20
	maxScore          = 100
)

// itemBonuses is the per-item increment: the first item is worth the most,
// anything after the fourth adds nothing.
var itemBonuses = []int{20, 12, 8, 5}

var sourceBonuses = map[SourceQuality]int{
	SourceHigh:     20,
	SourceStandard: 8,
	SourceSocial:   3,
}

// highQualityDomains are outlets recognised as primary or editorial sources.
var highQualityDomains = []string{
	"reuters.com", "apnews.com", "bbc.co.uk", "bbc.com", "nytimes.com",
	"ft.com", "bloomberg.com", "wsj.com", "economist.com", "nature.com",
	"science.org", "who.int", "europa.eu", "un.org", "sec.gov",
}

var socialDomains = []string{
	"twitter.com", "x.com", "facebook.com", "instagram.com", "tiktok.com",
	"reddit.com", "t.me", "threads.net", "youtube.com", "youtu.be",
}

// Assess scores a submission. Items sharing a content hash, declared or
// computed from Content, count once.
func Assess(sub Submission) Result {
	score := 0

	items := dedupe(sub.Items)
	for i := range items {
		if i < len(itemBonuses) {
			score += itemBonuses[i]
		}
	}

	seenTypes := make(map[ItemType]bool)
	best := 0
	for _, it := range items {
		if (it.Type == TypeScreenshot || it.Type == TypeFile) && !seenTypes[it.Type] {
			seenTypes[it.Type] = true
			score += typeBonus
		}
		if b := sourceBonuses[Classify(it)]; b > best {
			best = b
		}
	}
	score += best

	switch n := utf8.RuneCountInString(strings.TrimSpace(sub.Summary)); {
	case n >= longSummaryLen:
		score += longSummaryBonus
	case n >= shortSummaryLen:
		score += shortSummaryBonus
	}

	if score > maxScore {
		score = maxScore
	}
	return Result{Score: score, Grade: GradeFor(score)}
}

// GradeFor buckets a score. Every integer maps to exactly one grade.
func GradeFor(score int) Grade {
	switch {
	case score < 25:
		return GradeUnverified
	case score < 50:
		return GradeBasic
	case score < 75:
		return GradeSolid
	default:
		return GradeStrong
	}
}

// Classify returns the item's explicit source quality, or derives one from
// the URL domain for links. Files and screenshots without a declared quality
// carry no source bonus.
func Classify(it Item) SourceQuality {
	if it.Quality != "" {
		return it.Quality
	}
	if it.URL == "" {
		return ""
	}
	domain := extractDomain(it.URL)
	if domain == "" {
		return ""
	}
	if matchDomain(domain, highQualityDomains) || strings.HasSuffix(domain, ".gov") || strings.HasSuffix(domain, ".edu") {
		return SourceHigh
	}
	if matchDomain(domain, socialDomains) {
		return SourceSocial
	}
	return SourceStandard
}

// HashContent returns the integrity hash (BLAKE2b-256, hex) for evidence
// content. Assess applies it to items that carry Content but no Hash.
func HashContent(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func dedupe(items []Item) []Item {
	out := make([]Item, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if key := it.contentKey(); key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, it)
	}
	return out
}

func matchDomain(domain string, list []string) bool {
	for _, d := range list {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
