// Package detect scores inbound messages for scam likelihood.
//
// The score is an additive rule score over keyword categories and shape
// patterns, not a calibrated probability. It exists to gate engagement
// decisions, so the rules are kept as data tables that can be tuned and
// tested independently of the engine.
package detect

import (
	"regexp"
	"strings"
)

// DefaultThreshold is the confidence at or above which a message is
// classified as a scam.
const DefaultThreshold = 0.5

// keywordWeight is added once per matching keyword within a category.
// Multiple keywords from the same category stack.
const keywordWeight = 0.15

// Pattern bonuses are applied at most once per message each, regardless
// of how many times the pattern occurs.
const (
	accountBonus = 0.20
	handleBonus  = 0.20
	linkBonus    = 0.10
	phoneBonus   = 0.10
)

// scamKeywords partitions the detection vocabulary into categories.
// Matching is case-insensitive substring containment.
var scamKeywords = map[string][]string{
	"urgency":         {"urgent", "immediately", "right now", "asap", "now", "quickly"},
	"account_threats": {"blocked", "suspended", "locked", "closed", "verify", "verification required", "confirm"},
	"financial":       {"send payment", "transfer", "account details", "card details", "otp", "upi"},
	"prizes":          {"congratulations", "won", "reward", "prize", "claim"},
	"links":           {"click here", "verify link", "download", "update app", "install"},
}

var (
	accountPattern = regexp.MustCompile(`\d{4}[-\s]?\d{4}[-\s]?\d{4}`)
	handlePattern  = regexp.MustCompile(`(?i)[\w.\-]+@(?:upi|okaxis|okhdfcbank|okicici|okpnb)`)
	linkPattern    = regexp.MustCompile(`https?://[^\s]+`)
	phonePattern   = regexp.MustCompile(`\+?91[-.\s]?\d{10}|\+\d{1,3}\d{9,}`)
)

// Result is the outcome of scoring a single message.
type Result struct {
	IsScam     bool    `json:"isScam"`
	Confidence float64 `json:"confidence"`
}

// Detector scores message text against the rule tables.
type Detector struct {
	threshold float64
}

// New creates a detector with the given classification threshold.
// A threshold outside (0, 1] falls back to DefaultThreshold.
func New(threshold float64) *Detector {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Detector{threshold: threshold}
}

// Score evaluates a single message. It is pure and total: any string,
// including the empty string, yields a result.
func (d *Detector) Score(text string) Result {
	lower := strings.ToLower(text)
	score := 0.0

	for _, keywords := range scamKeywords {
		matches := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				matches++
			}
		}
		if matches > 0 {
			score += float64(matches) * keywordWeight
		}
	}

	if accountPattern.MatchString(text) {
		score += accountBonus
	}
	if handlePattern.MatchString(text) {
		score += handleBonus
	}
	if linkPattern.MatchString(text) {
		score += linkBonus
	}
	if phonePattern.MatchString(text) {
		score += phoneBonus
	}

	if score > 1.0 {
		score = 1.0
	}

	return Result{
		IsScam:     score >= d.threshold,
		Confidence: score,
	}
}

// Threshold returns the classification threshold in use.
func (d *Detector) Threshold() float64 {
	return d.threshold
}
