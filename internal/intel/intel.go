// Package intel extracts actionable intelligence from engagement transcripts.
//
// Extraction runs once at finalize time over the whole transcript, not per
// message. The patterns are load-bearing for the downstream collector:
// changing them changes what gets reported.
package intel

import (
	"regexp"
	"sort"
	"strings"
)

var (
	accountPattern = regexp.MustCompile(`\d{4}[-\s]?\d{4}[-\s]?\d{4}(?:[-\s]?\d{4})?`)
	handlePattern  = regexp.MustCompile(`(?i)[\w.\-]+@(?:upi|okaxis|okhdfcbank|okicici|okpnb)`)
	linkPattern    = regexp.MustCompile(`https?://[^\s]+`)
	phonePattern   = regexp.MustCompile(`\+?91[-.\s]?\d{10}|\+\d{1,3}\d{9,}`)
)

// suspiciousKeywords is the reporting vocabulary. It overlaps the detection
// vocabulary but is maintained separately: detection drives engagement,
// this list drives what the collector sees.
var suspiciousKeywords = []string{
	"urgent", "verify", "confirm", "blocked", "suspended",
	"update", "download", "install", "claim", "reward", "authenticate",
}

// Intelligence holds the unique artifacts extracted from a transcript.
// Field names are part of the collector payload contract.
type Intelligence struct {
	BankAccounts       []string `json:"bankAccounts"`
	PaymentHandles     []string `json:"paymentHandles"`
	PhishingLinks      []string `json:"phishingLinks"`
	PhoneNumbers       []string `json:"phoneNumbers"`
	SuspiciousKeywords []string `json:"suspiciousKeywords"`
}

// Extract pulls all recognized artifacts out of text. Duplicates collapse;
// every field is non-nil so the payload marshals as [] rather than null.
func Extract(text string) Intelligence {
	return Intelligence{
		BankAccounts:       dedupe(accountPattern.FindAllString(maskPhones(text), -1)),
		PaymentHandles:     dedupe(lowerAll(handlePattern.FindAllString(text, -1))),
		PhishingLinks:      dedupe(linkPattern.FindAllString(text, -1)),
		PhoneNumbers:       dedupe(phonePattern.FindAllString(text, -1)),
		SuspiciousKeywords: matchKeywords(text),
	}
}

// IsEmpty reports whether nothing was extracted.
func (i Intelligence) IsEmpty() bool {
	return len(i.BankAccounts) == 0 &&
		len(i.PaymentHandles) == 0 &&
		len(i.PhishingLinks) == 0 &&
		len(i.PhoneNumbers) == 0 &&
		len(i.SuspiciousKeywords) == 0
}

// maskPhones blanks phone-number spans so their digit runs are not
// re-reported as bank accounts.
func maskPhones(text string) string {
	spans := phonePattern.FindAllStringIndex(text, -1)
	if len(spans) == 0 {
		return text
	}
	b := []byte(text)
	for _, span := range spans {
		for i := span[0]; i < span[1]; i++ {
			b[i] = ' '
		}
	}
	return string(b)
}

func matchKeywords(text string) []string {
	lower := strings.ToLower(text)
	found := make([]string, 0, len(suspiciousKeywords))
	for _, kw := range suspiciousKeywords {
		if strings.Contains(lower, kw) {
			found = append(found, kw)
		}
	}
	return found
}

func lowerAll(in []string) []string {
	for i, s := range in {
		in[i] = strings.ToLower(s)
	}
	return in
}

// dedupe collapses duplicates and sorts for stable output.
func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
