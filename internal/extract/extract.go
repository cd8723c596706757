// internal/extract/extract.go

// Package extract recovers structured valuation results from free-form
// assistant text. The grammar is deliberately narrow:
//
//	<LABEL>[_ ](VALUE|VALUATION): $<number>
//
// matched case-insensitively, where <number> may use comma thousands
// separators and an optional decimal part, and <LABEL> is one of the
// registered method labels. A bare "VALUATION: $<number>" that names no
// method is the combined-result variant.
//
// Marker scraping is inherently fragile against rephrasing; it lives here as
// a pure, independently testable function so a structured reporting channel
// can replace it without touching the stream pipeline.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Result is one recovered {method label, numeric value} pair. MethodType is
// empty for the combined-result variant.
type Result struct {
	MethodType string
	Value      float64
}

// SavePrompt is the fixed content of extraction-triggered messages; the UI
// renders it as a save offer next to the extracted value.
const SavePrompt = "I found a valuation result. Would you like to save it to this method?"

// Registry holds the recognized method labels. Two are registered today;
// the set is open to extension.
type Registry struct {
	mu      sync.RWMutex
	labels  []string
	pattern *regexp.Regexp
}

// NewRegistry returns a registry seeded with the default method labels.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register("DCF", "COMPS")
	return r
}

// Register adds method labels and recompiles the marker pattern. Labels are
// normalized to upper case.
func (r *Registry) Register(labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range labels {
		l = strings.ToUpper(strings.TrimSpace(l))
		if l == "" || contains(r.labels, l) {
			continue
		}
		r.labels = append(r.labels, l)
	}
	alt := make([]string, len(r.labels))
	for i, l := range r.labels {
		alt[i] = regexp.QuoteMeta(l)
	}
	r.pattern = regexp.MustCompile(fmt.Sprintf(
		`(?i)\b(%s)[_ ](?:VALUE|VALUATION):\s*\$([0-9][0-9,]*(?:\.[0-9]+)?)`,
		strings.Join(alt, "|"),
	))
}

// Labels returns the registered method labels.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.labels))
	copy(out, r.labels)
	return out
}

// combinedPattern matches the generic single-result marker. The negative
// ordering is handled by running method extraction first and masking its
// matches, so "DCF_VALUATION: $1" never also matches here.
var combinedPattern = regexp.MustCompile(`(?i)(?:^|[^_A-Za-z ])VALUATION:\s*\$([0-9][0-9,]*(?:\.[0-9]+)?)`)

// Extract scans assistant text for valuation markers. Method-label matches
// come first, in text order, followed by any combined-result match. Repeated
// labels are not de-duplicated; every match produces its own record.
func (r *Registry) Extract(text string) []Result {
	r.mu.RLock()
	pattern := r.pattern
	r.mu.RUnlock()

	var results []Result
	masked := []byte(text)
	for _, m := range pattern.FindAllStringSubmatchIndex(text, -1) {
		label := strings.ToUpper(text[m[2]:m[3]])
		value, err := parseAmount(text[m[4]:m[5]])
		if err != nil {
			continue
		}
		results = append(results, Result{MethodType: label, Value: value})
		for i := m[0]; i < m[1]; i++ {
			masked[i] = ' '
		}
	}

	for _, m := range combinedPattern.FindAllSubmatchIndex(masked, -1) {
		value, err := parseAmount(string(masked[m[2]:m[3]]))
		if err != nil {
			continue
		}
		results = append(results, Result{Value: value})
	}

	return results
}

// parseAmount strips comma separators and parses the numeric literal.
func parseAmount(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
