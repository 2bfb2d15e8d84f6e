// Package patterns implements the deterministic rule matcher behind the
// lightweight filter: banned words, toxic regexes, and PII detectors, all
// compiled once at startup and replaced atomically on reload.
package patterns

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/text/unicode/norm"
)

// Result aggregates matches across all three rule sets for one message body.
// Each rule set reports its first terminal category; matching continues
// across sets so every matched category is collected.
type Result struct {
	Banned []string // matched banned words (pattern ids)
	Toxic  []string // matched toxic pattern ids
	PII    []string // matched PII pattern ids
}

// Empty reports whether nothing matched.
func (r Result) Empty() bool {
	return len(r.Banned) == 0 && len(r.Toxic) == 0 && len(r.PII) == 0
}

// All returns every matched pattern id across sets.
func (r Result) All() []string {
	out := make([]string, 0, len(r.Banned)+len(r.Toxic)+len(r.PII))
	out = append(out, r.Banned...)
	out = append(out, r.Toxic...)
	out = append(out, r.PII...)
	return out
}

// Matcher holds the compiled rule sets. Safe for concurrent use; Reload swaps
// the whole snapshot atomically.
type Matcher struct {
	snap atomic.Pointer[snapshot]
}

// Load reads and compiles the rule file at path.
func Load(path string) (*Matcher, error) {
	snap, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	m := &Matcher{}
	m.snap.Store(snap)
	slog.Info("Pattern matcher initialized",
		"banned_version", snap.bannedVersion,
		"toxic_version", snap.toxicVersion,
		"pii_version", snap.piiVersion,
		"toxic_rules", len(snap.toxic),
		"pii_rules", len(snap.pii))
	return m, nil
}

// NewFromRules builds a matcher directly from an in-memory rule file.
// Used by tests and by deployments that embed their rules.
func NewFromRules(rf *RuleFile) (*Matcher, error) {
	snap, err := compileSnapshot(rf)
	if err != nil {
		return nil, err
	}
	m := &Matcher{}
	m.snap.Store(snap)
	return m, nil
}

// Reload recompiles the rule file and swaps it in. On error the previous
// snapshot stays active.
func (m *Matcher) Reload(path string) error {
	snap, err := loadSnapshot(path)
	if err != nil {
		return err
	}
	m.snap.Store(snap)
	slog.Info("Pattern rules reloaded",
		"banned_version", snap.bannedVersion,
		"toxic_version", snap.toxicVersion,
		"pii_version", snap.piiVersion)
	return nil
}

// Match runs all rule sets against the body. The body is NFKC-normalized
// first so full-width and compatibility characters cannot evade the rules.
// Strictly CPU-bound; performs no I/O.
func (m *Matcher) Match(body string) Result {
	snap := m.snap.Load()
	normalized := norm.NFKC.String(body)

	var res Result

	if snap.banned != nil {
		hits := snap.banned.FindAllString(normalized, -1)
		seen := make(map[string]bool, len(hits))
		for _, h := range hits {
			id := snap.bannedIDs[strings.ToLower(h)]
			if id == "" {
				id = "banned:" + strings.ToLower(h)
			}
			if !seen[id] {
				seen[id] = true
				res.Banned = append(res.Banned, id)
			}
		}
	}

	for _, rule := range snap.toxic {
		if rule.re.MatchString(normalized) {
			res.Toxic = append(res.Toxic, rule.id)
		}
	}

	for _, rule := range snap.pii {
		match := rule.re.FindString(normalized)
		if match == "" {
			continue
		}
		// Credit-card candidates must pass Luhn to count.
		if rule.id == "pii_credit_card" && !luhnValid(match) {
			continue
		}
		res.PII = append(res.PII, rule.id)
	}

	return res
}

// luhnValid checks a digit string (separators allowed) with the Luhn
// algorithm.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
