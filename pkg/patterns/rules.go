package patterns

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk YAML structure for pattern rules.
type RuleFile struct {
	BannedWords   BannedWordRules `yaml:"banned_words"`
	ToxicPatterns RegexRules      `yaml:"toxic_patterns"`
	PIIPatterns   PIIRules        `yaml:"pii_patterns"`
}

// BannedWordRules is the versioned banned-word list.
type BannedWordRules struct {
	Version string   `yaml:"version"`
	Words   []string `yaml:"words"`
}

// RegexRules is a versioned list of named regex patterns.
type RegexRules struct {
	Version  string      `yaml:"version"`
	Patterns []RegexRule `yaml:"patterns"`
}

// RegexRule is one named regex pattern.
type RegexRule struct {
	ID      string `yaml:"id"`
	Pattern string `yaml:"pattern"`
}

// PIIRules is the versioned PII pattern list. When empty, the built-in PII
// detectors are used.
type PIIRules struct {
	Version  string      `yaml:"version"`
	Patterns []RegexRule `yaml:"patterns"`
}

// builtinPIIRules are the default PII detectors, applied when the rule file
// declares none. The credit-card pattern is a candidate matcher only; hits
// are confirmed with a Luhn check before being reported.
var builtinPIIRules = []RegexRule{
	{ID: "pii_email", Pattern: `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`},
	{ID: "pii_phone", Pattern: `\+?[1-9]\d{0,2}[\s.\-]?\(?\d{2,4}\)?[\s.\-]?\d{3,4}[\s.\-]?\d{3,4}`},
	{ID: "pii_credit_card", Pattern: `\b(?:\d[ \-]?){13,19}\b`},
	{ID: "pii_ipv4", Pattern: `\b(?:\d{1,3}\.){3}\d{1,3}\b`},
	{ID: "pii_address", Pattern: `\b\d{1,5}\s+[A-Za-z0-9.\- ]+\s(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr)\b`},
}

// snapshot is one immutable compiled rule set. Replaced wholesale on reload;
// readers see either the old or new complete set, never a mix.
type snapshot struct {
	bannedVersion string
	banned        *regexp.Regexp // nil when no banned words configured
	bannedIDs     map[string]string

	toxicVersion string
	toxic        []compiledRule

	piiVersion string
	pii        []compiledRule
}

type compiledRule struct {
	id string
	re *regexp.Regexp
}

// loadSnapshot reads and compiles a rule file. Invalid regexes are logged and
// skipped so one bad rule does not take the matcher down.
func loadSnapshot(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file: %w", err)
	}

	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse pattern file %s: %w", path, err)
	}

	return compileSnapshot(&rf)
}

func compileSnapshot(rf *RuleFile) (*snapshot, error) {
	snap := &snapshot{
		bannedVersion: rf.BannedWords.Version,
		bannedIDs:     make(map[string]string),
		toxicVersion:  rf.ToxicPatterns.Version,
		piiVersion:    rf.PIIPatterns.Version,
	}

	// Banned words compile into a single case-insensitive word-boundary
	// alternation so lookup cost stays O(len(body)).
	if len(rf.BannedWords.Words) > 0 {
		quoted := make([]string, 0, len(rf.BannedWords.Words))
		for _, w := range rf.BannedWords.Words {
			w = strings.TrimSpace(w)
			if w == "" {
				continue
			}
			quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(w)))
			snap.bannedIDs[strings.ToLower(w)] = "banned:" + strings.ToLower(w)
		}
		if len(quoted) > 0 {
			re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
			if err != nil {
				return nil, fmt.Errorf("failed to compile banned-word set: %w", err)
			}
			snap.banned = re
		}
	}

	snap.toxic = compileRules(rf.ToxicPatterns.Patterns, "toxic")

	piiRules := rf.PIIPatterns.Patterns
	if len(piiRules) == 0 {
		piiRules = builtinPIIRules
	}
	snap.pii = compileRules(piiRules, "pii")

	return snap, nil
}

func compileRules(rules []RegexRule, set string) []compiledRule {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			slog.Error("Failed to compile pattern, skipping",
				"set", set, "pattern", r.ID, "error", err)
			continue
		}
		compiled = append(compiled, compiledRule{id: r.ID, re: re})
	}
	return compiled
}
