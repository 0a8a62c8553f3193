package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// defaultMarker replaces each detected secret.
const defaultMarker = "[REDACTED]"

// Rule is one detection pattern.
type Rule struct {
	// ID names the rule in findings and logs.
	ID string

	// Pattern is the regular expression a secret matches.
	Pattern string

	// Keywords gate the rule when set: the pattern is only tried when the
	// content contains one of them. Cheap pre-filter for broad patterns.
	Keywords []string
}

// Finding locates one detected secret inside the original content.
type Finding struct {
	RuleID string
	Start  int
	End    int
}

// Result is the outcome of one scrub.
type Result struct {
	// Content is the input with every finding replaced by the marker.
	Content string

	// Findings are the redacted regions. Overlapping matches count once.
	Findings []Finding
}

// Count returns the number of redacted regions.
func (r *Result) Count() int { return len(r.Findings) }

// Scrubber redacts credentials from free-form text.
type Scrubber interface {
	Scrub(content string) *Result
	IsEnabled() bool
}

// Config configures the scrubber.
type Config struct {
	// Enabled toggles scrubbing; a disabled scrubber passes content
	// through unchanged.
	Enabled bool

	// Marker replaces each detected secret (default "[REDACTED]").
	Marker string

	// Rules are the detection rules (default DefaultRules).
	Rules []Rule
}

// DefaultConfig returns an enabled config with the built-in rules.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Marker:  defaultMarker,
		Rules:   DefaultRules(),
	}
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []string
}

// wants reports whether the lowercased content passes the keyword gate.
func (r *compiledRule) wants(lowered string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// scrubber is immutable after New; it is safe for concurrent use.
type scrubber struct {
	enabled bool
	marker  string
	rules   []compiledRule
}

// New compiles the configured rules into a Scrubber. A nil cfg uses
// DefaultConfig.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &scrubber{
		enabled: cfg.Enabled,
		marker:  cfg.Marker,
	}
	if s.marker == "" {
		s.marker = defaultMarker
	}

	for i, rule := range cfg.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		keywords := make([]string, len(rule.Keywords))
		for j, kw := range rule.Keywords {
			keywords[j] = strings.ToLower(kw)
		}
		s.rules = append(s.rules, compiledRule{id: rule.ID, pattern: pattern, keywords: keywords})
	}

	return s, nil
}

// span is a half-open redaction range.
type span struct {
	start, end int
	ruleID     string
}

// Scrub replaces every rule match with the marker. Matches that overlap a
// region already redacted extend the cut instead of producing a second
// marker.
func (s *scrubber) Scrub(content string) *Result {
	res := &Result{Content: content}
	if !s.enabled || content == "" {
		return res
	}

	lowered := strings.ToLower(content)

	var spans []span
	for _, rule := range s.rules {
		if !rule.wants(lowered) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			spans = append(spans, span{start: m[0], end: m[1], ruleID: rule.id})
		}
	}
	if len(spans) == 0 {
		return res
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	var b strings.Builder
	prev := 0
	for _, sp := range spans {
		if sp.start < prev {
			// Overlaps the previous redaction; widen the cut.
			if sp.end > prev {
				prev = sp.end
			}
			continue
		}
		b.WriteString(content[prev:sp.start])
		b.WriteString(s.marker)
		res.Findings = append(res.Findings, Finding{RuleID: sp.ruleID, Start: sp.start, End: sp.end})
		prev = sp.end
	}
	b.WriteString(content[prev:])

	res.Content = b.String()
	return res
}

// IsEnabled reports whether scrubbing is active.
func (s *scrubber) IsEnabled() bool { return s.enabled }

var _ Scrubber = (*scrubber)(nil)
