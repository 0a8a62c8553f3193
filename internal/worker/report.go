package worker

import (
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/iterd/internal/checkpoint"
	"github.com/fyrsmithlabs/iterd/internal/ledger"
)

// Report is the structured tail of the worker's stdout.
type Report struct {
	Items     ledger.Delta      `json:"items"`
	Artifacts map[string]string `json:"artifacts"`
	Phase     string            `json:"phase"`
	Notes     []string          `json:"notes"`
}

// parseReport extracts and validates the report from the worker's stdout.
//
// The report is the last balanced top-level JSON object in the output;
// everything before it is free-form worker chatter. No object at all means
// no report (a valid empty delta). An object that is present but does not
// parse, or that carries an invalid delta or phase, is corrupt output.
func parseReport(stdout string) (*Report, bool, error) {
	raw := extractLastJSON(stdout)
	if raw == "" {
		return nil, false, nil
	}

	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, true, fmt.Errorf("report does not parse: %w", err)
	}
	if err := report.Items.Validate(); err != nil {
		return nil, true, fmt.Errorf("report items invalid: %w", err)
	}
	if report.Phase != "" {
		if _, err := checkpoint.ParsePhase(report.Phase); err != nil {
			return nil, true, fmt.Errorf("report phase invalid: %w", err)
		}
	}

	return &report, true, nil
}

// extractLastJSON returns the last balanced top-level JSON object in text,
// or "" when there is none. Braces inside strings and escape sequences are
// handled; unbalanced trailing fragments are ignored in favor of the last
// complete object.
func extractLastJSON(text string) string {
	depth := 0
	inString := false
	escaped := false
	start := -1
	last := ""

	for i := 0; i < len(text); i++ {
		c := text[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			if inString {
				escaped = true
			}
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					last = text[start : i+1]
					start = -1
				}
			}
		}
	}

	return last
}
