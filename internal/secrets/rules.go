package secrets

// DefaultRules returns the built-in detection rules. They target the
// credential shapes that leak into worker diagnostics: self-identifying
// token prefixes, key blocks, credential assignments, and URLs carrying
// userinfo.
func DefaultRules() []Rule {
	return []Rule{
		// Self-identifying prefixes need no keyword gate.
		{ID: "aws-access-key-id", Pattern: `\b(?:AKIA|ASIA|AGPA|AIDA|AROA|ANPA)[A-Z0-9]{16}\b`},
		{ID: "github-token", Pattern: `\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}\b`},
		{ID: "github-fine-grained-token", Pattern: `\bgithub_pat_[A-Za-z0-9_]{22,}`},
		{ID: "gitlab-token", Pattern: `\bglpat-[A-Za-z0-9\-]{20,}`},
		{ID: "slack-token", Pattern: `\bxox[baprs]-[A-Za-z0-9\-]{10,}`},
		{ID: "stripe-key", Pattern: `\b[sp]k_(?:live|test)_[A-Za-z0-9]{24,}`},
		{ID: "npm-token", Pattern: `\bnpm_[A-Za-z0-9]{36}\b`},
		{ID: "anthropic-api-key", Pattern: `\bsk-ant-[A-Za-z0-9_\-]{20,}`},
		{ID: "openai-api-key", Pattern: `\bsk-[A-Za-z0-9]{32,}\b`},
		{ID: "google-api-key", Pattern: `\bAIza[A-Za-z0-9_\-]{35}`},
		{ID: "jwt", Pattern: `\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+`},

		// Key blocks.
		{ID: "private-key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`},

		// Broad patterns, keyword-gated to keep the common path cheap.
		{
			ID:       "credential-assignment",
			Pattern:  `(?i)\b[a-z0-9_\-]*(?:password|passwd|secret|api[_-]?key|access[_-]?token|auth[_-]?token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords: []string{"password", "passwd", "secret", "key", "token"},
		},
		{
			ID:       "bearer-token",
			Pattern:  `(?i)\bbearer\s+[A-Za-z0-9_\-.=]{16,}`,
			Keywords: []string{"bearer"},
		},
		{
			ID:       "url-credentials",
			Pattern:  `\b[a-z][a-z0-9+.\-]*://[^/\s:@]+:[^@\s]+@`,
			Keywords: []string{"://"},
		},
	}
}
