package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const (
	// maxProjectLength caps the project component of a session id so ids
	// stay usable as directory names and log fields.
	maxProjectLength = 48

	// hashSuffixLength is the length of the suffix added when truncating:
	// "-" plus 8 hex characters.
	hashSuffixLength = 9

	// defaultProject is used when sanitization produces an empty result.
	defaultProject = "session"

	// idTimeFormat stamps session ids, e.g. payments-20260825-174502.
	idTimeFormat = "20060102-150405"
)

// NewID builds a session id from a project name and a start time.
//
// The project component is lowercased, restricted to [a-z0-9_-], collapsed,
// trimmed, and truncated with a hash suffix when too long. The timestamp is
// UTC with second precision.
//
// Examples:
//
//	NewID("Payments API", t)   -> "payments-api-20260825-174502"
//	NewID("", t)               -> "session-20260825-174502"
func NewID(project string, at time.Time) string {
	return sanitizeProject(project) + "-" + at.UTC().Format(idTimeFormat)
}

// sanitizeProject normalizes a project name for use in session ids.
func sanitizeProject(s string) string {
	if s == "" {
		return defaultProject
	}

	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}

	sanitized := b.String()
	for strings.Contains(sanitized, "--") {
		sanitized = strings.ReplaceAll(sanitized, "--", "-")
	}
	sanitized = strings.Trim(sanitized, "-_")

	if sanitized == "" {
		return defaultProject
	}
	if len(sanitized) > maxProjectLength {
		sanitized = truncateWithHash(sanitized)
	}
	return sanitized
}

// truncateWithHash shortens a project component to maxProjectLength while
// keeping distinct long names distinct.
//
// Format: <truncated>-<8-char-hash>
func truncateWithHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	suffix := "-" + hex.EncodeToString(hash[:])[:8]

	truncated := s[:maxProjectLength-hashSuffixLength]
	truncated = strings.TrimRight(truncated, "-_")

	return truncated + suffix
}
