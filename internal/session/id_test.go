package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	at := time.Date(2026, 8, 25, 17, 45, 2, 0, time.UTC)

	tests := []struct {
		name    string
		project string
		want    string
	}{
		{"plain", "payments", "payments-20260825-174502"},
		{"mixed case and spaces", "Payments API", "payments-api-20260825-174502"},
		{"path-like", "github.com/user/repo", "github-com-user-repo-20260825-174502"},
		{"keeps underscores and dashes", "my_proj-2", "my_proj-2-20260825-174502"},
		{"empty", "", "session-20260825-174502"},
		{"all invalid", "!!!", "session-20260825-174502"},
		{"collapses runs", "a///b", "a-b-20260825-174502"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewID(tt.project, at))
		})
	}
}

func TestNewIDUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	at := time.Date(2026, 8, 25, 19, 45, 2, 0, loc)

	assert.Equal(t, "payments-20260825-174502", NewID("payments", at))
}

func TestSanitizeProjectTruncation(t *testing.T) {
	long := strings.Repeat("abcdefghij", 10)

	got := sanitizeProject(long)
	assert.LessOrEqual(t, len(got), maxProjectLength)
	assert.True(t, strings.HasPrefix(got, "abcdefghij"))

	// Distinct long names stay distinct through the hash suffix.
	other := sanitizeProject(long + "x")
	assert.NotEqual(t, got, other)

	// Truncation is deterministic.
	assert.Equal(t, got, sanitizeProject(long))
}
