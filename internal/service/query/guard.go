// Package query implements the asynchronous query core: SQL admission
// checks, per-user rate limiting, the admission & queueing service, and the
// worker pool that executes claimed queries against the backend.
package query

import (
	"strings"

	"grepr/internal/domain"
)

// forbiddenKeywords are mutating keywords rejected anywhere in the text.
// A case-insensitive substring scan is deliberately conservative: it rejects
// some legal SELECTs (e.g. a column literally named "created") in exchange
// for never letting a mutation through.
var forbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "create", "copy", "grant", "revoke",
}

// Guard is a stateless syntactic validator for submitted SQL. It is not a
// parser: the statement-separator and keyword rules are a single-statement,
// read-only safety net applied before any state is created.
type Guard struct {
	maxChars int
}

// NewGuard creates a Guard with the given maximum SQL length in characters.
func NewGuard(maxChars int) *Guard {
	return &Guard{maxChars: maxChars}
}

// Validate applies the admission rules in order; the first failure wins.
func (g *Guard) Validate(sqlText string) error {
	s := strings.TrimSpace(sqlText)

	if s == "" {
		return domain.ErrValidation("sql required")
	}
	if len(s) > g.maxChars {
		return domain.ErrValidation("sql too long")
	}
	if strings.Contains(s, ";") {
		return domain.ErrValidation("multiple statements are not allowed")
	}

	low := strings.ToLower(s)
	if !strings.HasPrefix(low, "select") {
		return domain.ErrValidation("only SELECT allowed")
	}
	for _, kw := range forbiddenKeywords {
		if strings.Contains(low, kw) {
			return domain.ErrValidation("keyword not allowed: %s", kw)
		}
	}

	return nil
}
