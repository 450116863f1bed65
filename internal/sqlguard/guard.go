// Package sqlguard is the syntactic allow/deny filter applied to generated
// statements before they reach the database.
package sqlguard

import "strings"

type Reason string

const (
	ReasonNotSelect   Reason = "not_a_select"
	ReasonDestructive Reason = "destructive_operation"
)

// Verdict is the classification of one statement. Reason is empty when
// Allowed is true.
type Verdict struct {
	Allowed bool
	Reason  Reason
}

// destructiveKeywords carry a trailing space so identifiers such as
// updated_at or dropped_calls do not match.
var destructiveKeywords = []string{"drop ", "delete ", "insert ", "update ", "truncate ", "alter "}

// Check classifies sqlText. It only inspects a normalized copy; the caller
// keeps executing the original text. A destructive keyword anywhere in the
// statement takes precedence over the SELECT prefix rule, so "DROP TABLE t"
// reports destructive_operation rather than not_a_select.
func Check(sqlText string) Verdict {
	normalized := strings.ToLower(strings.TrimSpace(sqlText))
	for _, keyword := range destructiveKeywords {
		if strings.Contains(normalized, keyword) {
			return Verdict{Reason: ReasonDestructive}
		}
	}
	if !strings.HasPrefix(normalized, "select") {
		return Verdict{Reason: ReasonNotSelect}
	}
	return Verdict{Allowed: true}
}
