package ingest

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeColumnNames turns raw CSV headers into lower snake_case
// identifiers that need no quoting: accents are stripped, runs of other
// characters collapse to one underscore, and collisions get a numeric suffix.
func NormalizeColumnNames(headers []string) []string {
	out := make([]string, len(headers))
	seen := make(map[string]int, len(headers))
	for i, header := range headers {
		name := normalizeColumnName(header)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if name[0] >= '0' && name[0] <= '9' {
			name = "col_" + name
		}
		base := name
		for seen[name] > 0 {
			seen[base]++
			name = fmt.Sprintf("%s_%d", base, seen[base])
		}
		seen[name]++
		out[i] = name
	}
	return out
}

func normalizeColumnName(header string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), header)
	if err != nil {
		stripped = header
	}

	var b strings.Builder
	pendingUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(stripped)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingUnderscore && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingUnderscore = false
			b.WriteRune(r)
			continue
		}
		pendingUnderscore = true
	}
	return b.String()
}
