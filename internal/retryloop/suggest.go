package retryloop

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/datatalk/datatalk/internal/dataset"
)

const maxSuggestions = 3

var quotedIdentifier = regexp.MustCompile(`"([^"]+)"`)

// suggestColumns explains a column-related failure in terms of the columns
// that do exist. Other failures get no suggestion.
func suggestColumns(errorMessage string, schema dataset.Schema) string {
	if !strings.Contains(strings.ToLower(errorMessage), "column") || len(schema) == 0 {
		return ""
	}

	candidates := nearestColumns(missingIdentifiers(errorMessage, schema), schema)
	if len(candidates) == 0 {
		candidates = schema.ColumnNames()
		if len(candidates) > 5 {
			candidates = candidates[:5]
		}
	}
	return fmt.Sprintf("I couldn't find some of the data you requested. Did you mean one of these: %s?", strings.Join(candidates, ", "))
}

func missingIdentifiers(errorMessage string, schema dataset.Schema) []string {
	identifiers := make([]string, 0)
	for _, match := range quotedIdentifier.FindAllStringSubmatch(errorMessage, -1) {
		if !schema.Has(match[1]) {
			identifiers = append(identifiers, match[1])
		}
	}
	if len(identifiers) > 0 {
		return identifiers
	}
	// "column not found: foo"
	if idx := strings.LastIndex(errorMessage, ":"); idx >= 0 {
		tail := strings.Trim(strings.TrimSpace(errorMessage[idx+1:]), `"'`)
		if tail != "" && !strings.ContainsAny(tail, " \t\n") && !schema.Has(tail) {
			identifiers = append(identifiers, tail)
		}
	}
	return identifiers
}

func nearestColumns(missing []string, schema dataset.Schema) []string {
	if len(missing) == 0 {
		return nil
	}
	type scored struct {
		name     string
		distance int
	}
	scores := make([]scored, 0, len(schema))
	for _, name := range schema.ColumnNames() {
		best := -1
		for _, identifier := range missing {
			distance := levenshtein.ComputeDistance(strings.ToLower(identifier), strings.ToLower(name))
			if best < 0 || distance < best {
				best = distance
			}
		}
		scores = append(scores, scored{name: name, distance: best})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].distance < scores[j].distance })

	out := make([]string, 0, maxSuggestions)
	for _, score := range scores {
		if len(out) == maxSuggestions {
			break
		}
		out = append(out, score.name)
	}
	return out
}
