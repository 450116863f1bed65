package nl2sql

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/datatalk/datatalk/internal/dataset"
)

// MaxHistoryTurns bounds how much conversation reaches the backend.
const MaxHistoryTurns = 3

// SchemaContext renders the profiled schema and the data dictionary as the
// JSON block every generation call starts with.
func SchemaContext(schema dataset.Schema, dictionary dataset.DataDictionary) (string, error) {
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal schema context: %w", err)
	}
	if dictionary == nil {
		dictionary = dataset.DataDictionary{}
	}
	dictionaryJSON, err := json.MarshalIndent(dictionary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal data dictionary context: %w", err)
	}
	return "SCHEMA:\n" + string(schemaJSON) + "\n\nDATA DICTIONARY:\n" + string(dictionaryJSON), nil
}

// BuildContext assembles the user message for one generation attempt.
func BuildContext(req GenerateRequest) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.SchemaContext))
	b.WriteString("\n\nTABLE NAME: ")
	b.WriteString(req.TableName)
	b.WriteString("\n")

	if history := recentTurns(req.History, MaxHistoryTurns); len(history) > 0 {
		b.WriteString("\nCONVERSATION HISTORY (for follow-up questions):\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "User: %s\nSQL used: %s\n\n", turn.Question, turn.SQL)
		}
	}

	if req.PreviousError != "" && req.PreviousSQL != "" {
		b.WriteString("\nPREVIOUS ATTEMPT FAILED:\n")
		fmt.Fprintf(&b, "SQL tried: %s\nError: %s\n", req.PreviousSQL, req.PreviousError)
		b.WriteString("Fix the above error and try again.\n")
	}

	b.WriteString("\nUSER QUESTION: ")
	b.WriteString(strings.TrimSpace(req.Question))
	b.WriteString("\n\nWrite the SQL query now:")
	return b.String()
}

func recentTurns(turns []Turn, limit int) []Turn {
	if len(turns) <= limit {
		return turns
	}
	return turns[len(turns)-limit:]
}

// stripMarkdownSQL removes code fences around model output. Fences that
// appear after leading prose are handled too.
func stripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if start := strings.Index(trimmed, "```"); start > 0 {
		trimmed = trimmed[start:]
	}
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 && isFenceLanguage(trimmed[:newline]) {
			trimmed = trimmed[newline+1:]
		} else {
			trimmed = strings.TrimPrefix(trimmed, "sql")
		}
		if end := strings.Index(trimmed, "```"); end >= 0 {
			trimmed = trimmed[:end]
		}
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}

func isFenceLanguage(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "sql", "duckdb", "postgresql", "postgres":
		return true
	default:
		return false
	}
}

// ExtractJSONObject returns the outermost {...} span of a model reply,
// ignoring code fences and surrounding prose.
func ExtractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
