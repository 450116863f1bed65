package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/datatalk/datatalk/internal/dataset"
	"github.com/datatalk/datatalk/internal/nl2sql"
	"github.com/datatalk/datatalk/internal/observability"
	"github.com/datatalk/datatalk/internal/prompts"
)

// DictionaryBuilder asks a text backend to describe each column and falls
// back to descriptions derived from the profile.
type DictionaryBuilder struct {
	completer nl2sql.Completer
	system    string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewDictionaryBuilder(completer nl2sql.Completer, catalog *prompts.Catalog, timeout time.Duration, logger *slog.Logger) (*DictionaryBuilder, error) {
	if catalog == nil {
		catalog = prompts.Default()
	}
	system, err := catalog.System(prompts.DataDictionary)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DictionaryBuilder{completer: completer, system: system, timeout: timeout, logger: observability.LoggerOrDiscard(logger)}, nil
}

// Build never fails. Columns the backend skipped get the profile-derived entry.
func (b *DictionaryBuilder) Build(ctx context.Context, schema dataset.Schema) dataset.DataDictionary {
	dictionary := FallbackDictionary(schema)
	if b.completer == nil {
		return dictionary
	}

	generated, err := b.generate(ctx, schema)
	if err != nil {
		b.logger.Warn("data dictionary generation failed, using profile descriptions", "error", err)
		return dictionary
	}
	for name, entry := range generated {
		if !schema.Has(name) || strings.TrimSpace(entry.Description) == "" {
			continue
		}
		if strings.TrimSpace(entry.Category) == "" {
			entry.Category = dictionary[name].Category
		}
		dictionary[name] = entry
	}
	return dictionary
}

func (b *DictionaryBuilder) generate(ctx context.Context, schema dataset.Schema) (dataset.DataDictionary, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	raw, err := b.completer.Complete(callCtx, b.system, "SCHEMA PROFILE:\n"+string(schemaJSON))
	if err != nil {
		return nil, err
	}
	payload := nl2sql.ExtractJSONObject(raw)
	if payload == "" {
		return nil, fmt.Errorf("response contained no JSON object")
	}
	var dictionary dataset.DataDictionary
	if err := json.Unmarshal([]byte(payload), &dictionary); err != nil {
		return nil, fmt.Errorf("decode dictionary response: %w", err)
	}
	return dictionary, nil
}

// FallbackDictionary describes columns from their profiled type alone.
func FallbackDictionary(schema dataset.Schema) dataset.DataDictionary {
	dictionary := make(dataset.DataDictionary, len(schema))
	for name, column := range schema {
		label := strings.ReplaceAll(name, "_", " ")
		var entry dataset.DictionaryEntry
		switch column.Type {
		case dataset.ColumnID:
			entry = dataset.DictionaryEntry{Description: "Unique identifier (" + label + ")", Category: "identifier"}
		case dataset.ColumnNumeric:
			entry = dataset.DictionaryEntry{Description: "Numeric measure of " + label, Category: "metric"}
		case dataset.ColumnBoolean:
			entry = dataset.DictionaryEntry{Description: "Yes/no flag for " + label, Category: "flag"}
		case dataset.ColumnCategorical:
			entry = dataset.DictionaryEntry{Description: fmt.Sprintf("Category of %s (%d distinct values)", label, column.UniqueCount), Category: "dimension"}
		default:
			entry = dataset.DictionaryEntry{Description: "Free text " + label, Category: "free_text"}
		}
		dictionary[name] = entry
	}
	return dictionary
}
