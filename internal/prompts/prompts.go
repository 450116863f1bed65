// Package prompts holds the system prompts sent to text-generation backends.
package prompts

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	SQLGeneration        = "sql_generation"
	IntentClassification = "intent_classification"
	AnswerGrounding      = "answer_grounding"
	ExecutiveSummary     = "executive_summary"
	DataDictionary       = "data_dictionary"
)

//go:embed prompts.yaml
var embedded []byte

type Prompt struct {
	Description string `yaml:"description"`
	System      string `yaml:"system"`
}

type Catalog struct {
	Version int               `yaml:"version"`
	Prompts map[string]Prompt `yaml:"prompts"`
}

func Parse(raw []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("decode prompt catalog: %w", err)
	}
	if len(catalog.Prompts) == 0 {
		return nil, fmt.Errorf("prompt catalog is empty")
	}
	for name, prompt := range catalog.Prompts {
		if strings.TrimSpace(prompt.System) == "" {
			return nil, fmt.Errorf("prompt %q has no system text", name)
		}
	}
	return &catalog, nil
}

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	catalog, err := Parse(embedded)
	if err != nil {
		panic(err)
	}
	return catalog
}

func (c *Catalog) System(name string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("prompt catalog is nil")
	}
	prompt, ok := c.Prompts[name]
	if !ok {
		return "", fmt.Errorf("prompt %q not found", name)
	}
	return strings.TrimSpace(prompt.System), nil
}

// MustSystem is System for names known at compile time.
func (c *Catalog) MustSystem(name string) string {
	text, err := c.System(name)
	if err != nil {
		panic(err)
	}
	return text
}
