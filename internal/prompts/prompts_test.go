package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogHasEveryPrompt(t *testing.T) {
	catalog := Default()
	for _, name := range []string{SQLGeneration, IntentClassification, AnswerGrounding, ExecutiveSummary, DataDictionary} {
		text, err := catalog.System(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, text, name)
	}
	assert.Contains(t, catalog.MustSystem(SQLGeneration), "UNANSWERABLE")
}

func TestSystemUnknownPrompt(t *testing.T) {
	_, err := Default().System("nope")
	assert.Error(t, err)

	var nilCatalog *Catalog
	_, err = nilCatalog.System(SQLGeneration)
	assert.Error(t, err)
}

func TestParseRejectsBrokenCatalogs(t *testing.T) {
	_, err := Parse([]byte("prompts: [oops"))
	assert.Error(t, err)

	_, err = Parse([]byte("version: 1\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("prompts:\n  x:\n    system: \"  \"\n"))
	assert.Error(t, err)
}
