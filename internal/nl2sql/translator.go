// Package nl2sql turns analytics questions into candidate DuckDB statements.
// Backends are opaque text completers; everything that interprets their raw
// output lives here so callers only ever see clean SQL or the Unanswerable
// sentinel.
package nl2sql

import (
	"context"

	"github.com/datatalk/datatalk/internal/dataset"
)

// Unanswerable is the reserved generator output meaning no statement over
// this table can answer the question.
const Unanswerable = "UNANSWERABLE"

const SourceHeuristic = "heuristic"

// Turn is one earlier question of the same session and the SQL that
// answered it.
type Turn struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
}

type GenerateRequest struct {
	Question      string
	SchemaContext string
	Schema        dataset.Schema
	TableName     string
	History       []Turn
	PreviousError string
	PreviousSQL   string
}

// Generation is a candidate statement. FailureDetail is set when the
// backend failed and SQL came from the heuristic instead.
type Generation struct {
	SQL           string `json:"sql"`
	Source        string `json:"source"`
	FailureDetail string `json:"failure_detail,omitempty"`
}

func (g Generation) IsUnanswerable() bool {
	return g.SQL == Unanswerable
}

func (g Generation) FellBack() bool {
	return g.FailureDetail != ""
}

// Translator is what the retry loop needs from generation.
type Translator interface {
	Generate(ctx context.Context, req GenerateRequest) Generation
}

// Completer is a text-generation backend: a system prompt and a user
// message in, raw text out.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Provider() string
}
