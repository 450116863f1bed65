package retryloop

import (
	"time"

	"github.com/datatalk/datatalk/internal/query"
	"github.com/datatalk/datatalk/internal/sqlguard"
)

type Terminal string

const (
	TerminalSucceeded    Terminal = "succeeded"
	TerminalFailed       Terminal = "failed"
	TerminalUnanswerable Terminal = "unanswerable"
)

type OutcomeTag string

const (
	TagGenerated    OutcomeTag = "generated"
	TagSuccess      OutcomeTag = "success"
	TagEngineError  OutcomeTag = "engine_error"
	TagRejected     OutcomeTag = "rejected"
	TagUnanswerable OutcomeTag = "unanswerable"
)

// Outcome is the result of a single attempt. The set of implementations is
// closed: Success, EngineError, Rejected and Unanswerable.
type Outcome interface {
	Tag() OutcomeTag
	sealed()
}

type Success struct {
	Table query.Result
}

type EngineError struct {
	Message string
}

type Rejected struct {
	Reason sqlguard.Reason
}

type Unanswerable struct{}

func (Success) Tag() OutcomeTag      { return TagSuccess }
func (EngineError) Tag() OutcomeTag  { return TagEngineError }
func (Rejected) Tag() OutcomeTag     { return TagRejected }
func (Unanswerable) Tag() OutcomeTag { return TagUnanswerable }

func (Success) sealed()      {}
func (EngineError) sealed()  {}
func (Rejected) sealed()     {}
func (Unanswerable) sealed() {}

// AuditEntry is one recorded step. Entries are appended and never edited.
type AuditEntry struct {
	Step    string     `json:"step"`
	SQL     string     `json:"sql,omitempty"`
	Outcome OutcomeTag `json:"outcome"`
	Detail  string     `json:"detail"`
	At      time.Time  `json:"at"`
}

// Result is what ExecuteWithRetry hands back. Table is non-nil exactly when
// Terminal is TerminalSucceeded.
type Result struct {
	Terminal     Terminal      `json:"terminal"`
	SQL          string        `json:"sql,omitempty"`
	Table        *query.Result `json:"-"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Suggestion   string        `json:"suggestion,omitempty"`
	AuditTrail   []AuditEntry  `json:"audit_trail"`
	AttemptsUsed int           `json:"attempts_used"`
}

// state is per request and never leaves ExecuteWithRetry.
type state struct {
	attempt   int
	budget    int
	lastError string
	lastSQL   string
}

func (s *state) exhausted() bool {
	return s.attempt >= s.budget
}
