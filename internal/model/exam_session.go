package model

import (
	"time"
)

// Phase enumerates the states of an exam run.
type Phase string

const (
	PhaseSetup     Phase = "setup"
	PhaseSession1  Phase = "session_1"
	PhaseBreak     Phase = "break"
	PhaseSession2  Phase = "session_2"
	PhaseResults   Phase = "results"
	PhaseAbandoned Phase = "abandoned"
)

// SessionNumber returns 1 or 2 for in-session phases and 0 otherwise.
func (p Phase) SessionNumber() int {
	switch p {
	case PhaseSession1:
		return 1
	case PhaseSession2:
		return 2
	}
	return 0
}

// SessionContext carries the caller identity into the engine.
type SessionContext struct {
	UserID      int    `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// SessionResult is what a session emits when it finishes.
type SessionResult struct {
	Session       int                `json:"session"`
	QuestionIDs   []string           `json:"question_ids"`
	Answers       map[string]Letter  `json:"answers"`
	Flags         []string           `json:"flags"`
	QuestionTimes map[string]float64 `json:"question_times"`
	CorrectCount  int                `json:"correct_count"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at"`
	TimedOut      bool               `json:"timed_out"`
}

// Duration is the wall-clock span of the session.
func (r *SessionResult) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Patch converts r into the merge written when the session completes.
func (r *SessionResult) Patch(next Phase) AttemptPatch {
	flagged := make(map[string]bool, len(r.Flags))
	for _, qid := range r.Flags {
		flagged[qid] = true
	}
	flags := make(map[string]bool, len(r.QuestionIDs))
	for _, qid := range r.QuestionIDs {
		flags[qid] = flagged[qid]
	}
	return AttemptPatch{
		Answers:          r.Answers,
		Flags:            flags,
		QuestionTimes:    r.QuestionTimes,
		Phase:            next,
		SessionCompleted: r.Session,
	}
}

// SessionSnapshot is a read-only view of a running or finished session.
type SessionSnapshot struct {
	Session          int                `json:"session"`
	QuestionIDs      []string           `json:"question_ids"`
	Answers          map[string]Letter  `json:"answers"`
	Flags            []string           `json:"flags"`
	QuestionTimes    map[string]float64 `json:"question_times"`
	CurrentIndex     int                `json:"current_index"`
	StartedAt        time.Time          `json:"started_at"`
	RemainingSeconds int                `json:"remaining_seconds"`
	Finished         bool               `json:"finished"`
}
