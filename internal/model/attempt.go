package model

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrAttemptCompleted is returned when a write targets an attempt that is already completed.
var ErrAttemptCompleted = errors.New("attempt is already completed")

// ExamAttempt is the persisted record of one run through an ExamSpec.
type ExamAttempt struct {
	ID                uuid.UUID          `json:"id"`
	UserID            int                `json:"user_id"`
	ExamTitle         string             `json:"exam_title"`
	ExamType          ExamType           `json:"exam_type"`
	SessionCount      int                `json:"session_count"`
	SessionMinutes    float64            `json:"session_minutes"`
	QuestionIDs       []string           `json:"question_ids"`
	Answers           map[string]Letter  `json:"answers"`
	Flags             []string           `json:"flags"`
	QuestionTimes     map[string]float64 `json:"question_times"`
	Phase             Phase              `json:"phase"`
	SessionsCompleted int                `json:"sessions_completed"`
	SessionStartedAt  [2]*time.Time      `json:"session_started_at"`
	LiveIndex         int                `json:"live_index"` // exam-wide question position
	RawScore          int                `json:"raw_score"`
	TotalQuestions    int                `json:"total_questions"`
	StandardPassScore int                `json:"standard_pass_score"`
	AngoffPassScore   *int               `json:"angoff_pass_score,omitempty"`
	Completed         bool               `json:"completed"`
	TimeTakenMinutes  float64            `json:"time_taken_minutes"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// NewAttempt builds an in-progress attempt for spec.
func NewAttempt(id uuid.UUID, userID int, spec ExamSpec, now time.Time) *ExamAttempt {
	ids := make([]string, len(spec.QuestionIDs))
	copy(ids, spec.QuestionIDs)
	return &ExamAttempt{
		ID:             id,
		UserID:         userID,
		ExamTitle:      spec.Title,
		ExamType:       spec.ExamType,
		SessionCount:   spec.SessionCount,
		SessionMinutes: spec.SessionMinutes,
		QuestionIDs:    ids,
		Answers:        map[string]Letter{},
		Flags:          []string{},
		QuestionTimes:  map[string]float64{},
		Phase:          PhaseSetup,
		TotalQuestions: len(ids),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Spec reconstructs the ExamSpec from the stored question order.
func (a *ExamAttempt) Spec() ExamSpec {
	ids := make([]string, len(a.QuestionIDs))
	copy(ids, a.QuestionIDs)
	return ExamSpec{
		Title:          a.ExamTitle,
		ExamType:       a.ExamType,
		QuestionIDs:    ids,
		SessionCount:   a.SessionCount,
		SessionMinutes: a.SessionMinutes,
	}
}

// SessionStart marks when a session's clock started.
type SessionStart struct {
	Session int       `json:"session"`
	At      time.Time `json:"at"`
}

// AttemptPatch is a partial, non-completing update of an attempt.
// QuestionTimes carries cumulative totals and overwrites; Flags maps a
// question id to its flagged state.
type AttemptPatch struct {
	Answers          map[string]Letter  `json:"answers,omitempty"`
	Flags            map[string]bool    `json:"flags,omitempty"`
	QuestionTimes    map[string]float64 `json:"question_times,omitempty"`
	Phase            Phase              `json:"phase,omitempty"`
	SessionStarted   *SessionStart      `json:"session_started,omitempty"`
	SessionCompleted int                `json:"session_completed,omitempty"`
	LiveIndex        *int               `json:"live_index,omitempty"`
}

var phaseRank = map[Phase]int{
	PhaseSetup:     0,
	PhaseSession1:  1,
	PhaseBreak:     2,
	PhaseSession2:  3,
	PhaseResults:   4,
	PhaseAbandoned: 4,
}

// Apply merges p into a. Answer and time entries for question ids outside the
// attempt are dropped and returned. Phase never moves backwards.
func (a *ExamAttempt) Apply(p AttemptPatch, now time.Time) ([]string, error) {
	if a.Completed {
		return nil, ErrAttemptCompleted
	}

	known := make(map[string]struct{}, len(a.QuestionIDs))
	for _, id := range a.QuestionIDs {
		known[id] = struct{}{}
	}

	var dropped []string
	if a.Answers == nil {
		a.Answers = map[string]Letter{}
	}
	for qid, l := range p.Answers {
		if _, ok := known[qid]; !ok || !l.Valid() {
			dropped = append(dropped, qid)
			continue
		}
		a.Answers[qid] = l
	}

	if a.QuestionTimes == nil {
		a.QuestionTimes = map[string]float64{}
	}
	for qid, secs := range p.QuestionTimes {
		if _, ok := known[qid]; !ok {
			dropped = append(dropped, qid)
			continue
		}
		a.QuestionTimes[qid] = secs
	}

	if len(p.Flags) > 0 {
		set := make(map[string]bool, len(a.Flags)+len(p.Flags))
		for _, qid := range a.Flags {
			set[qid] = true
		}
		for qid, on := range p.Flags {
			if _, ok := known[qid]; !ok {
				dropped = append(dropped, qid)
				continue
			}
			if on {
				set[qid] = true
			} else {
				delete(set, qid)
			}
		}
		a.Flags = sortedKeys(set)
	}

	if p.Phase != "" && phaseRank[p.Phase] >= phaseRank[a.Phase] {
		a.Phase = p.Phase
	}
	if p.SessionStarted != nil && p.SessionStarted.Session >= 1 && p.SessionStarted.Session <= 2 {
		at := p.SessionStarted.At
		a.SessionStartedAt[p.SessionStarted.Session-1] = &at
	}
	if p.SessionCompleted > a.SessionsCompleted {
		a.SessionsCompleted = p.SessionCompleted
	}
	if p.LiveIndex != nil {
		a.LiveIndex = *p.LiveIndex
	}

	a.UpdatedAt = now
	return dropped, nil
}

// Finalization carries the score fields written when an attempt completes.
type Finalization struct {
	Report           ScoreReport `json:"report"`
	TimeTakenMinutes float64     `json:"time_taken_minutes"`
}

// Finalize marks a completed with the score in f.
func (a *ExamAttempt) Finalize(f Finalization, now time.Time) error {
	if a.Completed {
		return ErrAttemptCompleted
	}
	a.RawScore = f.Report.RawScore
	a.TotalQuestions = f.Report.TotalQuestions
	a.StandardPassScore = f.Report.StandardPassScore
	a.AngoffPassScore = f.Report.AngoffPassScore
	a.TimeTakenMinutes = f.TimeTakenMinutes
	a.Phase = PhaseResults
	a.Completed = true
	a.UpdatedAt = now
	return nil
}

// Clone returns a deep copy of a.
func (a *ExamAttempt) Clone() *ExamAttempt {
	c := *a
	c.QuestionIDs = append([]string(nil), a.QuestionIDs...)
	c.Flags = append([]string(nil), a.Flags...)
	c.Answers = make(map[string]Letter, len(a.Answers))
	for k, v := range a.Answers {
		c.Answers[k] = v
	}
	c.QuestionTimes = make(map[string]float64, len(a.QuestionTimes))
	for k, v := range a.QuestionTimes {
		c.QuestionTimes[k] = v
	}
	for i, t := range a.SessionStartedAt {
		if t != nil {
			v := *t
			c.SessionStartedAt[i] = &v
		}
	}
	if a.AngoffPassScore != nil {
		v := *a.AngoffPassScore
		c.AngoffPassScore = &v
	}
	return &c
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
