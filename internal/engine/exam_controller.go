package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-simulator/internal/invariant"
	"github.com/stemsi/exstem-simulator/internal/model"
	"github.com/stemsi/exstem-simulator/internal/scoring"
)

const eventBuffer = 32

// EventType names an event pushed to subscribers.
type EventType string

const (
	EventTick    EventType = "tick"
	EventPhase   EventType = "phase"
	EventResults EventType = "results"
)

// Event is pushed to subscribers on clock ticks and phase changes.
type Event struct {
	Type             EventType         `json:"type"`
	AttemptID        uuid.UUID         `json:"attempt_id"`
	Phase            model.Phase       `json:"phase"`
	Session          int               `json:"session,omitempty"`
	RemainingSeconds int               `json:"remaining_seconds,omitempty"`
	Results          *model.ResultView `json:"results,omitempty"`
}

// Deps are the collaborators and settings of an ExamSessionController.
type Deps struct {
	Questions   QuestionStore
	Entitlement Entitlement
	Recorder    Recorder
	Policy      scoring.Policy
	MinPoolSize int

	// Now and TickInterval default to time.Now and DefaultTickInterval.
	// A negative TickInterval disables background polling.
	Now          func() time.Time
	TickInterval time.Duration

	Guard *invariant.Guard
	Log   zerolog.Logger
}

// ExamSnapshot is a read-only view of an exam.
type ExamSnapshot struct {
	AttemptID       uuid.UUID                   `json:"attempt_id"`
	Title           string                      `json:"title"`
	ExamType        model.ExamType              `json:"exam_type"`
	Phase           model.Phase                 `json:"phase"`
	SessionCount    int                         `json:"session_count"`
	Session         *model.SessionSnapshot      `json:"session,omitempty"`
	CurrentQuestion *model.QuestionForCandidate `json:"current_question,omitempty"`
	Completed       []model.SessionResult       `json:"completed_sessions"`
	Results         *model.ResultView           `json:"results,omitempty"`
}

// ExamSessionController sequences one or two sessions and an optional break,
// then scores the attempt. All of its methods are safe for concurrent use;
// user commands and clock callbacks are serialized by a single lock.
type ExamSessionController struct {
	mu   sync.Mutex
	deps Deps
	log  zerolog.Logger

	attemptID uuid.UUID
	user      model.SessionContext
	spec      model.ExamSpec
	sets      []*QuestionSet
	phase     model.Phase
	sessions  [2]*SessionController
	completed []model.SessionResult
	report    *model.ScoreReport

	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewExamSessionController creates a controller in the setup phase.
func NewExamSessionController(deps Deps) *ExamSessionController {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	switch {
	case deps.TickInterval == 0:
		deps.TickInterval = DefaultTickInterval
	case deps.TickInterval < 0:
		deps.TickInterval = 0
	}
	if deps.Policy == (scoring.Policy{}) {
		deps.Policy = scoring.DefaultPolicy
	}
	return &ExamSessionController{
		deps:  deps,
		log:   deps.Log.With().Str("component", "exam_controller").Logger(),
		phase: model.PhaseSetup,
		subs:  make(map[int]chan Event),
	}
}

// Setup validates spec, checks entitlement, records the attempt and starts
// session 1. Nothing is created when it fails.
func (e *ExamSessionController) Setup(ctx context.Context, user model.SessionContext, spec model.ExamSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != model.PhaseSetup || e.attemptID != uuid.Nil {
		return ErrAlreadyStarted
	}
	if err := e.validate(spec, true); err != nil {
		return err
	}

	sets, err := e.loadSets(ctx, spec)
	if err != nil {
		return err
	}

	if spec.SessionCount == 2 {
		if e.deps.Entitlement == nil {
			return ErrNotEntitled
		}
		ok, err := e.deps.Entitlement.ConsumeSimulatorCredit(ctx, user.UserID)
		if err != nil {
			return fmt.Errorf("check entitlement: %w", err)
		}
		if !ok {
			return ErrNotEntitled
		}
	}

	id, err := e.deps.Recorder.OnAttemptStart(ctx, user, spec)
	if err != nil {
		e.log.Error().Err(err).Int("user_id", user.UserID).
			Bool("credit_consumed", spec.SessionCount == 2).
			Msg("Failed to record attempt start")
		return fmt.Errorf("record attempt start: %w", err)
	}

	e.attemptID = id
	e.user = user
	e.spec = spec
	e.sets = sets
	e.log = e.log.With().Str("attempt_id", id.String()).Logger()
	e.log.Info().Int("user_id", user.UserID).Int("sessions", spec.SessionCount).
		Int("questions", len(spec.QuestionIDs)).Msg("Exam set up")

	return e.startSessionLocked(1, e.deps.Now())
}

// Resume rebuilds a controller from a persisted attempt. Completed attempts
// come back in the results phase with their stored score; an in-session
// attempt continues from its flushed answers and times, and finishes at once
// if its time ran out while nobody was connected.
func Resume(ctx context.Context, deps Deps, user model.SessionContext, attempt *model.ExamAttempt) (*ExamSessionController, error) {
	if attempt.UserID != user.UserID {
		return nil, ErrNotOwner
	}
	if attempt.Phase == model.PhaseAbandoned {
		return nil, ErrAttemptAbandoned
	}

	e := NewExamSessionController(deps)
	e.mu.Lock()
	defer e.mu.Unlock()

	spec := attempt.Spec()
	if err := e.validate(spec, false); err != nil {
		return nil, err
	}
	sets, err := e.loadSets(ctx, spec)
	if err != nil {
		return nil, err
	}

	e.attemptID = attempt.ID
	e.user = user
	e.spec = spec
	e.sets = sets
	e.log = e.log.With().Str("attempt_id", attempt.ID.String()).Logger()

	if attempt.Completed {
		report := scoring.Score(e.allQuestions(), attempt.Answers, e.deps.Policy)
		report.RawScore = attempt.RawScore
		report.TotalQuestions = attempt.TotalQuestions
		report.StandardPassScore = attempt.StandardPassScore
		report.AngoffPassScore = attempt.AngoffPassScore
		for n := 1; n <= spec.SessionCount; n++ {
			e.completed = append(e.completed, e.rebuildResult(n, attempt))
		}
		e.report = &report
		e.phase = model.PhaseResults
		return e, nil
	}

	now := e.deps.Now()
	switch attempt.Phase {
	case model.PhaseSetup:
		err = e.startSessionLocked(1, now)

	case model.PhaseSession1, model.PhaseSession2:
		n := attempt.Phase.SessionNumber()
		for i := 1; i < n; i++ {
			e.completed = append(e.completed, e.rebuildResult(i, attempt))
		}
		startedAt := now
		if t := attempt.SessionStartedAt[n-1]; t != nil {
			startedAt = *t
		}
		err = e.resumeSessionLocked(n, startedAt, attempt)

	case model.PhaseBreak:
		e.completed = append(e.completed, e.rebuildResult(1, attempt))
		e.phase = model.PhaseBreak

	case model.PhaseResults:
		// The finish write never landed; score again and re-queue it.
		for n := 1; n <= spec.SessionCount; n++ {
			e.completed = append(e.completed, e.rebuildResult(n, attempt))
		}
		e.phase = model.PhaseResults
		e.enterResultsLocked()

	default:
		return nil, fmt.Errorf("resume attempt in phase %q: %w", attempt.Phase, ErrWrongPhase)
	}
	if err != nil {
		return nil, err
	}

	e.log.Info().Str("phase", string(e.phase)).Msg("Exam resumed")
	return e, nil
}

func (e *ExamSessionController) validate(spec model.ExamSpec, checkPool bool) error {
	if spec.SessionCount != 1 && spec.SessionCount != 2 {
		return configErr(ErrInvalidSessions, "got %d", spec.SessionCount)
	}
	if len(spec.QuestionIDs) == 0 {
		return &ConfigError{Err: ErrEmptyQuestionSet}
	}
	if checkPool && len(spec.QuestionIDs) < e.deps.MinPoolSize {
		return configErr(ErrUndersizedPool, "%d < %d", len(spec.QuestionIDs), e.deps.MinPoolSize)
	}
	if spec.SessionMinutes <= 0 {
		return &ConfigError{Err: ErrMissingTimeLimit}
	}
	if len(spec.QuestionIDs)%spec.SessionCount != 0 {
		return configErr(ErrUnevenSessions, "%d questions over %d sessions", len(spec.QuestionIDs), spec.SessionCount)
	}
	seen := make(map[string]struct{}, len(spec.QuestionIDs))
	for _, id := range spec.QuestionIDs {
		if _, dup := seen[id]; dup {
			return configErr(ErrDuplicateQuestion, "id %s", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (e *ExamSessionController) loadSets(ctx context.Context, spec model.ExamSpec) ([]*QuestionSet, error) {
	fetched, err := e.deps.Questions.GetQuestionsByIDs(ctx, spec.QuestionIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch questions: %w", err)
	}
	sets := make([]*QuestionSet, 0, spec.SessionCount)
	for n := 1; n <= spec.SessionCount; n++ {
		set, err := NewQuestionSet(spec.SessionQuestionIDs(n), fetched)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func (e *ExamSessionController) newSessionLocked(n int) (*SessionController, error) {
	sc, err := NewSessionController(e.sets[n-1], SessionConfig{
		Number:       n,
		Limit:        e.spec.SessionLimit(),
		Offset:       e.sessionOffset(n),
		Locker:       &e.mu,
		Now:          e.deps.Now,
		TickInterval: e.deps.TickInterval,
		OnTick:       e.onTickLocked,
		OnComplete:   e.onSessionCompleteLocked,
		Log:          e.log,
	})
	if err != nil {
		return nil, err
	}
	e.sessions[n-1] = sc
	return sc, nil
}

func (e *ExamSessionController) startSessionLocked(n int, startedAt time.Time) error {
	sc, err := e.newSessionLocked(n)
	if err != nil {
		return err
	}
	phase := sessionPhase(n)
	e.phase = phase
	first := e.sessionOffset(n)
	e.deps.Recorder.OnCheckpoint(e.attemptID, model.AttemptPatch{
		Phase:          phase,
		SessionStarted: &model.SessionStart{Session: n, At: startedAt},
		LiveIndex:      &first,
	})
	e.log.Info().Int("session", n).Msg("Session started")
	e.emitLocked(Event{Type: EventPhase, Phase: phase, Session: n})
	sc.startLocked(startedAt)
	return nil
}

func (e *ExamSessionController) resumeSessionLocked(n int, startedAt time.Time, attempt *model.ExamAttempt) error {
	sc, err := e.newSessionLocked(n)
	if err != nil {
		return err
	}
	e.phase = sessionPhase(n)
	set := e.sets[n-1]
	sc.restored = &sessionRestore{
		answers: attempt.Answers,
		flags:   attempt.Flags,
		times:   attempt.QuestionTimes,
		current: attempt.LiveIndex,
	}
	if attempt.SessionStartedAt[n-1] == nil {
		first := e.sessionOffset(n)
		e.deps.Recorder.OnCheckpoint(e.attemptID, model.AttemptPatch{
			Phase:          e.phase,
			SessionStarted: &model.SessionStart{Session: n, At: startedAt},
			LiveIndex:      &first,
		})
	}
	e.log.Info().Int("session", n).Int("questions", set.Len()).Msg("Session resumed")
	sc.startLocked(startedAt)
	return nil
}

// rebuildResult reconstructs the result of an already completed session from
// the merged attempt data.
func (e *ExamSessionController) rebuildResult(n int, attempt *model.ExamAttempt) model.SessionResult {
	set := e.sets[n-1]
	res := model.SessionResult{
		Session:       n,
		QuestionIDs:   set.IDs(),
		Answers:       make(map[string]model.Letter),
		Flags:         []string{},
		QuestionTimes: make(map[string]float64),
	}
	var viewed float64
	for qid, l := range attempt.Answers {
		if set.Contains(qid) {
			res.Answers[qid] = l
		}
	}
	for _, qid := range attempt.Flags {
		if set.Contains(qid) {
			res.Flags = append(res.Flags, qid)
		}
	}
	for qid, secs := range attempt.QuestionTimes {
		if set.Contains(qid) {
			res.QuestionTimes[qid] = secs
			viewed += secs
		}
	}
	res.CorrectCount = scoring.CountCorrect(set.questions, res.Answers)

	if t := attempt.SessionStartedAt[n-1]; t != nil {
		res.StartedAt = *t
		span := time.Duration(viewed * float64(time.Second))
		if limit := e.spec.SessionLimit(); span > limit {
			span = limit
		}
		res.FinishedAt = t.Add(span)
	}
	return res
}

func (e *ExamSessionController) onTickLocked(session, remaining int) {
	e.emitLocked(Event{Type: EventTick, Phase: e.phase, Session: session, RemainingSeconds: remaining})
}

func (e *ExamSessionController) onSessionCompleteLocked(res model.SessionResult) {
	if e.phase != sessionPhase(res.Session) {
		e.deps.Guard.Violation("session completed outside its phase", map[string]any{
			"attempt_id": e.attemptID.String(),
			"session":    res.Session,
			"phase":      string(e.phase),
		})
		return
	}

	next := model.PhaseResults
	if res.Session == 1 && e.spec.SessionCount == 2 {
		next = model.PhaseBreak
	}
	e.completed = append(e.completed, res)
	e.deps.Recorder.OnSessionComplete(e.attemptID, res, next)

	e.log.Info().Int("session", res.Session).Bool("timed_out", res.TimedOut).
		Str("next", string(next)).Msg("Session completed")

	e.phase = next
	e.emitLocked(Event{Type: EventPhase, Phase: next, Session: res.Session})
	if next == model.PhaseResults {
		e.enterResultsLocked()
	}
}

func (e *ExamSessionController) enterResultsLocked() {
	if e.report != nil {
		return
	}

	merged := make(map[string]model.Letter)
	var taken time.Duration
	for i := range e.completed {
		for qid, l := range e.completed[i].Answers {
			merged[qid] = l
		}
		taken += e.completed[i].Duration()
	}

	report := scoring.Score(e.allQuestions(), merged, e.deps.Policy)
	e.report = &report
	e.deps.Recorder.OnAttemptFinish(e.attemptID, report, taken)

	e.log.Info().Int("raw_score", report.RawScore).Int("total", report.TotalQuestions).
		Bool("passed", report.Passed()).Msg("Exam scored")

	view := scoring.View(report, e.deps.Policy)
	e.emitLocked(Event{Type: EventResults, Phase: model.PhaseResults, Results: &view})
}

func (e *ExamSessionController) allQuestions() []model.Question {
	var out []model.Question
	for _, s := range e.sets {
		out = append(out, s.questions...)
	}
	return out
}

// active returns the running session or the error explaining why there is none.
func (e *ExamSessionController) active() (*SessionController, error) {
	switch e.phase {
	case model.PhaseSession1, model.PhaseSession2:
		return e.sessions[e.phase.SessionNumber()-1], nil
	case model.PhaseAbandoned:
		return nil, ErrAttemptAbandoned
	case model.PhaseResults:
		return nil, ErrSessionClosed
	}
	return nil, ErrNoActiveSession
}

// SelectAnswer records l for the current question of the running session.
func (e *ExamSessionController) SelectAnswer(l model.Letter) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sc, err := e.active()
	if err != nil {
		return err
	}
	return sc.selectAnswerLocked(l)
}

// Next moves forward within the running session.
func (e *ExamSessionController) Next() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sc, err := e.active()
	if err != nil {
		return err
	}
	return sc.stepLocked(1)
}

// Previous moves back within the running session.
func (e *ExamSessionController) Previous() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sc, err := e.active()
	if err != nil {
		return err
	}
	return sc.stepLocked(-1)
}

// JumpTo moves to question i of the running session.
func (e *ExamSessionController) JumpTo(i int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sc, err := e.active()
	if err != nil {
		return err
	}
	return sc.jumpToLocked(i)
}

// ToggleFlag flips the flag of the current question.
func (e *ExamSessionController) ToggleFlag() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sc, err := e.active()
	if err != nil {
		return false, err
	}
	return sc.toggleFlagLocked()
}

// FinishSession ends the running session as if its time had run out by choice.
func (e *ExamSessionController) FinishSession() (model.SessionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sc, err := e.active()
	if err != nil {
		return model.SessionResult{}, err
	}
	return sc.finishLocked(false), nil
}

// Continue leaves the break and starts session 2.
func (e *ExamSessionController) Continue() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != model.PhaseBreak {
		return ErrWrongPhase
	}
	return e.startSessionLocked(2, e.deps.Now())
}

// Abandon stops the exam without scoring it. The attempt stays incomplete.
func (e *ExamSessionController) Abandon() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.phase {
	case model.PhaseAbandoned:
		return nil
	case model.PhaseResults:
		return ErrWrongPhase
	case model.PhaseSetup:
		if e.attemptID == uuid.Nil {
			return ErrNoActiveSession
		}
	}

	patch := model.AttemptPatch{}
	if sc, err := e.active(); err == nil {
		patch = sc.checkpointLocked()
		sc.cancel()
	}
	patch.Phase = model.PhaseAbandoned
	e.deps.Recorder.OnCheckpoint(e.attemptID, patch)

	e.phase = model.PhaseAbandoned
	e.log.Info().Msg("Exam abandoned")
	e.emitLocked(Event{Type: EventPhase, Phase: model.PhaseAbandoned})
	return nil
}

// Checkpoint writes the running session's answers, flags, times and position
// so that a reload resumes from them. It reports whether anything was written.
func (e *ExamSessionController) Checkpoint() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	sc, err := e.active()
	if err != nil || sc.result != nil || !sc.running {
		return false
	}
	e.deps.Recorder.OnCheckpoint(e.attemptID, sc.checkpointLocked())
	return true
}

// Close stops the running clock without finishing or abandoning the exam,
// after writing a final checkpoint.
func (e *ExamSessionController) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sc, err := e.active(); err == nil && sc.running {
		e.deps.Recorder.OnCheckpoint(e.attemptID, sc.checkpointLocked())
		sc.cancel()
	}
	e.closed = true
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
}

// Results returns the scored view once the exam reached the results phase.
func (e *ExamSessionController) Results() (model.ResultView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.report == nil {
		return model.ResultView{}, ErrWrongPhase
	}
	return scoring.View(*e.report, e.deps.Policy), nil
}

// Snapshot returns the current state of the exam.
func (e *ExamSessionController) Snapshot() ExamSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := ExamSnapshot{
		AttemptID:    e.attemptID,
		Title:        e.spec.Title,
		ExamType:     e.spec.ExamType,
		Phase:        e.phase,
		SessionCount: e.spec.SessionCount,
		Completed:    append([]model.SessionResult(nil), e.completed...),
	}
	if sc, err := e.active(); err == nil {
		s := sc.snapshotLocked()
		q := sc.state.set.At(sc.state.current).ForCandidate()
		snap.Session = &s
		snap.CurrentQuestion = &q
	}
	if e.report != nil {
		view := scoring.View(*e.report, e.deps.Policy)
		snap.Results = &view
	}
	return snap
}

// AttemptID returns the id assigned at setup.
func (e *ExamSessionController) AttemptID() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attemptID
}

// Owner returns the user the exam belongs to.
func (e *ExamSessionController) Owner() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.user.UserID
}

// Phase returns the current phase.
func (e *ExamSessionController) Phase() model.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Done reports whether the exam reached a terminal phase.
func (e *ExamSessionController) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase == model.PhaseResults || e.phase == model.PhaseAbandoned
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. Slow subscribers miss events rather than block the exam.
// The channel is closed when the exam is closed.
func (e *ExamSessionController) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, eventBuffer)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			close(c)
			delete(e.subs, id)
		}
	}
}

func (e *ExamSessionController) emitLocked(ev Event) {
	ev.AttemptID = e.attemptID
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// sessionOffset is the exam-wide position of session n's first question.
func (e *ExamSessionController) sessionOffset(n int) int {
	return (n - 1) * e.spec.SessionSize()
}

func sessionPhase(n int) model.Phase {
	if n == 2 {
		return model.PhaseSession2
	}
	return model.PhaseSession1
}
